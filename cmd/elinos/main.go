// Command elinos is the dev-host boot sequencer: it brings up
// internal/memory against either probed or configured RAM, mounts an
// ext4 disk image through a file-backed block device, and drops into
// the interactive shell over a raw-mode console relay — the parts of
// spec.md's boot flow that don't require real RISC-V hardware to
// exercise meaningfully. See DESIGN.md's "dev-host disk backing" entry
// for why this binary talks to a plain file instead of internal/virtio.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/elinos-project/elinos/internal/bootconfig"
	"github.com/elinos-project/elinos/internal/ext4"
	"github.com/elinos-project/elinos/internal/klog"
	"github.com/elinos-project/elinos/internal/memory"
	"github.com/elinos-project/elinos/internal/sbi"
)

const version = "0.1.0"

// fixedFirmware is an sbi.Firmware that reports a single configured RAM
// region instead of probing real hardware. main always uses it: when
// neither the config file nor -ram names a size it reports no region,
// so internal/memory's fallback region applies. Shutdown/Reboot just
// exit the process, since there's no real SBI call to make on a dev host.
type fixedFirmware struct {
	ramSize uint64
}

func (f fixedFirmware) ProbeMemory() ([]sbi.MemoryRegion, error) {
	if f.ramSize == 0 {
		return nil, nil
	}
	return []sbi.MemoryRegion{{Start: 0x80000000, Size: f.ramSize, IsRAM: true}}, nil
}

func (fixedFirmware) Shutdown() error { os.Exit(0); return nil }
func (fixedFirmware) Reboot() error   { os.Exit(0); return nil }

func main() {
	configPath := flag.String("config", "elinos.yml", "boot configuration file")
	diskPath := flag.String("disk", "", "ext2/4 disk image (overrides the config file's disk path)")
	ramFlag := flag.String("ram", "", "RAM size override, e.g. 128MiB (overrides the config file's ram)")
	flag.Parse()

	cfg, err := bootconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "elinos: boot config:", err)
		os.Exit(1)
	}
	if *ramFlag != "" {
		ram, err := bootconfig.ParseSize(*ramFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, "elinos: -ram:", err)
			os.Exit(1)
		}
		cfg.RAM = ram
	}
	disk := cfg.Disk
	if *diskPath != "" {
		disk = *diskPath
	}
	if disk == "" {
		fmt.Fprintln(os.Stderr, "elinos: no disk image configured (set disk: in the config file or pass -disk)")
		os.Exit(1)
	}

	sink := newColorSink(os.Stdout)
	log := klog.New(sink, "boot", klog.Info)

	printBanner(sink, version)

	mgr, err := memory.NewManager(nil, fixedFirmware{ramSize: cfg.RAM}, log.With("memory"), memory.Config{})
	if err != nil {
		log.Errorf("memory init failed: %v", err)
		os.Exit(1)
	}
	log.Infof("memory: mode=%s total=%d bytes", mgr.Mode(), mgr.TotalRAM())

	dev, err := openFileBlockDevice(disk)
	if err != nil {
		log.Errorf("disk: %v", err)
		os.Exit(1)
	}
	defer dev.Close()

	fs, err := ext4.Mount(dev)
	if err != nil {
		log.Errorf("mount %s: %v", disk, err)
		os.Exit(1)
	}
	defer fs.Unmount()
	log.Infof("mounted %s", disk)

	console := newTermConsole()
	defer console.restore()

	fw := fixedFirmware{ramSize: cfg.RAM}
	sh := newShell(fs, mgr, fw, console, log.With("shell"), cfg.MMIOBases)
	sh.run()
}
