package virtio

import "encoding/binary"

// MMIO register offsets within a virtio-mmio device window, per the
// VirtIO 1.1 MMIO transport spec. Values match the teacher's device-side
// register map in internal/devices/virtio/mmio.go, read here from the
// opposite (driver) side of the same bus.
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100

	legacyRegQueuePFN = 0x040
)

const mmioMagicValue = 0x74726976 // "virt"

// Status bits the driver writes to the device status register during the
// standard virtio device initialization handshake (VirtIO 1.1 §3.1.1).
const (
	statusAcknowledge uint32 = 1
	statusDriver      uint32 = 2
	statusDriverOK    uint32 = 4
	statusFeaturesOK  uint32 = 8
	statusFailed      uint32 = 128
)

// MMIODevice is a thin register-level accessor over a virtio-mmio device
// window, backed by a GuestMemory-like address space. It performs the
// legacy-vs-modern handshake spec.md names and hands back a ready Queue.
type MMIODevice struct {
	mem     GuestMemory
	base    uint64
	legacy  bool
	version uint32
}

// Probe reads the magic/version/device-id triplet at base and reports
// whether a virtio device is actually present there.
func Probe(mem GuestMemory, base uint64) (deviceID uint32, version uint32, ok bool, err error) {
	magic, err := readReg32(mem, base+regMagicValue)
	if err != nil {
		return 0, 0, false, err
	}
	if magic != mmioMagicValue {
		return 0, 0, false, nil
	}
	version, err = readReg32(mem, base+regVersion)
	if err != nil {
		return 0, 0, false, err
	}
	deviceID, err = readReg32(mem, base+regDeviceID)
	if err != nil {
		return 0, 0, false, err
	}
	if deviceID == 0 {
		// Placeholder slot per the MMIO transport spec: magic and
		// version are valid but no device is plugged in.
		return 0, version, false, nil
	}
	return deviceID, version, true, nil
}

// Open performs the standard virtio-mmio handshake against an already
// probed device window: reset, acknowledge, driver, negotiate the
// requested feature bits, then FEATURES_OK (modern devices only).
// DRIVER_OK is not set here; Finalize sets it once the queues are set up.
func Open(mem GuestMemory, base uint64, version uint32, wantFeatures uint64) (*MMIODevice, error) {
	d := &MMIODevice{mem: mem, base: base, legacy: version == 1, version: version}

	if err := writeReg32(mem, base+regStatus, 0); err != nil {
		return nil, wrapErr(VirtIOError, "reset device", err)
	}
	if err := d.setStatus(statusAcknowledge); err != nil {
		return nil, err
	}
	if err := d.setStatus(statusAcknowledge | statusDriver); err != nil {
		return nil, err
	}

	offered, err := d.readFeatures()
	if err != nil {
		return nil, err
	}
	negotiated := offered & wantFeatures
	if err := d.writeFeatures(negotiated); err != nil {
		return nil, err
	}

	if !d.legacy {
		if err := d.setStatus(statusAcknowledge | statusDriver | statusFeaturesOK); err != nil {
			return nil, err
		}
		got, err := readReg32(mem, base+regStatus)
		if err != nil {
			return nil, err
		}
		if got&statusFeaturesOK == 0 {
			d.setStatus(statusFailed)
			return nil, newErr(VirtIOError, "device rejected negotiated feature set")
		}
	}

	return d, nil
}

// Finalize sets DRIVER_OK, completing the handshake once every queue has
// been configured via SetupQueue.
func (d *MMIODevice) Finalize() error {
	status := statusAcknowledge | statusDriver | statusDriverOK
	if !d.legacy {
		status |= statusFeaturesOK
	}
	return d.setStatus(status)
}

func (d *MMIODevice) setStatus(status uint32) error {
	if err := writeReg32(d.mem, d.base+regStatus, status); err != nil {
		return wrapErr(VirtIOError, "write status register", err)
	}
	return nil
}

func (d *MMIODevice) readFeatures() (uint64, error) {
	if err := writeReg32(d.mem, d.base+regDeviceFeaturesSel, 0); err != nil {
		return 0, wrapErr(VirtIOError, "select feature word 0", err)
	}
	lo, err := readReg32(d.mem, d.base+regDeviceFeatures)
	if err != nil {
		return 0, wrapErr(VirtIOError, "read feature word 0", err)
	}
	if d.legacy {
		return uint64(lo), nil
	}
	if err := writeReg32(d.mem, d.base+regDeviceFeaturesSel, 1); err != nil {
		return 0, wrapErr(VirtIOError, "select feature word 1", err)
	}
	hi, err := readReg32(d.mem, d.base+regDeviceFeatures)
	if err != nil {
		return 0, wrapErr(VirtIOError, "read feature word 1", err)
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

func (d *MMIODevice) writeFeatures(features uint64) error {
	if err := writeReg32(d.mem, d.base+regDriverFeaturesSel, 0); err != nil {
		return wrapErr(VirtIOError, "select driver feature word 0", err)
	}
	if err := writeReg32(d.mem, d.base+regDriverFeatures, uint32(features)); err != nil {
		return wrapErr(VirtIOError, "write driver feature word 0", err)
	}
	if d.legacy {
		return nil
	}
	if err := writeReg32(d.mem, d.base+regDriverFeaturesSel, 1); err != nil {
		return wrapErr(VirtIOError, "select driver feature word 1", err)
	}
	if err := writeReg32(d.mem, d.base+regDriverFeatures, uint32(features>>32)); err != nil {
		return wrapErr(VirtIOError, "write driver feature word 1", err)
	}
	return nil
}

// SetupQueue selects queue index qidx, reads its QueueNumMax, caps the
// requested size to it, places the three rings at addrs allocated by the
// caller (normally carved out of the same Arena memory.Manager hands to
// this package), and marks the queue ready.
func (d *MMIODevice) SetupQueue(qidx uint16, size uint16, descAddr, availAddr, usedAddr uint64) (*Queue, error) {
	if err := writeReg32(d.mem, d.base+regQueueSel, uint32(qidx)); err != nil {
		return nil, wrapErr(VirtIOError, "select queue", err)
	}
	maxSize, err := readReg32(d.mem, d.base+regQueueNumMax)
	if err != nil {
		return nil, wrapErr(VirtIOError, "read queue num max", err)
	}
	if maxSize == 0 {
		return nil, newErr(DeviceNotReady, "queue unavailable")
	}
	if uint32(size) > maxSize {
		size = uint16(maxSize)
	}
	if err := writeReg32(d.mem, d.base+regQueueNum, uint32(size)); err != nil {
		return nil, wrapErr(VirtIOError, "write queue size", err)
	}

	if d.legacy {
		pfn := uint32(descAddr / legacyPageSize)
		if err := writeReg32(d.mem, d.base+legacyRegQueuePFN, pfn); err != nil {
			return nil, wrapErr(VirtIOError, "write legacy queue pfn", err)
		}
	} else {
		if err := writeReg64(d.mem, d.base+regQueueDescLow, descAddr); err != nil {
			return nil, wrapErr(VirtIOError, "write queue desc addr", err)
		}
		if err := writeReg64(d.mem, d.base+regQueueAvailLow, availAddr); err != nil {
			return nil, wrapErr(VirtIOError, "write queue avail addr", err)
		}
		if err := writeReg64(d.mem, d.base+regQueueUsedLow, usedAddr); err != nil {
			return nil, wrapErr(VirtIOError, "write queue used addr", err)
		}
		if err := writeReg32(d.mem, d.base+regQueueReady, 1); err != nil {
			return nil, wrapErr(VirtIOError, "mark queue ready", err)
		}
	}

	q := newQueue(d, qidx, size, descAddr, availAddr, usedAddr)
	return q, nil
}

// legacyPageSize is the fixed guest page size the legacy virtio-mmio
// transport (version 1) uses to express the descriptor table address as
// a page frame number.
const legacyPageSize = 4096

// Notify rings the doorbell for queue qidx.
func (d *MMIODevice) Notify(qidx uint16) error {
	if err := writeReg32(d.mem, d.base+regQueueNotify, uint32(qidx)); err != nil {
		return wrapErr(VirtIOError, "notify queue", err)
	}
	return nil
}

// InterruptStatus reads and acknowledges the device's interrupt status
// register, returning which interrupt classes (VIRTIO_MMIO_INT_VRING and
// VIRTIO_MMIO_INT_CONFIG, bits 0 and 1) are pending.
func (d *MMIODevice) InterruptStatus() (uint32, error) {
	status, err := readReg32(d.mem, d.base+regInterruptStatus)
	if err != nil {
		return 0, wrapErr(VirtIOError, "read interrupt status", err)
	}
	if status != 0 {
		if err := writeReg32(d.mem, d.base+regInterruptAck, status); err != nil {
			return 0, wrapErr(VirtIOError, "acknowledge interrupt", err)
		}
	}
	return status, nil
}

func readReg32(mem GuestMemory, addr uint64) (uint32, error) {
	var buf [4]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeReg32(mem GuestMemory, addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := mem.WriteAt(buf[:], int64(addr))
	return err
}

func writeReg64(mem GuestMemory, addr uint64, v uint64) error {
	if err := writeReg32(mem, addr, uint32(v)); err != nil {
		return err
	}
	return writeReg32(mem, addr+4, uint32(v>>32))
}
