package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

// termConsole relays bytes between the host terminal and the kernel's
// sbi.Console boundary, one byte at a time, the way a real UART would.
// A background reader goroutine feeds a buffered channel so GetChar can
// be the same non-blocking poll spec.md §5's busy-wait console model
// expects, instead of a call that parks the whole process.
type termConsole struct {
	out     io.Writer
	in      chan byte
	oldterm *term.State
	fd      int
}

func newTermConsole() *termConsole {
	c := &termConsole{out: os.Stdout, in: make(chan byte, 256), fd: int(os.Stdin.Fd())}
	if term.IsTerminal(c.fd) {
		if st, err := term.MakeRaw(c.fd); err == nil {
			c.oldterm = st
		}
	}
	go c.pump()
	return c
}

func (c *termConsole) pump() {
	r := bufio.NewReader(os.Stdin)
	for {
		b, err := r.ReadByte()
		if err != nil {
			close(c.in)
			return
		}
		c.in <- b
	}
}

func (c *termConsole) restore() {
	if c.oldterm != nil {
		term.Restore(c.fd, c.oldterm)
	}
}

func (c *termConsole) PutChar(b byte) {
	c.out.Write([]byte{b})
}

func (c *termConsole) GetChar() (byte, bool) {
	select {
	case b, ok := <-c.in:
		return b, ok
	default:
		return 0, false
	}
}

// levelColor maps a klog.Level name to the SGR escape that colors its
// prefix: green for info, yellow for warn, red for error, dim for debug.
// The sequences are plain ECMA-48 SGR codes; colorSink only reaches for
// github.com/charmbracelet/x/ansi to strip them back out when stdout
// isn't a terminal (piped or redirected output), rather than guess at a
// higher-level styling API this pack never exercises directly.
var levelColor = map[string]string{
	"DEBUG": "\x1b[2m",
	"INFO":  "\x1b[32m",
	"WARN":  "\x1b[33m",
	"ERROR": "\x1b[31m",
}

const colorReset = "\x1b[0m"

// colorSink wraps w so that a leading "LEVEL:" prefix in each write gets
// colorized before output, and stripped back to plain text via
// ansi.Strip when the destination is not a terminal.
type colorSink struct {
	w      io.Writer
	isTerm bool
}

func newColorSink(w io.Writer) *colorSink {
	isTerm := false
	if f, ok := w.(*os.File); ok {
		isTerm = term.IsTerminal(int(f.Fd()))
	}
	return &colorSink{w: w, isTerm: isTerm}
}

// levelFieldWidth is klog's "%-5s" level field: DEBUG/ERROR are exactly
// 5 characters and INFO/WARN are padded to 5, so the field after a
// "] " timestamp delimiter is always this wide.
const levelFieldWidth = 5

func (s *colorSink) Write(p []byte) (int, error) {
	line := string(p)
	colored := line
	if idx := strings.Index(line, "] "); idx >= 0 && idx+2+levelFieldWidth <= len(line) {
		field := line[idx+2 : idx+2+levelFieldWidth]
		if code, ok := levelColor[strings.TrimSpace(field)]; ok {
			colored = line[:idx+2] + code + field + colorReset + line[idx+2+levelFieldWidth:]
		}
	}
	if !s.isTerm {
		colored = ansi.Strip(colored)
	}
	n, err := io.WriteString(s.w, colored)
	if err != nil {
		return n, err
	}
	return len(p), nil
}

func printBanner(w io.Writer, version string) {
	fmt.Fprintf(w, "%selinOS%s %s — single-address-space RISC-V kernel (dev host build)\n", "\x1b[1;36m", colorReset, version)
}
