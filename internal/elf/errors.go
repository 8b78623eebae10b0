// Package elf implements spec.md §4.4: ELF64 header and program-header
// parsing, segment loading through internal/memory, and the trap/syscall
// model a loaded user program is launched under.
package elf

import "fmt"

// ErrorCode is the tagged-enum category spec.md §4.4 names for the
// loader's failure model.
type ErrorCode int

const (
	InvalidMagic ErrorCode = iota
	UnsupportedClass
	UnsupportedEndian
	UnsupportedMachine
	UnsupportedType
	InvalidHeader
	LoadError
)

func (c ErrorCode) String() string {
	switch c {
	case InvalidMagic:
		return "InvalidMagic"
	case UnsupportedClass:
		return "UnsupportedClass"
	case UnsupportedEndian:
		return "UnsupportedEndian"
	case UnsupportedMachine:
		return "UnsupportedMachine"
	case UnsupportedType:
		return "UnsupportedType"
	case InvalidHeader:
		return "InvalidHeader"
	case LoadError:
		return "LoadError"
	default:
		return "UnknownElfError"
	}
}

// Error is returned by every fallible entry point in this package,
// matching the Code()/Error()/Unwrap() shape internal/memory and
// internal/virtio already use.
type Error struct {
	Code_ ErrorCode
	Msg   string
	Err   error
}

func (e *Error) Code() string { return e.Code_.String() }

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code_.String()
	}
	return fmt.Sprintf("%s: %s", e.Code_, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(code ErrorCode, msg string) *Error {
	return &Error{Code_: code, Msg: msg}
}

func wrapErr(code ErrorCode, msg string, err error) *Error {
	return &Error{Code_: code, Msg: msg, Err: err}
}
