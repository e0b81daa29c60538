// Package sysapi wraps the primitive system calls that process supervision
// logic performs on descriptors and processes, so that a test build can
// substitute deterministic behavior for all of them.
package sysapi

import (
	"golang.org/x/sys/unix"
)

// Interface is the set of primitive operations performed through the
// abstraction layer. Production code receives an implementation by
// injection and never calls the OS directly for these.
type Interface interface {
	// Pipe creates a close-on-exec pipe, returning the read and write ends.
	Pipe() (r, w int, err error)
	// Close closes fd.
	Close(fd int) error
	// Read reads from fd into p.
	Read(fd int, p []byte) (int, error)
	// Write writes p to fd.
	Write(fd int, p []byte) (int, error)
	// Writev writes the buffers to fd in order as a vectored write.
	Writev(fd int, bufs [][]byte) (int, error)
	// Kill sends sig to process pid.
	Kill(pid int, sig unix.Signal) error
}

// WriteHandler accepts bytes written to one descriptor and reports how many
// were taken. The OS-backed implementation passes through to write(2); the
// mock harness substitutes a recording variant.
type WriteHandler interface {
	Write(p []byte) (int, error)
}

// FDWriter is the pass-through WriteHandler for a real descriptor.
type FDWriter int

func (w FDWriter) Write(p []byte) (int, error) {
	return unix.Write(int(w), p)
}

// OS forwards every operation to the operating system.
type OS struct{}

func (OS) Pipe() (int, int, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return p[0], p[1], nil
}

func (OS) Close(fd int) error {
	return unix.Close(fd)
}

func (OS) Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (OS) Write(fd int, p []byte) (int, error) {
	return FDWriter(fd).Write(p)
}

func (OS) Writev(fd int, bufs [][]byte) (int, error) {
	return unix.Writev(fd, bufs)
}

func (OS) Kill(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}
