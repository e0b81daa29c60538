// Package sysmock is a deterministic stand-in for the sysapi layer. It
// simulates a descriptor table, canned read results, recorded writes and
// recorded signals, so that supervision logic can be unit-tested without
// real processes or descriptors.
//
// Invariant violations (closing an unopened descriptor, writing through a
// descriptor with no handler) panic: they indicate a double-close or a
// bookkeeping bug in the code under test, not a runtime condition.
//
// A System is test-lifecycle state with no internal locking; tests are
// expected to use it single-threaded.
package sysmock

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/5l1v3r1/dinit/pkg/sysapi"
)

// readResult is one canned outcome for a read: either an error code, or a
// byte buffer consumed front-to-back across as many reads as needed.
type readResult struct {
	errno syscall.Errno
	data  []byte
}

type readCond struct {
	queue []readResult
	// if blocking, an empty queue reads as EAGAIN rather than end-of-file
	blocking bool
}

// Recorder is the WriteHandler that accumulates everything written, for
// later extraction by a test.
type Recorder struct {
	data []byte
}

func (r *Recorder) Write(p []byte) (int, error) {
	r.data = append(r.data, p...)
	return len(p), nil
}

// System implements sysapi.Interface over simulated state.
type System struct {
	usedFDs   []bool
	writers   map[int]sysapi.WriteHandler
	reads     map[int]*readCond
	lastSig   unix.Signal
	lastPID   int
	forkedPID int
}

// New returns a harness with descriptors 0-2 marked used and given
// recording write handlers.
func New() *System {
	s := &System{
		usedFDs:   []bool{true, true, true},
		writers:   make(map[int]sysapi.WriteHandler),
		reads:     make(map[int]*readCond),
		lastSig:   -1,
		forkedPID: 1,
	}
	for fd := 0; fd < 3; fd++ {
		s.writers[fd] = &Recorder{}
	}
	return s
}

// Allocfd allocates the lowest free descriptor with a recording handler.
func (s *System) Allocfd() int {
	return s.AllocfdWith(&Recorder{})
}

// AllocfdWith allocates the lowest free descriptor and associates h with it.
func (s *System) AllocfdWith(h sysapi.WriteHandler) int {
	for fd, used := range s.usedFDs {
		if !used {
			s.usedFDs[fd] = true
			s.writers[fd] = h
			return fd
		}
	}
	fd := len(s.usedFDs)
	s.usedFDs = append(s.usedFDs, true)
	s.writers[fd] = h
	return fd
}

// SupplyReadData queues data to be returned by reads of fd.
func (s *System) SupplyReadData(fd int, data []byte) {
	rc := s.readCond(fd)
	rc.queue = append(rc.queue, readResult{data: append([]byte(nil), data...)})
}

// SupplyReadError queues an error result to be returned by a read of fd.
func (s *System) SupplyReadError(fd int, errno syscall.Errno) {
	rc := s.readCond(fd)
	rc.queue = append(rc.queue, readResult{errno: errno})
}

// SetBlocking marks fd as blocking: reads on an empty queue report EAGAIN
// instead of end-of-file.
func (s *System) SetBlocking(fd int) {
	s.readCond(fd).blocking = true
}

// ExtractWrittenData moves the accumulated written data out of fd's
// recording handler.
func (s *System) ExtractWrittenData(fd int) []byte {
	rec, ok := s.writers[fd].(*Recorder)
	if !ok {
		panic(fmt.Sprintf("sysmock: fd %d has no recording write handler", fd))
	}
	data := rec.data
	rec.data = nil
	return data
}

// LastSignal reports the most recent signal sent through Kill and its
// target pid, or -1 if none was sent.
func (s *System) LastSignal() (pid int, sig unix.Signal) {
	return s.lastPID, s.lastSig
}

// Fork advances and returns the simulated child process id.
func (s *System) Fork() int {
	s.forkedPID++
	return s.forkedPID
}

func (s *System) readCond(fd int) *readCond {
	rc := s.reads[fd]
	if rc == nil {
		rc = &readCond{}
		s.reads[fd] = rc
	}
	return rc
}

// Mock implementations of the system calls:

func (s *System) Pipe() (int, int, error) {
	r := s.Allocfd()
	w := s.Allocfd()
	return r, w, nil
}

func (s *System) Close(fd int) error {
	if fd < 0 || fd >= len(s.usedFDs) || !s.usedFDs[fd] {
		panic(fmt.Sprintf("sysmock: close of unopened fd %d", fd))
	}
	s.usedFDs[fd] = false
	delete(s.writers, fd)
	delete(s.reads, fd)
	return nil
}

func (s *System) Read(fd int, p []byte) (int, error) {
	rc := s.readCond(fd)
	if len(rc.queue) == 0 {
		if rc.blocking {
			return 0, unix.EAGAIN
		}
		return 0, nil
	}

	rr := &rc.queue[0]
	if rr.errno != 0 {
		errno := rr.errno
		rc.queue = rc.queue[1:]
		return 0, errno
	}

	if len(rr.data) <= len(p) {
		// consume the entire result
		n := copy(p, rr.data)
		rc.queue = rc.queue[1:]
		return n, nil
	}

	// consume a partial result; the remainder stays at the queue front
	n := copy(p, rr.data[:len(p)])
	rr.data = rr.data[n:]
	return n, nil
}

func (s *System) Write(fd int, p []byte) (int, error) {
	h, ok := s.writers[fd]
	if !ok {
		panic(fmt.Sprintf("sysmock: write to fd %d with no handler", fd))
	}
	return h.Write(p)
}

func (s *System) Writev(fd int, bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := s.Write(fd, b)
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return n, err
		}
		total += n
		if n < len(b) {
			return total, nil
		}
	}
	return total, nil
}

func (s *System) Kill(pid int, sig unix.Signal) error {
	s.lastPID = pid
	s.lastSig = sig
	return nil
}
