package launch

import (
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/5l1v3r1/dinit/pkg/sysapi/sysmock"
)

func TestReadReportExecSucceeded(t *testing.T) {
	sys := sysmock.New()
	fd := sys.Allocfd()
	// write end vanished on exec: end of file, no data
	rep, err := ReadReport(sys, fd)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if rep != nil {
		t.Fatalf("report = %+v, want nil on clean exec", rep)
	}
}

func TestReadReportFailureRecord(t *testing.T) {
	sys := sysmock.New()
	fd := sys.Allocfd()
	sys.SupplyReadData(fd, EncodeReport(ChildError{Stage: StageCredentials, Errno: syscall.EPERM}))

	rep, err := ReadReport(sys, fd)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if rep == nil || rep.Stage != StageCredentials || rep.Errno != syscall.EPERM {
		t.Fatalf("report = %+v, want credentials/EPERM", rep)
	}
}

func TestReadReportTruncatedRecord(t *testing.T) {
	sys := sysmock.New()
	fd := sys.Allocfd()
	sys.SupplyReadData(fd, EncodeReport(ChildError{Stage: StageExec, Errno: syscall.ENOENT})[:3])

	if _, err := ReadReport(sys, fd); err != syscall.EPIPE {
		t.Fatalf("truncated record err = %v, want EPIPE", err)
	}
}

func TestReadReportWouldBlock(t *testing.T) {
	sys := sysmock.New()
	fd := sys.Allocfd()
	sys.SetBlocking(fd)

	if _, err := ReadReport(sys, fd); err != unix.EAGAIN {
		t.Fatalf("empty blocking read err = %v, want EAGAIN", err)
	}
}

func TestCancelSignalsChild(t *testing.T) {
	sys := sysmock.New()
	pid := sys.Fork()
	if err := Cancel(sys, pid, unix.SIGKILL); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	gotPID, gotSig := sys.LastSignal()
	if gotPID != pid || gotSig != unix.SIGKILL {
		t.Fatalf("last signal = (%d, %v), want (%d, SIGKILL)", gotPID, gotSig, pid)
	}
}
