package launch

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/5l1v3r1/dinit/pkg/sysapi"
)

// ReadReport reads one failure record from the read end of the report
// pipe. It returns (nil, nil) on EOF with no data, meaning exec succeeded
// and the close-on-exec write end vanished. A full record decodes to the
// failed stage and errno. Data shorter than a record means the write end
// was lost mid-record and is reported as a broken pipe.
//
// On a blocking descriptor this waits until the child execs or fails;
// a non-blocking descriptor passes EAGAIN through for poll-driven callers.
func ReadReport(sys sysapi.Interface, fd int) (*ChildError, error) {
	buf := make([]byte, RecordSize)
	n, err := sys.Read(fd, buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if n < RecordSize {
		return nil, syscall.EPIPE
	}
	ce, err := DecodeReport(buf[:n])
	if err != nil {
		return nil, err
	}
	return &ce, nil
}

// Cancel signals a child that has been forked but whose outcome is not yet
// known. The usual choice is SIGKILL before any report has been read, so
// a half-set-up child cannot linger.
func Cancel(sys sysapi.Interface, pid int, sig unix.Signal) error {
	return sys.Kill(pid, sig)
}
