package launch

import (
	"encoding/binary"
	"fmt"
	"syscall"
)

// Stage identifies the setup step at which a launch failed. The numeric
// values are part of the failure-record wire format and must not be
// reordered.
type Stage int32

// Stages, in pipeline order.
const (
	StageArrangeFDs Stage = iota
	StageReadEnvFile
	StageSetNotifyVar
	StageActivationSocket
	StageControlSocket
	StageChdir
	StageStdio
	StageRLimits
	StageCredentials
	StageExec
)

var stageToString = []string{
	"arrange file descriptors",
	"read environment file",
	"set notification variable",
	"set up activation socket",
	"set up control socket",
	"change directory",
	"set up stdio",
	"set resource limits",
	"set credentials",
	"exec",
}

func (s Stage) String() string {
	if s >= StageArrangeFDs && s <= StageExec {
		return stageToString[s]
	}
	return "unknown"
}

// ChildError reports the first setup step that failed in a launched child,
// with the OS error code captured at the point of failure.
type ChildError struct {
	Stage Stage
	Errno syscall.Errno
}

func (e ChildError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage.String(), e.Errno.Error())
}

// childRecord is the fixed-size failure record transmitted on the report
// pipe as raw bytes, in a single write.
type childRecord struct {
	stage Stage
	errno int32
}

// RecordSize is the exact size in bytes of one failure record.
const RecordSize = 8

// EncodeReport renders e as the record bytes the child would transmit.
func EncodeReport(e ChildError) []byte {
	b := make([]byte, RecordSize)
	binary.NativeEndian.PutUint32(b[0:4], uint32(e.Stage))
	binary.NativeEndian.PutUint32(b[4:8], uint32(e.Errno))
	return b
}

// DecodeReport decodes one full failure record.
func DecodeReport(b []byte) (ChildError, error) {
	if len(b) != RecordSize {
		return ChildError{}, fmt.Errorf("launch: report record is %d bytes, want %d", len(b), RecordSize)
	}
	return ChildError{
		Stage: Stage(binary.NativeEndian.Uint32(b[0:4])),
		Errno: syscall.Errno(binary.NativeEndian.Uint32(b[4:8])),
	}, nil
}
