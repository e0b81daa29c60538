package launch

import (
	"errors"

	"github.com/5l1v3r1/dinit/pkg/rlimit"
)

// Params collects everything needed to launch one service process. It is
// owned by the caller and read-only to the launch pipeline.
type Params struct {
	// Args is the argument vector; Args[0] is the executable path or name
	// (resolved against PATH before the fork).
	Args []string

	// WorkDir is the working directory for the service, if non-empty.
	WorkDir string

	// LogFile receives stdout/stderr when the service is not on console.
	LogFile string

	OnConsole    bool
	InForeground bool

	// WPipeFD is the write end of the failure-report pipe. It must be
	// close-on-exec and remain valid until exec succeeds or a failure
	// record has been written.
	WPipeFD int

	// CtrlSockFD is the control-channel descriptor, or -1.
	CtrlSockFD int

	// NotifyFD is the readiness-notification descriptor, or -1.
	// ForceNotifyFD, if not -1, is the descriptor number the notification
	// descriptor must occupy in the launched process. NotifyVar, if
	// non-empty, is exported as NotifyVar=<notify fd number>.
	NotifyFD      int
	ForceNotifyFD int
	NotifyVar     string

	// UID and GID select the credentials to drop to; -1 means no change.
	UID, GID int

	// RLimits are applied in order before exec.
	RLimits []rlimit.Limit

	// EnvFile names a file of additional environment assignments applied
	// before the notification/activation variables are exported.
	EnvFile string

	// Env is the base environment; empty means inherit this process's.
	Env []string

	// ActivationSocketFD is the pre-opened listening socket, or -1. It is
	// consumed by the launch: the child moves it to descriptor 3 and
	// exports LISTEN_FDS/LISTEN_PID.
	ActivationSocketFD int
}

// NewParams returns Params for args with every descriptor slot and the
// credentials marked unset.
func NewParams(args []string) *Params {
	return &Params{
		Args:               args,
		WPipeFD:            -1,
		CtrlSockFD:         -1,
		NotifyFD:           -1,
		ForceNotifyFD:      -1,
		UID:                -1,
		GID:                -1,
		ActivationSocketFD: -1,
	}
}

func (p *Params) validate() error {
	if len(p.Args) == 0 {
		return errors.New("launch: empty argument vector")
	}
	if p.WPipeFD < 0 {
		return errors.New("launch: failure-report pipe descriptor is required")
	}
	if p.ForceNotifyFD != -1 && p.NotifyFD == -1 {
		return errors.New("launch: forced notification slot without a notification descriptor")
	}
	return nil
}
