package launch

import (
	"errors"
	"os/exec"
	"syscall"
	_ "unsafe" // required for go:linkname.

	"golang.org/x/sys/unix"

	"github.com/5l1v3r1/dinit/pkg/sysapi"
)

//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

// Signals that stay deliverable throughout setup, so a hung launch can
// always be interrupted or killed by the supervisor.
const keepSignals = uint64(1)<<(unix.SIGCHLD-1) |
	uint64(1)<<(unix.SIGINT-1) |
	uint64(1)<<(unix.SIGTERM-1) |
	uint64(1)<<(unix.SIGQUIT-1)

// childRLimit is one resource limit in the form the child applies with
// prlimit64. cur is scratch space for the read-overlay-apply sequence, so
// the child never allocates.
type childRLimit struct {
	res     uintptr
	softSet bool
	hardSet bool
	rlim    unix.Rlimit
	cur     unix.Rlimit
}

// childState carries everything the child needs between clone and exec.
// All of it is prepared before the fork: the child may not allocate.
type childState struct {
	argv0 *byte
	argv  []*byte
	envp  []*byte

	workdir *byte
	logfile *byte
	devNull *byte

	ops []fdOp

	// wpipe is the report pipe's position before the plan is replayed;
	// notify and socket are final positions from the plan.
	wpipe       int
	notify      int
	socket      int
	forceNotify int

	onConsole    bool
	inForeground bool
	uid, gid     int

	blockMask   uint64
	restoreMask uint64
	ignoreAct   sigactiont

	limits   []childRLimit
	pidPatch []byte
}

// Start launches the service described by p: it forks and the child runs
// the setup pipeline and execs. The returned pid is the forked child. The
// outcome of the launch itself is asynchronous: the caller observes it by
// reading the failure-report pipe (see ReadReport).
//
// Preparation steps that must happen before the fork (environment-file
// load, notification variable assembly, exec path resolution) report
// failures both ways: the fixed-size record is written to the report pipe
// and the same ChildError is returned.
func Start(sys sysapi.Interface, p *Params) (int, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}

	pl := planFDs(p)

	exe, err := exec.LookPath(p.Args[0])
	if err != nil {
		return 0, reportEarly(sys, p.WPipeFD, ChildError{Stage: StageExec, Errno: lookupErrno(err)})
	}
	argv0, argv, err := prepareArgs(exe, p.Args)
	if err != nil {
		return 0, reportEarly(sys, p.WPipeFD, ChildError{Stage: StageExec, Errno: syscall.EINVAL})
	}
	env, cerr := prepareEnv(p, pl)
	if cerr != nil {
		return 0, reportEarly(sys, p.WPipeFD, *cerr)
	}
	workdir, err := syscallStringFromString(p.WorkDir)
	if err != nil {
		return 0, reportEarly(sys, p.WPipeFD, ChildError{Stage: StageChdir, Errno: syscall.EINVAL})
	}
	logfile, err := syscallStringFromString(p.LogFile)
	if err != nil {
		return 0, reportEarly(sys, p.WPipeFD, ChildError{Stage: StageStdio, Errno: syscall.EINVAL})
	}
	devNull, err := syscall.BytePtrFromString("/dev/null")
	if err != nil {
		return 0, err
	}

	// Capture the current mask now; the child inherits it across clone.
	var orig unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, nil, &orig); err != nil {
		return 0, err
	}

	limits := make([]childRLimit, len(p.RLimits))
	for i, l := range p.RLimits {
		limits[i] = childRLimit{
			res:     uintptr(l.Res),
			softSet: l.SoftSet,
			hardSet: l.HardSet,
			rlim:    unix.Rlimit{Cur: l.Soft, Max: l.Hard},
		}
	}

	c := &childState{
		argv0:        argv0,
		argv:         argv,
		envp:         env.envp,
		workdir:      workdir,
		logfile:      logfile,
		devNull:      devNull,
		ops:          pl.Ops,
		wpipe:        p.WPipeFD,
		notify:       pl.Notify,
		socket:       pl.Socket,
		forceNotify:  p.ForceNotifyFD,
		onConsole:    p.OnConsole,
		inForeground: p.InForeground,
		uid:          p.UID,
		gid:          p.GID,
		blockMask:    ^keepSignals,
		restoreMask:  orig.Val[0] &^ keepSignals,
		ignoreAct:    sigactiont{handler: _SIG_IGN},
		limits:       limits,
		pidPatch:     env.pidPatch,
	}

	// Acquire the fork lock so that no other threads create new fds that
	// are not yet close-on-exec before we fork.
	syscall.ForkLock.Lock()
	pid, err1 := forkAndLaunchInChild(c)
	afterFork()
	syscall.ForkLock.Unlock()

	if err1 != 0 {
		return 0, err1
	}
	return int(pid), nil
}

// reportEarly writes the failure record for a pre-fork failure so the
// supervisor still observes the outcome on the report pipe, then returns
// the same error for the direct caller.
func reportEarly(sys sysapi.Interface, wpipe int, e ChildError) error {
	sys.Write(wpipe, EncodeReport(e)) //nolint:errcheck // the launch is failing regardless
	return e
}

func lookupErrno(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.ENOENT
}

// prepareArgs prepares execve parameters: the resolved executable path and
// the argument vector.
func prepareArgs(exe string, args []string) (*byte, []*byte, error) {
	argv0, err := syscall.BytePtrFromString(exe)
	if err != nil {
		return nil, nil, err
	}
	argv, err := syscall.SlicePtrFromStrings(args)
	if err != nil {
		return nil, nil, err
	}
	return argv0, argv, nil
}

// syscallStringFromString prepares *byte if str is not empty, otherwise nil
func syscallStringFromString(str string) (*byte, error) {
	if str != "" {
		return syscall.BytePtrFromString(str)
	}
	return nil, nil
}
