package launch

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sigactiont is the kernel sigaction layout for rt_sigaction.
type sigactiont struct {
	handler  uintptr
	flags    uint64
	restorer uintptr
	mask     uint64
}

const _SIG_IGN = uintptr(1)

// kernel sigset size in bytes for the rt_sig* calls
const sigsetBytes = 8

var _AT_FDCWD = unix.AT_FDCWD

// forkAndLaunchInChild forks and, in the child, runs the staged setup
// pipeline ending in execve. It never returns in the child: any failure
// writes a record on the report pipe and exits with the failing errno.
// The caller must have acquired syscall.ForkLock and call afterFork on
// return.
//
//go:norace
func forkAndLaunchInChild(c *childState) (r1 uintptr, err1 syscall.Errno) {
	var (
		pipefd  uintptr
		pid     uintptr
		sid     uintptr
		pgrpv   uintptr
		pgrp    int32
		fd      uintptr
		flags   uintptr
		setCtty bool
	)

	// About to call fork.
	// No more allocation or calls of non-assembly functions.
	beforeFork()

	r1, _, err1 = syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD), 0, 0, 0, 0, 0)
	if err1 != 0 || r1 != 0 {
		// in parent process, immediate return
		return
	}

	// In child process
	afterForkInChild()
	// Notice: cannot call any GO functions beyond this point.
	pipefd = uintptr(c.wpipe)

	// Find out whether the terminal already has a session before stdio is
	// rearranged; if it does not, this child will become its controller.
	if c.onConsole {
		_, _, errTTY := syscall.RawSyscall(syscall.SYS_IOCTL, 0, uintptr(unix.TIOCGSID), uintptr(unsafe.Pointer(&sid)))
		setCtty = errTTY != 0
	}

	// Block everything except the always-kept set while setup runs; the
	// original mask (minus the kept set) is restored just before exec.
	syscall.RawSyscall6(syscall.SYS_RT_SIGPROCMASK, uintptr(unix.SIG_SETMASK),
		uintptr(unsafe.Pointer(&c.blockMask)), 0, sigsetBytes, 0, 0)

	// Replay the descriptor plan. The report pipe may itself be among the
	// moved descriptors, so its current position is tracked: failure
	// records must go to wherever it lives now.
	for i := range c.ops {
		op := &c.ops[i]
		flags = 0
		if op.CloExec {
			flags = syscall.O_CLOEXEC
		}
		if _, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(op.Src), uintptr(op.Dst), flags); err1 != 0 {
			childExitError(pipefd, StageArrangeFDs, err1)
		}
		syscall.RawSyscall(syscall.SYS_CLOSE, uintptr(op.Src), 0, 0)
		if uintptr(op.Src) == pipefd {
			pipefd = uintptr(op.Dst)
		}
	}

	// Activation socket to its fixed slot, then the announcement pid.
	if c.socket != -1 {
		if c.socket != 3 {
			if _, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(c.socket), 3, 0); err1 != 0 {
				childExitError(pipefd, StageActivationSocket, err1)
			}
			syscall.RawSyscall(syscall.SYS_CLOSE, uintptr(c.socket), 0, 0)
		} else {
			// already in place; just make sure it survives the exec
			if _, _, err1 = syscall.RawSyscall(syscall.SYS_FCNTL, 3, syscall.F_SETFD, 0); err1 != 0 {
				childExitError(pipefd, StageActivationSocket, err1)
			}
		}
		pid, _, _ = syscall.RawSyscall(syscall.SYS_GETPID, 0, 0, 0)
		patchDecimal(c.pidPatch, pid)
	}

	if c.workdir != nil {
		if _, _, err1 = syscall.RawSyscall(syscall.SYS_CHDIR, uintptr(unsafe.Pointer(c.workdir)), 0, 0); err1 != 0 {
			childExitError(pipefd, StageChdir, err1)
		}
	}

	if !c.onConsole {
		// Detached: fresh stdio, except a slot the notification descriptor
		// was forced into.
		for i := uintptr(0); i < 3; i++ {
			if int(i) != c.forceNotify {
				syscall.RawSyscall(syscall.SYS_CLOSE, i, 0, 0)
			}
		}
		if c.notify != 0 {
			fd, _, err1 = syscall.RawSyscall6(syscall.SYS_OPENAT, uintptr(_AT_FDCWD),
				uintptr(unsafe.Pointer(c.devNull)), uintptr(syscall.O_RDONLY), 0, 0, 0)
			if err1 != 0 {
				childExitError(pipefd, StageStdio, err1)
			}
			if err1 = rawMoveFD(fd, 0); err1 != 0 {
				childExitError(pipefd, StageStdio, err1)
			}
		}
		if c.notify != 1 {
			fd, _, err1 = syscall.RawSyscall6(syscall.SYS_OPENAT, uintptr(_AT_FDCWD),
				uintptr(unsafe.Pointer(c.logfile)),
				uintptr(syscall.O_WRONLY|syscall.O_CREAT|syscall.O_APPEND), 0600, 0, 0)
			if err1 != 0 {
				childExitError(pipefd, StageStdio, err1)
			}
			if err1 = rawMoveFD(fd, 1); err1 != 0 {
				childExitError(pipefd, StageStdio, err1)
			}
			if c.notify != 2 {
				if _, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, 1, 2, 0); err1 != 0 {
					childExitError(pipefd, StageStdio, err1)
				}
			}
		} else {
			// notification holds slot 1; the log goes straight to stderr
			fd, _, err1 = syscall.RawSyscall6(syscall.SYS_OPENAT, uintptr(_AT_FDCWD),
				uintptr(unsafe.Pointer(c.logfile)),
				uintptr(syscall.O_WRONLY|syscall.O_CREAT|syscall.O_APPEND), 0600, 0, 0)
			if err1 != 0 {
				childExitError(pipefd, StageStdio, err1)
			}
			if err1 = rawMoveFD(fd, 2); err1 != 0 {
				childExitError(pipefd, StageStdio, err1)
			}
		}
		// New session so the whole service group can be signalled at once.
		syscall.RawSyscall(syscall.SYS_SETSID, 0, 0, 0)
	} else {
		if setCtty {
			// Become the terminal's session: keep SIGTSTP from suspending
			// the child, then claim the controlling terminal.
			syscall.RawSyscall6(syscall.SYS_RT_SIGACTION, uintptr(unix.SIGTSTP),
				uintptr(unsafe.Pointer(&c.ignoreAct)), 0, sigsetBytes, 0, 0)
			syscall.RawSyscall(syscall.SYS_SETSID, 0, 0, 0)
			syscall.RawSyscall(syscall.SYS_IOCTL, 0, uintptr(unix.TIOCSCTTY), 0)
		}
		syscall.RawSyscall(syscall.SYS_SETPGID, 0, 0, 0)
		if c.inForeground {
			pgrpv, _, _ = syscall.RawSyscall(syscall.SYS_GETPGID, 0, 0, 0)
			pgrp = int32(pgrpv)
			syscall.RawSyscall(syscall.SYS_IOCTL, 0, uintptr(unix.TIOCSPGRP), uintptr(unsafe.Pointer(&pgrp)))
		}
	}

	// Resource limits: read the current values for any half-specified
	// limit, overlay, apply.
	for i := range c.limits {
		l := &c.limits[i]
		if !l.softSet || !l.hardSet {
			if _, _, err1 = syscall.RawSyscall6(syscall.SYS_PRLIMIT64, 0, l.res, 0,
				uintptr(unsafe.Pointer(&l.cur)), 0, 0); err1 != 0 {
				childExitError(pipefd, StageRLimits, err1)
			}
			if !l.softSet {
				l.rlim.Cur = l.cur.Cur
			}
			if !l.hardSet {
				l.rlim.Max = l.cur.Max
			}
		}
		if _, _, err1 = syscall.RawSyscall6(syscall.SYS_PRLIMIT64, 0, l.res,
			uintptr(unsafe.Pointer(&l.rlim)), 0, 0, 0); err1 != 0 {
			childExitError(pipefd, StageRLimits, err1)
		}
	}

	// Drop credentials, uid before gid.
	if c.uid != -1 {
		if _, _, err1 = syscall.RawSyscall(syscall.SYS_SETREUID, uintptr(c.uid), uintptr(c.uid), 0); err1 != 0 {
			childExitError(pipefd, StageCredentials, err1)
		}
		if _, _, err1 = syscall.RawSyscall(syscall.SYS_SETREGID, uintptr(c.gid), uintptr(c.gid), 0); err1 != 0 {
			childExitError(pipefd, StageCredentials, err1)
		}
	}

	syscall.RawSyscall6(syscall.SYS_RT_SIGPROCMASK, uintptr(unix.SIG_SETMASK),
		uintptr(unsafe.Pointer(&c.restoreMask)), 0, sigsetBytes, 0, 0)

	_, _, err1 = syscall.RawSyscall(syscall.SYS_EXECVE, uintptr(unsafe.Pointer(c.argv0)),
		uintptr(unsafe.Pointer(&c.argv[0])), uintptr(unsafe.Pointer(&c.envp[0])))
	childExitError(pipefd, StageExec, err1)
	return
}

// childExitError writes the failure record on the report pipe and exits
// with the failing errno. The report pipe is close-on-exec, so a record
// followed by EOF is unambiguous to the reader.
//
//go:nosplit
func childExitError(pipefd uintptr, stage Stage, err syscall.Errno) {
	record := childRecord{stage: stage, errno: int32(err)}
	// if the pipe is gone, the exit status still carries the errno
	syscall.RawSyscall(syscall.SYS_WRITE, pipefd, uintptr(unsafe.Pointer(&record)), unsafe.Sizeof(record))
	for {
		syscall.RawSyscall(syscall.SYS_EXIT, uintptr(err), 0, 0)
	}
}

// rawMoveFD moves src to dst and closes src; a no-op when they coincide.
//
//go:nosplit
func rawMoveFD(src, dst uintptr) syscall.Errno {
	if src == dst {
		return 0
	}
	if _, _, err := syscall.RawSyscall(syscall.SYS_DUP3, src, dst, 0); err != 0 {
		return err
	}
	syscall.RawSyscall(syscall.SYS_CLOSE, src, 0, 0)
	return 0
}

// patchDecimal writes v as decimal digits followed by a NUL into buf,
// which must be large enough for the widest value plus the terminator.
//
//go:nosplit
func patchDecimal(buf []byte, v uintptr) {
	i := 0
	if v == 0 {
		buf[0] = '0'
		i = 1
	} else {
		for v > 0 {
			buf[i] = byte('0' + v%10)
			v /= 10
			i++
		}
		for l, r := 0, i-1; l < r; l, r = l+1, r-1 {
			buf[l], buf[r] = buf[r], buf[l]
		}
	}
	buf[i] = 0
}
