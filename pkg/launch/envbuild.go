package launch

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/5l1v3r1/dinit/pkg/envfile"
)

// Environment variable names that are part of the contract with launched
// programs. The control-socket and activation variables are relied upon by
// other software and must not change.
const (
	csEnvVar        = "DINIT_CS_FD"
	listenFDsVar    = "LISTEN_FDS"
	listenPIDPrefix = "LISTEN_PID="
)

// listenPIDDigits is the preallocated width of the pid value patched into
// the LISTEN_PID entry by the child; a 64-bit pid needs at most 19 digits.
const listenPIDDigits = 19

// childEnv is the assembled environment in the form execve wants.
type childEnv struct {
	envp []*byte

	// pidPatch is the byte slot inside the LISTEN_PID entry where the
	// child writes its own decimal pid and a NUL. nil when socket
	// activation is off.
	pidPatch []byte
}

// envSet applies assignments in order with later names overriding earlier
// ones, preserving first-seen ordering.
type envSet struct {
	keys []string
	vals map[string]string
}

func newEnvSet(base []string) *envSet {
	e := &envSet{vals: make(map[string]string, len(base))}
	for _, kv := range base {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		e.set(kv[:eq], kv[eq+1:])
	}
	return e
}

func (e *envSet) set(name, value string) {
	if _, ok := e.vals[name]; !ok {
		e.keys = append(e.keys, name)
	}
	e.vals[name] = value
}

func (e *envSet) list() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.vals[k])
	}
	return out
}

// buildEnvList assembles the launch environment, in order: base
// environment, environment-file overlay, notification variable, activation
// announcement (except the pid, patched post-fork), control-socket
// variable. Failures carry the stage they belong to.
func buildEnvList(p *Params, pl *fdPlan) ([]string, *ChildError) {
	base := p.Env
	if len(base) == 0 {
		base = os.Environ()
	}
	env := newEnvSet(base)

	if p.EnvFile != "" {
		assignments, err := envfile.Load(p.EnvFile)
		if err != nil {
			return nil, &ChildError{Stage: StageReadEnvFile, Errno: errnoOf(err)}
		}
		for _, a := range assignments {
			env.set(a.Name, a.Value)
		}
	}

	if p.NotifyVar != "" && pl.Notify != -1 {
		if strings.ContainsRune(p.NotifyVar, '=') {
			return nil, &ChildError{Stage: StageSetNotifyVar, Errno: syscall.EINVAL}
		}
		env.set(p.NotifyVar, strconv.Itoa(pl.Notify))
	}

	if pl.Socket != -1 {
		// exactly one activation socket, always at slot 3
		env.set(listenFDsVar, "1")
	}

	if pl.CS != -1 {
		env.set(csEnvVar, strconv.Itoa(pl.CS))
	}

	return env.list(), nil
}

// prepareEnv converts the assembled environment to the NUL-terminated
// vector execve takes, adding the patchable LISTEN_PID entry when socket
// activation is requested.
func prepareEnv(p *Params, pl *fdPlan) (*childEnv, *ChildError) {
	list, cerr := buildEnvList(p, pl)
	if cerr != nil {
		return nil, cerr
	}
	envp, err := syscall.SlicePtrFromStrings(list)
	if err != nil {
		return nil, &ChildError{Stage: StageExec, Errno: syscall.EINVAL}
	}

	ce := &childEnv{envp: envp}
	if pl.Socket != -1 {
		buf := make([]byte, len(listenPIDPrefix)+listenPIDDigits+1)
		copy(buf, listenPIDPrefix)
		ce.pidPatch = buf[len(listenPIDPrefix):]
		// replace the trailing nil with the entry, then re-terminate
		envp[len(envp)-1] = &buf[0]
		ce.envp = append(envp, nil)
	}
	return ce, nil
}

// errnoOf maps an error to the OS error code reported in a failure record.
func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EINVAL
}
