// Command dinit-run launches a single service process the way a service
// manager would: descriptors arranged, environment composed, resource
// limits and credentials applied between fork and exec, with setup
// failures reported precisely by stage. It then waits for the service and
// propagates its exit status.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/5l1v3r1/dinit/pkg/ctlsock"
	"github.com/5l1v3r1/dinit/pkg/launch"
	"github.com/5l1v3r1/dinit/pkg/rlimit"
	"github.com/5l1v3r1/dinit/pkg/sysapi"
)

type options struct {
	serviceFile string
	workDir     string
	logFile     string
	envFile     string
	notifyVar   string
	uid         int
	gid         int
	console     bool
	foreground  bool
	limits      rlimit.RLimits
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	var code int

	root := &cobra.Command{
		Use:   "dinit-run [flags] [-- command args...]",
		Short: "Launch one supervised service process",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sd, err := assembleService(cmd, &opts, args)
			if err != nil {
				return err
			}
			code, err = runService(sd, opts.limits)
			return err
		},
	}

	fl := root.Flags()
	fl.StringVarP(&opts.serviceFile, "service", "f", "", "Path to service definition")
	fl.StringVar(&opts.workDir, "dir", "", "Working directory for the service")
	fl.StringVar(&opts.logFile, "log", "", "Log file for detached stdout/stderr")
	fl.StringVar(&opts.envFile, "env-file", "", "File of extra environment assignments")
	fl.StringVar(&opts.notifyVar, "notify-var", "", "Readiness notification variable name")
	fl.IntVar(&opts.uid, "uid", -1, "Run as this uid")
	fl.IntVar(&opts.gid, "gid", -1, "Run as this gid")
	fl.BoolVar(&opts.console, "console", false, "Run on the current terminal (default: terminal detected)")
	fl.BoolVar(&opts.foreground, "foreground", false, "Give the service the terminal foreground")
	fl.Uint64Var(&opts.limits.CPU, "limit-cpu", 0, "CPU time limit in seconds")
	fl.Uint64Var(&opts.limits.Data, "limit-data", 0, "Data segment limit in bytes")
	fl.Uint64Var(&opts.limits.FileSize, "limit-file-size", 0, "File size limit in bytes")
	fl.Uint64Var(&opts.limits.Stack, "limit-stack", 0, "Stack size limit in bytes")
	fl.Uint64Var(&opts.limits.AddressSpace, "limit-addrspace", 0, "Address space limit in bytes")
	fl.Uint64Var(&opts.limits.OpenFiles, "limit-open-files", 0, "Open file descriptor limit")
	fl.BoolVar(&opts.limits.DisableCore, "disable-core", false, "Disable core dumps")

	root.SilenceUsage = true

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dinit-run:", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

// assembleService merges the definition file, command-line overrides and
// positional arguments into one definition.
func assembleService(cmd *cobra.Command, opts *options, args []string) (*serviceDef, error) {
	sd := &serviceDef{}
	if opts.serviceFile != "" {
		loaded, err := loadService(opts.serviceFile)
		if err != nil {
			return nil, err
		}
		sd = loaded
	}
	if len(args) > 0 {
		sd.Command = args
	}
	if len(sd.Command) == 0 {
		return nil, errors.New("no command: give a service file or a command after --")
	}
	if opts.workDir != "" {
		sd.WorkingDir = opts.workDir
	}
	if opts.logFile != "" {
		sd.Logfile = opts.logFile
	}
	if opts.envFile != "" {
		sd.EnvFile = opts.envFile
	}
	if opts.notifyVar != "" {
		sd.NotifyVar = opts.notifyVar
	}
	if opts.uid != -1 {
		sd.UID = &opts.uid
	}
	if opts.gid != -1 {
		sd.GID = &opts.gid
	}
	if (sd.UID == nil) != (sd.GID == nil) {
		return nil, errors.New("uid and gid must be set together")
	}
	if cmd.Flags().Changed("console") {
		sd.Console = &opts.console
	} else if sd.Console == nil {
		onTerm := term.IsTerminal(int(os.Stdin.Fd()))
		sd.Console = &onTerm
	}
	if opts.foreground {
		sd.Foreground = true
	}
	return sd, nil
}

// runService launches sd, waits for the launch outcome on the report pipe
// and then for process exit. The returned code mirrors the service: its
// exit status, or 128+signal when it died on a signal.
func runService(sd *serviceDef, agg rlimit.RLimits) (int, error) {
	sys := sysapi.OS{}

	limits, err := combineLimits(sd, agg)
	if err != nil {
		return 1, err
	}

	reportR, reportW, err := sys.Pipe()
	if err != nil {
		return 1, fmt.Errorf("report pipe: %w", err)
	}
	defer unix.Close(reportR)

	p := launch.NewParams(sd.Command)
	p.WorkDir = sd.WorkingDir
	p.LogFile = sd.Logfile
	p.EnvFile = sd.EnvFile
	p.OnConsole = sd.Console != nil && *sd.Console
	p.InForeground = sd.Foreground
	p.WPipeFD = reportW
	p.RLimits = limits
	if sd.UID != nil {
		p.UID = *sd.UID
		p.GID = *sd.GID
	}
	if len(sd.Env) > 0 {
		p.Env = append(os.Environ(), sd.envList()...)
	}
	if !p.OnConsole && p.LogFile == "" {
		p.LogFile = "/dev/null"
	}

	// Readiness pipe: the write end goes to the service, announced by the
	// notification variable; the read end stays here.
	notifyR := -1
	if sd.NotifyVar != "" {
		r, w, err := notifyPipe()
		if err != nil {
			return 1, fmt.Errorf("notification pipe: %w", err)
		}
		notifyR = r
		p.NotifyFD = w
		p.NotifyVar = sd.NotifyVar
		if sd.ForceNotifyFD != nil {
			p.ForceNotifyFD = *sd.ForceNotifyFD
		}
	}

	if sd.Listen != "" {
		fd, cleanup, err := openActivationSocket(sd.Listen)
		if err != nil {
			return 1, fmt.Errorf("activation socket: %w", err)
		}
		defer cleanup()
		p.ActivationSocketFD = fd
	}

	var ctl *ctlsock.Socket
	if sd.ControlSocket {
		sup, serviceFD, err := ctlsock.NewPair()
		if err != nil {
			return 1, fmt.Errorf("control socket: %w", err)
		}
		ctl = sup
		defer ctl.Close()
		// the supervisor end authenticates messages by sender credentials
		if err := ctl.SetPassCred(1); err != nil {
			unix.Close(serviceFD)
			return 1, fmt.Errorf("control socket: %w", err)
		}
		p.CtrlSockFD = serviceFD
	}

	pid, err := launch.Start(sys, p)

	// The child holds its own copies now (or the launch failed); release
	// the service-side descriptors either way.
	unix.Close(reportW)
	if p.NotifyFD != -1 {
		unix.Close(p.NotifyFD)
	}
	if p.CtrlSockFD != -1 {
		unix.Close(p.CtrlSockFD)
	}
	if err != nil {
		if notifyR != -1 {
			unix.Close(notifyR)
		}
		return 1, err
	}

	// Forward termination requests to the service instead of dying first.
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	stopForwarding := forwardSignals(sys, pid, sigCh)
	defer stopForwarding()

	rep, err := launch.ReadReport(sys, reportR)
	if err != nil {
		launch.Cancel(sys, pid, unix.SIGKILL) //nolint:errcheck
		reapChild(pid)
		if notifyR != -1 {
			unix.Close(notifyR)
		}
		return 1, fmt.Errorf("reading launch report: %w", err)
	}
	if rep != nil {
		ws := reapChild(pid)
		if notifyR != -1 {
			unix.Close(notifyR)
		}
		code := 1
		if ws.Exited() {
			code = ws.ExitStatus()
		}
		return code, fmt.Errorf("launch failed: %w", rep)
	}

	if notifyR != -1 {
		go announceReadiness(notifyR)
	}

	ws := reapChild(pid)
	switch {
	case ws.Exited():
		return ws.ExitStatus(), nil
	case ws.Signaled():
		return 128 + int(ws.Signal()), fmt.Errorf("service killed by %s", ws.Signal())
	}
	return 1, nil
}

// forwardSignals relays signals arriving on sigCh to the service. The
// returned stop function unregisters the channel and waits for the relay
// goroutine to finish.
func forwardSignals(sys sysapi.Interface, pid int, sigCh chan os.Signal) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for sig := range sigCh {
			launch.Cancel(sys, pid, sig.(unix.Signal)) //nolint:errcheck
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(sigCh)
		<-done
	}
}

// notifyPipe creates the readiness pipe: read end close-on-exec, write
// end inheritable so it survives the service's exec.
func notifyPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	if _, err := unix.FcntlInt(uintptr(fds[1]), unix.F_SETFD, 0); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// openActivationSocket pre-opens the listening socket handed to the
// service at descriptor 3.
func openActivationSocket(path string) (int, func(), error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return -1, nil, err
	}
	ul := ln.(*net.UnixListener)
	// the service owns the socket's lifetime; keep the path on exit
	ul.SetUnlinkOnClose(false)
	f, err := ul.File()
	if err != nil {
		ul.Close()
		return -1, nil, err
	}
	ul.Close()
	cleanup := func() { f.Close() }
	return int(f.Fd()), cleanup, nil
}

// announceReadiness relays the first readiness line from the service.
func announceReadiness(fd int) {
	f := os.NewFile(uintptr(fd), "notify")
	sc := bufio.NewScanner(f)
	if sc.Scan() {
		fmt.Fprintf(os.Stderr, "dinit-run: service ready: %s\n", sc.Text())
	}
}

// reapChild waits for pid, retrying interrupted waits.
func reapChild(pid int) unix.WaitStatus {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err != unix.EINTR {
			return ws
		}
	}
}
