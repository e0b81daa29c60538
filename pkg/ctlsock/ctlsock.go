// Package ctlsock provides the control channel handed to launched
// services. The supervisor keeps one end as a connection; the other end is
// passed to the launch as a raw descriptor and announced to the service
// through its environment.
package ctlsock

import (
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
)

// oob size default to page size
const oobSize = 4096

// use pool to avoid allocate
var oobPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, oobSize)
	},
}

// Socket is the supervisor end of a control channel.
type Socket struct {
	*net.UnixConn
}

// Msg is the oob msg with the message
type Msg struct {
	Fds  []int          // unix rights
	Cred *syscall.Ucred // unix credential
}

// NewSocket wraps an existing unix socket fd as the supervisor end and
// marks it close-on-exec so it never leaks into launched children.
// A SOCK_SEQPACKET socket is needed for reliable message transfer.
func NewSocket(fd int) (*Socket, error) {
	file := os.NewFile(uintptr(fd), "ctl-socket")
	if file == nil {
		return nil, fmt.Errorf("NewSocket: fd(%d) is not a valid fd", fd)
	}
	defer file.Close()
	syscall.CloseOnExec(int(file.Fd()))
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, err
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("NewSocket: fd(%d) is not a unix socket", fd)
	}
	return &Socket{unixConn}, nil
}

// NewPair creates a connected SOCK_SEQPACKET pair for one launch. The
// returned Socket is the supervisor end; serviceFD is the service end,
// deliberately left inheritable so it survives the exec, and should be
// closed by the supervisor once the launch outcome is known.
func NewPair() (sup *Socket, serviceFD int, err error) {
	fd, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_SEQPACKET|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, -1, fmt.Errorf("NewPair: failed to call socketpair(%v)", err)
	}
	sup, err = NewSocket(fd[0])
	if err != nil {
		syscall.Close(fd[0])
		syscall.Close(fd[1])
		return nil, -1, fmt.Errorf("NewPair: failed to wrap supervisor end(%v)", err)
	}
	// the service end must not be close-on-exec
	if _, _, errno := syscall.Syscall(syscall.SYS_FCNTL, uintptr(fd[1]), syscall.F_SETFD, 0); errno != 0 {
		sup.Close()
		syscall.Close(fd[1])
		return nil, -1, fmt.Errorf("NewPair: failed to clear close-on-exec(%v)", errno)
	}
	return sup, fd[1], nil
}

// SetPassCred set sockopt for pass cred for unix socket
func (s *Socket) SetPassCred(option int) error {
	sysconn, err := s.SyscallConn()
	if err != nil {
		return err
	}
	return sysconn.Control(func(fd uintptr) {
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_PASSCRED, option)
	})
}

// SendMsg sendmsg to unix socket and encode possible unix right / credential
func (s *Socket) SendMsg(b []byte, m *Msg) error {
	var oob []byte
	if m != nil {
		if len(m.Fds) > 0 {
			oob = append(oob, syscall.UnixRights(m.Fds...)...)
		}
		if m.Cred != nil {
			oob = append(oob, syscall.UnixCredentials(m.Cred)...)
		}
	}
	_, _, err := s.WriteMsgUnix(b, oob, nil)
	if err != nil {
		return err
	}
	return nil
}

// RecvMsg recvmsg from unix socket and parse possible unix right / credential
func (s *Socket) RecvMsg(b []byte) (int, *Msg, error) {
	oob := oobPool.Get().([]byte)
	defer oobPool.Put(oob)
	n, oobn, _, _, err := s.ReadMsgUnix(b, oob)
	if err != nil {
		return 0, nil, err
	}
	// parse oob msg
	msgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, nil, err
	}
	msg, err := parseMsg(msgs)
	if err != nil {
		return 0, nil, err
	}
	return n, msg, nil
}

func parseMsg(msgs []syscall.SocketControlMessage) (*Msg, error) {
	var msg Msg
	for _, m := range msgs {
		if m.Header.Level == syscall.SOL_SOCKET {
			switch m.Header.Type {
			case syscall.SCM_CREDENTIALS:
				cred, err := syscall.ParseUnixCredentials(&m)
				if err != nil {
					return nil, err
				}
				msg.Cred = cred

			case syscall.SCM_RIGHTS:
				fds, err := syscall.ParseUnixRights(&m)
				if err != nil {
					return nil, err
				}
				msg.Fds = fds

			}
		}
	}
	return &msg, nil
}
