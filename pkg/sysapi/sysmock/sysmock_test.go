package sysmock

import (
	"bytes"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAllocLowestFree(t *testing.T) {
	s := New()
	// 0-2 are pre-used
	if fd := s.Allocfd(); fd != 3 {
		t.Fatalf("first alloc got %d, want 3", fd)
	}
	if fd := s.Allocfd(); fd != 4 {
		t.Fatalf("second alloc got %d, want 4", fd)
	}
	if err := s.Close(3); err != nil {
		t.Fatalf("close: %v", err)
	}
	if fd := s.Allocfd(); fd != 3 {
		t.Fatalf("alloc after close got %d, want reused 3", fd)
	}
}

func TestCloseUnopenedPanics(t *testing.T) {
	s := New()
	fd := s.Allocfd()
	if err := s.Close(fd); err != nil {
		t.Fatalf("close: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("double close did not panic")
		}
	}()
	s.Close(fd)
}

func TestReadConsumesQueueAcrossCalls(t *testing.T) {
	s := New()
	fd := s.Allocfd()
	s.SupplyReadData(fd, []byte("AB"))
	s.SupplyReadData(fd, []byte("CD"))

	var got []byte
	buf := make([]byte, 1)
	for i := 0; i < 4; i++ {
		n, err := s.Read(fd, buf)
		if err != nil || n != 1 {
			t.Fatalf("read %d: n=%d err=%v", i, n, err)
		}
		got = append(got, buf[0])
	}
	if string(got) != "ABCD" {
		t.Fatalf("read sequence %q, want ABCD", got)
	}

	// queue exhausted: end of file
	n, err := s.Read(fd, buf)
	if n != 0 || err != nil {
		t.Fatalf("read at eof: n=%d err=%v", n, err)
	}
}

func TestCloseDiscardsReadState(t *testing.T) {
	s := New()
	fd := s.Allocfd()
	s.SupplyReadData(fd, []byte("stale"))
	s.SetBlocking(fd)
	if err := s.Close(fd); err != nil {
		t.Fatalf("close: %v", err)
	}

	// the reused descriptor number must not inherit the old queue
	if got := s.Allocfd(); got != fd {
		t.Fatalf("realloc got %d, want reused %d", got, fd)
	}
	n, err := s.Read(fd, make([]byte, 8))
	if n != 0 || err != nil {
		t.Fatalf("read on reused fd: n=%d err=%v, want clean eof", n, err)
	}
}

func TestReadErrorResult(t *testing.T) {
	s := New()
	fd := s.Allocfd()
	s.SupplyReadError(fd, syscall.EIO)
	s.SupplyReadData(fd, []byte("X"))

	if _, err := s.Read(fd, make([]byte, 4)); err != syscall.EIO {
		t.Fatalf("first read err = %v, want EIO", err)
	}
	buf := make([]byte, 4)
	n, err := s.Read(fd, buf)
	if err != nil || n != 1 || buf[0] != 'X' {
		t.Fatalf("read after error: n=%d err=%v buf=%q", n, err, buf[:n])
	}
}

func TestBlockingEmptyQueue(t *testing.T) {
	s := New()
	fd := s.Allocfd()
	s.SetBlocking(fd)
	if _, err := s.Read(fd, make([]byte, 4)); err != unix.EAGAIN {
		t.Fatalf("blocking empty read err = %v, want EAGAIN", err)
	}
}

func TestWriteRecording(t *testing.T) {
	s := New()
	fd := s.Allocfd()
	for _, part := range []string{"hello", " world"} {
		n, err := s.Write(fd, []byte(part))
		if err != nil || n != len(part) {
			t.Fatalf("write %q: n=%d err=%v", part, n, err)
		}
	}
	if got := s.ExtractWrittenData(fd); string(got) != "hello world" {
		t.Fatalf("extracted %q, want %q", got, "hello world")
	}
	// extraction moves the data out
	if got := s.ExtractWrittenData(fd); len(got) != 0 {
		t.Fatalf("second extract returned %q, want empty", got)
	}
}

// shortWriter accepts at most cap bytes per write, then refuses.
type shortWriter struct {
	limit   int
	written []byte
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if w.limit <= 0 {
		return 0, syscall.ENOSPC
	}
	n := len(p)
	if n > w.limit {
		n = w.limit
	}
	w.written = append(w.written, p[:n]...)
	w.limit -= n
	return n, nil
}

func TestWritevStopsAtShortWrite(t *testing.T) {
	s := New()
	w := &shortWriter{limit: 3}
	fd := s.AllocfdWith(w)

	n, err := s.Writev(fd, [][]byte{[]byte("ab"), []byte("cd"), []byte("ef")})
	if err != nil {
		t.Fatalf("writev: %v", err)
	}
	// "ab" fully, "c" partially, "ef" never attempted
	if n != 3 || !bytes.Equal(w.written, []byte("abc")) {
		t.Fatalf("writev n=%d written=%q, want 3/%q", n, w.written, "abc")
	}
}

func TestWritevErrorAfterProgress(t *testing.T) {
	s := New()
	w := &shortWriter{limit: 2}
	fd := s.AllocfdWith(w)

	// second buffer fails outright; the call still reports the bytes taken
	n, err := s.Writev(fd, [][]byte{[]byte("ab"), []byte("cd")})
	if err != nil || n != 2 {
		t.Fatalf("writev after progress: n=%d err=%v", n, err)
	}

	n, err = s.Writev(fd, [][]byte{[]byte("ef")})
	if err != syscall.ENOSPC || n != 0 {
		t.Fatalf("writev with no progress: n=%d err=%v, want ENOSPC", n, err)
	}
}

func TestKillRecordsLastSignal(t *testing.T) {
	s := New()
	if pid, sig := s.LastSignal(); pid != 0 || sig != -1 {
		t.Fatalf("initial last signal = (%d, %d)", pid, sig)
	}
	if err := s.Kill(42, unix.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if pid, sig := s.LastSignal(); pid != 42 || sig != unix.SIGTERM {
		t.Fatalf("last signal = (%d, %v), want (42, SIGTERM)", pid, sig)
	}
}

func TestForkAdvancesPID(t *testing.T) {
	s := New()
	first := s.Fork()
	second := s.Fork()
	if first != 2 || second != 3 {
		t.Fatalf("fork pids %d, %d; want 2, 3", first, second)
	}
}

func TestPipeAllocatesPair(t *testing.T) {
	s := New()
	r, w, err := s.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if r != 3 || w != 4 {
		t.Fatalf("pipe fds (%d, %d), want (3, 4)", r, w)
	}
}
