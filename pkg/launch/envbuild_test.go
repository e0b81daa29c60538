package launch

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"unsafe"
)

func envTestParams() (*Params, *fdPlan) {
	p := NewParams([]string{"svc"})
	p.WPipeFD = 8
	p.Env = []string{"PATH=/bin", "HOME=/root"}
	return p, planFDs(p)
}

func TestBuildEnvListEnvFileOverrides(t *testing.T) {
	p, pl := envTestParams()
	path := filepath.Join(t.TempDir(), "svc.env")
	if err := os.WriteFile(path, []byte("HOME=/srv/svc\nEXTRA=1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	p.EnvFile = path

	list, cerr := buildEnvList(p, pl)
	if cerr != nil {
		t.Fatalf("build env: %v", cerr)
	}
	want := []string{"PATH=/bin", "HOME=/srv/svc", "EXTRA=1"}
	if len(list) != len(want) {
		t.Fatalf("env = %q, want %q", list, want)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Fatalf("env[%d] = %q, want %q", i, list[i], want[i])
		}
	}
}

func TestBuildEnvListMissingEnvFile(t *testing.T) {
	p, pl := envTestParams()
	p.EnvFile = filepath.Join(t.TempDir(), "nope.env")

	_, cerr := buildEnvList(p, pl)
	if cerr == nil {
		t.Fatal("missing env file accepted")
	}
	if cerr.Stage != StageReadEnvFile || cerr.Errno != syscall.ENOENT {
		t.Fatalf("error = %+v, want read-env-file/ENOENT", cerr)
	}
}

func TestBuildEnvListNotifyVar(t *testing.T) {
	p, _ := envTestParams()
	p.NotifyFD = 2
	pl := planFDs(p)
	p.NotifyVar = "NOTIFY_FD"

	list, cerr := buildEnvList(p, pl)
	if cerr != nil {
		t.Fatalf("build env: %v", cerr)
	}
	// the exported value is the post-arrangement descriptor number
	found := false
	for _, kv := range list {
		if strings.HasPrefix(kv, "NOTIFY_FD=") {
			found = true
			if want := "NOTIFY_FD=" + itoa(pl.Notify); kv != want {
				t.Fatalf("notify entry %q, want %q", kv, want)
			}
		}
	}
	if !found {
		t.Fatal("notify variable not exported")
	}
}

func TestBuildEnvListRejectsBadNotifyName(t *testing.T) {
	p, _ := envTestParams()
	p.NotifyFD = 5
	pl := planFDs(p)
	p.NotifyVar = "NOTIFY=FD"

	_, cerr := buildEnvList(p, pl)
	if cerr == nil || cerr.Stage != StageSetNotifyVar || cerr.Errno != syscall.EINVAL {
		t.Fatalf("error = %+v, want set-notify-var/EINVAL", cerr)
	}
}

func TestBuildEnvListActivationAndControl(t *testing.T) {
	p, _ := envTestParams()
	p.ActivationSocketFD = 5
	p.CtrlSockFD = 6
	pl := planFDs(p)

	list, cerr := buildEnvList(p, pl)
	if cerr != nil {
		t.Fatalf("build env: %v", cerr)
	}
	wantEntries := map[string]bool{
		"LISTEN_FDS=1":               false,
		"DINIT_CS_FD=" + itoa(pl.CS): false,
	}
	for _, kv := range list {
		if _, ok := wantEntries[kv]; ok {
			wantEntries[kv] = true
		}
		if strings.HasPrefix(kv, listenPIDPrefix) {
			t.Fatalf("pid entry %q present before fork", kv)
		}
	}
	for kv, seen := range wantEntries {
		if !seen {
			t.Fatalf("missing %q in %q", kv, list)
		}
	}
}

func TestPrepareEnvAddsPatchablePIDEntry(t *testing.T) {
	p, _ := envTestParams()
	p.ActivationSocketFD = 5
	pl := planFDs(p)

	ce, cerr := prepareEnv(p, pl)
	if cerr != nil {
		t.Fatalf("prepare env: %v", cerr)
	}
	if ce.envp[len(ce.envp)-1] != nil {
		t.Fatal("environment vector is not nil-terminated")
	}
	last := cstr(ce.envp[len(ce.envp)-2])
	if last != listenPIDPrefix {
		t.Fatalf("pid entry = %q, want bare %q", last, listenPIDPrefix)
	}
	patchDecimal(ce.pidPatch, 4321)
	if got := cstr(ce.envp[len(ce.envp)-2]); got != "LISTEN_PID=4321" {
		t.Fatalf("patched entry = %q", got)
	}
}

func TestPrepareEnvNoSocketNoPatch(t *testing.T) {
	p, pl := envTestParams()
	ce, cerr := prepareEnv(p, pl)
	if cerr != nil {
		t.Fatalf("prepare env: %v", cerr)
	}
	if ce.pidPatch != nil {
		t.Fatal("pid patch present without activation socket")
	}
}

func TestPatchDecimal(t *testing.T) {
	buf := make([]byte, listenPIDDigits+1)
	for _, tc := range []struct {
		v    uintptr
		want string
	}{
		{0, "0"},
		{7, "7"},
		{12345, "12345"},
		{9223372036854775807, "9223372036854775807"},
	} {
		patchDecimal(buf, tc.v)
		end := bytes.IndexByte(buf, 0)
		if end == -1 {
			t.Fatalf("patchDecimal(%d): no terminator", tc.v)
		}
		if got := string(buf[:end]); got != tc.want {
			t.Fatalf("patchDecimal(%d) = %q, want %q", tc.v, got, tc.want)
		}
	}
}

// cstr reads a NUL-terminated string back out of an exec vector entry.
func cstr(p *byte) string {
	if p == nil {
		return ""
	}
	var out []byte
	for ptr := unsafe.Pointer(p); ; ptr = unsafe.Add(ptr, 1) {
		b := *(*byte)(ptr)
		if b == 0 {
			return string(out)
		}
		out = append(out, b)
	}
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}
