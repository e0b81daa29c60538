package sysapi

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"
)

func TestFDWriterPassThrough(t *testing.T) {
	var sys OS
	r, w, err := sys.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(r)
	defer unix.Close(w)

	n, err := FDWriter(w).Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("handler write: n=%d err=%v", n, err)
	}
	// OS write dispatch goes through the same handler
	if _, err := sys.Write(w, []byte("def")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	n, err = sys.Read(r, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("abcdef")) {
		t.Fatalf("read back %q", buf[:n])
	}
}

func TestWritev(t *testing.T) {
	var sys OS
	r, w, err := sys.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(r)
	defer unix.Close(w)

	n, err := sys.Writev(w, [][]byte{[]byte("ab"), []byte("cd")})
	if err != nil || n != 4 {
		t.Fatalf("writev: n=%d err=%v", n, err)
	}
	buf := make([]byte, 8)
	n, err = sys.Read(r, buf)
	if err != nil || string(buf[:n]) != "abcd" {
		t.Fatalf("read back %q err=%v", buf[:n], err)
	}
}
