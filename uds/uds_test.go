package uds

import (
	"errors"
	"io"
	"testing"

	"github.com/opennetlab/simnet/errkind"
)

func TestPairRoundTrip(t *testing.T) {
	a, b := Pair("/run/ctl.sock")
	if a.Path() != "/run/ctl.sock" {
		t.Fatal("path not carried")
	}
	if _, err := a.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	var buf [16]byte
	n, err := b.Read(buf[:])
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("read %q err %v", buf[:n], err)
	}
	// Empty with both open: no data, no error.
	if n, err = b.Read(buf[:]); n != 0 || err != nil {
		t.Fatalf("idle read n=%d err=%v", n, err)
	}
}

func TestPairCloseSemantics(t *testing.T) {
	a, b := Pair("x")
	a.Write([]byte("tail"))
	a.Close()
	var buf [8]byte
	// Buffered data still readable after peer close.
	n, err := b.Read(buf[:])
	if err != nil || string(buf[:n]) != "tail" {
		t.Fatalf("read %q err %v", buf[:n], err)
	}
	if _, err = b.Read(buf[:]); err != io.EOF {
		t.Fatalf("want EOF after drain, got %v", err)
	}
	if _, err = b.Write([]byte("x")); !errors.Is(err, errkind.BrokenPipe) {
		t.Fatalf("want BrokenPipe writing to closed peer, got %v", err)
	}
}

func TestRegistryRendezvous(t *testing.T) {
	var r Registry
	if _, err := r.Dial("/none"); !errors.Is(err, errkind.AddrNotAvailable) {
		t.Fatalf("want AddrNotAvailable, got %v", err)
	}
	accepted := r.Listen("/run/bgp.sock")
	cl, err := r.Dial("/run/bgp.sock")
	if err != nil {
		t.Fatal(err)
	}
	sv := <-accepted
	cl.Write([]byte("open"))
	var buf [8]byte
	n, _ := sv.Read(buf[:])
	if string(buf[:n]) != "open" {
		t.Fatalf("server read %q", buf[:n])
	}
}
