package arp

import (
	"bytes"
	"testing"

	"github.com/opennetlab/simnet/ethernet"
)

func newTestHandler(t *testing.T, hw [6]byte, proto [4]byte) *Handler {
	t.Helper()
	var h Handler
	err := h.Reset(HandlerConfig{
		HardwareAddr: hw[:],
		ProtocolAddr: proto[:],
		MaxQueries:   2,
		MaxPending:   2,
		HardwareType: 1,
		ProtocolType: ethernet.TypeIPv4,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &h
}

func TestHandlerQueryExchange(t *testing.T) {
	const ethHeader = 14
	c1 := newTestHandler(t, [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}, [4]byte{192, 168, 1, 1})
	c2 := newTestHandler(t, [6]byte{0xc0, 0xff, 0xee, 0xc0, 0xff, 0xee}, [4]byte{192, 168, 1, 2})

	var carrier [64]byte
	n, err := c1.Encapsulate(carrier[:], -1, ethHeader)
	if err != nil {
		t.Fatal("error on should-be-nop send:", err)
	} else if n > 0 {
		t.Fatal("should not send if no query started")
	}

	// c1 asks for c2's hardware address.
	queryAddr := []byte{192, 168, 1, 2}
	if err := c1.StartQuery(nil, queryAddr); err != nil {
		t.Fatal(err)
	}
	if _, err = c1.QueryResult(queryAddr); err == nil {
		t.Fatal("expected query-not-sent error before request goes out")
	}
	n, err = c1.Encapsulate(carrier[:], -1, ethHeader) // Request.
	if err != nil {
		t.Fatal(err)
	} else if n == 0 {
		t.Fatal("expected request after StartQuery")
	}
	if err = c2.Demux(carrier[:ethHeader+n], ethHeader); err != nil {
		t.Fatal(err)
	}

	n, err = c2.Encapsulate(carrier[:], -1, ethHeader) // Reply.
	if err != nil {
		t.Fatal(err)
	} else if n == 0 {
		t.Fatal("got no reply to request")
	}
	var discard [64]byte
	if n2, _ := c2.Encapsulate(discard[:], -1, ethHeader); n2 > 0 {
		t.Fatal("wanted no data sent after reply already sent")
	}

	if err = c1.Demux(carrier[:ethHeader+n], ethHeader); err != nil {
		t.Fatal(err)
	}
	hwaddr, err := c1.QueryResult(queryAddr)
	if err != nil {
		t.Fatal("expected query result:", err)
	} else if !bytes.Equal(hwaddr, []byte{0xc0, 0xff, 0xee, 0xc0, 0xff, 0xee}) {
		t.Fatalf("wrong hwaddr resolved: %x", hwaddr)
	}
	// Both sides idle again.
	if n, _ = c1.Encapsulate(carrier[:], -1, ethHeader); n > 0 {
		t.Fatal("expected c1 idle")
	}
	if n, _ = c2.Encapsulate(carrier[:], -1, ethHeader); n > 0 {
		t.Fatal("expected c2 idle")
	}
}

func TestHandlerExternalResultBuffer(t *testing.T) {
	const ethHeader = 14
	c1 := newTestHandler(t, [6]byte{1, 1, 1, 1, 1, 1}, [4]byte{10, 0, 0, 1})
	c2 := newTestHandler(t, [6]byte{2, 2, 2, 2, 2, 2}, [4]byte{10, 0, 0, 2})

	var dst [6]byte
	if err := c1.StartQuery(dst[:], []byte{10, 0, 0, 2}); err != nil {
		t.Fatal(err)
	}
	var carrier [64]byte
	n, err := c1.Encapsulate(carrier[:], -1, ethHeader)
	if err != nil || n == 0 {
		t.Fatal("no request sent", err)
	}
	if err := c2.Demux(carrier[:ethHeader+n], ethHeader); err != nil {
		t.Fatal(err)
	}
	n, err = c2.Encapsulate(carrier[:], -1, ethHeader)
	if err != nil || n == 0 {
		t.Fatal("no reply sent", err)
	}
	if err := c1.Demux(carrier[:ethHeader+n], ethHeader); err != nil {
		t.Fatal(err)
	}
	if dst != [6]byte{2, 2, 2, 2, 2, 2} {
		t.Fatalf("external buffer not written on completion: %x", dst)
	}
}
