package internet

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/opennetlab/simnet/icmpgen"
	"github.com/opennetlab/simnet/route"
)

var errStubNoARP = errors.New("stub: no ARP entry")

// stubUDPNode is a minimal StackNode that always has data to send to a
// fixed off-subnet destination, writing the destination address into the
// IP header region the way a real UDP/TCP node does.
type stubUDPNode struct {
	connID  uint64
	proto   uint64
	payload []byte
	sent    bool
}

func (s *stubUDPNode) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	if s.sent {
		return 0, nil
	}
	s.sent = true
	copy(carrierData[offsetToIP+16:offsetToIP+20], []byte{8, 8, 8, 8})
	return copy(carrierData[offsetToFrame:], s.payload), nil
}

func (s *stubUDPNode) Demux(carrierData []byte, frameOffset int) error { return nil }
func (s *stubUDPNode) LocalPort() uint16                               { return 5000 }
func (s *stubUDPNode) Protocol() uint64                                { return s.proto }
func (s *stubUDPNode) ConnectionID() *uint64                           { return &s.connID }

func TestStackIPEncapsulateNoRouteInvokesUnreachableHandler(t *testing.T) {
	var client StackIP
	srcAddr := netip.AddrFrom4([4]byte{192, 168, 1, 1})
	if err := client.Reset(srcAddr, netip.MustParseAddr("255.255.255.0"), 4, 4, nil, nil); err != nil {
		t.Fatal(err)
	}

	var rt route.Table // empty: every off-subnet lookup misses.
	client.SetRouteTable(&rt)

	var gotReason icmpgen.Reason
	var called bool
	client.SetUnreachableHandler(func(orig []byte, reason icmpgen.Reason) {
		called = true
		gotReason = reason
	})

	udpConn := &stubUDPNode{proto: 200, payload: []byte("hello")}
	if err := client.Register(udpConn); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, listenerTestBufSize)
	n, err := client.Encapsulate(buf, -1, 0)
	if err == nil {
		t.Fatalf("expected NoRoute error, got n=%d", n)
	}
	if !called {
		t.Fatal("expected unreachable handler to be invoked")
	}
	if gotReason != icmpgen.ReasonNetUnreachable {
		t.Fatalf("unexpected reason %v", gotReason)
	}
}

func TestStackIPEncapsulateRoutesOffSubnetViaNextHop(t *testing.T) {
	var client StackIP
	srcAddr := netip.AddrFrom4([4]byte{192, 168, 1, 1})
	if err := client.Reset(srcAddr, netip.MustParseAddr("255.255.255.0"), 4, 4, nil, nil); err != nil {
		t.Fatal(err)
	}

	gateway := netip.AddrFrom4([4]byte{192, 168, 1, 254})
	var rt route.Table
	rt.Add(route.Entry{Prefix: netip.MustParsePrefix("0.0.0.0/0"), NextHop: gateway, Interface: "eth0"})
	client.SetRouteTable(&rt)

	var queried [4]byte
	client.queueARP = func(addr [4]byte) error { queried = addr; return nil }
	client.checkARP = func(addr [4]byte) ([6]byte, error) { return [6]byte{}, errStubNoARP }

	udpConn := &stubUDPNode{proto: 200, payload: []byte("hi")}
	if err := client.Register(udpConn); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, listenerTestBufSize)
	n, err := client.Encapsulate(buf, -1, 0)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected ARP miss to yield n=0, got %d", n)
	}
	if queried != gateway.As4() {
		t.Fatalf("expected ARP queried for gateway %v, got %v", gateway.As4(), queried)
	}
}
