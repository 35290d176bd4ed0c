package icmpgen

import (
	"testing"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

func TestDestinationUnreachableRoundTrip(t *testing.T) {
	original := []byte{
		0x45, 0x00, 0x00, 0x28, // version/IHL, TOS, total length
		0x00, 0x00, 0x00, 0x00, // id, flags/frag
		0x40, 0x06, 0x00, 0x00, // ttl, proto=TCP, checksum
		10, 0, 1, 104, // src
		93, 184, 216, 34, // dst
		0xC3, 0x50, 0x00, 0x50, // src port, dst port
		0, 0, 0, 1, // seq
	}

	b, err := DestinationUnreachable(ReasonHostUnreachable, original)
	if err != nil {
		t.Fatalf("DestinationUnreachable: %v", err)
	}

	msg, err := icmp.ParseMessage(1 /* ProtocolICMP */, b)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Type != ipv4.ICMPTypeDestinationUnreachable {
		t.Fatalf("unexpected type %v", msg.Type)
	}
	if msg.Code != ReasonHostUnreachable.code() {
		t.Fatalf("unexpected code %d", msg.Code)
	}
	unreach, ok := msg.Body.(*icmp.DstUnreach)
	if !ok {
		t.Fatalf("unexpected body type %T", msg.Body)
	}
	if len(unreach.Data) != maxQuotedBytes {
		t.Fatalf("expected quoted data truncated to %d bytes, got %d", maxQuotedBytes, len(unreach.Data))
	}
}

func TestDestinationUnreachableShortDatagramNotPadded(t *testing.T) {
	short := []byte{1, 2, 3, 4}
	b, err := DestinationUnreachable(ReasonPortUnreachable, short)
	if err != nil {
		t.Fatalf("DestinationUnreachable: %v", err)
	}
	msg, err := icmp.ParseMessage(1, b)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	unreach := msg.Body.(*icmp.DstUnreach)
	if len(unreach.Data) != len(short) {
		t.Fatalf("expected unpadded quoted data of length %d, got %d", len(short), len(unreach.Data))
	}
}
