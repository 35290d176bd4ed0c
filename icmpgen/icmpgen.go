// Package icmpgen builds ICMPv4 Destination Unreachable messages using
// golang.org/x/net/icmp and golang.org/x/net/ipv4 for message construction,
// instead of hand-rolling the codec the way ipv4/icmpv4 does for wire-exact
// parsing elsewhere in this module. These messages are the IP-layer
// reachability failure path: the HostUnreachable/NetUnreachable errors a
// socket surfaces originate from an ICMP message a peer or this node's own
// routing layer generates.
package icmpgen

import (
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Reason selects which Destination Unreachable code to emit.
type Reason int

const (
	ReasonNetUnreachable Reason = iota
	ReasonHostUnreachable
	ReasonPortUnreachable
	ReasonProtocolUnreachable
)

func (r Reason) code() int {
	switch r {
	case ReasonNetUnreachable:
		return 0
	case ReasonHostUnreachable:
		return 1
	case ReasonProtocolUnreachable:
		return 2
	case ReasonPortUnreachable:
		return 3
	default:
		return 1
	}
}

// maxQuotedBytes is the amount of the offending datagram (IP header plus
// leading octets of its payload) an unreachable message quotes back, per
// RFC 792: the original IP header plus 8 bytes of payload is always
// sufficient to identify the flow (ports, for TCP/UDP).
const maxQuotedBytes = 28

// DestinationUnreachable builds a complete ICMPv4 Destination Unreachable
// message body for originalDatagram, the IP packet (header included) that
// could not be delivered. The returned bytes are the ICMP message itself
// (type, code, checksum, quoted data), ready to be wrapped in a new IPv4
// header addressed back to the original source.
func DestinationUnreachable(reason Reason, originalDatagram []byte) ([]byte, error) {
	quote := originalDatagram
	if len(quote) > maxQuotedBytes {
		quote = quote[:maxQuotedBytes]
	}
	msg := icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: reason.code(),
		Body: &icmp.DstUnreach{
			Data: quote,
		},
	}
	return msg.Marshal(nil)
}
