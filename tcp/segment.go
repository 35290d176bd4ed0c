package tcp

import (
	"math/bits"
	"strconv"
)

// Segment represents an incoming or outgoing TCP segment projected into
// sequence space, decoupled from its wire encoding.
type Segment struct {
	SEQ     Value // sequence number of the first octet. If SYN set, this is the ISN and the first data octet is ISN+1.
	ACK     Value // acknowledgment number, valid only if ACK flag set.
	DATALEN Size  // payload octets, excluding SYN/FIN.
	WND     Size  // advertised window.
	Flags   Flags
}

// LEN returns the length of the segment in sequence-space octets, including
// the SYN and FIN flags which each consume one sequence number.
func (seg *Segment) LEN() Size {
	add := Size(seg.Flags>>0) & 1 // FIN bit.
	add += Size(seg.Flags>>1) & 1 // SYN bit.
	return seg.DATALEN + add
}

// Last returns the sequence number of the final octet of the segment.
func (seg *Segment) Last() Value {
	seglen := seg.LEN()
	if seglen == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, seglen) - 1
}

func (seg Segment) isFirstSYN() bool {
	return seg.Flags == FlagSYN && seg.ACK == 0 && seg.DATALEN == 0 && seg.WND > 0
}

// ClientSynSegment builds the first segment of an active open.
func ClientSynSegment(clientISS Value, clientWND Size) Segment {
	return Segment{SEQ: clientISS, WND: clientWND, Flags: FlagSYN}
}

func (seg Segment) String() string {
	b := make([]byte, 0, 48)
	b = append(b, '<')
	b = append(b, "SEQ="...)
	b = strconv.AppendInt(b, int64(seg.SEQ), 10)
	b = append(b, '>', '<')
	b = append(b, "ACK="...)
	b = strconv.AppendInt(b, int64(seg.ACK), 10)
	b = append(b, '>')
	if seg.DATALEN > 0 {
		b = append(b, '<')
		b = append(b, "DATA="...)
		b = strconv.AppendInt(b, int64(seg.DATALEN), 10)
		b = append(b, '>')
	}
	b = append(b, seg.Flags.String()...)
	return string(b)
}

// Flags is the TCP control bit field (RFC 9293 Figure 1).
type Flags uint16

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

const flagMask = 0x01ff

const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
)

// HasAll reports whether every bit in mask is set.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny reports whether at least one bit in mask is set.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask clears any bits outside the defined flag range.
func (flags Flags) Mask() Flags { return flags & flagMask }

func (flags Flags) String() string {
	switch flags {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case pshack:
		return "[PSH,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+3*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a comma-separated human readable flag list to b.
func (flags Flags) AppendFormat(b []byte) []byte {
	if flags == 0 {
		return b
	}
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURGECECWRNS "
	var addcommas bool
	for flags != 0 {
		i := bits.TrailingZeros16(uint16(flags))
		if addcommas {
			b = append(b, ',')
		} else {
			addcommas = true
		}
		b = append(b, strflags[i*flaglen:i*flaglen+flaglen]...)
		flags &= ^(1 << i)
	}
	return b
}

// State enumerates the RFC 9293 Figure 5 connection states.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynRcvd
	StateSynSent
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynRcvd:     "SYN-RECEIVED",
	StateSynSent:     "SYN-SENT",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN-WAIT-1",
	StateFinWait2:    "FIN-WAIT-2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME-WAIT",
	StateCloseWait:   "CLOSE-WAIT",
	StateLastAck:     "LAST-ACK",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// IsPreestablished reports whether the connection precedes Established.
func (s State) IsPreestablished() bool {
	return s == StateSynRcvd || s == StateSynSent || s == StateListen
}

// IsClosing reports whether the connection is past Established but not yet
// fully torn down.
func (s State) IsClosing() bool { return !(s <= StateEstablished) }

// IsClosed reports whether the connection has no remaining protocol state.
func (s State) IsClosed() bool { return s == StateClosed || s == StateTimeWait }

// IsSynchronized reports whether the three-way handshake completed.
func (s State) IsSynchronized() bool { return s >= StateEstablished }

func (s State) isOpen() bool { return !s.IsClosed() }

// hasIRS reports whether the connection has recorded the remote's initial
// receive sequence number.
func (s State) hasIRS() bool {
	return s.isOpen() && s != StateSynSent && s != StateListen
}
