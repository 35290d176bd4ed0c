package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/opennetlab/simnet"
)

const sizeHeaderTCP = 20

var errShortFrame = errors.New("tcp: buffer shorter than fixed header")

// Frame is a thin accessor over a raw TCP segment buffer, per RFC 9293
// Figure 1. It does no copying; all fields alias the underlying buffer.
type Frame struct {
	buf []byte
}

// NewFrame wraps buf as a TCP frame. buf must be at least 20 bytes; use
// ValidateSize after setting the data offset field before touching Options
// or Payload.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{}, errShortFrame
	}
	return Frame{buf: buf}, nil
}

// RawData returns the frame's backing buffer.
func (f Frame) RawData() []byte { return f.buf }

func (f Frame) SourcePort() uint16 { return binary.BigEndian.Uint16(f.buf[0:2]) }
func (f Frame) SetSourcePort(v uint16) { binary.BigEndian.PutUint16(f.buf[0:2], v) }

func (f Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetDestinationPort(v uint16) { binary.BigEndian.PutUint16(f.buf[2:4], v) }

func (f Frame) Seq() Value         { return Value(binary.BigEndian.Uint32(f.buf[4:8])) }
func (f Frame) SetSeq(v Value)     { binary.BigEndian.PutUint32(f.buf[4:8], uint32(v)) }
func (f Frame) Ack() Value         { return Value(binary.BigEndian.Uint32(f.buf[8:12])) }
func (f Frame) SetAck(v Value)     { binary.BigEndian.PutUint32(f.buf[8:12], uint32(v)) }

// OffsetAndFlags returns the data offset (in 32-bit words) and control flags.
func (f Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(f.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

func (f Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(f.buf[12:14], v)
}

// HeaderLength returns the header length in bytes, including options.
func (f Frame) HeaderLength() int {
	offset, _ := f.OffsetAndFlags()
	return 4 * int(offset)
}

func (f Frame) WindowSize() uint16     { return binary.BigEndian.Uint16(f.buf[14:16]) }
func (f Frame) SetWindowSize(v uint16) { binary.BigEndian.PutUint16(f.buf[14:16], v) }

// CRC returns the checksum field in the TCP header.
func (f Frame) CRC() uint16 { return binary.BigEndian.Uint16(f.buf[16:18]) }

// SetCRC sets the checksum field of the TCP header. See Frame.CRC.
func (f Frame) SetCRC(v uint16) { binary.BigEndian.PutUint16(f.buf[16:18], v) }

// CRCWrite adds the TCP header and payload to the running checksum started
// by the carrying IP frame's pseudo-header (CRCWriteTCPPseudo). Treats the
// checksum field itself as zero, per RFC 9293 section 3.1.
func (f Frame) CRCWrite(crc *simnet.CRC791) {
	crc.Write(f.buf[0:16])
	// Skip the checksum field f.buf[16:18]; treated as zero.
	crc.Write(f.buf[18:20])
	payload := f.buf[sizeHeaderTCP:]
	odd := len(payload) & 1
	crc.Write(payload[:len(payload)-odd])
	if odd > 0 {
		crc.AddUint16(uint16(payload[len(payload)-1]) << 8)
	}
}

func (f Frame) UrgentPtr() uint16     { return binary.BigEndian.Uint16(f.buf[18:20]) }
func (f Frame) SetUrgentPtr(v uint16) { binary.BigEndian.PutUint16(f.buf[18:20], v) }

// Options returns the option bytes between the fixed header and HeaderLength.
func (f Frame) Options() []byte { return f.buf[sizeHeaderTCP:f.HeaderLength()] }

// Payload returns the bytes after the header.
func (f Frame) Payload() []byte { return f.buf[f.HeaderLength():] }

// Segment decodes the frame's header fields into a Segment, given the
// payload length already known to the caller (computed from the carrying
// IP datagram's total length, not from the TCP header itself).
func (f Frame) Segment(payloadSize int) Segment {
	if payloadSize > math.MaxInt32 {
		panic("tcp: payload size overflow")
	}
	_, flags := f.OffsetAndFlags()
	return Segment{SEQ: f.Seq(), ACK: f.Ack(), WND: Size(f.WindowSize()), DATALEN: Size(payloadSize), Flags: flags}
}

// SetSegment writes seg's sequence/ack/flags/window fields, using offset
// (in 32-bit words, minimum 5) as the data offset.
func (f Frame) SetSegment(seg Segment, offset uint8) {
	if offset >= 1<<4 {
		panic("tcp: offset too large")
	} else if seg.WND > math.MaxUint16 {
		panic("tcp: window overflow")
	}
	f.SetSeq(seg.SEQ)
	f.SetAck(seg.ACK)
	f.SetOffsetAndFlags(offset, seg.Flags)
	f.SetWindowSize(uint16(seg.WND))
}

// ClearHeader zeros the fixed portion of the header.
func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeaderTCP] {
		f.buf[i] = 0
	}
}

func (f Frame) String() string {
	seg := f.Segment(len(f.Payload()))
	return fmt.Sprintf("TCP :%d -> :%d %s", f.SourcePort(), f.DestinationPort(), seg.String())
}

// ValidateSize reports whether the header length field is self-consistent
// with the buffer length.
func (f Frame) ValidateSize() error {
	off := f.HeaderLength()
	if off < sizeHeaderTCP || off > len(f.buf) {
		return errors.New("tcp: invalid header length field")
	}
	return nil
}
