package tcp

import "errors"

// OptionKind identifies a TCP option per IANA's TCP Parameters registry.
type OptionKind uint8

const (
	OptEnd            OptionKind = iota // end of option list
	OptNop                              // no-operation
	OptMaxSegmentSize                   // maximum segment size
	OptWindowScale                      // window scale
	OptSACKPermitted                    // SACK permitted
	OptSACK                             // SACK
	OptEcho                             // echo(obsolete)
	optEchoReply                        // echo reply(obsolete)
	OptTimestamps                       // timestamps
)

// IsDefined reports whether kind is among the options this codec understands explicitly.
func (kind OptionKind) IsDefined() bool { return kind <= OptTimestamps }

func (kind OptionKind) String() string {
	switch kind {
	case OptEnd:
		return "end"
	case OptNop:
		return "nop"
	case OptMaxSegmentSize:
		return "mss"
	case OptWindowScale:
		return "wscale"
	case OptSACKPermitted:
		return "sack-permitted"
	case OptSACK:
		return "sack"
	case OptTimestamps:
		return "timestamps"
	default:
		return "unknown"
	}
}

var errShortOptions = errors.New("tcp: short option buffer")
var errBadOptionLength = errors.New("tcp: invalid option length")

// OptionCodec encodes and decodes the variable-length TCP options area.
type OptionCodec struct {
	Flags OptionFlags
}

// OptionFlags tunes OptionCodec's strictness.
type OptionFlags uint8

const (
	OptFlagSkipSizeValidation OptionFlags = 1 << iota
)

func (flags OptionFlags) HasAny(mask OptionFlags) bool { return flags&mask != 0 }

// PutOption16 writes a two-byte-payload option such as MSS.
func (op OptionCodec) PutOption16(dst []byte, kind OptionKind, v uint16) (int, error) {
	return op.PutOption(dst, kind, byte(v>>8), byte(v))
}

// PutOption writes an option of kind with the given raw payload bytes,
// returning the number of bytes written including the kind/length header.
func (op OptionCodec) PutOption(dst []byte, kind OptionKind, data ...byte) (int, error) {
	putSize := 2 + len(data)
	if len(dst) < putSize {
		return -1, errShortOptions
	} else if putSize > 255 {
		return -1, errBadOptionLength
	} else if kind == OptNop || kind == OptEnd {
		return -1, errBadOptionLength
	}
	dst[0] = byte(kind)
	dst[1] = byte(putSize)
	copy(dst[2:], data)
	return putSize, nil
}

// ForEachOption walks every option in opts in wire order, invoking fn with
// the option kind and its payload (excluding the kind/length header).
// Iteration stops at the first OptEnd byte or at the end of the buffer.
func (op OptionCodec) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	off := 0
	skipSizeValidation := op.Flags.HasAny(OptFlagSkipSizeValidation)
	for off < len(opts) && opts[off] != byte(OptEnd) {
		kind := OptionKind(opts[off])
		off++
		if kind == OptNop {
			continue
		}
		if len(opts[off:]) < 1 {
			return errShortOptions
		}
		size := int(opts[off]) // total option length including kind and length bytes.
		off++
		dataLen := size - 2
		if dataLen < 0 || len(opts[off:]) < dataLen {
			return errShortOptions
		}
		if !skipSizeValidation {
			expectSize := -1
			switch kind {
			case OptTimestamps:
				expectSize = 10
			case OptMaxSegmentSize:
				expectSize = 4
			case OptWindowScale:
				expectSize = 3
			case OptSACKPermitted:
				expectSize = 2
			}
			if expectSize != -1 && size != expectSize {
				return errBadOptionLength
			}
		}
		if err := fn(kind, opts[off:off+dataLen]); err != nil {
			return err
		}
		off += dataLen
	}
	return nil
}

// ParseMSS scans opts for an MSS option and returns its value, or ok=false
// if absent or malformed.
func (op OptionCodec) ParseMSS(opts []byte) (mss uint16, ok bool) {
	_ = op.ForEachOption(opts, func(kind OptionKind, data []byte) error {
		if kind == OptMaxSegmentSize && len(data) == 2 {
			mss = uint16(data[0])<<8 | uint16(data[1])
			ok = true
		}
		return nil
	})
	return mss, ok
}
