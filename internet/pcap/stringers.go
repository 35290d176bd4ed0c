package pcap

import "strconv"

func (c FieldClass) String() string {
	switch c {
	case fieldClassUndefined:
		return "undefined"
	case FieldClassSrc:
		return "source"
	case FieldClassDst:
		return "destination"
	case FieldClassProto:
		return "protocol"
	case FieldClassVersion:
		return "version"
	case FieldClassType:
		return "type"
	case FieldClassSize:
		return "size"
	case FieldClassFlags:
		return "flags"
	case FieldClassID:
		return "identification"
	case FieldClassChecksum:
		return "checksum"
	case FieldClassOptions:
		return "options"
	case FieldClassPayload:
		return "payload"
	case FieldClassText:
		return "text"
	case FieldClassAddress:
		return "address"
	case FieldClassBinaryText:
		return "binary-text"
	case FieldClassOperation:
		return "op"
	case FieldClassTimestamp:
		return "timestamp"
	}
	return "FieldClass(" + strconv.Itoa(int(c)) + ")"
}
