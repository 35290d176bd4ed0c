// Package ndp implements the IPv6 Neighbor Discovery address resolution
// exchange (RFC 4861 §4.3/§4.4): Neighbor Solicitation and Neighbor
// Advertisement messages carried over ICMPv6. The Handler mirrors the shape
// of the ARP handler — a bounded set of in-flight queries plus a bounded
// queue of solicitations awaiting our advertisement — generalized to
// solicited-node multicast addressing. ICMPv6 checksumming happens at the
// IP layer, which owns the pseudo-header; the handler reads and writes
// message bodies only.
package ndp

import (
	"errors"

	"github.com/opennetlab/simnet/internal"
)

// ICMPv6 message types used by neighbor discovery.
const (
	typeNeighborSolicit    = 135
	typeNeighborAdvertise  = 136
	optSourceLinkLayerAddr = 1
	optTargetLinkLayerAddr = 2

	// sizeMessage is NS and NA body size before options: type, code,
	// checksum, 4 reserved/flag bytes, 16-byte target address.
	sizeMessage = 24
	// sizeLinkOpt is one link-layer address option: type, length (in units
	// of 8 octets), 6-byte EUI-48 address.
	sizeLinkOpt = 8

	flagSolicited = 1 << 6 // NA "S" flag, in the flags byte at offset 4.
	flagOverride  = 1 << 5 // NA "O" flag.
)

var (
	errShortNDP       = errors.New("ndp: message too short")
	errNDPUnsupported = errors.New("ndp: unsupported ICMPv6 type")
	errNDPBufferFull  = errors.New("ndp: pending advertisement queue full")
	errTooManyQueries = errors.New("ndp: too many ongoing queries")
	errBadAddrLen     = errors.New("ndp: bad address length")
	errDirtyResultBuf = errors.New("ndp: write-to buffer must be zeroed out")
	errQueryUnsent    = errors.New("ndp: query not yet sent")
	errNoResponse     = errors.New("ndp: no response yet")
	errQueryNotFound  = errors.New("ndp: query not exist or dropped")
	errInvalidNDPConf = errors.New("ndp: invalid Handler config")
)

// SolicitedNodeMulticast returns the solicited-node multicast group
// (ff02::1:ffXX:XXXX) a solicitation for target must be sent to.
func SolicitedNodeMulticast(target [16]byte) (group [16]byte) {
	group[0] = 0xff
	group[1] = 0x02
	group[11] = 0x01
	group[12] = 0xff
	group[13] = target[13]
	group[14] = target[14]
	group[15] = target[15]
	return group
}

// MulticastHWAddr maps an IPv6 multicast group to its EUI-48 destination
// (33:33 followed by the group's low 32 bits).
func MulticastHWAddr(group [16]byte) (hw [6]byte) {
	hw[0], hw[1] = 0x33, 0x33
	copy(hw[2:], group[12:])
	return hw
}

// Handler resolves IPv6 neighbor link-layer addresses for one interface.
type Handler struct {
	connID    uint64
	ourHWAddr [6]byte
	ourAddr   [16]byte
	pending   []solicitation
	queries   []query
	maxPend   int
}

// HandlerConfig configures a Handler. MaxQueries bounds concurrent
// resolutions; MaxPending bounds solicitations we still owe an
// advertisement for.
type HandlerConfig struct {
	HardwareAddr [6]byte
	ProtocolAddr [16]byte
	MaxQueries   int
	MaxPending   int
}

// solicitation is a received NS we owe an NA for. srcHW comes from the
// solicitation's source link-layer option so the reply can be unicast.
type solicitation struct {
	srcHW [6]byte
	hasHW bool
}

type query struct {
	target [16]byte
	hwaddr []byte // resolved EUI-48, empty until advertisement arrives.
	dstHW  []byte // optional external write-through buffer.
	sent   bool
	valid  bool
}

func (q *query) destroy() { *q = query{hwaddr: q.hwaddr[:0]} }

// Reset reconfigures the handler, dropping all in-flight state.
func (h *Handler) Reset(cfg HandlerConfig) error {
	if cfg.MaxQueries <= 0 || cfg.MaxPending <= 0 {
		return errInvalidNDPConf
	}
	*h = Handler{
		connID:  h.connID + 1,
		pending: h.pending[:0],
		queries: h.queries[:0],
		maxPend: cfg.MaxPending,
	}
	h.ourHWAddr = cfg.HardwareAddr
	h.ourAddr = cfg.ProtocolAddr
	if cap(h.queries) < cfg.MaxQueries {
		h.queries = make([]query, cfg.MaxQueries)[:0]
	}
	return nil
}

// Protocol implements the stack node contract: ICMPv6's IP protocol number.
func (h *Handler) Protocol() uint64 { return 58 }

func (h *Handler) LocalPort() uint16 { return 0 }

func (h *Handler) ConnectionID() *uint64 { return &h.connID }

// AbortPending drops all in-flight queries and owed advertisements.
func (h *Handler) AbortPending() {
	h.pending = h.pending[:0]
	h.queries = h.queries[:0]
}

// StartQuery queues resolution of target's link-layer address. dstHWAddr,
// when non-nil, must be a zeroed 6-byte buffer that receives the result on
// completion in addition to being retrievable via QueryResult.
func (h *Handler) StartQuery(dstHWAddr []byte, target [16]byte) error {
	if len(h.queries) == cap(h.queries) {
		h.compactQueries()
		if len(h.queries) == cap(h.queries) {
			return errTooManyQueries
		}
	}
	if dstHWAddr != nil && len(dstHWAddr) != 6 {
		return errBadAddrLen
	} else if dstHWAddr != nil && !internal.IsZeroed(dstHWAddr...) {
		return errDirtyResultBuf
	}
	h.queries = append(h.queries, query{target: target, dstHW: dstHWAddr, valid: true})
	return nil
}

// QueryResult returns the resolved link-layer address for target.
func (h *Handler) QueryResult(target [16]byte) (hwAddr []byte, err error) {
	for i := range h.queries {
		q := &h.queries[i]
		if q.valid && q.target == target {
			if !q.sent {
				return nil, errQueryUnsent
			}
			if len(q.hwaddr) == 0 {
				return nil, errNoResponse
			}
			return q.hwaddr, nil
		}
	}
	return nil, errQueryNotFound
}

// DiscardQuery drops the in-flight query for target.
func (h *Handler) DiscardQuery(target [16]byte) error {
	for i := range h.queries {
		q := &h.queries[i]
		if q.valid && q.target == target {
			q.destroy()
			return nil
		}
	}
	return errQueryNotFound
}

func (h *Handler) compactQueries() {
	off := 0
	for i := 0; i < len(h.queries); i++ {
		if h.queries[i].valid {
			h.queries[off] = h.queries[i]
			off++
		}
	}
	h.queries = h.queries[:off]
}

// Encapsulate writes the next outgoing ND message body (an owed
// advertisement first, else the oldest unsent solicitation) into
// carrierData at offsetToFrame. Returns 0 when idle. The IP layer fills
// the ICMPv6 checksum and addresses. The ethernet destination preceding
// offsetToFrame, when present, is set to the solicited-node multicast
// mapping for solicitations and to the solicitor's unicast address for
// advertisements.
func (h *Handler) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	b := carrierData[offsetToFrame:]
	if len(b) < sizeMessage+sizeLinkOpt {
		return 0, errShortNDP
	}
	if len(h.pending) > 0 {
		sol := h.pending[len(h.pending)-1]
		h.pending = h.pending[:len(h.pending)-1]
		h.putMessage(b, typeNeighborAdvertise, flagSolicited|flagOverride, h.ourAddr, optTargetLinkLayerAddr)
		if sol.hasHW {
			trySetEthernetDst(carrierData[:offsetToFrame], sol.srcHW[:])
		}
		return sizeMessage + sizeLinkOpt, nil
	}
	for i := range h.queries {
		q := &h.queries[i]
		if q.valid && !q.sent {
			q.sent = true
			h.putMessage(b, typeNeighborSolicit, 0, q.target, optSourceLinkLayerAddr)
			group := SolicitedNodeMulticast(q.target)
			hw := MulticastHWAddr(group)
			trySetEthernetDst(carrierData[:offsetToFrame], hw[:])
			return sizeMessage + sizeLinkOpt, nil
		}
	}
	return 0, nil
}

func (h *Handler) putMessage(b []byte, msgType, flags uint8, target [16]byte, opt uint8) {
	b[0] = msgType
	b[1] = 0 // code
	b[2], b[3] = 0, 0
	b[4] = flags
	b[5], b[6], b[7] = 0, 0, 0
	copy(b[8:24], target[:])
	b[24] = opt
	b[25] = 1 // one 8-octet unit
	copy(b[26:32], h.ourHWAddr[:])
}

// Demux processes one received ND message body. Solicitations for our
// address queue an advertisement; advertisements complete matching queries.
func (h *Handler) Demux(frame []byte, frameOffset int) error {
	b := frame[frameOffset:]
	if len(b) < sizeMessage {
		return errShortNDP
	}
	var target [16]byte
	copy(target[:], b[8:24])
	switch b[0] {
	case typeNeighborSolicit:
		if target != h.ourAddr {
			return nil // not for us.
		}
		if len(h.pending) == h.maxPend {
			return errNDPBufferFull
		}
		var sol solicitation
		if hw := findLinkOpt(b, optSourceLinkLayerAddr); hw != nil {
			copy(sol.srcHW[:], hw)
			sol.hasHW = true
		}
		h.pending = append(h.pending, sol)
	case typeNeighborAdvertise:
		hwaddr := findLinkOpt(b, optTargetLinkLayerAddr)
		if hwaddr == nil {
			return errShortNDP
		}
		for i := range h.queries {
			q := &h.queries[i]
			if q.valid && len(q.hwaddr) == 0 && q.target == target {
				q.hwaddr = append(q.hwaddr, hwaddr...)
				if q.dstHW != nil {
					copy(q.dstHW, hwaddr)
				}
				return nil
			}
		}
	default:
		return errNDPUnsupported
	}
	return nil
}

// findLinkOpt walks the option list of a message body for the first
// link-layer address option of the wanted type, returning its 6 address
// bytes or nil when absent/truncated.
func findLinkOpt(b []byte, want uint8) []byte {
	opts := b[sizeMessage:]
	for len(opts) >= 2 {
		optLen := int(opts[1]) * 8
		if optLen == 0 || optLen > len(opts) {
			return nil
		}
		if opts[0] == want && optLen >= sizeLinkOpt {
			return opts[2:8]
		}
		opts = opts[optLen:]
	}
	return nil
}

func trySetEthernetDst(ethFrame []byte, dst []byte) {
	if len(ethFrame) >= 14 {
		copy(ethFrame[:6], dst)
	}
}
