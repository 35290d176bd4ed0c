package internet

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/netip"

	"github.com/opennetlab/simnet"
	"github.com/opennetlab/simnet/ethernet"
	"github.com/opennetlab/simnet/icmpgen"
	"github.com/opennetlab/simnet/internal"
	"github.com/opennetlab/simnet/internal/lrucache"
	"github.com/opennetlab/simnet/ipv4"
	"github.com/opennetlab/simnet/ipv4/icmpv4"
	"github.com/opennetlab/simnet/metrics"
	"github.com/opennetlab/simnet/route"
	"github.com/opennetlab/simnet/tcp"
	"github.com/opennetlab/simnet/udp"
)

var _ StackNode = (*StackIP)(nil)

type (
	queueARPFunc func([4]byte) error
	checkARPFunc func([4]byte) ([6]byte, error)
)

// StackIP is the IPv4 layer: it demultiplexes incoming datagrams to
// registered protocol nodes (TCP, UDP) by protocol number, and on
// encapsulation resolves the outgoing hardware address for local
// destinations through an ARP cache, dropping the datagram on a cache miss
// rather than queueing it, since TCP's own retransmission timer will drive
// a retry once the pending ARP resolves.
type StackIP struct {
	connID        uint64
	ipID          uint16
	ip            [4]byte
	subMask32     uint32
	validator     simnet.Validator
	handlers      handlers
	arpCache      lrucache.Cache[[4]byte, [6]byte]
	queueARP      queueARPFunc
	checkARP      checkARPFunc
	mtr           *metrics.Collector
	rt            *route.Table
	onUnreachable func(origDatagram []byte, reason icmpgen.Reason)
	logger
}

// SetMetrics attaches a metrics collector that receives counts of segments
// dropped at the IP layer (bad IPv4, TCP or UDP checksum, no route). A nil collector
// (the default) disables accounting with no extra cost on the hot path.
func (sb *StackIP) SetMetrics(m *metrics.Collector) { sb.mtr = m }

// SetRouteTable attaches the routing table consulted for destinations
// outside the configured subnet. A nil table (the default) leaves
// off-subnet datagrams to pass through unresolved, matching this stack's
// original single-subnet behavior.
func (sb *StackIP) SetRouteTable(rt *route.Table) { sb.rt = rt }

// SetUnreachableHandler installs the callback invoked when Encapsulate
// cannot find a route for an off-subnet destination. fn receives the
// original datagram (header plus as much payload as is available) and the
// reason code; it is responsible for building and transmitting the ICMP
// Destination Unreachable reply, since StackIP itself only produces
// outgoing datagrams for its own send path, not arbitrary side-channel
// ones.
func (sb *StackIP) SetUnreachableHandler(fn func(origDatagram []byte, reason icmpgen.Reason)) {
	sb.onUnreachable = fn
}

func (sb *StackIP) Reset(addr netip.Addr, subnetMask netip.Addr, maxNodes int, arpCacheSize int,
	queueARP queueARPFunc, checkARP checkARPFunc) error {
	if maxNodes <= 0 {
		return errZeroMaxNodesArg
	}
	err := sb.SetAddr(addr, subnetMask)
	if err != nil {
		return err
	}
	sb.handlers.reset("StackIP", maxNodes)
	*sb = StackIP{
		connID:        sb.connID + 1,
		validator:     sb.validator,
		handlers:      sb.handlers,
		logger:        sb.logger,
		ip:            sb.ip,
		subMask32:     sb.subMask32,
		arpCache:      lrucache.New[[4]byte, [6]byte](arpCacheSize),
		queueARP:      queueARP,
		checkARP:      checkARP,
		mtr:           sb.mtr,
		rt:            sb.rt,
		onUnreachable: sb.onUnreachable,
	}
	return nil
}

func (sb *StackIP) SetAddr(addr netip.Addr, subnetMask netip.Addr) error {
	if !addr.IsValid() {
		return errors.New("invalid IP")
	}
	if !subnetMask.IsValid() {
		return errors.New("invalid subnet mask")
	}
	if !addr.Is4() || !subnetMask.Is4() {
		return errors.New("require IPv4")
	}
	sb.ip = addr.As4()
	sb.subMask32 = asUint32(subnetMask.As4())
	return nil
}

func (sb *StackIP) ConnectionID() *uint64 {
	return &sb.connID
}

func (sb *StackIP) Protocol() uint64 {
	return uint64(ethernet.TypeIPv4) // Only support ipv4 for now.
}

func (sb *StackIP) LocalPort() uint16 { return 0 }

func (sb *StackIP) Addr() netip.Addr {
	return netip.AddrFrom4(sb.ip)
}

func (sb *StackIP) SetLogger(logger *slog.Logger) {
	sb.logger.log = logger
}

func (sb *StackIP) Demux(carrierData []byte, offset int) error {
	sb.info("StackIP.Demux:start")
	frame := carrierData[offset:] // we don't care about carrier data in IP.
	ifrm, err := ipv4.NewFrame(frame)
	if err != nil {
		return err
	}
	dst := ifrm.DestinationAddr()
	if sb.ip != ([4]byte{}) && *dst != sb.ip {
		return errors.New("not meant for us") // Not meant for us.
	}

	sb.validator.ResetErr()
	ifrm.ValidateExceptCRC(&sb.validator)
	if err = sb.validator.ErrPop(); err != nil {
		return err
	}
	gotCRC := ifrm.CRC()
	wantCRC := ifrm.CalculateHeaderCRC()
	if gotCRC != wantCRC {
		sb.error("StackIP:Demux:crc-mismatch", slog.Uint64("want", uint64(wantCRC)), slog.Uint64("got", uint64(gotCRC)))
		if sb.mtr != nil {
			sb.mtr.IncDropped("bad-checksum")
		}
		return errors.New("IPv4 CRC mismatch")
	}
	off := ifrm.HeaderLength()
	totalLen := ifrm.TotalLength()
	proto := ifrm.Protocol()
	if proto == simnet.IPProtoICMP {
		return sb.recvicmp(ifrm.RawData(), ifrm.HeaderLength())
	}

	node := sb.handlers.nodeByProto(uint16(proto))
	if node == nil {
		// Drop packet.
		sb.info("iprecv:drop", slog.String("dstaddr", netip.AddrFrom4(*ifrm.DestinationAddr()).String()), slog.String("proto", ifrm.Protocol().String()))
		return nil
	}
	// Incoming CRC Validation of common IP Protocols.
	var crc simnet.CRC791
	switch proto {
	case simnet.IPProtoTCP:
		ifrm.CRCWriteTCPPseudo(&crc)
		tfrm, err := tcp.NewFrame(ifrm.Payload())
		if err != nil {
			return err
		}
		tfrm.CRCWrite(&crc)
		if crc.Sum16() != tfrm.CRC() {
			if sb.mtr != nil {
				sb.mtr.IncDropped("bad-checksum")
			}
			return errors.New("TCP CRC mismatch")
		}
	case simnet.IPProtoUDP:
		ifrm.CRCWriteUDPPseudo(&crc)
		ufrm, err := udp.NewFrame(ifrm.Payload())
		if err != nil {
			return err
		}
		ufrm.CRCWriteIPv4(&crc)
		if crc.Sum16() != ufrm.CRC() {
			if sb.mtr != nil {
				sb.mtr.IncDropped("bad-checksum")
			}
			return errors.New("UDP CRC mismatch")
		}
	}
	sb.info("ipDemux", slog.String("ipproto", proto.String()), slog.Int("plen", int(totalLen)))
	err = node.demux(frame[:totalLen], off)
	if sb.handlers.tryHandleError(node, err) {
		sb.info("ipclose", slog.String("proto", proto.String()))
		err = nil
	}
	return err
}

func (sb *StackIP) ipv4Addr(addr []byte) ([4]byte, bool) {
	if len(addr) != 4 {
		sb.error("StackIP:ipv4Addr invalid address", slog.Any("addr", addr))
		return [4]byte{}, false
	}
	return *(*[4]byte)(addr), true
}

func asUint32(addr [4]byte) uint32 {
	return binary.BigEndian.Uint32(addr[:])
}

func (sb *StackIP) isLocal(addr [4]byte) bool {
	return (asUint32(sb.ip)^asUint32(addr))&sb.subMask32 == 0
}

// Encapsulate writes the next outgoing IPv4 datagram, finding a node to
// encapsulate, finalizing the IPv4 and pseudo-header checksums, and
// resolving the destination hardware address through the ARP cache. A cache
// miss drops the datagram (after queuing an ARP request) rather than
// buffering it, leaving retry to the upper layer.
func (sb *StackIP) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	frame := carrierData[offsetToFrame:]
	if len(frame) < 256 {
		return 0, io.ErrShortBuffer
	}
	ifrm, err := ipv4.NewFrame(frame)
	if err != nil {
		return 0, err
	}
	const ihl = 5
	const headerlen = ihl * 4
	const dontFrag = 0x4000
	ifrm.SetVersionAndIHL(4, ihl)
	ifrm.SetToS(0)
	seed := sb.ipID + uint16(sb.connID)
	id := internal.Prand16(seed)
	ifrm.SetID(id)
	ifrm.SetFlags(dontFrag)
	ifrm.SetTTL(64)
	*ifrm.SourceAddr() = sb.ip
	sb.ipID = id

	node, n, err := sb.handlers.encapsulateAny(carrierData, offsetToFrame, offsetToFrame+headerlen)
	if n == 0 {
		return 0, err
	}
	proto := simnet.IPProto(node.proto)
	totalLen := n + headerlen
	ifrm.SetTotalLength(uint16(totalLen))
	ifrm.SetProtocol(proto)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	// Calculate CRC for our newly generated packet.
	var crc simnet.CRC791
	switch proto {
	case simnet.IPProtoTCP:
		ifrm.CRCWriteTCPPseudo(&crc)
		tfrm, _ := tcp.NewFrame(ifrm.Payload())
		tfrm.CRCWrite(&crc)
		tfrm.SetCRC(crc.Sum16())
	case simnet.IPProtoUDP:
		ifrm.CRCWriteUDPPseudo(&crc)
		ufrm, _ := udp.NewFrame(ifrm.Payload())
		ufrm.SetLength(uint16(n))
		ufrm.CRCWriteIPv4(&crc)
		ufrm.SetCRC(crc.Sum16())
		if n != int(ufrm.Length()) {
			sb.error("StackIP:encaps", slog.Int("n", n), slog.Int("un", int(ufrm.Length())))
			return 0, errors.New("invalid UDP length")
		}
	}

	_, destAddrSlice, _, _, err := internal.GetIPAddr(frame)
	if err != nil {
		sb.error("StackIP:encapsulate", slog.String("err", err.Error()))
		return 0, err
	}
	destAddr, ok := sb.ipv4Addr(destAddrSlice)
	if !ok {
		err = errors.New("unsupported IP address")
		sb.error("StackIP:encapsulate", slog.String("err", err.Error()))
		return 0, err
	}
	arpTarget := destAddr
	if !sb.isLocal(destAddr) {
		if sb.rt == nil {
			// No routing table configured: preserve the original
			// single-subnet behavior of passing the datagram through
			// unresolved.
			return totalLen, nil
		}
		nextHop, _, _, lerr := sb.rt.Lookup(netip.AddrFrom4(destAddr))
		if lerr != nil {
			reason := icmpgen.ReasonNetUnreachable
			if sb.mtr != nil {
				sb.mtr.IncDropped("no-route")
			}
			if sb.onUnreachable != nil {
				sb.onUnreachable(append([]byte(nil), frame[:totalLen]...), reason)
			}
			sb.debug("StackIP:encapsulate:no-route", slog.String("addr", netip.AddrFrom4(destAddr).String()))
			return 0, lerr
		}
		nh4 := nextHop.As4()
		arpTarget = nh4
	}
	if sb.checkARP == nil {
		// No ARP resolver configured: pass the datagram through unresolved.
		return totalLen, nil
	}

	destHwAddr, found := sb.arpCache.Get(arpTarget)
	if !found {
		if hwAddr, aerr := sb.checkARP(arpTarget); aerr == nil {
			sb.arpCache.Push(arpTarget, hwAddr)
			destHwAddr, found = hwAddr, true
		} else if qerr := sb.queueARP(arpTarget); qerr != nil {
			sb.debug("StackIP:queueARP", slog.String("err", qerr.Error()))
		}
	}
	if !found {
		sb.debug("StackIP:encapsulate:arp-miss", slog.String("addr", netip.AddrFrom4(arpTarget).String()))
		return 0, nil
	}
	internal.SetDestHWAddr(carrierData[:offsetToFrame], destHwAddr)

	return totalLen, nil
}

func (sb *StackIP) Register(h StackNode) error {
	proto := h.Protocol()
	if proto > 255 {
		return errInvalidProto
	}
	return sb.handlers.registerByProto(nodeFromStackNode(h, h.LocalPort(), proto, nil))
}

func (sb *StackIP) recvicmp(carrierData []byte, offset int) error {
	var crc simnet.CRC791
	cfrm, err := icmpv4.NewFrame(carrierData[offset:])
	if err != nil {
		return err
	}
	cfrm.CRCWrite(&crc)
	if crc.Sum16() != cfrm.CRC() {
		return errors.New("ICMP CRC mismatch")
	}
	return nil
}

type logger struct {
	log *slog.Logger
}

func (l logger) error(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelError, msg, attrs...)
}
func (l logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}
func (l logger) warn(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelWarn, msg, attrs...)
}
func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}
func (l logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
}
