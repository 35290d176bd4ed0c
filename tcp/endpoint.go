package tcp

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/opennetlab/simnet/async"
	"github.com/opennetlab/simnet/internal/ring"
)

const minBufferSize = 64

var (
	errNoRemoteAddr    = errors.New("tcp: no remote address established")
	errBufferTooSmall  = errors.New("tcp: buffer too small")
	errNeedClosedState = errors.New("tcp: endpoint must be closed before reopening")

	// ErrConnectionRefused is returned by Demux when an active open is
	// answered by a matching RST, the wire-level signal for "no listener".
	// The socket layer maps it onto the application-facing error kind.
	ErrConnectionRefused = errors.New("tcp: connection refused")

	// ErrConnectTimeout is returned by Encapsulate when the configured SYN
	// resend budget is exhausted without a SYN|ACK arriving.
	ErrConnectTimeout = errors.New("tcp: connect timed out")
)

// Clock is the simulated-time source an Endpoint consumes for RTT sampling
// and retransmission scheduling. The stack never reads the wall clock
// itself (spec: "the stack does not do time itself"); the host node injects
// one Clock per I/O context via SetClock.
type Clock interface {
	Now() time.Time
}

// clockFunc adapts a bare function to Clock, letting tests inject a
// deterministic simulation clock without defining a named type.
type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// Endpoint is a single TCP connection: the state machine in ControlBlock,
// the send/receive byte queues, out-of-order reassembly, RTO tracking and
// congestion control, wired together into the read/write/open/close surface
// a socket layer drives. Unlike a blocking net.Conn, Endpoint never parks a
// goroutine; reads and writes that cannot complete immediately register an
// async.Waker and return, and the driving event loop calls Demux/Encapsulate
// and checks timers once per simulation tick.
type Endpoint struct {
	connID  uint64
	scb     ControlBlock
	reorder *reorderBuffer
	retrans *Retransmitter
	cc      *CongestionController

	sendBuf     ring.Buffer
	recvBuf     ring.Buffer
	sendUnacked int // bytes at the front of sendBuf already sent (between SND.UNA and SND.NXT).

	localPort  uint16
	remotePort uint16
	remoteAddr []byte
	iss        Value // chosen ISS, used to build the first SYN of an active open.
	clock      Clock

	closing       bool
	mss           uint16
	cfgMSS        uint16
	ccDisabled    bool
	cfgSynRetries uint8
	synResends    uint8

	optcodec OptionCodec

	readWaker  async.Waker
	writeWaker async.Waker

	logger
}

// EndpointConfig supplies the fixed-size buffers an Endpoint needs before it
// can be opened, plus the per-connection options that survive reopening.
type EndpointConfig struct {
	TxBuf []byte
	RxBuf []byte
	// MSS caps outgoing segment payloads and is advertised in our SYN in
	// place of the receive buffer size. Zero means no explicit MSS: the
	// receive buffer size is advertised and the peer's option alone caps
	// segments.
	MSS uint16
	// DisableCongestionControl bounds the sender by the peer's advertised
	// window alone, ignoring cwnd.
	DisableCongestionControl bool
	// SynRetries bounds how many times an unanswered SYN is retransmitted
	// before the connection attempt aborts with ErrConnectTimeout. Zero
	// means retry until the retransmission backoff cap, indefinitely.
	SynRetries uint8
}

// SetLogger attaches a structured logger used for trace/debug output.
func (e *Endpoint) SetLogger(log *slog.Logger) {
	e.logger = logger{log: log}
	e.scb.SetLogger(log)
}

// SetClock installs the simulated-time source used for RTT sampling and
// retransmission deadlines. Until called, Endpoint falls back to the wall
// clock, which is adequate outside of deterministic tests.
func (e *Endpoint) SetClock(c Clock) { e.clock = c }

func (e *Endpoint) now() time.Time {
	if e.clock != nil {
		return e.clock.Now()
	}
	return time.Now()
}

// Configure installs send/receive buffers. The endpoint must be closed.
func (e *Endpoint) Configure(cfg EndpointConfig) error {
	if !e.scb.State().IsClosed() {
		return errNeedClosedState
	}
	if len(cfg.TxBuf) < minBufferSize || len(cfg.RxBuf) < minBufferSize {
		return errBufferTooSmall
	}
	e.sendBuf = ring.Buffer{Buf: cfg.TxBuf}
	e.recvBuf = ring.Buffer{Buf: cfg.RxBuf}
	e.cfgMSS = cfg.MSS
	e.ccDisabled = cfg.DisableCongestionControl
	e.cfgSynRetries = cfg.SynRetries
	return nil
}

func (e *Endpoint) reset(localPort, remotePort uint16) {
	e.connID++
	e.localPort = localPort
	e.remotePort = remotePort
	e.remoteAddr = e.remoteAddr[:0]
	e.sendBuf.Reset()
	e.recvBuf.Reset()
	e.sendUnacked = 0
	e.closing = false
	e.mss = 0
	e.synResends = 0
	e.retrans = NewRetransmitter()
	e.reorder = newReorderBuffer(4 * len(e.recvBuf.Buf))
	e.cc = nil
	e.readWaker.Clear()
	e.writeWaker.Clear()
}

// AwaitingSynSend reports whether this is an actively-opened endpoint that
// has not yet transmitted its initial SYN.
func (e *Endpoint) AwaitingSynSend() bool {
	return e.remotePort != 0 && e.scb.State() == StateClosed
}

// OpenActive begins an active (client-initiated) connection to
// remoteAddr:remotePort. The first SYN is actually sent on the next
// Encapsulate call.
func (e *Endpoint) OpenActive(localPort, remotePort uint16, remoteAddr []byte, iss Value) error {
	if remotePort == 0 {
		return errors.New("tcp: zero remote port")
	} else if len(e.sendBuf.Buf) < minBufferSize || len(e.recvBuf.Buf) < minBufferSize {
		return errBufferTooSmall
	}
	switch e.scb.State() {
	case StateClosed:
	case StateTimeWait:
		e.scb.Abort() // force back to Closed so the handshake can restart.
	default:
		return errNeedClosedState
	}
	e.reset(localPort, remotePort)
	e.remoteAddr = append(e.remoteAddr[:0], remoteAddr...)
	e.iss = iss
	e.scb.SetRecvWindow(Size(len(e.recvBuf.Buf)))
	e.debug("tcp.Endpoint:dial", slog.Uint64("lport", uint64(localPort)), slog.Uint64("rport", uint64(remotePort)))
	return nil
}

// OpenListen prepares a passive endpoint spawned by a Listener to receive the
// first SYN of a new incoming connection.
func (e *Endpoint) OpenListen(localPort uint16, iss Value) error {
	if localPort == 0 {
		return errors.New("tcp: zero local port")
	} else if len(e.sendBuf.Buf) < minBufferSize || len(e.recvBuf.Buf) < minBufferSize {
		return errBufferTooSmall
	}
	err := e.scb.Open(iss, Size(len(e.recvBuf.Buf)))
	if err != nil {
		return err
	}
	e.reset(localPort, 0)
	e.debug("tcp.Endpoint:listen", slog.Uint64("lport", uint64(localPort)))
	return nil
}

// State returns the current RFC 9293 connection state.
func (e *Endpoint) State() State { return e.scb.State() }

// LocalPort returns the bound local port, or 0 if unopened.
func (e *Endpoint) LocalPort() uint16 { return e.localPort }

// RemotePort returns the connected peer's port, or 0 before the handshake
// completes for a passively opened endpoint.
func (e *Endpoint) RemotePort() uint16 { return e.remotePort }

// RemoteAddr returns the connected peer's address.
func (e *Endpoint) RemoteAddr() []byte { return e.remoteAddr }

// ConnectionID increments each time the endpoint is reset, letting callers
// holding a stale reference detect that it now refers to a different
// connection.
func (e *Endpoint) ConnectionID() *uint64 { return &e.connID }

// Protocol implements the stack node contract used for demultiplexing.
func (e *Endpoint) Protocol() uint64 { return 6 } // IANA TCP protocol number.

// ReadWaker returns the waker asserted when buffered input becomes
// available, the peer closes, or the connection aborts.
func (e *Endpoint) ReadWaker() *async.Waker { return &e.readWaker }

// WriteWaker returns the waker asserted when send-buffer space frees up.
func (e *Endpoint) WriteWaker() *async.Waker { return &e.writeWaker }

// Write queues b to be sent. It never blocks; if insufficient space exists
// it writes as many leading bytes of b as fit and returns that count.
func (e *Endpoint) Write(b []byte) (int, error) {
	if e.closing {
		return 0, errConnectionClosing
	} else if !e.scb.State().isOpen() {
		return 0, net.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	free := e.sendBuf.Free()
	if free == 0 {
		return 0, nil
	}
	if len(b) > free {
		b = b[:free]
	}
	return e.sendBuf.Write(b)
}

// Read copies buffered, in-order received data into b. Returns io.EOF once
// the peer has closed its side and all buffered data has been consumed.
func (e *Endpoint) Read(b []byte) (int, error) {
	if e.recvBuf.Buffered() > 0 {
		n, err := e.recvBuf.Read(b)
		e.syncRecvWindow()
		return n, err
	}
	state := e.State()
	if state.IsClosed() {
		return 0, net.ErrClosed
	}
	if !state.isOpen() || state.IsClosing() {
		return 0, io.EOF
	}
	return 0, nil
}

// BufferedInput reports bytes available for Read.
func (e *Endpoint) BufferedInput() int { return e.recvBuf.Buffered() }

// BufferedUnsent reports bytes written but not yet handed to Send.
func (e *Endpoint) BufferedUnsent() int { return e.sendBuf.Buffered() - e.sendUnacked }

// AvailableOutput reports remaining send-buffer capacity.
func (e *Endpoint) AvailableOutput() int { return e.sendBuf.Free() }

// Close begins a graceful shutdown: once all buffered output has drained, a
// FIN is sent.
func (e *Endpoint) Close() error {
	if e.closing {
		return errConnectionClosing
	} else if e.State().IsClosed() {
		return net.ErrClosed
	}
	e.closing = true
	return nil
}

// Abort immediately terminates the connection without a graceful close.
func (e *Endpoint) Abort() {
	e.scb.Abort()
	e.reset(0, 0)
}

// Demux processes one incoming TCP frame addressed to this endpoint.
// tcpData is the TCP segment starting at its own header (no IP header).
func (e *Endpoint) Demux(remoteAddr []byte, tcpData []byte) error {
	frm, err := NewFrame(tcpData)
	if err != nil {
		return err
	}
	if err := frm.ValidateSize(); err != nil {
		return err
	}
	remotePort := frm.SourcePort()
	if e.remotePort != 0 && remotePort != e.remotePort {
		return errors.New("tcp: source port mismatch")
	}
	if frm.DestinationPort() != e.localPort {
		return errors.New("tcp: destination port mismatch")
	}
	payload := frm.Payload()
	seg := frm.Segment(len(payload))

	if e.scb.IncomingIsKeepalive(seg) {
		return nil
	}
	prevState := e.scb.State()

	if seg.Flags.HasAny(FlagSYN) {
		if mss, ok := e.optcodec.ParseMSS(frm.Options()); ok {
			e.mss = mss
		}
		if e.cfgMSS != 0 && (e.mss == 0 || e.cfgMSS < e.mss) {
			e.mss = e.cfgMSS
		}
	}

	if seg.SEQ != e.scb.RecvNext() && seg.DATALEN > 0 && prevState == StateEstablished {
		// Out of sequence: buffer for later instead of rejecting outright.
		e.reorder.Insert(seg, payload)
		return nil
	}

	prevUNA := e.scb.SendUNA()
	hadAck := seg.Flags.HasAny(FlagACK)

	err = e.scb.Recv(seg)
	if err != nil {
		if prevState == StateSynSent && seg.Flags.HasAll(FlagRST|FlagACK) {
			// Our SYN was answered by a reset: nobody is listening there.
			e.scb.Abort()
			e.readWaker.Assert()
			return ErrConnectionRefused
		}
		return err
	}
	if e.scb.State() == StateClosed {
		return net.ErrClosed
	}
	if prevState != e.scb.State() {
		e.debug("tcp.Endpoint:statechange", slog.String("old", prevState.String()), slog.String("new", e.scb.State().String()))
		if e.scb.State() == StateEstablished && !e.ccDisabled {
			e.cc = NewCongestionController(Size(e.mss))
		}
	}
	if seg.DATALEN != 0 {
		if _, err := e.recvBuf.Write(payload); err != nil {
			return err
		}
		e.readWaker.Assert()
	}
	e.drainReorderBuffer()

	newUNA := e.scb.SendUNA()
	ackedBytes := Sizeof(prevUNA, newUNA)
	if ackedBytes > 0 {
		// SYN and FIN consume sequence space without occupying the send
		// buffer; only the data portion drains buffers and feeds cwnd.
		ackedData := ackedBytes
		if int(ackedData) > e.sendUnacked {
			ackedData = Size(e.sendUnacked)
		}
		e.sendBuf.ReadDiscard(int(ackedData))
		e.sendUnacked -= int(ackedData)
		if e.retrans != nil {
			e.retrans.Acked(newUNA, e.now())
		}
		if e.cc != nil && ackedData > 0 {
			e.cc.OnAck(ackedData, newUNA, e.scb.SendWindow())
		}
		e.writeWaker.Assert()
	} else if hadAck && e.cc != nil && e.sendUnacked > 0 {
		if halved := e.cc.OnDuplicateAck(newUNA); halved {
			e.debug("tcp.Endpoint:dupack-halve", slog.Uint64("una", uint64(newUNA)))
		}
	}
	if seg.Flags.HasAny(FlagSYN) && e.remotePort == 0 {
		e.remotePort = remotePort
		e.remoteAddr = append(e.remoteAddr[:0], remoteAddr...)
	}
	if seg.Flags.HasAny(FlagFIN) {
		e.readWaker.Assert()
	}
	e.syncRecvWindow()
	return nil
}

// syncRecvWindow keeps the advertised receive window equal to the free
// space of the receive buffer, so the peer cannot overrun what the
// application has yet to consume.
func (e *Endpoint) syncRecvWindow() {
	if len(e.recvBuf.Buf) != 0 && !e.scb.State().IsClosed() {
		e.scb.SetRecvWindow(Size(e.recvBuf.Free()))
	}
}

// drainReorderBuffer delivers any buffered segments that now continue
// contiguously from RecvNext, looping until a gap remains.
func (e *Endpoint) drainReorderBuffer() {
	if e.reorder == nil {
		return
	}
	for {
		seg, payload, ok := e.reorder.Next(e.scb.RecvNext())
		if !ok {
			return
		}
		if err := e.scb.Recv(seg); err != nil {
			return
		}
		if seg.DATALEN != 0 {
			e.recvBuf.Write(payload)
			e.readWaker.Assert()
		}
	}
}

// Encapsulate writes the next outgoing TCP frame, if any, into b (which must
// have room for at least sizeHeaderTCP+options+payload). Returns n==0,
// err==nil when there is nothing to send right now.
func (e *Endpoint) Encapsulate(b []byte) (int, error) {
	if len(e.remoteAddr) == 0 && e.scb.State() != StateListen {
		return 0, errNoRemoteAddr
	}
	frm, err := NewFrame(b)
	if err != nil {
		return 0, err
	}

	if seg, ok := e.retransmitDue(); ok {
		if seg.Flags.HasAny(FlagSYN) && e.scb.State() == StateSynSent {
			e.synResends++
			if e.cfgSynRetries > 0 && e.synResends > e.cfgSynRetries {
				e.debug("tcp.Endpoint:connect-timeout", slog.Uint64("resends", uint64(e.synResends)))
				e.Abort()
				e.readWaker.Assert()
				return 0, ErrConnectTimeout
			}
		}
		return e.encodeSegment(frm, seg, resend(true))
	}

	if e.AwaitingSynSend() {
		seg := ClientSynSegment(e.iss, Size(len(e.recvBuf.Buf)))
		return e.encodeSegment(frm, seg, resend(false))
	}

	unsent := e.BufferedUnsent()
	if unsent == 0 && e.closing {
		e.closing = false
		if err := e.scb.Close(); err != nil {
			e.Abort()
			return 0, io.EOF
		}
	}

	available := min(unsent, len(b)-sizeHeaderTCP)
	if e.mss > 0 {
		available = min(available, int(e.mss))
	}
	if e.cc != nil {
		available = min(available, int(e.cc.CanSend(Size(e.sendUnacked))))
	}
	seg, ok := e.scb.PendingSegment(available)
	if !ok {
		return 0, nil
	}
	if available > 0 {
		n, err := e.sendBuf.ReadAt(b[sizeHeaderTCP:sizeHeaderTCP+int(seg.DATALEN)], int64(e.sendUnacked))
		if err != nil {
			return 0, err
		} else if n != int(seg.DATALEN) {
			return 0, errors.New("tcp: short send buffer read")
		}
	}
	return e.encodeSegment(frm, seg, resend(false))
}

func (e *Endpoint) retransmitDue() (Segment, bool) {
	if e.retrans == nil {
		return Segment{}, false
	}
	seg, ok := e.retrans.Expired(e.now())
	if !ok {
		return Segment{}, false
	}
	e.retrans.Backoff(e.now())
	if e.cc != nil {
		e.cc.OnRTO()
	}
	return seg, true
}

// resend marks whether encodeSegment is re-emitting an already-accounted-for
// segment (true) or committing a brand new one to ControlBlock (false).
type resend bool

func (e *Endpoint) encodeSegment(frm Frame, seg Segment, isResend resend) (int, error) {
	offset := uint8(5)
	if seg.Flags.HasAny(FlagSYN) {
		advertised := uint16(len(e.recvBuf.Buf))
		if e.cfgMSS != 0 && e.cfgMSS < advertised {
			advertised = e.cfgMSS
		}
		e.optcodec.PutOption16(frm.RawData()[sizeHeaderTCP:], OptMaxSegmentSize, advertised)
		offset++
	}
	prevState := e.scb.State()
	if !bool(isResend) {
		if err := e.scb.Send(seg); err != nil {
			return 0, err
		}
		if seg.DATALEN > 0 {
			e.sendUnacked += int(seg.DATALEN)
		}
		if e.retrans != nil && (seg.DATALEN > 0 || seg.Flags.HasAny(FlagSYN|FlagFIN)) {
			e.retrans.Sent(seg, e.now())
		}
	}
	frm.SetSourcePort(e.localPort)
	frm.SetDestinationPort(e.remotePort)
	frm.SetSegment(seg, offset)
	frm.SetUrgentPtr(0)
	datalen := int(offset)*4 + int(seg.DATALEN)
	if prevState == StateTimeWait && seg.Flags.HasAny(FlagACK) {
		e.reset(0, 0)
	}
	return datalen, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
