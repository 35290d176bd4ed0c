package tcp

import (
	"log/slog"
	"math"
)

// ControlBlock is a sequence-space-only implementation of the Transmission
// Control Block described in RFC 9293 section 3.3.1. It tracks send/receive
// sequence spaces and the state machine, validates and admits segments, and
// decides what control flags are pending to send next. It intentionally
// knows nothing about byte buffers, retransmission timers, or congestion
// control: those live in Retransmitter, CongestionController and Endpoint,
// which compose a ControlBlock rather than extend it. This keeps the
// sequence-number arithmetic, which is the part most likely to hide subtle
// off-by-one bugs, isolated and easy to test in isolation.
//
// Only sequential incoming segments are accepted; out-of-order segments
// must be reassembled by a reorderBuffer before being handed to Recv.
type ControlBlock struct {
	snd          sendSpace
	rcv          recvSpace
	rstPtr       Value // sequence number to use for a pending RST, so it looks "believable" to the peer.
	pending      [2]Flags
	state        State
	challengeAck bool
	logger
}

// State returns the current connection state.
func (tcb *ControlBlock) State() State { return tcb.state }

// RecvNext returns the next sequence number expected from the remote peer.
func (tcb *ControlBlock) RecvNext() Value { return tcb.rcv.NXT }

// RecvWindow returns the locally advertised receive window.
func (tcb *ControlBlock) RecvWindow() Size { return tcb.rcv.WND }

// SendUNA returns the oldest unacknowledged sequence number sent locally.
func (tcb *ControlBlock) SendUNA() Value { return tcb.snd.UNA }

// SendNext returns the next sequence number to be used for new data.
func (tcb *ControlBlock) SendNext() Value { return tcb.snd.NXT }

// SendWindow returns the window most recently advertised by the remote peer.
func (tcb *ControlBlock) SendWindow() Size { return tcb.snd.WND }

// ISS returns the initial send sequence number chosen when the connection
// was opened.
func (tcb *ControlBlock) ISS() Value { return tcb.snd.ISS }

// IRS returns the initial receive sequence number learned from the peer.
func (tcb *ControlBlock) IRS() Value { return tcb.rcv.IRS }

// MaxInFlightData returns how many further octets may be sent without
// exceeding the peer's advertised window. Returns 0 before the handshake
// has produced an IRS.
func (tcb *ControlBlock) MaxInFlightData() Size {
	if !tcb.state.hasIRS() {
		return 0
	}
	unacked := tcb.snd.inFlight()
	if unacked >= tcb.snd.WND {
		return 0
	}
	return tcb.snd.WND - unacked
}

// SetRecvWindow sets the locally advertised receive window.
func (tcb *ControlBlock) SetRecvWindow(wnd Size) { tcb.rcv.WND = wnd }

// SetLogger attaches a structured logger used for trace/debug output.
func (tcb *ControlBlock) SetLogger(log *slog.Logger) { tcb.logger = logger{log: log} }

// IncomingIsKeepalive reports whether seg looks like a TCP keepalive probe
// (one stale octet of previously-acked data, no new information). Keepalive
// segments must not be passed to Recv.
func (tcb *ControlBlock) IncomingIsKeepalive(seg Segment) bool {
	return seg.SEQ == tcb.rcv.NXT-1 && seg.Flags == FlagACK && seg.ACK == tcb.snd.NXT && seg.DATALEN == 0
}

// MakeKeepalive builds a keepalive segment. It must not be passed to Send.
func (tcb *ControlBlock) MakeKeepalive() Segment {
	return Segment{SEQ: tcb.snd.NXT - 1, ACK: tcb.rcv.NXT, Flags: FlagACK, WND: tcb.rcv.WND}
}

// sendSpace is the send sequence space of RFC 9293 Figure 3.
type sendSpace struct {
	ISS Value
	UNA Value
	NXT Value
	WND Size
}

func (snd *sendSpace) inFlight() Size { return Sizeof(snd.UNA, snd.NXT) }
func (snd *sendSpace) maxSend() Size {
	inflight := snd.inFlight()
	if inflight >= snd.WND {
		return 0
	}
	return snd.WND - inflight
}

// recvSpace is the receive sequence space of RFC 9293 Figure 4.
type recvSpace struct {
	IRS Value
	NXT Value
	WND Size
}

// Open performs a passive open: the ControlBlock enters Listen and waits for
// an incoming SYN. Active opens are driven by calling Send with a segment
// built by ClientSynSegment.
func (tcb *ControlBlock) Open(iss Value, wnd Size) error {
	switch {
	case tcb.state != StateClosed && tcb.state != StateListen:
		return errTCBNotClosed
	case wnd > math.MaxUint16:
		return errWindowTooLarge
	}
	tcb.state = StateListen
	tcb.prepareToHandshake(iss, wnd)
	tcb.trace("tcb:open-server")
	return nil
}

func (tcb *ControlBlock) prepareToHandshake(iss Value, wnd Size) {
	tcb.resetRcv(wnd, 0)
	tcb.resetSnd(iss, 1)
	tcb.pending = [2]Flags{}
}

// HasPending reports whether a control segment is queued to send.
func (tcb *ControlBlock) HasPending() bool { return tcb.pending[0] != 0 }

// PendingSegment computes the next segment to send carrying up to
// payloadLen octets of data. It mutates no ControlBlock state except that
// returning a pending challenge ACK consumes it. Send must be called
// afterward with the returned segment to commit the advance.
func (tcb *ControlBlock) PendingSegment(payloadLen int) (_ Segment, ok bool) {
	if tcb.challengeAck {
		tcb.challengeAck = false
		return Segment{SEQ: tcb.snd.NXT, ACK: tcb.rcv.NXT, Flags: FlagACK, WND: tcb.rcv.WND}, true
	}
	pending := tcb.pending[0]
	established := tcb.state == StateEstablished
	if !established && tcb.state != StateCloseWait {
		payloadLen = 0
	}
	if pending == 0 && payloadLen == 0 {
		return Segment{}, false
	}

	maxPayload := tcb.snd.maxSend()
	if payloadLen > int(maxPayload) {
		if maxPayload == 0 && !tcb.pending[0].HasAny(FlagFIN|FlagRST|FlagSYN) {
			return Segment{}, false
		}
		payloadLen = int(maxPayload)
	}

	if established {
		pending |= FlagACK
	} else {
		payloadLen = 0
	}

	var ack Value
	if pending.HasAny(FlagACK) {
		ack = tcb.rcv.NXT
	}
	seq := tcb.snd.NXT
	if pending.HasAny(FlagRST) {
		seq = tcb.rstPtr
	}

	seg := Segment{SEQ: seq, ACK: ack, WND: tcb.rcv.WND, Flags: pending, DATALEN: Size(payloadLen)}
	tcb.traceSeg("tcb:pending-out", seg)
	return seg, true
}

// Recv admits an incoming segment, updating state if it is accepted. The
// caller must have already reassembled segments into sequential order;
// Recv rejects anything whose SEQ is not exactly rcv.NXT.
func (tcb *ControlBlock) Recv(seg Segment) error {
	if err := tcb.validateIncomingSegment(seg); err != nil {
		tcb.traceSeg("tcb:rcv.reject", seg)
		tcb.logerr("tcb:rcv.reject", slog.String("err", err.Error()))
		return err
	}

	var pending Flags
	var err error
	switch tcb.state {
	case StateListen:
		pending, err = tcb.rcvListen(seg)
	case StateSynSent:
		pending, err = tcb.rcvSynSent(seg)
	case StateSynRcvd:
		pending, err = tcb.rcvSynRcvd(seg)
	case StateEstablished:
		pending, err = tcb.rcvEstablished(seg)
	case StateFinWait1:
		pending, err = tcb.rcvFinWait1(seg)
	case StateFinWait2:
		pending, err = tcb.rcvFinWait2(seg)
	case StateCloseWait:
		// Late data after our peer's FIN: no state change. Already reassembled, simply acked below.
	case StateLastAck:
		if seg.Flags.HasAny(FlagACK) {
			tcb.close()
		}
	case StateClosing:
		if seg.Flags.HasAny(FlagACK) {
			tcb.state = StateTimeWait
		}
	default:
		panic("tcp: unexpected recv state " + tcb.state.String())
	}
	if err != nil {
		return err
	}

	tcb.pending[0] |= pending
	tcb.snd.WND = seg.WND
	if seg.Flags.HasAny(FlagACK) {
		tcb.snd.UNA = seg.ACK
	}
	tcb.rcv.NXT.UpdateForward(seg.LEN())
	tcb.traceSeg("tcb:rcv", seg)
	return nil
}

// Send admits an outgoing segment, advancing state and sequence counters.
func (tcb *ControlBlock) Send(seg Segment) error {
	if err := tcb.validateOutgoingSegment(seg); err != nil {
		tcb.traceSeg("tcb:snd.reject", seg)
		tcb.logerr("tcb:snd.reject", slog.String("err", err.Error()))
		return err
	}

	hasFIN := seg.Flags.HasAny(FlagFIN)
	hasACK := seg.Flags.HasAny(FlagACK)
	var newPending Flags
	switch tcb.state {
	case StateClosed:
		if seg.Flags == FlagSYN {
			tcb.state = StateSynSent
			tcb.prepareToHandshake(seg.SEQ, seg.WND)
			tcb.trace("tcb:open-client")
		}
	case StateSynRcvd:
		if hasFIN {
			tcb.state = StateFinWait1
		}
	case StateClosing:
		if hasACK {
			tcb.state = StateTimeWait
		}
	case StateEstablished:
		if hasFIN {
			tcb.state = StateFinWait1
		}
	case StateCloseWait:
		if hasFIN {
			tcb.state = StateLastAck
		} else if hasACK {
			newPending = finack
		}
	}

	tcb.pending[0] &^= seg.Flags
	if tcb.pending[0] == 0 {
		tcb.pending = [2]Flags{tcb.pending[1] &^ (seg.Flags & FlagFIN), 0}
	}
	tcb.pending[0] |= newPending

	tcb.snd.NXT.UpdateForward(seg.LEN())
	tcb.rcv.WND = seg.WND
	tcb.traceSeg("tcb:snd", seg)
	return nil
}

func (tcb *ControlBlock) validateOutgoingSegment(seg Segment) error {
	hasAck := seg.Flags.HasAny(FlagACK)
	isFirst := tcb.state == StateClosed && seg.isFirstSYN()
	checkSeq := !isFirst && !seg.Flags.HasAny(FlagRST)
	seglast := seg.Last()
	zeroWindowOK := tcb.snd.WND == 0 && seg.DATALEN == 0 && seg.SEQ == tcb.snd.NXT
	outOfWindow := checkSeq && !seg.SEQ.InWindow(tcb.snd.NXT, tcb.snd.WND) && !zeroWindowOK

	switch {
	case tcb.state == StateClosed && !isFirst:
		return errClosedPipe
	case seg.WND > math.MaxUint16:
		return errWindowTooLarge
	case hasAck && seg.ACK != tcb.rcv.NXT:
		return errAckNotNext
	case outOfWindow:
		if tcb.snd.WND == 0 {
			return errZeroWindow
		}
		return errSeqNotInWindow
	case seg.DATALEN > 0 && (tcb.state == StateFinWait1 || tcb.state == StateFinWait2):
		return errConnectionClosing
	case checkSeq && tcb.snd.WND == 0 && seg.DATALEN > 0 && seg.SEQ == tcb.snd.NXT:
		return errZeroWindow
	case checkSeq && !seglast.InWindow(tcb.snd.NXT, tcb.snd.WND) && !zeroWindowOK:
		return errLastNotInWindow
	}
	return nil
}

func (tcb *ControlBlock) validateIncomingSegment(seg Segment) error {
	flags := seg.Flags
	hasAck := flags.HasAll(FlagACK)
	checkSEQ := !flags.HasAny(FlagSYN)
	established := tcb.state == StateEstablished
	preestablished := tcb.state.IsPreestablished()
	acksOld := hasAck && !tcb.snd.UNA.LessThan(seg.ACK)
	acksUnsentData := hasAck && !seg.ACK.LessThanEq(tcb.snd.NXT)
	ctlOrDataSegment := established && (seg.DATALEN > 0 || flags.HasAny(FlagFIN|FlagRST))
	zeroWindowOK := tcb.rcv.WND == 0 && seg.DATALEN == 0 && seg.SEQ == tcb.rcv.NXT

	switch {
	case seg.WND > math.MaxUint16:
		return errWindowOverflow
	case tcb.state == StateClosed:
		return errClosedPipe
	case checkSEQ && tcb.rcv.WND == 0 && seg.DATALEN > 0 && seg.SEQ == tcb.rcv.NXT:
		return errZeroWindow
	case checkSEQ && !seg.SEQ.InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		return errSeqNotInWindow
	case checkSEQ && !seg.Last().InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		return errLastNotInWindow
	case checkSEQ && seg.SEQ != tcb.rcv.NXT:
		return errRequireSequential
	}

	if flags.HasAny(FlagRST) {
		return tcb.handleRST(seg.SEQ)
	}

	switch {
	case established && acksOld && !ctlOrDataSegment:
		tcb.pending[0] &= FlagFIN
		tcb.debug("rcv:ack-dup", slog.Uint64("seg.ack", uint64(seg.ACK)), slog.Uint64("snd.una", uint64(tcb.snd.UNA)))
		return errDropSegment

	case established && acksUnsentData:
		tcb.pending[0] = FlagACK
		tcb.debug("rcv:ack-unsent", slog.Uint64("seg.ack", uint64(seg.ACK)), slog.Uint64("snd.nxt", uint64(tcb.snd.NXT)))
		return errDropSegment

	case preestablished && (acksOld || acksUnsentData):
		tcb.pending[0] = FlagRST
		tcb.rstPtr = seg.ACK
		tcb.resetSnd(tcb.snd.ISS, seg.WND)
		tcb.debug("rcv:rst-old", slog.Uint64("ack", uint64(seg.ACK)))
		return errDropSegment
	}
	return nil
}

func (tcb *ControlBlock) resetSnd(localISS Value, remoteWND Size) {
	tcb.snd = sendSpace{ISS: localISS, UNA: localISS, NXT: localISS, WND: remoteWND}
}

func (tcb *ControlBlock) resetRcv(localWND Size, remoteISS Value) {
	tcb.rcv = recvSpace{IRS: remoteISS, NXT: remoteISS, WND: localWND}
}

// rstReseedConstant reseeds IRS when a reset bounces a preestablished
// connection back to Listen, so a stale peer retry can't accidentally
// collide with the sequence space of the aborted attempt.
const rstReseedConstant = 0x3141592653 & 0xFFFFFFFF

func (tcb *ControlBlock) handleRST(seq Value) error {
	tcb.debug("rcv:rst", slog.String("state", tcb.state.String()))
	if seq != tcb.rcv.NXT {
		// A RST whose SEQ is not exactly RCV.NXT is answered with a challenge
		// ACK, not a reset. validateIncomingSegment already drops such a RST
		// without an ACK unless it also carries SYN, so only SYN|RST segments
		// reach this branch.
		tcb.challengeAck = true
		tcb.pending[0] |= FlagACK
		return errDropSegment
	}
	if tcb.state.IsPreestablished() {
		tcb.pending[0] = 0
		tcb.state = StateListen
		tcb.resetSnd(tcb.snd.ISS+tcb.rstJump(), tcb.snd.WND)
		tcb.resetRcv(tcb.rcv.WND, Value(rstReseedConstant)^tcb.rcv.IRS)
		return errDropSegment
	}
	tcb.close()
	return errClosedPipe
}

func (tcb *ControlBlock) rstJump() Value { return 100 }

func (tcb *ControlBlock) close() {
	tcb.state = StateClosed
	tcb.pending = [2]Flags{}
	tcb.resetRcv(0, 0)
	tcb.resetSnd(0, 0)
	tcb.debug("tcb:close")
}

// Close begins active or passive closing of the connection per RFC 9293
// section 3.10.4. It does not immediately free the ControlBlock; pending segments
// drive the rest of the teardown through subsequent PendingSegment/Send
// calls.
func (tcb *ControlBlock) Close() error {
	var err error
	switch tcb.state {
	case StateClosed:
		err = errConnNotexist
	case StateCloseWait:
		tcb.state = StateLastAck
		tcb.pending = [2]Flags{finack, 0}
	case StateListen, StateSynSent:
		tcb.close()
	case StateSynRcvd, StateEstablished:
		tcb.pending[0] = (tcb.pending[0] & FlagACK) | FlagFIN
	case StateFinWait2, StateTimeWait:
		err = errConnectionClosing
	default:
		err = errInvalidState
	}
	if err == nil {
		tcb.trace("tcb:close", slog.String("state", tcb.state.String()))
	} else {
		tcb.logerr("tcb:close", slog.String("err", err.Error()))
	}
	return err
}

// Abort forces the ControlBlock directly into Closed, bypassing the normal
// FIN handshake. Used when a RST must be sent or the connection is being
// discarded outright rather than closed gracefully.
func (tcb *ControlBlock) Abort() { tcb.close() }
