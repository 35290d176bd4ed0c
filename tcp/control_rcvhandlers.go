package tcp

// Per-state receive handlers invoked from ControlBlock.Recv. Each returns
// the control flags that should be queued for the next outgoing segment.

func (tcb *ControlBlock) rcvListen(seg Segment) (pending Flags, err error) {
	if !seg.Flags.HasAll(FlagSYN) {
		return 0, errExpectedSYN
	}
	tcb.resetSnd(tcb.snd.ISS, seg.WND)
	tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	tcb.pending[0] = synack
	tcb.state = StateSynRcvd
	return synack, nil
}

func (tcb *ControlBlock) rcvSynSent(seg Segment) (pending Flags, err error) {
	hasSyn := seg.Flags.HasAny(FlagSYN)
	hasAck := seg.Flags.HasAny(FlagACK)
	switch {
	case !hasSyn:
		return 0, errExpectedSYN
	case hasAck && seg.ACK != tcb.snd.UNA+1:
		return 0, errBadSegack
	}

	if hasAck {
		tcb.state = StateEstablished
		pending = FlagACK
		tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	} else {
		// Simultaneous open: both sides sent SYN before seeing the other's.
		pending = synack
		tcb.state = StateSynRcvd
		tcb.resetSnd(tcb.snd.ISS, seg.WND)
		tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	}
	return pending, nil
}

func (tcb *ControlBlock) rcvSynRcvd(seg Segment) (pending Flags, err error) {
	if seg.ACK != tcb.snd.UNA+1 {
		return 0, errBadSegack
	}
	tcb.state = StateEstablished
	return 0, nil
}

func (tcb *ControlBlock) rcvEstablished(seg Segment) (pending Flags, err error) {
	flags := seg.Flags
	dataToAck := seg.DATALEN > 0
	hasFin := flags.HasAny(FlagFIN)
	if dataToAck || hasFin {
		pending = FlagACK
		if hasFin {
			tcb.state = StateCloseWait
			tcb.pending[1] = FlagFIN // Queued for after the CloseWait ACK.
		}
	}
	return pending, nil
}

func (tcb *ControlBlock) rcvFinWait1(seg Segment) (pending Flags, err error) {
	flags := seg.Flags
	hasFin := flags&FlagFIN != 0
	hasAck := flags&FlagACK != 0
	switch {
	case hasFin && hasAck && seg.ACK == tcb.snd.NXT:
		// Peer's FIN|ACK answers our own FIN: skip FinWait2 entirely.
		tcb.state = StateTimeWait
	case hasFin:
		tcb.state = StateClosing
	case hasAck:
		tcb.state = StateFinWait2
	default:
		return 0, errFinwaitExpectedACK
	}
	return FlagACK, nil
}

func (tcb *ControlBlock) rcvFinWait2(seg Segment) (pending Flags, err error) {
	if !seg.Flags.HasAll(finack) {
		return 0, errFinwaitExpectedFinack
	}
	tcb.state = StateTimeWait
	return FlagACK, nil
}
