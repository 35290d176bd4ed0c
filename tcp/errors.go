package tcp

import "errors"

// Sentinel errors returned by ControlBlock admission checks. Most of these
// are internal "reject and drop" signals rather than application-facing
// errors; callers that need a discriminated error kind should consult
// package errkind instead.
var (
	errDropSegment    = errors.New("tcp: drop segment")
	errWindowTooLarge = errors.New("tcp: invalid window size > 2**16")

	errTCBNotClosed          = errors.New("tcp: control block not closed")
	errInvalidState          = errors.New("tcp: invalid state for operation")
	errConnNotexist          = errors.New("tcp: connection does not exist")
	errConnectionClosing     = errors.New("tcp: connection closing")
	errExpectedSYN           = errors.New("tcp: expected SYN")
	errBadSegack             = errors.New("tcp: bad segment ack")
	errFinwaitExpectedACK    = errors.New("tcp: finwait1 expected ACK")
	errFinwaitExpectedFinack = errors.New("tcp: finwait2 expected FIN|ACK")

	errWindowOverflow    = newRejectErr("wnd > 2**16")
	errSeqNotInWindow    = newRejectErr("seq not in snd/rcv window")
	errZeroWindow        = newRejectErr("zero window")
	errLastNotInWindow   = newRejectErr("segment end not in snd/rcv window")
	errRequireSequential = newRejectErr("seq != rcv.nxt (only sequential segments accepted directly)")
	errAckNotNext        = newRejectErr("ack != snd.nxt")

	errClosedPipe = errors.New("tcp: use of closed connection")
)

func newRejectErr(msg string) *RejectError { return &RejectError{err: "reject segment: " + msg} }

// RejectError is returned when a segment fails admission into a ControlBlock.
// It never indicates a bug in the caller; out-of-window or duplicate segments
// are routine on a lossy or reordering network.
type RejectError struct{ err string }

func (e *RejectError) Error() string { return e.err }
