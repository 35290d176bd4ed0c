package internet

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/opennetlab/simnet/async"
)

// Link models the "at most one packet on the wire at a time" constraint of
// a serial channel: an interface occupies the link for a duration derived
// from packet size and configured bandwidth, and
// sockets wanting to write while it is busy register as interested
// parties that get woken once the link goes idle again. The token-bucket
// accounting is delegated to [rate.Limiter] rather than hand-rolled, since
// "how long does N bytes occupy a channel of bandwidth B" is exactly what a
// rate limiter's reservation answers; Link only adds the busy-until/waiter
// bookkeeping on top.
type Link struct {
	limiter *rate.Limiter
	// perByte is the serialization time of one byte at the configured
	// bandwidth. A frame always occupies the wire for at least
	// nbytes*perByte even while the limiter still has burst credit, since
	// a serial link transmits one bit at a time no matter how idle it was.
	perByte   time.Duration
	busyUntil time.Time
	waiters   []*async.Waker
}

// NewLink returns a Link modeling a channel of the given bandwidth (bytes
// per second) whose largest single packet is at most burstBytes (typically
// the interface MTU plus header overhead).
func NewLink(bandwidthBytesPerSec float64, burstBytes int) *Link {
	return &Link{
		limiter: rate.NewLimiter(rate.Limit(bandwidthBytesPerSec), burstBytes),
		perByte: time.Duration(float64(time.Second) / bandwidthBytesPerSec),
	}
}

// TrySend attempts to put an nbytes packet on the wire at time now. If the
// link is idle, it reports ok=true and the instant the link will become
// busy until (the caller should actually transmit the packet). If the link
// is currently busy, or nbytes exceeds what the link could ever carry in
// one packet, it reports ok=false and the caller must not send; it should
// instead call RegisterWriteInterest and wait.
func (lk *Link) TrySend(now time.Time, nbytes int) (busyUntil time.Time, ok bool) {
	if now.Before(lk.busyUntil) {
		return lk.busyUntil, false
	}
	r := lk.limiter.ReserveN(now, nbytes)
	if !r.OK() {
		r.Cancel()
		return now, false
	}
	occupancy := time.Duration(nbytes) * lk.perByte
	if d := r.DelayFrom(now); d > occupancy {
		occupancy = d
	}
	lk.busyUntil = now.Add(occupancy)
	return lk.busyUntil, true
}

// BusyUntil reports the instant the link is next idle. Zero means idle now.
func (lk *Link) BusyUntil() time.Time { return lk.busyUntil }

// RegisterWriteInterest queues w to be asserted the next time Tick observes
// the link has gone idle. Registering the same waker twice before it fires
// is harmless: Waker.Assert is idempotent.
func (lk *Link) RegisterWriteInterest(w *async.Waker) {
	lk.waiters = append(lk.waiters, w)
}

// Tick asserts every registered write-interested waker once the link has
// become idle as of now, then clears the waiter list. It is a no-op while
// still busy or when nothing is waiting. The owning node calls Tick once
// per event-loop iteration, the same way Listener/Endpoint timers are
// driven from outside rather than self-scheduling.
func (lk *Link) Tick(now time.Time) {
	if now.Before(lk.busyUntil) || len(lk.waiters) == 0 {
		return
	}
	for _, w := range lk.waiters {
		w.Assert()
	}
	lk.waiters = lk.waiters[:0]
}
