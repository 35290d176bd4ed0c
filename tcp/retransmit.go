package tcp

import "time"

// Retransmitter tracks round-trip time estimates and the retransmission
// timeout per RFC 6298, and remembers which in-flight segments are still
// awaiting acknowledgment so it knows what to resend when the timer fires.
// It has no notion of sequence-space validity; ControlBlock already decided
// a segment was worth sending, Retransmitter's only job is noticing when an
// ack never arrived.
type Retransmitter struct {
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	haveRTT bool

	inFlight []inFlightSegment
	deadline time.Time
	backoff  int
}

type inFlightSegment struct {
	seg      Segment
	sentAt   time.Time
	retries  int
}

const (
	minRTO = 1 * time.Second
	maxRTO = 60 * time.Second
	// clockGranularity approximates RFC 6298's G, the timer tick resolution;
	// it is the floor for the RTTVAR*4 term (RTO = SRTT + max(G, 4*RTTVAR))
	// to avoid pathologically tight timeouts on a fast discrete-event clock.
	clockGranularity = 1 * time.Millisecond
)

// NewRetransmitter returns a Retransmitter with RTO seeded to the RFC 6298
// initial value of one second, used until the first RTT sample arrives.
func NewRetransmitter() *Retransmitter {
	return &Retransmitter{rto: minRTO}
}

// RTO returns the current retransmission timeout.
func (r *Retransmitter) RTO() time.Duration { return r.rto }

// Sample feeds a fresh round-trip-time measurement into the SRTT/RTTVAR
// estimators (RFC 6298 section2.2/2.3), alpha=1/8, beta=1/4.
func (r *Retransmitter) Sample(rtt time.Duration) {
	if !r.haveRTT {
		r.srtt = rtt
		r.rttvar = rtt / 2
		r.haveRTT = true
	} else {
		diff := r.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		r.rttvar = (3*r.rttvar + diff) / 4
		r.srtt = (7*r.srtt + rtt) / 8
	}
	r.rto = r.srtt + max(clockGranularity, 4*r.rttvar)
	if r.rto < minRTO {
		r.rto = minRTO
	} else if r.rto > maxRTO {
		r.rto = maxRTO
	}
	r.backoff = 0
}

func max(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// Sent records that seg was just transmitted and should be watched for an
// ack. now is the simulation clock's current time.
func (r *Retransmitter) Sent(seg Segment, now time.Time) {
	r.inFlight = append(r.inFlight, inFlightSegment{seg: seg, sentAt: now})
	if r.deadline.IsZero() {
		r.arm(now)
	}
}

// Acked removes segments fully covered by ack (seg.Last() < ack) from the
// in-flight set and, for each removed segment that was never
// retransmitted, feeds its measured RTT back into Sample (Karn's algorithm:
// a retransmitted segment's RTT sample is ambiguous and must be discarded).
func (r *Retransmitter) Acked(ack Value, now time.Time) {
	kept := r.inFlight[:0]
	for _, s := range r.inFlight {
		if s.seg.Last().LessThan(ack) || s.seg.Last() == ack-1 {
			if s.retries == 0 {
				r.Sample(now.Sub(s.sentAt))
			}
			continue
		}
		kept = append(kept, s)
	}
	r.inFlight = kept
	if len(r.inFlight) == 0 {
		r.deadline = time.Time{}
		r.backoff = 0
	} else {
		r.arm(now)
	}
}

func (r *Retransmitter) arm(now time.Time) {
	r.deadline = now.Add(r.rto << r.backoff)
}

// Expired reports whether the retransmission timer has fired by now, and if
// so returns the oldest unacked segment that must be resent. Calling code
// is responsible for actually resending it and then calling Backoff.
func (r *Retransmitter) Expired(now time.Time) (seg Segment, ok bool) {
	if r.deadline.IsZero() || now.Before(r.deadline) {
		return Segment{}, false
	}
	if len(r.inFlight) == 0 {
		r.deadline = time.Time{}
		return Segment{}, false
	}
	return r.inFlight[0].seg, true
}

// Backoff doubles the retransmission timeout per RFC 6298 section5.5 (exponential
// backoff) and marks the oldest in-flight segment as retransmitted so its
// RTT sample is discarded on the next ack. It must be called exactly once
// per Expired firing that results in an actual retransmission.
func (r *Retransmitter) Backoff(now time.Time) {
	if len(r.inFlight) > 0 {
		r.inFlight[0].retries++
	}
	if r.backoff < 6 { // cap backoff at 64x RTO.
		r.backoff++
	}
	r.arm(now)
}

// PendingCount returns how many segments are currently unacknowledged.
func (r *Retransmitter) PendingCount() int { return len(r.inFlight) }

// Reset clears all in-flight bookkeeping, used when a connection is aborted
// or recycled for reuse from a connection pool.
func (r *Retransmitter) Reset() {
	r.inFlight = r.inFlight[:0]
	r.deadline = time.Time{}
	r.backoff = 0
	r.haveRTT = false
	r.srtt, r.rttvar = 0, 0
	r.rto = minRTO
}
