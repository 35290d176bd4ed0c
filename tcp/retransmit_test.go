package tcp

import (
	"testing"
	"time"
)

func TestRetransmitterSampleUpdatesRTO(t *testing.T) {
	r := NewRetransmitter()
	if r.RTO() != minRTO {
		t.Fatalf("want initial RTO == minRTO, got %v", r.RTO())
	}
	r.Sample(200 * time.Millisecond)
	if r.RTO() <= 0 {
		t.Fatal("want positive RTO after sample")
	}
}

func TestRetransmitterExpiredFiresAfterRTO(t *testing.T) {
	r := NewRetransmitter()
	base := time.Unix(0, 0)
	seg := Segment{SEQ: 1, DATALEN: 10}
	r.Sent(seg, base)
	if _, ok := r.Expired(base); ok {
		t.Fatal("should not expire immediately")
	}
	if _, ok := r.Expired(base.Add(r.RTO() + time.Millisecond)); !ok {
		t.Fatal("want expired after RTO elapses")
	}
}

func TestRetransmitterAckedClearsInFlight(t *testing.T) {
	r := NewRetransmitter()
	base := time.Unix(0, 0)
	seg := Segment{SEQ: 1, DATALEN: 10}
	r.Sent(seg, base)
	r.Acked(11, base.Add(50*time.Millisecond))
	if r.PendingCount() != 0 {
		t.Fatalf("want 0 pending after full ack, got %d", r.PendingCount())
	}
}

func TestRetransmitterBackoffDoublesTimeout(t *testing.T) {
	r := NewRetransmitter()
	base := time.Unix(0, 0)
	seg := Segment{SEQ: 1, DATALEN: 10}
	r.Sent(seg, base)
	rto1 := r.RTO()
	r.Backoff(base.Add(rto1))
	if r.PendingCount() != 1 {
		t.Fatal("backoff should not drop the segment")
	}
	// Backoff at base+rto1 re-arms the timer for twice the RTO.
	if _, ok := r.Expired(base.Add(2 * rto1)); ok {
		t.Fatal("want no expiry one undoubled RTO after backoff")
	}
	if _, ok := r.Expired(base.Add(3 * rto1)); !ok {
		t.Fatal("want expiry once the doubled RTO has elapsed")
	}
}
