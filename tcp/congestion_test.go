package tcp

import "testing"

func TestCongestionControllerInitialWindow(t *testing.T) {
	cc := NewCongestionController(536)
	if cc.Window() != 536 {
		t.Fatalf("want initial cwnd of one segment, got %d", cc.Window())
	}
	if cc.Ssthresh() != 4*536 {
		t.Fatalf("want initial ssthresh of four segments, got %d", cc.Ssthresh())
	}
	if !cc.InSlowStart() {
		t.Fatal("want slow start initially")
	}
}

func TestCongestionControllerSlowStartGrowsSegmentPerAck(t *testing.T) {
	cc := NewCongestionController(536)
	cc.OnAck(536, 1001, 4096)
	if cc.Window() != 2*536 {
		t.Fatalf("want cwnd 2*mss after first ack, got %d", cc.Window())
	}
	// A cumulative ack of two segments still grows by one mss.
	cc.OnAck(2*536, 2073, 4096)
	if cc.Window() != 3*536 {
		t.Fatalf("want cwnd 3*mss after second ack, got %d", cc.Window())
	}
}

func TestCongestionControllerAvoidancePacedByWindow(t *testing.T) {
	cc := NewCongestionController(536)
	// Grow past ssthresh: 536 -> 4*536 leaves slow start.
	ack := Value(1)
	for cc.InSlowStart() {
		ack += 536
		cc.OnAck(536, ack, 1<<20)
	}
	start := cc.Window()
	// One window's worth of acked bytes buys exactly one segment of growth.
	ack += Value(start)
	cc.OnAck(start, ack, 1<<20)
	if cc.Window() != start+536 {
		t.Fatalf("want cwnd %d after draining avoidance counter, got %d", start+536, cc.Window())
	}
	// Growth is capped at the peer's advertised window.
	capped := cc.Window()
	ack += Value(capped)
	cc.OnAck(Size(capped), ack, capped)
	if cc.Window() != capped {
		t.Fatalf("cwnd must not exceed peer window: got %d cap %d", cc.Window(), capped)
	}
}

func TestCongestionControllerSecondDuplicateAckHalves(t *testing.T) {
	cc := NewCongestionController(536)
	cc.OnAck(536, 1001, 4096)
	cc.OnAck(536, 1537, 4096)
	cc.OnAck(536, 2073, 4096) // cwnd now 4*536.
	before := cc.Window()

	if halved := cc.OnDuplicateAck(2073); halved {
		t.Fatal("first duplicate must not halve")
	}
	if halved := cc.OnDuplicateAck(2073); !halved {
		t.Fatal("second duplicate must halve")
	}
	if cc.Window() != before/2 {
		t.Fatalf("want cwnd %d after duplicate pair, got %d", before/2, cc.Window())
	}
	// Counter reset: the next duplicate starts a fresh pair.
	if halved := cc.OnDuplicateAck(2073); halved {
		t.Fatal("counter not reset after halving")
	}
}

func TestCongestionControllerDuplicateAckFloor(t *testing.T) {
	cc := NewCongestionController(536)
	cc.OnDuplicateAck(100)
	cc.OnDuplicateAck(100)
	if cc.Window() != 536 {
		t.Fatalf("cwnd floor of one segment violated: %d", cc.Window())
	}
}

func TestCongestionControllerRTOHalvesWithFloor(t *testing.T) {
	cc := NewCongestionController(536)
	cc.OnAck(536, 1001, 4096)
	cc.OnAck(536, 1537, 4096)
	cc.OnAck(536, 2073, 4096) // three acked sends: cwnd = 4*536.
	if cc.Window() != 4*536 {
		t.Fatalf("setup: want cwnd 4*mss, got %d", cc.Window())
	}
	cc.OnRTO()
	if cc.Window() != 2*536 || cc.Ssthresh() != 2*536 {
		t.Fatalf("want cwnd and ssthresh at 2*mss after RTO, got %d %d", cc.Window(), cc.Ssthresh())
	}
	cc.OnRTO()
	if cc.Window() != 536 {
		t.Fatalf("want cwnd mss after second RTO, got %d", cc.Window())
	}
	cc.OnRTO()
	if cc.Window() != 536 {
		t.Fatalf("cwnd floor violated after third RTO: %d", cc.Window())
	}
}

func TestCongestionControllerCanSend(t *testing.T) {
	cc := NewCongestionController(1460)
	if cc.CanSend(cc.Window()) != 0 {
		t.Fatal("want zero sendable room when fully in flight")
	}
	if cc.CanSend(0) != cc.Window() {
		t.Fatal("want full window sendable when nothing in flight")
	}
}
