package tcp

import "testing"

func TestRSTQueueQueueAndDrain(t *testing.T) {
	var q RSTQueue
	addr := []byte{192, 0, 2, 1}
	q.Queue(addr, 1234, 80, 100, 200, FlagRST|FlagACK)
	if q.Pending() != 1 {
		t.Fatalf("want 1 pending, got %d", q.Pending())
	}
	gotAddr, rport, lport, seg, ok := q.Drain()
	if !ok {
		t.Fatal("want ok drain")
	}
	if string(gotAddr) != string(addr) || rport != 1234 || lport != 80 {
		t.Fatalf("unexpected drain result: %v %d %d", gotAddr, rport, lport)
	}
	if seg.SEQ != 100 || seg.ACK != 200 || seg.Flags != FlagRST|FlagACK {
		t.Fatalf("unexpected segment: %+v", seg)
	}
	if q.Pending() != 0 {
		t.Fatal("want empty after drain")
	}
}

func TestRSTQueueDrainEmpty(t *testing.T) {
	var q RSTQueue
	if _, _, _, _, ok := q.Drain(); ok {
		t.Fatal("want ok=false draining empty queue")
	}
}

func TestRSTQueueIPv6Address(t *testing.T) {
	var q RSTQueue
	addr := make([]byte, 16)
	addr[15] = 1
	q.Queue(addr, 443, 8443, 0, 0, FlagRST)
	gotAddr, _, _, _, ok := q.Drain()
	if !ok || len(gotAddr) != 16 {
		t.Fatalf("want 16-byte address roundtrip, got %v ok=%v", gotAddr, ok)
	}
}

func TestRSTQueueDropsWhenFull(t *testing.T) {
	var q RSTQueue
	addr := []byte{1, 2, 3, 4}
	for i := 0; i < 4; i++ {
		q.Queue(addr, uint16(i), 1, 0, 0, FlagRST)
	}
	q.Queue(addr, 99, 1, 0, 0, FlagRST) // should be silently dropped, queue already full.
	if q.Pending() != 4 {
		t.Fatalf("want queue capped at 4, got %d", q.Pending())
	}
}
