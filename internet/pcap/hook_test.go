package pcap

import "testing"

func TestHookObserveDispatchesByDirection(t *testing.T) {
	h := NewHook(nil)
	var ingress, egress []Event
	h.OnIngress(func(ev Event) { ingress = append(ingress, ev) })
	h.OnEgress(func(ev Event) { egress = append(egress, ev) })

	frame := []byte{1, 2, 3}
	h.Observe(DirectionIngress, frame)
	h.Observe(DirectionEgress, frame)

	if len(ingress) != 1 || len(egress) != 1 {
		t.Fatalf("expected one ingress and one egress event, got %d/%d", len(ingress), len(egress))
	}
	if ingress[0].ID.IsNil() || egress[0].ID.IsNil() {
		t.Fatal("expected non-nil correlation IDs")
	}
	if ingress[0].ID.String() == egress[0].ID.String() {
		t.Fatal("expected distinct correlation IDs per observation")
	}
}

func TestHookNilSafe(t *testing.T) {
	var h *Hook
	h.Observe(DirectionIngress, []byte{1})
}

func TestHookSwallowsObserverPanic(t *testing.T) {
	h := NewHook(nil)
	h.OnIngress(func(Event) { panic("boom") })
	h.Observe(DirectionIngress, []byte{1})
}
