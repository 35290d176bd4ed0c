package simclock

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSimFiresInDeadlineOrder(t *testing.T) {
	s := NewSim(t0)
	s.Schedule(t0.Add(3*time.Second), 3)
	s.Schedule(t0.Add(1*time.Second), 1)
	s.Schedule(t0.Add(2*time.Second), 2)
	fired, err := s.Step(10 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{1, 2, 3}
	if len(fired) != len(want) {
		t.Fatalf("fired %v", fired)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired %v, want %v", fired, want)
		}
	}
	if s.Now() != t0.Add(10*time.Second) {
		t.Fatal("clock not advanced")
	}
}

func TestSimSameInstantFiresInScheduleOrder(t *testing.T) {
	s := NewSim(t0)
	at := t0.Add(time.Second)
	s.Schedule(at, 7)
	s.Schedule(at, 5)
	s.Schedule(at, 6)
	fired, _ := s.Advance(at)
	want := []uint64{7, 5, 6}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired %v, want %v", fired, want)
		}
	}
}

func TestSimRescheduleMovesDeadline(t *testing.T) {
	s := NewSim(t0)
	s.Schedule(t0.Add(1*time.Second), 1)
	s.Schedule(t0.Add(5*time.Second), 1) // move it later.
	fired, _ := s.Step(2 * time.Second)
	if len(fired) != 0 {
		t.Fatalf("moved deadline fired early: %v", fired)
	}
	fired, _ = s.Step(4 * time.Second)
	if len(fired) != 1 || fired[0] != 1 {
		t.Fatalf("moved deadline did not fire: %v", fired)
	}
}

func TestSimCancel(t *testing.T) {
	s := NewSim(t0)
	s.Schedule(t0.Add(time.Second), 42)
	if !s.Cancel(42) {
		t.Fatal("cancel of registered token reported false")
	}
	if s.Cancel(42) {
		t.Fatal("double cancel reported true")
	}
	fired, _ := s.Step(5 * time.Second)
	if len(fired) != 0 {
		t.Fatalf("cancelled token fired: %v", fired)
	}
}

func TestSimAdvanceBackwardsRejected(t *testing.T) {
	s := NewSim(t0)
	if _, err := s.Advance(t0.Add(-time.Second)); err == nil {
		t.Fatal("backwards advance accepted")
	}
}

func TestSimNextDeadline(t *testing.T) {
	s := NewSim(t0)
	if _, ok := s.NextDeadline(); ok {
		t.Fatal("empty queue reported a deadline")
	}
	s.Schedule(t0.Add(3*time.Second), 1)
	s.Schedule(t0.Add(1*time.Second), 2)
	at, ok := s.NextDeadline()
	if !ok || at != t0.Add(1*time.Second) {
		t.Fatalf("bad next deadline %v", at)
	}
}
