package pcap

import (
	"log/slog"
	"time"

	"github.com/rs/xid"
)

// Direction identifies which side of a Hook observation point a frame
// crossed.
type Direction uint8

const (
	DirectionIngress Direction = iota
	DirectionEgress
)

func (d Direction) String() string {
	if d == DirectionEgress {
		return "egress"
	}
	return "ingress"
}

// Event is one observed frame, stamped with a correlation ID so the same
// frame can be traced as it's handed off between the logging, metrics, and
// any external capture sink a caller wires up.
type Event struct {
	ID        xid.ID
	Direction Direction
	Observed  time.Time
	// Data aliases the observed frame; observers must not retain it past
	// the call to their callback, since the data path reuses the backing
	// buffer on the next frame.
	Data []byte
}

// Hook is a two-point (ingress/egress) observer attached to a link so a
// caller can watch every frame crossing it without the link's data path
// depending on any particular capture or metrics backend. It never mutates
// or drops a frame, and never lets an observer's panic reach the data path:
// PacketBreakdown (this package's other half) answers "what's in this
// frame"; Hook answers "a frame crossed here", the way a test harness's
// capture sink observes traffic without parsing it.
type Hook struct {
	onIngress func(Event)
	onEgress  func(Event)
	log       *slog.Logger
}

// NewHook returns a Hook that swallows observer panics into log, or
// discards them silently if log is nil.
func NewHook(log *slog.Logger) *Hook {
	return &Hook{log: log}
}

// OnIngress installs the callback invoked for every frame arriving at the
// observation point. A nil fn disables ingress observation.
func (h *Hook) OnIngress(fn func(Event)) { h.onIngress = fn }

// OnEgress installs the callback invoked for every frame leaving the
// observation point. A nil fn disables egress observation.
func (h *Hook) OnEgress(fn func(Event)) { h.onEgress = fn }

// Observe reports one frame crossing dir. frame is not copied; see Event.Data.
func (h *Hook) Observe(dir Direction, frame []byte) {
	if h == nil {
		return
	}
	fn := h.onIngress
	if dir == DirectionEgress {
		fn = h.onEgress
	}
	if fn == nil {
		return
	}
	h.invoke(fn, Event{
		ID:        xid.New(),
		Direction: dir,
		Observed:  time.Now(),
		Data:      frame,
	})
}

func (h *Hook) invoke(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil && h.log != nil {
			h.log.Error("pcap.Hook: observer panicked", slog.Any("recover", r), slog.String("direction", ev.Direction.String()))
		}
	}()
	fn(ev)
}
