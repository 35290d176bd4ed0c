package tcp

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

// Endpoint-level scenarios driving two peers over an in-memory "wire",
// with loss and reordering injected by simply not (or late) delivering
// frames. These complement the ControlBlock tests: here the full stack of
// buffers, reassembly, retransmission and congestion control is in play.

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

var (
	testClientAddr = []byte{10, 0, 1, 104}
	testServerAddr = []byte{20, 0, 2, 204}
)

type pair struct {
	t              *testing.T
	client, server *Endpoint
	clk            *fakeClock
}

func newPair(t *testing.T, clientISS, serverISS Value, bufSize int, cfg EndpointConfig) *pair {
	t.Helper()
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mk := func() *Endpoint {
		e := &Endpoint{}
		c := cfg
		c.TxBuf = make([]byte, bufSize)
		c.RxBuf = make([]byte, bufSize)
		if err := e.Configure(c); err != nil {
			t.Fatal(err)
		}
		e.SetClock(clk)
		return e
	}
	p := &pair{t: t, client: mk(), server: mk(), clk: clk}
	if err := p.server.OpenListen(80, serverISS); err != nil {
		t.Fatal(err)
	}
	if err := p.client.OpenActive(40001, 80, testServerAddr, clientISS); err != nil {
		t.Fatal(err)
	}
	return p
}

// drain pulls every frame e currently wants to send.
func (p *pair) drain(e *Endpoint) (frames [][]byte) {
	p.t.Helper()
	for {
		buf := make([]byte, 2048)
		n, err := e.Encapsulate(buf)
		if err == errNoRemoteAddr {
			return frames // endpoint reset itself after teardown/abort.
		}
		if err != nil && err != io.EOF {
			p.t.Fatal("encapsulate:", err)
		}
		if n == 0 {
			return frames
		}
		frames = append(frames, buf[:n])
	}
}

func (p *pair) deliver(dst *Endpoint, fromAddr []byte, frames [][]byte) {
	p.t.Helper()
	for _, f := range frames {
		if err := dst.Demux(fromAddr, f); err != nil {
			p.t.Fatal("demux:", err)
		}
	}
}

// pump exchanges frames until both sides go idle.
func (p *pair) pump() {
	p.t.Helper()
	for i := 0; i < 64; i++ {
		out := p.drain(p.client)
		p.deliver(p.server, testClientAddr, out)
		back := p.drain(p.server)
		p.deliver(p.client, testServerAddr, back)
		if len(out) == 0 && len(back) == 0 {
			return
		}
		p.checkSendInvariant(p.client)
		p.checkSendInvariant(p.server)
	}
	p.t.Fatal("endpoints never went idle")
}

// checkSendInvariant asserts SND.UNA <= SND.NXT <= SND.UNA + max(SND.WND,
// cwnd) under wrap-aware comparison at every observation point.
func (p *pair) checkSendInvariant(e *Endpoint) {
	p.t.Helper()
	una, nxt, wnd := e.scb.SendUNA(), e.scb.SendNext(), e.scb.SendWindow()
	if e.cc != nil && e.cc.Window() > wnd {
		wnd = e.cc.Window()
	}
	if !una.LessThanEq(nxt) {
		p.t.Fatalf("invariant broken: SND.UNA %d > SND.NXT %d", una, nxt)
	}
	if !nxt.LessThanEq(Add(una, wnd)) {
		p.t.Fatalf("invariant broken: SND.NXT %d beyond SND.UNA %d + window %d", nxt, una, wnd)
	}
}

func (p *pair) establish() {
	p.t.Helper()
	p.pump()
	if p.client.State() != StateEstablished || p.server.State() != StateEstablished {
		p.t.Fatalf("handshake failed: client %s server %s", p.client.State(), p.server.State())
	}
}

// Scenario: full connect/transfer/teardown. The client streams 20000 bytes
// of 0x2A through 536-byte segments; the server verifies every byte, then
// both sides close cleanly.
func TestScenarioHandshakeAndEcho(t *testing.T) {
	const total = 20000
	p := newPair(t, 2000, 8000, 32768, EndpointConfig{MSS: 536})
	p.establish()

	payload := bytes.Repeat([]byte{0x2A}, total)
	var got []byte
	written := 0
	rbuf := make([]byte, 4096)
	for written < total || len(got) < total {
		if written < total {
			n, err := p.client.Write(payload[written:])
			if err != nil {
				t.Fatal(err)
			}
			written += n
		}
		p.pump()
		for {
			n, err := p.server.Read(rbuf)
			if n > 0 {
				got = append(got, rbuf[:n]...)
			}
			if err != nil || n == 0 {
				break
			}
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("server received %d bytes, corrupt=%v", len(got), !bytes.Equal(got, payload[:len(got)]))
	}

	// Teardown: client closes, server drains EOF and closes too.
	if err := p.client.Close(); err != nil {
		t.Fatal(err)
	}
	p.pump()
	if _, err := p.server.Read(rbuf); err != io.EOF {
		t.Fatalf("want EOF at server after client FIN, got %v", err)
	}
	if err := p.server.Close(); err != nil {
		t.Fatal(err)
	}
	p.pump()
	if !p.client.State().IsClosed() {
		t.Fatalf("client not closed: %s", p.client.State())
	}
	if p.server.State() != StateClosed {
		t.Fatalf("server not closed: %s", p.server.State())
	}
}

// Scenario: the three-way handshake is packet-exact for pinned ISS values.
func TestScenarioHandshakePacketExact(t *testing.T) {
	p := newPair(t, 2000, 8000, 4096, EndpointConfig{MSS: 536})

	syn := p.drain(p.client)
	if len(syn) != 1 {
		t.Fatalf("want exactly one SYN, got %d frames", len(syn))
	}
	frm, _ := NewFrame(syn[0])
	if frm.Seq() != 2000 || frm.Ack() != 0 {
		t.Fatalf("SYN: SEQ=%d ACK=%d, want 2000/0", frm.Seq(), frm.Ack())
	}
	if _, flags := frm.OffsetAndFlags(); flags != FlagSYN {
		t.Fatalf("SYN flags: %s", flags)
	}
	p.deliver(p.server, testClientAddr, syn)

	synack := p.drain(p.server)
	if len(synack) != 1 {
		t.Fatalf("want exactly one SYN-ACK, got %d frames", len(synack))
	}
	frm, _ = NewFrame(synack[0])
	if frm.Seq() != 8000 || frm.Ack() != 2001 {
		t.Fatalf("SYN-ACK: SEQ=%d ACK=%d, want 8000/2001", frm.Seq(), frm.Ack())
	}
	if _, flags := frm.OffsetAndFlags(); flags != FlagSYN|FlagACK {
		t.Fatalf("SYN-ACK flags: %s", flags)
	}
	p.deliver(p.client, testServerAddr, synack)

	ack := p.drain(p.client)
	if len(ack) != 1 {
		t.Fatalf("want exactly one ACK, got %d frames", len(ack))
	}
	frm, _ = NewFrame(ack[0])
	if frm.Seq() != 2001 || frm.Ack() != 8001 {
		t.Fatalf("ACK: SEQ=%d ACK=%d, want 2001/8001", frm.Seq(), frm.Ack())
	}
}

// Scenario: slow start grows the congestion window by one segment per
// acking round trip.
func TestScenarioSlowStartGrowth(t *testing.T) {
	p := newPair(t, 2000, 8000, 4096, EndpointConfig{MSS: 536})
	p.establish()
	if p.client.cc == nil {
		t.Fatal("congestion controller not armed on establish")
	}
	if p.client.cc.Window() != 536 {
		t.Fatalf("initial cwnd %d, want 536", p.client.cc.Window())
	}

	if _, err := p.client.Write(bytes.Repeat([]byte{0x01}, 7*536)); err != nil {
		t.Fatal(err)
	}
	// Round 1: cwnd admits exactly one segment.
	out := p.drain(p.client)
	if len(out) != 1 {
		t.Fatalf("round 1: want 1 segment, got %d", len(out))
	}
	p.deliver(p.server, testClientAddr, out)
	p.deliver(p.client, testServerAddr, p.drain(p.server)) // ACK of 536.
	if p.client.cc.Window() != 2*536 {
		t.Fatalf("cwnd after first ack: %d, want %d", p.client.cc.Window(), 2*536)
	}
	// Round 2: two segments fly, one cumulative ACK of 2*536 comes back.
	out = p.drain(p.client)
	if len(out) != 2 {
		t.Fatalf("round 2: want 2 segments, got %d", len(out))
	}
	p.deliver(p.server, testClientAddr, out)
	p.deliver(p.client, testServerAddr, p.drain(p.server))
	if p.client.cc.Window() != 3*536 {
		t.Fatalf("cwnd after second round: %d, want %d", p.client.cc.Window(), 3*536)
	}
}

// Scenario: loss halves the window per RTO down to a one-segment floor.
func TestScenarioAIMDDecreaseOnLoss(t *testing.T) {
	p := newPair(t, 2000, 8000, 4096, EndpointConfig{MSS: 536})
	p.establish()

	// Three acked single-byte sends grow cwnd to 4*536.
	for i := 0; i < 3; i++ {
		if _, err := p.client.Write([]byte{0x2A}); err != nil {
			t.Fatal(err)
		}
		p.pump()
	}
	if p.client.cc.Window() != 4*536 {
		t.Fatalf("setup: cwnd %d, want %d", p.client.cc.Window(), 4*536)
	}

	// Next segment is lost: drain it and never deliver.
	if _, err := p.client.Write(bytes.Repeat([]byte{0x2A}, 536)); err != nil {
		t.Fatal(err)
	}
	if lost := p.drain(p.client); len(lost) != 1 {
		t.Fatalf("want 1 in-flight segment to lose, got %d", len(lost))
	}

	p.clk.advance(1500 * time.Millisecond) // past initial RTO.
	if retx := p.drain(p.client); len(retx) != 1 {
		t.Fatalf("want 1 retransmission, got %d", len(retx))
	}
	if w := p.client.cc.Window(); w != 2*536 {
		t.Fatalf("cwnd after first RTO: %d, want %d", w, 2*536)
	}
	if ss := p.client.cc.Ssthresh(); ss != 2*536 {
		t.Fatalf("ssthresh after first RTO: %d, want %d", ss, 2*536)
	}

	p.clk.advance(3 * time.Second) // RTO has doubled.
	if retx := p.drain(p.client); len(retx) != 1 {
		t.Fatal("want second retransmission")
	}
	if w := p.client.cc.Window(); w != 536 {
		t.Fatalf("cwnd after second RTO: %d, want 536", w)
	}

	p.clk.advance(8 * time.Second)
	if retx := p.drain(p.client); len(retx) != 1 {
		t.Fatal("want third retransmission")
	}
	if w := p.client.cc.Window(); w != 536 {
		t.Fatalf("cwnd floor violated: %d", w)
	}
}

// Scenario: segments arriving in reverse order are reassembled so the
// application sees every byte exactly once, in order.
func TestScenarioOutOfOrderDelivery(t *testing.T) {
	p := newPair(t, 4000, 8000, 4096, EndpointConfig{MSS: 536, DisableCongestionControl: true})
	p.establish()

	// After the SYN consumed sequence 4000, data starts at 4001.
	if _, err := p.client.Write(bytes.Repeat([]byte{0x01}, 800)); err != nil {
		t.Fatal(err)
	}
	frames := p.drain(p.client)
	if len(frames) != 2 {
		t.Fatalf("want 800 bytes split as 536+264, got %d frames", len(frames))
	}
	f0, _ := NewFrame(frames[0])
	f1, _ := NewFrame(frames[1])
	if f0.Seq() != 4001 || f1.Seq() != 4537 {
		t.Fatalf("segment SEQs %d/%d, want 4001/4537", f0.Seq(), f1.Seq())
	}

	// Deliver in reverse order.
	p.deliver(p.server, testClientAddr, [][]byte{frames[1], frames[0]})
	rbuf := make([]byte, 1024)
	n, err := p.server.Read(rbuf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 800 || !bytes.Equal(rbuf[:n], bytes.Repeat([]byte{0x01}, 800)) {
		t.Fatalf("want 800 bytes of 0x01 delivered once, got %d", n)
	}
}

// Scenario: an unanswered SYN is retransmitted only as many times as
// configured, then the attempt dies with a timeout.
func TestScenarioConnectTimeout(t *testing.T) {
	p := newPair(t, 2000, 8000, 4096, EndpointConfig{MSS: 536, SynRetries: 2})
	if syn := p.drain(p.client); len(syn) != 1 {
		t.Fatal("no SYN emitted")
	}
	buf := make([]byte, 128)
	for i := 0; i < 2; i++ {
		p.clk.advance(90 * time.Second) // far past any backoff.
		n, err := p.client.Encapsulate(buf)
		if err != nil || n == 0 {
			t.Fatalf("resend %d: n=%d err=%v", i+1, n, err)
		}
	}
	p.clk.advance(90 * time.Second)
	n, err := p.client.Encapsulate(buf)
	if !errors.Is(err, ErrConnectTimeout) || n != 0 {
		t.Fatalf("want ErrConnectTimeout after budget exhausted, got n=%d err=%v", n, err)
	}
	if p.client.State() != StateClosed {
		t.Fatalf("client state %s, want Closed", p.client.State())
	}
}

// Scenario: a SYN answered by RST surfaces connection-refused on the
// active opener and kills the attempt.
func TestScenarioConnectRefusedByRST(t *testing.T) {
	p := newPair(t, 2000, 8000, 4096, EndpointConfig{MSS: 536})
	syn := p.drain(p.client)
	if len(syn) != 1 {
		t.Fatal("no SYN emitted")
	}
	// Stateless closed-port reset: SEQ=0, ACK=SEG.SEQ+1, RST|ACK.
	rst := make([]byte, 20)
	frm, _ := NewFrame(rst)
	frm.SetSourcePort(80)
	frm.SetDestinationPort(40001)
	frm.SetSegment(Segment{SEQ: 0, ACK: 2001, Flags: FlagRST | FlagACK}, 5)
	frm.SetUrgentPtr(0)

	err := p.client.Demux(testServerAddr, rst)
	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("want ErrConnectionRefused, got %v", err)
	}
	if p.client.State() != StateClosed {
		t.Fatalf("client state %s, want Closed", p.client.State())
	}
	if frames := p.drain(p.client); len(frames) != 0 {
		t.Fatalf("refused endpoint still sending %d frames", len(frames))
	}
}
