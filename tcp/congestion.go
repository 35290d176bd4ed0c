package tcp

// CongestionController bounds the bytes a connection may keep in flight
// beyond what the peer's advertised window allows. It runs the classic
// slow-start/additive-increase scheme with multiplicative decrease on loss
// signals, tracking cwnd and ssthresh in bytes since Segment/Size are
// already expressed in bytes throughout this package. The additive phase
// is paced by a byte countdown (avoidCount) rather than the fractional
// mss*mss/cwnd growth of some stacks: each time a full window's worth of
// bytes is acknowledged, cwnd grows by one segment, capped at the peer's
// advertised window.
type CongestionController struct {
	cwnd       Size
	ssthresh   Size
	mss        Size
	avoidCount Size

	dupACKs     int
	lastAck     Value
	haveLastAck bool
}

// NewCongestionController creates a controller for a connection whose peer
// advertised the given maximum segment size. cwnd starts at one segment
// and ssthresh at four, so the first loss-free round trips double the
// window while it is still small.
func NewCongestionController(mss Size) *CongestionController {
	if mss == 0 {
		mss = 536
	}
	c := &CongestionController{cwnd: mss, ssthresh: 4 * mss, mss: mss}
	c.avoidCount = c.cwnd
	return c
}

// Window returns the current congestion window in bytes.
func (c *CongestionController) Window() Size { return c.cwnd }

// Ssthresh returns the current slow-start threshold in bytes.
func (c *CongestionController) Ssthresh() Size { return c.ssthresh }

// InSlowStart reports whether the controller is still in the slow-start
// phase (cwnd below ssthresh).
func (c *CongestionController) InSlowStart() bool { return c.cwnd < c.ssthresh }

// OnAck must be called for every acking segment that advances the send
// window, with the number of newly-acknowledged bytes and the peer's
// currently advertised window. During slow start every such ack grows cwnd
// by one segment; afterwards ackedBytes drain the avoidance countdown and
// cwnd grows by one segment per window's worth of acknowledged data, never
// exceeding the peer window.
func (c *CongestionController) OnAck(ackedBytes Size, ack Value, peerWindow Size) {
	if c.haveLastAck && ack == c.lastAck {
		return // a non-advancing ack is handled by OnDuplicateAck, not here.
	}
	c.lastAck = ack
	c.haveLastAck = true
	c.dupACKs = 0

	if c.InSlowStart() {
		c.cwnd += c.mss
		c.avoidCount = c.cwnd
		return
	}
	c.avoidCount -= min32(c.avoidCount, ackedBytes)
	if c.avoidCount == 0 {
		c.cwnd = min32(c.cwnd+c.mss, peerWindow)
		c.avoidCount = c.cwnd
	}
}

func max32(a, b Size) Size {
	if a > b {
		return a
	}
	return b
}

func min32(a, b Size) Size {
	if a < b {
		return a
	}
	return b
}

// OnDuplicateAck must be called for every ack that does not advance the
// send window. The second duplicate in a row halves cwnd (never below one
// segment) and resets the counter, reporting halved=true so the caller can
// log or resend the oldest unacked segment ahead of the RTO.
func (c *CongestionController) OnDuplicateAck(ack Value) (halved bool) {
	if c.haveLastAck && ack == c.lastAck {
		c.dupACKs++
	} else {
		c.dupACKs = 1
		c.lastAck = ack
		c.haveLastAck = true
	}
	if c.dupACKs >= 2 {
		c.cwnd = max32(c.cwnd/2, c.mss)
		c.dupACKs = 0
		return true
	}
	return false
}

// OnRTO must be called when the retransmission timer fires. cwnd halves
// with a one-segment floor and ssthresh follows it down, so the connection
// re-probes from where the loss left it rather than collapsing to nothing.
func (c *CongestionController) OnRTO() {
	c.cwnd = max32(c.cwnd/2, c.mss)
	c.ssthresh = c.cwnd
	c.dupACKs = 0
	c.avoidCount = c.cwnd
}

// CanSend reports how many bytes beyond alreadyInFlight may be sent without
// exceeding the current congestion window.
func (c *CongestionController) CanSend(alreadyInFlight Size) Size {
	if alreadyInFlight >= c.cwnd {
		return 0
	}
	return c.cwnd - alreadyInFlight
}
