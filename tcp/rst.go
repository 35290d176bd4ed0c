package tcp

// RSTQueue holds a small fixed-size backlog of stateless RST responses
// that must be sent for segments addressed to a closed port or a dead
// connection, per RFC 9293 section 3.10.7.1. It is not safe for concurrent use;
// callers (a socket.Table's send path) must synchronize access themselves.
type RSTQueue struct {
	buf [4]rstEntry
	len uint8
}

type rstEntry struct {
	remoteAddr [16]byte
	addrLen    uint8
	remotePort uint16
	localPort  uint16
	seq        Value
	ack        Value
	flags      Flags
}

// Queue enqueues a RST response. Silently drops the request if the address
// family is unsupported or the queue is already full; a dropped RST is a
// missed optimization, never a correctness problem, since the peer will
// simply retry and find the port still closed.
func (q *RSTQueue) Queue(remoteAddr []byte, remotePort, localPort uint16, seq, ack Value, flags Flags) {
	if (len(remoteAddr) != 4 && len(remoteAddr) != 16) || q.len >= uint8(len(q.buf)) {
		return
	}
	entry := &q.buf[q.len]
	entry.addrLen = uint8(copy(entry.remoteAddr[:], remoteAddr))
	entry.remotePort = remotePort
	entry.localPort = localPort
	entry.seq = seq
	entry.ack = ack
	entry.flags = flags
	q.len++
}

// Pending returns the number of queued RST entries.
func (q *RSTQueue) Pending() int { return int(q.len) }

// Drain pops one pending RST entry, or reports ok=false if the queue is empty.
func (q *RSTQueue) Drain() (remoteAddr []byte, remotePort, localPort uint16, seg Segment, ok bool) {
	if q.len == 0 {
		return nil, 0, 0, Segment{}, false
	}
	q.len--
	e := &q.buf[q.len]
	return e.remoteAddr[:e.addrLen], e.remotePort, e.localPort, Segment{SEQ: e.seq, ACK: e.ack, Flags: e.flags}, true
}
