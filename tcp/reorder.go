package tcp

import "github.com/google/btree"

// ControlBlock only accepts segments that arrive exactly in sequence;
// reorderBuffer sits in front of it and holds segments that arrived early,
// releasing them once the gap closes. It is ordered by starting sequence
// number so the next deliverable segment can always be found in O(log n),
// using the same btree.BTreeG generic ordered container a routing table
// would use for prefix lookups.
type reorderBuffer struct {
	tree     *btree.BTreeG[pendingSegment]
	data     map[Value][]byte // payload bytes keyed by segment start, held alongside the ordering tree.
	maxBytes int
	bytes    int
}

type pendingSegment struct {
	seg Segment
}

func pendingSegmentLess(a, b pendingSegment) bool {
	return a.seg.SEQ.LessThan(b.seg.SEQ)
}

// newReorderBuffer creates a reorder buffer that will refuse further
// insertions once maxBytes of payload are held.
func newReorderBuffer(maxBytes int) *reorderBuffer {
	return &reorderBuffer{
		tree:     btree.NewG(32, pendingSegmentLess),
		data:     make(map[Value][]byte),
		maxBytes: maxBytes,
	}
}

// Insert stores an out-of-order segment and its payload. It silently
// deduplicates a segment already held at the same starting sequence, and
// rejects insertion past the configured byte budget with ok=false.
func (rb *reorderBuffer) Insert(seg Segment, payload []byte) (ok bool) {
	if _, exists := rb.data[seg.SEQ]; exists {
		return true
	}
	if rb.bytes+len(payload) > rb.maxBytes {
		return false
	}
	rb.tree.ReplaceOrInsert(pendingSegment{seg: seg})
	buf := make([]byte, len(payload))
	copy(buf, payload)
	rb.data[seg.SEQ] = buf
	rb.bytes += len(payload)
	return true
}

// Next returns the earliest buffered segment that continues at want (the
// next sequence number the receiver is expecting), removing it from the
// buffer. A segment starting below want under wrap-aware comparison has
// already been partially delivered: its payload is trimmed at the front by
// the overlap, and if that exhausts it the segment is discarded and the
// search continues. Callers should loop calling Next after every successful
// ControlBlock.Recv to drain a run of now-contiguous segments.
func (rb *reorderBuffer) Next(want Value) (seg Segment, payload []byte, ok bool) {
	for {
		var first pendingSegment
		found := false
		rb.tree.Ascend(func(item pendingSegment) bool {
			first = item
			found = true
			return false
		})
		if !found || want.LessThan(first.seg.SEQ) {
			return Segment{}, nil, false // gap remains below the earliest held segment.
		}
		rb.tree.Delete(first)
		payload = rb.data[first.seg.SEQ]
		delete(rb.data, first.seg.SEQ)
		rb.bytes -= len(payload)
		seg = first.seg
		trim := Sizeof(seg.SEQ, want)
		if trim == 0 {
			return seg, payload, true
		}
		if trim >= seg.DATALEN {
			continue // wholly below want, nothing left after trimming.
		}
		seg.SEQ = want
		seg.DATALEN -= trim
		return seg, payload[trim:], true
	}
}

// Len returns the number of segments currently buffered.
func (rb *reorderBuffer) Len() int { return rb.tree.Len() }

// Reset discards all buffered segments.
func (rb *reorderBuffer) Reset() {
	rb.tree.Clear(false)
	for k := range rb.data {
		delete(rb.data, k)
	}
	rb.bytes = 0
}
