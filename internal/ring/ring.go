// Package ring implements a byte-oriented circular buffer used as the
// send and receive queues backing a tcp.Endpoint.
package ring

import (
	"bytes"
	"errors"
	"io"
	"math"
)

var (
	errBufferFull = errors.New("ring: buffer full")
	errNoData     = errors.New("ring: empty write")
)

// Buffer is a fixed-capacity circular byte buffer. The zero value with Buf
// set to a slice of the desired capacity is ready to use.
type Buffer struct {
	// Buf backs the buffer; its capacity is fixed for the buffer's lifetime.
	Buf []byte
	// Off indexes the start of readable data. Off<len(Buf) always holds.
	Off int
	// End indexes one past the end of readable data. End==0 means empty.
	End int
}

// FreeLimited returns how many bytes can be written without writing past
// limitOffset, an index into Buf. Used to avoid overrunning data a caller
// has already handed a pointer into (e.g. an in-flight retransmit segment).
func (r *Buffer) FreeLimited(limitOffset int) (free int) {
	if r.isFull() {
		return 0
	}
	writeAt := r.End
	if writeAt == 0 {
		writeAt = r.Off
		if limitOffset >= writeAt {
			return limitOffset - writeAt
		}
		return r.Size() - writeAt + limitOffset
	}
	if writeAt <= limitOffset && writeAt <= r.Off {
		return min(r.Off, limitOffset) - writeAt
	} else if writeAt <= limitOffset {
		return limitOffset - writeAt
	} else if writeAt <= r.Off {
		return r.Off - writeAt
	}
	return r.Size() - writeAt + min(limitOffset, r.Off)
}

// WriteLimited writes b without crossing limitOffset; see FreeLimited.
func (r *Buffer) WriteLimited(b []byte, limitOffset int) (int, error) {
	if limitOffset > len(r.Buf) {
		panic("ring: bad limit offset")
	}
	if len(b) > len(r.Buf) {
		return 0, io.ErrShortBuffer
	}
	if len(b) > r.FreeLimited(limitOffset) {
		return 0, errBufferFull
	}
	return r.Write(b)
}

// Write appends b after the buffered data, wrapping to the start of Buf when
// needed. Returns errBufferFull if b does not fit in the remaining capacity.
func (r *Buffer) Write(b []byte) (int, error) {
	if r.isFull() {
		return 0, errBufferFull
	} else if len(b) == 0 {
		return 0, errNoData
	} else if len(b) > r.Free() {
		return 0, errBufferFull
	}
	if mid := r.midFree(); mid > 0 {
		n := copy(r.Buf[r.End:r.Off], b)
		r.End += n
		return n, nil
	} else if r.End == 0 {
		r.End = r.Off
	}
	n := copy(r.Buf[r.End:], b)
	r.End += n
	if n < len(b) {
		n2 := copy(r.Buf, b[n:])
		r.End = n2
		n += n2
	}
	return n, nil
}

// ReadDiscard advances the read pointer n bytes without copying, as if n
// bytes had been read and thrown away.
func (r *Buffer) ReadDiscard(n int) error {
	if n <= 0 {
		return errors.New("ring: invalid discard amount")
	}
	buffered := r.Buffered()
	switch {
	case n > buffered:
		return errors.New("ring: discard exceeds buffered length")
	case n == buffered:
		r.Reset()
	case n+r.Off > len(r.Buf):
		r.Off = n - (len(r.Buf) - r.Off)
	default:
		r.Off += n
	}
	return nil
}

// ReadAt reads into p starting off bytes into the buffered data, without
// advancing the read pointer.
func (r *Buffer) ReadAt(p []byte, off64 int64) (int, error) {
	if math.MaxInt != math.MaxInt64 && off64+int64(len(p)) > math.MaxInt32 {
		return 0, errors.New("ring: offset too large")
	}
	off := int(off64)
	if off+len(p) > r.Buffered() {
		return 0, io.ErrUnexpectedEOF
	}
	r2 := *r
	r2.Off = r.addOff(r2.Off, off)
	return r2.ReadPeek(p)
}

// ReadPeek reads up to len(b) bytes without advancing the read pointer.
func (r *Buffer) ReadPeek(b []byte) (int, error) { return r.read(b) }

// Read reads up to len(b) bytes and advances the read pointer accordingly.
func (r *Buffer) Read(b []byte) (int, error) {
	n, err := r.read(b)
	if err != nil {
		return n, err
	}
	r.onReadEnd(n)
	return n, nil
}

func (r *Buffer) read(b []byte) (n int, err error) {
	if r.Buffered() == 0 {
		return 0, io.EOF
	}
	if r.End > r.Off {
		return copy(b, r.Buf[r.Off:r.End]), nil
	}
	n = copy(b, r.Buf[r.Off:])
	if n < len(b) {
		n += copy(b[n:], r.Buf[:r.End])
	}
	return n, nil
}

// Reset discards all buffered data.
func (r *Buffer) Reset() {
	r.Off = 0
	r.End = 0
}

// Size returns the buffer's fixed capacity.
func (r *Buffer) Size() int { return len(r.Buf) }

// Buffered returns the number of bytes currently available to read.
func (r *Buffer) Buffered() int { return r.Size() - r.Free() }

// Free returns the number of bytes that can still be written.
func (r *Buffer) Free() int {
	if r.End == 0 || r.Off == 0 {
		return len(r.Buf) - r.End
	}
	if r.Off < r.End {
		return r.Off + (len(r.Buf) - r.End)
	}
	return r.Off - r.End
}

func (r *Buffer) midFree() int {
	if r.End >= r.Off || r.End == 0 {
		return 0
	}
	return r.Off - r.End
}

func (r *Buffer) isFull() bool {
	return r.End != 0 && (r.End == r.Off || (r.End == len(r.Buf) && r.Off == 0))
}

func (r *Buffer) onReadEnd(totalRead int) {
	newOff := r.addOff(r.Off, totalRead)
	if newOff == r.End {
		r.Reset()
	} else if newOff == len(r.Buf) {
		r.Off = 0
	} else {
		r.Off = newOff
	}
}

func (r *Buffer) addOff(a, b int) int {
	result := a + b
	if result > len(r.Buf) {
		result -= len(r.Buf)
	}
	return result
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// String renders the currently buffered (unread) data, for debugging.
func (r *Buffer) String() string {
	var b bytes.Buffer
	r2 := *r
	b.ReadFrom(&r2)
	return b.String()
}
