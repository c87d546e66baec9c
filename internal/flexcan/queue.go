package flexcan

import "github.com/canstack/flexcanfd/internal/can"

// frameQueue is the fixed-capacity inbound frame FIFO for one interface
// instance. Single producer (the reception interrupt path), single
// consumer (Read/Select); the owning Group's mutex is the only
// synchronization. Storage is allocated once; nothing grows afterward.
type frameQueue struct {
	buf  []can.Frame
	head int
	n    int
}

func newFrameQueue(capacity int) frameQueue {
	return frameQueue{buf: make([]can.Frame, capacity)}
}

func (q *frameQueue) len() int { return q.n }

// push appends f at the tail; it reports false, leaving the queue
// untouched, when the queue is at capacity.
func (q *frameQueue) push(f can.Frame) bool {
	if q.n == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.n)%len(q.buf)] = f
	q.n++
	return true
}

// pop removes and returns the head frame in FIFO order.
func (q *frameQueue) pop() (can.Frame, bool) {
	if q.n == 0 {
		return can.Frame{}, false
	}
	f := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return f, true
}
