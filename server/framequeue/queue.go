package framequeue

import (
	"sync"
	"sync/atomic"

	"github.com/bmharper/ringbuffer"
)

// DefaultCapacity is the number of frames that a source may have waiting for inference
const DefaultCapacity = 30

// Queue is a bounded FIFO of frames for a single source.
// When the queue is full, pushing a new frame evicts the oldest one.
type Queue struct {
	lock    sync.Mutex
	frames  ringbuffer.RingT[Frame]
	closed  bool          // Set when the source is unregistered. A closed queue rejects pushes.
	nextSeq uint64        // Sequence number of the next admitted frame
	dropped uint64        // Frames evicted to make room for newer ones
	pending *atomic.Int64 // Shared by all queues of a table, and only changed under lock
}

func newQueue(capacity int, pending *atomic.Int64) *Queue {
	return &Queue{
		frames:  ringbuffer.NewRingT[Frame](capacity),
		pending: pending,
	}
}

// Push a frame, evicting the oldest frame if the queue is full.
// Returns (admitted, evicted).
func (q *Queue) push(f *Frame) (bool, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return false, false
	}
	evicted := q.frames.IsFull()
	if evicted {
		q.dropped++
	} else {
		q.pending.Add(1)
	}
	f.Seq = q.nextSeq
	q.nextSeq++
	q.frames.Add(f)
	return true, evicted
}

// Pop the oldest frame, or nil if the queue is empty
func (q *Queue) pop() *Frame {
	q.lock.Lock()
	defer q.lock.Unlock()
	f := q.frames.Next()
	if f != nil {
		q.pending.Add(-1)
	}
	return f
}

// close the queue, discarding any frames that are still in it
func (q *Queue) close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
	for q.frames.Next() != nil {
		q.pending.Add(-1)
	}
}

// Len returns the number of frames waiting in the queue
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.frames.Len()
}

// Dropped returns the number of frames that were evicted from this queue
func (q *Queue) Dropped() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.dropped
}

// Snapshot returns the frames in the queue, oldest first, without removing them
func (q *Queue) Snapshot() []*Frame {
	q.lock.Lock()
	defer q.lock.Unlock()
	all := make([]*Frame, 0, q.frames.Len())
	for i := 0; i < q.frames.Len(); i++ {
		all = append(all, q.frames.Peek(i))
	}
	return all
}
