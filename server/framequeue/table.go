package framequeue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/detectd/pkg/gen"
	"github.com/cyclopcam/detectd/server/schedule"
)

// Table maps source ids to their frame queues.
//
// There are two tiers of locks. Every Queue has its own mutex, which is held
// only for a single push or pop, so producers for different sources never contend.
// The table lock is held while sources are registered or unregistered, and
// while the consumer selects and pops frames. Producers never take the table lock.
type Table struct {
	capacity int
	queues   sync.Map // uint32 -> *Queue

	lock sync.Mutex
	ids  []uint32 // Registered sources, ascending. Guarded by lock.

	nSources     atomic.Int64
	pending      atomic.Int64  // Frames waiting in all queues
	totalDropped atomic.Uint64 // Frames evicted from all queues, including unregistered sources
}

// SourceStats is a snapshot of one source's queue
type SourceStats struct {
	ID      uint32 `json:"id"`
	Backlog int    `json:"backlog"`
	Dropped uint64 `json:"dropped"`
}

// Popped is a frame that the consumer removed from the table
type Popped struct {
	SourceID uint32
	Frame    *Frame
}

// Cursor remembers the last source that the consumer serviced
type Cursor struct {
	Previous uint32
	Valid    bool
}

// NewTable creates an empty table. If capacity is not positive, DefaultCapacity is used.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		capacity: capacity,
	}
}

// Capacity is the maximum number of frames in each queue
func (t *Table) Capacity() int {
	return t.capacity
}

// Register adds an empty queue for the source.
// Returns false if the source is already registered.
func (t *Table) Register(id uint32) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	ids, inserted := gen.InsertSorted(t.ids, id)
	if !inserted {
		return false
	}
	t.ids = ids
	t.queues.Store(id, newQueue(t.capacity, &t.pending))
	t.nSources.Add(1)
	return true
}

// Unregister removes the source and discards any frames that are still waiting.
// Returns false if the source is not registered.
// Because the consumer holds the table lock while it selects and pops, an
// Unregister can never interleave with a pop from the same queue.
func (t *Table) Unregister(id uint32) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	ids, removed := gen.RemoveSorted(t.ids, id)
	if !removed {
		return false
	}
	t.ids = ids
	v, _ := t.queues.LoadAndDelete(id)
	t.nSources.Add(-1)
	// A producer that looked the queue up before we deleted it will find it closed
	v.(*Queue).close()
	return true
}

// Contains returns true if the source is registered
func (t *Table) Contains(id uint32) bool {
	_, ok := t.queues.Load(id)
	return ok
}

// Queue returns the queue of a source, or nil
func (t *Table) Queue(id uint32) *Queue {
	v, ok := t.queues.Load(id)
	if !ok {
		return nil
	}
	return v.(*Queue)
}

// TryPush adds a frame to the back of a source's queue.
// If the queue is full, the oldest frame is evicted and counted as dropped.
// Returns false only if the source is not registered.
func (t *Table) TryPush(id uint32, f *Frame) bool {
	q := t.Queue(id)
	if q == nil {
		return false
	}
	if f.Received.IsZero() {
		f.Received = time.Now()
	}
	admitted, evicted := q.push(f)
	if !admitted {
		return false
	}
	if evicted {
		t.totalDropped.Add(1)
	}
	return true
}

// PopBatch removes up to maxFrames frames, asking the strategy which source to
// service for each frame. The cursor is advanced past every source that was
// selected. The table lock is held for the whole selection, and released before
// returning, so the caller can run inference without blocking producers.
func (t *Table) PopBatch(strategy schedule.Strategy, cursor *Cursor, maxFrames int, dst []Popped) []Popped {
	t.lock.Lock()
	defer t.lock.Unlock()

	view := lockedView{t}
	misses := 0
	for len(dst) < maxFrames && len(t.ids) != 0 && t.pending.Load() > 0 {
		id, ok := strategy.SelectNext(view, cursor.Previous, cursor.Valid)
		if !ok {
			break
		}
		cursor.Previous = id
		cursor.Valid = true
		var f *Frame
		if q := t.Queue(id); q != nil {
			f = q.pop()
		}
		if f == nil {
			// The selected source had nothing waiting. Give every source one chance
			// before giving up on this cycle.
			misses++
			if misses > len(t.ids) {
				break
			}
			continue
		}
		dst = append(dst, Popped{SourceID: id, Frame: f})
	}
	return dst
}

// Pending returns the number of frames waiting in all queues
func (t *Table) Pending() int {
	return int(t.pending.Load())
}

// NumSources returns the number of registered sources
func (t *Table) NumSources() int {
	return int(t.nSources.Load())
}

// SourceIDs returns the registered sources, in ascending order
func (t *Table) SourceIDs() []uint32 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return gen.CopySlice(t.ids)
}

// Dropped returns the number of frames evicted from a source's queue.
// The second return value is false if the source is not registered.
func (t *Table) Dropped(id uint32) (uint64, bool) {
	q := t.Queue(id)
	if q == nil {
		return 0, false
	}
	return q.Dropped(), true
}

// TotalDropped returns the number of frames evicted from all queues since the table was created
func (t *Table) TotalDropped() uint64 {
	return t.totalDropped.Load()
}

// Stats returns a snapshot of every source, in ascending id order
func (t *Table) Stats() []SourceStats {
	t.lock.Lock()
	defer t.lock.Unlock()
	stats := make([]SourceStats, 0, len(t.ids))
	for _, id := range t.ids {
		q := t.Queue(id)
		stats = append(stats, SourceStats{
			ID:      id,
			Backlog: q.Len(),
			Dropped: q.Dropped(),
		})
	}
	return stats
}

// lockedView is handed to the scheduling strategy while the table lock is held
type lockedView struct {
	t *Table
}

func (v lockedView) SourceIDs() []uint32 {
	return v.t.ids
}

func (v lockedView) Backlog(id uint32) int {
	q := v.t.Queue(id)
	if q == nil {
		return 0
	}
	return q.Len()
}
