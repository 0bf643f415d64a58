// Package schedule decides which source the inference loop services next.
package schedule

import (
	"errors"
	"fmt"
	"slices"
)

// Backlog is a read-only view of the frame queues.
// It is only valid for the duration of a single SelectNext call.
type Backlog interface {
	// SourceIDs returns the registered sources, in ascending order.
	// The caller must not modify the returned slice.
	SourceIDs() []uint32

	// Backlog returns the number of frames waiting for the source
	Backlog(id uint32) int
}

// Strategy picks the next source to service.
// The caller guarantees that at least one source is registered.
// A strategy may return a source whose queue is empty. The caller treats that
// as "nothing to do" for that source.
type Strategy interface {
	Name() string
	SelectNext(view Backlog, previous uint32, hasPrevious bool) (uint32, bool)
}

var ErrUnknownStrategy = errors.New("Unknown scheduling strategy")

const (
	NameLoad  = "load"
	NameOrder = "order"
)

// New returns the strategy with the given name ("load" or "order")
func New(name string) (Strategy, error) {
	switch name {
	case NameLoad, "prioritize-load":
		return PrioritizeLoad{}, nil
	case NameOrder, "prioritize-order":
		return PrioritizeOrder{}, nil
	}
	return nil, fmt.Errorf("%w '%v' (valid values are %v, %v)", ErrUnknownStrategy, name, NameLoad, NameOrder)
}

// PrioritizeLoad services the source with the most frames waiting.
// Ties go to the lowest source id.
type PrioritizeLoad struct{}

func (PrioritizeLoad) Name() string {
	return NameLoad
}

func (PrioritizeLoad) SelectNext(view Backlog, previous uint32, hasPrevious bool) (uint32, bool) {
	ids := view.SourceIDs()
	if len(ids) == 0 {
		return 0, false
	}
	best := ids[0]
	bestN := view.Backlog(best)
	for _, id := range ids[1:] {
		// strictly greater, so that the lowest id wins a tie
		if n := view.Backlog(id); n > bestN {
			best = id
			bestN = n
		}
	}
	return best, true
}

// PrioritizeOrder services the sources in a round robin, in ascending id order,
// regardless of how many frames each one has waiting.
type PrioritizeOrder struct{}

func (PrioritizeOrder) Name() string {
	return NameOrder
}

func (PrioritizeOrder) SelectNext(view Backlog, previous uint32, hasPrevious bool) (uint32, bool) {
	ids := view.SourceIDs()
	if len(ids) == 0 {
		return 0, false
	}
	if !hasPrevious {
		return ids[0], true
	}
	// previous may have been unregistered, so we look for the first id after it
	i, found := slices.BinarySearch(ids, previous)
	if found {
		i++
	}
	if i >= len(ids) {
		i = 0
	}
	return ids[i], true
}
