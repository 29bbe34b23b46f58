// Package sequence allocates per-lane monotonic sequence numbers.
//
// Every event admitted to a lane receives the next number for that lane
// before buffer space is reserved, so a number is consumed whether the
// event is ultimately delivered or dropped. Consumers reconcile the
// numbering downstream to detect loss.
package sequence

import (
	"sync/atomic"

	"github.com/yairfalse/virta/pkg/domain"
)

// Allocator hands out dense sequence numbers per lane, starting at 0.
// All methods are safe for concurrent use.
type Allocator struct {
	lanes [domain.NumLanes]atomic.Uint64
}

// NewAllocator returns an allocator with every lane at zero.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next allocates and returns the next sequence number for the lane.
// Numbers are never reused and never skipped by the allocator itself.
func (a *Allocator) Next(lane domain.LaneID) uint64 {
	return a.lanes[lane].Add(1) - 1
}

// Peek returns the number the next Next call would allocate.
func (a *Allocator) Peek(lane domain.LaneID) uint64 {
	return a.lanes[lane].Load()
}

// Checkpoint captures the current allocation position of every lane.
func (a *Allocator) Checkpoint() [domain.NumLanes]uint64 {
	var cp [domain.NumLanes]uint64
	for i := range cp {
		cp[i] = a.lanes[i].Load()
	}
	return cp
}

// Restore advances lanes to at least the checkpointed positions. It
// never rewinds: a lane already past its checkpoint is left alone.
func (a *Allocator) Restore(cp [domain.NumLanes]uint64) {
	for i := range cp {
		for {
			cur := a.lanes[i].Load()
			if cur >= cp[i] {
				break
			}
			if a.lanes[i].CompareAndSwap(cur, cp[i]) {
				break
			}
		}
	}
}
