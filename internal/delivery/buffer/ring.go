// Package buffer implements the fixed-capacity per-lane event ring.
//
// The ring is multi-producer single-consumer. Producers claim a slot
// with TryReserve, then either Commit an event into it or Abandon the
// reservation. The consumer drains committed events in admission order
// and reclaims abandoned slots as it passes them. Capacity is fixed at
// construction and reservations count against it, so the ring never
// holds more than capacity slots in flight.
package buffer

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/yairfalse/virta/pkg/domain"
)

// ErrFull is returned by TryReserve when live slots equal capacity.
var ErrFull = errors.New("lane buffer full")

// Slot lifecycle. A slot cycles free -> reserved -> ready -> free, or
// free -> reserved -> abandoned -> free when the producer backs out.
const (
	slotFree uint32 = iota
	slotReserved
	slotReady
	slotAbandoned
)

type slot struct {
	state atomic.Uint32
	event domain.Event
}

// Ring is the storage for one delivery lane.
type Ring struct {
	lane         domain.LaneID
	slots        []slot
	capacity     uint64
	capacityMask uint64
	_            [128]byte // padding to prevent false sharing
	writeIndex   atomic.Uint64
	_            [128]byte // padding
	readIndex    atomic.Uint64
	_            [128]byte // padding
	submitted    atomic.Uint64
	dropped      atomic.Uint64
	drained      atomic.Uint64
	abandoned    atomic.Uint64
	notify       chan struct{}
}

// NewRing creates a ring for the lane. Capacity must be a power of 2.
func NewRing(lane domain.LaneID, capacity int) (*Ring, error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, errors.New("capacity must be a power of 2")
	}
	return &Ring{
		lane:         lane,
		slots:        make([]slot, capacity),
		capacity:     uint64(capacity),
		capacityMask: uint64(capacity) - 1,
		notify:       make(chan struct{}, 1),
	}, nil
}

// Lane returns the lane this ring serves.
func (r *Ring) Lane() domain.LaneID {
	return r.lane
}

// Capacity returns the fixed slot count.
func (r *Ring) Capacity() uint64 {
	return r.capacity
}

// Reservation is a claimed slot awaiting Commit or Abandon. It is owned
// by the goroutine that reserved it and must be resolved exactly once.
type Reservation struct {
	ring *Ring
	idx  uint64
}

// TryReserve claims the next slot. It fails fast with ErrFull when the
// ring is at capacity; it never blocks waiting for space.
func (r *Ring) TryReserve() (Reservation, error) {
	for {
		writeIdx := r.writeIndex.Load()
		readIdx := r.readIndex.Load()

		if writeIdx-readIdx >= r.capacity {
			return Reservation{}, ErrFull
		}

		if r.writeIndex.CompareAndSwap(writeIdx, writeIdx+1) {
			// The slot was freed before readIndex moved past it on the
			// previous lap, so it is always free here.
			r.slots[writeIdx&r.capacityMask].state.Store(slotReserved)
			return Reservation{ring: r, idx: writeIdx}, nil
		}

		// Lost the claim race, retry
		runtime.Gosched()
	}
}

// Commit publishes the event into the reserved slot. The event becomes
// visible to the consumer in admission order.
func (res *Reservation) Commit(ev domain.Event) {
	r := res.ring
	if r == nil {
		return
	}
	res.ring = nil

	s := &r.slots[res.idx&r.capacityMask]
	s.event = ev
	s.state.Store(slotReady)
	r.submitted.Add(1)
	r.signal()
}

// Abandon releases the reservation without publishing an event. The
// slot is tombstoned so the consumer can reclaim it in order.
func (res *Reservation) Abandon() {
	r := res.ring
	if r == nil {
		return
	}
	res.ring = nil

	r.slots[res.idx&r.capacityMask].state.Store(slotAbandoned)
	r.abandoned.Add(1)
	r.signal()
}

func (r *Ring) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// RecordDrop counts events refused admission because the ring was full.
// The router calls it alongside its ledger write, so this counter and
// the lane's ledger total move together.
func (r *Ring) RecordDrop(n uint64) {
	r.dropped.Add(n)
}

// Dropped returns how many events were refused admission.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

// Drain moves up to len(batch) committed events into batch, in the
// order they were admitted. Abandoned slots encountered on the way are
// reclaimed without producing an event. Drain stops early at a slot
// whose producer has reserved but not yet resolved it, preserving
// order. Only one goroutine may call Drain.
func (r *Ring) Drain(batch []domain.Event) int {
	n := 0
	for n < len(batch) {
		readIdx := r.readIndex.Load()
		if readIdx >= r.writeIndex.Load() {
			break
		}

		s := &r.slots[readIdx&r.capacityMask]
		switch s.state.Load() {
		case slotReady:
			batch[n] = s.event
			s.event = domain.Event{}
			s.state.Store(slotFree)
			r.readIndex.Store(readIdx + 1)
			r.drained.Add(1)
			n++
		case slotAbandoned:
			s.event = domain.Event{}
			s.state.Store(slotFree)
			r.readIndex.Store(readIdx + 1)
		default:
			// Producer still holds the slot. Its event is older than
			// anything behind it, so wait rather than reorder.
			return n
		}
	}
	return n
}

// WaitReady blocks until the ring has something for Drain, the timeout
// elapses, or ctx is done. It returns true when a drain is worthwhile.
func (r *Ring) WaitReady(ctx context.Context, timeout time.Duration) bool {
	if r.headResolved() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.notify:
		return true
	case <-timer.C:
		return r.headResolved()
	case <-ctx.Done():
		return false
	}
}

// Notify returns the channel pulsed when a slot resolves. One pulse
// may cover several events; receivers drain until empty. Only the
// consumer should receive from it.
func (r *Ring) Notify() <-chan struct{} {
	return r.notify
}

func (r *Ring) headResolved() bool {
	readIdx := r.readIndex.Load()
	if readIdx >= r.writeIndex.Load() {
		return false
	}
	st := r.slots[readIdx&r.capacityMask].state.Load()
	return st == slotReady || st == slotAbandoned
}

// Live returns slots currently in flight: committed events waiting for
// the consumer plus unresolved reservations and unreclaimed tombstones.
func (r *Ring) Live() uint64 {
	writeIdx := r.writeIndex.Load()
	readIdx := r.readIndex.Load()
	if writeIdx < readIdx {
		return 0
	}
	return writeIdx - readIdx
}

// FillRatio returns Live over capacity, in [0.0, 1.0].
func (r *Ring) FillRatio() float64 {
	ratio := float64(r.Live()) / float64(r.capacity)
	if ratio > 1.0 {
		ratio = 1.0
	}
	return ratio
}

// Stats is a point-in-time counter snapshot for one ring.
type Stats struct {
	Capacity  uint64
	Live      uint64
	Submitted uint64
	Dropped   uint64
	Drained   uint64
	Abandoned uint64
}

// Stats returns current counters. Values are read independently, so a
// snapshot taken under load is approximate across fields.
func (r *Ring) Stats() Stats {
	return Stats{
		Capacity:  r.capacity,
		Live:      r.Live(),
		Submitted: r.submitted.Load(),
		Dropped:   r.dropped.Load(),
		Drained:   r.drained.Load(),
		Abandoned: r.abandoned.Load(),
	}
}

// Set holds the ring for every lane.
type Set struct {
	rings [domain.NumLanes]*Ring
}

// NewSet builds one ring per lane with the given capacities.
func NewSet(capacities [domain.NumLanes]int) (*Set, error) {
	s := &Set{}
	for _, lane := range domain.AllLanes() {
		ring, err := NewRing(lane, capacities[lane])
		if err != nil {
			return nil, err
		}
		s.rings[lane] = ring
	}
	return s, nil
}

// ForLane returns the ring serving the lane.
func (s *Set) ForLane(lane domain.LaneID) *Ring {
	return s.rings[lane]
}
