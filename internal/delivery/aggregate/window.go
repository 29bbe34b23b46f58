// Package aggregate folds repetitive events into per-window summaries.
//
// High-rate event types are not worth delivering individually. The
// window keys incoming updates by source and type, accumulates counts
// and byte totals, and at each boundary retires the whole table as one
// summary event per key. The key table is bounded; when it fills, the
// configured policy either rejects new keys or evicts the least
// recently updated one, flushing the evicted accumulator early so its
// counts still reach the consumer. Either way the overflow counter
// moves, keeping table pressure visible separately from event drops.
package aggregate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/domain"
)

// summarySize is the wire size of an encoded summary payload.
const summarySize = 48

// ErrShortSummary is returned when a summary payload is truncated.
var ErrShortSummary = errors.New("summary payload too short")

// Key identifies one accumulator within a window.
type Key struct {
	SourceID uint32
	Type     domain.EventType
}

// Delta is one update folded into an accumulator. Flags is a caller
// defined bitmask; bits observed across updates are ORed together.
type Delta struct {
	Count     uint64
	Bytes     uint64
	Flags     uint64
	Timestamp uint64
}

type accumulator struct {
	count   uint64
	bytes   uint64
	flags   uint64
	firstTS uint64
	lastTS  uint64
}

func (a *accumulator) fold(d Delta) {
	a.count += d.Count
	a.bytes += d.Bytes
	a.flags |= d.Flags
	if d.Timestamp < a.firstTS || a.firstTS == 0 {
		a.firstTS = d.Timestamp
	}
	if d.Timestamp > a.lastTS {
		a.lastTS = d.Timestamp
	}
}

// Summary is a retired accumulator.
type Summary struct {
	Key     Key
	Count   uint64
	Bytes   uint64
	Flags   uint64
	FirstTS uint64
	LastTS  uint64
}

// Emitter receives retired summaries as direct lane submissions.
type Emitter interface {
	RouteTo(lane domain.LaneID, raw domain.RawEvent) domain.RouteOutcome
}

// Window is the open aggregation table. Update may be called from any
// goroutine; CloseAndFlush runs at boundaries and on shutdown.
type Window struct {
	window     time.Duration
	maxEntries int
	policy     string
	flushLane  domain.LaneID
	types      map[domain.EventType]bool

	emitter Emitter
	logger  *zap.Logger

	mu    sync.Mutex
	table *lru.Cache[Key, *accumulator]

	flushing atomic.Bool

	overflow       atomic.Uint64
	flushedKeys    atomic.Uint64
	skippedFlushes atomic.Uint64
}

// NewWindow builds a window from config. The emitter receives one
// summary per retired key on the configured flush lane.
func NewWindow(cfg config.AggregationConfig, emitter Emitter, logger *zap.Logger) (*Window, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	flushLane, err := domain.ParseLane(cfg.FlushLane)
	if err != nil {
		return nil, fmt.Errorf("flush lane: %w", err)
	}
	table, err := lru.New[Key, *accumulator](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("key table: %w", err)
	}

	types := make(map[domain.EventType]bool, len(cfg.Types))
	for _, t := range cfg.Types {
		types[domain.EventType(t)] = true
	}

	return &Window{
		window:     cfg.Window,
		maxEntries: cfg.MaxEntries,
		policy:     cfg.OverflowPolicy,
		flushLane:  flushLane,
		types:      types,
		emitter:    emitter,
		logger:     logger,
		table:      table,
	}, nil
}

// Aggregates reports whether events of this type fold into the window.
func (w *Window) Aggregates(t domain.EventType) bool {
	return w.types[t]
}

// Update folds one delta into the key's accumulator. It returns false
// when the key table is full and the policy rejects new keys; the
// update is then counted as overflow and discarded.
func (w *Window) Update(key Key, d Delta) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if acc, ok := w.table.Get(key); ok {
		acc.fold(d)
		return true
	}

	if w.table.Len() >= w.maxEntries {
		w.overflow.Add(1)
		if w.policy == config.OverflowRejectNewKeys {
			return false
		}
		// Evict the least recently updated key and flush it early so
		// its counts are not lost with it.
		oldKey, oldAcc, ok := w.table.RemoveOldest()
		if ok {
			w.emit(oldKey, oldAcc)
		}
	}

	acc := &accumulator{}
	acc.fold(d)
	w.table.Add(key, acc)
	return true
}

// CloseAndFlush retires the open table and emits one summary per key.
// It returns the number of summaries emitted. If a flush is already
// running, the call is skipped and counted rather than queued, so two
// flushes never race on the same table.
func (w *Window) CloseAndFlush() int {
	if !w.flushing.CompareAndSwap(false, true) {
		w.skippedFlushes.Add(1)
		w.logger.Warn("Flush boundary skipped, previous flush still running")
		return 0
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	retired := w.table
	fresh, err := lru.New[Key, *accumulator](w.maxEntries)
	if err != nil {
		// Capacity was validated at construction, so this cannot fail;
		// keep the old table rather than lose it.
		w.mu.Unlock()
		w.logger.Error("Failed to open fresh window table", zap.Error(err))
		return 0
	}
	w.table = fresh
	w.mu.Unlock()

	n := 0
	for _, key := range retired.Keys() {
		acc, ok := retired.Peek(key)
		if !ok {
			continue
		}
		w.emit(key, acc)
		n++
	}
	if n > 0 {
		w.logger.Debug("Window flushed", zap.Int("keys", n))
	}
	return n
}

// emit routes one retired accumulator as a summary event.
func (w *Window) emit(key Key, acc *accumulator) {
	w.flushedKeys.Add(1)
	w.emitter.RouteTo(w.flushLane, domain.RawEvent{
		Type:      domain.TypeAggregateSummary,
		Timestamp: acc.lastTS,
		SourceID:  key.SourceID,
		Payload:   encodeSummary(key, acc),
	})
}

// Run flushes at every window boundary until ctx is done, then flushes
// whatever remains.
func (w *Window) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.CloseAndFlush()
			return nil
		case <-ticker.C:
			w.CloseAndFlush()
		}
	}
}

// Stats is the window's counter snapshot.
type Stats struct {
	OpenKeys       int
	FlushedKeys    uint64
	Overflow       uint64
	SkippedFlushes uint64
}

// Stats returns current counters.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	open := w.table.Len()
	w.mu.Unlock()

	return Stats{
		OpenKeys:       open,
		FlushedKeys:    w.flushedKeys.Load(),
		Overflow:       w.overflow.Load(),
		SkippedFlushes: w.skippedFlushes.Load(),
	}
}

// encodeSummary packs a summary into its fixed little-endian layout:
// source id, event type, two reserved bytes, then count, bytes, first
// and last timestamps, and the flag bitmask.
func encodeSummary(key Key, acc *accumulator) []byte {
	buf := make([]byte, summarySize)
	binary.LittleEndian.PutUint32(buf[0:4], key.SourceID)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(key.Type))
	binary.LittleEndian.PutUint64(buf[8:16], acc.count)
	binary.LittleEndian.PutUint64(buf[16:24], acc.bytes)
	binary.LittleEndian.PutUint64(buf[24:32], acc.firstTS)
	binary.LittleEndian.PutUint64(buf[32:40], acc.lastTS)
	binary.LittleEndian.PutUint64(buf[40:48], acc.flags)
	return buf
}

// ParseSummary decodes a summary payload produced by a window flush.
func ParseSummary(payload []byte) (Summary, error) {
	if len(payload) < summarySize {
		return Summary{}, fmt.Errorf("%w: %d bytes", ErrShortSummary, len(payload))
	}
	return Summary{
		Key: Key{
			SourceID: binary.LittleEndian.Uint32(payload[0:4]),
			Type:     domain.EventType(binary.LittleEndian.Uint16(payload[4:6])),
		},
		Count:   binary.LittleEndian.Uint64(payload[8:16]),
		Bytes:   binary.LittleEndian.Uint64(payload[16:24]),
		FirstTS: binary.LittleEndian.Uint64(payload[24:32]),
		LastTS:  binary.LittleEndian.Uint64(payload[32:40]),
		Flags:   binary.LittleEndian.Uint64(payload[40:48]),
	}, nil
}
