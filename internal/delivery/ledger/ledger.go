// Package ledger records what was dropped and why.
//
// Drops are stored as episodes: runs of consecutive sequence numbers on
// one lane lost to the same cause collapse into a single record, so a
// burst of ten thousand drops costs one entry. Episode storage is a
// bounded FIFO; when it overflows, the oldest episodes are evicted but
// the per-lane drop totals keep counting, so accounting never lies even
// when the detail is gone.
package ledger

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yairfalse/virta/pkg/domain"
)

// noEpisode marks a lane with no open episode in the ring.
const noEpisode = -1

// Ledger is safe for concurrent use. Record is mutex-guarded; it sits
// on the drop path only, which is already the slow path.
type Ledger struct {
	mu      sync.Mutex
	records []domain.DropRecord // ring storage
	head    int                 // index of oldest record
	size    int
	open    [domain.NumLanes]int // ring position of each lane's open episode

	totals   [domain.NumLanes]atomic.Uint64
	episodes atomic.Uint64
	evicted  atomic.Uint64

	logger *zap.Logger
}

// New creates a ledger retaining at most maxRecords episodes.
func New(maxRecords int, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		records: make([]domain.DropRecord, maxRecords),
		logger:  logger,
	}
	for i := range l.open {
		l.open[i] = noEpisode
	}
	return l
}

// Record accounts one dropped event. Consecutive sequences on the same
// lane with the same cause extend the lane's open episode; anything
// else opens a new one.
func (l *Ledger) Record(lane domain.LaneID, seq uint64, cause domain.DropCause, observedAt uint64) {
	l.totals[lane].Add(1)

	l.mu.Lock()
	if idx := l.open[lane]; idx != noEpisode {
		rec := &l.records[idx]
		if rec.Cause == cause && seq == rec.SeqEnd+1 {
			rec.SeqEnd = seq
			rec.Count++
			l.mu.Unlock()
			return
		}
	}

	l.push(domain.DropRecord{
		Lane:       lane,
		SeqStart:   seq,
		SeqEnd:     seq,
		Count:      1,
		Cause:      cause,
		ObservedAt: observedAt,
	})
	l.mu.Unlock()

	if n := l.episodes.Add(1); n == 1 || n%100 == 0 {
		l.logger.Warn("event drop episode opened",
			zap.String("lane", lane.String()),
			zap.Uint64("sequence", seq),
			zap.String("cause", cause.String()),
			zap.Uint64("episodes_total", n),
		)
	}
}

// push appends a record, evicting the oldest when full. Caller holds mu.
func (l *Ledger) push(rec domain.DropRecord) {
	if l.size == len(l.records) {
		evictedLane := l.records[l.head].Lane
		if l.open[evictedLane] == l.head {
			l.open[evictedLane] = noEpisode
		}
		l.head = (l.head + 1) % len(l.records)
		l.size--
		l.evicted.Add(1)
	}
	pos := (l.head + l.size) % len(l.records)
	l.records[pos] = rec
	l.size++
	l.open[rec.Lane] = pos
}

// Scan returns copies of the retained episodes for lane that overlap
// the inclusive sequence range [from, to], oldest first.
func (l *Ledger) Scan(lane domain.LaneID, from, to uint64) []domain.DropRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.DropRecord
	for i := 0; i < l.size; i++ {
		rec := l.records[(l.head+i)%len(l.records)]
		if rec.Lane == lane && rec.Overlaps(from, to) {
			out = append(out, rec)
		}
	}
	return out
}

// TotalDropped returns the lifetime drop count for the lane, including
// drops whose episodes have been evicted.
func (l *Ledger) TotalDropped(lane domain.LaneID) uint64 {
	return l.totals[lane].Load()
}

// Totals returns lifetime drop counts for all lanes.
func (l *Ledger) Totals() [domain.NumLanes]uint64 {
	var out [domain.NumLanes]uint64
	for i := range out {
		out[i] = l.totals[i].Load()
	}
	return out
}

// Len returns the number of retained episodes.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Evicted returns how many episodes have been discarded to stay within
// the retention bound.
func (l *Ledger) Evicted() uint64 {
	return l.evicted.Load()
}
