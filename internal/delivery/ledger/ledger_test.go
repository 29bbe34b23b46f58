package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/virta/pkg/domain"
)

func TestConsecutiveDropsCoalesce(t *testing.T) {
	l := New(16, zaptest.NewLogger(t))

	l.Record(domain.LaneNormal, 4, domain.DropCauseBufferFull, 100)
	l.Record(domain.LaneNormal, 5, domain.DropCauseBufferFull, 110)

	require.Equal(t, 1, l.Len())
	recs := l.Scan(domain.LaneNormal, 0, 100)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(4), recs[0].SeqStart)
	assert.Equal(t, uint64(5), recs[0].SeqEnd)
	assert.Equal(t, uint32(2), recs[0].Count)
	assert.Equal(t, domain.DropCauseBufferFull, recs[0].Cause)
	assert.Equal(t, uint64(100), recs[0].ObservedAt, "episode keeps its opening timestamp")
}

func TestGapInSequenceOpensNewEpisode(t *testing.T) {
	l := New(16, zaptest.NewLogger(t))

	l.Record(domain.LaneNormal, 4, domain.DropCauseBufferFull, 100)
	l.Record(domain.LaneNormal, 9, domain.DropCauseBufferFull, 120)

	require.Equal(t, 2, l.Len())
	assert.Equal(t, uint64(2), l.TotalDropped(domain.LaneNormal))
}

func TestLanesDoNotShareEpisodes(t *testing.T) {
	l := New(16, zaptest.NewLogger(t))

	l.Record(domain.LaneNormal, 4, domain.DropCauseBufferFull, 100)
	l.Record(domain.LaneDebug, 5, domain.DropCauseBufferFull, 101)
	l.Record(domain.LaneNormal, 5, domain.DropCauseBufferFull, 102)

	require.Equal(t, 2, l.Len(), "interleaved lanes keep their own episodes")
	recs := l.Scan(domain.LaneNormal, 4, 5)
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(2), recs[0].Count)
}

func TestEvictionPreservesTotals(t *testing.T) {
	l := New(4, zaptest.NewLogger(t))

	// Every record is non-consecutive so each opens an episode.
	for i := uint64(0); i < 10; i++ {
		l.Record(domain.LaneNormal, i*10, domain.DropCauseBufferFull, i)
	}

	assert.Equal(t, 4, l.Len())
	assert.Equal(t, uint64(6), l.Evicted())
	assert.Equal(t, uint64(10), l.TotalDropped(domain.LaneNormal),
		"totals must survive episode eviction")

	// Only the newest four episodes remain.
	recs := l.Scan(domain.LaneNormal, 0, 1000)
	require.Len(t, recs, 4)
	assert.Equal(t, uint64(60), recs[0].SeqStart)
	assert.Equal(t, uint64(90), recs[3].SeqStart)
}

func TestEvictedEpisodeStopsCoalescing(t *testing.T) {
	l := New(2, zaptest.NewLogger(t))

	l.Record(domain.LaneNormal, 0, domain.DropCauseBufferFull, 1)
	l.Record(domain.LaneDebug, 10, domain.DropCauseBufferFull, 2)
	l.Record(domain.LaneCritical, 20, domain.DropCauseBufferFull, 3) // evicts normal's episode

	// Sequence 1 would have extended the evicted episode. It must open
	// a fresh one instead of writing through a stale slot.
	l.Record(domain.LaneNormal, 1, domain.DropCauseBufferFull, 4)

	recs := l.Scan(domain.LaneNormal, 0, 100)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].SeqStart)
	assert.Equal(t, uint32(1), recs[0].Count)
}

func TestScanFiltersByRangeAndLane(t *testing.T) {
	l := New(16, zaptest.NewLogger(t))

	l.Record(domain.LaneNormal, 4, domain.DropCauseBufferFull, 100)
	l.Record(domain.LaneNormal, 5, domain.DropCauseBufferFull, 101)
	l.Record(domain.LaneNormal, 20, domain.DropCauseBufferFull, 102)
	l.Record(domain.LaneDebug, 5, domain.DropCauseBufferFull, 103)

	assert.Len(t, l.Scan(domain.LaneNormal, 0, 3), 0)
	assert.Len(t, l.Scan(domain.LaneNormal, 5, 10), 1)
	assert.Len(t, l.Scan(domain.LaneNormal, 4, 20), 2)
	assert.Len(t, l.Scan(domain.LaneCritical, 0, 100), 0)
}

func TestDifferentCauseOpensNewEpisode(t *testing.T) {
	l := New(16, zaptest.NewLogger(t))

	l.Record(domain.LaneNormal, 4, domain.DropCauseBufferFull, 100)
	l.Record(domain.LaneNormal, 5, domain.DropCauseUnknown, 101)

	assert.Equal(t, 2, l.Len())
}

func TestConcurrentRecordKeepsConservation(t *testing.T) {
	const (
		workers = 8
		perW    = 2000
	)
	l := New(64, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			lane := domain.AllLanes()[w%len(domain.AllLanes())]
			for i := 0; i < perW; i++ {
				l.Record(lane, uint64(w*perW+i), domain.DropCauseBufferFull, uint64(i))
			}
		}(w)
	}
	wg.Wait()

	var total uint64
	for _, lane := range domain.AllLanes() {
		total += l.TotalDropped(lane)
	}
	assert.Equal(t, uint64(workers*perW), total,
		"every recorded drop must be counted exactly once")
	assert.LessOrEqual(t, l.Len(), 64)
}
