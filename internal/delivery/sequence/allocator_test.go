package sequence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/virta/pkg/domain"
)

func TestNextStartsAtZeroAndIsDense(t *testing.T) {
	a := NewAllocator()

	for want := uint64(0); want < 100; want++ {
		assert.Equal(t, want, a.Next(domain.LaneNormal))
	}
	assert.Equal(t, uint64(100), a.Peek(domain.LaneNormal))
}

func TestLanesAreIndependent(t *testing.T) {
	a := NewAllocator()

	a.Next(domain.LaneCritical)
	a.Next(domain.LaneCritical)
	a.Next(domain.LaneDebug)

	assert.Equal(t, uint64(2), a.Peek(domain.LaneCritical))
	assert.Equal(t, uint64(0), a.Peek(domain.LaneNormal))
	assert.Equal(t, uint64(1), a.Peek(domain.LaneDebug))
}

func TestConcurrentNextNeverDuplicates(t *testing.T) {
	const (
		workers = 16
		perW    = 1000
	)
	a := NewAllocator()

	results := make([][]uint64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			out := make([]uint64, 0, perW)
			for i := 0; i < perW; i++ {
				out = append(out, a.Next(domain.LaneNormal))
			}
			results[w] = out
		}(w)
	}
	wg.Wait()

	seen := make(map[uint64]bool, workers*perW)
	for _, out := range results {
		for _, seq := range out {
			require.False(t, seen[seq], "sequence %d allocated twice", seq)
			seen[seq] = true
		}
	}
	assert.Len(t, seen, workers*perW)
	assert.Equal(t, uint64(workers*perW), a.Peek(domain.LaneNormal))
}

func TestRestoreNeverRewinds(t *testing.T) {
	a := NewAllocator()
	for i := 0; i < 10; i++ {
		a.Next(domain.LaneCritical)
	}
	cp := a.Checkpoint()

	b := NewAllocator()
	b.Next(domain.LaneNormal) // lane ahead of an empty checkpoint entry
	b.Restore(cp)

	assert.Equal(t, uint64(10), b.Peek(domain.LaneCritical))
	assert.Equal(t, uint64(1), b.Peek(domain.LaneNormal), "restore must not rewind a lane")

	// Restoring an older checkpoint onto the source is a no-op.
	a.Next(domain.LaneCritical)
	a.Restore(cp)
	assert.Equal(t, uint64(11), a.Peek(domain.LaneCritical))
}
