package gap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/virta/internal/delivery/ledger"
	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/domain"
)

func newDetector(t *testing.T, cfg config.GapConfig) (*Detector, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(64, zaptest.NewLogger(t))
	return NewDetector(cfg, led, zaptest.NewLogger(t)), led
}

func TestInOrderDeliveryProducesNoGaps(t *testing.T) {
	d, _ := newDetector(t, config.GapConfig{})

	for seq := uint64(0); seq < 10; seq++ {
		assert.Nil(t, d.Observe(domain.LaneNormal, seq))
	}
	assert.Equal(t, uint64(10), d.Expected(domain.LaneNormal))
	assert.Equal(t, uint64(0), d.Stats().Gaps[domain.LaneNormal])
}

func TestGapAttributedToRecordedDrops(t *testing.T) {
	d, led := newDetector(t, config.GapConfig{})

	// Sequences 0..3 delivered, 4 and 5 dropped on overflow.
	for seq := uint64(0); seq < 4; seq++ {
		require.Nil(t, d.Observe(domain.LaneNormal, seq))
	}
	led.Record(domain.LaneNormal, 4, domain.DropCauseBufferFull, 100)
	led.Record(domain.LaneNormal, 5, domain.DropCauseBufferFull, 101)

	g := d.Observe(domain.LaneNormal, 6)
	require.NotNil(t, g)
	assert.Equal(t, uint64(4), g.Expected)
	assert.Equal(t, uint64(6), g.Observed)
	assert.Equal(t, uint64(2), g.Missing)
	assert.Equal(t, domain.GapAttributed, g.Class)
	require.Len(t, g.Records, 1)
	assert.Equal(t, uint32(2), g.Records[0].Count)

	assert.Equal(t, uint64(7), d.Expected(domain.LaneNormal),
		"reconciliation resumes after the observed sequence")

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Gaps[domain.LaneNormal])
	assert.Equal(t, uint64(2), stats.Missing[domain.LaneNormal])
	assert.Equal(t, uint64(0), stats.Unattributed[domain.LaneNormal])
}

func TestGapWithNoRecordsIsUnattributed(t *testing.T) {
	d, _ := newDetector(t, config.GapConfig{})

	var alerts []domain.Gap
	d.SetUnattributedAlerter(func(g domain.Gap) {
		alerts = append(alerts, g)
	})

	require.Nil(t, d.Observe(domain.LaneCritical, 0))
	g := d.Observe(domain.LaneCritical, 5)
	require.NotNil(t, g)
	assert.Equal(t, domain.GapUnattributed, g.Class)
	assert.Equal(t, uint64(4), g.Missing)
	assert.Empty(t, g.Records)

	require.Len(t, alerts, 1)
	assert.Equal(t, uint64(1), alerts[0].Expected)
	assert.Equal(t, uint64(1), d.Stats().Unattributed[domain.LaneCritical])
}

func TestPartiallyExplainedGapIsUnattributed(t *testing.T) {
	d, led := newDetector(t, config.GapConfig{})

	require.Nil(t, d.Observe(domain.LaneNormal, 0))
	// Only sequence 1 of the missing 1..3 is on record.
	led.Record(domain.LaneNormal, 1, domain.DropCauseBufferFull, 100)

	g := d.Observe(domain.LaneNormal, 4)
	require.NotNil(t, g)
	assert.Equal(t, uint64(3), g.Missing)
	assert.Equal(t, domain.GapUnattributed, g.Class,
		"a gap is attributed only when drops explain all of it")
	require.Len(t, g.Records, 1, "partial records still attach for diagnosis")
}

func TestRecordsClippedToGapRange(t *testing.T) {
	d, led := newDetector(t, config.GapConfig{})

	require.Nil(t, d.Observe(domain.LaneNormal, 0))
	// One wide episode covering 1..9 while the observed gap is 1..3.
	for seq := uint64(1); seq < 10; seq++ {
		led.Record(domain.LaneNormal, seq, domain.DropCauseBufferFull, 100)
	}

	g := d.Observe(domain.LaneNormal, 4)
	require.NotNil(t, g)
	assert.Equal(t, domain.GapAttributed, g.Class)
}

func TestReorderNeverRewindsExpectation(t *testing.T) {
	d, _ := newDetector(t, config.GapConfig{})

	require.Nil(t, d.Observe(domain.LaneNormal, 0))
	g := d.Observe(domain.LaneNormal, 3)
	require.NotNil(t, g)
	require.Equal(t, uint64(4), d.Expected(domain.LaneNormal))

	// The stragglers from the reconciled range arrive late.
	assert.Nil(t, d.Observe(domain.LaneNormal, 1))
	assert.Nil(t, d.Observe(domain.LaneNormal, 2))
	assert.Equal(t, uint64(4), d.Expected(domain.LaneNormal), "late arrivals must not rewind")

	stats := d.Stats()
	assert.Equal(t, uint64(2), stats.Reorders[domain.LaneNormal])
	assert.Equal(t, uint64(1), stats.Gaps[domain.LaneNormal], "no second gap for stragglers")
}

func TestDuplicateDeliveryIsCountedNotFatal(t *testing.T) {
	d, _ := newDetector(t, config.GapConfig{})

	require.Nil(t, d.Observe(domain.LaneDebug, 0))
	require.Nil(t, d.Observe(domain.LaneDebug, 1))
	assert.Nil(t, d.Observe(domain.LaneDebug, 1))

	assert.Equal(t, uint64(1), d.Stats().Reorders[domain.LaneDebug])
	assert.Equal(t, uint64(2), d.Expected(domain.LaneDebug))
}

func TestLanesReconcileIndependently(t *testing.T) {
	d, _ := newDetector(t, config.GapConfig{})

	require.Nil(t, d.Observe(domain.LaneCritical, 0))
	require.NotNil(t, d.Observe(domain.LaneNormal, 5))

	assert.Equal(t, uint64(1), d.Expected(domain.LaneCritical))
	assert.Equal(t, uint64(6), d.Expected(domain.LaneNormal))
	assert.Equal(t, uint64(0), d.Stats().Gaps[domain.LaneCritical])
}

func TestResumeFromFirstObserved(t *testing.T) {
	d, _ := newDetector(t, config.GapConfig{ResumeFromFirstObserved: true})

	// First observation sets the baseline instead of flagging history.
	assert.Nil(t, d.Observe(domain.LaneNormal, 100))
	assert.Equal(t, uint64(101), d.Expected(domain.LaneNormal))

	// After the baseline, gaps are detected as usual.
	g := d.Observe(domain.LaneNormal, 103)
	require.NotNil(t, g)
	assert.Equal(t, uint64(101), g.Expected)
}

func TestCheckpointRestore(t *testing.T) {
	d, led := newDetector(t, config.GapConfig{})

	for seq := uint64(0); seq < 5; seq++ {
		require.Nil(t, d.Observe(domain.LaneNormal, seq))
	}
	cp := d.Checkpoint()

	fresh := NewDetector(config.GapConfig{}, led, zaptest.NewLogger(t))
	fresh.Restore(cp)
	assert.Equal(t, uint64(5), fresh.Expected(domain.LaneNormal))

	// Resuming exactly where the checkpoint points produces no gap.
	assert.Nil(t, fresh.Observe(domain.LaneNormal, 5))

	// A stale checkpoint cannot rewind a detector that moved on.
	fresh.Restore(cp)
	assert.Equal(t, uint64(6), fresh.Expected(domain.LaneNormal))
}
