package backpressure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/virta/internal/delivery/buffer"
	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/domain"
)

func testController(t *testing.T, capacities [domain.NumLanes]int) (*Controller, *buffer.Set) {
	t.Helper()
	rings, err := buffer.NewSet(capacities)
	require.NoError(t, err)

	cfg := config.BackpressureConfig{
		Interval:      100,
		HighWatermark: 0.75,
		NormalFloor:   0.25,
		DebugFloor:    0.05,
	}
	return NewController(cfg, rings, zaptest.NewLogger(t)), rings
}

func fillRing(t *testing.T, ring *buffer.Ring, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		res, err := ring.TryReserve()
		require.NoError(t, err)
		res.Commit(domain.Event{Lane: ring.Lane(), Sequence: uint64(i)})
	}
}

func TestRatesStartAtFullAdmission(t *testing.T) {
	c, _ := testController(t, [domain.NumLanes]int{8, 8, 8})

	for _, lane := range domain.AllLanes() {
		assert.Equal(t, 1.0, c.Rate(lane))
		assert.True(t, c.ShouldAdmit(lane))
	}
}

func TestBelowWatermarkStaysAtFull(t *testing.T) {
	c, rings := testController(t, [domain.NumLanes]int{16, 16, 16})

	fillRing(t, rings.ForLane(domain.LaneNormal), 8) // fill 0.5
	c.Evaluate(context.Background())

	assert.Equal(t, 1.0, c.Rate(domain.LaneNormal))
}

func TestRateDescendsLinearlyAboveWatermark(t *testing.T) {
	c, rings := testController(t, [domain.NumLanes]int{16, 16, 16})

	// fill 0.875 is halfway between watermark 0.75 and 1.0, so the
	// rate lands halfway between 1.0 and the 0.25 floor.
	fillRing(t, rings.ForLane(domain.LaneNormal), 14)
	c.Evaluate(context.Background())

	assert.InDelta(t, 0.625, c.Rate(domain.LaneNormal), 0.001)
}

func TestRateClampsAtFloorWhenFull(t *testing.T) {
	c, rings := testController(t, [domain.NumLanes]int{16, 16, 16})

	fillRing(t, rings.ForLane(domain.LaneNormal), 16)
	fillRing(t, rings.ForLane(domain.LaneDebug), 16)
	c.Evaluate(context.Background())

	assert.InDelta(t, 0.25, c.Rate(domain.LaneNormal), 0.001)
	assert.InDelta(t, 0.05, c.Rate(domain.LaneDebug), 0.001)
}

func TestCriticalLaneIsNeverSampled(t *testing.T) {
	c, rings := testController(t, [domain.NumLanes]int{16, 16, 16})

	fillRing(t, rings.ForLane(domain.LaneCritical), 16)
	c.Evaluate(context.Background())

	assert.Equal(t, 1.0, c.Rate(domain.LaneCritical))
	for i := 0; i < 1000; i++ {
		require.True(t, c.ShouldAdmit(domain.LaneCritical))
	}
}

func TestRateRecoversWhenBufferDrains(t *testing.T) {
	c, rings := testController(t, [domain.NumLanes]int{16, 16, 16})
	ring := rings.ForLane(domain.LaneNormal)

	fillRing(t, ring, 16)
	c.Evaluate(context.Background())
	require.Less(t, c.Rate(domain.LaneNormal), 1.0)

	batch := make([]domain.Event, 16)
	require.Equal(t, 16, ring.Drain(batch))
	c.Evaluate(context.Background())

	assert.Equal(t, 1.0, c.Rate(domain.LaneNormal))
}

func TestShouldAdmitFollowsPublishedRate(t *testing.T) {
	c, rings := testController(t, [domain.NumLanes]int{16, 16, 16})

	// Drive debug to its floor of 0.05.
	fillRing(t, rings.ForLane(domain.LaneDebug), 16)
	c.Evaluate(context.Background())

	const trials = 20000
	admitted := 0
	for i := 0; i < trials; i++ {
		if c.ShouldAdmit(domain.LaneDebug) {
			admitted++
		}
	}
	// Expect roughly 5% admission. Wide bounds keep this stable.
	assert.Greater(t, admitted, trials/100)
	assert.Less(t, admitted, trials/5)
}
