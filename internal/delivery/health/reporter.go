// Package health periodically snapshots every delivery counter.
//
// The reporter pulls from the rings, router, ledger, gap detector,
// sampler and aggregation window, folds the numbers into one snapshot,
// grades it, and hands it to subscribers. Snapshot channels are never
// blocked on: a subscriber that cannot keep up misses snapshots and
// the miss is counted.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/virta/internal/delivery/aggregate"
	"github.com/yairfalse/virta/internal/delivery/backpressure"
	"github.com/yairfalse/virta/internal/delivery/buffer"
	"github.com/yairfalse/virta/internal/delivery/gap"
	"github.com/yairfalse/virta/internal/delivery/ledger"
	"github.com/yairfalse/virta/internal/delivery/router"
	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/domain"
)

// Reporter assembles and publishes delivery snapshots.
type Reporter struct {
	cfg        config.HealthConfig
	instanceID string

	rings    *buffer.Set
	router   *router.Router
	ledger   *ledger.Ledger
	detector *gap.Detector
	sampler  *backpressure.Controller
	window   *aggregate.Window // nil when aggregation is disabled

	logger *zap.Logger

	mu   sync.Mutex
	subs []chan domain.Snapshot

	last      atomic.Pointer[domain.Snapshot]
	lastLevel atomic.Uint32
	missed    atomic.Uint64
}

// NewReporter wires a reporter to the pipeline's components. window may
// be nil when aggregation is disabled.
func NewReporter(
	cfg config.HealthConfig,
	instanceID string,
	rings *buffer.Set,
	rt *router.Router,
	led *ledger.Ledger,
	detector *gap.Detector,
	sampler *backpressure.Controller,
	window *aggregate.Window,
	logger *zap.Logger,
) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		cfg:        cfg,
		instanceID: instanceID,
		rings:      rings,
		router:     rt,
		ledger:     led,
		detector:   detector,
		sampler:    sampler,
		window:     window,
		logger:     logger,
	}
}

// Collect assembles a snapshot from current counters.
func (r *Reporter) Collect() domain.Snapshot {
	rstats := r.router.Stats()
	gstats := r.detector.Stats()

	snap := domain.Snapshot{
		InstanceID: r.instanceID,
		TakenAt:    time.Now(),
		Router:     domain.RouterSnapshot{RejectedOversize: rstats.Oversize},
	}

	for _, lane := range domain.AllLanes() {
		ring := r.rings.ForLane(lane)
		rs := ring.Stats()
		snap.Lanes = append(snap.Lanes, domain.LaneSnapshot{
			Lane:         lane,
			Capacity:     rs.Capacity,
			Live:         rs.Live,
			Submitted:    rs.Submitted,
			Dropped:      rs.Dropped,
			Sampled:      rstats.Sampled[lane],
			Drained:      rs.Drained,
			Gaps:         gstats.Gaps[lane],
			Unattributed: gstats.Unattributed[lane],
			Reorders:     gstats.Reorders[lane],
			FillRatio:    ring.FillRatio(),
			SamplingRate: r.sampler.Rate(lane),
		})
	}

	if r.window != nil {
		wstats := r.window.Stats()
		snap.Aggregation = domain.AggregationSnapshot{
			OpenKeys:       uint64(wstats.OpenKeys),
			FlushedKeys:    wstats.FlushedKeys,
			Overflow:       wstats.Overflow,
			SkippedFlushes: wstats.SkippedFlushes,
		}
	}

	snap.Level = r.grade(snap)
	return snap
}

// grade derives the health level. Unattributed gaps or critical-lane
// drops make the instance unhealthy; high fill or active sampling
// degrade it.
func (r *Reporter) grade(snap domain.Snapshot) domain.HealthLevel {
	level := domain.HealthHealthy
	for _, ls := range snap.Lanes {
		if ls.Unattributed > 0 {
			return domain.HealthUnhealthy
		}
		if ls.Lane == domain.LaneCritical && ls.Dropped > 0 {
			return domain.HealthUnhealthy
		}
		if ls.FillRatio >= r.cfg.DegradedFillRatio || ls.SamplingRate < 1.0 || ls.Dropped > 0 {
			level = domain.HealthDegraded
		}
	}
	return level
}

// Subscribe returns a channel receiving every published snapshot. A
// full channel is skipped, not waited on.
func (r *Reporter) Subscribe(depth int) <-chan domain.Snapshot {
	if depth < 1 {
		depth = 1
	}
	ch := make(chan domain.Snapshot, depth)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// Last returns the most recently published snapshot, or nil before the
// first publication.
func (r *Reporter) Last() *domain.Snapshot {
	return r.last.Load()
}

// Missed returns how many snapshot deliveries were skipped because a
// subscriber was full.
func (r *Reporter) Missed() uint64 {
	return r.missed.Load()
}

// Publish collects one snapshot and fans it out.
func (r *Reporter) Publish() domain.Snapshot {
	snap := r.Collect()
	r.last.Store(&snap)

	if prev := domain.HealthLevel(r.lastLevel.Swap(uint32(snap.Level))); prev != snap.Level {
		r.logger.Warn("Health level changed",
			zap.String("from", prev.String()),
			zap.String("to", snap.Level.String()),
		)
	}

	r.mu.Lock()
	subs := make([]chan domain.Snapshot, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			r.missed.Add(1)
		}
	}
	return snap
}

// Run publishes on the configured interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap := r.Publish()
			var dropped, sampled uint64
			for _, ls := range snap.Lanes {
				dropped += ls.Dropped
				sampled += ls.Sampled
			}
			r.logger.Debug("Health snapshot",
				zap.String("level", snap.Level.String()),
				zap.Uint64("dropped_total", dropped),
				zap.Uint64("sampled_total", sampled),
			)
		}
	}
}
