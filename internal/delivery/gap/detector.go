// Package gap reconciles observed sequence numbers against expectation.
//
// The consumer feeds every drained event through the detector. A jump
// past the expected number means events went missing between producer
// and consumer; the detector sizes the hole and asks the drop ledger
// whether known drops explain it. Fully explained gaps are attributed
// and routine. Anything less is unattributed and signals real trouble:
// corruption, a skipped wraparound, or loss nobody accounted for.
//
// Expectation never rewinds. An old or duplicate sequence is counted
// and otherwise ignored, so one reordered event cannot re-open a
// reconciled range.
package gap

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/virta/internal/delivery/ledger"
	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/domain"
)

// Alerter is notified of unattributed gaps.
type Alerter func(g domain.Gap)

// Detector tracks per-lane reconciliation state. Observe is called by
// the single consumer goroutine; counter reads are safe from anywhere.
type Detector struct {
	resumeFromFirst bool
	ledger          *ledger.Ledger
	logger          *zap.Logger
	onUnattributed  Alerter

	expected [domain.NumLanes]atomic.Uint64
	started  [domain.NumLanes]atomic.Bool

	gaps         [domain.NumLanes]atomic.Uint64
	missing      [domain.NumLanes]atomic.Uint64
	unattributed [domain.NumLanes]atomic.Uint64
	reorders     [domain.NumLanes]atomic.Uint64

	gapsMetric metric.Int64Counter
}

// NewDetector creates a detector reconciling against the ledger.
func NewDetector(cfg config.GapConfig, led *ledger.Ledger, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		resumeFromFirst: cfg.ResumeFromFirstObserved,
		ledger:          led,
		logger:          logger,
	}

	var err error
	meter := otel.Meter("virta.gap")
	d.gapsMetric, err = meter.Int64Counter(
		"virta_gap_events_total",
		metric.WithDescription("Sequence gaps by lane and attribution class"),
	)
	if err != nil {
		logger.Debug("Failed to create gap counter", zap.Error(err))
	}

	return d
}

// SetUnattributedAlerter installs the hook for unattributed gaps. Call
// before the consumer starts observing.
func (d *Detector) SetUnattributedAlerter(fn Alerter) {
	d.onUnattributed = fn
}

// Observe reconciles one delivered sequence number. It returns a gap
// when seq jumped past expectation, nil otherwise.
func (d *Detector) Observe(lane domain.LaneID, seq uint64) *domain.Gap {
	if d.resumeFromFirst && d.started[lane].CompareAndSwap(false, true) {
		d.expected[lane].Store(seq + 1)
		return nil
	}

	expected := d.expected[lane].Load()
	switch {
	case seq == expected:
		d.expected[lane].Store(seq + 1)
		return nil

	case seq < expected:
		// Late or duplicate delivery. Expectation stays put.
		d.reorders[lane].Add(1)
		return nil
	}

	g := d.classify(lane, expected, seq)
	d.expected[lane].Store(seq + 1)

	d.gaps[lane].Add(1)
	d.missing[lane].Add(g.Missing)
	if d.gapsMetric != nil {
		d.gapsMetric.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("lane", lane.String()),
			attribute.String("class", g.Class.String()),
		))
	}

	if g.Class == domain.GapUnattributed {
		d.unattributed[lane].Add(1)
		d.logger.Warn("Unattributed sequence gap",
			zap.String("lane", lane.String()),
			zap.Uint64("expected", g.Expected),
			zap.Uint64("observed", g.Observed),
			zap.Uint64("missing", g.Missing),
			zap.Int("known_drop_records", len(g.Records)),
		)
		if d.onUnattributed != nil {
			d.onUnattributed(*g)
		}
	} else {
		d.logger.Debug("Gap attributed to recorded drops",
			zap.String("lane", lane.String()),
			zap.Uint64("expected", g.Expected),
			zap.Uint64("observed", g.Observed),
			zap.Uint64("missing", g.Missing),
		)
	}

	return g
}

// classify sizes the hole [expected, seq-1] and checks whether the
// ledger's retained episodes explain every missing sequence.
func (d *Detector) classify(lane domain.LaneID, expected, seq uint64) *domain.Gap {
	missing := seq - expected
	g := &domain.Gap{
		Lane:     lane,
		Expected: expected,
		Observed: seq,
		Missing:  missing,
		Class:    domain.GapUnattributed,
	}

	g.Records = d.ledger.Scan(lane, expected, seq-1)

	// Lane episodes never overlap each other, so clipped sizes sum to
	// the covered count.
	var covered uint64
	for _, rec := range g.Records {
		lo, hi := rec.SeqStart, rec.SeqEnd
		if lo < expected {
			lo = expected
		}
		if hi > seq-1 {
			hi = seq - 1
		}
		covered += hi - lo + 1
	}
	if covered >= missing {
		g.Class = domain.GapAttributed
	}

	return g
}

// Expected returns the next sequence the lane should deliver.
func (d *Detector) Expected(lane domain.LaneID) uint64 {
	return d.expected[lane].Load()
}

// Checkpoint captures per-lane expectations for restart.
func (d *Detector) Checkpoint() [domain.NumLanes]uint64 {
	var cp [domain.NumLanes]uint64
	for i := range cp {
		cp[i] = d.expected[i].Load()
	}
	return cp
}

// Restore advances expectations to at least the checkpoint. Lanes
// already ahead are untouched, so a stale checkpoint cannot re-open
// reconciled history.
func (d *Detector) Restore(cp [domain.NumLanes]uint64) {
	for i := range cp {
		if cp[i] > 0 {
			d.started[i].Store(true)
		}
		for {
			cur := d.expected[i].Load()
			if cur >= cp[i] {
				break
			}
			if d.expected[i].CompareAndSwap(cur, cp[i]) {
				break
			}
		}
	}
}

// Stats is the detector's per-lane counter snapshot.
type Stats struct {
	Gaps         [domain.NumLanes]uint64
	Missing      [domain.NumLanes]uint64
	Unattributed [domain.NumLanes]uint64
	Reorders     [domain.NumLanes]uint64
}

// Stats returns current counters.
func (d *Detector) Stats() Stats {
	var s Stats
	for _, lane := range domain.AllLanes() {
		s.Gaps[lane] = d.gaps[lane].Load()
		s.Missing[lane] = d.missing[lane].Load()
		s.Unattributed[lane] = d.unattributed[lane].Load()
		s.Reorders[lane] = d.reorders[lane].Load()
	}
	return s
}
