// Package pipeline assembles the delivery path and runs its loops.
//
// Producers call Submit from any goroutine. Aggregatable types fold
// into the window; everything else goes through the router into a lane
// ring. One consumer goroutine drains the rings in strict priority
// order, reconciles sequences through the gap detector, and hands
// events to the sink. Sampling evaluation, window flushes and health
// snapshots run on their own tickers under the pipeline lifecycle.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yairfalse/virta/internal/delivery/aggregate"
	"github.com/yairfalse/virta/internal/delivery/backpressure"
	"github.com/yairfalse/virta/internal/delivery/buffer"
	"github.com/yairfalse/virta/internal/delivery/gap"
	"github.com/yairfalse/virta/internal/delivery/health"
	"github.com/yairfalse/virta/internal/delivery/ledger"
	"github.com/yairfalse/virta/internal/delivery/router"
	"github.com/yairfalse/virta/internal/delivery/sequence"
	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/domain"
	"github.com/yairfalse/virta/pkg/sink"
)

// Pipeline owns every delivery component. Build with New, then Start.
type Pipeline struct {
	cfg        *config.Config
	instanceID string
	logger     *zap.Logger

	seq      *sequence.Allocator
	rings    *buffer.Set
	ledger   *ledger.Ledger
	sampler  *backpressure.Controller
	router   *router.Router
	detector *gap.Detector
	window   *aggregate.Window // nil when aggregation is disabled
	reporter *health.Reporter

	sink sink.Sink

	lc      *lifecycle
	started atomic.Bool

	delivered  atomic.Uint64
	sinkErrors atomic.Uint64
}

// New wires the pipeline. The sink receives drained events in lane
// priority order.
func New(cfg *config.Config, snk sink.Sink, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	rings, err := buffer.NewSet([domain.NumLanes]int{
		domain.LaneCritical: cfg.Lanes.Critical.Capacity,
		domain.LaneNormal:   cfg.Lanes.Normal.Capacity,
		domain.LaneDebug:    cfg.Lanes.Debug.Capacity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build lane buffers: %w", err)
	}

	p := &Pipeline{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		seq:        sequence.NewAllocator(),
		rings:      rings,
		ledger:     ledger.New(cfg.Ledger.MaxRecords, logger.Named("ledger")),
		sink:       snk,
	}

	p.sampler = backpressure.NewController(cfg.Backpressure, rings, logger.Named("backpressure"))

	p.router, err = router.New(cfg.Router, p.seq, rings, p.ledger, p.sampler, logger.Named("router"))
	if err != nil {
		return nil, fmt.Errorf("failed to build router: %w", err)
	}

	p.detector = gap.NewDetector(cfg.Gap, p.ledger, logger.Named("gap"))

	if cfg.Aggregation.Enabled {
		p.window, err = aggregate.NewWindow(cfg.Aggregation, p.router, logger.Named("aggregate"))
		if err != nil {
			return nil, fmt.Errorf("failed to build aggregation window: %w", err)
		}
	}

	p.reporter = health.NewReporter(cfg.Health, instanceID, rings, p.router,
		p.ledger, p.detector, p.sampler, p.window, logger.Named("health"))

	// Default alert hooks. Callers needing pagers or webhooks replace
	// them through Router() and Detector() before Start.
	alerts := logger.Named("alerts")
	p.router.SetCriticalDropAlerter(func(rec domain.DropRecord) {
		alerts.Error("Critical lane dropped events",
			zap.Uint64("seq_start", rec.SeqStart),
			zap.Uint64("seq_end", rec.SeqEnd),
			zap.Uint32("count", rec.Count),
			zap.String("cause", rec.Cause.String()),
		)
	})
	p.detector.SetUnattributedAlerter(func(g domain.Gap) {
		alerts.Error("Unattributed sequence gap",
			zap.String("lane", g.Lane.String()),
			zap.Uint64("expected", g.Expected),
			zap.Uint64("observed", g.Observed),
			zap.Uint64("missing", g.Missing),
		)
	})

	return p, nil
}

// InstanceID returns the identifier stamped on health snapshots.
func (p *Pipeline) InstanceID() string {
	return p.instanceID
}

// Router exposes the admission stage, mainly for alert wiring.
func (p *Pipeline) Router() *router.Router {
	return p.router
}

// Detector exposes sequence reconciliation for checkpointing.
func (p *Pipeline) Detector() *gap.Detector {
	return p.detector
}

// Reporter exposes health snapshots for subscribers.
func (p *Pipeline) Reporter() *health.Reporter {
	return p.reporter
}

// Ledger exposes drop episodes for inspection.
func (p *Pipeline) Ledger() *ledger.Ledger {
	return p.ledger
}

// Submit admits one raw event. It never blocks: the event is folded
// into the aggregation window, committed to a lane ring, dropped with a
// ledger record, shed by sampling, or rejected, and the outcome says
// which.
func (p *Pipeline) Submit(raw domain.RawEvent) domain.RouteOutcome {
	if p.window != nil && p.window.Aggregates(raw.Type) {
		ok := p.window.Update(
			aggregate.Key{SourceID: raw.SourceID, Type: raw.Type},
			aggregate.Delta{Count: 1, Bytes: uint64(len(raw.Payload)), Timestamp: raw.Timestamp},
		)
		if !ok {
			return domain.RouteOutcome{Status: domain.RouteRejected, Lane: p.router.Classify(raw.Type)}
		}
		return domain.RouteOutcome{Status: domain.RouteAggregated, Lane: p.router.Classify(raw.Type)}
	}
	return p.router.Route(raw)
}

// Start launches the consumer, sampler, window and health loops.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already started")
	}

	p.lc = newLifecycle(ctx, p.logger)

	p.lc.start("consumer", p.consume)
	p.lc.start("backpressure", func(ctx context.Context) {
		_ = p.sampler.Run(ctx)
	})
	if p.window != nil {
		p.lc.start("aggregation", func(ctx context.Context) {
			_ = p.window.Run(ctx)
		})
	}
	p.lc.start("health", func(ctx context.Context) {
		_ = p.reporter.Run(ctx)
	})

	p.logger.Info("Pipeline started",
		zap.String("instance_id", p.instanceID),
		zap.Int("critical_capacity", p.cfg.Lanes.Critical.Capacity),
		zap.Int("normal_capacity", p.cfg.Lanes.Normal.Capacity),
		zap.Int("debug_capacity", p.cfg.Lanes.Debug.Capacity),
		zap.Bool("aggregation", p.window != nil),
	)
	return nil
}

// Stop shuts the pipeline down: the window is flushed while the
// consumer still runs, then the loops stop and the consumer makes a
// final sweep so committed events reach the sink. Producers must be
// stopped before calling Stop.
func (p *Pipeline) Stop(timeout time.Duration) error {
	if !p.started.Load() || p.lc == nil {
		return nil
	}

	if p.window != nil {
		flushed := p.window.CloseAndFlush()
		p.logger.Info("Final window flush", zap.Int("keys", flushed))
	}

	err := p.lc.stop(timeout)

	if cerr := p.sink.Close(); cerr != nil {
		p.logger.Warn("Sink close failed", zap.Error(cerr))
		if err == nil {
			err = cerr
		}
	}

	p.logger.Info("Pipeline stopped",
		zap.Uint64("delivered", p.delivered.Load()),
		zap.Uint64("sink_errors", p.sinkErrors.Load()),
	)
	return err
}

// Delivered returns how many events reached the sink.
func (p *Pipeline) Delivered() uint64 {
	return p.delivered.Load()
}

// SinkErrors returns how many sink publishes failed.
func (p *Pipeline) SinkErrors() uint64 {
	return p.sinkErrors.Load()
}

// consume drains rings in strict priority order: critical always
// first, lower lanes only when everything above them is empty.
func (p *Pipeline) consume(ctx context.Context) {
	batch := make([]domain.Event, p.cfg.Consumer.BatchSize)

	for {
		worked := false
		for _, lane := range domain.AllLanes() {
			n := p.rings.ForLane(lane).Drain(batch)
			if n > 0 {
				p.deliver(ctx, batch[:n])
				worked = true
				break
			}
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			p.finalSweep(batch)
			return
		default:
		}

		p.waitAny(ctx)
	}
}

// waitAny blocks until any ring signals, the poll timeout elapses, or
// ctx is done.
func (p *Pipeline) waitAny(ctx context.Context) {
	timer := time.NewTimer(p.cfg.Consumer.PollTimeout)
	defer timer.Stop()

	select {
	case <-p.rings.ForLane(domain.LaneCritical).Notify():
	case <-p.rings.ForLane(domain.LaneNormal).Notify():
	case <-p.rings.ForLane(domain.LaneDebug).Notify():
	case <-timer.C:
	case <-ctx.Done():
	}
}

// finalSweep drains whatever is still committed after shutdown began.
// Producers are stopped by now, so the rings only shrink; a slot stuck
// in the reserved state ends the sweep for its lane.
func (p *Pipeline) finalSweep(batch []domain.Event) {
	for stale := 0; stale < 3; {
		total := 0
		for _, lane := range domain.AllLanes() {
			n := p.rings.ForLane(lane).Drain(batch)
			if n > 0 {
				p.deliver(context.Background(), batch[:n])
				total += n
			}
		}
		if total == 0 {
			stale++
			time.Sleep(time.Millisecond)
			continue
		}
		stale = 0
	}
}

// deliver reconciles and publishes one drained batch.
func (p *Pipeline) deliver(ctx context.Context, events []domain.Event) {
	for _, ev := range events {
		p.detector.Observe(ev.Lane, ev.Sequence)

		if err := p.sink.Publish(ctx, ev); err != nil {
			if n := p.sinkErrors.Add(1); n == 1 || n%100 == 0 {
				p.logger.Warn("Sink publish failed",
					zap.Error(err),
					zap.String("lane", ev.Lane.String()),
					zap.Uint64("sequence", ev.Sequence),
					zap.Uint64("errors_total", n),
				)
			}
			continue
		}
		p.delivered.Add(1)
	}
}
