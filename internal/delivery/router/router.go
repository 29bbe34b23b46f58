// Package router admits raw events into lane buffers.
//
// Admission runs in four stages: classify the event to a lane, apply
// the lane's sampling directive, allocate a sequence number, and
// reserve then commit a buffer slot. The outcome of every submission
// is explicit. A full buffer produces a drop record in the ledger, a
// shed event is counted as sampled, and both leave a counter trail
// that reconciles downstream. Sequence numbers are allocated only
// after sampling, so shed events never create gaps.
package router

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/virta/internal/delivery/backpressure"
	"github.com/yairfalse/virta/internal/delivery/buffer"
	"github.com/yairfalse/virta/internal/delivery/ledger"
	"github.com/yairfalse/virta/internal/delivery/sequence"
	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/domain"
)

// Alerter is notified of drops on the critical lane. It runs inline on
// the submission path and must return quickly.
type Alerter func(rec domain.DropRecord)

// Router is safe for concurrent use by many producers.
type Router struct {
	rules       map[domain.EventType]domain.LaneID
	defaultLane domain.LaneID
	maxPayload  int

	seq     *sequence.Allocator
	rings   *buffer.Set
	ledger  *ledger.Ledger
	sampler *backpressure.Controller

	onCriticalDrop Alerter
	logger         *zap.Logger

	sampled  [domain.NumLanes]atomic.Uint64
	oversize atomic.Uint64

	eventsRouted  metric.Int64Counter
	eventsDropped metric.Int64Counter
}

// New builds a router from the compiled rule table.
func New(
	cfg config.RouterConfig,
	seq *sequence.Allocator,
	rings *buffer.Set,
	led *ledger.Ledger,
	sampler *backpressure.Controller,
	logger *zap.Logger,
) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rules, defaultLane, err := cfg.CompiledRules()
	if err != nil {
		return nil, err
	}

	r := &Router{
		rules:       rules,
		defaultLane: defaultLane,
		maxPayload:  cfg.MaxPayloadBytes,
		seq:         seq,
		rings:       rings,
		ledger:      led,
		sampler:     sampler,
		logger:      logger,
	}

	meter := otel.Meter("virta.router")
	r.eventsRouted, err = meter.Int64Counter(
		"virta_router_events_total",
		metric.WithDescription("Events routed by lane and outcome"),
	)
	if err != nil {
		logger.Debug("Failed to create routed counter", zap.Error(err))
	}
	r.eventsDropped, err = meter.Int64Counter(
		"virta_router_dropped_total",
		metric.WithDescription("Events dropped because a lane buffer was full"),
	)
	if err != nil {
		logger.Debug("Failed to create dropped counter", zap.Error(err))
	}

	return r, nil
}

// SetCriticalDropAlerter installs the hook invoked on critical-lane
// drops. Call before submitting events.
func (r *Router) SetCriticalDropAlerter(fn Alerter) {
	r.onCriticalDrop = fn
}

// Classify resolves the lane for an event type: explicit rules first,
// then the default lane.
func (r *Router) Classify(t domain.EventType) domain.LaneID {
	if lane, ok := r.rules[t]; ok {
		return lane
	}
	return r.defaultLane
}

// Route admits one raw event. The returned outcome says exactly what
// happened: delivered into a buffer, dropped full, shed by sampling,
// or rejected before sequencing.
func (r *Router) Route(raw domain.RawEvent) domain.RouteOutcome {
	lane := r.Classify(raw.Type)

	if r.maxPayload > 0 && len(raw.Payload) > r.maxPayload {
		if n := r.oversize.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("Rejecting oversize payload",
				zap.String("lane", lane.String()),
				zap.Int("payload_bytes", len(raw.Payload)),
				zap.Int("max_bytes", r.maxPayload),
				zap.Uint64("rejected_total", n),
			)
		}
		r.count(lane, "rejected")
		return domain.RouteOutcome{Status: domain.RouteRejected, Lane: lane}
	}

	if !r.sampler.ShouldAdmit(lane) {
		r.sampled[lane].Add(1)
		r.count(lane, "sampled")
		return domain.RouteOutcome{Status: domain.RouteSampled, Lane: lane}
	}

	return r.routeTo(lane, raw)
}

// RouteTo admits an event directly to the given lane, bypassing both
// classification and sampling. The aggregation window uses this for
// summary flushes, which are already reduced and must not be shed.
func (r *Router) RouteTo(lane domain.LaneID, raw domain.RawEvent) domain.RouteOutcome {
	return r.routeTo(lane, raw)
}

func (r *Router) routeTo(lane domain.LaneID, raw domain.RawEvent) domain.RouteOutcome {
	ring := r.rings.ForLane(lane)
	seq := r.seq.Next(lane)

	res, err := ring.TryReserve()
	if err != nil {
		now := uint64(time.Now().UnixNano())
		ring.RecordDrop(1)
		r.ledger.Record(lane, seq, domain.DropCauseBufferFull, now)
		r.count(lane, "dropped")
		if r.eventsDropped != nil {
			r.eventsDropped.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("lane", lane.String())))
		}

		if lane == domain.LaneCritical && r.onCriticalDrop != nil {
			r.onCriticalDrop(domain.DropRecord{
				Lane:       lane,
				SeqStart:   seq,
				SeqEnd:     seq,
				Count:      1,
				Cause:      domain.DropCauseBufferFull,
				ObservedAt: now,
			})
		}

		return domain.RouteOutcome{
			Status:   domain.RouteDropped,
			Lane:     lane,
			Sequence: seq,
			Cause:    domain.DropCauseBufferFull,
		}
	}

	res.Commit(domain.Event{
		Lane:      lane,
		Sequence:  seq,
		Timestamp: raw.Timestamp,
		SourceID:  raw.SourceID,
		Type:      raw.Type,
		Payload:   raw.Payload,
	})
	r.count(lane, "delivered")

	return domain.RouteOutcome{Status: domain.RouteDelivered, Lane: lane, Sequence: seq}
}

func (r *Router) count(lane domain.LaneID, status string) {
	if r.eventsRouted == nil {
		return
	}
	r.eventsRouted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("lane", lane.String()),
		attribute.String("status", status),
	))
}

// Stats is the router's per-lane counter snapshot. Submitted and
// dropped counts are owned by the lane rings; the router adds the
// counters for events that never reached a ring.
type Stats struct {
	Submitted [domain.NumLanes]uint64
	Dropped   [domain.NumLanes]uint64
	Sampled   [domain.NumLanes]uint64
	Oversize  uint64
}

// Stats returns current counters.
func (r *Router) Stats() Stats {
	var s Stats
	for _, lane := range domain.AllLanes() {
		rs := r.rings.ForLane(lane).Stats()
		s.Submitted[lane] = rs.Submitted
		s.Dropped[lane] = rs.Dropped
		s.Sampled[lane] = r.sampled[lane].Load()
	}
	s.Oversize = r.oversize.Load()
	return s
}
