// Package backpressure adjusts per-lane sampling as buffers fill.
//
// The controller periodically reads each lane's fill ratio and derives
// a sampling rate in [0.0, 1.0]: 1.0 below the high watermark, then a
// linear descent toward the lane's floor as the buffer approaches
// capacity. Producers consult the published rate before admitting an
// event. The critical lane is exempt and always runs at 1.0.
package backpressure

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/virta/internal/delivery/buffer"
	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/domain"
)

// Controller publishes sampling directives. Reads are lock-free so the
// admission path never contends with the evaluation loop.
type Controller struct {
	cfg    config.BackpressureConfig
	rings  *buffer.Set
	logger *zap.Logger

	rates [domain.NumLanes]atomic.Uint64 // math.Float64bits

	evaluations atomic.Uint64

	samplingRate metric.Float64Gauge
}

// NewController creates a controller with every lane at full admission.
func NewController(cfg config.BackpressureConfig, rings *buffer.Set, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:    cfg,
		rings:  rings,
		logger: logger,
	}
	for _, lane := range domain.AllLanes() {
		c.rates[lane].Store(math.Float64bits(1.0))
	}

	meter := otel.Meter("virta.backpressure")
	var err error
	c.samplingRate, err = meter.Float64Gauge(
		"virta_sampling_rate",
		metric.WithDescription("Current sampling rate per lane"),
	)
	if err != nil {
		logger.Debug("Failed to create sampling rate gauge", zap.Error(err))
	}

	return c
}

// Rate returns the published sampling rate for the lane.
func (c *Controller) Rate(lane domain.LaneID) float64 {
	return math.Float64frombits(c.rates[lane].Load())
}

// ShouldAdmit decides whether an event on the lane passes the sampling
// stage. Critical events always pass.
func (c *Controller) ShouldAdmit(lane domain.LaneID) bool {
	if lane == domain.LaneCritical {
		return true
	}
	rate := c.Rate(lane)
	if rate >= 1.0 {
		return true
	}
	return rand.Float64() < rate
}

// Evaluate recomputes and publishes the sampling rate for every lane
// from current fill ratios.
func (c *Controller) Evaluate(ctx context.Context) {
	c.evaluations.Add(1)
	for _, lane := range domain.AllLanes() {
		if lane == domain.LaneCritical {
			continue
		}

		fill := c.rings.ForLane(lane).FillRatio()
		target := c.target(lane, fill)
		prev := math.Float64frombits(c.rates[lane].Swap(math.Float64bits(target)))

		if c.samplingRate != nil {
			c.samplingRate.Record(ctx, target,
				metric.WithAttributes(attribute.String("lane", lane.String())))
		}

		if prev >= 1.0 && target < 1.0 {
			c.logger.Info("Sampling engaged",
				zap.String("lane", lane.String()),
				zap.Float64("fill_ratio", fill),
				zap.Float64("rate", target),
			)
		} else if prev < 1.0 && target >= 1.0 {
			c.logger.Info("Sampling released",
				zap.String("lane", lane.String()),
				zap.Float64("fill_ratio", fill),
			)
		}
	}
}

func (c *Controller) target(lane domain.LaneID, fill float64) float64 {
	if fill <= c.cfg.HighWatermark {
		return 1.0
	}
	floor := c.floorFor(lane)
	span := 1.0 - c.cfg.HighWatermark
	frac := (fill - c.cfg.HighWatermark) / span
	rate := 1.0 - frac*(1.0-floor)
	if rate < floor {
		rate = floor
	}
	return rate
}

func (c *Controller) floorFor(lane domain.LaneID) float64 {
	switch lane {
	case domain.LaneNormal:
		return c.cfg.NormalFloor
	default:
		return c.cfg.DebugFloor
	}
}

// Run evaluates on the configured interval until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Evaluate(ctx)
		}
	}
}

// Evaluations returns how many evaluation passes have run.
func (c *Controller) Evaluations() uint64 {
	return c.evaluations.Load()
}
