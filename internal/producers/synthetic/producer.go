// Package synthetic generates a paced stream of fake telemetry for
// load tests and for running the pipeline without kernel programs.
package synthetic

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/domain"
)

// Submitter is the pipeline's admission entry point.
type Submitter interface {
	Submit(raw domain.RawEvent) domain.RouteOutcome
}

// eventMix weights the generated types roughly like a busy host: file
// and network chatter dominate, security events are rare.
var eventMix = []struct {
	typ    domain.EventType
	weight int
}{
	{domain.TypeFileOpen, 30},
	{domain.TypeDNSQuery, 25},
	{domain.TypeConnOpen, 15},
	{domain.TypeConnClose, 15},
	{domain.TypeProcessExec, 8},
	{domain.TypeProcessExit, 5},
	{domain.TypeOOMKill, 1},
	{domain.TypePrivilegeEscalation, 1},
}

// Producer emits events at the configured rate until stopped.
type Producer struct {
	cfg       config.SyntheticProducerConfig
	submitter Submitter
	logger    *zap.Logger
	limiter   *rate.Limiter
	rng       *rand.Rand

	submitted atomic.Uint64
	outcomes  [5]atomic.Uint64 // indexed by RouteStatus
}

// NewProducer builds a synthetic producer.
func NewProducer(cfg config.SyntheticProducerConfig, submitter Submitter, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		cfg:       cfg,
		submitter: submitter,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run generates events until ctx is done.
func (p *Producer) Run(ctx context.Context) error {
	p.logger.Info("Synthetic producer started",
		zap.Float64("rate", p.cfg.Rate),
		zap.Int("sources", p.cfg.Sources),
	)

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			p.logger.Info("Synthetic producer stopped",
				zap.Uint64("submitted", p.submitted.Load()))
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rate limiter: %w", err)
		}
		p.emit()
	}
}

// emit submits one generated event and tallies the outcome.
func (p *Producer) emit() {
	raw := domain.RawEvent{
		Type:      p.pickType(),
		Timestamp: uint64(time.Now().UnixNano()),
		SourceID:  uint32(p.rng.Intn(p.cfg.Sources) + 1),
	}
	if p.cfg.PayloadBytes > 0 {
		payload := make([]byte, p.cfg.PayloadBytes)
		p.rng.Read(payload)
		raw.Payload = payload
	}

	out := p.submitter.Submit(raw)
	p.submitted.Add(1)
	if int(out.Status) < len(p.outcomes) {
		p.outcomes[out.Status].Add(1)
	}
}

func (p *Producer) pickType() domain.EventType {
	total := 0
	for _, m := range eventMix {
		total += m.weight
	}
	n := p.rng.Intn(total)
	for _, m := range eventMix {
		if n < m.weight {
			return m.typ
		}
		n -= m.weight
	}
	return domain.TypeUnknown
}

// Stats is the producer's counter snapshot.
type Stats struct {
	Submitted  uint64
	Delivered  uint64
	Dropped    uint64
	Sampled    uint64
	Rejected   uint64
	Aggregated uint64
}

// Stats returns current counters.
func (p *Producer) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Delivered:  p.outcomes[domain.RouteDelivered].Load(),
		Dropped:    p.outcomes[domain.RouteDropped].Load(),
		Sampled:    p.outcomes[domain.RouteSampled].Load(),
		Rejected:   p.outcomes[domain.RouteRejected].Load(),
		Aggregated: p.outcomes[domain.RouteAggregated].Load(),
	}
}
