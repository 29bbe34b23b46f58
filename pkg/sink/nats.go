package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/domain"
)

// NATSSink publishes events to per-lane subjects, e.g.
// virta.events.critical. Events are JSON-encoded; consumers subscribe
// to the lanes they care about.
type NATSSink struct {
	nc            *nats.Conn
	subjectPrefix string
	logger        *zap.Logger

	published atomic.Uint64
	pubErrors atomic.Uint64
}

// NewNATSSink connects to the configured server. Connection losses are
// retried in the background; publishes during an outage fail and are
// counted by the caller.
func NewNATSSink(cfg config.NATSConfig, logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &NATSSink{
		subjectPrefix: cfg.SubjectPrefix,
		logger:        logger,
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.nc = nc

	logger.Info("NATS sink connected",
		zap.String("url", cfg.URL),
		zap.String("subject_prefix", cfg.SubjectPrefix),
	)
	return s, nil
}

// Subject returns the publish subject for a lane.
func (s *NATSSink) Subject(lane domain.LaneID) string {
	return s.subjectPrefix + "." + lane.String()
}

// Publish sends one event to its lane subject.
func (s *NATSSink) Publish(_ context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		s.pubErrors.Add(1)
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := s.nc.Publish(s.Subject(ev.Lane), data); err != nil {
		s.pubErrors.Add(1)
		return fmt.Errorf("failed to publish event: %w", err)
	}
	s.published.Add(1)
	return nil
}

// Published returns how many events were handed to the connection.
func (s *NATSSink) Published() uint64 {
	return s.published.Load()
}

// Close flushes buffered publishes and closes the connection.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	if err := s.nc.FlushTimeout(5 * time.Second); err != nil {
		s.logger.Warn("NATS flush on close failed", zap.Error(err))
	}
	s.nc.Close()
	return nil
}
