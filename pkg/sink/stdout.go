package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/yairfalse/virta/pkg/domain"
)

// StdoutSink writes one JSON object per line. It is the default sink
// and the one integration tests capture.
type StdoutSink struct {
	mu        sync.Mutex
	enc       *json.Encoder
	published atomic.Uint64
}

// NewStdoutSink writes to os.Stdout.
func NewStdoutSink() *StdoutSink {
	return NewWriterSink(os.Stdout)
}

// NewWriterSink writes JSON lines to w.
func NewWriterSink(w io.Writer) *StdoutSink {
	return &StdoutSink{enc: json.NewEncoder(w)}
}

// Publish encodes the event as one JSON line.
func (s *StdoutSink) Publish(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	s.published.Add(1)
	return nil
}

// Published returns how many events were written.
func (s *StdoutSink) Published() uint64 {
	return s.published.Load()
}

// Close is a no-op; the sink does not own the writer.
func (s *StdoutSink) Close() error {
	return nil
}
