// Package kernel reads telemetry from the BPF ring buffer map pinned
// by the separately deployed kernel programs and submits each record
// to the delivery pipeline.
//
// The wire format is the fixed 24-byte little-endian header emitted by
// the BPF side (timestamp, source id, event type, flags, payload
// length) followed by the payload bytes.
package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/domain"
)

// headerSize is the fixed wire header length.
const headerSize = 24

// ErrShortRecord is returned for records smaller than the header.
var ErrShortRecord = errors.New("kernel record too short")

// Submitter is the pipeline's admission entry point.
type Submitter interface {
	Submit(raw domain.RawEvent) domain.RouteOutcome
}

// Producer pumps kernel records into the pipeline.
type Producer struct {
	cfg       config.KernelProducerConfig
	submitter Submitter
	logger    *zap.Logger

	eventsRead  atomic.Uint64
	readErrors  atomic.Uint64
	parseErrors atomic.Uint64
}

// NewProducer builds a kernel producer. Run fails on non-Linux hosts.
func NewProducer(cfg config.KernelProducerConfig, submitter Submitter, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		cfg:       cfg,
		submitter: submitter,
		logger:    logger,
	}
}

// Stats is the producer's counter snapshot.
type Stats struct {
	EventsRead  uint64
	ReadErrors  uint64
	ParseErrors uint64
}

// Stats returns current counters.
func (p *Producer) Stats() Stats {
	return Stats{
		EventsRead:  p.eventsRead.Load(),
		ReadErrors:  p.readErrors.Load(),
		ParseErrors: p.parseErrors.Load(),
	}
}

// handleRecord parses one raw ring buffer record and submits it.
func (p *Producer) handleRecord(data []byte) error {
	raw, err := parseRecord(data)
	if err != nil {
		p.parseErrors.Add(1)
		return err
	}

	p.eventsRead.Add(1)
	p.submitter.Submit(raw)
	return nil
}

// parseRecord decodes the wire header and slices out the payload.
func parseRecord(data []byte) (domain.RawEvent, error) {
	if len(data) < headerSize {
		return domain.RawEvent{}, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(data))
	}

	payloadLen := binary.LittleEndian.Uint32(data[16:20])
	if int(payloadLen) > len(data)-headerSize {
		return domain.RawEvent{}, fmt.Errorf("%w: payload length %d exceeds record", ErrShortRecord, payloadLen)
	}

	raw := domain.RawEvent{
		Timestamp: binary.LittleEndian.Uint64(data[0:8]),
		SourceID:  binary.LittleEndian.Uint32(data[8:12]),
		Type:      domain.EventType(binary.LittleEndian.Uint16(data[12:14])),
	}
	if payloadLen > 0 {
		payload := make([]byte, payloadLen)
		copy(payload, data[headerSize:headerSize+int(payloadLen)])
		raw.Payload = payload
	}
	return raw, nil
}
