package kernel

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/domain"
)

type recordingSubmitter struct {
	raws []domain.RawEvent
}

func (r *recordingSubmitter) Submit(raw domain.RawEvent) domain.RouteOutcome {
	r.raws = append(r.raws, raw)
	return domain.RouteOutcome{Status: domain.RouteDelivered, Lane: domain.LaneNormal}
}

func encodeRecord(ts uint64, source uint32, typ domain.EventType, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], ts)
	binary.LittleEndian.PutUint32(buf[8:12], source)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(typ))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

func TestParseRecord(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	data := encodeRecord(12345, 42, domain.TypeProcessExec, payload)

	raw, err := parseRecord(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), raw.Timestamp)
	assert.Equal(t, uint32(42), raw.SourceID)
	assert.Equal(t, domain.TypeProcessExec, raw.Type)
	assert.Equal(t, payload, raw.Payload)
}

func TestParseRecordCopiesPayload(t *testing.T) {
	data := encodeRecord(1, 1, domain.TypeFileOpen, []byte{0xaa, 0xbb})

	raw, err := parseRecord(data)
	require.NoError(t, err)

	// The ring buffer sample is reused after the callback returns, so
	// the parsed payload must not alias it.
	data[headerSize] = 0xff
	assert.Equal(t, []byte{0xaa, 0xbb}, raw.Payload)
}

func TestParseRecordEmptyPayload(t *testing.T) {
	data := encodeRecord(99, 7, domain.TypeProcessExit, nil)

	raw, err := parseRecord(data)
	require.NoError(t, err)
	assert.Nil(t, raw.Payload)
}

func TestParseRecordRejectsShortData(t *testing.T) {
	_, err := parseRecord(make([]byte, headerSize-1))
	require.ErrorIs(t, err, ErrShortRecord)
}

func TestParseRecordRejectsTruncatedPayload(t *testing.T) {
	data := encodeRecord(1, 1, domain.TypeDNSQuery, []byte{1, 2, 3, 4})
	// Claim more payload than the record carries.
	binary.LittleEndian.PutUint32(data[16:20], 100)

	_, err := parseRecord(data)
	require.ErrorIs(t, err, ErrShortRecord)
}

func TestHandleRecordSubmitsAndCounts(t *testing.T) {
	sub := &recordingSubmitter{}
	p := NewProducer(config.KernelProducerConfig{}, sub, zaptest.NewLogger(t))

	require.NoError(t, p.handleRecord(encodeRecord(5, 9, domain.TypeConnOpen, []byte{0x10})))
	require.Error(t, p.handleRecord(make([]byte, 3)))

	require.Len(t, sub.raws, 1)
	assert.Equal(t, uint32(9), sub.raws[0].SourceID)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.EventsRead)
	assert.Equal(t, uint64(1), stats.ParseErrors)
}
