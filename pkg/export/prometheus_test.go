package export

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/virta/pkg/domain"
)

func sampleSnapshot() domain.Snapshot {
	return domain.Snapshot{
		InstanceID: "export-test",
		TakenAt:    time.Now(),
		Level:      domain.HealthDegraded,
		Lanes: []domain.LaneSnapshot{
			{
				Lane:         domain.LaneCritical,
				Capacity:     8,
				Live:         4,
				Submitted:    100,
				Dropped:      2,
				Drained:      94,
				FillRatio:    0.5,
				SamplingRate: 1.0,
			},
			{
				Lane:         domain.LaneNormal,
				Capacity:     8,
				Submitted:    50,
				Dropped:      7,
				Sampled:      3,
				Drained:      43,
				Gaps:         1,
				Unattributed: 1,
				FillRatio:    0.0,
				SamplingRate: 0.25,
			},
		},
		Aggregation: domain.AggregationSnapshot{
			OpenKeys:    5,
			FlushedKeys: 12,
			Overflow:    4,
		},
		Router: domain.RouterSnapshot{RejectedOversize: 9},
	}
}

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestExporterScrape(t *testing.T) {
	e := NewExporter(zaptest.NewLogger(t))
	e.Observe(sampleSnapshot())

	body := scrape(t, e.Handler())

	assert.Contains(t, body, `virta_buffer_fill_ratio{lane="critical"} 0.5`)
	assert.Contains(t, body, `virta_events_dropped_total{lane="normal"} 7`)
	assert.Contains(t, body, `virta_events_sampled_total{lane="normal"} 3`)
	assert.Contains(t, body, `virta_sampling_rate{lane="normal"} 0.25`)
	assert.Contains(t, body, `virta_gaps_unattributed_total{lane="normal"} 1`)
	assert.Contains(t, body, `virta_oversize_rejected_total 9`)
	assert.Contains(t, body, `virta_aggregation_open_keys 5`)
	assert.Contains(t, body, `virta_aggregation_overflow_total 4`)
	assert.Contains(t, body, `virta_health_level 1`)
}

func TestExporterScrapeBeforeFirstSnapshot(t *testing.T) {
	e := NewExporter(zaptest.NewLogger(t))

	body := scrape(t, e.Handler())

	assert.NotContains(t, body, "virta_buffer_fill_ratio")
	assert.NotContains(t, body, "virta_health_level")
}

func TestExporterObserveReplaces(t *testing.T) {
	e := NewExporter(zaptest.NewLogger(t))

	snap := sampleSnapshot()
	e.Observe(snap)

	snap.Router.RejectedOversize = 21
	snap.Level = domain.HealthUnhealthy
	e.Observe(snap)

	body := scrape(t, e.Handler())
	assert.Contains(t, body, `virta_oversize_rejected_total 21`)
	assert.Contains(t, body, `virta_health_level 2`)
	assert.NotContains(t, body, `virta_oversize_rejected_total 9`)
}

func TestExporterRunConsumesSubscription(t *testing.T) {
	e := NewExporter(zaptest.NewLogger(t))

	snaps := make(chan domain.Snapshot, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx, snaps)
	}()

	snaps <- sampleSnapshot()
	require.Eventually(t, func() bool {
		_, ok := e.Latest()
		return ok
	}, time.Second, 10*time.Millisecond)

	close(snaps)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after subscription closed")
	}
}

func TestServerEndpoints(t *testing.T) {
	e := NewExporter(zaptest.NewLogger(t))
	srv := NewServer(":0", e, zaptest.NewLogger(t))

	health := httptest.NewRecorder()
	srv.healthHandler(health, nil)
	assert.Equal(t, http.StatusOK, health.Code)
	assert.JSONEq(t, `{"status":"starting"}`, health.Body.String())

	status := httptest.NewRecorder()
	srv.statusHandler(status, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status.Code)

	e.Observe(sampleSnapshot())

	health = httptest.NewRecorder()
	srv.healthHandler(health, nil)
	assert.JSONEq(t, `{"status":"degraded"}`, health.Body.String())

	status = httptest.NewRecorder()
	srv.statusHandler(status, nil)
	require.Equal(t, http.StatusOK, status.Code)

	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &snap))
	assert.Equal(t, "export-test", snap.InstanceID)
	assert.Len(t, snap.Lanes, 2)
}
