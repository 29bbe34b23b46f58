// Package export publishes delivery health snapshots as Prometheus
// metrics.
//
// The exporter is a collector over the most recent snapshot rather
// than a set of live instruments: the pipeline already keeps exact
// counters, so scrapes just re-present the latest snapshot without
// touching hot paths.
package export

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yairfalse/virta/pkg/domain"
)

// Exporter bridges snapshots to a Prometheus registry.
type Exporter struct {
	logger *zap.Logger
	snap   atomic.Pointer[domain.Snapshot]

	registry *prometheus.Registry

	capacity     *prometheus.Desc
	live         *prometheus.Desc
	fillRatio    *prometheus.Desc
	samplingRate *prometheus.Desc
	submitted    *prometheus.Desc
	dropped      *prometheus.Desc
	sampled      *prometheus.Desc
	drained      *prometheus.Desc
	gaps         *prometheus.Desc
	unattributed *prometheus.Desc
	reorders     *prometheus.Desc
	oversize     *prometheus.Desc
	aggOpen      *prometheus.Desc
	aggFlushed   *prometheus.Desc
	aggOverflow  *prometheus.Desc
	aggSkipped   *prometheus.Desc
	healthLevel  *prometheus.Desc
}

const namespace = "virta"

func desc(subsystem, name, help string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// NewExporter creates an exporter registered on its own registry.
func NewExporter(logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}

	lane := []string{"lane"}
	e := &Exporter{
		logger:   logger,
		registry: prometheus.NewRegistry(),

		capacity:     desc("buffer", "capacity", "Fixed slot count of the lane buffer", lane),
		live:         desc("buffer", "live", "Slots currently in flight", lane),
		fillRatio:    desc("buffer", "fill_ratio", "Live slots over capacity", lane),
		samplingRate: desc("", "sampling_rate", "Published sampling rate", lane),
		submitted:    desc("events", "submitted_total", "Events committed into the lane buffer", lane),
		dropped:      desc("events", "dropped_total", "Events dropped because the lane buffer was full", lane),
		sampled:      desc("events", "sampled_total", "Events shed by the sampling stage", lane),
		drained:      desc("events", "drained_total", "Events drained by the consumer", lane),
		gaps:         desc("", "gaps_total", "Sequence gaps observed by the consumer", lane),
		unattributed: desc("", "gaps_unattributed_total", "Gaps not explained by recorded drops", lane),
		reorders:     desc("", "reorders_total", "Late or duplicate sequence deliveries", lane),
		oversize:     desc("", "oversize_rejected_total", "Events rejected for exceeding the payload bound", nil),
		aggOpen:      desc("aggregation", "open_keys", "Keys in the open aggregation window", nil),
		aggFlushed:   desc("aggregation", "flushed_keys_total", "Accumulators retired by window flushes", nil),
		aggOverflow:  desc("aggregation", "overflow_total", "Updates refused or keys evicted by the table bound", nil),
		aggSkipped:   desc("aggregation", "skipped_flushes_total", "Window boundaries skipped because a flush was running", nil),
		healthLevel:  desc("", "health_level", "Health level (0=healthy, 1=degraded, 2=unhealthy)", nil),
	}

	e.registry.MustRegister(e)
	return e
}

// Observe replaces the snapshot served to scrapes.
func (e *Exporter) Observe(snap domain.Snapshot) {
	e.snap.Store(&snap)
}

// Latest returns the most recently observed snapshot.
func (e *Exporter) Latest() (domain.Snapshot, bool) {
	snap := e.snap.Load()
	if snap == nil {
		return domain.Snapshot{}, false
	}
	return *snap, true
}

// Run consumes a snapshot subscription until it closes or ctx is done.
func (e *Exporter) Run(ctx context.Context, snaps <-chan domain.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			e.Observe(snap)
		}
	}
}

// Handler serves the registry for scraping.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.capacity
	ch <- e.live
	ch <- e.fillRatio
	ch <- e.samplingRate
	ch <- e.submitted
	ch <- e.dropped
	ch <- e.sampled
	ch <- e.drained
	ch <- e.gaps
	ch <- e.unattributed
	ch <- e.reorders
	ch <- e.oversize
	ch <- e.aggOpen
	ch <- e.aggFlushed
	ch <- e.aggOverflow
	ch <- e.aggSkipped
	ch <- e.healthLevel
}

// Collect implements prometheus.Collector over the latest snapshot.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.snap.Load()
	if snap == nil {
		return
	}

	for _, ls := range snap.Lanes {
		lane := ls.Lane.String()
		ch <- prometheus.MustNewConstMetric(e.capacity, prometheus.GaugeValue, float64(ls.Capacity), lane)
		ch <- prometheus.MustNewConstMetric(e.live, prometheus.GaugeValue, float64(ls.Live), lane)
		ch <- prometheus.MustNewConstMetric(e.fillRatio, prometheus.GaugeValue, ls.FillRatio, lane)
		ch <- prometheus.MustNewConstMetric(e.samplingRate, prometheus.GaugeValue, ls.SamplingRate, lane)
		ch <- prometheus.MustNewConstMetric(e.submitted, prometheus.CounterValue, float64(ls.Submitted), lane)
		ch <- prometheus.MustNewConstMetric(e.dropped, prometheus.CounterValue, float64(ls.Dropped), lane)
		ch <- prometheus.MustNewConstMetric(e.sampled, prometheus.CounterValue, float64(ls.Sampled), lane)
		ch <- prometheus.MustNewConstMetric(e.drained, prometheus.CounterValue, float64(ls.Drained), lane)
		ch <- prometheus.MustNewConstMetric(e.gaps, prometheus.CounterValue, float64(ls.Gaps), lane)
		ch <- prometheus.MustNewConstMetric(e.unattributed, prometheus.CounterValue, float64(ls.Unattributed), lane)
		ch <- prometheus.MustNewConstMetric(e.reorders, prometheus.CounterValue, float64(ls.Reorders), lane)
	}

	ch <- prometheus.MustNewConstMetric(e.oversize, prometheus.CounterValue, float64(snap.Router.RejectedOversize))
	ch <- prometheus.MustNewConstMetric(e.aggOpen, prometheus.GaugeValue, float64(snap.Aggregation.OpenKeys))
	ch <- prometheus.MustNewConstMetric(e.aggFlushed, prometheus.CounterValue, float64(snap.Aggregation.FlushedKeys))
	ch <- prometheus.MustNewConstMetric(e.aggOverflow, prometheus.CounterValue, float64(snap.Aggregation.Overflow))
	ch <- prometheus.MustNewConstMetric(e.aggSkipped, prometheus.CounterValue, float64(snap.Aggregation.SkippedFlushes))
	ch <- prometheus.MustNewConstMetric(e.healthLevel, prometheus.GaugeValue, float64(snap.Level))
}
