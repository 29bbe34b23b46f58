package domain

import (
	"fmt"
	"time"
)

// HealthLevel grades a snapshot for alerting.
type HealthLevel uint8

const (
	HealthHealthy HealthLevel = iota
	HealthDegraded
	HealthUnhealthy
)

func (h HealthLevel) String() string {
	switch h {
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "healthy"
	}
}

// MarshalJSON renders the level by name.
func (h HealthLevel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// UnmarshalJSON accepts a level name.
func (h *HealthLevel) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"healthy"`:
		*h = HealthHealthy
	case `"degraded"`:
		*h = HealthDegraded
	case `"unhealthy"`:
		*h = HealthUnhealthy
	default:
		return fmt.Errorf("unknown health level %s", data)
	}
	return nil
}

// LaneSnapshot is the per-lane view the health reporter publishes. All
// counters are monotonically non-decreasing for the process lifetime.
type LaneSnapshot struct {
	Lane         LaneID  `json:"lane"`
	Capacity     uint64  `json:"capacity"`
	Live         uint64  `json:"live"`
	Submitted    uint64  `json:"submitted"`
	Dropped      uint64  `json:"dropped"`
	Sampled      uint64  `json:"sampled"`
	Drained      uint64  `json:"drained"`
	Gaps         uint64  `json:"gaps"`
	Unattributed uint64  `json:"unattributed_gaps"`
	Reorders     uint64  `json:"duplicate_or_reorder"`
	FillRatio    float64 `json:"fill_ratio"`
	SamplingRate float64 `json:"sampling_rate"`
}

// AggregationSnapshot reports the aggregation window's volume-reduction
// side effects. Overflow is distinct from drop accounting: an overflowed
// key never consumed a sequence number.
type AggregationSnapshot struct {
	OpenKeys      uint64 `json:"open_keys"`
	FlushedKeys   uint64 `json:"flushed_keys"`
	Overflow      uint64 `json:"overflow"`
	SkippedFlushes uint64 `json:"skipped_flushes"`
}

// RouterSnapshot reports router-side counters that are neither drops nor
// samples.
type RouterSnapshot struct {
	RejectedOversize uint64 `json:"rejected_oversize"`
}

// Snapshot is the periodic structured report consumed by operators. The
// exposition format (log line, Prometheus, JSON) is a collaborator concern;
// the core only guarantees the counters are consistent at capture time.
type Snapshot struct {
	InstanceID  string              `json:"instance_id"`
	TakenAt     time.Time           `json:"taken_at"`
	Level       HealthLevel         `json:"level"`
	Lanes       []LaneSnapshot      `json:"lanes"`
	Aggregation AggregationSnapshot `json:"aggregation"`
	Router      RouterSnapshot      `json:"router"`
}

// LaneSnapshotFor returns the snapshot entry for the given lane, if present.
func (s *Snapshot) LaneSnapshotFor(lane LaneID) (LaneSnapshot, bool) {
	for _, ls := range s.Lanes {
		if ls.Lane == lane {
			return ls, true
		}
	}
	return LaneSnapshot{}, false
}
