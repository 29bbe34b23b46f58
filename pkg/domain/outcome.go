package domain

// RouteStatus is the router's verdict for one raw event.
type RouteStatus uint8

const (
	// RouteDelivered: the event was sequenced, reserved, and committed.
	RouteDelivered RouteStatus = iota
	// RouteDropped: reservation failed; a DropRecord was written. The
	// consumed sequence number is reported in the outcome.
	RouteDropped
	// RouteSampled: backpressure policy shed the event before a sequence
	// was allocated. Not a drop; counted separately.
	RouteSampled
	// RouteRejected: the payload violated the size bound, or the
	// aggregation key table refused a new key. Rejected before sequence
	// allocation, so it can never surface as a gap.
	RouteRejected
	// RouteAggregated: folded into the open aggregation window; the
	// counts reach the consumer in the window's summary flush.
	RouteAggregated
)

func (s RouteStatus) String() string {
	switch s {
	case RouteDelivered:
		return "delivered"
	case RouteDropped:
		return "dropped"
	case RouteSampled:
		return "sampled"
	case RouteRejected:
		return "rejected"
	case RouteAggregated:
		return "aggregated"
	default:
		return "unknown"
	}
}

// RouteOutcome reports what happened to one raw event.
type RouteOutcome struct {
	Status RouteStatus
	Lane   LaneID
	// Sequence is valid for Delivered and Dropped outcomes only; Sampled
	// and Rejected events never consume a sequence number.
	Sequence uint64
	// Cause is set for Dropped outcomes.
	Cause DropCause
}
