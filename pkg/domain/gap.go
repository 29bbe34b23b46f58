package domain

// GapClass distinguishes gaps the drop ledger can explain from gaps it
// cannot. Unattributed gaps indicate loss outside the core's visibility
// (e.g. transport) and are surfaced at higher severity.
type GapClass uint8

const (
	GapAttributed GapClass = iota
	GapUnattributed
)

func (c GapClass) String() string {
	if c == GapUnattributed {
		return "unattributed"
	}
	return "attributed"
}

// Gap is a detected discontinuity in one lane's sequence stream, observed by
// the consumer. It is ephemeral: the core emits it and moves on; persisting
// gaps is the consumer's decision.
type Gap struct {
	Lane     LaneID
	Expected uint64
	Observed uint64
	// Missing is the number of sequences skipped (Observed - Expected).
	Missing uint64
	Class   GapClass
	// Records holds the ledger episodes overlapping the gap range when the
	// gap is attributed. Empty for unattributed gaps.
	Records []DropRecord
}
