package domain

import (
	"encoding/json"
	"fmt"
)

// DropCause explains why admission failed for a sequence range.
type DropCause uint8

const (
	DropCauseUnknown DropCause = iota
	// DropCauseBufferFull means TryReserve refused admission because every
	// slot in the lane's ring was live.
	DropCauseBufferFull
)

func (c DropCause) String() string {
	switch c {
	case DropCauseBufferFull:
		return "buffer_full"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the cause by name.
func (c DropCause) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// DropRecord is one coalesced drop episode: a contiguous sequence range lost
// to the same cause on one lane. Records are written once by the router and
// read-only afterward; the ledger evicts old records FIFO but never the
// running per-lane totals.
type DropRecord struct {
	Lane       LaneID    `json:"lane"`
	SeqStart   uint64    `json:"seq_start"`
	SeqEnd     uint64    `json:"seq_end"`
	Count      uint32    `json:"count"`
	Cause      DropCause `json:"cause"`
	ObservedAt uint64    `json:"observed_at_ns"`
}

// Overlaps reports whether the record's sequence range intersects [from, to].
func (r DropRecord) Overlaps(from, to uint64) bool {
	return r.SeqStart <= to && r.SeqEnd >= from
}

func (r DropRecord) String() string {
	return fmt.Sprintf("%s[%d-%d] %s x%d", r.Lane, r.SeqStart, r.SeqEnd, r.Cause, r.Count)
}
