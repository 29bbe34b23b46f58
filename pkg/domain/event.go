// Package domain defines the core data model for the virta event delivery
// core: lanes, events, drop records, gaps, route outcomes, and health
// snapshots. Components communicate exclusively through these types so the
// producer and sink boundaries stay decoupled from the transport internals.
package domain

import (
	"encoding/json"
	"fmt"
)

// LaneID identifies a priority-isolated delivery lane. The set of lanes is
// fixed at configuration time; every lane owns its own buffer and its own
// sequence space, so sequence numbers are never compared across lanes.
type LaneID uint8

const (
	LaneCritical LaneID = iota
	LaneNormal
	LaneDebug

	laneCount
)

// NumLanes is the number of configured lanes. Lane-indexed arrays are sized
// with it.
const NumLanes = int(laneCount)

// AllLanes returns every lane in descending priority order. Consumer loops
// iterate this slice so Critical is always polled first.
func AllLanes() []LaneID {
	return []LaneID{LaneCritical, LaneNormal, LaneDebug}
}

// Valid reports whether the lane is one of the configured lanes.
func (l LaneID) Valid() bool {
	return l < laneCount
}

func (l LaneID) String() string {
	switch l {
	case LaneCritical:
		return "critical"
	case LaneNormal:
		return "normal"
	case LaneDebug:
		return "debug"
	default:
		return fmt.Sprintf("lane(%d)", uint8(l))
	}
}

// ParseLane converts a lane name into a LaneID.
func ParseLane(s string) (LaneID, error) {
	switch s {
	case "critical":
		return LaneCritical, nil
	case "normal":
		return LaneNormal, nil
	case "debug":
		return LaneDebug, nil
	default:
		return 0, fmt.Errorf("unknown lane %q", s)
	}
}

// MarshalJSON renders the lane by name so sink output stays readable.
func (l LaneID) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON accepts a lane name.
func (l *LaneID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLane(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// EventType tags the kind of telemetry an event carries. The core treats it
// as an opaque classification key; the known values below cover the kernel
// producers shipped in-tree and the classifier defaults.
type EventType uint16

const (
	TypeUnknown EventType = 0x0000

	// Process events
	TypeProcessExec EventType = 0x0101
	TypeProcessExit EventType = 0x0102
	TypeOOMKill     EventType = 0x0103

	// Security-relevant events
	TypePrivilegeEscalation EventType = 0x0201
	TypeModuleLoad          EventType = 0x0202
	TypePtraceAttach        EventType = 0x0203

	// Network events
	TypeConnOpen  EventType = 0x0301
	TypeConnClose EventType = 0x0302
	TypeDNSQuery  EventType = 0x0303

	// Filesystem events
	TypeFileOpen  EventType = 0x0401
	TypeFileWrite EventType = 0x0402

	// Summary events emitted by the aggregation window
	TypeAggregateSummary EventType = 0x0F01
)

// RawEvent is what the producer boundary hands to the router: an unclassified,
// unsequenced record. The core validates only the payload size bound, never
// payload semantics.
type RawEvent struct {
	Type      EventType
	Timestamp uint64 // nanoseconds, producer clock
	SourceID  uint32 // CPU index or producer-defined source
	Payload   []byte
}

// Event is an admitted record. It is immutable once committed to a buffer
// slot: the sequence is assigned at admission, ownership moves into the slot
// on reservation, and the consumer copies it out on drain.
type Event struct {
	Lane      LaneID    `json:"lane"`
	Sequence  uint64    `json:"sequence"`
	Timestamp uint64    `json:"timestamp_ns"`
	SourceID  uint32    `json:"source_id"`
	Type      EventType `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
}
