// Package event — event.go
//
// Canonical event type shared by every subsystem: the journal, the mesh,
// the governance gate, and the synthesizer all exchange values of this
// type and nothing else.
//
// Canonical binary encoding (used for journal hashing and wire framing):
// fields in this exact order, matching the layout fixed by the core's
// external interface: id, type, source, timestamp_monotonic,
// timestamp_wall, priority, correlation_id, trust_score, payload. No
// floating-point value is ever hashed — TrustScore is quantized to a
// fixed-point integer before it enters the canonical form.
package event

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Priority orders events for mesh dispatch and queue backpressure.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// ID is a 128-bit opaque event identifier, unique per emitter.
type ID [16]byte

func (id ID) String() string {
	return fmt.Sprintf("%x", [16]byte(id))
}

// NewID generates a fresh random event ID.
func NewID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand failing means the platform's entropy source is
		// broken; nothing downstream can be trusted either.
		panic("event: crypto/rand unavailable: " + err.Error())
	}
	return id
}

// Event is the unit of communication between every kernel, the mesh, the
// governance gate and the journal. Type is immutable after emission; a
// superseding update must carry a new ID with the same CorrelationID.
type Event struct {
	ID            ID
	Type          string // hierarchical dotted name, e.g. "kernel.restart.initiated"
	Source        string // producing component's name
	MonotonicNS   int64  // time.Now() monotonic reading at emission
	WallNS        int64  // wall-clock UnixNano at emission
	Priority      Priority
	CorrelationID string // optional; "" if unset
	TrustScore    *float64 // optional, [0,1]; nil if unset
	Payload       []byte   // component-defined, opaque to the mesh
}

// New constructs an Event with a fresh ID and the current time.
func New(typ, source string, priority Priority, payload []byte) Event {
	now := time.Now()
	return Event{
		ID:          NewID(),
		Type:        typ,
		Source:      source,
		MonotonicNS: monotonicNanos(now),
		WallNS:      now.UnixNano(),
		Priority:    priority,
		Payload:     payload,
	}
}

// monotonicNanos extracts a monotonic-clock reading by diffing against a
// process-start reference point; time.Time carries a monotonic reading
// internally but does not expose it directly, so nanoseconds since an
// arbitrary fixed epoch read at init time stands in for it here.
var processStart = time.Now()

func monotonicNanos(t time.Time) int64 {
	return int64(t.Sub(processStart))
}

// WithCorrelation returns a copy of e carrying the given correlation id.
func (e Event) WithCorrelation(id string) Event {
	e.CorrelationID = id
	return e
}

// WithTrustScore returns a copy of e carrying the given trust score.
func (e Event) WithTrustScore(score float64) Event {
	e.TrustScore = &score
	return e
}

// Canonical produces the deterministic byte sequence used for journal
// hashing and wire framing. Field order is fixed; every variable-length
// field is length-prefixed; TrustScore is quantized to a uint32 fixed-point
// (scale 1e6) so no IEEE-754 bit pattern ever enters a hashed position.
func (e Event) Canonical() []byte {
	buf := make([]byte, 0, 128+len(e.Payload))
	writeBytes := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, b...)
	}
	writeStr := func(s string) { writeBytes([]byte(s)) }

	buf = append(buf, e.ID[:]...)
	writeStr(e.Type)
	writeStr(e.Source)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.MonotonicNS))
	buf = append(buf, ts[:]...)
	binary.BigEndian.PutUint64(ts[:], uint64(e.WallNS))
	buf = append(buf, ts[:]...)

	buf = append(buf, byte(e.Priority))
	writeStr(e.CorrelationID)

	var trust uint32
	present := byte(0)
	if e.TrustScore != nil {
		present = 1
		trust = uint32(*e.TrustScore * 1e6)
	}
	buf = append(buf, present)
	var tb [4]byte
	binary.BigEndian.PutUint32(tb[:], trust)
	buf = append(buf, tb[:]...)

	writeBytes(e.Payload)
	return buf
}

// Hash returns SHA-256 of the canonical encoding, the value the journal
// chains entries on.
func (e Event) Hash() [32]byte {
	return sha256.Sum256(e.Canonical())
}
