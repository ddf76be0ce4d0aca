// Package cacheline holds the per-line and per-set storage for one
// cache level: tag/state/data for a single line, and the fixed-size,
// set-associative vector of lines that forms one set.
//
// No teacher package models a cache (S/370 channel I/O has none); this
// follows the shape sketched in the m2sim2 timing-cache reference
// (config-driven associativity/line-size, a directory of tag/state
// entries separate from the raw data store) adapted to carry MESI state
// and the replacement bookkeeping spec.md §4.4 asks for directly,
// instead of delegating to an external directory library.
package cacheline

// State is one MESI coherence state.
type State int

const (
	Invalid State = iota
	Shared
	Exclusive
	Modified
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "I"
	case Shared:
		return "S"
	case Exclusive:
		return "E"
	case Modified:
		return "M"
	default:
		return "?"
	}
}

// Line is the tag/state/data record for one cache line.
type Line struct {
	Tag        uint64
	Address    uint64 // line-aligned physical address this line backs
	Data       []byte
	Valid      bool
	Dirty      bool
	State      State
	LastAccess uint64 // stamped from the owning cache's monotonic counter
	Ref        bool   // reference bit, used by the clock replacement policy
}

// NewLine allocates a line's backing data array for the given line size.
func NewLine(lineSize int) *Line {
	return &Line{Data: make([]byte, lineSize), State: Invalid}
}

// Reset returns the line to its just-constructed, Invalid state without
// reallocating its data buffer.
func (l *Line) Reset() {
	l.Tag = 0
	l.Address = 0
	l.Valid = false
	l.Dirty = false
	l.State = Invalid
	l.Ref = false
	l.LastAccess = 0
}
