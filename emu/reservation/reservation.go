// Package reservation implements the per-CPU LL/SC reservation table.
package reservation

import (
	"sync"

	"github.com/rcornwell/axpsmp/emu/coherence"
)

// Reservation is one CPU's outstanding load-locked reservation.
type Reservation struct {
	CPUID     int
	PA        uint64 // line-aligned physical address
	Size      int    // 4 or 8
	Timestamp uint64
	Valid     bool
}

// LineSize is the coherence granularity a reservation is tracked at;
// any write overlapping this much of the reserved address invalidates
// the reservation, matching the cache line size from §3.
const LineSize = 64

func lineAlign(pa uint64) uint64 { return pa &^ (LineSize - 1) }

func overlapsLine(line uint64, pa uint64, size int) bool {
	lo, hi := pa, pa+uint64(size)
	return lo < line+LineSize && hi > line
}

// Table holds at most one valid reservation per CPU, behind a single
// lock (§5: "single lock covering all entries; critical sections are
// O(CPU count)").
type Table struct {
	mu      sync.Mutex
	entries map[int]*Reservation
	clock   uint64
}

// New returns an empty reservation table.
func New() *Table {
	return &Table{entries: make(map[int]*Reservation)}
}

// Set installs a new reservation for cpuID, replacing any prior one for
// that CPU (§4.8).
func (t *Table) Set(cpuID int, pa uint64, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock++
	t.entries[cpuID] = &Reservation{
		CPUID: cpuID, PA: lineAlign(pa), Size: size, Timestamp: t.clock, Valid: true,
	}
}

// Check reports whether cpuID currently holds a valid reservation
// covering [pa, pa+size).
func (t *Table) Check(cpuID int, pa uint64, size int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[cpuID]
	if !ok || !r.Valid {
		return false
	}
	return overlapsLine(r.PA, pa, size)
}

// ClearOverlapping invalidates every reservation (other than exceptCPU,
// if non-negative) whose line matches linePA. Called after a successful
// store-conditional and by the coherence handler on Invalidate/MemWrite.
func (t *Table) ClearOverlapping(linePA uint64, size int, exceptCPU int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := lineAlign(linePA)
	for cpu, r := range t.entries {
		if cpu == exceptCPU || !r.Valid {
			continue
		}
		if overlapsLine(r.PA, line, max(size, 1)) {
			r.Valid = false
		}
	}
}

// Snapshot returns a copy of every reservation currently on record,
// valid or not, for introspection (§6 cache-introspection API,
// extended here to cover reservations too).
func (t *Table) Snapshot() []Reservation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Reservation, 0, len(t.entries))
	for _, r := range t.entries {
		out = append(out, *r)
	}
	return out
}

// ClearCPU drops cpuID's reservation unconditionally (used on context
// switch / exception entry in the real architecture).
func (t *Table) ClearCPU(cpuID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, cpuID)
}

// HandleCoherence implements coherence.Subscriber: any coherent write
// (Invalidate from a cache eviction/snoop, or MemWrite from the
// physical bus) whose line overlaps a reservation invalidates it,
// regardless of which CPU issued the write (§4.5, §8 invariant 2).
func (t *Table) HandleCoherence(ev coherence.Event) {
	switch ev.Op {
	case coherence.Invalidate, coherence.MemWrite, coherence.WriteBack:
		t.ClearOverlapping(ev.LineAddr, max(ev.Size, LineSize), -1)
	}
}
