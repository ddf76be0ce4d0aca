// Package stats provides the atomic counters used by the cache and
// the physical store. Replaces the "global mutable
// state for statistics" anti-pattern flagged in the design notes: each
// component owns its own Stats value and updates it via atomics rather
// than reaching into package-level globals.
package stats

import "sync/atomic"

// Counters is a generic named-counter bag, safe for concurrent
// increment from any number of goroutines.
type Counters struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	fills     atomic.Uint64
	evictions atomic.Uint64
	writes    atomic.Uint64
	reads     atomic.Uint64
}

func (c *Counters) Hit()       { c.hits.Add(1) }
func (c *Counters) Miss()      { c.misses.Add(1) }
func (c *Counters) Fill()      { c.fills.Add(1) }
func (c *Counters) Eviction()  { c.evictions.Add(1) }
func (c *Counters) Write()     { c.writes.Add(1) }
func (c *Counters) Read()      { c.reads.Add(1) }

// Snapshot is a point-in-time, non-atomic copy for reporting/tests.
type Snapshot struct {
	Hits      uint64
	Misses    uint64
	Fills     uint64
	Evictions uint64
	Writes    uint64
	Reads     uint64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Fills:     c.fills.Load(),
		Evictions: c.evictions.Load(),
		Writes:    c.writes.Load(),
		Reads:     c.reads.Load(),
	}
}
