// Package cache implements one level of the MESI cache hierarchy
// (L1D, L1I, L2 or L3). A Cache is set-associative, fine-grained
// per-set locked, and chains to a backing store — either the next
// cache level down or the PhysicalBus at the bottom of the hierarchy.
//
// No teacher package models a cache; the shape (fixed-size sets of
// tagged lines, a monotonic access counter for LRU, per-set locking so
// unrelated addresses never contend) follows the m2sim2 timing-cache
// reference in spirit, built out to the MESI transition table and
// broadcast rules spelled out for this machine.
package cache

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/rcornwell/axpsmp/emu/cacheline"
	"github.com/rcornwell/axpsmp/emu/coherence"
	"github.com/rcornwell/axpsmp/emu/fault"
	"github.com/rcornwell/axpsmp/emu/stats"
)

// WritePolicy selects what a write hit does to the backing store.
type WritePolicy int

const (
	WriteBack WritePolicy = iota
	WriteThrough
)

// BackingStore is whatever sits behind a Cache: the next level down,
// or the PhysicalBus at the bottom of the hierarchy. Both
// *physbus.Bus and *Cache satisfy it.
//
// skip accumulates the identity of every Cache level a write passes
// through on its way down (see coherence.Event.Origins): each
// implementation appends itself before forwarding further so that,
// once the write reaches the PhysicalBus and is announced on the
// coherence bus, none of the levels that already installed the fresh
// data snoop their own write back out again.
type BackingStore interface {
	ReadLine(pa uint64, buf []byte) error
	WriteLine(pa uint64, buf []byte, cpuID int, skip []any) error
}

// Config is the construction-time shape of one cache level.
type Config struct {
	NumSets       int
	Associativity int
	LineSize      int
	Policy        cacheline.Policy
	Write         WritePolicy
	// RandIntN backs the Random replacement policy; nil defaults to
	// always evicting way 0.
	RandIntN func(n int) int
}

// Cache is one level of the hierarchy: num_sets*associativity lines of
// line_size bytes, MESI-tracked, fine-grained per-set locked.
type Cache struct {
	cfg   Config
	name  string
	sets  []*cacheline.Set
	locks []sync.Mutex

	next BackingStore
	coh  *coherence.Bus

	counter atomic.Uint64
	stats   stats.Counters
}

// New builds one cache level named name (used only for error messages
// and introspection, e.g. "L1D", "L2"), backed by next and broadcasting
// MESI transitions on coh. coh may be nil for a level with no siblings
// to snoop (a lone unified L2/L3 instance shared by every CPU).
func New(name string, cfg Config, next BackingStore, coh *coherence.Bus) (*Cache, error) {
	if bits.OnesCount(uint(cfg.NumSets)) != 1 {
		return nil, fmt.Errorf("cache %s: num_sets %d is not a power of two", name, cfg.NumSets)
	}
	if bits.OnesCount(uint(cfg.LineSize)) != 1 {
		return nil, fmt.Errorf("cache %s: line_size %d is not a power of two", name, cfg.LineSize)
	}
	if cfg.Associativity <= 0 {
		return nil, fmt.Errorf("cache %s: associativity must be positive", name)
	}

	c := &Cache{
		cfg:   cfg,
		name:  name,
		sets:  make([]*cacheline.Set, cfg.NumSets),
		locks: make([]sync.Mutex, cfg.NumSets),
		next:  next,
		coh:   coh,
	}
	for i := range c.sets {
		c.sets[i] = cacheline.NewSet(cfg.Associativity, cfg.LineSize)
	}
	if coh != nil {
		coh.Subscribe(c)
	}
	return c, nil
}

func (c *Cache) Name() string { return c.name }

func validSize(size int) bool {
	switch size {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}

func (c *Cache) indices(pa uint64) (setIdx int, tag uint64, lineAddr uint64) {
	lineBits := bits.TrailingZeros(uint(c.cfg.LineSize))
	lineAddr = pa &^ (uint64(c.cfg.LineSize) - 1)
	setIdx = int((pa >> lineBits) & uint64(c.cfg.NumSets-1))
	tag = pa >> lineBits
	return setIdx, tag, lineAddr
}

func readField(data []byte, off uint64, size int) uint64 {
	switch size {
	case 1:
		return uint64(data[off])
	case 2:
		return uint64(binary.LittleEndian.Uint16(data[off:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(data[off:]))
	default:
		return binary.LittleEndian.Uint64(data[off:])
	}
}

func writeField(data []byte, off uint64, size int, value uint64) {
	switch size {
	case 1:
		data[off] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(data[off:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(data[off:], uint32(value))
	default:
		binary.LittleEndian.PutUint64(data[off:], value)
	}
}

// Lookup reports whether pa is resident, returning a value copy of the
// line for introspection. It never fills or changes replacement state.
func (c *Cache) Lookup(pa uint64) (cacheline.Line, bool) {
	setIdx, tag, _ := c.indices(pa)
	c.locks[setIdx].Lock()
	defer c.locks[setIdx].Unlock()

	i := c.sets[setIdx].Find(tag)
	if i < 0 {
		return cacheline.Line{}, false
	}
	return *c.sets[setIdx].Lines[i], true
}

// Contains is the cache-introspection membership check.
func (c *Cache) Contains(pa uint64) bool {
	_, hit := c.Lookup(pa)
	return hit
}

// DumpSet returns a value-copy snapshot of every line in set index,
// for test and debug-console introspection.
func (c *Cache) DumpSet(index int) ([]cacheline.Line, error) {
	if index < 0 || index >= len(c.sets) {
		return nil, fmt.Errorf("cache %s: set index %d out of range", c.name, index)
	}
	c.locks[index].Lock()
	defer c.locks[index].Unlock()

	out := make([]cacheline.Line, len(c.sets[index].Lines))
	for i, l := range c.sets[index].Lines {
		out[i] = *l
	}
	return out, nil
}

func (c *Cache) Stats() stats.Snapshot { return c.stats.Snapshot() }

// Read performs a cached read, filling from the backing store on miss.
// No set lock is held while the miss fill talks to the backing store or
// the bus, so a fill that probes a sibling cache (which may in turn
// need this exact set's lock to answer) cannot deadlock against it; the
// lookup is simply retried once the fill returns, which also covers the
// rare case where another goroutine's fill raced this one to the same
// set.
func (c *Cache) Read(pa uint64, size int, cpuID int) (uint64, error) {
	if !validSize(size) {
		return 0, fault.New(fault.MachineCheck, pa, fault.Read, cpuID, 0).WithMessage("invalid access size")
	}
	setIdx, tag, lineAddr := c.indices(pa)

	for {
		c.locks[setIdx].Lock()
		set := c.sets[setIdx]
		i := set.Find(tag)
		if i >= 0 {
			c.stats.Hit()
			line := set.Lines[i]
			line.Ref = true
			line.LastAccess = c.counter.Add(1)
			v := readField(line.Data, pa-lineAddr, size)
			c.locks[setIdx].Unlock()
			c.stats.Read()
			return v, nil
		}
		c.locks[setIdx].Unlock()

		if err := c.fill(setIdx, pa, tag, lineAddr, cpuID, false); err != nil {
			return 0, err
		}
		c.stats.Miss()
	}
}

// Prefetch ensures pa's line is resident without returning any data,
// for BarrierEngine's FETCH/FETCH_M handling. forOwnership additionally
// upgrades the line to Modified (broadcasting Invalidate) if it is not
// already held exclusively, matching FETCH_M's request for write
// ownership ahead of the store that will follow it.
func (c *Cache) Prefetch(pa uint64, cpuID int, forOwnership bool) error {
	setIdx, tag, lineAddr := c.indices(pa)

	c.locks[setIdx].Lock()
	set := c.sets[setIdx]
	i := set.Find(tag)
	if i < 0 {
		c.locks[setIdx].Unlock()
		if err := c.fill(setIdx, pa, tag, lineAddr, cpuID, forOwnership); err != nil {
			return err
		}
		c.stats.Miss()
		return nil
	}
	c.stats.Hit()
	if !forOwnership {
		c.locks[setIdx].Unlock()
		return nil
	}

	line := set.Lines[i]
	needInvalidate := false
	switch line.State {
	case cacheline.Shared:
		line.State = cacheline.Modified
		needInvalidate = true
	case cacheline.Exclusive:
		line.State = cacheline.Modified
	case cacheline.Modified, cacheline.Invalid:
	}
	c.locks[setIdx].Unlock()

	if needInvalidate {
		c.broadcast(coherence.Invalidate, lineAddr, cpuID)
	}
	return nil
}

// Write performs a cached write: allocate-on-miss, MESI transition to
// Modified, and either write-back (deferred) or write-through
// (immediate) to the backing store depending on level policy.
func (c *Cache) Write(pa uint64, size int, value uint64, cpuID int) error {
	if !validSize(size) {
		return fault.New(fault.MachineCheck, pa, fault.Write, cpuID, 0).WithMessage("invalid access size")
	}
	setIdx, tag, lineAddr := c.indices(pa)

	for {
		c.locks[setIdx].Lock()
		set := c.sets[setIdx]
		i := set.Find(tag)
		if i < 0 {
			c.locks[setIdx].Unlock()
			if err := c.fill(setIdx, pa, tag, lineAddr, cpuID, true); err != nil {
				return err
			}
			c.stats.Miss()
			continue
		}
		c.stats.Hit()

		line := set.Lines[i]
		needInvalidate := false
		switch line.State {
		case cacheline.Shared:
			line.State = cacheline.Modified
			needInvalidate = true
		case cacheline.Exclusive:
			line.State = cacheline.Modified
		case cacheline.Modified, cacheline.Invalid:
			// Modified: already owned exclusively, no broadcast needed.
			// Invalid cannot occur here: Find only returns valid lines.
		}

		line.Ref = true
		line.Dirty = true
		line.LastAccess = c.counter.Add(1)
		writeField(line.Data, pa-lineAddr, size, value)

		var through []byte
		if c.cfg.Write == WriteThrough && c.next != nil {
			through = append([]byte(nil), line.Data...)
		}
		c.locks[setIdx].Unlock()
		c.stats.Write()

		if needInvalidate {
			c.broadcast(coherence.Invalidate, lineAddr, cpuID)
		}
		if through != nil {
			if err := c.next.WriteLine(lineAddr, through, cpuID, []any{c}); err != nil {
				return fault.New(fault.MachineCheck, pa, fault.Write, cpuID, 0).WithPA(pa).WithMessage(err.Error())
			}
		}
		return nil
	}
}

// fill installs pa's line into the set at setIdx, evicting the current
// victim first if it is dirty. A read miss probes sibling caches for a
// copy of the line before sourcing it from the backing store: a
// sibling holding it Modified writes back in response to that probe
// (snoopReadProbe), so sourcing only after the probe returns is what
// keeps a cross-CPU read from observing bytes staler than what the
// sibling still held (§8 invariant 5). No set lock is held across any
// of these backing-store or bus calls — this cache, or a level below
// it, may itself be a bus subscriber, and answering a snoop back into
// this exact set while the lock that snoop needs is already held would
// deadlock instead of simply waiting its turn.
func (c *Cache) fill(setIdx int, pa, tag, lineAddr uint64, cpuID int, forWrite bool) error {
	c.locks[setIdx].Lock()
	set := c.sets[setIdx]
	way := set.Victim(c.cfg.Policy, c.cfg.RandIntN)
	victim := set.Lines[way]
	wasValid := victim.Valid
	evictAddr, evictData, evicting := evictLocked(victim)
	c.locks[setIdx].Unlock()

	if wasValid {
		c.stats.Eviction()
	}
	if evicting && c.next != nil {
		if err := c.next.WriteLine(evictAddr, evictData, cpuID, []any{c}); err != nil {
			return fault.New(fault.MachineCheck, evictAddr, fault.Write, cpuID, 0).WithPA(evictAddr).WithMessage(err.Error())
		}
	}

	if c.next == nil {
		return fault.New(fault.MachineCheck, pa, fault.Read, cpuID, 0).WithPA(pa).WithMessage("no backing store configured")
	}

	var resp *coherence.Response
	if !forWrite {
		resp = &coherence.Response{}
		if c.coh != nil {
			_ = c.coh.Publish(coherence.Event{
				Op: coherence.ReadProbe, LineAddr: lineAddr, SourceCPU: cpuID, Origins: []any{c}, Response: resp,
			})
		}
	}

	buf := make([]byte, c.cfg.LineSize)
	if err := c.next.ReadLine(lineAddr, buf); err != nil {
		return fault.New(fault.MachineCheck, pa, fault.Read, cpuID, 0).WithPA(pa).WithMessage(err.Error())
	}

	if forWrite {
		c.broadcast(coherence.Invalidate, lineAddr, cpuID)
	}

	c.locks[setIdx].Lock()
	line := set.Lines[way]
	copy(line.Data, buf)
	line.Tag = tag
	line.Address = lineAddr
	line.Valid = true
	line.Ref = true
	line.LastAccess = c.counter.Add(1)
	if forWrite {
		line.State = cacheline.Modified
		line.Dirty = true
	} else {
		line.Dirty = false
		if resp.Found() {
			line.State = cacheline.Shared
		} else {
			line.State = cacheline.Exclusive
		}
	}
	c.locks[setIdx].Unlock()
	c.stats.Fill()
	return nil
}

// evictLocked resets line to its just-constructed Invalid state,
// returning the data that needs writing back if it was dirty. Caller
// holds the owning set's lock; the returned data must only be written
// back after releasing it.
func evictLocked(line *cacheline.Line) (addr uint64, data []byte, dirty bool) {
	if line.Valid && line.Dirty {
		addr = line.Address
		data = append([]byte(nil), line.Data...)
		dirty = true
	}
	line.Reset()
	return addr, data, dirty
}

func (c *Cache) broadcast(op coherence.Op, lineAddr uint64, cpuID int) {
	if c.coh == nil {
		return
	}
	_ = c.coh.Publish(coherence.Event{Op: op, LineAddr: lineAddr, SourceCPU: cpuID, Origins: []any{c}})
}

// Invalidate drops pa's line (writing it back first if Modified) and
// tells siblings to do the same.
func (c *Cache) Invalidate(pa uint64) error {
	setIdx, tag, lineAddr := c.indices(pa)
	if err := c.invalidateLocal(setIdx, tag, -1); err != nil {
		return err
	}
	c.broadcast(coherence.Invalidate, lineAddr, -1)
	return nil
}

// InvalidateAll drops every resident line in this cache (write-back
// first where dirty). Used for IMB's "invalidate the instruction cache
// at cpu_id" step.
func (c *Cache) InvalidateAll() error {
	type pendingWriteback struct {
		addr uint64
		data []byte
	}
	for idx, set := range c.sets {
		c.locks[idx].Lock()
		var pending []pendingWriteback
		for _, line := range set.Lines {
			addr, data, dirty := evictLocked(line)
			if dirty {
				pending = append(pending, pendingWriteback{addr, data})
			}
		}
		c.locks[idx].Unlock()

		if c.next == nil {
			continue
		}
		for _, p := range pending {
			if err := c.next.WriteLine(p.addr, p.data, -1, []any{c}); err != nil {
				return fault.New(fault.MachineCheck, p.addr, fault.Write, -1, 0).WithPA(p.addr).WithMessage(err.Error())
			}
		}
	}
	return nil
}

// Flush writes back pa's line if Modified, without invalidating it.
// Unlike Invalidate, the line stays resident here afterward, so its
// write-back is tagged with this cache's own identity: the MemWrite it
// provokes must not bounce back and discard the clean copy it just
// produced.
func (c *Cache) Flush(pa uint64) error {
	setIdx, tag, _ := c.indices(pa)

	c.locks[setIdx].Lock()
	i := c.sets[setIdx].Find(tag)
	var addr uint64
	var data []byte
	if i >= 0 {
		line := c.sets[setIdx].Lines[i]
		if line.Dirty {
			addr = line.Address
			data = append([]byte(nil), line.Data...)
			line.Dirty = false
		}
	}
	c.locks[setIdx].Unlock()

	if data != nil && c.next != nil {
		if err := c.next.WriteLine(addr, data, -1, []any{c}); err != nil {
			return fault.New(fault.MachineCheck, pa, fault.Write, -1, 0).WithPA(pa).WithMessage(err.Error())
		}
	}
	return nil
}

// FlushAll writes back every Modified line without invalidating any of
// them (see Flush on why the write-back carries this cache's identity).
func (c *Cache) FlushAll() error {
	type pendingWriteback struct {
		addr uint64
		data []byte
	}
	for idx, set := range c.sets {
		c.locks[idx].Lock()
		var pending []pendingWriteback
		for _, line := range set.Lines {
			if line.Valid && line.Dirty {
				pending = append(pending, pendingWriteback{line.Address, append([]byte(nil), line.Data...)})
				line.Dirty = false
			}
		}
		c.locks[idx].Unlock()

		if c.next == nil {
			continue
		}
		for _, p := range pending {
			if err := c.next.WriteLine(p.addr, p.data, -1, []any{c}); err != nil {
				return fault.New(fault.MachineCheck, p.addr, fault.Write, -1, 0).WithPA(p.addr).WithMessage(err.Error())
			}
		}
	}
	return nil
}

func (c *Cache) invalidateLocal(setIdx int, tag uint64, cpuID int) error {
	c.locks[setIdx].Lock()
	i := c.sets[setIdx].Find(tag)
	if i < 0 {
		c.locks[setIdx].Unlock()
		return nil
	}
	addr, data, dirty := evictLocked(c.sets[setIdx].Lines[i])
	c.locks[setIdx].Unlock()

	if dirty && c.next != nil {
		if err := c.next.WriteLine(addr, data, cpuID, []any{c}); err != nil {
			return fault.New(fault.MachineCheck, addr, fault.Write, cpuID, 0).WithPA(addr).WithMessage(err.Error())
		}
	}
	return nil
}

// ReadLine and WriteLine let a Cache itself serve as the BackingStore
// for the level above it (L1's next is L2, L2's next is L3).

// ReadLine ensures pa's line is resident at this level (filling from
// its own backing store if needed) and copies it into buf.
func (c *Cache) ReadLine(pa uint64, buf []byte) error {
	setIdx, tag, lineAddr := c.indices(pa)

	for {
		c.locks[setIdx].Lock()
		set := c.sets[setIdx]
		i := set.Find(tag)
		if i >= 0 {
			c.stats.Hit()
			copy(buf, set.Lines[i].Data)
			c.locks[setIdx].Unlock()
			return nil
		}
		c.locks[setIdx].Unlock()

		if err := c.fill(setIdx, pa, tag, lineAddr, -1, false); err != nil {
			return err
		}
		c.stats.Miss()
	}
}

// WriteLine accepts a pushed-in write-back from the level above,
// installing or overwriting the line as Modified at this level. skip
// carries the identity of every cache level already holding this
// line's fresh data (see BackingStore); this level appends itself
// before forwarding further down.
func (c *Cache) WriteLine(pa uint64, buf []byte, cpuID int, skip []any) error {
	setIdx, tag, lineAddr := c.indices(pa)

	c.locks[setIdx].Lock()
	set := c.sets[setIdx]
	i := set.Find(tag)
	var evictAddr uint64
	var evictData []byte
	evicting := false
	if i < 0 {
		way := set.Victim(c.cfg.Policy, c.cfg.RandIntN)
		victim := set.Lines[way]
		wasValid := victim.Valid
		evictAddr, evictData, evicting = evictLocked(victim)
		if wasValid {
			c.stats.Eviction()
		}
		victim.Tag = tag
		victim.Address = lineAddr
		victim.Valid = true
		i = way
	}
	line := set.Lines[i]
	copy(line.Data, buf)
	line.Dirty = true
	line.State = cacheline.Modified
	line.Ref = true
	line.LastAccess = c.counter.Add(1)

	var through []byte
	if c.cfg.Write == WriteThrough && c.next != nil {
		through = append([]byte(nil), line.Data...)
	}
	c.locks[setIdx].Unlock()
	c.stats.Write()

	if evicting && c.next != nil {
		if err := c.next.WriteLine(evictAddr, evictData, cpuID, []any{c}); err != nil {
			return err
		}
	}
	if through != nil {
		forward := append(append([]any(nil), skip...), c)
		return c.next.WriteLine(lineAddr, through, cpuID, forward)
	}
	return nil
}

// HandleCoherence answers snoops from sibling caches at this level,
// per the MESI table in §4.4: on a ReadProbe, DowngradeToShared or
// WriteBack every holder drops to Shared, a Modified one writing back
// first; on MemWrite (the physical line changed underneath it) or an
// Invalidate every holder drops to Invalid, a Modified one writing
// back first. A cache listed in ev.Origins already
// has the post-event data (or has already dropped the line itself) and
// skips the snoop entirely.
func (c *Cache) HandleCoherence(ev coherence.Event) {
	for _, o := range ev.Origins {
		if o == c {
			return
		}
	}

	switch ev.Op {
	case coherence.Invalidate, coherence.MemWrite:
		c.snoopInvalidate(ev.LineAddr)
	case coherence.DowngradeToShared, coherence.WriteBack:
		c.snoopDowngrade(ev.LineAddr)
	case coherence.ReadProbe:
		c.snoopReadProbe(ev)
	}
}

func (c *Cache) snoopInvalidate(lineAddr uint64) {
	setIdx, tag, _ := c.indices(lineAddr)

	c.locks[setIdx].Lock()
	i := c.sets[setIdx].Find(tag)
	if i < 0 {
		c.locks[setIdx].Unlock()
		return
	}
	addr, data, dirty := evictLocked(c.sets[setIdx].Lines[i])
	c.locks[setIdx].Unlock()

	if dirty && c.next != nil {
		_ = c.next.WriteLine(addr, data, -1, []any{c})
	}
}

func (c *Cache) snoopDowngrade(lineAddr uint64) {
	setIdx, tag, _ := c.indices(lineAddr)

	c.locks[setIdx].Lock()
	i := c.sets[setIdx].Find(tag)
	if i < 0 {
		c.locks[setIdx].Unlock()
		return
	}
	line := c.sets[setIdx].Lines[i]
	wasModified := line.State == cacheline.Modified
	var addr uint64
	var data []byte
	if wasModified {
		addr = line.Address
		data = append([]byte(nil), line.Data...)
	}
	line.Dirty = false
	line.State = cacheline.Shared
	c.locks[setIdx].Unlock()

	if wasModified && c.next != nil {
		_ = c.next.WriteLine(addr, data, -1, []any{c})
	}
}

func (c *Cache) snoopReadProbe(ev coherence.Event) {
	setIdx, tag, _ := c.indices(ev.LineAddr)

	c.locks[setIdx].Lock()
	i := c.sets[setIdx].Find(tag)
	if i < 0 {
		c.locks[setIdx].Unlock()
		return
	}
	line := c.sets[setIdx].Lines[i]
	wasModified := line.State == cacheline.Modified
	var addr uint64
	var data []byte
	if wasModified {
		addr = line.Address
		data = append([]byte(nil), line.Data...)
		line.Dirty = false
	}
	line.State = cacheline.Shared
	c.locks[setIdx].Unlock()

	if wasModified && c.next != nil {
		_ = c.next.WriteLine(addr, data, -1, []any{c})
	}
	if ev.Response != nil {
		ev.Response.MarkFound(wasModified)
	}
}
