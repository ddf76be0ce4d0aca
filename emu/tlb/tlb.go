// Package tlb implements the per-CPU split instruction/data
// translation lookaside buffer: fixed-capacity, ASN-tagged, with
// clock-with-reference insertion and the five-way invalidation set
// named in the design notes (the source mixed two PAL invalidate
// encodings; every caller maps down to one of these five primitives).
package tlb

import (
	"sync"

	"github.com/rcornwell/axpsmp/emu/fault"
	"github.com/rcornwell/axpsmp/emu/pagetable"
)

const (
	// ICapacity and DCapacity are the architectural upper bounds on
	// split I/D TLB size (§3).
	ICapacity = 48
	DCapacity = 64
)

// Entry is one cached translation.
type Entry struct {
	VirtualPage  uint64 // va with the granularity-widened offset masked off
	PhysicalPage uint64 // walked pa minus va's granularity-widened offset bits
	ASN          uint8
	Global       bool
	Granularity  uint8
	Readable     bool
	Writable     bool
	Executable   bool
	Valid        bool
	Dirty        bool
	Referenced   bool
}

// InvalidateKind names which of the five invalidation primitives fired,
// for the optional translation-cache broadcast.
type InvalidateKind int

const (
	InvalidateEntryKind InvalidateKind = iota
	InvalidateASNKind
	InvalidateAllKind
	InvalidateInstructionKind
	InvalidateDataKind
)

// Notifier receives every TLB invalidation, for an optional
// instruction-translation cache sitting in front of the I-TLB (§6).
type Notifier interface {
	NotifyTLBInvalidate(kind InvalidateKind, va uint64, asn uint8)
}

// Tlb is one CPU's split I/D translation cache.
type Tlb struct {
	mu      sync.Mutex
	cpuID   int
	i       []Entry
	d       []Entry
	iClock  int
	dClock  int
	notifee []Notifier
}

// New allocates an empty split TLB for one CPU.
func New(cpuID int) *Tlb {
	return &Tlb{cpuID: cpuID, i: make([]Entry, ICapacity), d: make([]Entry, DCapacity)}
}

func (t *Tlb) CPUID() int { return t.cpuID }

// Snapshot returns a copy of the instruction and data arrays for
// introspection (§6 cache-introspection API, extended here to the
// TLB). Invalid entries are included so a caller can see capacity as
// well as occupancy.
func (t *Tlb) Snapshot() (instr, data []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	instr = make([]Entry, len(t.i))
	copy(instr, t.i)
	data = make([]Entry, len(t.d))
	copy(data, t.d)
	return instr, data
}

// Subscribe registers n to hear every future invalidation.
func (t *Tlb) Subscribe(n Notifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifee = append(t.notifee, n)
}

func (t *Tlb) notify(kind InvalidateKind, va uint64, asn uint8) {
	for _, n := range t.notifee {
		n.NotifyTLBInvalidate(kind, va, asn)
	}
}

func offsetMask(granularity uint8) uint64 {
	return (uint64(1) << pagetable.OffsetBits(granularity)) - 1
}

// Translate looks up va for the given asn and access type in the
// instruction or data array. A hit requires the virtual page to match
// under the entry's own granularity and either the ASN to match or the
// entry to be global. On hit, the entry's referenced bit is set, and a
// write access also sets its dirty bit.
func (t *Tlb) Translate(va uint64, asn uint8, access fault.AccessType, isInstr bool) (pa uint64, prot Entry, hit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	arr := t.d
	if isInstr {
		arr = t.i
	}
	for i := range arr {
		e := &arr[i]
		if !e.Valid {
			continue
		}
		mask := offsetMask(e.Granularity)
		if va&^mask != e.VirtualPage {
			continue
		}
		if e.ASN != asn && !e.Global {
			continue
		}
		e.Referenced = true
		if access == fault.Write {
			e.Dirty = true
		}
		return e.PhysicalPage + (va & mask), *e, true
	}
	return 0, Entry{}, false
}

// Insert installs a freshly walked translation using clock-with-
// reference replacement: advance a hand around the array; the first
// entry found with a clear reference bit is replaced, clearing every
// referenced bit passed along the way.
func (t *Tlb) Insert(va uint64, asn uint8, res pagetable.Result, isInstr bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mask := offsetMask(res.Granularity)
	entry := Entry{
		VirtualPage:  va &^ mask,
		PhysicalPage: res.PA - (va & mask),
		ASN:          asn,
		Global:       res.Global,
		Granularity:  res.Granularity,
		Readable:     res.Readable,
		Writable:     res.Writable,
		Executable:   res.Executable,
		Valid:        true,
		Referenced:   true,
	}

	if isInstr {
		t.i[clockVictim(t.i, &t.iClock)] = entry
	} else {
		t.d[clockVictim(t.d, &t.dClock)] = entry
	}
}

func clockVictim(entries []Entry, hand *int) int {
	n := len(entries)
	for i, e := range entries {
		if !e.Valid {
			return i
		}
	}
	for range 2 * n {
		i := *hand
		*hand = (*hand + 1) % n
		if !entries[i].Referenced {
			return i
		}
		entries[i].Referenced = false
	}
	return *hand
}

func matches(e *Entry, va uint64, asn uint8, requireASN bool) bool {
	if !e.Valid {
		return false
	}
	mask := offsetMask(e.Granularity)
	if va&^mask != e.VirtualPage {
		return false
	}
	if requireASN {
		return e.ASN == asn
	}
	return e.ASN == asn || e.Global
}

func invalidateIn(arr []Entry, va uint64, asn uint8, requireASN bool) {
	for i := range arr {
		if matches(&arr[i], va, asn, requireASN) {
			arr[i] = Entry{}
		}
	}
}

// InvalidateEntry drops any translation for va under asn (or global)
// from both the I-TLB and D-TLB.
func (t *Tlb) InvalidateEntry(va uint64, asn uint8) {
	t.mu.Lock()
	invalidateIn(t.i, va, asn, false)
	invalidateIn(t.d, va, asn, false)
	t.mu.Unlock()
	t.notify(InvalidateEntryKind, va, asn)
}

// InvalidateByASN drops every non-global entry tagged with asn.
func (t *Tlb) InvalidateByASN(asn uint8) {
	t.mu.Lock()
	for i := range t.i {
		if t.i[i].Valid && !t.i[i].Global && t.i[i].ASN == asn {
			t.i[i] = Entry{}
		}
	}
	for i := range t.d {
		if t.d[i].Valid && !t.d[i].Global && t.d[i].ASN == asn {
			t.d[i] = Entry{}
		}
	}
	t.mu.Unlock()
	t.notify(InvalidateASNKind, 0, asn)
}

// InvalidateAll drops every entry in both arrays.
func (t *Tlb) InvalidateAll() {
	t.mu.Lock()
	t.i = make([]Entry, ICapacity)
	t.d = make([]Entry, DCapacity)
	t.iClock, t.dClock = 0, 0
	t.mu.Unlock()
	t.notify(InvalidateAllKind, 0, 0)
}

// InvalidateInstruction drops only the matching I-TLB entry, leaving
// the D-TLB untouched.
func (t *Tlb) InvalidateInstruction(va uint64, asn uint8) {
	t.mu.Lock()
	invalidateIn(t.i, va, asn, false)
	t.mu.Unlock()
	t.notify(InvalidateInstructionKind, va, asn)
}

// InvalidateData drops only the matching D-TLB entry.
func (t *Tlb) InvalidateData(va uint64, asn uint8) {
	t.mu.Lock()
	invalidateIn(t.d, va, asn, false)
	t.mu.Unlock()
	t.notify(InvalidateDataKind, va, asn)
}
