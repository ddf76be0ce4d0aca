// Package memsys wires every memory-subsystem component into the
// MemorySystem front door: virtual-to-physical translation, cache
// hierarchy traversal, LL/SC reservations, and SMP barriers, with
// every typed fault surfaced to the caller instead of thrown through
// the pipeline.
package memsys

import (
	"fmt"

	"github.com/rcornwell/axpsmp/emu/barrier"
	"github.com/rcornwell/axpsmp/emu/cache"
	"github.com/rcornwell/axpsmp/emu/cacheline"
	"github.com/rcornwell/axpsmp/emu/device"
	"github.com/rcornwell/axpsmp/emu/fault"
	"github.com/rcornwell/axpsmp/emu/pagetable"
	"github.com/rcornwell/axpsmp/emu/physbus"
	"github.com/rcornwell/axpsmp/emu/reservation"
	"github.com/rcornwell/axpsmp/emu/stats"
	"github.com/rcornwell/axpsmp/emu/tlb"
)

// perCPU bundles one CPU's private translation and L1 state.
type perCPU struct {
	tlb  *tlb.Tlb
	l1d  *cache.Cache
	l1i  *cache.Cache
	ptbr uint64
}

// MemorySystem is the construction-time-wired front door described in
// §4.10. Every field below it (Tlb, Cache levels, PhysicalBus,
// PhysicalStore/MmioRouter) is wired once at Build time; nothing here
// acquires a lock out of that order.
type MemorySystem struct {
	cpus         []*perCPU
	l2           *cache.Cache
	l3           *cache.Cache
	bus          *physbus.Bus
	walker       *pagetable.Walker
	reservations *reservation.Table
	barriers     *barrier.Engine
}

func lineAlign(pa uint64) uint64 { return pa &^ (LineSize - 1) }

func protectionAllows(e tlb.Entry, access fault.AccessType) bool {
	switch access {
	case fault.Read:
		return e.Readable
	case fault.Write:
		return e.Writable
	case fault.Execute:
		return e.Executable
	default:
		return true
	}
}

// SetPTBR installs cpuID's page table base register, read by the
// walker on every TLB miss for that CPU.
func (m *MemorySystem) SetPTBR(cpuID int, ptbr uint64) { m.cpus[cpuID].ptbr = ptbr }

// translate resolves va to a physical address, consulting the TLB
// first and falling back to a page-table walk, insert, and retry on
// miss (§4.10 rule 3). PAL mode or a disabled MMU treats va as pa
// directly (rule 2).
func (m *MemorySystem) translate(va uint64, ctx device.ExecutionContext, access fault.AccessType, isInstr bool) (uint64, error) {
	if !ctx.MMUEnabled() || ctx.Mode() == device.PAL {
		return va, nil
	}

	cpuID := ctx.CPUID()
	asn := ctx.CurrentASN()
	cp := m.cpus[cpuID]

	if pa, entry, hit := cp.tlb.Translate(va, asn, access, isInstr); hit {
		if !protectionAllows(entry, access) {
			return 0, fault.New(fault.ProtectionFault, va, access, cpuID, ctx.PC())
		}
		return pa, nil
	}

	res, err := m.walker.Walk(cp.ptbr, va, asn, access, ctx.Mode(), cpuID, ctx.PC())
	if err != nil {
		return 0, err
	}
	cp.tlb.Insert(va, asn, res, isInstr)

	pa, entry, hit := cp.tlb.Translate(va, asn, access, isInstr)
	if !hit {
		return 0, fault.New(fault.MachineCheck, va, access, cpuID, ctx.PC()).WithMessage("translation missing immediately after insert")
	}
	if !protectionAllows(entry, access) {
		return 0, fault.New(fault.ProtectionFault, va, access, cpuID, ctx.PC())
	}
	return pa, nil
}

func (m *MemorySystem) checkAlignment(va uint64, size int, ctx device.ExecutionContext, access fault.AccessType) error {
	if !ctx.Unaligned() && va%uint64(size) != 0 {
		return fault.New(fault.AlignmentFault, va, access, ctx.CPUID(), ctx.PC())
	}
	return nil
}

// readWithPA performs a translated read and also returns the resolved
// physical address, for LoadLocked's reservation bookkeeping.
func (m *MemorySystem) readWithPA(va uint64, size int, ctx device.ExecutionContext, isInstr bool) (uint64, uint64, error) {
	access := fault.Read
	if isInstr {
		access = fault.Execute
	}
	if err := m.checkAlignment(va, size, ctx, access); err != nil {
		return 0, 0, err
	}
	pa, err := m.translate(va, ctx, access, isInstr)
	if err != nil {
		return 0, 0, err
	}

	cpuID := ctx.CPUID()
	if m.bus.IsDevice(pa) {
		v, err := m.bus.Read(pa, size, false, cpuID, ctx.PC())
		return v, pa, err
	}

	cp := m.cpus[cpuID]
	top := cp.l1d
	if isInstr {
		top = cp.l1i
	}
	v, err := top.Read(pa, size, cpuID)
	return v, pa, err
}

// Read performs a data read.
func (m *MemorySystem) Read(va uint64, size int, ctx device.ExecutionContext) (uint64, error) {
	v, _, err := m.readWithPA(va, size, ctx, false)
	return v, err
}

// ReadInstruction performs an instruction fetch, walking via the
// execute access type and the I-TLB/I-cache side of the hierarchy.
func (m *MemorySystem) ReadInstruction(va uint64, size int, ctx device.ExecutionContext) (uint64, error) {
	v, _, err := m.readWithPA(va, size, ctx, true)
	return v, err
}

func (m *MemorySystem) writePhysical(pa uint64, size int, value uint64, cpuID int, pc uint64) error {
	if m.bus.IsDevice(pa) {
		return m.bus.Write(pa, size, value, false, cpuID, pc)
	}
	return m.cpus[cpuID].l1d.Write(pa, size, value, cpuID)
}

// Write performs a data write.
func (m *MemorySystem) Write(va uint64, size int, value uint64, ctx device.ExecutionContext) error {
	if err := m.checkAlignment(va, size, ctx, fault.Write); err != nil {
		return err
	}
	pa, err := m.translate(va, ctx, fault.Write, false)
	if err != nil {
		return err
	}
	return m.writePhysical(pa, size, value, ctx.CPUID(), ctx.PC())
}

// LoadLocked performs a normal read and arms a reservation on its
// line, per §4.10 rule 6.
func (m *MemorySystem) LoadLocked(va uint64, size int, ctx device.ExecutionContext) (uint64, error) {
	if size != 4 && size != 8 {
		return 0, fault.New(fault.AlignmentFault, va, fault.Read, ctx.CPUID(), ctx.PC()).WithMessage("load-locked size must be 4 or 8")
	}
	v, pa, err := m.readWithPA(va, size, ctx, false)
	if err != nil {
		return 0, err
	}
	m.reservations.Set(ctx.CPUID(), pa, size)
	return v, nil
}

// StoreConditional atomically checks the reservation and, if valid,
// performs the write and clears overlapping reservations on other
// CPUs, per §4.10 rule 7. A lost reservation is reported as
// ReservationLost rather than a plain false return, keeping every
// failure path a typed fault.
func (m *MemorySystem) StoreConditional(va uint64, size int, value uint64, ctx device.ExecutionContext) (bool, error) {
	if size != 4 && size != 8 {
		return false, fault.New(fault.AlignmentFault, va, fault.Write, ctx.CPUID(), ctx.PC()).WithMessage("store-conditional size must be 4 or 8")
	}
	pa, err := m.translate(va, ctx, fault.Write, false)
	if err != nil {
		return false, err
	}

	cpuID := ctx.CPUID()
	if !m.reservations.Check(cpuID, pa, size) {
		return false, fault.New(fault.ReservationLost, va, fault.Write, cpuID, ctx.PC()).WithPA(pa)
	}
	if err := m.writePhysical(pa, size, value, cpuID, ctx.PC()); err != nil {
		return false, err
	}
	m.reservations.ClearOverlapping(lineAlign(pa), size, cpuID)
	return true, nil
}

// Prefetch resolves va and warms its line in cpuID's L1D, optionally
// requesting write ownership ahead of a store (FETCH_M).
func (m *MemorySystem) Prefetch(va uint64, ctx device.ExecutionContext, forOwnership bool) error {
	pa, err := m.translate(va, ctx, fault.Read, false)
	if err != nil {
		return err
	}
	if m.bus.IsDevice(pa) {
		return nil
	}
	return m.cpus[ctx.CPUID()].l1d.Prefetch(pa, ctx.CPUID(), forOwnership)
}

// InvalidateLine drops va's line from every cache level it might be
// resident in.
func (m *MemorySystem) InvalidateLine(va uint64, ctx device.ExecutionContext) error {
	pa, err := m.translate(va, ctx, fault.Read, false)
	if err != nil {
		return err
	}
	cp := m.cpus[ctx.CPUID()]
	if err := cp.l1d.Invalidate(pa); err != nil {
		return err
	}
	if err := cp.l1i.Invalidate(pa); err != nil {
		return err
	}
	if m.l2 != nil {
		if err := m.l2.Invalidate(pa); err != nil {
			return err
		}
	}
	if m.l3 != nil {
		if err := m.l3.Invalidate(pa); err != nil {
			return err
		}
	}
	return nil
}

// FlushLine writes back va's line wherever it is held Modified,
// without invalidating it.
func (m *MemorySystem) FlushLine(va uint64, ctx device.ExecutionContext) error {
	pa, err := m.translate(va, ctx, fault.Read, false)
	if err != nil {
		return err
	}
	cp := m.cpus[ctx.CPUID()]
	if err := cp.l1d.Flush(pa); err != nil {
		return err
	}
	if m.l2 != nil {
		if err := m.l2.Flush(pa); err != nil {
			return err
		}
	}
	if m.l3 != nil {
		if err := m.l3.Flush(pa); err != nil {
			return err
		}
	}
	return nil
}

// Barrier submits kind on ctx's CPU and blocks for its outcome,
// surfacing a bus timeout as BarrierTimeout.
func (m *MemorySystem) Barrier(kind barrier.Kind, line uint64, ctx device.ExecutionContext) (barrier.Result, error) {
	res := <-m.barriers.Submit(barrier.Request{Kind: kind, CPUID: ctx.CPUID(), Line: line})
	if res.Outcome == barrier.Timeout {
		return res, fault.New(fault.BarrierTimeout, 0, fault.Read, ctx.CPUID(), ctx.PC())
	}
	return res, nil
}

// Tick advances the architectural cycle counter RPCC reads.
func (m *MemorySystem) Tick() { m.barriers.Tick() }

// InvalidateTLBEntry, InvalidateTLBByASN, InvalidateTLBAll, and the
// split instruction/data variants are the TLB API named in §6,
// forwarded to the requesting CPU's own Tlb.
func (m *MemorySystem) InvalidateTLBEntry(cpuID int, va uint64, asn uint8) {
	m.cpus[cpuID].tlb.InvalidateEntry(va, asn)
}

func (m *MemorySystem) InvalidateTLBByASN(cpuID int, asn uint8) { m.cpus[cpuID].tlb.InvalidateByASN(asn) }

func (m *MemorySystem) InvalidateTLBAll(cpuID int) { m.cpus[cpuID].tlb.InvalidateAll() }

func (m *MemorySystem) InvalidateTLBInstruction(cpuID int, va uint64, asn uint8) {
	m.cpus[cpuID].tlb.InvalidateInstruction(va, asn)
}

func (m *MemorySystem) InvalidateTLBData(cpuID int, va uint64, asn uint8) {
	m.cpus[cpuID].tlb.InvalidateData(va, asn)
}

// Shutdown releases the barrier engine's worker pool. Per §5,
// shutdown drains queues and never deadlocks.
func (m *MemorySystem) Shutdown() { m.barriers.Shutdown() }

// cacheByLevel resolves a console/introspection level name against
// cpuID's private caches or the shared L2/L3.
func (m *MemorySystem) cacheByLevel(level string, cpuID int) (*cache.Cache, error) {
	switch level {
	case "l1d":
		if cpuID < 0 || cpuID >= len(m.cpus) {
			return nil, fmt.Errorf("memsys: no such cpu %d", cpuID)
		}
		return m.cpus[cpuID].l1d, nil
	case "l1i":
		if cpuID < 0 || cpuID >= len(m.cpus) {
			return nil, fmt.Errorf("memsys: no such cpu %d", cpuID)
		}
		return m.cpus[cpuID].l1i, nil
	case "l2":
		return m.l2, nil
	case "l3":
		return m.l3, nil
	default:
		return nil, fmt.Errorf("memsys: unrecognized cache level %q", level)
	}
}

// Stats reports hit/miss counters for one named cache level ("l1d",
// "l1i", "l2", "l3"); cpuID selects which CPU's private L1 to read and
// is ignored for the shared L2/L3.
func (m *MemorySystem) Stats(level string, cpuID int) (stats.Snapshot, error) {
	c, err := m.cacheByLevel(level, cpuID)
	if err != nil {
		return stats.Snapshot{}, err
	}
	return c.Stats(), nil
}

// DumpSet returns the tag/state/data of every line in one set of one
// cache level, for the cache-introspection API (§6).
func (m *MemorySystem) DumpSet(level string, cpuID, index int) ([]cacheline.Line, error) {
	c, err := m.cacheByLevel(level, cpuID)
	if err != nil {
		return nil, err
	}
	return c.DumpSet(index)
}

// TLBSnapshot returns cpuID's instruction and data TLB contents.
func (m *MemorySystem) TLBSnapshot(cpuID int) (instr, data []tlb.Entry, err error) {
	if cpuID < 0 || cpuID >= len(m.cpus) {
		return nil, nil, fmt.Errorf("memsys: no such cpu %d", cpuID)
	}
	i, d := m.cpus[cpuID].tlb.Snapshot()
	return i, d, nil
}

// Reservations returns every CPU's current reservation state.
func (m *MemorySystem) Reservations() []reservation.Reservation { return m.reservations.Snapshot() }
