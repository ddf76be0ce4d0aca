// Package physbus implements the PhysicalBus: the single place that
// decides alignment policy, routes a physical access to PhysicalStore
// or MmioRouter, and publishes the resulting coherence event.
package physbus

import (
	"github.com/rcornwell/axpsmp/emu/coherence"
	"github.com/rcornwell/axpsmp/emu/fault"
	"github.com/rcornwell/axpsmp/emu/mmio"
	"github.com/rcornwell/axpsmp/emu/physmem"
)

// Bus dispatches physical accesses to RAM or a device window and
// publishes a coherence event for every write, per §4.3.
type Bus struct {
	ram    *physmem.Store
	mmio   *mmio.Router
	coh    *coherence.Bus
	lineSz uint64
}

// New wires a PhysicalBus over the given RAM store and MMIO router,
// publishing write notifications on coh at the given coherence line
// size (must match the cache line size in use, 64 bytes per §3).
func New(ram *physmem.Store, router *mmio.Router, coh *coherence.Bus, lineSize uint64) *Bus {
	return &Bus{ram: ram, mmio: router, coh: coh, lineSz: lineSize}
}

func validSize(size int) bool {
	switch size {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}

func (b *Bus) lineAlign(pa uint64) uint64 { return pa &^ (b.lineSz - 1) }

// Read performs a physical read. unaligned, when true, bypasses the
// natural-alignment requirement (PALcode's unaligned-access mode).
func (b *Bus) Read(pa uint64, size int, unaligned bool, cpuID int, pc uint64) (uint64, error) {
	if !validSize(size) {
		return 0, fault.New(fault.MachineCheck, pa, fault.Read, cpuID, pc).WithMessage("invalid access size")
	}
	if !unaligned && pa%uint64(size) != 0 {
		return 0, fault.New(fault.AlignmentFault, pa, fault.Read, cpuID, pc).WithPA(pa)
	}

	if b.mmio != nil && b.mmio.Contains(pa) {
		v, _ := b.mmio.Access(pa, size, false, 0)
		return v, nil
	}

	v, err := b.ram.Read(pa, size)
	if err != nil {
		return 0, fault.New(fault.AccessViolation, pa, fault.Read, cpuID, pc).WithPA(pa).WithMessage(err.Error())
	}
	return v, nil
}

// Write performs a physical write and publishes the resulting coherence
// event at line granularity (§4.3 rule 4).
func (b *Bus) Write(pa uint64, size int, value uint64, unaligned bool, cpuID int, pc uint64) error {
	if !validSize(size) {
		return fault.New(fault.MachineCheck, pa, fault.Write, cpuID, pc).WithMessage("invalid access size")
	}
	if !unaligned && pa%uint64(size) != 0 {
		return fault.New(fault.AlignmentFault, pa, fault.Write, cpuID, pc).WithPA(pa)
	}

	if b.mmio != nil && b.mmio.Contains(pa) {
		b.mmio.Access(pa, size, true, value)
	} else if err := b.ram.Write(pa, size, value); err != nil {
		return fault.New(fault.AccessViolation, pa, fault.Write, cpuID, pc).WithPA(pa).WithMessage(err.Error())
	}

	if b.coh != nil {
		// A direct physical write never passes through a cache's
		// WriteLine chain, so there is no cache that already holds the
		// fresh bytes and needs to self-skip: every subscriber reacts.
		if err := b.coh.Publish(coherence.Event{
			Op: coherence.MemWrite, LineAddr: b.lineAlign(pa), Size: size, SourceCPU: cpuID,
		}); err != nil {
			return fault.New(fault.MachineCheck, pa, fault.Write, cpuID, pc).WithPA(pa).WithMessage(err.Error())
		}
	}
	return nil
}

// IsDevice reports whether pa falls inside a registered MMIO window.
// MemorySystem uses this to route device accesses around the cache
// hierarchy entirely: MMIO space is architecturally non-cacheable.
func (b *Bus) IsDevice(pa uint64) bool {
	return b.mmio != nil && b.mmio.Contains(pa)
}

// ReadLine fills buf (one cache line's worth of bytes) directly from
// RAM, bypassing alignment checks and MMIO dispatch — a line fill is
// always RAM-backed and always naturally aligned by construction.
func (b *Bus) ReadLine(pa uint64, buf []byte) error {
	if err := b.ram.ReadBlock(pa, buf); err != nil {
		return fault.New(fault.AccessViolation, pa, fault.Read, -1, 0).WithPA(pa).WithMessage(err.Error())
	}
	return nil
}

// WriteLine writes back a full dirty line to RAM and publishes the
// resulting coherence event, used by Cache eviction/flush. skip names
// every cache level the write already passed through on its way here
// (see cache.BackingStore): each of those already has the fresh data,
// so the MemWrite notification must not bounce back and have one of
// them discard what it just installed.
func (b *Bus) WriteLine(pa uint64, buf []byte, cpuID int, skip []any) error {
	if err := b.ram.WriteBlock(pa, buf); err != nil {
		return fault.New(fault.AccessViolation, pa, fault.Write, cpuID, 0).WithPA(pa).WithMessage(err.Error())
	}
	if b.coh != nil {
		if err := b.coh.Publish(coherence.Event{
			Op: coherence.MemWrite, LineAddr: b.lineAlign(pa), Size: len(buf), SourceCPU: cpuID, Origins: skip,
		}); err != nil {
			return fault.New(fault.MachineCheck, pa, fault.Write, cpuID, 0).WithPA(pa).WithMessage(err.Error())
		}
	}
	return nil
}
