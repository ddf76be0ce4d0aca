package pagetable_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcornwell/axpsmp/emu/device"
	"github.com/rcornwell/axpsmp/emu/fault"
	"github.com/rcornwell/axpsmp/emu/pagetable"
)

// fakeBus is a flat PhysReader backed by a map, standing in for
// PhysicalBus in walker-only tests.
type fakeBus struct {
	slots map[uint64]uint64
}

func newFakeBus() *fakeBus { return &fakeBus{slots: make(map[uint64]uint64)} }

func (f *fakeBus) putPTE(pa uint64, pte pagetable.PTE) { f.slots[pa] = pte.Encode() }

func (f *fakeBus) Read(pa uint64, size int, unaligned bool, cpuID int, pc uint64) (uint64, error) {
	return f.slots[pa], nil
}

const ptbr = 0x100000

// buildChain wires a single VA's worth of 3-level PTEs rooted at ptbr,
// leaving every other slot invalid (zero value).
func buildChain(bus *fakeBus, va uint64, leaf pagetable.PTE, l1pfn, l2pfn uint32) {
	l1idx := (va >> 33) & 0x3FF
	l2idx := (va >> 23) & 0x3FF
	l3idx := (va >> 13) & 0x3FF

	bus.putPTE(ptbr+l1idx*8, pagetable.PTE{Valid: true, PFN: l1pfn})
	bus.putPTE(uint64(l1pfn)<<13+l2idx*8, pagetable.PTE{Valid: true, PFN: l2pfn})
	bus.putPTE(uint64(l2pfn)<<13+l3idx*8, leaf)
}

// Scenario 3 from spec.md §8: TLB miss + walk + retry.
func TestWalkResolvesValidLeaf(t *testing.T) {
	bus := newFakeBus()
	const va = 0x4000
	buildChain(bus, va, pagetable.PTE{Valid: true, PFN: 0x10}, 0x20, 0x21)

	w := pagetable.New(bus)
	res, err := w.Walk(ptbr, va, 7, fault.Read, device.User, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10)<<13, res.PA)
	require.True(t, res.Readable)
	require.Equal(t, uint64(1), w.Walks())
}

// Scenario 4 from spec.md §8: protection fault, no second-level
// bookkeeping to check here (cache allocation is the caller's job).
func TestWalkFaultOnWriteProducesProtectionFault(t *testing.T) {
	bus := newFakeBus()
	const va = 0x8000
	buildChain(bus, va, pagetable.PTE{Valid: true, FaultOnWrite: true, PFN: 0x30}, 0x40, 0x41)

	w := pagetable.New(bus)
	_, err := w.Walk(ptbr, va, 0, fault.Write, device.User, 0, 0)
	require.Error(t, err)
	var f *fault.Fault
	require.True(t, errors.As(err, &f))
	require.Equal(t, fault.ProtectionFault, f.Kind)
}

func TestWalkMissingLevelOnePTEIsPageFault(t *testing.T) {
	bus := newFakeBus()
	w := pagetable.New(bus)
	_, err := w.Walk(ptbr, 0xdead0000, 0, fault.Read, device.User, 0, 0)
	require.Error(t, err)
	var f *fault.Fault
	require.True(t, errors.As(err, &f))
	require.Equal(t, fault.PageFault, f.Kind)
}

func TestKernelOnlyPageDeniesUserMode(t *testing.T) {
	bus := newFakeBus()
	const va = 0xc000
	buildChain(bus, va, pagetable.PTE{Valid: true, KernelOnly: true, PFN: 0x50}, 0x60, 0x61)

	w := pagetable.New(bus)
	_, err := w.Walk(ptbr, va, 0, fault.Read, device.User, 0, 0)
	require.Error(t, err)
	var f *fault.Fault
	require.True(t, errors.As(err, &f))
	require.Equal(t, fault.ProtectionFault, f.Kind)

	_, err = w.Walk(ptbr, va, 0, fault.Read, device.Kernel, 0, 0)
	require.NoError(t, err)
}

func TestGranularityWidensOffset(t *testing.T) {
	bus := newFakeBus()
	const va = 0x10234
	buildChain(bus, va, pagetable.PTE{Valid: true, Granularity: 1, PFN: 0x70}, 0x80, 0x81)

	w := pagetable.New(bus)
	res, err := w.Walk(ptbr, va, 0, fault.Read, device.Kernel, 0, 0)
	require.NoError(t, err)
	require.Equal(t, (uint64(0x70)<<13)+(va&0xFFFF), res.PA)
}
