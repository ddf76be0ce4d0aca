package tlb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcornwell/axpsmp/emu/fault"
	"github.com/rcornwell/axpsmp/emu/pagetable"
	"github.com/rcornwell/axpsmp/emu/tlb"
)

func TestMissThenInsertThenHit(t *testing.T) {
	tb := tlb.New(0)

	_, _, hit := tb.Translate(0x4000, 7, fault.Read, false)
	require.False(t, hit)

	tb.Insert(0x4000, 7, pagetable.Result{PA: 0x20000, Readable: true, Writable: true}, false)

	pa, entry, hit := tb.Translate(0x4000, 7, fault.Read, false)
	require.True(t, hit)
	require.Equal(t, uint64(0x20000), pa)
	require.True(t, entry.Referenced)
}

func TestDifferentASNMissesUnlessGlobal(t *testing.T) {
	tb := tlb.New(0)
	tb.Insert(0x4000, 7, pagetable.Result{PA: 0x20000}, false)

	_, _, hit := tb.Translate(0x4000, 9, fault.Read, false)
	require.False(t, hit)

	tb2 := tlb.New(0)
	tb2.Insert(0x4000, 7, pagetable.Result{PA: 0x20000, Global: true}, false)
	_, _, hit = tb2.Translate(0x4000, 9, fault.Read, false)
	require.True(t, hit)
}

func TestWriteAccessSetsDirty(t *testing.T) {
	tb := tlb.New(0)
	tb.Insert(0x5000, 0, pagetable.Result{PA: 0x30000, Writable: true}, false)

	_, entry, hit := tb.Translate(0x5000, 0, fault.Write, false)
	require.True(t, hit)
	require.True(t, entry.Dirty)
}

func TestInstructionAndDataArraysAreIndependent(t *testing.T) {
	tb := tlb.New(0)
	tb.Insert(0x6000, 0, pagetable.Result{PA: 0x40000}, true)

	_, _, hit := tb.Translate(0x6000, 0, fault.Read, false)
	require.False(t, hit, "an I-TLB insert must not be visible to D-TLB lookups")

	_, _, hit = tb.Translate(0x6000, 0, fault.Read, true)
	require.True(t, hit)
}

func TestInvalidateEntryRemovesFromBothArrays(t *testing.T) {
	tb := tlb.New(0)
	tb.Insert(0x7000, 2, pagetable.Result{PA: 0x50000}, false)
	tb.Insert(0x7000, 2, pagetable.Result{PA: 0x50000}, true)

	tb.InvalidateEntry(0x7000, 2)

	_, _, hitD := tb.Translate(0x7000, 2, fault.Read, false)
	_, _, hitI := tb.Translate(0x7000, 2, fault.Read, true)
	require.False(t, hitD)
	require.False(t, hitI)
}

func TestInvalidateByASNSkipsGlobal(t *testing.T) {
	tb := tlb.New(0)
	tb.Insert(0x8000, 3, pagetable.Result{PA: 0x60000}, false)
	tb.Insert(0xa000, 3, pagetable.Result{PA: 0x61000, Global: true}, false)

	tb.InvalidateByASN(3)

	_, _, hit := tb.Translate(0x8000, 3, fault.Read, false)
	require.False(t, hit)
	_, _, hit = tb.Translate(0xa000, 3, fault.Read, false)
	require.True(t, hit, "global entries survive invalidate_by_asn")
}

type recordingNotifier struct {
	kinds []tlb.InvalidateKind
}

func (r *recordingNotifier) NotifyTLBInvalidate(kind tlb.InvalidateKind, va uint64, asn uint8) {
	r.kinds = append(r.kinds, kind)
}

func TestInvalidateAllBroadcastsAndEmptiesBothArrays(t *testing.T) {
	tb := tlb.New(0)
	rec := &recordingNotifier{}
	tb.Subscribe(rec)

	tb.Insert(0xa000, 0, pagetable.Result{PA: 0x70000}, false)
	tb.InvalidateAll()

	_, _, hit := tb.Translate(0xa000, 0, fault.Read, false)
	require.False(t, hit)
	require.Equal(t, []tlb.InvalidateKind{tlb.InvalidateAllKind}, rec.kinds)
}

func TestClockReplacementWrapsAndEvictsInOrderOnceFull(t *testing.T) {
	tb := tlb.New(0)
	for i := 0; i < tlb.DCapacity; i++ {
		tb.Insert(uint64(i+1)<<16, 0, pagetable.Result{PA: uint64(i + 1) << 13}, false)
	}

	// Every entry was just inserted with its reference bit set, so the
	// first overflow must sweep a full lap clearing every bit before
	// landing back on the hand's starting position.
	tb.Insert(0xdead0000, 0, pagetable.Result{PA: 0x99000}, false)
	_, _, hit := tb.Translate(1<<16, 0, fault.Read, false)
	require.False(t, hit, "the first overflow evicts the entry at the hand's starting position")

	// With every remaining entry's bit already cleared by that sweep,
	// the next overflow evicts on the first pass: the next entry in
	// clock order.
	tb.Insert(0xdead1000, 0, pagetable.Result{PA: 0x9a000}, false)
	_, _, hit = tb.Translate(2<<16, 0, fault.Read, false)
	require.False(t, hit, "the second overflow evicts the next entry in clock order")
}
