package pagetable

import (
	"sync/atomic"

	"github.com/rcornwell/axpsmp/emu/device"
	"github.com/rcornwell/axpsmp/emu/fault"
)

// Level index widths: VA decomposes as [L1(10)|L2(10)|L3(10)|offset(13)]
// at the base 8-KiB granularity (§3).
const (
	l3Shift = 13
	l2Shift = 23
	l1Shift = 33
	idxMask = 0x3FF
)

// PhysReader is the narrow slice of PhysicalBus the walker needs: a
// sized physical read. *physbus.Bus satisfies this.
type PhysReader interface {
	Read(pa uint64, size int, unaligned bool, cpuID int, pc uint64) (uint64, error)
}

// Result is a resolved translation, handed to the TLB for insertion.
type Result struct {
	PA          uint64
	Granularity uint8
	Readable    bool
	Writable    bool
	Executable  bool
	Global      bool
}

// Walker performs the three-level page table walk on a TLB miss.
type Walker struct {
	bus   PhysReader
	walks atomic.Uint64
}

// New wires a Walker to read page table slots through bus.
func New(bus PhysReader) *Walker {
	return &Walker{bus: bus}
}

// Walks reports how many walks have been performed, for the
// "walker counter unchanged" TLB-hit test property (§8 scenario 3).
func (w *Walker) Walks() uint64 { return w.walks.Load() }

func (w *Walker) readPTE(pa uint64, cpuID int, pc uint64) (PTE, error) {
	raw, err := w.bus.Read(pa, 8, false, cpuID, pc)
	if err != nil {
		return PTE{}, err
	}
	return DecodePTE(raw), nil
}

// Walk translates va under asn/mode for the given access type, reading
// PTEs via PhysicalBus at ptbr + level_index*8 at each of the three
// levels (§4.6).
func (w *Walker) Walk(
	ptbr, va uint64, asn uint8, access fault.AccessType, mode device.Mode, cpuID int, pc uint64,
) (Result, error) {
	w.walks.Add(1)

	l1idx := (va >> l1Shift) & idxMask
	l2idx := (va >> l2Shift) & idxMask
	l3idx := (va >> l3Shift) & idxMask

	pte1, err := w.readPTE(ptbr+l1idx*8, cpuID, pc)
	if err != nil {
		return Result{}, err
	}
	if !pte1.Valid {
		return Result{}, fault.New(fault.PageFault, va, access, cpuID, pc).WithMessage("level-1 PTE invalid")
	}

	pte2, err := w.readPTE((uint64(pte1.PFN)<<13)+l2idx*8, cpuID, pc)
	if err != nil {
		return Result{}, err
	}
	if !pte2.Valid {
		return Result{}, fault.New(fault.PageFault, va, access, cpuID, pc).WithMessage("level-2 PTE invalid")
	}

	leaf, err := w.readPTE((uint64(pte2.PFN)<<13)+l3idx*8, cpuID, pc)
	if err != nil {
		return Result{}, err
	}
	if !leaf.Valid {
		return Result{}, fault.New(fault.PageFault, va, access, cpuID, pc).WithMessage("level-3 PTE invalid")
	}

	if denied := protectionDenies(leaf, access); denied {
		return Result{}, fault.New(fault.ProtectionFault, va, access, cpuID, pc).WithMessage("access denied by PTE fault-on bits")
	}
	if mode == device.User && leaf.KernelOnly {
		return Result{}, fault.New(fault.ProtectionFault, va, access, cpuID, pc).WithMessage("kernel-only page accessed in user mode")
	}

	offsetBits := leaf.OffsetBits()
	mask := (uint64(1) << offsetBits) - 1
	// Mask the PFN's own low offset bits out before combining: a
	// granularity hint wider than the base 13-bit page (§4.6) means
	// those low PFN bits aren't part of the frame number at all, and
	// leaving them in would double-count against va's offset bits.
	pa := ((uint64(leaf.PFN) << 13) &^ mask) | (va & mask)

	return Result{
		PA:          pa,
		Granularity: leaf.Granularity,
		Readable:    !leaf.FaultOnRead,
		Writable:    !leaf.FaultOnWrite,
		Executable:  !leaf.FaultOnExecute,
		Global:      leaf.ASM,
	}, nil
}

func protectionDenies(pte PTE, access fault.AccessType) bool {
	switch access {
	case fault.Read:
		return pte.FaultOnRead
	case fault.Write:
		return pte.FaultOnWrite
	case fault.Execute:
		return pte.FaultOnExecute
	default:
		return false
	}
}
