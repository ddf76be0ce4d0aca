// Package pagetable decodes page table entries and walks the
// three-level table that backs every TLB miss.
package pagetable

// PTE is one page table entry. The bit layout is this emulator's own
// wire format for the tables it reads through PhysicalBus — it is not
// meant to match any external format, only to be internally
// consistent and round-trippable.
type PTE struct {
	Valid          bool
	FaultOnRead    bool
	FaultOnWrite   bool
	FaultOnExecute bool
	// ASM (address space match) marks a global translation: it matches
	// under any ASN, mirroring a TLB entry's global bit.
	ASM bool
	// KernelOnly gates the page to Kernel/PAL mode. The distilled
	// fields list carries no distinct bit for this, so it is decoded
	// from bit 5 of the encoding (bitKernelOnly) — see the design notes
	// on the kernel-only access rule.
	KernelOnly bool
	// Granularity selects the widened page size: 0=8KiB, 1=64KiB,
	// 2=4MiB, 3=256MiB.
	Granularity uint8
	// PFN is the physical page frame number in 8-KiB units,
	// irrespective of Granularity.
	PFN      uint32
	Software uint16
}

const (
	bitValid          = 1 << 0
	bitFaultOnRead    = 1 << 1
	bitFaultOnWrite   = 1 << 2
	bitFaultOnExecute = 1 << 3
	bitASM            = 1 << 4
	bitKernelOnly     = 1 << 5
	shiftGranularity  = 6
	shiftPFN          = 8
	shiftSoftware     = 40
)

// granularityOffsetBits maps a 2-bit granularity hint to the number of
// low VA bits it treats as page offset.
var granularityOffsetBits = [4]uint{13, 16, 22, 28}

// DecodePTE unpacks one 8-byte page table slot.
func DecodePTE(raw uint64) PTE {
	return PTE{
		Valid:          raw&bitValid != 0,
		FaultOnRead:    raw&bitFaultOnRead != 0,
		FaultOnWrite:   raw&bitFaultOnWrite != 0,
		FaultOnExecute: raw&bitFaultOnExecute != 0,
		ASM:            raw&bitASM != 0,
		KernelOnly:     raw&bitKernelOnly != 0,
		Granularity:    uint8((raw >> shiftGranularity) & 0x3),
		PFN:            uint32((raw >> shiftPFN) & 0xFFFFFFFF),
		Software:       uint16((raw >> shiftSoftware) & 0xFFFF),
	}
}

// Encode packs a PTE back into its 8-byte wire form, used by tests and
// by whatever builds page tables for the emulated guest.
func (p PTE) Encode() uint64 {
	var raw uint64
	if p.Valid {
		raw |= bitValid
	}
	if p.FaultOnRead {
		raw |= bitFaultOnRead
	}
	if p.FaultOnWrite {
		raw |= bitFaultOnWrite
	}
	if p.FaultOnExecute {
		raw |= bitFaultOnExecute
	}
	if p.ASM {
		raw |= bitASM
	}
	if p.KernelOnly {
		raw |= bitKernelOnly
	}
	raw |= uint64(p.Granularity&0x3) << shiftGranularity
	raw |= uint64(p.PFN) << shiftPFN
	raw |= uint64(p.Software) << shiftSoftware
	return raw
}

// OffsetBits returns the number of low VA bits this PTE's granularity
// hint folds into the page offset.
func (p PTE) OffsetBits() uint { return granularityOffsetBits[p.Granularity&0x3] }

// OffsetBits is the same lookup keyed directly on a raw granularity
// hint, for callers (the TLB) that only carry the 2-bit code forward
// rather than a full PTE.
func OffsetBits(granularity uint8) uint { return granularityOffsetBits[granularity&0x3] }
