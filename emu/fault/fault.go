// Package fault defines the typed result values that every memory-system
// operation surfaces instead of throwing exceptions through the pipeline.
package fault

import "fmt"

// Kind identifies one of the architectural fault classes from the Alpha
// AXP memory-management and SMP coordination model.
type Kind int

const (
	// AlignmentFault is a misaligned access with unaligned mode disabled.
	AlignmentFault Kind = iota + 1
	// TlbMiss is a translation not currently cached; resolved internally
	// by a page-table walk and never observed outside emu/memsys.
	TlbMiss
	// PageFault means no valid translation exists for the virtual address.
	PageFault
	// ProtectionFault means the PTE denies the requested access.
	ProtectionFault
	// AccessViolation is a physical access outside every registered window.
	AccessViolation
	// MachineCheck is a backing-store or coherence-ACK failure.
	MachineCheck
	// ReservationLost means store-conditional found its reservation invalid.
	ReservationLost
	// BarrierTimeout means an SMP barrier exceeded its deadline.
	BarrierTimeout
)

func (k Kind) String() string {
	switch k {
	case AlignmentFault:
		return "AlignmentFault"
	case TlbMiss:
		return "TlbMiss"
	case PageFault:
		return "PageFault"
	case ProtectionFault:
		return "ProtectionFault"
	case AccessViolation:
		return "AccessViolation"
	case MachineCheck:
		return "MachineCheck"
	case ReservationLost:
		return "ReservationLost"
	case BarrierTimeout:
		return "BarrierTimeout"
	default:
		return "Unknown"
	}
}

// AccessType names the R/W/X direction of the access that faulted.
type AccessType int

const (
	Read AccessType = iota
	Write
	Execute
)

func (a AccessType) String() string {
	switch a {
	case Read:
		return "Read"
	case Write:
		return "Write"
	case Execute:
		return "Execute"
	default:
		return "Unknown"
	}
}

// Fault is the typed result value carried back to the caller on any
// non-recoverable memory-system failure. It implements error so callers
// that only care about success/failure can use the normal Go idiom, while
// callers that need the detail can type-assert or use errors.As.
type Fault struct {
	Kind    Kind
	VA      uint64 // virtual address, if applicable
	PA      uint64 // physical address, if resolved
	HasPA   bool
	Access  AccessType
	CPU     int
	PC      uint64
	Message string // optional extra detail, e.g. a MachineCheck cause
}

func (f *Fault) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s: %s (va=%#x cpu=%d pc=%#x)", f.Kind, f.Message, f.VA, f.CPU, f.PC)
	}
	return fmt.Sprintf("%s: va=%#x access=%s cpu=%d pc=%#x", f.Kind, f.VA, f.Access, f.CPU, f.PC)
}

// New builds a Fault of the given kind for the given access.
func New(kind Kind, va uint64, access AccessType, cpu int, pc uint64) *Fault {
	return &Fault{Kind: kind, VA: va, Access: access, CPU: cpu, PC: pc}
}

// WithPA attaches a resolved physical address to the fault.
func (f *Fault) WithPA(pa uint64) *Fault {
	f.PA = pa
	f.HasPA = true
	return f
}

// WithMessage attaches free-form detail (used by MachineCheck).
func (f *Fault) WithMessage(msg string) *Fault {
	f.Message = msg
	return f
}

// Is supports errors.Is(err, SomeKindSentinel)-style comparisons by kind.
func (f *Fault) Is(target error) bool {
	other, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Kind == other.Kind
}
