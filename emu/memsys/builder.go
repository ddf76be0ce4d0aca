package memsys

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rcornwell/axpsmp/emu/barrier"
	"github.com/rcornwell/axpsmp/emu/cache"
	"github.com/rcornwell/axpsmp/emu/cacheline"
	"github.com/rcornwell/axpsmp/emu/coherence"
	"github.com/rcornwell/axpsmp/emu/mmio"
	"github.com/rcornwell/axpsmp/emu/pagetable"
	"github.com/rcornwell/axpsmp/emu/physbus"
	"github.com/rcornwell/axpsmp/emu/physmem"
	"github.com/rcornwell/axpsmp/emu/reservation"
	"github.com/rcornwell/axpsmp/emu/tlb"
)

// LevelConfig is the construction-time shape of one cache level,
// independent of how many instances of it get built (one L1D/L1I pair
// per CPU, one shared L2, one shared L3).
type LevelConfig struct {
	Sets          int
	Associativity int
	Policy        cacheline.Policy
	Write         cache.WritePolicy
}

// BuildConfig is everything the builder needs to wire a complete
// MemorySystem, corresponding to the recognized options in §6's
// Config grammar.
type BuildConfig struct {
	CPUCount      int
	RAMBytes      int
	MappedRAM     bool // true: mmap-backed; false: plain Go slice (tests, non-unix)
	L1D, L1I      LevelConfig
	L2, L3        LevelConfig
	BarrierTimeout time.Duration
	MMIOWindows   []mmio.Window
}

// Build wires a complete MemorySystem bottom-up: PhysicalStore and
// MmioRouter first, then PhysicalBus, then L3 and L2, then the
// PageTableWalker, then each CPU's private L1D/L1I and Tlb, then the
// BarrierEngine. This is the construction-time builder the design
// notes call for in place of runtime type tests or generic injection:
// every handle is wired exactly once, here.
func Build(cfg BuildConfig) (*MemorySystem, error) {
	ram, err := newRAM(cfg)
	if err != nil {
		return nil, fmt.Errorf("memsys: building RAM: %w", err)
	}

	router := mmio.New()
	for _, w := range cfg.MMIOWindows {
		if err := router.RegisterWindow(w); err != nil {
			return nil, fmt.Errorf("memsys: registering MMIO window %q: %w", w.Tag, err)
		}
	}

	timeout := cfg.BarrierTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	coh := coherence.New(timeout)
	bus := physbus.New(ram, router, coh, LineSize)

	reservations := reservation.New()
	coh.Subscribe(reservations)

	l3, err := cache.New("L3", cache.Config{
		NumSets: cfg.L3.Sets, Associativity: cfg.L3.Associativity, LineSize: LineSize,
		Policy: cfg.L3.Policy, Write: cfg.L3.Write, RandIntN: rand.IntN,
	}, bus, coh)
	if err != nil {
		return nil, err
	}
	l2, err := cache.New("L2", cache.Config{
		NumSets: cfg.L2.Sets, Associativity: cfg.L2.Associativity, LineSize: LineSize,
		Policy: cfg.L2.Policy, Write: cfg.L2.Write, RandIntN: rand.IntN,
	}, l3, coh)
	if err != nil {
		return nil, err
	}

	walker := pagetable.New(bus)

	cpus := make([]*perCPU, cfg.CPUCount)
	targets := make([]barrier.Targets, cfg.CPUCount)
	for i := 0; i < cfg.CPUCount; i++ {
		l1d, err := cache.New(fmt.Sprintf("L1D-cpu%d", i), cache.Config{
			NumSets: cfg.L1D.Sets, Associativity: cfg.L1D.Associativity, LineSize: LineSize,
			Policy: cfg.L1D.Policy, Write: cfg.L1D.Write, RandIntN: rand.IntN,
		}, l2, coh)
		if err != nil {
			return nil, err
		}
		l1i, err := cache.New(fmt.Sprintf("L1I-cpu%d", i), cache.Config{
			NumSets: cfg.L1I.Sets, Associativity: cfg.L1I.Associativity, LineSize: LineSize,
			Policy: cfg.L1I.Policy, Write: cfg.L1I.Write, RandIntN: rand.IntN,
		}, l2, coh)
		if err != nil {
			return nil, err
		}

		cpus[i] = &perCPU{tlb: tlb.New(i), l1d: l1d, l1i: l1i}
		targets[i] = barrier.Targets{ICache: l1i, DCache: l1d}
	}

	engine := barrier.New(cfg.CPUCount, coh, timeout, targets)

	return &MemorySystem{
		cpus:         cpus,
		l2:           l2,
		l3:           l3,
		bus:          bus,
		walker:       walker,
		reservations: reservations,
		barriers:     engine,
	}, nil
}

func newRAM(cfg BuildConfig) (*physmem.Store, error) {
	if cfg.MappedRAM {
		return physmem.NewMapped(cfg.RAMBytes)
	}
	return physmem.New(make([]byte, cfg.RAMBytes), nil), nil
}

// Default returns a BuildConfig matching a modest single-socket SMP
// box: cpuCount CPUs, 256 MiB of RAM, 64-set 2-way L1s, a 512-set 8-way L2,
// and a 2048-set 16-way L3, all LRU write-back.
func Default(cpuCount int) BuildConfig {
	l1 := LevelConfig{Sets: 64, Associativity: 2, Policy: cacheline.LRU, Write: cache.WriteBack}
	return BuildConfig{
		CPUCount:       cpuCount,
		RAMBytes:       256 << 20,
		MappedRAM:      true,
		L1D:            l1,
		L1I:            l1,
		L2:             LevelConfig{Sets: 512, Associativity: 8, Policy: cacheline.LRU, Write: cache.WriteBack},
		L3:             LevelConfig{Sets: 2048, Associativity: 16, Policy: cacheline.LRU, Write: cache.WriteBack},
		BarrierTimeout: time.Second,
	}
}
