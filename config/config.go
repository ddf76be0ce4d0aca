// Package config loads the hot-reloadable machine configuration
// described in spec.md §6: CPU count, cache geometries, TLB sizes,
// replacement/write/coherence policy, barrier timeout, and MMIO
// windows. Files are JSONC (JSON with comments and trailing commas),
// parsed the same way the retrieved agent-task config loader does:
// hujson.Standardize into plain JSON, then encoding/json.Unmarshal.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/rcornwell/axpsmp/emu/cache"
	"github.com/rcornwell/axpsmp/emu/cacheline"
	"github.com/rcornwell/axpsmp/emu/device"
	"github.com/rcornwell/axpsmp/emu/memsys"
	"github.com/rcornwell/axpsmp/emu/mmio"
	"github.com/rcornwell/axpsmp/emu/tlb"
)

// CacheLevel is one level's geometry in the Config grammar's
// `{sets, assoc, line}` shape.
type CacheLevel struct {
	Sets  int `json:"sets"`
	Assoc int `json:"assoc"`
	Line  int `json:"line"`
}

// TLBConfig is the `tlb.{i_entries, d_entries, asn_bits}` group. Entry
// counts are advisory here: emu/tlb fixes ICapacity/DCapacity per
// spec.md §3, so a value that disagrees with those constants is
// rejected by Validate rather than silently resized.
type TLBConfig struct {
	IEntries int `json:"i_entries"`
	DEntries int `json:"d_entries"`
	ASNBits  int `json:"asn_bits"`
}

// PolicyConfig is the `policy.{replacement, write, coherence}` group.
type PolicyConfig struct {
	Replacement string `json:"replacement"` // LRU | Clock | Random
	Write       string `json:"write"`       // WriteBack | WriteThrough
	Coherence   string `json:"coherence"`   // MESI
}

// BarrierConfig is the `barriers.{timeout_ms}` group.
type BarrierConfig struct {
	TimeoutMS int `json:"timeout_ms"`
}

// MMIOWindow is one entry of `mmio.windows`. Kind is a string here
// (JSON has no native enum); ToBuildConfig maps it to
// device.WindowKind and pairs Tag with a caller-supplied device.Access.
type MMIOWindow struct {
	Kind string `json:"kind"` // Dense | Sparse | CSR
	Base uint64 `json:"base"`
	Size uint64 `json:"size"`
	Tag  string `json:"tag"`
}

// CPUConfig is the `cpu.{count, model}` group. Model is carried for
// introspection and logging only; the memory subsystem does not branch
// on it.
type CPUConfig struct {
	Count int    `json:"count"`
	Model string `json:"model"`
}

// MemoryConfig is the `memory.{size_gb}` group.
type MemoryConfig struct {
	SizeGB int `json:"size_gb"`
}

// Config is the full recognized-options grammar from spec.md §6.
type Config struct {
	CPU      CPUConfig     `json:"cpu"`
	Memory   MemoryConfig  `json:"memory"`
	L1D      CacheLevel    `json:"l1d"`
	L1I      CacheLevel    `json:"l1i"`
	L2       CacheLevel    `json:"l2"`
	L3       CacheLevel    `json:"l3"`
	TLB      TLBConfig     `json:"tlb"`
	Policy   PolicyConfig  `json:"policy"`
	Barriers BarrierConfig `json:"barriers"`
	MMIO     struct {
		Windows []MMIOWindow `json:"windows"`
	} `json:"mmio"`
}

// Default returns the baseline configuration: 4 CPUs, 4 GiB of RAM (the
// grammar's stated minimum), 64-set 2-way L1s, a 512-set 8-way L2, a
// 2048-set 16-way L3, LRU/WriteBack/MESI, and a 1 second barrier
// timeout. Its cache geometry, policies and barrier timeout match
// emu/memsys.Default; its RAM size does not (4 GiB here, 256 MiB
// there), since Validate rejects anything below 4 GiB.
func Default() Config {
	l1 := CacheLevel{Sets: 64, Assoc: 2, Line: memsys.LineSize}
	return Config{
		CPU:    CPUConfig{Count: 4, Model: "21264"},
		Memory: MemoryConfig{SizeGB: 4},
		L1D:    l1,
		L1I:    l1,
		L2:     CacheLevel{Sets: 512, Assoc: 8, Line: memsys.LineSize},
		L3:     CacheLevel{Sets: 2048, Assoc: 16, Line: memsys.LineSize},
		TLB:    TLBConfig{IEntries: 48, DEntries: 64, ASNBits: 8},
		Policy: PolicyConfig{Replacement: "LRU", Write: "WriteBack", Coherence: "MESI"},
		Barriers: BarrierConfig{TimeoutMS: 1000},
	}
}

// Load reads and parses a JSONC config file, starting from Default and
// overlaying whatever the file sets. A missing path is not an error:
// the caller gets Default back unchanged, matching the teacher corpus's
// preference for optional project config files over required ones.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s is not valid JSONC: %w", path, err)
	}

	var overlay Config
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	cfg = merge(cfg, overlay)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func mergeCacheLevel(base, overlay CacheLevel) CacheLevel {
	if overlay.Sets != 0 {
		base.Sets = overlay.Sets
	}
	if overlay.Assoc != 0 {
		base.Assoc = overlay.Assoc
	}
	if overlay.Line != 0 {
		base.Line = overlay.Line
	}
	return base
}

func merge(base, overlay Config) Config {
	if overlay.CPU.Count != 0 {
		base.CPU.Count = overlay.CPU.Count
	}
	if overlay.CPU.Model != "" {
		base.CPU.Model = overlay.CPU.Model
	}
	if overlay.Memory.SizeGB != 0 {
		base.Memory.SizeGB = overlay.Memory.SizeGB
	}
	base.L1D = mergeCacheLevel(base.L1D, overlay.L1D)
	base.L1I = mergeCacheLevel(base.L1I, overlay.L1I)
	base.L2 = mergeCacheLevel(base.L2, overlay.L2)
	base.L3 = mergeCacheLevel(base.L3, overlay.L3)
	if overlay.TLB.IEntries != 0 {
		base.TLB.IEntries = overlay.TLB.IEntries
	}
	if overlay.TLB.DEntries != 0 {
		base.TLB.DEntries = overlay.TLB.DEntries
	}
	if overlay.TLB.ASNBits != 0 {
		base.TLB.ASNBits = overlay.TLB.ASNBits
	}
	if overlay.Policy.Replacement != "" {
		base.Policy.Replacement = overlay.Policy.Replacement
	}
	if overlay.Policy.Write != "" {
		base.Policy.Write = overlay.Policy.Write
	}
	if overlay.Policy.Coherence != "" {
		base.Policy.Coherence = overlay.Policy.Coherence
	}
	if overlay.Barriers.TimeoutMS != 0 {
		base.Barriers.TimeoutMS = overlay.Barriers.TimeoutMS
	}
	if overlay.MMIO.Windows != nil {
		base.MMIO.Windows = overlay.MMIO.Windows
	}
	return base
}

// Validate rejects values the rest of the module cannot act on: a
// non-power-of-two set count, an unrecognized policy name, a TLB
// entry count that disagrees with the fixed capacities in emu/tlb, or
// an MMIO window with an unrecognized kind.
func (c Config) Validate() error {
	if c.Memory.SizeGB < 4 {
		return fmt.Errorf("memory.size_gb must be >= 4, got %d", c.Memory.SizeGB)
	}
	for name, lvl := range map[string]CacheLevel{"l1d": c.L1D, "l1i": c.L1I, "l2": c.L2, "l3": c.L3} {
		if lvl.Sets <= 0 || lvl.Sets&(lvl.Sets-1) != 0 {
			return fmt.Errorf("%s.sets must be a power of two, got %d", name, lvl.Sets)
		}
		if lvl.Assoc < 1 || lvl.Assoc > 32 {
			return fmt.Errorf("%s.assoc must be between 1 and 32, got %d", name, lvl.Assoc)
		}
	}
	switch c.Policy.Replacement {
	case "LRU", "Clock", "Random":
	default:
		return fmt.Errorf("policy.replacement: unrecognized %q", c.Policy.Replacement)
	}
	switch c.Policy.Write {
	case "WriteBack", "WriteThrough":
	default:
		return fmt.Errorf("policy.write: unrecognized %q", c.Policy.Write)
	}
	if c.Policy.Coherence != "MESI" {
		return fmt.Errorf("policy.coherence: unrecognized %q", c.Policy.Coherence)
	}
	if c.TLB.IEntries != tlb.ICapacity || c.TLB.DEntries != tlb.DCapacity {
		return fmt.Errorf("tlb: i_entries/d_entries must be %d/%d, got %d/%d",
			tlb.ICapacity, tlb.DCapacity, c.TLB.IEntries, c.TLB.DEntries)
	}
	for _, w := range c.MMIO.Windows {
		switch w.Kind {
		case "Dense", "Sparse", "CSR":
		default:
			return fmt.Errorf("mmio.windows[%s]: unrecognized kind %q", w.Tag, w.Kind)
		}
	}
	return nil
}

func replacementPolicy(name string) cacheline.Policy {
	switch name {
	case "Clock":
		return cacheline.Clock
	case "Random":
		return cacheline.Random
	default:
		return cacheline.LRU
	}
}

func writePolicy(name string) cache.WritePolicy {
	if name == "WriteThrough" {
		return cache.WriteThrough
	}
	return cache.WriteBack
}

func windowKind(name string) device.WindowKind {
	switch name {
	case "Sparse":
		return device.Sparse
	case "CSR":
		return device.CSR
	default:
		return device.Dense
	}
}

func toLevel(l CacheLevel, policy cacheline.Policy, write cache.WritePolicy) memsys.LevelConfig {
	return memsys.LevelConfig{Sets: l.Sets, Associativity: l.Assoc, Policy: policy, Write: write}
}

// ToBuildConfig translates a loaded Config into the memsys.BuildConfig
// the builder needs. handlers maps each MMIO window's Tag to the
// device.Access that backs it; a window whose tag has no handler is a
// configuration error, since an MMIO window with no device behind it
// cannot do anything but return all-ones forever.
func (c Config) ToBuildConfig(handlers map[string]device.Access) (memsys.BuildConfig, error) {
	if err := c.Validate(); err != nil {
		return memsys.BuildConfig{}, err
	}

	replacement := replacementPolicy(c.Policy.Replacement)
	write := writePolicy(c.Policy.Write)

	windows := make([]mmio.Window, 0, len(c.MMIO.Windows))
	for _, w := range c.MMIO.Windows {
		h, ok := handlers[w.Tag]
		if !ok {
			return memsys.BuildConfig{}, fmt.Errorf("config: mmio window %q has no registered handler", w.Tag)
		}
		windows = append(windows, mmio.Window{
			Kind: windowKind(w.Kind), Base: w.Base, Size: w.Size, Tag: w.Tag, Handler: h,
		})
	}

	return memsys.BuildConfig{
		CPUCount:       c.CPU.Count,
		RAMBytes:       c.Memory.SizeGB << 30,
		MappedRAM:      true,
		L1D:            toLevel(c.L1D, replacement, write),
		L1I:            toLevel(c.L1I, replacement, write),
		L2:             toLevel(c.L2, replacement, write),
		L3:             toLevel(c.L3, replacement, write),
		BarrierTimeout: time.Duration(c.Barriers.TimeoutMS) * time.Millisecond,
		MMIOWindows:    windows,
	}, nil
}
