package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcornwell/axpsmp/config"
	"github.com/rcornwell/axpsmp/emu/cache"
	"github.com/rcornwell/axpsmp/emu/cacheline"
	"github.com/rcornwell/axpsmp/emu/device"
)

func TestLoadMissingPathReturnsDefault(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadOverlaysOnlyProvidedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.jsonc")
	const body = `{
		// widen the L3 and switch to write-through, leave everything else default
		"l3": {"sets": 4096, "assoc": 16, "line": 64},
		"policy": {"write": "WriteThrough"},
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	want := config.Default()
	want.L3.Sets = 4096
	want.Policy.Write = "WriteThrough"
	require.Equal(t, want, cfg)
}

func TestLoadRejectsNonPowerOfTwoSets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"l1d": {"sets": 100, "assoc": 2, "line": 64}}`), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnrecognizedPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"policy": {"replacement": "FIFO"}}`), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestToBuildConfigRequiresHandlerForEveryWindow(t *testing.T) {
	cfg := config.Default()
	cfg.MMIO.Windows = []config.MMIOWindow{{Kind: "Dense", Base: 0x1000, Size: 0x100, Tag: "console"}}

	_, err := cfg.ToBuildConfig(nil)
	require.Error(t, err)
}

func TestToBuildConfigWiresWindowsAndPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Policy.Replacement = "Clock"
	cfg.Policy.Write = "WriteThrough"
	cfg.MMIO.Windows = []config.MMIOWindow{{Kind: "Sparse", Base: 0x2000, Size: 0x1000, Tag: "console"}}

	build, err := cfg.ToBuildConfig(map[string]device.Access{"console": fakeAccess{}})
	require.NoError(t, err)
	require.Equal(t, cacheline.Clock, build.L1D.Policy)
	require.Equal(t, cache.WriteThrough, build.L1D.Write)
	require.Len(t, build.MMIOWindows, 1)
	require.Equal(t, device.Sparse, build.MMIOWindows[0].Kind)
}

type fakeAccess struct{}

func (fakeAccess) Read(bus uint64, size int) uint64          { return 0 }
func (fakeAccess) Write(bus uint64, size int, value uint64) {}
