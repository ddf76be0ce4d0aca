package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcornwell/axpsmp/emu/cache"
	"github.com/rcornwell/axpsmp/emu/cacheline"
	"github.com/rcornwell/axpsmp/emu/coherence"
)

const lineSize = 64

// fakeBacking is an in-memory BackingStore standing in for PhysicalBus
// in tests that only exercise one cache level.
type fakeBacking struct {
	mu    sync.Mutex
	lines map[uint64][]byte
	write int
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{lines: make(map[uint64][]byte)}
}

func (f *fakeBacking) ReadLine(pa uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.lines[pa]; ok {
		copy(buf, data)
	}
	return nil
}

func (f *fakeBacking) WriteLine(pa uint64, buf []byte, cpuID int, skip []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.lines[pa] = cp
	f.write++
	return nil
}

func newCache(t *testing.T, name string, back cache.BackingStore, coh *coherence.Bus) *cache.Cache {
	t.Helper()
	c, err := cache.New(name, cache.Config{
		NumSets: 4, Associativity: 2, LineSize: lineSize, Policy: cacheline.LRU, Write: cache.WriteBack,
	}, back, coh)
	require.NoError(t, err)
	return c
}

func TestReadMissFillsFromBackingStore(t *testing.T) {
	back := newFakeBacking()
	back.lines[0x1000] = append(make([]byte, lineSize-8), []byte{1, 2, 3, 4, 5, 6, 7, 8}...)

	c := newCache(t, "L1D", back, nil)
	v, err := c.Read(0x1038, 8, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0807060504030201), v)
	require.True(t, c.Contains(0x1000))
}

func TestWriteMissAllocatesModifiedAndDoesNotWriteThrough(t *testing.T) {
	back := newFakeBacking()
	c := newCache(t, "L1D", back, nil)

	require.NoError(t, c.Write(0x2000, 4, 0xcafef00d, 0))
	line, hit := c.Lookup(0x2000)
	require.True(t, hit)
	require.Equal(t, cacheline.Modified, line.State)
	require.True(t, line.Dirty)
	require.Equal(t, 0, back.write, "write-back policy defers the write-back to eviction/flush")
}

func TestFlushWritesBackModifiedLine(t *testing.T) {
	back := newFakeBacking()
	c := newCache(t, "L1D", back, nil)
	require.NoError(t, c.Write(0x3000, 8, 0x1122334455667788, 0))

	require.NoError(t, c.Flush(0x3000))
	require.Equal(t, 1, back.write)
	line, hit := c.Lookup(0x3000)
	require.True(t, hit)
	require.False(t, line.Dirty)
}

func TestEvictionWritesBackDirtyVictim(t *testing.T) {
	back := newFakeBacking()
	c := newCache(t, "L1D", back, nil)

	// Fill both ways of set 0 (addresses differing by a multiple of
	// NumSets*LineSize land in the same set) with dirty data, forcing
	// the third allocation to evict the LRU way and write it back.
	require.NoError(t, c.Write(0x0000, 8, 1, 0))
	require.NoError(t, c.Write(0x0100, 8, 2, 0)) // 4 sets * 64B = 0x100 stride
	require.NoError(t, c.Write(0x0200, 8, 3, 0))

	require.GreaterOrEqual(t, back.write, 1)
}

func TestSiblingWriteInvalidatesSharedCopy(t *testing.T) {
	back := newFakeBacking()
	back.lines[0x4000] = make([]byte, lineSize)
	coh := coherence.New(time.Second)

	a := newCache(t, "L1D-cpu0", back, coh)
	b := newCache(t, "L1D-cpu1", back, coh)

	_, err := a.Read(0x4000, 8, 0)
	require.NoError(t, err)
	_, err = b.Read(0x4000, 8, 1)
	require.NoError(t, err)

	lineA, _ := a.Lookup(0x4000)
	lineB, _ := b.Lookup(0x4000)
	require.Equal(t, cacheline.Shared, lineA.State)
	require.Equal(t, cacheline.Shared, lineB.State)

	require.NoError(t, b.Write(0x4000, 8, 0xdead, 1))
	require.False(t, a.Contains(0x4000), "cpu1's write must invalidate cpu0's Shared copy")
}

func TestSoleReaderGetsExclusive(t *testing.T) {
	back := newFakeBacking()
	back.lines[0x5000] = make([]byte, lineSize)
	coh := coherence.New(time.Second)
	a := newCache(t, "L1D-cpu0", back, coh)

	_, err := a.Read(0x5000, 8, 0)
	require.NoError(t, err)
	line, _ := a.Lookup(0x5000)
	require.Equal(t, cacheline.Exclusive, line.State)
}

func TestReadProbeTriggersWriteBackOfModifiedHolder(t *testing.T) {
	back := newFakeBacking()
	back.lines[0x6000] = make([]byte, lineSize)
	coh := coherence.New(time.Second)
	a := newCache(t, "L1D-cpu0", back, coh)
	b := newCache(t, "L1D-cpu1", back, coh)

	require.NoError(t, a.Write(0x6000, 8, 0x99, 0))
	v, err := b.Read(0x6000, 8, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0x99), v, "read must observe the Modified holder's value, not whatever predates it in backing store")

	lineA, _ := a.Lookup(0x6000)
	require.Equal(t, cacheline.Shared, lineA.State)
	require.Equal(t, 1, back.write, "probe response must flush the Modified holder before sharing")
}
