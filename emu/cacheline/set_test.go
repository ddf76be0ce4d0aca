package cacheline_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/rcornwell/axpsmp/emu/cacheline"
)

func TestFindReturnsMinusOneOnEmptySet(t *testing.T) {
	s := cacheline.NewSet(4, 64)
	require.Equal(t, -1, s.Find(0xABC))
}

func TestFindLocatesInstalledTag(t *testing.T) {
	s := cacheline.NewSet(4, 64)
	s.Lines[2].Tag = 0x42
	s.Lines[2].Valid = true
	require.Equal(t, 2, s.Find(0x42))
}

func TestVictimPrefersInvalidLineOverAnyValidOne(t *testing.T) {
	s := cacheline.NewSet(4, 64)
	for i := range s.Lines {
		s.Lines[i].Valid = true
		s.Lines[i].LastAccess = uint64(i + 1)
	}
	s.Lines[3].Valid = false
	require.Equal(t, 3, s.Victim(cacheline.LRU, nil))
}

func TestVictimLRUPicksSmallestLastAccessTiesToLowestWay(t *testing.T) {
	s := cacheline.NewSet(4, 64)
	for i := range s.Lines {
		s.Lines[i].Valid = true
		s.Lines[i].LastAccess = 5
	}
	require.Equal(t, 0, s.Victim(cacheline.LRU, nil))

	s.Lines[1].LastAccess = 1
	require.Equal(t, 1, s.Victim(cacheline.LRU, nil))
}

func TestVictimClockClearsReferenceBitsBeforeEvicting(t *testing.T) {
	s := cacheline.NewSet(2, 64)
	for i := range s.Lines {
		s.Lines[i].Valid = true
		s.Lines[i].Ref = true
	}
	// Every line is referenced: one full lap clears both, and the hand,
	// back at its starting index, evicts that line.
	require.Equal(t, 0, s.Victim(cacheline.Clock, nil))
}

func TestVictimRandomDefaultsToWayZeroWithNilSource(t *testing.T) {
	s := cacheline.NewSet(3, 64)
	for i := range s.Lines {
		s.Lines[i].Valid = true
	}
	require.Equal(t, 0, s.Victim(cacheline.Random, nil))
}

func TestVictimRandomUsesSuppliedSource(t *testing.T) {
	s := cacheline.NewSet(3, 64)
	for i := range s.Lines {
		s.Lines[i].Valid = true
	}
	require.Equal(t, 2, s.Victim(cacheline.Random, func(n int) int { return 2 }))
}

func TestResetReturnsLineToConstructedStateWithoutReallocating(t *testing.T) {
	l := cacheline.NewLine(64)
	data := l.Data
	l.Tag, l.Address, l.Valid, l.Dirty, l.Ref, l.LastAccess = 1, 2, true, true, true, 9
	l.State = cacheline.Modified

	l.Reset()

	want := cacheline.NewLine(64)
	diff := cmp.Diff(want, l, cmpopts.IgnoreFields(cacheline.Line{}, "Data"))
	require.Empty(t, diff)
	require.Same(t, &data[0], &l.Data[0], "Reset must not reallocate the backing buffer")
}
