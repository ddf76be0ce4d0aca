package physbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcornwell/axpsmp/emu/coherence"
	"github.com/rcornwell/axpsmp/emu/device"
	"github.com/rcornwell/axpsmp/emu/fault"
	"github.com/rcornwell/axpsmp/emu/mmio"
	"github.com/rcornwell/axpsmp/emu/physbus"
	"github.com/rcornwell/axpsmp/emu/physmem"
)

type recorder struct {
	events []coherence.Event
}

func (r *recorder) HandleCoherence(ev coherence.Event) { r.events = append(r.events, ev) }

func newBus(t *testing.T) (*physbus.Bus, *recorder) {
	t.Helper()
	ram, err := physmem.NewMapped(16 * 1024 * 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ram.Close() })

	coh := coherence.New(time.Second)
	rec := &recorder{}
	coh.Subscribe(rec)

	return physbus.New(ram, mmio.New(), coh, 64), rec
}

func TestAlignedReadWriteRoundTrip(t *testing.T) {
	b, _ := newBus(t)
	require.NoError(t, b.Write(0x1000, 4, 0x11223344, false, 0, 0))
	v, err := b.Read(0x1000, 4, false, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x11223344), v)
}

func TestMisalignedRejectedUnlessUnaligned(t *testing.T) {
	b, _ := newBus(t)
	_, err := b.Read(0x1001, 4, false, 0, 0)
	require.Error(t, err)
	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	require.Equal(t, fault.AlignmentFault, f.Kind)

	_, err = b.Read(0x1001, 4, true, 0, 0)
	require.NoError(t, err)
}

func TestWritePublishesLineAlignedCoherenceEvent(t *testing.T) {
	b, rec := newBus(t)
	require.NoError(t, b.Write(0x1042, 2, 0xbeef, false, 3, 0))

	require.Len(t, rec.events, 1)
	require.Equal(t, uint64(0x1040), rec.events[0].LineAddr)
	require.Equal(t, 3, rec.events[0].SourceCPU)
	require.Equal(t, coherence.MemWrite, rec.events[0].Op)
}

func TestDeviceWindowRoutesAroundRAM(t *testing.T) {
	ram, err := physmem.NewMapped(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ram.Close() })

	router := mmio.New()
	handled := false
	require.NoError(t, router.RegisterWindow(mmio.Window{
		Kind: device.Dense, Base: 0x9000, Size: 0x100, Tag: "t",
		Handler: writerFunc(func(bus uint64, size int, value uint64) { handled = true }),
	}))

	b := physbus.New(ram, router, coherence.New(time.Second), 64)
	require.NoError(t, b.Write(0x9010, 4, 1, false, 0, 0))
	require.True(t, handled)
}

type writerFunc func(bus uint64, size int, value uint64)

func (f writerFunc) Read(bus uint64, size int) uint64 { return 0 }
func (f writerFunc) Write(bus uint64, size int, value uint64) { f(bus, size, value) }
