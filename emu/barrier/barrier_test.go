package barrier_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcornwell/axpsmp/emu/barrier"
	"github.com/rcornwell/axpsmp/emu/coherence"
)

func TestMBCompletesWhenCoherenceBusIsQuiet(t *testing.T) {
	coh := coherence.New(50 * time.Millisecond)
	e := barrier.New(2, coh, 200*time.Millisecond, nil)
	defer e.Shutdown()

	res := <-e.Submit(barrier.Request{Kind: barrier.MB, CPUID: 0})
	require.Equal(t, barrier.Completed, res.Outcome)
}

func TestTrapbWaitsForInFlightTrapsToRetire(t *testing.T) {
	e := barrier.New(1, nil, 500*time.Millisecond, nil)
	defer e.Shutdown()

	e.BeginTrap(0)
	done := make(chan barrier.Result, 1)
	go func() { done <- <-e.Submit(barrier.Request{Kind: barrier.TRAPB, CPUID: 0}) }()

	select {
	case <-done:
		t.Fatal("TRAPB must not complete while a trap is still in flight")
	case <-time.After(30 * time.Millisecond):
	}

	e.EndTrap(0)
	res := <-done
	require.Equal(t, barrier.Completed, res.Outcome)
}

func TestTrapbTimesOutIfTrapNeverRetires(t *testing.T) {
	e := barrier.New(1, nil, 30*time.Millisecond, nil)
	defer e.Shutdown()

	e.BeginTrap(0)
	res := <-e.Submit(barrier.Request{Kind: barrier.TRAPB, CPUID: 0})
	require.Equal(t, barrier.Timeout, res.Outcome)
}

func TestRSThenRCRoundTripsLockFlag(t *testing.T) {
	e := barrier.New(1, nil, time.Second, nil)
	defer e.Shutdown()

	first := <-e.Submit(barrier.Request{Kind: barrier.RS, CPUID: 0})
	require.Equal(t, uint64(0), first.Value, "lock flag starts clear")

	second := <-e.Submit(barrier.Request{Kind: barrier.RS, CPUID: 0})
	require.Equal(t, uint64(1), second.Value, "RS reports the previous value, already set by the first RS")

	cleared := <-e.Submit(barrier.Request{Kind: barrier.RC, CPUID: 0})
	require.Equal(t, uint64(1), cleared.Value)
}

func TestSameCPURequestsCompleteInSubmissionOrder(t *testing.T) {
	e := barrier.New(1, nil, time.Second, nil)
	defer e.Shutdown()

	// RS/RC swap the per-CPU lock flag, so each result depends on every
	// request before it: only FIFO execution yields this exact sequence.
	kinds := []barrier.Kind{barrier.RS, barrier.RS, barrier.RC, barrier.RS, barrier.RC}
	chans := make([]<-chan barrier.Result, 0, len(kinds))
	for i, k := range kinds {
		chans = append(chans, e.Submit(barrier.Request{Kind: k, CPUID: 0, Seq: uint64(i)}))
	}
	var values []uint64
	for _, ch := range chans {
		values = append(values, (<-ch).Value)
	}
	require.Equal(t, []uint64{0, 1, 1, 0, 1}, values)
}

func TestShutdownCompletesPendingWithTimeout(t *testing.T) {
	e := barrier.New(1, nil, 30*time.Millisecond, nil)
	e.BeginTrap(0) // keep the worker busy past shutdown, past its own bounded wait

	pending := e.Submit(barrier.Request{Kind: barrier.TRAPB, CPUID: 0})
	e.Shutdown()

	select {
	case res := <-pending:
		require.Equal(t, barrier.Timeout, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown must resolve every pending request")
	}
}
