package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold uint32, cooldown time.Duration) *Breaker {
	return New(&Config{Name: "test", FailureThreshold: threshold, Cooldown: cooldown})
}

func record(t *testing.T, b *Breaker, success bool) {
	t.Helper()
	done, err := b.Allow()
	require.NoError(t, err)
	done(success)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	record(t, b, false)
	record(t, b, false)
	assert.Equal(t, StateClosed, b.State(), "below threshold stays closed")

	record(t, b, false)
	assert.Equal(t, StateOpen, b.State(), "third consecutive failure trips")

	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	record(t, b, false)
	record(t, b, false)
	record(t, b, true) // resets the run
	record(t, b, false)
	record(t, b, false)
	assert.Equal(t, StateClosed, b.State())

	record(t, b, false)
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)

	record(t, b, false)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	done, err := b.Allow()
	require.NoError(t, err, "first probe admitted")

	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrProbeInFlight, "second request during probe rejected")

	done(true)
	assert.Equal(t, StateClosed, b.State(), "probe success closes")

	done2, err := b.Allow()
	require.NoError(t, err)
	done2(true)
}

func TestProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)

	record(t, b, false)
	time.Sleep(30 * time.Millisecond)

	done, err := b.Allow()
	require.NoError(t, err)
	done(false)

	assert.Equal(t, StateOpen, b.State(), "probe failure reopens")
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestStaleResultIgnoredAcrossTransition(t *testing.T) {
	b := newTestBreaker(2, 20*time.Millisecond)

	// Take a done callback in closed state, then trip the breaker before
	// reporting. The late report must not disturb the open state counters.
	done, err := b.Allow()
	require.NoError(t, err)

	record(t, b, false)
	record(t, b, false)
	require.Equal(t, StateOpen, b.State())

	done(true) // stale
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, Counts{}, b.Counts(), "open generation untouched by stale result")
}

func TestExecutePassesThroughError(t *testing.T) {
	b := newTestBreaker(2, time.Minute)

	errBoom := assert.AnError
	err := b.Execute(func() error { return errBoom })
	assert.ErrorIs(t, err, errBoom)

	err = b.Execute(func() error { return errBoom })
	require.Equal(t, StateOpen, b.State())

	err = b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen, "fn not run while open")
}

func TestOnStateChangeSequence(t *testing.T) {
	var mu sync.Mutex
	var transitions []State

	b := New(&Config{
		Name:             "seq",
		FailureThreshold: 1,
		Cooldown:         20 * time.Millisecond,
		OnStateChange: func(_ string, _, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})

	record(t, b, false) // closed → open
	time.Sleep(30 * time.Millisecond)
	done, err := b.Allow() // open → half_open on timer
	require.NoError(t, err)
	done(true) // half_open → closed

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestConcurrentAdmission(t *testing.T) {
	b := newTestBreaker(1000, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				done, err := b.Allow()
				if err == nil {
					done(true)
				}
			}
		}()
	}
	wg.Wait()

	counts := b.Counts()
	assert.Equal(t, uint32(5000), counts.Requests)
	assert.Equal(t, uint32(5000), counts.TotalSuccesses)
	assert.Equal(t, StateClosed, b.State())
}
