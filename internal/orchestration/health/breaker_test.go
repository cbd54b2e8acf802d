package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OmerMachluf/copilot-orchestrator/internal/config"
)

func breakerCfg() config.BreakerConfig {
	return config.BreakerConfig{Threshold: 3, Cooldown: 30 * time.Second}
}

func testBreaker(t *testing.T) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewBreaker("w1", breakerCfg(), WithBreakerClock(clock.Now)), clock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := testBreaker(t)

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, BreakerClosed, b.State())
	require.True(t, b.CanExecute())

	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
	require.False(t, b.CanExecute())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(t)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	require.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_CooldownHalfOpens(t *testing.T) {
	b, clock := testBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.False(t, b.CanExecute())

	clock.Advance(29 * time.Second)
	require.False(t, b.CanExecute())

	clock.Advance(time.Second)
	require.True(t, b.CanExecute())
	require.Equal(t, BreakerHalfOpen, b.State())
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, clock := testBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	require.Equal(t, BreakerHalfOpen, b.State())

	b.RecordSuccess()
	require.Equal(t, BreakerClosed, b.State())
	require.True(t, b.CanExecute())

	// Fully recovered: it takes a full streak to open again.
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clock := testBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	require.Equal(t, BreakerHalfOpen, b.State())

	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
	require.False(t, b.CanExecute())

	// A fresh cooldown applies after the failed probe.
	clock.Advance(29 * time.Second)
	require.False(t, b.CanExecute())
	clock.Advance(time.Second)
	require.True(t, b.CanExecute())
}

func TestBreaker_FailuresWhileOpenDoNotExtendCooldown(t *testing.T) {
	b, clock := testBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(15 * time.Second)
	b.RecordFailure()

	clock.Advance(15 * time.Second)
	require.Equal(t, BreakerHalfOpen, b.State())
}
