package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		InitialRate:        4,
		MinRate:            1,
		MaxRate:            8,
		Burst:              4,
		IncreaseStep:       1,
		IncreaseAfter:      3,
		DecreaseFactor:     0.5,
		AdjustmentInterval: 10 * time.Second,
	}
}

func TestThrottleHalvesRate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(testConfig())
	l.Clock = func() time.Time { return now }

	l.ReportOutcome(Outcome{Throttled: true})
	require.Equal(t, 2.0, l.Snapshot().Rate)
	require.Equal(t, 1, l.Snapshot().ConsecutiveFailures)
}

func TestThrottleRespectsAdjustmentInterval(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(testConfig())
	l.Clock = func() time.Time { return now }

	l.ReportOutcome(Outcome{Throttled: true})
	require.Equal(t, 2.0, l.Snapshot().Rate)

	// A burst of throttles inside the interval must not stack decreases.
	now = now.Add(time.Second)
	l.ReportOutcome(Outcome{Throttled: true})
	l.ReportOutcome(Outcome{Throttled: true})
	require.Equal(t, 2.0, l.Snapshot().Rate)

	now = now.Add(10 * time.Second)
	l.ReportOutcome(Outcome{Throttled: true})
	require.Equal(t, 1.0, l.Snapshot().Rate)
}

func TestRateNeverDropsBelowFloor(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(testConfig())
	l.Clock = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		now = now.Add(time.Minute)
		l.ReportOutcome(Outcome{Throttled: true})
	}
	require.Equal(t, 1.0, l.Snapshot().Rate)
}

func TestSuccessRunIncreasesRate(t *testing.T) {
	l := New(testConfig())

	l.ReportOutcome(Outcome{})
	l.ReportOutcome(Outcome{})
	require.Equal(t, 4.0, l.Snapshot().Rate)

	l.ReportOutcome(Outcome{})
	s := l.Snapshot()
	require.Equal(t, 5.0, s.Rate)
	require.Equal(t, 0, s.ConsecutiveSuccesses)
}

func TestRateNeverExceedsCeiling(t *testing.T) {
	l := New(testConfig())

	for i := 0; i < 30; i++ {
		l.ReportOutcome(Outcome{})
	}
	require.Equal(t, 8.0, l.Snapshot().Rate)
}

func TestErrorResetsSuccessRunWithoutRateChange(t *testing.T) {
	l := New(testConfig())

	l.ReportOutcome(Outcome{})
	l.ReportOutcome(Outcome{})
	l.ReportOutcome(Outcome{Err: true})

	s := l.Snapshot()
	require.Equal(t, 4.0, s.Rate)
	require.Equal(t, 0, s.ConsecutiveSuccesses)
	require.Equal(t, 1, s.ConsecutiveFailures)

	// The run restarts from zero after the failure.
	l.ReportOutcome(Outcome{})
	l.ReportOutcome(Outcome{})
	l.ReportOutcome(Outcome{})
	require.Equal(t, 5.0, l.Snapshot().Rate)
}

func TestAcquireHonorsContext(t *testing.T) {
	l := New(Config{InitialRate: 0.1, MinRate: 0.1, MaxRate: 1, Burst: 1})

	// Drain the single burst token.
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Acquire(ctx))
}

func TestDefaultsClampInitialRate(t *testing.T) {
	l := New(Config{InitialRate: 100, MaxRate: 10})
	require.Equal(t, 10.0, l.Snapshot().Rate)

	l = New(Config{InitialRate: 0.01, MinRate: 2, MaxRate: 10})
	require.Equal(t, 2.0, l.Snapshot().Rate)
}
