package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayGrowsExponentially(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
		Jitter:        0,
	}

	require.Equal(t, 100*time.Millisecond, policy.Delay(1))
	require.Equal(t, 200*time.Millisecond, policy.Delay(2))
	require.Equal(t, 400*time.Millisecond, policy.Delay(3))
	require.Equal(t, 800*time.Millisecond, policy.Delay(4))
}

func TestDelayCapsAtMax(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:   10,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
		Jitter:        0,
	}

	require.Equal(t, time.Second, policy.Delay(5))
	require.Equal(t, time.Second, policy.Delay(9))
}

func TestDelayJitterStaysBounded(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
		Jitter:        0.2,
	}

	for i := 0; i < 100; i++ {
		d := policy.Delay(2)
		require.GreaterOrEqual(t, d, 200*time.Millisecond)
		require.LessOrEqual(t, d, 240*time.Millisecond)
	}
}

func TestDelayZeroPolicyUsesDefaults(t *testing.T) {
	var policy RetryPolicy
	d := policy.Delay(1)
	require.GreaterOrEqual(t, d, 200*time.Millisecond)
	require.LessOrEqual(t, d, 5*time.Second)
}
