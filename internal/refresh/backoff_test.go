package refresh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	b := DefaultBackoff()
	b.Jitter = func() float64 { return 1 }
	b = b.normalized()

	require.Equal(t, 500*time.Millisecond, b.Delay(1))
	require.Equal(t, time.Second, b.Delay(2))
	require.Equal(t, 2*time.Second, b.Delay(3))
	require.Equal(t, 4*time.Second, b.Delay(4))
	require.Equal(t, 5*time.Second, b.Delay(5))
	require.Equal(t, 5*time.Second, b.Delay(9))
	require.Equal(t, 500*time.Millisecond, b.Delay(0))
}

func TestBackoffDefaultJitterBounds(t *testing.T) {
	b := DefaultBackoff().normalized()
	for i := 0; i < 200; i++ {
		d := b.Delay(1)
		require.GreaterOrEqual(t, d, 350*time.Millisecond)
		require.Less(t, d, 650*time.Millisecond)
	}
}

func TestBackoffNormalizedFillsDefaults(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: time.Second, Cooldown: -1}.normalized()
	require.Equal(t, 5, b.Attempts)
	require.Equal(t, 2*time.Second, b.Max)
	require.Zero(t, b.Cooldown)
	require.NotNil(t, b.Jitter)
}
