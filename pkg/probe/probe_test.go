package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunRejectsUnsupportedProbeType(t *testing.T) {
	_, err := Run(context.Background(), "carrier-pigeon", "example.com", time.Second)
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindConfig, pe.Kind)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, "dns", "8.8.8.8", time.Second)
	require.Error(t, err)
}

func TestJitterWithinBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter()
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, 100*time.Millisecond)
	}
}

func TestIsTimeoutRecognizesTimeoutKind(t *testing.T) {
	err := newError(KindTimeout, "boom")
	require.True(t, IsTimeout(err))
	require.False(t, IsTimeout(newError(KindNetwork, "boom")))
}
