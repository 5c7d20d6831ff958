package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/rxmon/ratelimit"
)

func TestDisabled(t *testing.T) {
	var l *ratelimit.Throttle = ratelimit.New(0)
	require.Nil(t, l)
	require.Zero(t, l.Rate())
	require.NoError(t, l.Wait(context.Background(), 1000))
}

func TestPaces(t *testing.T) {
	l := ratelimit.New(1000)
	require.Equal(t, uint64(1000), l.Rate())

	start := time.Now()
	for range 100 {
		require.NoError(t, l.Wait(context.Background(), 1))
	}
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestWaitCanceled(t *testing.T) {
	l := ratelimit.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Wait(ctx, 5), context.Canceled)
}
