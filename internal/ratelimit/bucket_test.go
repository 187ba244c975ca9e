package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucket_DisabledByDefaultRateIsNoOp(t *testing.T) {
	b := New(0)
	require.False(t, b.Enabled())

	start := time.Now()
	err := b.Consume(context.Background(), 10*1024*1024)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestBucket_EnforcesApproximateRate(t *testing.T) {
	b := New(1000) // 1000 B/s, burst 2000

	ctx := context.Background()
	require.NoError(t, b.Consume(ctx, 2000)) // drains the burst instantly

	start := time.Now()
	require.NoError(t, b.Consume(ctx, 500)) // must wait ~0.5s for refill
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	require.Less(t, elapsed, 1500*time.Millisecond)
}

func TestBucket_SetRateZeroDisables(t *testing.T) {
	b := New(100)
	require.True(t, b.Enabled())

	b.SetRate(0)
	require.False(t, b.Enabled())

	start := time.Now()
	require.NoError(t, b.Consume(context.Background(), 10_000_000))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestBucket_ConsumeRespectsContextCancellation(t *testing.T) {
	b := New(10) // very slow: burst 20

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	require.NoError(t, b.Consume(ctx, 20)) // within burst
	err := b.Consume(ctx, 1000)            // would take ~100s, context times out first
	require.Error(t, err)
}
