package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryCounterWithoutRedisCountsInProcess(t *testing.T) {
	ctx := context.Background()
	rc := NewRetryCounter(nil, time.Minute)
	key := FormatRetryKey("loyalty.credited.notify", "m-1")

	for want := int64(1); want <= 3; want++ {
		got, err := rc.IncrementAndGet(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	other, err := rc.IncrementAndGet(ctx, FormatRetryKey("loyalty.credited.notify", "m-2"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)

	require.NoError(t, rc.Reset(ctx, key))
	got, err := rc.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestRetryCounterNilIsSafe(t *testing.T) {
	var rc *RetryCounter
	got, err := rc.IncrementAndGet(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
	assert.NoError(t, rc.Reset(context.Background(), "k"))
}
