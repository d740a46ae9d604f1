package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiterBurstThenWaits(t *testing.T) {
	l := NewLocalLimiter(1, 2)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Wait(cctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalLimiterSetRate(t *testing.T) {
	l := NewLocalLimiter(1, 1)
	l.SetRate(1000, 5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Equal(t, 5, l.limiter.Burst())
}

func TestParseBucketReply(t *testing.T) {
	res, err := parseBucketReply([]interface{}{int64(1), "4.5", int64(1700000000000)}, 10)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 4.5, res.Remaining, 1e-9)
	assert.Zero(t, res.RetryAfter)

	res, err = parseBucketReply([]interface{}{int64(0), "0.5", int64(1700000000000)}, 10)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 50*time.Millisecond, res.RetryAfter)

	_, err = parseBucketReply([]interface{}{int64(1)}, 10)
	require.Error(t, err)
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, 4*time.Second, defaultBucketTTL(10, 20))
	assert.Equal(t, time.Second, defaultBucketTTL(1000, 1))
	assert.Equal(t, time.Second, defaultBucketTTL(0, 1))
}

func TestNilClientsAreDisabled(t *testing.T) {
	assert.Nil(t, NewTokenBucket(nil))
	assert.Nil(t, NewLocker(nil))

	var locker *Locker
	assert.False(t, locker.Enabled())
	_, _, err := locker.TryLock(context.Background(), "k", time.Second)
	require.ErrorIs(t, err, ErrLockNotConfigured)
	require.NoError(t, locker.Release(context.Background(), "k", "t"))

	var bucket *TokenBucket
	_, err = bucket.Allow(context.Background(), "k", 1, 1)
	require.Error(t, err)
}

func TestUnlimited(t *testing.T) {
	require.NoError(t, Unlimited{}.Wait(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Unlimited{}.Wait(ctx), context.Canceled)
}
