package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/communityassist/cache"
)

func TestMockCacheGetSet(t *testing.T) {
	ctx := context.Background()
	mock := NewMockCache()

	require.NoError(t, mock.Set(ctx, "key1", []byte("value1"), time.Minute))

	value, err := mock.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, []byte("value1"), value)

	_, err = mock.Get(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	assert.Equal(t, int64(2), mock.OperationCount("Get"))
	assert.Equal(t, int64(1), mock.OperationCount("Set"))
	assert.Equal(t, []string{"key1"}, mock.Keys())
}

func TestMockCacheExpiration(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock := NewMockCache().WithClock(func() time.Time { return now })

	require.NoError(t, mock.Set(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(time.Minute)

	_, err := mock.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assert.False(t, mock.Has("k"))
}

func TestMockCacheDelete(t *testing.T) {
	ctx := context.Background()
	mock := NewMockCache()

	require.NoError(t, mock.Set(ctx, "key1", []byte("value1"), 0))
	require.NoError(t, mock.Delete(ctx, "key1"))
	assert.False(t, mock.Has("key1"))
	assert.Equal(t, int64(1), mock.OperationCount("Delete"))
}

func TestMockCacheFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	mock := NewMockCache().
		WithGetFailure(boom).
		WithSetFailure(boom).
		WithDeleteFailure(boom).
		WithHealthFailure(boom)

	_, err := mock.Get(ctx, "k")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, mock.Set(ctx, "k", nil, 0), boom)
	assert.ErrorIs(t, mock.Delete(ctx, "k"), boom)
	assert.ErrorIs(t, mock.Health(ctx), boom)
}

func TestMockCacheDelayHonorsContext(t *testing.T) {
	mock := NewMockCache().WithDelay(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mock.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, mock.Set(ctx, "k", nil, 0), context.Canceled)
}

func TestMockCacheClose(t *testing.T) {
	ctx := context.Background()
	mock := NewMockCache()

	require.NoError(t, mock.Close())
	assert.True(t, mock.IsClosed())
	assert.ErrorIs(t, mock.Close(), cache.ErrClosed)
	assert.Equal(t, int64(2), mock.OperationCount("Close"))

	_, err := mock.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrClosed)
	_, err = mock.Stats()
	assert.ErrorIs(t, err, cache.ErrClosed)
	assert.Zero(t, mock.OperationCount("Unknown"))
}
