//go:build integration
// +build integration

package integrationtests

import (
	"context"
	"diffuser-backend/internal/core"
	"diffuser-backend/internal/core/types"
	"diffuser-backend/internal/storage"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDispatcher struct {
	calls atomic.Int64
}

func (d *countingDispatcher) Dispatch(ctx context.Context, req types.PromptRequest) ([]byte, error) {
	d.calls.Add(1)
	return []byte(fmt.Sprintf("%s-%d", req.Text, req.Seed)), nil
}

func TestRedisResultCache(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	addr := setupRedisContainer(t, ctx)

	cache, err := storage.NewRedisResultCache(ctx, addr)
	require.NoError(t, err)
	defer cache.Close()

	t.Run("miss then hit", func(t *testing.T) {
		_, ok, err := cache.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, cache.Set(ctx, "key", []byte("value"), time.Minute))

		value, ok, err := cache.Get(ctx, "key")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("value"), value)
	})

	t.Run("expiry", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "short", []byte("value"), time.Second))
		time.Sleep(2 * time.Second)

		_, ok, err := cache.Get(ctx, "short")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("caching dispatcher", func(t *testing.T) {
		next := &countingDispatcher{}
		dispatcher := core.NewCachingDispatcher(next, cache, time.Minute)

		req := types.PromptRequest{Index: 0, Text: "a potato", Seed: 9, Steps: 4, SplitFraction: 0.8}

		first, err := dispatcher.Dispatch(ctx, req)
		require.NoError(t, err)

		// Same prompt at another position in another batch.
		req.Index = 7
		second, err := dispatcher.Dispatch(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.EqualValues(t, 1, next.calls.Load())
	})
}
