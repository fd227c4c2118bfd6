package core

import (
	"context"
	"crypto/sha256"
	"diffuser-backend/internal/core/types"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Dispatcher places one Prompt Request on an inference worker and returns the
// PNG bytes it produced. Implementations decide placement and admission.
type Dispatcher interface {
	Dispatch(ctx context.Context, req types.PromptRequest) ([]byte, error)
}

// slotPool hands out members up to their capacity. Slots are interleaved so
// that an idle pool is drained round robin across members.
type slotPool[T any] struct {
	slots chan T
}

func newSlotPool[T any](members []T, capacity func(T) int) *slotPool[T] {
	total, most := 0, 0
	for _, m := range members {
		c := max(1, capacity(m))
		total += c
		most = max(most, c)
	}

	pool := &slotPool[T]{slots: make(chan T, total)}
	for round := 0; round < most; round++ {
		for _, m := range members {
			if round < max(1, capacity(m)) {
				pool.slots <- m
			}
		}
	}
	return pool
}

func (p *slotPool[T]) acquire(ctx context.Context) (T, error) {
	select {
	case m := <-p.slots:
		return m, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *slotPool[T]) release(m T) {
	p.slots <- m
}

// LocalDispatcher runs inference on workers loaded in this process.
type LocalDispatcher struct {
	pool *slotPool[*InferenceWorker]
}

func NewLocalDispatcher(workers ...*InferenceWorker) *LocalDispatcher {
	return &LocalDispatcher{
		pool: newSlotPool(workers, (*InferenceWorker).Capacity),
	}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, req types.PromptRequest) ([]byte, error) {
	worker, err := d.pool.acquire(ctx)
	if err != nil {
		return nil, types.NewInferenceFailed(req.Index, fmt.Errorf("no worker available: %w", err))
	}
	defer d.pool.release(worker)

	return worker.Infer(ctx, req)
}

type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachingDispatcher serves repeated requests from a result cache. Inference is
// deterministic in (text, negative text, seed, steps, split fraction), so the
// index of a request is not part of its key.
type CachingDispatcher struct {
	next  Dispatcher
	cache ResultCache
	ttl   time.Duration
}

func NewCachingDispatcher(next Dispatcher, cache ResultCache, ttl time.Duration) *CachingDispatcher {
	return &CachingDispatcher{next: next, cache: cache, ttl: ttl}
}

// CacheKey identifies the image of a request independent of its position in
// the batch.
func CacheKey(req types.PromptRequest) (string, error) {
	req.Index = 0
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("error encoding cache key: %w", err)
	}
	sum := sha256.Sum256(data)
	return "sdxl:image:" + hex.EncodeToString(sum[:]), nil
}

func (d *CachingDispatcher) Dispatch(ctx context.Context, req types.PromptRequest) ([]byte, error) {
	key, err := CacheKey(req)
	if err != nil {
		slog.Warn("bypassing result cache", "index", req.Index, "error", err)
		return d.next.Dispatch(ctx, req)
	}

	cached, ok, err := d.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("error reading result cache", "key", key, "error", err)
	} else if ok {
		slog.Debug("result cache hit", "index", req.Index, "seed", req.Seed)
		return cached, nil
	}

	img, err := d.next.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := d.cache.Set(ctx, key, img, d.ttl); err != nil {
		slog.Warn("error writing result cache", "key", key, "error", err)
	}

	return img, nil
}
