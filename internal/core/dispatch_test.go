package core

import (
	"context"
	"diffuser-backend/internal/core/types"
	"diffuser-backend/internal/messaging"
	"diffuser-backend/pkg/api"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotPoolRoundRobin(t *testing.T) {
	capacities := map[string]int{"a": 2, "b": 1, "c": 0}
	pool := newSlotPool([]string{"a", "b", "c"}, func(m string) int { return capacities[m] })

	var order []string
	for i := 0; i < 4; i++ {
		m, err := pool.acquire(context.Background())
		require.NoError(t, err)
		order = append(order, m)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, order)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := pool.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.release("b")
	m, err := pool.acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", m)
}

func TestLocalDispatcher(t *testing.T) {
	worker := newProceduralWorker(t, 1)
	dispatcher := NewLocalDispatcher(worker)

	direct, err := worker.Infer(context.Background(), testRequest(0, "a cat", 4))
	require.NoError(t, err)

	dispatched, err := dispatcher.Dispatch(context.Background(), testRequest(1, "a cat", 4))
	require.NoError(t, err)
	assert.Equal(t, direct, dispatched)
}

type mapCache struct {
	lock   sync.Mutex
	values map[string][]byte
	err    error
}

func (c *mapCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *mapCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.err != nil {
		return c.err
	}
	c.values[key] = value
	return nil
}

func TestCachingDispatcher(t *testing.T) {
	next := &stubDispatcher{}
	cache := &mapCache{values: map[string][]byte{}}
	dispatcher := NewCachingDispatcher(next, cache, time.Hour)

	first, err := dispatcher.Dispatch(context.Background(), testRequest(0, "a cat", 10))
	require.NoError(t, err)

	// Same generation parameters at another batch position.
	second, err := dispatcher.Dispatch(context.Background(), testRequest(3, "a cat", 10))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, next.calls(), 1)

	_, err = dispatcher.Dispatch(context.Background(), testRequest(0, "a cat", 11))
	require.NoError(t, err)
	assert.Len(t, next.calls(), 2)
}

func TestCachingDispatcherCacheUnavailable(t *testing.T) {
	next := &stubDispatcher{}
	dispatcher := NewCachingDispatcher(next, &mapCache{err: errors.New("connection refused")}, time.Hour)

	img, err := dispatcher.Dispatch(context.Background(), testRequest(0, "a cat", 10))
	require.NoError(t, err)
	assert.Equal(t, []byte("image-0-10"), img)
}

func TestCachingDispatcherDoesNotCacheFailures(t *testing.T) {
	next := &stubDispatcher{dispatch: func(ctx context.Context, req types.PromptRequest) ([]byte, error) {
		return nil, types.NewInferenceFailed(req.Index, errors.New("failed"))
	}}
	cache := &mapCache{values: map[string][]byte{}}
	dispatcher := NewCachingDispatcher(next, cache, time.Hour)

	_, err := dispatcher.Dispatch(context.Background(), testRequest(0, "a cat", 10))
	assert.ErrorIs(t, err, types.ErrInferenceFailed)
	assert.Empty(t, cache.values)
}

func TestCacheKey(t *testing.T) {
	key := func(req types.PromptRequest) string {
		k, err := CacheKey(req)
		require.NoError(t, err)
		return k
	}

	a := testRequest(0, "a cat", 10)
	b := testRequest(9, "a cat", 10)
	assert.Equal(t, key(a), key(b))

	b.NegativeText = ""
	assert.NotEqual(t, key(a), key(b))

	a.SplitFraction = math.NaN()
	_, err := CacheKey(a)
	assert.Error(t, err)
}

func TestCachingDispatcherBypassesUnencodableRequests(t *testing.T) {
	next := &stubDispatcher{dispatch: func(ctx context.Context, req types.PromptRequest) ([]byte, error) {
		return []byte(req.Text), nil
	}}
	cache := &mapCache{values: map[string][]byte{}}
	dispatcher := NewCachingDispatcher(next, cache, time.Hour)

	cat := testRequest(0, "a cat", 10)
	cat.SplitFraction = math.NaN()
	dog := testRequest(0, "a dog", 10)
	dog.SplitFraction = math.NaN()

	img, err := dispatcher.Dispatch(context.Background(), cat)
	require.NoError(t, err)
	assert.Equal(t, []byte("a cat"), img)

	img, err = dispatcher.Dispatch(context.Background(), dog)
	require.NoError(t, err)
	assert.Equal(t, []byte("a dog"), img)

	assert.Len(t, next.calls(), 2)
	assert.Empty(t, cache.values)
}

func workerServer(t *testing.T, handler func(w http.ResponseWriter, req api.InferRequest)) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/infer", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req api.InferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handler(w, req)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPDispatcher(t *testing.T) {
	var lock sync.Mutex
	hits := map[string]int{}

	handler := func(name string) func(w http.ResponseWriter, req api.InferRequest) {
		return func(w http.ResponseWriter, req api.InferRequest) {
			lock.Lock()
			hits[name]++
			lock.Unlock()

			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte(req.Text))
		}
	}

	a := workerServer(t, handler("a"))
	b := workerServer(t, handler("b"))

	dispatcher, err := NewHTTPDispatcher([]WorkerEndpoint{{Url: a.URL, Capacity: 1}, {Url: b.URL + "/", Capacity: 1}})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		img, err := dispatcher.Dispatch(context.Background(), testRequest(i, "a fish", int64(i)))
		require.NoError(t, err)
		assert.Equal(t, []byte("a fish"), img)
	}

	assert.Equal(t, map[string]int{"a": 2, "b": 2}, hits)
}

func TestHTTPDispatcherForwardsRequest(t *testing.T) {
	received := make(chan api.InferRequest, 1)
	server := workerServer(t, func(w http.ResponseWriter, req api.InferRequest) {
		received <- req
		_, _ = w.Write([]byte("png"))
	})

	dispatcher, err := NewHTTPDispatcher([]WorkerEndpoint{{Url: server.URL}})
	require.NoError(t, err)

	req := testRequest(4, "a dog", 14)
	_, err = dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, api.InferRequest{Index: 4, Text: "a dog", NegativeText: types.DefaultNegativeText, Seed: 14, Steps: 4, SplitFraction: 0.8}, <-received)
}

func TestHTTPDispatcherErrors(t *testing.T) {
	var status atomic.Int64
	status.Store(http.StatusInternalServerError)
	server := workerServer(t, func(w http.ResponseWriter, req api.InferRequest) {
		http.Error(w, "cuda error", int(status.Load()))
	})

	dispatcher, err := NewHTTPDispatcher([]WorkerEndpoint{{Url: server.URL}})
	require.NoError(t, err)

	_, err = dispatcher.Dispatch(context.Background(), testRequest(6, "a cat", 1))
	require.ErrorIs(t, err, types.ErrInferenceFailed)
	assert.NotErrorIs(t, err, types.ErrInvalidRequest)
	index, _ := types.FailedIndex(err)
	assert.Equal(t, 6, index)
	assert.ErrorContains(t, err, "cuda error")

	status.Store(http.StatusUnprocessableEntity)
	_, err = dispatcher.Dispatch(context.Background(), testRequest(6, "a cat", 1))
	assert.ErrorIs(t, err, types.ErrInferenceFailed)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestHTTPDispatcherRequiresEndpoints(t *testing.T) {
	_, err := NewHTTPDispatcher(nil)
	assert.Error(t, err)
}

func startInMemoryProcessor(t *testing.T, worker *InferenceWorker) (*messaging.InMemoryQueue, *QueueDispatcher) {
	queue := messaging.NewInMemoryQueue()
	replies := queue.NewReplyReciever()

	processor := NewTaskProcessor(worker, queue, queue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		processor.Start(ctx)
		close(done)
	}()

	dispatcher := NewQueueDispatcher(queue, replies)

	t.Cleanup(func() {
		cancel()
		<-done
		dispatcher.Close()
		replies.Close()
		queue.Close()
	})

	return queue, dispatcher
}

func TestQueueDispatcherRoundTrip(t *testing.T) {
	worker := newProceduralWorker(t, 2)
	_, dispatcher := startInMemoryProcessor(t, worker)

	direct, err := worker.Infer(context.Background(), testRequest(0, "a fish", 12))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]byte, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img, err := dispatcher.Dispatch(context.Background(), testRequest(i, "a fish", 12))
			assert.NoError(t, err)
			results[i] = img
		}()
	}
	wg.Wait()

	for _, img := range results {
		assert.Equal(t, direct, img)
	}
}

func TestQueueDispatcherInvalidRequest(t *testing.T) {
	_, dispatcher := startInMemoryProcessor(t, newProceduralWorker(t, 1))

	req := testRequest(1, "a cat", 1)
	req.Steps = 0

	_, err := dispatcher.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrInferenceFailed)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
	index, _ := types.FailedIndex(err)
	assert.Equal(t, 1, index)
}

func TestQueueDispatcherContextCancelled(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()
	replies := queue.NewReplyReciever()
	defer replies.Close()

	// No processor is consuming, the reply never arrives.
	dispatcher := NewQueueDispatcher(queue, replies)
	defer dispatcher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := dispatcher.Dispatch(ctx, testRequest(0, "a cat", 1))
	assert.ErrorIs(t, err, types.ErrInferenceFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
