package core

import (
	"context"
	"diffuser-backend/internal/core/types"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDispatcher struct {
	dispatch func(ctx context.Context, req types.PromptRequest) ([]byte, error)

	lock     sync.Mutex
	requests []types.PromptRequest
}

func (d *stubDispatcher) Dispatch(ctx context.Context, req types.PromptRequest) ([]byte, error) {
	d.lock.Lock()
	d.requests = append(d.requests, req)
	d.lock.Unlock()

	if d.dispatch != nil {
		return d.dispatch(ctx, req)
	}
	return []byte(fmt.Sprintf("image-%d-%d", req.Index, req.Seed)), nil
}

func (d *stubDispatcher) calls() []types.PromptRequest {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]types.PromptRequest(nil), d.requests...)
}

type stubCompositor struct {
	calls  [][][]byte
	result []byte
	err    error
}

func (c *stubCompositor) Compose(images [][]byte) ([]byte, error) {
	c.calls = append(c.calls, images)
	if c.err != nil {
		return nil, c.err
	}
	if c.result != nil {
		return c.result, nil
	}
	return []byte("grid"), nil
}

type stubUploader struct {
	calls [][]byte
	url   string
	err   error
}

func (u *stubUploader) Upload(ctx context.Context, image []byte) (string, error) {
	u.calls = append(u.calls, image)
	if u.err != nil {
		return "", u.err
	}
	return u.url, nil
}

type stateRecorder struct {
	lock   sync.Mutex
	states []BatchState
}

func (r *stateRecorder) observe(id uuid.UUID, state BatchState) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.states = append(r.states, state)
}

func TestGenerateEndToEnd(t *testing.T) {
	dispatcher := &stubDispatcher{}
	compositor := &stubCompositor{result: []byte("composite")}
	uploader := &stubUploader{url: "https://i.imgur.com/abc123.png"}
	states := &stateRecorder{}

	orch := NewOrchestrator(dispatcher, compositor, uploader, OrchestratorConfig{OnStateChange: states.observe})

	result, err := orch.Generate(context.Background(), []string{"a cat", "a dog", "a fish"}, types.BatchOptions{Seed: 10}, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://i.imgur.com/abc123.png", result.Url)
	assert.Equal(t, []int64{10, 11, 12}, result.Seeds)
	assert.NotEqual(t, uuid.Nil, result.BatchId)

	seeds := map[string]int64{}
	for _, req := range dispatcher.calls() {
		seeds[req.Text] = req.Seed
		assert.Equal(t, types.DefaultSteps, req.Steps)
		assert.Equal(t, types.DefaultSplitFraction, req.SplitFraction)
		assert.Equal(t, types.DefaultNegativeText, req.NegativeText)
	}
	assert.Equal(t, map[string]int64{"a cat": 10, "a dog": 11, "a fish": 12}, seeds)

	require.Len(t, compositor.calls, 1)
	assert.Equal(t, [][]byte{[]byte("image-0-10"), []byte("image-1-11"), []byte("image-2-12")}, compositor.calls[0])

	require.Len(t, uploader.calls, 1)
	assert.Equal(t, []byte("composite"), uploader.calls[0])

	assert.Equal(t, []BatchState{BatchDispatching, BatchCollecting, BatchComposing, BatchUploading, BatchDone}, states.states)
}

func TestGenerateReverseCompletionOrder(t *testing.T) {
	const n = 8

	gates := make([]chan struct{}, n)
	for i := range gates {
		gates[i] = make(chan struct{})
	}
	finished := make(chan int)

	dispatcher := &stubDispatcher{dispatch: func(ctx context.Context, req types.PromptRequest) ([]byte, error) {
		<-gates[req.Index]
		finished <- req.Index
		return []byte(fmt.Sprintf("image-%d", req.Index)), nil
	}}

	go func() {
		for i := n - 1; i >= 0; i-- {
			close(gates[i])
			<-finished
		}
	}()

	compositor := &stubCompositor{}
	orch := NewOrchestrator(dispatcher, compositor, &stubUploader{url: "url"}, OrchestratorConfig{MaxConcurrency: n})

	prompts := make([]string, n)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("prompt %d", i)
	}

	_, err := orch.Generate(context.Background(), prompts, types.BatchOptions{}, nil)
	require.NoError(t, err)

	require.Len(t, compositor.calls, 1)
	for i, img := range compositor.calls[0] {
		assert.Equal(t, fmt.Sprintf("image-%d", i), string(img))
	}
}

func TestStreamYieldsInOrder(t *testing.T) {
	const n = 6

	dispatcher := &stubDispatcher{dispatch: func(ctx context.Context, req types.PromptRequest) ([]byte, error) {
		time.Sleep(time.Duration(n-req.Index) * 3 * time.Millisecond)
		return []byte{byte(req.Index)}, nil
	}}
	orch := NewOrchestrator(dispatcher, &stubCompositor{}, nil, OrchestratorConfig{MaxConcurrency: n})

	prompts := make([]string, n)
	requests, err := orch.Requests(prompts, types.BatchOptions{})
	require.NoError(t, err)

	var progress []int
	var indices []int
	for res, err := range orch.Stream(context.Background(), requests, func(completed, total int) {
		assert.Equal(t, n, total)
		progress = append(progress, completed)
	}) {
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(res.Index)}, res.Bytes)
		indices = append(indices, res.Index)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, indices)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, progress)
}

func TestStreamEarlyBreakDrains(t *testing.T) {
	var active atomic.Int64
	dispatcher := &stubDispatcher{dispatch: func(ctx context.Context, req types.PromptRequest) ([]byte, error) {
		active.Add(1)
		defer active.Add(-1)
		if req.Index == 0 {
			return []byte("first"), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	orch := NewOrchestrator(dispatcher, &stubCompositor{}, nil, OrchestratorConfig{MaxConcurrency: 4})

	requests, err := orch.Requests([]string{"a", "b", "c", "d"}, types.BatchOptions{})
	require.NoError(t, err)

	for res, err := range orch.Stream(context.Background(), requests, nil) {
		require.NoError(t, err)
		assert.Equal(t, 0, res.Index)
		break
	}

	assert.Equal(t, int64(0), active.Load())
}

func TestGenerateFailsWholeBatch(t *testing.T) {
	dispatcher := &stubDispatcher{dispatch: func(ctx context.Context, req types.PromptRequest) ([]byte, error) {
		if req.Index == 2 {
			return nil, types.NewInferenceFailed(req.Index, errors.New("cuda out of memory"))
		}
		return []byte("ok"), nil
	}}
	compositor := &stubCompositor{}
	uploader := &stubUploader{url: "url"}
	states := &stateRecorder{}

	orch := NewOrchestrator(dispatcher, compositor, uploader, OrchestratorConfig{MaxConcurrency: 2, OnStateChange: states.observe})

	_, err := orch.Generate(context.Background(), []string{"a", "b", "c", "d", "e"}, types.BatchOptions{}, nil)
	require.ErrorIs(t, err, types.ErrInferenceFailed)

	index, ok := types.FailedIndex(err)
	assert.True(t, ok)
	assert.Equal(t, 2, index)

	assert.Empty(t, compositor.calls)
	assert.Empty(t, uploader.calls)
	assert.Equal(t, BatchFailed, states.states[len(states.states)-1])
}

func TestGenerateCancelsAndDrainsOnFailure(t *testing.T) {
	var active, cancelled atomic.Int64
	dispatcher := &stubDispatcher{dispatch: func(ctx context.Context, req types.PromptRequest) ([]byte, error) {
		active.Add(1)
		defer active.Add(-1)
		if req.Index == 0 {
			time.Sleep(5 * time.Millisecond)
			return nil, errors.New("worker crashed")
		}
		<-ctx.Done()
		cancelled.Add(1)
		return nil, ctx.Err()
	}}

	orch := NewOrchestrator(dispatcher, &stubCompositor{}, &stubUploader{}, OrchestratorConfig{MaxConcurrency: 4})

	_, err := orch.Generate(context.Background(), []string{"a", "b", "c", "d", "e", "f", "g", "h"}, types.BatchOptions{}, nil)
	require.ErrorIs(t, err, types.ErrInferenceFailed)
	assert.ErrorContains(t, err, "worker crashed")

	index, _ := types.FailedIndex(err)
	assert.Equal(t, 0, index)

	// Every started call has returned, each one except the failure by cancellation.
	calls := dispatcher.calls()
	assert.Equal(t, int64(0), active.Load())
	assert.Equal(t, int64(len(calls)-1), cancelled.Load())
	assert.LessOrEqual(t, len(calls), 5)
}

func TestGenerateEmptyBatch(t *testing.T) {
	dispatcher := &stubDispatcher{}
	compositor := &stubCompositor{}
	states := &stateRecorder{}

	orch := NewOrchestrator(dispatcher, compositor, &stubUploader{}, OrchestratorConfig{OnStateChange: states.observe})

	_, err := orch.Generate(context.Background(), nil, types.BatchOptions{}, nil)
	assert.ErrorIs(t, err, types.ErrEmptyBatch)

	assert.Empty(t, dispatcher.calls())
	assert.Empty(t, compositor.calls)
	assert.Empty(t, states.states)
}

func TestGenerateRejectsInvalidBatches(t *testing.T) {
	dispatcher := &stubDispatcher{}
	orch := NewOrchestrator(dispatcher, &stubCompositor{}, nil, OrchestratorConfig{MaxBatchSize: 2})

	_, err := orch.Generate(context.Background(), []string{"a", "b", "c"}, types.BatchOptions{}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	split := 1.5
	_, err = orch.Generate(context.Background(), []string{"a"}, types.BatchOptions{SplitFraction: &split}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	assert.Empty(t, dispatcher.calls())
}

func TestGenerateCompositionFailure(t *testing.T) {
	uploader := &stubUploader{url: "url"}
	orch := NewOrchestrator(&stubDispatcher{}, &stubCompositor{err: errors.New("bad image")}, uploader, OrchestratorConfig{})

	_, err := orch.Generate(context.Background(), []string{"a"}, types.BatchOptions{}, nil)
	assert.ErrorIs(t, err, types.ErrCompositionFailed)
	assert.Empty(t, uploader.calls)
}

func TestGenerateUploadFailure(t *testing.T) {
	states := &stateRecorder{}
	orch := NewOrchestrator(&stubDispatcher{}, &stubCompositor{}, &stubUploader{err: errors.New("401 unauthorized")}, OrchestratorConfig{OnStateChange: states.observe})

	_, err := orch.Generate(context.Background(), []string{"a"}, types.BatchOptions{}, nil)
	assert.ErrorIs(t, err, types.ErrUploadFailed)
	assert.Equal(t, []BatchState{BatchDispatching, BatchCollecting, BatchComposing, BatchUploading, BatchFailed}, states.states)
}

func TestGenerateWithoutUploader(t *testing.T) {
	states := &stateRecorder{}
	orch := NewOrchestrator(&stubDispatcher{}, &stubCompositor{result: []byte("png")}, nil, OrchestratorConfig{OnStateChange: states.observe})

	result, err := orch.Generate(context.Background(), []string{"a", "b"}, types.BatchOptions{}, nil)
	require.NoError(t, err)

	assert.Empty(t, result.Url)
	assert.Equal(t, []byte("png"), result.Composite)
	assert.Equal(t, []BatchState{BatchDispatching, BatchCollecting, BatchComposing, BatchDone}, states.states)
}

func TestGenerateBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	dispatcher := &stubDispatcher{dispatch: func(ctx context.Context, req types.PromptRequest) ([]byte, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return []byte("ok"), nil
	}}

	orch := NewOrchestrator(dispatcher, &stubCompositor{}, nil, OrchestratorConfig{MaxConcurrency: 3, PollInterval: time.Millisecond})

	var progressCalls atomic.Int64
	_, err := orch.Generate(context.Background(), make([]string, 12), types.BatchOptions{}, func(completed, total int) {
		progressCalls.Add(1)
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(12), progressCalls.Load())
}

func TestGenerateDeterministicWithLocalWorkers(t *testing.T) {
	dispatcher := NewLocalDispatcher(newProceduralWorker(t, 1), newProceduralWorker(t, 1))
	compositor := &stubCompositor{}
	orch := NewOrchestrator(dispatcher, compositor, nil, OrchestratorConfig{})

	opts := types.BatchOptions{Seed: 10, Steps: 4}
	_, err := orch.Generate(context.Background(), []string{"a cat", "a dog", "a fish"}, opts, nil)
	require.NoError(t, err)
	_, err = orch.Generate(context.Background(), []string{"a cat", "a dog", "a fish"}, opts, nil)
	require.NoError(t, err)

	require.Len(t, compositor.calls, 2)
	assert.Equal(t, compositor.calls[0], compositor.calls[1])
	assert.NotEqual(t, compositor.calls[0][0], compositor.calls[0][1])
}

func TestBatchStateTransitions(t *testing.T) {
	b := newBatch(1, nil)
	assert.Error(t, b.advance(BatchComposing))
	require.NoError(t, b.advance(BatchCollecting))
	assert.Error(t, b.advance(BatchDispatching))
	require.NoError(t, b.advance(BatchComposing))
	require.NoError(t, b.advance(BatchDone))
	assert.True(t, b.state.Terminal())

	b.fail(errors.New("late"))
	assert.Equal(t, BatchDone, b.state)
}
