package core

import (
	"context"
	"diffuser-backend/internal/core/types"
	"diffuser-backend/internal/core/utils"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Compositor interface {
	// Compose assembles PNG images, given in output order, into one PNG.
	Compose(images [][]byte) ([]byte, error)
}

type Uploader interface {
	Upload(ctx context.Context, image []byte) (string, error)
}

type ProgressFunc func(completed, total int)

type OrchestratorConfig struct {
	// MaxConcurrency bounds the inference calls in flight for one batch.
	MaxConcurrency int

	// PollInterval is an optional idle wait after each completion.
	PollInterval time.Duration

	MaxBatchSize int

	OnStateChange StateObserver
}

const (
	DefaultMaxConcurrency = 20
	DefaultMaxBatchSize   = 64
)

type BatchResult struct {
	BatchId uuid.UUID
	Seeds   []int64

	// Url is empty when the orchestrator has no uploader.
	Url       string
	Composite []byte
}

type Orchestrator struct {
	dispatcher Dispatcher
	compositor Compositor
	uploader   Uploader
	config     OrchestratorConfig
}

// NewOrchestrator builds an orchestrator. uploader may be nil, in which case
// Generate returns the composite without uploading it.
func NewOrchestrator(dispatcher Dispatcher, compositor Compositor, uploader Uploader, config OrchestratorConfig) *Orchestrator {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultMaxBatchSize
	}
	return &Orchestrator{
		dispatcher: dispatcher,
		compositor: compositor,
		uploader:   uploader,
		config:     config,
	}
}

// Requests validates a batch and derives its Prompt Requests. No worker is
// involved, so invalid batches are rejected before dispatch.
func (o *Orchestrator) Requests(prompts []string, opts types.BatchOptions) ([]types.PromptRequest, error) {
	if len(prompts) == 0 {
		return nil, types.ErrEmptyBatch
	}
	if len(prompts) > o.config.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d prompts exceeds the limit of %d", types.ErrInvalidRequest, len(prompts), o.config.MaxBatchSize)
	}

	requests := types.BuildRequests(prompts, opts)
	for _, req := range requests {
		if err := req.Validate(); err != nil {
			return nil, err
		}
	}
	return requests, nil
}

// Generate runs one batch end to end: dispatch, ordered collection,
// composition and upload. Any failure fails the whole batch; no partial
// composite is produced.
func (o *Orchestrator) Generate(ctx context.Context, prompts []string, opts types.BatchOptions, progress ProgressFunc) (BatchResult, error) {
	requests, err := o.Requests(prompts, opts)
	if err != nil {
		return BatchResult{}, err
	}

	b := newBatch(len(requests), o.config.OnStateChange)

	result := BatchResult{BatchId: b.id, Seeds: make([]int64, len(requests))}
	for i, req := range requests {
		result.Seeds[i] = req.Seed
	}

	onProgress := func(completed, total int) {
		if b.state == BatchDispatching {
			_ = b.advance(BatchCollecting)
		}
		slog.Debug("batch progress", "batch_id", b.id, "completed", completed, "total", total)
		if progress != nil {
			progress(completed, total)
		}
	}

	images := make([][]byte, 0, len(requests))
	for res, err := range o.Stream(ctx, requests, onProgress) {
		if err != nil {
			b.fail(err)
			return BatchResult{}, err
		}
		images = append(images, res.Bytes)
	}

	if err := b.advance(BatchComposing); err != nil {
		b.fail(err)
		return BatchResult{}, err
	}

	composite, err := o.compositor.Compose(images)
	if err != nil {
		if !errors.Is(err, types.ErrCompositionFailed) {
			err = fmt.Errorf("%w: %w", types.ErrCompositionFailed, err)
		}
		b.fail(err)
		return BatchResult{}, err
	}
	result.Composite = composite

	if o.uploader == nil {
		_ = b.advance(BatchDone)
		return result, nil
	}

	_ = b.advance(BatchUploading)

	url, err := o.uploader.Upload(ctx, composite)
	if err != nil {
		if !errors.Is(err, types.ErrUploadFailed) {
			err = fmt.Errorf("%w: %w", types.ErrUploadFailed, err)
		}
		b.fail(err)
		return BatchResult{}, err
	}
	result.Url = url

	_ = b.advance(BatchDone)
	slog.Info("batch complete", "batch_id", b.id, "size", len(requests), "url", url)

	return result, nil
}

// Stream dispatches requests concurrently and yields their results in the
// order of requests, each as soon as every earlier result has been yielded.
// The Index of a yielded result is its position in requests. On the first
// failure the error is yielded, then the remaining calls are cancelled and
// drained before the stream ends.
func (o *Orchestrator) Stream(ctx context.Context, requests []types.PromptRequest, progress ProgressFunc) iter.Seq2[types.ImageResult, error] {
	return func(yield func(types.ImageResult, error) bool) {
		if len(requests) == 0 {
			yield(types.ImageResult{}, types.ErrEmptyBatch)
			return
		}

		ctx, cancel := context.WithCancel(ctx)

		completed := make(chan utils.CompletedTask[[]byte], len(requests))
		dispatch := func(ctx context.Context, req types.PromptRequest) ([]byte, error) {
			img, err := o.dispatcher.Dispatch(ctx, req)
			if err != nil {
				if _, ok := types.FailedIndex(err); !ok {
					err = types.NewInferenceFailed(req.Index, err)
				}
				return nil, err
			}
			return img, nil
		}

		utils.RunInPool(ctx, dispatch, requests, completed, o.config.MaxConcurrency)

		defer func() {
			cancel()
			for range completed {
			}
		}()

		pending := make(map[int][]byte, len(requests))
		next, done := 0, 0

		for task := range completed {
			if task.Error != nil {
				yield(types.ImageResult{}, task.Error)
				return
			}

			pending[task.Index] = task.Result
			done++
			if progress != nil {
				progress(done, len(requests))
			}

			for {
				img, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				if !yield(types.ImageResult{Index: next, Bytes: img}, nil) {
					return
				}
				next++
			}

			if o.config.PollInterval > 0 && done < len(requests) {
				select {
				case <-time.After(o.config.PollInterval):
				case <-ctx.Done():
				}
			}
		}

		if next < len(requests) {
			err := ctx.Err()
			if err == nil {
				err = fmt.Errorf("batch ended with %d of %d results", next, len(requests))
			}
			yield(types.ImageResult{}, types.NewInferenceFailed(next, err))
		}
	}
}
