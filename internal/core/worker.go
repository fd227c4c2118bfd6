package core

import (
	"bytes"
	"context"
	"diffuser-backend/internal/core/pipeline"
	"diffuser-backend/internal/core/types"
	"fmt"
	"image/png"
	"log/slog"
	"time"
)

// InferenceWorker owns one loaded Stage Pipeline Pair and serves inference
// calls against it. At most capacity calls use the pair at the same time.
type InferenceWorker struct {
	pair    *pipeline.Pair
	slots   chan struct{}
	timeout time.Duration
}

func NewInferenceWorker(pair *pipeline.Pair, capacity int, timeout time.Duration) *InferenceWorker {
	return &InferenceWorker{
		pair:    pair,
		slots:   make(chan struct{}, max(1, capacity)),
		timeout: timeout,
	}
}

func (w *InferenceWorker) Capacity() int {
	return cap(w.slots)
}

// Infer runs the base stage, the refiner stage and the shared decoder for one
// prompt and returns the PNG encoded image. Failures after validation are
// reported as InferenceFailedError carrying the prompt index.
func (w *InferenceWorker) Infer(ctx context.Context, req types.PromptRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, types.NewInferenceFailed(req.Index, fmt.Errorf("waiting for pipeline: %w", ctx.Err()))
	}
	defer func() { <-w.slots }()

	start := time.Now()
	slog.Debug("starting inference", "index", req.Index, "seed", req.Seed, "steps", req.Steps, "split_fraction", req.SplitFraction)

	img, err := w.pair.Generate(ctx, pipeline.GenerateParams{
		Prompt:         req.Text,
		NegativePrompt: req.NegativeText,
		Seed:           req.Seed,
		Steps:          req.Steps,
		SplitFraction:  req.SplitFraction,
	})
	if err != nil {
		slog.Error("inference failed", "index", req.Index, "seed", req.Seed, "error", err)
		return nil, types.NewInferenceFailed(req.Index, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, types.NewInferenceFailed(req.Index, fmt.Errorf("error encoding png: %w", err))
	}

	slog.Info("inference complete", "index", req.Index, "seed", req.Seed, "duration", time.Since(start), "bytes", buf.Len())

	return buf.Bytes(), nil
}

func (w *InferenceWorker) Release() {
	w.pair.Release()
}
