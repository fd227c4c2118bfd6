package pipeline

import (
	"context"
	"diffuser-backend/internal/core/types"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
)

// Embedding is the text conditioning produced by a TextEncoder. Hidden is
// laid out [SeqLen][Dim].
type Embedding struct {
	Hidden []float32
	Pooled []float32
	SeqLen int
	Dim    int
}

type TextEncoder interface {
	Encode(ctx context.Context, text string) (Embedding, error)

	Release()
}

type Decoder interface {
	Decode(ctx context.Context, latent *Latent) (image.Image, error)

	Release()
}

// SharedComponents are loaded once by the base model and referenced, never
// copied, by the refiner. They are read-only after load.
type SharedComponents struct {
	TextEncoder TextEncoder
	Decoder     Decoder
}

func (s *SharedComponents) Release() {
	if s.TextEncoder != nil {
		s.TextEncoder.Release()
	}
	if s.Decoder != nil {
		s.Decoder.Release()
	}
}

type LatentSpec struct {
	Channels    int
	ScaleFactor int
}

type StageParams struct {
	Prompt         string
	NegativePrompt string

	// TotalSteps is the length of the whole trajectory; the stage executes
	// steps [Start, End) of it.
	TotalSteps int
	Start      int
	End        int

	// Latent dimensions, used when the stage has to draw the initial noise.
	Height int
	Width  int
}

type Stage interface {
	// Denoise runs the stage's share of the trajectory. A nil latent means the
	// stage starts the trajectory and draws the initial noise from gen.
	Denoise(ctx context.Context, params StageParams, gen *Generator, latent *Latent) (*Latent, error)

	LatentSpec() LatentSpec

	// Shared returns the components this stage was constructed with.
	Shared() *SharedComponents

	Release()
}

// Pair is the base/refiner stage pipeline pair of one worker.
type Pair struct {
	Base      Stage
	Refiner   Stage
	shared    *SharedComponents
	imageSize int

	release sync.Once
}

func NewPair(base, refiner Stage, imageSize int) (*Pair, error) {
	if base == nil || refiner == nil {
		return nil, fmt.Errorf("%w: base and refiner stages are required", types.ErrLoadFailed)
	}

	if base.Shared() == nil || base.Shared() != refiner.Shared() {
		return nil, fmt.Errorf("%w: refiner must reference the base model's shared components", types.ErrLoadFailed)
	}

	if base.LatentSpec() != refiner.LatentSpec() {
		return nil, fmt.Errorf("%w: incompatible latent spaces: base %+v, refiner %+v", types.ErrLoadFailed, base.LatentSpec(), refiner.LatentSpec())
	}

	spec := base.LatentSpec()
	if imageSize <= 0 || imageSize%spec.ScaleFactor != 0 {
		return nil, fmt.Errorf("%w: image size %d must be a positive multiple of %d", types.ErrLoadFailed, imageSize, spec.ScaleFactor)
	}

	return &Pair{Base: base, Refiner: refiner, shared: base.Shared(), imageSize: imageSize}, nil
}

func (p *Pair) Shared() *SharedComponents {
	return p.shared
}

func (p *Pair) ImageSize() int {
	return p.imageSize
}

// SplitStep returns the first step executed by the refiner: the base runs
// steps [0, SplitStep) which is ceil(fraction*steps) clamped to [0, steps].
func SplitStep(steps int, fraction float64) int {
	split := int(math.Ceil(fraction*float64(steps) - 1e-9))
	return max(0, min(split, steps))
}

type GenerateParams struct {
	Prompt         string
	NegativePrompt string
	Seed           int64
	Steps          int
	SplitFraction  float64
}

// Generate runs one inference: base stage to a latent, refiner stage from that
// latent, then the shared decoder. The latent never leaves this call.
func (p *Pair) Generate(ctx context.Context, params GenerateParams) (image.Image, error) {
	if params.Steps < 1 {
		return nil, fmt.Errorf("%w: steps must be >= 1", types.ErrInvalidRequest)
	}

	gen := NewGenerator(params.Seed)
	split := SplitStep(params.Steps, params.SplitFraction)

	spec := p.Base.LatentSpec()
	stage := StageParams{
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		TotalSteps:     params.Steps,
		Height:         p.imageSize / spec.ScaleFactor,
		Width:          p.imageSize / spec.ScaleFactor,
	}

	stage.Start, stage.End = 0, split
	latent, err := p.Base.Denoise(ctx, stage, gen, nil)
	if err != nil {
		return nil, fmt.Errorf("base stage failed: %w", err)
	}

	stage.Start, stage.End = split, params.Steps
	latent, err = p.Refiner.Denoise(ctx, stage, gen, latent)
	if err != nil {
		return nil, fmt.Errorf("refiner stage failed: %w", err)
	}

	img, err := p.shared.Decoder.Decode(ctx, latent)
	if err != nil {
		return nil, fmt.Errorf("decoding latent failed: %w", err)
	}

	return img, nil
}

func (p *Pair) Release() {
	p.release.Do(func() {
		p.Base.Release()
		p.Refiner.Release()
		p.shared.Release()
	})
}

type BackendType string

const (
	Procedural BackendType = "procedural"
	Onnx       BackendType = "onnx"
)

type LoadConfig struct {
	BaseDir    string
	RefinerDir string
	ImageSize  int

	OnnxRuntimeLibrary string
}

type PairLoader func(cfg LoadConfig) (*Pair, error)

func NewPairLoaders() map[BackendType]PairLoader {
	return map[BackendType]PairLoader{
		Procedural: LoadProceduralPair,
		Onnx:       LoadOnnxPair,
	}
}

// Load is a one-time blocking load of a pair. Every failure is reported as
// ErrLoadFailed; callers must not retry it.
func Load(backend BackendType, cfg LoadConfig) (*Pair, error) {
	loader, ok := NewPairLoaders()[backend]
	if !ok {
		return nil, fmt.Errorf("%w: unknown pipeline backend '%s'", types.ErrLoadFailed, backend)
	}

	slog.Info("loading stage pipeline pair", "backend", backend, "base", cfg.BaseDir, "refiner", cfg.RefinerDir, "image_size", cfg.ImageSize)

	pair, err := loader(cfg)
	if err != nil {
		if !errors.Is(err, types.ErrLoadFailed) {
			err = fmt.Errorf("%w: %w", types.ErrLoadFailed, err)
		}
		return nil, err
	}

	slog.Info("stage pipeline pair loaded", "backend", backend)
	return pair, nil
}
