package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"
	"strings"
)

const (
	proceduralEmbeddingDim = 16
	proceduralChannels     = 4
	proceduralScaleFactor  = 8

	// Share of the negative prompt subtracted from the prompt conditioning.
	proceduralGuidance = 0.5
)

// proceduralEncoder hashes words into a fixed-size conditioning vector.
type proceduralEncoder struct{}

func (proceduralEncoder) Encode(ctx context.Context, text string) (Embedding, error) {
	vec := make([]float32, proceduralEmbeddingDim)

	words := strings.Fields(strings.ToLower(text))
	for _, word := range words {
		h := fnv.New64a()
		h.Write([]byte(word)) //nolint:errcheck
		state := h.Sum64()
		for k := range vec {
			state = splitmix64(state)
			vec[k] += float32(state>>11)/float32(1<<53)*2 - 1
		}
	}

	if len(words) > 0 {
		scale := 1 / float32(math.Sqrt(float64(len(words))))
		for k := range vec {
			vec[k] *= scale
		}
	}

	return Embedding{Hidden: vec, Pooled: vec, SeqLen: 1, Dim: proceduralEmbeddingDim}, nil
}

func (proceduralEncoder) Release() {}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// proceduralDecoder maps a 4 channel latent to RGB with nearest neighbour upsampling.
type proceduralDecoder struct {
	scale int
}

func (d proceduralDecoder) Decode(ctx context.Context, latent *Latent) (image.Image, error) {
	if latent == nil || latent.Channels != proceduralChannels {
		return nil, fmt.Errorf("procedural decoder expects a %d channel latent", proceduralChannels)
	}

	img := image.NewRGBA(image.Rect(0, 0, latent.Width*d.scale, latent.Height*d.scale))
	for y := 0; y < latent.Height; y++ {
		for x := 0; x < latent.Width; x++ {
			l3 := latent.At(3, y, x)
			px := color.RGBA{
				R: toByte(latent.At(0, y, x) + 0.3*l3),
				G: toByte(latent.At(1, y, x) - 0.2*l3),
				B: toByte(latent.At(2, y, x) + 0.1*l3),
				A: 255,
			}
			for dy := 0; dy < d.scale; dy++ {
				for dx := 0; dx < d.scale; dx++ {
					img.SetRGBA(x*d.scale+dx, y*d.scale+dy, px)
				}
			}
		}
	}
	return img, nil
}

func (proceduralDecoder) Release() {}

func toByte(v float32) uint8 {
	f := 0.5 + 0.5*math.Tanh(float64(v))
	return uint8(math.Round(f * 255))
}

// proceduralStage denoises toward a pattern derived from the text conditioning.
// The refiner variant adds a high frequency detail term and injects less noise.
type proceduralStage struct {
	shared      *SharedComponents
	detail      float32
	noiseScale  float32
	frequencies int
}

func (s *proceduralStage) LatentSpec() LatentSpec {
	return LatentSpec{Channels: proceduralChannels, ScaleFactor: proceduralScaleFactor}
}

func (s *proceduralStage) Shared() *SharedComponents {
	return s.shared
}

func (s *proceduralStage) Release() {}

func (s *proceduralStage) Denoise(ctx context.Context, params StageParams, gen *Generator, latent *Latent) (*Latent, error) {
	if latent == nil {
		latent = NewLatent(proceduralChannels, params.Height, params.Width)
		gen.FillNormal(latent.Data)
	}

	if params.Start >= params.End {
		return latent, nil
	}

	cond, err := s.conditioning(ctx, params)
	if err != nil {
		return nil, err
	}
	target := s.target(cond, latent.Height, latent.Width)

	noise := make([]float32, len(latent.Data))
	for step := params.Start; step < params.End; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := float32(params.TotalSteps - step)
		sigmaNext := (remaining - 1) / float32(params.TotalSteps)

		gen.FillNormal(noise)
		for i, v := range latent.Data {
			latent.Data[i] = v + (target[i]-v)/remaining + noise[i]*sigmaNext*s.noiseScale
		}
	}

	return latent, nil
}

func (s *proceduralStage) conditioning(ctx context.Context, params StageParams) ([]float32, error) {
	pos, err := s.shared.TextEncoder.Encode(ctx, params.Prompt)
	if err != nil {
		return nil, fmt.Errorf("error encoding prompt: %w", err)
	}
	neg, err := s.shared.TextEncoder.Encode(ctx, params.NegativePrompt)
	if err != nil {
		return nil, fmt.Errorf("error encoding negative prompt: %w", err)
	}

	cond := make([]float32, len(pos.Pooled))
	for k := range cond {
		cond[k] = pos.Pooled[k] - proceduralGuidance*neg.Pooled[k]
	}
	return cond, nil
}

func (s *proceduralStage) target(cond []float32, height, width int) []float32 {
	out := make([]float32, proceduralChannels*height*width)
	for c := 0; c < proceduralChannels; c++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				fy, fx := float64(y)/float64(height), float64(x)/float64(width)

				var v float64
				for k, e := range cond {
					fk := float64(k%s.frequencies + 1)
					v += float64(e) * math.Cos(math.Pi*(fk*fx+float64(k/s.frequencies+1)*fy)+float64(k+c))
				}
				v += float64(s.detail) * math.Sin(math.Pi*float64(8*(x+y)+c)/4)

				out[(c*height+y)*width+x] = float32(math.Tanh(v))
			}
		}
	}
	return out
}

func LoadProceduralPair(cfg LoadConfig) (*Pair, error) {
	shared := &SharedComponents{
		TextEncoder: proceduralEncoder{},
		Decoder:     proceduralDecoder{scale: proceduralScaleFactor},
	}

	base := &proceduralStage{shared: shared, noiseScale: 0.15, frequencies: 4}
	refiner := &proceduralStage{shared: shared, noiseScale: 0.05, detail: 0.1, frequencies: 4}

	size := cfg.ImageSize
	if size == 0 {
		size = 1024
	}

	return NewPair(base, refiner, size)
}
