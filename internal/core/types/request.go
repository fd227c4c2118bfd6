package types

import (
	"fmt"
	"math"
)

const (
	DefaultSeed          int64   = 0
	DefaultSteps         int     = 30
	DefaultSplitFraction float64 = 0.8
	DefaultNegativeText  string  = "disfigured, ugly, deformed"

	// MaxSteps matches the number of training timesteps of the noise schedule.
	MaxSteps int = 1000
)

// PromptRequest is the unit of work sent to an inference worker. Index is the
// position of the prompt in its batch and is used to reassemble results.
type PromptRequest struct {
	Index         int     `json:"index"`
	Text          string  `json:"text"`
	NegativeText  string  `json:"negative_text"`
	Seed          int64   `json:"seed"`
	Steps         int     `json:"steps"`
	SplitFraction float64 `json:"split_fraction"`
}

func (r PromptRequest) Validate() error {
	if r.Steps < 1 || r.Steps > MaxSteps {
		return fmt.Errorf("%w: steps must be in [1, %d], got %d", ErrInvalidRequest, MaxSteps, r.Steps)
	}
	// 0 and 1 are valid degenerate splits (refiner only / base only).
	if math.IsNaN(r.SplitFraction) || r.SplitFraction < 0 || r.SplitFraction > 1 {
		return fmt.Errorf("%w: split_fraction must be in [0, 1], got %v", ErrInvalidRequest, r.SplitFraction)
	}
	return nil
}

type ImageResult struct {
	Index int
	Bytes []byte
}

// BatchOptions holds the per-batch overrides of the entry point. Zero values
// are replaced by the defaults in WithDefaults, except Seed where zero is the default.
type BatchOptions struct {
	Seed          int64
	Steps         int
	SplitFraction *float64
	NegativeText  *string
}

func (o BatchOptions) WithDefaults() BatchOptions {
	if o.Steps == 0 {
		o.Steps = DefaultSteps
	}
	if o.SplitFraction == nil {
		split := DefaultSplitFraction
		o.SplitFraction = &split
	}
	if o.NegativeText == nil {
		neg := DefaultNegativeText
		o.NegativeText = &neg
	}
	return o
}

// BuildRequests derives one PromptRequest per prompt with seed = base seed + index.
func BuildRequests(prompts []string, opts BatchOptions) []PromptRequest {
	opts = opts.WithDefaults()

	requests := make([]PromptRequest, len(prompts))
	for i, prompt := range prompts {
		requests[i] = PromptRequest{
			Index:         i,
			Text:          prompt,
			NegativeText:  *opts.NegativeText,
			Seed:          opts.Seed + int64(i),
			Steps:         opts.Steps,
			SplitFraction: *opts.SplitFraction,
		}
	}
	return requests
}
