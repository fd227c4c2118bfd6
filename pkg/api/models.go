package api

import (
	"github.com/google/uuid"
)

type GenerateRequest struct {
	Prompts []string

	Seed           int64
	Steps          int
	SplitFraction  *float64 `json:"SplitFraction,omitempty"`
	NegativePrompt *string  `json:"NegativePrompt,omitempty"`
}

// GenerateQueryParams is the query string form of GenerateRequest, the prompt
// parameter may be repeated.
type GenerateQueryParams struct {
	Prompts        []string `schema:"prompt"`
	Seed           int64    `schema:"seed"`
	Steps          int      `schema:"steps"`
	SplitFraction  *float64 `schema:"split_fraction"`
	NegativePrompt *string  `schema:"negative_prompt"`
}

type GenerateResponse struct {
	BatchId uuid.UUID
	Seeds   []int64

	Url string `json:"Url,omitempty"`

	// Set when the deployment does not upload: the PNG composite itself.
	Image []byte `json:"Image,omitempty"`
}

type GenerateProgress struct {
	Completed int
	Total     int
}

type InferRequest struct {
	Index         int
	Text          string
	NegativeText  string
	Seed          int64
	Steps         int
	SplitFraction float64
}

type WorkerHealthResponse struct {
	Backend      string
	BaseModel    string
	RefinerModel string
	ImageSize    int
	Capacity     int
}
