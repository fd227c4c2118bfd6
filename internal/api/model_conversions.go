package api

import (
	"diffuser-backend/internal/core"
	"diffuser-backend/internal/core/types"
	"diffuser-backend/pkg/api"
	"errors"
	"net/http"
)

func convertInferRequest(req api.InferRequest) types.PromptRequest {
	return types.PromptRequest{
		Index:         req.Index,
		Text:          req.Text,
		NegativeText:  req.NegativeText,
		Seed:          req.Seed,
		Steps:         req.Steps,
		SplitFraction: req.SplitFraction,
	}
}

func convertGenerateRequest(req api.GenerateRequest) ([]string, types.BatchOptions) {
	return req.Prompts, types.BatchOptions{
		Seed:          req.Seed,
		Steps:         req.Steps,
		SplitFraction: req.SplitFraction,
		NegativeText:  req.NegativePrompt,
	}
}

func convertGenerateQueryParams(params api.GenerateQueryParams) api.GenerateRequest {
	return api.GenerateRequest{
		Prompts:        params.Prompts,
		Seed:           params.Seed,
		Steps:          params.Steps,
		SplitFraction:  params.SplitFraction,
		NegativePrompt: params.NegativePrompt,
	}
}

func convertBatchResult(res core.BatchResult) api.GenerateResponse {
	out := api.GenerateResponse{
		BatchId: res.BatchId,
		Seeds:   res.Seeds,
		Url:     res.Url,
	}
	if res.Url == "" {
		out.Image = res.Composite
	}
	return out
}

// codedGenerationError maps the generation error kinds to status codes.
func codedGenerationError(err error) error {
	switch {
	case errors.Is(err, types.ErrEmptyBatch):
		return CodedError(http.StatusBadRequest, err)
	case errors.Is(err, types.ErrInvalidRequest):
		return CodedError(http.StatusUnprocessableEntity, err)
	case errors.Is(err, types.ErrUploadFailed):
		return CodedError(http.StatusBadGateway, err)
	case errors.Is(err, types.ErrLoadFailed):
		return CodedError(http.StatusServiceUnavailable, err)
	default:
		return CodedError(http.StatusInternalServerError, err)
	}
}
