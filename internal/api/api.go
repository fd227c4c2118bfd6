package api

import (
	"context"
	"diffuser-backend/internal/core"
	"diffuser-backend/pkg/api"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type GeneratorService struct {
	orchestrator *core.Orchestrator
}

func NewGeneratorService(orchestrator *core.Orchestrator) *GeneratorService {
	return &GeneratorService{orchestrator: orchestrator}
}

func (s *GeneratorService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/v1/generate", func(r chi.Router) {
		r.Post("/", RestHandler(s.Generate))
		r.Get("/", RestHandler(s.GenerateFromQuery))
		r.Post("/stream", RestStreamHandler(s.GenerateStream))
	})
}

func (s *GeneratorService) generate(ctx context.Context, req api.GenerateRequest, progress core.ProgressFunc) (api.GenerateResponse, error) {
	prompts, opts := convertGenerateRequest(req)

	res, err := s.orchestrator.Generate(ctx, prompts, opts, progress)
	if err != nil {
		slog.Error("error generating batch", "prompts", len(prompts), "error", err)
		return api.GenerateResponse{}, codedGenerationError(err)
	}

	return convertBatchResult(res), nil
}

func (s *GeneratorService) Generate(r *http.Request) (any, error) {
	req, err := ParseRequest[api.GenerateRequest](r)
	if err != nil {
		return nil, err
	}

	return s.generate(r.Context(), req, nil)
}

func (s *GeneratorService) GenerateFromQuery(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.GenerateQueryParams](r)
	if err != nil {
		return nil, err
	}

	return s.generate(r.Context(), convertGenerateQueryParams(params), nil)
}

type generateEvent struct {
	progress *api.GenerateProgress
	response *api.GenerateResponse
	err      error
}

// GenerateStream reports a GenerateProgress message per completed image and
// ends with the GenerateResponse, or with an error message.
func (s *GeneratorService) GenerateStream(r *http.Request) (StreamResponse, error) {
	req, err := ParseRequest[api.GenerateRequest](r)
	if err != nil {
		return nil, err
	}

	// Rejected before the 200 status is written.
	prompts, opts := convertGenerateRequest(req)
	if _, err := s.orchestrator.Requests(prompts, opts); err != nil {
		return nil, codedGenerationError(err)
	}

	return func(yield func(any, error) bool) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		events := make(chan generateEvent)
		send := func(ev generateEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}

		go func() {
			defer close(events)
			res, err := s.generate(ctx, req, func(completed, total int) {
				send(generateEvent{progress: &api.GenerateProgress{Completed: completed, Total: total}})
			})
			if err != nil {
				send(generateEvent{err: err})
				return
			}
			send(generateEvent{response: &res})
		}()

		for ev := range events {
			var ok bool
			switch {
			case ev.err != nil:
				ok = yield(nil, ev.err)
			case ev.progress != nil:
				ok = yield(*ev.progress, nil)
			default:
				ok = yield(*ev.response, nil)
			}
			if !ok {
				cancel()
				for range events {
				}
				return
			}
		}
	}, nil
}
