package core

import (
	"context"
	"diffuser-backend/internal/core/types"
	"diffuser-backend/pkg/api"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

type WorkerEndpoint struct {
	Url      string
	Capacity int
}

type remoteWorker struct {
	endpoint WorkerEndpoint
	client   *resty.Client
}

// HTTPDispatcher sends inference calls to remote workers over their REST API.
// Each endpoint receives at most its capacity of concurrent calls.
type HTTPDispatcher struct {
	pool *slotPool[*remoteWorker]
}

func NewHTTPDispatcher(endpoints []WorkerEndpoint) (*HTTPDispatcher, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one worker endpoint is required")
	}

	workers := make([]*remoteWorker, 0, len(endpoints))
	for _, endpoint := range endpoints {
		workers = append(workers, &remoteWorker{
			endpoint: endpoint,
			client:   resty.New().SetBaseURL(strings.TrimSuffix(endpoint.Url, "/")),
		})
	}

	return &HTTPDispatcher{
		pool: newSlotPool(workers, func(w *remoteWorker) int { return w.endpoint.Capacity }),
	}, nil
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req types.PromptRequest) ([]byte, error) {
	worker, err := d.pool.acquire(ctx)
	if err != nil {
		return nil, types.NewInferenceFailed(req.Index, fmt.Errorf("no worker available: %w", err))
	}
	defer d.pool.release(worker)

	res, err := worker.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "image/png").
		SetBody(toInferRequest(req)).
		Post("/v1/infer")

	if err != nil {
		slog.Error("error calling inference worker", "worker", worker.endpoint.Url, "index", req.Index, "error", err)
		return nil, types.NewInferenceFailed(req.Index, fmt.Errorf("error calling worker %s: %w", worker.endpoint.Url, err))
	}

	if !res.IsSuccess() {
		slog.Error("inference worker returned error", "worker", worker.endpoint.Url, "index", req.Index, "status_code", res.StatusCode(), "body", res.String())

		cause := fmt.Errorf("worker %s returned status %d: %s", worker.endpoint.Url, res.StatusCode(), strings.TrimSpace(res.String()))
		if res.StatusCode() == http.StatusBadRequest || res.StatusCode() == http.StatusUnprocessableEntity {
			cause = fmt.Errorf("%w: %w", types.ErrInvalidRequest, cause)
		}
		return nil, types.NewInferenceFailed(req.Index, cause)
	}

	return res.Body(), nil
}

func toInferRequest(req types.PromptRequest) api.InferRequest {
	return api.InferRequest{
		Index:         req.Index,
		Text:          req.Text,
		NegativeText:  req.NegativeText,
		Seed:          req.Seed,
		Steps:         req.Steps,
		SplitFraction: req.SplitFraction,
	}
}
