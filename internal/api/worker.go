package api

import (
	"diffuser-backend/internal/core"
	"diffuser-backend/internal/core/types"
	"diffuser-backend/pkg/api"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type WorkerService struct {
	worker *core.InferenceWorker
	info   api.WorkerHealthResponse
}

func NewWorkerService(worker *core.InferenceWorker, info api.WorkerHealthResponse) *WorkerService {
	info.Capacity = worker.Capacity()
	return &WorkerService{worker: worker, info: info}
}

func (s *WorkerService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(s.Health))
	r.Post("/v1/infer", s.Infer)
}

func (s *WorkerService) Health(r *http.Request) (any, error) {
	return s.info, nil
}

func (s *WorkerService) infer(r *http.Request) ([]byte, error) {
	req, err := ParseRequest[api.InferRequest](r)
	if err != nil {
		return nil, err
	}

	image, err := s.worker.Infer(r.Context(), convertInferRequest(req))
	if err != nil {
		if errors.Is(err, types.ErrInvalidRequest) {
			return nil, CodedError(http.StatusUnprocessableEntity, err)
		}
		return nil, CodedError(http.StatusInternalServerError, err)
	}
	return image, nil
}

// Infer responds with the PNG bytes of one image.
func (s *WorkerService) Infer(w http.ResponseWriter, r *http.Request) {
	image, err := s.infer(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(image)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(image); err != nil {
		slog.Error("error writing image response", "error", err)
	}
}
