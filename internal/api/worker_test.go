package api_test

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"testing"
	"time"

	backend "diffuser-backend/internal/api"
	"diffuser-backend/internal/core"
	"diffuser-backend/internal/core/pipeline"
	"diffuser-backend/internal/core/types"
	"diffuser-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkerRouter(t *testing.T) chi.Router {
	pair, err := pipeline.Load(pipeline.Procedural, pipeline.LoadConfig{ImageSize: 32})
	require.NoError(t, err)

	worker := core.NewInferenceWorker(pair, 2, time.Minute)
	t.Cleanup(worker.Release)

	service := backend.NewWorkerService(worker, api.WorkerHealthResponse{
		Backend:      string(pipeline.Procedural),
		BaseModel:    "base",
		RefinerModel: "refiner",
		ImageSize:    32,
	})
	router := chi.NewRouter()
	service.AddRoutes(router)
	return router
}

func TestWorkerHealth(t *testing.T) {
	router := newWorkerRouter(t)

	rec := doJson(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res api.WorkerHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, api.WorkerHealthResponse{
		Backend:      "procedural",
		BaseModel:    "base",
		RefinerModel: "refiner",
		ImageSize:    32,
		Capacity:     2,
	}, res)
}

func TestWorkerInfer(t *testing.T) {
	router := newWorkerRouter(t)

	req := api.InferRequest{
		Index:         3,
		Text:          "a potato",
		NegativeText:  types.DefaultNegativeText,
		Seed:          42,
		Steps:         4,
		SplitFraction: types.DefaultSplitFraction,
	}

	rec := doJson(t, router, http.MethodPost, "/v1/infer", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 32), img.Bounds())

	again := doJson(t, router, http.MethodPost, "/v1/infer", req)
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, rec.Body.Bytes(), again.Body.Bytes())
}

func TestWorkerInferInvalid(t *testing.T) {
	router := newWorkerRouter(t)

	rec := doJson(t, router, http.MethodPost, "/v1/infer", api.InferRequest{Text: "a potato", Steps: 0})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJson(t, router, http.MethodPost, "/v1/infer", "garbage")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
