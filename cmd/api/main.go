package main

import (
	"context"
	"diffuser-backend/cmd"
	"diffuser-backend/internal/api"
	"diffuser-backend/internal/config"
	"diffuser-backend/internal/core"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	cfg, err := config.LoadOrchestratorConfig()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	observer := func(batchId uuid.UUID, state core.BatchState) {
		slog.Debug("batch state changed", "batch_id", batchId, "state", state)
	}

	orchestrator, cleanup, err := cmd.NewOrchestrator(context.Background(), cfg, observer)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	defer cleanup()

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	apiHandler := api.NewGeneratorService(orchestrator)

	apiHandler.AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %s (dispatch mode %s, upload mode %s)", cfg.APIPort, cfg.DispatchMode, cfg.UploadMode)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
