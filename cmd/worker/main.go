package main

import (
	"context"
	"diffuser-backend/cmd"
	"diffuser-backend/internal/api"
	"diffuser-backend/internal/config"
	"diffuser-backend/internal/core"
	"diffuser-backend/internal/messaging"
	pkgapi "diffuser-backend/pkg/api"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	log.Println("Starting Worker Process...")

	push := flag.Bool("push", false, "upload the cached base and refiner models to MODEL_BUCKET and exit")

	cmd.LoadEnvFile()

	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *push {
		if err := cmd.PushModels(ctx, cfg); err != nil {
			log.Fatalf("Failed to push models: %v", err)
		}
		log.Printf("Pushed %s and %s to bucket %s", cfg.BaseModel, cfg.RefinerModel, cfg.ModelBucket)
		return
	}

	// Loaded once; a load failure is fatal and never retried.
	worker, err := cmd.NewInferenceWorker(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to load stage pipeline: %v", err)
	}
	defer worker.Release()

	var wg sync.WaitGroup

	if cfg.ConsumeQueue {
		publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}

		receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL, worker.Capacity())
		if err != nil {
			log.Fatalf("Failed to start message consumer: %v", err)
		}

		processor := core.NewTaskProcessor(worker, publisher, receiver)

		wg.Add(1)
		go func() {
			defer wg.Done()
			processor.Start(ctx)
			processor.Stop()
		}()

		log.Printf("Worker consuming queue %s", messaging.InferenceQueue)
	}

	if cfg.ServeHTTP {
		r := chi.NewRouter()

		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		service := api.NewWorkerService(worker, pkgapi.WorkerHealthResponse{
			Backend:      cfg.PipelineBackend,
			BaseModel:    cfg.BaseModel,
			RefinerModel: cfg.RefinerModel,
			ImageSize:    cfg.ImageSize,
		})
		service.AddRoutes(r)

		server := &http.Server{
			Addr:    ":" + cfg.WorkerPort,
			Handler: r,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("Worker server forced to shutdown: %v", err)
			}
		}()

		go func() {
			log.Printf("Worker listening on port %s", cfg.WorkerPort)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Could not listen on %s: %v\n", cfg.WorkerPort, err)
			}
		}()
	}

	log.Println("Worker started. Press Ctrl+C to exit.")

	<-ctx.Done()
	log.Println("Shutdown signal received, waiting for in flight work to finish...")

	wg.Wait()

	log.Println("Worker process stopped.")
}
