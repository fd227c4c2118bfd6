package cmd

import (
	"context"
	"diffuser-backend/internal/config"
	"diffuser-backend/internal/core"
	"diffuser-backend/internal/core/pipeline"
	"diffuser-backend/internal/grid"
	"diffuser-backend/internal/messaging"
	"diffuser-backend/internal/storage"
	"diffuser-backend/internal/upload"
	"flag"
	"fmt"
	"log"
	"log/slog"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func NewS3ObjectStore(cfg config.S3Config) (*storage.S3ObjectStore, error) {
	return storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
}

// LoadPipeline provisions the base and refiner weights, pulling them from
// MODEL_BUCKET when it is set, and loads the stage pipeline pair.
func LoadPipeline(ctx context.Context, cfg config.WorkerConfig) (*pipeline.Pair, error) {
	backend := pipeline.BackendType(cfg.PipelineBackend)

	loadCfg := pipeline.LoadConfig{
		ImageSize:          cfg.ImageSize,
		OnnxRuntimeLibrary: cfg.OnnxRuntimeDylib,
	}

	if backend != pipeline.Procedural {
		var store storage.ObjectStore
		if cfg.ModelBucket != "" {
			s3Store, err := NewS3ObjectStore(cfg.S3Config)
			if err != nil {
				return nil, fmt.Errorf("error creating model store: %w", err)
			}
			store = s3Store
		}

		provisioner := storage.NewProvisioner(store, cfg.ModelBucket, cfg.ModelCacheDir)
		dirs, err := provisioner.Ensure(ctx, cfg.BaseModel, cfg.RefinerModel)
		if err != nil {
			return nil, err
		}
		loadCfg.BaseDir, loadCfg.RefinerDir = dirs[0], dirs[1]
	}

	return pipeline.Load(backend, loadCfg)
}

// PushModels uploads the base and refiner weights found in MODEL_CACHE_DIR to
// MODEL_BUCKET, which other workers then provision from.
func PushModels(ctx context.Context, cfg config.WorkerConfig) error {
	if cfg.ModelBucket == "" {
		return fmt.Errorf("MODEL_BUCKET must be set to push models")
	}

	store, err := NewS3ObjectStore(cfg.S3Config)
	if err != nil {
		return fmt.Errorf("error creating model store: %w", err)
	}

	provisioner := storage.NewProvisioner(store, cfg.ModelBucket, cfg.ModelCacheDir)
	return provisioner.Push(ctx, cfg.BaseModel, cfg.RefinerModel)
}

func NewInferenceWorker(ctx context.Context, cfg config.WorkerConfig) (*core.InferenceWorker, error) {
	pair, err := LoadPipeline(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return core.NewInferenceWorker(pair, cfg.WorkerCapacity, cfg.InferenceTimeout), nil
}

// NewDispatcher builds the dispatcher for DISPATCH_MODE, wrapped in the redis
// result cache when REDIS_ADDR is set. The returned func releases everything
// the dispatcher holds.
func NewDispatcher(ctx context.Context, cfg config.OrchestratorConfig) (core.Dispatcher, func(), error) {
	var (
		dispatcher core.Dispatcher
		closers    []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.DispatchMode {
	case config.DispatchLocal:
		worker, err := NewInferenceWorker(ctx, cfg.Worker)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, worker.Release)
		dispatcher = core.NewLocalDispatcher(worker)

	case config.DispatchHTTP:
		entries, err := cfg.Endpoints()
		if err != nil {
			return nil, nil, err
		}
		endpoints := make([]core.WorkerEndpoint, 0, len(entries))
		for _, e := range entries {
			endpoints = append(endpoints, core.WorkerEndpoint{Url: e.Url, Capacity: e.Capacity})
		}
		httpDispatcher, err := core.NewHTTPDispatcher(endpoints)
		if err != nil {
			return nil, nil, err
		}
		dispatcher = httpDispatcher

	case config.DispatchAMQP:
		publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
		if err != nil {
			return nil, nil, fmt.Errorf("error connecting publisher to rabbitmq: %w", err)
		}
		closers = append(closers, publisher.Close)

		replies, err := messaging.NewRabbitMQReplyReceiver(cfg.RabbitMQURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("error connecting reply receiver to rabbitmq: %w", err)
		}
		closers = append(closers, replies.Close)

		queueDispatcher := core.NewQueueDispatcher(publisher, replies)
		closers = append(closers, queueDispatcher.Close)
		dispatcher = queueDispatcher

	default:
		return nil, nil, fmt.Errorf("invalid dispatch mode '%s'", cfg.DispatchMode)
	}

	if cfg.RedisAddr != "" {
		cache, err := storage.NewRedisResultCache(ctx, cfg.RedisAddr)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := cache.Close(); err != nil {
				slog.Error("error closing redis cache", "error", err)
			}
		})
		dispatcher = core.NewCachingDispatcher(dispatcher, cache, cfg.CacheTTL)
		slog.Info("caching images in redis", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL)
	}

	return dispatcher, cleanup, nil
}

// NewUploader returns nil for UPLOAD_MODE=none.
func NewUploader(ctx context.Context, cfg config.OrchestratorConfig) (core.Uploader, error) {
	switch upload.Mode(cfg.UploadMode) {
	case upload.Imgur:
		uploader, err := upload.NewImgurUploader(cfg.ImgurURL, cfg.ImgurClientId)
		if err != nil {
			return nil, err
		}
		return uploader, nil

	case upload.S3:
		store, err := NewS3ObjectStore(cfg.S3Config)
		if err != nil {
			return nil, fmt.Errorf("error creating upload store: %w", err)
		}
		if err := store.CreateBucket(ctx, cfg.UploadBucket); err != nil {
			return nil, fmt.Errorf("error creating upload bucket: %w", err)
		}
		return upload.NewObjectStoreUploader(store, cfg.UploadBucket, cfg.PublicBaseURL), nil

	case upload.Local:
		store, err := storage.NewLocalObjectStore(cfg.UploadDir)
		if err != nil {
			return nil, fmt.Errorf("error creating upload dir: %w", err)
		}
		if err := store.CreateBucket(ctx, cfg.UploadBucket); err != nil {
			return nil, fmt.Errorf("error creating upload bucket: %w", err)
		}
		return upload.NewObjectStoreUploader(store, cfg.UploadBucket, cfg.PublicBaseURL), nil

	case upload.None:
		return nil, nil

	default:
		return nil, fmt.Errorf("invalid upload mode '%s'", cfg.UploadMode)
	}
}

func NewOrchestrator(ctx context.Context, cfg config.OrchestratorConfig, observer core.StateObserver) (*core.Orchestrator, func(), error) {
	dispatcher, cleanup, err := NewDispatcher(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	uploader, err := NewUploader(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	orchestrator := core.NewOrchestrator(dispatcher, grid.NewCompositor(), uploader, core.OrchestratorConfig{
		MaxConcurrency: cfg.MaxConcurrency,
		PollInterval:   cfg.PollInterval,
		MaxBatchSize:   cfg.MaxBatchSize,
		OnStateChange:  observer,
	})

	return orchestrator, cleanup, nil
}
