package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

type S3Config struct {
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION"`
}

type DispatchMode string

const (
	DispatchLocal DispatchMode = "local"
	DispatchHTTP  DispatchMode = "http"
	DispatchAMQP  DispatchMode = "amqp"
)

type OrchestratorConfig struct {
	S3Config

	APIPort        string        `env:"API_PORT" envDefault:"8001"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15m"`

	DispatchMode     DispatchMode  `env:"DISPATCH_MODE" envDefault:"local"`
	WorkerURLs       []string      `env:"WORKER_URLS" envSeparator:","`
	WorkersFile      string        `env:"WORKERS_FILE"`
	MaxConcurrency   int           `env:"MAX_CONCURRENCY" envDefault:"20"`
	MaxBatchSize     int           `env:"MAX_BATCH_SIZE" envDefault:"64"`
	WorkerCapacity   int           `env:"WORKER_CAPACITY" envDefault:"1"`
	InferenceTimeout time.Duration `env:"INFERENCE_TIMEOUT" envDefault:"5m"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"0s"`

	UploadMode    string `env:"UPLOAD_MODE" envDefault:"imgur"`
	ImgurClientId string `env:"IMGUR_CLIENT_ID"`
	ImgurURL      string `env:"IMGUR_URL" envDefault:"https://api.imgur.com"`
	UploadBucket  string `env:"UPLOAD_BUCKET" envDefault:"sdxl-grids"`
	UploadDir     string `env:"UPLOAD_DIR" envDefault:"./uploads"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	RabbitMQURL string `env:"RABBITMQ_URL"`

	RedisAddr string        `env:"REDIS_ADDR"`
	CacheTTL  time.Duration `env:"CACHE_TTL" envDefault:"24h"`

	// Used by the local dispatch mode, which loads a pipeline in process.
	Worker WorkerConfig
}

type WorkerConfig struct {
	S3Config

	WorkerPort string `env:"WORKER_PORT" envDefault:"8002"`

	PipelineBackend  string        `env:"PIPELINE_BACKEND" envDefault:"procedural"`
	BaseModel        string        `env:"BASE_MODEL" envDefault:"stabilityai/stable-diffusion-xl-base-1.0"`
	RefinerModel     string        `env:"REFINER_MODEL" envDefault:"stabilityai/stable-diffusion-xl-refiner-1.0"`
	ModelCacheDir    string        `env:"MODEL_CACHE_DIR" envDefault:"/root/cache"`
	ModelBucket      string        `env:"MODEL_BUCKET"`
	ImageSize        int           `env:"IMAGE_SIZE" envDefault:"1024"`
	WorkerCapacity   int           `env:"WORKER_CAPACITY" envDefault:"1"`
	InferenceTimeout time.Duration `env:"INFERENCE_TIMEOUT" envDefault:"5m"`

	ServeHTTP    bool   `env:"SERVE_HTTP" envDefault:"true"`
	ConsumeQueue bool   `env:"CONSUME_QUEUE" envDefault:"false"`
	RabbitMQURL  string `env:"RABBITMQ_URL"`

	OnnxRuntimeDylib string `env:"ONNX_RUNTIME_DYLIB"`
}

func (c WorkerConfig) Validate() error {
	if c.ImageSize <= 0 {
		return fmt.Errorf("IMAGE_SIZE must be positive, got %d", c.ImageSize)
	}
	if c.WorkerCapacity < 1 {
		return fmt.Errorf("WORKER_CAPACITY must be at least 1, got %d", c.WorkerCapacity)
	}
	if c.ConsumeQueue && c.RabbitMQURL == "" {
		return fmt.Errorf("RABBITMQ_URL is required when CONSUME_QUEUE is set")
	}
	if !c.ServeHTTP && !c.ConsumeQueue {
		return fmt.Errorf("worker must serve http or consume the queue")
	}
	return nil
}

func (c OrchestratorConfig) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("MAX_BATCH_SIZE must be at least 1, got %d", c.MaxBatchSize)
	}

	switch c.DispatchMode {
	case DispatchLocal:
		if err := c.Worker.Validate(); err != nil {
			return err
		}
	case DispatchHTTP:
		if len(c.WorkerURLs) == 0 && c.WorkersFile == "" {
			return fmt.Errorf("WORKER_URLS or WORKERS_FILE is required for http dispatch")
		}
	case DispatchAMQP:
		if c.RabbitMQURL == "" {
			return fmt.Errorf("RABBITMQ_URL is required for amqp dispatch")
		}
	default:
		return fmt.Errorf("invalid DISPATCH_MODE '%s'", c.DispatchMode)
	}

	return nil
}

func LoadOrchestratorConfig() (OrchestratorConfig, error) {
	var cfg OrchestratorConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, cfg.Validate()
}

func LoadWorkerConfig() (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, cfg.Validate()
}

type WorkerEntry struct {
	Url      string `yaml:"url"`
	Capacity int    `yaml:"capacity"`
}

type WorkersManifest struct {
	Workers []WorkerEntry `yaml:"workers"`
}

// LoadWorkersManifest reads a YAML list of inference workers:
//
//	workers:
//	  - url: http://gpu-0:8002
//	    capacity: 2
func LoadWorkersManifest(path string) (WorkersManifest, error) {
	var manifest WorkersManifest

	data, err := os.ReadFile(path)
	if err != nil {
		return manifest, fmt.Errorf("error reading workers file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("error parsing workers file %s: %w", path, err)
	}

	for i, w := range manifest.Workers {
		if strings.TrimSpace(w.Url) == "" {
			return manifest, fmt.Errorf("worker %d in %s has no url", i, path)
		}
	}

	return manifest, nil
}

// Endpoints merges WORKER_URLS, each with the default capacity, and the
// workers manifest.
func (c OrchestratorConfig) Endpoints() ([]WorkerEntry, error) {
	var entries []WorkerEntry
	for _, url := range c.WorkerURLs {
		if url = strings.TrimSpace(url); url != "" {
			entries = append(entries, WorkerEntry{Url: url, Capacity: c.WorkerCapacity})
		}
	}

	if c.WorkersFile != "" {
		manifest, err := LoadWorkersManifest(c.WorkersFile)
		if err != nil {
			return nil, err
		}
		for _, w := range manifest.Workers {
			if w.Capacity <= 0 {
				w.Capacity = c.WorkerCapacity
			}
			entries = append(entries, w)
		}
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("no inference workers configured")
	}
	return entries, nil
}
