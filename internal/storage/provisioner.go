package storage

import (
	"context"
	"diffuser-backend/internal/core/types"
	"diffuser-backend/internal/core/utils"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const maxProvisionedModels = 64

// Provisioner makes model weights available in a local cache directory,
// fetching them from an object store bucket on first use.
type Provisioner struct {
	store    ObjectStore
	bucket   string
	cacheDir string
	locks    *utils.MutexMap
}

// NewProvisioner returns a provisioner over cacheDir. A nil store or empty
// bucket means the cache must already be populated.
func NewProvisioner(store ObjectStore, bucket, cacheDir string) *Provisioner {
	return &Provisioner{
		store:    store,
		bucket:   bucket,
		cacheDir: cacheDir,
		locks:    utils.NewMutexMap(maxProvisionedModels),
	}
}

// ModelDir is the cache directory of a model id such as
// stabilityai/stable-diffusion-xl-base-1.0.
func (p *Provisioner) ModelDir(modelId string) string {
	return filepath.Join(p.cacheDir, filepath.FromSlash(modelId))
}

func cached(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// Ensure fetches every missing model concurrently and returns their cache
// directories in the order of modelIds. Any failure is ErrLoadFailed.
func (p *Provisioner) Ensure(ctx context.Context, modelIds ...string) ([]string, error) {
	dirs := make([]string, len(modelIds))

	g, ctx := errgroup.WithContext(ctx)
	for i, modelId := range modelIds {
		dirs[i] = p.ModelDir(modelId)
		g.Go(func() error {
			return p.ensure(ctx, modelId, dirs[i])
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrLoadFailed, err)
	}
	return dirs, nil
}

func (p *Provisioner) ensure(ctx context.Context, modelId, dir string) error {
	if strings.TrimSpace(modelId) == "" {
		return fmt.Errorf("empty model id")
	}

	if err := p.locks.Lock(ctx, modelId); err != nil {
		return fmt.Errorf("error locking model %s: %w", modelId, err)
	}
	defer func() {
		if err := p.locks.Unlock(modelId); err != nil {
			slog.Error("error unlocking model", "model", modelId, "error", err)
		}
	}()

	if cached(dir) {
		slog.Info("using cached model", "model", modelId, "dir", dir)
		return nil
	}

	if p.store == nil || p.bucket == "" {
		return fmt.Errorf("model %s is not in cache %s and no model bucket is configured", modelId, p.cacheDir)
	}

	slog.Info("downloading model", "model", modelId, "bucket", p.bucket, "dir", dir)
	start := time.Now()

	if err := p.store.DownloadDir(ctx, p.bucket, modelId, dir, true); err != nil {
		return fmt.Errorf("error downloading model %s: %w", modelId, err)
	}

	slog.Info("model downloaded", "model", modelId, "duration", time.Since(start))
	return nil
}

// Push uploads the cached directories of modelIds to the model bucket, keyed
// by model id, so that workers without a local copy can fetch them.
func (p *Provisioner) Push(ctx context.Context, modelIds ...string) error {
	if p.store == nil || p.bucket == "" {
		return fmt.Errorf("no model bucket is configured")
	}

	if err := p.store.CreateBucket(ctx, p.bucket); err != nil {
		return fmt.Errorf("error creating model bucket %s: %w", p.bucket, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, modelId := range modelIds {
		g.Go(func() error {
			if strings.TrimSpace(modelId) == "" {
				return fmt.Errorf("empty model id")
			}

			dir := p.ModelDir(modelId)
			if !cached(dir) {
				return fmt.Errorf("model %s is not in cache %s", modelId, p.cacheDir)
			}

			slog.Info("uploading model", "model", modelId, "bucket", p.bucket, "dir", dir)
			start := time.Now()

			if err := p.store.UploadDir(ctx, p.bucket, modelId, dir); err != nil {
				return fmt.Errorf("error uploading model %s: %w", modelId, err)
			}

			slog.Info("model uploaded", "model", modelId, "duration", time.Since(start))
			return nil
		})
	}

	return g.Wait()
}
