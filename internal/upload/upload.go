package upload

import (
	"bytes"
	"context"
	"diffuser-backend/internal/core/types"
	"diffuser-backend/internal/storage"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

type Mode string

const (
	Imgur Mode = "imgur"
	S3    Mode = "s3"
	Local Mode = "local"
	None  Mode = "none"
)

const DefaultImgurURL = "https://api.imgur.com"

// ImgurUploader posts images anonymously to the imgur image API.
type ImgurUploader struct {
	client *resty.Client
}

func NewImgurUploader(baseURL, clientId string) (*ImgurUploader, error) {
	if clientId == "" {
		return nil, fmt.Errorf("imgur client id is required")
	}
	if baseURL == "" {
		baseURL = DefaultImgurURL
	}

	return &ImgurUploader{
		client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Authorization", "Client-ID "+clientId).
			SetTimeout(time.Minute),
	}, nil
}

type imgurResponse struct {
	Data struct {
		Link  string `json:"link"`
		Error any    `json:"error"`
	} `json:"data"`
	Success bool `json:"success"`
	Status  int  `json:"status"`
}

func (u *ImgurUploader) Upload(ctx context.Context, image []byte) (string, error) {
	res, err := u.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"image": base64.StdEncoding.EncodeToString(image),
			"type":  "base64",
		}).
		Post("/3/image")

	if err != nil {
		slog.Error("unable to upload image to imgur", "error", err)
		return "", fmt.Errorf("%w: error calling imgur: %w", types.ErrUploadFailed, err)
	}

	if !res.IsSuccess() {
		slog.Error("imgur returned error", "status_code", res.StatusCode(), "body", res.String())
		return "", fmt.Errorf("%w: imgur returned status %d", types.ErrUploadFailed, res.StatusCode())
	}

	var parsed imgurResponse
	if err := json.Unmarshal(res.Body(), &parsed); err != nil {
		slog.Error("error parsing response from imgur", "error", err)
		return "", fmt.Errorf("%w: error parsing imgur response: %w", types.ErrUploadFailed, err)
	}

	if !parsed.Success || parsed.Data.Link == "" {
		return "", fmt.Errorf("%w: imgur upload unsuccessful: %v", types.ErrUploadFailed, parsed.Data.Error)
	}

	slog.Info("uploaded grid to imgur", "url", parsed.Data.Link)
	return parsed.Data.Link, nil
}

// ObjectStoreUploader puts images into a bucket under grids/<uuid>.png.
type ObjectStoreUploader struct {
	store         storage.ObjectStore
	bucket        string
	publicBaseURL string
}

// NewObjectStoreUploader returns an uploader into bucket. When publicBaseURL is
// set returned URLs are publicBaseURL/<key>, otherwise the store's own URL.
func NewObjectStoreUploader(store storage.ObjectStore, bucket, publicBaseURL string) *ObjectStoreUploader {
	return &ObjectStoreUploader{store: store, bucket: bucket, publicBaseURL: publicBaseURL}
}

func (u *ObjectStoreUploader) Upload(ctx context.Context, image []byte) (string, error) {
	key := fmt.Sprintf("grids/%s.png", uuid.New())

	if err := u.store.PutObject(ctx, u.bucket, key, bytes.NewReader(image), "image/png"); err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrUploadFailed, err)
	}

	if u.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s", strings.TrimRight(u.publicBaseURL, "/"), key), nil
	}
	return u.store.ObjectURL(u.bucket, key), nil
}
