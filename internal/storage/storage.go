// Package storage wraps the S3-compatible object store used for temporary
// input staging and permanent output archival.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/scanforge/scanforge-server/internal/config"
	log "github.com/sirupsen/logrus"
)

// stagingExpiry bounds how long a staged input stays fetchable. The temp
// bucket carries a matching lifecycle rule so orphans expire server-side.
const stagingExpiry = time.Hour

// downloadTimeout bounds one provider-output download.
const downloadTimeout = 10 * time.Minute

// Client talks to the object store.
type Client struct {
	mc            *minio.Client
	bucket        string
	tempBucket    string
	publicBaseURL string
	httpClient    *http.Client
}

// New constructs a storage client from config.
func New(cfg config.StorageConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("storage: endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("storage: bucket is required")
	}

	mc, errNew := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if errNew != nil {
		return nil, fmt.Errorf("storage: init client: %w", errNew)
	}

	tempBucket := strings.TrimSpace(cfg.TempBucket)
	if tempBucket == "" {
		tempBucket = cfg.Bucket
	}
	return &Client{
		mc:            mc,
		bucket:        cfg.Bucket,
		tempBucket:    tempBucket,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		httpClient:    &http.Client{Timeout: downloadTimeout},
	}, nil
}

// StageTemp uploads inline client input to the temp bucket and returns a
// time-limited URL the provider can fetch it from. The returned cleanup is
// best-effort; a failed removal is logged, never surfaced.
func (c *Client) StageTemp(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, func(), error) {
	key := "staging/" + uuid.NewString() + "-" + sanitizeObjectName(name)

	_, errPut := c.mc.PutObject(ctx, c.tempBucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if errPut != nil {
		return "", nil, fmt.Errorf("storage: stage input: %w", errPut)
	}

	presigned, errSign := c.mc.PresignedGetObject(ctx, c.tempBucket, key, stagingExpiry, url.Values{})
	if errSign != nil {
		return "", nil, fmt.Errorf("storage: presign staged input: %w", errSign)
	}

	cleanup := func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if errRemove := c.mc.RemoveObject(rmCtx, c.tempBucket, key, minio.RemoveObjectOptions{}); errRemove != nil {
			log.WithError(errRemove).Warnf("storage: remove staged input failed (key=%s)", key)
		}
	}
	return presigned.String(), cleanup, nil
}

// StoreFromURL stream-copies the object at srcURL into permanent storage
// under key and returns the stored location.
func (c *Client) StoreFromURL(ctx context.Context, key, srcURL string) (string, error) {
	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if errReq != nil {
		return "", fmt.Errorf("storage: build download request: %w", errReq)
	}
	resp, errGet := c.httpClient.Do(req)
	if errGet != nil {
		return "", fmt.Errorf("storage: download output: %w", errGet)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("storage: close download body error: %v", errClose)
		}
	}()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("storage: download output status=%d", resp.StatusCode)
	}

	size := resp.ContentLength
	if size <= 0 {
		size = -1
	}
	_, errPut := c.mc.PutObject(ctx, c.bucket, key, resp.Body, size, minio.PutObjectOptions{
		ContentType: resp.Header.Get("Content-Type"),
	})
	if errPut != nil {
		return "", fmt.Errorf("storage: store output: %w", errPut)
	}
	return c.bucket + "/" + key, nil
}

// ViewerURL returns the durable public URL for a stored object key.
func (c *Client) ViewerURL(key string) string {
	if c.publicBaseURL == "" {
		return "/" + c.bucket + "/" + key
	}
	return c.publicBaseURL + "/" + key
}

// sanitizeObjectName strips path separators and whitespace from a
// client-supplied file name.
func sanitizeObjectName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" {
		return "input"
	}
	return name
}
