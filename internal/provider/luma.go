package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/scanforge/scanforge-server/internal/config"
)

const lumaRequestTimeout = 30 * time.Second

// LumaClient talks to the luma capture API. A capture runs as an upload
// session: create it, upload the scan parts to the returned URLs, trigger
// processing, then wait for the completion webhook.
type LumaClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewLumaClient constructs a luma client from provider config.
func NewLumaClient(cfg config.ProviderConfig) *LumaClient {
	return &LumaClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: lumaRequestTimeout},
	}
}

// PartUpload is one presigned part slot of an upload session.
type PartUpload struct {
	PartNumber int    `json:"part_number"`
	URL        string `json:"url"`
}

// CaptureSession is a freshly created capture with its upload slots.
type CaptureSession struct {
	ExternalID string       `json:"id"`
	UploadURLs []PartUpload `json:"upload_urls"`
}

// CaptureStatus is one capture snapshot, used as the fallback when the
// completion webhook never arrives.
type CaptureStatus struct {
	ExternalID string `json:"id"`
	Status     string `json:"status"`
	OutputURL  string `json:"output_url"`
	Error      string `json:"error"`
}

// Capture status values reported by luma.
const (
	LumaStatusUploading = "uploading"
	LumaStatusRunning   = "running"
	LumaStatusComplete  = "complete"
	LumaStatusFailed    = "failed"
)

type lumaCreateRequest struct {
	Title string `json:"title"`
	Kind  string `json:"capture_type"`
	Parts int    `json:"part_count"`
}

// CreateCapture opens one upload session of parts presigned slots.
func (c *LumaClient) CreateCapture(ctx context.Context, title, kind string, parts int) (*CaptureSession, error) {
	payload := lumaCreateRequest{Title: title, Kind: kind, Parts: parts}
	var session CaptureSession
	errDo := doJSON(ctx, c.client, "luma", http.MethodPost, joinURL(c.baseURL, "/v1/captures"), c.apiKey, payload, &session)
	if errDo != nil {
		return nil, errDo
	}
	if strings.TrimSpace(session.ExternalID) == "" {
		return nil, fmt.Errorf("luma: response missing capture id")
	}
	if len(session.UploadURLs) == 0 {
		return nil, fmt.Errorf("luma: capture %s has no upload slots", session.ExternalID)
	}
	return &session, nil
}

// TriggerCapture marks the upload finished and starts processing.
func (c *LumaClient) TriggerCapture(ctx context.Context, externalID string) error {
	return doJSON(ctx, c.client, "luma", http.MethodPost, joinURL(c.baseURL, "/v1/captures/"+externalID+"/trigger"), c.apiKey, nil, nil)
}

// GetCapture fetches one capture snapshot.
func (c *LumaClient) GetCapture(ctx context.Context, externalID string) (*CaptureStatus, error) {
	var status CaptureStatus
	errDo := doJSON(ctx, c.client, "luma", http.MethodGet, joinURL(c.baseURL, "/v1/captures/"+externalID), c.apiKey, nil, &status)
	if errDo != nil {
		return nil, errDo
	}
	return &status, nil
}
