package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/scanforge/scanforge-server/internal/config"
	log "github.com/sirupsen/logrus"
)

const (
	meshyRequestTimeout   = 30 * time.Second
	meshyPollInterval     = 2 * time.Second
	meshyMaxPollAttempts  = 120
	meshyStatusSucceeded  = "SUCCEEDED"
	meshyStatusFailed     = "FAILED"
	meshyStatusInProgress = "IN_PROGRESS"
)

// MeshyClient talks to the meshy image-to-3D API. Meshy queues tasks; the
// caller polls until the task settles.
type MeshyClient struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	pollInterval time.Duration
	maxAttempts  int
}

// NewMeshyClient constructs a meshy client from provider config.
func NewMeshyClient(cfg config.ProviderConfig) *MeshyClient {
	return &MeshyClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		client:       &http.Client{Timeout: meshyRequestTimeout},
		pollInterval: meshyPollInterval,
		maxAttempts:  meshyMaxPollAttempts,
	}
}

type meshyCreateRequest struct {
	ImageURL string `json:"image_url"`
}

type meshyCreateResponse struct {
	Result string `json:"result"`
}

// MeshyTask is one polled task snapshot.
type MeshyTask struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ModelURL  string `json:"model_url"`
	Format    string `json:"format"`
	TaskError struct {
		Message string `json:"message"`
	} `json:"task_error"`
}

// CreateTask submits one image-to-3D task and returns the task id.
func (c *MeshyClient) CreateTask(ctx context.Context, imageURL string) (string, error) {
	var resp meshyCreateResponse
	errDo := doJSON(ctx, c.client, "meshy", http.MethodPost, joinURL(c.baseURL, "/openapi/v1/image-to-3d"), c.apiKey, meshyCreateRequest{ImageURL: imageURL}, &resp)
	if errDo != nil {
		return "", errDo
	}
	if strings.TrimSpace(resp.Result) == "" {
		return "", fmt.Errorf("meshy: response missing task id")
	}
	return resp.Result, nil
}

// GetTask fetches one task snapshot.
func (c *MeshyClient) GetTask(ctx context.Context, taskID string) (*MeshyTask, error) {
	var task MeshyTask
	errDo := doJSON(ctx, c.client, "meshy", http.MethodGet, joinURL(c.baseURL, "/openapi/v1/image-to-3d/"+taskID), c.apiKey, nil, &task)
	if errDo != nil {
		return nil, errDo
	}
	return &task, nil
}

// WaitForTask polls the task until it settles or the attempt limit is
// reached. Transient transport failures do not abort the wait; the next tick
// retries.
func (c *MeshyClient) WaitForTask(ctx context.Context, taskID string) (*MeshResult, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		task, errGet := c.GetTask(ctx, taskID)
		if errGet != nil {
			log.WithError(errGet).Warnf("meshy: poll attempt %d failed (task=%s)", attempt, taskID)
			continue
		}

		switch task.Status {
		case meshyStatusSucceeded:
			if strings.TrimSpace(task.ModelURL) == "" {
				return nil, fmt.Errorf("meshy: task %s succeeded without model_url", taskID)
			}
			return &MeshResult{OutputURL: task.ModelURL, Format: task.Format}, nil
		case meshyStatusFailed:
			msg := task.TaskError.Message
			if msg == "" {
				msg = "task failed"
			}
			return nil, fmt.Errorf("meshy: task %s failed: %s", taskID, msg)
		default:
			// pending or in progress, keep polling
		}
	}
	return nil, fmt.Errorf("meshy: task %s did not settle within %d attempts", taskID, c.maxAttempts)
}
