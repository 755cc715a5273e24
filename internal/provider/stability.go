package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/scanforge/scanforge-server/internal/config"
)

// stabilityTimeout bounds one synchronous generation call. Stability holds
// the connection open until the mesh is ready, so this is generous.
const stabilityTimeout = 5 * time.Minute

// StabilityClient talks to the stability text-to-mesh API. The API answers
// synchronously: one request blocks until the asset is ready.
type StabilityClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewStabilityClient constructs a stability client from provider config.
func NewStabilityClient(cfg config.ProviderConfig) *StabilityClient {
	return &StabilityClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: stabilityTimeout},
	}
}

type stabilityGenerateRequest struct {
	Prompt   string `json:"prompt"`
	InputURL string `json:"input_url,omitempty"`
}

type stabilityGenerateResponse struct {
	OutputURL string `json:"output_url"`
	Format    string `json:"format"`
}

// GenerateMesh runs one synchronous text-to-mesh generation. inputURL is
// optional reference imagery staged ahead of the call.
func (c *StabilityClient) GenerateMesh(ctx context.Context, prompt, inputURL string) (*MeshResult, error) {
	payload := stabilityGenerateRequest{Prompt: prompt, InputURL: inputURL}
	var resp stabilityGenerateResponse
	errDo := doJSON(ctx, c.client, "stability", http.MethodPost, joinURL(c.baseURL, "/v1/generation/mesh"), c.apiKey, payload, &resp)
	if errDo != nil {
		return nil, errDo
	}
	if strings.TrimSpace(resp.OutputURL) == "" {
		return nil, fmt.Errorf("stability: response missing output_url")
	}
	return &MeshResult{OutputURL: resp.OutputURL, Format: resp.Format}, nil
}
