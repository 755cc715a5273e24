// Package provider implements the clients for the external generation
// services. Each provider follows a different completion model: stability
// answers synchronously, meshy is polled, and luma reports back over a
// webhook after an upload session.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// RequestError is returned when a provider answers with a non-success
// status. The upstream body is kept for diagnostics but truncated so a
// misbehaving provider cannot flood the logs.
type RequestError struct {
	Provider string
	Status   int
	Body     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s request failed: status=%d body=%s", e.Provider, e.Status, e.Body)
}

// StatusCode reports the upstream HTTP status.
func (e *RequestError) StatusCode() int { return e.Status }

const maxErrorBodyBytes = 2048

// MeshResult is one finished generation output.
type MeshResult struct {
	OutputURL string // where the produced asset can be downloaded from
	Format    string // asset format reported by the provider, e.g. "glb"
}

// doJSON issues one JSON request against a provider endpoint and decodes a
// success response into out. A non-2xx answer becomes a *RequestError.
func doJSON(ctx context.Context, client *http.Client, providerName, method, rawURL, apiKey string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, errMarshal := json.Marshal(payload)
		if errMarshal != nil {
			return fmt.Errorf("%s: encode request: %w", providerName, errMarshal)
		}
		body = bytes.NewReader(encoded)
	}

	req, errReq := http.NewRequestWithContext(ctx, method, rawURL, body)
	if errReq != nil {
		return fmt.Errorf("%s: build request: %w", providerName, errReq)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, errDo := client.Do(req)
	if errDo != nil {
		return fmt.Errorf("%s: request failed: %w", providerName, errDo)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("%s: close response body error: %v", providerName, errClose)
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &RequestError{
			Provider: providerName,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(raw)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if errDecode := json.NewDecoder(resp.Body).Decode(out); errDecode != nil {
		return fmt.Errorf("%s: decode response: %w", providerName, errDecode)
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
