// Package client pushes raw samples to a tinyrollup server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nicktill/tinyrollup/pkg/metrics"
)

// DefaultEndpoint is the JSON ingest endpoint of a local server.
const DefaultEndpoint = "http://localhost:8080/v1/ingest"

// Transport sends samples to the server.
type Transport interface {
	Send(ctx context.Context, samples []metrics.Metric) (*Result, error)
}

// Result is the server's per-request ingest summary.
type Result struct {
	Status      string `json:"status"`
	Accepted    int    `json:"accepted"`
	Malformed   int    `json:"malformed,omitempty"`
	Expired     int    `json:"expired,omitempty"`
	Cardinality int    `json:"cardinality,omitempty"`
	Late        int    `json:"late,omitempty"`
	Closed      int    `json:"closed,omitempty"`
}

// Rejected returns the number of samples the server did not accept.
func (r *Result) Rejected() int {
	return r.Malformed + r.Expired + r.Cardinality + r.Late + r.Closed
}

// HTTPTransport implements Transport using HTTP
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTP creates a new HTTP transport
func NewHTTP(endpoint, apiKey string) *HTTPTransport {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &HTTPTransport{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts samples to the ingest endpoint. Partial acceptance is not an
// error; inspect the Result.
func (t *HTTPTransport) Send(ctx context.Context, samples []metrics.Metric) (*Result, error) {
	if len(samples) == 0 {
		return &Result{Status: "success"}, nil
	}

	body, err := json.Marshal(map[string]interface{}{"metrics": samples})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal samples: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &res, nil
}
