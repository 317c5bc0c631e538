package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nicktill/tinyrollup/pkg/metrics"
)

func TestHTTPTransport_Send_Success(t *testing.T) {
	var received struct {
		Metrics []metrics.Metric `json:"metrics"`
	}
	var receivedAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %v, want POST", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %v, want application/json", r.Header.Get("Content-Type"))
		}
		receivedAuth = r.Header.Get("Authorization")

		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to parse JSON: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"partial","accepted":1,"late":1}`))
	}))
	defer server.Close()

	transport := NewHTTP(server.URL, "test-api-key")
	now := time.Now()
	res, err := transport.Send(context.Background(), []metrics.Metric{
		{Name: "http_latency", Value: 42, Timestamp: now, Labels: map[string]string{"service": "api"}},
		{Name: "http_latency", Value: 7, Timestamp: now.Add(-time.Hour)},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(received.Metrics) != 2 {
		t.Fatalf("received %d samples, want 2", len(received.Metrics))
	}
	if received.Metrics[0].Labels["service"] != "api" {
		t.Errorf("labels = %v", received.Metrics[0].Labels)
	}
	if receivedAuth != "Bearer test-api-key" {
		t.Errorf("Authorization = %v, want Bearer test-api-key", receivedAuth)
	}
	if res.Accepted != 1 || res.Rejected() != 1 || res.Status != "partial" {
		t.Errorf("result = %+v", res)
	}
}

func TestHTTPTransport_Send_Empty(t *testing.T) {
	transport := NewHTTP("http://127.0.0.1:1/v1/ingest", "")
	for _, samples := range [][]metrics.Metric{nil, {}} {
		res, err := transport.Send(context.Background(), samples)
		if err != nil {
			t.Errorf("Send() with no samples should not error, got: %v", err)
		}
		if res.Accepted != 0 {
			t.Errorf("Accepted = %d, want 0", res.Accepted)
		}
	}
}

func TestHTTPTransport_DefaultEndpoint(t *testing.T) {
	if got := NewHTTP("", "").endpoint; got != DefaultEndpoint {
		t.Errorf("endpoint = %q, want %q", got, DefaultEndpoint)
	}
}

func TestHTTPTransport_Send_HTTPErrors(t *testing.T) {
	tests := []struct {
		name        string
		statusCode  int
		expectError bool
	}{
		{"200 OK", http.StatusOK, false},
		{"400 Bad Request", http.StatusBadRequest, true},
		{"413 Request Entity Too Large", http.StatusRequestEntityTooLarge, true},
		{"503 Service Unavailable", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(`{"status":"success","accepted":1}`))
			}))
			defer server.Close()

			_, err := NewHTTP(server.URL, "").Send(context.Background(), []metrics.Metric{
				{Name: "cpu", Value: 1, Timestamp: time.Now()},
			})
			if (err != nil) != tt.expectError {
				t.Fatalf("Send() error = %v, expectError %v", err, tt.expectError)
			}
			if err != nil && !strings.Contains(err.Error(), "status") {
				t.Errorf("error %q should mention the status", err)
			}
		})
	}
}

func TestHTTPTransport_Send_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewHTTP(server.URL, "").Send(ctx, []metrics.Metric{{Name: "cpu", Value: 1, Timestamp: time.Now()}})
	if err == nil {
		t.Fatal("Send() should fail when the context expires")
	}
}
