package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrollup/pkg/config"
	"github.com/nicktill/tinyrollup/pkg/ingest"
	"github.com/nicktill/tinyrollup/pkg/metrics"
	"github.com/nicktill/tinyrollup/pkg/rules"
	"github.com/nicktill/tinyrollup/pkg/sink"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *mux.Router) {
	t.Helper()

	cfg := config.Default()
	cfg.Rollup.Intervals = []string{"1m"}
	if mutate != nil {
		mutate(cfg)
	}

	s, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	router := mux.NewRouter()
	SetupRoutes(router, s)
	return s, router
}

func do(t *testing.T, router http.Handler, method, target, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v), w.Body.String())
}

// flushAll closes every window open at now.
func flushAll(s *Server, now time.Time) int {
	s.Scheduler.now = func() time.Time { return now.Add(2 * time.Minute) }
	return s.Scheduler.flush()
}

func TestHandleIngest(t *testing.T) {
	s, router := newTestServer(t, nil)
	ws := windowStart(time.Now())

	body, err := json.Marshal(IngestRequest{Metrics: []metrics.Metric{
		{Name: "cpu_usage", Value: 75.5, Labels: map[string]string{"host": "server1"}, Timestamp: ws.Add(time.Second)},
		{Name: "cpu_usage", Value: 82.1, Labels: map[string]string{"host": "server2"}, Timestamp: ws.Add(2 * time.Second)},
		{Name: "", Value: 1, Timestamp: ws.Add(time.Second)},
		{Name: "cpu_usage", Value: 1, Timestamp: ws.Add(-30 * 24 * time.Hour)},
	}})
	require.NoError(t, err)

	w := do(t, router, "POST", "/v1/ingest", "application/json", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp IngestResponse
	decode(t, w, &resp)
	assert.Equal(t, "partial", resp.Status)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Malformed)
	assert.Equal(t, 1, resp.Expired)

	assert.Equal(t, uint64(2), s.Engine.Stats().Snapshot().PointsIngested)
}

func TestHandleIngest_InvalidJSON(t *testing.T) {
	_, router := newTestServer(t, nil)

	w := do(t, router, "POST", "/v1/ingest", "application/json", []byte(`{"metrics": [`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleIngest_TooManyMetrics(t *testing.T) {
	_, router := newTestServer(t, nil)

	req := IngestRequest{Metrics: make([]metrics.Metric, ingest.MaxMetricsPerRequest+1)}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	w := do(t, router, "POST", "/v1/ingest", "application/json", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "too many metrics")
}

func TestHandleIngest_AfterShutdown(t *testing.T) {
	s, router := newTestServer(t, nil)
	require.NoError(t, s.Scheduler.Stop(context.Background()))

	body, err := json.Marshal(IngestRequest{Metrics: []metrics.Metric{
		{Name: "cpu", Value: 1, Timestamp: time.Now()},
	}})
	require.NoError(t, err)

	w := do(t, router, "POST", "/v1/ingest", "application/json", body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleIngestLine_AndQueryRollups(t *testing.T) {
	s, router := newTestServer(t, nil)
	ws := windowStart(time.Now())

	ts := ws.Add(time.Second).UnixNano()
	lines := strings.Join([]string{
		fmt.Sprintf("cpu,host=a value=1 %d", ts),
		fmt.Sprintf("cpu,host=a value=3 %d", ts+int64(time.Second)),
		"garbage",
		"",
	}, "\n")

	w := do(t, router, "POST", "/v1/ingest/line", "text/plain", []byte(lines))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp IngestResponse
	decode(t, w, &resp)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Malformed)
	assert.Equal(t, uint64(1), s.Engine.Stats().Snapshot().Malformed)

	assert.Equal(t, len(config.DefaultAggregations), flushAll(s, ws))

	target := fmt.Sprintf("/v1/rollups?name=cpu&interval=1m&label=host=a&start=%d&end=%d",
		ws.Unix(), ws.Add(5*time.Minute).Unix())

	var rollups RollupsResponse
	require.Eventually(t, func() bool {
		w := do(t, router, "GET", target, "", nil)
		if w.Code != http.StatusOK {
			return false
		}
		rollups = RollupsResponse{}
		decode(t, w, &rollups)
		return rollups.Count == len(config.DefaultAggregations)
	}, 2*time.Second, 10*time.Millisecond)

	byAgg := make(map[rules.AggKind]float64)
	for _, r := range rollups.Records {
		assert.Equal(t, "cpu", r.Metric)
		assert.True(t, ws.Add(time.Minute).Equal(r.Timestamp))
		byAgg[r.Aggregation] = r.Value
	}
	assert.Equal(t, 2.0, byAgg[rules.Avg])
	assert.Equal(t, 4.0, byAgg[rules.Sum])
	assert.Equal(t, 2.0, byAgg[rules.Count])
	assert.Equal(t, 1.0, byAgg[rules.Min])
	assert.Equal(t, 3.0, byAgg[rules.Max])

	// the rollup name matches too
	w = do(t, router, "GET", fmt.Sprintf("/v1/rollups?name=cpu_p99_1m&start=%d&end=%d",
		ws.Unix(), ws.Add(5*time.Minute).Unix()), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rollups = RollupsResponse{}
	decode(t, w, &rollups)
	require.Equal(t, 1, rollups.Count)
	assert.Equal(t, 3.0, rollups.Records[0].Value)
}

func TestHandleIngestLine_OverlongLine(t *testing.T) {
	s, router := newTestServer(t, nil)
	ts := time.Now().UnixNano()

	lines := strings.Join([]string{
		fmt.Sprintf("cpu value=1 %d", ts),
		fmt.Sprintf("mem,host=%s value=2 %d", strings.Repeat("x", 70*1024), ts),
		fmt.Sprintf("disk value=3 %d", ts),
	}, "\n")

	w := do(t, router, "POST", "/v1/ingest/line", "text/plain", []byte(lines))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp IngestResponse
	decode(t, w, &resp)
	assert.Equal(t, "partial", resp.Status)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Malformed)
	assert.Equal(t, uint64(1), s.Engine.Stats().Snapshot().Malformed)
}

func TestHandleRollups_BadParams(t *testing.T) {
	_, router := newTestServer(t, nil)

	tests := []struct {
		name   string
		target string
	}{
		{"bad start", "/v1/rollups?start=yesterday"},
		{"end before start", "/v1/rollups?start=2000&end=1000"},
		{"bad limit", "/v1/rollups?limit=0"},
		{"bad label", "/v1/rollups?label=host"},
		{"bad format", "/v1/rollups?format=xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "GET", tt.target, "", nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestHandleRollups_StorageDisabled(t *testing.T) {
	_, router := newTestServer(t, func(cfg *config.Config) {
		cfg.Storage.Backend = "none"
	})

	w := do(t, router, "GET", "/v1/rollups", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlePolicy(t *testing.T) {
	s, router := newTestServer(t, nil)

	body := []byte(`{"rules":[{"match":"http_*","aggregations":["count","p95"],"intervals":["1m"],"retention":{"1m":"7d"}}]}`)
	w := do(t, router, "PUT", "/v1/policy", "application/json", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	policy := s.Engine.Policy()
	require.Len(t, policy, 1)
	assert.Equal(t, "http_*", policy[0].Pattern)
	assert.Equal(t, []rules.AggKind{rules.Count, rules.P95}, policy[0].Aggregations)
	assert.Equal(t, 7*24*time.Hour, policy[0].Retention["1m"])

	w = do(t, router, "GET", "/v1/policy", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got PolicyRequest
	decode(t, w, &got)
	require.Len(t, got.Rules, 1)
	assert.Equal(t, []string{"count", "p95"}, got.Rules[0].Aggregations)
}

func TestHandlePolicy_YAML(t *testing.T) {
	s, router := newTestServer(t, nil)

	body := []byte(`
rules:
  - match: "db_*"
    aggregations: [max]
    intervals: [1m]
`)
	w := do(t, router, "PUT", "/v1/policy", "application/yaml", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	policy := s.Engine.Policy()
	require.Len(t, policy, 1)
	assert.Equal(t, "db_*", policy[0].Pattern)
}

func TestHandlePolicy_Invalid(t *testing.T) {
	_, router := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"rules":`},
		{"unknown aggregation", `{"rules":[{"match":"x","aggregations":["median"],"intervals":["1m"]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "PUT", "/v1/policy", "application/json", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestHandleStats(t *testing.T) {
	s, router := newTestServer(t, nil)
	s.Engine.Ingest([]metrics.Metric{{Name: "cpu", Value: 1, Timestamp: time.Now()}})

	w := do(t, router, "GET", "/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatsResponse
	decode(t, w, &resp)
	assert.Equal(t, uint64(1), resp.Totals.PointsIngested)
	assert.Equal(t, uint64(1), resp.Current.Counts.PointsIngested)
	require.Len(t, resp.Windows, 1)
	assert.Equal(t, "1m", resp.Windows[0].Interval)
	assert.Equal(t, 1, resp.Windows[0].Series)
	assert.Equal(t, []string{"storage", "websocket"}, resp.Sinks)
	require.NotNil(t, resp.Storage)
}

func TestHandleCardinality(t *testing.T) {
	s, router := newTestServer(t, nil)
	now := time.Now()
	s.Engine.Ingest([]metrics.Metric{
		{Name: "cpu", Value: 1, Labels: map[string]string{"host": "a"}, Timestamp: now},
		{Name: "cpu", Value: 1, Labels: map[string]string{"host": "b"}, Timestamp: now},
	})

	w := do(t, router, "GET", "/v1/cardinality", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats ingest.CardinalityStats
	decode(t, w, &stats)
	assert.Equal(t, 2, stats.TotalSeries)
	assert.Equal(t, "cpu", stats.MaxSeriesMetric)
}

func TestHandleHealth(t *testing.T) {
	s, router := newTestServer(t, nil)

	w := do(t, router, "GET", "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Sinks, 2)
	assert.Nil(t, resp.Disk)

	for i := 0; i < 4; i++ {
		s.Monitor.RecordFailure("storage", errors.New("disk full"))
	}

	w = do(t, router, "GET", "/v1/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp = HealthResponse{}
	decode(t, w, &resp)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "disk full", resp.Sinks[0].LastError)
}

func TestHandleHealth_BadgerDisk(t *testing.T) {
	dir := t.TempDir()
	_, router := newTestServer(t, func(cfg *config.Config) {
		cfg.Storage.Backend = "badger"
		cfg.Storage.Path = dir
	})

	w := do(t, router, "GET", "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	decode(t, w, &resp)
	require.NotNil(t, resp.Disk)
	assert.Equal(t, dir, resp.Disk.Path)
	assert.Greater(t, resp.Disk.UsedBytes, int64(0))
}

func TestPrometheusEndpoint(t *testing.T) {
	s, router := newTestServer(t, nil)
	s.Engine.Ingest([]metrics.Metric{{Name: "cpu", Value: 1, Timestamp: time.Now()}})

	w := do(t, router, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tinyrollup_points_ingested_total 1")
	assert.Contains(t, w.Body.String(), "tinyrollup_tracked_series 1")
}

func TestCORS(t *testing.T) {
	_, router := newTestServer(t, nil)

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"http://localhost:8080", true},
		{"http://127.0.0.1:3000", true},
		{"http://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/health", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			got := w.Header().Get("Access-Control-Allow-Origin")
			if tt.allowed {
				assert.Equal(t, tt.origin, got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestStream(t *testing.T) {
	s, router := newTestServer(t, nil)
	s.Start()

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, s.Hub.HasClients, 2*time.Second, 10*time.Millisecond)

	ws := windowStart(time.Now())
	s.Engine.Ingest([]metrics.Metric{{Name: "cpu", Value: 5, Timestamp: ws.Add(time.Second)}})
	flushAll(s, ws)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg sink.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "rollup_batch", msg.Type)
	assert.Equal(t, "1m", msg.Interval)
	assert.Equal(t, ws.Add(time.Minute).Unix(), msg.WindowEnd)
	assert.Len(t, msg.Records, len(config.DefaultAggregations))
}
