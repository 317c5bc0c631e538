package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tinyrollup/pkg/config"
	"github.com/nicktill/tinyrollup/pkg/httpx"
	"github.com/nicktill/tinyrollup/pkg/ingest"
	"github.com/nicktill/tinyrollup/pkg/metrics"
	"github.com/nicktill/tinyrollup/pkg/observability"
	"github.com/nicktill/tinyrollup/pkg/rollup"
	"github.com/nicktill/tinyrollup/pkg/rules"
	"github.com/nicktill/tinyrollup/pkg/server/monitor"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

const (
	defaultQueryWindow = 1 * time.Hour
	maxQueryWindow     = 400 * 24 * time.Hour
	defaultQueryLimit  = 1000
	maxQueryLimit      = 10000
)

// Version is reported by the health endpoint.
var Version = "dev"

// IngestRequest is the JSON ingest payload.
type IngestRequest struct {
	Metrics []metrics.Metric `json:"metrics"`
}

// IngestResponse reports what happened to each sample of a request.
type IngestResponse struct {
	Status string `json:"status"`
	rollup.IngestResult
}

func respondIngest(w http.ResponseWriter, res rollup.IngestResult) {
	status := "success"
	code := http.StatusOK
	switch {
	case res.Closed > 0 && res.Accepted == 0:
		status = "closed"
		code = http.StatusServiceUnavailable
	case res.Rejected() > 0:
		status = "partial"
	}
	httpx.RespondJSON(w, code, IngestResponse{Status: status, IngestResult: res})
}

// handleIngest accepts JSON samples.
func handleIngest(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, config.MaxBodyBytes)

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.RespondError(w, httpx.BodyErrorStatus(err), fmt.Errorf("invalid JSON: %w", err))
			return
		}
		if len(req.Metrics) > ingest.MaxMetricsPerRequest {
			httpx.RespondError(w, http.StatusBadRequest, ingest.ErrTooManyMetrics)
			return
		}

		respondIngest(w, s.Engine.Ingest(req.Metrics))
	}
}

// handleIngestLine accepts newline separated line records. Lines that do
// not parse are counted as malformed; the rest are ingested.
func handleIngestLine(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, config.MaxBodyBytes)

		samples, malformed, err := ingest.ParseLines(r.Body, time.Now())
		if err != nil {
			httpx.RespondError(w, httpx.BodyErrorStatus(err), err)
			return
		}
		if len(samples) > ingest.MaxMetricsPerRequest {
			httpx.RespondError(w, http.StatusBadRequest, ingest.ErrTooManyMetrics)
			return
		}
		if malformed > 0 {
			s.Engine.Stats().AddMalformed(malformed)
		}

		res := s.Engine.Ingest(samples)
		res.Malformed += malformed
		respondIngest(w, res)
	}
}

// PolicyRequest replaces the active rule set.
type PolicyRequest struct {
	Rules []config.RuleConfig `json:"rules" yaml:"rules"`
}

// handlePutPolicy accepts a rule list as JSON or, with a YAML content
// type, as YAML.
func handlePutPolicy(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PolicyRequest
		if err := httpx.DecodeBody(w, r, config.MaxBodyBytes, &req); err != nil {
			httpx.RespondError(w, httpx.BodyErrorStatus(err), fmt.Errorf("invalid policy: %w", err))
			return
		}

		if err := s.Engine.UpdatePolicy(req.Rules); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, PolicyRequest{Rules: policyView(s.Engine.Policy())})
	}
}

func handleGetPolicy(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, PolicyRequest{Rules: policyView(s.Engine.Policy())})
	}
}

// policyView turns active rules back into their wire form.
func policyView(rs []rules.Rule) []config.RuleConfig {
	out := make([]config.RuleConfig, 0, len(rs))
	for _, r := range rs {
		rc := config.RuleConfig{
			Match:     r.Pattern,
			Intervals: append([]string(nil), r.Intervals...),
		}
		for _, k := range r.Aggregations {
			rc.Aggregations = append(rc.Aggregations, string(k))
		}
		if len(r.Retention) > 0 {
			rc.Retention = make(map[string]config.Duration, len(r.Retention))
			for tier, d := range r.Retention {
				rc.Retention[tier] = config.Duration(d)
			}
		}
		out = append(out, rc)
	}
	return out
}

// StatsResponse is the self-metrics view: the open reporting window, the
// last closed one, and totals since start.
type StatsResponse struct {
	Uptime     string                 `json:"uptime"`
	Current    observability.Report   `json:"current"`
	LastReport observability.Report   `json:"last_report"`
	Totals     observability.Snapshot `json:"totals"`
	Windows    []rollup.WindowInfo    `json:"windows"`
	Sinks      []string               `json:"sinks"`
	Storage    *storage.Stats         `json:"storage,omitempty"`
}

func handleStats(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		resp := StatsResponse{
			Uptime:     now.Sub(s.startTime).Round(time.Second).String(),
			Current:    s.Reporter.Current(now),
			LastReport: s.Reporter.Last(),
			Totals:     s.Engine.Stats().Snapshot(),
			Windows:    s.Engine.Windows(),
			Sinks:      s.Engine.Emitter().Sinks(),
		}

		if s.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
			defer cancel()
			st, err := s.Store.Stats(ctx)
			if err != nil {
				httpx.RespondError(w, http.StatusInternalServerError, err)
				return
			}
			resp.Storage = st
		}
		httpx.RespondJSON(w, http.StatusOK, resp)
	}
}

func handleCardinality(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, s.Engine.Guard().Stats())
	}
}

// RollupsResponse wraps stored rollup records.
type RollupsResponse struct {
	Records []rollup.Record `json:"records"`
	Count   int             `json:"count"`
}

// handleRollups queries stored rollups.
// Query params:
//   - name: source metric or rollup name, comma separated (optional)
//   - interval: rollup interval (optional)
//   - start, end: RFC3339 or unix seconds (default: the last hour)
//   - label: k=v, repeatable (optional)
//   - limit: max records (default 1000)
//   - format: json (default) or csv
func handleRollups(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Store == nil {
			httpx.RespondErrorString(w, http.StatusNotFound, "rollup storage is disabled")
			return
		}

		q := r.URL.Query()
		format := q.Get("format")
		if format != "" && format != "json" && format != "csv" {
			httpx.RespondErrorString(w, http.StatusBadRequest, "format must be json or csv")
			return
		}
		now := time.Now()
		start, err := parseTimeParam(q.Get("start"), now.Add(-defaultQueryWindow))
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid start: %w", err))
			return
		}
		end, err := parseTimeParam(q.Get("end"), now)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid end: %w", err))
			return
		}
		if end.Before(start) {
			httpx.RespondErrorString(w, http.StatusBadRequest, "end must be after start")
			return
		}
		if end.Sub(start) > maxQueryWindow {
			httpx.RespondErrorString(w, http.StatusBadRequest, "query window too large")
			return
		}

		req := storage.QueryRequest{
			Start:    start,
			End:      end,
			Interval: q.Get("interval"),
			Limit:    defaultQueryLimit,
		}
		if names := q.Get("name"); names != "" {
			req.Metrics = strings.Split(names, ",")
		}
		for _, l := range q["label"] {
			k, v, ok := strings.Cut(l, "=")
			if !ok || k == "" {
				httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid label filter %q, want k=v", l))
				return
			}
			if req.Labels == nil {
				req.Labels = make(map[string]string)
			}
			req.Labels[k] = v
		}
		if l := q.Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n <= 0 || n > maxQueryLimit {
				httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxQueryLimit))
				return
			}
			req.Limit = n
		}

		ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
		defer cancel()

		records, err := s.Store.Query(ctx, req)
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		if format == "csv" {
			httpx.RespondDownload(w, "text/csv", csvFilename(now), func(out io.Writer) error {
				return writeRollupsCSV(out, records)
			})
			return
		}
		if records == nil {
			records = []rollup.Record{}
		}
		httpx.RespondJSON(w, http.StatusOK, RollupsResponse{Records: records, Count: len(records)})
	}
}

// parseTimeParam parses RFC3339 or unix seconds, or returns def when empty.
func parseTimeParam(param string, def time.Time) (time.Time, error) {
	if param == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseInt(param, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor unix seconds", param)
	}
	return time.Unix(secs, 0), nil
}

// DiskUsage is the on-disk size of the badger data directory.
type DiskUsage struct {
	Path      string `json:"path"`
	UsedBytes int64  `json:"used_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Uptime  string               `json:"uptime"`
	Sinks   []monitor.SinkStatus `json:"sinks"`
	Disk    *DiskUsage           `json:"disk,omitempty"`
}

// handleHealth returns service health. Any sink failing repeatedly makes
// the service degraded.
func handleHealth(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overallStatus := "healthy"
		statusCode := http.StatusOK
		if !s.Monitor.IsHealthy() {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		response := HealthResponse{
			Status:  overallStatus,
			Version: Version,
			Uptime:  time.Since(s.startTime).Round(time.Second).String(),
			Sinks:   s.Monitor.Status(),
		}
		if s.Disk != nil {
			if used, err := s.Disk.Usage(); err == nil {
				response.Disk = &DiskUsage{Path: s.Disk.Dir(), UsedBytes: used}
			} else {
				observability.Debugf("Disk usage unavailable: %v", err)
			}
		}

		httpx.RespondJSON(w, statusCode, response)
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, s *Server) {
	router.Use(corsMiddleware(listenPort(s.Config.HTTP.Addr)))

	api := router.PathPrefix("/v1").Subrouter()

	// Ingestion and policy
	api.HandleFunc("/ingest", handleIngest(s)).Methods("POST")
	api.HandleFunc("/ingest/line", handleIngestLine(s)).Methods("POST")
	api.HandleFunc("/policy", handlePutPolicy(s)).Methods("PUT")
	api.HandleFunc("/policy", handleGetPolicy(s)).Methods("GET")

	// Rollups out
	api.HandleFunc("/rollups", handleRollups(s)).Methods("GET")
	api.Handle("/stream", s.Hub).Methods("GET")

	// Self-metrics and health
	api.HandleFunc("/stats", handleStats(s)).Methods("GET")
	api.HandleFunc("/cardinality", handleCardinality(s)).Methods("GET")
	api.HandleFunc("/health", handleHealth(s)).Methods("GET")

	router.Handle("/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})).Methods("GET")
}

// listenPort extracts the port of a listen address such as ":8080".
func listenPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := []string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}
	sort.Strings(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			i := sort.SearchStrings(allowedOrigins, origin)
			if origin != "" && i < len(allowedOrigins) && allowedOrigins[i] == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
