// Package httpx serves the profiler's query API: paged measurement
// listings, per-route aggregates, timeseries and the destructive
// database operations, all under a configurable URL root.
package httpx

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nordan/reqprof/internal/domain"
	"github.com/nordan/reqprof/internal/service/query"
)

// Router wires HTTP endpoints to the query service.
type Router struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	queries *query.Service
	limiter RateLimiter
	root    string

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault = time.Minute
	rateLimitRead     = 240
	rateLimitDump     = 12
	rateLimitDelete   = 4
)

// NewRouter assembles routes with dependencies. root is the URL prefix
// without slashes ("profiler" serves /profiler/api/...).
func NewRouter(logger *slog.Logger, queries *query.Service, limiter RateLimiter, root string) *Router {
	root = strings.Trim(strings.TrimSpace(root), "/")
	if root == "" {
		root = "profiler"
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		queries: queries,
		limiter: limiter,
		root:    root,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	prefix := "/" + r.root
	api := prefix + "/api/measurements"

	r.mux.HandleFunc("GET "+api+"/{$}", r.audit("measurements", r.withRateLimit("measurements", rateLimitRead, rateWindowDefault, r.handleList)))
	r.mux.HandleFunc("GET "+api+"/grouped", r.audit("grouped", r.withRateLimit("grouped", rateLimitRead, rateWindowDefault, r.handleGrouped)))
	r.mux.HandleFunc("GET "+api+"/timeseries/{$}", r.audit("timeseries", r.withRateLimit("timeseries", rateLimitRead, rateWindowDefault, r.handleTimeseries)))
	r.mux.HandleFunc("GET "+api+"/methodDistribution/{$}", r.audit("methodDistribution", r.withRateLimit("methodDistribution", rateLimitRead, rateWindowDefault, r.handleMethodDistribution)))
	r.mux.HandleFunc("GET "+api+"/{id}", r.audit("measurement", r.withRateLimit("measurement", rateLimitRead, rateWindowDefault, r.handleGet)))
	r.mux.HandleFunc("GET "+prefix+"/db/dumpDatabase", r.audit("dumpDatabase", r.withRateLimit("dumpDatabase", rateLimitDump, rateWindowDefault, r.handleDump)))
	r.mux.HandleFunc("GET "+prefix+"/db/deleteDatabase", r.audit("deleteDatabase", r.withRateLimit("deleteDatabase", rateLimitDelete, rateWindowDefault, r.handleDeleteAll)))
	r.mux.HandleFunc("GET "+prefix+"/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.Handler())
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	page, err := r.queries.List(req.Context(), req.URL.Query())
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	m, err := r.queries.Get(req.Context(), id)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (r *Router) handleGrouped(w http.ResponseWriter, req *http.Request) {
	stats, err := r.queries.Grouped(req.Context(), req.URL.Query())
	if err != nil {
		writeQueryError(w, err)
		return
	}
	if stats == nil {
		stats = []domain.GroupedStat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": stats})
}

func (r *Router) handleTimeseries(w http.ResponseWriter, req *http.Request) {
	buckets, err := r.queries.Timeseries(req.Context(), req.URL.Query())
	if err != nil {
		writeQueryError(w, err)
		return
	}
	if buckets == nil {
		buckets = []domain.TimeBucket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": buckets})
}

func (r *Router) handleMethodDistribution(w http.ResponseWriter, req *http.Request) {
	dist, err := r.queries.MethodDistribution(req.Context(), req.URL.Query())
	if err != nil {
		writeQueryError(w, err)
		return
	}
	if dist == nil {
		dist = map[string]int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"distribution": dist})
}

// handleDump streams the full dataset as one JSON array so exports of
// any size run in constant memory.
func (r *Router) handleDump(w http.ResponseWriter, req *http.Request) {
	headers := w.Header()
	headers.Set("Content-Type", "application/json")
	headers.Set("Content-Disposition", `attachment; filename="dump.json"`)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("[")); err != nil {
		return
	}
	first := true
	err := r.queries.Dump(req.Context(), func(m domain.Measurement) error {
		encoded, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if !first {
			if _, err := w.Write([]byte(",")); err != nil {
				return err
			}
		}
		first = false
		_, err = w.Write(encoded)
		return err
	})
	if err != nil {
		// Headers are gone; truncate and log rather than corrupt the
		// array with an error payload.
		r.logger.Error("dump aborted", "error", err)
		return
	}
	_, _ = w.Write([]byte("]"))
}

func (r *Router) handleDeleteAll(w http.ResponseWriter, req *http.Request) {
	deleted, err := r.queries.DeleteAll(req.Context())
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if err := r.queries.Ping(req.Context()); err != nil {
		status = "degraded"
		components["storage"] = map[string]any{
			"status": "down",
			"error":  err.Error(),
		}
	} else {
		components["storage"] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		// Profiler pages carry operational data; keep crawlers out.
		w.Header().Set("X-Robots-Tag", "noindex, nofollow")

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"route", route,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
