// Package capture wraps HTTP handlers to time requests and turn them
// into stored measurements. Profiling is best effort: nothing in this
// package may change a wrapped handler's outcome.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nordan/reqprof/internal/domain"
	"github.com/nordan/reqprof/internal/storage"
	"github.com/nordan/reqprof/pkg/config"
)

// Profiler owns the process-wide capture configuration: policy, storage
// handle, sampler. It is built once at startup and read-only afterwards,
// so concurrent requests share it without locking.
type Profiler struct {
	cfg     config.CaptureConfig
	policy  *Policy
	store   storage.Storage
	sampler Sampler
	log     *slog.Logger
	metrics *captureMetrics
	now     func() float64
}

// New builds a Profiler. The sampler is only active when stack sampling
// is enabled in cfg; pass a custom Sampler through WithSampler to plug
// in an external profiler.
func New(cfg config.CaptureConfig, store storage.Storage, log *slog.Logger) (*Profiler, error) {
	policy, err := NewPolicy(cfg.Ignore, cfg.SamplingFunc, log)
	if err != nil {
		return nil, err
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 4096
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 2 * time.Second
	}
	p := &Profiler{
		cfg:     cfg,
		policy:  policy,
		store:   store,
		log:     log,
		metrics: newCaptureMetrics(),
		now:     unixNow,
	}
	if cfg.StackSampling {
		p.sampler = NewStackSampler(cfg.StackSampleRate)
	}
	return p, nil
}

// WithSampler replaces the stack sampler. Call before serving traffic.
func (p *Profiler) WithSampler(s Sampler) *Profiler {
	p.sampler = s
	return p
}

// instrumented is the marker type that makes Wrap idempotent.
type instrumented struct {
	profiler *Profiler
	next     http.Handler
}

// Wrap returns a handler that measures next. Wrapping a handler this
// profiler already instrumented returns it unchanged, so attaching
// twice records once. A disabled profiler wraps to the original
// handler.
func (p *Profiler) Wrap(next http.Handler) http.Handler {
	if !p.cfg.Enabled {
		return next
	}
	if h, ok := next.(*instrumented); ok && h.profiler == p {
		return next
	}
	return &instrumented{profiler: p, next: next}
}

// WrapFunc is Wrap for plain handler functions.
func (p *Profiler) WrapFunc(next http.HandlerFunc) http.Handler {
	return p.Wrap(next)
}

func (h *instrumented) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := h.profiler
	snap := p.snapshot(r)
	session := p.startSession()

	startedAt := p.now()
	completed := false
	defer func() {
		endedAt := p.now()
		stats := p.stopSession(session)
		// A panicking handler keeps unwinding; by default it leaves no
		// measurement behind.
		if !completed && !p.cfg.CapturePanics {
			p.metrics.dropped.WithLabelValues(dropPanic).Inc()
			return
		}
		p.record(r, snap, startedAt, endedAt, stats)
	}()

	h.next.ServeHTTP(w, r)
	completed = true
}

// Measure times an arbitrary function under the given logical name, for
// callables that are not HTTP handlers. The function's error is
// returned unchanged.
func (p *Profiler) Measure(name, method string, fn func() error) error {
	if !p.cfg.Enabled {
		return fn()
	}
	session := p.startSession()
	startedAt := p.now()
	err := fn()
	endedAt := p.now()
	stats := p.stopSession(session)

	if p.policy.ShouldRecord(name) {
		p.insert(domain.Measurement{
			Name:      name,
			Method:    strings.ToUpper(method),
			Args:      map[string]string{},
			Kwargs:    map[string]string{},
			StartedAt: startedAt,
			EndedAt:   endedAt,
			Elapsed:   roundElapsed(endedAt - startedAt),
			Context:   domain.RequestContext{Headers: map[string]string{}},
		}, stats)
	} else {
		p.metrics.dropped.WithLabelValues(dropPolicy).Inc()
	}
	return err
}

func (p *Profiler) record(r *http.Request, snap domain.RequestContext, startedAt, endedAt float64, stats json.RawMessage) {
	if !p.policy.ShouldRecord(r.URL.Path) {
		p.metrics.dropped.WithLabelValues(dropPolicy).Inc()
		return
	}
	name := routeName(r)
	m := domain.Measurement{
		Name:      name,
		Method:    strings.ToUpper(r.Method),
		Args:      queryArgs(r),
		Kwargs:    pathKwargs(r),
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Elapsed:   roundElapsed(endedAt - startedAt),
		Context:   snap,
	}
	p.insert(m, stats)
}

func (p *Profiler) insert(m domain.Measurement, stats json.RawMessage) {
	m.ProfileStats = stats
	if p.cfg.Verbose && p.log != nil {
		p.log.Debug("measurement assembled",
			"name", m.Name, "method", m.Method, "elapsed", m.Elapsed)
	}
	// The request this measurement describes is already finished, so
	// the insert runs under its own deadline, not the request context.
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.InsertTimeout)
	defer cancel()
	begin := time.Now()
	if _, err := p.store.Insert(ctx, m); err != nil {
		p.metrics.dropped.WithLabelValues(dropStorage).Inc()
		if p.log != nil {
			p.log.Error("measurement insert failed, dropping", "name", m.Name, "error", err)
		}
		return
	}
	p.metrics.insertDuration.Observe(time.Since(begin).Seconds())
	p.metrics.recorded.Inc()
}

func (p *Profiler) startSession() SamplerSession {
	if p.sampler == nil {
		return nil
	}
	session, err := p.sampler.Start()
	if err != nil {
		if p.log != nil {
			p.log.Warn("sampling session failed to start", "error", err)
		}
		return nil
	}
	return session
}

// stopSession finalises the sampling session before the measurement is
// assembled. A failed stop costs only the profile, never the record.
func (p *Profiler) stopSession(session SamplerSession) json.RawMessage {
	if session == nil {
		return nil
	}
	stats, err := session.Stop()
	if err != nil {
		if p.log != nil {
			p.log.Warn("sampling session failed to stop", "error", err)
		}
		return nil
	}
	return stats
}

// snapshot captures request metadata at handler entry. The body is read
// up to the configured cap and handed back to the request untouched.
func (p *Profiler) snapshot(r *http.Request) domain.RequestContext {
	headers := make(map[string]string, len(r.Header))
	for key := range r.Header {
		headers[key] = r.Header.Get(key)
	}
	requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	var body string
	if r.Body != nil && r.Body != http.NoBody {
		buf := make([]byte, p.cfg.BodyLimit)
		n, _ := io.ReadFull(r.Body, buf)
		body = string(buf[:n])
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf[:n]), r.Body), r.Body}
	}
	return domain.RequestContext{
		URL:       r.URL.String(),
		IP:        clientIP(r),
		RequestID: requestID,
		Query:     r.URL.RawQuery,
		Body:      body,
		Headers:   headers,
	}
}

// routeName prefers the mux pattern the request matched so that
// /items/42 and /items/7 share one logical endpoint; unrouted requests
// fall back to the raw path.
func routeName(r *http.Request) string {
	pattern := r.Pattern
	if pattern == "" {
		return r.URL.Path
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

func queryArgs(r *http.Request) map[string]string {
	args := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			args[key] = values[0]
		}
	}
	return args
}

// pathKwargs binds the wildcards of the matched pattern to their
// concrete values for this request.
func pathKwargs(r *http.Request) map[string]string {
	kwargs := make(map[string]string)
	pattern := routeName(r)
	for _, segment := range strings.Split(pattern, "/") {
		if len(segment) > 2 && segment[0] == '{' && segment[len(segment)-1] == '}' {
			wildcard := strings.TrimSuffix(segment[1:len(segment)-1], "...")
			kwargs[wildcard] = r.PathValue(wildcard)
		}
	}
	return kwargs
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if first, _, found := strings.Cut(forwarded, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func roundElapsed(elapsed float64) float64 {
	if elapsed < 0 {
		return 0
	}
	return math.Round(elapsed*1e6) / 1e6
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
