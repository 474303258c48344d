// Package query translates HTTP-level filter parameters into storage
// criteria and shapes the responses served to the dashboard.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nordan/reqprof/internal/domain"
	"github.com/nordan/reqprof/internal/storage"
	"github.com/nordan/reqprof/pkg/config"
)

// Window slack added to the default upper bound so a measurement
// inserted in the same instant as the query still shows up.
const endedAtSlack = 0.5

const (
	hourlySeconds = 3600
	dailySeconds  = 24 * hourlySeconds
)

// ValidationError marks a malformed query parameter and names the
// offending field for the client.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Field, e.Reason)
}

// Service owns no data; it validates parameters, applies defaults and
// relays to the storage contract under a bounded deadline.
type Service struct {
	store        storage.Storage
	log          *slog.Logger
	timeout      time.Duration
	defaultLimit int
	maxLimit     int
	lookback     time.Duration
	now          func() time.Time
}

// New constructs a Service with the configured defaults.
func New(store storage.Storage, cfg config.Config, log *slog.Logger) *Service {
	if log != nil {
		log = log.With("component", "query")
	}
	return &Service{
		store:        store,
		log:          log,
		timeout:      cfg.QueryTimeout,
		defaultLimit: cfg.DefaultPageSize,
		maxLimit:     cfg.MaxPageSize,
		lookback:     cfg.Lookback,
		now:          time.Now,
	}
}

// List serves one page of measurements.
func (s *Service) List(ctx context.Context, params url.Values) (domain.Page, error) {
	c, err := s.parseCriteria(params)
	if err != nil {
		return domain.Page{}, err
	}
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	return s.store.List(ctx, c)
}

// Get returns a single measurement; storage.ErrNotFound passes through
// untouched for the HTTP layer to translate.
func (s *Service) Get(ctx context.Context, id string) (domain.Measurement, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	return s.store.Get(ctx, id)
}

// Grouped serves per-(name, method) aggregates.
func (s *Service) Grouped(ctx context.Context, params url.Values) ([]domain.GroupedStat, error) {
	c, err := s.parseCriteria(params)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	return s.store.Grouped(ctx, c)
}

// Timeseries serves bucketed counts over the window. Bucket width comes
// from `interval` (hourly, the default, or daily) or an explicit
// `bucketSeconds`.
func (s *Service) Timeseries(ctx context.Context, params url.Values) ([]domain.TimeBucket, error) {
	c, err := s.parseCriteria(params)
	if err != nil {
		return nil, err
	}
	width := float64(hourlySeconds)
	switch interval := params.Get("interval"); interval {
	case "", "hourly":
	case "daily":
		width = dailySeconds
	default:
		return nil, &ValidationError{Field: "interval", Reason: "must be hourly or daily"}
	}
	if raw := params.Get("bucketSeconds"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			return nil, &ValidationError{Field: "bucketSeconds", Reason: "must be a positive number"}
		}
		width = parsed
	}
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	return s.store.Timeseries(ctx, c, width)
}

// MethodDistribution serves per-method counts over the window.
func (s *Service) MethodDistribution(ctx context.Context, params url.Values) (map[string]int64, error) {
	c, err := s.parseCriteria(params)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	return s.store.MethodDistribution(ctx, c)
}

// DeleteAll resets the database.
func (s *Service) DeleteAll(ctx context.Context) (int64, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	return s.store.DeleteAll(ctx)
}

// Dump streams every measurement through fn. No service timeout applies;
// large exports run as long as the caller's context allows.
func (s *Service) Dump(ctx context.Context, fn func(domain.Measurement) error) error {
	return s.store.DumpAll(ctx, fn)
}

// Ping reports storage liveness.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) parseCriteria(params url.Values) (domain.Criteria, error) {
	now := float64(s.now().UnixNano()) / 1e9
	c := domain.Criteria{
		Method:    strings.TrimSpace(params.Get("method")),
		Name:      strings.TrimSpace(params.Get("name")),
		StartedAt: now - s.lookback.Seconds(),
		EndedAt:   now + endedAtSlack,
		Limit:     s.defaultLimit,
	}

	if raw := params.Get("elapsed"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return c, &ValidationError{Field: "elapsed", Reason: "must be a number"}
		}
		c.Elapsed = &parsed
	}
	if raw := params.Get("startedAt"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return c, &ValidationError{Field: "startedAt", Reason: "must be a unix timestamp"}
		}
		c.StartedAt = parsed
	}
	if raw := params.Get("endedAt"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return c, &ValidationError{Field: "endedAt", Reason: "must be a unix timestamp"}
		}
		c.EndedAt = parsed
	}
	if raw := params.Get("skip"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return c, &ValidationError{Field: "skip", Reason: "must be a non-negative integer"}
		}
		c.Skip = parsed
	}
	if raw := params.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c, &ValidationError{Field: "limit", Reason: "must be a positive integer"}
		}
		// Oversized pages are clamped, not rejected.
		if parsed > s.maxLimit {
			parsed = s.maxLimit
		}
		c.Limit = parsed
	}
	if raw := params.Get("sort"); raw != "" {
		field, dir, _ := strings.Cut(raw, ",")
		c.SortField = strings.TrimSpace(field)
		switch strings.ToLower(strings.TrimSpace(dir)) {
		case "", "desc":
			c.SortDesc = true
		case "asc":
			c.SortDesc = false
		default:
			return c, &ValidationError{Field: "sort", Reason: "direction must be asc or desc"}
		}
	}
	return c, nil
}
