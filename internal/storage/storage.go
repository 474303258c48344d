// Package storage defines the backend-neutral contract for persisting
// and querying measurements, plus the engine registry the built-in
// adapters register themselves with.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nordan/reqprof/internal/domain"
	"github.com/nordan/reqprof/pkg/config"
)

// Storage is implemented by every backend adapter. All operations must
// exhibit identical observable semantics regardless of engine: identical
// filters, identical ordering (ties broken by id ascending), identical
// aggregate numbers for identical data.
type Storage interface {
	// Insert persists a measurement atomically and returns the assigned
	// opaque identifier. The record is never partially visible.
	Insert(ctx context.Context, m domain.Measurement) (string, error)
	// Get returns the measurement with the given identifier or
	// ErrNotFound.
	Get(ctx context.Context, id string) (domain.Measurement, error)
	// List returns one page of measurements plus the total count
	// matching the criteria with pagination ignored.
	List(ctx context.Context, c domain.Criteria) (domain.Page, error)
	// Grouped aggregates count/min/avg/max elapsed per (name, method)
	// over the criteria window.
	Grouped(ctx context.Context, c domain.Criteria) ([]domain.GroupedStat, error)
	// Timeseries counts measurements per fixed-width bucket across the
	// whole criteria window, including empty buckets. Bucket index is
	// floor((startedAt - window start) / width).
	Timeseries(ctx context.Context, c domain.Criteria, bucketWidth float64) ([]domain.TimeBucket, error)
	// MethodDistribution counts measurements per HTTP method over the
	// criteria window.
	MethodDistribution(ctx context.Context, c domain.Criteria) (map[string]int64, error)
	// Delete removes a single measurement by identifier.
	Delete(ctx context.Context, id string) error
	// DeleteAll irreversibly removes every measurement and reports how
	// many were removed.
	DeleteAll(ctx context.Context) (int64, error)
	// DeleteOlderThan removes measurements that started before the
	// cutoff (unix seconds); used by the retention sweeper.
	DeleteOlderThan(ctx context.Context, cutoff float64) (int64, error)
	// DumpAll streams every measurement through fn without materialising
	// the dataset; a non-nil error from fn aborts the dump.
	DumpAll(ctx context.Context, fn func(domain.Measurement) error) error
	// Ping reports backend liveness.
	Ping(ctx context.Context) error
	Close() error
}

// Factory builds a Storage from configuration.
type Factory func(cfg config.StorageConfig, log *slog.Logger) (Storage, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an engine available to Open under the given identifier.
// The built-in adapters register themselves from their package init;
// custom engines may register before Open is called.
func Register(engine string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[engine]; dup {
		panic(fmt.Sprintf("storage: engine %q registered twice", engine))
	}
	registry[engine] = factory
}

// Open resolves the configured engine and constructs its Storage.
func Open(cfg config.StorageConfig, log *slog.Logger) (Storage, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Engine]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown engine %q (registered: %v)", cfg.Engine, Engines())
	}
	return factory(cfg, log)
}

// Engines lists the registered engine identifiers, sorted.
func Engines() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
