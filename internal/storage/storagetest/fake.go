package storagetest

import (
	"context"
	"strconv"
	"sync"

	"github.com/nordan/reqprof/internal/domain"
	"github.com/nordan/reqprof/internal/storage"
)

// Fake is a hook-based Storage double for unit tests outside the
// adapter packages. Inserts are collected; every other operation
// delegates to the corresponding Fn when set and returns zero values
// otherwise.
type Fake struct {
	mu       sync.Mutex
	inserted []domain.Measurement

	InsertErr         error
	GetFn             func(ctx context.Context, id string) (domain.Measurement, error)
	ListFn            func(ctx context.Context, c domain.Criteria) (domain.Page, error)
	GroupedFn         func(ctx context.Context, c domain.Criteria) ([]domain.GroupedStat, error)
	TimeseriesFn      func(ctx context.Context, c domain.Criteria, width float64) ([]domain.TimeBucket, error)
	DistributionFn    func(ctx context.Context, c domain.Criteria) (map[string]int64, error)
	DeleteFn          func(ctx context.Context, id string) error
	DeleteAllFn       func(ctx context.Context) (int64, error)
	DeleteOlderThanFn func(ctx context.Context, cutoff float64) (int64, error)
	DumpAllFn         func(ctx context.Context, fn func(domain.Measurement) error) error
	PingErr           error
}

var _ storage.Storage = (*Fake)(nil)

// Inserted returns a copy of everything stored so far.
func (f *Fake) Inserted() []domain.Measurement {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Measurement, len(f.inserted))
	copy(out, f.inserted)
	return out
}

func (f *Fake) Insert(ctx context.Context, m domain.Measurement) (string, error) {
	if f.InsertErr != nil {
		return "", f.InsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = strconv.Itoa(len(f.inserted) + 1)
	f.inserted = append(f.inserted, m)
	return m.ID, nil
}

func (f *Fake) Get(ctx context.Context, id string) (domain.Measurement, error) {
	if f.GetFn != nil {
		return f.GetFn(ctx, id)
	}
	return domain.Measurement{}, storage.ErrNotFound
}

func (f *Fake) List(ctx context.Context, c domain.Criteria) (domain.Page, error) {
	if f.ListFn != nil {
		return f.ListFn(ctx, c)
	}
	return domain.Page{Results: []domain.Measurement{}}, nil
}

func (f *Fake) Grouped(ctx context.Context, c domain.Criteria) ([]domain.GroupedStat, error) {
	if f.GroupedFn != nil {
		return f.GroupedFn(ctx, c)
	}
	return []domain.GroupedStat{}, nil
}

func (f *Fake) Timeseries(ctx context.Context, c domain.Criteria, width float64) ([]domain.TimeBucket, error) {
	if f.TimeseriesFn != nil {
		return f.TimeseriesFn(ctx, c, width)
	}
	return []domain.TimeBucket{}, nil
}

func (f *Fake) MethodDistribution(ctx context.Context, c domain.Criteria) (map[string]int64, error) {
	if f.DistributionFn != nil {
		return f.DistributionFn(ctx, c)
	}
	return map[string]int64{}, nil
}

func (f *Fake) Delete(ctx context.Context, id string) error {
	if f.DeleteFn != nil {
		return f.DeleteFn(ctx, id)
	}
	return storage.ErrNotFound
}

func (f *Fake) DeleteAll(ctx context.Context) (int64, error) {
	if f.DeleteAllFn != nil {
		return f.DeleteAllFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.inserted))
	f.inserted = nil
	return n, nil
}

func (f *Fake) DeleteOlderThan(ctx context.Context, cutoff float64) (int64, error) {
	if f.DeleteOlderThanFn != nil {
		return f.DeleteOlderThanFn(ctx, cutoff)
	}
	return 0, nil
}

func (f *Fake) DumpAll(ctx context.Context, fn func(domain.Measurement) error) error {
	if f.DumpAllFn != nil {
		return f.DumpAllFn(ctx, fn)
	}
	for _, m := range f.Inserted() {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) Ping(ctx context.Context) error { return f.PingErr }

func (f *Fake) Close() error { return nil }
