// Package storagetest holds the conformance suite every storage adapter
// must pass. The three engines are interchangeable only because they
// all run these exact scenarios.
package storagetest

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/nordan/reqprof/internal/domain"
	"github.com/nordan/reqprof/internal/storage"
)

// base keeps the fixtures inside one deterministic time window.
const base = 1700000000.0

// Factory opens a fresh, empty store for one test. Cleanup is the
// implementation's job (t.Cleanup).
type Factory func(t *testing.T) storage.Storage

// Run executes the conformance suite against the adapter under test.
func Run(t *testing.T, open Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, open(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open(t)) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, open(t)) })
	t.Run("ListPagination", func(t *testing.T) { testListPagination(t, open(t)) })
	t.Run("Grouped", func(t *testing.T) { testGrouped(t, open(t)) })
	t.Run("Timeseries", func(t *testing.T) { testTimeseries(t, open(t)) })
	t.Run("MethodDistribution", func(t *testing.T) { testMethodDistribution(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("DeleteAll", func(t *testing.T) { testDeleteAll(t, open(t)) })
	t.Run("DeleteOlderThan", func(t *testing.T) { testDeleteOlderThan(t, open(t)) })
	t.Run("DumpAll", func(t *testing.T) { testDumpAll(t, open(t)) })
}

func measurement(name, method string, startOffset, elapsed float64) domain.Measurement {
	started := base + startOffset
	return domain.Measurement{
		Name:      name,
		Method:    method,
		Args:      map[string]string{"q": "1"},
		Kwargs:    map[string]string{},
		StartedAt: started,
		EndedAt:   started + elapsed,
		Elapsed:   elapsed,
		Context: domain.RequestContext{
			URL:     name,
			IP:      "127.0.0.1",
			Headers: map[string]string{"Accept": "application/json"},
		},
	}
}

func window() domain.Criteria {
	return domain.Criteria{StartedAt: base - 10, EndedAt: base + 1000}
}

func insert(t *testing.T, store storage.Storage, m domain.Measurement) string {
	t.Helper()
	id, err := store.Insert(context.Background(), m)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == "" {
		t.Fatal("insert returned empty id")
	}
	return id
}

func testInsertAndGet(t *testing.T, store storage.Storage) {
	m := measurement("/widgets", "GET", 1, 0.25)
	m.Context.RequestID = "req-1"
	m.Context.Body = `{"color":"blue"}`
	m.Kwargs = map[string]string{"id": "42"}
	m.ProfileStats = []byte(`{"format":"collapsed","samples":{}}`)

	id := insert(t, store, m)
	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != id {
		t.Errorf("id = %q, want %q", got.ID, id)
	}
	if got.Name != m.Name || got.Method != m.Method {
		t.Errorf("identity = (%q, %q), want (%q, %q)", got.Name, got.Method, m.Name, m.Method)
	}
	if got.StartedAt != m.StartedAt || got.EndedAt != m.EndedAt || got.Elapsed != m.Elapsed {
		t.Errorf("timing = (%v, %v, %v), want (%v, %v, %v)",
			got.StartedAt, got.EndedAt, got.Elapsed, m.StartedAt, m.EndedAt, m.Elapsed)
	}
	if got.Kwargs["id"] != "42" {
		t.Errorf("kwargs = %v, want id=42", got.Kwargs)
	}
	if got.Context.RequestID != "req-1" || got.Context.Body != m.Context.Body {
		t.Errorf("context = %+v", got.Context)
	}
	if len(got.ProfileStats) == 0 {
		t.Error("profile stats were dropped on the round trip")
	}
}

func testGetMissing(t *testing.T, store storage.Storage) {
	_, err := store.Get(context.Background(), "65faf00000000000deadbeef")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := store.Delete(context.Background(), "65faf00000000000deadbeef"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("delete err = %v, want ErrNotFound", err)
	}
}

func testListFilters(t *testing.T, store storage.Storage) {
	insert(t, store, measurement("/widgets", "GET", 1, 0.1))
	insert(t, store, measurement("/widgets", "POST", 2, 0.5))
	insert(t, store, measurement("/gadgets", "GET", 3, 0.9))

	ctx := context.Background()

	c := window()
	c.Method = "get" // matching is case-insensitive
	page, err := store.List(ctx, c)
	if err != nil {
		t.Fatalf("list by method: %v", err)
	}
	if page.TotalCount != 2 {
		t.Errorf("method filter total = %d, want 2", page.TotalCount)
	}

	c = window()
	c.Name = "gadg"
	page, err = store.List(ctx, c)
	if err != nil {
		t.Fatalf("list by name: %v", err)
	}
	if page.TotalCount != 1 || page.Results[0].Name != "/gadgets" {
		t.Errorf("name substring filter returned %+v", page.Results)
	}

	c = window()
	threshold := 0.4
	c.Elapsed = &threshold
	page, err = store.List(ctx, c)
	if err != nil {
		t.Fatalf("list by elapsed: %v", err)
	}
	if page.TotalCount != 2 {
		t.Errorf("elapsed filter total = %d, want 2", page.TotalCount)
	}
	for _, m := range page.Results {
		if m.Elapsed < threshold {
			t.Errorf("elapsed %v below threshold %v", m.Elapsed, threshold)
		}
	}

	// A window that excludes everything.
	c = domain.Criteria{StartedAt: base + 500, EndedAt: base + 600}
	page, err = store.List(ctx, c)
	if err != nil {
		t.Fatalf("list empty window: %v", err)
	}
	if page.TotalCount != 0 || len(page.Results) != 0 {
		t.Errorf("empty window returned %+v", page)
	}
	if page.Results == nil {
		t.Error("results should be an empty slice, not nil")
	}
}

func testListPagination(t *testing.T, store storage.Storage) {
	const n = 7
	for i := 0; i < n; i++ {
		insert(t, store, measurement("/widgets", "GET", float64(i), 0.1))
	}
	ctx := context.Background()

	// Paging slices the same ordered sequence the unpaged query returns.
	full := window()
	full.SortField = domain.SortStartedAt
	full.Limit = n
	all, err := store.List(ctx, full)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if all.TotalCount != n || len(all.Results) != n {
		t.Fatalf("total = %d, page = %d, want %d", all.TotalCount, len(all.Results), n)
	}

	var paged []domain.Measurement
	for skip := 0; skip < n; skip += 3 {
		c := window()
		c.SortField = domain.SortStartedAt
		c.Skip = skip
		c.Limit = 3
		page, err := store.List(ctx, c)
		if err != nil {
			t.Fatalf("list skip=%d: %v", skip, err)
		}
		if page.TotalCount != n {
			t.Errorf("paged total = %d, want %d", page.TotalCount, n)
		}
		paged = append(paged, page.Results...)
	}
	if len(paged) != n {
		t.Fatalf("reassembled %d results, want %d", len(paged), n)
	}
	for i := range paged {
		if paged[i].ID != all.Results[i].ID {
			t.Fatalf("page boundary reordered results at %d: %q != %q", i, paged[i].ID, all.Results[i].ID)
		}
	}

	// Ascending start order must hold.
	for i := 1; i < len(all.Results); i++ {
		if all.Results[i].StartedAt < all.Results[i-1].StartedAt {
			t.Fatalf("ascending sort violated at %d", i)
		}
	}
}

func testGrouped(t *testing.T, store storage.Storage) {
	insert(t, store, measurement("/ping", "GET", 1, 0.1))
	insert(t, store, measurement("/ping", "GET", 2, 0.2))
	insert(t, store, measurement("/ping", "GET", 3, 0.3))
	insert(t, store, measurement("/ping", "POST", 4, 1.0))

	c := window()
	stats, err := store.Grouped(context.Background(), c)
	if err != nil {
		t.Fatalf("grouped: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("groups = %d, want 2", len(stats))
	}
	// Default sort is count descending, so the GET triple leads.
	g := stats[0]
	if g.Name != "/ping" || g.Method != "GET" || g.Count != 3 {
		t.Fatalf("top group = %+v", g)
	}
	if g.MinElapsed != 0.1 || g.MaxElapsed != 0.3 {
		t.Errorf("min/max = %v/%v, want 0.1/0.3", g.MinElapsed, g.MaxElapsed)
	}
	if math.Abs(g.AvgElapsed-0.2) > 1e-9 {
		t.Errorf("avg = %v, want 0.2", g.AvgElapsed)
	}
}

func testTimeseries(t *testing.T, store storage.Storage) {
	// Three in bucket 0, one in bucket 2, bucket 1 left empty.
	insert(t, store, measurement("/widgets", "GET", 0, 0.1))
	insert(t, store, measurement("/widgets", "GET", 5, 0.1))
	insert(t, store, measurement("/widgets", "GET", 9, 0.1))
	insert(t, store, measurement("/widgets", "GET", 25, 0.1))

	c := domain.Criteria{StartedAt: base, EndedAt: base + 35}
	series, err := store.Timeseries(context.Background(), c, 10)
	if err != nil {
		t.Fatalf("timeseries: %v", err)
	}
	// ceil(35/10) = 4 buckets, empty ones included.
	if len(series) != 4 {
		t.Fatalf("buckets = %d, want 4", len(series))
	}
	wantCounts := []int64{3, 0, 1, 0}
	for i, bucket := range series {
		if bucket.Count != wantCounts[i] {
			t.Errorf("bucket %d count = %d, want %d", i, bucket.Count, wantCounts[i])
		}
		wantStart := base + float64(i)*10
		if bucket.Start != wantStart {
			t.Errorf("bucket %d start = %v, want %v", i, bucket.Start, wantStart)
		}
	}
}

func testMethodDistribution(t *testing.T, store storage.Storage) {
	insert(t, store, measurement("/widgets", "GET", 1, 0.1))
	insert(t, store, measurement("/widgets", "GET", 2, 0.1))
	insert(t, store, measurement("/widgets", "POST", 3, 0.1))

	dist, err := store.MethodDistribution(context.Background(), window())
	if err != nil {
		t.Fatalf("method distribution: %v", err)
	}
	if dist["GET"] != 2 || dist["POST"] != 1 {
		t.Errorf("distribution = %v", dist)
	}
}

func testDelete(t *testing.T, store storage.Storage) {
	id := insert(t, store, measurement("/widgets", "GET", 1, 0.1))
	keep := insert(t, store, measurement("/widgets", "GET", 2, 0.1))

	ctx := context.Background()
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("deleted measurement still readable: %v", err)
	}
	if _, err := store.Get(ctx, keep); err != nil {
		t.Fatalf("unrelated measurement lost: %v", err)
	}
	if err := store.Delete(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func testDeleteAll(t *testing.T, store storage.Storage) {
	insert(t, store, measurement("/widgets", "GET", 1, 0.1))
	insert(t, store, measurement("/widgets", "GET", 2, 0.1))

	ctx := context.Background()
	deleted, err := store.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	page, err := store.List(ctx, window())
	if err != nil {
		t.Fatalf("list after delete all: %v", err)
	}
	if page.TotalCount != 0 {
		t.Errorf("store not empty after delete all: %d", page.TotalCount)
	}
}

func testDeleteOlderThan(t *testing.T, store storage.Storage) {
	insert(t, store, measurement("/widgets", "GET", 1, 0.1))
	insert(t, store, measurement("/widgets", "GET", 2, 0.1))
	fresh := insert(t, store, measurement("/widgets", "GET", 100, 0.1))

	ctx := context.Background()
	removed, err := store.DeleteOlderThan(ctx, base+50)
	if err != nil {
		t.Fatalf("delete older than: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, err := store.Get(ctx, fresh); err != nil {
		t.Fatalf("recent measurement swept: %v", err)
	}
}

func testDumpAll(t *testing.T, store storage.Storage) {
	for i := 0; i < 5; i++ {
		insert(t, store, measurement("/widgets", "GET", float64(i), 0.1))
	}
	ctx := context.Background()

	var seen int
	err := store.DumpAll(ctx, func(m domain.Measurement) error {
		if m.ID == "" {
			t.Error("dumped measurement without id")
		}
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if seen != 5 {
		t.Errorf("dumped %d measurements, want 5", seen)
	}

	// A failing callback aborts the stream.
	boom := errors.New("sink full")
	var before int
	err = store.DumpAll(ctx, func(domain.Measurement) error {
		before++
		if before == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("dump err = %v, want sink error", err)
	}
	if before != 2 {
		t.Errorf("callback ran %d times after abort, want 2", before)
	}
}
