package query

import (
	"context"
	"errors"
	"math"
	"net/url"
	"testing"
	"time"

	"github.com/nordan/reqprof/internal/domain"
	"github.com/nordan/reqprof/internal/storage/storagetest"
	"github.com/nordan/reqprof/pkg/config"
)

func testConfig() config.Config {
	return config.Config{
		QueryTimeout:    5 * time.Second,
		DefaultPageSize: 100,
		MaxPageSize:     1000,
		Lookback:        7 * 24 * time.Hour,
	}
}

func fixedNow() time.Time {
	return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
}

func newService(store *storagetest.Fake) *Service {
	svc := New(store, testConfig(), nil)
	svc.now = fixedNow
	return svc
}

func TestListDefaultsWindowAndPage(t *testing.T) {
	store := &storagetest.Fake{}
	var seen domain.Criteria
	store.ListFn = func(ctx context.Context, c domain.Criteria) (domain.Page, error) {
		seen = c
		return domain.Page{Results: []domain.Measurement{}}, nil
	}
	svc := newService(store)

	if _, err := svc.List(context.Background(), url.Values{}); err != nil {
		t.Fatalf("list: %v", err)
	}

	now := float64(fixedNow().UnixNano()) / 1e9
	wantStart := now - (7 * 24 * time.Hour).Seconds()
	if math.Abs(seen.StartedAt-wantStart) > 1e-6 {
		t.Errorf("startedAt = %v, want %v (now minus lookback)", seen.StartedAt, wantStart)
	}
	if math.Abs(seen.EndedAt-(now+0.5)) > 1e-6 {
		t.Errorf("endedAt = %v, want now plus half a second", seen.EndedAt)
	}
	if seen.Limit != 100 {
		t.Errorf("limit = %d, want default 100", seen.Limit)
	}
	if seen.Skip != 0 {
		t.Errorf("skip = %d", seen.Skip)
	}
}

func TestListParsesFilters(t *testing.T) {
	store := &storagetest.Fake{}
	var seen domain.Criteria
	store.ListFn = func(ctx context.Context, c domain.Criteria) (domain.Page, error) {
		seen = c
		return domain.Page{}, nil
	}
	svc := newService(store)

	params := url.Values{
		"method":    {"post"},
		"name":      {"/widgets"},
		"elapsed":   {"0.25"},
		"startedAt": {"1700000000"},
		"endedAt":   {"1700003600"},
		"skip":      {"20"},
		"limit":     {"50"},
		"sort":      {"elapsed,asc"},
	}
	if _, err := svc.List(context.Background(), params); err != nil {
		t.Fatalf("list: %v", err)
	}
	if seen.Method != "post" || seen.Name != "/widgets" {
		t.Errorf("filters = (%q, %q)", seen.Method, seen.Name)
	}
	if seen.Elapsed == nil || *seen.Elapsed != 0.25 {
		t.Errorf("elapsed = %v", seen.Elapsed)
	}
	if seen.StartedAt != 1700000000 || seen.EndedAt != 1700003600 {
		t.Errorf("window = (%v, %v)", seen.StartedAt, seen.EndedAt)
	}
	if seen.Skip != 20 || seen.Limit != 50 {
		t.Errorf("page = (skip=%d, limit=%d)", seen.Skip, seen.Limit)
	}
	if seen.SortField != "elapsed" || seen.SortDesc {
		t.Errorf("sort = (%q, desc=%v)", seen.SortField, seen.SortDesc)
	}
}

func TestListClampsOversizedLimit(t *testing.T) {
	store := &storagetest.Fake{}
	var seen domain.Criteria
	store.ListFn = func(ctx context.Context, c domain.Criteria) (domain.Page, error) {
		seen = c
		return domain.Page{}, nil
	}
	svc := newService(store)

	if _, err := svc.List(context.Background(), url.Values{"limit": {"99999"}}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if seen.Limit != 1000 {
		t.Errorf("limit = %d, want clamped to 1000", seen.Limit)
	}
}

func TestListValidationErrorsNameTheField(t *testing.T) {
	svc := newService(&storagetest.Fake{})
	cases := []struct {
		params url.Values
		field  string
	}{
		{url.Values{"elapsed": {"fast"}}, "elapsed"},
		{url.Values{"startedAt": {"yesterday"}}, "startedAt"},
		{url.Values{"endedAt": {"later"}}, "endedAt"},
		{url.Values{"skip": {"-1"}}, "skip"},
		{url.Values{"limit": {"0"}}, "limit"},
		{url.Values{"sort": {"elapsed,sideways"}}, "sort"},
	}
	for _, tc := range cases {
		_, err := svc.List(context.Background(), tc.params)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("params %v: err = %v, want ValidationError", tc.params, err)
			continue
		}
		if verr.Field != tc.field {
			t.Errorf("params %v: field = %q, want %q", tc.params, verr.Field, tc.field)
		}
	}
}

func TestSortDirectionDefaultsToDescending(t *testing.T) {
	store := &storagetest.Fake{}
	var seen domain.Criteria
	store.ListFn = func(ctx context.Context, c domain.Criteria) (domain.Page, error) {
		seen = c
		return domain.Page{}, nil
	}
	svc := newService(store)

	if _, err := svc.List(context.Background(), url.Values{"sort": {"startedAt"}}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if seen.SortField != "startedAt" || !seen.SortDesc {
		t.Errorf("sort = (%q, desc=%v), want descending", seen.SortField, seen.SortDesc)
	}
}

func TestTimeseriesIntervals(t *testing.T) {
	store := &storagetest.Fake{}
	var seenWidth float64
	store.TimeseriesFn = func(ctx context.Context, c domain.Criteria, width float64) ([]domain.TimeBucket, error) {
		seenWidth = width
		return []domain.TimeBucket{}, nil
	}
	svc := newService(store)
	ctx := context.Background()

	if _, err := svc.Timeseries(ctx, url.Values{}); err != nil {
		t.Fatalf("default interval: %v", err)
	}
	if seenWidth != 3600 {
		t.Errorf("default width = %v, want hourly", seenWidth)
	}

	if _, err := svc.Timeseries(ctx, url.Values{"interval": {"daily"}}); err != nil {
		t.Fatalf("daily interval: %v", err)
	}
	if seenWidth != 86400 {
		t.Errorf("daily width = %v", seenWidth)
	}

	if _, err := svc.Timeseries(ctx, url.Values{"bucketSeconds": {"60"}}); err != nil {
		t.Fatalf("explicit width: %v", err)
	}
	if seenWidth != 60 {
		t.Errorf("explicit width = %v", seenWidth)
	}

	_, err := svc.Timeseries(ctx, url.Values{"interval": {"weekly"}})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "interval" {
		t.Errorf("weekly interval err = %v", err)
	}

	_, err = svc.Timeseries(ctx, url.Values{"bucketSeconds": {"-5"}})
	if !errors.As(err, &verr) || verr.Field != "bucketSeconds" {
		t.Errorf("negative width err = %v", err)
	}
}

func TestGetPassesErrNotFoundThrough(t *testing.T) {
	svc := newService(&storagetest.Fake{})
	_, err := svc.Get(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected an error for a missing id")
	}
}

func TestQueriesRunUnderDeadline(t *testing.T) {
	store := &storagetest.Fake{}
	store.ListFn = func(ctx context.Context, c domain.Criteria) (domain.Page, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("list ran without a deadline")
		}
		return domain.Page{}, nil
	}
	svc := newService(store)
	if _, err := svc.List(context.Background(), url.Values{}); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestDumpRunsWithoutServiceTimeout(t *testing.T) {
	store := &storagetest.Fake{}
	store.DumpAllFn = func(ctx context.Context, fn func(domain.Measurement) error) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("dump should not inherit the query timeout")
		}
		return nil
	}
	svc := newService(store)
	if err := svc.Dump(context.Background(), func(domain.Measurement) error { return nil }); err != nil {
		t.Fatalf("dump: %v", err)
	}
}
