package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nordan/reqprof/internal/domain"
	"github.com/nordan/reqprof/internal/service/query"
	"github.com/nordan/reqprof/internal/storage/storagetest"
	"github.com/nordan/reqprof/pkg/config"
)

func testRouter(t *testing.T, store *storagetest.Fake) *Router {
	t.Helper()
	cfg := config.Config{
		QueryTimeout:    5 * time.Second,
		DefaultPageSize: 100,
		MaxPageSize:     1000,
		Lookback:        7 * 24 * time.Hour,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRouter(log, query.New(store, cfg, log), NewMemoryRateLimiter(), "profiler")
	t.Cleanup(r.Close)
	return r
}

func doRequest(r *Router, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestListReturnsPageEnvelope(t *testing.T) {
	store := &storagetest.Fake{}
	store.ListFn = func(ctx context.Context, c domain.Criteria) (domain.Page, error) {
		return domain.Page{
			TotalCount: 2,
			Results: []domain.Measurement{
				{ID: "1", Name: "/widgets", Method: "GET"},
				{ID: "2", Name: "/widgets", Method: "POST"},
			},
		}, nil
	}
	rec := doRequest(testRouter(t, store), http.MethodGet, "/profiler/api/measurements/")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		TotalCount int64                `json:"totalCount"`
		Results    []domain.Measurement `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.TotalCount != 2 || len(payload.Results) != 2 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestListValidationErrorIs400WithField(t *testing.T) {
	rec := doRequest(testRouter(t, &storagetest.Fake{}), http.MethodGet, "/profiler/api/measurements/?elapsed=fast")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["field"] != "elapsed" {
		t.Errorf("field = %q, want elapsed", payload["field"])
	}
	if payload["error"] == "" {
		t.Error("error message missing")
	}
}

func TestGetMissingMeasurementIs404(t *testing.T) {
	rec := doRequest(testRouter(t, &storagetest.Fake{}), http.MethodGet, "/profiler/api/measurements/12345")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGetReturnsMeasurement(t *testing.T) {
	store := &storagetest.Fake{}
	store.GetFn = func(ctx context.Context, id string) (domain.Measurement, error) {
		return domain.Measurement{ID: id, Name: "/widgets", Method: "GET", Elapsed: 0.25}, nil
	}
	rec := doRequest(testRouter(t, store), http.MethodGet, "/profiler/api/measurements/42")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var m domain.Measurement
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if m.ID != "42" || m.Elapsed != 0.25 {
		t.Errorf("measurement = %+v", m)
	}
}

func TestGroupedEnvelope(t *testing.T) {
	store := &storagetest.Fake{}
	store.GroupedFn = func(ctx context.Context, c domain.Criteria) ([]domain.GroupedStat, error) {
		return []domain.GroupedStat{{Name: "/ping", Method: "GET", Count: 3, MinElapsed: 0.1, MaxElapsed: 0.3, AvgElapsed: 0.2}}, nil
	}
	rec := doRequest(testRouter(t, store), http.MethodGet, "/profiler/api/measurements/grouped")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Results []domain.GroupedStat `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload.Results) != 1 || payload.Results[0].Count != 3 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestTimeseriesEnvelope(t *testing.T) {
	store := &storagetest.Fake{}
	store.TimeseriesFn = func(ctx context.Context, c domain.Criteria, width float64) ([]domain.TimeBucket, error) {
		return []domain.TimeBucket{{Start: 1700000000, Count: 4}, {Start: 1700003600, Count: 0}}, nil
	}
	rec := doRequest(testRouter(t, store), http.MethodGet, "/profiler/api/measurements/timeseries/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Series []domain.TimeBucket `json:"series"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload.Series) != 2 || payload.Series[0].Count != 4 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestMethodDistributionEnvelope(t *testing.T) {
	store := &storagetest.Fake{}
	store.DistributionFn = func(ctx context.Context, c domain.Criteria) (map[string]int64, error) {
		return map[string]int64{"GET": 7, "POST": 2}, nil
	}
	rec := doRequest(testRouter(t, store), http.MethodGet, "/profiler/api/measurements/methodDistribution/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Distribution map[string]int64 `json:"distribution"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.Distribution["GET"] != 7 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestDumpStreamsJSONArrayAsAttachment(t *testing.T) {
	store := &storagetest.Fake{}
	for i := 0; i < 3; i++ {
		if _, err := store.Insert(context.Background(), domain.Measurement{Name: "/widgets", Method: "GET"}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	rec := doRequest(testRouter(t, store), http.MethodGet, "/profiler/db/dumpDatabase")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="dump.json"` {
		t.Errorf("content disposition = %q", got)
	}
	var dumped []domain.Measurement
	if err := json.Unmarshal(rec.Body.Bytes(), &dumped); err != nil {
		t.Fatalf("dump is not a JSON array: %v", err)
	}
	if len(dumped) != 3 {
		t.Errorf("dumped %d measurements, want 3", len(dumped))
	}
}

func TestDeleteDatabaseReportsCount(t *testing.T) {
	store := &storagetest.Fake{}
	store.DeleteAllFn = func(ctx context.Context) (int64, error) { return 9, nil }
	rec := doRequest(testRouter(t, store), http.MethodGet, "/profiler/db/deleteDatabase")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["deleted"] != 9 {
		t.Errorf("payload = %v", payload)
	}
}

func TestHealthzDegradedWhenStorageDown(t *testing.T) {
	store := &storagetest.Fake{PingErr: errors.New("connection refused")}
	rec := doRequest(testRouter(t, store), http.MethodGet, "/profiler/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = doRequest(testRouter(t, &storagetest.Fake{}), http.MethodGet, "/profiler/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}
}

func TestResponsesCarryRobotsHeader(t *testing.T) {
	rec := doRequest(testRouter(t, &storagetest.Fake{}), http.MethodGet, "/profiler/api/measurements/")
	if got := rec.Header().Get("X-Robots-Tag"); got != "noindex, nofollow" {
		t.Errorf("X-Robots-Tag = %q", got)
	}
}

func TestStorageFailureIs500(t *testing.T) {
	store := &storagetest.Fake{}
	store.ListFn = func(ctx context.Context, c domain.Criteria) (domain.Page, error) {
		return domain.Page{}, errors.New("disk on fire")
	}
	rec := doRequest(testRouter(t, store), http.MethodGet, "/profiler/api/measurements/")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDeleteDatabaseIsRateLimited(t *testing.T) {
	store := &storagetest.Fake{}
	store.DeleteAllFn = func(ctx context.Context) (int64, error) { return 0, nil }
	r := testRouter(t, store)

	var last *httptest.ResponseRecorder
	for i := 0; i < rateLimitDelete+1; i++ {
		last = doRequest(r, http.MethodGet, "/profiler/db/deleteDatabase")
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status after exceeding limit = %d, want 429", last.Code)
	}
	if last.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("rate limit headers missing")
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	rec := doRequest(testRouter(t, &storagetest.Fake{}), http.MethodGet, "/profiler/api/nonsense")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
