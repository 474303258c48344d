package domain

import "encoding/json"

// Measurement is one immutable record of a captured request. Once
// inserted it is never updated; corrections go through delete and
// reinsert.
type Measurement struct {
	// ID is assigned by the backend on insert and exposed as an opaque
	// string regardless of the engine's native identifier type.
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Method string `json:"method"`
	// Args holds the bound query parameters, Kwargs the bound path
	// parameters for this request.
	Args      map[string]string `json:"args"`
	Kwargs    map[string]string `json:"kwargs"`
	StartedAt float64           `json:"startedAt"`
	EndedAt   float64           `json:"endedAt"`
	Elapsed   float64           `json:"elapsed"`
	Context   RequestContext    `json:"context"`
	// ProfileStats carries the stack sampler output when stack sampling
	// was enabled and the session completed; absent otherwise.
	ProfileStats json.RawMessage `json:"profileStats,omitempty"`
}

// RequestContext is the request metadata snapshot taken at handler entry.
type RequestContext struct {
	URL       string            `json:"url"`
	IP        string            `json:"ip"`
	RequestID string            `json:"requestId,omitempty"`
	Query     string            `json:"query"`
	Body      string            `json:"body"`
	Headers   map[string]string `json:"headers"`
}

// Sortable listing fields.
const (
	SortStartedAt = "startedAt"
	SortEndedAt   = "endedAt"
	SortElapsed   = "elapsed"
	SortMethod    = "method"
	SortName      = "name"

	// Grouped-only sort fields.
	SortCount      = "count"
	SortMinElapsed = "minElapsed"
	SortMaxElapsed = "maxElapsed"
	SortAvgElapsed = "avgElapsed"
)

// Criteria filters and pages measurement queries. It is request scoped
// and never persisted.
type Criteria struct {
	// Method matches exactly, case-insensitively, when non-empty.
	Method string
	// Name matches as a substring when non-empty.
	Name string
	// Elapsed, when set, keeps measurements at or above the threshold.
	Elapsed *float64
	// StartedAt/EndedAt bound the time window (unix seconds, inclusive):
	// measurement.startedAt >= StartedAt and measurement.endedAt <= EndedAt.
	StartedAt float64
	EndedAt   float64
	Skip      int
	Limit     int
	SortField string
	SortDesc  bool
}

// Page is the listing envelope: one page of results plus the number of
// measurements matching the criteria with pagination ignored.
type Page struct {
	TotalCount int64         `json:"totalCount"`
	Results    []Measurement `json:"results"`
}

// GroupedStat aggregates measurements sharing a (name, method) pair.
type GroupedStat struct {
	Name       string  `json:"name"`
	Method     string  `json:"method"`
	Count      int64   `json:"count"`
	MinElapsed float64 `json:"minElapsed"`
	MaxElapsed float64 `json:"maxElapsed"`
	AvgElapsed float64 `json:"avgElapsed"`
}

// TimeBucket is one fixed-width interval of the timeseries. Start is the
// left-inclusive bucket boundary in unix seconds.
type TimeBucket struct {
	Start float64 `json:"bucketStart"`
	Count int64   `json:"count"`
}
