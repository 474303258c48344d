package storage

import (
	"testing"

	"github.com/nordan/reqprof/internal/domain"
)

func TestNormalizeListDefaultsSort(t *testing.T) {
	c := NormalizeList(domain.Criteria{})
	if c.SortField != domain.SortEndedAt || !c.SortDesc {
		t.Errorf("default sort = (%q, desc=%v), want (endedAt, true)", c.SortField, c.SortDesc)
	}
	if c.Limit != defaultLimit {
		t.Errorf("default limit = %d, want %d", c.Limit, defaultLimit)
	}
}

func TestNormalizeListRejectsUnknownSortField(t *testing.T) {
	c := NormalizeList(domain.Criteria{SortField: "context.body"})
	if c.SortField != domain.SortEndedAt {
		t.Errorf("unknown sort field passed through as %q", c.SortField)
	}

	// Grouped-only fields are not listable.
	c = NormalizeList(domain.Criteria{SortField: domain.SortCount})
	if c.SortField != domain.SortEndedAt {
		t.Errorf("grouped-only sort field accepted for listing: %q", c.SortField)
	}
}

func TestNormalizeListKeepsValidSort(t *testing.T) {
	c := NormalizeList(domain.Criteria{SortField: domain.SortElapsed, SortDesc: false})
	if c.SortField != domain.SortElapsed || c.SortDesc {
		t.Errorf("valid sort rewritten to (%q, desc=%v)", c.SortField, c.SortDesc)
	}
}

func TestNormalizeGroupedDefaultsAndAllowList(t *testing.T) {
	c := NormalizeGrouped(domain.Criteria{})
	if c.SortField != domain.SortCount || !c.SortDesc {
		t.Errorf("default grouped sort = (%q, desc=%v), want (count, true)", c.SortField, c.SortDesc)
	}

	c = NormalizeGrouped(domain.Criteria{SortField: domain.SortAvgElapsed})
	if c.SortField != domain.SortAvgElapsed {
		t.Errorf("aggregate sort field rejected: %q", c.SortField)
	}

	// List-only fields fall back for grouping.
	c = NormalizeGrouped(domain.Criteria{SortField: domain.SortStartedAt})
	if c.SortField != domain.SortCount {
		t.Errorf("list-only sort field accepted for grouping: %q", c.SortField)
	}
}

func TestClampPage(t *testing.T) {
	c := clampPage(domain.Criteria{Skip: -5, Limit: 0})
	if c.Skip != 0 || c.Limit != defaultLimit {
		t.Errorf("clamped to skip=%d limit=%d", c.Skip, c.Limit)
	}
	c = clampPage(domain.Criteria{Limit: maxLimit + 1})
	if c.Limit != maxLimit {
		t.Errorf("oversized limit = %d, want %d", c.Limit, maxLimit)
	}
}
