package storage

import "github.com/nordan/reqprof/internal/domain"

const (
	defaultLimit = 100
	maxLimit     = 1000
)

var listSortFields = map[string]bool{
	domain.SortStartedAt: true,
	domain.SortEndedAt:   true,
	domain.SortElapsed:   true,
	domain.SortMethod:    true,
	domain.SortName:      true,
}

var groupedSortFields = map[string]bool{
	domain.SortMethod:     true,
	domain.SortName:       true,
	domain.SortCount:      true,
	domain.SortMinElapsed: true,
	domain.SortMaxElapsed: true,
	domain.SortAvgElapsed: true,
}

// NormalizeList clamps pagination and replaces unrecognised sort fields
// with the default (endedAt descending). Every adapter funnels listing
// criteria through here so the engines stay in lockstep.
func NormalizeList(c domain.Criteria) domain.Criteria {
	c = clampPage(c)
	if !listSortFields[c.SortField] {
		c.SortField = domain.SortEndedAt
		c.SortDesc = true
	}
	return c
}

// NormalizeGrouped is NormalizeList for the grouped aggregation, whose
// sort allow-list additionally covers the aggregate columns. Default is
// count descending.
func NormalizeGrouped(c domain.Criteria) domain.Criteria {
	c = clampPage(c)
	if !groupedSortFields[c.SortField] {
		c.SortField = domain.SortCount
		c.SortDesc = true
	}
	return c
}

func clampPage(c domain.Criteria) domain.Criteria {
	if c.Skip < 0 {
		c.Skip = 0
	}
	if c.Limit <= 0 {
		c.Limit = defaultLimit
	}
	if c.Limit > maxLimit {
		c.Limit = maxLimit
	}
	return c
}
