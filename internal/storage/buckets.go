package storage

import (
	"math"

	"github.com/nordan/reqprof/internal/domain"
)

// BucketCount returns the number of fixed-width buckets covering the
// criteria window: ceil((end - start) / width), at least one for a
// non-empty window.
func BucketCount(start, end, width float64) int {
	if width <= 0 || end <= start {
		return 0
	}
	return int(math.Ceil((end - start) / width))
}

// BucketIndex places a measurement start time into its bucket. Buckets
// are left-inclusive: a value exactly on a boundary belongs to the
// bucket it opens.
func BucketIndex(startedAt, windowStart, width float64) int {
	return int(math.Floor((startedAt - windowStart) / width))
}

// FillBuckets expands sparse per-index counts from a backend's grouped
// query into the complete contiguous bucket sequence, zero-filling
// empty intervals. Indexes outside the window are dropped; every
// adapter relies on this so the three engines return identical series.
func FillBuckets(start, end, width float64, counts map[int]int64) []domain.TimeBucket {
	n := BucketCount(start, end, width)
	if n == 0 {
		return []domain.TimeBucket{}
	}
	series := make([]domain.TimeBucket, n)
	for i := range series {
		series[i].Start = start + float64(i)*width
	}
	for idx, count := range counts {
		if idx >= 0 && idx < n {
			series[idx].Count = count
		}
	}
	return series
}
