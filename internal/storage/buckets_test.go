package storage

import "testing"

func TestBucketCount(t *testing.T) {
	cases := []struct {
		name              string
		start, end, width float64
		want              int
	}{
		{"exact multiple", 0, 30, 10, 3},
		{"partial last bucket", 0, 35, 10, 4},
		{"window smaller than bucket", 0, 5, 10, 1},
		{"empty window", 10, 10, 10, 0},
		{"inverted window", 20, 10, 10, 0},
		{"zero width", 0, 10, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := BucketCount(tc.start, tc.end, tc.width); got != tc.want {
				t.Errorf("BucketCount(%v, %v, %v) = %d, want %d", tc.start, tc.end, tc.width, got, tc.want)
			}
		})
	}
}

func TestBucketIndexBoundaryIsLeftInclusive(t *testing.T) {
	if got := BucketIndex(10, 0, 10); got != 1 {
		t.Errorf("boundary value landed in bucket %d, want 1", got)
	}
	if got := BucketIndex(9.999, 0, 10); got != 0 {
		t.Errorf("value below boundary landed in bucket %d, want 0", got)
	}
}

func TestFillBucketsZeroFillsGaps(t *testing.T) {
	series := FillBuckets(100, 135, 10, map[int]int64{0: 3, 2: 1})
	if len(series) != 4 {
		t.Fatalf("len = %d, want 4", len(series))
	}
	wantCounts := []int64{3, 0, 1, 0}
	for i, bucket := range series {
		if bucket.Count != wantCounts[i] {
			t.Errorf("bucket %d count = %d, want %d", i, bucket.Count, wantCounts[i])
		}
		if want := 100 + float64(i)*10; bucket.Start != want {
			t.Errorf("bucket %d start = %v, want %v", i, bucket.Start, want)
		}
	}
}

func TestFillBucketsDropsOutOfWindowIndexes(t *testing.T) {
	series := FillBuckets(0, 20, 10, map[int]int64{-1: 5, 0: 1, 7: 9})
	if len(series) != 2 {
		t.Fatalf("len = %d, want 2", len(series))
	}
	if series[0].Count != 1 || series[1].Count != 0 {
		t.Errorf("series = %+v", series)
	}
}

func TestFillBucketsEmptyWindow(t *testing.T) {
	series := FillBuckets(10, 10, 10, nil)
	if series == nil || len(series) != 0 {
		t.Fatalf("series = %#v, want empty non-nil slice", series)
	}
}
