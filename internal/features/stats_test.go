package features

import (
	"math"
	"testing"
	"time"
)

func TestWeekStartTruncatesToMonday(t *testing.T) {
	cases := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2026, 8, 31, 15, 30, 0, 0, time.UTC), time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)}, // Monday stays
		{time.Date(2026, 9, 6, 0, 0, 0, 0, time.UTC), time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)},    // Sunday rolls back
		{time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC), time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		if got := WeekStart(c.in); !got.Equal(c.want) {
			t.Fatalf("WeekStart(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestMedian(t *testing.T) {
	if Median(nil) != nil {
		t.Fatalf("expected nil median for empty input")
	}
	if m := Median([]float64{3, 1, 2}); m == nil || *m != 2 {
		t.Fatalf("odd median: %v", m)
	}
	if m := Median([]float64{4, 1, 3, 2}); m == nil || *m != 2.5 {
		t.Fatalf("even median: %v", m)
	}
}

func TestDeltaPct(t *testing.T) {
	if DeltaPct(ptr(10), nil) != nil {
		t.Fatalf("nil baseline must yield nil delta")
	}
	if DeltaPct(nil, ptr(10)) != nil {
		t.Fatalf("nil current must yield nil delta")
	}
	if DeltaPct(ptr(10), ptr(0)) != nil {
		t.Fatalf("zero baseline must yield nil delta, not a division")
	}
	d := DeltaPct(ptr(15), ptr(9.5))
	if d == nil || math.Abs(*d-57.89473684210527) > 1e-9 {
		t.Fatalf("delta: %v", d)
	}
}

func TestCoefficientOfVariation(t *testing.T) {
	if CoefficientOfVariation(nil) != nil {
		t.Fatalf("expected nil for empty input")
	}
	if CoefficientOfVariation([]float64{0, 0, 0}) != nil {
		t.Fatalf("expected nil when mean is zero")
	}
	cv := CoefficientOfVariation([]float64{100, 100, 100})
	if cv == nil || *cv != 0 {
		t.Fatalf("constant series should have zero CV: %v", cv)
	}
}
