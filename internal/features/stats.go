package features

import (
	"math"
	"sort"
	"time"
)

// WeekStart truncates a time to the Monday of its ISO week, UTC midnight.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	return day.AddDate(0, 0, -offset)
}

// Median returns the middle value of vs; nil when vs is empty.
func Median(vs []float64) *float64 {
	if len(vs) == 0 {
		return nil
	}
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	var m float64
	if len(sorted)%2 == 1 {
		m = sorted[mid]
	} else {
		m = (sorted[mid-1] + sorted[mid]) / 2
	}
	return &m
}

// DeltaPct computes (current-baseline)/baseline*100. Nil when either input is
// nil or the baseline is zero; the delta is unbounded otherwise.
func DeltaPct(current, baseline *float64) *float64 {
	if current == nil || baseline == nil || *baseline == 0 {
		return nil
	}
	d := (*current - *baseline) / *baseline * 100
	return &d
}

// CoefficientOfVariation returns stdev/mean of vs, nil when the mean is zero
// or vs is empty.
func CoefficientOfVariation(vs []float64) *float64 {
	if len(vs) == 0 {
		return nil
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	mean := sum / float64(len(vs))
	if mean == 0 {
		return nil
	}
	var sq float64
	for _, v := range vs {
		d := v - mean
		sq += d * d
	}
	cv := math.Sqrt(sq/float64(len(vs))) / mean
	return &cv
}

func ptr(v float64) *float64 { return &v }
