package predict

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/adpilot-hq/adpilot/internal/store"
)

type fakeStatsStore struct {
	rows     []store.WeeklyFeatureRow
	upserted []store.CorrelationStat
}

func (f *fakeStatsStore) ListAccountFeatureRows(ctx context.Context, accountID string) ([]store.WeeklyFeatureRow, error) {
	return f.rows, nil
}

func (f *fakeStatsStore) UpsertCorrelationStat(ctx context.Context, rec store.CorrelationStat) error {
	f.upserted = append(f.upserted, rec)
	return nil
}

func fptr(v float64) *float64 { return &v }

func weekRow(adID string, weekStart time.Time, freqDelta, cprDelta *float64) store.WeeklyFeatureRow {
	return store.WeeklyFeatureRow{
		AccountID: "acct-1",
		AdID:      adID,
		WeekStart: weekStart,
		Metrics: map[store.Metric]store.MetricWindow{
			store.MetricFrequency: {DeltaPct: freqDelta},
			store.MetricCPR:       {DeltaPct: cprDelta},
		},
	}
}

func TestPearson(t *testing.T) {
	if c := pearson([]float64{1, 2, 3}, []float64{2, 4, 6}); math.Abs(c-1) > 1e-9 {
		t.Fatalf("perfect positive correlation: %v", c)
	}
	if c := pearson([]float64{1, 2, 3}, []float64{6, 4, 2}); math.Abs(c+1) > 1e-9 {
		t.Fatalf("perfect negative correlation: %v", c)
	}
	if c := pearson([]float64{1, 1, 1}, []float64{2, 4, 6}); c != 0 {
		t.Fatalf("degenerate variance must yield zero: %v", c)
	}
	if c := pearson([]float64{1}, []float64{2}); c != 0 {
		t.Fatalf("single sample must yield zero: %v", c)
	}
}

func TestRecomputeAccountBuildsLeadLagSamples(t *testing.T) {
	w0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	var rows []store.WeeklyFeatureRow
	// Frequency deviation at week t tracks CPR deviation at t+1 exactly.
	devs := []float64{10, 20, 30, 40, 50, 60}
	for i, d := range devs {
		var cpr *float64
		if i > 0 {
			cpr = fptr(devs[i-1])
		}
		rows = append(rows, weekRow("ad-1", w0.AddDate(0, 0, 7*i), fptr(d), cpr))
	}
	fake := &fakeStatsStore{rows: rows}
	job := NewStatsJob(nil, fake, nil, 3)

	n, err := job.RecomputeAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("RecomputeAccount: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected correlation rows written")
	}

	var freq *store.CorrelationStat
	for i := range fake.upserted {
		if fake.upserted[i].Metric == store.MetricFrequency {
			freq = &fake.upserted[i]
		}
	}
	if freq == nil {
		t.Fatalf("no frequency correlation written")
	}
	if math.Abs(freq.Lag1Corr-1) > 1e-9 {
		t.Fatalf("lag1 correlation should be 1: %v", freq.Lag1Corr)
	}
	if freq.LowConfidence {
		t.Fatalf("enough samples, should not be low confidence (n=%d)", freq.SampleSize)
	}
	if len(freq.Quantiles) != 4 {
		t.Fatalf("quantiles: %+v", freq.Quantiles)
	}
}

func TestRecomputeAccountLowSampleGating(t *testing.T) {
	w0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := []store.WeeklyFeatureRow{
		weekRow("ad-1", w0, fptr(10), nil),
		weekRow("ad-1", w0.AddDate(0, 0, 7), fptr(20), fptr(12)),
	}
	fake := &fakeStatsStore{rows: rows}
	job := NewStatsJob(nil, fake, nil, 20)

	if _, err := job.RecomputeAccount(context.Background(), "acct-1"); err != nil {
		t.Fatalf("RecomputeAccount: %v", err)
	}
	for _, rec := range fake.upserted {
		if rec.Metric == store.MetricFrequency && !rec.LowConfidence {
			t.Fatalf("tiny sample must be flagged low confidence: %+v", rec)
		}
	}
}

func TestCollectSamplesSkipsNonContiguousWeeks(t *testing.T) {
	w0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	byAd := map[string][]store.WeeklyFeatureRow{
		"ad-1": {
			weekRow("ad-1", w0, fptr(10), nil),
			// A three-week hole: the next row is not w0+7.
			weekRow("ad-1", w0.AddDate(0, 0, 28), fptr(20), fptr(50)),
		},
	}
	if samples := collectSamples(byAd, store.MetricFrequency); len(samples) != 0 {
		t.Fatalf("gap weeks must not pair: %+v", samples)
	}
}
