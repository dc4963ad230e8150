package features

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/adpilot-hq/adpilot/internal/store"
)

type fakeFeatureStore struct {
	daily    []store.DailyInsight
	listErr  error
	upserted []store.WeeklyFeatureRow
}

func (f *fakeFeatureStore) ListDailyInsights(ctx context.Context, accountID string, from, to time.Time) ([]store.DailyInsight, error) {
	return f.daily, f.listErr
}

func (f *fakeFeatureStore) UpsertWeeklyFeatures(ctx context.Context, row store.WeeklyFeatureRow) error {
	f.upserted = append(f.upserted, row)
	return nil
}

// insightDay builds a full-delivery day with the given spend and results.
func insightDay(adID string, day time.Time, spend float64, results int64) store.DailyInsight {
	return store.DailyInsight{
		AccountID:   "acct-1",
		AdID:        adID,
		Day:         day,
		Impressions: 1000,
		Clicks:      30,
		LinkClicks:  20,
		Results:     results,
		Spend:       spend,
		Frequency:   2.0,
	}
}

func seedWeeks(adID string, weekStart time.Time, weeklyCPR []float64) []store.DailyInsight {
	// One day per week carries the whole spend; CPR = spend/results with
	// results fixed at 10.
	var rows []store.DailyInsight
	for i, cpr := range weeklyCPR {
		day := weekStart.AddDate(0, 0, -7*(len(weeklyCPR)-1-i))
		rows = append(rows, insightDay(adID, day, cpr*10, 10))
	}
	return rows
}

func TestComputeWeekWorkedCPRExample(t *testing.T) {
	weekStart := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	// Trailing CPRs 9, 8, 10, 9 then current 15. Baseline = median(9,8,10,9) = 9.
	fake := &fakeFeatureStore{daily: seedWeeks("ad-1", weekStart, []float64{9, 8, 10, 9, 15})}
	eng := NewEngine(nil, fake, 8)

	n, err := eng.ComputeWeek(context.Background(), "acct-1", weekStart)
	if err != nil {
		t.Fatalf("ComputeWeek: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row written, got %d", n)
	}

	row := fake.upserted[0]
	cpr := row.Metrics[store.MetricCPR]
	if cpr.Current == nil || *cpr.Current != 15 {
		t.Fatalf("current CPR: %v", cpr.Current)
	}
	if cpr.Lag1 == nil || *cpr.Lag1 != 9 {
		t.Fatalf("lag1 CPR: %v", cpr.Lag1)
	}
	if cpr.Lag2 == nil || *cpr.Lag2 != 10 {
		t.Fatalf("lag2 CPR: %v", cpr.Lag2)
	}
	if cpr.Baseline == nil || *cpr.Baseline != 9 {
		t.Fatalf("baseline CPR: %v", cpr.Baseline)
	}
	want := (15.0 - 9.0) / 9.0 * 100
	if cpr.DeltaPct == nil || math.Abs(*cpr.DeltaPct-want) > 1e-9 {
		t.Fatalf("delta pct: %v, want %v", cpr.DeltaPct, want)
	}
}

func TestComputeWeekNoBaselineYieldsNilDelta(t *testing.T) {
	weekStart := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	// A single trailing week is below the two-sample minimum for a median.
	fake := &fakeFeatureStore{daily: seedWeeks("ad-1", weekStart, []float64{9, 15})}
	eng := NewEngine(nil, fake, 8)

	if _, err := eng.ComputeWeek(context.Background(), "acct-1", weekStart); err != nil {
		t.Fatalf("ComputeWeek: %v", err)
	}
	cpr := fake.upserted[0].Metrics[store.MetricCPR]
	if cpr.Baseline != nil {
		t.Fatalf("baseline should be nil with one trailing sample: %v", *cpr.Baseline)
	}
	if cpr.DeltaPct != nil {
		t.Fatalf("delta should be nil without a baseline: %v", *cpr.DeltaPct)
	}
}

func TestComputeWeekZeroResultsLeavesCPRNil(t *testing.T) {
	weekStart := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	fake := &fakeFeatureStore{daily: []store.DailyInsight{
		insightDay("ad-1", weekStart, 50, 0),
	}}
	eng := NewEngine(nil, fake, 8)

	if _, err := eng.ComputeWeek(context.Background(), "acct-1", weekStart); err != nil {
		t.Fatalf("ComputeWeek: %v", err)
	}
	cpr := fake.upserted[0].Metrics[store.MetricCPR]
	if cpr.Current != nil {
		t.Fatalf("CPR must be nil with zero results, got %v", *cpr.Current)
	}
	spend := fake.upserted[0].Metrics[store.MetricSpend]
	if spend.Current == nil || *spend.Current != 50 {
		t.Fatalf("spend: %v", spend.Current)
	}
}

func TestComputeWeekSkipsAdsSilentInTargetWeek(t *testing.T) {
	weekStart := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	fake := &fakeFeatureStore{daily: []store.DailyInsight{
		insightDay("ad-old", weekStart.AddDate(0, 0, -7), 10, 5),
	}}
	eng := NewEngine(nil, fake, 8)

	n, err := eng.ComputeWeek(context.Background(), "acct-1", weekStart)
	if err != nil {
		t.Fatalf("ComputeWeek: %v", err)
	}
	if n != 0 || len(fake.upserted) != 0 {
		t.Fatalf("expected no rows for ads without target-week delivery")
	}
}

func TestComputeWeekActiveDaysAndCV(t *testing.T) {
	weekStart := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	rows := []store.DailyInsight{
		insightDay("ad-1", weekStart, 10, 2),
		insightDay("ad-1", weekStart.AddDate(0, 0, 1), 10, 2),
	}
	// A zero-impression day counts toward CV but not active days.
	rows = append(rows, store.DailyInsight{AccountID: "acct-1", AdID: "ad-1", Day: weekStart.AddDate(0, 0, 2)})
	fake := &fakeFeatureStore{daily: rows}
	eng := NewEngine(nil, fake, 8)

	if _, err := eng.ComputeWeek(context.Background(), "acct-1", weekStart); err != nil {
		t.Fatalf("ComputeWeek: %v", err)
	}
	row := fake.upserted[0]
	if row.ActiveDays != 2 {
		t.Fatalf("active days: %d", row.ActiveDays)
	}
	if row.MinDailyImpressions != 0 || row.MaxDailyImpressions != 1000 {
		t.Fatalf("impression bounds: min=%d max=%d", row.MinDailyImpressions, row.MaxDailyImpressions)
	}
	if row.DailyImpressionsCV == nil || *row.DailyImpressionsCV == 0 {
		t.Fatalf("expected nonzero CV: %v", row.DailyImpressionsCV)
	}
}
