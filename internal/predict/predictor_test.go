package predict

import (
	"context"
	"testing"
	"time"

	"github.com/adpilot-hq/adpilot/internal/store"
)

type fakePredictStore struct {
	rows     []store.WeeklyFeatureRow
	stats    []store.CorrelationStat
	upserted []store.PredictionRecord
}

func (f *fakePredictStore) ListWeeklyFeatures(ctx context.Context, accountID string, weekStart time.Time) ([]store.WeeklyFeatureRow, error) {
	return f.rows, nil
}

func (f *fakePredictStore) ListCorrelationStats(ctx context.Context, accountID string) ([]store.CorrelationStat, error) {
	return f.stats, nil
}

func (f *fakePredictStore) UpsertPrediction(ctx context.Context, rec store.PredictionRecord) error {
	f.upserted = append(f.upserted, rec)
	return nil
}

func stat(m store.Metric, lag1 float64, low bool) store.CorrelationStat {
	return store.CorrelationStat{
		AccountID:     "acct-1",
		Metric:        m,
		Lag1Corr:      lag1,
		SampleSize:    40,
		LowConfidence: low,
	}
}

func scoredRow(freqDelta, cprDelta *float64) store.WeeklyFeatureRow {
	return store.WeeklyFeatureRow{
		AccountID: "acct-1",
		AdID:      "ad-1",
		WeekStart: time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
		Metrics: map[store.Metric]store.MetricWindow{
			store.MetricFrequency: {DeltaPct: freqDelta},
			store.MetricCPR:       {DeltaPct: cprDelta},
		},
	}
}

func TestPredictWeekWritesBurnoutAndRecovery(t *testing.T) {
	fake := &fakePredictStore{
		rows:  []store.WeeklyFeatureRow{scoredRow(fptr(80), fptr(40))},
		stats: []store.CorrelationStat{stat(store.MetricFrequency, 0.9, false)},
	}
	p := NewPredictor(nil, fake, nil)

	n, err := p.PredictWeek(context.Background(), "acct-1", time.Now())
	if err != nil {
		t.Fatalf("PredictWeek: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected burnout + recovery records, got %d", n)
	}

	byModel := map[string]store.PredictionRecord{}
	for _, rec := range fake.upserted {
		byModel[rec.Model] = rec
	}
	burnout := byModel[store.ModelBurnout]
	if burnout.Score <= 0.5 {
		t.Fatalf("frequency pressure with positive correlation must push burnout above 0.5: %v", burnout.Score)
	}
	if burnout.Score < 0 || burnout.Score > 1 {
		t.Fatalf("score out of range: %v", burnout.Score)
	}
	if len(burnout.TopSignals) == 0 || burnout.TopSignals[0].Signal != store.MetricFrequency {
		t.Fatalf("top signals: %+v", burnout.TopSignals)
	}
	recovery := byModel[store.ModelRecovery]
	if recovery.Score >= burnout.Score {
		t.Fatalf("recovery should oppose burnout pressure: burnout=%v recovery=%v", burnout.Score, recovery.Score)
	}
}

func TestPredictWeekRecoveryZeroWhenCPRNotElevated(t *testing.T) {
	fake := &fakePredictStore{
		rows:  []store.WeeklyFeatureRow{scoredRow(fptr(-50), fptr(-10))},
		stats: []store.CorrelationStat{stat(store.MetricFrequency, 0.9, false)},
	}
	p := NewPredictor(nil, fake, nil)

	if _, err := p.PredictWeek(context.Background(), "acct-1", time.Now()); err != nil {
		t.Fatalf("PredictWeek: %v", err)
	}
	for _, rec := range fake.upserted {
		if rec.Model == store.ModelRecovery && rec.Score != 0 {
			t.Fatalf("recovery only applies to degraded ads: %v", rec.Score)
		}
	}
}

func TestPredictWeekNoCorrelationHistory(t *testing.T) {
	fake := &fakePredictStore{rows: []store.WeeklyFeatureRow{scoredRow(fptr(80), fptr(40))}}
	p := NewPredictor(nil, fake, nil)

	n, err := p.PredictWeek(context.Background(), "acct-1", time.Now())
	if err != nil {
		t.Fatalf("PredictWeek: %v", err)
	}
	if n != 0 {
		t.Fatalf("no correlations means nothing to score, wrote %d", n)
	}
}

func TestCollectTermsLowConfidenceDiscount(t *testing.T) {
	p := NewPredictor(nil, &fakePredictStore{}, nil)
	row := scoredRow(fptr(80), fptr(40))

	strong := map[store.Metric]store.CorrelationStat{
		store.MetricFrequency: stat(store.MetricFrequency, 0.9, false),
	}
	weak := map[store.Metric]store.CorrelationStat{
		store.MetricFrequency: stat(store.MetricFrequency, 0.9, true),
	}

	_, strongConf := p.collectTerms(row, strong)
	_, weakConf := p.collectTerms(row, weak)
	if weakConf >= strongConf {
		t.Fatalf("low-confidence stats must reduce confidence: strong=%v weak=%v", strongConf, weakConf)
	}
}

func TestLevelBands(t *testing.T) {
	if level(0.2) != LevelLow || level(0.5) != LevelMedium || level(0.65) != LevelHigh || level(0.9) != LevelHigh {
		t.Fatalf("level bands misconfigured")
	}
}
