package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Deviation directions relative to cost efficiency.
const (
	DirectionGood = "good"
	DirectionBad  = "bad"
)

// Prediction models.
const (
	ModelBurnout  = "burnout"
	ModelRecovery = "recovery"
)

// MetricDeviation records one secondary metric whose delta exceeded the
// significance threshold around an anomalous week.
type MetricDeviation struct {
	Metric    Metric  `json:"metric"`
	DeltaPct  float64 `json:"delta_pct"`
	Direction string  `json:"direction"`
}

// WeekDeviations groups deviations by how many weeks before the anomaly they occurred.
type WeekDeviations struct {
	WeeksAgo   int               `json:"weeks_ago"`
	Deviations []MetricDeviation `json:"deviations"`
}

// AnomalyRecord is the append-only audit entry for an anomalous week.
type AnomalyRecord struct {
	AccountID string
	AdID      string
	WeekStart time.Time

	Severity    string // "moderate" or "high"
	CPRDeltaPct float64

	HasDeliveryGap bool
	PauseDaysCount int

	PrecedingDeviations []WeekDeviations
	CreatedAt           time.Time
}

// InsertAnomaly appends an anomaly row. Re-detecting an already flagged week
// is a no-op; the bool reports whether the row was inserted.
func (s *Store) InsertAnomaly(ctx context.Context, rec AnomalyRecord) (bool, error) {
	if rec.AccountID == "" || rec.AdID == "" || rec.WeekStart.IsZero() {
		return false, fmt.Errorf("account_id, ad_id and week_start are required")
	}
	deviationsJSON, err := marshalJSON(rec.PrecedingDeviations)
	if err != nil {
		return false, err
	}
	var inserted bool
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO anomalies (account_id, ad_id, week_start, severity, cpr_delta_pct, has_delivery_gap, pause_days_count, preceding_deviations, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (account_id, ad_id, week_start) DO NOTHING
RETURNING true`, rec.AccountID, rec.AdID, rec.WeekStart, rec.Severity, rec.CPRDeltaPct, rec.HasDeliveryGap, rec.PauseDaysCount, deviationsJSON).Scan(&inserted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ListAnomalies returns anomalies raised for an account in one week.
func (s *Store) ListAnomalies(ctx context.Context, accountID string, weekStart time.Time) ([]AnomalyRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT account_id, ad_id, week_start, severity, cpr_delta_pct, has_delivery_gap, pause_days_count, preceding_deviations, created_at
FROM anomalies
WHERE account_id = $1 AND week_start = $2
ORDER BY ad_id`, accountID, weekStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnomalyRecord
	for rows.Next() {
		var (
			rec            AnomalyRecord
			deviationsJSON []byte
		)
		if err := rows.Scan(&rec.AccountID, &rec.AdID, &rec.WeekStart, &rec.Severity, &rec.CPRDeltaPct, &rec.HasDeliveryGap, &rec.PauseDaysCount, &deviationsJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(deviationsJSON) > 0 {
			if err := json.Unmarshal(deviationsJSON, &rec.PrecedingDeviations); err != nil {
				return nil, fmt.Errorf("unmarshal preceding deviations: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SignalWeight explains one metric's contribution to a prediction score.
type SignalWeight struct {
	Signal Metric  `json:"signal"`
	Weight float64 `json:"weight"`
}

// PredictionRecord holds the burnout or recovery estimate for one ad week.
// Recomputation overwrites; exactly one row per (account, ad, week, model).
type PredictionRecord struct {
	AccountID string
	AdID      string
	WeekStart time.Time
	Model     string

	Score      float64
	Level      string
	Change1W   float64
	Change2W   float64
	Confidence float64
	TopSignals []SignalWeight
	ComputedAt time.Time
}

// UpsertPrediction stores a prediction, last write wins.
func (s *Store) UpsertPrediction(ctx context.Context, rec PredictionRecord) error {
	if rec.Model != ModelBurnout && rec.Model != ModelRecovery {
		return fmt.Errorf("unknown prediction model %q", rec.Model)
	}
	signalsJSON, err := marshalJSON(rec.TopSignals)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO predictions (account_id, ad_id, week_start, model, score, level, change_1w, change_2w, confidence, top_signals, computed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
ON CONFLICT (account_id, ad_id, week_start, model) DO UPDATE SET
  score = EXCLUDED.score,
  level = EXCLUDED.level,
  change_1w = EXCLUDED.change_1w,
  change_2w = EXCLUDED.change_2w,
  confidence = EXCLUDED.confidence,
  top_signals = EXCLUDED.top_signals,
  computed_at = NOW();
`, rec.AccountID, rec.AdID, rec.WeekStart, rec.Model, rec.Score, rec.Level, rec.Change1W, rec.Change2W, rec.Confidence, signalsJSON)
	return err
}

// ListPredictions returns predictions for an account week, optionally filtered by model.
func (s *Store) ListPredictions(ctx context.Context, accountID string, weekStart time.Time, model string) ([]PredictionRecord, error) {
	query := `
SELECT account_id, ad_id, week_start, model, score, level, change_1w, change_2w, confidence, top_signals, computed_at
FROM predictions
WHERE account_id = $1 AND week_start = $2`
	args := []interface{}{accountID, weekStart}
	if model != "" {
		query += ` AND model = $3`
		args = append(args, model)
	}
	query += ` ORDER BY ad_id, model`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PredictionRecord
	for rows.Next() {
		var (
			rec         PredictionRecord
			signalsJSON []byte
		)
		if err := rows.Scan(&rec.AccountID, &rec.AdID, &rec.WeekStart, &rec.Model, &rec.Score, &rec.Level, &rec.Change1W, &rec.Change2W, &rec.Confidence, &signalsJSON, &rec.ComputedAt); err != nil {
			return nil, err
		}
		if len(signalsJSON) > 0 {
			if err := json.Unmarshal(signalsJSON, &rec.TopSignals); err != nil {
				return nil, fmt.Errorf("unmarshal top signals: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QuantileBucket is one slice of the supporting quantile breakdown
// behind a correlation statistic.
type QuantileBucket struct {
	Quantile float64 `json:"quantile"`
	Value    float64 `json:"value"`
}

// CorrelationStat caches the lead-lag correlation of one metric with future
// CPR across an account's ad population. One row per (account, metric).
type CorrelationStat struct {
	AccountID string
	Metric    Metric

	Lag1Corr      float64
	Lag2Corr      float64
	Quantiles     []QuantileBucket
	SampleSize    int
	LowConfidence bool
	ComputedAt    time.Time
}

// UpsertCorrelationStat stores one correlation row, last write wins.
func (s *Store) UpsertCorrelationStat(ctx context.Context, rec CorrelationStat) error {
	quantilesJSON, err := marshalJSON(rec.Quantiles)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO correlation_stats (account_id, metric, lag1_corr, lag2_corr, quantiles, sample_size, low_confidence, computed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (account_id, metric) DO UPDATE SET
  lag1_corr = EXCLUDED.lag1_corr,
  lag2_corr = EXCLUDED.lag2_corr,
  quantiles = EXCLUDED.quantiles,
  sample_size = EXCLUDED.sample_size,
  low_confidence = EXCLUDED.low_confidence,
  computed_at = NOW();
`, rec.AccountID, string(rec.Metric), rec.Lag1Corr, rec.Lag2Corr, quantilesJSON, rec.SampleSize, rec.LowConfidence)
	return err
}

// ListCorrelationStats returns all cached correlation rows for an account.
func (s *Store) ListCorrelationStats(ctx context.Context, accountID string) ([]CorrelationStat, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT account_id, metric, lag1_corr, lag2_corr, quantiles, sample_size, low_confidence, computed_at
FROM correlation_stats
WHERE account_id = $1
ORDER BY metric`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CorrelationStat
	for rows.Next() {
		var (
			rec           CorrelationStat
			metric        string
			quantilesJSON []byte
		)
		if err := rows.Scan(&rec.AccountID, &metric, &rec.Lag1Corr, &rec.Lag2Corr, &quantilesJSON, &rec.SampleSize, &rec.LowConfidence, &rec.ComputedAt); err != nil {
			return nil, err
		}
		rec.Metric = Metric(metric)
		if len(quantilesJSON) > 0 {
			if err := json.Unmarshal(quantilesJSON, &rec.Quantiles); err != nil {
				return nil, fmt.Errorf("unmarshal quantiles: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
