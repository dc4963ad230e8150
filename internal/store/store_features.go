package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Metric names the performance series tracked per ad.
type Metric string

const (
	MetricImpressions     Metric = "impressions"
	MetricSpend           Metric = "spend"
	MetricResults         Metric = "results"
	MetricCPR             Metric = "cpr"
	MetricCTR             Metric = "ctr"
	MetricLinkCTR         Metric = "link_ctr"
	MetricCPM             Metric = "cpm"
	MetricFrequency       Metric = "frequency"
	MetricQualityScore    Metric = "quality_score"
	MetricEngagementScore Metric = "engagement_score"
	MetricConversionScore Metric = "conversion_score"
)

// TrackedMetrics is the fixed ordered set persisted in weekly feature rows.
var TrackedMetrics = []Metric{
	MetricImpressions, MetricSpend, MetricResults, MetricCPR, MetricCTR,
	MetricLinkCTR, MetricCPM, MetricFrequency, MetricQualityScore,
	MetricEngagementScore, MetricConversionScore,
}

// SecondaryMetrics are scanned when attributing a CPR anomaly to
// preceding deviations.
var SecondaryMetrics = []Metric{
	MetricFrequency, MetricCTR, MetricLinkCTR, MetricCPM, MetricSpend,
	MetricQualityScore, MetricEngagementScore, MetricConversionScore,
}

// MetricWindow holds the current value, two lags, and baseline stats for one metric.
// Pointers stay nil when a week or baseline is absent; lags are never zero-filled.
type MetricWindow struct {
	Current  *float64 `json:"current,omitempty"`
	Lag1     *float64 `json:"lag1,omitempty"`
	Lag2     *float64 `json:"lag2,omitempty"`
	Baseline *float64 `json:"baseline,omitempty"`
	DeltaPct *float64 `json:"delta_pct,omitempty"`
}

// WeeklyFeatureRow is the per (account, ad, week) feature vector produced
// by the feature engine.
type WeeklyFeatureRow struct {
	AccountID string
	AdID      string
	WeekStart time.Time

	Metrics map[Metric]MetricWindow

	ActiveDays           int
	MinDailyImpressions  int64
	MaxDailyImpressions  int64
	DailyImpressionsCV   *float64
	ComputedAt           time.Time
}

// Window returns the stored stats for a metric, zero value if untracked.
func (r WeeklyFeatureRow) Window(m Metric) MetricWindow {
	return r.Metrics[m]
}

// UpsertWeeklyFeatures stores one feature row, idempotent on (account, ad, week).
func (s *Store) UpsertWeeklyFeatures(ctx context.Context, row WeeklyFeatureRow) error {
	if row.AccountID == "" || row.AdID == "" || row.WeekStart.IsZero() {
		return fmt.Errorf("account_id, ad_id and week_start are required")
	}
	metricsJSON, err := marshalJSON(row.Metrics)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO weekly_features (account_id, ad_id, week_start, metrics, active_days, min_daily_impressions, max_daily_impressions, daily_impressions_cv, computed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (account_id, ad_id, week_start) DO UPDATE SET
  metrics = EXCLUDED.metrics,
  active_days = EXCLUDED.active_days,
  min_daily_impressions = EXCLUDED.min_daily_impressions,
  max_daily_impressions = EXCLUDED.max_daily_impressions,
  daily_impressions_cv = EXCLUDED.daily_impressions_cv,
  computed_at = NOW();
`, row.AccountID, row.AdID, row.WeekStart, metricsJSON, row.ActiveDays, row.MinDailyImpressions, row.MaxDailyImpressions, row.DailyImpressionsCV)
	return err
}

// GetWeeklyFeatures fetches one feature row. The bool reports whether it exists.
func (s *Store) GetWeeklyFeatures(ctx context.Context, accountID, adID string, weekStart time.Time) (WeeklyFeatureRow, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT account_id, ad_id, week_start, metrics, active_days, min_daily_impressions, max_daily_impressions, daily_impressions_cv, computed_at
FROM weekly_features
WHERE account_id = $1 AND ad_id = $2 AND week_start = $3`, accountID, adID, weekStart)
	rec, err := scanWeeklyFeatures(row)
	if err == sql.ErrNoRows {
		return WeeklyFeatureRow{}, false, nil
	}
	if err != nil {
		return WeeklyFeatureRow{}, false, err
	}
	return rec, true, nil
}

// ListWeeklyFeatures returns every feature row for an account in one week.
func (s *Store) ListWeeklyFeatures(ctx context.Context, accountID string, weekStart time.Time) ([]WeeklyFeatureRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT account_id, ad_id, week_start, metrics, active_days, min_daily_impressions, max_daily_impressions, daily_impressions_cv, computed_at
FROM weekly_features
WHERE account_id = $1 AND week_start = $2
ORDER BY ad_id`, accountID, weekStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WeeklyFeatureRow
	for rows.Next() {
		rec, err := scanWeeklyFeatures(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListFeatureHistory returns an ad's feature rows strictly before a week,
// newest first, capped at limit. Used to build correlation samples.
func (s *Store) ListFeatureHistory(ctx context.Context, accountID, adID string, before time.Time, limit int) ([]WeeklyFeatureRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT account_id, ad_id, week_start, metrics, active_days, min_daily_impressions, max_daily_impressions, daily_impressions_cv, computed_at
FROM weekly_features
WHERE account_id = $1 AND ad_id = $2 AND week_start < $3
ORDER BY week_start DESC
LIMIT $4`, accountID, adID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WeeklyFeatureRow
	for rows.Next() {
		rec, err := scanWeeklyFeatures(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAccountFeatureRows returns all feature rows for an account ordered by
// ad then week, feeding the correlation statistics job.
func (s *Store) ListAccountFeatureRows(ctx context.Context, accountID string) ([]WeeklyFeatureRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT account_id, ad_id, week_start, metrics, active_days, min_daily_impressions, max_daily_impressions, daily_impressions_cv, computed_at
FROM weekly_features
WHERE account_id = $1
ORDER BY ad_id, week_start`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WeeklyFeatureRow
	for rows.Next() {
		rec, err := scanWeeklyFeatures(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanWeeklyFeatures(row rowScanner) (WeeklyFeatureRow, error) {
	var (
		rec         WeeklyFeatureRow
		metricsJSON []byte
	)
	if err := row.Scan(&rec.AccountID, &rec.AdID, &rec.WeekStart, &metricsJSON, &rec.ActiveDays, &rec.MinDailyImpressions, &rec.MaxDailyImpressions, &rec.DailyImpressionsCV, &rec.ComputedAt); err != nil {
		return WeeklyFeatureRow{}, err
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &rec.Metrics); err != nil {
			return WeeklyFeatureRow{}, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	return rec, nil
}
