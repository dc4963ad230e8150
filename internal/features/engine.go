package features

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/adpilot-hq/adpilot/internal/store"
)

// StoreAPI captures the store methods required by the feature engine.
type StoreAPI interface {
	ListDailyInsights(ctx context.Context, accountID string, from, to time.Time) ([]store.DailyInsight, error)
	UpsertWeeklyFeatures(ctx context.Context, row store.WeeklyFeatureRow) error
}

// Engine aggregates daily insight rows into weekly feature vectors with lags,
// rolling-median baselines and delivery-continuity stats.
type Engine struct {
	logger *log.Logger
	store  StoreAPI

	// Trailing weeks (excluding the target week) feeding the baseline median.
	baselineWindowWeeks int
}

// NewEngine constructs a feature engine.
func NewEngine(logger *log.Logger, st StoreAPI, baselineWindowWeeks int) *Engine {
	if baselineWindowWeeks < 2 {
		baselineWindowWeeks = 8
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[FEATURES] ", log.LstdFlags)
	}
	return &Engine{logger: logger, store: st, baselineWindowWeeks: baselineWindowWeeks}
}

// weeklyAggregate holds one ad's metrics for one week, computed from daily rows.
type weeklyAggregate struct {
	metrics map[store.Metric]*float64

	activeDays     int
	minImpressions int64
	maxImpressions int64
	dailyCV        *float64
}

// ComputeWeek builds and upserts one WeeklyFeatureRow per ad active during the
// target week. Ads with no daily data at all are skipped, not failed; partial
// weeks are computed on the available days.
func (e *Engine) ComputeWeek(ctx context.Context, accountID string, weekStart time.Time) (int, error) {
	weekStart = WeekStart(weekStart)
	windowStart := weekStart.AddDate(0, 0, -7*e.baselineWindowWeeks)
	weekEnd := weekStart.AddDate(0, 0, 7)

	daily, err := e.store.ListDailyInsights(ctx, accountID, windowStart, weekEnd)
	if err != nil {
		return 0, fmt.Errorf("list daily insights: %w", err)
	}
	if len(daily) == 0 {
		return 0, nil
	}

	// Bucket rows per ad per week.
	byAd := map[string]map[time.Time][]store.DailyInsight{}
	for _, d := range daily {
		ws := WeekStart(d.Day)
		if byAd[d.AdID] == nil {
			byAd[d.AdID] = map[time.Time][]store.DailyInsight{}
		}
		byAd[d.AdID][ws] = append(byAd[d.AdID][ws], d)
	}

	var rowsWritten int
	for adID, weeks := range byAd {
		current, ok := weeks[weekStart]
		if !ok {
			// No delivery in the target week; nothing to feature.
			continue
		}
		row := e.buildRow(accountID, adID, weekStart, current, weeks)
		if err := e.store.UpsertWeeklyFeatures(ctx, row); err != nil {
			return rowsWritten, fmt.Errorf("upsert weekly features %s/%s: %w", adID, weekStart.Format("2006-01-02"), err)
		}
		rowsWritten++
	}
	return rowsWritten, nil
}

func (e *Engine) buildRow(accountID, adID string, weekStart time.Time, current []store.DailyInsight, weeks map[time.Time][]store.DailyInsight) store.WeeklyFeatureRow {
	agg := aggregateWeek(current)
	lag1 := maybeAggregate(weeks[weekStart.AddDate(0, 0, -7)])
	lag2 := maybeAggregate(weeks[weekStart.AddDate(0, 0, -14)])

	metrics := make(map[store.Metric]store.MetricWindow, len(store.TrackedMetrics))
	for _, m := range store.TrackedMetrics {
		w := store.MetricWindow{Current: agg.metrics[m]}
		if lag1 != nil {
			w.Lag1 = lag1.metrics[m]
		}
		if lag2 != nil {
			w.Lag2 = lag2.metrics[m]
		}
		// Baseline: rolling median over the trailing window, current week excluded.
		// Recomputed every run so the latest trailing history always applies.
		var history []float64
		for wk := 1; wk <= e.baselineWindowWeeks; wk++ {
			prior := weeks[weekStart.AddDate(0, 0, -7*wk)]
			if len(prior) == 0 {
				continue // tolerate missing weeks
			}
			if v := aggregateWeek(prior).metrics[m]; v != nil {
				history = append(history, *v)
			}
		}
		if len(history) >= 2 {
			w.Baseline = Median(history)
		}
		w.DeltaPct = DeltaPct(w.Current, w.Baseline)
		metrics[m] = w
	}

	return store.WeeklyFeatureRow{
		AccountID:           accountID,
		AdID:                adID,
		WeekStart:           weekStart,
		Metrics:             metrics,
		ActiveDays:          agg.activeDays,
		MinDailyImpressions: agg.minImpressions,
		MaxDailyImpressions: agg.maxImpressions,
		DailyImpressionsCV:  agg.dailyCV,
	}
}

func maybeAggregate(rows []store.DailyInsight) *weeklyAggregate {
	if len(rows) == 0 {
		return nil
	}
	agg := aggregateWeek(rows)
	return &agg
}

// aggregateWeek collapses a week of daily rows into weekly metric values.
// Ratio metrics stay nil when their denominator is zero.
func aggregateWeek(rows []store.DailyInsight) weeklyAggregate {
	var (
		impressions, clicks, linkClicks, results int64
		spend                                    float64
		freqSum, qualSum, engSum, convSum        float64
		activeDays                               int
		dailyImpressions                         []float64
		minImp, maxImp                           int64
	)
	for i, d := range rows {
		impressions += d.Impressions
		clicks += d.Clicks
		linkClicks += d.LinkClicks
		results += d.Results
		spend += d.Spend
		dailyImpressions = append(dailyImpressions, float64(d.Impressions))
		if i == 0 || d.Impressions < minImp {
			minImp = d.Impressions
		}
		if d.Impressions > maxImp {
			maxImp = d.Impressions
		}
		if d.Impressions > 0 {
			activeDays++
			freqSum += d.Frequency
			qualSum += d.QualityScore
			engSum += d.EngagementScore
			convSum += d.ConversionScore
		}
	}

	metrics := map[store.Metric]*float64{
		store.MetricImpressions: ptr(float64(impressions)),
		store.MetricSpend:       ptr(spend),
		store.MetricResults:     ptr(float64(results)),
	}
	if impressions > 0 {
		metrics[store.MetricCTR] = ptr(float64(clicks) / float64(impressions) * 100)
		metrics[store.MetricLinkCTR] = ptr(float64(linkClicks) / float64(impressions) * 100)
		metrics[store.MetricCPM] = ptr(spend / float64(impressions) * 1000)
	}
	if results > 0 {
		metrics[store.MetricCPR] = ptr(spend / float64(results))
	}
	if activeDays > 0 {
		metrics[store.MetricFrequency] = ptr(freqSum / float64(activeDays))
		metrics[store.MetricQualityScore] = ptr(qualSum / float64(activeDays))
		metrics[store.MetricEngagementScore] = ptr(engSum / float64(activeDays))
		metrics[store.MetricConversionScore] = ptr(convSum / float64(activeDays))
	}

	return weeklyAggregate{
		metrics:        metrics,
		activeDays:     activeDays,
		minImpressions: minImp,
		maxImpressions: maxImp,
		dailyCV:        CoefficientOfVariation(dailyImpressions),
	}
}
