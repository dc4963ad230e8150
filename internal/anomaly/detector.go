package anomaly

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/adpilot-hq/adpilot/internal/store"
)

// Severity levels derived from the size of the CPR deviation.
const (
	SeverityModerate = "moderate"
	SeverityHigh     = "high"
)

// metricPolarity records whether a rising value of the metric is good or bad
// for cost efficiency.
var metricPolarity = map[store.Metric]string{
	store.MetricFrequency:       store.DirectionBad,
	store.MetricCPM:             store.DirectionBad,
	store.MetricSpend:           store.DirectionBad,
	store.MetricCTR:             store.DirectionGood,
	store.MetricLinkCTR:         store.DirectionGood,
	store.MetricQualityScore:    store.DirectionGood,
	store.MetricEngagementScore: store.DirectionGood,
	store.MetricConversionScore: store.DirectionGood,
}

// StoreAPI captures the store methods required by the detector.
type StoreAPI interface {
	ListWeeklyFeatures(ctx context.Context, accountID string, weekStart time.Time) ([]store.WeeklyFeatureRow, error)
	ListFeatureHistory(ctx context.Context, accountID, adID string, before time.Time, limit int) ([]store.WeeklyFeatureRow, error)
	InsertAnomaly(ctx context.Context, rec store.AnomalyRecord) (bool, error)
}

// Detector flags weeks whose CPR deviates materially from baseline and
// attributes the deviation to preceding secondary-metric shifts.
type Detector struct {
	logger *log.Logger
	store  StoreAPI

	primaryThresholdPct float64
	secondaryThreshold  float64
	minWeeklySpend      float64
}

// NewDetector constructs an anomaly detector with the given thresholds.
func NewDetector(logger *log.Logger, st StoreAPI, primaryPct, secondaryPct, minSpend float64) *Detector {
	if logger == nil {
		logger = log.New(log.Writer(), "[ANOMALY] ", log.LstdFlags)
	}
	return &Detector{
		logger:              logger,
		store:               st,
		primaryThresholdPct: primaryPct,
		secondaryThreshold:  secondaryPct,
		minWeeklySpend:      minSpend,
	}
}

// DetectWeek scans every feature row of the account week and appends anomaly
// records. Re-running over an already flagged week inserts nothing.
func (d *Detector) DetectWeek(ctx context.Context, accountID string, weekStart time.Time, primaryOverride, secondaryOverride *float64) (int, error) {
	rows, err := d.store.ListWeeklyFeatures(ctx, accountID, weekStart)
	if err != nil {
		return 0, fmt.Errorf("list weekly features: %w", err)
	}

	primary := d.primaryThresholdPct
	if primaryOverride != nil {
		primary = *primaryOverride
	}
	secondary := d.secondaryThreshold
	if secondaryOverride != nil {
		secondary = *secondaryOverride
	}

	var raised int
	for _, row := range rows {
		rec, ok := d.evaluate(row, primary, secondary)
		if !ok {
			continue
		}
		// Attribution needs the two preceding feature rows as well.
		history, err := d.store.ListFeatureHistory(ctx, accountID, row.AdID, row.WeekStart, 2)
		if err != nil {
			return raised, fmt.Errorf("list feature history %s: %w", row.AdID, err)
		}
		rec.PrecedingDeviations = d.attribute(row, history, secondary)

		inserted, err := d.store.InsertAnomaly(ctx, rec)
		if err != nil {
			return raised, fmt.Errorf("insert anomaly %s: %w", row.AdID, err)
		}
		if inserted {
			raised++
		}
	}
	return raised, nil
}

// evaluate applies the decision rule to one feature row. The delivery gap is
// classified first: a pause is itself an explanation, not a competing anomaly.
func (d *Detector) evaluate(row store.WeeklyFeatureRow, primary, secondary float64) (store.AnomalyRecord, bool) {
	rec := store.AnomalyRecord{
		AccountID: row.AccountID,
		AdID:      row.AdID,
		WeekStart: row.WeekStart,
	}

	spend := 0.0
	if v := row.Window(store.MetricSpend).Current; v != nil {
		spend = *v
	}
	if row.ActiveDays < 7 && spend > 0 {
		rec.HasDeliveryGap = true
		rec.PauseDaysCount = 7 - row.ActiveDays
	}

	cpr := row.Window(store.MetricCPR)
	cprAnomalous := cpr.DeltaPct != nil && math.Abs(*cpr.DeltaPct) >= primary && spend >= d.minWeeklySpend
	if cprAnomalous {
		rec.CPRDeltaPct = *cpr.DeltaPct
		rec.Severity = SeverityModerate
		if math.Abs(*cpr.DeltaPct) >= 2*primary {
			rec.Severity = SeverityHigh
		}
	}

	if !cprAnomalous && !rec.HasDeliveryGap {
		return store.AnomalyRecord{}, false
	}
	if rec.Severity == "" {
		// Gap-only record; delivery interruption explains the week.
		rec.Severity = SeverityModerate
	}
	return rec, true
}

// attribute collects secondary metrics whose deltas exceeded the secondary
// threshold in the anomalous week and the 1–2 weeks before it.
func (d *Detector) attribute(current store.WeeklyFeatureRow, history []store.WeeklyFeatureRow, secondary float64) []store.WeekDeviations {
	scan := []store.WeeklyFeatureRow{current}
	scan = append(scan, history...)

	var out []store.WeekDeviations
	for weeksAgo, row := range scan {
		if weeksAgo > 2 {
			break
		}
		var devs []store.MetricDeviation
		for _, m := range store.SecondaryMetrics {
			delta := row.Window(m).DeltaPct
			if delta == nil || math.Abs(*delta) < secondary {
				continue
			}
			devs = append(devs, store.MetricDeviation{
				Metric:    m,
				DeltaPct:  *delta,
				Direction: deviationDirection(m, *delta),
			})
		}
		if len(devs) > 0 {
			out = append(out, store.WeekDeviations{WeeksAgo: weeksAgo, Deviations: devs})
		}
	}
	return out
}

// deviationDirection tags a deviation good or bad for cost efficiency by
// combining the metric's polarity with the sign of the delta.
func deviationDirection(m store.Metric, deltaPct float64) string {
	polarity, ok := metricPolarity[m]
	if !ok {
		polarity = store.DirectionBad
	}
	rising := deltaPct > 0
	if polarity == store.DirectionGood {
		if rising {
			return store.DirectionGood
		}
		return store.DirectionBad
	}
	if rising {
		return store.DirectionBad
	}
	return store.DirectionGood
}
