package predict

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/adpilot-hq/adpilot/internal/store"
)

// Score levels derived from threshold bands.
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// StoreAPI captures the store methods required by the predictor.
type StoreAPI interface {
	ListWeeklyFeatures(ctx context.Context, accountID string, weekStart time.Time) ([]store.WeeklyFeatureRow, error)
	ListCorrelationStats(ctx context.Context, accountID string) ([]store.CorrelationStat, error)
	UpsertPrediction(ctx context.Context, rec store.PredictionRecord) error
}

// Predictor estimates burnout risk and recovery likelihood per ad from the
// account's cached lead-lag correlations.
type Predictor struct {
	logger *log.Logger
	store  StoreAPI
	cache  *CorrelationCache

	// low-confidence correlations contribute at a reduced weight
	lowConfidenceFactor float64
	maxSignals          int
}

// NewPredictor constructs a predictor. cache may be nil; the store is the
// fallback source of correlation rows either way.
func NewPredictor(logger *log.Logger, st StoreAPI, cache *CorrelationCache) *Predictor {
	if logger == nil {
		logger = log.New(log.Writer(), "[PREDICT] ", log.LstdFlags)
	}
	return &Predictor{
		logger:              logger,
		store:               st,
		cache:               cache,
		lowConfidenceFactor: 0.5,
		maxSignals:          5,
	}
}

// PredictWeek scores every ad of the account week and upserts one burnout and
// one recovery record per ad. Returns the number of records written.
func (p *Predictor) PredictWeek(ctx context.Context, accountID string, weekStart time.Time) (int, error) {
	stats, err := p.correlations(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if len(stats) == 0 {
		// No correlation history yet; nothing to score.
		return 0, nil
	}
	byMetric := make(map[store.Metric]store.CorrelationStat, len(stats))
	for _, s := range stats {
		byMetric[s.Metric] = s
	}

	rows, err := p.store.ListWeeklyFeatures(ctx, accountID, weekStart)
	if err != nil {
		return 0, fmt.Errorf("list weekly features: %w", err)
	}

	var written int
	for _, row := range rows {
		for _, rec := range p.scoreRow(row, byMetric) {
			if err := p.store.UpsertPrediction(ctx, rec); err != nil {
				return written, fmt.Errorf("upsert prediction %s/%s: %w", rec.AdID, rec.Model, err)
			}
			written++
		}
	}
	return written, nil
}

func (p *Predictor) correlations(ctx context.Context, accountID string) ([]store.CorrelationStat, error) {
	if p.cache != nil {
		stats, hit, err := p.cache.Get(ctx, accountID)
		if err != nil {
			p.logger.Printf("warn: correlation cache read for %s: %v", accountID, err)
		} else if hit {
			return stats, nil
		}
	}
	stats, err := p.store.ListCorrelationStats(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list correlation stats: %w", err)
	}
	if p.cache != nil && len(stats) > 0 {
		if err := p.cache.Set(ctx, accountID, stats); err != nil {
			p.logger.Printf("warn: correlation cache fill for %s: %v", accountID, err)
		}
	}
	return stats, nil
}

// term is one metric's weighted contribution to the score.
type term struct {
	metric store.Metric
	value  float64 // signed weighted contribution toward rising CPR
	weight float64 // |correlation| after confidence discount
}

// scoreRow produces the burnout and recovery records for one feature row.
func (p *Predictor) scoreRow(row store.WeeklyFeatureRow, stats map[store.Metric]store.CorrelationStat) []store.PredictionRecord {
	terms, confidence := p.collectTerms(row, stats)
	if len(terms) == 0 {
		return nil
	}

	// Positive raw pressure means the current deviations historically precede
	// a CPR increase.
	var raw, change1, change2, weightSum float64
	for _, t := range terms {
		raw += t.value
		weightSum += t.weight
	}
	for _, m := range store.SecondaryMetrics {
		t, s := termFor(terms, m), stats[m]
		if t == nil {
			continue
		}
		dev := row.Window(m).DeltaPct
		if dev == nil {
			continue
		}
		change1 += s.Lag1Corr * *dev / float64(len(terms))
		change2 += s.Lag2Corr * *dev / float64(len(terms))
	}
	change1 = clamp(change1, -100, 100)
	change2 = clamp(change2, -100, 100)

	burnout := squash(raw)
	top := topSignals(terms, p.maxSignals)

	records := []store.PredictionRecord{{
		AccountID:  row.AccountID,
		AdID:       row.AdID,
		WeekStart:  row.WeekStart,
		Model:      store.ModelBurnout,
		Score:      burnout,
		Level:      level(burnout),
		Change1W:   change1,
		Change2W:   change2,
		Confidence: confidence,
		TopSignals: top,
	}}

	// Recovery only applies to currently degraded ads: elevated CPR with
	// downward pressure ahead.
	cprDelta := row.Window(store.MetricCPR).DeltaPct
	recovery := 0.0
	if cprDelta != nil && *cprDelta > 0 {
		recovery = squash(-raw)
	}
	records = append(records, store.PredictionRecord{
		AccountID:  row.AccountID,
		AdID:       row.AdID,
		WeekStart:  row.WeekStart,
		Model:      store.ModelRecovery,
		Score:      recovery,
		Level:      level(recovery),
		Change1W:   change1,
		Change2W:   change2,
		Confidence: confidence,
		TopSignals: top,
	})
	return records
}

// collectTerms builds the weighted contributions and an overall confidence.
// Confidence combines sample-size trust with directional agreement across metrics.
func (p *Predictor) collectTerms(row store.WeeklyFeatureRow, stats map[store.Metric]store.CorrelationStat) ([]term, float64) {
	var (
		terms    []term
		trustSum float64
		posCount int
	)
	for _, m := range store.SecondaryMetrics {
		s, ok := stats[m]
		if !ok {
			continue
		}
		dev := row.Window(m).DeltaPct
		if dev == nil {
			continue
		}
		corr := s.Lag1Corr
		if math.Abs(s.Lag2Corr) > math.Abs(corr) {
			corr = s.Lag2Corr
		}
		weight := math.Abs(corr)
		trust := 1.0
		if s.LowConfidence {
			weight *= p.lowConfidenceFactor
			trust = p.lowConfidenceFactor
		}
		if weight == 0 {
			continue
		}
		value := corr * (*dev / 100)
		terms = append(terms, term{metric: m, value: value, weight: weight})
		trustSum += trust
		if value > 0 {
			posCount++
		}
	}
	if len(terms) == 0 {
		return nil, 0
	}

	trust := trustSum / float64(len(terms))
	agreement := float64(posCount) / float64(len(terms))
	if agreement < 0.5 {
		agreement = 1 - agreement
	}
	confidence := clamp(trust*agreement, 0, 1)
	return terms, confidence
}

func termFor(terms []term, m store.Metric) *term {
	for i := range terms {
		if terms[i].metric == m {
			return &terms[i]
		}
	}
	return nil
}

func topSignals(terms []term, max int) []store.SignalWeight {
	sorted := append([]term(nil), terms...)
	sort.Slice(sorted, func(i, j int) bool {
		ai, aj := math.Abs(sorted[i].value), math.Abs(sorted[j].value)
		if ai != aj {
			return ai > aj
		}
		return sorted[i].metric < sorted[j].metric
	})
	if len(sorted) > max {
		sorted = sorted[:max]
	}
	out := make([]store.SignalWeight, 0, len(sorted))
	for _, t := range sorted {
		out = append(out, store.SignalWeight{Signal: t.metric, Weight: t.value})
	}
	return out
}

// squash maps raw pressure to [0,1] with a logistic curve centered at zero.
func squash(raw float64) float64 {
	return 1 / (1 + math.Exp(-3*raw))
}

func level(score float64) string {
	switch {
	case score < 0.35:
		return LevelLow
	case score < 0.65:
		return LevelMedium
	default:
		return LevelHigh
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
