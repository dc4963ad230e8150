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

// StatsStoreAPI captures the store methods required by the correlation job.
type StatsStoreAPI interface {
	ListAccountFeatureRows(ctx context.Context, accountID string) ([]store.WeeklyFeatureRow, error)
	UpsertCorrelationStat(ctx context.Context, rec store.CorrelationStat) error
}

// StatsJob periodically recomputes lead-lag correlations between each tracked
// metric and future CPR across an account's ad population.
type StatsJob struct {
	logger     *log.Logger
	store      StatsStoreAPI
	cache      *CorrelationCache
	minSamples int
}

// NewStatsJob constructs the correlation statistics job.
func NewStatsJob(logger *log.Logger, st StatsStoreAPI, cache *CorrelationCache, minSamples int) *StatsJob {
	if logger == nil {
		logger = log.New(log.Writer(), "[STATS] ", log.LstdFlags)
	}
	if minSamples <= 0 {
		minSamples = 20
	}
	return &StatsJob{logger: logger, store: st, cache: cache, minSamples: minSamples}
}

// sample pairs a metric deviation with the CPR deviation one and two weeks later.
type sample struct {
	dev     float64
	cprLag1 *float64
	cprLag2 *float64
}

// RecomputeAccount rebuilds every correlation row for one account and
// refreshes the cache. Returns the number of metrics updated.
func (j *StatsJob) RecomputeAccount(ctx context.Context, accountID string) (int, error) {
	rows, err := j.store.ListAccountFeatureRows(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("list feature rows: %w", err)
	}

	// Group per ad, ordered by week (the store returns them ordered).
	byAd := map[string][]store.WeeklyFeatureRow{}
	for _, r := range rows {
		byAd[r.AdID] = append(byAd[r.AdID], r)
	}

	var updated int
	var fresh []store.CorrelationStat
	for _, metric := range store.TrackedMetrics {
		if metric == store.MetricCPR {
			continue
		}
		samples := collectSamples(byAd, metric)
		rec := j.buildStat(accountID, metric, samples)
		if err := j.store.UpsertCorrelationStat(ctx, rec); err != nil {
			return updated, fmt.Errorf("upsert correlation %s: %w", metric, err)
		}
		fresh = append(fresh, rec)
		updated++
	}

	if j.cache != nil {
		if err := j.cache.Set(ctx, accountID, fresh); err != nil {
			j.logger.Printf("warn: refresh correlation cache for %s: %v", accountID, err)
		}
	}
	return updated, nil
}

func collectSamples(byAd map[string][]store.WeeklyFeatureRow, metric store.Metric) []sample {
	var out []sample
	for _, history := range byAd {
		for i, row := range history {
			dev := row.Window(metric).DeltaPct
			if dev == nil {
				continue
			}
			s := sample{dev: *dev}
			if i+1 < len(history) && history[i+1].WeekStart.Equal(row.WeekStart.AddDate(0, 0, 7)) {
				s.cprLag1 = history[i+1].Window(store.MetricCPR).DeltaPct
			}
			if i+2 < len(history) && history[i+2].WeekStart.Equal(row.WeekStart.AddDate(0, 0, 14)) {
				s.cprLag2 = history[i+2].Window(store.MetricCPR).DeltaPct
			}
			if s.cprLag1 != nil || s.cprLag2 != nil {
				out = append(out, s)
			}
		}
	}
	return out
}

func (j *StatsJob) buildStat(accountID string, metric store.Metric, samples []sample) store.CorrelationStat {
	var xs1, ys1, xs2, ys2, devs []float64
	for _, s := range samples {
		devs = append(devs, s.dev)
		if s.cprLag1 != nil {
			xs1 = append(xs1, s.dev)
			ys1 = append(ys1, *s.cprLag1)
		}
		if s.cprLag2 != nil {
			xs2 = append(xs2, s.dev)
			ys2 = append(ys2, *s.cprLag2)
		}
	}
	n := len(xs1)
	if len(xs2) > n {
		n = len(xs2)
	}
	return store.CorrelationStat{
		AccountID:     accountID,
		Metric:        metric,
		Lag1Corr:      pearson(xs1, ys1),
		Lag2Corr:      pearson(xs2, ys2),
		Quantiles:     quantileBreakdown(devs),
		SampleSize:    n,
		LowConfidence: n < j.minSamples,
	}
}

// pearson computes the Pearson correlation coefficient; zero when degenerate.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0
	}
	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)
	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

// quantileBreakdown summarises the deviation distribution backing a stat.
func quantileBreakdown(devs []float64) []store.QuantileBucket {
	if len(devs) == 0 {
		return nil
	}
	sorted := append([]float64(nil), devs...)
	sort.Float64s(sorted)
	qs := []float64{0.25, 0.5, 0.75, 0.9}
	out := make([]store.QuantileBucket, 0, len(qs))
	for _, q := range qs {
		idx := int(q * float64(len(sorted)-1))
		out = append(out, store.QuantileBucket{Quantile: q, Value: sorted[idx]})
	}
	return out
}

// RunPeriodic recomputes correlations for the provided accounts on a fixed
// interval until the context is cancelled.
func (j *StatsJob) RunPeriodic(ctx context.Context, interval time.Duration, accounts func(context.Context) ([]string, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := accounts(ctx)
			if err != nil {
				j.logger.Printf("error listing accounts for stats tick: %v", err)
				continue
			}
			for _, id := range ids {
				if _, err := j.RecomputeAccount(ctx, id); err != nil {
					j.logger.Printf("error recomputing correlations for %s: %v", id, err)
				}
			}
		}
	}
}
