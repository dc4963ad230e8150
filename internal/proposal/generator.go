package proposal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/adpilot-hq/adpilot/internal/anomaly"
	"github.com/adpilot-hq/adpilot/internal/store"
)

// StoreAPI captures the store methods required by the generator.
type StoreAPI interface {
	ListAnomalies(ctx context.Context, accountID string, weekStart time.Time) ([]store.AnomalyRecord, error)
	ListPredictions(ctx context.Context, accountID string, weekStart time.Time, model string) ([]store.PredictionRecord, error)
	GetAccountLog(ctx context.Context, jobID, accountID string) (store.BatchAccountLog, bool, error)
}

// Generator converts detector and predictor output into one ranked proposal
// per account per pipeline run.
type Generator struct {
	logger *log.Logger
	store  StoreAPI

	burnoutActionThreshold float64
	dangerousThreshold     float64
	proposalTTL            time.Duration
}

// NewGenerator constructs a proposal generator.
func NewGenerator(logger *log.Logger, st StoreAPI, burnoutThreshold, dangerousThreshold float64, ttl time.Duration) *Generator {
	if logger == nil {
		logger = log.New(log.Writer(), "[PROPOSAL] ", log.LstdFlags)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Generator{
		logger:                 logger,
		store:                  st,
		burnoutActionThreshold: burnoutThreshold,
		dangerousThreshold:     dangerousThreshold,
		proposalTTL:            ttl,
	}
}

// candidate collects the signals for one ad before ranking.
type candidate struct {
	adID     string
	anomaly  *store.AnomalyRecord
	burnout  *store.PredictionRecord
	priority float64
}

// Generate builds the account's proposal for the run. Proposals are only
// generated when every pipeline step reached completed or skipped; partial
// feature data must never drive actions. Returns nil when there is nothing
// actionable.
func (g *Generator) Generate(ctx context.Context, jobID, accountID string, weekStart time.Time) (*store.Proposal, error) {
	logRec, ok, err := g.store.GetAccountLog(ctx, jobID, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account log: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("no account log for job %s account %s", jobID, accountID)
	}
	for _, step := range store.PipelineSteps {
		if st := logRec.Steps[step]; st != store.StepCompleted && st != store.StepSkipped {
			g.logger.Printf("account %s: step %s is %s, skipping proposal generation", accountID, step, st)
			return nil, nil
		}
	}

	anomalies, err := g.store.ListAnomalies(ctx, accountID, weekStart)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	burnouts, err := g.store.ListPredictions(ctx, accountID, weekStart, store.ModelBurnout)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}

	candidates := map[string]*candidate{}
	for i := range anomalies {
		a := &anomalies[i]
		if a.Severity != anomaly.SeverityHigh {
			continue
		}
		candidates[a.AdID] = &candidate{adID: a.AdID, anomaly: a}
	}
	for i := range burnouts {
		b := &burnouts[i]
		if b.Score < g.burnoutActionThreshold {
			continue
		}
		c, ok := candidates[b.AdID]
		if !ok {
			c = &candidate{adID: b.AdID}
			candidates[b.AdID] = c
		}
		c.burnout = b
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ordered := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		c.priority = priorityOf(c)
		ordered = append(ordered, c)
	}
	// Severity first, ad ID as the deterministic tiebreak.
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].priority != ordered[j].priority {
			return ordered[i].priority > ordered[j].priority
		}
		return ordered[i].adID < ordered[j].adID
	})

	actions := make([]store.ProposedAction, 0, len(ordered))
	for _, c := range ordered {
		actions = append(actions, g.actionFor(c))
	}

	expires := time.Now().Add(g.proposalTTL)
	return &store.Proposal{
		ID:        uuid.NewString(),
		AccountID: accountID,
		JobID:     jobID,
		Status:    store.ProposalStatusPending,
		Actions:   actions,
		ExpiresAt: &expires,
	}, nil
}

// priorityOf ranks a candidate: higher burnout score / larger CPR deviation first.
func priorityOf(c *candidate) float64 {
	var p float64
	if c.burnout != nil {
		p = c.burnout.Score
	}
	if c.anomaly != nil {
		if dev := math.Abs(c.anomaly.CPRDeltaPct) / 100; dev > p {
			p = dev
		}
	}
	return p
}

// actionFor picks the action kind and builds the human-readable reason.
func (g *Generator) actionFor(c *candidate) store.ProposedAction {
	kind := store.ActionReduceBudget
	dangerous := false
	switch {
	case c.burnout != nil && c.burnout.Score >= g.dangerousThreshold:
		kind = store.ActionPauseAd
		dangerous = true
	case c.anomaly != nil && hasBadDeviation(c.anomaly, store.MetricFrequency):
		kind = store.ActionRefreshCreative
	case c.burnout == nil && c.anomaly != nil && c.anomaly.HasDeliveryGap:
		kind = store.ActionReviewTargeting
	}

	params, _ := json.Marshal(map[string]interface{}{"ad_id": c.adID})
	return store.ProposedAction{
		AdID:      c.adID,
		Kind:      kind,
		Params:    params,
		Reason:    reasonFor(c),
		Dangerous: dangerous,
		Priority:  c.priority,
	}
}

func hasBadDeviation(a *store.AnomalyRecord, m store.Metric) bool {
	for _, week := range a.PrecedingDeviations {
		for _, dev := range week.Deviations {
			if dev.Metric == m && dev.Direction == store.DirectionBad {
				return true
			}
		}
	}
	return false
}

func reasonFor(c *candidate) string {
	switch {
	case c.anomaly != nil && c.burnout != nil:
		return fmt.Sprintf("CPR deviated %.1f%% from baseline and burnout risk is %.2f (%s)",
			c.anomaly.CPRDeltaPct, c.burnout.Score, c.burnout.Level)
	case c.anomaly != nil && c.anomaly.HasDeliveryGap:
		return fmt.Sprintf("CPR deviated %.1f%% from baseline with %d paused delivery days",
			c.anomaly.CPRDeltaPct, c.anomaly.PauseDaysCount)
	case c.anomaly != nil:
		return fmt.Sprintf("CPR deviated %.1f%% from baseline", c.anomaly.CPRDeltaPct)
	case c.burnout != nil:
		return fmt.Sprintf("burnout risk %.2f (%s), top signal %s",
			c.burnout.Score, c.burnout.Level, topSignalName(c.burnout))
	}
	return "flagged by decision pipeline"
}

func topSignalName(rec *store.PredictionRecord) string {
	if len(rec.TopSignals) == 0 {
		return "n/a"
	}
	return string(rec.TopSignals[0].Signal)
}
