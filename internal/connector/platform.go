package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/adpilot-hq/adpilot/internal/store"
)

// PlatformClient talks to the ad platform gateway over HTTP and implements
// both Ingestor and Actuator. Gateway failures are translated into the
// pipeline's error taxonomy through the sentinel errors so the orchestrator
// can tell a dead token from a rate limit.
type PlatformClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewPlatformClient builds a client with the given timeout.
func NewPlatformClient(baseURL, token string, timeout time.Duration) *PlatformClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PlatformClient{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type insightRow struct {
	AdID            string  `json:"ad_id"`
	Day             string  `json:"day"`
	Impressions     int64   `json:"impressions"`
	Clicks          int64   `json:"clicks"`
	LinkClicks      int64   `json:"link_clicks"`
	Results         int64   `json:"results"`
	Spend           float64 `json:"spend"`
	Frequency       float64 `json:"frequency"`
	QualityScore    float64 `json:"quality_score"`
	EngagementScore float64 `json:"engagement_score"`
	ConversionScore float64 `json:"conversion_score"`
}

// FetchDailyInsights pulls raw per-ad daily rows for the date range.
func (p *PlatformClient) FetchDailyInsights(ctx context.Context, ref store.AccountRef, accountID string, from, to time.Time) ([]store.DailyInsight, error) {
	q := url.Values{}
	q.Set("owner", ref.Key())
	q.Set("from", from.Format("2006-01-02"))
	q.Set("to", to.Format("2006-01-02"))
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/insights/daily?%s", p.BaseURL, url.PathEscape(accountID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if err := p.statusError(resp); err != nil {
		return nil, err
	}

	var payload struct {
		Rows []insightRow `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode insights: %v", ErrDataError, err)
	}

	out := make([]store.DailyInsight, 0, len(payload.Rows))
	for _, r := range payload.Rows {
		day, err := time.Parse("2006-01-02", r.Day)
		if err != nil {
			return nil, fmt.Errorf("%w: bad day %q for ad %s", ErrDataError, r.Day, r.AdID)
		}
		out = append(out, store.DailyInsight{
			AccountID:       accountID,
			AdID:            r.AdID,
			Day:             day,
			Impressions:     r.Impressions,
			Clicks:          r.Clicks,
			LinkClicks:      r.LinkClicks,
			Results:         r.Results,
			Spend:           r.Spend,
			Frequency:       r.Frequency,
			QualityScore:    r.QualityScore,
			EngagementScore: r.EngagementScore,
			ConversionScore: r.ConversionScore,
		})
	}
	return out, nil
}

// ApplyAction posts an optimization action to the gateway.
func (p *PlatformClient) ApplyAction(ctx context.Context, kind string, params json.RawMessage) (ActionResult, error) {
	body, err := json.Marshal(map[string]interface{}{"kind": kind, "params": params})
	if err != nil {
		return ActionResult{}, err
	}
	endpoint := p.BaseURL + "/v1/actions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ActionResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return ActionResult{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if err := p.statusError(resp); err != nil {
		return ActionResult{}, err
	}

	var result ActionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ActionResult{}, fmt.Errorf("%w: decode action result: %v", ErrDataError, err)
	}
	return result, nil
}

func (p *PlatformClient) statusError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", ErrTokenInvalid, resp.StatusCode, snippet)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d: %s", ErrRateLimited, resp.StatusCode, snippet)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrNetwork, resp.StatusCode, snippet)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", ErrDataError, resp.StatusCode, snippet)
	}
}
