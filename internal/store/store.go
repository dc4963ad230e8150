package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{DB: db}, nil
}

// Operating modes persisted per ad account.
const (
	ModeAutopilot = "autopilot"
	ModeSemiAuto  = "semi_auto"
	ModeReport    = "report"
)

// AccountRefKind distinguishes legacy single-user accounts from multi-account tenants.
type AccountRefKind string

const (
	AccountRefLegacy AccountRefKind = "legacy"
	AccountRefMulti  AccountRefKind = "multi"
)

// AccountRef identifies the owner of an ad account without overloading NULL:
// legacy installations are keyed by user, multi-account tenants by account.
type AccountRef struct {
	Kind      AccountRefKind
	UserID    string
	AccountID string
}

// LegacyAccount builds a reference to a pre-multi-account installation.
func LegacyAccount(userID string) AccountRef {
	return AccountRef{Kind: AccountRefLegacy, UserID: userID}
}

// MultiAccount builds a reference to a tenant-scoped ad account.
func MultiAccount(accountID string) AccountRef {
	return AccountRef{Kind: AccountRefMulti, AccountID: accountID}
}

// Key returns the scoping identifier for the reference.
func (r AccountRef) Key() string {
	if r.Kind == AccountRefLegacy {
		return "user:" + r.UserID
	}
	return "account:" + r.AccountID
}

func (r AccountRef) Validate() error {
	switch r.Kind {
	case AccountRefLegacy:
		if r.UserID == "" {
			return fmt.Errorf("legacy account ref requires user id")
		}
	case AccountRefMulti:
		if r.AccountID == "" {
			return fmt.Errorf("multi account ref requires account id")
		}
	default:
		return fmt.Errorf("unknown account ref kind %q", r.Kind)
	}
	return nil
}

// AdAccount is the persisted per-account configuration consulted by the scheduler.
type AdAccount struct {
	ID            string
	Ref           AccountRef
	Name          string
	Mode          string
	ScheduleHour  int
	Timezone      string
	LastRunAt     *time.Time
	PrimaryPctOverride   *float64
	SecondaryPctOverride *float64
	CreatedAt     time.Time
}

// DailyInsight is one day of raw delivery metrics for a single ad,
// written by the ingestion collaborator.
type DailyInsight struct {
	AccountID       string
	AdID            string
	Day             time.Time
	Impressions     int64
	Clicks          int64
	LinkClicks      int64
	Results         int64
	Spend           float64
	Frequency       float64
	QualityScore    float64
	EngagementScore float64
	ConversionScore float64
}

// CTR returns clicks per impression, zero-guarded.
func (d DailyInsight) CTR() float64 {
	if d.Impressions == 0 {
		return 0
	}
	return float64(d.Clicks) / float64(d.Impressions) * 100
}

// UpsertAccount stores per-account configuration.
func (s *Store) UpsertAccount(ctx context.Context, a AdAccount) error {
	if err := a.Ref.Validate(); err != nil {
		return err
	}
	if a.Mode != ModeAutopilot && a.Mode != ModeSemiAuto && a.Mode != ModeReport {
		return fmt.Errorf("unknown operating mode %q", a.Mode)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO ad_accounts (id, ref_kind, ref_user_id, ref_account_id, name, mode, schedule_hour, timezone, primary_pct_override, secondary_pct_override, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  mode = EXCLUDED.mode,
  schedule_hour = EXCLUDED.schedule_hour,
  timezone = EXCLUDED.timezone,
  primary_pct_override = EXCLUDED.primary_pct_override,
  secondary_pct_override = EXCLUDED.secondary_pct_override;
`, a.ID, string(a.Ref.Kind), nullString(a.Ref.UserID), nullString(a.Ref.AccountID), a.Name, a.Mode, a.ScheduleHour, a.Timezone, a.PrimaryPctOverride, a.SecondaryPctOverride)
	return err
}

// GetAccount fetches one account. The bool reports whether it exists.
func (s *Store) GetAccount(ctx context.Context, id string) (AdAccount, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, ref_kind, COALESCE(ref_user_id,''), COALESCE(ref_account_id,''), name, mode, schedule_hour, timezone, last_run_at, primary_pct_override, secondary_pct_override, created_at
FROM ad_accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return AdAccount{}, false, nil
	}
	if err != nil {
		return AdAccount{}, false, err
	}
	return a, true, nil
}

// ListAccounts returns every configured ad account.
func (s *Store) ListAccounts(ctx context.Context) ([]AdAccount, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, ref_kind, COALESCE(ref_user_id,''), COALESCE(ref_account_id,''), name, mode, schedule_hour, timezone, last_run_at, primary_pct_override, secondary_pct_override, created_at
FROM ad_accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AdAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (AdAccount, error) {
	var (
		a       AdAccount
		kind    string
		userID  string
		acctID  string
		lastRun sql.NullTime
	)
	if err := row.Scan(&a.ID, &kind, &userID, &acctID, &a.Name, &a.Mode, &a.ScheduleHour, &a.Timezone, &lastRun, &a.PrimaryPctOverride, &a.SecondaryPctOverride, &a.CreatedAt); err != nil {
		return AdAccount{}, err
	}
	a.Ref = AccountRef{Kind: AccountRefKind(kind), UserID: userID, AccountID: acctID}
	if lastRun.Valid {
		t := lastRun.Time
		a.LastRunAt = &t
	}
	return a, nil
}

// MarkAccountRun records the once-per-day dedup timestamp.
func (s *Store) MarkAccountRun(ctx context.Context, accountID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE ad_accounts SET last_run_at=$2 WHERE id=$1`, accountID, at)
	return err
}

// InsertDailyInsights bulk-upserts raw daily rows fetched from the ad platform.
func (s *Store) InsertDailyInsights(ctx context.Context, rows []DailyInsight) error {
	for _, r := range rows {
		_, err := s.DB.ExecContext(ctx, `
INSERT INTO daily_insights (account_id, ad_id, day, impressions, clicks, link_clicks, results, spend, frequency, quality_score, engagement_score, conversion_score)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (account_id, ad_id, day) DO UPDATE SET
  impressions = EXCLUDED.impressions,
  clicks = EXCLUDED.clicks,
  link_clicks = EXCLUDED.link_clicks,
  results = EXCLUDED.results,
  spend = EXCLUDED.spend,
  frequency = EXCLUDED.frequency,
  quality_score = EXCLUDED.quality_score,
  engagement_score = EXCLUDED.engagement_score,
  conversion_score = EXCLUDED.conversion_score;
`, r.AccountID, r.AdID, r.Day, r.Impressions, r.Clicks, r.LinkClicks, r.Results, r.Spend, r.Frequency, r.QualityScore, r.EngagementScore, r.ConversionScore)
		if err != nil {
			return fmt.Errorf("upsert daily insight %s/%s: %w", r.AdID, r.Day.Format("2006-01-02"), err)
		}
	}
	return nil
}

// ListDailyInsights returns daily rows for an account within [from, to), all ads.
func (s *Store) ListDailyInsights(ctx context.Context, accountID string, from, to time.Time) ([]DailyInsight, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT account_id, ad_id, day, impressions, clicks, link_clicks, results, spend, frequency, quality_score, engagement_score, conversion_score
FROM daily_insights
WHERE account_id = $1 AND day >= $2 AND day < $3
ORDER BY ad_id, day`, accountID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DailyInsight
	for rows.Next() {
		var d DailyInsight
		if err := rows.Scan(&d.AccountID, &d.AdID, &d.Day, &d.Impressions, &d.Clicks, &d.LinkClicks, &d.Results, &d.Spend, &d.Frequency, &d.QualityScore, &d.EngagementScore, &d.ConversionScore); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListActiveAds returns ad IDs with any delivery during [from, to).
func (s *Store) ListActiveAds(ctx context.Context, accountID string, from, to time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT ad_id FROM daily_insights
WHERE account_id = $1 AND day >= $2 AND day < $3
ORDER BY ad_id`, accountID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return b, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
