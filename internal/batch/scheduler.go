package batch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/adpilot-hq/adpilot/internal/features"
	"github.com/adpilot-hq/adpilot/internal/store"
)

// Scheduler wakes up hourly and starts a pipeline run for every account
// whose local schedule hour has arrived and that has not run today. A redis
// SetNX lock keeps multiple instances from double-firing the same hour.
type Scheduler struct {
	Logger *log.Logger
	Store  *store.Store
	Rdb    *redis.Client
	Orch   *Orchestrator
	Stop   chan struct{}
}

func (s *Scheduler) logger() *log.Logger {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	return s.Logger
}

// Start launches the hourly loop. Call close(Stop) to shut it down.
func (s *Scheduler) Start() {
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick(time.Now())
			}
		}
	}()
}

func (s *Scheduler) tick(now time.Time) {
	ctx := context.Background()
	accounts, err := s.Store.ListAccounts(ctx)
	if err != nil {
		s.logger().Printf("list accounts: %v", err)
		return
	}

	var due []string
	for _, a := range accounts {
		if accountDue(a, now) {
			due = append(due, a.ID)
		}
	}
	if len(due) == 0 {
		return
	}

	// distributed lock to avoid duplicate runs
	if s.Rdb != nil {
		lockKey := "adpilot:sched:lock:" + now.UTC().Format("2006-01-02T15")
		ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 55*time.Minute).Result()
		if !ok {
			return
		}
	}

	s.logger().Printf("%d accounts due, starting pipeline run", len(due))
	go func(accounts []string) {
		weekStart := features.WeekStart(now)
		jobID, err := s.Orch.RunJob(context.Background(), weekStart, accounts)
		if err != nil {
			s.logger().Printf("job %s: %v", jobID, err)
			return
		}
		s.logger().Printf("job %s finished", jobID)
	}(due)
}

// accountDue reports whether the account's local schedule hour has passed
// today and it has not already run today in its own timezone.
func accountDue(a store.AdAccount, now time.Time) bool {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if local.Hour() < a.ScheduleHour {
		return false
	}
	if a.LastRunAt == nil {
		return true
	}
	last := a.LastRunAt.In(loc)
	return last.Year() != local.Year() || last.YearDay() != local.YearDay()
}

// NextRun reports when the account's schedule will next fire, for operator
// surfaces. Schedule hours map onto a daily cron expression.
func NextRun(a store.AdAccount, now time.Time) time.Time {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		loc = time.UTC
	}
	expr, err := cronexpr.Parse(fmt.Sprintf("0 %d * * *", a.ScheduleHour))
	if err != nil {
		return now.Add(24 * time.Hour)
	}
	return expr.Next(now.In(loc))
}
