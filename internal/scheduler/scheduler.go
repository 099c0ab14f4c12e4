// Package scheduler re-issues recurring extractions. Each due schedule is
// claimed first, by atomically advancing its next run time, and only then
// submitted. A tick that crashes between claim and submit skips one period
// rather than double-submitting; at-most-once is the contract.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postpull/postpull/internal/config"
	"github.com/postpull/postpull/internal/orchestrator"
	"github.com/postpull/postpull/internal/store"
)

// Submitter is the slice of the orchestrator the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*store.Job, error)
}

// Outcome reports what happened to one due schedule during a tick.
type Outcome struct {
	ScheduleID string `json:"schedule_id"`
	JobID      string `json:"job_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Claimed    bool   `json:"claimed"`
	Error      string `json:"error,omitempty"`
}

// Scheduler finds due schedules and turns each into a job submission.
type Scheduler struct {
	store     store.Store
	submitter Submitter
	cfg       config.SchedulerConfig
	logger    *slog.Logger
}

// New creates a Scheduler.
func New(s store.Store, sub Submitter, cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     s,
		submitter: sub,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
	}
}

// RunDue processes every active schedule whose next run time has passed.
// Schedules are handled concurrently; RunDue waits for all submissions to be
// accepted by the runner but never for run completion. A lost claim (another
// tick got there first) produces an unclaimed outcome, not an error.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) ([]Outcome, error) {
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	outcomes := make([]Outcome, len(due))
	var g errgroup.Group
	g.SetLimit(8)
	for i, sched := range due {
		i, sched := i, sched
		g.Go(func() error {
			outcomes[i] = s.runOne(ctx, &sched, now)
			return nil
		})
	}
	g.Wait()

	s.logger.Info("tick processed", "due", len(due))
	return outcomes, nil
}

func (s *Scheduler) runOne(ctx context.Context, sched *store.Schedule, now time.Time) Outcome {
	out := Outcome{ScheduleID: sched.ID}

	next := s.nextRun(sched, now)
	claimed, err := s.store.ClaimSchedule(ctx, sched.ID, next, now)
	if err != nil {
		out.Error = err.Error()
		s.logger.Error("schedule claim failed", "schedule_id", sched.ID, "error", err)
		return out
	}
	if !claimed {
		// Another tick already took this period.
		s.logger.Info("schedule already claimed", "schedule_id", sched.ID)
		return out
	}
	out.Claimed = true

	job, err := s.submitter.Submit(ctx, orchestrator.SubmitRequest{
		UserID:     sched.UserID,
		Source:     sched.Source,
		Target:     sched.Target,
		ItemCount:  s.cfg.DefaultItemCount,
		ScheduleID: sched.ID,
		Notify:     true,
	})
	if err != nil {
		// The period is spent either way; the rejection shows up here and in
		// the logs, and the schedule fires again next period.
		out.Error = err.Error()
		s.logger.Warn("scheduled submission rejected",
			"schedule_id", sched.ID, "user_id", sched.UserID, "error", err)
		return out
	}

	out.JobID = job.ID
	out.RunID = job.RunID
	s.logger.Info("scheduled job submitted",
		"schedule_id", sched.ID, "job_id", job.ID, "run_id", job.RunID, "next_run_at", next)
	return out
}

// nextRun advances the schedule by whole periods until it lands in the
// future, then normalizes to the configured run hour so drifting ticks do
// not creep the fire time through the day.
func (s *Scheduler) nextRun(sched *store.Schedule, now time.Time) time.Time {
	period := sched.Frequency.Period()
	next := sched.NextRunAt.Add(period)
	for !next.After(now) {
		next = next.Add(period)
	}
	next = next.UTC()
	next = time.Date(next.Year(), next.Month(), next.Day(), s.cfg.RunHourUTC, 0, 0, 0, time.UTC)
	// Normalization can pull the time back past now; push it one more period.
	if !next.After(now) {
		next = next.Add(period)
	}
	return next
}

// Tick runs RunDue on a fixed interval until the context is done. Used when
// the deployment has no external cron hitting the tick endpoint.
func (s *Scheduler) Tick(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("internal ticker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("internal ticker stopped")
			return
		case now := <-ticker.C:
			if _, err := s.RunDue(ctx, now.UTC()); err != nil {
				s.logger.Error("tick failed", "error", err)
			}
		}
	}
}
