package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/postpull/postpull/internal/config"
	"github.com/postpull/postpull/internal/orchestrator"
	"github.com/postpull/postpull/internal/store"
)

// fakeSubmitter records submissions without touching a runner.
type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []orchestrator.SubmitRequest
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req orchestrator.SubmitRequest) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	n := len(f.reqs)
	return &store.Job{
		ID:    fmt.Sprintf("job-%d", n),
		RunID: fmt.Sprintf("run-%d", n),
	}, nil
}

func (f *fakeSubmitter) submitted() []orchestrator.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.SubmitRequest(nil), f.reqs...)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{DefaultItemCount: 100, RunHourUTC: 6}
}

func newScheduler(s store.Store, sub Submitter) *Scheduler {
	return New(s, sub, schedulerConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seedSchedule(t *testing.T, s store.Store, id string, freq store.ScheduleFrequency, nextRunAt time.Time) {
	t.Helper()
	err := s.CreateSchedule(context.Background(), &store.Schedule{
		ID:        id,
		UserID:    "u1",
		Source:    "instagram",
		Target:    "nasa",
		Frequency: freq,
		Status:    store.ScheduleActive,
		NextRunAt: nextRunAt,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
}

func TestRunDueSubmitsDueSchedules(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 26, 6, 0, 0, 0, time.UTC)
	seedSchedule(t, s, "sch-due", store.FrequencyDaily, now.Add(-time.Minute))
	seedSchedule(t, s, "sch-future", store.FrequencyDaily, now.Add(time.Hour))

	sub := &fakeSubmitter{}
	outcomes, err := newScheduler(s, sub).RunDue(context.Background(), now)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}
	if !outcomes[0].Claimed || outcomes[0].JobID == "" {
		t.Errorf("outcome = %+v, want claimed with job", outcomes[0])
	}

	reqs := sub.submitted()
	if len(reqs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(reqs))
	}
	if reqs[0].ScheduleID != "sch-due" || reqs[0].ItemCount != 100 || reqs[0].UserID != "u1" {
		t.Errorf("request = %+v", reqs[0])
	}
}

func TestRunDueAdvancesNextRun(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 26, 6, 30, 0, 0, time.UTC)
	seedSchedule(t, s, "sch-d", store.FrequencyDaily, time.Date(2026, 8, 26, 6, 0, 0, 0, time.UTC))
	seedSchedule(t, s, "sch-w", store.FrequencyWeekly, time.Date(2026, 8, 26, 6, 0, 0, 0, time.UTC))

	sub := &fakeSubmitter{}
	if _, err := newScheduler(s, sub).RunDue(context.Background(), now); err != nil {
		t.Fatalf("run due: %v", err)
	}

	daily, _ := s.GetSchedule(context.Background(), "sch-d")
	wantDaily := time.Date(2026, 8, 27, 6, 0, 0, 0, time.UTC)
	if !daily.NextRunAt.Equal(wantDaily) {
		t.Errorf("daily next_run_at = %v, want %v", daily.NextRunAt, wantDaily)
	}
	if daily.LastRunAt == nil || !daily.LastRunAt.Equal(now) {
		t.Errorf("daily last_run_at = %v, want %v", daily.LastRunAt, now)
	}

	weekly, _ := s.GetSchedule(context.Background(), "sch-w")
	wantWeekly := time.Date(2026, 9, 2, 6, 0, 0, 0, time.UTC)
	if !weekly.NextRunAt.Equal(wantWeekly) {
		t.Errorf("weekly next_run_at = %v, want %v", weekly.NextRunAt, wantWeekly)
	}
}

func TestRunDueCatchesUpStaleSchedule(t *testing.T) {
	s := newTestStore(t)
	// Last fire long ago; the next run must land in the future, not step
	// through every missed period.
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	seedSchedule(t, s, "sch-stale", store.FrequencyDaily, time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC))

	sub := &fakeSubmitter{}
	if _, err := newScheduler(s, sub).RunDue(context.Background(), now); err != nil {
		t.Fatalf("run due: %v", err)
	}
	if len(sub.submitted()) != 1 {
		t.Fatalf("submissions = %d, want exactly 1 despite many missed periods", len(sub.submitted()))
	}

	got, _ := s.GetSchedule(context.Background(), "sch-stale")
	want := time.Date(2026, 8, 27, 6, 0, 0, 0, time.UTC)
	if !got.NextRunAt.Equal(want) {
		t.Errorf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
}

func TestRunDueClaimIsAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 26, 6, 0, 0, 0, time.UTC)
	seedSchedule(t, s, "sch-1", store.FrequencyDaily, now.Add(-time.Minute))

	sub := &fakeSubmitter{}
	sched := newScheduler(s, sub)

	// Two overlapping ticks against the same due set. Only one claim can win.
	due, err := s.ListDueSchedules(context.Background(), now)
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %v, %v", due, err)
	}
	first := sched.runOne(context.Background(), &due[0], now)
	second := sched.runOne(context.Background(), &due[0], now)

	if !first.Claimed {
		t.Error("first tick should claim")
	}
	if second.Claimed {
		t.Error("second tick claimed an already-claimed period")
	}
	if len(sub.submitted()) != 1 {
		t.Errorf("submissions = %d, want 1", len(sub.submitted()))
	}
}

func TestRunDueSkipsPausedSchedules(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 26, 6, 0, 0, 0, time.UTC)
	seedSchedule(t, s, "sch-p", store.FrequencyDaily, now.Add(-time.Minute))
	if err := s.SetScheduleStatus(context.Background(), "sch-p", store.SchedulePaused); err != nil {
		t.Fatalf("pause: %v", err)
	}

	sub := &fakeSubmitter{}
	outcomes, err := newScheduler(s, sub).RunDue(context.Background(), now)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if len(outcomes) != 0 || len(sub.submitted()) != 0 {
		t.Errorf("paused schedule was processed: %v", outcomes)
	}
}

func TestRunDueRecordsRejection(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 26, 6, 0, 0, 0, time.UTC)
	seedSchedule(t, s, "sch-1", store.FrequencyDaily, now.Add(-time.Minute))

	sub := &fakeSubmitter{err: &orchestrator.InsufficientFundsError{Estimate: 500, Shortfall: 200}}
	outcomes, err := newScheduler(s, sub).RunDue(context.Background(), now)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}
	if !outcomes[0].Claimed || outcomes[0].Error == "" {
		t.Errorf("outcome = %+v, want claimed with error", outcomes[0])
	}

	// The period is spent; the schedule fires again next period, not now.
	got, _ := s.GetSchedule(context.Background(), "sch-1")
	if !got.NextRunAt.After(now) {
		t.Errorf("next_run_at = %v, want after %v", got.NextRunAt, now)
	}
}
