package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/postpull/postpull/internal/config"
	"github.com/postpull/postpull/internal/ledger"
	"github.com/postpull/postpull/internal/notify"
	"github.com/postpull/postpull/internal/runner"
	"github.com/postpull/postpull/internal/store"
)

// fakeRunner returns canned runs and items and records start calls.
type fakeRunner struct {
	startCalls int
	startErr   error
	runStatus  string
	runError   string
	items      []runner.Item
	itemsErr   error
}

func (f *fakeRunner) StartRun(ctx context.Context, req runner.StartRequest) (string, error) {
	f.startCalls++
	if f.startErr != nil {
		return "", f.startErr
	}
	return fmt.Sprintf("run-%d", f.startCalls), nil
}

func (f *fakeRunner) GetRun(ctx context.Context, runID string) (*runner.Run, error) {
	status := f.runStatus
	if status == "" {
		status = runner.StatusSucceeded
	}
	return &runner.Run{ID: runID, Status: status, DatasetID: "ds-1", Error: f.runError}, nil
}

func (f *fakeRunner) ListItems(ctx context.Context, datasetID string) ([]runner.Item, error) {
	if f.itemsErr != nil {
		return nil, f.itemsErr
	}
	return f.items, nil
}

// recordingNotifier counts deliveries.
type recordingNotifier struct {
	sent []notify.Completion
}

func (r *recordingNotifier) JobCompleted(ctx context.Context, user *store.User, c notify.Completion) error {
	r.sent = append(r.sent, c)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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

func seedUser(t *testing.T, s store.Store, id string, balance int64) {
	t.Helper()
	err := s.CreateUser(context.Background(), &store.User{
		ID:         id,
		Email:      id + "@example.com",
		Balance:    balance,
		NotifyPref: true,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func guards() config.GuardsConfig {
	return config.GuardsConfig{
		FailureWindow: config.Duration{Duration: time.Hour},
		MaxFailures:   3,
	}
}

func newOrchestrator(s store.Store, fr *fakeRunner, rn *recordingNotifier) *Orchestrator {
	logger := testLogger()
	return New(s, ledger.New(s, logger), fr, rn, guards(), logger)
}

func items(usernames ...string) []runner.Item {
	out := make([]runner.Item, 0, len(usernames))
	for _, u := range usernames {
		out = append(out, runner.Item{"ownerUsername": u, "caption": "hello #world"})
	}
	return out
}

func TestSubmitCreatesProcessingJob(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 1000)
	fr := &fakeRunner{}
	o := newOrchestrator(s, fr, &recordingNotifier{})

	job, err := o.Submit(context.Background(), SubmitRequest{
		UserID: "u1", Source: "Instagram", Target: "@NASA", ItemCount: 10, Notify: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != store.JobProcessing {
		t.Errorf("status = %s, want processing", job.Status)
	}
	if job.Source != "instagram" {
		t.Errorf("source = %q, want normalized instagram", job.Source)
	}
	if job.EstimatedCost != 50 {
		t.Errorf("estimated cost = %d, want 50", job.EstimatedCost)
	}
	if job.RunID == "" {
		t.Error("run id not set")
	}
	if fr.startCalls != 1 {
		t.Errorf("start calls = %d, want 1", fr.startCalls)
	}

	got, err := s.GetJobByRunID(context.Background(), job.RunID)
	if err != nil || got == nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if !got.Notify {
		t.Error("notify flag not persisted")
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 1000)
	fr := &fakeRunner{}
	o := newOrchestrator(s, fr, &recordingNotifier{})

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"unknown source", SubmitRequest{UserID: "u1", Source: "myspace", Target: "x", ItemCount: 5}},
		{"empty target", SubmitRequest{UserID: "u1", Source: "instagram", Target: "  ", ItemCount: 5}},
		{"zero count", SubmitRequest{UserID: "u1", Source: "instagram", Target: "x", ItemCount: 0}},
		{"negative count", SubmitRequest{UserID: "u1", Source: "instagram", Target: "x", ItemCount: -3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Submit(context.Background(), tt.req)
			var invalid *InvalidError
			if !errors.As(err, &invalid) {
				t.Errorf("err = %v, want InvalidError", err)
			}
		})
	}
	if fr.startCalls != 0 {
		t.Errorf("runner called %d times for invalid input", fr.startCalls)
	}
}

func TestSubmitInsufficientFundsCarriesShortfall(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 30) // instagram at 5/item, 10 items = 50
	fr := &fakeRunner{}
	o := newOrchestrator(s, fr, &recordingNotifier{})

	_, err := o.Submit(context.Background(), SubmitRequest{
		UserID: "u1", Source: "instagram", Target: "nasa", ItemCount: 10,
	})
	var funds *InsufficientFundsError
	if !errors.As(err, &funds) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}
	if funds.Estimate != 50 || funds.Shortfall != 20 {
		t.Errorf("estimate/shortfall = %d/%d, want 50/20", funds.Estimate, funds.Shortfall)
	}
	if fr.startCalls != 0 {
		t.Error("runner called despite insufficient balance")
	}
}

func TestSubmitIdempotencyKeyRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 1000)
	fr := &fakeRunner{}
	o := newOrchestrator(s, fr, &recordingNotifier{})

	req := SubmitRequest{
		UserID: "u1", Source: "instagram", Target: "nasa", ItemCount: 5,
		IdempotencyKey: "key-1",
	}
	first, err := o.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err = o.Submit(context.Background(), req)
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateError", err)
	}
	if dup.Job.ID != first.ID {
		t.Errorf("duplicate points at job %s, want %s", dup.Job.ID, first.ID)
	}
	if fr.startCalls != 1 {
		t.Errorf("start calls = %d, want 1", fr.startCalls)
	}

	// A different user may reuse the same key.
	seedUser(t, s, "u2", 1000)
	req.UserID = "u2"
	if _, err := o.Submit(context.Background(), req); err != nil {
		t.Errorf("other user with same key: %v", err)
	}
}

func TestSubmitAbuseGuardBlocksBeforeExternalCall(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 100000)
	fr := &fakeRunner{items: items("other1", "other2")}
	o := newOrchestrator(s, fr, &recordingNotifier{})
	ctx := context.Background()

	// Three validation failures inside the window.
	for i := 0; i < 3; i++ {
		job, err := o.Submit(ctx, SubmitRequest{
			UserID: "u1", Source: "instagram", Target: "nasa", ItemCount: 5,
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if err := o.Complete(ctx, job.RunID, runner.EventRunSucceeded); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		got, _ := s.GetJob(ctx, job.ID)
		if got.Status != store.JobValidationFailed {
			t.Fatalf("job %d status = %s, want validation_failed", i, got.Status)
		}
	}

	calls := fr.startCalls
	_, err := o.Submit(ctx, SubmitRequest{
		UserID: "u1", Source: "instagram", Target: "nasa", ItemCount: 5,
	})
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if limited.Failures != 3 {
		t.Errorf("failures = %d, want 3", limited.Failures)
	}
	if fr.startCalls != calls {
		t.Error("runner called despite abuse guard")
	}
}

func TestCompleteSuccessDebitsFinalCost(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 1000)
	fr := &fakeRunner{items: items("nasa", "nasa", "nasa")}
	rn := &recordingNotifier{}
	o := newOrchestrator(s, fr, rn)
	ctx := context.Background()

	job, err := o.Submit(ctx, SubmitRequest{
		UserID: "u1", Source: "instagram", Target: "@nasa", ItemCount: 10, Notify: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := o.Complete(ctx, job.RunID, runner.EventRunSucceeded); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.JobSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}
	if got.ActualCount != 3 {
		t.Errorf("actual count = %d, want 3", got.ActualCount)
	}
	// Final cost follows delivered items, not the requested count.
	if got.FinalCost != 15 {
		t.Errorf("final cost = %d, want 15", got.FinalCost)
	}
	if got.ArtifactRef != "ds-1" {
		t.Errorf("artifact ref = %q, want ds-1", got.ArtifactRef)
	}
	if got.DeductionStatus != store.DeductionSettled {
		t.Errorf("deduction = %s, want settled", got.DeductionStatus)
	}

	user, _ := s.GetUser(ctx, "u1")
	if user.Balance != 985 {
		t.Errorf("balance = %d, want 985", user.Balance)
	}
	if len(rn.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(rn.sent))
	}
	if rn.sent[0].CostCents != 15 || rn.sent[0].ItemCount != 3 {
		t.Errorf("notification = %+v", rn.sent[0])
	}
}

func TestCompleteDuplicateCallbackIsNoOp(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 1000)
	fr := &fakeRunner{items: items("nasa", "nasa")}
	rn := &recordingNotifier{}
	o := newOrchestrator(s, fr, rn)
	ctx := context.Background()

	job, err := o.Submit(ctx, SubmitRequest{
		UserID: "u1", Source: "instagram", Target: "nasa", ItemCount: 5, Notify: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := o.Complete(ctx, job.RunID, runner.EventRunSucceeded); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}

	user, _ := s.GetUser(ctx, "u1")
	if user.Balance != 990 {
		t.Errorf("balance = %d after duplicate callbacks, want single debit to 990", user.Balance)
	}
	if len(rn.sent) != 1 {
		t.Errorf("notifications = %d, want 1", len(rn.sent))
	}
}

func TestCompleteUnknownRunIgnored(t *testing.T) {
	s := newTestStore(t)
	o := newOrchestrator(s, &fakeRunner{}, &recordingNotifier{})
	if err := o.Complete(context.Background(), "run-nope", runner.EventRunSucceeded); err != nil {
		t.Errorf("unknown run should be swallowed, got %v", err)
	}
}

func TestCompleteRunFailed(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 1000)
	fr := &fakeRunner{runStatus: runner.StatusFailed, runError: "actor crashed"}
	o := newOrchestrator(s, fr, &recordingNotifier{})
	ctx := context.Background()

	job, err := o.Submit(ctx, SubmitRequest{
		UserID: "u1", Source: "instagram", Target: "nasa", ItemCount: 5,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := o.Complete(ctx, job.RunID, runner.EventRunFailed); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error != "actor crashed" {
		t.Errorf("error = %q", got.Error)
	}
	if got.DeductionStatus != store.DeductionNone {
		t.Errorf("deduction = %s, want none", got.DeductionStatus)
	}
	user, _ := s.GetUser(ctx, "u1")
	if user.Balance != 1000 {
		t.Errorf("balance = %d, failed run must not charge", user.Balance)
	}
}

func TestCompleteClassifiesRunOutcome(t *testing.T) {
	tests := []struct {
		name      string
		runStatus string
		runError  string
		want      store.JobStatus
	}{
		{"aborted run is skipped", runner.StatusAborted, "", store.JobSkipped},
		{"throttled run is rate_limited", runner.StatusFailed, "Instagram rate limit exceeded", store.JobRateLimited},
		{"timed out run is failed", runner.StatusTimedOut, "", store.JobFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			seedUser(t, s, "u1", 1000)
			fr := &fakeRunner{runStatus: tt.runStatus, runError: tt.runError}
			o := newOrchestrator(s, fr, &recordingNotifier{})
			ctx := context.Background()

			job, err := o.Submit(ctx, SubmitRequest{
				UserID: "u1", Source: "instagram", Target: "nasa", ItemCount: 5,
			})
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if err := o.Complete(ctx, job.RunID, runner.EventRunFailed); err != nil {
				t.Fatalf("complete: %v", err)
			}
			got, _ := s.GetJob(ctx, job.ID)
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
		})
	}
}

func TestCompleteEmptyResultsFails(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 1000)
	fr := &fakeRunner{items: nil}
	o := newOrchestrator(s, fr, &recordingNotifier{})
	ctx := context.Background()

	job, err := o.Submit(ctx, SubmitRequest{
		UserID: "u1", Source: "instagram", Target: "nasa", ItemCount: 5,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := o.Complete(ctx, job.RunID, runner.EventRunSucceeded); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.JobFailed {
		t.Errorf("status = %s, want failed for empty result set", got.Status)
	}
}

func TestCompleteValidationFailureSkipsBilling(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 1000)
	fr := &fakeRunner{items: items("somebodyelse", "another")}
	rn := &recordingNotifier{}
	o := newOrchestrator(s, fr, rn)
	ctx := context.Background()

	job, err := o.Submit(ctx, SubmitRequest{
		UserID: "u1", Source: "instagram", Target: "nasa", ItemCount: 5, Notify: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := o.Complete(ctx, job.RunID, runner.EventRunSucceeded); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.JobValidationFailed {
		t.Fatalf("status = %s, want validation_failed", got.Status)
	}
	if got.Error == "" {
		t.Error("mismatch detail not recorded")
	}
	user, _ := s.GetUser(ctx, "u1")
	if user.Balance != 1000 {
		t.Errorf("balance = %d, validation failure must not charge", user.Balance)
	}
	if len(rn.sent) != 0 {
		t.Errorf("notifications = %d, want 0", len(rn.sent))
	}
}

func TestCompleteDebitFailureFlagsJob(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 30) // covers the 25-cent estimate but not a larger final bill
	fr := &fakeRunner{items: items("nasa", "nasa", "nasa", "nasa", "nasa", "nasa", "nasa", "nasa")}
	o := newOrchestrator(s, fr, &recordingNotifier{})
	ctx := context.Background()

	job, err := o.Submit(ctx, SubmitRequest{
		UserID: "u1", Source: "instagram", Target: "nasa", ItemCount: 5,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// 8 delivered items at 5 cents = 40, above the remaining balance.
	if err := o.Complete(ctx, job.RunID, runner.EventRunSucceeded); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.JobSuccess {
		t.Fatalf("status = %s, job must stand even when the debit fails", got.Status)
	}
	if got.DeductionStatus != store.DeductionFailed {
		t.Errorf("deduction = %s, want failed", got.DeductionStatus)
	}
	user, _ := s.GetUser(ctx, "u1")
	if user.Balance != 30 {
		t.Errorf("balance = %d, failed debit must not partially charge", user.Balance)
	}

	unsettled, err := s.ListUnsettledJobs(ctx, 10)
	if err != nil {
		t.Fatalf("list unsettled: %v", err)
	}
	if len(unsettled) != 1 || unsettled[0].ID != job.ID {
		t.Errorf("unsettled = %+v, want the flagged job", unsettled)
	}
}

func TestCompleteAnonymousJobNoCharge(t *testing.T) {
	s := newTestStore(t)
	fr := &fakeRunner{items: items("nasa")}
	rn := &recordingNotifier{}
	o := newOrchestrator(s, fr, rn)
	ctx := context.Background()

	job, err := o.Submit(ctx, SubmitRequest{
		Source: "instagram", Target: "nasa", ItemCount: 5, Notify: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := o.Complete(ctx, job.RunID, runner.EventRunSucceeded); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.JobSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}
	if got.FinalCost != 0 {
		t.Errorf("final cost = %d, anonymous jobs are free", got.FinalCost)
	}
	if got.DeductionStatus != store.DeductionNone {
		t.Errorf("deduction = %s, want none", got.DeductionStatus)
	}
	if len(rn.sent) != 0 {
		t.Errorf("notifications = %d, anonymous jobs have no recipient", len(rn.sent))
	}
}

func TestCompleteScheduleCounter(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 1000)
	fr := &fakeRunner{items: items("nasa", "nasa")}
	o := newOrchestrator(s, fr, &recordingNotifier{})
	ctx := context.Background()

	sched := &store.Schedule{
		ID: "sch-1", UserID: "u1", Source: "instagram", Target: "nasa",
		Frequency: store.FrequencyDaily, Status: store.ScheduleActive,
		NextRunAt: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateSchedule(ctx, sched); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	job, err := o.Submit(ctx, SubmitRequest{
		UserID: "u1", Source: "instagram", Target: "nasa", ItemCount: 5, ScheduleID: "sch-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := o.Complete(ctx, job.RunID, runner.EventRunSucceeded); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := s.GetSchedule(ctx, "sch-1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.CumulativeItems != 2 {
		t.Errorf("cumulative items = %d, want 2", got.CumulativeItems)
	}
}
