// Package orchestrator drives the job lifecycle: submission guards, the run
// handoff to the external runner, and the completion state machine. Every job
// starts in processing and moves exactly once to a terminal state; the move
// itself is a conditional update in the store, so duplicate completion
// callbacks collapse to no-ops along with their side effects.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/postpull/postpull/internal/config"
	"github.com/postpull/postpull/internal/ledger"
	"github.com/postpull/postpull/internal/notify"
	"github.com/postpull/postpull/internal/rates"
	"github.com/postpull/postpull/internal/runner"
	"github.com/postpull/postpull/internal/store"
	"github.com/postpull/postpull/internal/validate"
)

// InvalidError rejects a malformed submission (bad source, empty target,
// non-positive count). Maps to 400.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return e.Reason }

// InsufficientFundsError rejects a submission whose estimate exceeds the
// user's balance. Carries the exact shortfall so the caller knows how much
// to top up. Maps to 402.
type InsufficientFundsError struct {
	Estimate  int64
	Shortfall int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: estimate %d, short by %d", e.Estimate, e.Shortfall)
}

// DuplicateError rejects a submission whose idempotency key was already
// used by the same user. Carries the original job. Maps to 409.
type DuplicateError struct {
	Job *store.Job
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate submission: job %s already exists for this idempotency key", e.Job.ID)
}

// RateLimitedError rejects a submission from a user with too many recent
// failures. Maps to 429.
type RateLimitedError struct {
	Failures int
	Window   time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many failed jobs (%d in the last %s); wait before retrying", e.Failures, e.Window)
}

// SubmitRequest is one extraction submission. UserID may be empty for
// anonymous no-charge jobs (internal testing surface); IdempotencyKey and
// ScheduleID are optional.
type SubmitRequest struct {
	UserID         string
	Source         string
	Target         string
	ItemCount      int
	IdempotencyKey string
	ScheduleID     string
	Notify         bool
}

// Orchestrator owns the submit and complete paths.
type Orchestrator struct {
	store    store.Store
	ledger   *ledger.Ledger
	runner   runner.Client
	notifier notify.Notifier
	guards   config.GuardsConfig
	logger   *slog.Logger
}

// New creates an Orchestrator.
func New(s store.Store, l *ledger.Ledger, r runner.Client, n notify.Notifier, guards config.GuardsConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    s,
		ledger:   l,
		runner:   r,
		notifier: n,
		guards:   guards,
		logger:   logger.With("component", "orchestrator"),
	}
}

// Submit runs the submission pipeline: estimate, idempotency check, abuse
// guard, balance check, runner handoff, persist. The guards run before any
// external call so a rejected submission consumes nothing. The returned job
// is in processing; completion arrives later via the webhook.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*store.Job, error) {
	req.Source = strings.ToLower(strings.TrimSpace(req.Source))
	req.Target = strings.TrimSpace(req.Target)

	if !rates.Valid(rates.Source(req.Source)) {
		return nil, &InvalidError{Reason: fmt.Sprintf("unknown source %q, supported: %v", req.Source, rates.Sources())}
	}
	if req.Target == "" {
		return nil, &InvalidError{Reason: "target is required"}
	}
	if req.ItemCount <= 0 {
		return nil, &InvalidError{Reason: "item_count must be positive"}
	}

	estimate, err := rates.Cost(rates.Source(req.Source), req.ItemCount)
	if err != nil {
		return nil, &InvalidError{Reason: err.Error()}
	}

	if req.UserID != "" {
		if req.IdempotencyKey != "" {
			existing, err := o.store.FindJobByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if err != nil {
				return nil, fmt.Errorf("idempotency lookup: %w", err)
			}
			if existing != nil {
				return nil, &DuplicateError{Job: existing}
			}
		}

		since := time.Now().UTC().Add(-o.guards.FailureWindow.Duration)
		failures, err := o.store.CountRecentFailures(ctx, req.UserID, since)
		if err != nil {
			return nil, fmt.Errorf("failure count: %w", err)
		}
		if failures >= o.guards.MaxFailures {
			return nil, &RateLimitedError{Failures: failures, Window: o.guards.FailureWindow.Duration}
		}

		sufficient, shortfall, err := o.ledger.CheckBalance(ctx, req.UserID, estimate)
		if err != nil {
			return nil, err
		}
		if !sufficient {
			return nil, &InsufficientFundsError{Estimate: estimate, Shortfall: shortfall}
		}
	}

	runID, err := o.runner.StartRun(ctx, runner.StartRequest{
		Source:    req.Source,
		Target:    req.Target,
		ItemCount: req.ItemCount,
	})
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	now := time.Now().UTC()
	job := &store.Job{
		ID:              uuid.New().String(),
		RunID:           runID,
		Source:          req.Source,
		Target:          req.Target,
		RequestedCount:  req.ItemCount,
		EstimatedCost:   estimate,
		Status:          store.JobProcessing,
		DeductionStatus: store.DeductionNone,
		Notify:          req.Notify,
		UserID:          req.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.ScheduleID != "" {
		job.ScheduleID = &req.ScheduleID
	}
	if req.IdempotencyKey != "" {
		job.IdempotencyKey = &req.IdempotencyKey
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		// The run is already started; without the job record its completion
		// callback has nothing to land on.
		o.logger.Error("job persist failed after run start, run is orphaned",
			"run_id", runID, "source", req.Source, "target", req.Target, "error", err)
		return nil, fmt.Errorf("persist job for run %s: %w", runID, err)
	}

	o.logger.Info("job submitted",
		"job_id", job.ID, "run_id", runID, "source", req.Source,
		"target", req.Target, "count", req.ItemCount, "estimate", estimate)
	return job, nil
}

// Complete processes a completion callback for a run. It is safe to call any
// number of times with the same run id: only the first call that wins the
// conditional status update performs billing, schedule accounting, and
// notification. Unknown run ids and already-terminal jobs return nil so the
// runner stops redelivering.
func (o *Orchestrator) Complete(ctx context.Context, runID, eventType string) error {
	job, err := o.store.GetJobByRunID(ctx, runID)
	if err != nil {
		return fmt.Errorf("lookup run %s: %w", runID, err)
	}
	if job == nil {
		o.logger.Warn("completion for unknown run, ignoring", "run_id", runID, "event", eventType)
		return nil
	}
	if job.Status.Terminal() {
		o.logger.Info("completion for terminal job, ignoring",
			"job_id", job.ID, "run_id", runID, "status", job.Status)
		return nil
	}

	run, err := o.runner.GetRun(ctx, runID)
	if err != nil {
		if eventType == runner.EventRunFailed {
			// The run's own error is out of reach; record the failure anyway.
			return o.finish(ctx, job, store.JobCompletion{
				Status: store.JobFailed,
				Error:  fmt.Sprintf("run failed (detail unavailable: %v)", err),
			})
		}
		return fmt.Errorf("fetch run %s: %w", runID, err)
	}
	if eventType == runner.EventRunFailed || !run.Succeeded() {
		return o.finish(ctx, job, failedCompletion(run))
	}

	items, err := o.runner.ListItems(ctx, run.DatasetID)
	if err != nil {
		return o.finish(ctx, job, store.JobCompletion{
			Status: store.JobFailed,
			Error:  fmt.Sprintf("result fetch failed: %v", err),
		})
	}
	if len(items) == 0 {
		return o.finish(ctx, job, store.JobCompletion{
			Status: store.JobFailed,
			Error:  "run succeeded but returned no items",
		})
	}

	result := validate.Items(job.Source, job.Target, items)
	if !result.Valid {
		return o.finish(ctx, job, store.JobCompletion{
			Status:      store.JobValidationFailed,
			ActualCount: len(items),
			Error:       result.Detail,
			ArtifactRef: run.DatasetID,
		})
	}

	finalCost, err := rates.Cost(rates.Source(job.Source), len(items))
	if err != nil {
		return fmt.Errorf("final cost for job %s: %w", job.ID, err)
	}
	// Anonymous jobs deliver without charge.
	if job.UserID == "" {
		finalCost = 0
	}

	applied, err := o.store.CompleteJob(ctx, runID, store.JobCompletion{
		Status:      store.JobSuccess,
		ActualCount: len(items),
		FinalCost:   finalCost,
		ArtifactRef: run.DatasetID,
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !applied {
		o.logger.Info("lost completion race, another callback already settled the job",
			"job_id", job.ID, "run_id", runID)
		return nil
	}

	o.logger.Info("job succeeded",
		"job_id", job.ID, "run_id", runID, "items", len(items), "final_cost", finalCost)

	if job.UserID != "" {
		o.settleDebit(ctx, job, finalCost)
	}
	if job.ScheduleID != nil {
		if err := o.store.AddScheduleItems(ctx, *job.ScheduleID, len(items)); err != nil {
			o.logger.Error("schedule counter update failed",
				"schedule_id", *job.ScheduleID, "job_id", job.ID, "error", err)
		}
	}
	o.sendNotification(ctx, job, len(items), finalCost, run.DatasetID)
	return nil
}

// finish applies a non-success terminal state. Billing never happens here;
// the deduction status stays none.
func (o *Orchestrator) finish(ctx context.Context, job *store.Job, c store.JobCompletion) error {
	applied, err := o.store.CompleteJob(ctx, job.RunID, c)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !applied {
		o.logger.Info("lost completion race, another callback already settled the job",
			"job_id", job.ID, "run_id", job.RunID)
		return nil
	}
	o.logger.Info("job finished without billing",
		"job_id", job.ID, "run_id", job.RunID, "status", c.Status, "error", c.Error)
	return nil
}

// settleDebit charges the final cost and records the outcome. A failed debit
// never rolls the job back; it is flagged for reconciliation instead.
func (o *Orchestrator) settleDebit(ctx context.Context, job *store.Job, finalCost int64) {
	status := store.DeductionSettled
	if err := o.ledger.DebitFinal(ctx, job.UserID, finalCost); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			o.logger.Error("final debit exceeds balance, job stands unsettled",
				"job_id", job.ID, "user_id", job.UserID, "amount", finalCost)
		} else {
			o.logger.Error("final debit failed, job stands unsettled",
				"job_id", job.ID, "user_id", job.UserID, "amount", finalCost, "error", err)
		}
		status = store.DeductionFailed
	}
	if err := o.store.SetDeductionStatus(ctx, job.ID, status); err != nil {
		o.logger.Error("deduction status update failed",
			"job_id", job.ID, "status", status, "error", err)
	}
}

// sendNotification delivers the completion message when both the request and
// the user opted in. Failures are logged and swallowed.
func (o *Orchestrator) sendNotification(ctx context.Context, job *store.Job, items int, cost int64, artifactRef string) {
	if !job.Notify || job.UserID == "" {
		return
	}
	user, err := o.store.GetUser(ctx, job.UserID)
	if err != nil || user == nil {
		o.logger.Warn("notification skipped, user lookup failed",
			"job_id", job.ID, "user_id", job.UserID, "error", err)
		return
	}
	if !user.NotifyPref {
		return
	}
	err = o.notifier.JobCompleted(ctx, user, notify.Completion{
		JobID:       job.ID,
		Source:      job.Source,
		Target:      job.Target,
		ItemCount:   items,
		CostCents:   cost,
		ArtifactRef: artifactRef,
	})
	if err != nil {
		o.logger.Warn("notification failed", "job_id", job.ID, "user_id", job.UserID, "error", err)
	}
}

// failedCompletion classifies a non-successful run. Aborted runs were stopped
// deliberately and become skipped; platform rate limiting gets its own state
// so the caller can tell throttling from a broken run. The run's error text
// already arrives with the API token redacted.
func failedCompletion(run *runner.Run) store.JobCompletion {
	msg := run.Error
	if msg == "" {
		msg = fmt.Sprintf("run finished with status %s", run.Status)
	}
	status := store.JobFailed
	switch {
	case run.Status == runner.StatusAborted:
		status = store.JobSkipped
	case strings.Contains(strings.ToLower(run.Error), "rate limit"):
		status = store.JobRateLimited
	}
	return store.JobCompletion{Status: status, Error: msg}
}
