// Package store defines the persistence interface for postpull and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrInsufficientBalance is returned by DebitBalance when the user's balance
// does not cover the amount.
var ErrInsufficientBalance = errors.New("insufficient balance")

// JobStatus is the closed set of job lifecycle states. A job is created in
// processing and transitions exactly once to a terminal state.
type JobStatus string

const (
	JobProcessing       JobStatus = "processing"
	JobSuccess          JobStatus = "success"
	JobFailed           JobStatus = "failed"
	JobValidationFailed JobStatus = "validation_failed"
	JobRateLimited      JobStatus = "rate_limited"
	JobSkipped          JobStatus = "skipped"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s != JobProcessing
}

// DeductionStatus tracks the ledger debit separately from the job's own
// status, so a job can stand as delivered even when the debit write failed.
type DeductionStatus string

const (
	DeductionNone    DeductionStatus = "none"    // no charge applies (anonymous, non-success)
	DeductionSettled DeductionStatus = "settled" // balance debited exactly once
	DeductionFailed  DeductionStatus = "failed"  // debit write failed; needs reconciliation
)

// ScheduleFrequency is the recurrence cadence of a schedule.
type ScheduleFrequency string

const (
	FrequencyDaily  ScheduleFrequency = "daily"
	FrequencyWeekly ScheduleFrequency = "weekly"
)

// Period returns the interval between runs for the frequency.
func (f ScheduleFrequency) Period() time.Duration {
	if f == FrequencyWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

const (
	ScheduleActive = "active"
	SchedulePaused = "paused"
)

// User holds a credit balance in integer cents. The balance is only ever
// adjusted through AddBalance/DebitBalance so mutations stay serialized in
// the database.
type User struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Balance    int64     `json:"balance"` // credit cents
	NotifyPref bool      `json:"notify_pref"`
	CreatedAt  time.Time `json:"created_at"`
}

// Job is the persisted record of one extraction run. It is the single source
// of truth linking a submission to its out-of-band completion callback.
type Job struct {
	ID              string          `json:"id"`
	RunID           string          `json:"run_id"` // external runner's run id, unique
	Source          string          `json:"source"`
	Target          string          `json:"target"`
	RequestedCount  int             `json:"requested_count"`
	ActualCount     int             `json:"actual_count"`
	EstimatedCost   int64           `json:"estimated_cost"`
	FinalCost       int64           `json:"final_cost"`
	Status          JobStatus       `json:"status"`
	Error           string          `json:"error,omitempty"`
	ArtifactRef     string          `json:"artifact_ref,omitempty"` // runner dataset locator
	DeductionStatus DeductionStatus `json:"deduction_status"`
	Notify          bool            `json:"notify"` // caller opted into a completion message
	UserID          string          `json:"user_id,omitempty"` // empty for anonymous no-charge jobs
	ScheduleID      *string         `json:"schedule_id,omitempty"`
	IdempotencyKey  *string         `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// JobCompletion carries the terminal update applied by CompleteJob.
type JobCompletion struct {
	Status      JobStatus
	ActualCount int
	FinalCost   int64
	Error       string
	ArtifactRef string
}

// Schedule is a recurring instruction that spawns a new job each period.
type Schedule struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Source          string            `json:"source"`
	Target          string            `json:"target"`
	Frequency       ScheduleFrequency `json:"frequency"`
	Status          string            `json:"status"`
	NextRunAt       time.Time         `json:"next_run_at"`
	LastRunAt       *time.Time        `json:"last_run_at,omitempty"`
	CumulativeItems int64             `json:"cumulative_items"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Store is the persistence interface.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	// AddBalance credits the user's balance by amount (top-up).
	AddBalance(ctx context.Context, userID string, amount int64) error
	// DebitBalance performs a single atomic read-modify-write against the
	// persisted balance. Returns ErrInsufficientBalance when the balance
	// does not cover the amount.
	DebitBalance(ctx context.Context, userID string, amount int64) error

	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	GetJobByRunID(ctx context.Context, runID string) (*Job, error)
	ListJobsByUser(ctx context.Context, userID string, limit int) ([]Job, error)
	// FindJobByIdempotencyKey returns the job previously submitted with the
	// same (user, key) pair, or nil.
	FindJobByIdempotencyKey(ctx context.Context, userID, key string) (*Job, error)
	// CountRecentFailures counts terminal failure-family jobs (failed,
	// validation_failed) for the user created at or after since.
	CountRecentFailures(ctx context.Context, userID string, since time.Time) (int, error)
	// CompleteJob applies the terminal update only if the job is still in
	// processing (compare-and-set on the status column). Returns false when
	// the job was already terminal, guaranteeing exactly-once side effects
	// under duplicate callbacks.
	CompleteJob(ctx context.Context, runID string, c JobCompletion) (bool, error)
	// SetDeductionStatus records the outcome of the ledger debit for a job.
	SetDeductionStatus(ctx context.Context, jobID string, status DeductionStatus) error
	// ListUnsettledJobs returns success jobs whose debit failed, for
	// out-of-band reconciliation.
	ListUnsettledJobs(ctx context.Context, limit int) ([]Job, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedulesByUser(ctx context.Context, userID string) ([]Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)
	// ClaimSchedule advances next_run_at and sets last_run_at, succeeding
	// only while the schedule is active and still due. A false return means
	// another tick already claimed this period.
	ClaimSchedule(ctx context.Context, id string, nextRunAt, lastRunAt time.Time) (bool, error)
	SetScheduleStatus(ctx context.Context, id, status string) error
	// AddScheduleItems increments the cumulative delivered-items counter.
	AddScheduleItems(ctx context.Context, id string, delta int) error
	// DeleteSchedule removes the schedule and nulls the schedule reference
	// on historical jobs without touching their other fields.
	DeleteSchedule(ctx context.Context, id string) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
