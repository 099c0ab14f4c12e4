package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			balance BIGINT NOT NULL DEFAULT 0,
			notify_pref BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			run_id TEXT UNIQUE NOT NULL,
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			requested_count INTEGER NOT NULL DEFAULT 0,
			actual_count INTEGER NOT NULL DEFAULT 0,
			estimated_cost BIGINT NOT NULL DEFAULT 0,
			final_cost BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'processing',
			error TEXT NOT NULL DEFAULT '',
			artifact_ref TEXT NOT NULL DEFAULT '',
			deduction_status TEXT NOT NULL DEFAULT 'none',
			notify BOOLEAN NOT NULL DEFAULT FALSE,
			user_id TEXT NOT NULL DEFAULT '',
			schedule_id TEXT,
			idempotency_key TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_user_idem
			ON jobs(user_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_status_created ON jobs(user_id, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			frequency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			next_run_at TIMESTAMPTZ NOT NULL,
			last_run_at TIMESTAMPTZ,
			cumulative_items BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_user_id ON schedules(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, balance, notify_pref, created_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Email, user.Balance, user.NotifyPref, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, balance, notify_pref, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Email, &u.Balance, &u.NotifyPref, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) AddBalance(ctx context.Context, userID string, amount int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET balance = balance + $1 WHERE id = $2",
		amount, userID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user not found: %s", userID)
	}
	return nil
}

func (s *PostgresStore) DebitBalance(ctx context.Context, userID string, amount int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1",
		amount, userID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM users WHERE id = $1", userID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("user not found: %s", userID)
		}
		return ErrInsufficientBalance
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, run_id, source, target, requested_count, actual_count,
			estimated_cost, final_cost, status, error, artifact_ref, deduction_status,
			notify, user_id, schedule_id, idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		job.ID, job.RunID, job.Source, job.Target, job.RequestedCount, job.ActualCount,
		job.EstimatedCost, job.FinalCost, job.Status, job.Error, job.ArtifactRef, job.DeductionStatus,
		job.Notify, job.UserID, job.ScheduleID, job.IdempotencyKey, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = $1", id))
}

func (s *PostgresStore) GetJobByRunID(ctx context.Context, runID string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE run_id = $1", runID))
}

func (s *PostgresStore) ListJobsByUser(ctx context.Context, userID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2",
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) FindJobByIdempotencyKey(ctx context.Context, userID, key string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE user_id = $1 AND idempotency_key = $2",
		userID, key))
}

func (s *PostgresStore) CountRecentFailures(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE user_id = $1 AND status IN ($2, $3) AND created_at >= $4`,
		userID, JobFailed, JobValidationFailed, since,
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) CompleteJob(ctx context.Context, runID string, c JobCompletion) (bool, error) {
	if !c.Status.Terminal() {
		return false, fmt.Errorf("completion status %q is not terminal", c.Status)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, actual_count = $2, final_cost = $3, error = $4,
			artifact_ref = $5, updated_at = $6
		 WHERE run_id = $7 AND status = $8`,
		c.Status, c.ActualCount, c.FinalCost, c.Error, c.ArtifactRef, time.Now().UTC(),
		runID, JobProcessing,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) SetDeductionStatus(ctx context.Context, jobID string, status DeductionStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET deduction_status = $1, updated_at = $2 WHERE id = $3",
		status, time.Now().UTC(), jobID,
	)
	return err
}

func (s *PostgresStore) ListUnsettledJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+` FROM jobs
		 WHERE status = $1 AND deduction_status = $2 ORDER BY created_at LIMIT $3`,
		JobSuccess, DeductionFailed, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// --- Schedules ---

func (s *PostgresStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, user_id, source, target, frequency, status,
			next_run_at, last_run_at, cumulative_items, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sched.ID, sched.UserID, sched.Source, sched.Target, sched.Frequency, sched.Status,
		sched.NextRunAt, sched.LastRunAt, sched.CumulativeItems, sched.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return scanSchedule(s.db.QueryRowContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE id = $1", id))
}

func (s *PostgresStore) ListSchedulesByUser(ctx context.Context, userID string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE user_id = $1 ORDER BY created_at",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *PostgresStore) ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+` FROM schedules
		 WHERE status = $1 AND next_run_at <= $2 ORDER BY next_run_at`,
		ScheduleActive, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *PostgresStore) ClaimSchedule(ctx context.Context, id string, nextRunAt, lastRunAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = $1, last_run_at = $2
		 WHERE id = $3 AND status = $4 AND next_run_at <= $2`,
		nextRunAt, lastRunAt, id, ScheduleActive,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) SetScheduleStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET status = $1 WHERE id = $2", status, id,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) AddScheduleItems(ctx context.Context, id string, delta int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET cumulative_items = cumulative_items + $1 WHERE id = $2",
		delta, id,
	)
	return err
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET schedule_id = NULL WHERE schedule_id = $1", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM schedules WHERE id = $1", id); err != nil {
		return err
	}
	return tx.Commit()
}
