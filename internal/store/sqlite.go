package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			balance INTEGER NOT NULL DEFAULT 0,
			notify_pref INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			run_id TEXT UNIQUE NOT NULL,
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			requested_count INTEGER NOT NULL DEFAULT 0,
			actual_count INTEGER NOT NULL DEFAULT 0,
			estimated_cost INTEGER NOT NULL DEFAULT 0,
			final_cost INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'processing',
			error TEXT NOT NULL DEFAULT '',
			artifact_ref TEXT NOT NULL DEFAULT '',
			deduction_status TEXT NOT NULL DEFAULT 'none',
			notify INTEGER NOT NULL DEFAULT 0,
			user_id TEXT NOT NULL DEFAULT '',
			schedule_id TEXT,
			idempotency_key TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id)`,
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
			next_run_at DATETIME NOT NULL,
			last_run_at DATETIME,
			cumulative_items INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, balance, notify_pref, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Email, user.Balance, user.NotifyPref, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, balance, notify_pref, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Email, &u.Balance, &u.NotifyPref, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) AddBalance(ctx context.Context, userID string, amount int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET balance = balance + ? WHERE id = ?",
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

func (s *SQLiteStore) DebitBalance(ctx context.Context, userID string, amount int64) error {
	// The balance check and decrement happen in one statement so overlapping
	// completions cannot produce a lost update.
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET balance = balance - ? WHERE id = ? AND balance >= ?",
		amount, userID, amount,
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
			"SELECT COUNT(*) FROM users WHERE id = ?", userID,
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

const jobColumns = `id, run_id, source, target, requested_count, actual_count,
	estimated_cost, final_cost, status, error, artifact_ref, deduction_status,
	notify, user_id, schedule_id, idempotency_key, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.RunID, &j.Source, &j.Target, &j.RequestedCount, &j.ActualCount,
		&j.EstimatedCost, &j.FinalCost, &j.Status, &j.Error, &j.ArtifactRef, &j.DeductionStatus,
		&j.Notify, &j.UserID, &j.ScheduleID, &j.IdempotencyKey, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, run_id, source, target, requested_count, actual_count,
			estimated_cost, final_cost, status, error, artifact_ref, deduction_status,
			notify, user_id, schedule_id, idempotency_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RunID, job.Source, job.Target, job.RequestedCount, job.ActualCount,
		job.EstimatedCost, job.FinalCost, job.Status, job.Error, job.ArtifactRef, job.DeductionStatus,
		job.Notify, job.UserID, job.ScheduleID, job.IdempotencyKey, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id))
}

func (s *SQLiteStore) GetJobByRunID(ctx context.Context, runID string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE run_id = ?", runID))
}

func (s *SQLiteStore) ListJobsByUser(ctx context.Context, userID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?",
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) FindJobByIdempotencyKey(ctx context.Context, userID, key string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE user_id = ? AND idempotency_key = ?",
		userID, key))
}

func (s *SQLiteStore) CountRecentFailures(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE user_id = ? AND status IN (?, ?) AND created_at >= ?`,
		userID, JobFailed, JobValidationFailed, since,
	).Scan(&count)
	return count, err
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, runID string, c JobCompletion) (bool, error) {
	if !c.Status.Terminal() {
		return false, fmt.Errorf("completion status %q is not terminal", c.Status)
	}
	// Conditional update: only a job still in processing may transition, so a
	// duplicate callback becomes a zero-row no-op.
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, actual_count = ?, final_cost = ?, error = ?,
			artifact_ref = ?, updated_at = ?
		 WHERE run_id = ? AND status = ?`,
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

func (s *SQLiteStore) SetDeductionStatus(ctx context.Context, jobID string, status DeductionStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET deduction_status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC(), jobID,
	)
	return err
}

func (s *SQLiteStore) ListUnsettledJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+` FROM jobs
		 WHERE status = ? AND deduction_status = ? ORDER BY created_at LIMIT ?`,
		JobSuccess, DeductionFailed, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// --- Schedules ---

const scheduleColumns = `id, user_id, source, target, frequency, status,
	next_run_at, last_run_at, cumulative_items, created_at`

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var sc Schedule
	err := row.Scan(&sc.ID, &sc.UserID, &sc.Source, &sc.Target, &sc.Frequency, &sc.Status,
		&sc.NextRunAt, &sc.LastRunAt, &sc.CumulativeItems, &sc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *SQLiteStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, user_id, source, target, frequency, status,
			next_run_at, last_run_at, cumulative_items, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.UserID, sched.Source, sched.Target, sched.Frequency, sched.Status,
		sched.NextRunAt, sched.LastRunAt, sched.CumulativeItems, sched.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return scanSchedule(s.db.QueryRowContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE id = ?", id))
}

func (s *SQLiteStore) ListSchedulesByUser(ctx context.Context, userID string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE user_id = ? ORDER BY created_at",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *SQLiteStore) ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+` FROM schedules
		 WHERE status = ? AND next_run_at <= ? ORDER BY next_run_at`,
		ScheduleActive, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]Schedule, error) {
	var schedules []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sc)
	}
	return schedules, rows.Err()
}

func (s *SQLiteStore) ClaimSchedule(ctx context.Context, id string, nextRunAt, lastRunAt time.Time) (bool, error) {
	// next_run_at must still be due at claim time so concurrent ticks cannot
	// fire the same schedule twice in one period.
	result, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = ?, last_run_at = ?
		 WHERE id = ? AND status = ? AND next_run_at <= ?`,
		nextRunAt, lastRunAt, id, ScheduleActive, lastRunAt,
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

func (s *SQLiteStore) SetScheduleStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET status = ? WHERE id = ?", status, id,
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

func (s *SQLiteStore) AddScheduleItems(ctx context.Context, id string, delta int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET cumulative_items = cumulative_items + ? WHERE id = ?",
		delta, id,
	)
	return err
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Historical jobs keep their status, cost, and counts; only the schedule
	// reference is cleared.
	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET schedule_id = NULL WHERE schedule_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM schedules WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}
