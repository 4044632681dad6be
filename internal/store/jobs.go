package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = "id, created, updated, config_id, source_uri, kind, status, reason, runner_handle"

// CreateJob enqueues a pending job against an existing configuration.
func (s *Store) CreateJob(ctx context.Context, configID int64, sourceURI string, kind JobKind) (*Job, error) {
	var job *Job
	err := s.WithTx(ctx, func(tx *Tx) error {
		created, err := tx.CreateJob(ctx, configID, sourceURI, kind)
		job = created
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CreateJob enqueues a pending job inside a transaction. Importers use this to
// commit the job together with its batch, so a pending job is never visible
// before the records it should match.
func (tx *Tx) CreateJob(ctx context.Context, configID int64, sourceURI string, kind JobKind) (*Job, error) {
	if sourceURI == "" {
		return nil, fmt.Errorf("%w: source uri must not be empty", ErrValidation)
	}
	if kind != JobKindImport && kind != JobKindExport {
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrValidation, kind)
	}
	var known int
	row := tx.tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM match_config WHERE id = ?", configID)
	if err := row.Scan(&known); err != nil {
		return nil, fmt.Errorf("check match config: %w", err)
	}
	if known == 0 {
		return nil, fmt.Errorf("match config %d: %w", configID, ErrNotFound)
	}

	now := time.Now().UTC()
	result, err := tx.tx.ExecContext(ctx,
		"INSERT INTO job (created, updated, config_id, source_uri, kind, status) VALUES (?, ?, ?, ?, ?, ?)",
		formatTime(now), formatTime(now), configID, sourceURI, string(kind), string(JobPending))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}
	return &Job{
		ID:        id,
		Created:   now,
		Updated:   now,
		ConfigID:  configID,
		SourceURI: sourceURI,
		Kind:      kind,
		Status:    JobPending,
	}, nil
}

// GetJob retrieves one job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM job WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status JobStatus) ([]*Job, error) {
	query := "SELECT " + jobColumns + " FROM job"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNextPendingJob atomically promotes the oldest pending job to running.
// It returns nil without error when another job is already running or nothing
// is pending, which keeps match runs strictly serialized.
func (s *Store) ClaimNextPendingJob(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := s.WithTx(ctx, func(tx *Tx) error {
		var runningCount int
		row := tx.tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM job WHERE status = ?", string(JobRunning))
		if err := row.Scan(&runningCount); err != nil {
			return fmt.Errorf("count running jobs: %w", err)
		}
		if runningCount > 0 {
			return nil
		}

		row = tx.tx.QueryRowContext(ctx,
			"SELECT "+jobColumns+" FROM job WHERE status = ? ORDER BY id ASC LIMIT 1", string(JobPending))
		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan pending job: %w", err)
		}

		now := time.Now().UTC()
		if _, err := tx.tx.ExecContext(ctx,
			"UPDATE job SET status = ?, updated = ? WHERE id = ?",
			string(JobRunning), formatTime(now), job.ID); err != nil {
			return fmt.Errorf("mark job running: %w", err)
		}
		job.Status = JobRunning
		job.Updated = now
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// SetJobRunnerHandle records the opaque backend handle for a running job.
func (s *Store) SetJobRunnerHandle(ctx context.Context, id int64, handle string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"UPDATE job SET runner_handle = ?, updated = ? WHERE id = ?",
		nullableString(handle), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("set job runner handle: %w", err)
	}
	return requireOneRow(result, fmt.Sprintf("job %d", id))
}

// FinishJob moves a job to a terminal status with an optional failure reason.
func (s *Store) FinishJob(ctx context.Context, id int64, status JobStatus, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: status %q is not terminal", ErrValidation, status)
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"UPDATE job SET status = ?, reason = ?, updated = ? WHERE id = ?",
		string(status), nullableString(reason), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return requireOneRow(result, fmt.Sprintf("job %d", id))
}

// ResetOrphanedRunningJobs fails jobs left in the running state by a previous
// daemon that died mid-run.
func (s *Store) ResetOrphanedRunningJobs(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"UPDATE job SET status = ?, reason = ?, updated = ? WHERE status = ?",
		string(JobFailed), "interrupted by daemon restart", formatTime(now), string(JobRunning))
	if err != nil {
		return 0, fmt.Errorf("reset orphaned jobs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset orphaned jobs affected: %w", err)
	}
	return affected, nil
}

func requireOneRow(result sql.Result, what string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func scanJob(row scanner) (*Job, error) {
	var (
		job     Job
		created string
		updated string
		reason  sql.NullString
		handle  sql.NullString
		kind    string
		status  string
	)
	if err := row.Scan(&job.ID, &created, &updated, &job.ConfigID, &job.SourceURI, &kind, &status, &reason, &handle); err != nil {
		return nil, err
	}
	createdAt, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse job created: %w", err)
	}
	updatedAt, err := parseTime(updated)
	if err != nil {
		return nil, fmt.Errorf("parse job updated: %w", err)
	}
	job.Created = createdAt
	job.Updated = updatedAt
	job.Kind = JobKind(kind)
	job.Status = JobStatus(status)
	job.Reason = reason.String
	job.RunnerHandle = handle.String
	return &job, nil
}
