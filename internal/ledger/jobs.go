package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `job_id, trigger_type, status, started_at, completed_at, total_sources,
	successful_count, failed_count, total_size_bytes, duration_ms, error_message`

func (l *Ledger) CreateJob(ctx context.Context, j Job) error {
	_, err := l.exec(ctx, `
		INSERT INTO backup_jobs (job_id, trigger_type, status, started_at, total_sources)
		VALUES (?, ?, 'running', ?, ?)`,
		j.ID, string(j.Trigger), millis(j.StartedAt), j.TotalSources,
	)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", j.ID, err)
	}
	return nil
}

func (l *Ledger) CompleteJob(ctx context.Context, j Job) error {
	return l.finish(ctx, j, JobCompleted)
}

func (l *Ledger) FailJob(ctx context.Context, j Job) error {
	return l.finish(ctx, j, JobFailed)
}

// finish moves a running job to a terminal status. A job that already left
// the running state is never rewritten.
func (l *Ledger) finish(ctx context.Context, j Job, status JobStatus) error {
	res, err := l.exec(ctx, `
		UPDATE backup_jobs
		SET status = ?, completed_at = ?, successful_count = ?, failed_count = ?,
			total_size_bytes = ?, duration_ms = ?, error_message = ?
		WHERE job_id = ? AND status = 'running'`,
		string(status), millis(j.CompletedAt), j.Successful, j.Failed,
		j.TotalBytes, j.Duration.Milliseconds(), nullString(j.Error), j.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize job %s: %w", j.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", j.ID, ErrJobNotRunning)
	}
	return nil
}

// FailStaleJobs marks running jobs started before cutoff as failed at at.
// A job that outlived every bound a live run could take belongs to a
// process that no longer exists.
func (l *Ledger) FailStaleJobs(ctx context.Context, cutoff, at time.Time, reason string) (int64, error) {
	res, err := l.exec(ctx, `
		UPDATE backup_jobs
		SET status = 'failed', completed_at = ?, error_message = ?
		WHERE status = 'running' AND started_at < ?`,
		millis(at), reason, millis(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (l *Ledger) Job(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(l.queryRow(ctx, `SELECT `+jobColumns+` FROM backup_jobs WHERE job_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

// RunningJob returns the most recently started running job, or nil.
func (l *Ledger) RunningJob(ctx context.Context) (*Job, error) {
	return l.latest(ctx, JobRunning)
}

// LastCompletedJob returns the most recently started completed job, or nil.
func (l *Ledger) LastCompletedJob(ctx context.Context) (*Job, error) {
	return l.latest(ctx, JobCompleted)
}

func (l *Ledger) latest(ctx context.Context, status JobStatus) (*Job, error) {
	j, err := scanJob(l.queryRow(ctx, `
		SELECT `+jobColumns+`
		FROM backup_jobs
		WHERE status = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1`, string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (l *Ledger) RecentJobs(ctx context.Context, n int) ([]Job, error) {
	rows, err := l.query(ctx, `
		SELECT `+jobColumns+`
		FROM backup_jobs
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		j               Job
		trigger, status string
		startedAt       int64
		completedAt     sql.NullInt64
		durationMs      sql.NullInt64
		errorMessage    sql.NullString
	)
	err := s.Scan(
		&j.ID, &trigger, &status, &startedAt, &completedAt, &j.TotalSources,
		&j.Successful, &j.Failed, &j.TotalBytes, &durationMs, &errorMessage,
	)
	if err != nil {
		return nil, err
	}

	j.Trigger = Trigger(trigger)
	j.Status = JobStatus(status)
	j.StartedAt = fromMillis(startedAt)
	j.CompletedAt = fromNullMillis(completedAt)
	j.Duration = time.Duration(durationMs.Int64) * time.Millisecond
	j.Error = errorMessage.String
	return &j, nil
}

// RecordResult stores the outcome of one source. Artifact columns are left
// NULL unless the result is a success.
func (l *Ledger) RecordResult(ctx context.Context, r SourceResult) error {
	var (
		key                    sql.NullString
		size, tables, rowCount sql.NullInt64
	)
	if r.Status == ResultSuccess {
		key = nullString(r.ArtifactKey)
		size = sql.NullInt64{Int64: r.SizeBytes, Valid: true}
		tables = sql.NullInt64{Int64: int64(r.TableCount), Valid: true}
		rowCount = sql.NullInt64{Int64: int64(r.RowCount), Valid: true}
	}

	_, err := l.exec(ctx, `
		INSERT INTO backup_results (job_id, source_name, source_id, status, artifact_key,
			size_bytes, table_count, row_count, started_at, completed_at, duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.SourceName, r.SourceID, string(r.Status), key,
		size, tables, rowCount, millis(r.StartedAt), nullMillis(r.CompletedAt),
		r.Duration.Milliseconds(), nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to record result for %s: %w", r.SourceName, err)
	}
	return nil
}

func (l *Ledger) ResultsForJob(ctx context.Context, jobID string) ([]SourceResult, error) {
	rows, err := l.query(ctx, `
		SELECT job_id, source_name, source_id, status, artifact_key, size_bytes, table_count,
			row_count, started_at, completed_at, duration_ms, error_message
		FROM backup_results
		WHERE job_id = ?
		ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SourceResult
	for rows.Next() {
		var (
			r                                  SourceResult
			status                             string
			key, errorMessage                  sql.NullString
			size, tables, rowCount, durationMs sql.NullInt64
			startedAt                          int64
			completedAt                        sql.NullInt64
		)
		if err := rows.Scan(
			&r.JobID, &r.SourceName, &r.SourceID, &status, &key, &size, &tables,
			&rowCount, &startedAt, &completedAt, &durationMs, &errorMessage,
		); err != nil {
			return nil, err
		}
		r.Status = ResultStatus(status)
		r.ArtifactKey = key.String
		r.SizeBytes = size.Int64
		r.TableCount = int(tables.Int64)
		r.RowCount = int(rowCount.Int64)
		r.StartedAt = fromMillis(startedAt)
		r.CompletedAt = fromNullMillis(completedAt)
		r.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		r.Error = errorMessage.String
		results = append(results, r)
	}
	return results, rows.Err()
}
