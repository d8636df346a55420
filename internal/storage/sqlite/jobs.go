package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bobmcallan/nimbus/internal/models"
)

const jobColumns = `job_id, job_type, provider, collection, request_json, state,
	progress, bytes_downloaded, bytes_total, worker_id, started_at, finished_at,
	errors_json, created_at, updated_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	requestJSON, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("failed to encode job request: %w", err)
	}
	errorsJSON, err := json.Marshal(job.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode job errors: %w", err)
	}
	if job.Errors == nil {
		errorsJSON = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.JobType, job.Provider, job.Collection, string(requestJSON),
		job.State, job.Progress, job.BytesDownloaded, job.BytesTotal, job.WorkerID,
		nanosPtr(job.StartedAt), nanosPtr(job.FinishedAt), string(errorsJSON),
		nanos(job.CreatedAt), nanos(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return job, nil
}

// UpdateJob applies a partial update and bumps updated_at.
func (s *Store) UpdateJob(ctx context.Context, jobID string, update *models.JobUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{nanos(time.Now())}

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, *update.State)
	}
	if update.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *update.Progress)
	}
	if update.BytesDownloaded != nil {
		sets = append(sets, "bytes_downloaded = ?")
		args = append(args, *update.BytesDownloaded)
	}
	if update.BytesTotal != nil {
		sets = append(sets, "bytes_total = ?")
		args = append(args, *update.BytesTotal)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, nanos(*update.StartedAt))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, nanos(*update.FinishedAt))
	} else if update.ClearFinishedAt {
		sets = append(sets, "finished_at = NULL")
	}
	if update.Errors != nil {
		errorsJSON, err := json.Marshal(*update.Errors)
		if err != nil {
			return fmt.Errorf("failed to encode job errors: %w", err)
		}
		sets = append(sets, "errors_json = ?")
		args = append(args, string(errorsJSON))
	}
	if update.WorkerID != nil {
		sets = append(sets, "worker_id = ?")
		args = append(args, *update.WorkerID)
	}

	args = append(args, jobID)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE job_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for job %s: %w", jobID, err)
	}
	if affected == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// ListJobs returns one page of jobs, newest first, plus the unpaged total.
func (s *Store) ListJobs(ctx context.Context, filter *models.JobFilter) ([]*models.Job, int, error) {
	if filter == nil {
		filter = &models.JobFilter{}
	}

	var (
		where []string
		args  []any
	)
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.DateFrom != nil {
		where = append(where, "created_at >= ?")
		args = append(args, nanos(*filter.DateFrom))
	}
	if filter.DateTo != nil {
		where = append(where, "created_at <= ?")
		args = append(args, nanos(*filter.DateTo))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	query := `SELECT ` + jobColumns + ` FROM jobs` + clause +
		` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, pageSize, (page-1)*pageSize)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate job rows: %w", err)
	}
	return jobs, total, nil
}

// ClaimJobForExecution is the compare-and-set gate into running: the UPDATE
// only matches while the job is still queued, so exactly one worker wins.
func (s *Store) ClaimJobForExecution(ctx context.Context, jobID, workerID string) (bool, error) {
	now := nanos(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, worker_id = ?, started_at = ?, updated_at = ?
		WHERE job_id = ? AND state = ?`,
		models.JobStateRunning, workerID, now, now, jobID, models.JobStateQueued)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for job %s: %w", jobID, err)
	}
	return affected == 1, nil
}

// RequeueIncomplete returns running and cancel_requested jobs to queued.
func (s *Store) RequeueIncomplete(ctx context.Context) ([]string, error) {
	return s.requeueWhere(ctx, `state IN (?, ?)`,
		models.JobStateRunning, models.JobStateCancelRequested)
}

// RequeueStale returns running jobs untouched for longer than olderThan to
// queued.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := nanos(time.Now().Add(-olderThan))
	return s.requeueWhere(ctx, `state = ? AND updated_at < ?`,
		models.JobStateRunning, cutoff)
}

func (s *Store) requeueWhere(ctx context.Context, where string, args ...any) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin requeue transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT job_id FROM jobs WHERE `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select jobs to requeue: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate requeue candidates: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := nanos(time.Now())
	updateArgs := append([]any{models.JobStateQueued, now}, args...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, worker_id = '', started_at = NULL, updated_at = ? WHERE `+where, updateArgs...); err != nil {
		return nil, fmt.Errorf("failed to requeue jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit requeue: %w", err)
	}
	return ids, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return page, pageSize
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job         models.Job
		requestJSON string
		errorsJSON  string
		startedAt   sql.NullInt64
		finishedAt  sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&job.ID, &job.JobType, &job.Provider, &job.Collection, &requestJSON,
		&job.State, &job.Progress, &job.BytesDownloaded, &job.BytesTotal, &job.WorkerID,
		&startedAt, &finishedAt, &errorsJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(requestJSON), &job.Request); err != nil {
		return nil, fmt.Errorf("failed to decode request for job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(errorsJSON), &job.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode errors for job %s: %w", job.ID, err)
	}
	job.StartedAt = fromNullNanos(startedAt)
	job.FinishedAt = fromNullNanos(finishedAt)
	job.CreatedAt = fromNanos(createdAt)
	job.UpdatedAt = fromNanos(updatedAt)
	return &job, nil
}
