package surrealdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/nimbus/internal/models"
)

func jobRecordID(jobID string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID("jobs", jobID)
}

func toJobDoc(job *models.Job) (*jobDoc, error) {
	requestJSON, err := json.Marshal(job.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job request: %w", err)
	}
	return &jobDoc{
		ID:              job.ID,
		JobType:         job.JobType,
		Provider:        job.Provider,
		Collection:      job.Collection,
		RequestJSON:     string(requestJSON),
		State:           job.State,
		Progress:        job.Progress,
		BytesDownloaded: job.BytesDownloaded,
		BytesTotal:      job.BytesTotal,
		WorkerID:        job.WorkerID,
		StartedAt:       optionalNanos(job.StartedAt),
		FinishedAt:      optionalNanos(job.FinishedAt),
		Errors:          job.Errors,
		CreatedAt:       job.CreatedAt.UTC().UnixNano(),
		UpdatedAt:       job.UpdatedAt.UTC().UnixNano(),
	}, nil
}

func (d *jobDoc) toJob() (*models.Job, error) {
	job := &models.Job{
		ID:              d.ID,
		JobType:         d.JobType,
		Provider:        d.Provider,
		Collection:      d.Collection,
		State:           d.State,
		Progress:        d.Progress,
		BytesDownloaded: d.BytesDownloaded,
		BytesTotal:      d.BytesTotal,
		WorkerID:        d.WorkerID,
		StartedAt:       optionalTime(d.StartedAt),
		FinishedAt:      optionalTime(d.FinishedAt),
		Errors:          d.Errors,
		CreatedAt:       fromNanos(d.CreatedAt),
		UpdatedAt:       fromNanos(d.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(d.RequestJSON), &job.Request); err != nil {
		return nil, fmt.Errorf("failed to decode request for job %s: %w", d.ID, err)
	}
	return job, nil
}

// CreateJob persists a new job record.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	doc, err := toJobDoc(job)
	if err != nil {
		return err
	}

	sql := `UPSERT $rid SET
		job_id = $job_id, job_type = $job_type, provider = $provider,
		collection = $collection, request_json = $request_json, state = $state,
		progress = $progress, bytes_downloaded = $bytes_downloaded,
		bytes_total = $bytes_total, worker_id = $worker_id,
		started_at_ns = $started_at_ns, finished_at_ns = $finished_at_ns,
		errors = $errors, created_at_ns = $created_at_ns, updated_at_ns = $updated_at_ns`
	vars := map[string]any{
		"rid":              jobRecordID(doc.ID),
		"job_id":           doc.ID,
		"job_type":         doc.JobType,
		"provider":         doc.Provider,
		"collection":       doc.Collection,
		"request_json":     doc.RequestJSON,
		"state":            doc.State,
		"progress":         doc.Progress,
		"bytes_downloaded": doc.BytesDownloaded,
		"bytes_total":      doc.BytesTotal,
		"worker_id":        doc.WorkerID,
		"started_at_ns":    doc.StartedAt,
		"finished_at_ns":   doc.FinishedAt,
		"errors":           doc.Errors,
		"created_at_ns":    doc.CreatedAt,
		"updated_at_ns":    doc.UpdatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	sql := "SELECT " + jobFields + " FROM $rid"
	results, err := surrealdb.Query[[]jobDoc](ctx, s.db, sql, map[string]any{"rid": jobRecordID(jobID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	docs := first(results)
	if len(docs) == 0 {
		return nil, models.ErrJobNotFound
	}
	return docs[0].toJob()
}

// UpdateJob applies a partial update and bumps updated_at.
func (s *Store) UpdateJob(ctx context.Context, jobID string, update *models.JobUpdate) error {
	sets := []string{"updated_at_ns = $updated_at_ns"}
	vars := map[string]any{
		"rid":           jobRecordID(jobID),
		"updated_at_ns": nowNanos(),
	}

	if update.State != nil {
		sets = append(sets, "state = $state")
		vars["state"] = *update.State
	}
	if update.Progress != nil {
		sets = append(sets, "progress = $progress")
		vars["progress"] = *update.Progress
	}
	if update.BytesDownloaded != nil {
		sets = append(sets, "bytes_downloaded = $bytes_downloaded")
		vars["bytes_downloaded"] = *update.BytesDownloaded
	}
	if update.BytesTotal != nil {
		sets = append(sets, "bytes_total = $bytes_total")
		vars["bytes_total"] = *update.BytesTotal
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at_ns = $started_at_ns")
		vars["started_at_ns"] = update.StartedAt.UTC().UnixNano()
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at_ns = $finished_at_ns")
		vars["finished_at_ns"] = update.FinishedAt.UTC().UnixNano()
	} else if update.ClearFinishedAt {
		sets = append(sets, "finished_at_ns = 0")
	}
	if update.Errors != nil {
		sets = append(sets, "errors = $errors")
		vars["errors"] = *update.Errors
	}
	if update.WorkerID != nil {
		sets = append(sets, "worker_id = $worker_id")
		vars["worker_id"] = *update.WorkerID
	}

	sql := "UPDATE $rid SET " + strings.Join(sets, ", ") + " RETURN AFTER"
	results, err := surrealdb.Query[[]jobDoc](ctx, s.db, sql, vars)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	if len(first(results)) == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// ListJobs returns one page of jobs, newest first, plus the unpaged total.
func (s *Store) ListJobs(ctx context.Context, filter *models.JobFilter) ([]*models.Job, int, error) {
	if filter == nil {
		filter = &models.JobFilter{}
	}

	var where []string
	vars := map[string]any{}
	if filter.State != "" {
		where = append(where, "state = $state")
		vars["state"] = filter.State
	}
	if filter.Provider != "" {
		where = append(where, "provider = $provider")
		vars["provider"] = filter.Provider
	}
	if filter.DateFrom != nil {
		where = append(where, "created_at_ns >= $from")
		vars["from"] = filter.DateFrom.UTC().UnixNano()
	}
	if filter.DateTo != nil {
		where = append(where, "created_at_ns <= $to")
		vars["to"] = filter.DateTo.UTC().UnixNano()
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	type countResult struct {
		Cnt int `json:"cnt"`
	}
	countSQL := "SELECT count() AS cnt FROM jobs" + clause + " GROUP ALL"
	counts, err := surrealdb.Query[[]countResult](ctx, s.db, countSQL, vars)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	total := 0
	if rows := first(counts); len(rows) > 0 {
		total = rows[0].Cnt
	}

	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	vars["limit"] = pageSize
	vars["start"] = (page - 1) * pageSize
	sql := "SELECT " + jobFields + " FROM jobs" + clause +
		" ORDER BY created_at_ns DESC LIMIT $limit START $start"
	results, err := surrealdb.Query[[]jobDoc](ctx, s.db, sql, vars)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	docs := first(results)
	jobs := make([]*models.Job, 0, len(docs))
	for i := range docs {
		job, err := docs[i].toJob()
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, nil
}

// ClaimJobForExecution claims via a conditional record update. SurrealDB
// applies the UPDATE atomically, and the WHERE clause only matches while
// the job is still queued, so concurrent claimers get exactly one winner.
func (s *Store) ClaimJobForExecution(ctx context.Context, jobID, workerID string) (bool, error) {
	now := nowNanos()
	sql := `UPDATE $rid SET
			state = $running,
			worker_id = $worker_id,
			started_at_ns = $now,
			updated_at_ns = $now
		WHERE state = $queued RETURN AFTER`
	vars := map[string]any{
		"rid":       jobRecordID(jobID),
		"running":   models.JobStateRunning,
		"queued":    models.JobStateQueued,
		"worker_id": workerID,
		"now":       now,
	}

	results, err := surrealdb.Query[[]jobDoc](ctx, s.db, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	return len(first(results)) > 0, nil
}

// RequeueIncomplete returns running and cancel_requested jobs to queued.
func (s *Store) RequeueIncomplete(ctx context.Context) ([]string, error) {
	sql := `UPDATE jobs SET state = $queued, worker_id = '', started_at_ns = 0, updated_at_ns = $now
		WHERE state IN [$running, $cancel_requested] RETURN AFTER`
	vars := map[string]any{
		"queued":           models.JobStateQueued,
		"running":          models.JobStateRunning,
		"cancel_requested": models.JobStateCancelRequested,
		"now":              nowNanos(),
	}
	return s.requeue(ctx, sql, vars)
}

// RequeueStale returns running jobs untouched for longer than olderThan to
// queued.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	sql := `UPDATE jobs SET state = $queued, worker_id = '', started_at_ns = 0, updated_at_ns = $now
		WHERE state = $running AND updated_at_ns < $cutoff RETURN AFTER`
	vars := map[string]any{
		"queued":  models.JobStateQueued,
		"running": models.JobStateRunning,
		"cutoff":  time.Now().Add(-olderThan).UTC().UnixNano(),
		"now":     nowNanos(),
	}
	return s.requeue(ctx, sql, vars)
}

func (s *Store) requeue(ctx context.Context, sql string, vars map[string]any) ([]string, error) {
	results, err := surrealdb.Query[[]jobDoc](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue jobs: %w", err)
	}
	docs := first(results)
	sortByCreated(docs)
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
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
