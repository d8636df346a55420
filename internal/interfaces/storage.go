// Package interfaces defines service contracts for Nimbus
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/nimbus/internal/models"
)

// JobStore is the durable record of jobs, their event logs, and their
// results. Writes are visible to subsequent reads as soon as the call
// returns, on every backend.
type JobStore interface {
	// CreateJob persists a new job row.
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob retrieves a job, or models.ErrJobNotFound.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// UpdateJob applies a partial update and bumps updated_at.
	UpdateJob(ctx context.Context, jobID string, update *models.JobUpdate) error

	// ListJobs returns one page of jobs, newest first, plus the total
	// match count before paging.
	ListJobs(ctx context.Context, filter *models.JobFilter) ([]*models.Job, int, error)

	// ClaimJobForExecution atomically moves a queued job to running and
	// stamps the worker id. False means the job was not in queued and the
	// worker must drop it. This is the only transition into running.
	ClaimJobForExecution(ctx context.Context, jobID, workerID string) (bool, error)

	// RequeueIncomplete returns every running or cancel_requested job to
	// queued. Called once at startup, before any worker exists. Returns
	// the ids it touched.
	RequeueIncomplete(ctx context.Context) ([]string, error)

	// RequeueStale returns running jobs whose updated_at is older than
	// the cutoff back to queued. Returns the ids it touched.
	RequeueStale(ctx context.Context, olderThan time.Duration) ([]string, error)

	// AppendEvent appends to a job's event log and returns the assigned
	// id, strictly increasing per job.
	AppendEvent(ctx context.Context, event *models.JobEvent) (int64, error)

	// ListEvents returns events with id greater than filter.SinceID, in
	// ascending id order.
	ListEvents(ctx context.Context, filter *models.EventFilter) ([]*models.JobEvent, error)

	// SetResult stores or replaces a job's result record.
	SetResult(ctx context.Context, result *models.JobResult) error

	// GetResult retrieves a job's result, or models.ErrResultNotFound.
	GetResult(ctx context.Context, jobID string) (*models.JobResult, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
