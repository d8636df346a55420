// Package interfaces defines service contracts for Nimbus
package interfaces

import (
	"context"

	"github.com/bobmcallan/nimbus/internal/models"
)

// FetchService is the job orchestration surface exposed to transports.
type FetchService interface {
	// SubmitJob validates a request, persists a queued job, and hands it
	// to the executor. Returns the new job id.
	SubmitJob(ctx context.Context, req *models.JobRequest) (string, error)

	// SubmitJobs submits a batch in order. It fails on the first invalid
	// request; jobs already submitted stay submitted.
	SubmitJobs(ctx context.Context, reqs []*models.JobRequest) ([]string, error)

	// GetStatus returns the external view of a job.
	GetStatus(ctx context.Context, jobID string) (*models.JobStatus, error)

	// ListJobs returns one page of job statuses, newest first.
	ListJobs(ctx context.Context, filter *models.JobFilter) (*models.JobList, error)

	// CancelJob requests cooperative cancellation. It reports whether the
	// request was accepted: false for jobs already terminal.
	CancelJob(ctx context.Context, jobID string) (bool, error)

	// GetResult returns the stored result of a succeeded job.
	GetResult(ctx context.Context, jobID string) (*models.JobResult, error)

	// ListEvents reads a job's event log after filter.SinceID.
	ListEvents(ctx context.Context, filter *models.EventFilter) ([]*models.JobEvent, error)
}

// EventPublisher receives every event the service records, for live fan-out
// to connected subscribers. Implementations must not block.
type EventPublisher interface {
	Publish(event *models.JobEvent)
}
