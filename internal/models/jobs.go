// Package models defines the data types shared across the nimbus engine.
package models

import "time"

// Job states. Terminal states are succeeded, failed, and cancelled.
// The only legal entry into "running" is the store's atomic claim.
const (
	JobStateQueued          = "queued"
	JobStateRunning         = "running"
	JobStateCancelRequested = "cancel_requested"
	JobStateSucceeded       = "succeeded"
	JobStateFailed          = "failed"
	JobStateCancelled       = "cancelled"
)

// Job type constants
const (
	JobTypeSearchDownload   = "search_download"
	JobTypeDownloadProducts = "download_products"
)

// IsTerminalState reports whether a job state is terminal.
func IsTerminalState(state string) bool {
	return state == JobStateSucceeded || state == JobStateFailed || state == JobStateCancelled
}

// Job is a durable unit of fetch work.
type Job struct {
	ID              string     `json:"job_id"`
	JobType         string     `json:"job_type"`
	Provider        string     `json:"provider"`
	Collection      string     `json:"collection"`
	Request         JobRequest `json:"request"`
	State           string     `json:"state"`
	Progress        float64    `json:"progress"`
	BytesDownloaded int64      `json:"bytes_downloaded"`
	BytesTotal      int64      `json:"bytes_total"`
	WorkerID        string     `json:"worker_id,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// JobUpdate carries a partial update for a job row. Nil pointer fields are
// left untouched. ClearFinishedAt resets finished_at to null, used when a
// recovered job transitions back into running.
type JobUpdate struct {
	State           *string
	Progress        *float64
	BytesDownloaded *int64
	BytesTotal      *int64
	StartedAt       *time.Time
	FinishedAt      *time.Time
	ClearFinishedAt bool
	Errors          *[]string
	WorkerID        *string
}

// JobFilter selects jobs for listing. Zero values mean "no constraint".
type JobFilter struct {
	State    string
	Provider string
	DateFrom *time.Time
	DateTo   *time.Time
	Page     int
	PageSize int
}

// JobStatus is the externally visible view of a job.
type JobStatus struct {
	JobID           string     `json:"job_id"`
	State           string     `json:"state"`
	Progress        float64    `json:"progress"`
	BytesDownloaded int64      `json:"bytes_downloaded"`
	BytesTotal      int64      `json:"bytes_total"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	DurationSeconds float64    `json:"duration_seconds"`
	Errors          []string   `json:"errors"`
	Provider        string     `json:"provider"`
	Collection      string     `json:"collection"`
}

// JobList is a page of job statuses plus the unpaged total.
type JobList struct {
	Items    []*JobStatus `json:"items"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

// Status derives the external view of the job at time now.
// duration_seconds runs from started_at to finished_at, or to now while the
// job is still executing, and is clamped at zero.
func (j *Job) Status(now time.Time) *JobStatus {
	status := &JobStatus{
		JobID:           j.ID,
		State:           j.State,
		Progress:        j.Progress,
		BytesDownloaded: j.BytesDownloaded,
		BytesTotal:      j.BytesTotal,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
		Errors:          j.Errors,
		Provider:        j.Provider,
		Collection:      j.Collection,
	}
	if j.StartedAt != nil {
		end := now
		if j.FinishedAt != nil {
			end = *j.FinishedAt
		}
		if d := end.Sub(*j.StartedAt).Seconds(); d > 0 {
			status.DurationSeconds = d
		}
	}
	return status
}
