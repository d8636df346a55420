package models

import "time"

// Event types emitted over a job's lifecycle.
const (
	EventJobQueued               = "job.queued"
	EventJobStarted              = "job.started"
	EventJobProgress             = "job.progress"
	EventJobProductsFound        = "job.products_found"
	EventJobCancelRequested      = "job.cancel_requested"
	EventJobSucceeded            = "job.succeeded"
	EventJobFailed               = "job.failed"
	EventJobCancelled            = "job.cancelled"
	EventJobRequeuedAfterRestart = "job.requeued_after_restart"
	EventJobRequeuedStale        = "job.requeued_stale"
	EventHeartbeat               = "heartbeat"
)

// JobEvent is one entry in a job's append-only event log. ID is assigned by
// the store, strictly increasing per job. Synthetic heartbeat events carry
// no ID and are never persisted.
type JobEvent struct {
	ID        int64          `json:"id,omitempty"`
	JobID     string         `json:"job_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// EventFilter selects events from a job's log. SinceID is an exclusive
// lower bound on event IDs.
type EventFilter struct {
	JobID   string
	SinceID int64
	Limit   int
}
