package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bobmcallan/nimbus/internal/models"
)

// AppendEvent appends one event and returns its assigned id. AUTOINCREMENT
// ids are globally increasing, which keeps each job's log strictly ordered.
func (s *Store) AppendEvent(ctx context.Context, event *models.JobEvent) (int64, error) {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event payload: %w", err)
	}
	if event.Payload == nil {
		payloadJSON = []byte("{}")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, type, timestamp, payload_json)
		VALUES (?, ?, ?, ?)`,
		event.JobID, event.Type, nanos(event.Timestamp), string(payloadJSON))
	if err != nil {
		return 0, fmt.Errorf("failed to append event for job %s: %w", event.JobID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event id: %w", err)
	}
	event.ID = id
	return id, nil
}

// ListEvents returns events after filter.SinceID in ascending id order.
// An empty JobID selects the merged log across all jobs.
func (s *Store) ListEvents(ctx context.Context, filter *models.EventFilter) ([]*models.JobEvent, error) {
	if filter == nil {
		filter = &models.EventFilter{}
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT id, job_id, type, timestamp, payload_json FROM job_events WHERE id > ?`
	args := []any{filter.SinceID}
	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.JobEvent
	for rows.Next() {
		var (
			event       models.JobEvent
			timestamp   int64
			payloadJSON string
		)
		if err := rows.Scan(&event.ID, &event.JobID, &event.Type, &timestamp, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for event %d: %w", event.ID, err)
		}
		event.Timestamp = fromNanos(timestamp)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return events, nil
}

// SetResult stores or replaces a job's result.
func (s *Store) SetResult(ctx context.Context, result *models.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result for job %s: %w", result.JobID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_results (job_id, result_json) VALUES (?, ?)
		ON CONFLICT(job_id) DO UPDATE SET result_json = excluded.result_json`,
		result.JobID, string(resultJSON))
	if err != nil {
		return fmt.Errorf("failed to store result for job %s: %w", result.JobID, err)
	}
	return nil
}

// GetResult retrieves a job's result.
func (s *Store) GetResult(ctx context.Context, jobID string) (*models.JobResult, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT result_json FROM job_results WHERE job_id = ?`, jobID).Scan(&resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load result for job %s: %w", jobID, err)
	}

	var result models.JobResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, fmt.Errorf("failed to decode result for job %s: %w", jobID, err)
	}
	return &result, nil
}
