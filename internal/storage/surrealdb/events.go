package surrealdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/nimbus/internal/models"
)

// AppendEvent takes the next id from the counters table with a single
// atomic increment, then creates the event record under that id. Ids stay
// strictly increasing even with several service instances appending.
func (s *Store) AppendEvent(ctx context.Context, event *models.JobEvent) (int64, error) {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event payload: %w", err)
	}

	counterSQL := "UPDATE $rid SET n += 1 RETURN AFTER"
	counters, err := surrealdb.Query[[]counterDoc](ctx, s.db, counterSQL, map[string]any{
		"rid": surrealmodels.NewRecordID("counters", "events"),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance event counter: %w", err)
	}
	rows := first(counters)
	if len(rows) == 0 {
		return 0, fmt.Errorf("event counter record missing")
	}
	id := rows[0].N

	sql := `UPSERT $rid SET event_id = $event_id, job_id = $job_id,
		type = $type, timestamp_ns = $timestamp_ns, payload_json = $payload_json`
	vars := map[string]any{
		"rid":          surrealmodels.NewRecordID("job_events", id),
		"event_id":     id,
		"job_id":       event.JobID,
		"type":         event.Type,
		"timestamp_ns": event.Timestamp.UTC().UnixNano(),
		"payload_json": string(payloadJSON),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, fmt.Errorf("failed to append event for job %s: %w", event.JobID, err)
	}
	event.ID = id
	return id, nil
}

// ListEvents returns events after filter.SinceID in ascending id order.
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

	sql := "SELECT " + eventFields + " FROM job_events WHERE event_id > $since"
	vars := map[string]any{"since": filter.SinceID, "limit": limit}
	if filter.JobID != "" {
		sql += " AND job_id = $job_id"
		vars["job_id"] = filter.JobID
	}
	sql += " ORDER BY event_id ASC LIMIT $limit"

	results, err := surrealdb.Query[[]eventDoc](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	docs := first(results)
	events := make([]*models.JobEvent, 0, len(docs))
	for _, d := range docs {
		event := &models.JobEvent{
			ID:        d.EventID,
			JobID:     d.JobID,
			Type:      d.Type,
			Timestamp: fromNanos(d.Timestamp),
		}
		if err := json.Unmarshal([]byte(d.PayloadJSON), &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for event %d: %w", d.EventID, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// SetResult stores or replaces a job's result.
func (s *Store) SetResult(ctx context.Context, result *models.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result for job %s: %w", result.JobID, err)
	}

	sql := "UPSERT $rid SET job_id = $job_id, result_json = $result_json"
	vars := map[string]any{
		"rid":         surrealmodels.NewRecordID("job_results", result.JobID),
		"job_id":      result.JobID,
		"result_json": string(resultJSON),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to store result for job %s: %w", result.JobID, err)
	}
	return nil
}

// GetResult retrieves a job's result.
func (s *Store) GetResult(ctx context.Context, jobID string) (*models.JobResult, error) {
	sql := "SELECT job_id, result_json FROM $rid"
	results, err := surrealdb.Query[[]resultDoc](ctx, s.db, sql, map[string]any{
		"rid": surrealmodels.NewRecordID("job_results", jobID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get result for job %s: %w", jobID, err)
	}
	docs := first(results)
	if len(docs) == 0 {
		return nil, models.ErrResultNotFound
	}

	var result models.JobResult
	if err := json.Unmarshal([]byte(docs[0].ResultJSON), &result); err != nil {
		return nil, fmt.Errorf("failed to decode result for job %s: %w", jobID, err)
	}
	return &result, nil
}
