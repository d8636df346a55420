package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/timshannon/badgerhold/v4"

	"github.com/bobmcallan/nimbus/internal/models"
)

// AppendEvent assigns the next id from the persisted counter and stores the
// event. The counter survives restarts, so ids keep increasing.
func (s *Store) AppendEvent(_ context.Context, event *models.JobEvent) (int64, error) {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var counter counterDoc
	err = s.db.Get(eventCounterKey, &counter)
	if err != nil && err != badgerhold.ErrNotFound {
		return 0, fmt.Errorf("failed to read event counter: %w", err)
	}
	counter.N++
	if err := s.db.Upsert(eventCounterKey, &counter); err != nil {
		return 0, fmt.Errorf("failed to advance event counter: %w", err)
	}

	doc := &eventDoc{
		ID:          counter.N,
		JobID:       event.JobID,
		Type:        event.Type,
		Timestamp:   event.Timestamp.UTC().UnixNano(),
		PayloadJSON: payloadJSON,
	}
	if err := s.db.Insert(counter.N, doc); err != nil {
		return 0, fmt.Errorf("failed to append event for job %s: %w", event.JobID, err)
	}
	event.ID = counter.N
	return counter.N, nil
}

// ListEvents returns events after filter.SinceID in ascending id order.
func (s *Store) ListEvents(_ context.Context, filter *models.EventFilter) ([]*models.JobEvent, error) {
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

	query := badgerhold.Where("ID").Gt(filter.SinceID)
	if filter.JobID != "" {
		query = query.And("JobID").Eq(filter.JobID)
	}

	var docs []eventDoc
	if err := s.db.Find(&docs, query); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	if len(docs) > limit {
		docs = docs[:limit]
	}

	events := make([]*models.JobEvent, 0, len(docs))
	for _, d := range docs {
		event := &models.JobEvent{
			ID:        d.ID,
			JobID:     d.JobID,
			Type:      d.Type,
			Timestamp: fromNanos(d.Timestamp),
		}
		if err := json.Unmarshal(d.PayloadJSON, &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for event %d: %w", d.ID, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// SetResult stores or replaces a job's result.
func (s *Store) SetResult(_ context.Context, result *models.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result for job %s: %w", result.JobID, err)
	}
	doc := &resultDoc{JobID: result.JobID, ResultJSON: resultJSON}
	if err := s.db.Upsert("result:"+result.JobID, doc); err != nil {
		return fmt.Errorf("failed to store result for job %s: %w", result.JobID, err)
	}
	return nil
}

// GetResult retrieves a job's result.
func (s *Store) GetResult(_ context.Context, jobID string) (*models.JobResult, error) {
	var doc resultDoc
	if err := s.db.Get("result:"+jobID, &doc); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrResultNotFound
		}
		return nil, fmt.Errorf("failed to get result for job %s: %w", jobID, err)
	}

	var result models.JobResult
	if err := json.Unmarshal(doc.ResultJSON, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result for job %s: %w", jobID, err)
	}
	return &result, nil
}
