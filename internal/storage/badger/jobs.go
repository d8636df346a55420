package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/bobmcallan/nimbus/internal/models"
)

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
		RequestJSON:     requestJSON,
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
	if err := json.Unmarshal(d.RequestJSON, &job.Request); err != nil {
		return nil, fmt.Errorf("failed to decode request for job %s: %w", d.ID, err)
	}
	return job, nil
}

// CreateJob persists a new job.
func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	doc, err := toJobDoc(job)
	if err != nil {
		return err
	}
	if err := s.db.Insert(job.ID, doc); err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	var doc jobDoc
	if err := s.db.Get(jobID, &doc); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return doc.toJob()
}

// UpdateJob applies a partial update under the store mutex.
func (s *Store) UpdateJob(_ context.Context, jobID string, update *models.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc jobDoc
	if err := s.db.Get(jobID, &doc); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.ErrJobNotFound
		}
		return fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	applyUpdate(&doc, update)
	doc.UpdatedAt = nowNanos()

	if err := s.db.Update(jobID, &doc); err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	return nil
}

func applyUpdate(doc *jobDoc, update *models.JobUpdate) {
	if update.State != nil {
		doc.State = *update.State
	}
	if update.Progress != nil {
		doc.Progress = *update.Progress
	}
	if update.BytesDownloaded != nil {
		doc.BytesDownloaded = *update.BytesDownloaded
	}
	if update.BytesTotal != nil {
		doc.BytesTotal = *update.BytesTotal
	}
	if update.StartedAt != nil {
		doc.StartedAt = update.StartedAt.UTC().UnixNano()
	}
	if update.FinishedAt != nil {
		doc.FinishedAt = update.FinishedAt.UTC().UnixNano()
	} else if update.ClearFinishedAt {
		doc.FinishedAt = 0
	}
	if update.Errors != nil {
		doc.Errors = *update.Errors
	}
	if update.WorkerID != nil {
		doc.WorkerID = *update.WorkerID
	}
}

// ListJobs filters in memory and sorts newest first, the same shape every
// backend exposes.
func (s *Store) ListJobs(_ context.Context, filter *models.JobFilter) ([]*models.Job, int, error) {
	if filter == nil {
		filter = &models.JobFilter{}
	}

	var docs []jobDoc
	if err := s.db.Find(&docs, nil); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	var matched []jobDoc
	for _, d := range docs {
		if filter.State != "" && d.State != filter.State {
			continue
		}
		if filter.Provider != "" && d.Provider != filter.Provider {
			continue
		}
		if filter.DateFrom != nil && d.CreatedAt < filter.DateFrom.UTC().UnixNano() {
			continue
		}
		if filter.DateTo != nil && d.CreatedAt > filter.DateTo.UTC().UnixNano() {
			continue
		}
		matched = append(matched, d)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	jobs := make([]*models.Job, 0, end-start)
	for _, d := range matched[start:end] {
		job, err := d.toJob()
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, nil
}

// ClaimJobForExecution performs the queued-to-running transition under the
// store mutex, giving the same one-winner guarantee a SQL CAS does.
func (s *Store) ClaimJobForExecution(_ context.Context, jobID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc jobDoc
	if err := s.db.Get(jobID, &doc); err != nil {
		if err == badgerhold.ErrNotFound {
			return false, models.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	if doc.State != models.JobStateQueued {
		return false, nil
	}

	now := nowNanos()
	doc.State = models.JobStateRunning
	doc.WorkerID = workerID
	doc.StartedAt = now
	doc.UpdatedAt = now

	if err := s.db.Update(jobID, &doc); err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	return true, nil
}

// RequeueIncomplete returns running and cancel_requested jobs to queued.
func (s *Store) RequeueIncomplete(_ context.Context) ([]string, error) {
	return s.requeueMatching(func(d *jobDoc) bool {
		return d.State == models.JobStateRunning || d.State == models.JobStateCancelRequested
	})
}

// RequeueStale returns running jobs untouched for longer than olderThan to
// queued.
func (s *Store) RequeueStale(_ context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan).UTC().UnixNano()
	return s.requeueMatching(func(d *jobDoc) bool {
		return d.State == models.JobStateRunning && d.UpdatedAt < cutoff
	})
}

func (s *Store) requeueMatching(match func(*jobDoc) bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []jobDoc
	if err := s.db.Find(&docs, nil); err != nil {
		return nil, fmt.Errorf("failed to scan jobs for requeue: %w", err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt < docs[j].CreatedAt })

	var ids []string
	now := nowNanos()
	for i := range docs {
		d := &docs[i]
		if !match(d) {
			continue
		}
		d.State = models.JobStateQueued
		d.WorkerID = ""
		d.StartedAt = 0
		d.UpdatedAt = now
		if err := s.db.Update(d.ID, d); err != nil {
			return nil, fmt.Errorf("failed to requeue job %s: %w", d.ID, err)
		}
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
