// Package fetcher orchestrates imagery fetch jobs: it validates and
// persists submissions, schedules them onto the executor, runs the
// provider workflow, aggregates progress, and recovers interrupted work
// after restarts.
package fetcher

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/nimbus/internal/common"
	"github.com/bobmcallan/nimbus/internal/geometry"
	"github.com/bobmcallan/nimbus/internal/interfaces"
	"github.com/bobmcallan/nimbus/internal/metrics"
	"github.com/bobmcallan/nimbus/internal/models"
	"github.com/bobmcallan/nimbus/internal/services/executor"
)

// cancelMemoTTL bounds how often a running job re-reads its own state to
// notice a cancel requested through another instance.
const cancelMemoTTL = 500 * time.Millisecond

// Service implements interfaces.FetchService.
type Service struct {
	config    *common.Config
	store     interfaces.JobStore
	providers map[string]interfaces.Provider
	publisher interfaces.EventPublisher
	metrics   *metrics.Metrics
	logger    *common.Logger
	pool      *executor.Pool

	dataDir  string
	workerID string

	cancelMemo sync.Map // job id -> cancelMemoEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ interfaces.FetchService = (*Service)(nil)

type cancelMemoEntry struct {
	requested bool
	at        time.Time
}

// NewService wires the orchestrator. publisher may be nil when no live
// event fan-out is wanted.
func NewService(config *common.Config, store interfaces.JobStore, providers map[string]interfaces.Provider,
	publisher interfaces.EventPublisher, m *metrics.Metrics, logger *common.Logger) *Service {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Service{
		config:    config,
		store:     store,
		providers: providers,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		dataDir:   config.Storage.DataDir,
		workerID:  defaultWorkerID(),
	}
	s.pool = executor.NewPool(executor.Config{
		Workers:        config.Fetch.MaxJobs,
		ProviderLimits: config.Fetch.ProviderLimits,
	}, s.runJob, logger)
	return s
}

func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "nimbus"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

// newJobID mints a 32 character lowercase hex id.
func newJobID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// SubmitJob validates the request, persists the job in queued, and offers
// it to the executor.
func (s *Service) SubmitJob(ctx context.Context, req *models.JobRequest) (string, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.JobType == models.JobTypeSearchDownload {
		if _, err := geometry.ParseAOI(req.AOI); err != nil {
			return "", models.NewValidationError("aoi", err.Error())
		}
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:         newJobID(),
		JobType:    req.JobType,
		Provider:   req.Provider,
		Collection: req.Collection,
		Request:    *req,
		State:      models.JobStateQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	s.recordEvent(ctx, job.ID, models.EventJobQueued, map[string]any{"state": models.JobStateQueued})
	s.metrics.JobsSubmitted.Inc()
	s.pool.Submit(job.ID, job.Provider)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", job.JobType).
		Str("provider", job.Provider).
		Str("collection", job.Collection).
		Msg("Job submitted")
	return job.ID, nil
}

// SubmitJobs submits a batch in order, stopping at the first invalid
// request. Jobs submitted before the failure stay submitted.
func (s *Service) SubmitJobs(ctx context.Context, reqs []*models.JobRequest) ([]string, error) {
	ids := make([]string, 0, len(reqs))
	for i, req := range reqs {
		id, err := s.SubmitJob(ctx, req)
		if err != nil {
			return ids, fmt.Errorf("request %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetStatus returns the external view of one job.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*models.JobStatus, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Status(time.Now().UTC()), nil
}

// ListJobs returns one page of job statuses, newest first.
func (s *Service) ListJobs(ctx context.Context, filter *models.JobFilter) (*models.JobList, error) {
	if filter == nil {
		filter = &models.JobFilter{}
	}
	jobs, total, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	items := make([]*models.JobStatus, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, job.Status(now))
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return &models.JobList{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// CancelJob requests cooperative cancellation. Queued jobs cancel
// immediately; running jobs move to cancel_requested and the runner
// notices at its next check. Terminal jobs report false.
func (s *Service) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	if models.IsTerminalState(job.State) {
		return false, nil
	}

	if job.State == models.JobStateQueued {
		now := time.Now().UTC()
		state := models.JobStateCancelled
		if err := s.store.UpdateJob(ctx, jobID, &models.JobUpdate{State: &state, FinishedAt: &now}); err != nil {
			return false, err
		}
		s.pool.RequestCancel(jobID)
		s.recordEvent(ctx, jobID, models.EventJobCancelled, map[string]any{
			"status": models.JobStateCancelled,
			"reason": "cancelled_while_queued",
		})
		s.metrics.JobsFinished.WithLabelValues(models.JobStateCancelled).Inc()
		s.logger.Info().Str("job_id", jobID).Msg("Queued job cancelled")
		return true, nil
	}

	// running or already cancel_requested
	state := models.JobStateCancelRequested
	if err := s.store.UpdateJob(ctx, jobID, &models.JobUpdate{State: &state}); err != nil {
		return false, err
	}
	s.pool.RequestCancel(jobID)
	s.cancelMemo.Delete(jobID)
	s.recordEvent(ctx, jobID, models.EventJobCancelRequested, map[string]any{
		"state": models.JobStateCancelRequested,
	})
	s.logger.Info().Str("job_id", jobID).Msg("Cancel requested")
	return true, nil
}

// GetResult returns the stored result of a job.
func (s *Service) GetResult(ctx context.Context, jobID string) (*models.JobResult, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.GetResult(ctx, jobID)
}

// ListEvents reads a job's event log.
func (s *Service) ListEvents(ctx context.Context, filter *models.EventFilter) ([]*models.JobEvent, error) {
	return s.store.ListEvents(ctx, filter)
}

// recordEvent appends to the durable log and fans out to live
// subscribers. Append failures are logged, not fatal: the job itself is
// the source of truth.
func (s *Service) recordEvent(ctx context.Context, jobID, eventType string, payload map[string]any) {
	event := &models.JobEvent{
		JobID:     jobID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if _, err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Str("type", eventType).Msg("Failed to append event")
	}
	if s.publisher != nil {
		s.publisher.Publish(event)
	}
}

// cancelRequested combines the in-process latch with a memoized read of
// the stored state, so cancels issued through another instance are seen
// within cancelMemoTTL.
func (s *Service) cancelRequested(jobID string) bool {
	if s.pool.IsCancelled(jobID) {
		return true
	}

	now := time.Now()
	if v, ok := s.cancelMemo.Load(jobID); ok {
		entry := v.(cancelMemoEntry)
		if now.Sub(entry.at) < cancelMemoTTL {
			return entry.requested
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := s.store.GetJob(ctx, jobID)
	requested := err == nil &&
		(job.State == models.JobStateCancelRequested || job.State == models.JobStateCancelled)
	s.cancelMemo.Store(jobID, cancelMemoEntry{requested: requested, at: now})
	return requested
}
