package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bobmcallan/nimbus/internal/geometry"
	"github.com/bobmcallan/nimbus/internal/manifest"
	"github.com/bobmcallan/nimbus/internal/models"
	"github.com/bobmcallan/nimbus/internal/paths"
)

// runJob is the executor entry point for one job. It claims the job,
// runs the provider workflow, and finalizes into exactly one terminal
// state.
func (s *Service) runJob(ctx context.Context, jobID string, latched func() bool) {
	defer s.cancelMemo.Delete(jobID)

	cancelled := func() bool {
		return latched() || s.cancelRequested(jobID)
	}

	claimed, err := s.store.ClaimJobForExecution(ctx, jobID, s.workerID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to claim job")
		return
	}
	if !claimed {
		s.logger.Debug().Str("job_id", jobID).Msg("Job no longer claimable, skipping")
		return
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load claimed job")
		return
	}

	if cancelled() {
		s.finalizeCancelled(ctx, job, "cancelled_before_start")
		return
	}

	// Reset the progress baseline. A requeued job may carry counters and
	// a finish time from its interrupted run.
	zero := 0.0
	noErrors := []string{}
	update := &models.JobUpdate{
		Progress:        &zero,
		Errors:          &noErrors,
		ClearFinishedAt: true,
	}
	if err := s.store.UpdateJob(ctx, jobID, update); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to reset job progress")
		s.finalizeFailed(ctx, job, fmt.Errorf("failed to start job: %w", err))
		return
	}
	s.recordEvent(ctx, jobID, models.EventJobStarted, map[string]any{"state": models.JobStateRunning})

	s.metrics.JobsRunning.Inc()
	defer s.metrics.JobsRunning.Dec()

	s.logger.Info().
		Str("job_id", jobID).
		Str("job_type", job.JobType).
		Str("provider", job.Provider).
		Msg("Job started")

	if err := s.executeJob(ctx, job, cancelled); err != nil {
		s.finalizeFailed(ctx, job, err)
	}
}

// executeJob runs the provider workflow for a claimed job. Cancellation
// and success are finalized inside; a returned error means the job
// failed.
func (s *Service) executeJob(ctx context.Context, job *models.Job, cancelled func() bool) error {
	req := &job.Request

	destRel := paths.SanitizeJobDir(req.OutputDir, job.ID)
	destDir, err := paths.SafeJoin(s.dataDir, destRel)
	if err != nil {
		return fmt.Errorf("invalid output directory: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	provider, ok := s.providers[job.Provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", job.Provider)
	}

	agg := newAggregator(s, job.ID)
	metadata := map[string]any{
		"job_type":   job.JobType,
		"provider":   job.Provider,
		"collection": job.Collection,
		"output_dir": destRel,
	}

	var files []string
	switch job.JobType {
	case models.JobTypeSearchDownload:
		aoi, err := geometry.ParseAOI(req.AOI)
		if err != nil {
			return fmt.Errorf("invalid area of interest: %w", err)
		}

		products, err := provider.Search(ctx, req, aoi)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		s.recordEvent(ctx, job.ID, models.EventJobProductsFound, map[string]any{"count": len(products)})
		s.logger.Info().Str("job_id", job.ID).Int("count", len(products)).Msg("Products found")

		metadata["product_type"] = req.ProductType
		metadata["products_found"] = len(products)

		if len(products) > 0 {
			files, err = provider.Download(ctx, job.Collection, products, destDir, agg.callback, cancelled)
			if err != nil {
				if errors.Is(err, models.ErrCancelled) {
					s.finalizeCancelled(ctx, job, "cancelled_during_download")
					return nil
				}
				return err
			}
		}
		metadata["products_downloaded"] = len(files)

	case models.JobTypeDownloadProducts:
		products := make([]*models.Product, 0, len(req.ProductIDs))
		for _, id := range req.ProductIDs {
			products = append(products, &models.Product{ID: id})
		}

		files, err = provider.Download(ctx, job.Collection, products, destDir, agg.callback, cancelled)
		if err != nil {
			if errors.Is(err, models.ErrCancelled) {
				s.finalizeCancelled(ctx, job, "cancelled_during_download")
				return nil
			}
			return err
		}
		metadata["products_requested"] = len(req.ProductIDs)
		metadata["products_downloaded"] = len(files)

	default:
		return fmt.Errorf("unknown job type %q", job.JobType)
	}

	if cancelled() {
		s.finalizeCancelled(ctx, job, "cancelled_after_download")
		return nil
	}

	checksums, err := manifest.ChecksumFiles(files)
	if err != nil {
		return fmt.Errorf("failed to checksum downloads: %w", err)
	}
	entry := manifest.NewEntry(job, files, checksums, metadata)
	manifestPath, manifestDigest, err := manifest.Write(destDir, entry)
	if err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	allPaths := append(append([]string{}, files...), manifestPath)
	checksums[manifestPath] = manifestDigest

	result := &models.JobResult{
		JobID:         job.ID,
		Paths:         allPaths,
		Checksums:     checksums,
		Metadata:      metadata,
		ManifestEntry: entry,
	}
	if err := s.store.SetResult(ctx, result); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	s.finalizeSucceeded(ctx, job, agg, allPaths)
	return nil
}

func (s *Service) finalizeSucceeded(ctx context.Context, job *models.Job, agg *aggregator, resultPaths []string) {
	now := time.Now().UTC()
	state := models.JobStateSucceeded
	progress := 100.0
	downloaded, total := agg.bytes()
	if total < downloaded {
		total = downloaded
	}
	update := &models.JobUpdate{
		State:           &state,
		Progress:        &progress,
		BytesDownloaded: &downloaded,
		BytesTotal:      &total,
		FinishedAt:      &now,
	}
	if err := s.store.UpdateJob(ctx, job.ID, update); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to finalize succeeded job")
	}
	s.recordEvent(ctx, job.ID, models.EventJobSucceeded, map[string]any{
		"status": models.JobStateSucceeded,
		"paths":  resultPaths,
	})
	s.observeFinished(job, models.JobStateSucceeded, now)
	s.logger.Info().
		Str("job_id", job.ID).
		Int64("bytes", downloaded).
		Int("files", len(resultPaths)).
		Msg("Job succeeded")
}

func (s *Service) finalizeCancelled(ctx context.Context, job *models.Job, reason string) {
	now := time.Now().UTC()
	state := models.JobStateCancelled
	update := &models.JobUpdate{State: &state, FinishedAt: &now}
	if err := s.store.UpdateJob(ctx, job.ID, update); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to finalize cancelled job")
	}
	s.recordEvent(ctx, job.ID, models.EventJobCancelled, map[string]any{
		"status": models.JobStateCancelled,
		"reason": reason,
	})
	s.observeFinished(job, models.JobStateCancelled, now)
	s.logger.Info().Str("job_id", job.ID).Str("reason", reason).Msg("Job cancelled")
}

func (s *Service) finalizeFailed(ctx context.Context, job *models.Job, jobErr error) {
	now := time.Now().UTC()
	state := models.JobStateFailed
	errs := []string{jobErr.Error()}
	update := &models.JobUpdate{State: &state, FinishedAt: &now, Errors: &errs}
	if err := s.store.UpdateJob(ctx, job.ID, update); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to finalize failed job")
	}
	s.recordEvent(ctx, job.ID, models.EventJobFailed, map[string]any{
		"status": models.JobStateFailed,
		"error":  jobErr.Error(),
	})
	s.observeFinished(job, models.JobStateFailed, now)
	s.logger.Error().Err(jobErr).Str("job_id", job.ID).Msg("Job failed")
}

// observeFinished records terminal-state metrics. Duration is measured
// from the claim timestamp of this run.
func (s *Service) observeFinished(job *models.Job, state string, finished time.Time) {
	s.metrics.JobsFinished.WithLabelValues(state).Inc()
	if job.StartedAt != nil {
		if d := finished.Sub(*job.StartedAt); d > 0 {
			s.metrics.JobDuration.Observe(d.Seconds())
		}
	}
}
