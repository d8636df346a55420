package fetcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/bobmcallan/nimbus/internal/models"
)

// Start recovers interrupted jobs, starts the worker pool, and begins
// the periodic recovery loop. Recovery runs before any worker can claim,
// so a job interrupted mid-run is back in queued before execution
// resumes.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	requeued, err := s.store.RequeueIncomplete(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to requeue incomplete jobs: %w", err)
	}
	for _, id := range requeued {
		s.recordEvent(s.ctx, id, models.EventJobRequeuedAfterRestart, map[string]any{
			"reason": "service_restart",
		})
	}
	if len(requeued) > 0 {
		s.logger.Info().Int("count", len(requeued)).Msg("Requeued incomplete jobs after restart")
	}

	s.pool.Start(s.ctx)

	if err := s.resubmitQueued(s.ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to resubmit queued jobs at startup")
	}

	s.safeGo("recovery-loop", s.recoveryLoop)

	s.logger.Info().
		Int("workers", s.config.Fetch.MaxJobs).
		Str("data_dir", s.dataDir).
		Msg("Fetch service started")
	return nil
}

// Stop halts the recovery loop and waits for in-flight jobs to unwind.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.pool.Stop()
	s.wg.Wait()
	s.logger.Info().Msg("Fetch service stopped")
}

func (s *Service) recoveryLoop() {
	ticker := time.NewTicker(s.config.Fetch.QueuePollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.recoverOnce(s.ctx)
		}
	}
}

// recoverOnce requeues jobs whose worker stopped heartbeating and
// re-offers anything queued that the executor is not tracking. Jobs
// dropped on a full executor queue are picked up here as well.
func (s *Service) recoverOnce(ctx context.Context) {
	stale, err := s.store.RequeueStale(ctx, s.config.Fetch.StaleJobCutoff())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Stale job sweep failed")
	}
	for _, id := range stale {
		s.recordEvent(ctx, id, models.EventJobRequeuedStale, map[string]any{
			"reason": "stale_running_timeout",
		})
		s.logger.Warn().Str("job_id", id).Msg("Requeued stale running job")
	}

	if err := s.resubmitQueued(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Queued job resubmit failed")
	}
}

// resubmitQueued offers every queued job to the executor in creation
// order. Submit deduplicates, so re-offering tracked jobs is harmless.
func (s *Service) resubmitQueued(ctx context.Context) error {
	var queued []*models.Job
	for page := 1; ; page++ {
		jobs, _, err := s.store.ListJobs(ctx, &models.JobFilter{
			State:    models.JobStateQueued,
			Page:     page,
			PageSize: 200,
		})
		if err != nil {
			return err
		}
		queued = append(queued, jobs...)
		if len(jobs) < 200 {
			break
		}
	}

	sort.Slice(queued, func(i, j int) bool {
		if queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return queued[i].ID < queued[j].ID
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})

	for _, job := range queued {
		s.pool.Submit(job.ID, job.Provider)
	}
	return nil
}

// safeGo runs fn on a tracked goroutine and contains panics.
func (s *Service) safeGo(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Interface("panic", r).
					Str("goroutine", name).
					Str("stack", string(debug.Stack())).
					Msg("Goroutine panic recovered")
			}
		}()
		fn()
	}()
}
