package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/bobmcallan/nimbus/internal/models"
)

// flushInterval throttles progress persistence and events. Final
// per-file callbacks (delta zero) always flush.
const flushInterval = 250 * time.Millisecond

// aggregator folds concurrent per-file download callbacks into one
// job-level progress figure. Percent is capped at 99 until the job
// finalizes, since file totals may be unknown or still growing.
type aggregator struct {
	svc   *Service
	jobID string

	mu         sync.Mutex
	fileTotals map[string]int64
	downloaded int64
	started    time.Time
	lastFlush  time.Time
	lastBytes  int64
}

func newAggregator(svc *Service, jobID string) *aggregator {
	now := time.Now()
	return &aggregator{
		svc:        svc,
		jobID:      jobID,
		fileTotals: make(map[string]int64),
		started:    now,
		lastFlush:  now,
	}
}

// callback implements interfaces.ProgressFunc.
func (a *aggregator) callback(file string, delta, downloaded, total int64) {
	if delta > 0 {
		a.svc.metrics.DownloadBytes.Add(float64(delta))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if delta > 0 {
		a.downloaded += delta
	}
	// Totals only ratchet up. A retried file must not shrink the sum.
	if total > a.fileTotals[file] {
		a.fileTotals[file] = total
	}

	now := time.Now()
	if delta > 0 && now.Sub(a.lastFlush) < flushInterval {
		return
	}
	a.flushLocked(now, file, downloaded)
}

func (a *aggregator) flushLocked(now time.Time, file string, fileBytes int64) {
	var totalSum int64
	for _, t := range a.fileTotals {
		if t > 0 {
			totalSum += t
		}
	}

	progress := 0.0
	if totalSum > 0 {
		progress = float64(a.downloaded) / float64(totalSum) * 100
		if progress > 99 {
			progress = 99
		}
	}

	elapsed := now.Sub(a.lastFlush).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(a.downloaded-a.lastBytes) / elapsed
	}
	a.lastFlush = now
	a.lastBytes = a.downloaded

	downloaded := a.downloaded
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	update := &models.JobUpdate{
		Progress:        &progress,
		BytesDownloaded: &downloaded,
		BytesTotal:      &totalSum,
	}
	if err := a.svc.store.UpdateJob(ctx, a.jobID, update); err != nil {
		a.svc.logger.Warn().Err(err).Str("job_id", a.jobID).Msg("Failed to persist progress")
	}

	var payloadTotal any
	if totalSum > 0 {
		payloadTotal = totalSum
	}
	a.svc.recordEvent(ctx, a.jobID, models.EventJobProgress, map[string]any{
		"file":        file,
		"file_bytes":  fileBytes,
		"bytes":       downloaded,
		"bytes_total": payloadTotal,
		"speed":       speed,
		"status":      models.JobStateRunning,
	})
}

// bytes reports the downloaded total and the sum of known file totals.
func (a *aggregator) bytes() (downloaded, total int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.fileTotals {
		if t > 0 {
			total += t
		}
	}
	return a.downloaded, total
}
