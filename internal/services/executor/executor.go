// Package executor schedules job execution with a global worker cap and
// per-provider concurrency limits.
package executor

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/bobmcallan/nimbus/internal/common"
)

// Runner executes one claimed job. cancelled reports whether a cooperative
// cancel has been requested for the job; runners poll it at phase
// boundaries and between download chunks.
type Runner func(ctx context.Context, jobID string, cancelled func() bool)

// Config tunes the pool.
type Config struct {
	Workers        int
	ProviderLimits map[string]int
	QueueSize      int
}

type queueItem struct {
	jobID    string
	provider string
}

// Pool is a fixed set of workers draining a FIFO queue of job ids.
// A job id is tracked from Submit until its runner returns, so duplicate
// submissions of a live job are rejected.
type Pool struct {
	config Config
	runner Runner
	logger *common.Logger

	queue chan queueItem

	mu        sync.Mutex
	pending   map[string]struct{}
	cancelled map[string]bool
	sems      map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool. Workers below one are raised to one.
func NewPool(config Config, runner Runner, logger *common.Logger) *Pool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 4096
	}
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Pool{
		config:    config,
		runner:    runner,
		logger:    logger,
		queue:     make(chan queueItem, config.QueueSize),
		pending:   make(map[string]struct{}),
		cancelled: make(map[string]bool),
		sems:      make(map[string]chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.config.Workers; i++ {
		p.safeGo(p.workerLoop)
	}
	p.logger.Info().
		Int("workers", p.config.Workers).
		Msg("Job executor started")
}

// Stop halts the workers and waits for in-flight runners to return.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("Job executor stopped")
}

// Submit enqueues a job for execution. It reports false when the job is
// already enqueued or running, or when the queue is full. A full queue is
// not fatal: the job stays queued in the store and the recovery loop
// offers it again.
func (p *Pool) Submit(jobID, provider string) bool {
	p.mu.Lock()
	if _, exists := p.pending[jobID]; exists {
		p.mu.Unlock()
		return false
	}
	p.pending[jobID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- queueItem{jobID: jobID, provider: strings.ToLower(provider)}:
		return true
	default:
		p.forget(jobID)
		p.logger.Warn().Str("job_id", jobID).Msg("Executor queue full, deferring job")
		return false
	}
}

// RequestCancel latches a cancel flag for a tracked job. It reports false
// when the job is not currently tracked by this pool.
func (p *Pool) RequestCancel(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.pending[jobID]; !exists {
		return false
	}
	p.cancelled[jobID] = true
	return true
}

// IsCancelled reports whether a cancel has been latched for the job.
func (p *Pool) IsCancelled(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled[jobID]
}

// InFlight returns the number of jobs between Submit and runner return.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) workerLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case item := <-p.queue:
			sem := p.providerSem(item.provider)
			select {
			case <-p.ctx.Done():
				p.forget(item.jobID)
				return
			case sem <- struct{}{}:
			}
			p.runOne(item)
			<-sem
		}
	}
}

// runOne shields the worker loop from runner panics so one bad job cannot
// take a worker down.
func (p *Pool) runOne(item queueItem) {
	defer p.forget(item.jobID)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("job_id", item.jobID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Job runner panicked")
		}
	}()

	start := time.Now()
	p.runner(p.ctx, item.jobID, func() bool { return p.IsCancelled(item.jobID) })
	p.logger.Debug().
		Str("job_id", item.jobID).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("Job runner finished")
}

// providerSem returns the provider's semaphore, creating it on first use.
// Providers without a configured limit run one job at a time.
func (p *Pool) providerSem(provider string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sem, exists := p.sems[provider]; exists {
		return sem
	}
	limit := p.config.ProviderLimits[provider]
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	p.sems[provider] = sem
	return sem
}

func (p *Pool) forget(jobID string) {
	p.mu.Lock()
	delete(p.pending, jobID)
	delete(p.cancelled, jobID)
	p.mu.Unlock()
}

func (p *Pool) safeGo(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Executor worker panicked")
			}
		}()
		fn()
	}()
}
