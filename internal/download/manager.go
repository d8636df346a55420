// Package download implements the concurrent file download manager used by
// the providers. It bounds parallelism, retries transient failures with
// exponential backoff, refreshes bearer tokens on 401 without consuming a
// retry, and reports chunk-level progress.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bobmcallan/nimbus/internal/common"
	"github.com/bobmcallan/nimbus/internal/interfaces"
	"github.com/bobmcallan/nimbus/internal/models"
)

// retry floor keeps a misconfigured initial delay from hot-looping
const minRetryDelay = 200 * time.Millisecond

// Config tunes the download manager.
type Config struct {
	MaxConcurrent  int
	MaxRetries     int
	InitialDelay   time.Duration
	BackoffFactor  float64
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ChunkSize      int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		MaxRetries:     5,
		InitialDelay:   1500 * time.Millisecond,
		BackoffFactor:  1.7,
		ConnectTimeout: 20 * time.Second,
		ReadTimeout:    120 * time.Second,
		ChunkSize:      1 << 20,
	}
}

// ConfigFromCommon maps the loaded service configuration onto a Config.
func ConfigFromCommon(c *common.DownloadConfig) Config {
	return Config{
		MaxConcurrent:  c.MaxConcurrent,
		MaxRetries:     c.MaxRetries,
		InitialDelay:   c.InitialDelay(),
		BackoffFactor:  c.BackoffFactor,
		ConnectTimeout: c.ConnectTimeout(),
		ReadTimeout:    c.ReadTimeout(),
		ChunkSize:      c.ChunkSizeBytes,
	}
}

// File is one transfer: a source URL and an absolute destination path.
// Name is the label used in progress callbacks and defaults to the
// destination's base name.
type File struct {
	URL  string
	Dest string
	Name string
}

// Result is the outcome of one file transfer.
type Result struct {
	File  File
	Path  string
	Bytes int64
	Err   error
}

// RefreshFunc obtains a fresh bearer token after a 401.
type RefreshFunc func(ctx context.Context) (string, error)

// HTTPError is a non-2xx download response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("download failed with status %d: %s", e.StatusCode, e.URL)
}

// Temporary reports whether the status is worth retrying.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Manager downloads batches of files with bounded concurrency.
type Manager struct {
	config Config
	client *http.Client
	logger *common.Logger
	tokens *tokenSource
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHTTPClient replaces the HTTP client, used by tests.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.client = client
	}
}

// WithToken sets the initial bearer token sent on every request.
func WithToken(token string) Option {
	return func(m *Manager) {
		m.tokens.set(token)
	}
}

// WithRefresh installs the token refresh hook invoked on 401 responses.
func WithRefresh(refresh RefreshFunc) Option {
	return func(m *Manager) {
		m.tokens.refresh = refresh
	}
}

// SetToken replaces the bearer token sent on subsequent requests.
func (m *Manager) SetToken(token string) {
	m.tokens.set(token)
}

// NewManager creates a download manager with the given tuning.
func NewManager(config Config, opts ...Option) *Manager {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	if config.ChunkSize < 1 {
		config.ChunkSize = DefaultConfig().ChunkSize
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}

	m := &Manager{
		config: config,
		logger: common.NewSilentLogger(),
		tokens: &tokenSource{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = newHTTPClient(config)
	}
	return m
}

func newHTTPClient(config Config) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   config.ConnectTimeout,
		ResponseHeaderTimeout: config.ReadTimeout,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}
	// No overall client timeout: large archives take arbitrarily long and
	// stalls are caught by the per-read watchdog instead.
	return &http.Client{Transport: transport}
}

// Download transfers all files and returns one result per file, in input
// order. Individual failures are recorded in the results; the returned
// error is non-nil only when the whole batch failed or was cancelled.
func (m *Manager) Download(ctx context.Context, files []File, progress interfaces.ProgressFunc, cancelled func() bool) ([]Result, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	results := make([]Result, len(files))
	sem := make(chan struct{}, m.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i, file := range files {
		wg.Add(1)
		go func(i int, file File) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if cancelled() || ctx.Err() != nil {
				results[i] = Result{File: file, Err: models.ErrCancelled}
				return
			}
			results[i] = m.downloadOne(ctx, file, progress, cancelled)
		}(i, file)
	}
	wg.Wait()

	var failed int
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if errors.Is(r.Err, models.ErrCancelled) {
			return results, models.ErrCancelled
		}
		failed++
	}
	if failed == len(files) {
		return results, fmt.Errorf("all downloads failed (%d errors)", failed)
	}
	return results, nil
}

// downloadOne runs the retry loop for a single file.
func (m *Manager) downloadOne(ctx context.Context, file File, progress interfaces.ProgressFunc, cancelled func() bool) Result {
	name := file.Name
	if name == "" {
		name = filepath.Base(file.Dest)
	}

	var (
		attempt   int
		refreshed bool
	)
	for {
		token := m.tokens.current()
		bytes, err := m.attempt(ctx, file, name, token, progress, cancelled)
		if err == nil {
			m.logger.Debug().Str("file", name).Int64("bytes", bytes).Msg("Download complete")
			return Result{File: file, Path: file.Dest, Bytes: bytes}
		}
		if errors.Is(err, models.ErrCancelled) || ctx.Err() != nil {
			return Result{File: file, Err: models.ErrCancelled}
		}

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			if httpErr.StatusCode == http.StatusUnauthorized && !refreshed && m.tokens.refresh != nil {
				// A 401 means the token expired, not that the file is
				// unavailable. Refresh once without consuming a retry.
				if rerr := m.tokens.renew(ctx, token); rerr != nil {
					return Result{File: file, Err: fmt.Errorf("token refresh failed: %w", rerr)}
				}
				refreshed = true
				m.logger.Debug().Str("file", name).Msg("Retrying with refreshed token")
				continue
			}
			if !httpErr.Temporary() {
				return Result{File: file, Err: err}
			}
		}

		attempt++
		if attempt > m.config.MaxRetries {
			return Result{File: file, Err: fmt.Errorf("giving up after %d retries: %w", m.config.MaxRetries, err)}
		}

		delay := m.retryDelay(attempt)
		m.logger.Warn().
			Str("file", name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Download attempt failed, backing off")

		select {
		case <-ctx.Done():
			return Result{File: file, Err: models.ErrCancelled}
		case <-time.After(delay):
		}
		if cancelled() {
			return Result{File: file, Err: models.ErrCancelled}
		}
	}
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	delay := time.Duration(float64(m.config.InitialDelay) * math.Pow(m.config.BackoffFactor, float64(attempt-1)))
	if delay < minRetryDelay {
		delay = minRetryDelay
	}
	return delay
}

// attempt performs one transfer try, streaming into a .part file that is
// renamed over the destination on success.
func (m *Manager) attempt(ctx context.Context, file File, name, token string, progress interfaces.ProgressFunc, cancelled func() bool) (int64, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, file.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request for %s: %w", file.URL, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return 0, &HTTPError{StatusCode: resp.StatusCode, URL: file.URL}
	}

	if err := os.MkdirAll(filepath.Dir(file.Dest), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create destination dir: %w", err)
	}
	part := file.Dest + ".part"
	out, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", part, err)
	}

	total := resp.ContentLength // -1 when the server does not declare one

	// Watchdog: if no read completes within ReadTimeout the request
	// context is cancelled, which surfaces as a retryable error.
	watchdog := time.AfterFunc(m.config.ReadTimeout, cancel)
	defer watchdog.Stop()

	var downloaded int64
	buf := make([]byte, m.config.ChunkSize)
	for {
		if cancelled() {
			out.Close()
			os.Remove(part)
			return downloaded, models.ErrCancelled
		}

		n, rerr := resp.Body.Read(buf)
		watchdog.Reset(m.config.ReadTimeout)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				os.Remove(part)
				return downloaded, fmt.Errorf("failed to write %s: %w", part, werr)
			}
			downloaded += int64(n)
			if progress != nil {
				progress(name, int64(n), downloaded, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			os.Remove(part)
			if ctx.Err() != nil {
				return downloaded, models.ErrCancelled
			}
			return downloaded, fmt.Errorf("read failed: %w", rerr)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(part)
		return downloaded, fmt.Errorf("failed to close %s: %w", part, err)
	}
	if total >= 0 && downloaded != total {
		os.Remove(part)
		return downloaded, fmt.Errorf("short download: got %d of %d bytes", downloaded, total)
	}
	if err := os.Rename(part, file.Dest); err != nil {
		os.Remove(part)
		return downloaded, fmt.Errorf("failed to finalize %s: %w", file.Dest, err)
	}

	// Final zero-delta call flushes the aggregated totals downstream.
	if progress != nil {
		progress(name, 0, downloaded, total)
	}
	return downloaded, nil
}

// tokenSource holds the current bearer token. Refreshes are serialized and
// deduplicated: whoever enters renew second sees the already-updated token
// and skips the network call.
type tokenSource struct {
	mu      sync.Mutex
	token   string
	refresh RefreshFunc
}

func (t *tokenSource) current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

func (t *tokenSource) set(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

func (t *tokenSource) renew(ctx context.Context, seen string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != seen {
		return nil
	}
	token, err := t.refresh(ctx)
	if err != nil {
		return err
	}
	t.token = token
	return nil
}
