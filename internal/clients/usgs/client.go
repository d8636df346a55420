// Package usgs provides a client for the USGS EarthExplorer
// Machine-to-Machine API.
package usgs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/nimbus/internal/common"
	"github.com/bobmcallan/nimbus/internal/download"
	"github.com/bobmcallan/nimbus/internal/geometry"
	"github.com/bobmcallan/nimbus/internal/interfaces"
	"github.com/bobmcallan/nimbus/internal/models"
	"github.com/bobmcallan/nimbus/internal/paths"
)

const (
	DefaultBaseURL   = "https://m2m.cr.usgs.gov/api/api/json/stable"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 4 // requests per second

	maxSceneResults = 1000

	// M2M api keys are valid for two hours.
	apiKeyLifetime = 110 * time.Minute
)

// Client implements the Provider interface for the USGS M2M API.
type Client struct {
	baseURL    string
	username   string
	token      string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
	downloader *download.Manager
	dlConfig   download.Config

	mu        sync.Mutex
	apiKey    string
	keyExpiry time.Time
}

var _ interfaces.Provider = (*Client)(nil)

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout for API requests
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithDownloadConfig sets the retry and concurrency behaviour of scene downloads
func WithDownloadConfig(config download.Config) ClientOption {
	return func(c *Client) {
		c.dlConfig = config
	}
}

// NewClient creates a new USGS M2M client. token is an application token
// generated on the EarthExplorer profile page, not the account password.
func NewClient(username, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		username: username,
		token:    token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter:  rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:   common.NewSilentLogger(),
		dlConfig: download.DefaultConfig(),
	}

	for _, opt := range opts {
		opt(c)
	}

	// Staged download URLs are pre-signed, no auth header needed.
	c.downloader = download.NewManager(c.dlConfig, download.WithLogger(c.logger))

	return c
}

// Name returns the provider key used in job requests.
func (c *Client) Name() string {
	return "usgs"
}

// APIError represents an API error
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("usgs API error: %s: %s (endpoint: %s)", e.Code, e.Message, e.Endpoint)
	}
	return fmt.Sprintf("usgs API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// envelope is the uniform M2M response wrapper.
type envelope struct {
	Data         json.RawMessage `json:"data"`
	ErrorCode    string          `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
}

// post performs one rate-limited M2M call and unwraps the envelope.
func (c *Client) post(ctx context.Context, endpoint string, payload, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if endpoint != "login-token" {
		key, err := c.ensureKey(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("X-Auth-Token", key)
	}

	c.logger.Debug().Str("endpoint", endpoint).Msg("USGS API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && len(raw) == 0 {
		return &APIError{StatusCode: resp.StatusCode, Message: "empty response", Endpoint: endpoint}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	if env.ErrorCode != "" {
		if strings.HasPrefix(env.ErrorCode, "AUTH") {
			c.invalidateKey()
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.ErrorCode,
			Message:    env.ErrorMessage,
			Endpoint:   endpoint,
		}
	}

	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("failed to decode %s data: %w", endpoint, err)
		}
	}
	return nil
}

// ensureKey returns a cached session key, logging in when missing or
// near expiry.
func (c *Client) ensureKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	key := c.apiKey
	fresh := key != "" && time.Now().Before(c.keyExpiry)
	c.mu.Unlock()

	if fresh {
		return key, nil
	}
	return c.login(ctx)
}

func (c *Client) invalidateKey() {
	c.mu.Lock()
	c.apiKey = ""
	c.mu.Unlock()
}

func (c *Client) login(ctx context.Context) (string, error) {
	var key string
	err := c.post(ctx, "login-token", map[string]string{
		"username": c.username,
		"token":    c.token,
	}, &key)
	if err != nil {
		return "", fmt.Errorf("usgs login failed: %w", err)
	}
	if key == "" {
		return "", &APIError{Message: "empty api key", Endpoint: "login-token"}
	}

	c.mu.Lock()
	c.apiKey = key
	c.keyExpiry = time.Now().Add(apiKeyLifetime)
	c.mu.Unlock()

	c.logger.Debug().Msg("USGS session established")
	return key, nil
}

type sceneResult struct {
	EntityID  string `json:"entityId"`
	DisplayID string `json:"displayId"`
}

type sceneSearchData struct {
	Results      []sceneResult `json:"results"`
	TotalHits    int           `json:"totalHits"`
	RecordsFound int           `json:"recordsReturned"`
}

// Search runs a scene-search over the area of interest and date window.
// When the request names a product type, scenes whose display id does
// not carry it are dropped.
func (c *Client) Search(ctx context.Context, req *models.JobRequest, aoi *geometry.Geometry) ([]*models.Product, error) {
	geoJSON, err := aoi.GeoJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode area of interest: %w", err)
	}

	payload := map[string]interface{}{
		"datasetName": req.Collection,
		"maxResults":  maxSceneResults,
		"sceneFilter": map[string]interface{}{
			"spatialFilter": map[string]interface{}{
				"filterType": "geojson",
				"geoJson":    json.RawMessage(geoJSON),
			},
			"acquisitionFilter": map[string]string{
				"start": req.StartDate,
				"end":   req.EndDate,
			},
		},
	}

	var data sceneSearchData
	if err := c.post(ctx, "scene-search", payload, &data); err != nil {
		return nil, err
	}

	wantType := strings.ToUpper(req.ProductType)
	products := make([]*models.Product, 0, len(data.Results))
	for _, scene := range data.Results {
		if wantType != "" && !strings.Contains(strings.ToUpper(scene.DisplayID), wantType) {
			continue
		}
		products = append(products, &models.Product{
			ID:   scene.EntityID,
			Name: scene.DisplayID,
		})
	}

	c.logger.Debug().
		Str("dataset", req.Collection).
		Int("hits", data.TotalHits).
		Int("count", len(products)).
		Msg("USGS scene search completed")
	return products, nil
}

type downloadOption struct {
	ID             string `json:"id"`
	EntityID       string `json:"entityId"`
	Available      bool   `json:"available"`
	ProductName    string `json:"productName"`
	DownloadSystem string `json:"downloadSystem"`
	FileSize       int64  `json:"filesize"`
}

type downloadRequestData struct {
	AvailableDownloads []struct {
		URL string `json:"url"`
	} `json:"availableDownloads"`
	PreparingDownloads []struct {
		DownloadID int64 `json:"downloadId"`
	} `json:"preparingDownloads"`
}

// selectOptions picks one download per scene, preferring full bundles
// over single-band products.
func selectOptions(options []downloadOption) []downloadOption {
	best := make(map[string]downloadOption)
	for _, opt := range options {
		if !opt.Available || opt.DownloadSystem == "folder" {
			continue
		}
		current, ok := best[opt.EntityID]
		if !ok {
			best[opt.EntityID] = opt
			continue
		}
		if strings.Contains(opt.ProductName, "Bundle") && !strings.Contains(current.ProductName, "Bundle") {
			best[opt.EntityID] = opt
		}
	}

	selected := make([]downloadOption, 0, len(best))
	for _, opt := range options {
		if chosen, ok := best[opt.EntityID]; ok && chosen.ID == opt.ID {
			selected = append(selected, opt)
			delete(best, opt.EntityID)
		}
	}
	return selected
}

// Download stages the scenes through download-options and
// download-request, then streams the signed URLs into destDir.
func (c *Client) Download(ctx context.Context, collection string, products []*models.Product, destDir string,
	progress interfaces.ProgressFunc, cancelled func() bool) ([]string, error) {
	if collection == "" {
		return nil, fmt.Errorf("usgs downloads require a dataset name")
	}

	entityIDs := make([]string, 0, len(products))
	for _, p := range products {
		entityIDs = append(entityIDs, p.ID)
	}

	var options []downloadOption
	err := c.post(ctx, "download-options", map[string]interface{}{
		"datasetName": collection,
		"entityIds":   strings.Join(entityIDs, ","),
	}, &options)
	if err != nil {
		return nil, err
	}

	selected := selectOptions(options)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no available downloads for %d scenes in %s", len(products), collection)
	}

	downloads := make([]map[string]string, 0, len(selected))
	for _, opt := range selected {
		downloads = append(downloads, map[string]string{
			"entityId":  opt.EntityID,
			"productId": opt.ID,
		})
	}

	var staged downloadRequestData
	err = c.post(ctx, "download-request", map[string]interface{}{
		"downloads": downloads,
		"label":     "dl_" + time.Now().UTC().Format("20060102_150405"),
	}, &staged)
	if err != nil {
		return nil, err
	}
	if len(staged.PreparingDownloads) > 0 {
		c.logger.Warn().
			Int("count", len(staged.PreparingDownloads)).
			Msg("USGS downloads still preparing, skipped this run")
	}
	if len(staged.AvailableDownloads) == 0 {
		return nil, fmt.Errorf("no downloads ready for %d scenes in %s", len(products), collection)
	}

	files := make([]download.File, 0, len(staged.AvailableDownloads))
	for i, dl := range staged.AvailableDownloads {
		name := downloadName(dl.URL)
		if name == "" {
			name = fmt.Sprintf("usgs_%s_%d.zip", collection, i)
		}
		name = paths.SafeName(name, fmt.Sprintf("usgs_%s_%d.zip", collection, i))
		files = append(files, download.File{
			URL:  dl.URL,
			Dest: filepath.Join(destDir, name),
			Name: name,
		})
	}

	results, err := c.downloader.Download(ctx, files, progress, cancelled)
	if err != nil {
		return nil, err
	}

	downloaded := make([]string, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			c.logger.Warn().Err(res.Err).Str("file", res.File.Name).Msg("Scene download failed")
			continue
		}
		downloaded = append(downloaded, res.Path)
	}
	return downloaded, nil
}

// downloadName extracts a file name from a staged download URL.
func downloadName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// Logout releases the M2M session key.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	key := c.apiKey
	c.mu.Unlock()
	if key == "" {
		return nil
	}

	err := c.post(ctx, "logout", map[string]string{}, nil)
	c.invalidateKey()
	return err
}
