// Package copernicus provides a client for the Copernicus Data Space
// Ecosystem OData catalogue and its product download endpoint.
package copernicus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
	DefaultBaseURL     = "https://catalogue.dataspace.copernicus.eu"
	DefaultTokenURL    = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	DefaultDownloadURL = "https://download.dataspace.copernicus.eu"
	DefaultTimeout     = 30 * time.Second
	DefaultRateLimit   = 4 // requests per second

	searchPageSize = 1000
	oauthClientID  = "cdse-public"
)

// Client implements the Provider interface for the Copernicus Data Space.
type Client struct {
	baseURL     string
	tokenURL    string
	downloadURL string
	username    string
	password    string
	httpClient  *http.Client
	logger      *common.Logger
	limiter     *rate.Limiter
	downloader  *download.Manager
	dlConfig    download.Config

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

var _ interfaces.Provider = (*Client)(nil)

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the catalogue base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithTokenURL sets the identity token endpoint
func WithTokenURL(tokenURL string) ClientOption {
	return func(c *Client) {
		c.tokenURL = tokenURL
	}
}

// WithDownloadURL sets the product download base URL
func WithDownloadURL(downloadURL string) ClientOption {
	return func(c *Client) {
		c.downloadURL = strings.TrimRight(downloadURL, "/")
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

// WithTimeout sets the HTTP timeout for catalogue and token requests
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithDownloadConfig sets the retry and concurrency behaviour of product downloads
func WithDownloadConfig(config download.Config) ClientOption {
	return func(c *Client) {
		c.dlConfig = config
	}
}

// NewClient creates a new Copernicus Data Space client
func NewClient(username, password string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		tokenURL:    DefaultTokenURL,
		downloadURL: DefaultDownloadURL,
		username:    username,
		password:    password,
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

	c.downloader = download.NewManager(c.dlConfig,
		download.WithLogger(c.logger),
		download.WithRefresh(c.refreshToken),
	)

	return c
}

// Name returns the provider key used in job requests.
func (c *Client) Name() string {
	return "copernicus"
}

// APIError represents an API error
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("copernicus API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// refreshToken fetches a fresh OAuth token with the password grant. It
// also feeds the download manager after a 401 on a product stream.
func (c *Client) refreshToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", oauthClientID)
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{StatusCode: resp.StatusCode, Message: string(body), Endpoint: "token"}
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "empty access token", Endpoint: "token"}
	}

	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	c.mu.Unlock()

	c.logger.Debug().Int("expires_in", token.ExpiresIn).Msg("Copernicus token refreshed")
	return token.AccessToken, nil
}

// ensureToken returns a cached token, refreshing when within a minute of
// expiry.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.accessToken
	fresh := token != "" && time.Until(c.tokenExpiry) > time.Minute
	c.mu.Unlock()

	if fresh {
		return token, nil
	}
	return c.refreshToken(ctx)
}

// get performs a rate-limited authenticated GET request
func (c *Client) get(ctx context.Context, rawURL, endpoint string, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	c.logger.Debug().Str("endpoint", endpoint).Msg("Copernicus API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   endpoint,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

type odataProduct struct {
	ID            string `json:"Id"`
	Name          string `json:"Name"`
	ContentLength int64  `json:"ContentLength"`
}

type odataProductList struct {
	Value []odataProduct `json:"value"`
}

// Search queries the OData catalogue for products matching the request.
func (c *Client) Search(ctx context.Context, req *models.JobRequest, aoi *geometry.Geometry) ([]*models.Product, error) {
	filter := buildFilter(req, aoi)

	params := url.Values{}
	params.Set("$filter", filter)
	params.Set("$orderby", "ContentDate/Start desc")
	params.Set("$top", fmt.Sprintf("%d", searchPageSize))

	searchURL := fmt.Sprintf("%s/odata/v1/Products?%s", c.baseURL, params.Encode())

	var list odataProductList
	if err := c.get(ctx, searchURL, "search", &list); err != nil {
		return nil, err
	}

	products := make([]*models.Product, 0, len(list.Value))
	for _, p := range list.Value {
		products = append(products, &models.Product{
			ID:   p.ID,
			Name: p.Name,
			Size: p.ContentLength,
		})
	}

	c.logger.Debug().
		Str("collection", req.Collection).
		Int("count", len(products)).
		Msg("Copernicus search completed")
	return products, nil
}

// buildFilter assembles the OData $filter expression.
func buildFilter(req *models.JobRequest, aoi *geometry.Geometry) string {
	clauses := []string{
		fmt.Sprintf("Collection/Name eq '%s'", req.Collection),
		fmt.Sprintf("ContentDate/Start gt %sT00:00:00.000Z", req.StartDate),
		fmt.Sprintf("ContentDate/Start lt %sT23:59:59.999Z", req.EndDate),
	}
	if req.ProductType != "" {
		clauses = append(clauses, fmt.Sprintf(
			"Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'productType' and att/OData.CSC.StringAttribute/Value eq '%s')",
			req.ProductType))
	}
	if req.TileID != "" {
		clauses = append(clauses, fmt.Sprintf(
			"Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'tileId' and att/OData.CSC.StringAttribute/Value eq '%s')",
			req.TileID))
	}
	if aoi != nil {
		clauses = append(clauses, fmt.Sprintf(
			"OData.CSC.Intersects(area=geography'SRID=4326;%s')", aoi.WKT()))
	}
	return strings.Join(clauses, " and ")
}

// resolveName looks up a product's display name for download-only jobs
// that carry bare ids.
func (c *Client) resolveName(ctx context.Context, productID string) string {
	nameURL := fmt.Sprintf("%s/odata/v1/Products(%s)?$select=Name", c.baseURL, productID)

	var p odataProduct
	if err := c.get(ctx, nameURL, "product", &p); err != nil {
		c.logger.Debug().Err(err).Str("product_id", productID).Msg("Product name lookup failed")
		return ""
	}
	return p.Name
}

// Download streams products into destDir. The collection is implied by
// the product ids, so the argument is unused here. Progress callbacks
// fire per chunk; cancellation is checked between chunks.
func (c *Client) Download(ctx context.Context, _ string, products []*models.Product, destDir string,
	progress interfaces.ProgressFunc, cancelled func() bool) ([]string, error) {
	// Prime the downloader with a valid token so the first requests carry
	// auth instead of each eating a 401 and racing to refresh.
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	c.downloader.SetToken(token)

	files := make([]download.File, 0, len(products))
	for _, product := range products {
		name := product.Name
		if name == "" {
			name = c.resolveName(ctx, product.ID)
		}
		if name == "" {
			name = product.ID + ".zip"
		}
		name = paths.SafeName(name, product.ID+".zip")
		if !strings.Contains(name, ".") {
			name += ".zip"
		}

		files = append(files, download.File{
			URL:  fmt.Sprintf("%s/odata/v1/Products(%s)/$value", c.downloadURL, product.ID),
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
			c.logger.Warn().Err(res.Err).Str("file", res.File.Name).Msg("Product download failed")
			continue
		}
		downloaded = append(downloaded, res.Path)
	}
	return downloaded, nil
}
