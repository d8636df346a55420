// Package app wires configuration, storage, providers, and services
// into one runnable application shared by server and worker roles.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/nimbus/internal/clients/copernicus"
	"github.com/bobmcallan/nimbus/internal/clients/usgs"
	"github.com/bobmcallan/nimbus/internal/common"
	"github.com/bobmcallan/nimbus/internal/download"
	"github.com/bobmcallan/nimbus/internal/interfaces"
	"github.com/bobmcallan/nimbus/internal/metrics"
	"github.com/bobmcallan/nimbus/internal/services/events"
	"github.com/bobmcallan/nimbus/internal/services/fetcher"
	"github.com/bobmcallan/nimbus/internal/storage"
)

// App holds all initialized services and clients. It is the shared core
// used by every runtime role: an api instance serves HTTP only, a worker
// instance executes jobs only, and the default role does both against
// the same store.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Store       interfaces.JobStore
	Providers   map[string]interfaces.Provider
	Fetch       interfaces.FetchService
	Hub         *events.Hub
	Streamer    *events.Streamer
	Metrics     *metrics.Metrics
	StartupTime time.Time

	fetchService *fetcher.Service
	started      bool
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes configuration, storage, providers, and services.
// configPath may be empty, in which case the default resolution logic is used.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	// Load version from .version file (fallback if ldflags not set)
	common.LoadVersionFromFile()

	// Get binary directory for self-contained operation
	binDir := getBinaryDir()

	// Load configuration - check provided path, NIMBUS_CONFIG, then binary dir, then fallback
	if configPath == "" {
		configPath = os.Getenv("NIMBUS_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "nimbus.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/nimbus.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve relative storage paths to the binary directory
	if config.Storage.Path != "" && !filepath.IsAbs(config.Storage.Path) {
		config.Storage.Path = filepath.Join(binDir, config.Storage.Path)
	}
	if config.Storage.DataDir != "" && !filepath.IsAbs(config.Storage.DataDir) {
		config.Storage.DataDir = filepath.Join(binDir, config.Storage.DataDir)
	}

	var logger *common.Logger
	if config.Logging.JSON {
		logger = common.NewJSONLogger(config.Logging.Level)
	} else {
		logger = common.NewLogger(config.Logging.Level)
	}

	if err := config.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	store, err := storage.NewJobStore(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job store: %w", err)
	}

	m := metrics.New()
	providers := buildProviders(config, logger)
	hub := events.NewHub(logger)
	streamer := events.NewStreamer(store, logger)
	fetchService := fetcher.NewService(config, store, providers, hub, m, logger)

	a := &App{
		Config:       config,
		Logger:       logger,
		Store:        store,
		Providers:    providers,
		Fetch:        fetchService,
		Hub:          hub,
		Streamer:     streamer,
		Metrics:      m,
		StartupTime:  startupStart,
		fetchService: fetchService,
	}

	logger.Info().
		Str("role", config.Server.Role).
		Str("backend", config.Storage.Backend).
		Int("providers", len(providers)).
		Dur("startup", time.Since(startupStart)).
		Msg("App initialized")

	return a, nil
}

// buildProviders creates a client for every provider with credentials.
func buildProviders(config *common.Config, logger *common.Logger) map[string]interfaces.Provider {
	providers := make(map[string]interfaces.Provider)
	dlConfig := download.ConfigFromCommon(&config.Download)

	cop := config.Providers.Copernicus
	if cop.Username != "" && cop.Password != "" {
		client := copernicus.NewClient(cop.Username, cop.Password,
			copernicus.WithBaseURL(cop.BaseURL),
			copernicus.WithTokenURL(cop.TokenURL),
			copernicus.WithDownloadURL(cop.DownloadURL),
			copernicus.WithRateLimit(cop.RateLimit),
			copernicus.WithTimeout(cop.GetTimeout()),
			copernicus.WithLogger(logger),
			copernicus.WithDownloadConfig(dlConfig),
		)
		providers[client.Name()] = client
	} else {
		logger.Warn().Msg("Copernicus credentials not configured - provider disabled")
	}

	us := config.Providers.USGS
	if us.Username != "" && us.Token != "" {
		client := usgs.NewClient(us.Username, us.Token,
			usgs.WithBaseURL(us.BaseURL),
			usgs.WithRateLimit(us.RateLimit),
			usgs.WithTimeout(us.GetTimeout()),
			usgs.WithLogger(logger),
			usgs.WithDownloadConfig(dlConfig),
		)
		providers[client.Name()] = client
	} else {
		logger.Warn().Msg("USGS credentials not configured - provider disabled")
	}

	return providers
}

// Start launches the event hub and, outside the api role, job recovery
// and the worker pool. An api instance leaves execution to workers
// sharing the same store.
func (a *App) Start(ctx context.Context) error {
	go a.Hub.Run()

	if a.Config.Server.Role != common.RoleAPI {
		if err := a.fetchService.Start(ctx); err != nil {
			return err
		}
	}

	a.started = true
	return nil
}

// Close releases all resources held by the App.
// Shutdown order: stop job execution, stop the hub, close storage.
func (a *App) Close() {
	if a.started {
		a.fetchService.Stop()
		a.started = false
	}
	a.Hub.Stop()
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Job store close failed")
		}
		a.Store = nil
	}
}
