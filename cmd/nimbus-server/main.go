package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/nimbus/internal/app"
	"github.com/bobmcallan/nimbus/internal/common"
	"github.com/bobmcallan/nimbus/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to NIMBUS_CONFIG or nimbus.toml next to the binary)")
	flag.Parse()

	a, err := app.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	common.PrintBanner(a.Config, a.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recover interrupted jobs and start workers before accepting traffic.
	if err := a.Start(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("Failed to start services")
		a.Close()
		os.Exit(1)
	}

	shutdownChan := make(chan struct{}, 1)

	var srv *server.Server
	if a.Config.Server.Role != common.RoleWorker {
		srv = server.NewServer(a)
		srv.SetShutdownChannel(shutdownChan)

		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				a.Logger.Fatal().Err(err).Msg("HTTP server failed")
			}
		}()

		a.Logger.Info().
			Str("url", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)).
			Msg("Server ready")
	} else {
		a.Logger.Info().Msg("Worker ready")
	}

	// Wait for interrupt signal or shutdown request
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		a.Logger.Info().Msg("Shutdown signal received")
	case <-shutdownChan:
		a.Logger.Info().Msg("Shutdown requested via API")
	}

	// Graceful shutdown
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
		}
	}

	cancel()
	a.Close()
	common.PrintShutdownBanner(a.Logger)
}
