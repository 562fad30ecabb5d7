package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/astralforge/game-api/config"
	"github.com/astralforge/game-api/internal/api"
	"github.com/astralforge/game-api/internal/dispatch"
	"github.com/astralforge/game-api/internal/fetcher"
	"github.com/astralforge/game-api/internal/logging"
	"github.com/astralforge/game-api/internal/pool"
	"github.com/astralforge/game-api/internal/ratelimit"
	"github.com/astralforge/game-api/internal/router"
	"github.com/astralforge/game-api/internal/server"
	"github.com/astralforge/game-api/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Probe a running instance and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		fmt.Println("Configuration is valid.")
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	db := pool.New(cfg.Database, pool.NewPgxDriver(), logger, collector)
	warmupCtx, warmupCancel := context.WithTimeout(ctx, cfg.Database.WarmupTimeout.Duration)
	err = db.Warmup(warmupCtx)
	warmupCancel()
	if err != nil {
		db.Close()
		logger.Fatal().Err(err).Msg("datastore warmup failed")
	}

	releases := fetcher.NewCached(
		fetcher.New(cfg.Repositories, fetcher.NewGithubFetcher(cfg.Repositories.GithubPAT), fetcher.NewHTTPChecksumFetcher(), logger),
		cfg.CacheLifespan.Duration,
	)

	service, err := api.New(db, releases, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}

	routes := service.Routes()
	for i := range routes {
		if override := cfg.Override(routes[i].Method, routes[i].Pattern); override != nil {
			routes[i].Timeout = override.Timeout.Duration
		}
	}
	table, err := router.Build(routes)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid routing table")
	}

	limits := ratelimit.NewRegistry(cfg.RateLimit)
	for _, override := range cfg.Routes {
		if override.Rate != nil {
			limits.SetRoute(override.Method, override.Path, *override.Rate)
		}
	}
	limits.StartJanitor(ctx)

	dispatcher := dispatch.New(table, db, limits, cfg.RequestDeadline.Duration, logger, collector)

	srv, err := server.New(cfg.ListenAddress, dispatcher, logger)
	if err != nil {
		db.Close()
		logger.Fatal().Err(err).Msg("failed to bind listen address")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.Duration)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown did not drain cleanly")
	}
	db.Close()
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	return telemetry.NewPrometheusCollector(prometheus.DefaultRegisterer)
}

// executeHealthCheck probes the health endpoint of a locally running
// instance, for use as a container health command.
func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	host, port, err := net.SplitHostPort(cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", cfg.ListenAddress, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/healthz", net.JoinHostPort(host, port)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint answered %d", resp.StatusCode)
	}
	return nil
}
