// Package main implements the meterline command, a one-shot driver for the
// substation telemetry pipeline: instrument discovery, windowed ingestion
// into Postgres, and optional replication to a secondary database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Carmigna/npg-substation360-pipeline/auth"
	"github.com/Carmigna/npg-substation360-pipeline/client"
	"github.com/Carmigna/npg-substation360-pipeline/config"
	"github.com/Carmigna/npg-substation360-pipeline/metric"
	"github.com/Carmigna/npg-substation360-pipeline/normalize"
	"github.com/Carmigna/npg-substation360-pipeline/pipeline"
	"github.com/Carmigna/npg-substation360-pipeline/pkg/retry"
	"github.com/Carmigna/npg-substation360-pipeline/pkg/tlsutil"
	"github.com/Carmigna/npg-substation360-pipeline/replicate"
	"github.com/Carmigna/npg-substation360-pipeline/store"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "meterline"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Command failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.LogLevel = cliCfg.LogLevel
	}

	logger := setupLogger(cfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting meterline",
		"version", Version,
		"command", cliCfg.Command,
		"config_path", cliCfg.ConfigPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewRegistry()

	svc, cleanup, err := setupPipeline(ctx, cfg, logger, registry.Core)
	if err != nil {
		return err
	}
	defer cleanup()

	return dispatch(ctx, cliCfg, cfg, svc)
}

// dispatch runs the selected subcommand, retrying transient failures
func dispatch(ctx context.Context, cliCfg *CLIConfig, cfg *config.Config, svc *pipeline.Service) error {
	retryCfg := retry.DefaultConfig()

	switch cliCfg.Command {
	case "discover":
		return retry.Do(ctx, retryCfg, func() error {
			_, err := svc.Discover(ctx)
			return err
		})

	case "ingest":
		from, to, err := resolveWindow(cliCfg)
		if err != nil {
			return err
		}
		return retry.Do(ctx, retryCfg, func() error {
			summary, err := svc.IngestWindow(ctx, from, to, nil)
			if err != nil {
				return err
			}
			slog.Info("Ingest finished", "summary", summary.String())

			counts, err := svc.IngestSummary(ctx, from)
			if err != nil {
				return err
			}
			for _, count := range counts {
				slog.Info("Table rows in window", "table", count.Table, "rows", count.Rows)
			}
			return nil
		})

	case "init":
		return retry.Do(ctx, retryCfg, func() error {
			if err := svc.InitSecondary(ctx); err != nil {
				return err
			}
			slog.Info("Secondary schema initialized")
			return nil
		})

	case "sync":
		since := time.Now().UTC().Add(-cliCfg.Since)
		return retry.Do(ctx, retryCfg, func() error {
			report, err := svc.SyncToSecondary(ctx, since)
			if err != nil {
				return err
			}
			slog.Info("Sync finished", "copied", report.Copied())
			return nil
		})

	case "run":
		// full pass: discover, ingest, then sync when enabled
		if _, err := svc.Discover(ctx); err != nil {
			return err
		}
		from, to, err := resolveWindow(cliCfg)
		if err != nil {
			return err
		}
		summary, err := svc.IngestWindow(ctx, from, to, nil)
		if err != nil {
			return err
		}
		slog.Info("Ingest finished", "summary", summary.String())

		if !cfg.Replication.Enabled {
			return nil
		}
		report, err := svc.SyncToSecondary(ctx, from)
		if err != nil {
			return err
		}
		slog.Info("Sync finished", "copied", report.Copied())
		return nil

	default:
		return fmt.Errorf("unknown command %q", cliCfg.Command)
	}
}

// setupPipeline wires the token manager, telemetry client, stores, and
// pipeline service from configuration
func setupPipeline(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metrics *metric.Metrics,
) (*pipeline.Service, func(), error) {
	tokens := auth.NewManager(auth.Config{
		AuthURL:  cfg.API.AuthURL,
		Username: cfg.API.Username,
		Password: cfg.API.Password,
		Lease:    cfg.API.TokenLease.Value(),
		Timeout:  cfg.API.RequestTimeout.Value(),
	}, authHTTPClient(cfg), logger, metrics)

	api, err := client.New(client.Config{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.RequestTimeout.Value(),
		RateLimit: cfg.API.RateLimit,
		TLS:       cfg.API.TLS,
	}, tokens, logger, metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("create telemetry client: %w", err)
	}

	slog.Info("Connecting to primary database")
	primary, err := store.Connect(ctx, cfg.Primary.DSN, logger, metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("connect primary store: %w", err)
	}

	var sink pipeline.Replicator
	cleanup := func() { primary.Close() }
	if cfg.Replication.Enabled {
		slog.Info("Connecting to secondary database")
		secondary, err := replicate.Connect(ctx, cfg.Replication.DSN, logger, metrics)
		if err != nil {
			primary.Close()
			return nil, nil, fmt.Errorf("connect secondary store: %w", err)
		}
		sink = secondary
		cleanup = func() {
			secondary.Close()
			primary.Close()
		}
	}

	normalizer := normalize.New(normalize.Options{
		PreserveLabels: cfg.Ingest.PreserveLabels,
	}, logger, metrics)

	svc, err := pipeline.New(pipeline.Config{
		Workers:        cfg.Ingest.Workers,
		BatchSize:      cfg.Ingest.BatchSize,
		DiscoveryLimit: cfg.Ingest.InstrumentLimit,
		Tables:         cfg.Replication.Tables,
	}, api, primary, normalizer, sink, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create pipeline service: %w", err)
	}
	return svc, cleanup, nil
}

// authHTTPClient builds the HTTP client used for token exchange, honoring
// the same TLS settings as telemetry calls
func authHTTPClient(cfg *config.Config) *http.Client {
	tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.API.TLS)
	if err != nil || tlsConfig == nil {
		return nil
	}
	return &http.Client{
		Timeout:   cfg.API.RequestTimeout.Value(),
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
}

// resolveWindow turns CLI window flags into a concrete UTC range
func resolveWindow(cliCfg *CLIConfig) (time.Time, time.Time, error) {
	to := time.Now().UTC().Truncate(time.Minute)
	if cliCfg.To != "" {
		parsed, err := time.Parse(time.RFC3339, cliCfg.To)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -to value %q: %w", cliCfg.To, err)
		}
		to = parsed.UTC()
	}

	from := to.Add(-cliCfg.Lookback)
	if cliCfg.From != "" {
		parsed, err := time.Parse(time.RFC3339, cliCfg.From)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -from value %q: %w", cliCfg.From, err)
		}
		from = parsed.UTC()
	}

	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("window [%s, %s) is empty", from, to)
	}
	return from, to, nil
}
