package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	Command    string
	ConfigPath string
	LogLevel   string
	LogFormat  string

	// From and To bound the ingest window as RFC 3339 timestamps; when
	// unset the window is the Lookback ending now
	From     string
	To       string
	Lookback time.Duration

	// Since is the replication window for the sync command
	Since time.Duration

	ShowVersion bool
	ShowHelp    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("S360_CONFIG", ""),
		"Path to configuration file, empty for env-only config (env: S360_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("S360_LOG_LEVEL", ""),
		"Log level override: debug, info, warn, error (env: S360_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("S360_LOG_FORMAT", "json"),
		"Log format: json, text (env: S360_LOG_FORMAT)")

	flag.StringVar(&cfg.From, "from", "", "Ingest window start (RFC 3339, UTC)")
	flag.StringVar(&cfg.To, "to", "", "Ingest window end (RFC 3339, UTC), default now")

	flag.DurationVar(&cfg.Lookback, "lookback",
		getEnvDuration("S360_LOOKBACK", 24*time.Hour),
		"Ingest window length when -from is not set (env: S360_LOOKBACK)")

	flag.DurationVar(&cfg.Since, "since",
		getEnvDuration("S360_SYNC_SINCE", 24*time.Hour),
		"Replication window for the sync command (env: S360_SYNC_SINCE)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")

	flag.Usage = printDetailedHelp

	flag.Parse()

	cfg.Command = flag.Arg(0)
	if cfg.Command == "" {
		cfg.Command = "run"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	validCommands := []string{"run", "discover", "ingest", "init", "sync"}
	if !contains(validCommands, cfg.Command) {
		return fmt.Errorf("unknown command: %s", cfg.Command)
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" {
		validLevels := []string{"debug", "info", "warn", "error"}
		if !contains(validLevels, cfg.LogLevel) {
			return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
		}
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.Lookback <= 0 {
		return fmt.Errorf("lookback must be positive: %s", cfg.Lookback)
	}
	if cfg.Since <= 0 {
		return fmt.Errorf("since must be positive: %s", cfg.Since)
	}

	return nil
}

// initializeCLI parses flags and handles the version/help exits
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	return cliCfg, false, nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Substation Telemetry Pipeline

Usage: %s [options] <command>

Commands:
  run       Discover instruments, ingest the window, sync when enabled (default)
  discover  Refresh instrument metadata only
  ingest    Fetch and land one telemetry window
  init      Pre-create the replicated tables on the secondary database
  sync      Copy recent rows to the secondary database

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Ingest the last 24 hours
  %s ingest

  # Ingest an explicit window
  %s ingest --from=2024-01-01T00:00:00Z --to=2024-01-02T00:00:00Z

  # Run with environment variables only
  export S360_USERNAME=ops S360_PASSWORD=secret
  export S360_DATABASE_URL=postgres://localhost/meterline
  %s run

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], Version)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
