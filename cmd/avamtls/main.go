// Package main is the entry point for the mTLS terminating proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == issueCommand {
		issueMain(os.Args[2:])
		return
	}

	flags := parseFlags(flag.CommandLine, os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags, config.LoggingConfig{})
	cfg := loadConfig(flags.configPath, logger)

	// Config may carry its own logging settings; flags and env still win.
	logger = initLogger(flags, cfg.Logging)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(cfg, flags.configPath, logger)
	if err != nil {
		logger.Fatal("failed to initialize proxy", observability.Error(err))
	}

	if err := app.start(ctx); err != nil {
		app.close()
		logger.Fatal("failed to start proxy", observability.Error(err))
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	app.shutdown(context.Background())
}

// parseFlags parses command line flags from args.
func parseFlags(fs *flag.FlagSet, args []string) cliFlags {
	var f cliFlags
	fs.StringVar(&f.configPath, "config", getEnvOrDefault("AVAMTLS_CONFIG_PATH", "configs/avamtls.yaml"),
		"Path to configuration file")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault("AVAMTLS_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides logging.level")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault("AVAMTLS_LOG_FORMAT", ""),
		"Log format (json, console); overrides logging.format")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	_ = fs.Parse(args)
	return f
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("avamtls version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// logConfig merges the flags over the configured logging settings.
func logConfig(flags cliFlags, cfg config.LoggingConfig) observability.LogConfig {
	out := observability.DefaultLogConfig()
	if cfg.Level != "" {
		out.Level = cfg.Level
	}
	if cfg.Format != "" {
		out.Format = cfg.Format
	}
	if cfg.Output != "" {
		out.Output = cfg.Output
	}
	if flags.logLevel != "" {
		out.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		out.Format = flags.logFormat
	}
	return out
}

// initLogger initializes the process logger.
func initLogger(flags cliFlags, cfg config.LoggingConfig) observability.Logger {
	logger, err := observability.NewLogger(logConfig(flags, cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadConfig loads, validates and checks the configuration. Any error is fatal.
func loadConfig(path string, logger observability.Logger) *config.Config {
	logger.Info("starting avamtls",
		observability.String("version", version),
		observability.String("config", path),
	)

	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("address", cfg.Listener.Address()),
		observability.Int("routes", len(cfg.Routes)),
		observability.Bool("metrics", cfg.Metrics.Enabled),
		observability.Bool("tracing", cfg.Tracing.Enabled),
	)

	return cfg
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
