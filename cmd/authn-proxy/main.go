// Package main is the entry point for the authenticating proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/TriadSpectraMotion/proxy/internal/config"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
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
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting authn-proxy",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", observability.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	if err := run(ctx, app, flags.configPath); err != nil {
		logger.Error("authn-proxy stopped with error", observability.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// parseFlags parses command line flags. Empty log flags defer to the
// configuration file.
func parseFlags(fs *flag.FlagSet, args []string) cliFlags {
	var flags cliFlags
	fs.StringVar(&flags.configPath, "config",
		getEnvOrDefault("AUTHN_CONFIG_PATH", "configs/authn-proxy.yaml"),
		"Path to configuration file")
	fs.StringVar(&flags.logLevel, "log-level", getEnvOrDefault("AUTHN_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error)")
	fs.StringVar(&flags.logFormat, "log-format", getEnvOrDefault("AUTHN_LOG_FORMAT", ""),
		"Log format (json, console)")
	fs.BoolVar(&flags.showVersion, "version", false, "Show version information")
	_ = fs.Parse(args)
	return flags
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("authn-proxy version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger builds the logger from the configuration with flag overrides.
func initLogger(cfg config.LoggingConfig, flags cliFlags) (observability.Logger, error) {
	logCfg := cfg.LogConfig()
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}
	return observability.NewLogger(logCfg)
}
