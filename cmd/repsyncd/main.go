package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/waterbug/repsync/internal/server"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	cfg := server.DefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information")
	addr := flag.String("addr", cfg.Addr, "Listen address")
	dbPath := flag.String("db", cfg.DBPath, "Path to the sqlite database")
	secret := flag.String("token-secret", os.Getenv("REPSYNC_TOKEN_SECRET"),
		"Token signing secret (defaults to REPSYNC_TOKEN_SECRET)")
	tokenTTL := flag.Duration("token-ttl", cfg.TokenTTL, "Session token lifetime")
	dev := flag.Bool("dev", cfg.DevMode, "Enroll unknown users on first contact")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level %q\n", *logLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg.Addr = *addr
	cfg.DBPath = *dbPath
	cfg.TokenSecret = *secret
	cfg.TokenTTL = *tokenTTL
	cfg.DevMode = *dev
	cfg.Version = Version

	if err := run(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg server.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := srv.Close(); cerr != nil {
			logger.Error("failed to close storage", "error", cerr)
		}
	}()

	logger.Info("repsyncd starting",
		"version", Version, "addr", cfg.Addr, "db", cfg.DBPath, "dev_mode", cfg.DevMode)
	return srv.Run(ctx)
}

func printVersion() {
	fmt.Printf("repsyncd\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
