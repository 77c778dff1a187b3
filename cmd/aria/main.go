package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aria-labs/aria/internal/daemon"
	"github.com/aria-labs/aria/pkg/brain"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Flags
	brainPath := flag.String("brain", "", "Path to brain directory (contains state.db)")
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("aria %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Optional .env for local runs; real deployments set the environment
	godotenv.Load()

	// Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Resolve brain path
	bp := *brainPath
	if bp == "" {
		bp = os.Getenv("ARIA_BRAIN_PATH")
	}
	if bp == "" {
		bp = "brain" // default: relative to cwd
	}

	// Open brain
	b, err := brain.Open(bp)
	if err != nil {
		slog.Error("failed to open brain", "path", bp, "error", err)
		os.Exit(1)
	}
	defer b.Close()

	if err := b.Init(); err != nil {
		slog.Error("failed to init brain schema", "error", err)
		os.Exit(1)
	}

	slog.Info("aria starting",
		"version", version,
		"brain", bp,
		"exchanges", b.Stats().Exchanges,
	)

	// Load config
	cp := *configPath
	if cp == "" {
		cp = os.Getenv("ARIA_CONFIG_PATH")
	}

	cfg, err := daemon.LoadConfig(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}

	// Create and start daemon
	d, err := daemon.New(b, cfg)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}

	slog.Info("aria stopped")
}
