package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/trellishq/trellis/internal/config"
	"github.com/trellishq/trellis/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/trellis.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Trellis %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if *validateOnly {
		if _, err := config.NewLoader().Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	// The watcher performs the initial load and keeps reloading on change.
	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	defer watcher.Stop()
	cfg := watcher.GetConfig()

	logger, err := logging.NewWithFile(cfg.Logging.Level, logging.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAgeDays: cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting Trellis",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("addr", cfg.Server.Address),
		zap.Int("mounts", len(cfg.Mounts)),
	)

	app, err := newApp(cfg)
	if err != nil {
		logging.Error("Failed to assemble server", zap.Error(err))
		os.Exit(1)
	}
	defer app.Close()

	// Structural changes need a restart; the log level and breaker defaults
	// are applied hot.
	watcher.OnChange(app.applyConfig)
	if err := watcher.Start(); err != nil {
		logging.Error("Failed to watch configuration", zap.Error(err))
		os.Exit(1)
	}

	// SIGHUP forces a reload for mounts whose write events never arrive.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			logging.Info("SIGHUP received, reloading configuration")
			watcher.Reload()
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		logging.Error("Shutdown error", zap.Error(err))
		os.Exit(1)
	}

	logging.Info("Trellis stopped")
}
