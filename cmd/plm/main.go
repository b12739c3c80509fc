// Command plm runs the position lifecycle manager: it restores the position
// book from the latest snapshot, reconciles it against the broker, closes
// legs on exit signals and persists snapshots on a schedule.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/config"
	"github.com/sirupsen/logrus"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	logger := newLogger(cfg.Environment)
	logger.Infof("Starting position lifecycle manager in %s mode", cfg.Environment.Mode)

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.IsPaperTrading() {
		logger.Warn("LIVE MODE - closing orders reach the broker. Waiting 10 seconds to confirm...")
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return
		}
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start")
	}
	if err := app.Run(ctx); err != nil {
		logger.WithError(err).Error("Manager stopped with error")
		os.Exit(1)
	}
	logger.Info("Manager stopped successfully")
}

func newLogger(env config.EnvironmentConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if env.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(env.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
