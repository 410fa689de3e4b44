package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cortex-x/biometric-trip-log/internal/api"
	"github.com/cortex-x/biometric-trip-log/internal/clock"
	"github.com/cortex-x/biometric-trip-log/internal/config"
	"github.com/cortex-x/biometric-trip-log/internal/domain"
	"github.com/cortex-x/biometric-trip-log/internal/infra/smartcard"
	"github.com/cortex-x/biometric-trip-log/internal/infra/websocket"
	"github.com/cortex-x/biometric-trip-log/internal/logging"
	"github.com/cortex-x/biometric-trip-log/internal/roster"
	"github.com/cortex-x/biometric-trip-log/internal/scan"
)

func main() {
	flags := pflag.NewFlagSet("bridge-service", pflag.ExitOnError)
	configFile := flags.String("config", "", "path to config file (default configs/config.yaml)")
	flags.Int("port", 12345, "port to listen on (localhost only)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("reader", config.BackendDemo, "identification backend: demo or pcsc")
	flags.String("roster", "configs/roster.yaml", "enrolled people file")
	_ = flags.Parse(os.Args[1:])

	// Load configuration
	cfg, err := config.Load(*configFile, flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up logging
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	people, err := roster.Load(cfg.Reader.Roster)
	if err != nil {
		logger.Fatal("failed to load roster", zap.Error(err))
	}
	logger.Info("roster loaded", zap.String("path", cfg.Reader.Roster), zap.Int("people", people.Len()))

	// Initialize the reader
	var reader domain.IdentityReader
	switch cfg.Reader.Backend {
	case config.BackendPCSC:
		pcsc, err := smartcard.NewPCSCReader(people, cfg.Reader.PollInterval, logger.Named("pcsc"))
		if err != nil {
			// Keep serving so clients get "reader not found" instead of no bridge
			logger.Warn("failed to initialize reader", zap.Error(err))
		} else {
			reader = pcsc
		}
	default:
		reader = roster.NewDemoReader(people, clock.Real(), cfg.Reader.DemoDelay)
		logger.Info("using demo reader", zap.Duration("delay", cfg.Reader.DemoDelay))
	}

	scans := scan.NewService(reader, cfg.Reader.ScanTimeout, logger.Named("scan"))
	hub := websocket.NewHub(func(ctx context.Context, c *websocket.Client, cmd domain.Command) {
		scans.Handle(ctx, c, cmd)
	}, logger.Named("hub"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Create and start server
	server := api.NewServer(cfg, hub, logger)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	scans.Wait()

	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Warn("failed to release reader", zap.Error(err))
		}
	}

	logger.Info("server exited")
}
