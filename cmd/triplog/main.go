package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cortex-x/biometric-trip-log/internal/bridge"
	"github.com/cortex-x/biometric-trip-log/internal/clock"
	"github.com/cortex-x/biometric-trip-log/internal/config"
	"github.com/cortex-x/biometric-trip-log/internal/infra/websocket"
	"github.com/cortex-x/biometric-trip-log/internal/logging"
	"github.com/cortex-x/biometric-trip-log/internal/workflow"
)

func main() {
	flags := pflag.NewFlagSet("triplog", pflag.ExitOnError)
	configFile := flags.String("config", "", "path to config file (default configs/config.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Duration("connect-timeout", bridge.DefaultConnectTimeout, "how long to wait for the bridge to answer")
	flags.Duration("scan-timeout", 0, "how long to wait for an identification (default from config)")
	flags.Int("retries", 2, "connection retries before giving up")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configFile, flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("trip registration failed", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	session := bridge.NewSession(websocket.NewDialer(logger.Named("transport")),
		bridge.WithConnectTimeout(cfg.Bridge.ConnectTimeout),
		bridge.WithLogger(logger.Named("session")))

	sessionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Run(sessionCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	control := workflow.NewScanControl(session, logger.Named("scan"))
	control.Mount()
	defer control.Unmount()

	if err := control.EnsureConnected(ctx, cfg.Bridge.Retries); err != nil {
		if lastErr := control.Err(); lastErr != nil {
			return fmt.Errorf("%w: %w", err, lastErr)
		}
		return err
	}
	logger.Info("bridge connected, place a finger on the reader")

	scanCtx := ctx
	if cfg.Bridge.ScanTimeout > 0 {
		var cancelScan context.CancelFunc
		scanCtx, cancelScan = context.WithTimeout(ctx, cfg.Bridge.ScanTimeout)
		defer cancelScan()
	}
	record, err := control.Scan(scanCtx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	logger.Info("passenger identified", zap.String("name", record.FullName))

	trips := workflow.NewTripLog(workflow.TripMetadata{
		Area:       cfg.Trip.Area,
		DriverName: cfg.Trip.DriverName,
		DriverUnit: cfg.Trip.DriverUnit,
		Route:      cfg.Trip.Route,
	}, clock.Real())
	report := trips.StartTrip(record)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report.Layout())
}
