// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/api"
	"anomaly-sentinel/config"
	"anomaly-sentinel/events"
	"anomaly-sentinel/health"
	"anomaly-sentinel/ingest"
	"anomaly-sentinel/internal/reporter"
	"anomaly-sentinel/internal/reporter/narrative"
	"anomaly-sentinel/logger"
	"anomaly-sentinel/logstore"
	"anomaly-sentinel/mail"
	"anomaly-sentinel/metrics"
)

// defaultConfigPath is probed when neither the -config flag nor
// SENTINEL_CONFIG names a file. A missing file falls back to defaults.
const defaultConfigPath = "config.yaml"

func main() {
	// Print startup banner
	fmt.Println("========================================")
	fmt.Println("🛰️  Anomaly Sentinel Starting...")
	fmt.Println("========================================")

	configFlag := flag.String("config", "", "path to the YAML configuration file")
	watchConfig := flag.Bool("watch-config", false, "reload the configuration file on change")
	flag.Parse()

	configPath := resolveConfigPath(*configFlag)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging.Level)

	// The reporting subsystem (reporter, dispatcher, mailer, narratives)
	// logs structured; the rest of the service uses the house logger.
	zapLog, err := zap.NewProduction()
	if err != nil {
		zapLog, _ = zap.NewDevelopment()
	}
	defer func() { _ = zapLog.Sync() }()

	fmt.Println("----------------------------------------")
	logger.Info("📦 Build Information:")
	logger.Info("   Go Version: %s", runtime.Version())
	logger.Info("   Go OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	logger.Info("   Configuration: %s", configPath)
	fmt.Println("----------------------------------------")

	holder := config.NewHolder(cfg)
	sentinelMetrics := metrics.NewSentinelMetrics()
	checker := health.NewChecker()

	store, err := logstore.New(cfg.LogStore.Directory)
	if err != nil {
		logger.Error("Fatal: cannot open log store in %s: %v", cfg.LogStore.Directory, err)
		os.Exit(1)
	}
	logger.Success("Log store ready (%s)", cfg.LogStore.Directory)

	detector := anomaly.New(ingest.DetectorSettings(cfg))
	logger.Success("Detector initialized (window=%d, threshold=%.2f)",
		cfg.Anomaly.WindowSize, cfg.Anomaly.ZScoreThreshold)

	hub := events.NewHub()
	stream := events.NewStreamServer(hub, events.DefaultStreamConfig(), sentinelMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mailSvc := mail.New(cfg.Email, zapLog)
	var mailer reporter.Mailer
	var testMailer api.TestMailer
	if mailSvc.Configured() {
		mailer = mailSvc
		testMailer = mailSvc
		checker.UpdateComponentStatus("mailer", true, "SMTP configured")
		logger.Success("Mail delivery enabled (%d recipients)", len(cfg.Email.Recipients))
	} else {
		logger.Info("Mail delivery disabled, reports are stored only")
	}

	var narrator reporter.NarrativeGenerator
	if gen, err := narrative.New(ctx, cfg.LLM, zapLog); err != nil {
		logger.Warn("Narrative model unavailable, using deterministic summaries: %v", err)
	} else {
		narrator = gen
		if gen.Available() {
			checker.UpdateComponentStatus("narrative", true, "Narrative model ready")
		}
	}

	autoReporter := reporter.New(cfg.AutoReporting, sentinelMetrics, zapLog)
	dispatcher := reporter.NewDispatcher(autoReporter, mailer, narrator, sentinelMetrics, zapLog)
	dispatcher.OnSent = func(rep *reporter.Report) {
		hub.Publish(events.ReportSent(rep.ID, string(rep.RiskLevel), rep.AffectedSensors))
	}
	logger.Success("Auto-reporter initialized (enabled=%v)", cfg.AutoReporting.Enabled)

	coordinator := ingest.New(ingest.Deps{
		Detector:   detector,
		Store:      store,
		Hub:        hub,
		Reporter:   autoReporter,
		Dispatcher: dispatcher,
		Config:     holder,
		Metrics:    sentinelMetrics,
	})

	registerHealthProbes(checker, store, hub, dispatcher)
	checker.StartPeriodicHealthChecks(ctx)
	dispatcher.Start(ctx)

	if *watchConfig {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			if err := holder.Swap(next); err != nil {
				logger.Warn("Reloaded configuration rejected: %v", err)
				return
			}
			coordinator.ApplyConfig(next, "file")
		})
		if err != nil {
			logger.Warn("Configuration watcher unavailable: %v", err)
		} else {
			logger.Info("Watching %s for changes", configPath)
		}
	}

	server := api.NewServer(api.Deps{
		Coordinator: coordinator,
		Detector:    detector,
		Store:       store,
		Reporter:    autoReporter,
		Dispatcher:  dispatcher,
		Stream:      stream,
		Hub:         hub,
		Health:      checker,
		Config:      holder,
		Mailer:      testMailer,
		ConfigPath:  configPath,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Setup signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Fatal: API server failed: %v", err)
			os.Exit(1)
		}
	case sig := <-signalChan:
		logger.Info("Received %s, shutting down...", sig)
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown: %v", err)
	}
	stream.Close()
	dispatcher.Stop()
	cancel()
	hub.Close()
	if err := store.Close(); err != nil {
		logger.Warn("Log store close: %v", err)
	}

	logger.Success("Shutdown complete")
}

// resolveConfigPath picks the configuration file: flag, then the
// SENTINEL_CONFIG environment variable, then the default location.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("SENTINEL_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}

// registerHealthProbes wires the periodic checks over the long-lived
// components. The log store probe verifies the CSV files are still present;
// the hub and dispatcher probes surface new drops as degradation.
func registerHealthProbes(checker *health.Checker, store *logstore.Store, hub *events.Hub, dispatcher *reporter.Dispatcher) {
	checker.RegisterProbe("log_store", func(ctx context.Context) error {
		files := store.LogStats().LogFiles
		if _, err := os.Stat(files.AllData); err != nil {
			return fmt.Errorf("readings log: %w", err)
		}
		if _, err := os.Stat(files.Anomalies); err != nil {
			return fmt.Errorf("anomaly log: %w", err)
		}
		return nil
	})

	var lastHubDropped uint64
	checker.RegisterProbe("event_hub", func(ctx context.Context) error {
		dropped := hub.Stats().Dropped
		delta := dropped - lastHubDropped
		lastHubDropped = dropped
		if delta > 0 {
			return fmt.Errorf("%d subscriber(s) dropped since last check", delta)
		}
		return nil
	})

	var lastQueueDropped int64
	checker.RegisterProbe("dispatcher", func(ctx context.Context) error {
		dropped := dispatcher.Dropped()
		delta := dropped - lastQueueDropped
		lastQueueDropped = dropped
		if delta > 0 {
			return fmt.Errorf("%d report decision(s) dropped since last check", delta)
		}
		return nil
	})
}
