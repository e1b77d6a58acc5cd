// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ingest

import (
	"context"
	"strings"
	"sync"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/config"
	sentinelerrors "anomaly-sentinel/errors"
	"anomaly-sentinel/events"
	"anomaly-sentinel/internal/reporter"
	"anomaly-sentinel/logger"
	"anomaly-sentinel/logstore"
	"anomaly-sentinel/metrics"
	"anomaly-sentinel/validation"
)

// Coordinator drives one reading through the whole pipeline: validation,
// detection, persistence, broadcast, risk accounting, report dispatch. The
// detector/reporter section runs under a single mutex so window updates,
// bucket feeding and published events all follow ingest order.
type Coordinator struct {
	mu sync.Mutex

	detector   *anomaly.Detector
	validator  *validation.ReadingValidator
	store      *logstore.Store
	hub        *events.Hub
	reporter   *reporter.AutoReporter
	dispatcher *reporter.Dispatcher
	config     *config.Holder
	metrics    *metrics.SentinelMetrics
}

// Deps are the components the coordinator drives. Detector is required;
// Store, Hub, Reporter, Dispatcher, Config and Metrics may be nil and their
// steps are skipped. A nil Validator gets the default reading validator.
type Deps struct {
	Detector   *anomaly.Detector
	Validator  *validation.ReadingValidator
	Store      *logstore.Store
	Hub        *events.Hub
	Reporter   *reporter.AutoReporter
	Dispatcher *reporter.Dispatcher
	Config     *config.Holder
	Metrics    *metrics.SentinelMetrics
}

// New wires a coordinator from its components.
func New(deps Deps) *Coordinator {
	v := deps.Validator
	if v == nil {
		v = validation.NewReadingValidator()
	}
	return &Coordinator{
		detector:   deps.Detector,
		validator:  v,
		store:      deps.Store,
		hub:        deps.Hub,
		reporter:   deps.Reporter,
		dispatcher: deps.Dispatcher,
		config:     deps.Config,
		metrics:    deps.Metrics,
	}
}

// Ingest runs one reading through the pipeline and returns the detection
// result. Validation failures and an expired context reject the reading
// before any state changes; log-store failures are logged and swallowed.
func (c *Coordinator) Ingest(ctx context.Context, reading anomaly.Reading) (*anomaly.Result, error) {
	const op = "ingest.Ingest"
	timer := metrics.NewTimer()

	vres := c.validator.ValidateReading(reading, c.snapshot())
	if !vres.IsValid() {
		return nil, sentinelerrors.ValidationError(op, strings.Join(vres.Errors, "; "))
	}
	for _, w := range vres.Warnings {
		logger.Warn("Reading %s accepted with warning: %s", reading.SensorType, w)
	}

	if err := ctx.Err(); err != nil {
		return nil, sentinelerrors.TimeoutError(op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	result := c.detector.Evaluate(reading)
	c.metrics.RecordReadingProcessed()

	if c.store != nil {
		if err := c.store.Log(reading, *result); err != nil {
			logger.Error("Log store write failed: %v", err)
		}
	}

	c.publish(events.ReadingAnalyzed(*result))

	if result.IsAnomaly {
		c.metrics.RecordAnomalyDetected(result.SensorType, string(result.Severity))
		c.publish(events.AnomalyDetected(*result))
		c.observe(result)
	}

	c.metrics.RecordIngestDuration(timer.Duration())
	return result, nil
}

// Reset clears all in-memory pipeline state: detector windows, log-store
// rings, and the risk pipeline. CSV files are untouched.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.detector.Reset()
	if c.store != nil {
		c.store.ClearMemory()
	}
	if c.reporter != nil {
		c.reporter.Reset()
	}
	c.publish(events.SystemReset())
	logger.Info("In-memory pipeline state reset")
}

// ApplyConfig migrates the detector and retunes the reporter to a new
// configuration snapshot, already validated and swapped by the caller.
// Server, log-store and email sections take effect on restart only.
func (c *Coordinator) ApplyConfig(cfg *config.Config, section string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.detector.Migrate(DetectorSettings(cfg))
	if c.reporter != nil {
		c.reporter.UpdateConfig(cfg.AutoReporting)
	}
	c.publish(events.ConfigChanged(section))
	logger.Info("Runtime configuration applied (%s)", section)
}

// observe feeds one anomaly to the reporter, turns a committed transition
// into events, and hands a report decision to the dispatcher. Caller holds
// c.mu.
func (c *Coordinator) observe(result *anomaly.Result) {
	if c.reporter == nil {
		return
	}

	before := c.reporter.CurrentState()
	decision := c.reporter.Observe(result)

	if after := c.reporter.CurrentState(); after != before {
		if tr := c.reporter.LastTransition(); tr != nil {
			c.publish(events.StateChanged(string(tr.From), string(tr.To), tr.Score, string(tr.Trigger)))
		}
	}

	if decision == nil {
		return
	}
	c.publish(events.ReportQueued(decision.Reason, string(decision.CurrentState), string(decision.RiskLevel)))
	if c.dispatcher != nil {
		c.dispatcher.Enqueue(decision)
	}
}

func (c *Coordinator) publish(ev *events.Event) {
	if c.hub != nil {
		c.hub.Publish(ev)
	}
}

// snapshot returns the active configuration, nil when no holder is wired.
func (c *Coordinator) snapshot() *config.Config {
	if c.config == nil {
		return nil
	}
	return c.config.Current()
}

// DetectorSettings maps the anomaly config section onto detector settings.
// Only positive per-sensor thresholds become overrides; bounds-only entries
// are enforced by validation, not the detector.
func DetectorSettings(cfg *config.Config) anomaly.Settings {
	s := anomaly.Settings{
		WindowSize:      cfg.Anomaly.WindowSize,
		MinDataPoints:   cfg.Anomaly.MinDataPoints,
		MinTrainingSize: cfg.Anomaly.MinTrainingSize,
		ZScoreThreshold: cfg.Anomaly.ZScoreThreshold,
	}
	if len(cfg.Anomaly.Sensors) > 0 {
		s.SensorThresholds = make(map[string]float64, len(cfg.Anomaly.Sensors))
		for sensor, override := range cfg.Anomaly.Sensors {
			if override.ZScoreThreshold > 0 {
				s.SensorThresholds[sensor] = override.ZScoreThreshold
			}
		}
	}
	return s
}
