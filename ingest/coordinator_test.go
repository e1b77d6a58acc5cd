// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ingest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/config"
	sentinelerrors "anomaly-sentinel/errors"
	"anomaly-sentinel/events"
	"anomaly-sentinel/internal/reporter"
	"anomaly-sentinel/logstore"
)

func testSettings() anomaly.Settings {
	return anomaly.Settings{
		WindowSize:      50,
		MinDataPoints:   5,
		MinTrainingSize: 10,
		ZScoreThreshold: 2.0,
	}
}

// testReportingConfig uses thresholds low enough that a single critical
// anomaly fills the bucket past the critical line, with instant confirmation.
func testReportingConfig() config.ReportingConfig {
	return config.ReportingConfig{
		Enabled:              true,
		AnomalyWindowMinutes: 5,
		MultiSensorThreshold: 3,
		WorkingHoursStart:    0,
		WorkingHoursEnd:      24,
		LeakyBucket: config.LeakyBucketConfig{
			CriticalPoints:       15,
			HighPoints:           5,
			MediumPoints:         2,
			LowPoints:            1,
			DecayRatePerMinute:   1,
			DecayIntervalSeconds: 60,
			MaxBucketCapacity:    100,
		},
		AdaptiveThresholds: config.AdaptiveConfig{
			BaseWarningThreshold:    4,
			BaseCriticalThreshold:   8,
			AdaptationWindowMinutes: 60,
			MinSamplesForAdaptation: 50,
			MinMultiplier:           0.5,
			MaxMultiplier:           2.0,
			AdaptationGain:          0.3,
			HysteresisMargin:        0.2,
		},
		StateTransitions: config.StateTransitionConfig{
			StateConfirmationSeconds: 0,
			ReportOnWarningEntry:     true,
			ReportOnCriticalEntry:    true,
			ReportOnCriticalExit:     true,
			ReportOnNormalReturn:     false,
		},
	}
}

func feed(t *testing.T, c *Coordinator, sensorType string, value float64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := c.Ingest(context.Background(), anomaly.Reading{SensorType: sensorType, Value: value})
		require.NoError(t, err)
	}
}

func drainEvents(ch <-chan *events.Event) []*events.Event {
	var out []*events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func waitEvent(t *testing.T, ch <-chan *events.Event, eventType events.EventType) *events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
			return nil
		}
	}
}

func TestIngestNormalReading(t *testing.T) {
	store, err := logstore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := events.NewHub()
	_, ch := hub.Subscribe(8)

	c := New(Deps{Detector: anomaly.New(testSettings()), Store: store, Hub: hub})

	res, err := c.Ingest(context.Background(), anomaly.Reading{SensorType: "ejector_pressure", Value: 6.1})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.False(t, res.IsAnomaly)
	assert.Equal(t, anomaly.StatusInitializing, res.SystemStatus)
	assert.Len(t, store.Recent(0), 1)

	got := drainEvents(ch)
	require.Len(t, got, 1)
	assert.Equal(t, events.EventReadingAnalyzed, got[0].Type)
	assert.Equal(t, "ejector_pressure", got[0].SensorType)
}

func TestIngestRejectsInvalidReadings(t *testing.T) {
	store, err := logstore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	det := anomaly.New(testSettings())
	c := New(Deps{Detector: det, Store: store})

	cases := []struct {
		name    string
		reading anomaly.Reading
	}{
		{"missing sensor type", anomaly.Reading{Value: 6.1}},
		{"NaN value", anomaly.Reading{SensorType: "ejector_pressure", Value: math.NaN()}},
		{"infinite value", anomaly.Reading{SensorType: "ejector_pressure", Value: math.Inf(-1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := c.Ingest(context.Background(), tc.reading)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, sentinelerrors.KindValidation, sentinelerrors.GetKind(err))
		})
	}

	assert.Equal(t, 0, det.ActiveSensors(), "rejected readings must not touch the detector")
	assert.Empty(t, store.Recent(0), "rejected readings must not be logged")
}

func TestIngestEnforcesSanityBounds(t *testing.T) {
	cfg := config.Default()
	lo, hi := -20.0, 120.0
	cfg.Anomaly.Sensors = map[string]config.SensorOverride{
		"motor_temperature": {MinValue: &lo, MaxValue: &hi},
	}

	c := New(Deps{Detector: anomaly.New(testSettings()), Config: config.NewHolder(cfg)})

	_, err := c.Ingest(context.Background(), anomaly.Reading{SensorType: "motor_temperature", Value: 300})
	require.Error(t, err)
	assert.Equal(t, sentinelerrors.KindValidation, sentinelerrors.GetKind(err))
	assert.Contains(t, err.Error(), "exceeds maximum")

	_, err = c.Ingest(context.Background(), anomaly.Reading{SensorType: "motor_temperature", Value: 65})
	assert.NoError(t, err)
}

func TestIngestHonorsContextDeadline(t *testing.T) {
	store, err := logstore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := New(Deps{Detector: anomaly.New(testSettings()), Store: store})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.Ingest(ctx, anomaly.Reading{SensorType: "ejector_pressure", Value: 6.1})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, sentinelerrors.KindTimeout, sentinelerrors.GetKind(err))
	assert.Empty(t, store.Recent(0), "expired context must reject before logging")
}

func TestIngestAnomalyDrivesReportPipeline(t *testing.T) {
	store, err := logstore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := events.NewHub()
	_, ch := hub.Subscribe(32)

	rep := reporter.New(testReportingConfig(), nil, nil)
	disp := reporter.NewDispatcher(rep, nil, nil, nil, nil)
	disp.OnSent = func(r *reporter.Report) {
		hub.Publish(events.ReportSent(r.ID, string(r.RiskLevel), r.AffectedSensors))
	}
	disp.Start(context.Background())
	t.Cleanup(disp.Stop)

	c := New(Deps{
		Detector:   anomaly.New(testSettings()),
		Store:      store,
		Hub:        hub,
		Reporter:   rep,
		Dispatcher: disp,
	})

	feed(t, c, "ejector_pressure", 10.0, 10)

	res, err := c.Ingest(context.Background(), anomaly.Reading{SensorType: "ejector_pressure", Value: 50.0})
	require.NoError(t, err)
	require.True(t, res.IsAnomaly)
	assert.Equal(t, anomaly.SeverityHigh, res.Severity)

	detected := waitEvent(t, ch, events.EventAnomalyDetected)
	assert.Equal(t, "ejector_pressure", detected.SensorType)

	changed := waitEvent(t, ch, events.EventStateChanged)
	assert.Equal(t, "NORMAL", changed.Details["from_state"])
	assert.Equal(t, "CRITICAL", changed.Details["to_state"])

	queued := waitEvent(t, ch, events.EventReportQueued)
	assert.Contains(t, queued.Message, "NORMAL -> CRITICAL")

	sent := waitEvent(t, ch, events.EventReportSent)
	assert.NotEmpty(t, sent.Details["report_id"])

	deadline := time.Now().Add(2 * time.Second)
	for rep.Status().ReportsSent < 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the dispatcher to deliver")
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Len(t, disp.Recent(), 1)
	assert.Len(t, store.Anomalies(0), 1)
}

func TestIngestWithoutOptionalComponents(t *testing.T) {
	c := New(Deps{Detector: anomaly.New(testSettings())})

	feed(t, c, "ejector_pressure", 10.0, 10)

	res, err := c.Ingest(context.Background(), anomaly.Reading{SensorType: "ejector_pressure", Value: 50.0})
	require.NoError(t, err)
	assert.True(t, res.IsAnomaly)
}

func TestResetClearsPipelineState(t *testing.T) {
	store, err := logstore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := events.NewHub()
	rep := reporter.New(testReportingConfig(), nil, nil)
	det := anomaly.New(testSettings())
	c := New(Deps{Detector: det, Store: store, Hub: hub, Reporter: rep})

	feed(t, c, "ejector_pressure", 10.0, 10)
	_, err = c.Ingest(context.Background(), anomaly.Reading{SensorType: "ejector_pressure", Value: 50.0})
	require.NoError(t, err)
	require.Equal(t, reporter.StateCritical, rep.CurrentState())

	_, ch := hub.Subscribe(4)
	c.Reset()

	assert.Equal(t, 0, det.ActiveSensors())
	assert.Empty(t, store.Recent(0))
	assert.Equal(t, reporter.StateNormal, rep.CurrentState())

	got := drainEvents(ch)
	require.Len(t, got, 1)
	assert.Equal(t, events.EventSystemReset, got[0].Type)
}

func TestApplyConfigMigratesDetector(t *testing.T) {
	hub := events.NewHub()
	_, ch := hub.Subscribe(4)

	det := anomaly.New(testSettings())
	c := New(Deps{Detector: det, Hub: hub})

	cfg := config.Default()
	cfg.Anomaly.ZScoreThreshold = 3.5
	cfg.Anomaly.WindowSize = 20
	c.ApplyConfig(cfg, "config")

	got := det.Settings()
	assert.Equal(t, 3.5, got.ZScoreThreshold)
	assert.Equal(t, 20, got.WindowSize)

	evs := drainEvents(ch)
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventConfigChanged, evs[0].Type)
	assert.Equal(t, "config", evs[0].Details["section"])
}

func TestDetectorSettingsMapping(t *testing.T) {
	cfg := config.Default()
	lo := 0.0
	cfg.Anomaly.Sensors = map[string]config.SensorOverride{
		"vibration_bearing_x": {ZScoreThreshold: 2.5},
		"motor_temperature":   {MinValue: &lo},
	}

	s := DetectorSettings(cfg)
	assert.Equal(t, cfg.Anomaly.WindowSize, s.WindowSize)
	assert.Equal(t, cfg.Anomaly.ZScoreThreshold, s.ZScoreThreshold)
	assert.Equal(t, map[string]float64{"vibration_bearing_x": 2.5}, s.SensorThresholds,
		"bounds-only overrides carry no threshold")
}
