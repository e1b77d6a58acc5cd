// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"anomaly-sentinel/window"
)

// Status describes how much baseline a sensor window has accumulated
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusLearning     Status = "learning"
	StatusActive       Status = "active"
)

// Severity classifies how far an anomalous value sits outside the baseline
type Severity string

const (
	SeverityNormal Severity = "normal"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Reading is one sensor measurement entering the detector
type Reading struct {
	SensorID   string    `json:"sensor_id,omitempty"`
	SensorType string    `json:"sensor_type" validate:"required"`
	Value      float64   `json:"value" validate:"finite"`
	Unit       string    `json:"unit,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// Result is the detector's verdict for one reading
type Result struct {
	IsAnomaly    bool      `json:"is_anomaly"`
	SensorType   string    `json:"sensor_type"`
	CurrentValue float64   `json:"current_value"`
	Mean         float64   `json:"mean"`
	StdDev       float64   `json:"std_dev"`
	ZScore       float64   `json:"z_score"`
	Threshold    float64   `json:"threshold"`
	Timestamp    time.Time `json:"timestamp"`
	Severity     Severity  `json:"severity"`
	SystemStatus Status    `json:"system_status"`
	WindowSize   int       `json:"window_size"`
	Message      string    `json:"message"`
}

// SensorStats summarises one sensor window for the stats endpoint
type SensorStats struct {
	DataPoints int     `json:"data_points"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"std_dev"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Latest     float64 `json:"latest"`
}

// Settings are the detector tunables. SensorThresholds overrides the global
// z-score threshold for individual sensor types.
type Settings struct {
	WindowSize       int
	MinDataPoints    int
	MinTrainingSize  int
	ZScoreThreshold  float64
	SensorThresholds map[string]float64
}

// Detector evaluates sensor readings against per-sensor rolling baselines
type Detector struct {
	mu       sync.RWMutex
	windows  *window.Store
	settings Settings
}

// New creates a detector with freshly sized windows
func New(settings Settings) *Detector {
	return &Detector{
		windows:  window.NewStore(settings.WindowSize),
		settings: settings,
	}
}

// Evaluate classifies one reading and records it. The window count including
// the current reading decides the phase; the baseline statistics exclude it,
// so a value never measures against itself.
func (d *Detector) Evaluate(r Reading) *Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	threshold := d.thresholdFor(r.SensorType)
	n := d.windows.Count(r.SensorType) + 1

	result := &Result{
		SensorType:   r.SensorType,
		CurrentValue: r.Value,
		Threshold:    threshold,
		Timestamp:    ts,
		Severity:     SeverityNormal,
		WindowSize:   n,
	}

	if n < d.settings.MinDataPoints {
		result.SystemStatus = StatusInitializing
		result.Mean = r.Value
		result.StdDev = 0
		result.ZScore = 0
		result.Message = fmt.Sprintf(
			"Insufficient data: %d/%d readings, treated as normal",
			n, d.settings.MinDataPoints)
		d.windows.Push(r.SensorType, r.Value)
		return result
	}

	mean, stdDev := d.windows.MeanStdDev(r.SensorType)
	z := (r.Value - mean) / stdDev

	result.Mean = mean
	result.StdDev = stdDev
	result.ZScore = z

	if n < d.settings.MinTrainingSize {
		result.SystemStatus = StatusLearning
		result.Message = fmt.Sprintf(
			"Learning baseline: %d/%d readings, z-score %.2f",
			n, d.settings.MinTrainingSize, z)
		d.windows.Push(r.SensorType, r.Value)
		return result
	}

	result.SystemStatus = StatusActive

	if math.Abs(z) > threshold {
		result.IsAnomaly = true
		result.Severity = severityFor(z, threshold)
		result.Message = fmt.Sprintf(
			"ANOMALY DETECTED! %s=%.2f, expected %.2f ± %.2f, z-score %.2f",
			r.SensorType, r.Value, mean, stdDev, z)
	} else {
		result.Message = fmt.Sprintf(
			"Normal reading: %s=%.2f, z-score %.2f",
			r.SensorType, r.Value, z)
	}

	d.windows.Push(r.SensorType, r.Value)
	return result
}

// severityFor grades an anomalous z-score against the active threshold
func severityFor(z, threshold float64) Severity {
	if math.Abs(z) > 1.5*threshold {
		return SeverityHigh
	}
	return SeverityMedium
}

// ThresholdFor returns the effective z-score threshold for a sensor type
func (d *Detector) ThresholdFor(sensorType string) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.thresholdFor(sensorType)
}

func (d *Detector) thresholdFor(sensorType string) float64 {
	if t, ok := d.settings.SensorThresholds[sensorType]; ok && t > 0 {
		return t
	}
	return d.settings.ZScoreThreshold
}

// Stats returns a per-sensor summary of every window with data
func (d *Detector) Stats() map[string]SensorStats {
	all := d.windows.AllStats()

	out := make(map[string]SensorStats, len(all))
	for sensorType, s := range all {
		out[sensorType] = SensorStats{
			DataPoints: s.Count,
			Mean:       round2(s.Mean),
			StdDev:     round2(s.StdDev),
			Min:        s.Min,
			Max:        s.Max,
			Latest:     s.Latest,
		}
	}
	return out
}

// History exports the current window values per sensor type, oldest first
func (d *Detector) History() map[string][]float64 {
	out := make(map[string][]float64)
	for _, sensorType := range d.windows.Types() {
		out[sensorType] = d.windows.History(sensorType)
	}
	return out
}

// ActiveSensors returns how many sensor types have window data
func (d *Detector) ActiveSensors() int {
	return len(d.windows.Types())
}

// Settings returns a copy of the current tunables
func (d *Detector) Settings() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := d.settings
	if len(s.SensorThresholds) > 0 {
		overrides := make(map[string]float64, len(s.SensorThresholds))
		for k, v := range s.SensorThresholds {
			overrides[k] = v
		}
		s.SensorThresholds = overrides
	}
	return s
}

// Reset drops all window data, returning every sensor to Initializing
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.windows.Reset()
}

// Migrate applies new settings in place. Window contents survive; when the
// window size changes each window is re-fed into the new capacity, dropping
// the oldest values if it shrank.
func (d *Detector) Migrate(settings Settings) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if settings.WindowSize != d.settings.WindowSize {
		d.windows.Resize(settings.WindowSize)
	}
	d.settings = settings
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
