// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/client"
)

// sensorProfile is one simulated sensor of the sorting machine.
type sensorProfile struct {
	Unit string
	Min  float64
	Max  float64
}

// sensorProfiles carries the machine's sensor set with realistic operating
// bands: pneumatic ejectors run near 7 bar, the belt holds 2.5 m/s, and so
// on. Values are jittered uniformly inside the band.
var sensorProfiles = map[string]sensorProfile{
	"ejector_pressure":    {Unit: "bar", Min: 6.8, Max: 7.2},
	"conveyor_speed":      {Unit: "m/s", Min: 2.4, Max: 2.6},
	"main_motor_load":     {Unit: "%", Min: 65, Max: 75},
	"separation_rate":     {Unit: "obj/s", Min: 140, Max: 160},
	"optical_sensor_temp": {Unit: "°C", Min: 35, Max: 42},
	"vibration_bearing_x": {Unit: "mm/s", Min: 0.8, Max: 1.5},
}

// feedConfig controls the continuous feed loop.
type feedConfig struct {
	Interval    time.Duration
	AnomalyRate float64
	SensorID    string
	Sensors     []string
	Count       int
}

// normalValue draws a value inside the sensor's operating band.
func normalValue(p sensorProfile, rng *rand.Rand) float64 {
	return p.Min + rng.Float64()*(p.Max-p.Min)
}

// anomalousValue draws a value well outside the band, high or low, far
// enough that an established baseline flags it.
func anomalousValue(p sensorProfile, rng *rand.Rand) float64 {
	span := p.Max - p.Min
	if rng.Float64() < 0.5 {
		return p.Max + span*(2+rng.Float64()*3)
	}
	return p.Min - span*(2+rng.Float64()*3)
}

// runFeed sends one batch of readings per interval until the context is
// cancelled, an interrupt arrives, or the batch budget runs out. Send
// failures are printed and the loop carries on, matching a flaky plant
// network.
func runFeed(ctx context.Context, c *client.Client, cfg *feedConfig) error {
	sensors := cfg.Sensors
	if len(sensors) == 0 {
		for name := range sensorProfiles {
			sensors = append(sensors, name)
		}
	}
	for _, name := range sensors {
		if _, ok := sensorProfiles[name]; !ok {
			return fmt.Errorf("unknown sensor %q", name)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	fmt.Printf("Feeding %d sensor(s) every %s (anomaly rate %.1f%%) — Ctrl-C to stop\n",
		len(sensors), cfg.Interval, cfg.AnomalyRate*100)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	batches := 0
	for {
		sendBatch(ctx, c, cfg, sensors, rng)
		batches++
		if batches%60 == 0 {
			fmt.Printf("[%s] %d batches sent\n", time.Now().Format("15:04:05"), batches)
		}

		if cfg.Count > 0 && batches >= cfg.Count {
			fmt.Printf("Done: %d batches sent\n", batches)
			return nil
		}

		select {
		case <-ctx.Done():
			fmt.Printf("\nStopped after %d batches\n", batches)
			return nil
		case <-ticker.C:
		}
	}
}

// sendBatch submits one reading per sensor and prints any flagged verdicts.
func sendBatch(ctx context.Context, c *client.Client, cfg *feedConfig, sensors []string, rng *rand.Rand) (sent, anomalies int) {
	for _, name := range sensors {
		profile := sensorProfiles[name]

		value := normalValue(profile, rng)
		injected := cfg.AnomalyRate > 0 && rng.Float64() < cfg.AnomalyRate
		if injected {
			value = anomalousValue(profile, rng)
		}

		result, err := c.Analyze(ctx, anomaly.Reading{
			SensorID:   cfg.SensorID,
			SensorType: name,
			Value:      value,
			Unit:       profile.Unit,
			Timestamp:  time.Now(),
		})
		if err != nil {
			fmt.Printf("⚠️  %s: %v\n", name, err)
			continue
		}
		sent++
		if result.IsAnomaly {
			anomalies++
			fmt.Println(formatResult(result))
		} else if injected {
			fmt.Printf("[injected, not flagged] %s: %.2f (status %s)\n", name, value, result.SystemStatus)
		}
	}
	return sent, anomalies
}
