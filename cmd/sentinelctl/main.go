// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// sentinelctl — operator CLI for the anomaly detection service.
//
// Talks to the HTTP API through the client SDK: submit readings, run a
// continuous sensor feed, trigger server-side scenarios, inspect status,
// and watch the live event stream in a terminal UI.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/client"
)

var version = "2.0.0"

func main() {
	var (
		serverURL string
		token     string
		timeout   time.Duration
	)

	rootCmd := &cobra.Command{
		Use:   "sentinelctl",
		Short: "Operator CLI for the anomaly detection service",
		Long: `sentinelctl — command-line companion for the anomaly detection service.

Submits sensor readings, runs a continuous simulated feed, triggers
server-side anomaly scenarios, inspects pipeline status, and follows
the live event stream in a terminal UI.`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8000", "Service base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token for authenticated endpoints")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-request timeout")

	newClient := func() *client.Client {
		opts := []client.Option{client.WithTimeout(timeout)}
		if token != "" {
			opts = append(opts, client.WithToken(token))
		}
		return client.New(serverURL, opts...)
	}

	// --- send command ---
	var (
		sendSensorID string
		sendUnit     string
	)

	sendCmd := &cobra.Command{
		Use:   "send <sensor_type> <value>",
		Short: "Submit one sensor reading",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}
			return runSend(cmd.Context(), newClient(), anomaly.Reading{
				SensorID:   sendSensorID,
				SensorType: args[0],
				Value:      value,
				Unit:       sendUnit,
				Timestamp:  time.Now(),
			})
		},
	}
	sendCmd.Flags().StringVar(&sendSensorID, "id", "COUNTSORT-01", "Device identifier")
	sendCmd.Flags().StringVarP(&sendUnit, "unit", "u", "", "Measurement unit")

	// --- feed command ---
	var (
		feedInterval    time.Duration
		feedAnomalyRate float64
		feedSensorID    string
		feedSensors     string
		feedCount       int
	)

	feedCmd := &cobra.Command{
		Use:   "feed",
		Short: "Run a continuous simulated sensor feed",
		Long: `Send jittered in-range readings for the sorting machine's sensor set,
one batch per interval, until interrupted. --anomaly-rate injects the
occasional out-of-range value so the detection path can be exercised.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			feed := &feedConfig{
				Interval:    feedInterval,
				AnomalyRate: feedAnomalyRate,
				SensorID:    feedSensorID,
				Count:       feedCount,
			}
			if feedSensors != "" {
				feed.Sensors = strings.Split(feedSensors, ",")
			}
			return runFeed(cmd.Context(), newClient(), feed)
		},
	}
	feedCmd.Flags().DurationVar(&feedInterval, "interval", time.Second, "Delay between batches")
	feedCmd.Flags().Float64Var(&feedAnomalyRate, "anomaly-rate", 0, "Probability of injecting an out-of-range value per reading")
	feedCmd.Flags().StringVar(&feedSensorID, "id", "COUNTSORT-01", "Device identifier")
	feedCmd.Flags().StringVar(&feedSensors, "sensors", "", "Comma-separated sensor subset (default: all)")
	feedCmd.Flags().IntVar(&feedCount, "count", 0, "Stop after this many batches (0 = run until interrupted)")

	// --- simulate command ---
	simulateCmd := &cobra.Command{
		Use:   "simulate <scenario>",
		Short: "Trigger a server-side anomaly scenario",
		Long:  "Scenarios: bottle_jam, broken_bottle, power_fluctuation.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			started, err := newClient().Simulate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Scenario %q started: %s (%d readings)\n", started.Scenario, started.Message, started.Readings)
			return nil
		},
	}

	// --- status command ---
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show service health, sensor statistics and reporter state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), newClient())
		},
	}

	// --- reset command ---
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the service's in-memory detection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("In-memory state cleared (log files untouched)")
			return nil
		},
	}

	// --- monitor command ---
	var monitorInterval time.Duration

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Follow the live event stream in a terminal UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(newClient(), monitorInterval)
		},
	}
	monitorCmd.Flags().DurationVar(&monitorInterval, "refresh", 5*time.Second, "Status refresh interval")

	rootCmd.AddCommand(sendCmd, feedCmd, simulateCmd, statusCmd, resetCmd, monitorCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// runSend submits one reading and prints the verdict.
func runSend(ctx context.Context, c *client.Client, reading anomaly.Reading) error {
	result, err := c.Analyze(ctx, reading)
	if err != nil {
		return err
	}
	fmt.Println(formatResult(result))
	return nil
}

// runStatus prints health, per-sensor statistics and the reporter document.
func runStatus(ctx context.Context, c *client.Client) error {
	h, err := c.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Service:  %s (v%s)\n", h.Status, h.Version)
	fmt.Printf("Sensors:  %d active\n", h.ActiveSensors)

	if stats, err := c.Stats(ctx); err == nil && len(stats.Sensors) > 0 {
		fmt.Println("\nPer-sensor baselines:")
		names := make([]string, 0, len(stats.Sensors))
		for name := range stats.Sensors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s := stats.Sensors[name]
			fmt.Printf("  %-24s n=%-5d mean=%-10.3f stddev=%-10.3f latest=%.3f\n",
				name, s.DataPoints, s.Mean, s.StdDev, s.Latest)
		}
	}

	status, err := c.AutoReportStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Println("\nAuto-reporter:")
	for _, key := range []string{"enabled", "state", "bucket_score", "reports_sent", "reports_skipped_cooldown", "reports_skipped_offhours", "buffer_size", "report_pending"} {
		if val, ok := status[key]; ok {
			fmt.Printf("  %-26s %v\n", key+":", val)
		}
	}
	return nil
}

// formatResult renders one verdict the way the demo tooling prints them.
func formatResult(result *anomaly.Result) string {
	icon := "🟢"
	switch {
	case result.IsAnomaly:
		icon = "🔴"
	case result.SystemStatus == anomaly.StatusLearning:
		icon = "🧠"
	case result.SystemStatus == anomaly.StatusInitializing:
		icon = "⏳"
	}
	line := fmt.Sprintf("[%s %s] %s: %.2f (z=%.2f)",
		icon, result.SystemStatus, result.SensorType, result.CurrentValue, result.ZScore)
	if result.IsAnomaly {
		line += "\n   └─ " + result.Message
	}
	return line
}
