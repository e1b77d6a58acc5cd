// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/events"
	"anomaly-sentinel/retry"
)

func fastRetry() retry.Config {
	return retry.Config{
		MaxRetries:    2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func newTestClient(srv *httptest.Server, opts ...Option) *Client {
	opts = append([]Option{WithRetry(fastRetry())}, opts...)
	return New(srv.URL, opts...)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/analyze", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))

		var reading anomaly.Reading
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reading))
		assert.Equal(t, "vibration", reading.SensorType)
		assert.Equal(t, 2.5, reading.Value)

		writeJSON(w, http.StatusOK, anomaly.Result{
			IsAnomaly:    true,
			SensorType:   reading.SensorType,
			CurrentValue: reading.Value,
			ZScore:       3.2,
			Severity:     anomaly.SeverityHigh,
			Message:      "⚠️ ANOMALY DETECTED",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	result, err := c.Analyze(context.Background(), anomaly.Reading{SensorType: "vibration", Value: 2.5, Unit: "G"})
	require.NoError(t, err)
	assert.True(t, result.IsAnomaly)
	assert.Equal(t, 3.2, result.ZScore)
	assert.Equal(t, anomaly.SeverityHigh, result.Severity)
}

func TestAnalyze_SendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, anomaly.Result{})
	}))
	defer srv.Close()

	c := newTestClient(srv, WithToken("test-token"))
	_, err := c.Analyze(context.Background(), anomaly.Reading{SensorType: "temp", Value: 1})
	require.NoError(t, err)
}

func TestAnalyze_ValidationNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "validation",
			"detail": "sensor_type is required",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Analyze(context.Background(), anomaly.Reading{Value: 1})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "validation", apiErr.Kind)
	assert.Equal(t, "sensor_type is required", apiErr.Detail)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
			return
		}
		writeJSON(w, http.StatusOK, anomaly.Result{SensorType: "temp"})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	result, err := c.Analyze(context.Background(), anomaly.Reading{SensorType: "temp", Value: 1})
	require.NoError(t, err)
	assert.Equal(t, "temp", result.SensorType)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Stats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHealth(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "healthy",
			"version":        "2.0.0",
			"active_sensors": 4,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "2.0.0", h.Version)
	assert.Equal(t, 4, h.ActiveSensors)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHealth_DegradedStillDecodes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":         "degraded",
			"version":        "2.0.0",
			"active_sensors": 0,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", h.Status)
	// Health probes never retry.
	assert.Equal(t, int32(1), calls.Load())

	assert.False(t, c.IsHealthy(context.Background()))
}

func TestIsHealthy_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(srv)
	assert.False(t, c.IsHealthy(context.Background()))
}

func TestStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stats", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total_sensors": 2,
			"sensors": map[string]interface{}{
				"temperature": map[string]interface{}{"data_points": 120, "mean": 21.5},
				"vibration":   map[string]interface{}{"data_points": 80, "mean": 1.1},
			},
			"log_store": map[string]interface{}{
				"total_readings_in_memory":  200,
				"total_anomalies_in_memory": 3,
				"anomaly_rate":              1.5,
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalSensors)
	assert.Equal(t, 120, stats.Sensors["temperature"].DataPoints)
	assert.Equal(t, 200, stats.LogStore.TotalReadingsInMemory)
	assert.Equal(t, 1.5, stats.LogStore.AnomalyRate)
}

func TestHistoryLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.RawQuery {
		case "limit=5":
			writeJSON(w, http.StatusOK, map[string]interface{}{"count": 5, "limit": 5})
		case "":
			writeJSON(w, http.StatusOK, map[string]interface{}{"count": 50, "limit": 50})
		default:
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)

	hist, err := c.History(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, hist.Limit)

	hist, err = c.History(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 50, hist.Limit)
}

func TestUpdateConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v1/config", r.URL.Path)

		var patch map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
		anomalySection, ok := patch["anomaly"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, 3.5, anomalySection["z_score_threshold"])
		assert.Len(t, patch, 1)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"anomaly": map[string]interface{}{"z_score_threshold": 3.5, "window_size": 1000},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	cfg, err := c.UpdateConfig(context.Background(), map[string]interface{}{
		"anomaly": map[string]interface{}{"z_score_threshold": 3.5},
	})
	require.NoError(t, err)
	assert.Equal(t, 3.5, cfg.Anomaly.ZScoreThreshold)
	assert.Equal(t, 1000, cfg.Anomaly.WindowSize)
}

func TestReset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/reset", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.Reset(context.Background()))
}

func TestSimulate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/simulate/bottle_jam", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "started",
			"scenario": "bottle_jam",
			"message":  "Simulating bottle jam",
			"readings": 5,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	started, err := c.Simulate(context.Background(), "bottle_jam")
	require.NoError(t, err)
	assert.Equal(t, "started", started.Status)
	assert.Equal(t, "bottle_jam", started.Scenario)
	assert.Equal(t, 5, started.Readings)
}

func TestClearReportBuffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auto-report/clear-buffer", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "cleared": 7})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	cleared, err := c.ClearReportBuffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, cleared)
}

func TestTestReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "me@example.com", body["recipient"])
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.TestReport(context.Background(), "me@example.com"))
}

func TestDecodePlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.Reset(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusMethodNotAllowed, apiErr.StatusCode)
	assert.Equal(t, "Method Not Allowed", apiErr.Kind)
	assert.Equal(t, "Method not allowed", apiErr.Detail)
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{StatusCode: 400, Kind: "validation", Detail: "value must be finite"}
	assert.Equal(t, "api error 400 (validation): value must be finite", err.Error())

	err = &APIError{StatusCode: 503, Kind: "unavailable"}
	assert.Equal(t, "api error 503 (unavailable)", err.Error())
}

func TestDialStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer stream-token", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ev := events.NewEvent(events.EventAnomalyDetected, "vibration", events.SeverityWarning, "spike")
		_ = conn.WriteJSON(ev)
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(srv, WithToken("stream-token"))
	stream, err := c.DialStream(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, events.EventAnomalyDetected, ev.Type)
	assert.Equal(t, "vibration", ev.SensorType)
	assert.Equal(t, "spike", ev.Message)
}

func TestNewDefaults(t *testing.T) {
	c := New("")
	assert.Equal(t, "http://localhost:8000", c.baseURL)

	c = New("http://example.com/")
	assert.Equal(t, "http://example.com", c.baseURL)
}

func TestRetryOnConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(srv)
	_, err := c.Stats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.False(t, errors.As(err, new(*APIError)))
}
