// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package client is the Go SDK for the anomaly detection service.
//
// Usage:
//
//	c := client.New("http://localhost:8000")
//	result, err := c.Analyze(ctx, anomaly.Reading{SensorType: "vibration", Value: 2.5, Unit: "G"})
//	if err == nil && result.IsAnomaly {
//		log.Println(result.Message)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/config"
	"anomaly-sentinel/events"
	"anomaly-sentinel/health"
	"anomaly-sentinel/logstore"
	"anomaly-sentinel/retry"
)

const (
	defaultBaseURL = "http://localhost:8000"
	defaultTimeout = 30 * time.Second
)

// Client talks to the anomaly detection HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retryer *retry.Retryer
}

// Option customizes a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRetry replaces the retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retryer = retry.New(cfg) }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the service at baseURL. An empty baseURL
// targets http://localhost:8000.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		retryer: retry.New(retry.DefaultConfig()),
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response decoded from the service's error JSON.
type APIError struct {
	StatusCode int
	Kind       string
	Detail     string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Kind, e.Detail)
	}
	return fmt.Sprintf("api error %d (%s)", e.StatusCode, e.Kind)
}

// Temporary reports whether the request may succeed on retry.
func (e *APIError) Temporary() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode >= 500 && e.StatusCode != http.StatusNotImplemented
}

// Health is the service health document.
type Health struct {
	Status        string                            `json:"status"`
	Version       string                            `json:"version"`
	ActiveSensors int                               `json:"active_sensors"`
	Components    map[string]health.ComponentReport `json:"components"`
	LastCheck     time.Time                         `json:"last_check"`
}

// Stats mirrors the /api/v1/stats document.
type Stats struct {
	TotalSensors int                            `json:"total_sensors"`
	Sensors      map[string]anomaly.SensorStats `json:"sensors"`
	LogStore     logstore.Stats                 `json:"log_store"`
	Timestamp    time.Time                      `json:"timestamp"`
}

// History mirrors the /api/v1/history document.
type History struct {
	Readings  []logstore.Entry `json:"readings"`
	Anomalies []logstore.Entry `json:"anomalies"`
	Count     int              `json:"count"`
	Limit     int              `json:"limit"`
	Timestamp time.Time        `json:"timestamp"`
}

// SimulationStarted acknowledges a launched simulation scenario.
type SimulationStarted struct {
	Status   string `json:"status"`
	Scenario string `json:"scenario"`
	Message  string `json:"message"`
	Readings int    `json:"readings"`
}

// Analyze submits one reading and returns the detector's verdict.
func (c *Client) Analyze(ctx context.Context, reading anomaly.Reading) (*anomaly.Result, error) {
	var result anomaly.Result
	if err := c.do(ctx, http.MethodPost, "/api/v1/analyze", nil, reading, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health fetches the health document in a single attempt. A degraded
// service answers 503 but still carries the document, so both forms
// decode.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.once(ctx, http.MethodGet, "/api/v1/health", nil, nil, &h)
	if err == nil {
		return &h, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		var degraded Health
		if json.Unmarshal(apiErr.Body, &degraded) == nil && degraded.Status != "" {
			return &degraded, nil
		}
	}
	return nil, err
}

// IsHealthy reports whether the service responds and calls itself healthy.
func (c *Client) IsHealthy(ctx context.Context) bool {
	h, err := c.Health(ctx)
	return err == nil && h.Status == "healthy"
}

// Stats fetches per-sensor statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// History fetches recent readings and anomalies. A non-positive limit
// leaves the server default in place.
func (c *Client) History(ctx context.Context, limit int) (*History, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": []string{strconv.Itoa(limit)}}
	}
	var hist History
	if err := c.do(ctx, http.MethodGet, "/api/v1/history", query, nil, &hist); err != nil {
		return nil, err
	}
	return &hist, nil
}

// Config fetches the live configuration.
func (c *Client) Config(ctx context.Context) (*config.Config, error) {
	var cfg config.Config
	if err := c.do(ctx, http.MethodGet, "/api/v1/config", nil, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateConfig applies a partial configuration update. Only keys present
// in patch change; the server validates and returns the full result.
func (c *Client) UpdateConfig(ctx context.Context, patch map[string]interface{}) (*config.Config, error) {
	var cfg config.Config
	if err := c.do(ctx, http.MethodPut, "/api/v1/config", nil, patch, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Reset drops the server's in-memory state. Log files survive.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/reset", nil, nil, nil)
}

// AutoReportStatus fetches the reporting pipeline status document.
func (c *Client) AutoReportStatus(ctx context.Context) (map[string]interface{}, error) {
	var status map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/api/v1/auto-report/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// TestReport asks the service to mail a synthetic report to recipient.
func (c *Client) TestReport(ctx context.Context, recipient string) error {
	body := map[string]string{"recipient": recipient}
	return c.do(ctx, http.MethodPost, "/api/v1/auto-report/test", nil, body, nil)
}

// ClearReportBuffer empties the reporter's anomaly buffer and returns how
// many entries were dropped.
func (c *Client) ClearReportBuffer(ctx context.Context) (int, error) {
	var resp struct {
		Cleared int `json:"cleared"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auto-report/clear-buffer", nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Cleared, nil
}

// Simulate launches a named anomaly scenario on the server.
func (c *Client) Simulate(ctx context.Context, scenario string) (*SimulationStarted, error) {
	var started SimulationStarted
	path := "/api/v1/simulate/" + url.PathEscape(scenario)
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &started); err != nil {
		return nil, err
	}
	return &started, nil
}

// Stream is an open websocket event feed.
type Stream struct {
	conn *websocket.Conn
}

// Next blocks until the next event arrives.
func (s *Stream) Next() (*events.Event, error) {
	var ev events.Event
	if err := s.conn.ReadJSON(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Close tears the stream down.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// DialStream opens the websocket event feed at /ws.
func (c *Client) DialStream(ctx context.Context) (*Stream, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial stream: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// do runs one API call under the retry policy. API errors are retried
// only when the status suggests a transient condition.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	op := method + " " + path
	return c.retryer.DoWithContext(ctx, op, func(ctx context.Context) error {
		err := c.once(ctx, method, path, query, body, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return retry.NewRetryableError(err, apiErr.Temporary())
		}
		return retry.WrapNetworkError(err)
	})
}

// once performs a single HTTP exchange.
func (c *Client) once(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr.Body = data

	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Kind = body.Error
		apiErr.Detail = body.Detail
		return apiErr
	}
	apiErr.Kind = http.StatusText(resp.StatusCode)
	apiErr.Detail = strings.TrimSpace(string(data))
	return apiErr
}
