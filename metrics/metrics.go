// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SentinelMetrics holds all Prometheus metrics for the anomaly sentinel
type SentinelMetrics struct {
	// Ingest metrics
	ReadingsProcessedTotal prometheus.Counter
	AnomaliesDetectedTotal *prometheus.CounterVec
	IngestDuration         prometheus.Histogram

	// Reporting metrics
	BucketScore         prometheus.Gauge
	SystemState         prometheus.Gauge
	ReportsSentTotal    *prometheus.CounterVec
	ReportsSkippedTotal *prometheus.CounterVec

	// Dispatch metrics
	DispatchQueueDepth   prometheus.Gauge
	DispatchDroppedTotal prometheus.Counter
	MailFailuresTotal    prometheus.Counter

	// Streaming metrics
	WSClients prometheus.Gauge
}

var (
	sentinelMetricsInstance *SentinelMetrics
	sentinelMetricsOnce     sync.Once
)

// NewSentinelMetrics creates and registers all Prometheus metrics.
// Uses singleton pattern to prevent duplicate registration.
func NewSentinelMetrics() *SentinelMetrics {
	sentinelMetricsOnce.Do(func() {
		sentinelMetricsInstance = createSentinelMetrics()
	})
	return sentinelMetricsInstance
}

func createSentinelMetrics() *SentinelMetrics {
	metrics := &SentinelMetrics{
		ReadingsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_readings_processed_total",
			Help: "Total number of sensor readings processed",
		}),

		AnomaliesDetectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_anomalies_detected_total",
				Help: "Total number of anomalies detected",
			},
			[]string{"sensor_type", "severity"},
		),

		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_ingest_duration_seconds",
			Help:    "Time spent processing one reading through the ingest pipeline",
			Buckets: prometheus.DefBuckets,
		}),

		BucketScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_bucket_score",
			Help: "Current leaky bucket risk score",
		}),

		SystemState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_system_state",
			Help: "Current system state (0 NORMAL, 1 WARNING, 2 CRITICAL)",
		}),

		ReportsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_reports_sent_total",
				Help: "Total number of anomaly reports sent",
			},
			[]string{"trigger"},
		),

		ReportsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_reports_skipped_total",
				Help: "Total number of report decisions suppressed",
			},
			[]string{"reason"},
		),

		DispatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_dispatch_queue_depth",
			Help: "Report decisions waiting in the dispatch queue",
		}),

		DispatchDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_dispatch_dropped_total",
			Help: "Report decisions dropped because the dispatch queue was full",
		}),

		MailFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_mail_failures_total",
			Help: "Total number of failed report deliveries",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_ws_clients",
			Help: "Connected WebSocket streaming clients",
		}),
	}

	safeRegister(
		metrics.ReadingsProcessedTotal,
		metrics.AnomaliesDetectedTotal,
		metrics.IngestDuration,
		metrics.BucketScore,
		metrics.SystemState,
		metrics.ReportsSentTotal,
		metrics.ReportsSkippedTotal,
		metrics.DispatchQueueDepth,
		metrics.DispatchDroppedTotal,
		metrics.MailFailuresTotal,
		metrics.WSClients,
	)

	return metrics
}

// safeRegister registers Prometheus collectors, ignoring AlreadyRegisteredError
func safeRegister(collectors ...prometheus.Collector) {
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				continue
			}
		}
	}
}

// RecordReadingProcessed counts one reading through the pipeline
func (m *SentinelMetrics) RecordReadingProcessed() {
	if m == nil {
		return
	}
	m.ReadingsProcessedTotal.Inc()
}

// RecordAnomalyDetected counts one detected anomaly
func (m *SentinelMetrics) RecordAnomalyDetected(sensorType, severity string) {
	if m == nil {
		return
	}
	m.AnomaliesDetectedTotal.WithLabelValues(sensorType, severity).Inc()
}

// RecordIngestDuration records one ingest pipeline duration
func (m *SentinelMetrics) RecordIngestDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.IngestDuration.Observe(duration.Seconds())
}

// SetBucketScore updates the bucket score gauge
func (m *SentinelMetrics) SetBucketScore(score float64) {
	if m == nil {
		return
	}
	m.BucketScore.Set(score)
}

// SetSystemState maps the named state onto the gauge
func (m *SentinelMetrics) SetSystemState(state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "WARNING":
		v = 1
	case "CRITICAL":
		v = 2
	}
	m.SystemState.Set(v)
}

// RecordReportSent counts one delivered report
func (m *SentinelMetrics) RecordReportSent(trigger string) {
	if m == nil {
		return
	}
	m.ReportsSentTotal.WithLabelValues(trigger).Inc()
}

// RecordReportSkipped counts one suppressed report decision
func (m *SentinelMetrics) RecordReportSkipped(reason string) {
	if m == nil {
		return
	}
	m.ReportsSkippedTotal.WithLabelValues(reason).Inc()
}

// SetDispatchQueueDepth updates the queue depth gauge
func (m *SentinelMetrics) SetDispatchQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.Set(float64(depth))
}

// RecordDispatchDropped counts one dropped report decision
func (m *SentinelMetrics) RecordDispatchDropped() {
	if m == nil {
		return
	}
	m.DispatchDroppedTotal.Inc()
}

// RecordMailFailure counts one failed report delivery
func (m *SentinelMetrics) RecordMailFailure() {
	if m == nil {
		return
	}
	m.MailFailuresTotal.Inc()
}

// SetWSClients updates the connected WebSocket clients gauge
func (m *SentinelMetrics) SetWSClients(count int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(count))
}

// Timer is a helper for measuring operation durations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed duration since the timer was created
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration observes the duration in the given histogram
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}
