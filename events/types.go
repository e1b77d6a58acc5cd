// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"anomaly-sentinel/anomaly"
)

// EventType identifies what a streamed event describes
type EventType string

const (
	// Reading events
	EventReadingAnalyzed EventType = "reading.analyzed"
	EventAnomalyDetected EventType = "anomaly.detected"

	// Reporting events
	EventReportQueued EventType = "report.queued"
	EventReportSent   EventType = "report.sent"
	EventStateChanged EventType = "state.changed"

	// System events
	EventConfigChanged EventType = "system.config_changed"
	EventSystemReset   EventType = "system.reset"
)

// Severity represents event severity
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is one broadcastable occurrence in the pipeline
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	SensorType string                 `json:"sensor_type,omitempty"`
	Severity   Severity               `json:"severity"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Source     string                 `json:"source"`
}

// NewEvent creates an event with generated ID and timestamp
func NewEvent(eventType EventType, sensorType string, severity Severity, message string) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		SensorType: sensorType,
		Severity:   severity,
		Message:    message,
		Source:     "anomaly-sentinel",
		Details:    make(map[string]interface{}),
	}
}

// WithDetails adds details to the event
func (e *Event) WithDetails(details map[string]interface{}) *Event {
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// ToJSON serializes the event
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an event
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}

// ReadingAnalyzed wraps a detector verdict for streaming. Every ingested
// reading produces one.
func ReadingAnalyzed(result anomaly.Result) *Event {
	ev := NewEvent(EventReadingAnalyzed, result.SensorType, SeverityInfo, result.Message)
	ev.Details["result"] = result
	return ev
}

// AnomalyDetected wraps an anomalous verdict for streaming.
func AnomalyDetected(result anomaly.Result) *Event {
	ev := NewEvent(EventAnomalyDetected, result.SensorType, severityFor(result.Severity), result.Message)
	ev.Details["result"] = result
	return ev
}

// StateChanged announces a committed system state transition.
func StateChanged(from, to string, bucketScore float64, trigger string) *Event {
	sev := SeverityInfo
	switch to {
	case "CRITICAL":
		sev = SeverityCritical
	case "WARNING":
		sev = SeverityWarning
	}
	ev := NewEvent(EventStateChanged, "", sev, "System state changed "+from+" -> "+to)
	ev.Details["from_state"] = from
	ev.Details["to_state"] = to
	ev.Details["bucket_score"] = bucketScore
	ev.Details["trigger_type"] = trigger
	return ev
}

// ReportQueued announces a report decision handed to the dispatcher.
func ReportQueued(reason, state string, riskLevel string) *Event {
	ev := NewEvent(EventReportQueued, "", SeverityWarning, reason)
	ev.Details["current_state"] = state
	ev.Details["risk_level"] = riskLevel
	return ev
}

// ReportSent announces a delivered report.
func ReportSent(reportID, riskLevel string, affectedSensors []string) *Event {
	ev := NewEvent(EventReportSent, "", SeverityInfo, "Anomaly report "+reportID+" sent")
	ev.Details["report_id"] = reportID
	ev.Details["risk_level"] = riskLevel
	ev.Details["affected_sensors"] = affectedSensors
	return ev
}

// ConfigChanged announces a live configuration update.
func ConfigChanged(section string) *Event {
	ev := NewEvent(EventConfigChanged, "", SeverityInfo, "Configuration updated")
	ev.Details["section"] = section
	return ev
}

// SystemReset announces a full detector and reporter reset.
func SystemReset() *Event {
	return NewEvent(EventSystemReset, "", SeverityWarning, "System state reset")
}

func severityFor(s anomaly.Severity) Severity {
	switch s {
	case anomaly.SeverityHigh:
		return SeverityCritical
	case anomaly.SeverityMedium:
		return SeverityWarning
	case anomaly.SeverityLow:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
