package reporter

import (
	"math"
	"time"

	"anomaly-sentinel/anomaly"
)

// RiskLevel grades buffered anomalies and report decisions.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// SystemState is the plant-level alarm state derived from the risk bucket.
type SystemState string

const (
	StateNormal   SystemState = "NORMAL"
	StateWarning  SystemState = "WARNING"
	StateCritical SystemState = "CRITICAL"
)

// TriggerType names the state machine edge that produced a decision.
type TriggerType string

const (
	TriggerCriticalEntry TriggerType = "critical_entry"
	TriggerWarningEntry  TriggerType = "warning_entry"
	TriggerCriticalExit  TriggerType = "critical_exit"
	TriggerNormalReturn  TriggerType = "normal_return"
	TriggerMultiSensor   TriggerType = "multi_sensor"
)

// BufferedAnomaly is one anomalous result retained in the reporter window.
type BufferedAnomaly struct {
	Result   anomaly.Result `json:"result"`
	Severity RiskLevel      `json:"severity"`
	AddedAt  time.Time      `json:"added_at"`
}

// StateTransition records one committed state change, with the effective
// thresholds and the anomaly context it was decided against.
type StateTransition struct {
	From            SystemState `json:"from_state"`
	To              SystemState `json:"to_state"`
	At              time.Time   `json:"timestamp"`
	Score           float64     `json:"bucket_score"`
	Warning         float64     `json:"warning_threshold"`
	Critical        float64     `json:"critical_threshold"`
	Trigger         TriggerType `json:"trigger_type"`
	MultiSensor     bool        `json:"multi_sensor"`
	AnomalyCount    int         `json:"anomaly_count"`
	AffectedSensors []string    `json:"affected_sensors,omitempty"`
}

// ReportDecision instructs the dispatcher to assemble and send a report.
type ReportDecision struct {
	ShouldReport      bool             `json:"should_report"`
	Reason            string           `json:"reason"`
	RiskLevel         RiskLevel        `json:"risk_level"`
	TriggerType       TriggerType      `json:"trigger_type"`
	CurrentState      SystemState      `json:"current_state"`
	PreviousState     SystemState      `json:"previous_state"`
	BucketScore       float64          `json:"bucket_score"`
	WarningThreshold  float64          `json:"warning_threshold"`
	CriticalThreshold float64          `json:"critical_threshold"`
	Anomalies         []anomaly.Result `json:"anomalies"`
	AffectedSensors   []string         `json:"affected_sensors"`
	DecidedAt         time.Time        `json:"decided_at"`
}

// riskRank orders risk levels for comparisons and recipient filtering.
func riskRank(r RiskLevel) int {
	switch r {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// severityBucket grades an anomaly by |z|, lifted to the detector's own
// severity when that is higher.
func severityBucket(result *anomaly.Result) RiskLevel {
	z := math.Abs(result.ZScore)

	var level RiskLevel
	switch {
	case z > 4:
		level = RiskCritical
	case z > 3.5:
		level = RiskHigh
	case z > 2.5:
		level = RiskMedium
	default:
		level = RiskLow
	}

	if own := detectorRisk(result.Severity); riskRank(own) > riskRank(level) {
		level = own
	}
	return level
}

func detectorRisk(s anomaly.Severity) RiskLevel {
	switch s {
	case anomaly.SeverityHigh:
		return RiskHigh
	case anomaly.SeverityMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// riskForState maps a committed state to the decision's risk level.
func riskForState(state SystemState) RiskLevel {
	switch state {
	case StateCritical:
		return RiskCritical
	case StateWarning:
		return RiskHigh
	default:
		return RiskLow
	}
}

// triggerFor names the edge of a committed transition.
func triggerFor(from, to SystemState) TriggerType {
	switch to {
	case StateCritical:
		return TriggerCriticalEntry
	case StateWarning:
		if from == StateCritical {
			return TriggerCriticalExit
		}
		return TriggerWarningEntry
	default:
		return TriggerNormalReturn
	}
}
