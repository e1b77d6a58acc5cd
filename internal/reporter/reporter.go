package reporter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/config"
	"anomaly-sentinel/metrics"
)

// bufferCapacity bounds the retained anomaly ring.
const bufferCapacity = 1000

// AutoReporter decides when an anomaly stream warrants a report. Every
// anomalous result feeds the leaky bucket, the bucket score drives the state
// machine, and committed state changes become report decisions unless a
// cooldown, the working-hours gate, or an in-flight report suppresses them.
type AutoReporter struct {
	mu  sync.Mutex
	cfg config.ReportingConfig

	bucket     *LeakyBucket
	thresholds *AdaptiveThresholds
	machine    *StateMachine

	buffer        []BufferedAnomaly
	lastReport    map[SystemState]time.Time
	reportPending bool

	totalProcessed    int64
	reportsSent       int64
	skippedCooldown   int64
	skippedOffhours   int64
	dispatchFailures  int64
	lastReportSent    time.Time
	lastDispatchError string

	metrics *metrics.SentinelMetrics
	logger  *zap.Logger
	now     func() time.Time
}

// Status is the reporter snapshot served by the status endpoint.
type Status struct {
	Enabled                 bool                   `json:"enabled"`
	CurrentState            SystemState            `json:"current_state"`
	PendingState            *PendingTransition     `json:"pending_state,omitempty"`
	BucketScore             float64                `json:"bucket_score"`
	WarningThreshold        float64                `json:"warning_threshold"`
	CriticalThreshold       float64                `json:"critical_threshold"`
	ReportPending           bool                   `json:"report_pending"`
	BufferSize              int                    `json:"buffer_size"`
	AffectedSensors         []string               `json:"affected_sensors"`
	TotalAnomaliesProcessed int64                  `json:"total_anomalies_processed"`
	ReportsSent             int64                  `json:"reports_sent"`
	ReportsSkippedCooldown  int64                  `json:"reports_skipped_cooldown"`
	ReportsSkippedOffhours  int64                  `json:"reports_skipped_offhours"`
	DispatchFailures        int64                  `json:"dispatch_failures"`
	LastReportSent          string                 `json:"last_report_sent,omitempty"`
	LastDispatchError       string                 `json:"last_dispatch_error,omitempty"`
	RecentTransitions       []StateTransition      `json:"recent_transitions"`
	Config                  config.ReportingConfig `json:"config"`
}

// New returns an idle reporter in NORMAL state. m may be nil.
func New(cfg config.ReportingConfig, m *metrics.SentinelMetrics, logger *zap.Logger) *AutoReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	thr := NewAdaptiveThresholds(cfg.AdaptiveThresholds)
	return &AutoReporter{
		cfg:        cfg,
		bucket:     NewLeakyBucket(cfg.LeakyBucket),
		thresholds: thr,
		machine:    NewStateMachine(cfg, thr),
		lastReport: make(map[SystemState]time.Time),
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Observe feeds one detection result through the risk pipeline. It returns a
// decision when a committed state change should produce a report, nil
// otherwise. Non-anomalous results are ignored.
func (r *AutoReporter) Observe(result *anomaly.Result) *ReportDecision {
	if result == nil || !result.IsAnomaly {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cfg.Enabled {
		return nil
	}

	now := r.now()
	r.totalProcessed++

	severity := severityBucket(result)
	r.buffer = append(r.buffer, BufferedAnomaly{Result: *result, Severity: severity, AddedAt: now})
	if len(r.buffer) > bufferCapacity {
		r.buffer = r.buffer[len(r.buffer)-bufferCapacity:]
	}

	score := r.bucket.Add(severity)
	r.thresholds.Observe(score)
	r.metrics.SetBucketScore(score)

	recent, affected := r.recentLocked(now)
	tr := r.machine.Advance(score, len(recent), affected)
	r.metrics.SetSystemState(string(r.machine.Current()))
	if tr == nil {
		return nil
	}

	r.logger.Info("State transition committed",
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.Float64("bucket_score", score),
		zap.Bool("multi_sensor", tr.MultiSensor))

	if !r.edgeConfigured(tr.Trigger) {
		r.metrics.RecordReportSkipped("edge_disabled")
		r.logger.Debug("Transition edge not configured for reporting",
			zap.String("trigger", string(tr.Trigger)))
		return nil
	}

	if last, ok := r.lastReport[tr.To]; ok {
		cooldown := time.Duration(r.cooldownMinutesFor(tr.To)) * time.Minute
		if now.Sub(last) < cooldown {
			r.skippedCooldown++
			r.metrics.RecordReportSkipped("cooldown")
			r.logger.Info("Report suppressed by cooldown",
				zap.String("state", string(tr.To)),
				zap.Duration("remaining", cooldown-now.Sub(last)))
			return nil
		}
	}

	if r.cfg.WorkingHoursOnly && !withinWorkingHours(now, r.cfg.WorkingHoursStart, r.cfg.WorkingHoursEnd) {
		r.skippedOffhours++
		r.metrics.RecordReportSkipped("working_hours")
		r.logger.Info("Report suppressed outside working hours",
			zap.Int("hour", now.Hour()))
		return nil
	}

	if r.reportPending {
		r.metrics.RecordReportSkipped("pending")
		r.logger.Debug("Report already pending, decision dropped")
		return nil
	}
	r.reportPending = true

	warning, critical := r.thresholds.Current()
	reason := fmt.Sprintf("System state changed %s -> %s (bucket score %.1f, warning %.1f, critical %.1f)",
		tr.From, tr.To, score, warning, critical)
	if tr.MultiSensor {
		reason += fmt.Sprintf("; escalated by anomalies across %d sensor types", len(affected))
	}

	return &ReportDecision{
		ShouldReport:      true,
		Reason:            reason,
		RiskLevel:         riskForState(tr.To),
		TriggerType:       tr.Trigger,
		CurrentState:      tr.To,
		PreviousState:     tr.From,
		BucketScore:       score,
		WarningThreshold:  warning,
		CriticalThreshold: critical,
		Anomalies:         recent,
		AffectedSensors:   affected,
		DecidedAt:         now,
	}
}

// MarkReportTriggered records a successfully sent report for the given state
// and releases the pending flag.
func (r *AutoReporter) MarkReportTriggered(state SystemState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.lastReport[state] = now
	r.reportsSent++
	r.lastReportSent = now
	r.reportPending = false

	r.logger.Info("Report marked as sent",
		zap.String("state", string(state)),
		zap.Int64("reports_sent", r.reportsSent))
}

// ReportFailed releases the pending flag after a dispatch failure so the next
// qualifying transition can try again. No cooldown is recorded.
func (r *AutoReporter) ReportFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reportPending = false
	r.dispatchFailures++
	if err != nil {
		r.lastDispatchError = err.Error()
	}

	r.logger.Warn("Report dispatch failed", zap.Error(err))
}

// Status snapshots the reporter for the status endpoint.
func (r *AutoReporter) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	score := r.bucket.Score()
	warning, critical := r.thresholds.Current()
	_, affected := r.recentLocked(r.now())

	st := Status{
		Enabled:                 r.cfg.Enabled,
		CurrentState:            r.machine.Current(),
		PendingState:            r.machine.Pending(),
		BucketScore:             score,
		WarningThreshold:        warning,
		CriticalThreshold:       critical,
		ReportPending:           r.reportPending,
		BufferSize:              len(r.buffer),
		AffectedSensors:         affected,
		TotalAnomaliesProcessed: r.totalProcessed,
		ReportsSent:             r.reportsSent,
		ReportsSkippedCooldown:  r.skippedCooldown,
		ReportsSkippedOffhours:  r.skippedOffhours,
		DispatchFailures:        r.dispatchFailures,
		LastDispatchError:       r.lastDispatchError,
		RecentTransitions:       r.machine.Transitions(),
		Config:                  r.cfg,
	}
	if !r.lastReportSent.IsZero() {
		st.LastReportSent = r.lastReportSent.Format(time.RFC3339)
	}
	return st
}

// CurrentState returns the committed alarm state.
func (r *AutoReporter) CurrentState() SystemState {
	return r.machine.Current()
}

// LastTransition returns the most recent committed transition, nil when the
// machine has never left NORMAL.
func (r *AutoReporter) LastTransition() *StateTransition {
	trs := r.machine.Transitions()
	if len(trs) == 0 {
		return nil
	}
	tr := trs[len(trs)-1]
	return &tr
}

// Buffered returns a copy of the retained anomaly ring, oldest first.
func (r *AutoReporter) Buffered() []BufferedAnomaly {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BufferedAnomaly, len(r.buffer))
	copy(out, r.buffer)
	return out
}

// ClearBuffer drops the retained anomalies and empties the bucket. Returns
// the number of entries removed.
func (r *AutoReporter) ClearBuffer() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.buffer)
	r.buffer = nil
	r.bucket.Reset()
	r.metrics.SetBucketScore(0)

	r.logger.Info("Anomaly buffer cleared", zap.Int("removed", n))
	return n
}

// Reset returns the whole risk pipeline to its initial state. Counters are
// preserved.
func (r *AutoReporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = nil
	r.reportPending = false
	r.lastReport = make(map[SystemState]time.Time)
	r.bucket.Reset()
	r.thresholds.Reset()
	r.machine.Reset()
	r.metrics.SetBucketScore(0)
	r.metrics.SetSystemState(string(StateNormal))

	r.logger.Info("Auto-reporter reset")
}

// UpdateConfig applies new reporting settings. Changing the bucket weights or
// decay resets the bucket, and changing the confirmation period or the
// multi-sensor threshold resets the state machine; threshold-only changes
// keep the accumulated state.
func (r *AutoReporter) UpdateConfig(cfg config.ReportingConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucketChanged := cfg.LeakyBucket != r.cfg.LeakyBucket
	machineChanged := cfg.StateTransitions.StateConfirmationSeconds != r.cfg.StateTransitions.StateConfirmationSeconds ||
		cfg.MultiSensorThreshold != r.cfg.MultiSensorThreshold

	r.cfg = cfg
	r.bucket.SetConfig(cfg.LeakyBucket)
	if bucketChanged {
		r.bucket.Reset()
	}
	r.thresholds.SetConfig(cfg.AdaptiveThresholds)
	r.machine.SetConfig(cfg)
	if machineChanged {
		r.machine.Reset()
	}

	r.logger.Info("Reporting config updated",
		zap.Bool("bucket_reset", bucketChanged),
		zap.Bool("state_machine_reset", machineChanged))
}

// Config returns the active reporting settings.
func (r *AutoReporter) Config() config.ReportingConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cfg
}

// recentLocked returns the buffered results inside the anomaly window and the
// sorted distinct sensor types among them. Caller holds r.mu.
func (r *AutoReporter) recentLocked(now time.Time) ([]anomaly.Result, []string) {
	cutoff := now.Add(-time.Duration(r.cfg.AnomalyWindowMinutes) * time.Minute)

	var results []anomaly.Result
	seen := make(map[string]struct{})
	for _, e := range r.buffer {
		if e.AddedAt.Before(cutoff) {
			continue
		}
		results = append(results, e.Result)
		seen[e.Result.SensorType] = struct{}{}
	}

	sensors := make([]string, 0, len(seen))
	for s := range seen {
		sensors = append(sensors, s)
	}
	sort.Strings(sensors)
	return results, sensors
}

func (r *AutoReporter) edgeConfigured(t TriggerType) bool {
	st := r.cfg.StateTransitions
	switch t {
	case TriggerWarningEntry:
		return st.ReportOnWarningEntry
	case TriggerCriticalEntry, TriggerMultiSensor:
		return st.ReportOnCriticalEntry
	case TriggerCriticalExit:
		return st.ReportOnCriticalExit
	case TriggerNormalReturn:
		return st.ReportOnNormalReturn
	default:
		return false
	}
}

func (r *AutoReporter) cooldownMinutesFor(state SystemState) int {
	switch state {
	case StateCritical:
		return r.cfg.CriticalCooldownMinutes
	case StateWarning:
		return r.cfg.WarningCooldownMinutes
	default:
		return r.cfg.NormalCooldownMinutes
	}
}

func withinWorkingHours(now time.Time, start, end int) bool {
	hour := now.Hour()
	return start <= hour && hour < end
}
