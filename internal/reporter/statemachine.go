package reporter

import (
	"sync"
	"time"

	"anomaly-sentinel/config"
)

// transitionHistoryCapacity bounds the committed transition ring.
const transitionHistoryCapacity = 100

// PendingTransition describes a proposed state change awaiting confirmation.
type PendingTransition struct {
	Target SystemState `json:"target"`
	Since  time.Time   `json:"since"`
}

// StateMachine tracks the plant alarm state. A proposed change must hold for
// the confirmation period before it commits, and the hysteresis-adjusted
// thresholds make leaving a state harder than entering it.
type StateMachine struct {
	mu         sync.Mutex
	cfg        config.ReportingConfig
	thresholds *AdaptiveThresholds

	current     SystemState
	pending     *PendingTransition
	transitions []StateTransition

	now func() time.Time
}

// NewStateMachine returns a machine in NORMAL reading its effective
// thresholds from thr.
func NewStateMachine(cfg config.ReportingConfig, thr *AdaptiveThresholds) *StateMachine {
	return &StateMachine{
		cfg:        cfg,
		thresholds: thr,
		current:    StateNormal,
		now:        time.Now,
	}
}

// Advance evaluates one bucket score against the effective thresholds and
// returns the committed transition, or nil when the state did not change.
// anomalyCount and affected describe the anomalies behind the score and are
// recorded on the committed transition; when the distinct sensor types in
// affected reach the multi-sensor threshold the target is forced to CRITICAL
// regardless of score.
func (m *StateMachine) Advance(score float64, anomalyCount int, affected []string) *StateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	warning, critical := m.thresholds.ThresholdsFor(m.current)

	target := StateNormal
	switch {
	case score >= critical:
		target = StateCritical
	case score >= warning:
		target = StateWarning
	}

	multiSensor := false
	if len(affected) >= m.cfg.MultiSensorThreshold {
		multiSensor = target != StateCritical
		target = StateCritical
	}

	if target == m.current {
		// A pending change whose target fell back to the current state
		// was a transient; drop it.
		m.pending = nil
		return nil
	}

	if m.pending == nil || m.pending.Target != target {
		m.pending = &PendingTransition{Target: target, Since: now}
	}

	confirmation := time.Duration(m.cfg.StateTransitions.StateConfirmationSeconds) * time.Second
	if now.Sub(m.pending.Since) < confirmation {
		return nil
	}

	tr := StateTransition{
		From:            m.current,
		To:              target,
		At:              now,
		Score:           score,
		Warning:         warning,
		Critical:        critical,
		Trigger:         triggerFor(m.current, target),
		MultiSensor:     multiSensor,
		AnomalyCount:    anomalyCount,
		AffectedSensors: append([]string(nil), affected...),
	}
	m.current = target
	m.pending = nil
	m.appendTransitionLocked(tr)
	return &tr
}

// Current returns the committed state.
func (m *StateMachine) Current() SystemState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// Pending returns a copy of the unconfirmed transition, if any.
func (m *StateMachine) Pending() *PendingTransition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return nil
	}
	p := *m.pending
	return &p
}

// Transitions returns the committed transitions, oldest first.
func (m *StateMachine) Transitions() []StateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StateTransition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// Reset returns the machine to NORMAL and clears the pending change and the
// transition history.
func (m *StateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = StateNormal
	m.pending = nil
	m.transitions = nil
}

// SetConfig swaps the machine tunables. The committed state is preserved;
// callers reset explicitly when the change warrants it.
func (m *StateMachine) SetConfig(cfg config.ReportingConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg = cfg
}

func (m *StateMachine) appendTransitionLocked(tr StateTransition) {
	m.transitions = append(m.transitions, tr)
	if len(m.transitions) > transitionHistoryCapacity {
		m.transitions = m.transitions[len(m.transitions)-transitionHistoryCapacity:]
	}
}
