package reporter

import (
	"testing"
	"time"

	"anomaly-sentinel/config"
)

func newTestMachine(cfg config.ReportingConfig, clk *fakeClock) (*StateMachine, *AdaptiveThresholds) {
	thr := NewAdaptiveThresholds(cfg.AdaptiveThresholds)
	thr.now = clk.Now
	m := NewStateMachine(cfg, thr)
	m.now = clk.Now
	return m, thr
}

func TestStateMachine_ConfirmationDelaysCommit(t *testing.T) {
	cfg := testReportingConfig()
	cfg.AdaptiveThresholds.BaseWarningThreshold = 15
	cfg.StateTransitions.StateConfirmationSeconds = 30
	clk := newFakeClock(baseTime)
	m, _ := newTestMachine(cfg, clk)

	if tr := m.Advance(20, 1, []string{"t"}); tr != nil {
		t.Fatalf("committed before confirmation: %+v", tr)
	}
	if p := m.Pending(); p == nil || p.Target != StateWarning {
		t.Fatalf("pending = %+v, want WARNING", p)
	}

	clk.Advance(30 * time.Second)
	tr := m.Advance(20, 1, []string{"t"})
	if tr == nil || tr.From != StateNormal || tr.To != StateWarning {
		t.Fatalf("transition = %+v, want NORMAL -> WARNING", tr)
	}
	if tr.Trigger != TriggerWarningEntry {
		t.Fatalf("trigger = %s, want warning_entry", tr.Trigger)
	}
}

func TestStateMachine_PendingRestartsOnTargetChange(t *testing.T) {
	cfg := testReportingConfig()
	cfg.AdaptiveThresholds.BaseWarningThreshold = 15
	cfg.StateTransitions.StateConfirmationSeconds = 30
	clk := newFakeClock(baseTime)
	m, _ := newTestMachine(cfg, clk)

	m.Advance(20, 1, []string{"t"}) // pending WARNING
	clk.Advance(20 * time.Second)

	if tr := m.Advance(35, 1, []string{"t"}); tr != nil {
		t.Fatalf("committed on target change: %+v", tr)
	}
	clk.Advance(20 * time.Second)
	// 40s since the first proposal but only 20s since the CRITICAL one.
	if tr := m.Advance(35, 1, []string{"t"}); tr != nil {
		t.Fatalf("committed before restarted timer elapsed: %+v", tr)
	}

	clk.Advance(10 * time.Second)
	tr := m.Advance(35, 1, []string{"t"})
	if tr == nil || tr.From != StateNormal || tr.To != StateCritical {
		t.Fatalf("transition = %+v, want NORMAL -> CRITICAL", tr)
	}
}

func TestStateMachine_TransientSpikeRejected(t *testing.T) {
	cfg := testReportingConfig()
	cfg.AdaptiveThresholds.BaseWarningThreshold = 15
	cfg.StateTransitions.StateConfirmationSeconds = 30
	clk := newFakeClock(baseTime)
	m, _ := newTestMachine(cfg, clk)

	m.Advance(20, 1, []string{"t"}) // pending WARNING
	if tr := m.Advance(5, 1, []string{"t"}); tr != nil {
		t.Fatalf("transient committed: %+v", tr)
	}
	if p := m.Pending(); p != nil {
		t.Fatalf("pending = %+v, want cancelled", p)
	}

	// A later proposal confirms on its own timer, not the stale one.
	clk.Advance(40 * time.Second)
	if tr := m.Advance(20, 1, []string{"t"}); tr != nil {
		t.Fatalf("committed without fresh confirmation: %+v", tr)
	}
	if m.Current() != StateNormal {
		t.Fatalf("state = %s, want NORMAL", m.Current())
	}
}

func TestStateMachine_HysteresisHoldsCritical(t *testing.T) {
	cfg := testReportingConfig()
	cfg.AdaptiveThresholds.BaseWarningThreshold = 15
	cfg.AdaptiveThresholds.BaseCriticalThreshold = 40
	cfg.StateTransitions.StateConfirmationSeconds = 30
	clk := newFakeClock(baseTime)
	m, _ := newTestMachine(cfg, clk)

	// Enter CRITICAL at the boundary score.
	m.Advance(40, 1, []string{"t"})
	clk.Advance(30 * time.Second)
	tr := m.Advance(40, 1, []string{"t"})
	if tr == nil || tr.To != StateCritical {
		t.Fatalf("transition = %+v, want commit to CRITICAL", tr)
	}

	// With margin 0.2 the exit threshold is 32, so 35 holds the state.
	if tr := m.Advance(35, 1, []string{"t"}); tr != nil {
		t.Fatalf("unexpected transition at 35: %+v", tr)
	}
	if m.Current() != StateCritical {
		t.Fatalf("state = %s, want CRITICAL", m.Current())
	}

	// 30 falls below 32 and confirms down to WARNING.
	if tr := m.Advance(30, 1, []string{"t"}); tr != nil {
		t.Fatalf("committed before confirmation: %+v", tr)
	}
	clk.Advance(30 * time.Second)
	tr = m.Advance(30, 1, []string{"t"})
	if tr == nil || tr.From != StateCritical || tr.To != StateWarning {
		t.Fatalf("transition = %+v, want CRITICAL -> WARNING", tr)
	}
	if tr.Trigger != TriggerCriticalExit {
		t.Fatalf("trigger = %s, want critical_exit", tr.Trigger)
	}
}

func TestStateMachine_MultiSensorForcesCritical(t *testing.T) {
	cfg := testReportingConfig()
	cfg.MultiSensorThreshold = 2
	cfg.AdaptiveThresholds.BaseWarningThreshold = 15
	cfg.AdaptiveThresholds.BaseCriticalThreshold = 40
	clk := newFakeClock(baseTime)
	m, _ := newTestMachine(cfg, clk)

	tr := m.Advance(20, 2, []string{"a", "b"})
	if tr == nil || tr.To != StateCritical {
		t.Fatalf("transition = %+v, want forced CRITICAL", tr)
	}
	if !tr.MultiSensor {
		t.Fatal("transition not flagged as multi-sensor")
	}
	if tr.Trigger != TriggerCriticalEntry {
		t.Fatalf("trigger = %s, want critical_entry", tr.Trigger)
	}
}

func TestStateMachine_MultiSensorFlagOnlyWhenForced(t *testing.T) {
	cfg := testReportingConfig()
	cfg.MultiSensorThreshold = 2
	clk := newFakeClock(baseTime)
	m, _ := newTestMachine(cfg, clk)

	// Score alone already targets CRITICAL; the flag stays clear.
	tr := m.Advance(50, 2, []string{"a", "b"})
	if tr == nil || tr.To != StateCritical {
		t.Fatalf("transition = %+v, want CRITICAL", tr)
	}
	if tr.MultiSensor {
		t.Fatal("multi-sensor flag set for a score-driven transition")
	}
}

func TestStateMachine_TransitionCarriesDecisionContext(t *testing.T) {
	cfg := testReportingConfig()
	clk := newFakeClock(baseTime)
	m, _ := newTestMachine(cfg, clk)

	tr := m.Advance(35, 4, []string{"a", "b"})
	if tr == nil || tr.To != StateCritical {
		t.Fatalf("transition = %+v, want commit to CRITICAL", tr)
	}
	if !almostEqual(tr.Warning, 20) || !almostEqual(tr.Critical, 30) {
		t.Fatalf("thresholds = %v/%v, want 20/30", tr.Warning, tr.Critical)
	}
	if tr.AnomalyCount != 4 {
		t.Fatalf("anomaly count = %d, want 4", tr.AnomalyCount)
	}
	if len(tr.AffectedSensors) != 2 || tr.AffectedSensors[0] != "a" || tr.AffectedSensors[1] != "b" {
		t.Fatalf("affected sensors = %v, want [a b]", tr.AffectedSensors)
	}
}

func TestStateMachine_TransitionHistoryCapped(t *testing.T) {
	cfg := testReportingConfig()
	cfg.AdaptiveThresholds.BaseWarningThreshold = 15
	clk := newFakeClock(baseTime)
	m, _ := newTestMachine(cfg, clk)

	for i := 0; i < 250; i++ {
		score := 20.0
		if i%2 == 1 {
			score = 0
		}
		if tr := m.Advance(score, 1, []string{"t"}); tr == nil {
			t.Fatalf("iteration %d: expected a commit", i)
		}
	}

	if got := len(m.Transitions()); got != transitionHistoryCapacity {
		t.Fatalf("history length = %d, want %d", got, transitionHistoryCapacity)
	}
}

func TestStateMachine_Reset(t *testing.T) {
	cfg := testReportingConfig()
	clk := newFakeClock(baseTime)
	m, _ := newTestMachine(cfg, clk)

	m.Advance(50, 1, []string{"t"})
	m.Reset()

	if m.Current() != StateNormal {
		t.Fatalf("state = %s, want NORMAL", m.Current())
	}
	if m.Pending() != nil {
		t.Fatal("pending survived reset")
	}
	if len(m.Transitions()) != 0 {
		t.Fatal("transition history survived reset")
	}
}
