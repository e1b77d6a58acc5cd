package reporter

import (
	"sync"
	"time"

	"anomaly-sentinel/config"
)

// maxAdaptationSamples caps the score history regardless of sample rate.
const maxAdaptationSamples = 1000

type scoreSample struct {
	at    time.Time
	score float64
}

// AdaptiveThresholds scales the warning and critical levels with the recent
// mean bucket score, so a plant running hot does not page on every reading.
// thresholds_for applies a hysteresis margin against the current state to
// keep the state machine from flapping around a boundary.
type AdaptiveThresholds struct {
	mu      sync.Mutex
	cfg     config.AdaptiveConfig
	history []scoreSample

	currentWarning  float64
	currentCritical float64

	now func() time.Time
}

// NewAdaptiveThresholds returns thresholds pinned at the configured base
// values until enough samples arrive.
func NewAdaptiveThresholds(cfg config.AdaptiveConfig) *AdaptiveThresholds {
	return &AdaptiveThresholds{
		cfg:             cfg,
		currentWarning:  cfg.BaseWarningThreshold,
		currentCritical: cfg.BaseCriticalThreshold,
		now:             time.Now,
	}
}

// Observe records one bucket score sample and recomputes the thresholds from
// the samples inside the adaptation window.
func (a *AdaptiveThresholds) Observe(score float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = append(a.history, scoreSample{at: a.now(), score: score})
	a.recomputeLocked()
}

// Current returns the adapted warning and critical thresholds with no
// hysteresis applied.
func (a *AdaptiveThresholds) Current() (warning, critical float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.currentWarning, a.currentCritical
}

// ThresholdsFor returns the effective thresholds given the current system
// state. Leaving CRITICAL requires falling below critical*(1-margin), and
// leaving WARNING requires falling below warning*(1-margin).
func (a *AdaptiveThresholds) ThresholdsFor(state SystemState) (warning, critical float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, c := a.currentWarning, a.currentCritical
	switch state {
	case StateCritical:
		return w, c * (1 - a.cfg.HysteresisMargin)
	case StateWarning:
		return w * (1 - a.cfg.HysteresisMargin), c
	default:
		return w, c
	}
}

// Reset drops the sample history and returns to the base thresholds.
func (a *AdaptiveThresholds) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = nil
	a.currentWarning = a.cfg.BaseWarningThreshold
	a.currentCritical = a.cfg.BaseCriticalThreshold
}

// SetConfig swaps the tunables and recomputes against the kept history.
func (a *AdaptiveThresholds) SetConfig(cfg config.AdaptiveConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cfg = cfg
	a.recomputeLocked()
}

// recomputeLocked prunes stale samples and derives the current thresholds.
// Caller holds a.mu.
func (a *AdaptiveThresholds) recomputeLocked() {
	cutoff := a.now().Add(-time.Duration(a.cfg.AdaptationWindowMinutes) * time.Minute)
	idx := 0
	for idx < len(a.history) && a.history[idx].at.Before(cutoff) {
		idx++
	}
	a.history = a.history[idx:]
	if len(a.history) > maxAdaptationSamples {
		a.history = a.history[len(a.history)-maxAdaptationSamples:]
	}

	if len(a.history) < a.cfg.MinSamplesForAdaptation {
		a.currentWarning = a.cfg.BaseWarningThreshold
		a.currentCritical = a.cfg.BaseCriticalThreshold
		return
	}

	var sum float64
	for _, s := range a.history {
		sum += s.score
	}
	mean := sum / float64(len(a.history))

	factor := 1 + a.cfg.AdaptationGain*mean/a.cfg.BaseCriticalThreshold
	if factor < a.cfg.MinMultiplier {
		factor = a.cfg.MinMultiplier
	}
	if factor > a.cfg.MaxMultiplier {
		factor = a.cfg.MaxMultiplier
	}

	a.currentWarning = a.cfg.BaseWarningThreshold * factor
	a.currentCritical = a.cfg.BaseCriticalThreshold * factor
}
