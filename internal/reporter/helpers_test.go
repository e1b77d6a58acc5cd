package reporter

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/config"
)

// fakeClock is a manually advanced time source shared by the pipeline
// components under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// baseTime is a Monday at 09:00, inside the default working hours.
var baseTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func testReportingConfig() config.ReportingConfig {
	return config.ReportingConfig{
		Enabled:              true,
		AnomalyWindowMinutes: 5,
		MultiSensorThreshold: 3,
		WorkingHoursStart:    8,
		WorkingHoursEnd:      18,
		LeakyBucket: config.LeakyBucketConfig{
			CriticalPoints:       15,
			HighPoints:           5,
			MediumPoints:         2,
			LowPoints:            1,
			DecayRatePerMinute:   30,
			DecayIntervalSeconds: 60,
			MaxBucketCapacity:    100,
		},
		AdaptiveThresholds: config.AdaptiveConfig{
			BaseWarningThreshold:    20,
			BaseCriticalThreshold:   30,
			AdaptationWindowMinutes: 60,
			MinSamplesForAdaptation: 50,
			MinMultiplier:           0.5,
			MaxMultiplier:           2.0,
			AdaptationGain:          0.3,
			HysteresisMargin:        0.2,
		},
		StateTransitions: config.StateTransitionConfig{
			StateConfirmationSeconds: 0,
			ReportOnWarningEntry:     true,
			ReportOnCriticalEntry:    true,
			ReportOnCriticalExit:     true,
			ReportOnNormalReturn:     false,
		},
	}
}

func newTestReporter(cfg config.ReportingConfig, clk *fakeClock) *AutoReporter {
	r := New(cfg, nil, zap.NewNop())
	r.now = clk.Now
	r.bucket.now = clk.Now
	r.bucket.lastDecay = clk.Now()
	r.thresholds.now = clk.Now
	r.machine.now = clk.Now
	return r
}

func newTestBucket(cfg config.LeakyBucketConfig, clk *fakeClock) *LeakyBucket {
	b := NewLeakyBucket(cfg)
	b.now = clk.Now
	b.lastDecay = clk.Now()
	return b
}

func anomalousResult(sensorType string, z float64, sev anomaly.Severity) *anomaly.Result {
	return &anomaly.Result{
		IsAnomaly:    true,
		SensorType:   sensorType,
		CurrentValue: 100,
		Mean:         50,
		StdDev:       10,
		ZScore:       z,
		Threshold:    2.0,
		Timestamp:    baseTime,
		Severity:     sev,
		SystemStatus: anomaly.StatusActive,
		WindowSize:   50,
		Message:      "test anomaly",
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
