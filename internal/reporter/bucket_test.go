package reporter

import (
	"testing"
	"time"

	"anomaly-sentinel/config"
)

func bucketConfig() config.LeakyBucketConfig {
	return config.LeakyBucketConfig{
		CriticalPoints:       10,
		HighPoints:           5,
		MediumPoints:         2,
		LowPoints:            1,
		DecayRatePerMinute:   1,
		DecayIntervalSeconds: 60,
		MaxBucketCapacity:    100,
	}
}

func TestLeakyBucket_AddWeights(t *testing.T) {
	clk := newFakeClock(baseTime)
	b := newTestBucket(bucketConfig(), clk)

	if got := b.Add(RiskCritical); !almostEqual(got, 10) {
		t.Fatalf("critical add = %v, want 10", got)
	}
	if got := b.Add(RiskHigh); !almostEqual(got, 15) {
		t.Fatalf("high add = %v, want 15", got)
	}
	if got := b.Add(RiskMedium); !almostEqual(got, 17) {
		t.Fatalf("medium add = %v, want 17", got)
	}
	if got := b.Add(RiskLow); !almostEqual(got, 18) {
		t.Fatalf("low add = %v, want 18", got)
	}
}

func TestLeakyBucket_CapsAtCapacity(t *testing.T) {
	clk := newFakeClock(baseTime)
	b := newTestBucket(bucketConfig(), clk)

	for i := 0; i < 15; i++ {
		b.Add(RiskCritical)
	}
	if got := b.Score(); !almostEqual(got, 100) {
		t.Fatalf("score = %v, want capped at 100", got)
	}
}

func TestLeakyBucket_DecaysAfterInterval(t *testing.T) {
	clk := newFakeClock(baseTime)
	b := newTestBucket(bucketConfig(), clk)

	b.Add(RiskCritical)
	b.Add(RiskCritical)

	clk.Advance(90 * time.Second)
	if got := b.Score(); !almostEqual(got, 18.5) {
		t.Fatalf("score after 90s = %v, want 18.5", got)
	}

	// Less than one interval since the last decay, nothing bleeds off.
	clk.Advance(30 * time.Second)
	if got := b.Score(); !almostEqual(got, 18.5) {
		t.Fatalf("score after sub-interval = %v, want 18.5", got)
	}
}

func TestLeakyBucket_NoDecayWithinInterval(t *testing.T) {
	clk := newFakeClock(baseTime)
	b := newTestBucket(bucketConfig(), clk)

	b.Add(RiskCritical)
	clk.Advance(59 * time.Second)
	if got := b.Score(); !almostEqual(got, 10) {
		t.Fatalf("score = %v, want 10 before the interval elapses", got)
	}
}

func TestLeakyBucket_DecayClampsAtZero(t *testing.T) {
	clk := newFakeClock(baseTime)
	b := newTestBucket(bucketConfig(), clk)

	b.Add(RiskMedium)
	clk.Advance(10 * time.Minute)
	if got := b.Score(); got != 0 {
		t.Fatalf("score = %v, want 0", got)
	}
}

func TestLeakyBucket_Reset(t *testing.T) {
	clk := newFakeClock(baseTime)
	b := newTestBucket(bucketConfig(), clk)

	b.Add(RiskCritical)
	clk.Advance(5 * time.Minute)
	b.Reset()

	if got := b.Score(); got != 0 {
		t.Fatalf("score after reset = %v, want 0", got)
	}

	// The decay clock restarts on reset, so a fresh add is not eaten by
	// the elapsed gap.
	clk.Advance(10 * time.Minute)
	if got := b.Add(RiskCritical); !almostEqual(got, 10) {
		t.Fatalf("add after reset = %v, want 10", got)
	}
}
