package reporter

import (
	"sync"
	"time"

	"anomaly-sentinel/config"
)

// LeakyBucket accumulates weighted anomaly points and bleeds them off at a
// fixed rate, so the score tracks sustained trouble rather than lone spikes.
type LeakyBucket struct {
	mu        sync.Mutex
	cfg       config.LeakyBucketConfig
	score     float64
	lastDecay time.Time

	now func() time.Time
}

// NewLeakyBucket returns an empty bucket configured with cfg.
func NewLeakyBucket(cfg config.LeakyBucketConfig) *LeakyBucket {
	b := &LeakyBucket{cfg: cfg, now: time.Now}
	b.lastDecay = b.now()
	return b
}

// Add decays the bucket, then credits points for one anomaly of the given
// severity. Returns the resulting score.
func (b *LeakyBucket) Add(severity RiskLevel) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.decayLocked()
	b.score += b.weightFor(severity)
	if b.score > b.cfg.MaxBucketCapacity {
		b.score = b.cfg.MaxBucketCapacity
	}
	return b.score
}

// Score decays the bucket and returns the current value.
func (b *LeakyBucket) Score() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.decayLocked()
	return b.score
}

// Reset empties the bucket and restarts the decay clock.
func (b *LeakyBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.score = 0
	b.lastDecay = b.now()
}

// SetConfig swaps the bucket tunables. The accumulated score is preserved;
// callers reset explicitly when the change warrants it.
func (b *LeakyBucket) SetConfig(cfg config.LeakyBucketConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cfg = cfg
}

// decayLocked bleeds off decay_rate_per_minute for the time elapsed since the
// last decay, once at least one decay interval has passed. Caller holds b.mu.
func (b *LeakyBucket) decayLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastDecay)
	if elapsed < time.Duration(b.cfg.DecayIntervalSeconds)*time.Second {
		return
	}

	b.score -= b.cfg.DecayRatePerMinute * elapsed.Minutes()
	if b.score < 0 {
		b.score = 0
	}
	b.lastDecay = now
}

func (b *LeakyBucket) weightFor(severity RiskLevel) float64 {
	switch severity {
	case RiskCritical:
		return b.cfg.CriticalPoints
	case RiskHigh:
		return b.cfg.HighPoints
	case RiskMedium:
		return b.cfg.MediumPoints
	default:
		return b.cfg.LowPoints
	}
}
