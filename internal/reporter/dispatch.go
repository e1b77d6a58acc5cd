package reporter

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/metrics"
)

const (
	// queueCapacity bounds the dispatch queue; overflow drops the oldest.
	queueCapacity = 32
	// recentReportsCapacity bounds the kept report history.
	recentReportsCapacity = 20
	// dispatchTimeout bounds one narrate-and-deliver cycle. A hung SMTP
	// host or narrative model must fail the decision, not wedge the worker
	// with report_pending held.
	dispatchTimeout = 30 * time.Second
)

// Report is the assembled payload handed to the mailer.
type Report struct {
	ID              string           `json:"report_id"`
	GeneratedAt     time.Time        `json:"generated_at"`
	PeriodStart     time.Time        `json:"period_start"`
	PeriodEnd       time.Time        `json:"period_end"`
	Reason          string           `json:"reason"`
	RiskLevel       RiskLevel        `json:"risk_level"`
	TriggerType     TriggerType      `json:"trigger_type"`
	CurrentState    SystemState      `json:"current_state"`
	PreviousState   SystemState      `json:"previous_state"`
	BucketScore     float64          `json:"bucket_score"`
	Anomalies       []anomaly.Result `json:"anomalies"`
	AffectedSensors []string         `json:"affected_sensors"`
	Narrative       string           `json:"narrative"`
}

// Mailer delivers an assembled report.
type Mailer interface {
	Send(ctx context.Context, report *Report) error
}

// NarrativeGenerator produces the report body text. An error falls back to
// the deterministic summary.
type NarrativeGenerator interface {
	Generate(ctx context.Context, report *Report) (string, error)
}

// Dispatcher turns report decisions into mailed reports on a worker
// goroutine, so ingest never blocks on SMTP or the narrative model. Mail
// delivery runs behind a circuit breaker; a failed dispatch releases the
// reporter's pending flag and is not retried.
type Dispatcher struct {
	// OnSent, when set before Start, observes every delivered report.
	OnSent func(*Report)

	reporter  *AutoReporter
	mailer    Mailer
	narrative NarrativeGenerator
	breaker   *gobreaker.CircuitBreaker
	metrics   *metrics.SentinelMetrics

	queue  chan *ReportDecision
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	recent  []Report
	dropped int64

	logger  *zap.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewDispatcher wires a dispatcher to the reporter it serves. mailer,
// narrative and m may be nil; a nil mailer stores reports without sending.
func NewDispatcher(rep *AutoReporter, mailer Mailer, narrative NarrativeGenerator, m *metrics.SentinelMetrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		reporter:  rep,
		mailer:    mailer,
		narrative: narrative,
		metrics:   m,
		queue:     make(chan *ReportDecision, queueCapacity),
		logger:    logger,
		now:       time.Now,
		timeout:   dispatchTimeout,
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "report-mail",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Mail circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return d
}

// Start launches the worker goroutine. It exits when ctx is cancelled or
// Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.run(runCtx)
}

// Stop terminates the worker and waits for the in-flight report to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Enqueue hands a decision to the worker. When the queue is full the oldest
// queued decision is dropped and recorded as a failed report.
func (d *Dispatcher) Enqueue(dec *ReportDecision) {
	if dec == nil || !dec.ShouldReport {
		return
	}

	select {
	case d.queue <- dec:
		d.metrics.SetDispatchQueueDepth(len(d.queue))
		return
	default:
	}

	select {
	case old := <-d.queue:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.metrics.RecordDispatchDropped()
		d.reporter.ReportFailed(fmt.Errorf("dispatch queue full, decision %s dropped", old.TriggerType))
		d.logger.Warn("Dispatch queue full, dropped oldest decision",
			zap.String("dropped_trigger", string(old.TriggerType)))
	default:
	}

	select {
	case d.queue <- dec:
	default:
		d.metrics.RecordDispatchDropped()
		d.reporter.ReportFailed(fmt.Errorf("dispatch queue full, decision %s dropped", dec.TriggerType))
	}
	d.metrics.SetDispatchQueueDepth(len(d.queue))
}

// Recent returns the kept reports, newest first.
func (d *Dispatcher) Recent() []Report {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Report, len(d.recent))
	for i, r := range d.recent {
		out[len(d.recent)-1-i] = r
	}
	return out
}

// Dropped returns the number of decisions lost to queue overflow.
func (d *Dispatcher) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dropped
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case dec := <-d.queue:
			d.metrics.SetDispatchQueueDepth(len(d.queue))
			// Errors are already recorded on the reporter; the queue
			// path has no caller to hand them to.
			_, _ = d.process(ctx, dec)
		}
	}
}

// process assembles and delivers one report under its own deadline.
func (d *Dispatcher) process(ctx context.Context, dec *ReportDecision) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	report := d.assemble(dec)

	if d.narrative != nil {
		text, err := d.narrative.Generate(ctx, report)
		if err != nil {
			d.logger.Warn("Narrative generation failed, using summary", zap.Error(err))
			report.Narrative = FallbackNarrative(report)
		} else {
			report.Narrative = text
		}
	} else {
		report.Narrative = FallbackNarrative(report)
	}

	if err := d.deliver(ctx, report); err != nil {
		d.metrics.RecordMailFailure()
		d.reporter.ReportFailed(err)
		return nil, err
	}

	d.reporter.MarkReportTriggered(dec.CurrentState)
	d.keep(report)
	d.metrics.RecordReportSent(string(report.TriggerType))
	if d.OnSent != nil {
		d.OnSent(report)
	}

	d.logger.Info("Report dispatched",
		zap.String("report_id", report.ID),
		zap.String("risk_level", string(report.RiskLevel)),
		zap.Int("anomalies", len(report.Anomalies)))
	return report, nil
}

func (d *Dispatcher) assemble(dec *ReportDecision) *Report {
	now := d.now()
	end := dec.DecidedAt
	if end.IsZero() {
		end = now
	}
	window := time.Duration(d.reporter.Config().AnomalyWindowMinutes) * time.Minute

	return &Report{
		ID:              "RPT-" + now.Format("20060102150405"),
		GeneratedAt:     now,
		PeriodStart:     end.Add(-window),
		PeriodEnd:       end,
		Reason:          dec.Reason,
		RiskLevel:       dec.RiskLevel,
		TriggerType:     dec.TriggerType,
		CurrentState:    dec.CurrentState,
		PreviousState:   dec.PreviousState,
		BucketScore:     dec.BucketScore,
		Anomalies:       dec.Anomalies,
		AffectedSensors: dec.AffectedSensors,
	}
}

func (d *Dispatcher) deliver(ctx context.Context, report *Report) error {
	if d.mailer == nil {
		d.logger.Info("Mailer disabled, report stored only", zap.String("report_id", report.ID))
		return nil
	}

	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.mailer.Send(ctx, report)
	})
	return err
}

func (d *Dispatcher) keep(report *Report) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.recent = append(d.recent, *report)
	if len(d.recent) > recentReportsCapacity {
		d.recent = d.recent[len(d.recent)-recentReportsCapacity:]
	}
}

// FallbackNarrative builds a deterministic report body grouped by sensor
// type, used when no narrative model is configured or it fails.
func FallbackNarrative(rep *Report) string {
	type sensorAgg struct {
		count int
		maxZ  float64
		last  float64
	}
	groups := make(map[string]*sensorAgg)
	for _, a := range rep.Anomalies {
		g, ok := groups[a.SensorType]
		if !ok {
			g = &sensorAgg{}
			groups[a.SensorType] = g
		}
		g.count++
		if z := math.Abs(a.ZScore); z > g.maxZ {
			g.maxZ = z
		}
		g.last = a.CurrentValue
	}

	types := make([]string, 0, len(groups))
	for t := range groups {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	fmt.Fprintf(&b, "Automated anomaly report %s, risk level %s.\n", rep.ID, rep.RiskLevel)
	fmt.Fprintf(&b, "%s.\n", rep.Reason)
	fmt.Fprintf(&b, "%d anomalies across %d sensor types between %s and %s.\n",
		len(rep.Anomalies), len(groups),
		rep.PeriodStart.Format(time.RFC3339), rep.PeriodEnd.Format(time.RFC3339))
	for _, t := range types {
		g := groups[t]
		fmt.Fprintf(&b, "- %s: %d anomalies, max |z| %.2f, last value %.2f\n",
			t, g.count, g.maxZ, g.last)
	}
	return b.String()
}
