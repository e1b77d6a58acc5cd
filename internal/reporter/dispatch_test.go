package reporter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"anomaly-sentinel/anomaly"
)

type fakeMailer struct {
	mu   sync.Mutex
	n    int
	err  error
	last *Report
}

func (f *fakeMailer) Send(_ context.Context, r *Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if f.err != nil {
		return f.err
	}
	f.last = r
	return nil
}

func (f *fakeMailer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type fakeNarrative struct {
	text string
	err  error
}

func (f *fakeNarrative) Generate(context.Context, *Report) (string, error) {
	return f.text, f.err
}

func newTestDispatcher(r *AutoReporter, m Mailer, n NarrativeGenerator, clk *fakeClock) *Dispatcher {
	d := NewDispatcher(r, m, n, nil, zap.NewNop())
	d.now = clk.Now
	return d
}

// observeDecision drives the reporter to a CRITICAL entry and returns the
// emitted decision with report_pending set.
func observeDecision(t *testing.T, r *AutoReporter) *ReportDecision {
	t.Helper()
	r.Observe(anomalousResult("t", 5.0, anomaly.SeverityHigh))
	dec := r.Observe(anomalousResult("t", 5.5, anomaly.SeverityHigh))
	if dec == nil {
		t.Fatal("expected a critical_entry decision")
	}
	return dec
}

func TestProcess_SuccessMarksReporter(t *testing.T) {
	clk := newFakeClock(baseTime)
	r := newTestReporter(testReportingConfig(), clk)
	mailer := &fakeMailer{}
	d := newTestDispatcher(r, mailer, nil, clk)

	var hooked *Report
	d.OnSent = func(rep *Report) { hooked = rep }

	dec := observeDecision(t, r)
	rep, err := d.process(context.Background(), dec)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if mailer.calls() != 1 {
		t.Fatalf("mailer calls = %d, want 1", mailer.calls())
	}
	if hooked == nil || hooked.ID != rep.ID {
		t.Fatalf("OnSent hook got %+v, want the dispatched report", hooked)
	}
	if !strings.HasPrefix(rep.ID, "RPT-20250310") {
		t.Fatalf("report id = %q, want RPT-<timestamp>", rep.ID)
	}
	if rep.Narrative == "" {
		t.Fatal("narrative empty, want fallback summary")
	}
	if !rep.PeriodEnd.Equal(dec.DecidedAt) {
		t.Fatalf("period end = %v, want %v", rep.PeriodEnd, dec.DecidedAt)
	}
	if want := dec.DecidedAt.Add(-5 * time.Minute); !rep.PeriodStart.Equal(want) {
		t.Fatalf("period start = %v, want %v", rep.PeriodStart, want)
	}
	if len(rep.Anomalies) != 2 || rep.RiskLevel != RiskCritical {
		t.Fatalf("payload anomalies=%d risk=%s, want 2/CRITICAL", len(rep.Anomalies), rep.RiskLevel)
	}

	st := r.Status()
	if st.ReportsSent != 1 || st.ReportPending {
		t.Fatalf("reporter sent=%d pending=%v, want 1/false", st.ReportsSent, st.ReportPending)
	}
	if got := d.Recent(); len(got) != 1 || got[0].ID != rep.ID {
		t.Fatalf("recent = %v, want the dispatched report", got)
	}
}

func TestProcess_NarrativeGeneratorUsed(t *testing.T) {
	clk := newFakeClock(baseTime)
	r := newTestReporter(testReportingConfig(), clk)
	d := newTestDispatcher(r, &fakeMailer{}, &fakeNarrative{text: "analysis text"}, clk)

	rep, err := d.process(context.Background(), observeDecision(t, r))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rep.Narrative != "analysis text" {
		t.Fatalf("narrative = %q, want generator output", rep.Narrative)
	}
}

func TestProcess_NarrativeFailureFallsBack(t *testing.T) {
	clk := newFakeClock(baseTime)
	r := newTestReporter(testReportingConfig(), clk)
	gen := &fakeNarrative{err: errors.New("model unavailable")}
	d := newTestDispatcher(r, &fakeMailer{}, gen, clk)

	rep, err := d.process(context.Background(), observeDecision(t, r))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(rep.Narrative, "Automated anomaly report") {
		t.Fatalf("narrative = %q, want deterministic fallback", rep.Narrative)
	}
}

func TestProcess_MailFailureReleasesPending(t *testing.T) {
	clk := newFakeClock(baseTime)
	r := newTestReporter(testReportingConfig(), clk)
	mailer := &fakeMailer{err: errors.New("smtp: connection refused")}
	d := newTestDispatcher(r, mailer, nil, clk)

	rep, err := d.process(context.Background(), observeDecision(t, r))
	if err == nil {
		t.Fatal("expected a delivery error")
	}
	if rep != nil {
		t.Fatalf("report = %+v, want nil on failure", rep)
	}

	st := r.Status()
	if st.ReportsSent != 0 {
		t.Fatalf("reports_sent = %d, want 0", st.ReportsSent)
	}
	if st.ReportPending {
		t.Fatal("report_pending not released after failure")
	}
	if st.DispatchFailures != 1 {
		t.Fatalf("dispatch_failures = %d, want 1", st.DispatchFailures)
	}
	if !strings.Contains(st.LastDispatchError, "smtp") {
		t.Fatalf("last error = %q, want the smtp failure", st.LastDispatchError)
	}
	if len(d.Recent()) != 0 {
		t.Fatal("failed report kept in history")
	}
}

// stuckMailer holds Send until the passed context expires, like an SMTP
// host that accepts the connection and then goes silent.
type stuckMailer struct{}

func (stuckMailer) Send(ctx context.Context, _ *Report) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProcess_HungDeliveryFailsWithinDeadline(t *testing.T) {
	clk := newFakeClock(baseTime)
	r := newTestReporter(testReportingConfig(), clk)
	d := newTestDispatcher(r, stuckMailer{}, nil, clk)
	d.timeout = 50 * time.Millisecond

	dec := observeDecision(t, r)
	errCh := make(chan error, 1)
	go func() {
		_, err := d.process(context.Background(), dec)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected the deadline to fail the delivery")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("error = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process still blocked on the hung mailer")
	}

	st := r.Status()
	if st.ReportPending {
		t.Fatal("report_pending still held after the timed-out dispatch")
	}
	if st.DispatchFailures != 1 {
		t.Fatalf("dispatch_failures = %d, want 1", st.DispatchFailures)
	}
	if st.ReportsSent != 0 {
		t.Fatalf("reports_sent = %d, want 0", st.ReportsSent)
	}
}

func TestProcess_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clk := newFakeClock(baseTime)
	r := newTestReporter(testReportingConfig(), clk)
	mailer := &fakeMailer{err: errors.New("smtp: connection refused")}
	d := newTestDispatcher(r, mailer, nil, clk)

	dec := &ReportDecision{
		ShouldReport: true,
		RiskLevel:    RiskCritical,
		TriggerType:  TriggerCriticalEntry,
		CurrentState: StateCritical,
		DecidedAt:    clk.Now(),
	}
	for i := 0; i < 3; i++ {
		if _, err := d.process(context.Background(), dec); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}
	if mailer.calls() != 3 {
		t.Fatalf("mailer calls = %d, want 3", mailer.calls())
	}

	// The breaker is open now; the mailer is not reached again.
	if _, err := d.process(context.Background(), dec); err == nil {
		t.Fatal("expected the open breaker to reject delivery")
	}
	if mailer.calls() != 3 {
		t.Fatalf("mailer calls = %d, want breaker to short-circuit", mailer.calls())
	}
}

func TestProcess_NilMailerStoresReport(t *testing.T) {
	clk := newFakeClock(baseTime)
	r := newTestReporter(testReportingConfig(), clk)
	d := newTestDispatcher(r, nil, nil, clk)

	rep, err := d.process(context.Background(), observeDecision(t, r))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rep == nil {
		t.Fatal("expected a stored report")
	}
	if st := r.Status(); st.ReportsSent != 1 {
		t.Fatalf("reports_sent = %d, want 1", st.ReportsSent)
	}
}

func TestEnqueue_DropsOldestWhenFull(t *testing.T) {
	clk := newFakeClock(baseTime)
	r := newTestReporter(testReportingConfig(), clk)
	d := newTestDispatcher(r, nil, nil, clk)

	dec := &ReportDecision{ShouldReport: true, TriggerType: TriggerCriticalEntry, CurrentState: StateCritical}
	for i := 0; i < queueCapacity+2; i++ {
		d.Enqueue(dec)
	}

	if got := d.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	if got := len(d.queue); got != queueCapacity {
		t.Fatalf("queue length = %d, want %d", got, queueCapacity)
	}
	if st := r.Status(); st.DispatchFailures != 2 {
		t.Fatalf("dispatch_failures = %d, want 2 for dropped decisions", st.DispatchFailures)
	}
}

func TestEnqueue_IgnoresNonReportable(t *testing.T) {
	clk := newFakeClock(baseTime)
	r := newTestReporter(testReportingConfig(), clk)
	d := newTestDispatcher(r, nil, nil, clk)

	d.Enqueue(nil)
	d.Enqueue(&ReportDecision{ShouldReport: false})

	if got := len(d.queue); got != 0 {
		t.Fatalf("queue length = %d, want 0", got)
	}
}

func TestStartStop_ProcessesQueuedDecisions(t *testing.T) {
	clk := newFakeClock(baseTime)
	r := newTestReporter(testReportingConfig(), clk)
	mailer := &fakeMailer{}
	d := newTestDispatcher(r, mailer, nil, clk)

	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue(observeDecision(t, r))

	deadline := time.Now().Add(2 * time.Second)
	for r.Status().ReportsSent < 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the worker to deliver")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if mailer.calls() != 1 {
		t.Fatalf("mailer calls = %d, want 1", mailer.calls())
	}
}

func TestFallbackNarrative_GroupsBySensor(t *testing.T) {
	temp := anomalousResult("temperature_motor", 3.1, anomaly.SeverityMedium)
	temp2 := anomalousResult("temperature_motor", 4.5, anomaly.SeverityHigh)
	vib := anomalousResult("vibration_bearing_x", -6.0, anomaly.SeverityHigh)

	rep := &Report{
		ID:          "RPT-20250310090000",
		RiskLevel:   RiskCritical,
		Reason:      "System state changed NORMAL -> CRITICAL (bucket score 31.0, warning 20.0, critical 30.0)",
		PeriodStart: baseTime.Add(-5 * time.Minute),
		PeriodEnd:   baseTime,
		Anomalies:   []anomaly.Result{*temp, *temp2, *vib},
	}

	text := FallbackNarrative(rep)
	if !strings.Contains(text, "3 anomalies across 2 sensor types") {
		t.Fatalf("summary line missing from %q", text)
	}
	if !strings.Contains(text, "- temperature_motor: 2 anomalies, max |z| 4.50") {
		t.Fatalf("temperature grouping missing from %q", text)
	}
	if !strings.Contains(text, "- vibration_bearing_x: 1 anomalies, max |z| 6.00") {
		t.Fatalf("vibration grouping missing from %q", text)
	}
}
