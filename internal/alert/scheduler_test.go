package alert

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitepulse/sitepulse/internal/model"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSweepEvaluatesAllActiveRules(t *testing.T) {
	ruleA := errorCountRule(5, nil)
	ruleB := errorCountRule(5, nil)
	ruleB.NotifyEmail = "second@example.com"
	inactive := errorCountRule(5, nil)
	inactive.Active = false

	rules := newFakeRuleStore(ruleA, ruleB, inactive)
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(&fakeLogStore{errorCount: 10}, rules, notifier)
	sched := NewScheduler(eval, rules, time.Hour, time.Second, zerolog.Nop())

	sched.Sweep(context.Background())

	assert.Equal(t, 2, notifier.count())
	notifier.mu.Lock()
	assert.ElementsMatch(t, []string{"ops@example.com", "second@example.com"}, notifier.sent)
	notifier.mu.Unlock()
}

func TestSweepIsolatesRuleFailures(t *testing.T) {
	// One rule's condition targets a metric the fake store fails on; the
	// other must still be evaluated and fire.
	failing := errorCountRule(5, nil)
	failing.Condition = model.ConditionLoadTime
	healthy := errorCountRule(5, nil)

	rules := newFakeRuleStore(failing, healthy)
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(&splitLogStore{metricErr: context.DeadlineExceeded, errorCount: 10}, rules, notifier)
	sched := NewScheduler(eval, rules, time.Hour, time.Second, zerolog.Nop())

	sched.Sweep(context.Background())

	assert.Equal(t, 1, notifier.count())
}

// splitLogStore fails metric queries while serving error counts.
type splitLogStore struct {
	fakeLogStore
	metricErr  error
	errorCount int
}

func (s *splitLogStore) CountErrorRecords(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	return s.errorCount, nil
}

func (s *splitLogStore) MetricValues(ctx context.Context, tenantID string, metric model.Condition, from, to time.Time) ([]float64, error) {
	return nil, s.metricErr
}

func TestNudgeTriggersSweep(t *testing.T) {
	rule := errorCountRule(5, nil)
	rules := newFakeRuleStore(rule)
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(&fakeLogStore{errorCount: 10}, rules, notifier)

	sched := NewScheduler(eval, rules, time.Hour, time.Second, zerolog.Nop())
	sched.Start()
	defer sched.Stop()

	sched.Nudge()

	waitFor(t, 2*time.Second, func() bool { return notifier.count() == 1 })
}

func TestNudgesCoalesce(t *testing.T) {
	rule := errorCountRule(5, nil)
	rules := newFakeRuleStore(rule)
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(&fakeLogStore{errorCount: 10}, rules, notifier)

	sched := NewScheduler(eval, rules, time.Hour, time.Second, zerolog.Nop())

	// Nudges before the loop starts pile into the 1-slot channel.
	for i := 0; i < 10; i++ {
		sched.Nudge()
	}
	sched.Start()

	waitFor(t, 2*time.Second, func() bool { return notifier.count() == 1 })
	sched.Stop()

	// Even if a second coalesced sweep ran, the compare-and-set keeps the
	// notification count at one.
	assert.Equal(t, 1, notifier.count())
}

func TestStopDrainsInFlightSweep(t *testing.T) {
	rule := errorCountRule(5, nil)
	rules := newFakeRuleStore(rule)
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(&fakeLogStore{errorCount: 10}, rules, notifier)

	sched := NewScheduler(eval, rules, time.Hour, time.Second, zerolog.Nop())
	sched.Start()
	sched.Nudge()

	waitFor(t, 2*time.Second, func() bool { return notifier.count() == 1 })
	sched.Stop()

	// Stop is idempotent.
	sched.Stop()
	require.Equal(t, 1, notifier.count())
}
