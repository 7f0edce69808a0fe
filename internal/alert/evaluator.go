// Package alert evaluates tenant-defined threshold rules over windowed
// telemetry and drives the recurring sweep that fires notifications.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitepulse/sitepulse/internal/model"
	"github.com/sitepulse/sitepulse/internal/notify"
	"github.com/sitepulse/sitepulse/internal/store"
)

// Evaluator decides whether a rule's windowed condition is met and, when
// unsuppressed, commits the trigger time and notifies.
type Evaluator struct {
	logs     store.LogStore
	rules    store.RuleStore
	notifier notify.Notifier
	logger   zerolog.Logger
}

func NewEvaluator(logs store.LogStore, rules store.RuleStore, notifier notify.Notifier, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		logs:     logs,
		rules:    rules,
		notifier: notifier,
		logger:   logger,
	}
}

// Evaluate checks rule against the window [now - timeframe, now] and fires at
// most once per cooldown. The compare-and-set on last_triggered_at commits
// suppression state before the notifier is invoked, so two concurrent
// evaluations of the same rule cannot both send; the loser skips silently.
func (e *Evaluator) Evaluate(ctx context.Context, rule model.AlertRule, now time.Time) (bool, error) {
	met, err := e.conditionMet(ctx, rule, now)
	if err != nil {
		return false, fmt.Errorf("evaluate rule %s: %w", rule.ID, err)
	}
	if !met {
		return false, nil
	}

	// Cooldown: strict inequality, same unit as the window.
	if rule.LastTriggeredAt != nil && now.Sub(*rule.LastTriggeredAt) <= rule.Timeframe() {
		return false, nil
	}

	won, err := e.rules.CompareAndSetLastTriggered(ctx, rule.ID, rule.LastTriggeredAt, now)
	if err != nil {
		return false, fmt.Errorf("commit trigger for rule %s: %w", rule.ID, err)
	}
	if !won {
		// A concurrent sweep fired first.
		return false, nil
	}

	subject := fmt.Sprintf("Web Monitoring Alert: %s", rule.Name)
	body := fmt.Sprintf(
		"Alert condition %q exceeded threshold of %g in the last %d minutes.",
		rule.Condition, rule.Threshold, rule.TimeframeMinutes,
	)

	if err := e.notifier.Send(ctx, rule.NotifyEmail, subject, body); err != nil {
		// Suppression is already committed; the rule counts as fired.
		e.logger.Error().
			Err(err).
			Str("rule_id", rule.ID.String()).
			Str("email", rule.NotifyEmail).
			Msg("Failed to send alert notification")
	}

	return true, nil
}

func (e *Evaluator) conditionMet(ctx context.Context, rule model.AlertRule, now time.Time) (bool, error) {
	from := now.Add(-rule.Timeframe())

	if rule.Condition == model.ConditionErrorCount {
		count, err := e.logs.CountErrorRecords(ctx, rule.TenantID, from, now)
		if err != nil {
			return false, err
		}
		return float64(count) >= rule.Threshold, nil
	}

	values, err := e.logs.MetricValues(ctx, rule.TenantID, rule.Condition, from, now)
	if err != nil {
		return false, err
	}

	// Average is 0, not undefined, when no records match: no data stays
	// below any positive threshold.
	var sum float64
	for _, v := range values {
		sum += v
	}
	n := len(values)
	if n == 0 {
		n = 1
	}
	return sum/float64(n) >= rule.Threshold, nil
}
