// Package store defines the persistence boundaries of the core: the log
// store holding immutable event records and the rule store holding alert
// rules with their suppression state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sitepulse/sitepulse/internal/model"
)

// QueryCap bounds how many records a dashboard query may scan. Deliberate
// bound on aggregation cost; dashboard counts depend on it.
const QueryCap = 1000

var ErrNotFound = errors.New("not found")

// IsTimeout reports whether err was caused by an expired store deadline. A
// timed-out call is skipped for the cycle and retried on the next tick,
// never escalated.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// LogStore persists and queries event records. Records are insert-only;
// retention is an external concern.
type LogStore interface {
	// Insert persists one record and returns its id.
	Insert(ctx context.Context, record model.EventRecord) (uuid.UUID, error)
	// Query returns at most QueryCap matching records for the tenant,
	// most recent first.
	Query(ctx context.Context, tenantID string, filter model.Filter) ([]model.EventRecord, error)
	// CountErrorRecords counts records in [from, to] carrying at least one
	// error entry.
	CountErrorRecords(ctx context.Context, tenantID string, from, to time.Time) (int, error)
	// MetricValues returns the present values of one performance metric
	// across records in [from, to].
	MetricValues(ctx context.Context, tenantID string, metric model.Condition, from, to time.Time) ([]float64, error)
}

// RuleStore persists alert rules. CompareAndSetLastTriggered is the atomic
// primitive the suppression policy depends on.
type RuleStore interface {
	ListActive(ctx context.Context) ([]model.AlertRule, error)
	ListByTenant(ctx context.Context, tenantID string) ([]model.AlertRule, error)
	Get(ctx context.Context, tenantID string, id uuid.UUID) (model.AlertRule, error)
	Create(ctx context.Context, rule *model.AlertRule) error
	Update(ctx context.Context, rule model.AlertRule) error
	Delete(ctx context.Context, tenantID string, id uuid.UUID) error
	// CompareAndSetLastTriggered sets last_triggered_at to value only if the
	// stored value still equals expected. Returns false when another sweep
	// won the race.
	CompareAndSetLastTriggered(ctx context.Context, ruleID uuid.UUID, expected *time.Time, value time.Time) (bool, error)
}
