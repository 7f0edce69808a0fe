package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitepulse/sitepulse/internal/model"
)

// PostgresRuleStore implements RuleStore on the alert_rules table.
type PostgresRuleStore struct {
	db *pgxpool.Pool
}

func NewPostgresRuleStore(db *pgxpool.Pool) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `
	id, tenant_id, name, condition, threshold, timeframe_minutes,
	notify_email, active, last_triggered_at, created_at
`

func scanRule(row pgx.Row) (model.AlertRule, error) {
	var (
		rule      model.AlertRule
		condition string
	)
	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &condition, &rule.Threshold,
		&rule.TimeframeMinutes, &rule.NotifyEmail, &rule.Active,
		&rule.LastTriggeredAt, &rule.CreatedAt,
	)
	if err != nil {
		return model.AlertRule{}, err
	}
	rule.Condition = model.Condition(condition)
	return rule, nil
}

func (s *PostgresRuleStore) ListActive(ctx context.Context) ([]model.AlertRule, error) {
	rows, err := s.db.Query(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *PostgresRuleStore) ListByTenant(ctx context.Context, tenantID string) ([]model.AlertRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+ruleColumns+` FROM alert_rules
		WHERE tenant_id = $1 ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *PostgresRuleStore) Get(ctx context.Context, tenantID string, id uuid.UUID) (model.AlertRule, error) {
	rule, err := scanRule(s.db.QueryRow(ctx, `
		SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1 AND tenant_id = $2
	`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AlertRule{}, ErrNotFound
	}
	return rule, err
}

func (s *PostgresRuleStore) Create(ctx context.Context, rule *model.AlertRule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	return s.db.QueryRow(ctx, `
		INSERT INTO alert_rules (id, tenant_id, name, condition, threshold, timeframe_minutes, notify_email, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`,
		rule.ID, rule.TenantID, rule.Name, string(rule.Condition), rule.Threshold,
		rule.TimeframeMinutes, rule.NotifyEmail, rule.Active,
	).Scan(&rule.CreatedAt)
}

func (s *PostgresRuleStore) Update(ctx context.Context, rule model.AlertRule) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE alert_rules
		SET name = $3, condition = $4, threshold = $5, timeframe_minutes = $6,
		    notify_email = $7, active = $8
		WHERE id = $1 AND tenant_id = $2
	`,
		rule.ID, rule.TenantID, rule.Name, string(rule.Condition), rule.Threshold,
		rule.TimeframeMinutes, rule.NotifyEmail, rule.Active,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresRuleStore) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM alert_rules WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSetLastTriggered performs the optimistic conditional update the
// suppression policy relies on. IS NOT DISTINCT FROM makes the comparison
// null-safe for rules that have never fired.
func (s *PostgresRuleStore) CompareAndSetLastTriggered(ctx context.Context, ruleID uuid.UUID, expected *time.Time, value time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE alert_rules
		SET last_triggered_at = $2
		WHERE id = $1 AND last_triggered_at IS NOT DISTINCT FROM $3
	`, ruleID, value, expected)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
