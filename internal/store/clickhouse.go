package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/sitepulse/sitepulse/internal/config"
	"github.com/sitepulse/sitepulse/internal/model"
)

// ClickHouseLogStore implements LogStore on a ClickHouse events table. Error
// entries are stored as parallel array columns on the record row.
type ClickHouseLogStore struct {
	conn driver.Conn
}

func NewClickHouseLogStore(cfg config.ClickHouseConfig) (*ClickHouseLogStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	return &ClickHouseLogStore{conn: conn}, nil
}

func (s *ClickHouseLogStore) Close() error {
	return s.conn.Close()
}

const eventColumns = `
	id, tenant_id, api_key, timestamp, page_url, user_agent,
	browser, browser_version, os, device_type, country, city, log_type,
	has_performance, load_time, first_contentful_paint, largest_contentful_paint,
	first_input_delay, time_to_first_byte, dom_content_loaded,
	error_messages, error_sources, error_lines, error_columns, error_stacks, error_timestamps,
	custom_event
`

func (s *ClickHouseLogStore) Insert(ctx context.Context, record model.EventRecord) (uuid.UUID, error) {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO events ("+eventColumns+")")
	if err != nil {
		return uuid.Nil, err
	}

	var customEvent string
	if record.CustomEvent != nil {
		data, err := json.Marshal(record.CustomEvent)
		if err != nil {
			return uuid.Nil, fmt.Errorf("marshal custom event: %w", err)
		}
		customEvent = string(data)
	}

	hasPerformance := uint8(0)
	perf := record.Performance
	if perf == nil {
		perf = &model.PerformanceMetrics{}
	} else {
		hasPerformance = 1
	}

	messages := make([]string, 0, len(record.ErrorEntries))
	sources := make([]string, 0, len(record.ErrorEntries))
	lines := make([]uint32, 0, len(record.ErrorEntries))
	columns := make([]uint32, 0, len(record.ErrorEntries))
	stacks := make([]string, 0, len(record.ErrorEntries))
	timestamps := make([]time.Time, 0, len(record.ErrorEntries))
	for _, e := range record.ErrorEntries {
		messages = append(messages, e.Message)
		sources = append(sources, e.Source)
		lines = append(lines, e.Line)
		columns = append(columns, e.Column)
		stacks = append(stacks, e.Stack)
		timestamps = append(timestamps, e.Timestamp)
	}

	err = batch.Append(
		record.ID, record.TenantID, record.APIKey, record.Timestamp, record.PageURL, record.UserAgent,
		string(record.Browser), record.BrowserVersion, string(record.OS), string(record.DeviceType),
		record.Country, record.City, string(record.LogType),
		hasPerformance, perf.LoadTime, perf.FirstContentfulPaint, perf.LargestContentfulPaint,
		perf.FirstInputDelay, perf.TimeToFirstByte, perf.DOMContentLoaded,
		messages, sources, lines, columns, stacks, timestamps,
		customEvent,
	)
	if err != nil {
		return uuid.Nil, err
	}

	if err := batch.Send(); err != nil {
		return uuid.Nil, err
	}
	return record.ID, nil
}

func (s *ClickHouseLogStore) Query(ctx context.Context, tenantID string, filter model.Filter) ([]model.EventRecord, error) {
	conditions := []string{"tenant_id = ?"}
	args := []any{tenantID}

	if filter.Start != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *filter.Start)
	}
	if filter.End != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *filter.End)
	}
	if filter.PageURL != "" {
		conditions = append(conditions, "positionCaseInsensitive(page_url, ?) > 0")
		args = append(args, filter.PageURL)
	}
	if filter.Browser != "" {
		conditions = append(conditions, "browser = ?")
		args = append(args, filter.Browser)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM events WHERE %s ORDER BY timestamp DESC LIMIT %d",
		eventColumns, strings.Join(conditions, " AND "), QueryCap,
	)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.EventRecord
	for rows.Next() {
		record, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanEventRow(rows driver.Rows) (model.EventRecord, error) {
	var (
		record         model.EventRecord
		browser        string
		os             string
		deviceType     string
		logType        string
		hasPerformance uint8
		perf           model.PerformanceMetrics
		messages       []string
		sources        []string
		lines          []uint32
		columns        []uint32
		stacks         []string
		timestamps     []time.Time
		customEvent    string
	)

	err := rows.Scan(
		&record.ID, &record.TenantID, &record.APIKey, &record.Timestamp, &record.PageURL, &record.UserAgent,
		&browser, &record.BrowserVersion, &os, &deviceType, &record.Country, &record.City, &logType,
		&hasPerformance, &perf.LoadTime, &perf.FirstContentfulPaint, &perf.LargestContentfulPaint,
		&perf.FirstInputDelay, &perf.TimeToFirstByte, &perf.DOMContentLoaded,
		&messages, &sources, &lines, &columns, &stacks, &timestamps,
		&customEvent,
	)
	if err != nil {
		return model.EventRecord{}, err
	}

	record.Browser = model.Browser(browser)
	record.OS = model.OS(os)
	record.DeviceType = model.DeviceType(deviceType)
	record.LogType = model.LogType(logType)

	if hasPerformance == 1 {
		record.Performance = &perf
	}

	for i := range messages {
		entry := model.ErrorEntry{Message: messages[i]}
		if i < len(sources) {
			entry.Source = sources[i]
		}
		if i < len(lines) {
			entry.Line = lines[i]
		}
		if i < len(columns) {
			entry.Column = columns[i]
		}
		if i < len(stacks) {
			entry.Stack = stacks[i]
		}
		if i < len(timestamps) {
			entry.Timestamp = timestamps[i]
		}
		record.ErrorEntries = append(record.ErrorEntries, entry)
	}

	if customEvent != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(customEvent), &payload); err == nil {
			record.CustomEvent = payload
		}
	}

	return record, nil
}

func (s *ClickHouseLogStore) CountErrorRecords(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `
		SELECT count() FROM events
		WHERE tenant_id = ? AND timestamp >= ? AND timestamp <= ? AND notEmpty(error_messages)
	`, tenantID, from, to).Scan(&count)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// metricColumns maps alert conditions to their events-table column.
var metricColumns = map[model.Condition]string{
	model.ConditionLoadTime:               "load_time",
	model.ConditionFirstContentfulPaint:   "first_contentful_paint",
	model.ConditionLargestContentfulPaint: "largest_contentful_paint",
}

func (s *ClickHouseLogStore) MetricValues(ctx context.Context, tenantID string, metric model.Condition, from, to time.Time) ([]float64, error) {
	column, ok := metricColumns[metric]
	if !ok {
		return nil, fmt.Errorf("condition %q has no metric column", metric)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM events
		WHERE tenant_id = ? AND timestamp >= ? AND timestamp <= ? AND %s IS NOT NULL
	`, column, column)

	rows, err := s.conn.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v *float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v != nil {
			values = append(values, *v)
		}
	}
	return values, rows.Err()
}
