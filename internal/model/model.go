package model

import (
	"time"

	"github.com/google/uuid"
)

// LogType classifies what kind of telemetry a record carries.
type LogType string

const (
	LogTypePerformance LogType = "performance"
	LogTypeError       LogType = "error"
	LogTypeCustom      LogType = "custom"
	LogTypeUnknown     LogType = "unknown"
)

type Browser string

const (
	BrowserChrome  Browser = "Chrome"
	BrowserFirefox Browser = "Firefox"
	BrowserSafari  Browser = "Safari"
	BrowserEdge    Browser = "Edge"
	BrowserUnknown Browser = "Unknown"
)

type OS string

const (
	OSWindows OS = "Windows"
	OSMacOS   OS = "macOS"
	OSLinux   OS = "Linux"
	OSAndroid OS = "Android"
	OSIOS     OS = "iOS"
	OSUnknown OS = "Unknown"
)

type DeviceType string

const (
	DeviceMobile  DeviceType = "Mobile"
	DeviceTablet  DeviceType = "Tablet"
	DeviceDesktop DeviceType = "Desktop"
)

// PerformanceMetrics holds page timing values in milliseconds. Nil fields
// were absent from the payload.
type PerformanceMetrics struct {
	LoadTime               *float64 `json:"loadTime,omitempty"`
	FirstContentfulPaint   *float64 `json:"firstContentfulPaint,omitempty"`
	LargestContentfulPaint *float64 `json:"largestContentfulPaint,omitempty"`
	FirstInputDelay        *float64 `json:"firstInputDelay,omitempty"`
	TimeToFirstByte        *float64 `json:"timeToFirstByte,omitempty"`
	DOMContentLoaded       *float64 `json:"domContentLoaded,omitempty"`
}

// ErrorEntry is one captured runtime error.
type ErrorEntry struct {
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Line      uint32    `json:"line,omitempty"`
	Column    uint32    `json:"column,omitempty"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventRecord is one classified unit of ingested telemetry. Records are
// created at ingestion time and never mutated afterwards.
type EventRecord struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`
	// APIKey is denormalized at write time for audit, even if the tenant's
	// key later rotates.
	APIKey    string    `json:"api_key"`
	Timestamp time.Time `json:"timestamp"`
	PageURL   string    `json:"page_url"`
	UserAgent string    `json:"user_agent,omitempty"`

	Browser        Browser    `json:"browser"`
	BrowserVersion string     `json:"browser_version,omitempty"`
	OS             OS         `json:"os"`
	DeviceType     DeviceType `json:"device_type"`
	Country        string     `json:"country,omitempty"`
	City           string     `json:"city,omitempty"`

	LogType      LogType             `json:"log_type"`
	Performance  *PerformanceMetrics `json:"performance_metrics,omitempty"`
	ErrorEntries []ErrorEntry        `json:"error_entries,omitempty"`
	CustomEvent  map[string]any      `json:"custom_event,omitempty"`
}

// HasErrors reports whether the record carries at least one error entry.
func (r *EventRecord) HasErrors() bool {
	return len(r.ErrorEntries) > 0
}

// Tenant is the owner of ingested records and alert rules, resolved from an
// API key at the ingress boundary.
type Tenant struct {
	ID     string
	APIKey string
}

// Condition names the windowed statistic an alert rule evaluates.
type Condition string

const (
	ConditionLoadTime               Condition = "loadTime"
	ConditionFirstContentfulPaint   Condition = "firstContentfulPaint"
	ConditionLargestContentfulPaint Condition = "largestContentfulPaint"
	ConditionErrorCount             Condition = "errorCount"
)

// Valid reports whether c is one of the supported alert conditions.
func (c Condition) Valid() bool {
	switch c {
	case ConditionLoadTime, ConditionFirstContentfulPaint, ConditionLargestContentfulPaint, ConditionErrorCount:
		return true
	}
	return false
}

// AlertRule is a tenant-defined threshold alert. Only LastTriggeredAt is
// mutated after creation, and only by the evaluator when a notification is
// actually sent.
type AlertRule struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Name             string     `json:"name"`
	Condition        Condition  `json:"condition"`
	Threshold        float64    `json:"threshold"`
	TimeframeMinutes int        `json:"timeframe_minutes"`
	NotifyEmail      string     `json:"notify_email"`
	Active           bool       `json:"active"`
	LastTriggeredAt  *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Timeframe returns the rule's lookback window, which doubles as its
// notification cooldown.
func (r *AlertRule) Timeframe() time.Duration {
	return time.Duration(r.TimeframeMinutes) * time.Minute
}

// Filter narrows a log store query. Zero-value fields are ignored. Start and
// End bounds are inclusive.
type Filter struct {
	Start *time.Time
	End   *time.Time
	// PageURL matches as a case-insensitive substring.
	PageURL string
	// Browser matches exactly.
	Browser string
}

// PerformanceAverages holds per-metric rolling averages in milliseconds.
// Fields are zero, never NaN, when no record had performance data.
type PerformanceAverages struct {
	LoadTime               float64 `json:"loadTime"`
	FirstContentfulPaint   float64 `json:"firstContentfulPaint"`
	LargestContentfulPaint float64 `json:"largestContentfulPaint"`
	FirstInputDelay        float64 `json:"firstInputDelay"`
	TimeToFirstByte        float64 `json:"timeToFirstByte"`
	DOMContentLoaded       float64 `json:"domContentLoaded"`
}

// RecentError is an error entry flattened out of its parent record, keeping
// the page it occurred on.
type RecentError struct {
	ErrorEntry
	PageURL string `json:"pageUrl"`
}

// DashboardSnapshot is the aggregated view served to the dashboard.
type DashboardSnapshot struct {
	Performance PerformanceAverages `json:"performanceData"`
	// ErrorCounts maps an error type (the message prefix before the first
	// colon) to its occurrence count.
	ErrorCounts  map[string]int `json:"errorCounts"`
	RecentErrors []RecentError  `json:"recentErrors"`
	TotalLogs    int            `json:"totalLogs"`
	// TotalErrors is the size of RecentErrors, capped at the recent-error
	// limit. Kept that way for dashboard parity.
	TotalErrors int `json:"totalErrors"`
}
