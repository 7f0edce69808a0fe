package ingest

import (
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"github.com/oschwald/geoip2-golang"

	"github.com/sitepulse/sitepulse/internal/model"
)

// ValidationError rejects a single malformed payload. The caller returns a
// client error and does not retry.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Payload is the raw JSON body delivered by the collection library.
type Payload struct {
	PageURL     string          `json:"pageUrl"`
	UserAgent   string          `json:"userAgent,omitempty"`
	Performance *RawPerformance `json:"performanceMetrics,omitempty"`
	ErrorLogs   []RawErrorEntry `json:"errorLogs,omitempty"`
	CustomEvent map[string]any  `json:"customEvent,omitempty"`
}

// RawPerformance mirrors the wire shape of the SDK's timing capture.
type RawPerformance struct {
	LoadTime               *float64 `json:"loadTime,omitempty"`
	FirstContentfulPaint   *float64 `json:"firstContentfulPaint,omitempty"`
	LargestContentfulPaint *float64 `json:"largestContentfulPaint,omitempty"`
	FirstInputDelay        *float64 `json:"firstInputDelay,omitempty"`
	TimeToFirstByte        *float64 `json:"timeToFirstByte,omitempty"`
	DOMContentLoaded       *float64 `json:"domContentLoaded,omitempty"`
}

// RawErrorEntry mirrors the wire shape of one captured error.
type RawErrorEntry struct {
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
	Lineno    uint32 `json:"lineno,omitempty"`
	Colno     uint32 `json:"colno,omitempty"`
	Stack     string `json:"stack,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Classifier validates raw payloads and turns them into persistable event
// records. It has no side effects; persistence is the caller's job.
type Classifier struct {
	geoIP *geoip2.Reader
	now   func() time.Time
}

// NewClassifier builds a classifier. The GeoIP database is optional; when the
// path is empty or unreadable, records simply carry no country/city.
func NewClassifier(geoIPPath string) *Classifier {
	var geoIP *geoip2.Reader
	if geoIPPath != "" {
		geoIP, _ = geoip2.Open(geoIPPath)
	}

	return &Classifier{
		geoIP: geoIP,
		now:   time.Now,
	}
}

func (c *Classifier) Close() {
	if c.geoIP != nil {
		c.geoIP.Close()
	}
}

// Classify validates p and produces the event record for tenant. The record
// timestamp is the server receipt time.
func (c *Classifier) Classify(p Payload, tenant model.Tenant, clientIP string) (model.EventRecord, error) {
	if p.PageURL == "" {
		return model.EventRecord{}, &ValidationError{Reason: "missing pageUrl"}
	}

	now := c.now().UTC()

	record := model.EventRecord{
		ID:        uuid.New(),
		TenantID:  tenant.ID,
		APIKey:    tenant.APIKey,
		Timestamp: now,
		PageURL:   p.PageURL,
		UserAgent: p.UserAgent,
	}

	record.Browser, record.OS, record.DeviceType = classifyUserAgent(p.UserAgent)

	if p.UserAgent != "" {
		ua := useragent.New(p.UserAgent)
		_, record.BrowserVersion = ua.Browser()
	}

	if c.geoIP != nil && clientIP != "" {
		if ip := net.ParseIP(clientIP); ip != nil {
			if city, err := c.geoIP.City(ip); err == nil {
				record.Country = city.Country.IsoCode
				if name, ok := city.City.Names["en"]; ok {
					record.City = name
				}
			}
		}
	}

	record.Performance = normalizePerformance(p.Performance)
	record.ErrorEntries = normalizeErrorLogs(p.ErrorLogs, now)

	// Precedence: error > performance > custom > unknown.
	switch {
	case len(record.ErrorEntries) > 0:
		record.LogType = model.LogTypeError
	case record.Performance != nil:
		record.LogType = model.LogTypePerformance
	case p.CustomEvent != nil:
		record.LogType = model.LogTypeCustom
		record.CustomEvent = p.CustomEvent
	default:
		record.LogType = model.LogTypeUnknown
	}
	if record.LogType != model.LogTypeCustom && p.CustomEvent != nil {
		record.CustomEvent = p.CustomEvent
	}

	return record, nil
}

// classifyUserAgent derives the closed browser/os/device enumerations with
// best-effort substring matching. First match wins, in priority order. An
// empty user agent yields Unknown/Unknown/Desktop.
func classifyUserAgent(ua string) (model.Browser, model.OS, model.DeviceType) {
	browser := model.BrowserUnknown
	os := model.OSUnknown
	device := model.DeviceDesktop

	if ua == "" {
		return browser, os, device
	}

	switch {
	case strings.Contains(ua, "Chrome"):
		browser = model.BrowserChrome
	case strings.Contains(ua, "Firefox"):
		browser = model.BrowserFirefox
	case strings.Contains(ua, "Safari"):
		browser = model.BrowserSafari
	case strings.Contains(ua, "Edge"):
		browser = model.BrowserEdge
	}

	switch {
	case strings.Contains(ua, "Windows"):
		os = model.OSWindows
	case strings.Contains(ua, "Mac"):
		os = model.OSMacOS
	case strings.Contains(ua, "Linux"):
		os = model.OSLinux
	case strings.Contains(ua, "Android"):
		os = model.OSAndroid
	case strings.Contains(ua, "iOS"):
		os = model.OSIOS
	}

	switch {
	case strings.Contains(ua, "Mobile"):
		device = model.DeviceMobile
	case strings.Contains(ua, "Tablet"):
		device = model.DeviceTablet
	}

	return browser, os, device
}

// normalizePerformance drops negative values; a metric is either a
// non-negative duration in milliseconds or absent. Returns nil when the
// payload carried no performanceMetrics object at all.
func normalizePerformance(raw *RawPerformance) *model.PerformanceMetrics {
	if raw == nil {
		return nil
	}

	keep := func(v *float64) *float64 {
		if v == nil || *v < 0 {
			return nil
		}
		value := *v
		return &value
	}

	return &model.PerformanceMetrics{
		LoadTime:               keep(raw.LoadTime),
		FirstContentfulPaint:   keep(raw.FirstContentfulPaint),
		LargestContentfulPaint: keep(raw.LargestContentfulPaint),
		FirstInputDelay:        keep(raw.FirstInputDelay),
		TimeToFirstByte:        keep(raw.TimeToFirstByte),
		DOMContentLoaded:       keep(raw.DOMContentLoaded),
	}
}

// normalizeErrorLogs converts wire entries, defaulting missing or unparsable
// timestamps to the record's receipt time. Malformed entries are dropped, not
// fatal to the payload.
func normalizeErrorLogs(raw []RawErrorEntry, receivedAt time.Time) []model.ErrorEntry {
	if len(raw) == 0 {
		return nil
	}

	entries := make([]model.ErrorEntry, 0, len(raw))
	for _, e := range raw {
		if e.Message == "" {
			continue
		}
		ts := receivedAt
		if e.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
				ts = parsed.UTC()
			}
		}
		entries = append(entries, model.ErrorEntry{
			Message:   e.Message,
			Source:    e.Source,
			Line:      e.Lineno,
			Column:    e.Colno,
			Stack:     e.Stack,
			Timestamp: ts,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	return entries
}
