// Package sdk is the Go client for shipping telemetry to a SitePulse
// ingestion endpoint. A Session buffers events recorded before it is
// configured and flushes them once configuration is supplied, so nothing is
// lost during application startup and there is no package-level state.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Config carries the explicit session configuration. There are no implicit
// module-level defaults to merge against.
type Config struct {
	// Endpoint is the base URL of the SitePulse server, e.g. "https://telemetry.example.com".
	Endpoint string
	// APIKey is the tenant key; it is attached as a query parameter.
	APIKey string
	// HTTPClient is optional; http.DefaultClient is used when nil.
	HTTPClient *http.Client
}

// PerformanceMetrics holds page timings in milliseconds. Nil fields are
// omitted from the payload.
type PerformanceMetrics struct {
	LoadTime               *float64 `json:"loadTime,omitempty"`
	FirstContentfulPaint   *float64 `json:"firstContentfulPaint,omitempty"`
	LargestContentfulPaint *float64 `json:"largestContentfulPaint,omitempty"`
	FirstInputDelay        *float64 `json:"firstInputDelay,omitempty"`
	TimeToFirstByte        *float64 `json:"timeToFirstByte,omitempty"`
	DOMContentLoaded       *float64 `json:"domContentLoaded,omitempty"`
}

// ErrorEntry is one captured error.
type ErrorEntry struct {
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
	Lineno    uint32 `json:"lineno,omitempty"`
	Colno     uint32 `json:"colno,omitempty"`
	Stack     string `json:"stack,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type payload struct {
	PageURL     string              `json:"pageUrl"`
	UserAgent   string              `json:"userAgent,omitempty"`
	Performance *PerformanceMetrics `json:"performanceMetrics,omitempty"`
	ErrorLogs   []ErrorEntry        `json:"errorLogs,omitempty"`
	CustomEvent map[string]any      `json:"customEvent,omitempty"`
}

// Session is a handle for recording telemetry. It is safe for concurrent
// use. Events recorded before Configure land in a bounded buffer; when the
// buffer is full the oldest event is dropped.
type Session struct {
	mu         sync.Mutex
	cfg        Config
	client     *http.Client
	configured bool
	buffer     []payload
	bufferCap  int
}

// Option customizes a Session.
type Option func(*Session)

// WithBufferSize sets the pre-configuration buffer capacity.
func WithBufferSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.bufferCap = n
		}
	}
}

// NewSession returns an unconfigured session that buffers events until
// Configure is called.
func NewSession(opts ...Option) *Session {
	s := &Session{bufferCap: defaultBufferSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure supplies the session configuration and flushes any buffered
// events. Calling Configure twice is an error.
func (s *Session) Configure(ctx context.Context, cfg Config) error {
	if cfg.Endpoint == "" {
		return errors.New("sdk: endpoint is required")
	}
	if cfg.APIKey == "" {
		return errors.New("sdk: API key is required")
	}

	s.mu.Lock()
	if s.configured {
		s.mu.Unlock()
		return errors.New("sdk: session already configured")
	}
	s.cfg = cfg
	s.client = cfg.HTTPClient
	if s.client == nil {
		s.client = http.DefaultClient
	}
	s.configured = true
	buffered := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	for _, p := range buffered {
		if err := s.send(ctx, p); err != nil {
			return fmt.Errorf("sdk: flush buffered event: %w", err)
		}
	}
	return nil
}

// CapturePerformance records page timing metrics for pageURL.
func (s *Session) CapturePerformance(ctx context.Context, pageURL string, metrics PerformanceMetrics) error {
	return s.record(ctx, payload{PageURL: pageURL, Performance: &metrics})
}

// CaptureError records a runtime error for pageURL. A missing entry
// timestamp defaults to the current time.
func (s *Session) CaptureError(ctx context.Context, pageURL string, entry ErrorEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return s.record(ctx, payload{PageURL: pageURL, ErrorLogs: []ErrorEntry{entry}})
}

// CaptureEvent records a custom event for pageURL.
func (s *Session) CaptureEvent(ctx context.Context, pageURL, name string, fields map[string]any) error {
	event := map[string]any{"name": name}
	for k, v := range fields {
		event[k] = v
	}
	return s.record(ctx, payload{PageURL: pageURL, CustomEvent: event})
}

func (s *Session) record(ctx context.Context, p payload) error {
	s.mu.Lock()
	if !s.configured {
		if len(s.buffer) >= s.bufferCap {
			s.buffer = s.buffer[1:]
		}
		s.buffer = append(s.buffer, p)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.send(ctx, p)
}

// Buffered returns how many events are waiting for configuration.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Session) send(ctx context.Context, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/v1/logs?apiKey=%s", s.cfg.Endpoint, url.QueryEscape(s.cfg.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("sdk: server returned %s", resp.Status)
	}
	return nil
}
