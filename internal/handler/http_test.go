package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitepulse/sitepulse/internal/aggregate"
	"github.com/sitepulse/sitepulse/internal/auth"
	"github.com/sitepulse/sitepulse/internal/ingest"
	"github.com/sitepulse/sitepulse/internal/model"
	"github.com/sitepulse/sitepulse/internal/store"
)

const testKey = "sp_live_0123456789abcdef"

type fakeAuth struct{}

func (fakeAuth) ValidateAPIKey(ctx context.Context, apiKey string) (model.Tenant, error) {
	if apiKey != testKey {
		return model.Tenant{}, auth.ErrInvalidKey
	}
	return model.Tenant{ID: "tenant-1", APIKey: apiKey}, nil
}

func (fakeAuth) Allow(ctx context.Context, tenantID string) bool { return true }

type fakeLogStore struct {
	mu      sync.Mutex
	records []model.EventRecord
}

func (f *fakeLogStore) Insert(ctx context.Context, record model.EventRecord) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return record.ID, nil
}

func (f *fakeLogStore) Query(ctx context.Context, tenantID string, filter model.Filter) ([]model.EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, nil
}

func (f *fakeLogStore) CountErrorRecords(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	return 0, nil
}

func (f *fakeLogStore) MetricValues(ctx context.Context, tenantID string, metric model.Condition, from, to time.Time) ([]float64, error) {
	return nil, nil
}

type fakeRuleStore struct {
	mu    sync.Mutex
	rules map[uuid.UUID]model.AlertRule
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{rules: make(map[uuid.UUID]model.AlertRule)}
}

func (f *fakeRuleStore) ListActive(ctx context.Context) ([]model.AlertRule, error) { return nil, nil }

func (f *fakeRuleStore) ListByTenant(ctx context.Context, tenantID string) ([]model.AlertRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rules []model.AlertRule
	for _, r := range f.rules {
		if r.TenantID == tenantID {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func (f *fakeRuleStore) Get(ctx context.Context, tenantID string, id uuid.UUID) (model.AlertRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[id]
	if !ok || rule.TenantID != tenantID {
		return model.AlertRule{}, store.ErrNotFound
	}
	return rule, nil
}

func (f *fakeRuleStore) Create(ctx context.Context, rule *model.AlertRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	rule.CreatedAt = time.Now()
	f.rules[rule.ID] = *rule
	return nil
}

func (f *fakeRuleStore) Update(ctx context.Context, rule model.AlertRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[rule.ID]; !ok {
		return store.ErrNotFound
	}
	f.rules[rule.ID] = rule
	return nil
}

func (f *fakeRuleStore) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[id]
	if !ok || rule.TenantID != tenantID {
		return store.ErrNotFound
	}
	delete(f.rules, id)
	return nil
}

func (f *fakeRuleStore) CompareAndSetLastTriggered(ctx context.Context, ruleID uuid.UUID, expected *time.Time, value time.Time) (bool, error) {
	return false, nil
}

type fakeNudger struct {
	mu    sync.Mutex
	count int
}

func (f *fakeNudger) Nudge() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
}

func (f *fakeNudger) nudges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeLogStore, *fakeRuleStore, *fakeNudger) {
	t.Helper()

	logs := &fakeLogStore{}
	rules := newFakeRuleStore()
	nudger := &fakeNudger{}

	classifier := ingest.NewClassifier("")
	api := NewAPI(classifier, logs, rules, aggregate.NewEngine(logs), fakeAuth{}, nil, nudger)

	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	api.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, logs, rules, nudger
}

func TestIngestEndpoint(t *testing.T) {
	srv, logs, _, nudger := newTestServer(t)

	body := `{
		"pageUrl": "https://example.com/checkout",
		"userAgent": "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0 Safari/537.36",
		"errorLogs": [{"message": "TypeError: x is undefined", "source": "app.js", "lineno": 10}]
	}`

	resp, err := http.Post(srv.URL+"/v1/logs?apiKey="+testKey, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		Message string `json:"message"`
		LogType string `json:"logType"`
		ID      string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "error", out.LogType)
	assert.NotEmpty(t, out.ID)

	require.Len(t, logs.records, 1)
	assert.Equal(t, "tenant-1", logs.records[0].TenantID)
	assert.Equal(t, model.BrowserChrome, logs.records[0].Browser)
	assert.Equal(t, 1, nudger.nudges())
}

func TestIngestAcceptsHeaderKey(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/logs", strings.NewReader(`{"pageUrl":"https://example.com"}`))
	require.NoError(t, err)
	req.Header.Set("X-Api-Key", testKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestIngestRejectsMissingAndInvalidKeys(t *testing.T) {
	srv, logs, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/logs", "application/json", strings.NewReader(`{"pageUrl":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/logs?apiKey=wrong-key-000000", "application/json", strings.NewReader(`{"pageUrl":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Empty(t, logs.records)
}

func TestIngestRejectsMissingPageURL(t *testing.T) {
	srv, logs, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/logs?apiKey="+testKey, "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, logs.records)
}

func TestDashboardEndpoint(t *testing.T) {
	srv, logs, _, _ := newTestServer(t)

	lt := 150.0
	logs.records = []model.EventRecord{
		{PageURL: "https://example.com", Performance: &model.PerformanceMetrics{LoadTime: &lt}},
		{PageURL: "https://example.com", ErrorEntries: []model.ErrorEntry{{Message: "Error: boom", Timestamp: time.Now()}}},
	}

	resp, err := http.Get(srv.URL + "/v1/dashboard?apiKey=" + testKey)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot model.DashboardSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	assert.Equal(t, 2, snapshot.TotalLogs)
	assert.Equal(t, 1, snapshot.TotalErrors)
	assert.Equal(t, 150.0, snapshot.Performance.LoadTime)
	assert.Equal(t, map[string]int{"Error": 1}, snapshot.ErrorCounts)
}

func TestDashboardRejectsBadDates(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/dashboard?apiKey=" + testKey + "&startDate=yesterday")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAlertCRUD(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	client := srv.Client()

	// Create
	createBody := `{"name":"slow pages","condition":"loadTime","threshold":2000,"notifyEmail":"ops@example.com"}`
	resp, err := client.Post(srv.URL+"/v1/alerts/?apiKey="+testKey, "application/json", strings.NewReader(createBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created model.AlertRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, "slow pages", created.Name)
	assert.Equal(t, 5, created.TimeframeMinutes, "timeframe defaults to 5 minutes")
	assert.True(t, created.Active)

	// List
	resp, err = client.Get(srv.URL + "/v1/alerts/?apiKey=" + testKey)
	require.NoError(t, err)
	var listed []model.AlertRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed, 1)

	// Update
	updateBody := `{"threshold":3000,"active":false}`
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/alerts/"+created.ID.String()+"?apiKey="+testKey, strings.NewReader(updateBody))
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated model.AlertRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	resp.Body.Close()
	assert.Equal(t, 3000.0, updated.Threshold)
	assert.False(t, updated.Active)
	assert.Equal(t, "slow pages", updated.Name, "unset fields keep their values")

	// Delete
	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/v1/alerts/"+created.ID.String()+"?apiKey="+testKey, nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Delete again
	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/v1/alerts/"+created.ID.String()+"?apiKey="+testKey, nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateAlertRejectsUnknownCondition(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	body := `{"name":"x","condition":"memoryUsage","threshold":1,"notifyEmail":"ops@example.com"}`
	resp, err := http.Post(srv.URL+"/v1/alerts/?apiKey="+testKey, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
