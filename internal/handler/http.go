package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sitepulse/sitepulse/internal/aggregate"
	"github.com/sitepulse/sitepulse/internal/ingest"
	"github.com/sitepulse/sitepulse/internal/model"
	"github.com/sitepulse/sitepulse/internal/store"
)

// KeyValidator resolves API keys to tenants and rate limits them.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, apiKey string) (model.Tenant, error)
	Allow(ctx context.Context, tenantID string) bool
}

// Nudger requests an out-of-band alert sweep after ingestion.
type Nudger interface {
	Nudge()
}

// RecordPublisher forwards accepted records to the event firehose.
type RecordPublisher interface {
	PublishRecord(ctx context.Context, record model.EventRecord) error
}

type API struct {
	classifier *ingest.Classifier
	logs       store.LogStore
	rules      store.RuleStore
	engine     *aggregate.Engine
	auth       KeyValidator
	publisher  RecordPublisher
	scheduler  Nudger
}

func NewAPI(classifier *ingest.Classifier, logs store.LogStore, rules store.RuleStore, engine *aggregate.Engine, auth KeyValidator, publisher RecordPublisher, scheduler Nudger) *API {
	return &API{
		classifier: classifier,
		logs:       logs,
		rules:      rules,
		engine:     engine,
		auth:       auth,
		publisher:  publisher,
		scheduler:  scheduler,
	}
}

// Routes mounts the API onto r.
func (a *API) Routes(r chi.Router) {
	r.Post("/v1/logs", a.HandleIngest)
	r.Get("/v1/dashboard", a.HandleDashboard)
	r.Route("/v1/alerts", func(r chi.Router) {
		r.Get("/", a.HandleListAlerts)
		r.Post("/", a.HandleCreateAlert)
		r.Put("/{id}", a.HandleUpdateAlert)
		r.Delete("/{id}", a.HandleDeleteAlert)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// tenant authenticates the request. The beacon transport of the collection
// library can only attach the key as a query parameter, so both the header
// and ?apiKey= are accepted.
func (a *API) tenant(w http.ResponseWriter, r *http.Request) (model.Tenant, bool) {
	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		apiKey = r.Header.Get("X-Api-Key")
	}
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "No API key provided")
		return model.Tenant{}, false
	}

	tenant, err := a.auth.ValidateAPIKey(r.Context(), apiKey)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid API key")
		return model.Tenant{}, false
	}
	return tenant, true
}

type ingestResponse struct {
	Message string        `json:"message"`
	LogType model.LogType `json:"logType"`
	ID      uuid.UUID     `json:"id"`
}

func (a *API) HandleIngest(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.tenant(w, r)
	if !ok {
		return
	}

	if !a.auth.Allow(r.Context(), tenant.ID) {
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	var payload ingest.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	clientIP := r.Header.Get("X-Real-IP")
	if clientIP == "" {
		clientIP = r.Header.Get("X-Forwarded-For")
	}
	if payload.UserAgent == "" {
		payload.UserAgent = r.Header.Get("User-Agent")
	}

	record, err := a.classifier.Classify(payload, tenant, clientIP)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Reason)
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	id, err := a.logs.Insert(r.Context(), record)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Failed to insert event record")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	if a.publisher != nil {
		if err := a.publisher.PublishRecord(r.Context(), record); err != nil {
			log.Error().Err(err).Str("record_id", id.String()).Msg("Failed to publish record")
		}
	}

	if a.scheduler != nil {
		a.scheduler.Nudge()
	}

	writeJSON(w, http.StatusCreated, ingestResponse{
		Message: "Log received successfully",
		LogType: record.LogType,
		ID:      id,
	})
}

func (a *API) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.tenant(w, r)
	if !ok {
		return
	}

	filter := model.Filter{
		PageURL: r.URL.Query().Get("pageUrl"),
		Browser: r.URL.Query().Get("browser"),
	}
	if raw := r.URL.Query().Get("startDate"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid startDate")
			return
		}
		filter.Start = &t
	}
	if raw := r.URL.Query().Get("endDate"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid endDate")
			return
		}
		filter.End = &t
	}

	snapshot, err := a.engine.Snapshot(r.Context(), tenant.ID, filter)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Failed to aggregate dashboard data")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (a *API) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.tenant(w, r)
	if !ok {
		return
	}

	rules, err := a.rules.ListByTenant(r.Context(), tenant.ID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Failed to list alert rules")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	if rules == nil {
		rules = []model.AlertRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

type alertRequest struct {
	Name             *string  `json:"name"`
	Condition        *string  `json:"condition"`
	Threshold        *float64 `json:"threshold"`
	TimeframeMinutes *int     `json:"timeframeMinutes"`
	NotifyEmail      *string  `json:"notifyEmail"`
	Active           *bool    `json:"active"`
}

func (a *API) HandleCreateAlert(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.tenant(w, r)
	if !ok {
		return
	}

	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Name == nil || *req.Name == "" || req.Condition == nil || req.Threshold == nil || req.NotifyEmail == nil {
		writeError(w, http.StatusBadRequest, "name, condition, threshold and notifyEmail are required")
		return
	}

	rule := model.AlertRule{
		TenantID:         tenant.ID,
		Name:             *req.Name,
		Condition:        model.Condition(*req.Condition),
		Threshold:        *req.Threshold,
		TimeframeMinutes: 5,
		NotifyEmail:      *req.NotifyEmail,
		Active:           true,
	}
	if req.TimeframeMinutes != nil {
		rule.TimeframeMinutes = *req.TimeframeMinutes
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if !rule.Condition.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown condition")
		return
	}
	if rule.Threshold < 0 || rule.TimeframeMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "threshold must be >= 0 and timeframeMinutes > 0")
		return
	}

	if err := a.rules.Create(r.Context(), &rule); err != nil {
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Failed to create alert rule")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) HandleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.tenant(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid alert id")
		return
	}

	rule, err := a.rules.Get(r.Context(), tenant.ID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Failed to load alert rule")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Condition != nil {
		rule.Condition = model.Condition(*req.Condition)
	}
	if req.Threshold != nil {
		rule.Threshold = *req.Threshold
	}
	if req.TimeframeMinutes != nil {
		rule.TimeframeMinutes = *req.TimeframeMinutes
	}
	if req.NotifyEmail != nil {
		rule.NotifyEmail = *req.NotifyEmail
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if !rule.Condition.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown condition")
		return
	}
	if rule.Threshold < 0 || rule.TimeframeMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "threshold must be >= 0 and timeframeMinutes > 0")
		return
	}

	if err := a.rules.Update(r.Context(), rule); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Failed to update alert rule")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) HandleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.tenant(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid alert id")
		return
	}

	if err := a.rules.Delete(r.Context(), tenant.ID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Failed to delete alert rule")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Alert deleted"})
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
