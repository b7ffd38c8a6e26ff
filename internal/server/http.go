package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/smukkama/telemetry-alerts/internal/admission"
	"github.com/smukkama/telemetry-alerts/internal/alerting"
	"github.com/smukkama/telemetry-alerts/internal/auth"
	"github.com/smukkama/telemetry-alerts/internal/ingest"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/models"
	"github.com/smukkama/telemetry-alerts/internal/ratelimit"
)

// DeviceTokenHeader carries the device credential on HTTP ingestion
const DeviceTokenHeader = "X-Device-Token"

const (
	defaultFailuresLimit = 50
	maxFailuresLimit     = 500
)

// AlertOperations is the operator-facing part of the lifecycle manager
type AlertOperations interface {
	Get(ctx context.Context, alertID string) (*models.Alert, error)
	Acknowledge(ctx context.Context, alertID string) (*models.Alert, error)
	Ignore(ctx context.Context, alertID string) (*models.Alert, error)
	Resolve(ctx context.Context, alertID string) (*models.Alert, error)
}

// ActiveAlertLister lists alerts that are still open
type ActiveAlertLister interface {
	ActiveAlerts(ctx context.Context) ([]*models.Alert, error)
}

// FailureStore lists notifications that will not be delivered
type FailureStore interface {
	ListPermanentFailures(ctx context.Context, limit int) ([]models.NotificationAttempt, error)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// API bundles the gateway's HTTP dependencies
type API struct {
	Gateway  Ingester
	Alerts   AlertOperations
	Active   ActiveAlertLister
	Failures FailureStore
	Auth     *auth.OperatorAuth
	// Ingest admits POST /ingest; Operator admits every operator route
	Ingest   *admission.Pipeline
	Operator *admission.Pipeline
	Checks   []HealthCheck
}

// NewMux returns a router with the middleware, /health and /metrics that
// every service exposes.
func NewMux(checks ...HealthCheck) *chi.Mux {
	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(Logging)

	r.Get("/health", healthHandler(checks))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// NewRouter builds the gateway router
func NewRouter(api *API) *chi.Mux {
	h := &handler{api: api, log: logger.WithComponent("http")}
	r := NewMux(api.Checks...)

	ingestPipeline := api.Ingest
	if ingestPipeline == nil {
		ingestPipeline = admission.New()
	}
	r.Method(http.MethodPost, "/ingest", ingestPipeline.Handler(http.HandlerFunc(h.ingest)))

	operatorPipeline := api.Operator
	if operatorPipeline == nil {
		operatorPipeline = admission.New()
	}
	r.Group(func(r chi.Router) {
		r.Use(operatorPipeline.Handler)
		r.Use(api.Auth.Middleware)

		r.Get("/alerts", h.activeAlerts)
		r.Get("/alerts/{id}", h.getAlert)
		r.Post("/alerts/{id}/acknowledge", h.operate(api.Alerts.Acknowledge, "acknowledge"))
		r.Post("/alerts/{id}/ignore", h.operate(api.Alerts.Ignore, "ignore"))
		r.Post("/alerts/{id}/resolve", h.operate(api.Alerts.Resolve, "resolve"))
		r.Get("/notifications/failures", h.failures)
	})

	return r
}

type handler struct {
	api *API
	log zerolog.Logger
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func (h *handler) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "")
			return
		}
		writeError(w, http.StatusBadRequest, string(ingest.ReasonMalformedPayload), "failed to read body")
		return
	}

	reading, err := h.api.Gateway.Ingest(r.Context(), body, ingest.TransportMeta{
		Transport:  models.TransportHTTP,
		DeviceID:   strings.TrimSpace(r.Header.Get(ratelimit.DeviceIDHeader)),
		Token:      r.Header.Get(DeviceTokenHeader),
		ReceivedAt: time.Now(),
	})
	if err != nil {
		if rej, ok := ingest.AsRejection(err); ok {
			writeError(w, rejectionStatus(rej.Reason), string(rej.Reason), rej.Detail)
			return
		}
		h.log.Error().Err(err).Msg("failed to ingest HTTP reading")
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"sensorId": reading.SensorID,
	})
}

func rejectionStatus(reason ingest.Reason) int {
	switch reason {
	case ingest.ReasonUnknownDevice:
		return http.StatusUnauthorized
	case ingest.ReasonSensorNotConfigured:
		return http.StatusUnprocessableEntity
	case ingest.ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func (h *handler) activeAlerts(w http.ResponseWriter, r *http.Request) {
	if h.api.Active == nil {
		writeError(w, http.StatusNotImplemented, "not_available", "")
		return
	}
	alerts, err := h.api.Active.ActiveAlerts(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list active alerts")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(alerts), "alerts": alerts})
}

func (h *handler) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.api.Alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *handler) operate(action func(context.Context, string) (*models.Alert, error), name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alertID := chi.URLParam(r, "id")
		alert, err := action(r.Context(), alertID)
		if err != nil {
			h.writeLifecycleError(w, err)
			return
		}

		ev := h.log.Info().Str("alert_id", alertID).Str("action", name).Str("state", string(alert.State))
		if claims, ok := auth.OperatorFromContext(r.Context()); ok {
			ev = ev.Str("operator", claims.Operator)
		}
		ev.Msg("operator action applied")

		writeJSON(w, http.StatusOK, alert)
	}
}

func (h *handler) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alerting.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "alert_not_found", "")
	case errors.Is(err, alerting.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, alerting.ErrStateConflict):
		writeError(w, http.StatusConflict, "state_conflict", err.Error())
	default:
		h.log.Error().Err(err).Msg("alert operation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

type failuresResponse struct {
	Count    int                          `json:"count"`
	Failures []models.NotificationAttempt `json:"failures"`
}

func (h *handler) failures(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailuresLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxFailuresLimit)
	}

	failures, err := h.api.Failures.ListPermanentFailures(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list notification failures")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	if failures == nil {
		failures = []models.NotificationAttempt{}
	}
	writeJSON(w, http.StatusOK, failuresResponse{Count: len(failures), Failures: failures})
}

func healthHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		result := map[string]string{}
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				result[c.Name] = err.Error()
				continue
			}
			result[c.Name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		writeJSON(w, status, map[string]interface{}{"status": state, "checks": result})
	}
}
