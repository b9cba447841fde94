package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/client"
	"github.com/kjstillabower/weather-dashboard-service/internal/lifecycle"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
	"github.com/kjstillabower/weather-dashboard-service/internal/service"
	"github.com/kjstillabower/weather-dashboard-service/internal/traffic"
	"github.com/kjstillabower/weather-dashboard-service/internal/validation"
)

// Health status values reported by GET /health.
const (
	StatusHealthy    = "healthy"
	StatusDegraded   = "degraded"
	StatusOverloaded = "overloaded"
)

// HealthConfig holds thresholds and dependency probes for the health handler.
type HealthConfig struct {
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when rate limiter disabled
	// StorePing, when set, checks the recent-cities store (redis, sqlite).
	StorePing func(ctx context.Context) error
	// CachePing, when set, checks the forecast cache. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	dashboard        *service.DashboardService
	traffic          *traffic.Tracker
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. A nil tracker disables outcome-based health states.
func NewHandler(dashboard *service.DashboardService, tracker *traffic.Tracker, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dashboard:    dashboard,
		traffic:      tracker,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// Routes registers the dashboard API on r.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/cities", h.ListCities).Methods(http.MethodGet)
	r.HandleFunc("/cities", h.SearchCity).Methods(http.MethodPost)
	r.HandleFunc("/cities/locate", h.LocateCity).Methods(http.MethodPost)
	r.HandleFunc("/cities/{id}/promote", h.PromoteCity).Methods(http.MethodPost)
	r.HandleFunc("/cities/{id}/forecast", h.CityForecast).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", h.GetDashboard).Methods(http.MethodGet)
}

type citiesResponse struct {
	Cities []models.WeatherRecord `json:"cities"`
}

type forecastResponse struct {
	CityID   int64                  `json:"cityId"`
	Forecast []models.DailyForecast `json:"forecast"`
}

// ListCities handles GET /cities.
func (h *Handler) ListCities(w http.ResponseWriter, r *http.Request) {
	writeCities(w, http.StatusOK, h.dashboard.Recent(r.Context()))
}

// SearchCity handles POST /cities with body {"name": "..."}.
func (h *Handler) SearchCity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", "request body must be JSON with a name")
		return
	}

	list, err := h.dashboard.SearchCity(r.Context(), body.Name)
	h.recordOutcome(err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeCities(w, http.StatusOK, list)
}

// LocateCity handles POST /cities/locate with body {"lat": .., "lon": ..}.
// A missing coordinate is reported as LOCATION_UNAVAILABLE.
func (h *Handler) LocateCity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Lat == nil || body.Lon == nil {
		writeServiceError(w, r, validation.ErrLocationUnavailable)
		return
	}

	list, err := h.dashboard.LocateCity(r.Context(), *body.Lat, *body.Lon)
	h.recordOutcome(err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeCities(w, http.StatusOK, list)
}

// PromoteCity handles POST /cities/{id}/promote. Unknown IDs leave the list unchanged.
func (h *Handler) PromoteCity(w http.ResponseWriter, r *http.Request) {
	id, ok := validation.ParseCityID(mux.Vars(r)["id"])
	if !ok {
		writeError(w, r, http.StatusBadRequest, "INVALID_ID", "city id must be a positive integer")
		return
	}
	list, err := h.dashboard.PromoteCity(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeCities(w, http.StatusOK, list)
}

// CityForecast handles GET /cities/{id}/forecast.
func (h *Handler) CityForecast(w http.ResponseWriter, r *http.Request) {
	id, ok := validation.ParseCityID(mux.Vars(r)["id"])
	if !ok {
		writeError(w, r, http.StatusBadRequest, "INVALID_ID", "city id must be a positive integer")
		return
	}
	daily, err := h.dashboard.Forecast(r.Context(), id)
	h.recordOutcome(err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forecastResponse{CityID: id, Forecast: daily})
}

// GetDashboard handles GET /dashboard.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	view := h.dashboard.Dashboard(r.Context())
	if view.Current != nil && h.traffic != nil {
		if view.ForecastError != "" {
			h.traffic.RecordError()
		} else {
			h.traffic.RecordSuccess()
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// recordOutcome feeds the degraded-state window. Only upstream failures count
// as errors; a city the provider does not know is a successful answer.
func (h *Handler) recordOutcome(err error) {
	if h.traffic == nil {
		return
	}
	switch {
	case err == nil, errors.Is(err, client.ErrCityNotFound):
		h.traffic.RecordSuccess()
	case errors.Is(err, client.ErrUnavailable):
		h.traffic.RecordError()
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result, apiErr := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": checkStatus(apiErr)}
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		checks["recentStore"] = checkStatus(h.healthConfig.StorePing(r.Context()))
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		checks["cache"] = checkStatus(h.healthConfig.CachePing())
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

func checkStatus(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > API key invalid > overloaded > degraded > healthy.
// The returned error is the API key check result, nil when it was not reached.
func (h *Handler) computeHealthStatus(ctx context.Context) (healthResult, error) {
	if lifecycle.IsShuttingDown() {
		return healthResult{lifecycle.StateShuttingDown, http.StatusServiceUnavailable, "signal"}, nil
	}
	if !lifecycle.IsReady() {
		return healthResult{lifecycle.StateStarting, http.StatusServiceUnavailable, "loading_defaults"}, nil
	}
	if err := h.dashboard.CheckUpstream(ctx); err != nil {
		return healthResult{StatusDegraded, http.StatusServiceUnavailable, "api_key_invalid"}, err
	}
	cfg := h.healthConfig
	if cfg == nil || h.traffic == nil {
		return healthResult{StatusHealthy, http.StatusOK, ""}, nil
	}
	if cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(h.traffic.DenialCount(cfg.OverloadWindow)) > threshold {
			return healthResult{StatusOverloaded, http.StatusServiceUnavailable, "overload_threshold"}, nil
		}
	}
	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errCount, total := h.traffic.ErrorRate(cfg.DegradedWindow)
		if total > 0 && float64(errCount)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			return healthResult{StatusDegraded, http.StatusServiceUnavailable, "error_rate_breach"}, nil
		}
	}
	return healthResult{StatusHealthy, http.StatusOK, ""}, nil
}

func writeCities(w http.ResponseWriter, status int, list []models.WeatherRecord) {
	if list == nil {
		list = []models.WeatherRecord{}
	}
	writeJSON(w, status, citiesResponse{Cities: list})
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps a service error to its status and error code.
// Upstream detail is logged at DEBUG and never returned to the caller.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, validation.ErrLocationUnavailable):
		writeError(w, r, http.StatusBadRequest, "LOCATION_UNAVAILABLE", "Unable to retrieve your location")
	case errors.Is(err, validation.ErrCityEmpty),
		errors.Is(err, validation.ErrCityTooShort),
		errors.Is(err, validation.ErrCityTooLong),
		errors.Is(err, validation.ErrCityInvalidChars):
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
	case errors.Is(err, client.ErrCityNotFound):
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", "City not found. Please try again.")
	case errors.Is(err, service.ErrCityNotTracked):
		writeError(w, r, http.StatusNotFound, "CITY_NOT_TRACKED", "City is not in the recent list")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Weather data temporarily unavailable")
		observability.LoggerFromContext(r.Context()).Debug("upstream error", zap.Error(err))
	}
}
