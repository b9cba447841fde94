package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-dashboard-service/internal/cache"
	"github.com/kjstillabower/weather-dashboard-service/internal/client"
	"github.com/kjstillabower/weather-dashboard-service/internal/lifecycle"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
	"github.com/kjstillabower/weather-dashboard-service/internal/recent"
	"github.com/kjstillabower/weather-dashboard-service/internal/service"
	"github.com/kjstillabower/weather-dashboard-service/internal/traffic"
)

var (
	london = models.WeatherRecord{ID: 2643743, Name: "London", Country: "GB", Temperature: 11.2, Coord: models.Coordinates{Lat: 51.5085, Lon: -0.1257}}
	paris  = models.WeatherRecord{ID: 2988507, Name: "Paris", Country: "FR", Temperature: 14.0, Coord: models.Coordinates{Lat: 48.8534, Lon: 2.3488}}
)

type mockWeatherClient struct {
	mu          sync.Mutex
	cities      map[string]models.WeatherRecord
	byCoord     models.WeatherRecord
	err         error
	forecast    models.Forecast
	forecastErr error
	validateErr error
	block       chan struct{} // if set, CurrentByCity blocks until ctx.Done() or close
}

func (m *mockWeatherClient) CurrentByCity(ctx context.Context, name string) (models.WeatherRecord, error) {
	if m.block != nil {
		select {
		case <-ctx.Done():
			return models.WeatherRecord{}, fmt.Errorf("%w: %v", client.ErrUnavailable, ctx.Err())
		case <-m.block:
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.WeatherRecord{}, m.err
	}
	rec, ok := m.cities[name]
	if !ok {
		return models.WeatherRecord{}, client.ErrCityNotFound
	}
	return rec, nil
}

func (m *mockWeatherClient) CurrentByCoordinates(ctx context.Context, lat, lon float64) (models.WeatherRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.WeatherRecord{}, m.err
	}
	return m.byCoord, nil
}

func (m *mockWeatherClient) Forecast(ctx context.Context, q client.ForecastQuery) (models.Forecast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forecastErr != nil {
		return models.Forecast{}, m.forecastErr
	}
	return m.forecast, nil
}

func (m *mockWeatherClient) ValidateAPIKey(ctx context.Context) error {
	return m.validateErr
}

func newMockClient() *mockWeatherClient {
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	var entries []models.ForecastEntry
	for i := 0; i < 16; i++ {
		entries = append(entries, models.ForecastEntry{
			Time:        start.Add(time.Duration(i) * 6 * time.Hour),
			Temperature: float64(10 + i),
			Conditions:  "Clouds",
			Icon:        "04d",
		})
	}
	return &mockWeatherClient{
		cities:   map[string]models.WeatherRecord{"London": london, "Paris": paris},
		byCoord:  paris,
		forecast: models.Forecast{CityID: london.ID, CityName: "London", Entries: entries},
	}
}

type testEnv struct {
	client  *mockWeatherClient
	handler *Handler
	tracker *traffic.Tracker
	router  *mux.Router
}

func setReady(t *testing.T) {
	t.Helper()
	lifecycle.SetReady(true)
	lifecycle.SetShuttingDown(false)
	t.Cleanup(func() {
		lifecycle.SetReady(false)
		lifecycle.SetShuttingDown(false)
	})
}

func newTestEnv(t testing.TB, c *mockWeatherClient, healthCfg *HealthConfig, logger *zap.Logger) *testEnv {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	rc, err := recent.New(context.Background(), nil, 5)
	if err != nil {
		t.Fatalf("recent.New() error = %v", err)
	}
	svc := service.NewDashboardService(c, rc, cache.NewInMemoryCache(), logger, service.Options{CityNameMin: 1, CityNameMax: 100})
	tracker := traffic.NewTracker(0)
	h := NewHandler(svc, tracker, healthCfg, logger)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	h.Routes(router)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	return &testEnv{client: c, handler: h, tracker: tracker, router: router}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(CorrelationIDHeader, "test-correlation-id")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeCities(t *testing.T, w *httptest.ResponseRecorder) []models.WeatherRecord {
	t.Helper()
	var resp citiesResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode cities: %v", err)
	}
	return resp.Cities
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var resp struct {
		Error map[string]string `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return resp.Error
}

func ids(list []models.WeatherRecord) []int64 {
	out := make([]int64, len(list))
	for i, r := range list {
		out[i] = r.ID
	}
	return out
}

func TestHandler_ListCities_Empty(t *testing.T) {
	env := newTestEnv(t, newMockClient(), nil, nil)

	w := env.do(http.MethodGet, "/cities", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"cities":[]`) {
		t.Errorf("body = %s, want empty cities array", w.Body.String())
	}
}

func TestHandler_SearchCity_Success(t *testing.T) {
	env := newTestEnv(t, newMockClient(), nil, nil)

	env.do(http.MethodPost, "/cities", `{"name":"London"}`)
	w := env.do(http.MethodPost, "/cities", `{"name":"  Paris "}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	got := ids(decodeCities(t, w))
	if len(got) != 2 || got[0] != paris.ID || got[1] != london.ID {
		t.Errorf("cities = %v, want [Paris London]", got)
	}
	if errs, total := env.tracker.ErrorRate(time.Minute); errs != 0 || total != 2 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 2)", errs, total)
	}
}

// TestHandler_SearchCity_Errors verifies status codes and error codes for each error class.
func TestHandler_SearchCity_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		clientErr error
		wantCode  int
		wantError string
	}{
		{"unknown city", `{"name":"Atlantis"}`, nil, http.StatusNotFound, "CITY_NOT_FOUND"},
		{"empty name", `{"name":"   "}`, nil, http.StatusBadRequest, "INVALID_CITY"},
		{"invalid chars", `{"name":"<script>"}`, nil, http.StatusBadRequest, "INVALID_CITY"},
		{"malformed body", `{"name":`, nil, http.StatusBadRequest, "INVALID_CITY"},
		{"upstream failure", `{"name":"London"}`, fmt.Errorf("%w: status 500", client.ErrUnavailable), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newMockClient()
			c.err = tt.clientErr
			env := newTestEnv(t, c, nil, nil)

			w := env.do(http.MethodPost, "/cities", tt.body)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			e := decodeError(t, w)
			if e["code"] != tt.wantError {
				t.Errorf("error.code = %q, want %q", e["code"], tt.wantError)
			}
			if e["requestId"] != "test-correlation-id" {
				t.Errorf("error.requestId = %q, want test-correlation-id", e["requestId"])
			}
			if list := env.handler.dashboard.Recent(context.Background()); len(list) != 0 {
				t.Errorf("recent list changed on error: %v", ids(list))
			}
		})
	}
}

func TestHandler_SearchCity_UpstreamDetailNotLeaked(t *testing.T) {
	c := newMockClient()
	c.err = fmt.Errorf("%w: dial tcp 10.0.0.1:443: connection refused", client.ErrUnavailable)
	env := newTestEnv(t, c, nil, nil)

	w := env.do(http.MethodPost, "/cities", `{"name":"London"}`)

	if strings.Contains(w.Body.String(), "10.0.0.1") {
		t.Errorf("response leaks upstream detail: %s", w.Body.String())
	}
	if errs, _ := env.tracker.ErrorRate(time.Minute); errs != 1 {
		t.Errorf("tracked errors = %d, want 1", errs)
	}
}

func TestHandler_LocateCity(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantError string
	}{
		{"success", `{"lat":48.85,"lon":2.35}`, http.StatusOK, ""},
		{"zero coordinates", `{"lat":0,"lon":0}`, http.StatusOK, ""},
		{"missing lon", `{"lat":48.85}`, http.StatusBadRequest, "LOCATION_UNAVAILABLE"},
		{"empty body", `{}`, http.StatusBadRequest, "LOCATION_UNAVAILABLE"},
		{"out of range", `{"lat":91,"lon":0}`, http.StatusBadRequest, "LOCATION_UNAVAILABLE"},
		{"not json", `nope`, http.StatusBadRequest, "LOCATION_UNAVAILABLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, newMockClient(), nil, nil)

			w := env.do(http.MethodPost, "/cities/locate", tt.body)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantError != "" {
				if e := decodeError(t, w); e["code"] != tt.wantError {
					t.Errorf("error.code = %q, want %q", e["code"], tt.wantError)
				}
				return
			}
			if got := ids(decodeCities(t, w)); len(got) != 1 || got[0] != paris.ID {
				t.Errorf("cities = %v, want [Paris]", got)
			}
		})
	}
}

func TestHandler_PromoteCity(t *testing.T) {
	env := newTestEnv(t, newMockClient(), nil, nil)
	env.do(http.MethodPost, "/cities", `{"name":"London"}`)
	env.do(http.MethodPost, "/cities", `{"name":"Paris"}`)

	w := env.do(http.MethodPost, fmt.Sprintf("/cities/%d/promote", london.ID), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := ids(decodeCities(t, w)); len(got) != 2 || got[0] != london.ID {
		t.Errorf("cities = %v, want London first", got)
	}

	// Unknown ID is a no-op.
	w = env.do(http.MethodPost, "/cities/42/promote", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unknown id status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := ids(decodeCities(t, w)); len(got) != 2 || got[0] != london.ID {
		t.Errorf("cities after unknown promote = %v, want unchanged", got)
	}
}

func TestHandler_InvalidID(t *testing.T) {
	env := newTestEnv(t, newMockClient(), nil, nil)
	for _, path := range []string{"/cities/abc/promote", "/cities/-1/promote", "/cities/0/forecast"} {
		method := http.MethodPost
		if strings.HasSuffix(path, "forecast") {
			method = http.MethodGet
		}
		w := env.do(method, path, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want %d", path, w.Code, http.StatusBadRequest)
			continue
		}
		if e := decodeError(t, w); e["code"] != "INVALID_ID" {
			t.Errorf("%s error.code = %q, want INVALID_ID", path, e["code"])
		}
	}
}

func TestHandler_CityForecast(t *testing.T) {
	env := newTestEnv(t, newMockClient(), nil, nil)
	env.do(http.MethodPost, "/cities", `{"name":"London"}`)

	w := env.do(http.MethodGet, fmt.Sprintf("/cities/%d/forecast", london.ID), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp forecastResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CityID != london.ID || len(resp.Forecast) != 4 {
		t.Errorf("forecast = (%d, %d days), want (%d, 4 days)", resp.CityID, len(resp.Forecast), london.ID)
	}

	w = env.do(http.MethodGet, fmt.Sprintf("/cities/%d/forecast", paris.ID), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("untracked status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if e := decodeError(t, w); e["code"] != "CITY_NOT_TRACKED" {
		t.Errorf("error.code = %q, want CITY_NOT_TRACKED", e["code"])
	}
}

func TestHandler_GetDashboard(t *testing.T) {
	env := newTestEnv(t, newMockClient(), nil, nil)
	env.do(http.MethodPost, "/cities", `{"name":"Paris"}`)
	env.do(http.MethodPost, "/cities", `{"name":"London"}`)

	w := env.do(http.MethodGet, "/dashboard", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var view models.Dashboard
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Current == nil || view.Current.ID != london.ID {
		t.Fatalf("current = %+v, want London", view.Current)
	}
	if len(view.Forecast) != 4 || view.ForecastError != "" {
		t.Errorf("forecast = %d days, error %q", len(view.Forecast), view.ForecastError)
	}
	if got := ids(view.Recent); len(got) != 1 || got[0] != paris.ID {
		t.Errorf("recent = %v, want [Paris]", got)
	}
}

func TestHandler_GetDashboard_ForecastUnavailable(t *testing.T) {
	c := newMockClient()
	c.forecastErr = fmt.Errorf("%w: status 502", client.ErrUnavailable)
	env := newTestEnv(t, c, nil, nil)
	env.do(http.MethodPost, "/cities", `{"name":"London"}`)

	w := env.do(http.MethodGet, "/dashboard", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var view models.Dashboard
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ForecastError != service.ForecastUnavailable {
		t.Errorf("forecastError = %q, want %q", view.ForecastError, service.ForecastUnavailable)
	}
	if errs, _ := env.tracker.ErrorRate(time.Minute); errs != 1 {
		t.Errorf("tracked errors = %d, want 1", errs)
	}
}

func TestHandler_GetDashboard_Empty(t *testing.T) {
	env := newTestEnv(t, newMockClient(), nil, nil)

	w := env.do(http.MethodGet, "/dashboard", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"recent":[]`) || strings.Contains(w.Body.String(), "current") {
		t.Errorf("body = %s, want empty dashboard", w.Body.String())
	}
}

func healthStatus(t *testing.T, w *httptest.ResponseRecorder) (string, map[string]string) {
	t.Helper()
	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return resp.Status, resp.Checks
}

// TestHandler_GetHealth verifies the status priority order.
func TestHandler_GetHealth(t *testing.T) {
	healthCfg := &HealthConfig{
		DegradedWindow:       time.Minute,
		DegradedErrorPct:     50,
		OverloadWindow:       time.Minute,
		OverloadThresholdPct: 10,
		RateLimitRPS:         1, // threshold: 6 denials per minute
	}
	tests := []struct {
		name         string
		ready        bool
		shuttingDown bool
		validateErr  error
		setup        func(tr *traffic.Tracker)
		wantStatus   string
		wantCode     int
	}{
		{"healthy", true, false, nil, nil, StatusHealthy, http.StatusOK},
		{"starting", false, false, nil, nil, lifecycle.StateStarting, http.StatusServiceUnavailable},
		{"shutting down wins", true, true, errors.New("bad key"), nil, lifecycle.StateShuttingDown, http.StatusServiceUnavailable},
		{"invalid api key", true, false, client.ErrInvalidAPIKey, nil, StatusDegraded, http.StatusServiceUnavailable},
		{"error rate", true, false, nil, func(tr *traffic.Tracker) {
			tr.RecordSuccess()
			tr.RecordError()
		}, StatusDegraded, http.StatusServiceUnavailable},
		{"error rate below threshold", true, false, nil, func(tr *traffic.Tracker) {
			tr.RecordSuccess()
			tr.RecordSuccess()
			tr.RecordError()
		}, StatusHealthy, http.StatusOK},
		{"overloaded", true, false, nil, func(tr *traffic.Tracker) {
			for i := 0; i < 7; i++ {
				tr.RecordDenied()
			}
			tr.RecordError()
		}, StatusOverloaded, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setReady(t)
			lifecycle.SetReady(tt.ready)
			lifecycle.SetShuttingDown(tt.shuttingDown)
			c := newMockClient()
			c.validateErr = tt.validateErr
			env := newTestEnv(t, c, healthCfg, nil)
			if tt.setup != nil {
				tt.setup(env.tracker)
			}

			w := env.do(http.MethodGet, "/health", "")

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			if status, _ := healthStatus(t, w); status != tt.wantStatus {
				t.Errorf("status = %q, want %q", status, tt.wantStatus)
			}
		})
	}
}

func TestHandler_GetHealth_DependencyChecks(t *testing.T) {
	setReady(t)
	healthCfg := &HealthConfig{
		StorePing: func(ctx context.Context) error { return errors.New("redis down") },
		CachePing: func() error { return nil },
	}
	env := newTestEnv(t, newMockClient(), healthCfg, nil)

	w := env.do(http.MethodGet, "/health", "")

	status, checks := healthStatus(t, w)
	if status != StatusHealthy {
		t.Errorf("status = %q, want healthy (dependency checks are informational)", status)
	}
	want := map[string]string{"weatherApi": "healthy", "recentStore": "unhealthy", "cache": "healthy"}
	for k, v := range want {
		if checks[k] != v {
			t.Errorf("checks[%s] = %q, want %q", k, checks[k], v)
		}
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	setReady(t)
	core, logs := observer.New(zapcore.InfoLevel)
	c := newMockClient()
	env := newTestEnv(t, c, nil, zap.New(core))

	env.do(http.MethodGet, "/health", "")
	c.validateErr = client.ErrInvalidAPIKey
	env.do(http.MethodGet, "/health", "")
	env.do(http.MethodGet, "/health", "")

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != StatusHealthy || fields["current_status"] != StatusDegraded {
		t.Errorf("transition fields = %v", fields)
	}
}

func TestWriteError_RequestIDFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(observability.WithCorrelationID(req.Context(), "abc-123"))
	w := httptest.NewRecorder()

	writeError(w, req, http.StatusTeapot, "TEAPOT", "short and stout")

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	e := decodeError(t, w)
	if e["code"] != "TEAPOT" || e["message"] != "short and stout" || e["requestId"] != "abc-123" {
		t.Errorf("envelope = %v", e)
	}
}
