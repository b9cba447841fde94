package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/weather-dashboard-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
)

// WeatherClient fetches current conditions and forecasts from the provider.
type WeatherClient interface {
	CurrentByCity(ctx context.Context, name string) (models.WeatherRecord, error)
	CurrentByCoordinates(ctx context.Context, lat, lon float64) (models.WeatherRecord, error)
	Forecast(ctx context.Context, q ForecastQuery) (models.Forecast, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	// ErrCityNotFound means the provider has no city for the query (HTTP 404).
	ErrCityNotFound = errors.New("city not found")
	// ErrUnavailable covers every other failure: non-2xx, transport, timeout, decode.
	ErrUnavailable = errors.New("weather data temporarily unavailable")
	// ErrInvalidAPIKey is wrapped together with ErrUnavailable on HTTP 401.
	ErrInvalidAPIKey = errors.New("invalid API key")
	// ErrRateLimited is wrapped together with ErrUnavailable on HTTP 429.
	ErrRateLimited = errors.New("rate limited")
)

const (
	endpointWeather  = "weather"
	endpointForecast = "forecast"
)

// Options configures an OpenWeatherClient. Zero values fall back to defaults.
type Options struct {
	APIKey         string
	BaseURL        string
	Units          string
	Timeout        time.Duration
	ForecastCount  int
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// ForecastQuery selects a forecast by provider city ID or by coordinates.
// CityID wins when both are set.
type ForecastQuery struct {
	CityID int64
	Coord  *models.Coordinates
}

// Key is the canonical cache key for the query.
func (q ForecastQuery) Key() string {
	if q.CityID > 0 {
		return "id:" + strconv.FormatInt(q.CityID, 10)
	}
	if q.Coord != nil {
		return fmt.Sprintf("coord:%.4f,%.4f", q.Coord.Lat, q.Coord.Lon)
	}
	return ""
}

type OpenWeatherClient struct {
	apiKey         string
	baseURL        string
	units          string
	timeout        time.Duration
	forecastCount  int
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

func NewOpenWeatherClient(opts Options) (*OpenWeatherClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(opts.APIKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openweathermap.org/data/2.5"
	}
	if opts.Units == "" {
		opts.Units = "metric"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.ForecastCount <= 0 {
		opts.ForecastCount = 40
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}

	return &OpenWeatherClient{
		apiKey:         opts.APIKey,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		units:          opts.Units,
		timeout:        opts.Timeout,
		forecastCount:  opts.ForecastCount,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
	}, nil
}

// SetCircuitBreaker routes every provider call through cb. nil disables it.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type currentResponse struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Weather []weatherCondition `json:"weather"`
	Wind    struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Sys struct {
		Country string `json:"country"`
	} `json:"sys"`
	Timezone int `json:"timezone"`
}

type weatherCondition struct {
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type forecastResponse struct {
	City struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		Timezone int    `json:"timezone"`
	} `json:"city"`
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity int     `json:"humidity"`
		} `json:"main"`
		Weather []weatherCondition `json:"weather"`
		Wind    struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
	} `json:"list"`
}

// CurrentByCity fetches current weather by free-text city name.
func (c *OpenWeatherClient) CurrentByCity(ctx context.Context, name string) (models.WeatherRecord, error) {
	params := url.Values{}
	params.Set("q", name)
	return c.current(ctx, params)
}

// CurrentByCoordinates fetches current weather for the city nearest lat/lon.
func (c *OpenWeatherClient) CurrentByCoordinates(ctx context.Context, lat, lon float64) (models.WeatherRecord, error) {
	params := url.Values{}
	params.Set("lat", formatCoord(lat))
	params.Set("lon", formatCoord(lon))
	return c.current(ctx, params)
}

func (c *OpenWeatherClient) current(ctx context.Context, params url.Values) (models.WeatherRecord, error) {
	var resp currentResponse
	if err := c.getWithRetry(ctx, endpointWeather, params, &resp); err != nil {
		return models.WeatherRecord{}, err
	}
	if resp.ID <= 0 {
		return models.WeatherRecord{}, fmt.Errorf("%w: response has no city id", ErrUnavailable)
	}
	return mapCurrent(resp), nil
}

// Forecast fetches the three-hour forecast list for a city ID or coordinates.
func (c *OpenWeatherClient) Forecast(ctx context.Context, q ForecastQuery) (models.Forecast, error) {
	params := url.Values{}
	switch {
	case q.CityID > 0:
		params.Set("id", strconv.FormatInt(q.CityID, 10))
	case q.Coord != nil:
		params.Set("lat", formatCoord(q.Coord.Lat))
		params.Set("lon", formatCoord(q.Coord.Lon))
	default:
		return models.Forecast{}, fmt.Errorf("forecast query needs a city id or coordinates")
	}
	params.Set("cnt", strconv.Itoa(c.forecastCount))

	var resp forecastResponse
	if err := c.getWithRetry(ctx, endpointForecast, params, &resp); err != nil {
		return models.Forecast{}, err
	}
	return mapForecast(resp), nil
}

func (c *OpenWeatherClient) getWithRetry(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(delay):
			}
		}

		err := c.call(ctx, endpoint, params, out)
		if err == nil {
			return nil
		}
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()

		lastErr = err
		if !c.isRetryable(ctx, err) {
			return err
		}
	}

	if c.retryAttempts > 1 {
		return fmt.Errorf("exhausted retries: %w", lastErr)
	}
	return lastErr
}

func (c *OpenWeatherClient) call(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	if c.breaker == nil {
		return c.callAPI(ctx, endpoint, params, out)
	}
	var callErr error
	err := c.breaker.Call(ctx, func() error {
		callErr = c.callAPI(ctx, endpoint, params, out)
		// a missing city is a healthy upstream answer
		if errors.Is(callErr, ErrCityNotFound) {
			return nil
		}
		return callErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return callErr
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, endpoint, params)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: request timeout: %w", ErrUnavailable, err)
		}
		return fmt.Errorf("%w: http request failed: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response body: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: parse response: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *OpenWeatherClient) isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrCityNotFound) || errors.Is(err, ErrInvalidAPIKey) {
		return false
	}
	return errors.Is(err, ErrUnavailable)
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + "/" + endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("appid", c.apiKey)
	q.Set("units", c.units)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrCityNotFound
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrUnavailable, ErrInvalidAPIKey)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrUnavailable, ErrRateLimited)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	return nil
}

func mapCurrent(r currentResponse) models.WeatherRecord {
	var cond weatherCondition
	if len(r.Weather) > 0 {
		cond = r.Weather[0]
	}
	return models.WeatherRecord{
		ID:          r.ID,
		Name:        r.Name,
		Country:     r.Sys.Country,
		Temperature: r.Main.Temp,
		FeelsLike:   r.Main.FeelsLike,
		Humidity:    r.Main.Humidity,
		WindSpeed:   r.Wind.Speed,
		Conditions:  cond.Main,
		Description: cond.Description,
		Icon:        cond.Icon,
		Coord:       models.Coordinates{Lat: r.Coord.Lat, Lon: r.Coord.Lon},
		TZOffset:    r.Timezone,
		FetchedAt:   time.Now().UTC(),
	}
}

func mapForecast(r forecastResponse) models.Forecast {
	out := models.Forecast{
		CityID:   r.City.ID,
		CityName: r.City.Name,
		TZOffset: r.City.Timezone,
		Entries:  make([]models.ForecastEntry, 0, len(r.List)),
	}
	for _, item := range r.List {
		var cond weatherCondition
		if len(item.Weather) > 0 {
			cond = item.Weather[0]
		}
		out.Entries = append(out.Entries, models.ForecastEntry{
			Time:        time.Unix(item.Dt, 0).UTC(),
			Temperature: item.Main.Temp,
			Humidity:    item.Main.Humidity,
			WindSpeed:   item.Wind.Speed,
			Conditions:  cond.Main,
			Description: cond.Description,
			Icon:        cond.Icon,
		})
	}
	return out
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey makes a lightweight request and reports whether the key is accepted.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	params := url.Values{}
	params.Set("q", "London")
	req, err := c.buildRequest(ctx, endpointWeather, params)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
