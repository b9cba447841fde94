package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Provider call rate by endpoint (weather, forecast) and status.
	WeatherAPICallsTotal *prometheus.CounterVec

	// Provider latency by endpoint. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts against the provider. Zero unless retries are configured.
	WeatherAPIRetriesTotal prometheus.Counter

	// Provider errors by category (see client.CategorizeError).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Forecast cache lookups by result (hit, miss, error).
	ForecastCacheLookupsTotal *prometheus.CounterVec

	// Forecast fetches that joined an in-flight fetch for the same key.
	ForecastFetchesCoalescedTotal prometheus.Counter

	// Cities currently held in the recent list.
	RecentCitiesSize prometheus.Gauge

	// Cities dropped from the back of the recent list by the cap.
	RecentCitiesEvictionsTotal prometheus.Counter

	// Recent-list store failures by operation (load, save).
	RecentStoreErrorsTotal *prometheus.CounterVec

	// City searches (name or coordinates) by outcome.
	CitySearchesTotal *prometheus.CounterVec

	// Per-city search count (allow-list; others go to "other").
	CitySearchesByNameTotal *prometheus.CounterVec

	// Default-city loads: duration and failures.
	DefaultCitiesLoadDurationSeconds prometheus.Histogram
	DefaultCitiesLoadErrorsTotal     prometheus.Counter

	// Provider circuit breaker: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState            prometheus.Gauge
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of weather provider API calls",
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "Weather provider API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather provider calls",
		},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Weather provider errors by category",
		},
		[]string{"category"},
	)
	ForecastCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastCacheLookupsTotal",
			Help: "Forecast cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)
	ForecastFetchesCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forecastFetchesCoalescedTotal",
			Help: "Forecast fetches served by an in-flight request for the same key",
		},
	)
	RecentCitiesSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recentCitiesSize",
			Help: "Number of cities in the recent-cities list",
		},
	)
	RecentCitiesEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recentCitiesEvictionsTotal",
			Help: "Cities evicted from the recent-cities list by the cap",
		},
	)
	RecentStoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recentStoreErrorsTotal",
			Help: "Recent-cities store failures by operation",
		},
		[]string{"op"},
	)
	CitySearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citySearchesTotal",
			Help: "City searches by kind (name, coordinates) and outcome",
		},
		[]string{"kind", "outcome"},
	)
	CitySearchesByNameTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citySearchesByNameTotal",
			Help: "City searches by name (allow-list; others use city=other)",
		},
		[]string{"city"},
	)
	DefaultCitiesLoadDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "defaultCitiesLoadDurationSeconds",
			Help:    "Time to fetch and merge the default cities at startup",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	DefaultCitiesLoadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "defaultCitiesLoadErrorsTotal",
			Help: "Default cities that failed to load",
		},
	)
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Weather provider circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Weather provider circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal, WeatherAPIErrorsTotal,
		ForecastCacheLookupsTotal, ForecastFetchesCoalescedTotal,
		RecentCitiesSize, RecentCitiesEvictionsTotal, RecentStoreErrorsTotal,
		CitySearchesTotal, CitySearchesByNameTotal,
		DefaultCitiesLoadDurationSeconds, DefaultCitiesLoadErrorsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RateLimitDeniedTotal,
	)
}

// RecordCircuitBreakerTransition updates the breaker gauge and transition counter.
// state is the numeric value of the new state.
func RecordCircuitBreakerTransition(from, to string, state int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(from, to).Inc()
	CircuitBreakerState.Set(float64(state))
}

// SetTrackedCities sets the allow-list for per-city metrics. Other names increment "other".
func SetTrackedCities(cities []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(cities))
	for _, c := range cities {
		trackedCities[normalizeCityForMetrics(c)] = struct{}{}
	}
}

// RecordCitySearch records a search by city name.
func RecordCitySearch(name string) {
	city := normalizeCityForMetrics(name)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[city]
	trackedCitiesMu.RUnlock()
	if ok {
		CitySearchesByNameTotal.WithLabelValues(city).Inc()
	} else {
		CitySearchesByNameTotal.WithLabelValues("other").Inc()
	}
}

func normalizeCityForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
