package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/cache"
	"github.com/kjstillabower/weather-dashboard-service/internal/client"
	"github.com/kjstillabower/weather-dashboard-service/internal/forecast"
	"github.com/kjstillabower/weather-dashboard-service/internal/loader"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
	"github.com/kjstillabower/weather-dashboard-service/internal/recent"
	"github.com/kjstillabower/weather-dashboard-service/internal/validation"
)

// ErrCityNotTracked is returned for a city ID that is not in the recent list.
var ErrCityNotTracked = errors.New("city not in recent list")

// ForecastUnavailable is the dashboard notice shown when the forecast fetch fails.
const ForecastUnavailable = "Forecast not available"

const (
	LookupByID          = "id"
	LookupByCoordinates = "coordinates"
)

// Options tunes DashboardService. Zero values take defaults.
type Options struct {
	ForecastDays   int
	ForecastTTL    time.Duration
	ForecastLookup string // LookupByID or LookupByCoordinates
	// CoalesceTimeout bounds how long a caller waits on another caller's
	// forecast fetch. Zero disables coalescing.
	CoalesceTimeout time.Duration
	CityNameMin     int
	CityNameMax     int
	DefaultCities   []string
	// DefaultsOnlyWhenEmpty skips LoadDefaults when the list already holds cities.
	DefaultsOnlyWhenEmpty bool
}

// DashboardService owns the recent-cities list and builds the dashboard view.
// Provider failures never modify the list.
type DashboardService struct {
	client    client.WeatherClient
	recent    *recent.Cache
	cache     cache.Cache
	loader    *loader.Loader
	coalescer *forecastCoalescer
	opts      Options
}

func NewDashboardService(c client.WeatherClient, rc *recent.Cache, fc cache.Cache, logger *zap.Logger, opts Options) *DashboardService {
	if opts.ForecastDays <= 0 {
		opts.ForecastDays = forecast.DefaultDays
	}
	if opts.ForecastTTL <= 0 {
		opts.ForecastTTL = 10 * time.Minute
	}
	if opts.ForecastLookup == "" {
		opts.ForecastLookup = LookupByID
	}
	var coalescer *forecastCoalescer
	if opts.CoalesceTimeout > 0 {
		coalescer = newForecastCoalescer(opts.CoalesceTimeout)
	}
	return &DashboardService{
		client:    c,
		recent:    rc,
		cache:     fc,
		loader:    loader.New(c, rc, logger),
		coalescer: coalescer,
		opts:      opts,
	}
}

// SearchCity validates name, fetches its current weather and upserts it.
// Returns the resulting recent list.
func (s *DashboardService) SearchCity(ctx context.Context, name string) ([]models.WeatherRecord, error) {
	name, err := validation.ValidateCityName(name, s.opts.CityNameMin, s.opts.CityNameMax)
	if err != nil {
		observability.CitySearchesTotal.WithLabelValues("name", "invalid").Inc()
		return nil, err
	}
	observability.RecordCitySearch(name)

	rec, err := s.client.CurrentByCity(ctx, name)
	if err != nil {
		observability.CitySearchesTotal.WithLabelValues("name", searchOutcome(err)).Inc()
		return nil, fmt.Errorf("search %q: %w", name, err)
	}
	observability.CitySearchesTotal.WithLabelValues("name", "found").Inc()
	return s.upsert(ctx, rec)
}

// LocateCity fetches weather for the city nearest lat/lon and upserts it.
// Out-of-range or non-finite coordinates yield validation.ErrLocationUnavailable.
func (s *DashboardService) LocateCity(ctx context.Context, lat, lon float64) ([]models.WeatherRecord, error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		observability.CitySearchesTotal.WithLabelValues("coordinates", "invalid").Inc()
		return nil, err
	}

	rec, err := s.client.CurrentByCoordinates(ctx, lat, lon)
	if err != nil {
		observability.CitySearchesTotal.WithLabelValues("coordinates", searchOutcome(err)).Inc()
		return nil, fmt.Errorf("locate %.4f,%.4f: %w", lat, lon, err)
	}
	observability.CitySearchesTotal.WithLabelValues("coordinates", "found").Inc()
	return s.upsert(ctx, rec)
}

// PromoteCity moves a tracked city to the front. An unknown ID leaves the list unchanged.
func (s *DashboardService) PromoteCity(ctx context.Context, id int64) ([]models.WeatherRecord, error) {
	list, err := s.recent.Promote(ctx, id)
	if err != nil {
		return list, s.persistFailed(ctx, err)
	}
	return list, nil
}

// Recent returns the recent-cities list, most recent first.
func (s *DashboardService) Recent(ctx context.Context) []models.WeatherRecord {
	return s.recent.List()
}

// Dashboard returns the front city with its daily forecast and the remaining cities.
// A failed forecast is reported in ForecastError rather than failing the view.
func (s *DashboardService) Dashboard(ctx context.Context) models.Dashboard {
	list := s.recent.List()
	if len(list) == 0 {
		return models.Dashboard{Recent: []models.WeatherRecord{}}
	}

	current := list[0]
	view := models.Dashboard{Current: &current, Recent: list[1:]}
	daily, err := s.daily(ctx, current)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("dashboard forecast unavailable",
			zap.Int64("city_id", current.ID),
			zap.String("city", current.Name),
			zap.Error(err),
		)
		view.ForecastError = ForecastUnavailable
		return view
	}
	view.Forecast = daily
	return view
}

// Forecast returns the daily forecast for a city in the recent list.
func (s *DashboardService) Forecast(ctx context.Context, id int64) ([]models.DailyForecast, error) {
	rec, ok := s.recent.Get(id)
	if !ok {
		return nil, fmt.Errorf("city %d: %w", id, ErrCityNotTracked)
	}
	return s.daily(ctx, rec)
}

// LoadDefaults fetches the configured default cities into the list. It is a
// no-op when DefaultsOnlyWhenEmpty is set and the list already holds cities.
func (s *DashboardService) LoadDefaults(ctx context.Context) ([]models.WeatherRecord, error) {
	if len(s.opts.DefaultCities) == 0 {
		return s.recent.List(), nil
	}
	if s.opts.DefaultsOnlyWhenEmpty && s.recent.Len() > 0 {
		observability.LoggerFromContext(ctx).Info("skipping default cities, recent list restored",
			zap.Int("cities", s.recent.Len()),
		)
		return s.recent.List(), nil
	}
	return s.loader.Load(ctx, s.opts.DefaultCities)
}

// CheckUpstream reports whether the provider accepts the configured API key.
func (s *DashboardService) CheckUpstream(ctx context.Context) error {
	return s.client.ValidateAPIKey(ctx)
}

func (s *DashboardService) upsert(ctx context.Context, rec models.WeatherRecord) ([]models.WeatherRecord, error) {
	list, err := s.recent.Upsert(ctx, rec)
	if err != nil {
		return list, s.persistFailed(ctx, err)
	}
	return list, nil
}

// persistFailed logs ErrPersist and swallows it; the in-memory list is
// authoritative. Other errors are returned.
func (s *DashboardService) persistFailed(ctx context.Context, err error) error {
	if !errors.Is(err, recent.ErrPersist) {
		return err
	}
	observability.LoggerFromContext(ctx).Warn("recent cities not persisted", zap.Error(err))
	return nil
}

func (s *DashboardService) daily(ctx context.Context, rec models.WeatherRecord) ([]models.DailyForecast, error) {
	fc, err := s.forecast(ctx, s.query(rec))
	if err != nil {
		return nil, err
	}
	return forecast.Daily(fc.Entries, fc.TZOffset, s.opts.ForecastDays), nil
}

func (s *DashboardService) query(rec models.WeatherRecord) client.ForecastQuery {
	if s.opts.ForecastLookup == LookupByCoordinates {
		coord := rec.Coord
		return client.ForecastQuery{Coord: &coord}
	}
	return client.ForecastQuery{CityID: rec.ID}
}

// forecast reads through the forecast cache. Cache errors are logged and
// treated as misses.
func (s *DashboardService) forecast(ctx context.Context, q client.ForecastQuery) (models.Forecast, error) {
	key := q.Key()
	logger := observability.LoggerFromContext(ctx)

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			observability.ForecastCacheLookupsTotal.WithLabelValues("error").Inc()
			logger.Warn("forecast cache get failed", zap.String("key", key), zap.Error(err))
		case ok:
			observability.ForecastCacheLookupsTotal.WithLabelValues("hit").Inc()
			logger.Debug("forecast cache hit", zap.String("key", key))
			return cached, nil
		default:
			observability.ForecastCacheLookupsTotal.WithLabelValues("miss").Inc()
		}
	}

	var (
		fc  models.Forecast
		err error
	)
	if s.coalescer != nil {
		// the shared fetch outlives callers that give up, so it fills the cache itself
		detached := context.WithoutCancel(ctx)
		fc, err = s.coalescer.Do(ctx, key, func() (models.Forecast, error) {
			return s.fetchForecast(detached, key, q)
		})
	} else {
		fc, err = s.fetchForecast(ctx, key, q)
	}
	if err != nil {
		return models.Forecast{}, fmt.Errorf("forecast %s: %w", key, err)
	}
	return fc, nil
}

// fetchForecast calls the provider and stores a successful result under key.
func (s *DashboardService) fetchForecast(ctx context.Context, key string, q client.ForecastQuery) (models.Forecast, error) {
	fc, err := s.client.Forecast(ctx, q)
	if err != nil {
		return models.Forecast{}, err
	}
	if s.cache != nil {
		if setErr := s.cache.Set(ctx, key, fc, s.opts.ForecastTTL); setErr != nil {
			observability.LoggerFromContext(ctx).Warn("forecast cache set failed", zap.String("key", key), zap.Error(setErr))
		}
	}
	return fc, nil
}

// searchOutcome is the citySearchesTotal outcome label for a provider error.
func searchOutcome(err error) string {
	if errors.Is(err, client.ErrCityNotFound) {
		return "not_found"
	}
	return "unavailable"
}
