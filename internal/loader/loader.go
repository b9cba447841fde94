// Package loader fetches the configured default cities and merges them into
// the recent list.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
	"github.com/kjstillabower/weather-dashboard-service/internal/recent"
)

// Fetcher is the subset of client.WeatherClient the loader needs.
type Fetcher interface {
	CurrentByCity(ctx context.Context, name string) (models.WeatherRecord, error)
}

// Merger receives fetched cities. *recent.Cache satisfies it.
type Merger interface {
	Upsert(ctx context.Context, rec models.WeatherRecord) ([]models.WeatherRecord, error)
}

// Loader fetches default cities concurrently and merges them serially.
type Loader struct {
	fetcher Fetcher
	merger  Merger
	logger  *zap.Logger
}

func New(fetcher Fetcher, merger Merger, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{fetcher: fetcher, merger: merger, logger: logger}
}

type result struct {
	name string
	rec  models.WeatherRecord
	err  error
}

// Load fetches every name concurrently, then upserts the successes in reverse
// order so names[0] ends up at the front of the list. A failed city is logged
// and reported in the joined error; it never stops the others. Persist
// failures are logged only, since the in-memory list still changed.
// Load returns the list after the last successful merge.
func (l *Loader) Load(ctx context.Context, names []string) ([]models.WeatherRecord, error) {
	start := time.Now()
	l.logger.Info("loading default cities", zap.Int("cities", len(names)))

	results := make([]result, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			rec, err := l.fetcher.CurrentByCity(ctx, name)
			results[i] = result{name: name, rec: rec, err: err}
		}(i, name)
	}
	wg.Wait()

	var (
		list []models.WeatherRecord
		errs []error
	)
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.err != nil {
			observability.DefaultCitiesLoadErrorsTotal.Inc()
			l.logger.Warn("default city fetch failed", zap.String("city", r.name), zap.Error(r.err))
			errs = append(errs, fmt.Errorf("load %s: %w", r.name, r.err))
			continue
		}
		merged, err := l.merger.Upsert(ctx, r.rec)
		if err != nil && !errors.Is(err, recent.ErrPersist) {
			observability.DefaultCitiesLoadErrorsTotal.Inc()
			l.logger.Warn("default city rejected", zap.String("city", r.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("load %s: %w", r.name, err))
			continue
		}
		if err != nil {
			l.logger.Warn("recent list persist failed", zap.String("city", r.name), zap.Error(err))
		}
		list = merged
	}

	duration := time.Since(start).Seconds()
	observability.DefaultCitiesLoadDurationSeconds.Observe(duration)
	l.logger.Info("default cities loaded",
		zap.Int("cities", len(names)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	return list, errors.Join(errs...)
}
