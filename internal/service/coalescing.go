package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kjstillabower/weather-dashboard-service/internal/client"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
)

// inFlightForecast is a single upstream forecast fetch that several callers may wait for.
type inFlightForecast struct {
	done   chan struct{}
	result models.Forecast
	err    error
}

// forecastCoalescer collapses concurrent cache misses for the same key into one upstream call.
type forecastCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightForecast
	timeout  time.Duration
}

func newForecastCoalescer(timeout time.Duration) *forecastCoalescer {
	return &forecastCoalescer{
		inFlight: make(map[string]*inFlightForecast),
		timeout:  timeout,
	}
}

// Do runs fn for key unless a call for key is already in flight, in which case
// it waits for that call's result. The caller that starts the fetch waits until
// ctx is done; callers joining an in-flight fetch wait at most the coalescer
// timeout. Giving up yields an error wrapping client.ErrUnavailable and leaves
// the fetch running.
func (fc *forecastCoalescer) Do(ctx context.Context, key string, fn func() (models.Forecast, error)) (models.Forecast, error) {
	fc.mu.Lock()
	req, exists := fc.inFlight[key]
	if !exists {
		req = &inFlightForecast{done: make(chan struct{})}
		fc.inFlight[key] = req
		go fc.run(key, req, fn)
	}
	fc.mu.Unlock()

	waitCtx := ctx
	if exists {
		observability.ForecastFetchesCoalescedTotal.Inc()
		if fc.timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, fc.timeout)
			defer cancel()
		}
	}

	select {
	case <-req.done:
		return req.result, req.err
	case <-waitCtx.Done():
		return models.Forecast{}, fmt.Errorf("%w: waiting for forecast %s: %w", client.ErrUnavailable, key, waitCtx.Err())
	}
}

func (fc *forecastCoalescer) run(key string, req *inFlightForecast, fn func() (models.Forecast, error)) {
	req.result, req.err = fn()
	fc.mu.Lock()
	delete(fc.inFlight, key)
	fc.mu.Unlock()
	close(req.done)
}
