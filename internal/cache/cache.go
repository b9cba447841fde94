package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
)

// Cache holds provider forecasts keyed by query (see client.ForecastQuery.Key).
// Get returns (forecast, true, nil) on a live hit and (zero, false, nil) on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (models.Forecast, bool, error)
	Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error
}

// InMemoryCache implements Cache with a map and per-entry expiry.
// Expired entries are removed on access.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     models.Forecast
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Forecast, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.Forecast{}, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		return models.Forecast{}, false, nil
	}
	return cloneForecast(entry.value), true, nil
}

// Set stores value until ttl elapses. A non-positive ttl is a no-op.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     cloneForecast(value),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Len reports the number of stored entries, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func cloneForecast(f models.Forecast) models.Forecast {
	out := f
	out.Entries = append([]models.ForecastEntry(nil), f.Entries...)
	return out
}
