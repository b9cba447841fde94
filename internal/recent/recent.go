package recent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
)

// DefaultCap is the number of cities retained when no cap is configured.
const DefaultCap = 5

var (
	// ErrInvalidRecord is returned by Upsert for a record without a city ID.
	ErrInvalidRecord = errors.New("weather record has no city id")
	// ErrPersist wraps store failures. The in-memory list is already updated when it is returned.
	ErrPersist = errors.New("persist recent cities")
)

// Store persists the recent-cities list. Save overwrites the whole list.
type Store interface {
	Load(ctx context.Context) ([]models.WeatherRecord, error)
	Save(ctx context.Context, cities []models.WeatherRecord) error
}

// Cache is the most-recently-used list of cities, unique by city ID and capped.
// Every mutation is written through to the Store while the lock is held.
type Cache struct {
	mu     sync.Mutex
	limit  int
	cities []models.WeatherRecord
	store  Store
}

// New creates a Cache with the given cap and loads any persisted list from store.
// A persisted list is normalized: invalid and duplicate IDs dropped, length capped.
// A nil store keeps the list in memory only.
func New(ctx context.Context, store Store, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	c := &Cache{limit: capacity, store: store}
	if store != nil {
		loaded, err := store.Load(ctx)
		if err != nil {
			observability.RecentStoreErrorsTotal.WithLabelValues("load").Inc()
			return nil, fmt.Errorf("load recent cities: %w", err)
		}
		c.cities = normalize(loaded, capacity)
	}
	observability.RecentCitiesSize.Set(float64(len(c.cities)))
	return c, nil
}

// Cap returns the maximum number of cities retained.
func (c *Cache) Cap() int {
	return c.limit
}

// Len returns the current number of cities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cities)
}

// List returns a copy of the cities, most recent first.
func (c *Cache) List() []models.WeatherRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.cities)
}

// Get returns the city with the given ID if present.
func (c *Cache) Get(id int64) (models.WeatherRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := indexOf(c.cities, id); i >= 0 {
		return c.cities[i], true
	}
	return models.WeatherRecord{}, false
}

// Upsert places rec at the front, removing any earlier entry with the same ID
// and evicting from the back down to the cap. Returns the resulting list.
func (c *Cache) Upsert(ctx context.Context, rec models.WeatherRecord) ([]models.WeatherRecord, error) {
	if !rec.Valid() {
		return c.List(), ErrInvalidRecord
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	next, evicted := upsert(c.cities, rec, c.limit)
	c.cities = next
	if evicted > 0 {
		observability.RecentCitiesEvictionsTotal.Add(float64(evicted))
	}
	observability.RecentCitiesSize.Set(float64(len(c.cities)))
	return clone(c.cities), c.persistLocked(ctx)
}

// Promote moves the city with the given ID to the front. An absent ID is a
// no-op: the list is returned unchanged and nothing is persisted.
func (c *Cache) Promote(ctx context.Context, id int64) ([]models.WeatherRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, moved := promote(c.cities, id)
	if !moved {
		return clone(c.cities), nil
	}
	c.cities = next
	return clone(c.cities), c.persistLocked(ctx)
}

func (c *Cache) persistLocked(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Save(ctx, clone(c.cities)); err != nil {
		observability.RecentStoreErrorsTotal.WithLabelValues("save").Inc()
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// upsert returns a new list with rec at the front and the count of evicted entries.
func upsert(list []models.WeatherRecord, rec models.WeatherRecord, limit int) ([]models.WeatherRecord, int) {
	out := make([]models.WeatherRecord, 0, len(list)+1)
	out = append(out, rec)
	for _, r := range list {
		if r.ID != rec.ID {
			out = append(out, r)
		}
	}
	evicted := 0
	if len(out) > limit {
		evicted = len(out) - limit
		out = out[:limit]
	}
	return out, evicted
}

// promote returns a new list with id moved to the front, or the input and false when absent.
func promote(list []models.WeatherRecord, id int64) ([]models.WeatherRecord, bool) {
	i := indexOf(list, id)
	if i < 0 {
		return list, false
	}
	if i == 0 {
		return list, true
	}
	out := make([]models.WeatherRecord, 0, len(list))
	out = append(out, list[i])
	out = append(out, list[:i]...)
	out = append(out, list[i+1:]...)
	return out, true
}

func normalize(list []models.WeatherRecord, limit int) []models.WeatherRecord {
	seen := make(map[int64]struct{}, len(list))
	out := make([]models.WeatherRecord, 0, len(list))
	for _, r := range list {
		if !r.Valid() {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

func indexOf(list []models.WeatherRecord, id int64) int {
	for i, r := range list {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func clone(list []models.WeatherRecord) []models.WeatherRecord {
	out := make([]models.WeatherRecord, len(list))
	copy(out, list)
	return out
}
