package store

import (
	"context"
	"sync"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

// MemoryStore keeps the encoded list in process memory. State is lost on restart.
type MemoryStore struct {
	mu  sync.Mutex
	raw []byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements recent.Store.
func (s *MemoryStore) Load(ctx context.Context) ([]models.WeatherRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decode(s.raw)
}

// Save implements recent.Store.
func (s *MemoryStore) Save(ctx context.Context, cities []models.WeatherRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(cities)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.raw = raw
	s.mu.Unlock()
	return nil
}
