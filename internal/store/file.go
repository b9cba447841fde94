package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

// FileStore keeps the list as a JSON file. Saves write a temp file in the same
// directory and rename it over the target.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a FileStore at path, creating the parent directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file store: create dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load implements recent.Store. A missing file is an empty list.
func (s *FileStore) Load(ctx context.Context) ([]models.WeatherRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("file store: read: %w", err)
	}
	return decode(raw)
}

// Save implements recent.Store.
func (s *FileStore) Save(ctx context.Context, cities []models.WeatherRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(cities)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".recent-*.json")
	if err != nil {
		return fmt.Errorf("file store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file store: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file store: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file store: rename: %w", err)
	}
	return nil
}
