// Package store provides persistence backends for the recent-cities list.
// Every backend keeps the list as one JSON document under a fixed key and
// overwrites it wholesale on save.
package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

// DefaultKey is the key the list is stored under when none is configured.
const DefaultKey = "weather-dashboard:recent-cities"

// Backend names accepted by config.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// ValidBackend reports whether name is a known backend.
func ValidBackend(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BackendMemory, BackendFile, BackendRedis, BackendSQLite:
		return true
	}
	return false
}

func encode(cities []models.WeatherRecord) ([]byte, error) {
	if cities == nil {
		cities = []models.WeatherRecord{}
	}
	raw, err := json.Marshal(cities)
	if err != nil {
		return nil, fmt.Errorf("encode recent cities: %w", err)
	}
	return raw, nil
}

func decode(raw []byte) ([]models.WeatherRecord, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var cities []models.WeatherRecord
	if err := json.Unmarshal(raw, &cities); err != nil {
		return nil, fmt.Errorf("decode recent cities: %w", err)
	}
	return cities, nil
}

func keyOrDefault(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return DefaultKey
	}
	return key
}
