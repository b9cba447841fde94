package store

import (
	"context"
	"errors"
	"fmt"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

// RedisStore keeps the list as a JSON string value under one key, without expiry.
type RedisStore struct {
	client *redisv9.Client
	key    string
}

// NewRedisStore connects to addr (host:port). db selects the logical database.
func NewRedisStore(addr, password string, db int, key string) *RedisStore {
	client := redisv9.NewClient(&redisv9.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreWithClient(client, key)
}

// NewRedisStoreWithClient wraps an existing client. Used by tests with miniredis.
func NewRedisStoreWithClient(client *redisv9.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: keyOrDefault(key)}
}

// Load implements recent.Store. A missing key is an empty list.
func (s *RedisStore) Load(ctx context.Context) ([]models.WeatherRecord, error) {
	val, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redisv9.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis store: get: %w", err)
	}
	return decode(val)
}

// Save implements recent.Store.
func (s *RedisStore) Save(ctx context.Context, cities []models.WeatherRecord) error {
	raw, err := encode(cities)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis store: set: %w", err)
	}
	return nil
}

// Ping checks that redis is reachable. Used for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
