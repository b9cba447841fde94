package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-dashboard-service/internal/store"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort string

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration
	WeatherAPIUnits   string

	RequestTimeout time.Duration

	RecentCap      int
	RecentStore    string // memory, file, redis or sqlite
	RecentKey      string
	RecentFilePath string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	SQLitePath     string

	ForecastDays     int
	ForecastCount    int
	ForecastLookup   string // id or coordinates
	ForecastCacheTTL time.Duration
	CoalesceTimeout  time.Duration

	CacheBackend          string // in_memory or memcached
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	DefaultCities         []string
	DefaultsOnlyWhenEmpty bool

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	CityNameMinLength int
	CityNameMaxLength int

	HealthDegradedWindow    time.Duration
	HealthDegradedErrorPct  int
	HealthOverloadWindow    time.Duration
	HealthOverloadThreshold int // percent of rate_limit_rps * window

	ShutdownTimeout time.Duration

	TrackedCities []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
		Units   string `yaml:"units"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Recent struct {
		Cap      int    `yaml:"cap"`
		Store    string `yaml:"store"`
		Key      string `yaml:"key"`
		FilePath string `yaml:"file_path"`
		Redis    struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
	} `yaml:"recent"`

	Forecast struct {
		Days            int    `yaml:"days"`
		Count           int    `yaml:"count"`
		Lookup          string `yaml:"lookup"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
	} `yaml:"forecast"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Defaults struct {
		Cities        []string `yaml:"cities"`
		OnlyWhenEmpty *bool    `yaml:"only_when_empty"`
	} `yaml:"defaults"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Validation struct {
		CityMinLength int `yaml:"city_min_length"`
		CityMaxLength int `yaml:"city_max_length"`
	} `yaml:"validation"`

	Health struct {
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Metrics struct {
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
	RedisPassword string `yaml:"redis_password"`
}

var defaultCities = []string{"London", "New York", "Tokyo", "Paris", "Sydney"}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// A .env file in the working directory is loaded first and never overrides variables
// already set. API key comes from WEATHER_API_KEY env or secrets file. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := loadDotEnv(filepath.Join(cwd, ".env")); err != nil {
		return nil, err
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("SERVER_PORT"), fc.Server.Port, "8080")

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("WEATHER_API_KEY"), sec.WeatherAPIKey)
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}
	cfg.WeatherAPIURL = firstNonEmpty(fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.WeatherAPIUnits = firstNonEmpty(strings.TrimSpace(fc.WeatherAPI.Units), "metric")

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.RecentCap = fc.Recent.Cap
	if cfg.RecentCap <= 0 {
		cfg.RecentCap = 5
	}
	cfg.RecentStore = normalized(firstNonEmpty(os.Getenv("RECENT_STORE"), fc.Recent.Store, "file"))
	cfg.RecentKey = firstNonEmpty(strings.TrimSpace(fc.Recent.Key), "weather-dashboard:recent-cities")
	cfg.RecentFilePath = firstNonEmpty(strings.TrimSpace(fc.Recent.FilePath), filepath.Join("data", "recent-cities.json"))
	cfg.RedisAddr = firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.Recent.Redis.Addr, "localhost:6379")
	cfg.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), sec.RedisPassword, fc.Recent.Redis.Password)
	cfg.RedisDB = fc.Recent.Redis.DB
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB must be an integer, got %q", v)
		}
		cfg.RedisDB = db
	}
	cfg.SQLitePath = firstNonEmpty(strings.TrimSpace(fc.Recent.SQLite.Path), filepath.Join("data", "recent-cities.db"))

	cfg.ForecastDays = fc.Forecast.Days
	if cfg.ForecastDays <= 0 {
		cfg.ForecastDays = 5
	}
	cfg.ForecastCount = fc.Forecast.Count
	if cfg.ForecastCount <= 0 {
		cfg.ForecastCount = 40
	}
	cfg.ForecastLookup = normalized(firstNonEmpty(fc.Forecast.Lookup, "id"))
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Forecast.CoalesceTimeout, 5*time.Second)

	cfg.CacheBackend = normalized(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.ForecastCacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.DefaultCities = fc.Defaults.Cities
	if fc.Defaults.Cities == nil {
		cfg.DefaultCities = append([]string(nil), defaultCities...)
	}
	cfg.DefaultsOnlyWhenEmpty = true
	if fc.Defaults.OnlyWhenEmpty != nil {
		cfg.DefaultsOnlyWhenEmpty = *fc.Defaults.OnlyWhenEmpty
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.CityNameMinLength = fc.Validation.CityMinLength
	if cfg.CityNameMinLength <= 0 {
		cfg.CityNameMinLength = 1
	}
	cfg.CityNameMaxLength = fc.Validation.CityMaxLength
	if cfg.CityNameMaxLength <= 0 {
		cfg.CityNameMaxLength = 100
	}

	cfg.HealthDegradedWindow = parseDuration(fc.Health.DegradedWindow, time.Minute)
	cfg.HealthDegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.HealthDegradedErrorPct <= 0 {
		cfg.HealthDegradedErrorPct = 50
	}
	cfg.HealthOverloadWindow = parseDuration(fc.Health.OverloadWindow, time.Minute)
	cfg.HealthOverloadThreshold = fc.Health.OverloadThresholdPct
	if cfg.HealthOverloadThreshold <= 0 {
		cfg.HealthOverloadThreshold = 80
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.TrackedCities = fc.Metrics.TrackedCities
	if cfg.TrackedCities == nil {
		cfg.TrackedCities = append([]string(nil), cfg.DefaultCities...)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads path into the process environment when it exists.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat .env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load .env file: %w", err)
	}
	return nil
}

// loadSecrets reads the optional secrets file. A missing file yields empty secrets.
func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func normalized(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// RequestTimeout is raised above WeatherAPITimeout when needed.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if !store.ValidBackend(cfg.RecentStore) {
		return fmt.Errorf("recent.store must be memory, file, redis or sqlite, got %q", cfg.RecentStore)
	}
	switch cfg.ForecastLookup {
	case "id", "coordinates":
	default:
		return fmt.Errorf("forecast.lookup must be id or coordinates, got %q", cfg.ForecastLookup)
	}
	if cfg.CityNameMinLength > cfg.CityNameMaxLength {
		return fmt.Errorf("validation.city_min_length (%d) exceeds city_max_length (%d)", cfg.CityNameMinLength, cfg.CityNameMaxLength)
	}
	return nil
}
