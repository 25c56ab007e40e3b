package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-widget/internal/location"
	"github.com/kjstillabower/weather-widget/internal/models"
	"github.com/kjstillabower/weather-widget/internal/view"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string `validate:"required,numeric"`

	WeatherAPIKey     string `validate:"required"`
	WeatherAPIURL     string `validate:"required,url"`
	WeatherAPITimeout time.Duration
	DefaultCountry    string

	DefaultLocation string `validate:"required"`
	DefaultUnits    string `validate:"oneof=imperial metric"`
	DefaultView     string `validate:"oneof=today three-day weekly"`
	NoticeTTL       time.Duration
	SessionIdleTTL  time.Duration
	SweepInterval   time.Duration
	WarmLocations   []string
	WarmInterval    time.Duration

	RequestTimeout  time.Duration
	CacheTTL        time.Duration
	CacheBackend    string `validate:"oneof=in_memory memcached"`
	CoalesceTimeout time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int `validate:"gte=1"`

	StorageBackend   string `validate:"oneof=in_memory memcached sqlite"`
	SQLitePath       string `validate:"required_if=StorageBackend sqlite"`
	StorageRetention time.Duration

	RetryAttempts           int `validate:"gte=1,lte=10"`
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	RateLimitRPS            int `validate:"gte=1"`
	RateLimitBurst          int `validate:"gte=1"`
	BreakerFailureThreshold int `validate:"gte=1"`
	BreakerSuccessThreshold int `validate:"gte=1"`
	BreakerTimeout          time.Duration

	DegradedWindow       time.Duration
	DegradedErrorPct     int `validate:"gte=1,lte=100"`
	OverloadWindow       time.Duration
	OverloadThresholdPct int `validate:"gte=1,lte=100"`

	ShutdownTimeout time.Duration

	SearchMinLength int `validate:"gte=1"`
	SearchMaxLength int `validate:"gtefield=SearchMinLength"`
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		BaseURL        string `yaml:"base_url"`
		Timeout        string `yaml:"timeout"`
		DefaultCountry string `yaml:"default_country"`
	} `yaml:"weather_api"`

	Widget struct {
		DefaultLocation string   `yaml:"default_location"`
		DefaultUnits    string   `yaml:"default_units"`
		DefaultView     string   `yaml:"default_view"`
		NoticeTTL       string   `yaml:"notice_ttl"`
		SessionIdleTTL  string   `yaml:"session_idle_ttl"`
		SweepInterval   string   `yaml:"sweep_interval"`
		WarmLocations   []string `yaml:"warm_locations"`
		WarmInterval    string   `yaml:"warm_interval"`
	} `yaml:"widget"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend         string `yaml:"backend"`
		TTL             string `yaml:"ttl"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Storage struct {
		Backend    string `yaml:"backend"`
		SQLitePath string `yaml:"sqlite_path"`
		Retention  string `yaml:"retention"`
	} `yaml:"storage"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
		BreakerFailureThreshold int    `yaml:"breaker_failure_threshold"`
		BreakerSuccessThreshold int    `yaml:"breaker_success_threshold"`
		BreakerTimeout          string `yaml:"breaker_timeout"`
	} `yaml:"reliability"`

	Health struct {
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Validation struct {
		SearchMinLength int `yaml:"search_min_length"`
		SearchMaxLength int `yaml:"search_max_length"`
	} `yaml:"validation"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

var validate = validator.New()

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// A .env file in the working directory is loaded first; it never overrides variables already set.
// API key comes from WEATHER_API_KEY env or secrets file. Call from project root.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
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

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	if cfg.WeatherAPIKey == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.WeatherAPIKey = sec.WeatherAPIKey
		}
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env, .env or config/secrets.yaml weather_api_key)")
	}

	cfg.WeatherAPIURL = firstNonEmpty(strings.TrimRight(fc.WeatherAPI.BaseURL, "/"), "https://api.openweathermap.org/data/2.5")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 2*time.Second)
	cfg.DefaultCountry = firstNonEmpty(strings.TrimSpace(fc.WeatherAPI.DefaultCountry), "US")

	cfg.DefaultLocation = firstNonEmpty(strings.TrimSpace(fc.Widget.DefaultLocation), "San Francisco, CA")
	cfg.DefaultUnits = firstNonEmpty(strings.ToLower(strings.TrimSpace(fc.Widget.DefaultUnits)), "imperial")
	cfg.DefaultView = firstNonEmpty(strings.ToLower(strings.TrimSpace(fc.Widget.DefaultView)), "today")
	cfg.NoticeTTL = parseDuration(fc.Widget.NoticeTTL, 3*time.Second)
	cfg.SessionIdleTTL = parseDuration(fc.Widget.SessionIdleTTL, 30*time.Minute)
	cfg.SweepInterval = parseDuration(fc.Widget.SweepInterval, time.Minute)
	cfg.WarmLocations = fc.Widget.WarmLocations
	cfg.WarmInterval = parseDurationOrZero(fc.Widget.WarmInterval, 0)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.CoalesceTimeout = parseDuration(fc.Cache.CoalesceTimeout, 5*time.Second)
	cfg.CacheBackend = normalize(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.MemcachedAddrs = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")), strings.TrimSpace(fc.Cache.Memcached.Addrs), "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.StorageBackend = normalize(firstNonEmpty(os.Getenv("STORAGE_BACKEND"), fc.Storage.Backend, "in_memory"))
	cfg.SQLitePath = strings.TrimSpace(fc.Storage.SQLitePath)
	if cfg.SQLitePath == "" && cfg.StorageBackend == "sqlite" {
		cfg.SQLitePath = filepath.Join(cwd, "data", "widget.db")
	}
	cfg.StorageRetention = parseDuration(fc.Storage.Retention, 30*24*time.Hour)

	cfg.RetryAttempts = positiveOr(fc.Reliability.RetryMaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 20)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 40)
	cfg.BreakerFailureThreshold = positiveOr(fc.Reliability.BreakerFailureThreshold, 5)
	cfg.BreakerSuccessThreshold = positiveOr(fc.Reliability.BreakerSuccessThreshold, 2)
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, time.Minute)
	cfg.DegradedErrorPct = positiveOr(fc.Health.DegradedErrorPct, 50)
	cfg.OverloadWindow = parseDuration(fc.Health.OverloadWindow, time.Minute)
	cfg.OverloadThresholdPct = positiveOr(fc.Health.OverloadThresholdPct, 80)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.SearchMinLength = positiveOr(fc.Validation.SearchMinLength, 1)
	cfg.SearchMaxLength = positiveOr(fc.Validation.SearchMaxLength, 100)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultQuery parses DefaultLocation with the configured default country.
func (c *Config) DefaultQuery() (location.Query, error) {
	return c.Parser().Parse(c.DefaultLocation)
}

// Parser returns the search parser for this configuration.
func (c *Config) Parser() location.Parser {
	return location.Parser{DefaultCountry: c.DefaultCountry}
}

// DefaultState returns the initial view state for new sessions.
func (c *Config) DefaultState() view.State {
	units, _ := models.ParseUnitSystem(c.DefaultUnits)
	r, _ := view.ParseDayRange(c.DefaultView)
	return view.State{Range: r, Units: units}
}

// WarmQueries parses WarmLocations. Entries that fail to parse are returned as errors
// and skipped.
func (c *Config) WarmQueries() ([]location.Query, error) {
	p := c.Parser()
	var (
		out  []location.Query
		errs []error
	)
	for _, raw := range c.WarmLocations {
		q, err := p.Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("warm location %q: %w", raw, err))
			continue
		}
		out = append(out, q)
	}
	return out, errors.Join(errs...)
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
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

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// validateConfig runs struct-tag validation, then the cross-field rules tags cannot express.
// RequestTimeout is raised above WeatherAPITimeout rather than rejected.
func validateConfig(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("WEATHER_API_TIMEOUT must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s (got %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.DefaultQuery(); err != nil {
		return fmt.Errorf("invalid config: widget.default_location: %w", err)
	}
	return nil
}
