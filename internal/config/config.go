package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the gateway configuration. It is built once at startup and
// shared read-only by every request afterwards.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Backend   BackendConfig   `json:"backend"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Cache     CacheConfig     `json:"cache"`
	Auth      AuthConfig      `json:"auth"`
	CORS      CORSConfig      `json:"cors"`
	Redis     RedisConfig     `json:"redis"`
	Postgres  PostgresConfig  `json:"postgres"`
	Admin     AdminConfig     `json:"admin"`
	Log       LogConfig       `json:"log"`
	Tracing   TracingConfig   `json:"tracing"`
}

type ServerConfig struct {
	Port            string   `json:"port"`
	Environment     string   `json:"environment"`
	HealthPath      string   `json:"health_path"`
	MaxBodyBytes    int64    `json:"max_body_bytes"`
	TrustedProxies  []string `json:"trusted_proxies"`
	ReadTimeout     Duration `json:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

type BackendConfig struct {
	BaseURL          string               `json:"base_url"`
	StripPrefix      string               `json:"strip_prefix"`
	Timeout          Duration             `json:"timeout"`
	MaxIdleConns     int                  `json:"max_idle_conns"`
	MaxResponseBytes int64                `json:"max_response_bytes"`
	HealthEndpoint   string               `json:"health_endpoint"`
	HealthInterval   Duration             `json:"health_interval"`
	CircuitBreaker   CircuitBreakerConfig `json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled     bool     `json:"enabled"`
	MaxFailures int      `json:"max_failures"`
	OpenTimeout Duration `json:"open_timeout"`
}

type RateLimitConfig struct {
	Algorithm     string   `json:"algorithm"` // "fixed_window", "sliding_window" or "token_bucket"
	Requests      int      `json:"requests"`
	Window        Duration `json:"window"`
	SweepInterval Duration `json:"sweep_interval"`
}

type CacheConfig struct {
	Enabled        bool     `json:"enabled"`
	Duration       Duration `json:"duration"`
	MaxEntries     int      `json:"max_entries"`
	SweepInterval  Duration `json:"sweep_interval"`
	ExcludePaths   []string `json:"exclude_paths"`
	CoalesceMisses bool     `json:"coalesce_misses"`
}

type AuthConfig struct {
	// Tokens maps a bearer token to the subject it authenticates.
	Tokens    map[string]string `json:"tokens"`
	Pattern   string            `json:"pattern"`
	JWTSecret string            `json:"jwt_secret"`
	JWTIssuer string            `json:"jwt_issuer"`
}

type CORSConfig struct {
	AllowOrigins     []string `json:"allow_origins"`
	AllowMethods     []string `json:"allow_methods"`
	AllowHeaders     []string `json:"allow_headers"`
	ExposeHeaders    []string `json:"expose_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

type RedisConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Channel    string `json:"channel"`
	BufferSize int    `json:"buffer_size"`
}

// GetRedisAddr returns host:port for the redis client.
func (r RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Enabled reports whether request events should be published to redis.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

type PostgresConfig struct {
	DSN           string   `json:"dsn"`
	BufferSize    int      `json:"buffer_size"`
	BatchSize     int      `json:"batch_size"`
	FlushInterval Duration `json:"flush_interval"`
}

func (p PostgresConfig) Enabled() bool {
	return p.DSN != ""
}

type AdminConfig struct {
	PathPrefix   string `json:"path_prefix"`
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"` // bcrypt
}

func (a AdminConfig) Enabled() bool {
	return a.Username != "" && a.PasswordHash != ""
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"service_name"`
}

// Default returns the configuration used when neither a file nor the
// environment override a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "3030",
			Environment:     "development",
			HealthPath:      "/health",
			MaxBodyBytes:    10 << 20,
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(45 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Backend: BackendConfig{
			BaseURL:          "http://localhost:8081",
			StripPrefix:      "/api",
			Timeout:          Duration(30 * time.Second),
			MaxIdleConns:     100,
			MaxResponseBytes: 32 << 20,
			HealthEndpoint:   "/health",
			HealthInterval:   Duration(10 * time.Second),
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				OpenTimeout: Duration(30 * time.Second),
			},
		},
		RateLimit: RateLimitConfig{
			Algorithm:     "fixed_window",
			Requests:      100,
			Window:        Duration(60 * time.Second),
			SweepInterval: Duration(60 * time.Second),
		},
		Cache: CacheConfig{
			Enabled:       true,
			Duration:      Duration(300 * time.Second),
			MaxEntries:    10000,
			SweepInterval: Duration(60 * time.Second),
		},
		Auth: AuthConfig{
			Tokens: map[string]string{},
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "Authorization"},
		},
		Redis: RedisConfig{
			Port:       6379,
			Channel:    "gateway:events",
			BufferSize: 1024,
		},
		Postgres: PostgresConfig{
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: Duration(5 * time.Second),
		},
		Admin: AdminConfig{
			PathPrefix: "/_gateway",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "edge-gateway",
		},
	}
}

// Load reads the JSON file at path on top of the defaults, applies GATEWAY_*
// environment overrides and validates the result. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := json.Unmarshal(file, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the values the pipeline cannot run without.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid backend base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend base_url must be http or https, got %q", c.Backend.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("backend base_url has no host: %q", c.Backend.BaseURL)
	}
	if c.Backend.StripPrefix != "" && !strings.HasPrefix(c.Backend.StripPrefix, "/") {
		return fmt.Errorf("strip_prefix must start with '/', got %q", c.Backend.StripPrefix)
	}
	if c.Backend.Timeout <= 0 {
		return errors.New("backend timeout must be positive")
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("rate_limit requests must be positive, got %d", c.RateLimit.Requests)
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("rate_limit window must be positive")
	}
	switch c.RateLimit.Algorithm {
	case "", "fixed_window", "sliding_window", "token_bucket":
	default:
		return fmt.Errorf("unknown rate_limit algorithm %q", c.RateLimit.Algorithm)
	}
	if c.Cache.Enabled && c.Cache.Duration <= 0 {
		return errors.New("cache duration must be positive when the cache is enabled")
	}
	if c.Auth.Pattern != "" {
		if _, err := regexp.Compile(c.Auth.Pattern); err != nil {
			return fmt.Errorf("invalid auth pattern: %w", err)
		}
	}
	if len(c.Auth.Tokens) == 0 && c.Auth.Pattern == "" && c.Auth.JWTSecret == "" {
		return errors.New("auth requires at least one of tokens, pattern or jwt_secret")
	}
	if !strings.HasPrefix(c.Server.HealthPath, "/") {
		return fmt.Errorf("health_path must start with '/', got %q", c.Server.HealthPath)
	}
	if c.Admin.Enabled() && !strings.HasPrefix(c.Admin.PathPrefix, "/") {
		return fmt.Errorf("admin path_prefix must start with '/', got %q", c.Admin.PathPrefix)
	}
	return nil
}

// Duration is a time.Duration that reads from JSON either as a Go duration
// string ("90s") or as a number of seconds.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value * float64(time.Second)))
		return nil
	case string:
		parsed, err := parseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

// parseDuration accepts Go duration strings and bare integers (seconds).
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}
