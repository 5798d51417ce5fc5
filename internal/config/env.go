package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "GATEWAY_"

// applyEnv overrides cfg with GATEWAY_* variables. A .env file in the working
// directory is loaded first; variables already set in the process win.
func applyEnv(cfg *Config) error {
	_ = godotenv.Load()

	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.Environment, "ENVIRONMENT")
	setString(&cfg.Server.HealthPath, "HEALTH_PATH")
	setList(&cfg.Server.TrustedProxies, "TRUSTED_PROXIES")

	setString(&cfg.Backend.BaseURL, "BACKEND_URL")
	setString(&cfg.Backend.StripPrefix, "STRIP_PREFIX")

	setString(&cfg.RateLimit.Algorithm, "RATE_LIMIT_ALGORITHM")
	setString(&cfg.Redis.Host, "REDIS_HOST")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Redis.Channel, "REDIS_CHANNEL")
	setString(&cfg.Postgres.DSN, "POSTGRES_DSN")

	setString(&cfg.Auth.Pattern, "AUTH_PATTERN")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Auth.JWTIssuer, "JWT_ISSUER")

	setList(&cfg.CORS.AllowOrigins, "CORS_ALLOW_ORIGINS")

	setString(&cfg.Admin.Username, "ADMIN_USERNAME")
	setString(&cfg.Admin.PasswordHash, "ADMIN_PASSWORD_HASH")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")

	if err := setInt(&cfg.RateLimit.Requests, "RATE_LIMIT_REQUESTS"); err != nil {
		return err
	}
	if err := setInt(&cfg.Redis.Port, "REDIS_PORT"); err != nil {
		return err
	}
	if err := setInt(&cfg.Redis.DB, "REDIS_DB"); err != nil {
		return err
	}
	if err := setDuration(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Backend.Timeout, "REQUEST_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Cache.Duration, "CACHE_DURATION"); err != nil {
		return err
	}
	if err := setBool(&cfg.Cache.Enabled, "CACHE_ENABLED"); err != nil {
		return err
	}
	if err := setBool(&cfg.Tracing.Enabled, "TRACING_ENABLED"); err != nil {
		return err
	}

	if raw := getEnv("AUTH_TOKENS", ""); raw != "" {
		tokens, err := parseTokens(raw)
		if err != nil {
			return err
		}
		cfg.Auth.Tokens = tokens
	}

	return nil
}

// parseTokens reads "token:subject,token2:subject2". A token listed without
// a subject gets the subject "token".
func parseTokens(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		token, subject, found := strings.Cut(item, ":")
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, fmt.Errorf("invalid %sAUTH_TOKENS entry: empty token", envPrefix)
		}
		subject = strings.TrimSpace(subject)
		if !found || subject == "" {
			subject = "token"
		}
		tokens[token] = subject
	}
	return tokens, nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(envPrefix + key))
	if value == "" {
		return fallback
	}
	return value
}

func setString(dst *string, key string) {
	*dst = getEnv(key, *dst)
}

func setList(dst *[]string, key string) {
	raw := getEnv(key, "")
	if raw == "" {
		return
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) error {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*dst = v
	return nil
}

func setBool(dst *bool, key string) error {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*dst = v
	return nil
}

func setDuration(dst *Duration, key string) error {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	v, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*dst = Duration(v)
	return nil
}
