// Package config loads the sentinel's runtime configuration from the
// environment. Defaults follow the deployment reference; the only hard
// requirement is the model API credential.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultFastModel         = "meta-llama/llama-3.1-8b-instruct"
	DefaultDeepModel         = "meta-llama/llama-4-scout"
	DefaultGatewayURL        = "http://localhost:8811"
	DefaultGatewayTimeout    = 30 * time.Second
	DefaultLogLinesPerCheck  = 20
	DefaultLogCheckInterval  = 5 * time.Second
	DefaultAPIHost           = "0.0.0.0"
	DefaultAPIPort           = 8000
	DefaultComposePath       = "docker-compose.yml"
)

// Redis holds the event-bus backing store settings.
type Redis struct {
	Host     string
	Port     int
	DB       int
	Password string
	PoolSize int
}

// Addr returns host:port for the go-redis client.
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Config is the full sentinel configuration.
type Config struct {
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	FastModel         string
	DeepModel         string

	GatewayURL      string
	GatewayTimeout  time.Duration
	AutoHealEnabled bool

	Redis Redis

	LogLinesPerCheck int
	LogCheckInterval time.Duration
	ComposePath      string

	APIHost string
	APIPort int

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. It fails fast with a
// pointed message when a required setting is missing.
func Load() (Config, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY"))
	if apiKey == "" {
		return Config{}, errors.New("OPENROUTER_API_KEY is required; set it in the environment or .env")
	}

	cfg := Config{
		OpenRouterAPIKey:  apiKey,
		OpenRouterBaseURL: envString("OPENROUTER_BASE_URL", DefaultOpenRouterBaseURL),
		FastModel:         envString("CEREBRAS_MODEL", DefaultFastModel),
		DeepModel:         envString("LLAMA_MODEL", DefaultDeepModel),
		GatewayURL:        strings.TrimRight(envString("MCP_GATEWAY_URL", DefaultGatewayURL), "/"),
		GatewayTimeout:    envSeconds("MCP_TIMEOUT", DefaultGatewayTimeout),
		AutoHealEnabled:   envBool("AUTO_HEAL_ENABLED", true),
		Redis: Redis{
			Host:     envString("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			DB:       envInt("REDIS_DB", 0),
			Password: os.Getenv("REDIS_PASSWORD"),
			PoolSize: envInt("REDIS_MAX_CONNECTIONS", 10),
		},
		LogLinesPerCheck: envInt("LOG_LINES_PER_CHECK", DefaultLogLinesPerCheck),
		LogCheckInterval: envFloatSeconds("LOG_CHECK_INTERVAL", DefaultLogCheckInterval),
		ComposePath:      envString("DOCKER_COMPOSE_PATH", DefaultComposePath),
		APIHost:          envString("API_HOST", DefaultAPIHost),
		APIPort:          envInt("API_PORT", DefaultAPIPort),
		LogLevel:         envString("LOG_LEVEL", "info"),
		LogFormat:        envString("LOG_FORMAT", "auto"),
	}

	if cfg.LogLinesPerCheck <= 0 {
		return Config{}, fmt.Errorf("LOG_LINES_PER_CHECK must be positive, got %d", cfg.LogLinesPerCheck)
	}
	if cfg.LogCheckInterval <= 0 {
		return Config{}, fmt.Errorf("LOG_CHECK_INTERVAL must be positive, got %s", cfg.LogCheckInterval)
	}

	return cfg, nil
}

// APIAddr returns the telemetry surface bind address.
func (c Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1" || v == "yes"
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Second
}

func envFloatSeconds(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return time.Duration(parsed * float64(time.Second))
}
