package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the RTMS relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// WebhookSecret signs inbound webhooks. Empty disables verification (dev mode).
	WebhookSecret     string
	WebhookMaxSkew    time.Duration
	ZoomClientID      string
	ZoomClientSecret  string
	GatewayMode       string
	JoinTimeout       time.Duration
	BackendURL        string
	NotifyTimeout     time.Duration
	NotifyMaxRetries  int
	DispatchQueueSize int
	DispatchWorkers   int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          bindAddrFromEnv(),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "rtms_relay"),
		AllowAnyOrigin:    false,
		ZoomClientID:      stringsTrimSpace("ZOOM_CLIENT_ID"),
		ZoomClientSecret:  stringsTrimSpace("ZOOM_CLIENT_SECRET"),
		GatewayMode:       strings.ToLower(envOrDefault("RTMS_GATEWAY_MODE", "ws")),
		BackendURL:        envOrDefault("BACKEND_URL", "http://backend:3000"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:   15 * time.Second,
		JoinTimeout:       30 * time.Second,
		WebhookMaxSkew:    5 * time.Minute,
		NotifyTimeout:     5 * time.Second,
		NotifyMaxRetries:  2,
		DispatchQueueSize: 1024,
		DispatchWorkers:   4,
	}
	// The provider signs webhooks with the app secret unless a dedicated one is set.
	cfg.WebhookSecret = firstNonEmpty(
		stringsTrimSpace("ZOOM_WEBHOOK_SECRET"),
		cfg.ZoomClientSecret,
		stringsTrimSpace("ZM_RTMS_SECRET"),
	)
	// "off" disables the HTTP backend notifier entirely.
	if strings.EqualFold(strings.TrimSpace(cfg.BackendURL), "off") {
		cfg.BackendURL = ""
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JoinTimeout, err = durationFromEnv("RTMS_JOIN_TIMEOUT", cfg.JoinTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WebhookMaxSkew, err = durationFromEnv("RTMS_WEBHOOK_MAX_SKEW", cfg.WebhookMaxSkew)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyTimeout, err = durationFromEnv("NOTIFY_TIMEOUT", cfg.NotifyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyMaxRetries, err = intFromEnv("NOTIFY_MAX_RETRIES", cfg.NotifyMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.DispatchQueueSize, err = intFromEnv("DISPATCH_QUEUE_SIZE", cfg.DispatchQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.DispatchWorkers, err = intFromEnv("DISPATCH_WORKERS", cfg.DispatchWorkers)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	switch cfg.GatewayMode {
	case "ws", "mock":
	default:
		return Config{}, fmt.Errorf("RTMS_GATEWAY_MODE must be ws or mock, got %q", cfg.GatewayMode)
	}
	if cfg.JoinTimeout < time.Second {
		return Config{}, fmt.Errorf("RTMS_JOIN_TIMEOUT must be at least 1s")
	}
	if cfg.WebhookMaxSkew <= 0 {
		return Config{}, fmt.Errorf("RTMS_WEBHOOK_MAX_SKEW must be positive")
	}
	if cfg.NotifyMaxRetries < 0 {
		return Config{}, fmt.Errorf("NOTIFY_MAX_RETRIES must be >= 0")
	}
	if cfg.DispatchQueueSize <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_QUEUE_SIZE must be positive")
	}
	if cfg.DispatchWorkers <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_WORKERS must be positive")
	}

	return cfg, nil
}

func bindAddrFromEnv() string {
	if v := stringsTrimSpace("RTMS_BIND_ADDR"); v != "" {
		return v
	}
	if port := stringsTrimSpace("RTMS_PORT"); port != "" {
		return ":" + port
	}
	return ":3002"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
