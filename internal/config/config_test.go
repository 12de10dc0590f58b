package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":3002" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":3002")
	}
	if cfg.BackendURL != "http://backend:3000" {
		t.Fatalf("BackendURL = %q, want default", cfg.BackendURL)
	}
	if cfg.WebhookMaxSkew != 5*time.Minute {
		t.Fatalf("WebhookMaxSkew = %v, want 5m", cfg.WebhookMaxSkew)
	}
	if cfg.GatewayMode != "ws" {
		t.Fatalf("GatewayMode = %q, want ws", cfg.GatewayMode)
	}
	if cfg.WebhookSecret != "" {
		t.Fatalf("WebhookSecret = %q, want empty", cfg.WebhookSecret)
	}
}

func TestLoadPortFallback(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("RTMS_PORT", "4010")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":4010" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":4010")
	}

	t.Setenv("RTMS_BIND_ADDR", "127.0.0.1:9000")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Fatalf("BindAddr = %q, want explicit bind addr", cfg.BindAddr)
	}
}

func TestLoadWebhookSecretFallbackChain(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("ZM_RTMS_SECRET", "rtms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WebhookSecret != "rtms" {
		t.Fatalf("WebhookSecret = %q, want %q", cfg.WebhookSecret, "rtms")
	}

	t.Setenv("ZOOM_CLIENT_SECRET", "client")
	cfg, _ = Load()
	if cfg.WebhookSecret != "client" {
		t.Fatalf("WebhookSecret = %q, want %q", cfg.WebhookSecret, "client")
	}

	t.Setenv("ZOOM_WEBHOOK_SECRET", "hook")
	cfg, _ = Load()
	if cfg.WebhookSecret != "hook" {
		t.Fatalf("WebhookSecret = %q, want %q", cfg.WebhookSecret, "hook")
	}
}

func TestLoadBackendOff(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BACKEND_URL", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendURL != "" {
		t.Fatalf("BackendURL = %q, want empty", cfg.BackendURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{key: "RTMS_GATEWAY_MODE", value: "grpc"},
		{key: "RTMS_JOIN_TIMEOUT", value: "10ms"},
		{key: "RTMS_WEBHOOK_MAX_SKEW", value: "nope"},
		{key: "DISPATCH_QUEUE_SIZE", value: "0"},
		{key: "DISPATCH_WORKERS", value: "-1"},
		{key: "NOTIFY_MAX_RETRIES", value: "-2"},
		{key: "APP_ALLOW_ANY_ORIGIN", value: "maybe"},
	}
	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"RTMS_BIND_ADDR",
		"RTMS_PORT",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"ZOOM_WEBHOOK_SECRET",
		"ZOOM_CLIENT_ID",
		"ZOOM_CLIENT_SECRET",
		"ZM_RTMS_SECRET",
		"RTMS_GATEWAY_MODE",
		"RTMS_JOIN_TIMEOUT",
		"RTMS_WEBHOOK_MAX_SKEW",
		"BACKEND_URL",
		"NOTIFY_TIMEOUT",
		"NOTIFY_MAX_RETRIES",
		"DISPATCH_QUEUE_SIZE",
		"DISPATCH_WORKERS",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
