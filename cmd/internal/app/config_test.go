package app

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{
		"KEEPER_HTTP_ADDR", "KEEPER_CLEANUP_SCHEDULE", "KEEPER_CORS_ALLOWED_ORIGINS",
		"KEEPER_METRICS_ENABLED", "KEEPER_REDIS_KEY_PREFIX", "KEEPER_HTTP_READ_TIMEOUT",
	} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.CleanupSchedule != "@hourly" {
		t.Fatalf("CleanupSchedule=%q", cfg.CleanupSchedule)
	}
	if cfg.CORSAllowedOrigins != nil {
		t.Fatalf("CORSAllowedOrigins=%v want nil", cfg.CORSAllowedOrigins)
	}
	if !cfg.MetricsEnabled {
		t.Fatalf("metrics should default on")
	}
	if cfg.ReadTimeout != 15*time.Second {
		t.Fatalf("ReadTimeout=%v", cfg.ReadTimeout)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("KEEPER_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("KEEPER_CORS_ALLOWED_ORIGINS", " https://vault.example.com, ,http://127.0.0.1:* ")
	t.Setenv("KEEPER_CLEANUP_SCHEDULE", "*/5 * * * *")
	t.Setenv("KEEPER_DB_MAX_CONNS", "25")
	t.Setenv("KEEPER_HTTP_READ_TIMEOUT", "3s")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	want := []string{"https://vault.example.com", "http://127.0.0.1:*"}
	if len(cfg.CORSAllowedOrigins) != len(want) {
		t.Fatalf("CORSAllowedOrigins=%v want %v", cfg.CORSAllowedOrigins, want)
	}
	for i := range want {
		if cfg.CORSAllowedOrigins[i] != want[i] {
			t.Fatalf("CORSAllowedOrigins[%d]=%q want %q", i, cfg.CORSAllowedOrigins[i], want[i])
		}
	}
	if cfg.CleanupSchedule != "*/5 * * * *" {
		t.Fatalf("CleanupSchedule=%q", cfg.CleanupSchedule)
	}
	if cfg.DBMaxConns != 25 {
		t.Fatalf("DBMaxConns=%d", cfg.DBMaxConns)
	}
	if cfg.ReadTimeout != 3*time.Second {
		t.Fatalf("ReadTimeout=%v", cfg.ReadTimeout)
	}
}

func TestNewCleanupScheduler(t *testing.T) {
	c, err := newCleanupScheduler("", nil, quietLogger())
	if err != nil || c != nil {
		t.Fatalf("empty schedule: c=%v err=%v", c, err)
	}
	if _, err := newCleanupScheduler("not a schedule", nil, quietLogger()); err == nil {
		t.Fatalf("expected parse error")
	}
	c, err = newCleanupScheduler("@every 1h", nil, quietLogger())
	if err != nil {
		t.Fatalf("valid schedule: %v", err)
	}
	if n := len(c.Entries()); n != 1 {
		t.Fatalf("entries=%d want 1", n)
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Setenv("KEEPER_TOKEN_HMAC_KEY", "")
	if err := ValidateSecurityConfig(Config{}); err != nil {
		t.Fatalf("policy off: %v", err)
	}
	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); err == nil {
		t.Fatalf("expected missing key error")
	}

	t.Setenv("KEEPER_TOKEN_HMAC_KEY", "short")
	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); err == nil {
		t.Fatalf("expected short key error")
	}

	t.Setenv("KEEPER_TOKEN_HMAC_KEY", "0123456789abcdef0123456789abcdef")
	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); err != nil {
		t.Fatalf("valid key: %v", err)
	}
}
