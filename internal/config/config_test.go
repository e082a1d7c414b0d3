package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		Store: StoreConfig{Driver: DriverPostgres},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "consult", SSLMode: ""},
		Redis: RedisConfig{Enabled: true, Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "consult"
	c.Auth.JWTAudience = "api"
	c.LiveKit = LiveKitConfig{APIKey: "k", APISecret: "s", WSURL: "wss://media.example.com"}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
	if !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected DB_SSLMODE error, got %v", err)
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" || c.DB.MaxConns != 10 {
		t.Fatalf("unexpected db defaults: %+v", c.DB)
	}
	if c.Calls.PendingTimeout != 2*time.Minute || c.Calls.WatchdogSchedule != "@every 30s" {
		t.Fatalf("unexpected call defaults: %+v", c.Calls)
	}
	if c.Billing.Currency != "INR" || c.Billing.DefaultRateMinor != 5000 || c.Billing.ConsultantSharePercent != 100 || c.Billing.MinBalanceMinutes != 5 {
		t.Fatalf("unexpected billing defaults: %+v", c.Billing)
	}
	if c.LiveKit.APIKey != "devkey" || c.LiveKit.TokenTTL != 2*time.Hour {
		t.Fatalf("unexpected livekit defaults: %+v", c.LiveKit)
	}
	if c.Notify.Buffer != 16 {
		t.Fatalf("unexpected notify buffer: %d", c.Notify.Buffer)
	}
}

func TestValidate_MemoryDriverSkipsDatabase(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "dev", Port: 8080},
		Store: StoreConfig{Driver: DriverMemory},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	c.App.Env = "production"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected memory driver to be refused in production")
	}
}

func TestValidate_RejectsNegativePoolSize(t *testing.T) {
	c := validLocal()
	c.DB.MaxConns = -1
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "DB_MAX_CONNS") {
		t.Fatalf("expected DB_MAX_CONNS error, got %v", err)
	}
}

func TestValidate_RejectsBadShare(t *testing.T) {
	c := validLocal()
	c.Billing.ConsultantSharePercent = 120
	if err := c.Validate(); err == nil {
		t.Fatalf("expected share percent error")
	}
}

func TestLoad_ParsesEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("CALL_PENDING_TIMEOUT", "90s")
	t.Setenv("BILLING_DEFAULT_RATE_MINOR", "700")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.Port != 9090 || c.Redis.Enabled || c.Calls.PendingTimeout != 90*time.Second || c.Billing.DefaultRateMinor != 700 {
		t.Fatalf("unexpected config: %+v", c)
	}
}

func TestLoad_ReportsBadDuration(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("CALL_MAX_DURATION", "forever")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CALL_MAX_DURATION") {
		t.Fatalf("expected duration error, got %v", err)
	}
}
