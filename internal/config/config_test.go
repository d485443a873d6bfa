package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Port)
	}
	if cfg.StoreDriver != StorePostgres {
		t.Errorf("store driver = %q, want postgres", cfg.StoreDriver)
	}
	if cfg.SoftBounceThreshold != 3 {
		t.Errorf("soft bounce threshold = %d, want 3", cfg.SoftBounceThreshold)
	}
	if cfg.StaleClaimAfter <= cfg.SendTimeout {
		t.Error("default stale claim window must exceed send timeout")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DISPATCH_POLL_INTERVAL", "250ms")
	t.Setenv("DISPATCH_SEND_TIMEOUT", "10")
	t.Setenv("HEALTH_DOWN_FAILURE_RATE", "0.7")
	t.Setenv("SES_ENABLED", "true")
	t.Setenv("REDIS_HOST", "cache.internal")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.StoreDriver != StoreMemory {
		t.Errorf("store driver = %q", cfg.StoreDriver)
	}
	if cfg.DispatchPoll != 250*time.Millisecond {
		t.Errorf("poll = %s", cfg.DispatchPoll)
	}
	if cfg.SendTimeout != 10*time.Second {
		t.Errorf("send timeout = %s", cfg.SendTimeout)
	}
	if cfg.HealthDownFailureRate != 0.7 {
		t.Errorf("down failure rate = %v", cfg.HealthDownFailureRate)
	}
	if !cfg.SESEnabled {
		t.Error("expected SES enabled")
	}
	if cfg.RedisHost != "cache.internal" {
		t.Errorf("redis host = %q", cfg.RedisHost)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"bad int", "PORT", "eighty", "PORT"},
		{"bad float", "HEALTH_DOWN_BOUNCE_RATE", "lots", "HEALTH_DOWN_BOUNCE_RATE"},
		{"bad bool", "SNS_SMS_ENABLED", "sometimes", "SNS_SMS_ENABLED"},
		{"bad duration", "DISPATCH_BACKOFF_CAP", "forever", "DISPATCH_BACKOFF_CAP"},
		{"unknown driver", "STORE_DRIVER", "sqlite", "STORE_DRIVER"},
		{"stale window too short", "DISPATCH_STALE_CLAIM_AFTER", "5s", "DISPATCH_STALE_CLAIM_AFTER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DB_NAME=from_dotenv\nPORT=7070\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "6060")
	t.Cleanup(func() { os.Unsetenv("DB_NAME") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBName != "from_dotenv" {
		t.Errorf("db name = %q, want value from .env", cfg.DBName)
	}
	if cfg.Port != 6060 {
		t.Errorf("port = %d, real environment should win over .env", cfg.Port)
	}
}
