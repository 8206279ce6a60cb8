package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Addr() != "127.0.0.1:8080" {
		t.Fatalf("Addr() = %q, want 127.0.0.1:8080", cfg.Addr())
	}
	if cfg.Redis.RedisAddr() != "127.0.0.1:6379" {
		t.Fatalf("RedisAddr() = %q, want 127.0.0.1:6379", cfg.Redis.RedisAddr())
	}
	if cfg.Redis.PoolSize != 64 {
		t.Fatalf("PoolSize = %d, want 64", cfg.Redis.PoolSize)
	}
	if cfg.Limits.LockWaitTimeout != 500*time.Millisecond {
		t.Fatalf("LockWaitTimeout = %v, want 500ms", cfg.Limits.LockWaitTimeout)
	}
	if cfg.Limits.BucketTTL != 24*time.Hour {
		t.Fatalf("BucketTTL = %v, want 24h", cfg.Limits.BucketTTL)
	}
	if !cfg.Listen.EnableMetrics {
		t.Fatal("EnableMetrics should default true")
	}
}

func TestEnvVarsOverrideDefaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DISABLE_GLOBAL_RATELIMIT", "true")
	t.Setenv("REDIS_POOL_SIZE", "128")

	cfg := Default()
	if cfg.Listen.Port != "9090" {
		t.Fatalf("Port = %q, want 9090", cfg.Listen.Port)
	}
	if !cfg.Limits.DisableGlobalRateLimit {
		t.Fatal("DisableGlobalRateLimit should be true")
	}
	if cfg.Redis.PoolSize != 128 {
		t.Fatalf("PoolSize = %d, want 128", cfg.Redis.PoolSize)
	}
}

func TestLoadOverlaysYAMLFileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_PORT", "9999")
	dir := t.TempDir()
	path := dir + "/config.yaml"
	if err := os.WriteFile(path, []byte("listen:\n  port: \"${TEST_PORT}\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != "9999" {
		t.Fatalf("Port = %q, want 9999", cfg.Listen.Port)
	}
}

func TestLoadWithEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Listen.Port)
	}
}
