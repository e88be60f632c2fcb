package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func clearRedisEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"REDIS_URL", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_TLS", "REDIS_REQUIRE_TLS",
		"REDIS_TLS_INSECURE", "REDIS_ALLOW_INSECURE_TLS", "REDIS_TLS_SERVER_NAME",
		"REDIS_TLS_CA_CERT_FILE", "REDIS_TLS_CERT_FILE", "REDIS_TLS_KEY_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestRedisOptionsFromEnv(t *testing.T) {
	clearRedisEnv(t)
	opts, err := redisOptionsFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.DB != 0 {
		t.Fatalf("unexpected defaults: %+v", opts)
	}

	t.Setenv("REDIS_ADDR", "cache.internal:6380")
	t.Setenv("REDIS_DB", "not-a-number")
	opts, _ = redisOptionsFromEnv()
	if opts.Addr != "cache.internal:6380" || opts.DB != 0 {
		t.Fatalf("expected addr from env and db fallback, got %+v", opts)
	}

	t.Setenv("REDIS_URL", "redis://:secret@url-host:6390/3")
	opts, err = redisOptionsFromEnv()
	if err != nil {
		t.Fatalf("unexpected url error: %v", err)
	}
	if opts.Addr != "url-host:6390" || opts.DB != 3 || opts.Password != "secret" {
		t.Fatalf("expected REDIS_URL to win, got %+v", opts)
	}

	t.Setenv("REDIS_URL", "http://wrong-scheme")
	if _, err := redisOptionsFromEnv(); err == nil {
		t.Fatal("expected invalid REDIS_URL error")
	}
}

func TestLoadRedisTLSConfigFromEnv(t *testing.T) {
	clearRedisEnv(t)
	cfg, err := loadRedisTLSConfigFromEnv()
	if err != nil || cfg != nil {
		t.Fatalf("expected tls disabled, got cfg=%v err=%v", cfg, err)
	}

	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "true")
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")
	t.Setenv("REDIS_TLS_SERVER_NAME", "redis.internal")
	cfg, err = loadRedisTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected tls config error: %v", err)
	}
	if !cfg.InsecureSkipVerify || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected tls config: %+v", cfg)
	}

	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "false")
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected insecure tls guard error")
	}
}

func TestLoadRedisTLSConfigFromEnvFileErrors(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_CERT_FILE", "/tmp/non-existent-cert.pem")
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected cert/key mismatch error")
	}

	t.Setenv("REDIS_TLS_CERT_FILE", "")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "/tmp/non-existent-ca.pem")
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected missing CA file error")
	}

	ca := filepath.Join(t.TempDir(), "bad-ca.pem")
	if err := os.WriteFile(ca, []byte("not-a-certificate"), 0o600); err != nil {
		t.Fatalf("write bad ca: %v", err)
	}
	t.Setenv("REDIS_TLS_CA_CERT_FILE", ca)
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected invalid ca pem error")
	}
}

func TestNewRedisRejectsInsecureWhenRequired(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_REQUIRE_TLS", "true")
	_, err := NewRedis(context.Background())
	if err == nil || !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected REDIS_REQUIRE_TLS error, got %v", err)
	}
}

func TestNewRedisPing(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	if _, err := NewRedis(context.Background()); err == nil {
		t.Fatal("expected ping failure for closed port")
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	t.Setenv("REDIS_ADDR", mr.Addr())
	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatalf("expected redis client success, got %v", err)
	}
	_ = client.Close()
}
