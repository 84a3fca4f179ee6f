package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":9090" {
		t.Fatalf("addresses = %q %q", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.SessionTimeout != 30*time.Second || cfg.LoanDelay != 2500*time.Millisecond {
		t.Fatalf("timers = %v %v", cfg.SessionTimeout, cfg.LoanDelay)
	}
	if cfg.RateBurst != 20 || cfg.RatePerSec != 10 || cfg.RedisStream != "bankist.events" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BANKIST_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("BANKIST_GRPC_ADDR", "")
	t.Setenv("BANKIST_SESSION_TIMEOUT", "10s")
	t.Setenv("BANKIST_LOAN_DELAY", "1s")
	t.Setenv("BANKIST_RATE_BURST", "5")
	t.Setenv("BANKIST_REDIS_ADDR", "localhost:6379")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.GRPCAddr != "" {
		t.Fatalf("addresses = %q %q", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.SessionTimeout != 10*time.Second || cfg.LoanDelay != time.Second {
		t.Fatalf("timers = %v %v", cfg.SessionTimeout, cfg.LoanDelay)
	}
	if cfg.RateBurst != 5 || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestInvalidValuesAreReported(t *testing.T) {
	t.Setenv("BANKIST_SESSION_TIMEOUT", "soon")
	t.Setenv("BANKIST_RATE_PER_SEC", "-3")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"BANKIST_SESSION_TIMEOUT", "BANKIST_RATE_PER_SEC"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not mention %s", err, key)
		}
	}
}

func TestDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "BANKIST_LOAN_DELAY=4s\nBANKIST_HTTP_ADDR=:7000\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BANKIST_HTTP_ADDR", ":6000")
	t.Cleanup(func() { os.Unsetenv("BANKIST_LOAN_DELAY") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LoanDelay != 4*time.Second {
		t.Fatalf("loan delay from .env = %v", cfg.LoanDelay)
	}
	if cfg.HTTPAddr != ":6000" {
		t.Fatalf("environment should win over .env, got %q", cfg.HTTPAddr)
	}
}
