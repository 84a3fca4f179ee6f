// Package config loads runtime settings from the environment, optionally
// primed from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting.
type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	SessionTimeout time.Duration
	LoanDelay      time.Duration
	AuthSecret     string
	TokenTTL       time.Duration
	PGDSN          string
	RedisAddr      string
	RedisStream    string
	RedisMaxLen    int64
	RateBurst      int
	RatePerSec     int
	MaxBodyBytes   int64
	Version        string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		HTTPAddr:       ":8080",
		GRPCAddr:       ":9090",
		SessionTimeout: 30 * time.Second,
		LoanDelay:      2500 * time.Millisecond,
		TokenTTL:       time.Hour,
		RedisStream:    "bankist.events",
		RedisMaxLen:    10000,
		RateBurst:      20,
		RatePerSec:     10,
		MaxBodyBytes:   1 << 20,
	}
}

// Load reads the given .env files (missing files are ignored; with no
// arguments ".env" is tried) and then BANKIST_* variables. Variables already
// present in the environment win over .env values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	cfg := Defaults()
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return
		}
		*dst = d
	}
	num := func(key string, dst *int64) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		*dst = n
	}

	str("BANKIST_HTTP_ADDR", &cfg.HTTPAddr)
	str("BANKIST_GRPC_ADDR", &cfg.GRPCAddr)
	str("BANKIST_AUTH_SECRET", &cfg.AuthSecret)
	str("BANKIST_PG_DSN", &cfg.PGDSN)
	str("BANKIST_REDIS_ADDR", &cfg.RedisAddr)
	str("BANKIST_REDIS_STREAM", &cfg.RedisStream)
	str("BANKIST_VERSION", &cfg.Version)
	dur("BANKIST_SESSION_TIMEOUT", &cfg.SessionTimeout)
	dur("BANKIST_LOAN_DELAY", &cfg.LoanDelay)
	dur("BANKIST_TOKEN_TTL", &cfg.TokenTTL)
	num("BANKIST_REDIS_MAXLEN", &cfg.RedisMaxLen)
	num("BANKIST_MAX_BODY_BYTES", &cfg.MaxBodyBytes)

	burst, perSec := int64(cfg.RateBurst), int64(cfg.RatePerSec)
	num("BANKIST_RATE_BURST", &burst)
	num("BANKIST_RATE_PER_SEC", &perSec)
	cfg.RateBurst, cfg.RatePerSec = int(burst), int(perSec)

	if cfg.HTTPAddr == "" {
		errs = append(errs, errors.New("BANKIST_HTTP_ADDR must not be empty"))
	}
	if cfg.RedisStream == "" {
		cfg.RedisStream = Defaults().RedisStream
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
