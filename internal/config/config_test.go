package config

import (
	"testing"
	"time"
)

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "production", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "transcriber", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret", JWTIssuer: "issuer"},
		Audio: AudioConfig{StorageDir: "/tmp/audio"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "transcriber", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Audio: AudioConfig{StorageDir: "/tmp/audio"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_AppliesPipelineDefaults(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "transcriber"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Audio: AudioConfig{StorageDir: "/tmp/audio"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Audio.MaxDurationSeconds != 120 {
		t.Fatalf("expected default max duration 120, got %d", c.Audio.MaxDurationSeconds)
	}
	if c.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.QueueKey == "" {
		t.Fatalf("expected default queue key")
	}
	if c.Retry.WorkerInterval != 2*time.Second {
		t.Fatalf("expected default worker interval, got %v", c.Retry.WorkerInterval)
	}
	if c.Retry.WorkerBatch != 5 {
		t.Fatalf("expected default worker batch 5, got %d", c.Retry.WorkerBatch)
	}
}

func TestValidate_RejectsRefreshTTLBelowAccessTTL(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "transcriber"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth: AuthConfig{
			JWTSecret:       "secret",
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: time.Minute,
		},
		Audio: AudioConfig{StorageDir: "/tmp/audio"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for refresh ttl below access ttl")
	}
}
