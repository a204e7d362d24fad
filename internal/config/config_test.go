package config

import (
	"testing"
	"time"
)

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Engine.DefaultBrokerType != "paper" {
		t.Fatalf("expected default broker type paper, got %q", cfg.Engine.DefaultBrokerType)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load should tolerate a missing file, got %v", err)
	}
	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Fatalf("expected default token ttl, got %v", cfg.Auth.TokenTTL)
	}
}

func TestValidateRejectsEmptySecret(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an empty jwt secret")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an out-of-range port")
	}
}
