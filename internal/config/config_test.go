package config

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Host)
	}
	if cfg.Port != 8765 {
		t.Errorf("Port = %d, want 8765", cfg.Port)
	}
	if cfg.Root != "tcp_test_root" {
		t.Errorf("Root = %q, want tcp_test_root", cfg.Root)
	}
	if cfg.ChunkSizeMB != 2 {
		t.Errorf("ChunkSizeMB = %d, want 2", cfg.ChunkSizeMB)
	}
	if cfg.MaxFrameMB != 4 {
		t.Errorf("MaxFrameMB = %d, want 4", cfg.MaxFrameMB)
	}
	if cfg.RateLimitMbps != 0 {
		t.Errorf("RateLimitMbps = %v, want 0", cfg.RateLimitMbps)
	}
	if !cfg.Seed {
		t.Error("Seed should default to true")
	}
}

func TestLoadConfigWithoutFile(t *testing.T) {
	// No ferry.yaml in the test working directory: defaults come back
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Port != 8765 {
		t.Errorf("Port = %d, want default 8765", cfg.Port)
	}
}

func TestGetConfigPathNonEmpty(t *testing.T) {
	if GetConfigPath() == "" {
		t.Error("GetConfigPath returned empty string")
	}
}
