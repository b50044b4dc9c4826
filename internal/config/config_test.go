package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.DefaultMode != "restricted" {
		t.Errorf("Engine.DefaultMode = %q, want %q", cfg.Engine.DefaultMode, "restricted")
	}
	if cfg.Engine.DefaultTimeout != 30*time.Second {
		t.Errorf("Engine.DefaultTimeout = %s, want 30s", cfg.Engine.DefaultTimeout)
	}
	if cfg.Engine.DefaultMemoryMB != 512 {
		t.Errorf("Engine.DefaultMemoryMB = %d, want 512", cfg.Engine.DefaultMemoryMB)
	}
	if cfg.Isolated.Backend != "auto" {
		t.Errorf("Isolated.Backend = %q, want %q", cfg.Isolated.Backend, "auto")
	}
	if cfg.Isolated.MaxConcurrent != 16 {
		t.Errorf("Isolated.MaxConcurrent = %d, want 16", cfg.Isolated.MaxConcurrent)
	}
	if cfg.Isolated.Limits.MemoryMB != 512 {
		t.Errorf("Isolated.Limits.MemoryMB = %d, want 512", cfg.Isolated.Limits.MemoryMB)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"unknown mode", func(c *Config) { c.Engine.DefaultMode = "trusted" }, true},
		{"isolated mode", func(c *Config) { c.Engine.DefaultMode = "isolated" }, false},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Engine.DefaultTimeout = 2 * time.Minute
			c.Engine.MaxTimeout = 1 * time.Minute
		}, true},
		{"default_memory_mb < 16", func(c *Config) { c.Engine.DefaultMemoryMB = 8 }, true},
		{"unknown backend", func(c *Config) { c.Isolated.Backend = "podman" }, true},
		{"empty backend", func(c *Config) { c.Isolated.Backend = "" }, false},
		{"max_concurrent 0", func(c *Config) { c.Isolated.MaxConcurrent = 0 }, true},
		{"limits memory_mb < 16", func(c *Config) { c.Isolated.Limits.MemoryMB = 8 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
engine:
  default_mode: isolated
  default_timeout: 15s
  max_timeout: 45s
  policy_file: /etc/mathviz/policy.yaml
isolated:
  backend: docker
  max_concurrent: 4
  image: docker.io/nickblah/lua:5.4-alpine
  limits:
    memory_mb: 256
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(yamlContent); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Engine.DefaultMode != "isolated" {
		t.Errorf("Engine.DefaultMode = %q, want %q", cfg.Engine.DefaultMode, "isolated")
	}
	if cfg.Engine.DefaultTimeout != 15*time.Second {
		t.Errorf("Engine.DefaultTimeout = %s, want 15s", cfg.Engine.DefaultTimeout)
	}
	if cfg.Engine.PolicyFile != "/etc/mathviz/policy.yaml" {
		t.Errorf("Engine.PolicyFile = %q", cfg.Engine.PolicyFile)
	}
	if cfg.Isolated.Backend != "docker" {
		t.Errorf("Isolated.Backend = %q, want %q", cfg.Isolated.Backend, "docker")
	}
	if cfg.Isolated.MaxConcurrent != 4 {
		t.Errorf("Isolated.MaxConcurrent = %d, want 4", cfg.Isolated.MaxConcurrent)
	}
	if cfg.Isolated.Limits.MemoryMB != 256 {
		t.Errorf("Isolated.Limits.MemoryMB = %d, want 256", cfg.Isolated.Limits.MemoryMB)
	}
	// Unset fields keep their defaults.
	if cfg.Engine.DefaultMemoryMB != 512 {
		t.Errorf("Engine.DefaultMemoryMB = %d, want 512", cfg.Engine.DefaultMemoryMB)
	}
	if cfg.Isolated.Namespace != "mathviz" {
		t.Errorf("Isolated.Namespace = %q, want %q", cfg.Isolated.Namespace, "mathviz")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}
