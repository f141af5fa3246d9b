package main

import (
	"os"
	"path/filepath"
	"testing"
)

type fakeFlags map[string]bool

func (f fakeFlags) IsSet(name string) bool { return f[name] }

func TestLoadConfig(t *testing.T) {
	t.Run("missing file is empty", func(t *testing.T) {
		cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatalf("loadConfig returned error: %v", err)
		}
		if cfg.Backend != "" || cfg.Workers != nil {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("fields parse", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := "backend: emu\nworkers: 3\nlog_level: debug\nlog_format: json\nserver_address: 0.0.0.0:9000\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		cfg, err := loadConfig(path)
		if err != nil {
			t.Fatalf("loadConfig returned error: %v", err)
		}
		if cfg.Backend != "emu" || cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.Workers == nil || *cfg.Workers != 3 {
			t.Fatalf("unexpected workers: %v", cfg.Workers)
		}
		if cfg.ServerAddress != "0.0.0.0:9000" {
			t.Fatalf("unexpected server address: %q", cfg.ServerAddress)
		}
	})

	t.Run("malformed file errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("workers: [1"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := loadConfig(path); err == nil {
			t.Fatalf("expected parse error")
		}
	})
}

func TestApplyConfig(t *testing.T) {
	backendName, workers, logLevel, logFormat = "auto", 0, "info", "pretty"
	t.Cleanup(func() {
		backendName, workers, logLevel, logFormat = "auto", 0, "info", "pretty"
	})

	n := int64(6)
	cfg := Config{Backend: "emu", Workers: &n, LogLevel: "warn", LogFormat: "text"}
	applyConfig(fakeFlags{"backend": true, "log-format": true}, cfg)

	if backendName != "auto" {
		t.Fatalf("flag should win over config: backend=%q", backendName)
	}
	if workers != 6 {
		t.Fatalf("workers=%d, want 6", workers)
	}
	if logLevel != "warn" {
		t.Fatalf("logLevel=%q, want warn", logLevel)
	}
	if logFormat != "pretty" {
		t.Fatalf("flag should win over config: logFormat=%q", logFormat)
	}
}
