package config_test

import (
	"os"
	"testing"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/config"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "SAMPLE_RATE", "LOG_LEVEL", "CLAUDE_MODEL", "DB_POOL_MIN", "DB_POOL_MAX")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.Audio.SampleRate)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.LLM.Model != "claude-sonnet-4-20250514" {
		t.Errorf("unexpected default claude model %q", cfg.LLM.Model)
	}
	if cfg.Audio.MicDeviceIndex != nil {
		t.Errorf("expected nil mic device index by default, got %v", *cfg.Audio.MicDeviceIndex)
	}
}

func TestLoadInvalidInteger(t *testing.T) {
	clearEnv(t, "SAMPLE_RATE")
	os.Setenv("SAMPLE_RATE", "not-a-number")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for malformed SAMPLE_RATE")
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	clearEnv(t, "LOG_LEVEL")
	os.Setenv("LOG_LEVEL", "verbose")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for invalid LOG_LEVEL")
	}
}

func TestLoadPoolMinExceedsMax(t *testing.T) {
	clearEnv(t, "DB_POOL_MIN", "DB_POOL_MAX")
	os.Setenv("DB_POOL_MIN", "20")
	os.Setenv("DB_POOL_MAX", "5")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error when DB_POOL_MIN exceeds DB_POOL_MAX")
	}
}

func TestLoadMicDeviceIndexSet(t *testing.T) {
	clearEnv(t, "MIC_DEVICE_INDEX")
	os.Setenv("MIC_DEVICE_INDEX", "3")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audio.MicDeviceIndex == nil || *cfg.Audio.MicDeviceIndex != 3 {
		t.Fatalf("expected mic device index 3, got %v", cfg.Audio.MicDeviceIndex)
	}
}
