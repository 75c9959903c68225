package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/technosupport/ts-sentinel/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()

	if cfg.Pipeline.BatchWindow() != 90*time.Second {
		t.Errorf("batch window = %v", cfg.Pipeline.BatchWindow())
	}
	if cfg.Pipeline.FastPathConfidenceThreshold != 0.90 {
		t.Errorf("fast-path threshold = %v", cfg.Pipeline.FastPathConfidenceThreshold)
	}
	if cfg.AI.MaxConcurrentInferences != 4 {
		t.Errorf("max concurrent inferences = %d", cfg.AI.MaxConcurrentInferences)
	}
	if cfg.GPU.WarningThresholdPct != 85 || cfg.GPU.CriticalThresholdPct != 95 {
		t.Errorf("gpu thresholds = %v / %v", cfg.GPU.WarningThresholdPct, cfg.GPU.CriticalThresholdPct)
	}
	if cfg.Severity.LowMax != 29 || cfg.Severity.MediumMax != 59 || cfg.Severity.HighMax != 84 {
		t.Errorf("severity boundaries = %+v", cfg.Severity)
	}
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
pipeline:
  batch_window_seconds: 45
ai:
  detector_url: http://detector:9000
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.BatchWindowSeconds != 45 {
		t.Errorf("batch window = %d, want file override 45", cfg.Pipeline.BatchWindowSeconds)
	}
	if cfg.AI.DetectorURL != "http://detector:9000" {
		t.Errorf("detector url = %s", cfg.AI.DetectorURL)
	}
	// Untouched keys keep defaults.
	if cfg.Pipeline.BatchIdleTimeoutSeconds != 30 {
		t.Errorf("idle timeout = %d, want default 30", cfg.Pipeline.BatchIdleTimeoutSeconds)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != "8080" {
		t.Errorf("port = %s, want default", cfg.HTTP.Port)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("pipeline: ["), 0o644)

	if _, err := config.Load(path); err == nil {
		t.Error("malformed yaml should fail")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("DETECTOR_URL", "http://env-wins:1234")
	t.Setenv("AI_MAX_CONCURRENT_INFERENCES", "8")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AI.DetectorURL != "http://env-wins:1234" {
		t.Errorf("detector url = %s, want env override", cfg.AI.DetectorURL)
	}
	if cfg.AI.MaxConcurrentInferences != 8 {
		t.Errorf("max concurrent = %d, want 8", cfg.AI.MaxConcurrentInferences)
	}
}

func TestStore_ReplaceNotifiesListeners(t *testing.T) {
	store := config.NewStore(config.Default())

	var got *config.Config
	store.OnReload(func(c *config.Config) { got = c })

	next := config.Default()
	next.Pipeline.BatchWindowSeconds = 10
	store.Replace(next)

	if store.Current().Pipeline.BatchWindowSeconds != 10 {
		t.Error("Current did not observe the replacement")
	}
	if got == nil || got.Pipeline.BatchWindowSeconds != 10 {
		t.Error("listener not invoked with the new config")
	}
}
