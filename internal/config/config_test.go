package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetInt("server.port"); got != 8080 {
		t.Errorf("server.port = %d, want 8080", got)
	}
	if got := v.GetFloat64("plugins.detection.warning_threshold"); got != 2.0 {
		t.Errorf("warning_threshold = %v, want 2.0", got)
	}
	if got := v.GetDuration("plugins.detection.child_timeout"); got != 30*time.Second {
		t.Errorf("child_timeout = %v, want 30s", got)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flynn.yaml")
	yaml := []byte("plugins:\n  detection:\n    critical_threshold: 3.5\n    workers: 4\nserver:\n  port: 9000\n")
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FLYNN_SERVER_PORT", "9999")

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetFloat64("plugins.detection.critical_threshold"); got != 3.5 {
		t.Errorf("critical_threshold = %v, want 3.5", got)
	}
	if got := v.GetInt("plugins.detection.workers"); got != 4 {
		t.Errorf("workers = %d, want 4", got)
	}
	if got := v.GetInt("server.port"); got != 9999 {
		t.Errorf("server.port = %d, want env override 9999", got)
	}
}

func TestViperConfig_Sub(t *testing.T) {
	base := New(nil)
	SetDefaults(base.Viper())

	detection := base.Sub("plugins.detection")
	if got := detection.GetInt("min_sample_days"); got != 7 {
		t.Errorf("min_sample_days = %d, want 7", got)
	}
	if !detection.GetBool("enable_day_of_week_adjustment") {
		t.Error("enable_day_of_week_adjustment should default to true")
	}

	missing := base.Sub("plugins.unknown")
	if missing.IsSet("anything") {
		t.Error("missing section should be empty")
	}
}
