package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultTuningConfig(t *testing.T) {
	cfg := DefaultTuningConfig()

	if cfg.SensorWidth == nil || *cfg.SensorWidth != 128 {
		t.Errorf("Expected SensorWidth 128, got %v", cfg.SensorWidth)
	}
	if cfg.BlinkPeriodMicros == nil || *cfg.BlinkPeriodMicros != 1000 {
		t.Errorf("Expected BlinkPeriodMicros 1000, got %v", cfg.BlinkPeriodMicros)
	}
	if cfg.PatternSearchTimeout == nil || *cfg.PatternSearchTimeout != "2s" {
		t.Errorf("Expected PatternSearchTimeout '2s', got %v", cfg.PatternSearchTimeout)
	}

	if cfg.GetEnoughTransitions() != 200 {
		t.Errorf("GetEnoughTransitions() = %d, want 200", cfg.GetEnoughTransitions())
	}
	if cfg.GetMinimumTransitions() != 10 {
		t.Errorf("GetMinimumTransitions() = %d, want 10", cfg.GetMinimumTransitions())
	}
	if cfg.GetMinimumLEDMass() != 50 {
		t.Errorf("GetMinimumLEDMass() = %d, want 50", cfg.GetMinimumLEDMass())
	}
	if cfg.GetDotSpacingM() != 0.05 {
		t.Errorf("GetDotSpacingM() = %f, want 0.05", cfg.GetDotSpacingM())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestEmptyTuningConfig_GettersFallBack(t *testing.T) {
	cfg := EmptyTuningConfig()
	defaults := DefaultTuningConfig()

	if cfg.GetSensorWidth() != defaults.GetSensorWidth() {
		t.Errorf("GetSensorWidth() = %d, want %d", cfg.GetSensorWidth(), defaults.GetSensorWidth())
	}
	if cfg.GetBlinkToleranceMicros() != 500 {
		t.Errorf("GetBlinkToleranceMicros() = %d, want 500", cfg.GetBlinkToleranceMicros())
	}
	if cfg.GetGridRows() != 5 || cfg.GetGridCols() != 5 {
		t.Errorf("grid = %dx%d, want 5x5", cfg.GetGridRows(), cfg.GetGridCols())
	}
	if cfg.GetPatternSearchTimeout() != 2*time.Second {
		t.Errorf("GetPatternSearchTimeout() = %v, want 2s", cfg.GetPatternSearchTimeout())
	}
	if cfg.GetPairWindow() != 250*time.Millisecond {
		t.Errorf("GetPairWindow() = %v, want 250ms", cfg.GetPairWindow())
	}
	if cfg.GetAdjacency() != 8 {
		t.Errorf("GetAdjacency() = %d, want 8", cfg.GetAdjacency())
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tuning.json")

	testJSON := `{
  "sensor_width": 240,
  "sensor_height": 180,
  "blink_period_us": 2000,
  "grid_rows": 4,
  "grid_cols": 6,
  "pattern_search_timeout": "5s"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("LoadTuningConfig failed: %v", err)
	}

	if cfg.GetSensorWidth() != 240 || cfg.GetSensorHeight() != 180 {
		t.Errorf("sensor = %dx%d, want 240x180", cfg.GetSensorWidth(), cfg.GetSensorHeight())
	}
	if cfg.GetBlinkPeriodMicros() != 2000 {
		t.Errorf("GetBlinkPeriodMicros() = %d, want 2000", cfg.GetBlinkPeriodMicros())
	}
	if cfg.GetGridRows() != 4 || cfg.GetGridCols() != 6 {
		t.Errorf("grid = %dx%d, want 4x6", cfg.GetGridRows(), cfg.GetGridCols())
	}
	if cfg.GetPatternSearchTimeout() != 5*time.Second {
		t.Errorf("GetPatternSearchTimeout() = %v, want 5s", cfg.GetPatternSearchTimeout())
	}
	// Omitted fields fall back to defaults.
	if cfg.GetMinimumLEDMass() != 50 {
		t.Errorf("GetMinimumLEDMass() = %d, want 50", cfg.GetMinimumLEDMass())
	}
}

func TestLoadTuningConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name string
		path string
	}{
		{"wrong extension", write("tuning.yaml", `{}`)},
		{"missing file", filepath.Join(tmpDir, "nope.json")},
		{"bad json", write("bad.json", `{"sensor_width": `)},
		{"invalid adjacency", write("adj.json", `{"adjacency": 6}`)},
		{"minimum above enough", write("thr.json", `{"enough_transitions": 5, "minimum_transitions": 10}`)},
		{"bad duration", write("dur.json", `{"pattern_search_timeout": "soon"}`)},
		{"tolerance too wide", write("tol.json", `{"match_tolerance": 0.7}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadTuningConfig(tt.path); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.GetSensorWidth() != 128 {
		t.Errorf("defaults file sensor_width = %d, want 128", cfg.GetSensorWidth())
	}
	if cfg.GetEnoughTransitions() != 200 {
		t.Errorf("defaults file enough_transitions = %d, want 200", cfg.GetEnoughTransitions())
	}
}
