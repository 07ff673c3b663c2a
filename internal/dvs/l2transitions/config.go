package l2transitions

import (
	"fmt"

	"github.com/banshee-data/dvs-calibration/internal/config"
)

// Config parameterises a TransitionMap.
type Config struct {
	Width  int // sensor width in pixels (default: 128)
	Height int // sensor height in pixels (default: 128)

	PeriodMicros    int64 // expected interval between opposite-polarity events (default: 1000)
	ToleranceMicros int64 // accepted deviation from PeriodMicros, inclusive (default: 500)

	EnoughTransitions  int // transitions needed to classify a pixel BLINKING (default: 200)
	MinimumTransitions int // transitions for a pixel to count as active in Stats (default: 10)
}

// DefaultConfig returns a Config loaded from the canonical tuning defaults
// file. Panics if the file cannot be found.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Width:              cfg.GetSensorWidth(),
		Height:             cfg.GetSensorHeight(),
		PeriodMicros:       cfg.GetBlinkPeriodMicros(),
		ToleranceMicros:    cfg.GetBlinkToleranceMicros(),
		EnoughTransitions:  cfg.GetEnoughTransitions(),
		MinimumTransitions: cfg.GetMinimumTransitions(),
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("sensor size must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.Width > 1<<16 || c.Height > 1<<16 {
		return fmt.Errorf("sensor size %dx%d exceeds event address range", c.Width, c.Height)
	}
	if c.PeriodMicros <= 0 {
		return fmt.Errorf("PeriodMicros must be positive, got %d", c.PeriodMicros)
	}
	if c.ToleranceMicros < 0 {
		return fmt.Errorf("ToleranceMicros must be non-negative, got %d", c.ToleranceMicros)
	}
	if c.EnoughTransitions <= 0 {
		return fmt.Errorf("EnoughTransitions must be positive, got %d", c.EnoughTransitions)
	}
	if c.MinimumTransitions < 0 || c.MinimumTransitions > c.EnoughTransitions {
		return fmt.Errorf("MinimumTransitions must be in [0, %d], got %d", c.EnoughTransitions, c.MinimumTransitions)
	}
	return nil
}
