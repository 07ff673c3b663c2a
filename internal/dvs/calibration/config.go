package calibration

import (
	"fmt"
	"time"

	"github.com/banshee-data/dvs-calibration/internal/config"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l2transitions"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l3pattern"
)

// Config holds the controller parameters.
type Config struct {
	Transitions l2transitions.Config
	Pattern     l3pattern.Config

	// PatternSearchTimeout is how long a session may go without a detection
	// before a PatternTimeout diagnostic is emitted.
	PatternSearchTimeout time.Duration
	// LivenessInterval is how often Run checks liveness. Zero means a
	// quarter of PatternSearchTimeout.
	LivenessInterval time.Duration
	MinViews         int
	PairWindow       time.Duration
}

// DefaultConfig returns a Config loaded from the canonical tuning defaults
// file. Panics if the file cannot be found.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Transitions:          l2transitions.ConfigFromTuning(cfg),
		Pattern:              l3pattern.ConfigFromTuning(cfg),
		PatternSearchTimeout: cfg.GetPatternSearchTimeout(),
		MinViews:             cfg.GetMinViews(),
		PairWindow:           cfg.GetPairWindow(),
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if err := c.Transitions.Validate(); err != nil {
		return fmt.Errorf("transitions: %w", err)
	}
	if err := c.Pattern.Validate(); err != nil {
		return fmt.Errorf("pattern: %w", err)
	}
	if c.PatternSearchTimeout <= 0 {
		return fmt.Errorf("PatternSearchTimeout must be positive, got %v", c.PatternSearchTimeout)
	}
	if c.LivenessInterval < 0 {
		return fmt.Errorf("LivenessInterval must be non-negative, got %v", c.LivenessInterval)
	}
	if c.MinViews < 1 {
		return fmt.Errorf("MinViews must be at least 1, got %d", c.MinViews)
	}
	if c.PairWindow < 0 {
		return fmt.Errorf("PairWindow must be non-negative, got %v", c.PairWindow)
	}
	return nil
}

func (c Config) livenessInterval() time.Duration {
	if c.LivenessInterval > 0 {
		return c.LivenessInterval
	}
	d := c.PatternSearchTimeout / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}
