package l3pattern

import (
	"fmt"

	"github.com/banshee-data/dvs-calibration/internal/config"
)

// Config describes the calibration board and the detector tolerances.
type Config struct {
	Rows           int     // grid rows (default: 5)
	Cols           int     // grid columns (default: 5)
	SpacingM       float64 // centre-to-centre dot spacing in metres (default: 0.05)
	MinimumLEDMass int     // smallest blob kept, inclusive (default: 50)
	Adjacency      int     // 4 or 8 (default: 8)
	MatchTolerance float64 // assignment gate as a fraction of local spacing (default: 0.35)
	TieBreakMargin float64 // pixels separating the winning orientation (default: 2.0)
}

// DefaultConfig returns a Config loaded from the canonical tuning defaults
// file. Panics if the file cannot be found.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Rows:           cfg.GetGridRows(),
		Cols:           cfg.GetGridCols(),
		SpacingM:       cfg.GetDotSpacingM(),
		MinimumLEDMass: cfg.GetMinimumLEDMass(),
		Adjacency:      cfg.GetAdjacency(),
		MatchTolerance: cfg.GetMatchTolerance(),
		TieBreakMargin: cfg.GetTieBreakMarginPx(),
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Rows < 2 || c.Cols < 2 {
		return fmt.Errorf("grid must be at least 2x2, got %dx%d", c.Rows, c.Cols)
	}
	if c.SpacingM <= 0 {
		return fmt.Errorf("SpacingM must be positive, got %f", c.SpacingM)
	}
	if c.MinimumLEDMass < 1 {
		return fmt.Errorf("MinimumLEDMass must be at least 1, got %d", c.MinimumLEDMass)
	}
	if c.Adjacency != 4 && c.Adjacency != 8 {
		return fmt.Errorf("Adjacency must be 4 or 8, got %d", c.Adjacency)
	}
	if c.MatchTolerance <= 0 || c.MatchTolerance >= 0.5 {
		return fmt.Errorf("MatchTolerance must be in (0, 0.5), got %f", c.MatchTolerance)
	}
	if c.TieBreakMargin < 0 {
		return fmt.Errorf("TieBreakMargin must be non-negative, got %f", c.TieBreakMargin)
	}
	return nil
}

// Nodes returns the number of grid nodes.
func (c Config) Nodes() int { return c.Rows * c.Cols }

// MinPixels is the smallest blinking set that could possibly yield a pattern.
func (c Config) MinPixels() int { return c.Rows * c.Cols * c.MinimumLEDMass }

// CanonicalGrid returns the grid nodes in row-major order.
func (c Config) CanonicalGrid() []GridPoint {
	out := make([]GridPoint, 0, c.Nodes())
	for r := 0; r < c.Rows; r++ {
		for col := 0; col < c.Cols; col++ {
			out = append(out, GridPoint{
				Row: r,
				Col: col,
				X:   float64(col) * c.SpacingM,
				Y:   float64(r) * c.SpacingM,
			})
		}
	}
	return out
}
