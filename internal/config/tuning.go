package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds the calibration tuning parameters: sensor geometry,
// LED blink timing, classification thresholds, board layout and detector
// tolerances. The schema matches the /api/calibration/tuning endpoint so the
// same JSON can be used for startup configuration and inspection.
type TuningConfig struct {
	// Sensor
	SensorWidth  *int `json:"sensor_width,omitempty"`
	SensorHeight *int `json:"sensor_height,omitempty"`

	// Blink timing (microseconds)
	BlinkPeriodMicros    *int64 `json:"blink_period_us,omitempty"`
	BlinkToleranceMicros *int64 `json:"blink_tolerance_us,omitempty"`

	// Transition classification
	EnoughTransitions  *int `json:"enough_transitions,omitempty"`
	MinimumTransitions *int `json:"minimum_transitions,omitempty"`

	// Blob extraction
	MinimumLEDMass *int `json:"minimum_led_mass,omitempty"`
	Adjacency      *int `json:"adjacency,omitempty"` // 4 or 8

	// Board layout
	GridRows    *int     `json:"grid_rows,omitempty"`
	GridCols    *int     `json:"grid_cols,omitempty"`
	DotSpacingM *float64 `json:"dot_spacing_m,omitempty"`

	// Geometric matching
	MatchTolerance   *float64 `json:"match_tolerance,omitempty"`     // fraction of local dot spacing
	TieBreakMarginPx *float64 `json:"tie_break_margin_px,omitempty"` // pixels

	// Session
	PatternSearchTimeout *string `json:"pattern_search_timeout,omitempty"` // duration string like "2s"
	MinViews             *int    `json:"min_views,omitempty"`
	PairWindow           *string `json:"pair_window,omitempty"` // duration string like "250ms"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated with
// the built-in defaults (128x128 sensor, 1 kHz blink, 5x5 board at 5 cm).
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		SensorWidth:          ptrInt(128),
		SensorHeight:         ptrInt(128),
		BlinkPeriodMicros:    ptrInt64(1000),
		BlinkToleranceMicros: ptrInt64(500),
		EnoughTransitions:    ptrInt(200),
		MinimumTransitions:   ptrInt(10),
		MinimumLEDMass:       ptrInt(50),
		Adjacency:            ptrInt(8),
		GridRows:             ptrInt(5),
		GridCols:             ptrInt(5),
		DotSpacingM:          ptrFloat64(0.05),
		MatchTolerance:       ptrFloat64(0.35),
		TieBreakMarginPx:     ptrFloat64(2.0),
		PatternSearchTimeout: ptrString("2s"),
		MinViews:             ptrInt(1),
		PairWindow:           ptrString("250ms"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to defaults through the Get*
// methods, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/dvs/l2transitions/
		"../../../../" + DefaultConfigPath,    // from nested test fixtures
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.SensorWidth != nil && (*c.SensorWidth <= 0 || *c.SensorWidth > 65535) {
		return fmt.Errorf("sensor_width must be in [1, 65535], got %d", *c.SensorWidth)
	}
	if c.SensorHeight != nil && (*c.SensorHeight <= 0 || *c.SensorHeight > 65535) {
		return fmt.Errorf("sensor_height must be in [1, 65535], got %d", *c.SensorHeight)
	}
	if c.BlinkPeriodMicros != nil && *c.BlinkPeriodMicros <= 0 {
		return fmt.Errorf("blink_period_us must be positive, got %d", *c.BlinkPeriodMicros)
	}
	if c.BlinkToleranceMicros != nil && *c.BlinkToleranceMicros < 0 {
		return fmt.Errorf("blink_tolerance_us must be non-negative, got %d", *c.BlinkToleranceMicros)
	}
	if c.EnoughTransitions != nil && *c.EnoughTransitions <= 0 {
		return fmt.Errorf("enough_transitions must be positive, got %d", *c.EnoughTransitions)
	}
	if c.MinimumTransitions != nil && *c.MinimumTransitions < 0 {
		return fmt.Errorf("minimum_transitions must be non-negative, got %d", *c.MinimumTransitions)
	}
	if c.GetMinimumTransitions() > c.GetEnoughTransitions() {
		return fmt.Errorf("minimum_transitions (%d) must not exceed enough_transitions (%d)",
			c.GetMinimumTransitions(), c.GetEnoughTransitions())
	}
	if c.MinimumLEDMass != nil && *c.MinimumLEDMass <= 0 {
		return fmt.Errorf("minimum_led_mass must be positive, got %d", *c.MinimumLEDMass)
	}
	if c.Adjacency != nil && *c.Adjacency != 4 && *c.Adjacency != 8 {
		return fmt.Errorf("adjacency must be 4 or 8, got %d", *c.Adjacency)
	}
	if c.GridRows != nil && *c.GridRows < 2 {
		return fmt.Errorf("grid_rows must be at least 2, got %d", *c.GridRows)
	}
	if c.GridCols != nil && *c.GridCols < 2 {
		return fmt.Errorf("grid_cols must be at least 2, got %d", *c.GridCols)
	}
	if c.DotSpacingM != nil && *c.DotSpacingM <= 0 {
		return fmt.Errorf("dot_spacing_m must be positive, got %f", *c.DotSpacingM)
	}
	if c.MatchTolerance != nil && (*c.MatchTolerance <= 0 || *c.MatchTolerance >= 0.5) {
		return fmt.Errorf("match_tolerance must be in (0, 0.5), got %f", *c.MatchTolerance)
	}
	if c.TieBreakMarginPx != nil && *c.TieBreakMarginPx < 0 {
		return fmt.Errorf("tie_break_margin_px must be non-negative, got %f", *c.TieBreakMarginPx)
	}
	if c.MinViews != nil && *c.MinViews < 1 {
		return fmt.Errorf("min_views must be at least 1, got %d", *c.MinViews)
	}
	if c.PatternSearchTimeout != nil && *c.PatternSearchTimeout != "" {
		if _, err := time.ParseDuration(*c.PatternSearchTimeout); err != nil {
			return fmt.Errorf("invalid pattern_search_timeout '%s': %w", *c.PatternSearchTimeout, err)
		}
	}
	if c.PairWindow != nil && *c.PairWindow != "" {
		if _, err := time.ParseDuration(*c.PairWindow); err != nil {
			return fmt.Errorf("invalid pair_window '%s': %w", *c.PairWindow, err)
		}
	}
	return nil
}

// GetSensorWidth returns the sensor_width value or the default.
func (c *TuningConfig) GetSensorWidth() int {
	if c.SensorWidth == nil {
		return 128 // default
	}
	return *c.SensorWidth
}

// GetSensorHeight returns the sensor_height value or the default.
func (c *TuningConfig) GetSensorHeight() int {
	if c.SensorHeight == nil {
		return 128 // default
	}
	return *c.SensorHeight
}

// GetBlinkPeriodMicros returns the blink_period_us value or the default.
func (c *TuningConfig) GetBlinkPeriodMicros() int64 {
	if c.BlinkPeriodMicros == nil {
		return 1000 // default
	}
	return *c.BlinkPeriodMicros
}

// GetBlinkToleranceMicros returns the blink_tolerance_us value or the default.
func (c *TuningConfig) GetBlinkToleranceMicros() int64 {
	if c.BlinkToleranceMicros == nil {
		return 500 // default
	}
	return *c.BlinkToleranceMicros
}

// GetEnoughTransitions returns the enough_transitions value or the default.
func (c *TuningConfig) GetEnoughTransitions() int {
	if c.EnoughTransitions == nil {
		return 200 // default
	}
	return *c.EnoughTransitions
}

// GetMinimumTransitions returns the minimum_transitions value or the default.
func (c *TuningConfig) GetMinimumTransitions() int {
	if c.MinimumTransitions == nil {
		return 10 // default
	}
	return *c.MinimumTransitions
}

// GetMinimumLEDMass returns the minimum_led_mass value or the default.
func (c *TuningConfig) GetMinimumLEDMass() int {
	if c.MinimumLEDMass == nil {
		return 50 // default
	}
	return *c.MinimumLEDMass
}

// GetAdjacency returns the adjacency value or the default.
func (c *TuningConfig) GetAdjacency() int {
	if c.Adjacency == nil {
		return 8 // default
	}
	return *c.Adjacency
}

// GetGridRows returns the grid_rows value or the default.
func (c *TuningConfig) GetGridRows() int {
	if c.GridRows == nil {
		return 5 // default
	}
	return *c.GridRows
}

// GetGridCols returns the grid_cols value or the default.
func (c *TuningConfig) GetGridCols() int {
	if c.GridCols == nil {
		return 5 // default
	}
	return *c.GridCols
}

// GetDotSpacingM returns the dot_spacing_m value or the default.
func (c *TuningConfig) GetDotSpacingM() float64 {
	if c.DotSpacingM == nil {
		return 0.05 // default
	}
	return *c.DotSpacingM
}

// GetMatchTolerance returns the match_tolerance value or the default.
func (c *TuningConfig) GetMatchTolerance() float64 {
	if c.MatchTolerance == nil {
		return 0.35 // default
	}
	return *c.MatchTolerance
}

// GetTieBreakMarginPx returns the tie_break_margin_px value or the default.
func (c *TuningConfig) GetTieBreakMarginPx() float64 {
	if c.TieBreakMarginPx == nil {
		return 2.0 // default
	}
	return *c.TieBreakMarginPx
}

// GetMinViews returns the min_views value or the default.
func (c *TuningConfig) GetMinViews() int {
	if c.MinViews == nil {
		return 1 // default
	}
	return *c.MinViews
}

// GetPatternSearchTimeout parses and returns the PatternSearchTimeout as a time.Duration.
func (c *TuningConfig) GetPatternSearchTimeout() time.Duration {
	if c.PatternSearchTimeout == nil || *c.PatternSearchTimeout == "" {
		return 2 * time.Second // default
	}
	d, err := time.ParseDuration(*c.PatternSearchTimeout)
	if err != nil {
		return 2 * time.Second // default on parse error
	}
	return d
}

// GetPairWindow parses and returns the PairWindow as a time.Duration.
func (c *TuningConfig) GetPairWindow() time.Duration {
	if c.PairWindow == nil || *c.PairWindow == "" {
		return 250 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.PairWindow)
	if err != nil {
		return 250 * time.Millisecond // default on parse error
	}
	return d
}
