package l1events

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

// SyntheticBoardConfig describes a simulated blinking LED board as seen by
// one camera. Geometry is in pixels; the board may be rotated about the
// centre of LED (0,0).
type SyntheticBoardConfig struct {
	Width  int
	Height int
	Rows   int
	Cols   int

	OriginX   float64
	OriginY   float64
	SpacingPx float64
	AngleRad  float64
	LEDRadius float64

	PeriodMicros int64
	JitterMicros int64
	// NoiseEvents is the number of random background events per toggle.
	NoiseEvents int
	Seed        int64
	StartMicros int64
}

// DefaultSyntheticBoardConfig is a 5x5 board filling most of a 128x128 sensor,
// blinking at the default 1 ms half-period.
func DefaultSyntheticBoardConfig() SyntheticBoardConfig {
	return SyntheticBoardConfig{
		Width:        128,
		Height:       128,
		Rows:         5,
		Cols:         5,
		OriginX:      24,
		OriginY:      24,
		SpacingPx:    20,
		LEDRadius:    4.5,
		PeriodMicros: 1000,
		JitterMicros: 50,
		NoiseEvents:  5,
		Seed:         1,
		StartMicros:  1_000_000,
	}
}

// FitSyntheticBoard centres a rows x cols board on a width x height sensor,
// spanning roughly 70% of its shorter side.
func FitSyntheticBoard(width, height, rows, cols int, periodMicros int64) SyntheticBoardConfig {
	b := DefaultSyntheticBoardConfig()
	b.Width, b.Height = width, height
	b.Rows, b.Cols = rows, cols
	if periodMicros > 0 {
		b.PeriodMicros = periodMicros
		b.JitterMicros = min(b.JitterMicros, periodMicros/4)
	}
	span := float64(min(width, height))
	b.SpacingPx = 0.7 * span / float64(max(rows, cols, 1))
	b.LEDRadius = math.Min(b.LEDRadius, b.SpacingPx/4)
	b.OriginX = (float64(width) - b.SpacingPx*float64(cols-1)) / 2
	b.OriginY = (float64(height) - b.SpacingPx*float64(rows-1)) / 2
	return b
}

// SyntheticBoard generates event batches for a SyntheticBoardConfig. Each
// toggle flips every LED and emits one event per LED pixel.
type SyntheticBoard struct {
	cfg     SyntheticBoardConfig
	centres [][2]float64
	pixels  []Pixel
	rng     *rand.Rand
	t       int64
	on      bool
}

// NewSyntheticBoard validates cfg and precomputes the LED footprints.
func NewSyntheticBoard(cfg SyntheticBoardConfig) (*SyntheticBoard, error) {
	if cfg.Rows < 1 || cfg.Cols < 1 {
		return nil, fmt.Errorf("synthetic board needs at least one LED, got %dx%d", cfg.Rows, cfg.Cols)
	}
	if cfg.PeriodMicros <= 0 {
		return nil, fmt.Errorf("synthetic board period must be positive")
	}
	if cfg.JitterMicros*4 > cfg.PeriodMicros {
		return nil, fmt.Errorf("jitter %dus too large for period %dus", cfg.JitterMicros, cfg.PeriodMicros)
	}

	b := &SyntheticBoard{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
		t:   cfg.StartMicros,
	}
	sin, cos := math.Sincos(cfg.AngleRad)
	r2 := cfg.LEDRadius * cfg.LEDRadius
	for row := 0; row < cfg.Rows; row++ {
		for col := 0; col < cfg.Cols; col++ {
			dx := float64(col) * cfg.SpacingPx
			dy := float64(row) * cfg.SpacingPx
			cx := cfg.OriginX + dx*cos - dy*sin
			cy := cfg.OriginY + dx*sin + dy*cos
			if cx-cfg.LEDRadius < 0 || cy-cfg.LEDRadius < 0 ||
				cx+cfg.LEDRadius > float64(cfg.Width-1) || cy+cfg.LEDRadius > float64(cfg.Height-1) {
				return nil, fmt.Errorf("LED (%d,%d) at (%.1f,%.1f) falls outside the %dx%d sensor", row, col, cx, cy, cfg.Width, cfg.Height)
			}
			b.centres = append(b.centres, [2]float64{cx, cy})
			for y := int(math.Floor(cy - cfg.LEDRadius)); y <= int(math.Ceil(cy+cfg.LEDRadius)); y++ {
				for x := int(math.Floor(cx - cfg.LEDRadius)); x <= int(math.Ceil(cx+cfg.LEDRadius)); x++ {
					ddx, ddy := float64(x)-cx, float64(y)-cy
					if ddx*ddx+ddy*ddy <= r2 {
						b.pixels = append(b.pixels, Pixel{X: x, Y: y})
					}
				}
			}
		}
	}
	return b, nil
}

// LEDCentres returns LED centres in row-major grid order.
func (b *SyntheticBoard) LEDCentres() [][2]float64 {
	return append([][2]float64(nil), b.centres...)
}

// LEDPixels returns every pixel covered by an LED.
func (b *SyntheticBoard) LEDPixels() []Pixel {
	return append([]Pixel(nil), b.pixels...)
}

// Now returns the timestamp of the next toggle.
func (b *SyntheticBoard) Now() int64 { return b.t }

// NextToggle flips the LEDs and returns the resulting events sorted by time.
func (b *SyntheticBoard) NextToggle() []Event {
	b.on = !b.on
	pol := Off
	if b.on {
		pol = On
	}

	events := make([]Event, 0, len(b.pixels)+b.cfg.NoiseEvents)
	for _, p := range b.pixels {
		ts := b.t
		if b.cfg.JitterMicros > 0 {
			ts += b.rng.Int63n(2*b.cfg.JitterMicros+1) - b.cfg.JitterMicros
		}
		events = append(events, Event{X: uint16(p.X), Y: uint16(p.Y), Timestamp: ts, Polarity: pol})
	}
	for i := 0; i < b.cfg.NoiseEvents; i++ {
		events = append(events, Event{
			X:         uint16(b.rng.Intn(b.cfg.Width)),
			Y:         uint16(b.rng.Intn(b.cfg.Height)),
			Timestamp: b.t + b.rng.Int63n(b.cfg.PeriodMicros),
			Polarity:  Polarity(b.rng.Intn(2)),
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })

	b.t += b.cfg.PeriodMicros
	return events
}

// Toggles returns n consecutive toggles as one batch.
func (b *SyntheticBoard) Toggles(n int) []Event {
	var out []Event
	for i := 0; i < n; i++ {
		out = append(out, b.NextToggle()...)
	}
	return out
}

// Run emits batches to sink at wall-clock pace until ctx is cancelled. Each
// tick carries as many toggles as fit in the interval.
func (b *SyntheticBoard) Run(ctx context.Context, camera CameraID, sink Sink, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	perTick := int(interval.Microseconds() / b.cfg.PeriodMicros)
	if perTick < 1 {
		perTick = 1
	}
	diagf("synthetic board %s: %dx%d LEDs, %d pixels, %d toggles per %v", camera, b.cfg.Rows, b.cfg.Cols, len(b.pixels), perTick, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sink.Ingest(camera, b.Toggles(perTick))
		}
	}
}
