package l2transitions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dvs-calibration/internal/config"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

func testConfig() Config {
	return Config{
		Width:              128,
		Height:             128,
		PeriodMicros:       1000,
		ToleranceMicros:    500,
		EnoughTransitions:  200,
		MinimumTransitions: 10,
	}
}

func newMap(t *testing.T, cfg Config) *TransitionMap {
	t.Helper()
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func ev(x, y int, ts int64, p l1events.Polarity) l1events.Event {
	return l1events.Event{X: uint16(x), Y: uint16(y), Timestamp: ts, Polarity: p}
}

// blink feeds n alternating events at a fixed interval and returns the next timestamp.
func blink(m *TransitionMap, x, y int, start, interval int64, n int) int64 {
	pol := l1events.Off
	ts := start
	for i := 0; i < n; i++ {
		m.Apply(ev(x, y, ts, pol))
		if pol == l1events.Off {
			pol = l1events.On
		} else {
			pol = l1events.Off
		}
		ts += interval
	}
	return ts
}

// ----------------------------------------------------------------------------
// Blinking pixels
// ----------------------------------------------------------------------------

func TestApply_SinglePairCountsOne(t *testing.T) {
	t.Parallel()
	m := newMap(t, testConfig())

	m.Apply(ev(10, 10, 1_000_000, l1events.Off))
	m.Apply(ev(10, 10, 1_001_000, l1events.On))

	assert.Equal(t, 1, m.Transitions(l1events.Pixel{X: 10, Y: 10}))
	st, ok := m.State(l1events.Pixel{X: 10, Y: 10})
	require.True(t, ok)
	assert.Equal(t, Unclassified, st.Class)
	assert.Equal(t, int64(1_001_000), st.LastTimestamp)
	assert.Equal(t, l1events.On, st.LastPolarity)
}

func TestApply_BecomesBlinkingAtThreshold(t *testing.T) {
	t.Parallel()
	m := newMap(t, testConfig())
	p := l1events.Pixel{X: 10, Y: 10}

	// 200 transitions need 201 alternating events
	blink(m, p.X, p.Y, 1_000_000, 1000, 200)
	assert.Equal(t, 199, m.Transitions(p))
	assert.Empty(t, m.BlinkingPixels())

	m.Apply(ev(p.X, p.Y, 1_200_000, l1events.Off))
	assert.Equal(t, 200, m.Transitions(p))
	assert.Equal(t, []l1events.Pixel{p}, m.BlinkingPixels())
}

// ----------------------------------------------------------------------------
// Window edges
// ----------------------------------------------------------------------------

func TestApply_IntervalWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		interval int64
		want     int
	}{
		{"exact period", 1000, 1},
		{"lower edge inclusive", 500, 1},
		{"upper edge inclusive", 1500, 1},
		{"below window", 499, 0},
		{"above window", 1501, 0},
		{"zero interval", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMap(t, testConfig())
			m.Apply(ev(1, 1, 5000, l1events.On))
			m.Apply(ev(1, 1, 5000+tt.interval, l1events.Off))
			assert.Equal(t, tt.want, m.Transitions(l1events.Pixel{X: 1, Y: 1}))
		})
	}
}

func TestApply_SamePolarityOnlyOverwrites(t *testing.T) {
	t.Parallel()
	m := newMap(t, testConfig())
	p := l1events.Pixel{X: 4, Y: 5}

	m.Apply(ev(p.X, p.Y, 0, l1events.On))
	m.Apply(ev(p.X, p.Y, 1000, l1events.On))
	assert.Equal(t, 0, m.Transitions(p))

	// the interval is measured from the overwritten timestamp
	m.Apply(ev(p.X, p.Y, 2000, l1events.Off))
	assert.Equal(t, 1, m.Transitions(p))
}

func TestApply_OutOfWindowStillOverwrites(t *testing.T) {
	t.Parallel()
	m := newMap(t, testConfig())
	p := l1events.Pixel{X: 2, Y: 2}

	m.Apply(ev(p.X, p.Y, 0, l1events.On))
	m.Apply(ev(p.X, p.Y, 10_000, l1events.Off)) // too late, no count
	m.Apply(ev(p.X, p.Y, 11_000, l1events.On))  // measured from 10_000
	assert.Equal(t, 1, m.Transitions(p))
}

// ----------------------------------------------------------------------------
// Monotonic classification, reset, dropping
// ----------------------------------------------------------------------------

func TestBlinkingIsMonotonic(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.EnoughTransitions = 5
	cfg.MinimumTransitions = 2
	m := newMap(t, cfg)
	p := l1events.Pixel{X: 7, Y: 3}

	next := blink(m, p.X, p.Y, 0, 1000, 6)
	require.Equal(t, []l1events.Pixel{p}, m.BlinkingPixels())
	gen := m.Generation()

	// irregular events afterwards never unclassify the pixel
	for i := int64(0); i < 20; i++ {
		m.Apply(ev(p.X, p.Y, next+i*37, l1events.Polarity(i%2)))
	}
	assert.Equal(t, []l1events.Pixel{p}, m.BlinkingPixels())
	assert.Equal(t, gen, m.Generation(), "already-blinking pixel must not bump generation")
}

func TestReset_ZeroesEverything(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.EnoughTransitions = 3
	cfg.MinimumTransitions = 1
	m := newMap(t, cfg)

	blink(m, 1, 1, 0, 1000, 10)
	blink(m, 2, 2, 0, 1000, 10)
	m.Apply(ev(500, 500, 0, l1events.On))
	require.Equal(t, 2, m.BlinkingCount())
	before := m.Generation()

	m.Reset()

	assert.Empty(t, m.BlinkingPixels())
	assert.Greater(t, m.Generation(), before)
	assert.Equal(t, Stats{Generation: m.Generation()}, m.Stats())
	for _, c := range m.Snapshot() {
		if c != 0 {
			t.Fatalf("snapshot not zeroed after reset")
		}
	}
	st, ok := m.State(l1events.Pixel{X: 1, Y: 1})
	require.True(t, ok)
	assert.Equal(t, PixelState{}, st)
}

func TestApply_DropsOutOfRange(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Width, cfg.Height = 10, 8
	m := newMap(t, cfg)

	applied, dropped := m.ApplyBatch([]l1events.Event{
		ev(9, 7, 0, l1events.On),
		ev(10, 0, 0, l1events.On),
		ev(0, 8, 0, l1events.On),
		ev(300, 300, 0, l1events.On),
	})
	assert.Equal(t, 1, applied)
	assert.Equal(t, 3, dropped)

	stats := m.Stats()
	assert.Equal(t, uint64(3), stats.Dropped)
	assert.Equal(t, uint64(1), stats.Applied)
	assert.Equal(t, 1, stats.Tracked)

	_, ok := m.State(l1events.Pixel{X: 10, Y: 0})
	assert.False(t, ok)
	assert.Equal(t, 0, m.Transitions(l1events.Pixel{X: -1, Y: 0}))
}

func TestBlinkingPixels_RowMajorAndCopied(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.EnoughTransitions = 2
	cfg.MinimumTransitions = 1
	m := newMap(t, cfg)

	// classify in reverse row-major order
	blink(m, 5, 9, 0, 1000, 3)
	blink(m, 9, 2, 0, 1000, 3)
	blink(m, 1, 2, 0, 1000, 3)

	got := m.BlinkingPixels()
	assert.Equal(t, []l1events.Pixel{{X: 1, Y: 2}, {X: 9, Y: 2}, {X: 5, Y: 9}}, got)

	got[0] = l1events.Pixel{X: 99, Y: 99}
	assert.Equal(t, l1events.Pixel{X: 1, Y: 2}, m.BlinkingPixels()[0])
}

func TestStats_ActiveAndLatest(t *testing.T) {
	t.Parallel()
	m := newMap(t, testConfig())

	blink(m, 1, 1, 0, 1000, 11) // 10 transitions -> active
	blink(m, 2, 2, 0, 1000, 10) // 9 transitions
	m.Apply(ev(3, 3, 99_000, l1events.On))

	stats := m.Stats()
	assert.Equal(t, 3, stats.Tracked)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Blinking)
	assert.Equal(t, int64(99_000), stats.Latest)
	assert.Equal(t, uint32(10), m.Snapshot()[1*128+1])
}

func TestSyntheticBoard_ClassifiesLEDPixels(t *testing.T) {
	t.Parallel()
	bcfg := l1events.DefaultSyntheticBoardConfig()
	bcfg.NoiseEvents = 20
	board, err := l1events.NewSyntheticBoard(bcfg)
	require.NoError(t, err)

	m := newMap(t, testConfig())
	// noise can cost an LED pixel a few transitions, so run well past the threshold
	m.ApplyBatch(board.Toggles(260))

	got := m.BlinkingPixels()
	want := board.LEDPixels()
	assert.Len(t, got, len(want))
	wantSet := map[l1events.Pixel]bool{}
	for _, p := range want {
		wantSet[p] = true
	}
	for _, p := range got {
		assert.True(t, wantSet[p], "pixel %v is not an LED pixel", p)
	}
}

// ----------------------------------------------------------------------------
// Config
// ----------------------------------------------------------------------------

func TestConfigFromTuning(t *testing.T) {
	t.Parallel()
	cfg := ConfigFromTuning(config.DefaultTuningConfig())
	assert.Equal(t, testConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	mutate := func(f func(*Config)) Config {
		c := testConfig()
		f(&c)
		return c
	}
	bad := []Config{
		mutate(func(c *Config) { c.Width = 0 }),
		mutate(func(c *Config) { c.PeriodMicros = 0 }),
		mutate(func(c *Config) { c.ToleranceMicros = -1 }),
		mutate(func(c *Config) { c.EnoughTransitions = 0 }),
		mutate(func(c *Config) { c.MinimumTransitions = 201 }),
	}
	for _, c := range bad {
		assert.Error(t, c.Validate(), "%+v", c)
		_, err := New(c)
		assert.Error(t, err)
	}
}
