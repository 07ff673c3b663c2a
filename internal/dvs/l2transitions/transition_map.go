package l2transitions

import (
	"sort"

	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

// Class is a pixel's blink classification.
type Class uint8

const (
	Unclassified Class = iota
	Blinking
)

func (c Class) String() string {
	if c == Blinking {
		return "BLINKING"
	}
	return "UNCLASSIFIED"
}

// PixelState is the per-pixel record kept by a TransitionMap.
type PixelState struct {
	LastTimestamp int64
	LastPolarity  l1events.Polarity
	HasLast       bool
	Transitions   uint32
	Class         Class
}

// Stats summarises a TransitionMap.
type Stats struct {
	Tracked    int    `json:"tracked"`    // pixels that have received at least one event
	Active     int    `json:"active"`     // pixels with at least MinimumTransitions transitions
	Blinking   int    `json:"blinking"`   // pixels classified BLINKING
	Applied    uint64 `json:"applied"`    // events applied since the last reset
	Dropped    uint64 `json:"dropped"`    // out-of-range events since the last reset
	Generation uint64 `json:"generation"` // bumps whenever the blinking set changes
	Latest     int64  `json:"latest_us"`  // latest applied event timestamp (µs)
}

// TransitionMap classifies the pixels of one camera. It is not safe for
// concurrent use; the owner serialises access.
type TransitionMap struct {
	cfg    Config
	states []PixelState

	blinking   []l1events.Pixel
	sorted     bool
	generation uint64

	tracked int
	active  int
	applied uint64
	dropped uint64
	latest  int64
}

// New creates a TransitionMap covering cfg.Width x cfg.Height pixels.
func New(cfg Config) (*TransitionMap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TransitionMap{
		cfg:    cfg,
		states: make([]PixelState, cfg.Width*cfg.Height),
		sorted: true,
	}, nil
}

// Config returns the map's configuration.
func (m *TransitionMap) Config() Config { return m.cfg }

func (m *TransitionMap) index(x, y int) (int, bool) {
	if x < 0 || y < 0 || x >= m.cfg.Width || y >= m.cfg.Height {
		return 0, false
	}
	return y*m.cfg.Width + x, true
}

// Apply folds one event into the map. It reports false when the event lies
// outside the sensor and was dropped.
func (m *TransitionMap) Apply(ev l1events.Event) bool {
	idx, ok := m.index(int(ev.X), int(ev.Y))
	if !ok {
		m.dropped++
		return false
	}
	m.applied++
	if ev.Timestamp > m.latest {
		m.latest = ev.Timestamp
	}

	st := &m.states[idx]
	if !st.HasLast {
		m.tracked++
	} else if st.LastPolarity.Opposite(ev.Polarity) {
		interval := ev.Timestamp - st.LastTimestamp
		diff := interval - m.cfg.PeriodMicros
		if diff < 0 {
			diff = -diff
		}
		if diff <= m.cfg.ToleranceMicros {
			st.Transitions++
			if int(st.Transitions) == m.cfg.MinimumTransitions {
				m.active++
			}
			if st.Class != Blinking && int(st.Transitions) >= m.cfg.EnoughTransitions {
				st.Class = Blinking
				m.markBlinking(ev.Pixel())
			}
		}
	}
	st.LastTimestamp = ev.Timestamp
	st.LastPolarity = ev.Polarity
	st.HasLast = true
	return true
}

func (m *TransitionMap) markBlinking(p l1events.Pixel) {
	if n := len(m.blinking); n > 0 && !m.blinking[n-1].Less(p) {
		m.sorted = false
	}
	m.blinking = append(m.blinking, p)
	m.generation++
	tracef("pixel (%d,%d) classified BLINKING, %d blinking", p.X, p.Y, len(m.blinking))
}

// ApplyBatch applies events in order and returns how many were applied and
// how many were dropped as out of range.
func (m *TransitionMap) ApplyBatch(batch []l1events.Event) (applied, dropped int) {
	for _, ev := range batch {
		if m.Apply(ev) {
			applied++
		} else {
			dropped++
		}
	}
	return applied, dropped
}

// BlinkingPixels returns a copy of the blinking set in row-major order.
func (m *TransitionMap) BlinkingPixels() []l1events.Pixel {
	if !m.sorted {
		sort.Slice(m.blinking, func(i, j int) bool { return m.blinking[i].Less(m.blinking[j]) })
		m.sorted = true
	}
	return append([]l1events.Pixel(nil), m.blinking...)
}

// BlinkingCount returns the size of the blinking set.
func (m *TransitionMap) BlinkingCount() int { return len(m.blinking) }

// Generation changes whenever the blinking set changes, including on Reset.
func (m *TransitionMap) Generation() uint64 { return m.generation }

// State returns the record for p and whether p lies on the sensor.
func (m *TransitionMap) State(p l1events.Pixel) (PixelState, bool) {
	idx, ok := m.index(p.X, p.Y)
	if !ok {
		return PixelState{}, false
	}
	return m.states[idx], true
}

// Transitions returns the transition count for p, or 0 off-sensor.
func (m *TransitionMap) Transitions(p l1events.Pixel) int {
	st, _ := m.State(p)
	return int(st.Transitions)
}

// LastTimestamp returns the timestamp of the last event seen at p.
func (m *TransitionMap) LastTimestamp(p l1events.Pixel) int64 {
	st, _ := m.State(p)
	return st.LastTimestamp
}

// Reset returns every pixel to its initial state and empties the blinking set.
func (m *TransitionMap) Reset() {
	clear(m.states)
	m.blinking = m.blinking[:0]
	m.sorted = true
	m.generation++
	m.tracked, m.active = 0, 0
	m.applied, m.dropped = 0, 0
	m.latest = 0
}

// Stats returns summary counters.
func (m *TransitionMap) Stats() Stats {
	active := m.active
	if m.cfg.MinimumTransitions == 0 {
		active = m.tracked
	}
	return Stats{
		Tracked:    m.tracked,
		Active:     active,
		Blinking:   len(m.blinking),
		Applied:    m.applied,
		Dropped:    m.dropped,
		Generation: m.generation,
		Latest:     m.latest,
	}
}

// Snapshot returns the transition counters as a row-major Width*Height grid.
func (m *TransitionMap) Snapshot() []uint32 {
	out := make([]uint32, len(m.states))
	for i := range m.states {
		out[i] = m.states[i].Transitions
	}
	return out
}
