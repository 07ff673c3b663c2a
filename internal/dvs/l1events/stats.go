package l1events

import (
	"sync"
	"time"
)

// SourceStats tracks source throughput with thread-safe operations.
type SourceStats struct {
	mu           sync.Mutex
	batchCount   int64
	byteCount    int64
	eventCount   int64
	droppedCount int64
	lastReset    time.Time
}

// NewSourceStats creates a new SourceStats instance
func NewSourceStats() *SourceStats {
	return &SourceStats{lastReset: time.Now()}
}

// AddBatch records one decoded batch of n events from size bytes.
func (s *SourceStats) AddBatch(size, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCount++
	s.byteCount += int64(size)
	s.eventCount += int64(n)
}

// AddDropped records undecodable input (bad datagrams, resync bytes).
func (s *SourceStats) AddDropped(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.droppedCount += int64(n)
}

// SourceSnapshot is a point-in-time copy of SourceStats counters.
type SourceSnapshot struct {
	Batches  int64
	Bytes    int64
	Events   int64
	Dropped  int64
	Duration time.Duration
}

// GetAndReset returns current counters and resets them.
func (s *SourceStats) GetAndReset() SourceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	snap := SourceSnapshot{
		Batches:  s.batchCount,
		Bytes:    s.byteCount,
		Events:   s.eventCount,
		Dropped:  s.droppedCount,
		Duration: now.Sub(s.lastReset),
	}
	s.batchCount, s.byteCount, s.eventCount, s.droppedCount = 0, 0, 0, 0
	s.lastReset = now
	return snap
}

// LogStats writes a rate summary to the diag stream and resets counters.
func (s *SourceStats) LogStats(name string) {
	snap := s.GetAndReset()
	if snap.Batches == 0 && snap.Dropped == 0 {
		return
	}
	secs := snap.Duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	diagf("%s stats (/sec): %.1f batches, %.0f events, %.2f KB, %d dropped",
		name, float64(snap.Batches)/secs, float64(snap.Events)/secs, float64(snap.Bytes)/secs/1024, snap.Dropped)
	if snap.Dropped > 0 {
		opsf("%s dropped %d undecodable inputs in %v", name, snap.Dropped, snap.Duration.Round(time.Second))
	}
}
