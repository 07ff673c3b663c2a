package l1events

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/dvs-calibration/internal/serialmux"
)

// SerialSource reads one eDVS camera over a serial mux and forwards decoded
// batches to a Sink.
type SerialSource struct {
	camera      CameraID
	mux         serialmux.SerialMuxInterface
	decoder     *EDVSDecoder
	format      EDVSFormat
	stats       *SourceStats
	logInterval time.Duration
}

// SerialSourceConfig configures a SerialSource.
type SerialSourceConfig struct {
	Camera      CameraID
	Format      EDVSFormat
	LogInterval time.Duration
	Stats       *SourceStats
}

// NewSerialSource wraps an opened serial mux.
func NewSerialSource(mux serialmux.SerialMuxInterface, cfg SerialSourceConfig) (*SerialSource, error) {
	if cfg.Camera == "" {
		return nil, fmt.Errorf("serial source needs a camera id")
	}
	dec, err := NewEDVSDecoder(cfg.Format)
	if err != nil {
		return nil, err
	}
	stats := cfg.Stats
	if stats == nil {
		stats = NewSourceStats()
	}
	interval := cfg.LogInterval
	if interval == 0 {
		interval = time.Minute
	}
	return &SerialSource{
		camera:      cfg.Camera,
		mux:         mux,
		decoder:     dec,
		format:      cfg.Format,
		stats:       stats,
		logInterval: interval,
	}, nil
}

// Initialize selects the event format and enables streaming on the device.
func (s *SerialSource) Initialize() error {
	for _, cmd := range s.format.Commands() {
		if err := s.mux.SendCommand(cmd); err != nil {
			return fmt.Errorf("eDVS %s: send %q: %w", s.camera, cmd, err)
		}
	}
	diagf("eDVS %s streaming in format E%d", s.camera, int(s.format))
	return nil
}

// Run decodes chunks until ctx is cancelled or the port closes. The mux's
// Monitor loop must be running for chunks to arrive.
func (s *SerialSource) Run(ctx context.Context, sink Sink) error {
	id, chunks := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	ticker := time.NewTicker(s.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.mux.SendCommand("E-"); err != nil {
				opsf("eDVS %s: failed to stop streaming: %v", s.camera, err)
			}
			return ctx.Err()
		case <-ticker.C:
			s.stats.LogStats("eDVS " + string(s.camera))
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			s.handleChunk(chunk, sink)
		}
	}
}

func (s *SerialSource) handleChunk(chunk []byte, sink Sink) {
	before := s.decoder.ResyncBytes()
	events := s.decoder.Decode(chunk)
	if skipped := s.decoder.ResyncBytes() - before; skipped > 0 {
		s.stats.AddDropped(skipped)
	}
	if len(events) == 0 {
		return
	}
	s.stats.AddBatch(len(chunk), len(events))
	sink.Ingest(s.camera, events)
}
