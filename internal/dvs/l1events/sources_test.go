package l1events

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dvs-calibration/internal/serialmux"
)

// recordingSink collects batches per camera.
type recordingSink struct {
	mu      sync.Mutex
	batches map[CameraID][][]Event
	got     chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{batches: map[CameraID][][]Event{}, got: make(chan struct{}, 1024)}
}

func (r *recordingSink) Ingest(camera CameraID, batch []Event) {
	r.mu.Lock()
	r.batches[camera] = append(r.batches[camera], append([]Event(nil), batch...))
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
}

func (r *recordingSink) events(camera CameraID) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, b := range r.batches[camera] {
		out = append(out, b...)
	}
	return out
}

func (r *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a batch")
	}
}

// ----------------------------------------------------------------------------
// UDP
// ----------------------------------------------------------------------------

func TestUDPListener_DeliversBatches(t *testing.T) {
	sink := newRecordingSink()
	stats := NewSourceStats()
	l := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0", Stats: stats})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx, sink) }()

	var addr net.Addr
	select {
	case addr = <-l.Ready():
	case err := <-done:
		t.Fatalf("listener exited early: %v", err)
	}

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("garbage"))
	require.NoError(t, err)
	want := []Event{{X: 3, Y: 4, Timestamp: 10, Polarity: On}, {X: 5, Y: 6, Timestamp: 20, Polarity: Off}}
	d, err := EncodeDatagram("right", want)
	require.NoError(t, err)
	_, err = conn.Write(d)
	require.NoError(t, err)

	sink.wait(t)
	assert.Equal(t, want, sink.events("right"))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	snap := stats.GetAndReset()
	assert.Equal(t, int64(2), snap.Events)
	assert.Equal(t, int64(1), snap.Dropped)
}

// ----------------------------------------------------------------------------
// PCAP
// ----------------------------------------------------------------------------

func TestPCAP_WriteThenReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)

	w, err := NewPCAPWriter(f, 5600)
	require.NoError(t, err)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := []Event{{X: 1, Y: 1, Timestamp: 1000, Polarity: Off}}
	second := []Event{{X: 1, Y: 1, Timestamp: 2000, Polarity: On}}
	require.NoError(t, w.WriteBatch(base, "cam0", first))
	require.NoError(t, w.WriteBatch(base.Add(time.Millisecond), "cam1", second))
	require.NoError(t, f.Close())

	sink := newRecordingSink()
	stats := NewSourceStats()
	err = ReplayPCAP(context.Background(), PCAPReplayConfig{Path: path, UDPPort: 5600, Stats: stats}, sink)
	require.NoError(t, err)

	assert.Equal(t, first, sink.events("cam0"))
	assert.Equal(t, second, sink.events("cam1"))
	assert.Equal(t, int64(2), stats.GetAndReset().Batches)
}

func TestPCAP_FiltersPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := NewPCAPWriter(f, 7000)
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(time.Now(), "cam0", []Event{{X: 1}}))
	require.NoError(t, f.Close())

	sink := newRecordingSink()
	require.NoError(t, ReplayPCAP(context.Background(), PCAPReplayConfig{Path: path, UDPPort: 5600}, sink))
	assert.Empty(t, sink.events("cam0"))
}

func TestPCAP_MissingFile(t *testing.T) {
	err := ReplayPCAP(context.Background(), PCAPReplayConfig{Path: "/nonexistent.pcap"}, newRecordingSink())
	assert.Error(t, err)
}

// ----------------------------------------------------------------------------
// Serial
// ----------------------------------------------------------------------------

func TestSerialSource_InitializeAndDecode(t *testing.T) {
	port := serialmux.NewFakePort(true)
	mux := serialmux.NewSerialMux(port)

	src, err := NewSerialSource(mux, SerialSourceConfig{Camera: "left", Format: EDVSFormat16})
	require.NoError(t, err)
	require.NoError(t, src.Initialize())
	assert.Equal(t, "!E2\nE+\n", string(port.Written()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := newRecordingSink()
	runDone := make(chan error, 1)
	go func() { runDone <- src.Run(ctx, sink) }()
	go func() { _ = mux.Monitor(ctx) }()

	want := []Event{{X: 10, Y: 20, Timestamp: 500, Polarity: On}}
	// wait for Run to subscribe before feeding the port
	require.Eventually(t, func() bool {
		port.Feed(EncodeEDVS(EDVSFormat16, want))
		select {
		case <-sink.got:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	got := sink.events("left")
	require.NotEmpty(t, got)
	assert.Equal(t, want[0], got[0])

	cancel()
	assert.ErrorIs(t, <-runDone, context.Canceled)
	assert.Contains(t, string(port.Written()), "E-\n")
	require.NoError(t, mux.Close())
}

func TestNewSerialSource_Errors(t *testing.T) {
	mux := serialmux.NewSerialMux(serialmux.NewFakePort(false))
	_, err := NewSerialSource(mux, SerialSourceConfig{Format: EDVSFormat16})
	assert.Error(t, err)
	_, err = NewSerialSource(mux, SerialSourceConfig{Camera: "c", Format: 7})
	assert.Error(t, err)
}

// ----------------------------------------------------------------------------
// Synthetic board
// ----------------------------------------------------------------------------

func TestSyntheticBoard_Geometry(t *testing.T) {
	b, err := NewSyntheticBoard(DefaultSyntheticBoardConfig())
	require.NoError(t, err)

	centres := b.LEDCentres()
	require.Len(t, centres, 25)
	assert.Equal(t, [2]float64{24, 24}, centres[0])
	assert.Equal(t, [2]float64{104, 24}, centres[4])
	assert.Equal(t, [2]float64{24, 104}, centres[20])
	assert.Equal(t, 25*69, len(b.LEDPixels()))
}

func TestSyntheticBoard_TogglesAlternate(t *testing.T) {
	cfg := DefaultSyntheticBoardConfig()
	cfg.NoiseEvents = 0
	cfg.JitterMicros = 0
	b, err := NewSyntheticBoard(cfg)
	require.NoError(t, err)

	first := b.NextToggle()
	second := b.NextToggle()
	require.Len(t, first, len(b.LEDPixels()))
	assert.Equal(t, On, first[0].Polarity)
	assert.Equal(t, Off, second[0].Polarity)
	assert.Equal(t, cfg.StartMicros, first[0].Timestamp)
	assert.Equal(t, cfg.StartMicros+cfg.PeriodMicros, second[0].Timestamp)
	assert.Equal(t, cfg.StartMicros+2*cfg.PeriodMicros, b.Now())
}

func TestSyntheticBoard_Deterministic(t *testing.T) {
	a, err := NewSyntheticBoard(DefaultSyntheticBoardConfig())
	require.NoError(t, err)
	b, err := NewSyntheticBoard(DefaultSyntheticBoardConfig())
	require.NoError(t, err)
	assert.Equal(t, a.Toggles(3), b.Toggles(3))
}

func TestSyntheticBoard_RejectsOffSensor(t *testing.T) {
	cfg := DefaultSyntheticBoardConfig()
	cfg.SpacingPx = 40
	_, err := NewSyntheticBoard(cfg)
	assert.Error(t, err)

	cfg = DefaultSyntheticBoardConfig()
	cfg.JitterMicros = 400
	_, err = NewSyntheticBoard(cfg)
	assert.Error(t, err)
}
