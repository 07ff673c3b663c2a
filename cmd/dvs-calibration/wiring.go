package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/dvs-calibration/internal/config"
	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l2transitions"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l3pattern"
	"github.com/banshee-data/dvs-calibration/internal/dvs/monitor"
	"github.com/banshee-data/dvs-calibration/internal/dvs/rpc"
	"github.com/banshee-data/dvs-calibration/internal/dvs/solver"
	"github.com/banshee-data/dvs-calibration/internal/dvs/storage"
	"github.com/banshee-data/dvs-calibration/internal/monitoring"
	"github.com/banshee-data/dvs-calibration/internal/serialmux"
)

func setLogWriters(s monitoring.Streams) {
	l1events.SetLogWriters(s.Ops, s.Diag, s.Trace)
	l2transitions.SetLogWriters(s.Ops, s.Diag, s.Trace)
	l3pattern.SetLogWriters(s.Ops, s.Diag, s.Trace)
	calibration.SetLogWriters(s.Ops, s.Diag, s.Trace)
	solver.SetLogWriters(s.Ops, s.Diag, s.Trace)
	storage.SetLogWriters(s.Ops, s.Diag, s.Trace)
	monitor.SetLogWriters(s.Ops, s.Diag, s.Trace)
	rpc.SetLogWriters(s.Ops, s.Diag, s.Trace)
}

// variantFor maps the daemon variant config onto a calibration.Variant.
func variantFor(cfg *config.DaemonConfig, ctrl calibration.Config) (calibration.Variant, error) {
	cams := cfg.Variant.Cameras
	switch cfg.Variant.Kind {
	case config.VariantMono:
		if len(cams) == 0 {
			return calibration.AllCameras{MinViews: ctrl.MinViews}, nil
		}
		return calibration.Monocular{Camera: l1events.CameraID(cams[0]), MinViews: ctrl.MinViews}, nil
	case config.VariantStereo:
		if len(cams) != 2 {
			return nil, fmt.Errorf("stereo variant needs two cameras, got %d", len(cams))
		}
		return calibration.Stereo{
			Left:       l1events.CameraID(cams[0]),
			Right:      l1events.CameraID(cams[1]),
			MinViews:   ctrl.MinViews,
			PairWindow: ctrl.PairWindow,
		}, nil
	default:
		return nil, fmt.Errorf("unknown variant %q", cfg.Variant.Kind)
	}
}

// sourceSet holds the opened event sources of the daemon.
type sourceSet struct {
	runners []sourceRunner
	closers []func() error
	// admin mounts the serial debug routes of the first serial camera.
	admin func(*http.ServeMux) error
}

type sourceRunner struct {
	name string
	run  func(ctx context.Context, sink l1events.Sink) error
}

// syntheticBoardConfig sizes a synthetic board to the configured sensor,
// grid and blink period.
func syntheticBoardConfig(ctrl calibration.Config) l1events.SyntheticBoardConfig {
	return l1events.FitSyntheticBoard(ctrl.Transitions.Width, ctrl.Transitions.Height,
		ctrl.Pattern.Rows, ctrl.Pattern.Cols, ctrl.Transitions.PeriodMicros)
}

func openSources(cfg *config.DaemonConfig, ctrl calibration.Config) (*sourceSet, error) {
	set := &sourceSet{}
	for i, sc := range cfg.Sources {
		sc := sc
		switch sc.Kind {
		case config.SourceSerial:
			mux, err := serialmux.NewRealSerialMux(sc.Device, serialmux.PortOptions{BaudRate: sc.Baud})
			if err != nil {
				set.Close()
				return nil, fmt.Errorf("sources[%d]: failed to open %s: %w", i, sc.Device, err)
			}
			set.closers = append(set.closers, mux.Close)
			if set.admin == nil {
				set.admin = func(m *http.ServeMux) error { mux.AttachAdminRoutes(m); return nil }
			}
			src, err := l1events.NewSerialSource(mux, l1events.SerialSourceConfig{
				Camera: l1events.CameraID(sc.Camera),
				Format: l1events.EDVSFormat(sc.EDVSFormat),
			})
			if err != nil {
				set.Close()
				return nil, fmt.Errorf("sources[%d]: %w", i, err)
			}
			set.runners = append(set.runners,
				sourceRunner{name: sc.Device + " monitor", run: func(ctx context.Context, _ l1events.Sink) error {
					return mux.Monitor(ctx)
				}},
				sourceRunner{name: "eDVS " + sc.Camera, run: func(ctx context.Context, sink l1events.Sink) error {
					if err := src.Initialize(); err != nil {
						return err
					}
					return src.Run(ctx, sink)
				}},
			)

		case config.SourceUDP:
			l := l1events.NewUDPListener(l1events.UDPListenerConfig{Address: sc.Listen})
			set.runners = append(set.runners, sourceRunner{name: "udp " + sc.Listen, run: l.Start})

		case config.SourcePCAP:
			pc := l1events.PCAPReplayConfig{Path: sc.Path, UDPPort: sc.UDPPort, Realtime: sc.Realtime}
			set.runners = append(set.runners, sourceRunner{name: "pcap " + sc.Path, run: func(ctx context.Context, sink l1events.Sink) error {
				if err := l1events.ReplayPCAP(ctx, pc, sink); err != nil {
					return err
				}
				monitoring.Logf("pcap replay of %s finished", pc.Path)
				return nil
			}})

		case config.SourceSynthetic:
			bc := syntheticBoardConfig(ctrl)
			bc.Seed = int64(i + 1)
			board, err := l1events.NewSyntheticBoard(bc)
			if err != nil {
				set.Close()
				return nil, fmt.Errorf("sources[%d]: %w", i, err)
			}
			cam := l1events.CameraID(sc.Camera)
			set.runners = append(set.runners, sourceRunner{name: "synthetic " + sc.Camera, run: func(ctx context.Context, sink l1events.Sink) error {
				return board.Run(ctx, cam, sink, 10*time.Millisecond)
			}})

		default:
			set.Close()
			return nil, fmt.Errorf("sources[%d]: unknown kind %q", i, sc.Kind)
		}
	}
	return set, nil
}

// Start launches every source in g. A failing source stops the daemon.
func (s *sourceSet) Start(ctx context.Context, g *errgroup.Group, sink l1events.Sink) {
	for _, r := range s.runners {
		r := r
		g.Go(func() error {
			err := r.run(ctx, sink)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			return nil
		})
	}
}

// Close releases every opened device.
func (s *sourceSet) Close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			monitoring.Logf("closing source: %v", err)
		}
	}
	s.closers = nil
}
