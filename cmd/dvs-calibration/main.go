// Command dvs-calibration runs the calibration daemon: it reads events from
// the configured DVS cameras, accumulates board observations, and serves the
// HTTP and gRPC control surfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/dvs-calibration/internal/config"
	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
	"github.com/banshee-data/dvs-calibration/internal/dvs/monitor"
	"github.com/banshee-data/dvs-calibration/internal/dvs/rpc"
	"github.com/banshee-data/dvs-calibration/internal/dvs/solver"
	"github.com/banshee-data/dvs-calibration/internal/dvs/storage"
	"github.com/banshee-data/dvs-calibration/internal/monitoring"
	"github.com/banshee-data/dvs-calibration/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to the daemon YAML config (default: one synthetic camera)")
	tuningFile  = flag.String("tuning", "", "Path to tuning JSON (overrides tuning_file in the daemon config)")
	plotsDir    = flag.String("plots-dir", "", "Write centroid plots of every saved calibration under this directory")
	autoStart   = flag.Bool("start", false, "Start a calibration session immediately")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		version.Print(os.Stdout, "dvs-calibration")
		return
	}

	cfg := config.DefaultDaemonConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadDaemonConfig(*configFile); err != nil {
			log.Fatalf("%v", err)
		}
	}

	level, err := monitoring.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("%v", err)
	}
	setLogWriters(monitoring.StreamsFor(level, os.Stderr))

	tuning, err := loadTuning(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctrlCfg := calibration.ConfigFromTuning(tuning)
	ctrl, err := calibration.NewController(ctrlCfg, &solver.Exec{
		Command: firstOr(cfg.Solver.Command, ""),
		Args:    restOf(cfg.Solver.Command),
		Timeout: cfg.SolverTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to create calibration controller: %v", err)
	}
	variant, err := variantFor(cfg, ctrlCfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	ctrl.SetVariant(variant)
	monitoring.Logf("calibration variant %s, board %dx%d, sensor %dx%d",
		variant.Name(), ctrlCfg.Pattern.Rows, ctrlCfg.Pattern.Cols, ctrlCfg.Transitions.Width, ctrlCfg.Transitions.Height)

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("failed to open calibration database: %v", err)
	}
	defer store.Close()
	ctrl.SetResultSink(store)

	hub := monitor.NewHub(monitor.HubConfig{Snapshot: ctrl.Status})
	observers := calibration.Observers{calibration.LogObserver{}, hub}
	if cfg.MQTT.Broker != "" {
		pub, err := monitor.DialMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID)
		if err != nil {
			// diagnostics only; calibration works without the broker
			monitoring.Logf("MQTT disabled: %v", err)
		} else {
			defer pub.Close()
			observers = append(observers, monitor.NewMQTTObserver(pub, cfg.MQTT.TopicPrefix))
		}
	}
	if *plotsDir != "" {
		observers = append(observers, monitor.NewPlotArchiver(*plotsDir, ctrlCfg.Transitions.Width, ctrlCfg.Transitions.Height))
	}
	ctrl.SetObserver(observers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	sources, err := openSources(cfg, ctrlCfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer sources.Close()

	admin := []monitor.AdminRouter{store}
	if sources.admin != nil {
		admin = append(admin, monitor.AdminFunc(sources.admin))
	}
	ws, err := monitor.NewWebServer(monitor.WebServerConfig{
		Address:    cfg.HTTP.Listen,
		Calibrator: ctrl,
		Hub:        hub,
		Admin:      admin,
		Tuning:     tuning,
	})
	if err != nil {
		log.Fatalf("failed to create web server: %v", err)
	}

	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return ws.Start(ctx) })
	g.Go(func() error { return rpc.ListenAndServe(ctx, cfg.GRPC.Listen, ctrl) })
	sources.Start(ctx, g, ctrl)

	if *autoStart {
		id := ctrl.StartCalibration()
		monitoring.Logf("calibration session %s started", id)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("dvs-calibration: %v", err)
	}
	monitoring.Logf("Graceful shutdown complete")
}

func loadTuning(cfg *config.DaemonConfig) (*config.TuningConfig, error) {
	path := cfg.TuningFile
	if *tuningFile != "" {
		path = *tuningFile
	}
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	tuning, err := config.LoadTuningConfig(path)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("loaded tuning from %s", path)
	return tuning, nil
}

func firstOr(s []string, def string) string {
	if len(s) == 0 {
		return def
	}
	return s[0]
}

func restOf(s []string) []string {
	if len(s) < 2 {
		return nil
	}
	return s[1:]
}
