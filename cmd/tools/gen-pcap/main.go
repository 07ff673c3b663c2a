// Command gen-pcap writes a synthetic blinking-board capture that the daemon
// can replay through a "pcap" source.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/dvs-calibration/internal/config"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

func main() {
	output := flag.String("o", "board.pcap", "output path")
	cameras := flag.String("cameras", "cam0", "comma-separated camera ids, one board per camera")
	toggles := flag.Int("n", 2000, "number of LED toggles per camera")
	batch := flag.Int("batch", 10, "toggles per datagram batch")
	port := flag.Int("port", 5600, "UDP destination port")
	tuningFile := flag.String("tuning", "", "tuning file for sensor and board geometry (default tuning when empty)")
	flag.Parse()

	tuning := config.DefaultTuningConfig()
	if *tuningFile != "" {
		var err error
		if tuning, err = config.LoadTuningConfig(*tuningFile); err != nil {
			log.Fatalf("load tuning: %v", err)
		}
	}
	if *batch < 1 || *toggles < 1 {
		log.Fatalf("-n and -batch must be positive")
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("create %s: %v", *output, err)
	}
	defer f.Close()

	if err := generate(f, tuning, strings.Split(*cameras, ","), *toggles, *batch, *port); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("✓ Created: %s", *output)
}

func generate(f io.Writer, tuning *config.TuningConfig, cameras []string, toggles, batch, port int) error {
	w, err := l1events.NewPCAPWriter(f, port)
	if err != nil {
		return err
	}

	boards := make([]*l1events.SyntheticBoard, len(cameras))
	for i := range cameras {
		cfg := l1events.FitSyntheticBoard(tuning.GetSensorWidth(), tuning.GetSensorHeight(),
			tuning.GetGridRows(), tuning.GetGridCols(), tuning.GetBlinkPeriodMicros())
		cfg.Seed = int64(i + 1)
		if boards[i], err = l1events.NewSyntheticBoard(cfg); err != nil {
			return fmt.Errorf("camera %s: %w", cameras[i], err)
		}
	}

	// Boards share a start time so stereo captures interleave.
	base := time.Now().Truncate(time.Second)
	for done := 0; done < toggles; done += batch {
		n := min(batch, toggles-done)
		for i, cam := range cameras {
			b := boards[i]
			ts := base.Add(time.Duration(b.Now()) * time.Microsecond)
			if err := w.WriteBatch(ts, l1events.CameraID(cam), b.Toggles(n)); err != nil {
				return fmt.Errorf("camera %s: %w", cam, err)
			}
		}
		if (done/batch+1)%100 == 0 {
			log.Printf("%d/%d toggles", done+n, toggles)
		}
	}
	return nil
}
