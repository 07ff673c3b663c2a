// Command dvs-ctl drives a running dvs-calibration daemon over gRPC.
//
//	dvs-ctl [-addr host:port] status|start|reset|save
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
	"github.com/banshee-data/dvs-calibration/internal/dvs/rpc"
)

var (
	addr    = flag.String("addr", "localhost:9090", "gRPC address of the daemon")
	timeout = flag.Duration("timeout", 5*time.Minute, "Overall timeout for the command")
	asJSON  = flag.Bool("json", false, "Print raw JSON instead of a summary")
)

// exitInsufficient is returned when a save is refused for lack of data, so
// scripts can retry after collecting more views.
const exitInsufficient = 3

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] status|start|reset|save\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	client, err := rpc.Dial(*addr)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, client, flag.Arg(0), os.Stdout); err != nil {
		if errors.Is(err, calibration.ErrInsufficientData) {
			fmt.Fprintf(os.Stderr, "dvs-ctl: %v\n", err)
			os.Exit(exitInsufficient)
		}
		log.Fatalf("dvs-ctl: %v", err)
	}
}

// control is the subset of rpc.Client used by run.
type control interface {
	Reset(ctx context.Context) (calibration.Snapshot, error)
	Start(ctx context.Context) (string, error)
	Save(ctx context.Context) (calibration.Result, error)
	Status(ctx context.Context) (calibration.Snapshot, error)
}

func run(ctx context.Context, c control, cmd string, w io.Writer) error {
	switch cmd {
	case "status":
		snap, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return printSnapshot(w, snap)
	case "reset":
		snap, err := c.Reset(ctx)
		if err != nil {
			return err
		}
		return printSnapshot(w, snap)
	case "start":
		id, err := c.Start(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "started session %s\n", id)
		return nil
	case "save":
		res, err := c.Save(ctx)
		if err != nil {
			return err
		}
		return printResult(w, res)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSnapshot(w io.Writer, s calibration.Snapshot) error {
	if *asJSON {
		return printJSON(w, s)
	}
	fmt.Fprintf(w, "status:   %s\n", s.Status)
	if s.SessionID != "" {
		fmt.Fprintf(w, "session:  %s (started %s)\n", s.SessionID, s.StartedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "variant:  %s\n", s.Variant)
	if !s.LastDetection.IsZero() {
		fmt.Fprintf(w, "last:     %s\n", s.LastDetection.Format(time.RFC3339))
	}
	if s.Stale {
		fmt.Fprintln(w, "warning:  no pattern detected within the search timeout")
	}
	if s.DroppedBatches > 0 {
		fmt.Fprintf(w, "dropped:  %d batches, %d events outside a session\n", s.DroppedBatches, s.DroppedEvents)
	}
	if len(s.Cameras) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nCAMERA\tVIEWS\tATTEMPTS\tFAILURES\tBLINKING\tLAST FAILURE")
	for _, c := range s.Cameras {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", c.Camera, c.Observations, c.Attempts, c.Failures, c.Map.Blinking, c.LastFailure)
	}
	return tw.Flush()
}

func printResult(w io.Writer, r calibration.Result) error {
	if *asJSON {
		return printJSON(w, r)
	}
	fmt.Fprintf(w, "saved session %s (%s) at %s\n", r.SessionID, r.Variant, r.SavedAt.Format(time.RFC3339))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CAMERA\tVIEWS\tRMS (px)")
	for _, cam := range r.Set.Cameras() {
		fmt.Fprintf(tw, "%s\t%d\t%.3f\n", cam, r.Set.Count(cam), r.Parameters[cam].RMS)
	}
	return tw.Flush()
}
