package monitor

import (
	"fmt"
	"image/color"
	"net/http"
	"os"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
	"github.com/banshee-data/dvs-calibration/internal/security"
)

// CentroidPlot draws every observed grid centroid of one camera in image
// coordinates, one colour per observation, with the first row of each
// observation joined so the board orientation is visible.
func CentroidPlot(cam l1events.CameraID, obs []calibration.Observation, width, height int) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Centroids: %s (%d views)", cam, len(obs))
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"
	p.X.Min, p.X.Max = 0, float64(width)
	// flip so the plot reads like the sensor image
	p.Y.Min, p.Y.Max = 0, float64(height)
	p.Y.Scale = plot.InvertedScale{Normalizer: plot.LinearScale{}}
	p.Add(plotter.NewGrid())

	for i, o := range obs {
		if len(o.Correspondences) == 0 {
			continue
		}
		img := o.ImagePoints()
		pts := make(plotter.XYs, len(img))
		var firstRow plotter.XYs
		for j, ip := range img {
			pts[j] = plotter.XY{X: ip.X, Y: ip.Y}
			if o.Correspondences[j].Grid.Row == 0 {
				firstRow = append(firstRow, pts[j])
			}
		}
		col := plotColor(i)

		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("observation %d: %w", i, err)
		}
		sc.GlyphStyle.Color = col
		sc.GlyphStyle.Radius = vg.Points(2)
		p.Add(sc)

		if len(firstRow) > 1 {
			l, err := plotter.NewLine(firstRow)
			if err != nil {
				return nil, fmt.Errorf("observation %d: %w", i, err)
			}
			l.Color = col
			l.Width = vg.Points(1)
			p.Add(l)
		}
	}
	return p, nil
}

func plotColor(i int) color.Color {
	c := viridis[(i*3)%len(viridis)]
	var r, g, b uint8
	fmt.Sscanf(c, "#%02x%02x%02x", &r, &g, &b)
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

func (ws *WebServer) handleCentroidPlot(w http.ResponseWriter, r *http.Request) {
	cam, ok := ws.cameraParam(w, r)
	if !ok {
		return
	}
	grid, ok := ws.calibrator.TransitionSnapshot(cam)
	if !ok {
		ws.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown camera %q", cam))
		return
	}
	p, err := CentroidPlot(cam, ws.calibrator.Observations(cam), grid.Width, grid.Height)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		diagf("writing centroid plot: %v", err)
	}
}

// PlotArchiver writes a centroid PNG per camera for every saved calibration
// under dir/<session id>/. It is a calibration.Observer.
type PlotArchiver struct {
	calibration.NopObserver

	mu     sync.Mutex
	dir    string
	width  int
	height int
}

// NewPlotArchiver creates an archiver for a sensor of the given size.
func NewPlotArchiver(dir string, width, height int) *PlotArchiver {
	return &PlotArchiver{dir: dir, width: width, height: height}
}

// OnResult implements calibration.Observer.
func (a *PlotArchiver) OnResult(res calibration.Result) {
	if err := a.Archive(res); err != nil {
		opsf("archiving plots for %s: %v", res.SessionID, err)
	}
}

// Archive writes the plots for res and returns the first error.
func (a *PlotArchiver) Archive(res calibration.Result) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	outDir, err := security.ArchivePath(a.dir, res.SessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	for _, cam := range res.Set.Cameras() {
		p, err := CentroidPlot(cam, res.Set.Observations[cam], a.width, a.height)
		if err != nil {
			return err
		}
		file, err := security.ArchivePath(outDir, fmt.Sprintf("centroids_%s.png", cam))
		if err != nil {
			return err
		}
		if err := p.Save(6*vg.Inch, 6*vg.Inch, file); err != nil {
			return fmt.Errorf("failed to save %s: %w", file, err)
		}
		diagf("wrote %s", file)
	}
	return nil
}
