package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

// viridis ramp shared by the debug charts.
var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// handleTransitionHeatmap renders the per-pixel in-window transition counts
// of one camera as an HTML heatmap.
// Query params:
//   - camera (optional when only one camera has been seen)
//   - bin (optional; default 1) sums bin x bin pixel blocks for large sensors
func (ws *WebServer) handleTransitionHeatmap(w http.ResponseWriter, r *http.Request) {
	cam, ok := ws.cameraParam(w, r)
	if !ok {
		return
	}
	grid, ok := ws.calibrator.TransitionSnapshot(cam)
	if !ok {
		ws.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no transition map for camera %q", cam))
		return
	}

	bin := 1
	if v := r.URL.Query().Get("bin"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 64 {
			bin = n
		}
	}

	var buf bytes.Buffer
	if err := renderTransitionHeatmap(&buf, cam, grid, bin); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func renderTransitionHeatmap(buf *bytes.Buffer, cam l1events.CameraID, grid calibration.TransitionGrid, bin int) error {
	bw := (grid.Width + bin - 1) / bin
	bh := (grid.Height + bin - 1) / bin
	binned := make([]uint64, bw*bh)
	for y := 0; y < grid.Height; y++ {
		for x := 0; x < grid.Width; x++ {
			binned[(y/bin)*bw+x/bin] += uint64(grid.Counts[y*grid.Width+x])
		}
	}

	xs := make([]string, bw)
	for i := range xs {
		xs[i] = strconv.Itoa(i * bin)
	}
	// category axes start at the bottom; list rows bottom-up so the chart
	// reads like the sensor image
	ys := make([]string, bh)
	for i := range ys {
		ys[i] = strconv.Itoa((bh - 1 - i) * bin)
	}

	// zero cells are left out to keep the page small
	data := make([]opts.HeatMapData, 0, len(binned)/4)
	var maxCount uint64
	for i, v := range binned {
		if v == 0 {
			continue
		}
		if v > maxCount {
			maxCount = v
		}
		data = append(data, opts.HeatMapData{Value: [3]interface{}{i % bw, bh - 1 - i/bw, v}})
	}
	if maxCount == 0 {
		maxCount = 1
	}

	size := fmt.Sprintf("%dpx", 6*max(bw, bh)+160)
	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "DVS transitions", Theme: "dark", Width: size, Height: size}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Transition counts",
			Subtitle: fmt.Sprintf("camera=%s sensor=%dx%d bin=%d blinking=%d", cam, grid.Width, grid.Height, bin, len(grid.Blinking)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: xs, Name: "x (px)"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: ys, Name: "y (px)"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxCount),
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	hm.SetXAxis(xs).AddSeries("transitions", data)
	return hm.Render(buf)
}
