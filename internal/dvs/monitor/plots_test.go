package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l3pattern"
)

func gridObservation(cam l1events.CameraID, x0, y0 float64) calibration.Observation {
	var cs []l3pattern.Correspondence
	for r := 0; r < 5; r++ {
		for c := 0; c < 5; c++ {
			cs = append(cs, l3pattern.Correspondence{
				Image: l3pattern.Point2{X: x0 + 20*float64(c), Y: y0 + 20*float64(r)},
				Grid:  l3pattern.GridPoint{Row: r, Col: c},
				Mass:  60,
			})
		}
	}
	return calibration.Observation{Camera: cam, Pattern: l3pattern.Pattern{Correspondences: cs}}
}

func TestCentroidPlot(t *testing.T) {
	obs := []calibration.Observation{gridObservation("cam0", 10, 10), gridObservation("cam0", 20, 15), {Camera: "cam0"}}
	p, err := CentroidPlot("cam0", obs, 128, 128)
	require.NoError(t, err)
	assert.Equal(t, "Centroids: cam0 (3 views)", p.Title.Text)
	assert.Equal(t, 128.0, p.X.Max)
	assert.Equal(t, 128.0, p.Y.Max)
}

func TestPlotArchiver_WritesOnePNGPerCamera(t *testing.T) {
	dir := t.TempDir()
	a := NewPlotArchiver(dir, 128, 128)

	res := calibration.Result{
		SessionID: "session-1",
		Set: calibration.ObservationSet{Observations: map[l1events.CameraID][]calibration.Observation{
			"left":  {gridObservation("left", 10, 10)},
			"right": {gridObservation("right", 12, 10), gridObservation("right", 30, 40)},
		}},
	}
	a.OnResult(res)

	for _, cam := range []string{"left", "right"} {
		data, err := os.ReadFile(filepath.Join(dir, "session-1", "centroids_"+cam+".png"))
		require.NoError(t, err, cam)
		assert.Equal(t, "\x89PNG", string(data[:4]))
	}
}

func TestPlotArchiver_SanitisesIDs(t *testing.T) {
	dir := t.TempDir()
	a := NewPlotArchiver(dir, 128, 128)

	res := calibration.Result{
		SessionID: "../../escape",
		Set: calibration.ObservationSet{Observations: map[l1events.CameraID][]calibration.Observation{
			"../cam0": {gridObservation("../cam0", 10, 10)},
		}},
	}
	require.NoError(t, a.Archive(res))

	_, err := os.Stat(filepath.Join(dir, "escape", "centroids_.._cam0.png"))
	assert.NoError(t, err)
}
