package calibration

import (
	"sort"
	"time"

	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l3pattern"
)

// Observation is one detected board pose for one camera.
type Observation struct {
	Camera l1events.CameraID `json:"camera"`
	l3pattern.Pattern
	// DetectedAt is the controller's wall clock when the pattern was found.
	DetectedAt time.Time `json:"detected_at"`
}

// Pair links a left and a right observation detected close together in time.
// The indices address ObservationSet.Observations of the respective cameras.
type Pair struct {
	Left  int           `json:"left"`
	Right int           `json:"right"`
	Skew  time.Duration `json:"skew_ns"`
}

// BoardGeometry describes the calibration board seen by every camera.
type BoardGeometry struct {
	Rows     int     `json:"rows"`
	Cols     int     `json:"cols"`
	SpacingM float64 `json:"spacing_m"`
}

// ObservationSet is the immutable snapshot handed to a Variant and an
// Estimator on save.
type ObservationSet struct {
	SessionID    string                              `json:"session_id"`
	Variant      string                              `json:"variant"`
	SensorWidth  int                                 `json:"sensor_width"`
	SensorHeight int                                 `json:"sensor_height"`
	Board        BoardGeometry                       `json:"board"`
	Observations map[l1events.CameraID][]Observation `json:"observations"`
	// Pairs holds synchronised views keyed "left/right"; set by Stereo.
	Pairs map[string][]Pair `json:"pairs,omitempty"`
}

// Cameras returns the cameras in the set in sorted order.
func (s *ObservationSet) Cameras() []l1events.CameraID {
	return sortedCameras(s.Observations)
}

// Count returns the number of observations for camera.
func (s *ObservationSet) Count(camera l1events.CameraID) int {
	return len(s.Observations[camera])
}

// CameraParameters is the estimated model of one camera. Intrinsics is the
// row-major 3x3 camera matrix; Rotation and Translation place the camera
// relative to the reference camera of the variant (identity for it).
type CameraParameters struct {
	Camera      l1events.CameraID `json:"camera"`
	Intrinsics  [9]float64        `json:"intrinsics"`
	Distortion  []float64         `json:"distortion,omitempty"`
	Rotation    [9]float64        `json:"rotation"`
	Translation [3]float64        `json:"translation_m"`
	RMS         float64           `json:"rms_px"`
}

// Result is a completed calibration.
type Result struct {
	SessionID  string                                 `json:"session_id"`
	Variant    string                                 `json:"variant"`
	StartedAt  time.Time                              `json:"started_at"`
	SavedAt    time.Time                              `json:"saved_at"`
	Set        ObservationSet                         `json:"observation_set"`
	Parameters map[l1events.CameraID]CameraParameters `json:"parameters"`
}

func sortedCameras[V any](m map[l1events.CameraID]V) []l1events.CameraID {
	out := make([]l1events.CameraID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
