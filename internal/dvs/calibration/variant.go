package calibration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

// Estimator turns accumulated observations into camera parameters. Errors
// wrapping ErrInsufficientData or ErrDegenerate leave the session open.
type Estimator interface {
	Estimate(ctx context.Context, set *ObservationSet) (map[l1events.CameraID]CameraParameters, error)
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(ctx context.Context, set *ObservationSet) (map[l1events.CameraID]CameraParameters, error)

func (f EstimatorFunc) Estimate(ctx context.Context, set *ObservationSet) (map[l1events.CameraID]CameraParameters, error) {
	return f(ctx, set)
}

// ResultSink receives completed calibrations before the session closes. A
// sink error keeps the session open so the save can be retried.
type ResultSink interface {
	StoreResult(ctx context.Context, res Result) error
}

// Variant is the camera-count specific part of a calibration: which cameras
// must contribute and what must hold across them before estimation.
type Variant interface {
	Name() string
	// RequiredCameras picks the cameras that must have observations from
	// the sorted list of cameras that delivered events this session.
	RequiredCameras(seen []l1events.CameraID) []l1events.CameraID
	// Check validates the set and may annotate it (for example with
	// stereo pairs). Failures should be *InsufficientDataError.
	Check(set *ObservationSet) error
}

// AllCameras calibrates every camera that delivered events, independently.
type AllCameras struct {
	MinViews int
}

func (AllCameras) Name() string { return "all" }

func (AllCameras) RequiredCameras(seen []l1events.CameraID) []l1events.CameraID {
	return seen
}

func (v AllCameras) Check(set *ObservationSet) error {
	return checkMinViews(set, set.Cameras(), v.MinViews)
}

// Monocular calibrates a single camera. An empty Camera accepts whichever
// single camera delivered events.
type Monocular struct {
	Camera   l1events.CameraID
	MinViews int
}

func (Monocular) Name() string { return "monocular" }

func (v Monocular) RequiredCameras(seen []l1events.CameraID) []l1events.CameraID {
	if v.Camera != "" {
		return []l1events.CameraID{v.Camera}
	}
	return seen
}

func (v Monocular) Check(set *ObservationSet) error {
	cams := set.Cameras()
	if len(cams) != 1 {
		return &InsufficientDataError{Reason: fmt.Sprintf("monocular calibration needs exactly one camera, have %d", len(cams))}
	}
	return checkMinViews(set, cams, v.MinViews)
}

// Stereo calibrates a left/right camera pair. Besides MinViews views per
// camera it needs at least one pair of views detected within PairWindow of
// each other; the pairs are recorded in the set for the estimator.
type Stereo struct {
	Left       l1events.CameraID
	Right      l1events.CameraID
	MinViews   int
	PairWindow time.Duration
}

func (Stereo) Name() string { return "stereo" }

func (v Stereo) RequiredCameras([]l1events.CameraID) []l1events.CameraID {
	return []l1events.CameraID{v.Left, v.Right}
}

func (v Stereo) Check(set *ObservationSet) error {
	if err := checkMinViews(set, []l1events.CameraID{v.Left, v.Right}, v.MinViews); err != nil {
		return err
	}
	pairs := PairObservations(set.Observations[v.Left], set.Observations[v.Right], v.PairWindow)
	if len(pairs) == 0 {
		return &InsufficientDataError{Reason: fmt.Sprintf("no %s/%s views detected within %v of each other", v.Left, v.Right, v.PairWindow)}
	}
	if set.Pairs == nil {
		set.Pairs = make(map[string][]Pair)
	}
	set.Pairs[string(v.Left)+"/"+string(v.Right)] = pairs
	return nil
}

// PairObservations greedily matches left and right observations whose
// detection times differ by at most window, closest first. Each observation
// is used at most once. The result is ordered by left index.
func PairObservations(left, right []Observation, window time.Duration) []Pair {
	var cands []Pair
	for i, l := range left {
		for j, r := range right {
			skew := l.DetectedAt.Sub(r.DetectedAt)
			if skew < 0 {
				skew = -skew
			}
			if skew <= window {
				cands = append(cands, Pair{Left: i, Right: j, Skew: skew})
			}
		}
	}
	sort.SliceStable(cands, func(a, b int) bool { return cands[a].Skew < cands[b].Skew })

	usedL := make(map[int]bool)
	usedR := make(map[int]bool)
	var out []Pair
	for _, c := range cands {
		if usedL[c.Left] || usedR[c.Right] {
			continue
		}
		usedL[c.Left], usedR[c.Right] = true, true
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Left < out[b].Left })
	return out
}

func checkMinViews(set *ObservationSet, cams []l1events.CameraID, minViews int) error {
	if minViews < 1 {
		minViews = 1
	}
	for _, cam := range cams {
		if n := set.Count(cam); n < minViews {
			return &InsufficientDataError{Camera: cam, Have: n, Need: minViews}
		}
	}
	return nil
}
