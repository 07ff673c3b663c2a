package calibration

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

func obsAt(cam l1events.CameraID, offsets ...time.Duration) []Observation {
	out := make([]Observation, len(offsets))
	for i, d := range offsets {
		out[i] = Observation{Camera: cam, DetectedAt: t0.Add(d)}
	}
	return out
}

func TestPairObservations(t *testing.T) {
	t.Parallel()
	ms := time.Millisecond
	left := obsAt("L", 0, 1000*ms, 2000*ms, 5000*ms)
	right := obsAt("R", 100*ms, 950*ms, 1010*ms, 3000*ms)

	got := PairObservations(left, right, 250*ms)
	want := []Pair{
		{Left: 0, Right: 0, Skew: 100 * ms},
		{Left: 1, Right: 2, Skew: 10 * ms}, // closest wins over 950ms
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PairObservations() mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, PairObservations(left, right, 5*ms))
	assert.Empty(t, PairObservations(nil, right, time.Second))
}

func TestStereo_Check(t *testing.T) {
	t.Parallel()
	v := Stereo{Left: "L", Right: "R", MinViews: 1, PairWindow: 250 * time.Millisecond}
	assert.Equal(t, []l1events.CameraID{"L", "R"}, v.RequiredCameras([]l1events.CameraID{"A", "L"}))

	set := &ObservationSet{Observations: map[l1events.CameraID][]Observation{
		"L": obsAt("L", 0),
		"R": obsAt("R", time.Second),
	}}
	err := v.Check(set)
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Contains(t, err.Error(), "within 250ms")

	set.Observations["R"] = append(set.Observations["R"], obsAt("R", 20*time.Millisecond)...)
	require.NoError(t, v.Check(set))
	assert.Equal(t, []Pair{{Left: 0, Right: 1, Skew: 20 * time.Millisecond}}, set.Pairs["L/R"])

	set.Observations["R"] = nil
	var ide *InsufficientDataError
	require.ErrorAs(t, v.Check(set), &ide)
	assert.Equal(t, l1events.CameraID("R"), ide.Camera)
}

func TestMonocular(t *testing.T) {
	t.Parallel()
	seen := []l1events.CameraID{"a", "b"}
	assert.Equal(t, []l1events.CameraID{"b"}, Monocular{Camera: "b"}.RequiredCameras(seen))
	assert.Equal(t, seen, Monocular{}.RequiredCameras(seen))

	two := &ObservationSet{Observations: map[l1events.CameraID][]Observation{"a": obsAt("a", 0), "b": obsAt("b", 0)}}
	assert.ErrorIs(t, Monocular{}.Check(two), ErrInsufficientData)

	one := &ObservationSet{Observations: map[l1events.CameraID][]Observation{"a": obsAt("a", 0, time.Second)}}
	assert.NoError(t, Monocular{MinViews: 2}.Check(one))
	assert.Error(t, Monocular{MinViews: 3}.Check(one))
}

func TestInsufficientDataError(t *testing.T) {
	t.Parallel()
	err := error(&InsufficientDataError{Camera: "cam0", Have: 1, Need: 3})
	assert.True(t, errors.Is(err, ErrInsufficientData))
	assert.False(t, errors.Is(err, ErrDegenerate))
	assert.Equal(t, `insufficient calibration data for camera "cam0": 1 of 3 observations`, err.Error())

	wrapped := &InsufficientDataError{Reason: "estimator rejected observations", Err: ErrDegenerate}
	assert.True(t, errors.Is(wrapped, ErrDegenerate))
	assert.Equal(t, "insufficient calibration data: estimator rejected observations: degenerate calibration data", wrapped.Error())
}

func TestStatus_JSON(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{Idle, Searching, Done} {
		b, err := json.Marshal(s)
		require.NoError(t, err)
		var back Status
		require.NoError(t, json.Unmarshal(b, &back))
		assert.Equal(t, s, back)
	}
	assert.Equal(t, "Status(9)", Status(9).String())
	var s Status
	assert.Error(t, json.Unmarshal([]byte(`"ACCUMULATING"`), &s))
}

func TestObservers_FanOut(t *testing.T) {
	t.Parallel()
	a, b := &recorder{}, &recorder{}
	obs := Observers{a, NopObserver{}, b, LogObserver{}}

	obs.OnStatus(StatusChange{To: Searching})
	obs.OnDetection(Observation{Camera: "x"})
	obs.OnDetectionFailure(DetectionFailure{Camera: "x", Err: errors.New("nope")})
	obs.OnPatternTimeout(PatternTimeout{Elapsed: time.Second})
	obs.OnResult(Result{SessionID: "0123456789"})

	for _, r := range []*recorder{a, b} {
		assert.Len(t, r.statuses, 1)
		assert.Len(t, r.detections, 1)
		assert.Len(t, r.failures, 1)
		assert.Len(t, r.timeouts, 1)
		assert.Len(t, r.results, 1)
	}
}
