package calibration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dvs-calibration/internal/config"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l3pattern"
	"github.com/banshee-data/dvs-calibration/internal/testutil"
	"github.com/banshee-data/dvs-calibration/internal/timeutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder captures observer callbacks.
type recorder struct {
	mu         sync.Mutex
	statuses   []StatusChange
	detections []Observation
	failures   []DetectionFailure
	timeouts   []PatternTimeout
	results    []Result
}

func (r *recorder) OnStatus(c StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, c)
}

func (r *recorder) OnDetection(o Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detections = append(r.detections, o)
}

func (r *recorder) OnDetectionFailure(f DetectionFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

func (r *recorder) OnPatternTimeout(p PatternTimeout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = append(r.timeouts, p)
}

func (r *recorder) OnResult(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) timeoutCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timeouts)
}

type sinkFunc func(ctx context.Context, res Result) error

func (f sinkFunc) StoreResult(ctx context.Context, res Result) error { return f(ctx, res) }

func identityEstimator() EstimatorFunc {
	return func(_ context.Context, set *ObservationSet) (map[l1events.CameraID]CameraParameters, error) {
		out := make(map[l1events.CameraID]CameraParameters)
		for _, cam := range set.Cameras() {
			out[cam] = CameraParameters{Camera: cam, Intrinsics: [9]float64{100, 0, 64, 0, 100, 64, 0, 0, 1}}
		}
		return out, nil
	}
}

type harness struct {
	ctrl  *Controller
	clock *timeutil.Fake
	rec   *recorder
}

func newHarness(t *testing.T, est Estimator) *harness {
	t.Helper()
	if est == nil {
		est = identityEstimator()
	}
	ctrl, err := NewController(ConfigFromTuning(config.DefaultTuningConfig()), est)
	require.NoError(t, err)
	h := &harness{ctrl: ctrl, clock: timeutil.NewFake(t0), rec: &recorder{}}
	ctrl.SetClock(h.clock)
	ctrl.SetObserver(h.rec)
	return h
}

var boardPixels = testutil.GridBlobs(5, 5, 10, 10, 20, 6, 10)

// boardEvents blinks the full board long enough for every LED pixel to be
// classified (200 in-window transitions).
func boardEvents(start int64) []l1events.Event {
	return testutil.BlinkEvents(boardPixels, start, 1000, 201)
}

// detectOnce runs one full detection for camera and fails the test if no
// observation was produced.
func (h *harness) detectOnce(t *testing.T, camera l1events.CameraID) {
	t.Helper()
	before := len(h.ctrl.Observations(camera))
	h.ctrl.Ingest(camera, boardEvents(1_000_000))
	require.Len(t, h.ctrl.Observations(camera), before+1, "no pattern detected for %s", camera)
}

// ----------------------------------------------------------------------------
// State machine
// ----------------------------------------------------------------------------

func TestSave_WithoutDetectionFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.ctrl.StartCalibration()
	h.ctrl.Ingest("cam0", testutil.BlinkEvents(boardPixels[:10], 1_000_000, 1000, 5))

	_, err := h.ctrl.SaveCalibration(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientData))
	var ide *InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, l1events.CameraID("cam0"), ide.Camera)
	assert.Equal(t, Searching, h.ctrl.State())
}

func TestSave_NoCamerasSeen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ctrl.StartCalibration()

	_, err := h.ctrl.SaveCalibration(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Contains(t, err.Error(), "no camera")
	assert.Equal(t, Searching, h.ctrl.State())
}

func TestSave_FromIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.ctrl.SaveCalibration(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Equal(t, Idle, h.ctrl.State())
}

func TestIngest_DroppedOutsideSearching(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.ctrl.Ingest("cam0", boardEvents(1_000_000)[:100])
	s := h.ctrl.Status()
	assert.Equal(t, Idle, s.Status)
	assert.Equal(t, uint64(1), s.DroppedBatches)
	assert.Equal(t, uint64(100), s.DroppedEvents)
	assert.Empty(t, s.Cameras, "no map is created for dropped batches")
}

func TestReset_FromAnyState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.ctrl.ResetCalibration()
	assert.Equal(t, Idle, h.ctrl.State())

	h.ctrl.StartCalibration()
	h.detectOnce(t, "cam0")
	h.ctrl.Ingest("cam0", testutil.BlinkEvents(boardPixels, 1_000_000, 1000, 20))

	h.ctrl.ResetCalibration()
	s := h.ctrl.Status()
	assert.Equal(t, Idle, s.Status)
	assert.Empty(t, s.SessionID)
	require.Len(t, s.Cameras, 1)
	assert.Zero(t, s.Cameras[0].Observations)
	assert.Zero(t, s.Cameras[0].Map.Tracked)
	assert.Zero(t, s.Cameras[0].Map.Blinking)
	assert.Empty(t, h.ctrl.Observations("cam0"))
}

func TestStart_WhileSearchingRestarts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	first := h.ctrl.StartCalibration()
	h.detectOnce(t, "cam0")

	second := h.ctrl.StartCalibration()
	assert.NotEqual(t, first, second)
	s := h.ctrl.Status()
	assert.Equal(t, Searching, s.Status)
	assert.Equal(t, second, s.SessionID)
	assert.True(t, s.LastDetection.IsZero())
	assert.Empty(t, h.ctrl.Observations("cam0"))

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.Len(t, h.rec.statuses, 2)
	assert.Equal(t, StatusChange{SessionID: second, From: Searching, To: Searching, At: t0}, h.rec.statuses[1])
}

// ----------------------------------------------------------------------------
// Detection cycle
// ----------------------------------------------------------------------------

func TestDetection_SuccessResetsMap(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	id := h.ctrl.StartCalibration()
	h.clock.Advance(300 * time.Millisecond)

	h.detectOnce(t, "cam0")

	obs := h.ctrl.Observations("cam0")
	require.Len(t, obs, 1)
	assert.Len(t, obs[0].Correspondences, 25)
	assert.Equal(t, t0.Add(300*time.Millisecond), obs[0].DetectedAt)
	assert.Equal(t, int64(1_000_000+200*1000), obs[0].Timestamp)

	s := h.ctrl.Status()
	require.Len(t, s.Cameras, 1)
	assert.Equal(t, 1, s.Cameras[0].Observations)
	assert.Equal(t, 1, s.Cameras[0].Attempts)
	assert.Zero(t, s.Cameras[0].Map.Blinking, "map is reset after a detection")
	assert.Zero(t, s.Cameras[0].Map.Tracked)
	assert.Equal(t, t0.Add(300*time.Millisecond), s.LastDetection)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.Len(t, h.rec.detections, 1)
	assert.Equal(t, l1events.CameraID("cam0"), h.rec.detections[0].Camera)
	assert.Empty(t, h.rec.failures)
	assert.Equal(t, id, h.rec.statuses[0].SessionID)
}

func TestDetection_FailureLeavesMapIntact(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ctrl.StartCalibration()

	partial := boardPixels[:24*60]
	h.ctrl.Ingest("cam0", testutil.BlinkEvents(partial, 1_000_000, 1000, 201))

	assert.Empty(t, h.ctrl.Observations("cam0"))
	s := h.ctrl.Status()
	require.Len(t, s.Cameras, 1)
	assert.Equal(t, 24*60, s.Cameras[0].Map.Blinking)
	assert.Equal(t, 1, s.Cameras[0].Failures)
	assert.Contains(t, s.Cameras[0].LastFailure, "24 of 25")

	h.rec.mu.Lock()
	require.Len(t, h.rec.failures, 1)
	assert.ErrorIs(t, h.rec.failures[0].Err, l3pattern.ErrInsufficientBlobs)
	assert.Equal(t, 24*60, h.rec.failures[0].Blinking)
	h.rec.mu.Unlock()

	// an unchanged blinking set is not re-evaluated
	h.ctrl.Ingest("cam0", testutil.BlinkEvents(partial, 1_201_000, 1000, 2))
	assert.Equal(t, 1, h.ctrl.Status().Cameras[0].Attempts)

	// the missing LED appearing completes the board
	last := boardPixels[24*60:]
	h.ctrl.Ingest("cam0", testutil.BlinkEvents(last, 1_000_000, 1000, 201))
	assert.Len(t, h.ctrl.Observations("cam0"), 1)
}

func TestDetection_BelowMinimumPixelsNotAttempted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ctrl.StartCalibration()

	// 20 blobs of 60 px = 1200 < 25*50
	h.ctrl.Ingest("cam0", testutil.BlinkEvents(boardPixels[:20*60], 1_000_000, 1000, 201))
	s := h.ctrl.Status()
	assert.Equal(t, 1200, s.Cameras[0].Map.Blinking)
	assert.Zero(t, s.Cameras[0].Attempts)
}

func TestDetection_CamerasIndependent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ctrl.StartCalibration()

	h.ctrl.Ingest("left", testutil.BlinkEvents(boardPixels, 1_000_000, 1000, 150))
	h.detectOnce(t, "right")

	assert.Empty(t, h.ctrl.Observations("left"))
	assert.Equal(t, []l1events.CameraID{"left", "right"}, h.ctrl.Cameras())

	grid, ok := h.ctrl.TransitionSnapshot("left")
	require.True(t, ok)
	assert.Equal(t, 128*128, len(grid.Counts))
	assert.Equal(t, uint32(149), grid.Counts[10*128+10])

	_, ok = h.ctrl.TransitionSnapshot("nope")
	assert.False(t, ok)
}

// ----------------------------------------------------------------------------
// Save
// ----------------------------------------------------------------------------

func TestSave_Success(t *testing.T) {
	t.Parallel()

	var stored []Result
	var gotSet *ObservationSet
	est := EstimatorFunc(func(ctx context.Context, set *ObservationSet) (map[l1events.CameraID]CameraParameters, error) {
		gotSet = set
		return identityEstimator()(ctx, set)
	})
	h := newHarness(t, est)
	h.ctrl.SetResultSink(sinkFunc(func(_ context.Context, res Result) error {
		assert.Equal(t, Done, h.ctrl.State(), "result is stored while DONE")
		stored = append(stored, res)
		return nil
	}))

	id := h.ctrl.StartCalibration()
	h.detectOnce(t, "cam0")
	h.clock.Advance(time.Second)
	h.detectOnce(t, "cam0")

	res, err := h.ctrl.SaveCalibration(context.Background())
	require.NoError(t, err)

	assert.Equal(t, id, res.SessionID)
	assert.Equal(t, "all", res.Variant)
	assert.Equal(t, t0.Add(time.Second), res.SavedAt)
	require.Contains(t, res.Parameters, l1events.CameraID("cam0"))
	assert.Equal(t, 2, gotSet.Count("cam0"))
	assert.Equal(t, BoardGeometry{Rows: 5, Cols: 5, SpacingM: 0.05}, gotSet.Board)
	assert.Equal(t, 128, gotSet.SensorWidth)
	require.Len(t, stored, 1)
	assert.Equal(t, res.SessionID, stored[0].SessionID)

	s := h.ctrl.Status()
	assert.Equal(t, Idle, s.Status)
	assert.Empty(t, h.ctrl.Observations("cam0"))

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	var path []Status
	for _, c := range h.rec.statuses {
		path = append(path, c.To)
	}
	assert.Equal(t, []Status{Searching, Done, Idle}, path)
	assert.Len(t, h.rec.results, 1)
}

func TestSave_EstimatorInsufficientKeepsSession(t *testing.T) {
	t.Parallel()

	for _, sentinel := range []error{ErrInsufficientData, ErrDegenerate} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			est := EstimatorFunc(func(context.Context, *ObservationSet) (map[l1events.CameraID]CameraParameters, error) {
				return nil, errors.Join(errors.New("solver"), sentinel)
			})
			h := newHarness(t, est)
			h.ctrl.StartCalibration()
			h.detectOnce(t, "cam0")

			_, err := h.ctrl.SaveCalibration(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInsufficientData)
			assert.ErrorIs(t, err, sentinel)
			var ide *InsufficientDataError
			assert.ErrorAs(t, err, &ide)

			assert.Equal(t, Searching, h.ctrl.State())
			assert.Len(t, h.ctrl.Observations("cam0"), 1)
		})
	}
}

func TestSave_EstimatorFailureIsNotInsufficientData(t *testing.T) {
	t.Parallel()
	boom := errors.New("solver crashed")
	h := newHarness(t, EstimatorFunc(func(context.Context, *ObservationSet) (map[l1events.CameraID]CameraParameters, error) {
		return nil, boom
	}))
	h.ctrl.StartCalibration()
	h.detectOnce(t, "cam0")

	_, err := h.ctrl.SaveCalibration(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrInsufficientData)
	assert.Equal(t, Searching, h.ctrl.State())
}

func TestSave_SinkFailureReopensSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ctrl.SetResultSink(sinkFunc(func(context.Context, Result) error { return errors.New("disk full") }))
	h.ctrl.StartCalibration()
	h.detectOnce(t, "cam0")

	_, err := h.ctrl.SaveCalibration(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, Searching, h.ctrl.State())
	assert.Len(t, h.ctrl.Observations("cam0"), 1)

	// retry without a sink succeeds
	h.ctrl.SetResultSink(nil)
	_, err = h.ctrl.SaveCalibration(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, Idle, h.ctrl.State())
}

func TestSave_SessionChangedDuringEstimate(t *testing.T) {
	t.Parallel()
	var h *harness
	h = newHarness(t, EstimatorFunc(func(ctx context.Context, set *ObservationSet) (map[l1events.CameraID]CameraParameters, error) {
		h.ctrl.StartCalibration()
		return identityEstimator()(ctx, set)
	}))
	h.ctrl.StartCalibration()
	h.detectOnce(t, "cam0")

	_, err := h.ctrl.SaveCalibration(context.Background())
	assert.ErrorIs(t, err, ErrSessionChanged)
	assert.Equal(t, Searching, h.ctrl.State())
}

func TestSave_RequiredCameraMissing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ctrl.StartCalibration()
	h.detectOnce(t, "cam0")
	h.ctrl.Ingest("cam1", testutil.BlinkEvents(boardPixels[:60], 1_000_000, 1000, 3))

	_, err := h.ctrl.SaveCalibration(context.Background())
	var ide *InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, l1events.CameraID("cam1"), ide.Camera)

	// a monocular variant pinned to cam0 ignores cam1
	h.ctrl.SetVariant(Monocular{Camera: "cam0", MinViews: 1})
	res, err := h.ctrl.SaveCalibration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "monocular", res.Variant)
	assert.Equal(t, []l1events.CameraID{"cam0"}, res.Set.Cameras())
}

func TestSave_CamerasFromEarlierSessionNotRequired(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ctrl.StartCalibration()
	h.detectOnce(t, "left")
	h.detectOnce(t, "right")
	h.ctrl.ResetCalibration()

	h.ctrl.StartCalibration()
	h.detectOnce(t, "left")
	res, err := h.ctrl.SaveCalibration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []l1events.CameraID{"left"}, res.Set.Cameras())
}

func TestSave_MonocularFollowsCameraOfCurrentSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ctrl.SetVariant(Monocular{MinViews: 1})
	h.ctrl.StartCalibration()
	h.detectOnce(t, "camA")
	h.ctrl.ResetCalibration()

	h.ctrl.StartCalibration()
	h.detectOnce(t, "camB")
	res, err := h.ctrl.SaveCalibration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "monocular", res.Variant)
	assert.Equal(t, []l1events.CameraID{"camB"}, res.Set.Cameras())
}

func TestSave_MinViews(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ctrl.SetVariant(AllCameras{MinViews: 2})
	h.ctrl.StartCalibration()
	h.detectOnce(t, "cam0")

	_, err := h.ctrl.SaveCalibration(context.Background())
	var ide *InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, 1, ide.Have)
	assert.Equal(t, 2, ide.Need)
	assert.Contains(t, err.Error(), "1 of 2 observations")
}

// ----------------------------------------------------------------------------
// Liveness
// ----------------------------------------------------------------------------

func TestCheckLiveness(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, stale := h.ctrl.CheckLiveness()
	assert.False(t, stale, "idle sessions are never stale")

	h.ctrl.StartCalibration()
	h.clock.Advance(time.Second)
	elapsed, stale := h.ctrl.CheckLiveness()
	assert.False(t, stale)
	assert.Equal(t, time.Second, elapsed)

	h.clock.Advance(1500 * time.Millisecond)
	_, stale = h.ctrl.CheckLiveness()
	assert.True(t, stale)
	assert.True(t, h.ctrl.Status().Stale)
	_, stale = h.ctrl.CheckLiveness()
	assert.True(t, stale)
	assert.Equal(t, 1, h.rec.timeoutCount(), "one notification per stale period")
	assert.Equal(t, Searching, h.ctrl.State(), "timeout changes nothing")

	// a detection ends the stale period
	h.detectOnce(t, "cam0")
	_, stale = h.ctrl.CheckLiveness()
	assert.False(t, stale)
	h.clock.Advance(3 * time.Second)
	_, stale = h.ctrl.CheckLiveness()
	assert.True(t, stale)
	assert.Equal(t, 2, h.rec.timeoutCount())

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Equal(t, t0.Add(2500*time.Millisecond), h.rec.timeouts[1].LastDetection)
	assert.Equal(t, 3*time.Second, h.rec.timeouts[1].Elapsed)
}

func TestRun_ChecksLivenessOnTicker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ctrl.StartCalibration()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	require.True(t, h.clock.WaitTicker(2*time.Second), "Run never created its ticker")
	h.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		return h.rec.timeoutCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// ----------------------------------------------------------------------------
// Concurrency
// ----------------------------------------------------------------------------

func TestController_ConcurrentIngestAndControl(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ctrl.StartCalibration()

	events := testutil.BlinkEvents(boardPixels, 1_000_000, 1000, 40)
	var wg sync.WaitGroup
	for _, cam := range []l1events.CameraID{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < len(events); i += 500 {
				h.ctrl.Ingest(cam, events[i:min(i+500, len(events))])
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if i%2 == 0 {
				h.ctrl.ResetCalibration()
			} else {
				h.ctrl.StartCalibration()
			}
			_ = h.ctrl.Status()
			h.ctrl.CheckLiveness()
		}
	}()
	wg.Wait()

	h.ctrl.ResetCalibration()
	for _, c := range h.ctrl.Status().Cameras {
		assert.Zero(t, c.Map.Tracked)
	}
}

func TestNewController_Validation(t *testing.T) {
	t.Parallel()
	cfg := ConfigFromTuning(config.DefaultTuningConfig())

	_, err := NewController(cfg, nil)
	assert.Error(t, err)

	bad := cfg
	bad.PatternSearchTimeout = 0
	_, err = NewController(bad, identityEstimator())
	assert.Error(t, err)

	bad = cfg
	bad.Pattern.Rows = 1
	_, err = NewController(bad, identityEstimator())
	assert.Error(t, err)
}
