package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l2transitions"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l3pattern"
	"github.com/banshee-data/dvs-calibration/internal/timeutil"
)

// Controller is the calibration session. It is safe for concurrent use: one
// goroutine per camera may call Ingest while a control path calls
// StartCalibration, ResetCalibration and SaveCalibration.
//
// Lock order: mu, camerasMu, camera.mu, obsMu.
type Controller struct {
	cfg       Config
	detector  *l3pattern.Detector
	estimator Estimator

	// set before use
	clock    timeutil.Clock
	variant  Variant
	sink     ResultSink
	observer Observer

	// mu guards the session: status, id and start time. Ingest holds it for
	// reading so a batch never lands on a map that start or reset is
	// clearing.
	mu        sync.RWMutex
	status    Status
	sessionID string
	startedAt time.Time

	camerasMu sync.Mutex
	cameras   map[l1events.CameraID]*cameraState

	// obsMu guards the accumulated observations and liveness state, which
	// detection cycles of different cameras update concurrently.
	obsMu         sync.Mutex
	observations  map[l1events.CameraID][]Observation
	lastDetection time.Time
	timeoutRaised bool

	// saveMu serialises SaveCalibration calls.
	saveMu sync.Mutex

	droppedBatches atomic.Uint64
	droppedEvents  atomic.Uint64
}

type cameraState struct {
	mu          sync.Mutex
	tm          *l2transitions.TransitionMap
	lastAttempt uint64 // blinking-set generation at the last detection attempt
	attempts    int
	failures    int
	lastFailure string
	// active is set once the camera delivers events in the current session.
	active bool
}

// NewController creates an IDLE controller. The estimator is required; the
// variant defaults to AllCameras with cfg.MinViews.
func NewController(cfg Config, estimator Estimator) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if estimator == nil {
		return nil, errors.New("calibration: estimator is required")
	}
	det, err := l3pattern.NewDetector(cfg.Pattern)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:          cfg,
		detector:     det,
		estimator:    estimator,
		clock:        timeutil.System,
		variant:      AllCameras{MinViews: cfg.MinViews},
		observer:     NopObserver{},
		cameras:      make(map[l1events.CameraID]*cameraState),
		observations: make(map[l1events.CameraID][]Observation),
	}, nil
}

// SetClock replaces the wall clock used for detection times and liveness.
// Call before the controller is in use.
func (c *Controller) SetClock(clock timeutil.Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// SetVariant replaces the calibration variant.
func (c *Controller) SetVariant(v Variant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variant = v
}

// SetResultSink sets where completed calibrations are stored. nil disables
// storage.
func (c *Controller) SetResultSink(s ResultSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = s
}

// SetObserver replaces the diagnostics observer. Use Observers to attach
// several.
func (c *Controller) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o == nil {
		o = NopObserver{}
	}
	c.observer = o
}

// Config returns the controller configuration.
func (c *Controller) Config() Config { return c.cfg }

// Variant returns the calibration variant in use.
func (c *Controller) Variant() Variant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.variant
}

// ResetCalibration discards every transition map and observation and returns
// to IDLE. It always succeeds.
func (c *Controller) ResetCalibration() {
	c.mu.Lock()
	change := c.resetLocked(Idle, "")
	obs := c.observer
	c.mu.Unlock()

	obs.OnStatus(change)
}

// StartCalibration opens a new session and returns its id. A running session
// is discarded first, so starting twice restarts rather than fails.
func (c *Controller) StartCalibration() string {
	c.mu.Lock()
	id := uuid.NewString()
	change := c.resetLocked(Searching, id)
	obs := c.observer
	c.mu.Unlock()

	obs.OnStatus(change)
	return id
}

// resetLocked clears all session data and moves to status. Caller holds mu
// for writing.
func (c *Controller) resetLocked(status Status, sessionID string) StatusChange {
	now := c.clock.Now()
	change := StatusChange{SessionID: sessionID, From: c.status, To: status, At: now}

	c.camerasMu.Lock()
	for _, cam := range c.cameras {
		cam.mu.Lock()
		cam.tm.Reset()
		cam.lastAttempt = cam.tm.Generation()
		cam.attempts, cam.failures, cam.lastFailure = 0, 0, ""
		cam.active = false
		cam.mu.Unlock()
	}
	c.camerasMu.Unlock()

	c.obsMu.Lock()
	clear(c.observations)
	c.lastDetection = time.Time{}
	c.timeoutRaised = false
	c.obsMu.Unlock()

	if change.SessionID == "" {
		change.SessionID = c.sessionID
	}
	c.status = status
	c.sessionID = sessionID
	c.startedAt = now
	return change
}

// camera returns the state for id, creating its transition map on first use.
func (c *Controller) camera(id l1events.CameraID) (*cameraState, error) {
	c.camerasMu.Lock()
	defer c.camerasMu.Unlock()
	if cam, ok := c.cameras[id]; ok {
		return cam, nil
	}
	tm, err := l2transitions.New(c.cfg.Transitions)
	if err != nil {
		return nil, err
	}
	cam := &cameraState{tm: tm, lastAttempt: tm.Generation()}
	c.cameras[id] = cam
	opsf("camera %s: new %dx%d transition map", id, c.cfg.Transitions.Width, c.cfg.Transitions.Height)
	return cam, nil
}

// Ingest applies a batch of events from camera and runs the detection cycle
// for that camera. Outside SEARCHING the batch is dropped and counted. Ingest
// never fails; detection outcomes are reported to the observer.
func (c *Controller) Ingest(camera l1events.CameraID, batch []l1events.Event) {
	c.mu.RLock()
	if c.status != Searching {
		c.mu.RUnlock()
		c.droppedBatches.Add(1)
		c.droppedEvents.Add(uint64(len(batch)))
		return
	}
	sessionID := c.sessionID
	obs := c.observer

	cam, err := c.camera(camera)
	if err != nil {
		c.mu.RUnlock()
		opsf("camera %s: %v", camera, err)
		return
	}

	cam.mu.Lock()
	cam.active = true
	cam.tm.ApplyBatch(batch)
	detection, failure := c.detectLocked(sessionID, camera, cam)
	cam.mu.Unlock()
	c.mu.RUnlock()

	switch {
	case detection != nil:
		obs.OnDetection(*detection)
	case failure != nil:
		obs.OnDetectionFailure(*failure)
	}
}

// Ensure Controller satisfies the event sink contract used by sources.
var _ l1events.Sink = (*Controller)(nil)

// detectLocked runs one detection cycle if the blinking set has changed since
// the last attempt and is large enough to hold a full board. Caller holds mu
// for reading and cam.mu.
func (c *Controller) detectLocked(sessionID string, camera l1events.CameraID, cam *cameraState) (*Observation, *DetectionFailure) {
	gen := cam.tm.Generation()
	blinking := cam.tm.BlinkingCount()
	if gen == cam.lastAttempt || blinking < c.cfg.Pattern.MinPixels() {
		return nil, nil
	}
	cam.lastAttempt = gen
	cam.attempts++

	pat, err := c.detector.Detect(cam.tm.BlinkingPixels(), cam.tm.LastTimestamp)
	now := c.clock.Now()
	if err != nil {
		cam.failures++
		cam.lastFailure = err.Error()
		return nil, &DetectionFailure{
			SessionID: sessionID,
			Camera:    camera,
			Blinking:  blinking,
			Err:       err,
			Reason:    err.Error(),
			At:        now,
		}
	}

	o := Observation{Camera: camera, Pattern: pat, DetectedAt: now}
	c.obsMu.Lock()
	c.observations[camera] = append(c.observations[camera], o)
	c.lastDetection = now
	c.timeoutRaised = false
	c.obsMu.Unlock()

	cam.tm.Reset()
	cam.lastAttempt = cam.tm.Generation()
	return &o, nil
}

// CheckLiveness reports whether the session has gone longer than the pattern
// search timeout without a detection, measured from the last detection or
// the session start. The observer is told once per stale period; the
// session itself is not changed.
func (c *Controller) CheckLiveness() (elapsed time.Duration, stale bool) {
	c.mu.RLock()
	if c.status != Searching {
		c.mu.RUnlock()
		return 0, false
	}
	sessionID := c.sessionID
	obs := c.observer

	c.obsMu.Lock()
	ref := c.lastDetection
	if ref.IsZero() {
		ref = c.startedAt
	}
	elapsed = timeutil.Elapsed(c.clock, ref)
	stale = elapsed > c.cfg.PatternSearchTimeout
	raise := stale && !c.timeoutRaised
	if raise {
		c.timeoutRaised = true
	}
	lastDetection := c.lastDetection
	c.obsMu.Unlock()
	now := c.clock.Now()
	c.mu.RUnlock()

	if raise {
		obs.OnPatternTimeout(PatternTimeout{
			SessionID:     sessionID,
			LastDetection: lastDetection,
			Elapsed:       elapsed,
			At:            now,
		})
	}
	return elapsed, stale
}

// Run checks liveness periodically until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.RLock()
	clock := c.clock
	c.mu.RUnlock()

	ticker := clock.NewTicker(c.cfg.livenessInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			c.CheckLiveness()
		}
	}
}

// SaveCalibration hands the accumulated observations to the estimator and,
// on success, to the result sink, then closes the session. Missing data and
// estimator failures wrapping ErrInsufficientData or ErrDegenerate return an
// *InsufficientDataError and leave the session SEARCHING.
func (c *Controller) SaveCalibration(ctx context.Context) (Result, error) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	set, err := c.snapshotLocked()
	variant, sink, obs, startedAt := c.variant, c.sink, c.observer, c.startedAt
	c.mu.RUnlock()
	if err != nil {
		return Result{}, err
	}

	params, err := c.estimator.Estimate(ctx, set)
	if err != nil {
		if errors.Is(err, ErrInsufficientData) || errors.Is(err, ErrDegenerate) {
			var ide *InsufficientDataError
			if errors.As(err, &ide) {
				return Result{}, err
			}
			return Result{}, &InsufficientDataError{Reason: "estimator rejected observations", Err: err}
		}
		return Result{}, fmt.Errorf("estimating camera parameters: %w", err)
	}

	res := Result{
		SessionID:  set.SessionID,
		Variant:    variant.Name(),
		StartedAt:  startedAt,
		Set:        *set,
		Parameters: params,
	}

	c.mu.Lock()
	if c.status != Searching || c.sessionID != set.SessionID {
		c.mu.Unlock()
		return Result{}, ErrSessionChanged
	}
	res.SavedAt = c.clock.Now()
	c.status = Done
	toDone := StatusChange{SessionID: set.SessionID, From: Searching, To: Done, At: res.SavedAt}
	c.mu.Unlock()
	obs.OnStatus(toDone)

	if sink != nil {
		if err := sink.StoreResult(ctx, res); err != nil {
			c.mu.Lock()
			var back *StatusChange
			if c.status == Done && c.sessionID == set.SessionID {
				c.status = Searching
				back = &StatusChange{SessionID: set.SessionID, From: Done, To: Searching, At: c.clock.Now()}
			}
			c.mu.Unlock()
			if back != nil {
				obs.OnStatus(*back)
			}
			return Result{}, fmt.Errorf("storing calibration result: %w", err)
		}
	}

	c.mu.Lock()
	var toIdle *StatusChange
	if c.status == Done && c.sessionID == set.SessionID {
		change := c.resetLocked(Idle, "")
		toIdle = &change
	}
	c.mu.Unlock()

	obs.OnResult(res)
	if toIdle != nil {
		obs.OnStatus(*toIdle)
	}
	return res, nil
}

// sessionCameras returns the cameras that delivered events in the current
// session, sorted. Maps of cameras from earlier sessions stay allocated but
// are not required.
func (c *Controller) sessionCameras() []l1events.CameraID {
	c.camerasMu.Lock()
	defer c.camerasMu.Unlock()
	var out []l1events.CameraID
	for _, id := range sortedCameras(c.cameras) {
		cam := c.cameras[id]
		cam.mu.Lock()
		if cam.active {
			out = append(out, id)
		}
		cam.mu.Unlock()
	}
	return out
}

// snapshotLocked validates the session for saving and copies the
// observations of the required cameras. Caller holds mu.
func (c *Controller) snapshotLocked() (*ObservationSet, error) {
	if c.status != Searching {
		return nil, &InsufficientDataError{Reason: fmt.Sprintf("no calibration running (status %s)", c.status)}
	}

	seen := c.sessionCameras()

	required := c.variant.RequiredCameras(seen)
	if len(required) == 0 {
		return nil, &InsufficientDataError{Reason: "no camera has delivered events"}
	}

	set := &ObservationSet{
		SessionID:    c.sessionID,
		Variant:      c.variant.Name(),
		SensorWidth:  c.cfg.Transitions.Width,
		SensorHeight: c.cfg.Transitions.Height,
		Board: BoardGeometry{
			Rows:     c.cfg.Pattern.Rows,
			Cols:     c.cfg.Pattern.Cols,
			SpacingM: c.cfg.Pattern.SpacingM,
		},
		Observations: make(map[l1events.CameraID][]Observation, len(required)),
	}

	c.obsMu.Lock()
	for _, cam := range required {
		obs := c.observations[cam]
		if len(obs) == 0 {
			c.obsMu.Unlock()
			return nil, &InsufficientDataError{Camera: cam, Have: 0, Need: 1}
		}
		set.Observations[cam] = append([]Observation(nil), obs...)
	}
	c.obsMu.Unlock()

	if err := c.variant.Check(set); err != nil {
		if errors.Is(err, ErrInsufficientData) {
			return nil, err
		}
		return nil, &InsufficientDataError{Reason: c.variant.Name() + " check failed", Err: err}
	}
	return set, nil
}

// CameraStatus summarises one camera within the session.
type CameraStatus struct {
	Camera       l1events.CameraID   `json:"camera"`
	Observations int                 `json:"observations"`
	Attempts     int                 `json:"attempts"`
	Failures     int                 `json:"failures"`
	LastFailure  string              `json:"last_failure,omitempty"`
	Map          l2transitions.Stats `json:"map"`
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	Status         Status         `json:"status"`
	SessionID      string         `json:"session_id,omitempty"`
	Variant        string         `json:"variant"`
	StartedAt      time.Time      `json:"started_at"`
	LastDetection  time.Time      `json:"last_detection"`
	Stale          bool           `json:"stale"`
	Cameras        []CameraStatus `json:"cameras"`
	DroppedBatches uint64         `json:"dropped_batches"`
	DroppedEvents  uint64         `json:"dropped_events"`
}

// Status returns a snapshot of the session.
func (c *Controller) Status() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Status:         c.status,
		SessionID:      c.sessionID,
		Variant:        c.variant.Name(),
		StartedAt:      c.startedAt,
		DroppedBatches: c.droppedBatches.Load(),
		DroppedEvents:  c.droppedEvents.Load(),
	}

	c.camerasMu.Lock()
	ids := sortedCameras(c.cameras)
	states := make([]*cameraState, len(ids))
	for i, id := range ids {
		states[i] = c.cameras[id]
	}
	c.camerasMu.Unlock()

	for i, cam := range states {
		cam.mu.Lock()
		s.Cameras = append(s.Cameras, CameraStatus{
			Camera:      ids[i],
			Attempts:    cam.attempts,
			Failures:    cam.failures,
			LastFailure: cam.lastFailure,
			Map:         cam.tm.Stats(),
		})
		cam.mu.Unlock()
	}

	c.obsMu.Lock()
	for i := range s.Cameras {
		s.Cameras[i].Observations = len(c.observations[s.Cameras[i].Camera])
	}
	s.LastDetection = c.lastDetection
	if c.status == Searching {
		ref := c.lastDetection
		if ref.IsZero() {
			ref = c.startedAt
		}
		s.Stale = timeutil.Elapsed(c.clock, ref) > c.cfg.PatternSearchTimeout
	}
	c.obsMu.Unlock()
	return s
}

// State returns the current session status.
func (c *Controller) State() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Observations returns a copy of the accumulated observations for camera.
func (c *Controller) Observations(camera l1events.CameraID) []Observation {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	return append([]Observation(nil), c.observations[camera]...)
}

// Cameras returns every camera seen since the controller was created.
func (c *Controller) Cameras() []l1events.CameraID {
	c.camerasMu.Lock()
	defer c.camerasMu.Unlock()
	return sortedCameras(c.cameras)
}

// TransitionGrid is a copy of a camera's per-pixel transition counters.
type TransitionGrid struct {
	Width, Height int
	Counts        []uint32 // row-major
	Blinking      []l1events.Pixel
}

// TransitionSnapshot copies the transition counters of camera.
func (c *Controller) TransitionSnapshot(camera l1events.CameraID) (TransitionGrid, bool) {
	c.camerasMu.Lock()
	cam, ok := c.cameras[camera]
	c.camerasMu.Unlock()
	if !ok {
		return TransitionGrid{}, false
	}
	cam.mu.Lock()
	defer cam.mu.Unlock()
	return TransitionGrid{
		Width:    c.cfg.Transitions.Width,
		Height:   c.cfg.Transitions.Height,
		Counts:   cam.tm.Snapshot(),
		Blinking: cam.tm.BlinkingPixels(),
	}, true
}
