package calibration

import (
	"time"

	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

// StatusChange is emitted whenever the session status or session id changes.
type StatusChange struct {
	SessionID string    `json:"session_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	At        time.Time `json:"at"`
}

// DetectionFailure is emitted when a detection attempt did not yield a
// pattern. The camera's transition map is left intact.
type DetectionFailure struct {
	SessionID string            `json:"session_id"`
	Camera    l1events.CameraID `json:"camera"`
	Blinking  int               `json:"blinking"`
	Err       error             `json:"-"`
	Reason    string            `json:"reason"`
	At        time.Time         `json:"at"`
}

// PatternTimeout is emitted once when no pattern has been found for longer
// than the pattern search timeout.
type PatternTimeout struct {
	SessionID     string        `json:"session_id"`
	LastDetection time.Time     `json:"last_detection"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	At            time.Time     `json:"at"`
}

// Observer receives session diagnostics. Callbacks run on the goroutine
// that triggered them, after the controller's locks are released, and must
// not block for long.
type Observer interface {
	OnStatus(StatusChange)
	OnDetection(Observation)
	OnDetectionFailure(DetectionFailure)
	OnPatternTimeout(PatternTimeout)
	OnResult(Result)
}

// NopObserver implements Observer with no-ops; embed it to implement a
// subset of the callbacks.
type NopObserver struct{}

func (NopObserver) OnStatus(StatusChange)               {}
func (NopObserver) OnDetection(Observation)             {}
func (NopObserver) OnDetectionFailure(DetectionFailure) {}
func (NopObserver) OnPatternTimeout(PatternTimeout)     {}
func (NopObserver) OnResult(Result)                     {}

// Observers fans every callback out to each element in order.
type Observers []Observer

func (o Observers) OnStatus(c StatusChange) {
	for _, x := range o {
		x.OnStatus(c)
	}
}

func (o Observers) OnDetection(obs Observation) {
	for _, x := range o {
		x.OnDetection(obs)
	}
}

func (o Observers) OnDetectionFailure(f DetectionFailure) {
	for _, x := range o {
		x.OnDetectionFailure(f)
	}
}

func (o Observers) OnPatternTimeout(p PatternTimeout) {
	for _, x := range o {
		x.OnPatternTimeout(p)
	}
}

func (o Observers) OnResult(r Result) {
	for _, x := range o {
		x.OnResult(r)
	}
}

// LogObserver writes session diagnostics to the package log streams:
// status changes, results and timeouts to ops, detections to diag and
// detection failures to trace.
type LogObserver struct{}

func (LogObserver) OnStatus(c StatusChange) {
	opsf("session %s: %s -> %s", shortID(c.SessionID), c.From, c.To)
}

func (LogObserver) OnDetection(obs Observation) {
	diagf("camera %s: pattern detected (%d nodes, rms %.3f px, t=%d)", obs.Camera, len(obs.Correspondences), obs.RMS, obs.Timestamp)
}

func (LogObserver) OnDetectionFailure(f DetectionFailure) {
	tracef("camera %s: detection failed with %d blinking pixels: %v", f.Camera, f.Blinking, f.Err)
}

func (LogObserver) OnPatternTimeout(p PatternTimeout) {
	opsf("session %s: no pattern found for %v", shortID(p.SessionID), p.Elapsed.Round(time.Millisecond))
}

func (LogObserver) OnResult(r Result) {
	opsf("session %s: calibrated %d camera(s) with %s variant", shortID(r.SessionID), len(r.Parameters), r.Variant)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}
