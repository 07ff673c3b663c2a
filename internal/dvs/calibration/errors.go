package calibration

import (
	"errors"
	"fmt"

	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

var (
	// ErrInsufficientData reports that the accumulated observations cannot
	// support a calibration yet. The session stays open.
	ErrInsufficientData = errors.New("insufficient calibration data")

	// ErrDegenerate is returned by estimators whose observations are
	// numerically degenerate (for example every view of the board is
	// fronto-parallel).
	ErrDegenerate = errors.New("degenerate calibration data")

	// ErrSessionChanged is returned by SaveCalibration when the session was
	// reset or restarted while the estimator was running.
	ErrSessionChanged = errors.New("calibration session changed during save")
)

// InsufficientDataError is returned by SaveCalibration when the session
// cannot be completed. errors.Is(err, ErrInsufficientData) holds for every
// InsufficientDataError.
type InsufficientDataError struct {
	Camera l1events.CameraID // empty when the shortfall is not camera-specific
	Have   int
	Need   int
	Reason string
	Err    error // underlying estimator or variant error, if any
}

func (e *InsufficientDataError) Error() string {
	msg := ErrInsufficientData.Error()
	if e.Camera != "" {
		msg += fmt.Sprintf(" for camera %q", e.Camera)
	}
	if e.Need > 0 {
		msg += fmt.Sprintf(": %d of %d observations", e.Have, e.Need)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches ErrInsufficientData.
func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

func (e *InsufficientDataError) Unwrap() error { return e.Err }
