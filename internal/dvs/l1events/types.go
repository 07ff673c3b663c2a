package l1events

import "fmt"

// Polarity is the direction of the brightness change that produced an event.
type Polarity uint8

const (
	// Off is a brightness decrease.
	Off Polarity = 0
	// On is a brightness increase.
	On Polarity = 1
)

func (p Polarity) String() string {
	if p == On {
		return "ON"
	}
	return "OFF"
}

// Opposite reports whether p and q differ.
func (p Polarity) Opposite(q Polarity) bool { return p != q }

// Event is a single asynchronous brightness change reported by a DVS sensor.
// Timestamp is in microseconds on the camera's own monotonic clock.
type Event struct {
	X         uint16
	Y         uint16
	Timestamp int64
	Polarity  Polarity
}

func (e Event) Pixel() Pixel { return Pixel{X: int(e.X), Y: int(e.Y)} }

func (e Event) String() string {
	return fmt.Sprintf("(%d,%d)@%dus %s", e.X, e.Y, e.Timestamp, e.Polarity)
}

// Pixel addresses one sensor element.
type Pixel struct {
	X int
	Y int
}

// Less orders pixels row-major (y, then x).
func (p Pixel) Less(q Pixel) bool {
	if p.Y != q.Y {
		return p.Y < q.Y
	}
	return p.X < q.X
}

// CameraID identifies one camera within a calibration session.
type CameraID string

// Sink receives event batches in arrival order. Implementations must be safe
// for concurrent use by multiple sources.
type Sink interface {
	Ingest(camera CameraID, batch []Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(camera CameraID, batch []Event)

func (f SinkFunc) Ingest(camera CameraID, batch []Event) { f(camera, batch) }
