// Package testutil provides shared test utilities and fixtures: synthetic
// calibration-board pixel sets and blinking event streams.
package testutil

import (
	"math"
	"testing"

	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// RectBlob returns the w*h pixels of the rectangle with top-left (x0, y0).
func RectBlob(x0, y0, w, h int) []l1events.Pixel {
	out := make([]l1events.Pixel, 0, w*h)
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			out = append(out, l1events.Pixel{X: x, Y: y})
		}
	}
	return out
}

// GridBlobs lays out rows*cols rectangular w*h blobs whose top-left corners
// start at (x0, y0) and advance by step pixels per row and column.
func GridBlobs(rows, cols, x0, y0, step, w, h int) []l1events.Pixel {
	var out []l1events.Pixel
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out = append(out, RectBlob(x0+c*step, y0+r*step, w, h)...)
		}
	}
	return out
}

// DiscBlob returns the pixels within radius of (cx, cy).
func DiscBlob(cx, cy, radius float64) []l1events.Pixel {
	var out []l1events.Pixel
	r2 := radius * radius
	for y := int(math.Floor(cy - radius)); y <= int(math.Ceil(cy+radius)); y++ {
		for x := int(math.Floor(cx - radius)); x <= int(math.Ceil(cx+radius)); x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			if dx*dx+dy*dy <= r2 {
				out = append(out, l1events.Pixel{X: x, Y: y})
			}
		}
	}
	return out
}

// MappedGridBlobs places a disc blob at place(col, row) for every grid node,
// allowing rotated or perspective board views.
func MappedGridBlobs(rows, cols int, radius float64, place func(col, row int) (x, y float64)) []l1events.Pixel {
	var out []l1events.Pixel
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x, y := place(c, r)
			out = append(out, DiscBlob(x, y, radius)...)
		}
	}
	return out
}

// BlinkEvents produces toggles rounds of alternating-polarity events for
// pixels, one round every periodMicros starting at start. Events within a
// round share a timestamp and are ordered as pixels.
func BlinkEvents(pixels []l1events.Pixel, start, periodMicros int64, toggles int) []l1events.Event {
	out := make([]l1events.Event, 0, len(pixels)*toggles)
	pol := l1events.Off
	for i := 0; i < toggles; i++ {
		ts := start + int64(i)*periodMicros
		for _, p := range pixels {
			out = append(out, l1events.Event{X: uint16(p.X), Y: uint16(p.Y), Timestamp: ts, Polarity: pol})
		}
		if pol == l1events.Off {
			pol = l1events.On
		} else {
			pol = l1events.Off
		}
	}
	return out
}
