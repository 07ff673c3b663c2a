package l3pattern

import "math"

// Point2 is an image-plane position in pixels.
type Point2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist returns the Euclidean distance between p and q.
func (p Point2) Dist(q Point2) float64 { return math.Hypot(p.X-q.X, p.Y-q.Y) }

// GridPoint is a node of the canonical dot grid. X and Y are the node's
// position on the board in metres (X along columns, Y along rows).
type GridPoint struct {
	Row int     `json:"row"`
	Col int     `json:"col"`
	X   float64 `json:"x_m"`
	Y   float64 `json:"y_m"`
}

// Blob is a connected set of blinking pixels.
type Blob struct {
	Centroid Point2
	Mass     int
	// Latest is the newest last-event timestamp among the blob's pixels (µs).
	Latest int64
	MinX   int
	MinY   int
	MaxX   int
	MaxY   int
}

// Correspondence pairs an observed image point with its grid node.
type Correspondence struct {
	Image Point2    `json:"image"`
	Grid  GridPoint `json:"grid"`
	Mass  int       `json:"mass"`
}

// Pattern is a successful detection: one correspondence per grid node in
// canonical row-major order.
type Pattern struct {
	Correspondences []Correspondence `json:"correspondences"`
	// Timestamp is the latest contributing event timestamp (µs, camera clock).
	Timestamp  int64      `json:"timestamp_us"`
	Homography Homography `json:"homography"`
	// RMS is the reprojection error of the refitted homography in pixels.
	RMS float64 `json:"rms_px"`
	// Candidates is the number of blobs that passed the mass filter.
	Candidates int `json:"candidates"`
}

// ImagePoints returns the image positions in canonical order.
func (p Pattern) ImagePoints() []Point2 {
	out := make([]Point2, len(p.Correspondences))
	for i, c := range p.Correspondences {
		out[i] = c.Image
	}
	return out
}
