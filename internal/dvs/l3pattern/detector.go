package l3pattern

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

// Detector finds the calibration board among a camera's blinking pixels.
// A Detector holds no mutable state and is safe for concurrent use.
type Detector struct {
	cfg       Config
	canonical []GridPoint
	gridXY    []Point2 // canonical nodes in (col, row) units
	corners   [4]int   // indices of the grid corners with positive orientation
}

// NewDetector validates cfg and precomputes the canonical grid.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{cfg: cfg, canonical: cfg.CanonicalGrid()}
	d.gridXY = make([]Point2, len(d.canonical))
	for i, g := range d.canonical {
		d.gridXY[i] = Point2{X: float64(g.Col), Y: float64(g.Row)}
	}
	last := cfg.Cols - 1
	d.corners = [4]int{0, last, cfg.Nodes() - 1, cfg.Nodes() - cfg.Cols}
	return d, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config { return d.cfg }

// hypothesis is one orientation of the grid matched to the blobs.
type hypothesis struct {
	rotation int
	assign   []int // node -> blob index
	h        Homography
	rms      float64
	score    float64 // x+y of the image point matched to node (0,0)
}

// Detect extracts blobs from pixels and matches them to the grid. lastSeen
// supplies per-pixel event timestamps and may be nil. Failures wrap
// ErrInsufficientBlobs or ErrAmbiguousPattern.
func (d *Detector) Detect(pixels []l1events.Pixel, lastSeen func(l1events.Pixel) int64) (Pattern, error) {
	blobs := ExtractBlobs(pixels, d.cfg.Adjacency, d.cfg.MinimumLEDMass, lastSeen)
	candidates := len(blobs)
	n := d.cfg.Nodes()

	if len(blobs) < n {
		return Pattern{}, fmt.Errorf("%w: %d of %d blobs with mass >= %d", ErrInsufficientBlobs, len(blobs), n, d.cfg.MinimumLEDMass)
	}
	if len(blobs) > n {
		var err error
		if blobs, err = heaviest(blobs, n); err != nil {
			return Pattern{}, err
		}
	}

	centroids := make([]Point2, len(blobs))
	for i, b := range blobs {
		centroids[i] = b.Centroid
	}

	quad, ok := outerQuad(centroids, convexHull(centroids))
	if !ok {
		return Pattern{}, fmt.Errorf("%w: blobs do not span a quadrilateral", ErrAmbiguousPattern)
	}

	var valid []hypothesis
	for rot := 0; rot < 4; rot++ {
		hyp, err := d.tryRotation(centroids, quad, rot)
		if err != nil {
			tracef("rotation %d rejected: %v", rot, err)
			continue
		}
		valid = append(valid, hyp)
	}
	if len(valid) == 0 {
		return Pattern{}, fmt.Errorf("%w: no orientation matches all %d nodes", ErrAmbiguousPattern, n)
	}

	sort.SliceStable(valid, func(i, j int) bool { return valid[i].score < valid[j].score })
	if len(valid) > 1 && valid[1].score-valid[0].score < d.cfg.TieBreakMargin {
		return Pattern{}, fmt.Errorf("%w: orientations %d and %d within %.2f px of the image origin",
			ErrAmbiguousPattern, valid[0].rotation, valid[1].rotation, valid[1].score-valid[0].score)
	}
	best := valid[0]

	pat := Pattern{
		Correspondences: make([]Correspondence, n),
		Homography:      best.h,
		RMS:             best.rms,
		Candidates:      candidates,
	}
	for node, bi := range best.assign {
		b := blobs[bi]
		pat.Correspondences[node] = Correspondence{Image: b.Centroid, Grid: d.canonical[node], Mass: b.Mass}
		if b.Latest > pat.Timestamp {
			pat.Timestamp = b.Latest
		}
	}
	diagf("pattern found: %d nodes, rotation %d, rms %.3f px, %d candidate blobs", n, best.rotation, best.rms, candidates)
	return pat, nil
}

// heaviest keeps the n heaviest blobs, preserving their original order. It
// fails when the n-th and (n+1)-th heaviest blobs have equal mass.
func heaviest(blobs []Blob, n int) ([]Blob, error) {
	order := make([]int, len(blobs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return blobs[order[a]].Mass > blobs[order[b]].Mass })
	if blobs[order[n-1]].Mass == blobs[order[n]].Mass {
		return nil, fmt.Errorf("%w: %d blobs for %d nodes and mass %d does not separate them",
			ErrAmbiguousPattern, len(blobs), n, blobs[order[n]].Mass)
	}
	keep := order[:n]
	sort.Ints(keep)
	out := make([]Blob, n)
	for i, k := range keep {
		out[i] = blobs[k]
	}
	return out, nil
}

// tryRotation maps grid corner i onto quad vertex (i+rot)%4 and checks that
// every node then lands on a distinct blob.
func (d *Detector) tryRotation(centroids []Point2, quad [4]int, rot int) (hypothesis, error) {
	src := make([]Point2, 4)
	dst := make([]Point2, 4)
	for i := 0; i < 4; i++ {
		src[i] = d.gridXY[d.corners[i]]
		dst[i] = centroids[quad[(i+rot)%4]]
	}
	h0, err := FitHomography(src, dst)
	if err != nil {
		return hypothesis{}, err
	}

	projected := d.project(h0)
	gates := d.gates(projected)

	n := len(projected)
	cost := make([][]float64, n)
	for i := range cost {
		cost[i] = make([]float64, len(centroids))
		for j, c := range centroids {
			dist := projected[i].Dist(c)
			if math.IsNaN(dist) || dist > gates[i] {
				cost[i][j] = forbiddenCost
			} else {
				cost[i][j] = dist * dist
			}
		}
	}
	assign := hungarianAssign(cost)
	for node, bi := range assign {
		if bi < 0 {
			return hypothesis{}, fmt.Errorf("node (%d,%d) has no blob within %.2f px", d.canonical[node].Row, d.canonical[node].Col, gates[node])
		}
	}

	matched := make([]Point2, n)
	for node, bi := range assign {
		matched[node] = centroids[bi]
	}
	h, err := FitHomography(d.gridXY, matched)
	if err != nil {
		return hypothesis{}, err
	}

	reprojected := d.project(h)
	gates = d.gates(reprojected)
	var sq float64
	for node := range reprojected {
		r := reprojected[node].Dist(matched[node])
		if math.IsNaN(r) || r > gates[node] {
			return hypothesis{}, fmt.Errorf("node (%d,%d) reprojects %.2f px from its blob", d.canonical[node].Row, d.canonical[node].Col, r)
		}
		sq += r * r
	}
	origin := matched[0]
	return hypothesis{
		rotation: rot,
		assign:   assign,
		h:        h,
		rms:      math.Sqrt(sq / float64(n)),
		score:    origin.X + origin.Y,
	}, nil
}

func (d *Detector) project(h Homography) []Point2 {
	out := make([]Point2, len(d.gridXY))
	for i, g := range d.gridXY {
		out[i] = h.Project(g)
	}
	return out
}

// gates returns MatchTolerance times the distance to each node's nearest
// 4-neighbour, so the gate follows perspective foreshortening.
func (d *Detector) gates(projected []Point2) []float64 {
	out := make([]float64, len(projected))
	for i := range projected {
		r, c := i/d.cfg.Cols, i%d.cfg.Cols
		nearest := math.Inf(1)
		for _, o := range offsets4 {
			rr, cc := r+o[1], c+o[0]
			if rr < 0 || cc < 0 || rr >= d.cfg.Rows || cc >= d.cfg.Cols {
				continue
			}
			if dist := projected[i].Dist(projected[rr*d.cfg.Cols+cc]); dist < nearest {
				nearest = dist
			}
		}
		out[i] = d.cfg.MatchTolerance * nearest
	}
	return out
}
