package l3pattern

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateFit is returned when point correspondences do not determine a
// homography (fewer than four points, or too many collinear).
var ErrDegenerateFit = errors.New("degenerate homography fit")

// Homography is a 3x3 projective transform stored row-major with H[8] = 1
// whenever that normalisation is possible.
type Homography [9]float64

// Project maps p through h. Points on the line at infinity come back as NaN.
func (h Homography) Project(p Point2) Point2 {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if math.Abs(w) < 1e-12 {
		return Point2{X: math.NaN(), Y: math.NaN()}
	}
	return Point2{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}
}

// FitHomography estimates the homography mapping src onto dst by the
// normalised direct linear transform. With exactly four pairs the fit is
// exact; with more it minimises algebraic error.
func FitHomography(src, dst []Point2) (Homography, error) {
	if len(src) != len(dst) {
		return Homography{}, fmt.Errorf("%w: %d source vs %d destination points", ErrDegenerateFit, len(src), len(dst))
	}
	n := len(src)
	if n < 4 {
		return Homography{}, fmt.Errorf("%w: need 4 points, have %d", ErrDegenerateFit, n)
	}

	ts, ns, err := normalisePoints(src)
	if err != nil {
		return Homography{}, err
	}
	td, nd, err := normalisePoints(dst)
	if err != nil {
		return Homography{}, err
	}

	// pad to at least 9 rows so the full V always carries the null vector
	rows := 2 * n
	if rows < 9 {
		rows = 9
	}
	a := mat.NewDense(rows, 9, nil)
	for i := 0; i < n; i++ {
		x, y := ns[i].X, ns[i].Y
		u, v := nd[i].X, nd[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return Homography{}, fmt.Errorf("%w: SVD did not converge", ErrDegenerateFit)
	}
	vals := svd.Values(nil)
	// rank 8 is required; the ninth singular value carries the fit residual
	if vals[0] == 0 || vals[7]/vals[0] < 1e-10 {
		return Homography{}, fmt.Errorf("%w: rank deficient design matrix", ErrDegenerateFit)
	}

	var v mat.Dense
	svd.VTo(&v)
	hn := mat.NewDense(3, 3, mat.Col(nil, 8, &v))

	// H = Td^-1 * Hn * Ts
	var tdInv mat.Dense
	if err := tdInv.Inverse(td); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrDegenerateFit, err)
	}
	var tmp, full mat.Dense
	tmp.Mul(&tdInv, hn)
	full.Mul(&tmp, ts)

	var h Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			h[r*3+c] = full.At(r, c)
		}
	}
	if math.Abs(h[8]) > 1e-12 {
		s := h[8]
		for i := range h {
			h[i] /= s
		}
	} else {
		norm := mat.Norm(&full, 2)
		for i := range h {
			h[i] /= norm
		}
	}
	return h, nil
}

// normalisePoints translates points to their centroid and scales them to a
// mean distance of sqrt(2), returning the similarity used.
func normalisePoints(pts []Point2) (*mat.Dense, []Point2, error) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n

	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p.X-cx, p.Y-cy)
	}
	mean /= n
	if mean < 1e-12 {
		return nil, nil, fmt.Errorf("%w: coincident points", ErrDegenerateFit)
	}
	s := math.Sqrt2 / mean

	out := make([]Point2, len(pts))
	for i, p := range pts {
		out[i] = Point2{X: s * (p.X - cx), Y: s * (p.Y - cy)}
	}
	t := mat.NewDense(3, 3, []float64{
		s, 0, -s * cx,
		0, s, -s * cy,
		0, 0, 1,
	})
	return t, out, nil
}
