package l3pattern

import "sort"

func cross(o, a, b Point2) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

// convexHull returns indices of the hull vertices with positive signed area
// (counter-clockwise with y up, clockwise as drawn in image coordinates).
// Collinear boundary points are dropped.
func convexHull(pts []Point2) []int {
	n := len(pts)
	if n < 3 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		pa, pb := pts[idx[a]], pts[idx[b]]
		if pa.X != pb.X {
			return pa.X < pb.X
		}
		if pa.Y != pb.Y {
			return pa.Y < pb.Y
		}
		return idx[a] < idx[b]
	})

	hull := make([]int, 0, 2*n)
	for _, i := range idx {
		for len(hull) >= 2 && cross(pts[hull[len(hull)-2]], pts[hull[len(hull)-1]], pts[i]) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, i)
	}
	lower := len(hull) + 1
	for k := n - 2; k >= 0; k-- {
		i := idx[k]
		for len(hull) >= lower && cross(pts[hull[len(hull)-2]], pts[hull[len(hull)-1]], pts[i]) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, i)
	}
	return hull[:len(hull)-1]
}

// signedArea is the shoelace area of the polygon through pts[idx...].
func signedArea(pts []Point2, idx []int) float64 {
	var a float64
	for k := range idx {
		p := pts[idx[k]]
		q := pts[idx[(k+1)%len(idx)]]
		a += p.X*q.Y - q.X*p.Y
	}
	return a / 2
}

// outerQuad picks the four hull vertices spanning the largest area, kept in
// hull order. For a perspective view of a rectangular grid these are the
// images of the grid's corner dots.
func outerQuad(pts []Point2, hull []int) ([4]int, bool) {
	var best [4]int
	if len(hull) < 4 {
		return best, false
	}
	bestArea := -1.0
	h := len(hull)
	for a := 0; a < h; a++ {
		for b := a + 1; b < h; b++ {
			for c := b + 1; c < h; c++ {
				for d := c + 1; d < h; d++ {
					quad := [4]int{hull[a], hull[b], hull[c], hull[d]}
					if area := signedArea(pts, quad[:]); area > bestArea {
						bestArea = area
						best = quad
					}
				}
			}
		}
	}
	return best, bestArea > 0
}
