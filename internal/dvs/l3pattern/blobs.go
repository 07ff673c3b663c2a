package l3pattern

import (
	"sort"

	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

var (
	offsets4 = [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	offsets8 = [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}, {1, 1}, {1, -1}, {-1, 1}, {-1, -1}}
)

// ExtractBlobs groups pixels into connected components and returns those with
// at least minMass pixels. adjacency is 4 or 8 (anything else means 8).
// lastSeen, when non-nil, supplies each pixel's last event timestamp for
// Blob.Latest. Blobs are ordered by their first pixel in row-major order, so
// the result does not depend on the input order.
func ExtractBlobs(pixels []l1events.Pixel, adjacency, minMass int, lastSeen func(l1events.Pixel) int64) []Blob {
	if len(pixels) == 0 {
		return nil
	}
	sorted := append([]l1events.Pixel(nil), pixels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	offsets := offsets8
	if adjacency == 4 {
		offsets = offsets4
	}

	visited := make(map[l1events.Pixel]bool, len(sorted))
	member := make(map[l1events.Pixel]struct{}, len(sorted))
	for _, p := range sorted {
		member[p] = struct{}{}
	}

	var blobs []Blob
	stack := make([]l1events.Pixel, 0, 64)
	for _, seed := range sorted {
		if visited[seed] {
			continue
		}
		visited[seed] = true
		stack = append(stack[:0], seed)

		b := Blob{MinX: seed.X, MinY: seed.Y, MaxX: seed.X, MaxY: seed.Y}
		var sumX, sumY float64
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			b.Mass++
			sumX += float64(p.X)
			sumY += float64(p.Y)
			b.MinX, b.MaxX = min(b.MinX, p.X), max(b.MaxX, p.X)
			b.MinY, b.MaxY = min(b.MinY, p.Y), max(b.MaxY, p.Y)
			if lastSeen != nil {
				if ts := lastSeen(p); ts > b.Latest {
					b.Latest = ts
				}
			}

			for _, o := range offsets {
				q := l1events.Pixel{X: p.X + o[0], Y: p.Y + o[1]}
				if _, ok := member[q]; ok && !visited[q] {
					visited[q] = true
					stack = append(stack, q)
				}
			}
		}

		if b.Mass < minMass {
			tracef("discarding blob at (%d,%d) with mass %d < %d", seed.X, seed.Y, b.Mass, minMass)
			continue
		}
		b.Centroid = Point2{X: sumX / float64(b.Mass), Y: sumY / float64(b.Mass)}
		blobs = append(blobs, b)
	}
	return blobs
}
