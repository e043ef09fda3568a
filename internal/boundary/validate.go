package boundary

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// canonicalize validates polys and returns a copy with closed,
// de-duplicated rings oriented per RFC 7946 (outer counter-clockwise, holes
// clockwise). Polygons whose outer ring is empty are dropped.
//
// Rings must be simple, and holes must sit inside their shell without
// touching it or each other. Overlap between separate polygons of a
// multi-polygon is not checked; the remote platform unions them.
func canonicalize(polys orb.MultiPolygon, maxVertices int) (orb.MultiPolygon, error) {
	out := make(orb.MultiPolygon, 0, len(polys))
	vertices := 0
	for pi, poly := range polys {
		if len(poly) == 0 || len(poly[0]) == 0 {
			continue
		}
		clean := make(orb.Polygon, 0, len(poly))
		for ri, ring := range poly {
			r, err := cleanRing(ring)
			if err != nil {
				return nil, malformed("polygon %d ring %d: %v", pi, ri, err)
			}
			vertices += len(r)
			if vertices > maxVertices {
				return nil, malformed("boundary exceeds %d vertices", maxVertices)
			}
			if selfIntersects(r) {
				return nil, malformed("polygon %d ring %d intersects itself", pi, ri)
			}
			wantCCW := ri == 0
			if (r.Orientation() == orb.CCW) != wantCCW {
				r.Reverse()
			}
			clean = append(clean, r)
		}
		if err := checkHoles(pi, clean); err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	if len(out) == 0 {
		return nil, empty("no polygon coordinates")
	}
	return out, nil
}

type ringError string

func (e ringError) Error() string { return string(e) }

func cleanRing(ring orb.Ring) (orb.Ring, error) {
	r := make(orb.Ring, 0, len(ring)+1)
	for _, p := range ring {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			return nil, ringError("non-finite coordinate")
		}
		if p[0] < -180 || p[0] > 180 || p[1] < -90 || p[1] > 90 {
			return nil, ringError("coordinate outside longitude/latitude range; is the file projected?")
		}
		if len(r) > 0 && r[len(r)-1].Equal(p) {
			continue
		}
		r = append(r, p)
	}
	if len(r) > 1 && !r[0].Equal(r[len(r)-1]) {
		r = append(r, r[0])
	}
	if len(r) < 4 {
		return nil, ringError("ring needs at least three distinct positions")
	}
	if r.Orientation() == 0 {
		return nil, ringError("ring has zero area")
	}
	return r, nil
}

// selfIntersects checks every pair of non-adjacent edges of a closed ring.
func selfIntersects(r orb.Ring) bool {
	n := len(r) - 1
	for i := 0; i < n; i++ {
		a, b := r[i], r[i+1]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(a, b, r[j], r[j+1]) {
				return true
			}
		}
	}
	return false
}

func checkHoles(pi int, poly orb.Polygon) error {
	for hi := 1; hi < len(poly); hi++ {
		for ri := 0; ri < hi; ri++ {
			if ringsCross(poly[ri], poly[hi]) {
				return malformed("polygon %d ring %d crosses ring %d", pi, hi, ri)
			}
		}
		if !planar.RingContains(poly[0], poly[hi][0]) {
			return malformed("polygon %d hole %d lies outside its shell", pi, hi)
		}
	}
	return nil
}

// ringsCross reports whether any edge of a meets any edge of b.
func ringsCross(a, b orb.Ring) bool {
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsIntersect(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, p3, p4 orb.Point) bool {
	if math.Max(p1[0], p2[0]) < math.Min(p3[0], p4[0]) ||
		math.Max(p3[0], p4[0]) < math.Min(p1[0], p2[0]) ||
		math.Max(p1[1], p2[1]) < math.Min(p3[1], p4[1]) ||
		math.Max(p3[1], p4[1]) < math.Min(p1[1], p2[1]) {
		return false
	}
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(p3, p4, p1)) ||
		(d2 == 0 && onSegment(p3, p4, p2)) ||
		(d3 == 0 && onSegment(p1, p2, p3)) ||
		(d4 == 0 && onSegment(p1, p2, p4))
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}
