package geo

import (
	"fmt"

	"github.com/engelsjk/polygol"
)

// BooleanClip computes the intersection or difference of a subject ring set
// against a clip ring set.
//
// The zero-polygon cases never reach the boolean library: intersecting with
// nothing eliminates the subject (nil result), while subtracting nothing
// leaves it untouched.
func BooleanClip(subject, clip Geom, op Op) (Geom, error) {
	if len(clip) == 0 {
		switch op {
		case OpIntersect:
			return nil, nil
		case OpDifference:
			return subject, nil
		}
	}
	var (
		out polygol.Geom
		err error
	)
	switch op {
	case OpIntersect:
		out, err = polygol.Intersection(polygol.Geom(subject), polygol.Geom(clip))
	case OpDifference:
		out, err = polygol.Difference(polygol.Geom(subject), polygol.Geom(clip))
	default:
		return nil, fmt.Errorf("unknown clipping operation %v", op)
	}
	if err != nil {
		return nil, fmt.Errorf("%s clip: %w", op, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return Geom(out), nil
}

// Union merges any number of ring sets into one.
func Union(geoms ...Geom) (Geom, error) {
	var nonEmpty []Geom
	for _, g := range geoms {
		if len(g) > 0 {
			nonEmpty = append(nonEmpty, g)
		}
	}
	if len(nonEmpty) == 0 {
		return nil, nil
	}
	if len(nonEmpty) == 1 {
		return nonEmpty[0], nil
	}
	rest := make([]polygol.Geom, 0, len(nonEmpty)-1)
	for _, g := range nonEmpty[1:] {
		rest = append(rest, polygol.Geom(g))
	}
	out, err := polygol.Union(polygol.Geom(nonEmpty[0]), rest...)
	if err != nil {
		return nil, fmt.Errorf("union: %w", err)
	}
	return Geom(out), nil
}

// Intersect intersects any number of ring sets. An empty argument list or any
// empty operand yields nil.
func Intersect(geoms ...Geom) (Geom, error) {
	if len(geoms) == 0 {
		return nil, nil
	}
	for _, g := range geoms {
		if len(g) == 0 {
			return nil, nil
		}
	}
	if len(geoms) == 1 {
		return geoms[0], nil
	}
	rest := make([]polygol.Geom, 0, len(geoms)-1)
	for _, g := range geoms[1:] {
		rest = append(rest, polygol.Geom(g))
	}
	out, err := polygol.Intersection(polygol.Geom(geoms[0]), rest...)
	if err != nil {
		return nil, fmt.Errorf("intersection: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return Geom(out), nil
}
