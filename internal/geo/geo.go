// Package geo holds the pure geometry utilities used by the clipping engine:
// coordinate normalization, polygon boolean algebra, rectangle-cover
// classification and unique-ID range compression.
package geo

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
)

// ErrInvalidInput is returned when a nil or empty geometry is supplied.
var ErrInvalidInput = errors.New("geometry is required")

// UnsupportedGeometryError indicates a geometry type the utilities cannot
// process. This is a programming or configuration error, not a retryable one.
type UnsupportedGeometryError struct {
	Type string
}

func (e *UnsupportedGeometryError) Error() string {
	return fmt.Sprintf("%s geometry not supported", e.Type)
}

// Op is a clipping operation. The set is closed so switches over it can be
// checked exhaustively.
type Op int

const (
	OpIntersect Op = iota
	OpDifference
)

func (op Op) String() string {
	switch op {
	case OpIntersect:
		return "INTERSECT"
	case OpDifference:
		return "DIFFERENCE"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// ParseOp converts the wire representation of a clipping operation.
func ParseOp(s string) (Op, error) {
	switch s {
	case "INTERSECT":
		return OpIntersect, nil
	case "DIFFERENCE":
		return OpDifference, nil
	}
	return 0, fmt.Errorf("unknown clipping operation %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (op Op) MarshalText() ([]byte, error) {
	return []byte(op.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (op *Op) UnmarshalText(b []byte) error {
	v, err := ParseOp(string(b))
	if err != nil {
		return err
	}
	*op = v
	return nil
}

// Geom is a set of polygon rings in the multipolygon nesting used by the
// boolean algebra: polygons > rings > positions > [x, y].
type Geom = [][][][]float64

// PolygonToGeom converts an orb.Polygon into ring sets.
func PolygonToGeom(p orb.Polygon) Geom {
	return MultiPolygonToGeom(orb.MultiPolygon{p})
}

// MultiPolygonToGeom converts an orb.MultiPolygon into ring sets.
func MultiPolygonToGeom(mp orb.MultiPolygon) Geom {
	g := make(Geom, 0, len(mp))
	for _, poly := range mp {
		rings := make([][][]float64, 0, len(poly))
		for _, ring := range poly {
			pts := make([][]float64, 0, len(ring))
			for _, pt := range ring {
				pts = append(pts, []float64{pt[0], pt[1]})
			}
			rings = append(rings, pts)
		}
		g = append(g, rings)
	}
	return g
}

// GeomToMultiPolygon converts ring sets back into an orb.MultiPolygon.
// Degenerate rings (fewer than 4 positions) are dropped.
func GeomToMultiPolygon(g Geom) orb.MultiPolygon {
	mp := make(orb.MultiPolygon, 0, len(g))
	for _, rings := range g {
		poly := make(orb.Polygon, 0, len(rings))
		for _, ring := range rings {
			if len(ring) < 4 {
				continue
			}
			r := make(orb.Ring, 0, len(ring))
			for _, pt := range ring {
				r = append(r, orb.Point{pt[0], pt[1]})
			}
			poly = append(poly, r)
		}
		if len(poly) > 0 {
			mp = append(mp, poly)
		}
	}
	return mp
}
