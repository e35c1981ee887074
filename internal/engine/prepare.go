// Package engine implements sketch preparation and the clipping pipeline:
// streaming polygon clips against remote sources, geography application and
// fragment bookkeeping.
package engine

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/oceanbits/overlay-engine/internal/geo"
)

// InvalidGeometryError reports a sketch that cannot be clipped. It is a
// caller error, never retried.
type InvalidGeometryError struct {
	Reason string
}

func (e *InvalidGeometryError) Error() string {
	return fmt.Sprintf("invalid sketch geometry: %s", e.Reason)
}

// PreparedSketch is a sketch normalized for clipping: geometry cleaned and
// promoted to MultiPolygon, antimeridian crossings split, and one query
// envelope per side of the split.
type PreparedSketch struct {
	Feature   *geojson.Feature
	Envelopes []geo.Rect
}

// Geom returns the sketch geometry as boolean-algebra ring sets.
func (s *PreparedSketch) Geom() geo.Geom {
	return geo.MultiPolygonToGeom(s.Feature.Geometry.(orb.MultiPolygon))
}

// PrepareSketch validates and normalizes a drawn sketch. Only Polygon and
// MultiPolygon geometries are accepted.
func PrepareSketch(f *geojson.Feature) (*PreparedSketch, error) {
	if f == nil || f.Geometry == nil {
		return nil, &InvalidGeometryError{Reason: "feature has no geometry"}
	}
	cleaned, err := geo.CleanCoordinates(f.Geometry)
	if err != nil {
		return nil, err
	}

	var mp orb.MultiPolygon
	switch g := cleaned.(type) {
	case orb.Polygon:
		mp = orb.MultiPolygon{g}
	case orb.MultiPolygon:
		mp = g
	default:
		return nil, &InvalidGeometryError{Reason: "feature geometry is not a polygon or multipolygon"}
	}
	if len(mp) == 0 {
		return nil, &InvalidGeometryError{Reason: "feature geometry is empty"}
	}

	mp, envelopes, err := splitAntimeridian(mp)
	if err != nil {
		return nil, err
	}

	out := geojson.NewFeature(mp)
	out.Properties = f.Properties
	out.ID = f.ID
	return &PreparedSketch{Feature: out, Envelopes: envelopes}, nil
}

// crossesAntimeridian reports whether any ring segment jumps more than 180
// degrees of longitude, which after wrapping means it crossed the dateline.
func crossesAntimeridian(mp orb.MultiPolygon) bool {
	for _, poly := range mp {
		for _, ring := range poly {
			for i := 1; i < len(ring); i++ {
				if math.Abs(ring[i][0]-ring[i-1][0]) > 180 {
					return true
				}
			}
		}
	}
	return false
}

// splitAntimeridian cuts a dateline-crossing multipolygon into a western and
// an eastern part, each with valid [-180, 180] longitudes, and returns one
// envelope per part. Non-crossing input passes through with a single
// envelope.
func splitAntimeridian(mp orb.MultiPolygon) (orb.MultiPolygon, []geo.Rect, error) {
	g := geo.MultiPolygonToGeom(mp)
	if !crossesAntimeridian(mp) {
		return mp, []geo.Rect{geo.BoundOf(g)}, nil
	}

	// Shift western-hemisphere longitudes into [180, 360) so the shape is
	// contiguous, then cut at the 180 meridian.
	shifted := make(geo.Geom, len(g))
	for i, rings := range g {
		shifted[i] = make([][][]float64, len(rings))
		for j, ring := range rings {
			shifted[i][j] = make([][]float64, len(ring))
			for k, pt := range ring {
				lng := pt[0]
				if lng < 0 {
					lng += 360
				}
				shifted[i][j][k] = []float64{lng, pt[1]}
			}
		}
	}

	west, err := geo.BooleanClip(shifted, geo.Rect{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}.Geom(), geo.OpIntersect)
	if err != nil {
		return nil, nil, fmt.Errorf("split at antimeridian: %w", err)
	}
	east, err := geo.BooleanClip(shifted, geo.Rect{MinX: 180, MinY: -90, MaxX: 540, MaxY: 90}.Geom(), geo.OpIntersect)
	if err != nil {
		return nil, nil, fmt.Errorf("split at antimeridian: %w", err)
	}
	for _, rings := range east {
		for _, ring := range rings {
			for _, pt := range ring {
				pt[0] -= 360
			}
		}
	}

	var (
		out       geo.Geom
		envelopes []geo.Rect
	)
	if len(west) > 0 {
		out = append(out, west...)
		envelopes = append(envelopes, geo.BoundOf(west))
	}
	if len(east) > 0 {
		out = append(out, east...)
		envelopes = append(envelopes, geo.BoundOf(east))
	}
	if len(out) == 0 {
		return nil, nil, &InvalidGeometryError{Reason: "feature geometry is empty"}
	}
	return geo.GeomToMultiPolygon(out), envelopes, nil
}

// UnionAtAntimeridian rejoins the two halves of a dateline-split feature so
// clients can render one contiguous shape. Parts hugging the west side of the
// 180 meridian are shifted east and unioned with the rest; output longitudes
// may exceed 180.
func UnionAtAntimeridian(f *geojson.Feature) *geojson.Feature {
	mp, ok := f.Geometry.(orb.MultiPolygon)
	if !ok || len(mp) < 2 {
		return f
	}

	const eps = 1e-9
	var touchesEast, touchesWest bool
	for _, poly := range mp {
		b := geo.BoundOf(geo.PolygonToGeom(poly))
		if b.MaxX >= 180-eps {
			touchesEast = true
		}
		if b.MinX <= -180+eps {
			touchesWest = true
		}
	}
	if !touchesEast || !touchesWest {
		return f
	}

	g := geo.MultiPolygonToGeom(mp)
	parts := make([]geo.Geom, 0, len(g))
	for _, rings := range g {
		b := geo.BoundOf(geo.Geom{rings})
		if b.MinX <= -180+eps {
			for _, ring := range rings {
				for _, pt := range ring {
					pt[0] += 360
				}
			}
		}
		parts = append(parts, geo.Geom{rings})
	}
	joined, err := geo.Union(parts...)
	if err != nil || len(joined) == 0 {
		return f
	}

	out := geojson.NewFeature(geo.GeomToMultiPolygon(joined))
	out.Properties = f.Properties
	out.ID = f.ID
	return out
}
