package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/oceanbits/overlay-engine/internal/cql2"
	"github.com/oceanbits/overlay-engine/internal/geo"
)

// FeatureStream yields polygon features one at a time. It is the contract of
// source envelope queries.
type FeatureStream interface {
	Next() bool
	Feature() *geojson.Feature
	Err() error
}

// PolygonClipResult is the outcome of clipping a sketch against one layer.
type PolygonClipResult struct {
	// Changed reports whether the operation modified the sketch. Unchanged
	// difference outputs can be skipped when combining layers.
	Changed bool
	Op      geo.Op
	// Output is nil when the operation eliminated the sketch entirely.
	Output *geojson.Feature
}

// FilterEvaluationError reports a layer predicate that could not be applied
// to a feature's properties.
type FilterEvaluationError struct {
	Err error
}

func (e *FilterEvaluationError) Error() string {
	return fmt.Sprintf("evaluate layer filter: %v", e.Err)
}

func (e *FilterEvaluationError) Unwrap() error { return e.Err }

// ClipSketchToPolygons clips the sketch against every polygon the stream
// yields that matches the filter.
//
// With no matching polygons, INTERSECT eliminates the sketch
// ({Changed: true, Output: nil}) and DIFFERENCE leaves it untouched
// ({Changed: false, Output: sketch}).
//
// A feature whose properties fail the filter is skipped; when strict is set
// the failure aborts the clip with a FilterEvaluationError instead.
func ClipSketchToPolygons(ctx context.Context, sketch *PreparedSketch, op geo.Op, filter *cql2.Query, features FeatureStream, strict bool) (*PolygonClipResult, error) {
	var clips []geo.Geom
	for features.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := features.Feature()
		if filter != nil {
			ok, err := cql2.Evaluate(filter, f.Properties)
			if err != nil {
				if strict {
					return nil, &FilterEvaluationError{Err: err}
				}
				continue
			}
			if !ok {
				continue
			}
		}
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			clips = append(clips, geo.PolygonToGeom(g))
		case orb.MultiPolygon:
			clips = append(clips, geo.MultiPolygonToGeom(g))
		}
	}
	if err := features.Err(); err != nil {
		return nil, fmt.Errorf("read clipping features: %w", err)
	}

	if len(clips) == 0 {
		if op == geo.OpIntersect {
			return &PolygonClipResult{Changed: true, Op: op}, nil
		}
		return &PolygonClipResult{Changed: false, Op: op, Output: sketch.Feature}, nil
	}

	subject := sketch.Geom()
	merged, err := geo.Union(clips...)
	if err != nil {
		return nil, err
	}
	out, err := geo.BooleanClip(subject, merged, op)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return &PolygonClipResult{Changed: true, Op: op}, nil
	}

	result := geojson.NewFeature(geo.GeomToMultiPolygon(out))
	result.Properties = sketch.Feature.Properties
	result.ID = sketch.Feature.ID
	return &PolygonClipResult{
		Changed: !geomsEquivalent(out, subject),
		Op:      op,
		Output:  result,
	}, nil
}

// geomsEquivalent compares ring sets ignoring ring rotation, winding
// direction and polygon order, all of which the boolean library is free to
// renormalize even when the shape is untouched.
func geomsEquivalent(a, b geo.Geom) bool {
	return canonicalizeGeom(a) == canonicalizeGeom(b)
}

func canonicalizeGeom(g geo.Geom) string {
	polys := make([]string, 0, len(g))
	for _, rings := range g {
		rs := make([]string, 0, len(rings))
		for _, ring := range rings {
			rs = append(rs, canonicalRing(ring))
		}
		sort.Strings(rs)
		polys = append(polys, strings.Join(rs, "/"))
	}
	sort.Strings(polys)
	return strings.Join(polys, "|")
}

// canonicalRing serializes a ring starting from its lexicographically
// smallest vertex, in whichever direction yields the smaller string.
func canonicalRing(ring [][]float64) string {
	n := len(ring)
	if n > 1 && ring[0][0] == ring[n-1][0] && ring[0][1] == ring[n-1][1] {
		ring = ring[:n-1]
		n--
	}
	if n == 0 {
		return ""
	}
	format := func(start, step int) string {
		var b strings.Builder
		for i := 0; i < n; i++ {
			pt := ring[((start+i*step)%n+n)%n]
			fmt.Fprintf(&b, "%.9f,%.9f ", pt[0], pt[1])
		}
		return b.String()
	}
	best := 0
	for i := 1; i < n; i++ {
		if ring[i][0] < ring[best][0] || (ring[i][0] == ring[best][0] && ring[i][1] < ring[best][1]) {
			best = i
		}
	}
	fwd := format(best, 1)
	rev := format(best, -1)
	if rev < fwd {
		return rev
	}
	return fwd
}
