package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/oceanbits/overlay-engine/internal/cql2"
	"github.com/oceanbits/overlay-engine/internal/geo"
)

type sliceStream struct {
	feats []*geojson.Feature
	pos   int
}

func (s *sliceStream) Next() bool {
	if s.pos >= len(s.feats) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Feature() *geojson.Feature { return s.feats[s.pos-1] }
func (s *sliceStream) Err() error                { return nil }

func preparedRect(t *testing.T, minX, minY, maxX, maxY float64) *PreparedSketch {
	t.Helper()
	s, err := PrepareSketch(polygonFeature(rectPolygon(minX, minY, maxX, maxY)))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return s
}

func namedRect(name string, minX, minY, maxX, maxY float64) *geojson.Feature {
	f := polygonFeature(rectPolygon(minX, minY, maxX, maxY))
	f.Properties = geojson.Properties{"name": name}
	return f
}

func TestClipSketchToPolygons_NoPolygons(t *testing.T) {
	sketch := preparedRect(t, 0, 0, 10, 10)

	r, err := ClipSketchToPolygons(context.Background(), sketch, geo.OpIntersect, nil, &sliceStream{}, false)
	if err != nil {
		t.Fatalf("intersect: %v", err)
	}
	if !r.Changed || r.Output != nil {
		t.Fatalf("INTERSECT with no polygons = %+v, want changed and eliminated", r)
	}

	r, err = ClipSketchToPolygons(context.Background(), sketch, geo.OpDifference, nil, &sliceStream{}, false)
	if err != nil {
		t.Fatalf("difference: %v", err)
	}
	if r.Changed || r.Output != sketch.Feature {
		t.Fatalf("DIFFERENCE with no polygons = %+v, want unchanged sketch", r)
	}
}

func TestClipSketchToPolygons_Intersect(t *testing.T) {
	sketch := preparedRect(t, 0, 0, 10, 10)
	stream := &sliceStream{feats: []*geojson.Feature{namedRect("half", 5, 0, 20, 10)}}

	r, err := ClipSketchToPolygons(context.Background(), sketch, geo.OpIntersect, nil, stream, false)
	if err != nil {
		t.Fatalf("clip: %v", err)
	}
	if !r.Changed || r.Output == nil {
		t.Fatalf("result = %+v, want changed with output", r)
	}
	b := r.Output.Geometry.Bound()
	if b.Min[0] != 5 || b.Max[0] != 10 {
		t.Fatalf("clipped bound = %v, want x in [5, 10]", b)
	}
}

func TestClipSketchToPolygons_DifferenceUnchanged(t *testing.T) {
	sketch := preparedRect(t, 0, 0, 10, 10)
	stream := &sliceStream{feats: []*geojson.Feature{namedRect("far", 50, 50, 60, 60)}}

	r, err := ClipSketchToPolygons(context.Background(), sketch, geo.OpDifference, nil, stream, false)
	if err != nil {
		t.Fatalf("clip: %v", err)
	}
	if r.Changed {
		t.Fatalf("difference against a disjoint polygon must report unchanged, got %+v", r)
	}
	if r.Output == nil {
		t.Fatal("unchanged difference must keep the sketch")
	}
}

func TestClipSketchToPolygons_DifferenceEliminates(t *testing.T) {
	sketch := preparedRect(t, 2, 2, 4, 4)
	stream := &sliceStream{feats: []*geojson.Feature{namedRect("cover", 0, 0, 10, 10)}}

	r, err := ClipSketchToPolygons(context.Background(), sketch, geo.OpDifference, nil, stream, false)
	if err != nil {
		t.Fatalf("clip: %v", err)
	}
	if !r.Changed || r.Output != nil {
		t.Fatalf("sketch inside clip should be eliminated, got %+v", r)
	}
}

func TestClipSketchToPolygons_FilterSkipsNonMatching(t *testing.T) {
	sketch := preparedRect(t, 0, 0, 10, 10)
	filter, err := cql2.Parse([]byte(`{"op":"=","args":[{"property":"name"},"keep"]}`))
	if err != nil {
		t.Fatal(err)
	}
	stream := &sliceStream{feats: []*geojson.Feature{
		namedRect("skip", 0, 0, 10, 10),
		namedRect("keep", 5, 0, 10, 10),
	}}

	r, err := ClipSketchToPolygons(context.Background(), sketch, geo.OpIntersect, filter, stream, false)
	if err != nil {
		t.Fatalf("clip: %v", err)
	}
	if b := r.Output.Geometry.Bound(); b.Min[0] != 5 {
		t.Fatalf("filter did not exclude the non-matching polygon: bound %v", b)
	}
}

func TestClipSketchToPolygons_StrictFilterErrors(t *testing.T) {
	sketch := preparedRect(t, 0, 0, 10, 10)
	// ordering a string against a number cannot be evaluated
	filter, err := cql2.Parse([]byte(`{"op":"<","args":[{"property":"name"},5]}`))
	if err != nil {
		t.Fatal(err)
	}
	stream := func() *sliceStream {
		return &sliceStream{feats: []*geojson.Feature{namedRect("a", 0, 0, 10, 10)}}
	}

	// lenient mode skips the feature, leaving no polygons
	r, err := ClipSketchToPolygons(context.Background(), sketch, geo.OpIntersect, filter, stream(), false)
	if err != nil {
		t.Fatalf("lenient clip: %v", err)
	}
	if !r.Changed || r.Output != nil {
		t.Fatalf("lenient result = %+v, want eliminated", r)
	}

	_, err = ClipSketchToPolygons(context.Background(), sketch, geo.OpIntersect, filter, stream(), true)
	var fee *FilterEvaluationError
	if !errors.As(err, &fee) {
		t.Fatalf("strict error = %v, want FilterEvaluationError", err)
	}
}

func TestClipSketchToPolygons_IgnoresNonPolygonFeatures(t *testing.T) {
	sketch := preparedRect(t, 0, 0, 10, 10)
	stream := &sliceStream{feats: []*geojson.Feature{
		geojson.NewFeature(orb.Point{5, 5}),
	}}
	r, err := ClipSketchToPolygons(context.Background(), sketch, geo.OpDifference, nil, stream, false)
	if err != nil {
		t.Fatalf("clip: %v", err)
	}
	if r.Changed {
		t.Fatalf("point features must not participate in clipping: %+v", r)
	}
}
