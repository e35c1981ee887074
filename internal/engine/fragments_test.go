package engine

import (
	"context"
	"sort"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/oceanbits/overlay-engine/internal/cql2"
	"github.com/oceanbits/overlay-engine/internal/geo"
)

// geographyClipFn clips inline against a fixed rectangle per source name.
func geographyClipFn(rects map[string]orb.Polygon) ClipFn {
	return func(ctx context.Context, sketch *PreparedSketch, src string, op geo.Op, filter *cql2.Query) (*PolygonClipResult, error) {
		stream := &sliceStream{feats: []*geojson.Feature{polygonFeature(rects[src])}}
		return ClipSketchToPolygons(ctx, sketch, op, filter, stream, false)
	}
}

func geographyIDsOf(frags []Fragment) [][]int64 {
	out := make([][]int64, len(frags))
	for i, f := range frags {
		out[i] = f.GeographyIDs
	}
	sort.Slice(out, func(i, j int) bool {
		return len(out[i]) < len(out[j]) || (len(out[i]) == len(out[j]) && out[i][0] < out[j][0])
	})
	return out
}

func TestCreateFragments_OverlappingGeographies(t *testing.T) {
	// sketch spans two overlapping geographies; the overlap becomes its own
	// fragment belonging to both
	sketch := preparedRect(t, 0, 0, 10, 1)
	fn := geographyClipFn(map[string]orb.Polygon{
		"west": rectPolygon(0, 0, 6, 1),
		"east": rectPolygon(4, 0, 10, 1),
	})
	geographies := []Geography{
		{ID: 1, ClippingLayers: []ClippingLayer{{Source: "west", Op: geo.OpIntersect}}},
		{ID: 2, ClippingLayers: []ClippingLayer{{Source: "east", Op: geo.OpIntersect}}},
	}

	frags, err := CreateFragments(context.Background(), sketch, geographies, fn)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("fragments = %d, want 3 (west-only, overlap, east-only)", len(frags))
	}
	ids := geographyIDsOf(frags)
	want := [][]int64{{1}, {2}, {1, 2}}
	for i, w := range want {
		if len(ids[i]) != len(w) {
			t.Fatalf("memberships = %v, want %v", ids, want)
		}
		for j := range w {
			if ids[i][j] != w[j] {
				t.Fatalf("memberships = %v, want %v", ids, want)
			}
		}
	}
	for _, f := range frags {
		if f.Hash == "" {
			t.Fatal("fragment missing hash")
		}
	}
}

func TestCreateFragments_DisjointGeographiesKeepSeparate(t *testing.T) {
	sketch := preparedRect(t, 0, 0, 10, 1)
	fn := geographyClipFn(map[string]orb.Polygon{
		"west": rectPolygon(0, 0, 3, 1),
		"east": rectPolygon(7, 0, 10, 1),
	})
	geographies := []Geography{
		{ID: 1, ClippingLayers: []ClippingLayer{{Source: "west", Op: geo.OpIntersect}}},
		{ID: 2, ClippingLayers: []ClippingLayer{{Source: "east", Op: geo.OpIntersect}}},
	}
	frags, err := CreateFragments(context.Background(), sketch, geographies, fn)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("fragments = %d, want 2", len(frags))
	}
	for _, f := range frags {
		if len(f.GeographyIDs) != 1 {
			t.Fatalf("disjoint fragments must belong to one geography each: %v", f.GeographyIDs)
		}
	}
}

func TestFragmentHash_OrderIndependent(t *testing.T) {
	g := geo.Rect{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}.Geom()
	a := FragmentHash([]int64{3, 1, 2}, g)
	b := FragmentHash([]int64{1, 2, 3}, g)
	if a != b {
		t.Fatal("hash must not depend on geography id order")
	}
	c := FragmentHash([]int64{1, 2}, g)
	if a == c {
		t.Fatal("hash must change with membership")
	}
	d := FragmentHash([]int64{1, 2, 3}, geo.Rect{MinX: 0, MinY: 0, MaxX: 2, MaxY: 1}.Geom())
	if a == d {
		t.Fatal("hash must change with geometry")
	}
}

func TestEliminateOverlap_SplitsSharedArea(t *testing.T) {
	newFrags := []Fragment{{
		Geometry:     rectPolygon(0, 0, 2, 1),
		GeographyIDs: []int64{1},
		SketchIDs:    []int64{0},
	}}
	existing := []Fragment{{
		Geometry:     rectPolygon(1, 0, 3, 1),
		GeographyIDs: []int64{1},
		SketchIDs:    []int64{7},
	}}

	out, err := EliminateOverlap(newFrags, existing)
	if err != nil {
		t.Fatalf("eliminate: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("fragments = %d, want 3", len(out))
	}
	var shared int
	for _, f := range out {
		if len(f.SketchIDs) == 2 {
			shared++
			b := f.Geometry.Bound()
			if b.Min[0] != 1 || b.Max[0] != 2 {
				t.Fatalf("shared fragment bound = %v, want x in [1, 2]", b)
			}
		}
	}
	if shared != 1 {
		t.Fatalf("shared fragments = %d, want 1", shared)
	}
}

func TestEliminateOverlap_NoOverlapPassesThrough(t *testing.T) {
	newFrags := []Fragment{{Geometry: rectPolygon(0, 0, 1, 1), GeographyIDs: []int64{1}, SketchIDs: []int64{0}}}
	existing := []Fragment{{Geometry: rectPolygon(5, 5, 6, 6), GeographyIDs: []int64{1}, SketchIDs: []int64{7}}}
	out, err := EliminateOverlap(newFrags, existing)
	if err != nil {
		t.Fatalf("eliminate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("fragments = %d, want 2", len(out))
	}
}
