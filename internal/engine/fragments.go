package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"github.com/oceanbits/overlay-engine/internal/geo"
)

// minFragmentAreaM2 drops slivers produced by decomposition. Anything at or
// below one square meter is boolean-operation noise, not real overlap.
const minFragmentAreaM2 = 1.0

// maxDecomposePasses bounds the decompose loop; overlap between a finite set
// of polygons resolves in far fewer passes unless the geometry is degenerate.
const maxDecomposePasses = 100

// Fragment is a single-polygon piece of a sketch annotated with every
// geography and sketch it belongs to. Fragments within a collection never
// overlap. The hash identifies a fragment by content so unchanged fragments
// can be reused across edits.
type Fragment struct {
	Geometry     orb.Polygon
	GeographyIDs []int64
	SketchIDs    []int64
	Hash         string
}

type fragmentJSON struct {
	Type       string          `json:"type"`
	Properties fragmentProps   `json:"properties"`
	Geometry   json.RawMessage `json:"geometry"`
}

type fragmentProps struct {
	Hash         string  `json:"__hash,omitempty"`
	GeographyIDs []int64 `json:"__geographyIds"`
	SketchIDs    []int64 `json:"__sketchIds"`
}

// MarshalJSON encodes the fragment as a GeoJSON feature with its membership
// in reserved properties.
func (f Fragment) MarshalJSON() ([]byte, error) {
	geom, err := geojson.NewGeometry(f.Geometry).MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(fragmentJSON{
		Type: "Feature",
		Properties: fragmentProps{
			Hash:         f.Hash,
			GeographyIDs: f.GeographyIDs,
			SketchIDs:    f.SketchIDs,
		},
		Geometry: geom,
	})
}

// UnmarshalJSON decodes the GeoJSON feature form produced by MarshalJSON.
func (f *Fragment) UnmarshalJSON(b []byte) error {
	var raw fragmentJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	g, err := geojson.UnmarshalGeometry(raw.Geometry)
	if err != nil {
		return err
	}
	poly, ok := g.Geometry().(orb.Polygon)
	if !ok {
		return fmt.Errorf("fragment geometry must be a Polygon, got %s", g.Type)
	}
	f.Geometry = poly
	f.GeographyIDs = raw.Properties.GeographyIDs
	f.SketchIDs = raw.Properties.SketchIDs
	f.Hash = raw.Properties.Hash
	return nil
}

// FragmentHash fingerprints a fragment by its sorted geography membership and
// canonical geometry. Coordinate order and id order do not affect the hash;
// any geometric change does.
func FragmentHash(geographyIDs []int64, g geo.Geom) string {
	ids := append([]int64(nil), geographyIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	h := xxhash.New()
	for _, id := range ids {
		fmt.Fprintf(h, "g%d;", id)
	}
	h.WriteString(canonicalGeom(g))
	return fmt.Sprintf("%016x", h.Sum64())
}

// canonicalGeom serializes ring sets at fixed precision so geometries that
// differ only in float noise below ~1mm hash identically.
func canonicalGeom(g geo.Geom) string {
	var b strings.Builder
	for _, rings := range g {
		for _, ring := range rings {
			for _, pt := range ring {
				fmt.Fprintf(&b, "%.8f,%.8f ", pt[0], pt[1])
			}
			b.WriteByte('/')
		}
		b.WriteByte('|')
	}
	return b.String()
}

// pendingFragment is the working form used while decomposing overlap: a
// single polygon ring set with a scratch id and cached bbox.
type pendingFragment struct {
	id           int
	geom         geo.Geom
	bbox         geo.Rect
	geographyIDs []int64
	sketchIDs    []int64
}

type fragmentBuilder struct {
	nextID int
}

func (fb *fragmentBuilder) pending(g geo.Geom, geographyIDs, sketchIDs []int64) pendingFragment {
	fb.nextID++
	return pendingFragment{
		id:           fb.nextID,
		geom:         g,
		bbox:         geo.BoundOf(g),
		geographyIDs: geographyIDs,
		sketchIDs:    sketchIDs,
	}
}

// explode appends one pending fragment per polygon of g.
func (fb *fragmentBuilder) explode(g geo.Geom, geographyIDs, sketchIDs []int64, out []pendingFragment) []pendingFragment {
	for _, rings := range g {
		out = append(out, fb.pending(geo.Geom{rings}, geographyIDs, sketchIDs))
	}
	return out
}

// CreateFragments clips the sketch to every geography and decomposes the
// results into non-overlapping single-polygon fragments, each annotated with
// all geographies it falls within. Slivers at or below one square meter are
// dropped.
func CreateFragments(ctx context.Context, sketch *PreparedSketch, geographies []Geography, fn ClipFn) ([]Fragment, error) {
	pendings, err := createPending(ctx, sketch, geographies, fn)
	if err != nil {
		return nil, err
	}
	return finalizeFragments(pendings, nil), nil
}

func createPending(ctx context.Context, sketch *PreparedSketch, geographies []Geography, fn ClipFn) ([]pendingFragment, error) {
	var fb fragmentBuilder
	var pendings []pendingFragment
	for _, g := range geographies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clipped, err := ClipToGeography(ctx, sketch, g.ClippingLayers, fn)
		if err != nil {
			return nil, fmt.Errorf("clip to geography %d: %w", g.ID, err)
		}
		if clipped == nil {
			continue
		}
		mp, ok := clipped.Geometry.(orb.MultiPolygon)
		if !ok {
			continue
		}
		for _, poly := range mp {
			cleaned, err := geo.CleanCoordinates(poly)
			if err != nil {
				continue
			}
			if p, ok := cleaned.(orb.Polygon); ok {
				pendings = append(pendings, fb.pending(geo.PolygonToGeom(p), []int64{g.ID}, nil))
			}
		}
	}

	pendings, err := decomposeFragments(&fb, pendings)
	if err != nil {
		return nil, err
	}
	return mergeMatchingGeometry(pendings), nil
}

// decomposeFragments splits overlapping fragments into intersection and
// difference pieces, merging memberships on the intersection, until no two
// fragments overlap.
func decomposeFragments(fb *fragmentBuilder, frags []pendingFragment) ([]pendingFragment, error) {
	for pass := 0; ; pass++ {
		if pass > maxDecomposePasses {
			return nil, errors.New("fragment decomposition did not converge")
		}
		var (
			out        []pendingFragment
			processed  = make(map[int]bool)
			anyOverlap bool
		)
		for i, frag := range frags {
			if processed[frag.id] {
				continue
			}
			split := false
			for _, other := range frags[i+1:] {
				if processed[other.id] || !frag.bbox.Intersects(other.bbox) {
					continue
				}
				pieces, overlapped, err := splitPair(fb, frag, other)
				if err != nil {
					return nil, err
				}
				if overlapped {
					processed[frag.id] = true
					processed[other.id] = true
					out = append(out, pieces...)
					anyOverlap = true
					split = true
					break
				}
			}
			if !split {
				processed[frag.id] = true
				out = append(out, frag)
			}
		}
		if !anyOverlap {
			return out, nil
		}
		frags = out
	}
}

// splitPair replaces two overlapping fragments with their intersection
// (carrying both memberships) and their mutual differences. overlapped is
// false when the geometries only share a bounding box.
func splitPair(fb *fragmentBuilder, a, b pendingFragment) ([]pendingFragment, bool, error) {
	inter, err := geo.BooleanClip(a.geom, b.geom, geo.OpIntersect)
	if err != nil {
		return nil, false, err
	}
	if len(inter) == 0 {
		return nil, false, nil
	}
	diffA, err := geo.BooleanClip(a.geom, b.geom, geo.OpDifference)
	if err != nil {
		return nil, false, err
	}
	diffB, err := geo.BooleanClip(b.geom, a.geom, geo.OpDifference)
	if err != nil {
		return nil, false, err
	}

	var out []pendingFragment
	out = fb.explode(inter, mergeIDs(a.geographyIDs, b.geographyIDs), mergeIDs(a.sketchIDs, b.sketchIDs), out)
	out = fb.explode(diffA, a.geographyIDs, a.sketchIDs, out)
	out = fb.explode(diffB, b.geographyIDs, b.sketchIDs, out)
	return out, true, nil
}

// mergeMatchingGeometry collapses fragments with identical geometry into one,
// unioning their memberships.
func mergeMatchingGeometry(frags []pendingFragment) []pendingFragment {
	byGeom := make(map[string]int)
	var out []pendingFragment
	for _, frag := range frags {
		key := canonicalGeom(frag.geom)
		if i, ok := byGeom[key]; ok {
			out[i].geographyIDs = mergeIDs(out[i].geographyIDs, frag.geographyIDs)
			out[i].sketchIDs = mergeIDs(out[i].sketchIDs, frag.sketchIDs)
			continue
		}
		byGeom[key] = len(out)
		out = append(out, frag)
	}
	return out
}

func mergeIDs(a, b []int64) []int64 {
	if len(a) == 0 {
		return append([]int64(nil), b...)
	}
	set := make(map[int64]struct{}, len(a)+len(b))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		set[id] = struct{}{}
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// finalizeFragments converts pending fragments to the output form, dropping
// slivers and reusing matching fragments from previous runs by hash.
func finalizeFragments(pendings []pendingFragment, existing []Fragment) []Fragment {
	byHash := make(map[string]Fragment, len(existing))
	for _, f := range existing {
		if f.Hash != "" {
			byHash[f.Hash] = f
		}
	}

	out := make([]Fragment, 0, len(pendings))
	for _, p := range pendings {
		mp := geo.GeomToMultiPolygon(p.geom)
		if len(mp) == 0 {
			continue
		}
		poly := mp[0]
		if orbgeo.Area(poly) <= minFragmentAreaM2 {
			continue
		}
		frag := Fragment{
			Geometry:     poly,
			GeographyIDs: p.geographyIDs,
			SketchIDs:    p.sketchIDs,
			Hash:         FragmentHash(p.geographyIDs, p.geom),
		}
		if prev, ok := byHash[frag.Hash]; ok {
			frag.SketchIDs = mergeIDs(frag.SketchIDs, prev.SketchIDs)
		}
		out = append(out, frag)
	}
	return out
}

// EliminateOverlap merges a sketch's new fragments into the existing
// fragments of its collection, decomposing any overlap between sketches the
// same way geography overlap is handled.
func EliminateOverlap(newFragments, existingFragments []Fragment) ([]Fragment, error) {
	var fb fragmentBuilder
	pendings := make([]pendingFragment, 0, len(newFragments)+len(existingFragments))
	for _, f := range append(append([]Fragment{}, newFragments...), existingFragments...) {
		pendings = append(pendings, fb.pending(geo.PolygonToGeom(f.Geometry), f.GeographyIDs, f.SketchIDs))
	}
	pendings, err := decomposeFragments(&fb, pendings)
	if err != nil {
		return nil, err
	}
	return finalizeFragments(mergeMatchingGeometry(pendings), existingFragments), nil
}
