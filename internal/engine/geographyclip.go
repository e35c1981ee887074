package engine

import (
	"context"
	"errors"

	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"github.com/oceanbits/overlay-engine/internal/geo"
)

// GeographyClipResult is the outcome of clipping a sketch against its
// project's geographies: the display geometry clipped to the primary
// geography, and the full non-overlapping fragment set.
type GeographyClipResult struct {
	// Clipped is nil when the sketch does not overlap any of the clipping
	// geographies.
	Clipped   *geojson.Feature `json:"clipped"`
	Fragments []Fragment       `json:"fragments"`
}

// ClipToGeographies produces both the clipped sketch and its fragments.
//
// idsToClip selects which geographies bound the final shape; when the sketch
// overlaps several, the one covering the most of it wins and fragments are
// limited to that geography. existingFragments are the collection's fragments
// near the sketch (pass only bbox-overlapping ones for performance);
// existingSketchID, when non-zero, marks fragments of a previous version of
// this sketch so stale pieces are consolidated away instead of accumulating
// across edits.
func ClipToGeographies(
	ctx context.Context,
	sketch *PreparedSketch,
	geographies []Geography,
	idsToClip []int64,
	existingFragments []Fragment,
	existingSketchID int64,
	fn ClipFn,
) (*GeographyClipResult, error) {
	pendings, err := createPending(ctx, sketch, geographies, fn)
	if err != nil {
		return nil, err
	}
	for i := range pendings {
		pendings[i].sketchIDs = []int64{0}
	}

	clipSet := make(map[int64]bool, len(idsToClip))
	for _, id := range idsToClip {
		clipSet[id] = true
	}

	var inClipping []pendingFragment
	matching := make(map[int64]bool)
	for _, p := range pendings {
		hit := false
		for _, id := range p.geographyIDs {
			if clipSet[id] {
				matching[id] = true
				hit = true
			}
		}
		if hit {
			inClipping = append(inClipping, p)
		}
	}
	if len(inClipping) == 0 {
		return &GeographyClipResult{Fragments: finalizeFragments(pendings, existingFragments)}, nil
	}

	primary, err := primaryGeography(matching, inClipping)
	if err != nil {
		return nil, err
	}
	clipped := filterByGeography(inClipping, primary)
	pendings = filterByGeography(pendings, primary)

	geoms := make([]geo.Geom, 0, len(clipped))
	for _, p := range clipped {
		geoms = append(geoms, p.geom)
	}
	union, err := geo.Union(geoms...)
	if err != nil {
		return nil, err
	}
	feature := geojson.NewFeature(geo.GeomToMultiPolygon(union))
	feature.Properties = sketch.Feature.Properties
	feature.ID = sketch.Feature.ID
	feature = UnionAtAntimeridian(feature)

	fragments := finalizeFragments(pendings, existingFragments)
	if len(existingFragments) > 0 {
		existing := existingFragments
		if existingSketchID != 0 {
			existing, err = consolidateExisting(existing, existingSketchID)
			if err != nil {
				return nil, err
			}
		}
		fragments, err = EliminateOverlap(fragments, existing)
		if err != nil {
			return nil, err
		}
	}

	return &GeographyClipResult{Clipped: feature, Fragments: fragments}, nil
}

// primaryGeography picks the clipping geography with the most sketch area
// when the sketch straddles more than one.
func primaryGeography(matching map[int64]bool, frags []pendingFragment) (int64, error) {
	if len(matching) == 1 {
		for id := range matching {
			return id, nil
		}
	}
	areas := make(map[int64]float64, len(matching))
	for _, p := range frags {
		area := orbgeo.Area(geo.GeomToMultiPolygon(p.geom))
		for _, id := range p.geographyIDs {
			if matching[id] {
				areas[id] += area
			}
		}
	}
	var (
		best     int64
		bestArea float64
		found    bool
	)
	for id, area := range areas {
		if !found || area > bestArea || (area == bestArea && id < best) {
			best, bestArea, found = id, area, true
		}
	}
	if !found {
		return 0, errors.New("no primary geography")
	}
	return best, nil
}

func filterByGeography(frags []pendingFragment, geographyID int64) []pendingFragment {
	out := frags[:0:0]
	for _, p := range frags {
		for _, id := range p.geographyIDs {
			if id == geographyID {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// consolidateExisting prepares a collection's fragments for re-fragmenting an
// edited sketch: pieces belonging only to the old version are dropped, and
// pieces it shared with neighbors are re-unioned per neighbor so repeated
// edits do not shatter the collection into ever-smaller fragments.
func consolidateExisting(existing []Fragment, sketchID int64) ([]Fragment, error) {
	type bucket struct {
		sketchID     int64
		geographyIDs []int64
		geoms        []geo.Geom
	}
	var buckets []*bucket
	for _, f := range existing {
		if len(f.SketchIDs) == 1 && f.SketchIDs[0] == sketchID {
			continue
		}
		for _, id := range f.SketchIDs {
			if id == sketchID {
				continue
			}
			var match *bucket
			for _, b := range buckets {
				if b.sketchID == id && sameIDs(b.geographyIDs, f.GeographyIDs) {
					match = b
					break
				}
			}
			if match == nil {
				match = &bucket{sketchID: id, geographyIDs: f.GeographyIDs}
				buckets = append(buckets, match)
			}
			match.geoms = append(match.geoms, geo.PolygonToGeom(f.Geometry))
		}
	}

	var out []Fragment
	for _, b := range buckets {
		union, err := geo.Union(b.geoms...)
		if err != nil {
			return nil, err
		}
		for _, poly := range geo.GeomToMultiPolygon(union) {
			out = append(out, Fragment{
				Geometry:     poly,
				GeographyIDs: b.geographyIDs,
				SketchIDs:    []int64{b.sketchID},
			})
		}
	}
	return out, nil
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[int64]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
