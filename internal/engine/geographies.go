package engine

import (
	"context"
	"errors"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/oceanbits/overlay-engine/internal/cql2"
	"github.com/oceanbits/overlay-engine/internal/geo"
)

// ErrNoIntersectLayer rejects geographies that would never bound the sketch.
var ErrNoIntersectLayer = errors.New("at least one INTERSECT layer is required")

// ClippingLayer configures one clipping operation of a geography: the source
// to clip against, the operation, and an optional feature filter.
type ClippingLayer struct {
	Source string      `json:"source"`
	Op     geo.Op      `json:"op"`
	Filter *cql2.Query `json:"cql2Query,omitempty"`
}

// Geography is a named clipping region built from ordered layers, at least
// one of which must be an INTERSECT.
type Geography struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name,omitempty"`
	ClippingLayers []ClippingLayer `json:"clippingLayers"`
}

// ClipFn performs one layer clip. The engine ships a source-backed default
// (SourceClipFn); callers running clips on worker pools or remote processes
// substitute their own.
type ClipFn func(ctx context.Context, sketch *PreparedSketch, source string, op geo.Op, filter *cql2.Query) (*PolygonClipResult, error)

// ConsolidateLayers merges layers sharing a source and operation by OR-ing
// their filters, so each source is fetched and clipped once. Layer order
// within each operation is preserved.
func ConsolidateLayers(layers []ClippingLayer) []ClippingLayer {
	var out []ClippingLayer
	for _, layer := range layers {
		merged := false
		for i := range out {
			if out[i].Source == layer.Source && out[i].Op == layer.Op {
				out[i].Filter = cql2.Consolidate(out[i].Filter, layer.Filter)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, layer)
		}
	}
	return out
}

// ClipToGeography clips the sketch to a geography described by its layers.
// INTERSECT layers run first; if none of them overlap the sketch the result
// is nil (the sketch lies entirely outside the geography). Otherwise the
// changed outputs of every layer are intersected into the final shape. An
// all-unchanged run returns the sketch as-is.
func ClipToGeography(ctx context.Context, sketch *PreparedSketch, layers []ClippingLayer, fn ClipFn) (*geojson.Feature, error) {
	layers = ConsolidateLayers(layers)

	var intersects, differences []ClippingLayer
	for _, l := range layers {
		if l.Op == geo.OpIntersect {
			intersects = append(intersects, l)
		} else {
			differences = append(differences, l)
		}
	}
	if len(intersects) == 0 {
		return nil, ErrNoIntersectLayer
	}

	results := make([]*PolygonClipResult, 0, len(layers))
	anyIntersectHit := false
	for _, l := range intersects {
		r, err := fn(ctx, sketch, l.Source, l.Op, l.Filter)
		if err != nil {
			return nil, err
		}
		if r.Output != nil {
			anyIntersectHit = true
		}
		results = append(results, r)
	}
	if !anyIntersectHit {
		return nil, nil
	}
	for _, l := range differences {
		r, err := fn(ctx, sketch, l.Source, l.Op, l.Filter)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	var changed []geo.Geom
	anyChanges := false
	for _, r := range results {
		if !r.Changed {
			continue
		}
		anyChanges = true
		if r.Output != nil {
			changed = append(changed, geo.MultiPolygonToGeom(r.Output.Geometry.(orb.MultiPolygon)))
		}
	}

	switch {
	case !anyChanges:
		return sketch.Feature, nil
	case len(changed) == 0:
		return nil, nil
	default:
		combined, err := geo.Intersect(changed...)
		if err != nil {
			return nil, err
		}
		if len(combined) == 0 {
			return nil, nil
		}
		out := geojson.NewFeature(geo.GeomToMultiPolygon(combined))
		out.Properties = sketch.Feature.Properties
		out.ID = sketch.Feature.ID
		return out, nil
	}
}
