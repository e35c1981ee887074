package engine

import (
	"context"

	"github.com/oceanbits/overlay-engine/internal/cql2"
	"github.com/oceanbits/overlay-engine/internal/geo"
	"github.com/oceanbits/overlay-engine/internal/source"
)

// SourceClipFn builds the in-process ClipFn: resolve the layer source
// through the cache, query it by the sketch envelopes and clip against the
// streamed features. Deployments that offload clipping wrap this in a worker
// pool instead of calling it inline.
func SourceClipFn(sources *source.SourceCache, strict bool) ClipFn {
	return func(ctx context.Context, sketch *PreparedSketch, url string, op geo.Op, filter *cql2.Query) (*PolygonClipResult, error) {
		src, err := sources.Get(ctx, url)
		if err != nil {
			return nil, err
		}
		return ClipSketchToPolygons(ctx, sketch, op, filter, src.GetFeatures(ctx, sketch.Envelopes), strict)
	}
}
