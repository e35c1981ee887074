package worker

import (
	"context"

	"github.com/oceanbits/overlay-engine/internal/cql2"
	"github.com/oceanbits/overlay-engine/internal/engine"
	"github.com/oceanbits/overlay-engine/internal/geo"
	"github.com/oceanbits/overlay-engine/internal/logger"
)

// ClipFn adapts the pool to the engine's clipping callback, so per-layer
// clips run under the pool's timeout and panic isolation.
func (p *Pool) ClipFn() engine.ClipFn {
	return func(ctx context.Context, sketch *engine.PreparedSketch, source string, op geo.Op, filter *cql2.Query) (*engine.PolygonClipResult, error) {
		return p.RunClip(ctx, Task{
			ID:     logger.NewID(),
			Sketch: sketch,
			Source: source,
			Op:     op,
			Filter: filter,
		})
	}
}
