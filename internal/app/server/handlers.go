package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/paulmach/orb/geojson"

	"github.com/oceanbits/overlay-engine/internal/engine"
	"github.com/oceanbits/overlay-engine/internal/worker"
)

// ClipRequest is the /clip body. GeographiesForClipping defaults to every
// geography in the request; ExistingFragments and ExistingSketchID are only
// set when re-clipping an edited sketch.
type ClipRequest struct {
	Feature                json.RawMessage    `json:"feature"`
	Geographies            []engine.Geography `json:"geographies"`
	GeographiesForClipping []int64            `json:"geographiesForClipping,omitempty"`
	ExistingFragments      []engine.Fragment  `json:"existingFragments,omitempty"`
	ExistingSketchID       int64              `json:"existingSketchId,omitempty"`
}

// ClipResponse mirrors the engine result. Clipped is null when the sketch
// falls outside every clipping geography.
type ClipResponse struct {
	Success   bool              `json:"success"`
	Clipped   *geojson.Feature  `json:"clipped"`
	Fragments []engine.Fragment `json:"fragments"`
	Error     string            `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeClipError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ClipResponse{Success: false, Error: err.Error()})
}

// HandleClip prepares the posted sketch and clips it against the request's
// geographies, running every layer clip through fn.
func HandleClip(log *slog.Logger, fn engine.ClipFn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeClipError(w, http.StatusBadRequest, err)
			return
		}
		if len(req.Feature) == 0 {
			writeClipError(w, http.StatusBadRequest, errors.New("missing feature"))
			return
		}
		feature, err := geojson.UnmarshalFeature(req.Feature)
		if err != nil {
			writeClipError(w, http.StatusBadRequest, err)
			return
		}

		sketch, err := engine.PrepareSketch(feature)
		if err != nil {
			writeClipError(w, http.StatusBadRequest, err)
			return
		}

		idsToClip := req.GeographiesForClipping
		if len(idsToClip) == 0 {
			for _, g := range req.Geographies {
				idsToClip = append(idsToClip, g.ID)
			}
		}

		result, err := engine.ClipToGeographies(
			r.Context(), sketch, req.Geographies, idsToClip,
			req.ExistingFragments, req.ExistingSketchID, fn,
		)
		if err != nil {
			log.Error("clip request failed", "err", err)
			writeClipError(w, clipStatus(err), err)
			return
		}

		fragments := result.Fragments
		if fragments == nil {
			fragments = []engine.Fragment{}
		}
		writeJSON(w, http.StatusOK, ClipResponse{
			Success:   true,
			Clipped:   result.Clipped,
			Fragments: fragments,
		})
	}
}

func clipStatus(err error) int {
	var invalid *engine.InvalidGeometryError
	var filter *engine.FilterEvaluationError
	switch {
	case errors.As(err, &invalid), errors.As(err, &filter),
		errors.Is(err, engine.ErrNoIntersectLayer):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrSaturated):
		return http.StatusServiceUnavailable
	case errors.Is(err, worker.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
