package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/oceanbits/overlay-engine/internal/cql2"
	"github.com/oceanbits/overlay-engine/internal/engine"
	"github.com/oceanbits/overlay-engine/internal/geo"
	"github.com/oceanbits/overlay-engine/internal/worker"
)

// passthroughFn reports every layer as a non-modifying intersect hit, so the
// clipped output is the sketch itself.
func passthroughFn(t *testing.T) engine.ClipFn {
	t.Helper()
	return func(_ context.Context, sketch *engine.PreparedSketch, _ string, op geo.Op, _ *cql2.Query) (*engine.PolygonClipResult, error) {
		return &engine.PolygonClipResult{Op: op, Output: sketch.Feature}, nil
	}
}

func clipBody(t *testing.T, geometry orb.Geometry) []byte {
	t.Helper()
	feature := geojson.NewFeature(geometry)
	raw, err := feature.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal feature: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"feature": json.RawMessage(raw),
		"geographies": []engine.Geography{{
			ID: 1,
			ClippingLayers: []engine.ClippingLayer{
				{Source: "https://example.com/land.bin", Op: geo.OpIntersect},
			},
		}},
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func postClip(t *testing.T, fn engine.ClipFn, body []byte) (*httptest.ResponseRecorder, ClipResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/clip", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	HandleClip(slog.Default(), fn)(rr, req)

	var resp ClipResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rr.Body.String())
	}
	return rr, resp
}

func TestHandleClip_ClipsSketch(t *testing.T) {
	square := orb.Polygon{{{0, 0}, {4, 0}, {4, 4}, {0, 4}, {0, 0}}}

	rr, resp := postClip(t, passthroughFn(t), clipBody(t, square))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if !resp.Success || resp.Clipped == nil {
		t.Fatalf("response = %+v, want success with clipped feature", resp)
	}
	if len(resp.Fragments) != 1 {
		t.Fatalf("fragments = %d, want 1", len(resp.Fragments))
	}
	if got := resp.Fragments[0].GeographyIDs; len(got) != 1 || got[0] != 1 {
		t.Fatalf("fragment geographies = %v, want [1]", got)
	}
}

func TestHandleClip_RejectsBadRequests(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"not json", []byte(`{`)},
		{"missing feature", []byte(`{"geographies":[]}`)},
		{"point geometry", clipBody(t, orb.Point{1, 2})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, resp := postClip(t, passthroughFn(t), tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if resp.Success || resp.Error == "" {
				t.Fatalf("response = %+v, want failure with error", resp)
			}
		})
	}
}

func TestHandleClip_PointGeometryError(t *testing.T) {
	_, resp := postClip(t, passthroughFn(t), clipBody(t, orb.Point{1, 2}))
	if !strings.Contains(resp.Error, "not a polygon or multipolygon") {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestHandleClip_SaturatedPoolIs503(t *testing.T) {
	square := orb.Polygon{{{0, 0}, {4, 0}, {4, 4}, {0, 4}, {0, 0}}}
	saturated := func(context.Context, *engine.PreparedSketch, string, geo.Op, *cql2.Query) (*engine.PolygonClipResult, error) {
		return nil, worker.ErrSaturated
	}

	rr, resp := postClip(t, saturated, clipBody(t, square))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if resp.Success {
		t.Fatal("saturated clip reported success")
	}
}
