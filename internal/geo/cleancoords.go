package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// CleanCoordinates normalizes every coordinate of a geometry into valid world
// bounds: longitude in [-180, 180] and latitude in [-90, 90], using
// modulo-based wraparound (190 becomes -170). MultiPoint members are
// deduplicated. Clipping libraries misbehave on out-of-bounds input, so the
// engine runs every user-supplied geometry through this first.
func CleanCoordinates(g orb.Geometry) (orb.Geometry, error) {
	if g == nil {
		return nil, ErrInvalidInput
	}
	switch geom := g.(type) {
	case orb.Point:
		return cleanPoint(geom), nil
	case orb.MultiPoint:
		seen := make(map[orb.Point]struct{}, len(geom))
		out := make(orb.MultiPoint, 0, len(geom))
		for _, pt := range geom {
			p := cleanPoint(pt)
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
		return out, nil
	case orb.LineString:
		return orb.LineString(cleanLine(geom)), nil
	case orb.MultiLineString:
		out := make(orb.MultiLineString, 0, len(geom))
		for _, ls := range geom {
			out = append(out, orb.LineString(cleanLine(ls)))
		}
		return out, nil
	case orb.Ring:
		return orb.Ring(cleanLine(orb.LineString(geom))), nil
	case orb.Polygon:
		return cleanPolygon(geom), nil
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, 0, len(geom))
		for _, poly := range geom {
			out = append(out, cleanPolygon(poly))
		}
		return out, nil
	case orb.Collection:
		out := make(orb.Collection, 0, len(geom))
		for _, member := range geom {
			cleaned, err := CleanCoordinates(member)
			if err != nil {
				return nil, err
			}
			out = append(out, cleaned)
		}
		return out, nil
	default:
		return nil, &UnsupportedGeometryError{Type: g.GeoJSONType()}
	}
}

func cleanPolygon(p orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, 0, len(p))
	for _, ring := range p {
		out = append(out, orb.Ring(cleanLine(orb.LineString(ring))))
	}
	return out
}

func cleanLine(ls orb.LineString) []orb.Point {
	out := make([]orb.Point, 0, len(ls))
	for _, pt := range ls {
		out = append(out, cleanPoint(pt))
	}
	return out
}

func cleanPoint(pt orb.Point) orb.Point {
	return orb.Point{Longitude(pt[0]), Latitude(pt[1])}
}

// Longitude wraps a longitude into [-180, 180].
func Longitude(lng float64) float64 {
	if lng > 180 || lng < -180 {
		lng = math.Mod(lng, 360)
		if lng > 180 {
			lng = -360 + lng
		}
		if lng < -180 {
			lng = 360 + lng
		}
		if lng == 0 {
			lng = 0 // avoid negative zero
		}
	}
	return lng
}

// Latitude wraps a latitude into [-90, 90].
func Latitude(lat float64) float64 {
	if lat > 90 || lat < -90 {
		lat = math.Mod(lat, 180)
		if lat > 90 {
			lat = -180 + lat
		}
		if lat < -90 {
			lat = 180 + lat
		}
		if lat == 0 {
			lat = 0
		}
	}
	return lat
}
