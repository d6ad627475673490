// Package geometry parses and validates the GeoJSON geometries that cross the
// service boundary: query polygons on the way in and per-row geometries on the
// way out to the publishing platform.
package geometry

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/model"
)

var (
	ErrInvalidPolygon  = errors.New("invalid polygon")
	ErrInvalidGeometry = errors.New("invalid geometry")
)

// ParsePolygon decodes an untrusted GeoJSON Polygon or MultiPolygon and
// returns it with a canonical re-encoding.
func ParsePolygon(raw []byte) (model.Polygon, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return model.Polygon{}, fmt.Errorf("%w: missing", ErrInvalidPolygon)
	}

	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return model.Polygon{}, fmt.Errorf("%w: %v", ErrInvalidPolygon, err)
	}
	if g == nil || g.Coordinates == nil {
		return model.Polygon{}, fmt.Errorf("%w: no coordinates", ErrInvalidPolygon)
	}

	switch geom := g.Coordinates.(type) {
	case orb.Polygon:
		if err := checkPolygon(geom); err != nil {
			return model.Polygon{}, fmt.Errorf("%w: %v", ErrInvalidPolygon, err)
		}
	case orb.MultiPolygon:
		if len(geom) == 0 {
			return model.Polygon{}, fmt.Errorf("%w: empty multipolygon", ErrInvalidPolygon)
		}
		for i, p := range geom {
			if err := checkPolygon(p); err != nil {
				return model.Polygon{}, fmt.Errorf("%w: polygon %d: %v", ErrInvalidPolygon, i, err)
			}
		}
	default:
		return model.Polygon{}, fmt.Errorf("%w: unsupported type %s", ErrInvalidPolygon, g.Coordinates.GeoJSONType())
	}

	canon, err := geojson.NewGeometry(g.Coordinates).MarshalJSON()
	if err != nil {
		return model.Polygon{}, fmt.Errorf("%w: encode: %v", ErrInvalidPolygon, err)
	}
	return model.Polygon{GeoJSON: string(canon), Geometry: g.Coordinates}, nil
}

// ParseGeometry accepts any GeoJSON geometry type, as produced by
// ST_AsGeoJSON for a matched row.
func ParseGeometry(s string) (orb.Geometry, error) {
	g, err := geojson.UnmarshalGeometry([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	if g == nil || g.Coordinates == nil {
		return nil, fmt.Errorf("%w: no coordinates", ErrInvalidGeometry)
	}
	if err := checkFinite(g.Coordinates); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	return g.Coordinates, nil
}

// Centroid returns the area-weighted centroid of the polygon as (lat, lng).
func Centroid(p model.Polygon) (lat, lng float64, err error) {
	if p.Geometry == nil {
		return 0, 0, fmt.Errorf("%w: empty", ErrInvalidPolygon)
	}
	c, _ := planar.CentroidArea(p.Geometry)
	return c.Lat(), c.Lon(), nil
}

func checkPolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return errors.New("no rings")
	}
	for i, ring := range p {
		if len(ring) < 4 {
			return fmt.Errorf("ring %d has %d positions, need at least 4", i, len(ring))
		}
		if !ring.Closed() {
			return fmt.Errorf("ring %d is not closed", i)
		}
		for _, pt := range ring {
			if err := checkPoint(pt); err != nil {
				return fmt.Errorf("ring %d: %w", i, err)
			}
		}
	}
	return nil
}

func checkPoint(pt orb.Point) error {
	lon, lat := pt[0], pt[1]
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return errors.New("non-finite coordinate")
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return fmt.Errorf("coordinate (%g, %g) out of range", lon, lat)
	}
	return nil
}

func checkFinite(g orb.Geometry) error {
	var bad bool
	visit(g, func(pt orb.Point) {
		if math.IsNaN(pt[0]) || math.IsNaN(pt[1]) || math.IsInf(pt[0], 0) || math.IsInf(pt[1], 0) {
			bad = true
		}
	})
	if bad {
		return errors.New("non-finite coordinate")
	}
	return nil
}

func visit(g orb.Geometry, fn func(orb.Point)) {
	switch v := g.(type) {
	case orb.Point:
		fn(v)
	case orb.MultiPoint:
		for _, p := range v {
			fn(p)
		}
	case orb.LineString:
		for _, p := range v {
			fn(p)
		}
	case orb.MultiLineString:
		for _, ls := range v {
			visit(ls, fn)
		}
	case orb.Ring:
		for _, p := range v {
			fn(p)
		}
	case orb.Polygon:
		for _, r := range v {
			visit(r, fn)
		}
	case orb.MultiPolygon:
		for _, p := range v {
			visit(p, fn)
		}
	case orb.Collection:
		for _, c := range v {
			visit(c, fn)
		}
	case orb.Bound:
		fn(v.Min)
		fn(v.Max)
	}
}
