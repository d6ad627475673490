package h3mapper

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/model"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/geometry"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

// CellForPolygon returns the cell containing the polygon's area centroid.
func (m *Mapper) CellForPolygon(poly model.Polygon, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	lat, lng, err := geometry.Centroid(poly)
	if err != nil {
		return "", err
	}
	c, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return c.String(), nil
}

// CellsForPolygon returns the sorted, unique cells whose centers fall inside
// the polygon.
func (m *Mapper) CellsForPolygon(poly model.Polygon, res int) ([]string, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}

	var polys []orb.Polygon
	switch g := poly.Geometry.(type) {
	case orb.Polygon:
		polys = []orb.Polygon{g}
	case orb.MultiPolygon:
		polys = g
	case nil:
		return nil, errors.New("empty polygon")
	default:
		return nil, fmt.Errorf("unsupported geometry type: %s", g.GeoJSONType())
	}

	seen := make(map[string]struct{})
	var out []string
	for pi, p := range polys {
		if len(p) == 0 {
			return nil, fmt.Errorf("polygon %d is empty", pi)
		}
		gp := h3.GeoPolygon{GeoLoop: toLoop(p[0])}
		for _, hole := range p[1:] {
			gp.Holes = append(gp.Holes, toLoop(hole))
		}
		cells, err := h3.PolygonToCells(gp, res)
		if err != nil {
			return nil, fmt.Errorf("h3 polyfill: %w", err)
		}
		for _, c := range cells {
			s := c.String()
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// toLoop drops the closing vertex; h3 loops are implicitly closed.
func toLoop(r orb.Ring) h3.GeoLoop {
	loop := make(h3.GeoLoop, 0, len(r))
	for _, pt := range r {
		loop = append(loop, h3.NewLatLng(pt.Lat(), pt.Lon()))
	}
	if n := len(loop); n >= 2 && loop[0] == loop[n-1] {
		loop = loop[:n-1]
	}
	return loop
}
