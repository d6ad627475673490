// Package mapper converts query polygons into H3 cells.
package mapper

import (
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/model"
)

type Interface interface {
	CellForPolygon(poly model.Polygon, res int) (string, error)
	CellsForPolygon(poly model.Polygon, res int) ([]string, error)
}
