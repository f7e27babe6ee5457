package embedding

import (
	"errors"
	"fmt"
)

// Polygon is a simple ring of [lng, lat] vertices, GeoJSON order. Closing
// the ring by repeating the first vertex is optional.
type Polygon [][2]float64

// Validate requires at least three vertices.
func (p Polygon) Validate() error {
	if len(p) < 3 {
		return fmt.Errorf("polygon needs at least 3 vertices, got %d", len(p))
	}
	return nil
}

// Contains runs the even-odd ray casting test.
func (p Polygon) Contains(lat, lon float64) bool {
	inside := false
	for i, j := 0, len(p)-1; i < len(p); j, i = i, i+1 {
		xi, yi := p[i][0], p[i][1]
		xj, yj := p[j][0], p[j][1]
		if (yi > lat) != (yj > lat) && lon < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// ApplyPolygon marks the cells whose center falls inside poly. Cells outside
// are never scored nor picked.
func ApplyPolygon(g *Grid, poly Polygon) error {
	if g == nil {
		return errors.New("nil grid")
	}
	if err := poly.Validate(); err != nil {
		return err
	}
	roi := make([]bool, g.Len())
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			lat, lon := g.CellCenter(x, y)
			roi[y*g.Width+x] = poly.Contains(lat, lon)
		}
	}
	g.InROI = roi
	return nil
}
