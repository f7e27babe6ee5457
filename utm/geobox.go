package utm

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidBox = errors.New("invalid bounding box")

// GeoBox is a geographic rectangle in WGS84 degrees.
type GeoBox struct {
	MinLng float64 `json:"minLng"`
	MinLat float64 `json:"minLat"`
	MaxLng float64 `json:"maxLng"`
	MaxLat float64 `json:"maxLat"`
}

// Validate checks that the box is finite, ordered and inside the WGS84 range.
func (b GeoBox) Validate() error {
	for _, v := range []float64{b.MinLng, b.MinLat, b.MaxLng, b.MaxLat} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non finite coordinate", ErrInvalidBox)
		}
	}
	if b.MinLng > b.MaxLng || b.MinLat > b.MaxLat {
		return fmt.Errorf("%w: min exceeds max in %s", ErrInvalidBox, b)
	}
	if b.MinLng < -180 || b.MaxLng > 180 || b.MinLat < -90 || b.MaxLat > 90 {
		return fmt.Errorf("%w: %s outside WGS84 range", ErrInvalidBox, b)
	}
	return nil
}

// Center returns the center point as (lat, lon).
func (b GeoBox) Center() (lat, lon float64) {
	return (b.MinLat + b.MaxLat) / 2, (b.MinLng + b.MaxLng) / 2
}

// Contains reports whether the point lies inside the box, edges included.
func (b GeoBox) Contains(lat, lon float64) bool {
	return lon >= b.MinLng && lon <= b.MaxLng && lat >= b.MinLat && lat <= b.MaxLat
}

// ContainsBox reports whether o lies entirely inside b.
func (b GeoBox) ContainsBox(o GeoBox) bool {
	return o.MinLng >= b.MinLng && o.MaxLng <= b.MaxLng && o.MinLat >= b.MinLat && o.MaxLat <= b.MaxLat
}

func (b GeoBox) String() string {
	return fmt.Sprintf("(Lon: %f, Lat: %f)-(Lon: %f, Lat: %f)", b.MinLng, b.MinLat, b.MaxLng, b.MaxLat)
}
