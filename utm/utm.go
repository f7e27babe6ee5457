// Package utm converts between WGS84 geographic coordinates and Universal
// Transverse Mercator projected coordinates, and derives pixel windows in
// the bottom-up native grid of projected embedding tiles.
package utm

import (
	"fmt"
	"math"
)

// WGS84 ellipsoid and UTM projection constants.
const (
	semiMajorAxis  = 6378137.0
	flattening     = 1 / 298.257223563
	scaleFactor    = 0.9996
	falseEasting   = 500000.0
	falseNorthingS = 10000000.0
)

const (
	e2  = flattening * (2 - flattening) // first eccentricity squared
	ep2 = e2 / (1 - e2)                 // second eccentricity squared
	e4  = e2 * e2
	e6  = e4 * e2
)

type Hemisphere int

const (
	North Hemisphere = iota
	South
)

func (h Hemisphere) String() string {
	if h == South {
		return "S"
	}
	return "N"
}

// ProjectedCoord is a position in a UTM zone.
type ProjectedCoord struct {
	Easting    float64
	Northing   float64
	Zone       int
	Hemisphere Hemisphere
}

func (p ProjectedCoord) String() string {
	return fmt.Sprintf("%d%s %.3fE %.3fN", p.Zone, p.Hemisphere, p.Easting, p.Northing)
}

// PixelIndex addresses a pixel in a tile's native grid, x eastward and
// y northward.
type PixelIndex struct{ X, Y int }

// PixelWindow is a rectangle of a tile's native grid. Y is the southern
// edge since native row 0 is the southernmost row.
type PixelWindow struct {
	X, Y          int
	Width, Height int
}

// Empty reports whether the window covers no pixel.
func (w PixelWindow) Empty() bool { return w.Width <= 0 || w.Height <= 0 }

func (w PixelWindow) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", w.X, w.Y, w.Width, w.Height)
}

// ZoneOf returns the UTM zone number of a longitude in [-180, 180).
// Longitudes at or beyond 180 are folded into zone 60.
func ZoneOf(lon float64) int {
	z := int(math.Floor((lon+180)/6)) + 1
	if z < 1 {
		return 1
	}
	if z > 60 {
		return 60
	}
	return z
}

// HemisphereOf returns North for latitudes >= 0.
func HemisphereOf(lat float64) Hemisphere {
	if lat < 0 {
		return South
	}
	return North
}

// CentralMeridian returns the central meridian of a zone in degrees.
func CentralMeridian(zone int) float64 {
	return float64(zone-1)*6 - 180 + 3
}

// ToProjected projects a WGS84 position into its own UTM zone.
func ToProjected(lat, lon float64) ProjectedCoord {
	return ToProjectedInZone(lat, lon, ZoneOf(lon), HemisphereOf(lat))
}

// ToProjectedInZone projects a WGS84 position into the given zone, which
// may differ from the position's natural zone.
func ToProjectedInZone(lat, lon float64, zone int, hemi Hemisphere) ProjectedCoord {
	phi := lat * math.Pi / 180
	lambda := lon * math.Pi / 180
	lambda0 := CentralMeridian(zone) * math.Pi / 180

	sinPhi, cosPhi := math.Sincos(phi)
	tanPhi := math.Tan(phi)

	n := semiMajorAxis / math.Sqrt(1-e2*sinPhi*sinPhi)
	t := tanPhi * tanPhi
	c := ep2 * cosPhi * cosPhi
	a := cosPhi * (lambda - lambda0)
	m := meridianArc(phi)

	a2 := a * a
	a3 := a2 * a
	a4 := a3 * a
	a5 := a4 * a
	a6 := a5 * a

	easting := scaleFactor*n*(a+
		(1-t+c)*a3/6+
		(5-18*t+t*t+72*c-58*ep2)*a5/120) + falseEasting

	northing := scaleFactor * (m + n*tanPhi*(a2/2+
		(5-t+9*c+4*c*c)*a4/24+
		(61-58*t+t*t+600*c-330*ep2)*a6/720))

	if hemi == South {
		northing += falseNorthingS
	}

	return ProjectedCoord{Easting: easting, Northing: northing, Zone: zone, Hemisphere: hemi}
}

// ToGeographic inverts ToProjectedInZone and returns latitude and longitude
// in degrees.
func ToGeographic(p ProjectedCoord) (lat, lon float64) {
	x := p.Easting - falseEasting
	y := p.Northing
	if p.Hemisphere == South {
		y -= falseNorthingS
	}

	m := y / scaleFactor
	mu := m / (semiMajorAxis * (1 - e2/4 - 3*e4/64 - 5*e6/256))

	sq := math.Sqrt(1 - e2)
	e1 := (1 - sq) / (1 + sq)
	e1p2 := e1 * e1
	e1p3 := e1p2 * e1
	e1p4 := e1p3 * e1

	phi1 := mu +
		(3*e1/2-27*e1p3/32)*math.Sin(2*mu) +
		(21*e1p2/16-55*e1p4/32)*math.Sin(4*mu) +
		(151*e1p3/96)*math.Sin(6*mu) +
		(1097*e1p4/512)*math.Sin(8*mu)

	sinPhi1, cosPhi1 := math.Sincos(phi1)
	tanPhi1 := math.Tan(phi1)

	c1 := ep2 * cosPhi1 * cosPhi1
	t1 := tanPhi1 * tanPhi1
	w := 1 - e2*sinPhi1*sinPhi1
	n1 := semiMajorAxis / math.Sqrt(w)
	r1 := semiMajorAxis * (1 - e2) / (w * math.Sqrt(w))
	d := x / (n1 * scaleFactor)

	d2 := d * d
	d3 := d2 * d
	d4 := d3 * d
	d5 := d4 * d
	d6 := d5 * d

	phi := phi1 - (n1*tanPhi1/r1)*(d2/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*d4/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*d6/720)

	lambda := (d -
		(1+2*t1+c1)*d3/6 +
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*d5/120) / cosPhi1

	lat = phi * 180 / math.Pi
	lon = CentralMeridian(p.Zone) + lambda*180/math.Pi
	return lat, lon
}

// meridianArc is the distance along the meridian from the equator to phi.
func meridianArc(phi float64) float64 {
	return semiMajorAxis * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

// ToPixel converts a projected coordinate into the native pixel grid whose
// southwest corner is (originE, originN). Rows grow northward.
func ToPixel(p ProjectedCoord, originE, originN, pixelSize float64) PixelIndex {
	return PixelIndex{
		X: int(math.Floor((p.Easting - originE) / pixelSize)),
		Y: int(math.Floor((p.Northing - originN) / pixelSize)),
	}
}

// WindowFor returns the native pixel window covering box once projected
// into the given zone. The window is anchored on the southwest corner and
// includes the pixels holding both the southwest and northeast corners.
func WindowFor(box GeoBox, zone int, hemi Hemisphere, originE, originN, pixelSize float64) PixelWindow {
	sw := ToPixel(ToProjectedInZone(box.MinLat, box.MinLng, zone, hemi), originE, originN, pixelSize)
	ne := ToPixel(ToProjectedInZone(box.MaxLat, box.MaxLng, zone, hemi), originE, originN, pixelSize)
	return PixelWindow{
		X:      sw.X,
		Y:      sw.Y,
		Width:  ne.X - sw.X + 1,
		Height: ne.Y - sw.Y + 1,
	}
}
