package utm

import (
	"math"
	"testing"
)

func closeTo(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestZoneOf(t *testing.T) {
	testCases := []struct {
		lon  float64
		want int
	}{
		{-180, 1},
		{-174.0001, 1},
		{-174, 2},
		{-0.0001, 30},
		{0, 31},
		{3, 31},
		{6.86487244, 32},
		{179, 60},
		{179.9999, 60},
		{180, 60},
	}
	for _, tc := range testCases {
		if got := ZoneOf(tc.lon); got != tc.want {
			t.Errorf("ZoneOf(%f) = %d, want %d", tc.lon, got, tc.want)
		}
	}

	for lon := -180.0; lon < 180; lon += 0.5 {
		z := ZoneOf(lon)
		if z < 1 || z > 60 {
			t.Fatalf("ZoneOf(%f) = %d, outside [1,60]", lon, z)
		}
	}
}

func TestHemisphereOf(t *testing.T) {
	if HemisphereOf(0) != North || HemisphereOf(45.8) != North {
		t.Error("expected northern hemisphere for lat >= 0")
	}
	if HemisphereOf(-0.0001) != South {
		t.Error("expected southern hemisphere for negative lat")
	}
}

func TestToProjectedReferencePoints(t *testing.T) {
	testCases := []struct {
		name         string
		lat, lon     float64
		wantEasting  float64
		wantNorthing float64
		wantZone     int
		wantHemi     Hemisphere
	}{
		{"equator on central meridian", 0, 3, 500000, 0, 31, North},
		// k0 * meridian arc of 45 degrees (4 984 944.378 m).
		{"45N on central meridian", 45, 3, 500000, 4982950.400, 31, North},
		{"45S on central meridian", -45, 3, 500000, 10000000 - 4982950.400, 31, South},
		{"equator south of zone 33", -0.000001, 15, 500000, 10000000, 33, South},
		{"San Francisco", 37.7749, -122.4194, 551130.768, 4180998.882, 10, North},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := ToProjected(tc.lat, tc.lon)
			if p.Zone != tc.wantZone || p.Hemisphere != tc.wantHemi {
				t.Fatalf("zone = %d%s, want %d%s", p.Zone, p.Hemisphere, tc.wantZone, tc.wantHemi)
			}
			if !closeTo(p.Easting, tc.wantEasting, 0.5) || !closeTo(p.Northing, tc.wantNorthing, 0.5) {
				t.Errorf("ToProjected(%f, %f) = %s, want %.3fE %.3fN", tc.lat, tc.lon, p, tc.wantEasting, tc.wantNorthing)
			}
		})
	}
}

func TestToProjectedSymmetry(t *testing.T) {
	// Eastings mirror around the central meridian, northings do not change.
	for _, lat := range []float64{-60, -20, 0.5, 35, 60} {
		for _, d := range []float64{0.5, 1.5, 2.9} {
			east := ToProjected(lat, 9+d)
			west := ToProjectedInZone(lat, 9-d, 32, HemisphereOf(lat))
			if !closeTo(east.Easting-falseEasting, falseEasting-west.Easting, 1e-6) {
				t.Errorf("lat %f offset %f: easting not symmetric: %f vs %f", lat, d, east.Easting, west.Easting)
			}
			if !closeTo(east.Northing, west.Northing, 1e-6) {
				t.Errorf("lat %f offset %f: northing differs: %f vs %f", lat, d, east.Northing, west.Northing)
			}
		}
	}
}

func TestRoundTrip(t *testing.T) {
	points := []struct{ lat, lon float64 }{
		{45.83291118, 6.86487244},
		{45.84747045, 6.87557563},
		{0.1, -2.9},
		{-33.8688, 151.2093},
		{60.1699, 24.9384},
		{-54.8, -68.3},
		{37.7749, -122.4194},
		{1.3521, 103.8198},
	}
	for _, p := range points {
		proj := ToProjected(p.lat, p.lon)
		lat, lon := ToGeographic(proj)
		if !closeTo(lat, p.lat, 1e-6) || !closeTo(lon, p.lon, 1e-6) {
			t.Errorf("round trip of (%f, %f) via %s gave (%.9f, %.9f)", p.lat, p.lon, proj, lat, lon)
		}
	}
}

func TestToPixel(t *testing.T) {
	const originE, originN, size = 300000.0, 5070000.0, 10.0

	testCases := []struct {
		name  string
		e, n  float64
		wantX int
		wantY int
	}{
		{"origin", originE, originN, 0, 0},
		{"100 m east", originE + 100, originN, 10, 0},
		{"100 m north", originE, originN + 100, 0, 10},
		{"inside first pixel", originE + 9.99, originN + 0.01, 0, 0},
		{"south west of origin", originE - 5, originN - 5, -1, -1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ToPixel(ProjectedCoord{Easting: tc.e, Northing: tc.n, Zone: 32}, originE, originN, size)
			if got.X != tc.wantX || got.Y != tc.wantY {
				t.Errorf("ToPixel = (%d,%d), want (%d,%d)", got.X, got.Y, tc.wantX, tc.wantY)
			}
		})
	}
}

func TestWindowFor(t *testing.T) {
	sw := ToProjected(45.80, 6.85)
	originE := math.Floor(sw.Easting/1000)*1000 - 1000
	originN := math.Floor(sw.Northing/1000)*1000 - 1000

	box := GeoBox{MinLng: 6.85, MinLat: 45.80, MaxLng: 6.86, MaxLat: 45.81}
	win := WindowFor(box, 32, North, originE, originN, 10)

	swPix := ToPixel(sw, originE, originN, 10)
	nePix := ToPixel(ToProjectedInZone(45.81, 6.86, 32, North), originE, originN, 10)

	if win.X != swPix.X || win.Y != swPix.Y {
		t.Errorf("window origin = (%d,%d), want south west pixel (%d,%d)", win.X, win.Y, swPix.X, swPix.Y)
	}
	if win.Width != nePix.X-swPix.X+1 || win.Height != nePix.Y-swPix.Y+1 {
		t.Errorf("window size = %dx%d, want inclusive span %dx%d", win.Width, win.Height, nePix.X-swPix.X+1, nePix.Y-swPix.Y+1)
	}
	// Roughly 780 m by 1110 m at 10 m per pixel.
	if win.Width < 70 || win.Width > 90 || win.Height < 105 || win.Height > 120 {
		t.Errorf("unexpected window size %s", win)
	}

	point := GeoBox{MinLng: 6.85, MinLat: 45.80, MaxLng: 6.85, MaxLat: 45.80}
	if w := WindowFor(point, 32, North, originE, originN, 10); w.Width != 1 || w.Height != 1 {
		t.Errorf("degenerate box window = %s, want 1x1", w)
	}

	inverted := GeoBox{MinLng: 6.86, MinLat: 45.81, MaxLng: 6.85, MaxLat: 45.80}
	if w := WindowFor(inverted, 32, North, originE, originN, 10); !w.Empty() {
		t.Errorf("inverted box window = %s, want empty", w)
	}
}

func TestGeoBoxValidate(t *testing.T) {
	testCases := []struct {
		name    string
		box     GeoBox
		wantErr bool
	}{
		{"valid", GeoBox{6.8, 45.8, 6.9, 45.9}, false},
		{"point", GeoBox{6.8, 45.8, 6.8, 45.8}, false},
		{"swapped longitudes", GeoBox{6.9, 45.8, 6.8, 45.9}, true},
		{"swapped latitudes", GeoBox{6.8, 45.9, 6.9, 45.8}, true},
		{"out of range", GeoBox{-181, 0, 0, 1}, true},
		{"nan", GeoBox{math.NaN(), 0, 0, 1}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.box.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
