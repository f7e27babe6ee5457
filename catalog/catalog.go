// Package catalog indexes the embedding tiles and finds the one covering a
// region.
package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/akhenakh/embedsim/utm"
)

var (
	ErrZoneCrossing = errors.New("region spans more than one UTM zone")
	ErrTileNotFound = errors.New("no tile covers the region")
)

// ProjectedBounds is a rectangle in a tile's UTM coordinates, metres.
type ProjectedBounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// TileRecord describes one stored tile.
type TileRecord struct {
	ProjectionID string          `json:"projectionId"`
	Locator      string          `json:"locator"`
	Year         int             `json:"year"`
	ZoneLabel    string          `json:"zoneLabel"`
	Projected    ProjectedBounds `json:"projected"`
	Geographic   utm.GeoBox      `json:"geographic"`
}

// Zone returns the UTM zone of the tile from its EPSG code, falling back to
// the zone label.
func (t TileRecord) Zone() (int, utm.Hemisphere, error) {
	code := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(t.ProjectionID)), "EPSG:")
	if n, err := strconv.Atoi(code); err == nil {
		switch {
		case n >= 32601 && n <= 32660:
			return n - 32600, utm.North, nil
		case n >= 32701 && n <= 32760:
			return n - 32700, utm.South, nil
		}
	}

	label := strings.ToUpper(strings.TrimSpace(t.ZoneLabel))
	hemi := utm.HemisphereOf((t.Geographic.MinLat + t.Geographic.MaxLat) / 2)
	switch {
	case strings.HasSuffix(label, "N"):
		hemi, label = utm.North, strings.TrimSuffix(label, "N")
	case strings.HasSuffix(label, "S"):
		hemi, label = utm.South, strings.TrimSuffix(label, "S")
	}
	zone, err := strconv.Atoi(label)
	if err != nil || zone < 1 || zone > 60 {
		return 0, 0, fmt.Errorf("tile %s: cannot derive a UTM zone from %q / %q", t.Locator, t.ProjectionID, t.ZoneLabel)
	}
	return zone, hemi, nil
}

// TileOrigin returns the projected south west corner of the tile, the
// origin of its bottom-up pixel grid.
func TileOrigin(t TileRecord) (x, y float64) {
	return t.Projected.West, t.Projected.South
}

const sourceCoopHost = "data.source.coop"

// HTTPSLocator rewrites object storage URIs to their public HTTPS endpoint.
// Other locators are returned unchanged.
func HTTPSLocator(locator string) string {
	u, err := url.Parse(locator)
	if err != nil || u.Host == "" {
		return locator
	}
	key := strings.TrimPrefix(u.Path, "/")
	switch strings.ToLower(u.Scheme) {
	case "s3":
		if strings.Contains(u.Host, "source.coop") {
			return "https://" + sourceCoopHost + "/" + key
		}
		return "https://" + u.Host + ".s3.amazonaws.com/" + key
	case "gs":
		return "https://storage.googleapis.com/" + u.Host + "/" + key
	}
	return locator
}
