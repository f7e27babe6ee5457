package catalog

import (
	"context"
	"fmt"

	"github.com/akhenakh/embedsim/utm"
)

// Match is the tile covering the center of a region.
type Match struct {
	Tile TileRecord `json:"tile"`
	// FullyContained is true when the whole region lies inside the tile.
	FullyContained bool `json:"fullyContained"`
}

// Resolver answers tile lookups from a Cache.
type Resolver struct {
	cache *Cache
}

func NewResolver(cache *Cache) *Resolver {
	return &Resolver{cache: cache}
}

// FindCoveringTile returns the tile containing the center of box. A box
// whose west and east edges fall in different UTM zones is rejected with
// ErrZoneCrossing, a center outside every tile with ErrTileNotFound.
func (r *Resolver) FindCoveringTile(ctx context.Context, box utm.GeoBox) (Match, error) {
	if err := box.Validate(); err != nil {
		return Match{}, err
	}
	if w, e := utm.ZoneOf(box.MinLng), utm.ZoneOf(box.MaxLng); w != e {
		return Match{}, fmt.Errorf("%w: zones %d and %d", ErrZoneCrossing, w, e)
	}

	records, err := r.cache.Load(ctx)
	if err != nil {
		return Match{}, fmt.Errorf("failed to load catalog: %w", err)
	}

	lat, lon := box.Center()
	for _, t := range records {
		if t.Geographic.Contains(lat, lon) {
			return Match{Tile: t, FullyContained: t.Geographic.ContainsBox(box)}, nil
		}
	}
	return Match{}, fmt.Errorf("%w: center (%f, %f)", ErrTileNotFound, lat, lon)
}
