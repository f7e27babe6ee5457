// Package explorer ties the catalog, the tile decoder and the similarity
// engine together: it resolves a region to a tile, loads the embedding
// window under it and keeps one scoring session per loaded window.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"gocloud.dev/blob"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/akhenakh/embedsim/catalog"
	"github.com/akhenakh/embedsim/embedding"
	"github.com/akhenakh/embedsim/geotiff"
	"github.com/akhenakh/embedsim/similarity"
	"github.com/akhenakh/embedsim/utm"
)

var (
	ErrInvalidWindow   = errors.New("invalid pixel window")
	ErrSessionNotFound = errors.New("session not found")
	ErrSuperseded      = errors.New("request superseded by a newer one")
	ErrNoResult        = errors.New("no similarity result yet")
)

const (
	// PixelSize is the ground size of an embedding pixel in metres, used
	// when a tile carries no pixel scale.
	PixelSize = 10.0

	// DefaultMaxWindowPixels bounds the size of a loaded window.
	DefaultMaxWindowPixels = 1 << 20

	rasterTTL = 30 * time.Minute
)

// Options configures an Explorer. The zero value reads tiles over HTTPS
// with the default client.
type Options struct {
	Client *http.Client
	// Bucket, when set, serves the tiles instead of HTTPS. Object keys are
	// the locator paths.
	Bucket *blob.Bucket
	// Limiter paces the HTTPS range requests.
	Limiter *rate.Limiter

	CacheSize        int64
	ItemsToPrune     uint32
	FetchConcurrency int
	MaxWindowPixels  int

	Metrics      *Metrics
	ScoreMetrics *similarity.Metrics
}

// raster is an opened tile and the resource to release with it.
type raster struct {
	geo    *geotiff.GeoTIFF
	closer io.Closer
}

// Explorer is the core API, safe for concurrent use.
type Explorer struct {
	catalog  *catalog.Cache
	resolver *catalog.Resolver
	opts     Options

	// tiles is shared by every opened raster, keyed by locator and tile.
	tiles   *ccache.Cache[[]byte]
	rasters *ccache.Cache[*raster]
	opening singleflight.Group
}

func New(cat *catalog.Cache, opts Options) *Explorer {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.ItemsToPrune == 0 {
		opts.ItemsToPrune = 100
	}
	if opts.MaxWindowPixels <= 0 {
		opts.MaxWindowPixels = DefaultMaxWindowPixels
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	e := &Explorer{
		catalog:  cat,
		resolver: catalog.NewResolver(cat),
		opts:     opts,
		tiles:    ccache.New(ccache.Configure[[]byte]().MaxSize(opts.CacheSize).ItemsToPrune(opts.ItemsToPrune)),
	}
	e.rasters = ccache.New(ccache.Configure[*raster]().MaxSize(64).ItemsToPrune(8).OnDelete(func(item *ccache.Item[*raster]) {
		if c := item.Value().closer; c != nil {
			c.Close()
		}
	}))
	return e
}

// Metrics returns the collectors given in Options, possibly nil.
func (e *Explorer) Metrics() *Metrics { return e.opts.Metrics }

// Close releases the caches and the opened rasters.
func (e *Explorer) Close() {
	e.rasters.ForEachFunc(func(_ string, item *ccache.Item[*raster]) bool {
		if c := item.Value().closer; c != nil {
			c.Close()
		}
		return true
	})
	e.rasters.Stop()
	e.tiles.Stop()
}

// ResolveTile finds the tile covering box.
func (e *Explorer) ResolveTile(ctx context.Context, box utm.GeoBox) (catalog.Match, error) {
	return e.resolver.FindCoveringTile(ctx, box)
}

// ReloadCatalog drops the cached catalog, the next lookup reads it again.
func (e *Explorer) ReloadCatalog() {
	e.catalog.Clear()
	slog.Info("catalog cleared")
}

// LoadWindow decodes the pixels of tile under box into a north-up grid of
// unit vectors. When poly is not nil, pixels outside it are excluded from
// scoring.
func (e *Explorer) LoadWindow(ctx context.Context, tile catalog.TileRecord, box utm.GeoBox, poly embedding.Polygon) (*embedding.Grid, error) {
	start := time.Now()
	if err := box.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWindow, err)
	}
	if box.MinLng == box.MaxLng || box.MinLat == box.MaxLat {
		return nil, fmt.Errorf("%w: %s has no extent", ErrInvalidWindow, box)
	}
	if poly != nil {
		if err := poly.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidWindow, err)
		}
	}
	zone, hemi, err := tile.Zone()
	if err != nil {
		return nil, err
	}

	r, err := e.raster(ctx, tile.Locator)
	if err != nil {
		e.opts.Metrics.windowFailed()
		return nil, err
	}
	pixelSize := r.geo.PixelSize()
	if pixelSize <= 0 {
		pixelSize = PixelSize
	}

	originE, originN := catalog.TileOrigin(tile)
	win := utm.WindowFor(box, zone, hemi, originE, originN, pixelSize)
	if win.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWindow, win)
	}
	if win.Width*win.Height > e.opts.MaxWindowPixels {
		return nil, fmt.Errorf("%w: %s exceeds %d pixels", ErrInvalidWindow, win, e.opts.MaxWindowPixels)
	}

	block, err := r.geo.ReadWindow(ctx, image.Rect(win.X, win.Y, win.X+win.Width, win.Y+win.Height))
	if err != nil {
		e.opts.Metrics.windowFailed()
		return nil, fmt.Errorf("failed to read window %s of %s: %w", win, tile.Locator, err)
	}
	if block.Bands != embedding.Bands {
		slog.Warn("unexpected band count", "locator", tile.Locator, "bands", block.Bands)
	}

	grid, err := embedding.Dequantize(block, box)
	if err != nil {
		e.opts.Metrics.windowFailed()
		return nil, &geotiff.DecodeError{Op: "dequantize", Err: err}
	}
	if poly != nil {
		if err := embedding.ApplyPolygon(grid, poly); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidWindow, err)
		}
	}

	e.opts.Metrics.observeWindow(time.Since(start).Seconds(), grid.Len())
	slog.Debug("window loaded",
		"locator", tile.Locator,
		"window", win.String(),
		"zone", zone,
		"hemisphere", hemi.String(),
		"duration", time.Since(start),
	)
	return grid, nil
}

// PickReference returns the vector of the pixel under (lat, lon).
func (e *Explorer) PickReference(g *embedding.Grid, lat, lon float64) (embedding.Reference, error) {
	return embedding.PickReference(g, lat, lon)
}

// ExportRaster encodes scores as a single band float32 GeoTIFF.
func (e *Explorer) ExportRaster(g *similarity.Grid) ([]byte, error) {
	if g == nil {
		return nil, ErrNoResult
	}
	return geotiff.EncodeFloat32(g.Width, g.Height, g.Scores, geotiff.GeoBounds{
		MinLon: g.Bounds.MinLng,
		MinLat: g.Bounds.MinLat,
		MaxLon: g.Bounds.MaxLng,
		MaxLat: g.Bounds.MaxLat,
	})
}

// raster returns the opened tile at locator, opening it once for all
// concurrent callers.
func (e *Explorer) raster(ctx context.Context, locator string) (*raster, error) {
	if item := e.rasters.Get(locator); item != nil && !item.Expired() {
		item.Extend(rasterTTL)
		return item.Value(), nil
	}

	// The opened raster is shared, a caller giving up does not fail the
	// others waiting on it.
	openCtx := context.WithoutCancel(ctx)
	ch := e.opening.DoChan(locator, func() (interface{}, error) {
		if item := e.rasters.Get(locator); item != nil && !item.Expired() {
			return item.Value(), nil
		}
		r, err := e.open(openCtx, locator)
		if err != nil {
			return nil, err
		}
		e.rasters.Set(locator, r, rasterTTL)
		e.opts.Metrics.rasterOpened()
		return r, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*raster), nil
	}
}

func (e *Explorer) open(ctx context.Context, locator string) (*raster, error) {
	var (
		rs     io.ReadSeeker
		closer io.Closer
	)
	u, perr := url.Parse(locator)
	switch {
	case e.opts.Bucket != nil:
		key := locator
		if perr == nil && u.Scheme != "" {
			key = strings.TrimPrefix(u.Path, "/")
		}
		br, err := geotiff.NewBlobReader(ctx, e.opts.Bucket, key)
		if err != nil {
			return nil, &geotiff.DecodeError{Op: "open", Err: err}
		}
		rs = br
	case perr == nil && (u.Scheme == "http" || u.Scheme == "https"):
		hr, err := geotiff.NewHTTPRangeReader(ctx, locator, e.opts.Client)
		if err != nil {
			return nil, &geotiff.DecodeError{Op: "open", Err: err}
		}
		if e.opts.Limiter != nil {
			hr.WithLimiter(e.opts.Limiter)
		}
		rs = hr
	default:
		f, err := os.Open(strings.TrimPrefix(locator, "file://"))
		if err != nil {
			return nil, &geotiff.DecodeError{Op: "open", Err: err}
		}
		rs, closer = f, f
	}

	geo, err := geotiff.Open(rs, geotiff.Options{
		Name:             locator,
		Cache:            e.tiles,
		Fill:             embedding.NoData,
		FetchConcurrency: e.opts.FetchConcurrency,
	})
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("failed to open %s: %w", locator, err)
	}
	attrs := []any{
		"locator", locator,
		"width", geo.Width(),
		"height", geo.Height(),
		"bands", geo.SamplesPerPixel(),
		"compression", geo.Compression(),
		"epsg", geo.EPSG(),
	}
	if cc, err := geo.Bounds(); err == nil {
		attrs = append(attrs, "corners", cc.String())
	}
	slog.Info("raster opened", attrs...)
	return &raster{geo: geo, closer: closer}, nil
}
