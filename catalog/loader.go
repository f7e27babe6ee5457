package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/akhenakh/embedsim/geotiff"
	"github.com/akhenakh/embedsim/utm"
)

// Row is the parquet schema of the tile index. Pointer columns are optional,
// rows missing a required value are skipped.
type Row struct {
	CRS        *string  `parquet:"crs"`
	Path       *string  `parquet:"path"`
	Year       *int64   `parquet:"year"`
	UTMZone    *string  `parquet:"utm_zone"`
	UTMWest    *float64 `parquet:"utm_west"`
	UTMSouth   *float64 `parquet:"utm_south"`
	UTMEast    *float64 `parquet:"utm_east"`
	UTMNorth   *float64 `parquet:"utm_north"`
	WGS84West  *float64 `parquet:"wgs84_west"`
	WGS84South *float64 `parquet:"wgs84_south"`
	WGS84East  *float64 `parquet:"wgs84_east"`
	WGS84North *float64 `parquet:"wgs84_north"`
}

// Record converts a row into a TileRecord with an HTTPS locator.
func (r Row) Record() (TileRecord, error) {
	if r.Path == nil || *r.Path == "" {
		return TileRecord{}, errors.New("missing path")
	}
	if r.Year == nil {
		return TileRecord{}, errors.New("missing year")
	}
	floats := []*float64{r.UTMWest, r.UTMSouth, r.UTMEast, r.UTMNorth, r.WGS84West, r.WGS84South, r.WGS84East, r.WGS84North}
	for _, f := range floats {
		if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
			return TileRecord{}, errors.New("missing or invalid bounds")
		}
	}

	t := TileRecord{
		Locator:   HTTPSLocator(*r.Path),
		Year:      int(*r.Year),
		Projected: ProjectedBounds{West: *r.UTMWest, South: *r.UTMSouth, East: *r.UTMEast, North: *r.UTMNorth},
		Geographic: utm.GeoBox{
			MinLng: *r.WGS84West, MinLat: *r.WGS84South,
			MaxLng: *r.WGS84East, MaxLat: *r.WGS84North,
		},
	}
	if r.CRS != nil {
		t.ProjectionID = *r.CRS
	}
	if r.UTMZone != nil {
		t.ZoneLabel = *r.UTMZone
	}
	if err := t.Geographic.Validate(); err != nil {
		return TileRecord{}, err
	}
	if t.Projected.West >= t.Projected.East || t.Projected.South >= t.Projected.North {
		return TileRecord{}, errors.New("empty projected bounds")
	}
	if _, _, err := t.Zone(); err != nil {
		return TileRecord{}, err
	}
	return t, nil
}

// Records converts rows of the given year, skipping invalid ones. It
// returns the number of rows skipped.
func Records(rows []Row, year int) ([]TileRecord, int) {
	out := make([]TileRecord, 0, len(rows))
	skipped := 0
	for i, r := range rows {
		if r.Year != nil && int(*r.Year) != year {
			continue
		}
		t, err := r.Record()
		if err != nil {
			skipped++
			slog.Debug("skipping catalog row", "row", i, "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, skipped
}

// ReadRows reads every row of a parquet index.
func ReadRows(r io.ReaderAt, size int64) ([]Row, error) {
	rows, err := parquet.Read[Row](r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet index: %w", err)
	}
	return rows, nil
}

// ParquetLoader returns a LoadFunc reading the index at source, a local
// path or an http(s) URL read with range requests, keeping only the tiles
// of year.
func ParquetLoader(source string, year int, client *http.Client) LoadFunc {
	return func(ctx context.Context) ([]TileRecord, error) {
		var (
			rows []Row
			err  error
		)
		if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
			var hr *geotiff.HTTPRangeReader
			hr, err = geotiff.NewHTTPRangeReader(ctx, source, client)
			if err != nil {
				return nil, fmt.Errorf("failed to open catalog %s: %w", source, err)
			}
			rows, err = ReadRows(hr, hr.Size())
		} else {
			rows, err = readLocal(source)
		}
		if err != nil {
			return nil, err
		}

		records, skipped := Records(rows, year)
		if skipped > 0 {
			slog.Warn("skipped invalid catalog rows", "source", source, "skipped", skipped)
		}
		slog.Info("catalog loaded", "source", source, "year", year, "rows", len(rows), "tiles", len(records))
		return records, nil
	}
}

func readLocal(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog: %w", err)
	}
	return ReadRows(f, st.Size())
}

// FilterYear writes the rows of year to a zstd compressed parquet file and
// returns how many were kept.
func FilterYear(rows []Row, year int, dst string) (int, error) {
	kept := make([]Row, 0, len(rows))
	for _, r := range rows {
		if r.Year != nil && int(*r.Year) == year {
			kept = append(kept, r)
		}
	}
	if err := parquet.WriteFile(dst, kept, parquet.Compression(&parquet.Zstd)); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return len(kept), nil
}
