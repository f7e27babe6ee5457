package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/akhenakh/embedsim/utm"
)

func ptr[T any](v T) *T { return &v }

// tileRow builds a valid row for a 0.1 degree tile with its south west
// corner at (lat, lon).
func tileRow(path string, year int64, crs, zone string, lat, lon float64) Row {
	return Row{
		CRS:        ptr(crs),
		Path:       ptr(path),
		Year:       ptr(year),
		UTMZone:    ptr(zone),
		UTMWest:    ptr(300000.0),
		UTMSouth:   ptr(5000000.0),
		UTMEast:    ptr(308000.0),
		UTMNorth:   ptr(5011000.0),
		WGS84West:  ptr(lon),
		WGS84South: ptr(lat),
		WGS84East:  ptr(lon + 0.1),
		WGS84North: ptr(lat + 0.1),
	}
}

func testRows() []Row {
	broken := tileRow("s3://us-west-2.opendata.source.coop/tge-labs/aef/v1/annual/2024/32N/broken.tiff", 2024, "EPSG:32632", "32N", 46, 7)
	broken.UTMEast = nil
	return []Row{
		tileRow("s3://us-west-2.opendata.source.coop/tge-labs/aef/v1/annual/2024/32N/a.tiff", 2024, "EPSG:32632", "32N", 45.8, 6.8),
		tileRow("s3://us-west-2.opendata.source.coop/tge-labs/aef/v1/annual/2024/32N/b.tiff", 2024, "EPSG:32632", "32N", 45.9, 6.8),
		tileRow("s3://us-west-2.opendata.source.coop/tge-labs/aef/v1/annual/2023/32N/a.tiff", 2023, "EPSG:32632", "32N", 45.8, 6.8),
		tileRow("gs://aef-bucket/2024/19S/c.tiff", 2024, "EPSG:32719", "19S", -33.5, -70.7),
		broken,
		{Path: ptr("no-year.tiff")},
	}
}

func writeCatalog(t *testing.T, rows []Row) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aef_index.parquet")
	if err := parquet.WriteFile(path, rows); err != nil {
		t.Fatalf("failed to write parquet fixture: %v", err)
	}
	return path
}

func TestHTTPSLocator(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{
			"s3://us-west-2.opendata.source.coop/tge-labs/aef/v1/annual/2024/32N/x.tiff",
			"https://data.source.coop/tge-labs/aef/v1/annual/2024/32N/x.tiff",
		},
		{"s3://my-bucket/tiles/x.tiff", "https://my-bucket.s3.amazonaws.com/tiles/x.tiff"},
		{"gs://aef-bucket/2024/x.tiff", "https://storage.googleapis.com/aef-bucket/2024/x.tiff"},
		{"https://example.com/x.tiff", "https://example.com/x.tiff"},
		{"/local/x.tiff", "/local/x.tiff"},
	}
	for _, tc := range testCases {
		if got := HTTPSLocator(tc.in); got != tc.want {
			t.Errorf("HTTPSLocator(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTileRecordZone(t *testing.T) {
	testCases := []struct {
		name     string
		record   TileRecord
		zone     int
		hemi     utm.Hemisphere
		wantFail bool
	}{
		{"epsg north", TileRecord{ProjectionID: "EPSG:32632"}, 32, utm.North, false},
		{"epsg south", TileRecord{ProjectionID: "epsg:32719"}, 19, utm.South, false},
		{"label north", TileRecord{ProjectionID: "EPSG:3857", ZoneLabel: "10N"}, 10, utm.North, false},
		{"label south", TileRecord{ZoneLabel: "56S"}, 56, utm.South, false},
		{
			"bare label uses latitude", TileRecord{ZoneLabel: "21", Geographic: utm.GeoBox{MinLat: -10, MaxLat: -9.9}},
			21, utm.South, false,
		},
		{"nothing usable", TileRecord{ProjectionID: "EPSG:4326", ZoneLabel: "x"}, 0, 0, true},
		{"label out of range", TileRecord{ZoneLabel: "61N"}, 0, 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			zone, hemi, err := tc.record.Zone()
			if tc.wantFail {
				if err == nil {
					t.Errorf("expected an error, got zone %d%s", zone, hemi)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if zone != tc.zone || hemi != tc.hemi {
				t.Errorf("Zone() = %d%s, want %d%s", zone, hemi, tc.zone, tc.hemi)
			}
		})
	}
}

func TestRecords(t *testing.T) {
	records, skipped := Records(testRows(), 2024)
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if skipped != 2 {
		t.Errorf("skipped %d rows, want 2", skipped)
	}
	first := records[0]
	if first.Locator != "https://data.source.coop/tge-labs/aef/v1/annual/2024/32N/a.tiff" {
		t.Errorf("unexpected locator %q", first.Locator)
	}
	if first.Year != 2024 || first.ProjectionID != "EPSG:32632" || first.ZoneLabel != "32N" {
		t.Errorf("unexpected record %+v", first)
	}
	if x, y := TileOrigin(first); x != 300000 || y != 5000000 {
		t.Errorf("TileOrigin = (%v, %v), want the south west corner", x, y)
	}
}

func TestParquetLoaderLocal(t *testing.T) {
	path := writeCatalog(t, testRows())
	records, err := ParquetLoader(path, 2024, nil)(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[2].Geographic.MinLat != -33.5 || records[2].Locator != "https://storage.googleapis.com/aef-bucket/2024/19S/c.tiff" {
		t.Errorf("unexpected record %+v", records[2])
	}

	records, err = ParquetLoader(path, 2023, nil)(context.Background())
	if err != nil || len(records) != 1 {
		t.Errorf("year 2023: got %d records, %v", len(records), err)
	}

	if _, err := ParquetLoader(filepath.Join(t.TempDir(), "missing.parquet"), 2024, nil)(context.Background()); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestParquetLoaderHTTP(t *testing.T) {
	path := writeCatalog(t, testRows())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, path)
	}))
	defer ts.Close()

	records, err := ParquetLoader(ts.URL+"/aef_index.parquet", 2024, ts.Client())(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("got %d records, want 3", len(records))
	}
}

func TestFilterYear(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "aef_index_2024.parquet")
	kept, err := FilterYear(testRows(), 2024, dst)
	if err != nil {
		t.Fatalf("FilterYear failed: %v", err)
	}
	if kept != 4 {
		t.Errorf("kept %d rows, want 4", kept)
	}
	rows, err := parquet.ReadFile[Row](dst)
	if err != nil {
		t.Fatalf("failed to read the filtered file: %v", err)
	}
	if len(rows) != 4 {
		t.Errorf("filtered file holds %d rows, want 4", len(rows))
	}
	for _, r := range rows {
		if r.Year == nil || *r.Year != 2024 {
			t.Errorf("row of year %v kept", r.Year)
		}
	}
}

func TestCacheLoadsOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := NewCache(func(ctx context.Context) ([]TileRecord, error) {
		calls.Add(1)
		<-release
		return []TileRecord{{Locator: "a"}}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records, err := c.Load(context.Background())
			if err != nil || len(records) != 1 {
				t.Errorf("Load = %v, %v", records, err)
			}
		}()
	}
	close(release)
	wg.Wait()

	if _, err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("loader called %d times, want 1", n)
	}
	before := calls.Load()

	c.Clear()
	if c.Loaded() {
		t.Error("Loaded() true after Clear")
	}
	if _, err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != before+1 {
		t.Errorf("Clear did not trigger a reload")
	}
}

func TestCacheLoadOutlivesCancelledCaller(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	c := NewCache(func(ctx context.Context) ([]TileRecord, error) {
		calls.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []TileRecord{{Locator: "a"}}, nil
	})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Load(ctxA)
		errA <- err
	}()
	<-started

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}

	type result struct {
		records []TileRecord
		err     error
	}
	resB := make(chan result, 1)
	go func() {
		records, err := c.Load(context.Background())
		resB <- result{records, err}
	}()
	close(release)

	res := <-resB
	if res.err != nil || len(res.records) != 1 {
		t.Fatalf("second caller Load = %v, %v", res.records, res.err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("loader called %d times, want 1", n)
	}
	if !c.Loaded() {
		t.Error("records of the shared load were not kept")
	}
}

func TestCacheDoesNotKeepFailures(t *testing.T) {
	fail := true
	c := NewCache(func(ctx context.Context) ([]TileRecord, error) {
		if fail {
			return nil, errors.New("unreachable")
		}
		return []TileRecord{{Locator: "a"}}, nil
	})
	if _, err := c.Load(context.Background()); err == nil {
		t.Fatal("expected the load error")
	}
	fail = false
	records, err := c.Load(context.Background())
	if err != nil || len(records) != 1 {
		t.Errorf("second Load = %v, %v", records, err)
	}
}

func TestFindCoveringTile(t *testing.T) {
	records, _ := Records(testRows(), 2024)
	r := NewResolver(NewCache(func(ctx context.Context) ([]TileRecord, error) { return records, nil }))

	testCases := []struct {
		name          string
		box           utm.GeoBox
		wantLocator   string
		wantContained bool
		wantErr       error
	}{
		{
			name:          "inside the first tile",
			box:           utm.GeoBox{MinLng: 6.82, MinLat: 45.82, MaxLng: 6.86, MaxLat: 45.86},
			wantLocator:   "https://data.source.coop/tge-labs/aef/v1/annual/2024/32N/a.tiff",
			wantContained: true,
		},
		{
			name:          "center in the first tile, overlapping the second",
			box:           utm.GeoBox{MinLng: 6.82, MinLat: 45.85, MaxLng: 6.86, MaxLat: 45.94},
			wantLocator:   "https://data.source.coop/tge-labs/aef/v1/annual/2024/32N/a.tiff",
			wantContained: false,
		},
		{
			name:          "southern hemisphere",
			box:           utm.GeoBox{MinLng: -70.65, MinLat: -33.45, MaxLng: -70.62, MaxLat: -33.42},
			wantLocator:   "https://storage.googleapis.com/aef-bucket/2024/19S/c.tiff",
			wantContained: true,
		},
		{
			name:    "across zones 31 and 32",
			box:     utm.GeoBox{MinLng: 5.9, MinLat: 45.8, MaxLng: 6.1, MaxLat: 45.9},
			wantErr: ErrZoneCrossing,
		},
		{
			name:    "no tile",
			box:     utm.GeoBox{MinLng: 100, MinLat: 10, MaxLng: 100.1, MaxLat: 10.1},
			wantErr: ErrTileNotFound,
		},
		{
			name:    "inverted box",
			box:     utm.GeoBox{MinLng: 7, MinLat: 45.9, MaxLng: 6.9, MaxLat: 45.8},
			wantErr: utm.ErrInvalidBox,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := r.FindCoveringTile(context.Background(), tc.box)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.Tile.Locator != tc.wantLocator || m.FullyContained != tc.wantContained {
				t.Errorf("got %s contained=%v, want %s contained=%v", m.Tile.Locator, m.FullyContained, tc.wantLocator, tc.wantContained)
			}
		})
	}
}

func TestFindCoveringTileLoadError(t *testing.T) {
	r := NewResolver(NewCache(func(ctx context.Context) ([]TileRecord, error) {
		return nil, errors.New("catalog unavailable")
	}))
	_, err := r.FindCoveringTile(context.Background(), utm.GeoBox{MinLng: 6.8, MinLat: 45.8, MaxLng: 6.9, MaxLat: 45.9})
	if err == nil || errors.Is(err, ErrTileNotFound) {
		t.Errorf("expected the load error, got %v", err)
	}
}
