// Command aef-filter extracts the tiles of one year from the embedding
// index into a smaller parquet file usable as CATALOG_SOURCE.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/akhenakh/embedsim/catalog"
	"github.com/akhenakh/embedsim/geotiff"
)

const appName = "aef-filter"

type Config struct {
	LogLevel string        `env:"LOG_LEVEL" envDefault:"INFO"`
	Source   string        `env:"FILTER_SOURCE" envDefault:"https://data.source.coop/tge-labs/aef/v1/annual/aef_index.parquet"`
	Year     int           `env:"FILTER_YEAR" envDefault:"2024"`
	Output   string        `env:"FILTER_OUTPUT" envDefault:"aef_index_2024.parquet"`
	Timeout  time.Duration `env:"FILTER_TIMEOUT" envDefault:"5m"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}
	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		logger.Error("filter failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	rows, err := readRows(ctx, cfg.Source)
	if err != nil {
		return err
	}
	kept, err := catalog.FilterYear(rows, cfg.Year, cfg.Output)
	if err != nil {
		return err
	}
	records, skipped := catalog.Records(rows, cfg.Year)
	slog.Info("index filtered",
		"source", cfg.Source,
		"year", cfg.Year,
		"rows", len(rows),
		"kept", kept,
		"usable", len(records),
		"invalid", skipped,
		"output", cfg.Output,
	)
	return nil
}

func readRows(ctx context.Context, source string) ([]catalog.Row, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		hr, err := geotiff.NewHTTPRangeReader(ctx, source, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", source, err)
		}
		return catalog.ReadRows(hr, hr.Size())
	}
	f, err := os.Open(source)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return catalog.ReadRows(f, st.Size())
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}
