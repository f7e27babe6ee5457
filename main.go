// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/akhenakh/embedsim/catalog"
	"github.com/akhenakh/embedsim/explorer"
	"github.com/akhenakh/embedsim/similarity"
)

const appName = "embedsim"

var (
	grpcAPIServer     *grpc.Server
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpRestServer    *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort          int           `env:"HTTP_PORT" envDefault:"8080"`
	APIPort           int           `env:"API_PORT" envDefault:"9200"`
	HealthPort        int           `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort   int           `env:"METRICS_PORT" envDefault:"8888"`
	CatalogSource     string        `env:"CATALOG_SOURCE" envDefault:"https://data.source.coop/tge-labs/aef/v1/annual/aef_index.parquet"`
	CatalogYear       int           `env:"CATALOG_YEAR" envDefault:"2024"`
	BucketURL         string        `env:"BUCKET_URL"`
	CacheMaxSize      int64         `env:"CACHE_MAX_SIZE" envDefault:"1024"`
	CacheItemsToPrune uint32        `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
	FetchConcurrency  int           `env:"FETCH_CONCURRENCY" envDefault:"8"`
	FetchRateLimit    float64       `env:"FETCH_RATE_LIMIT" envDefault:"0"`
	MaxWindowPixels   int           `env:"MAX_WINDOW_PIXELS" envDefault:"1048576"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"15m"`
	MaxSessions       int64         `env:"MAX_SESSIONS" envDefault:"32"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	ex, bucket, err := setupExplorer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize the explorer, shutting down", "error", err)
		os.Exit(1)
	}
	if bucket != nil {
		defer bucket.Close()
	}
	defer ex.Close()

	sessions := explorer.NewSessions(cfg.MaxSessions, cfg.SessionTTL, ex.Metrics())
	defer sessions.Close()

	s := &Server{
		explorer:     ex,
		sessions:     sessions,
		healthServer: health.NewServer(),
	}

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, s.healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// gRPC API Server
	g.Go(func() error {
		return startGRPCAPIServer(logger, cfg, s)
	})

	// HTTP REST Server
	g.Go(func() error {
		return startHTTPRestServer(logger, cfg, s)
	})

	// Expired sessions janitor
	g.Go(func() error {
		return sessions.Run(ctx, time.Minute)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	s.healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpRestServer != nil {
		if err := httpRestServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP REST server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}
	if grpcAPIServer != nil {
		grpcAPIServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	grpcHealthServer = grpc.NewServer()
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startGRPCAPIServer(logger *slog.Logger, cfg Config, s *Server) error {
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC API server failed to listen: %w", err)
	}

	grpcAPIServer = newGRPCServer(logger, s)
	reflection.Register(grpcAPIServer) // Enable reflection for tools like grpcurl

	// Set initial health status
	s.healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	logger.Info("gRPC API server listening", "address", addr)
	return grpcAPIServer.Serve(lis)
}

func newGRPCServer(logger *slog.Logger, s *Server) *grpc.Server {
	lopts := []logging.Option{logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)}
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(
				InterceptorLogger(logger),
				lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)
	srv.RegisterService(&similarityServiceDesc, s)
	return srv
}

func startHTTPRestServer(logger *slog.Logger, cfg Config, s *Server) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)

	httpRestServer = &http.Server{Addr: addr, Handler: newRESTMux(s)}
	logger.Info("HTTP REST server listening", "address", addr)

	if err := httpRestServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP REST server failed: %w", err)
	}
	return nil
}

func setupExplorer(ctx context.Context, cfg Config, logger *slog.Logger) (*explorer.Explorer, *blob.Bucket, error) {
	logger.Info("initializing catalog", "source", cfg.CatalogSource, "year", cfg.CatalogYear)
	cache := catalog.NewCache(catalog.ParquetLoader(cfg.CatalogSource, cfg.CatalogYear, nil))

	opts := explorer.Options{
		CacheSize:        cfg.CacheMaxSize,
		ItemsToPrune:     cfg.CacheItemsToPrune,
		FetchConcurrency: cfg.FetchConcurrency,
		MaxWindowPixels:  cfg.MaxWindowPixels,
		Metrics:          explorer.NewMetrics(prometheus.DefaultRegisterer),
		ScoreMetrics:     similarity.NewMetrics(prometheus.DefaultRegisterer),
	}
	if cfg.FetchRateLimit > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.FetchRateLimit), max(1, cfg.FetchConcurrency))
	}

	var bucket *blob.Bucket
	if cfg.BucketURL != "" {
		b, err := blob.OpenBucket(ctx, cfg.BucketURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bucket %s: %w", cfg.BucketURL, err)
		}
		bucket = b
		opts.Bucket = b
		logger.Info("reading tiles from bucket", "bucket", cfg.BucketURL)
	}
	logger.Info("configuring tile cache", "max_size", cfg.CacheMaxSize, "items_to_prune", cfg.CacheItemsToPrune)
	return explorer.New(cache, opts), bucket, nil
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

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
