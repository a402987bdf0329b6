// main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
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
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/akhenakh/psimage/psi"
)

const (
	appName     = "psimage-service"
	serviceName = "psimage.TileService"
)

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
	LogLevel          string `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort          int    `env:"HTTP_PORT" envDefault:"8080"`
	APIPort           int    `env:"API_PORT" envDefault:"9200"`
	HealthPort        int    `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort   int    `env:"METRICS_PORT" envDefault:"8888"`
	PSISource         string `env:"PSI_SOURCE" envDefault:"./data/image.psi"`
	PSIBucket         string `env:"PSI_BUCKET"`
	CacheMaxSize      int64  `env:"CACHE_MAX_SIZE" envDefault:"1024"`
	CacheItemsToPrune uint32 `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
	Workers           int    `env:"WORKERS" envDefault:"0"`
	Prefetch          bool   `env:"PREFETCH" envDefault:"false"`
	MaxOutputSide     int    `env:"MAX_OUTPUT_SIDE" envDefault:"4096"`
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

	metrics := psi.NewMetrics(prometheus.DefaultRegisterer)
	container, closeSource, err := setupContainer(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to open PSI container, shutting down", "error", err)
		os.Exit(1)
	}
	defer closeSource()

	g, ctx := errgroup.WithContext(ctx)

	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// gRPC API Server
	g.Go(func() error {
		return startGRPCAPIServer(logger, cfg, healthServer, container)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// HTTP tile & region server
	g.Go(func() error {
		return startHTTPRestServer(logger, cfg, container)
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
	healthServer.Shutdown()

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
	if grpcAPIServer != nil {
		grpcAPIServer.GracefulStop()
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
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

func startHTTPRestServer(logger *slog.Logger, cfg Config, c *psi.Container) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpRestServer = &http.Server{Addr: addr, Handler: newRestMux(c, cfg.MaxOutputSide)}
	logger.Info("HTTP REST server listening", "address", addr)

	if err := httpRestServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP REST server failed: %w", err)
	}
	return nil
}

func newRestMux(c *psi.Container, maxSide int) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", infoHandler(c))
	mux.HandleFunc("GET /layout", layoutHandler(c))
	mux.HandleFunc("GET /tile/{code}", tileHandler(c))
	mux.HandleFunc("GET /region", regionHandler(c, maxSide))
	mux.HandleFunc("GET /layer/{z}/region", layerRegionHandler(c, maxSide))
	mux.HandleFunc("GET /preview/{name}", previewHandler(c))
	mux.HandleFunc("GET /overview", overviewHandler(c, maxSide))
	return mux
}

func infoHandler(c *psi.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"width":         c.Width(),
			"height":        c.Height(),
			"magnification": c.Magnification(),
			"tile_size":     c.Layout().TileSize,
			"codec":         c.Codec().String(),
			"quality":       c.Quality(),
			"layers":        c.Layout().NumLayers(),
			"tiles":         c.Layout().NumTiles(),
			"previews":      c.PreviewNames(),
		}
		writeJSON(w, response)
	}
}

func layoutHandler(c *psi.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type layer struct {
			Z          int `json:"z"`
			Downscale  int `json:"downscale"`
			Width      int `json:"width"`
			Height     int `json:"height"`
			GridWidth  int `json:"grid_width"`
			GridHeight int `json:"grid_height"`
		}
		var layers []layer
		for _, l := range c.Layout().Layers() {
			layers = append(layers, layer{l.Z, l.Downscale, l.Width, l.Height, l.GridWidth, l.GridHeight})
		}
		writeJSON(w, layers)
	}
}

func tileHandler(c *psi.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.PathValue("code"))
		if err != nil {
			http.Error(w, "Invalid tile code", http.StatusBadRequest)
			return
		}
		tile, err := c.TileByCode(code)
		if err != nil {
			writeError(w, "Could not read tile", err)
			return
		}
		writePNG(w, tile.Raster)
	}
}

// regionHandler serves /region?x0=&y0=&x1=&y1=&w=&h= in reference space.
func regionHandler(c *psi.Container, maxSide int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rect, err := parseRect(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		size, err := parseSize(r, rect.Size(), maxSide)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		raster, err := c.Region(rect, size)
		if err != nil {
			writeError(w, "Could not extract region", err)
			return
		}
		writePNG(w, raster)
	}
}

// layerRegionHandler serves /layer/{z}/region?x0=&y0=&x1=&y1= in layer space.
func layerRegionHandler(c *psi.Container, maxSide int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		z, err := strconv.Atoi(r.PathValue("z"))
		if err != nil {
			http.Error(w, "Invalid layer", http.StatusBadRequest)
			return
		}
		rect, err := parseRect(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if rect.Dx() > maxSide || rect.Dy() > maxSide {
			http.Error(w, "Requested region is too large", http.StatusBadRequest)
			return
		}
		raster, err := c.RegionFromLayer(z, rect)
		if err != nil {
			writeError(w, "Could not extract region", err)
			return
		}
		writePNG(w, raster)
	}
}

func previewHandler(c *psi.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raster, ok := c.Preview(r.PathValue("name"))
		if !ok {
			http.Error(w, "Unknown preview", http.StatusNotFound)
			return
		}
		writePNG(w, raster)
	}
}

// overviewHandler serves /overview?max_side= or /overview?scale=.
func overviewHandler(c *psi.Container, maxSide int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if v := q.Get("scale"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || !(f > 0) ||
				float64(c.Width())*f > float64(maxSide) || float64(c.Height())*f > float64(maxSide) {
				http.Error(w, "Invalid scale", http.StatusBadRequest)
				return
			}
			raster, err := c.OverviewScale(f)
			if err != nil {
				writeError(w, "Could not render overview", err)
				return
			}
			writePNG(w, raster)
			return
		}

		side := 1024
		if v := q.Get("max_side"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > maxSide {
				http.Error(w, "Invalid max_side", http.StatusBadRequest)
				return
			}
			side = n
		}
		raster, err := c.Overview(side)
		if err != nil {
			writeError(w, "Could not render overview", err)
			return
		}
		writePNG(w, raster)
	}
}

func parseRect(r *http.Request) (image.Rectangle, error) {
	q := r.URL.Query()
	var v [4]int
	for i, name := range []string{"x0", "y0", "x1", "y1"} {
		n, err := strconv.Atoi(q.Get(name))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("invalid %s", name)
		}
		v[i] = n
	}
	return image.Rect(v[0], v[1], v[2], v[3]), nil
}

// parseSize reads the output size, defaulting to the region size.
func parseSize(r *http.Request, def image.Point, maxSide int) (image.Point, error) {
	q := r.URL.Query()
	size := def
	if v := q.Get("w"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return size, errors.New("invalid w")
		}
		size.X = n
	}
	if v := q.Get("h"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return size, errors.New("invalid h")
		}
		size.Y = n
	}
	if size.X > maxSide || size.Y > maxSide {
		return size, errors.New("requested output is too large")
	}
	return size, nil
}

// writeError maps library errors onto HTTP status codes.
func writeError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, psi.ErrInvalidArgument), errors.Is(err, psi.ErrInvalidLayer):
		status = http.StatusBadRequest
	case errors.Is(err, psi.ErrTileNotFound), errors.Is(err, psi.ErrOutOfBounds):
		status = http.StatusNotFound
	case errors.Is(err, psi.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, fmt.Sprintf("%s: %v", msg, err), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writePNG(w http.ResponseWriter, r *psi.Raster) {
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, r.RGBA()); err != nil {
		slog.Error("failed to encode png", "error", err)
	}
}

// setupContainer opens the container from a local file, an HTTP URL or a
// gocloud bucket, and returns a function releasing everything it opened.
func setupContainer(ctx context.Context, cfg Config, logger *slog.Logger, metrics *psi.Metrics) (*psi.Container, func(), error) {
	logger.Info("initializing PSI reader", "source", cfg.PSISource, "bucket", cfg.PSIBucket)
	logger.Info("configuring tile cache", "max_size", cfg.CacheMaxSize, "items_to_prune", cfg.CacheItemsToPrune)
	opts := []psi.Option{
		psi.WithCacheSize(cfg.CacheMaxSize),
		psi.WithItemsToPrune(cfg.CacheItemsToPrune),
		psi.WithWorkers(cfg.Workers),
		psi.WithLogger(logger),
		psi.WithMetrics(metrics),
	}
	if cfg.Prefetch {
		opts = append(opts, psi.WithPrefetch())
	}

	var (
		reader  io.ReaderAt
		closers []io.Closer
	)
	switch {
	case cfg.PSIBucket != "":
		bucket, err := blob.OpenBucket(ctx, cfg.PSIBucket)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bucket %s: %w", cfg.PSIBucket, err)
		}
		closers = append(closers, bucket)
		r, err := psi.NewBlobReader(ctx, bucket, cfg.PSISource)
		if err != nil {
			bucket.Close()
			return nil, nil, fmt.Errorf("failed to create blob reader: %w", err)
		}
		reader = r
	case strings.HasPrefix(cfg.PSISource, "http"):
		r, err := psi.NewHTTPRangeReader(ctx, cfg.PSISource, nil) // Using default client
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create HTTP reader: %w", err)
		}
		reader = r
	default:
		c, err := psi.OpenFile(cfg.PSISource, opts...)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	}

	c, err := psi.Open(reader, opts...)
	if err != nil {
		for _, cl := range closers {
			cl.Close()
		}
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		for _, cl := range closers {
			cl.Close()
		}
	}, nil
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
