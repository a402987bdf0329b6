package psi

import (
	"image/color"
	"log/slog"
	"runtime"
	"time"
)

// Option configures a Container at open.
type Option func(*options)

type options struct {
	cacheSize       int64
	itemsToPrune    uint32
	cacheTTL        time.Duration
	workers         int
	fill            color.RGBA
	logger          *slog.Logger
	metrics         *Metrics
	serializedReads bool
	prefetch        bool
}

func defaultOptions() *options {
	return &options{
		cacheSize:    1024,
		itemsToPrune: 100,
		cacheTTL:     10 * time.Minute,
		workers:      runtime.GOMAXPROCS(0),
		fill:         color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
		logger:       slog.New(slog.DiscardHandler),
	}
}

// WithCacheSize sets the number of decoded tiles kept in the LRU cache.
// Zero or less disables the cache.
func WithCacheSize(n int64) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

// WithItemsToPrune sets how many tiles are evicted at once when the cache is
// full.
func WithItemsToPrune(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.itemsToPrune = n
		}
	}
}

// WithCacheTTL sets how long a decoded tile stays valid in the cache.
func WithCacheTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cacheTTL = d
		}
	}
}

// WithWorkers bounds the number of tiles fetched in parallel for one region.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithFill sets the colour used for pixels of a region that fall outside
// the image.
func WithFill(c color.RGBA) Option {
	return func(o *options) {
		o.fill = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables instrumentation with the given collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSerializedReads guards every positioned read with a mutex, for sources
// whose ReadAt cannot run in parallel.
func WithSerializedReads() Option {
	return func(o *options) {
		o.serializedReads = true
	}
}

// WithPrefetch makes every tile read from the source also load its eight
// neighbours of the same layer into the cache, in the background. It pays
// off for dense scans such as PatchesDense and WalkTiles over a layer, and
// has no effect without a cache.
func WithPrefetch() Option {
	return func(o *options) {
		o.prefetch = true
	}
}
