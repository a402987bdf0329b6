package psi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors updated by the tile store and region engine.
// A nil *Metrics disables instrumentation.
type Metrics struct {
	TileReads      prometheus.Counter
	TileBytes      prometheus.Counter
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	DecodeErrors   prometheus.Counter
	DecodeDuration *prometheus.HistogramVec
	RegionDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TileReads: f.NewCounter(prometheus.CounterOpts{
			Namespace: "psi",
			Name:      "tile_reads_total",
			Help:      "Tile payloads read from the container source.",
		}),
		TileBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "psi",
			Name:      "tile_read_bytes_total",
			Help:      "Compressed bytes read from the container source.",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "psi",
			Name:      "tile_cache_hits_total",
			Help:      "Decoded tiles served from the cache.",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "psi",
			Name:      "tile_cache_misses_total",
			Help:      "Tile requests that missed the cache.",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "psi",
			Name:      "tile_decode_errors_total",
			Help:      "Tile payloads that failed to decode.",
		}),
		DecodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "psi",
			Name:      "tile_decode_seconds",
			Help:      "Time spent decoding a tile payload.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"codec"}),
		RegionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "psi",
			Name:      "region_seconds",
			Help:      "Time spent extracting a region, by layer.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.3, 0.6, 1, 3},
		}, []string{"layer"}),
	}
}
