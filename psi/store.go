// psi/store.go

package psi

import (
	"fmt"
	"image"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"
)

// RasterTile is a decoded tile together with the descriptor it came from.
type RasterTile struct {
	TileDescriptor
	*Raster
}

// TileStore reads and decodes tiles of an open container. It is safe for
// concurrent use.
type TileStore struct {
	// src is read with positioned reads only, so concurrent fetches never
	// share a cursor.
	src    io.ReaderAt
	layout *Layout
	codec  Codec

	// tileCache holds decoded rasters keyed by tile code. Cached rasters are
	// shared read-only by the region engine; Get hands out copies.
	tileCache *ccache.Cache[*Raster]
	cacheTTL  time.Duration

	// inflight makes concurrent requests for the same tile wait for a single
	// read and decode.
	inflight singleflight.Group

	// inflightPrefetch triggers the neighbour prefetch of a tile once, however
	// many requests miss it concurrently. prefetching lets stop wait for the
	// background reads.
	prefetch         bool
	inflightPrefetch singleflight.Group
	prefetching      sync.WaitGroup

	closed  *atomic.Bool
	metrics *Metrics
	logger  *slog.Logger
}

func newTileStore(src io.ReaderAt, layout *Layout, h fileHeader, o *options, closed *atomic.Bool) *TileStore {
	if o.serializedReads {
		src = &lockedReaderAt{r: src}
	}
	s := &TileStore{
		src:      src,
		layout:   layout,
		codec:    Codec(h.Codec),
		cacheTTL: o.cacheTTL,
		closed:   closed,
		metrics:  o.metrics,
		logger:   o.logger,
	}
	if o.cacheSize > 0 {
		s.tileCache = ccache.New(ccache.Configure[*Raster]().MaxSize(o.cacheSize).ItemsToPrune(o.itemsToPrune))
		s.prefetch = o.prefetch
	}
	return s
}

// Get returns a decoded copy of the tile described by d.
func (s *TileStore) Get(d TileDescriptor) (*RasterTile, error) {
	return s.GetByCode(d.Code)
}

// GetByCode returns a decoded copy of the tile with the given code.
func (s *TileStore) GetByCode(code int) (*RasterTile, error) {
	d, err := s.layout.DescriptorForCode(code)
	if err != nil {
		return nil, err
	}
	r, err := s.load(d)
	if err != nil {
		return nil, err
	}
	return &RasterTile{TileDescriptor: d, Raster: r.Clone()}, nil
}

// load returns the shared decoded raster for d. Callers must not modify it.
func (s *TileStore) load(d TileDescriptor) (*Raster, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	key := strconv.Itoa(d.Code)
	if s.tileCache != nil {
		if item := s.tileCache.Get(key); item != nil && !item.Expired() {
			s.count(func(m *Metrics) { m.CacheHits.Inc() })
			return item.Value(), nil
		}
		s.count(func(m *Metrics) { m.CacheMisses.Inc() })
	}

	r, err := s.fetchShared(d, key)
	if err != nil {
		return nil, err
	}
	if s.prefetch {
		s.prefetchNeighbors(d)
	}
	return r, nil
}

// fetchShared reads and caches d, sharing the work with concurrent callers.
func (s *TileStore) fetchShared(d TileDescriptor, key string) (*Raster, error) {
	v, err, _ := s.inflight.Do(key, func() (any, error) {
		r, err := s.fetchAndDecode(d)
		if err != nil {
			return nil, err
		}
		if s.tileCache != nil {
			s.tileCache.Set(key, r, s.cacheTTL)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Raster), nil
}

// prefetchNeighbors loads the tiles around d into the cache in the
// background. The neighbours do not prefetch in turn.
func (s *TileStore) prefetchNeighbors(d TileDescriptor) {
	key := "prefetch-" + strconv.Itoa(d.Code)
	s.prefetching.Add(1)
	go func() {
		defer s.prefetching.Done()
		s.inflightPrefetch.Do(key, func() (any, error) {
			var wg sync.WaitGroup
			for j := -1; j <= 1; j++ {
				for i := -1; i <= 1; i++ {
					if i == 0 && j == 0 {
						continue
					}
					n, err := s.layout.DescriptorForCoords(d.Z, d.Row+j, d.Col+i)
					if err != nil {
						continue
					}
					wg.Add(1)
					go func() {
						defer wg.Done()
						s.warm(n)
					}()
				}
			}
			wg.Wait()
			// Allow the same tile to trigger again once its neighbours may
			// have been evicted.
			time.AfterFunc(time.Minute, func() { s.inflightPrefetch.Forget(key) })
			return nil, nil
		})
	}()
}

// warm loads d into the cache unless it is already there.
func (s *TileStore) warm(d TileDescriptor) {
	if s.closed.Load() {
		return
	}
	key := strconv.Itoa(d.Code)
	if item := s.tileCache.Get(key); item != nil && !item.Expired() {
		return
	}
	if _, err := s.fetchShared(d, key); err != nil {
		s.logger.Debug("prefetch failed", "code", d.Code, "error", err)
	}
}

// fetchAndDecode performs one positioned read for the tile payload and
// decodes it.
func (s *TileStore) fetchAndDecode(d TileDescriptor) (*Raster, error) {
	e := s.layout.entries[d.Code]
	payload := make([]byte, e.Length)
	if _, err := s.src.ReadAt(payload, int64(e.Offset)); err != nil && len(payload) > 0 {
		return nil, fmt.Errorf("failed to read tile %d from source: %w", d.Code, err)
	}
	s.count(func(m *Metrics) {
		m.TileReads.Inc()
		m.TileBytes.Add(float64(len(payload)))
	})

	start := time.Now()
	r, err := decodePadded(payload, s.codec, d.Width, d.Height, image.Pt(s.layout.TileSize, s.layout.TileSize))
	if err != nil {
		s.count(func(m *Metrics) { m.DecodeErrors.Inc() })
		s.logger.Warn("tile decode failed", "code", d.Code, "z", d.Z, "row", d.Row, "col", d.Col, "error", err)
		return nil, &TileError{Code: d.Code, Err: err}
	}
	s.count(func(m *Metrics) { m.DecodeDuration.WithLabelValues(s.codec.String()).Observe(time.Since(start).Seconds()) })
	return r, nil
}

func (s *TileStore) count(fn func(*Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}

func (s *TileStore) stop() {
	s.prefetching.Wait()
	if s.tileCache != nil {
		s.tileCache.Stop()
	}
}

// lockedReaderAt serialises reads on sources without parallel ReadAt.
type lockedReaderAt struct {
	mu sync.Mutex
	r  io.ReaderAt
}

func (l *lockedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.ReadAt(p, off)
}

func (l *lockedReaderAt) Size() int64 { return sourceSize(l.r) }
