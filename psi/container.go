// Package psi reads pyramidal tiled image containers: gigapixel images
// stored as a stack of tiled resolution layers, with random access to any
// region at any resolution and patch sampling inside polygons.
package psi

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"

	"golang.org/x/exp/mmap"
)

// Container is an open PSI container. All methods are safe for concurrent
// use. After Close every method that touches tiles returns ErrClosed.
type Container struct {
	src    io.ReaderAt
	closer io.Closer

	header   fileHeader
	layout   *Layout
	previews map[string]*Raster
	store    *TileStore

	workers int
	fill    color.RGBA
	logger  *slog.Logger
	metrics *Metrics

	closed atomic.Bool
}

// Open parses the header, layer table, tile table and previews of a container
// read from r. If r implements io.Closer it is closed by Container.Close.
// On error nothing is retained and r is left open.
func Open(r io.ReaderAt, opts ...Option) (*Container, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	layout, err := readLayout(r, h)
	if err != nil {
		return nil, err
	}
	raw, err := readPreviews(r, h)
	if err != nil {
		return nil, err
	}
	previews := make(map[string]*Raster, len(raw))
	for _, p := range raw {
		img, err := Decode(p.payload, Codec(h.Codec), int(h.Quality), p.width, p.height)
		if err != nil {
			return nil, fmt.Errorf("%w: preview %q: %w", ErrFormat, p.name, err)
		}
		previews[p.name] = img
	}

	c := &Container{
		src:      r,
		header:   h,
		layout:   layout,
		previews: previews,
		workers:  o.workers,
		fill:     o.fill,
		logger:   o.logger,
		metrics:  o.metrics,
	}
	if cl, ok := r.(io.Closer); ok {
		c.closer = cl
	}
	c.store = newTileStore(r, layout, h, o, &c.closed)

	c.logger.Debug("opened psi container",
		"width", h.Width, "height", h.Height, "tile_size", h.TileSize,
		"layers", h.LayerCount, "tiles", h.TileCount, "codec", Codec(h.Codec).String(),
		"previews", len(previews))
	return c, nil
}

// OpenFile memory-maps the file at path and opens it.
func OpenFile(path string, opts ...Option) (*Container, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	c, err := Open(mmapReader{m}, opts...)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return c, nil
}

// Use opens the file at path, calls fn and closes the container whatever fn
// returns.
func Use(path string, fn func(*Container) error, opts ...Option) (err error) {
	c, err := OpenFile(path, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, c.Close())
	}()
	return fn(c)
}

// Close releases the underlying source. It is safe to call more than once.
func (c *Container) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.store.stop()
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func (c *Container) Width() int { return int(c.header.Width) }

func (c *Container) Height() int { return int(c.header.Height) }

// Bounds is the image rectangle in reference space.
func (c *Container) Bounds() image.Rectangle { return image.Rect(0, 0, c.Width(), c.Height()) }

func (c *Container) Magnification() float64 { return c.header.Magnification }

func (c *Container) Codec() Codec { return Codec(c.header.Codec) }

func (c *Container) Quality() int { return int(c.header.Quality) }

func (c *Container) Layout() *Layout { return c.layout }

// Store exposes the tile store for direct tile access.
func (c *Container) Store() *TileStore { return c.store }

// LayerSize returns the pixel size of layer z.
func (c *Container) LayerSize(z int) (image.Point, error) { return c.layout.LayerSize(z) }

// Tile returns the decoded tile at grid position (row, col) of layer z.
func (c *Container) Tile(z, row, col int) (*RasterTile, error) {
	d, err := c.layout.DescriptorForCoords(z, row, col)
	if err != nil {
		return nil, err
	}
	return c.store.Get(d)
}

// TileByCode returns the decoded tile with the given code.
func (c *Container) TileByCode(code int) (*RasterTile, error) { return c.store.GetByCode(code) }

// TileByDescriptor returns the decoded tile described by d.
func (c *Container) TileByDescriptor(d TileDescriptor) (*RasterTile, error) { return c.store.Get(d) }

// PreviewNames lists the stored previews in name order.
func (c *Container) PreviewNames() []string {
	names := make([]string, 0, len(c.previews))
	for name := range c.previews {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preview returns a copy of the named preview.
func (c *Container) Preview(name string) (*Raster, bool) {
	p, ok := c.previews[name]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// mmapReader adds Size to *mmap.ReaderAt so that table bounds can be
// validated at open.
type mmapReader struct{ *mmap.ReaderAt }

func (m mmapReader) Size() int64 { return int64(m.Len()) }
