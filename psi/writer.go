package psi

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
)

// WriteOption configures Write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	tileSize      int
	layers        int
	codec         Codec
	quality       int
	magnification float64
	previews      []namedImage
}

type namedImage struct {
	name string
	img  image.Image
}

func defaultWriteOptions() *writeOptions {
	return &writeOptions{
		tileSize: 256,
		codec:    CodecJPEG,
		quality:  90,
	}
}

// WithTileSize sets the tile side in pixels.
func WithTileSize(n int) WriteOption {
	return func(o *writeOptions) {
		o.tileSize = n
	}
}

// WithLayers sets the number of pyramid layers. By default layers are added
// until the coarsest one fits into a single tile.
func WithLayers(n int) WriteOption {
	return func(o *writeOptions) {
		o.layers = n
	}
}

// WithCodec sets the tile codec and its quality.
func WithCodec(c Codec, quality int) WriteOption {
	return func(o *writeOptions) {
		o.codec = c
		o.quality = quality
	}
}

// WithMagnification records the objective magnification of the scan.
func WithMagnification(m float64) WriteOption {
	return func(o *writeOptions) {
		o.magnification = m
	}
}

// WithPreview stores img as a named preview.
func WithPreview(name string, img image.Image) WriteOption {
	return func(o *writeOptions) {
		o.previews = append(o.previews, namedImage{name: name, img: img})
	}
}

// Create writes img as a container at path.
func Create(path string, img image.Image, opts ...WriteOption) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	bw := bufio.NewWriter(f)
	if err := Write(bw, img, opts...); err != nil {
		return err
	}
	return bw.Flush()
}

// Write encodes img as a container: img becomes the reference layer and
// every coarser layer halves the previous one.
func Write(w io.Writer, img image.Image, opts ...WriteOption) error {
	o := defaultWriteOptions()
	for _, opt := range opts {
		opt(o)
	}
	b := img.Bounds()
	if b.Empty() {
		return invalidArgf("empty image")
	}
	if o.tileSize <= 0 || o.tileSize > maxTileSize {
		return invalidArgf("tile size %d", o.tileSize)
	}
	if o.quality < 0 || o.quality > 100 {
		return invalidArgf("quality %d", o.quality)
	}
	if !o.codec.Valid() {
		return invalidArgf("codec %d", o.codec)
	}
	if o.layers == 0 {
		o.layers = layersFor(b.Dx(), b.Dy(), o.tileSize)
	}
	if o.layers < 1 || o.layers > maxLayers {
		return invalidArgf("layer count %d", o.layers)
	}

	l := newLayout(b.Dx(), b.Dy(), o.tileSize, o.layers)
	rasters := make([]*Raster, o.layers)
	rasters[o.layers-1] = RasterFromImage(img)
	for z := o.layers - 2; z >= 0; z-- {
		rasters[z] = rasters[z+1].Resize(l.layers[z].Size())
	}

	payloads := make([][]byte, 0, l.tileCount)
	for _, d := range l.TilesAll() {
		p, err := Encode(rasters[d.Z].Crop(d.Bounds()), o.codec, o.quality)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", d, err)
		}
		payloads = append(payloads, p)
	}

	previews := make([]encodedPreview, 0, len(o.previews))
	for _, p := range o.previews {
		r := RasterFromImage(p.img)
		if r.Width == 0 || r.Height == 0 {
			return invalidArgf("preview %q is empty", p.name)
		}
		payload, err := Encode(r, o.codec, o.quality)
		if err != nil {
			return fmt.Errorf("encoding preview %q: %w", p.name, err)
		}
		previews = append(previews, encodedPreview{name: p.name, width: r.Width, height: r.Height, payload: payload})
	}

	h := fileHeader{
		Codec:         uint8(o.codec),
		Quality:       uint8(o.quality),
		Width:         uint32(b.Dx()),
		Height:        uint32(b.Dy()),
		Magnification: o.magnification,
		TileSize:      uint32(o.tileSize),
	}
	return writeContainer(w, h, l, payloads, previews)
}
