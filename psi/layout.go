// psi/layout.go

package psi

import (
	"fmt"
	"image"
	"strings"
)

// PyramidLayer is one resolution level. Z runs from 0 (coarsest) to
// NumLayers-1 (the full-resolution reference layer).
type PyramidLayer struct {
	Z int
	// Downscale is the factor between the reference layer and this one, a
	// power of two that halves with every step towards the reference.
	Downscale int
	// GridWidth and GridHeight count tiles; the last column and row may be
	// partial.
	GridWidth  int
	GridHeight int
	// Width and Height are the layer size in pixels.
	Width  int
	Height int

	firstCode int
}

// Scale is the resolution of the layer relative to the reference layer.
func (p PyramidLayer) Scale() float64 { return 1 / float64(p.Downscale) }

func (p PyramidLayer) Size() image.Point { return image.Pt(p.Width, p.Height) }

func (p PyramidLayer) Bounds() image.Rectangle { return image.Rect(0, 0, p.Width, p.Height) }

func (p PyramidLayer) TileCount() int { return p.GridWidth * p.GridHeight }

// TileDescriptor identifies one tile of the pyramid.
type TileDescriptor struct {
	Code int
	Z    int
	Row  int
	Col  int
	// X and Y anchor the tile's top-left pixel within its layer.
	X int
	Y int
	// Width and Height are the valid pixels of the tile, smaller than the
	// tile size on the last column and row.
	Width  int
	Height int
}

// Bounds is the tile's pixel rectangle within its layer.
func (d TileDescriptor) Bounds() image.Rectangle {
	return image.Rect(d.X, d.Y, d.X+d.Width, d.Y+d.Height)
}

func (d TileDescriptor) String() string {
	return fmt.Sprintf("tile(code=%d z=%d row=%d col=%d)", d.Code, d.Z, d.Row, d.Col)
}

// Layout indexes the tile pyramid of a container. It is built once at open
// and never modified.
type Layout struct {
	TileSize int
	// Width and Height are the size of the reference layer.
	Width  int
	Height int

	layers    []PyramidLayer
	tileCount int
	// entries locates each tile payload, indexed by code.
	entries []tileEntry
}

// newLayout derives the pyramid geometry for an image of width×height.
func newLayout(width, height, tileSize, numLayers int) *Layout {
	l := &Layout{
		TileSize: tileSize,
		Width:    width,
		Height:   height,
		layers:   make([]PyramidLayer, numLayers),
	}
	for z := range l.layers {
		f := 1 << (numLayers - 1 - z)
		lw := ceilDiv(width, f)
		lh := ceilDiv(height, f)
		layer := PyramidLayer{
			Z:          z,
			Downscale:  f,
			Width:      lw,
			Height:     lh,
			GridWidth:  ceilDiv(lw, tileSize),
			GridHeight: ceilDiv(lh, tileSize),
			firstCode:  l.tileCount,
		}
		l.layers[z] = layer
		l.tileCount += layer.TileCount()
	}
	return l
}

// layersFor returns the number of layers needed so that the coarsest layer
// fits into a single tile.
func layersFor(width, height, tileSize int) int {
	n := 1
	for side := max(width, height); side > tileSize && n < maxLayers; side = ceilDiv(side, 2) {
		n++
	}
	return n
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func (l *Layout) NumLayers() int { return len(l.layers) }

func (l *Layout) NumTiles() int { return l.tileCount }

// Layers returns the layers ordered from coarsest to finest.
func (l *Layout) Layers() []PyramidLayer {
	return append([]PyramidLayer(nil), l.layers...)
}

// Layer returns layer z.
func (l *Layout) Layer(z int) (PyramidLayer, error) {
	if z < 0 || z >= len(l.layers) {
		return PyramidLayer{}, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidLayer, z, len(l.layers))
	}
	return l.layers[z], nil
}

// ReferenceLayer is the full-resolution layer whose pixel grid defines the
// reference coordinate space.
func (l *Layout) ReferenceLayer() PyramidLayer { return l.layers[len(l.layers)-1] }

// LayerSize returns the pixel size of layer z.
func (l *Layout) LayerSize(z int) (image.Point, error) {
	layer, err := l.Layer(z)
	if err != nil {
		return image.Point{}, err
	}
	return layer.Size(), nil
}

// Code returns the tile code of (z, row, col).
func (l *Layout) Code(z, row, col int) (int, error) {
	layer, err := l.Layer(z)
	if err != nil {
		return 0, err
	}
	if row < 0 || row >= layer.GridHeight || col < 0 || col >= layer.GridWidth {
		return 0, fmt.Errorf("%w: z=%d row=%d col=%d outside %dx%d grid",
			ErrTileNotFound, z, row, col, layer.GridWidth, layer.GridHeight)
	}
	return layer.firstCode + row*layer.GridWidth + col, nil
}

// DescriptorForCoords looks a tile up by its grid coordinates.
func (l *Layout) DescriptorForCoords(z, row, col int) (TileDescriptor, error) {
	code, err := l.Code(z, row, col)
	if err != nil {
		return TileDescriptor{}, err
	}
	return l.descriptor(l.layers[z], code, row, col), nil
}

// DescriptorForCode looks a tile up by its code.
func (l *Layout) DescriptorForCode(code int) (TileDescriptor, error) {
	if code < 0 || code >= l.tileCount {
		return TileDescriptor{}, fmt.Errorf("%w: code %d not in [0, %d)", ErrTileNotFound, code, l.tileCount)
	}
	z := len(l.layers) - 1
	for l.layers[z].firstCode > code {
		z--
	}
	layer := l.layers[z]
	i := code - layer.firstCode
	return l.descriptor(layer, code, i/layer.GridWidth, i%layer.GridWidth), nil
}

func (l *Layout) descriptor(layer PyramidLayer, code, row, col int) TileDescriptor {
	x, y := col*l.TileSize, row*l.TileSize
	return TileDescriptor{
		Code:   code,
		Z:      layer.Z,
		Row:    row,
		Col:    col,
		X:      x,
		Y:      y,
		Width:  min(l.TileSize, layer.Width-x),
		Height: min(l.TileSize, layer.Height-y),
	}
}

// TilesAll returns every descriptor, layer-major then row-major.
func (l *Layout) TilesAll() []TileDescriptor {
	out := make([]TileDescriptor, 0, l.tileCount)
	for _, layer := range l.layers {
		out = l.appendLayer(out, layer)
	}
	return out
}

// TilesPerLayer groups the descriptors by layer.
func (l *Layout) TilesPerLayer() map[int][]TileDescriptor {
	out := make(map[int][]TileDescriptor, len(l.layers))
	for _, layer := range l.layers {
		out[layer.Z] = l.appendLayer(make([]TileDescriptor, 0, layer.TileCount()), layer)
	}
	return out
}

// TilesAtLayer returns the descriptors of layer z in row-major order.
func (l *Layout) TilesAtLayer(z int) ([]TileDescriptor, error) {
	layer, err := l.Layer(z)
	if err != nil {
		return nil, err
	}
	return l.appendLayer(make([]TileDescriptor, 0, layer.TileCount()), layer), nil
}

func (l *Layout) appendLayer(out []TileDescriptor, layer PyramidLayer) []TileDescriptor {
	code := layer.firstCode
	for row := 0; row < layer.GridHeight; row++ {
		for col := 0; col < layer.GridWidth; col++ {
			out = append(out, l.descriptor(layer, code, row, col))
			code++
		}
	}
	return out
}

// tilesIntersecting returns the descriptors of layer whose pixels intersect
// rect, which must already be clipped to the layer bounds.
func (l *Layout) tilesIntersecting(layer PyramidLayer, rect image.Rectangle) []TileDescriptor {
	if rect.Empty() {
		return nil
	}
	c0, c1 := rect.Min.X/l.TileSize, (rect.Max.X-1)/l.TileSize
	r0, r1 := rect.Min.Y/l.TileSize, (rect.Max.Y-1)/l.TileSize
	out := make([]TileDescriptor, 0, (c1-c0+1)*(r1-r0+1))
	for row := r0; row <= r1; row++ {
		for col := c0; col <= c1; col++ {
			code := layer.firstCode + row*layer.GridWidth + col
			out = append(out, l.descriptor(layer, code, row, col))
		}
	}
	return out
}

// BestLayer picks the layer used to render a reference-space extent at the
// target size: the coarsest layer that still has at least target pixels in
// both axes, or the reference layer when none does. Downscale factors are
// distinct, so the coarsest qualifying layer is also the one closest to the
// target resolution.
func (l *Layout) BestLayer(extent, target image.Point) PyramidLayer {
	for _, layer := range l.layers {
		w := float64(extent.X) / float64(layer.Downscale)
		h := float64(extent.Y) / float64(layer.Downscale)
		if w >= float64(target.X) && h >= float64(target.Y) {
			return layer
		}
	}
	return l.ReferenceLayer()
}

func (l *Layout) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Layout(%dx%d, tile %d, %d layers, %d tiles)", l.Width, l.Height, l.TileSize, len(l.layers), l.tileCount)
	for _, layer := range l.layers {
		fmt.Fprintf(&sb, "\n  layer %d: 1/%d, %dx%d px, %dx%d tiles",
			layer.Z, layer.Downscale, layer.Width, layer.Height, layer.GridWidth, layer.GridHeight)
	}
	return sb.String()
}
