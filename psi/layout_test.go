package psi

import (
	"image"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayoutExample(t *testing.T) {
	c, _ := exampleContainer(t)
	l := c.Layout()

	require.Equal(t, 2, l.NumLayers())
	require.Equal(t, 20, l.NumTiles())

	size, err := l.LayerSize(0)
	require.NoError(t, err)
	require.Equal(t, image.Pt(512, 512), size)

	size, err = c.LayerSize(1)
	require.NoError(t, err)
	require.Equal(t, image.Pt(1024, 1024), size)

	tiles, err := l.TilesAtLayer(0)
	require.NoError(t, err)
	require.Len(t, tiles, 4)

	tiles, err = l.TilesAtLayer(1)
	require.NoError(t, err)
	require.Len(t, tiles, 16)

	require.Equal(t, 1, l.ReferenceLayer().Z)
	require.Equal(t, 2, l.Layers()[0].Downscale)
	require.Equal(t, 0.5, l.Layers()[0].Scale())
}

func TestCodeBijection(t *testing.T) {
	l := newLayout(1000, 700, 128, 4)
	all := l.TilesAll()
	require.Len(t, all, l.NumTiles())

	for i, d := range all {
		require.Equal(t, i, d.Code, "codes follow layer-major, row-major order")

		got, err := l.DescriptorForCode(d.Code)
		require.NoError(t, err)
		require.Equal(t, d, got)

		code, err := l.Code(got.Z, got.Row, got.Col)
		require.NoError(t, err)
		require.Equal(t, d.Code, code)

		byCoords, err := l.DescriptorForCoords(d.Z, d.Row, d.Col)
		require.NoError(t, err)
		require.Equal(t, d, byCoords)
	}
}

func TestTilesCoverLayer(t *testing.T) {
	l := newLayout(1000, 700, 128, 4)
	perLayer := l.TilesPerLayer()
	require.Len(t, perLayer, 4)

	for _, layer := range l.Layers() {
		tiles, err := l.TilesAtLayer(layer.Z)
		require.NoError(t, err)
		require.Equal(t, tiles, perLayer[layer.Z])
		require.Len(t, tiles, layer.GridWidth*layer.GridHeight)

		covered := make([]int, layer.Width*layer.Height)
		for _, d := range tiles {
			require.LessOrEqual(t, d.Width, l.TileSize)
			require.LessOrEqual(t, d.Height, l.TileSize)
			for y := d.Y; y < d.Y+d.Height; y++ {
				for x := d.X; x < d.X+d.Width; x++ {
					covered[y*layer.Width+x]++
				}
			}
		}
		for i, n := range covered {
			require.Equal(t, 1, n, "layer %d pixel %d covered %d times", layer.Z, i, n)
		}
	}
}

func TestLayoutGeometry(t *testing.T) {
	l := newLayout(1000, 700, 128, 4)
	want := []PyramidLayer{
		{Z: 0, Downscale: 8, Width: 125, Height: 88, GridWidth: 1, GridHeight: 1},
		{Z: 1, Downscale: 4, Width: 250, Height: 175, GridWidth: 2, GridHeight: 2},
		{Z: 2, Downscale: 2, Width: 500, Height: 350, GridWidth: 4, GridHeight: 3},
		{Z: 3, Downscale: 1, Width: 1000, Height: 700, GridWidth: 8, GridHeight: 6},
	}
	for i, layer := range l.Layers() {
		layer.firstCode = 0
		require.Equal(t, want[i], layer)
	}

	last, err := l.DescriptorForCoords(3, 5, 7)
	require.NoError(t, err)
	require.Equal(t, image.Rect(896, 640, 1000, 700), last.Bounds())
}

func TestLayoutLookupErrors(t *testing.T) {
	l := newLayout(1000, 700, 128, 4)

	testCases := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{
			name:    "negative layer",
			call:    func() error { _, err := l.TilesAtLayer(-1); return err },
			wantErr: ErrInvalidLayer,
		},
		{
			name:    "layer past the finest",
			call:    func() error { _, err := l.LayerSize(4); return err },
			wantErr: ErrInvalidLayer,
		},
		{
			name:    "code past the end",
			call:    func() error { _, err := l.DescriptorForCode(l.NumTiles()); return err },
			wantErr: ErrTileNotFound,
		},
		{
			name:    "negative code",
			call:    func() error { _, err := l.DescriptorForCode(-1); return err },
			wantErr: ErrTileNotFound,
		},
		{
			name:    "column outside grid",
			call:    func() error { _, err := l.DescriptorForCoords(3, 0, 8); return err },
			wantErr: ErrTileNotFound,
		},
		{
			name:    "coords on unknown layer",
			call:    func() error { _, err := l.DescriptorForCoords(9, 0, 0); return err },
			wantErr: ErrInvalidLayer,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, tc.call(), tc.wantErr)
		})
	}
}

func TestBestLayer(t *testing.T) {
	// Downscales 8, 4, 2, 1.
	l := newLayout(4096, 4096, 256, 4)

	testCases := []struct {
		name   string
		extent image.Point
		target image.Point
		wantZ  int
	}{
		{"exact coarse layer", image.Pt(4096, 4096), image.Pt(512, 512), 0},
		{"between layers picks finer", image.Pt(4096, 4096), image.Pt(600, 600), 1},
		{"native size", image.Pt(1000, 1000), image.Pt(1000, 1000), 3},
		{"upsampling uses reference", image.Pt(100, 100), image.Pt(400, 400), 3},
		{"both axes must fit", image.Pt(4096, 1024), image.Pt(512, 256), 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.wantZ, l.BestLayer(tc.extent, tc.target).Z)
		})
	}
}

func TestLayersFor(t *testing.T) {
	require.Equal(t, 1, layersFor(200, 100, 256))
	require.Equal(t, 2, layersFor(512, 100, 256))
	require.Equal(t, 3, layersFor(513, 100, 256))
	require.Equal(t, 5, layersFor(3000, 4000, 256))
}
