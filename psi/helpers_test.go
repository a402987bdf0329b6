package psi

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

// gradientImage is a smooth test image: red follows x, green follows y and
// blue their sum, so resampling errors stay small.
func gradientImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / max(1, w-1)),
				G: uint8(y * 255 / max(1, h-1)),
				B: uint8((x + y) * 255 / max(1, w+h-2)),
				A: 0xff,
			})
		}
	}
	return img
}

// noiseImage is a deterministic high-frequency image: neighbouring pixels
// differ a lot, so any geometric shift shows up in a comparison.
func noiseImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint32(x*7919+y*104729) * 2654435761
			img.Set(x, y, color.RGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: 0xff})
		}
	}
	return img
}

// noiseContainer holds noiseImage(256, 256) as two raw layers of 64 pixel
// tiles: layer 0 is 128×128.
func noiseContainer(t *testing.T) *Container {
	t.Helper()
	return openContainer(t, noiseImage(256, 256), []WriteOption{
		WithTileSize(64),
		WithLayers(2),
		WithCodec(CodecRaw, 0),
	})
}

// diff returns the largest per-sample difference between two rasters, or -1
// when their sizes differ. It is safe to call outside the test goroutine.
func diff(a, b *Raster) int {
	if a.Size() != b.Size() {
		return -1
	}
	d := 0
	for i := range a.Pix {
		v := int(a.Pix[i]) - int(b.Pix[i])
		if v < 0 {
			v = -v
		}
		d = max(d, v)
	}
	return d
}

// buildContainer encodes img and returns the container bytes.
func buildContainer(t *testing.T, img image.Image, opts ...WriteOption) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, img, opts...))
	return buf.Bytes()
}

// openContainer builds and opens a container held in memory.
func openContainer(t *testing.T, img image.Image, wopts []WriteOption, opts ...Option) *Container {
	t.Helper()
	c, err := Open(bytes.NewReader(buildContainer(t, img, wopts...)), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// exampleContainer is the two layer pyramid of the reference scenario:
// tile size 256, layer 0 is 512×512 and layer 1 is 1024×1024.
func exampleContainer(t *testing.T, opts ...Option) (*Container, *image.RGBA) {
	t.Helper()
	img := gradientImage(1024, 1024)
	c := openContainer(t, img, []WriteOption{
		WithTileSize(256),
		WithLayers(2),
		WithCodec(CodecRaw, 0),
		WithMagnification(20),
	}, opts...)
	return c, img
}

// maxDiff returns the largest per-sample difference between two rasters of
// equal size.
func maxDiff(t *testing.T, a, b *Raster) int {
	t.Helper()
	require.Equal(t, a.Size(), b.Size())
	return diff(a, b)
}
