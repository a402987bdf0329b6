package psi

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"math"
	"strconv"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	"golang.org/x/sync/errgroup"
)

const (
	// maxRegionPixels bounds every raster allocated for a region.
	maxRegionPixels = 1 << 28
	// maxFilterShrink is the largest layer to output pixel ratio resampled
	// with the full bilinear kernel, whose weights grow with the ratio.
	maxFilterShrink = 8
)

// Region renders the reference-space rectangle rect at the given output
// size. The layer is chosen with Layout.BestLayer and rect is mapped into it
// at sub-pixel precision, so the output covers exactly rect. Pixels of rect
// outside the image take the fill colour.
func (c *Container) Region(rect image.Rectangle, size image.Point) (*Raster, error) {
	if rect.Empty() {
		return nil, invalidArgf("empty region %v", rect)
	}
	if err := checkArea(size); err != nil {
		return nil, err
	}
	if !rect.Overlaps(c.Bounds()) {
		return nil, fmt.Errorf("%w: %v outside %v", ErrOutOfBounds, rect, c.Bounds())
	}

	layer := c.layout.BestLayer(rect.Size(), size)
	f := float64(layer.Downscale)
	src := [4]float64{
		float64(rect.Min.X) / f, float64(rect.Min.Y) / f,
		float64(rect.Max.X) / f, float64(rect.Max.Y) / f,
	}
	kx := float64(size.X) / (src[2] - src[0])
	ky := float64(size.Y) / (src[3] - src[1])

	// Whole layer pixels at scale one are a plain copy.
	if lr := layerRect(rect, layer.Downscale); kx == 1 && ky == 1 && float64(lr.Min.X) == src[0] && float64(lr.Min.Y) == src[1] {
		return c.stitch(layer, lr)
	}

	// Stitch the layer pixels under rect plus enough margin for the filter,
	// then resample the fractional source rectangle onto the output.
	shrink := max(1/kx, 1/ky)
	var interp xdraw.Transformer = xdraw.BiLinear
	margin := int(math.Ceil(shrink)) + 1
	if shrink > maxFilterShrink {
		// Only rectangles reaching far past the image shrink this much; two
		// by two samples per output pixel keep the filter small.
		interp, margin = xdraw.ApproxBiLinear, 1
	}
	valid := layerRect(rect, layer.Downscale).Inset(-margin).Intersect(layer.Bounds())
	stitched, err := c.stitch(layer, valid)
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rectangle{Max: size})
	draw.Draw(dst, dst.Rect, image.NewUniform(c.fill), image.Point{}, draw.Src)
	s2d := f64.Aff3{
		kx, 0, (float64(valid.Min.X) - src[0]) * kx,
		0, ky, (float64(valid.Min.Y) - src[1]) * ky,
	}
	// Output pixels whose centre maps outside the image keep the fill.
	interp.Transform(dst, s2d, stitched.RGBA(), stitched.Bounds(), xdraw.Src, nil)
	return RasterFromImage(dst), nil
}

// RegionFromLayer returns the pixels of rect, given in the coordinates of
// layer z, without resampling. rect is clipped to the layer.
func (c *Container) RegionFromLayer(z int, rect image.Rectangle) (*Raster, error) {
	layer, err := c.layout.Layer(z)
	if err != nil {
		return nil, err
	}
	if rect.Empty() {
		return nil, invalidArgf("empty region %v", rect)
	}
	if !rect.Overlaps(layer.Bounds()) {
		return nil, fmt.Errorf("%w: %v outside layer %d %v", ErrOutOfBounds, rect, z, layer.Bounds())
	}
	return c.stitch(layer, rect.Intersect(layer.Bounds()))
}

// Overview renders the whole image so that its longer side is maxSide
// pixels.
func (c *Container) Overview(maxSide int) (*Raster, error) {
	if maxSide <= 0 {
		return nil, invalidArgf("max side %d", maxSide)
	}
	return c.OverviewScale(float64(maxSide) / float64(max(c.Width(), c.Height())))
}

// OverviewScale renders the whole image scaled by factor, relative to the
// reference layer.
func (c *Container) OverviewScale(factor float64) (*Raster, error) {
	if !(factor > 0) || math.IsInf(factor, 0) {
		return nil, invalidArgf("scale %v", factor)
	}
	w := math.Round(float64(c.Width()) * factor)
	h := math.Round(float64(c.Height()) * factor)
	if w*h > maxRegionPixels {
		return nil, invalidArgf("overview of %.0fx%.0f pixels", w, h)
	}
	return c.Region(c.Bounds(), image.Pt(max(1, int(w)), max(1, int(h))))
}

// layerRect maps a reference-space rectangle into a layer with the given
// downscale factor, growing it to whole pixels.
func layerRect(r image.Rectangle, downscale int) image.Rectangle {
	if downscale == 1 {
		return r
	}
	f := float64(downscale)
	return image.Rect(
		int(math.Floor(float64(r.Min.X)/f)),
		int(math.Floor(float64(r.Min.Y)/f)),
		int(math.Ceil(float64(r.Max.X)/f)),
		int(math.Ceil(float64(r.Max.Y)/f)),
	)
}

// checkArea rejects raster sizes that are empty or too large to allocate.
func checkArea(size image.Point) error {
	if size.X <= 0 || size.Y <= 0 {
		return invalidArgf("output size %v", size)
	}
	if size.X > maxRegionPixels || size.Y > maxRegionPixels || size.X*size.Y > maxRegionPixels {
		return invalidArgf("output size %v exceeds %d pixels", size, maxRegionPixels)
	}
	return nil
}

// stitch assembles rect of layer from its tiles. The output has the size of
// rect; the part of rect outside the layer is filled.
func (c *Container) stitch(layer PyramidLayer, rect image.Rectangle) (*Raster, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkArea(rect.Size()); err != nil {
		return nil, err
	}
	start := time.Now()

	out := NewRaster(rect.Dx(), rect.Dy())
	valid := rect.Intersect(layer.Bounds())
	if valid != rect {
		out.Fill(c.fill)
	}

	tiles := c.layout.tilesIntersecting(layer, valid)
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(c.workers)
	for _, d := range tiles {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			src, err := c.store.load(d)
			if err != nil {
				return err
			}
			// Each tile writes a disjoint area of out.
			overlap := d.Bounds().Intersect(valid)
			out.copyFrom(src, overlap.Sub(d.Bounds().Min), overlap.Min.Sub(rect.Min))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extracting %v from layer %d: %w", rect, layer.Z, err)
	}

	if c.metrics != nil {
		c.metrics.RegionDuration.WithLabelValues(strconv.Itoa(layer.Z)).Observe(time.Since(start).Seconds())
	}
	c.logger.Debug("region extracted", "layer", layer.Z, "rect", rect.String(), "tiles", len(tiles), "elapsed", time.Since(start))
	return out, nil
}
