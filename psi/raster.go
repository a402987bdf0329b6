package psi

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// Channels is the number of interleaved samples per pixel in every Raster.
const Channels = 3

// Raster is a decoded 8-bit RGB pixel buffer, row-major with a stride of
// Width*Channels bytes.
type Raster struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewRaster allocates a zeroed raster of the given size.
func NewRaster(width, height int) *Raster {
	return &Raster{
		Width:    width,
		Height:   height,
		Channels: Channels,
		Pix:      make([]uint8, width*height*Channels),
	}
}

func (r *Raster) Stride() int { return r.Width * r.Channels }

func (r *Raster) Bounds() image.Rectangle { return image.Rect(0, 0, r.Width, r.Height) }

func (r *Raster) Size() image.Point { return image.Pt(r.Width, r.Height) }

// RGB returns the pixel at (x, y).
func (r *Raster) RGB(x, y int) (uint8, uint8, uint8) {
	i := y*r.Stride() + x*r.Channels
	return r.Pix[i], r.Pix[i+1], r.Pix[i+2]
}

// SetRGB sets the pixel at (x, y).
func (r *Raster) SetRGB(x, y int, cr, cg, cb uint8) {
	i := y*r.Stride() + x*r.Channels
	r.Pix[i], r.Pix[i+1], r.Pix[i+2] = cr, cg, cb
}

// Fill paints every pixel with c.
func (r *Raster) Fill(c color.RGBA) {
	for i := 0; i+2 < len(r.Pix); i += r.Channels {
		r.Pix[i], r.Pix[i+1], r.Pix[i+2] = c.R, c.G, c.B
	}
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	c := *r
	c.Pix = make([]uint8, len(r.Pix))
	copy(c.Pix, r.Pix)
	return &c
}

// Crop returns a copy of the pixels inside rect, which must lie within the
// raster bounds.
func (r *Raster) Crop(rect image.Rectangle) *Raster {
	rect = rect.Intersect(r.Bounds())
	out := NewRaster(rect.Dx(), rect.Dy())
	out.copyFrom(r, rect, image.Point{})
	return out
}

// copyFrom copies the sr region of src to dp in r. Both rectangles are
// clipped to the valid pixels of their rasters.
func (r *Raster) copyFrom(src *Raster, sr image.Rectangle, dp image.Point) {
	delta := dp.Sub(sr.Min)
	dr := sr.Intersect(src.Bounds()).Add(delta).Intersect(r.Bounds())
	if dr.Empty() {
		return
	}
	sp := dr.Min.Sub(delta)
	n := dr.Dx() * r.Channels
	for y := 0; y < dr.Dy(); y++ {
		si := (sp.Y+y)*src.Stride() + sp.X*src.Channels
		di := (dr.Min.Y+y)*r.Stride() + dr.Min.X*r.Channels
		copy(r.Pix[di:di+n], src.Pix[si:si+n])
	}
}

// RGBA converts the raster into an opaque *image.RGBA.
func (r *Raster) RGBA() *image.RGBA {
	img := image.NewRGBA(r.Bounds())
	for y := 0; y < r.Height; y++ {
		si := y * r.Stride()
		di := y * img.Stride
		for x := 0; x < r.Width; x++ {
			img.Pix[di] = r.Pix[si]
			img.Pix[di+1] = r.Pix[si+1]
			img.Pix[di+2] = r.Pix[si+2]
			img.Pix[di+3] = 0xff
			si += r.Channels
			di += 4
		}
	}
	return img
}

// RasterFromImage converts any image into an RGB raster, dropping alpha.
func RasterFromImage(img image.Image) *Raster {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	}
	out := NewRaster(b.Dx(), b.Dy())
	for y := 0; y < out.Height; y++ {
		si := y * rgba.Stride
		di := y * out.Stride()
		for x := 0; x < out.Width; x++ {
			out.Pix[di] = rgba.Pix[si]
			out.Pix[di+1] = rgba.Pix[si+1]
			out.Pix[di+2] = rgba.Pix[si+2]
			si += 4
			di += out.Channels
		}
	}
	return out
}

// Resize resamples the raster to size with bilinear interpolation. The
// receiver is returned unchanged when it already has the requested size.
func (r *Raster) Resize(size image.Point) *Raster {
	if size == r.Size() {
		return r
	}
	dst := image.NewRGBA(image.Rectangle{Max: size})
	xdraw.BiLinear.Scale(dst, dst.Rect, r.RGBA(), r.Bounds(), xdraw.Src, nil)
	return RasterFromImage(dst)
}
