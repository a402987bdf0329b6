package psi

import (
	"fmt"
	"image"
	"math"

	"github.com/paulmach/orb"
)

// Projector maps reference-space coordinates onto a raster of another size,
// typically a preview, so that annotation polygons can be drawn over it.
type Projector struct {
	// ScaleX and ScaleY are target pixels per reference pixel.
	ScaleX float64
	ScaleY float64
	// Target is the size of the raster projected onto.
	Target image.Point
}

// Projector returns the mapping from reference space onto a raster of the
// given size covering the whole image.
func (c *Container) Projector(target image.Point) (Projector, error) {
	if target.X <= 0 || target.Y <= 0 {
		return Projector{}, invalidArgf("projection target %v", target)
	}
	return Projector{
		ScaleX: float64(target.X) / float64(c.Width()),
		ScaleY: float64(target.Y) / float64(c.Height()),
		Target: target,
	}, nil
}

// PreviewProjector returns the projector for the named preview.
func (c *Container) PreviewProjector(name string) (Projector, error) {
	p, ok := c.previews[name]
	if !ok {
		return Projector{}, fmt.Errorf("%w: no preview named %q", ErrInvalidArgument, name)
	}
	return c.Projector(p.Size())
}

// ToTarget converts a reference-space point into a target pixel. Points
// outside the image are reported with ok == false.
func (p Projector) ToTarget(pt orb.Point) (image.Point, bool) {
	x := int(math.Floor(pt.X() * p.ScaleX))
	y := int(math.Floor(pt.Y() * p.ScaleY))
	q := image.Pt(x, y)
	return q, q.In(image.Rectangle{Max: p.Target})
}

// ToReference converts a target pixel back to the reference-space position
// of its top-left corner.
func (p Projector) ToReference(q image.Point) orb.Point {
	return orb.Point{float64(q.X) / p.ScaleX, float64(q.Y) / p.ScaleY}
}

// ProjectPolygon scales every vertex of poly into target coordinates.
func (p Projector) ProjectPolygon(poly orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, len(poly))
	for i, ring := range poly {
		r := make(orb.Ring, len(ring))
		for j, pt := range ring {
			r[j] = orb.Point{pt.X() * p.ScaleX, pt.Y() * p.ScaleY}
		}
		out[i] = r
	}
	return out
}
