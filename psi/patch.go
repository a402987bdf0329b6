package psi

import (
	"fmt"
	"image"
	"iter"
	"math"
	"math/rand/v2"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Patch is a square raster sampled at reference-space position (X, Y), its
// top-left corner.
type Patch struct {
	X    int
	Y    int
	Size int
	Data *Raster
}

// Bounds is the patch rectangle in reference space.
func (p Patch) Bounds() image.Rectangle { return image.Rect(p.X, p.Y, p.X+p.Size, p.Y+p.Size) }

// Center is the patch centre in reference space.
func (p Patch) Center() orb.Point {
	half := float64(p.Size) / 2
	return orb.Point{float64(p.X) + half, float64(p.Y) + half}
}

// Containment decides whether a candidate patch belongs to a polygon.
type Containment int

const (
	// CenterInside accepts a patch whose centre lies inside the polygon.
	CenterInside Containment = iota
	// CornersInside accepts a patch whose four corners lie inside the polygon.
	CornersInside
)

// PatchOption configures patch sampling.
type PatchOption func(*patchOptions)

type patchOptions struct {
	containment Containment
	rng         *rand.Rand
	maxRejects  int
}

// WithContainment sets the rule used to accept candidate patches.
func WithContainment(c Containment) PatchOption {
	return func(o *patchOptions) {
		o.containment = c
	}
}

// WithSeed makes random sampling reproducible.
func WithSeed(seed uint64) PatchOption {
	return func(o *patchOptions) {
		o.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithMaxRejects bounds the consecutive rejected samples before random
// sampling gives up with ErrInvalidArgument.
func WithMaxRejects(n int) PatchOption {
	return func(o *patchOptions) {
		if n > 0 {
			o.maxRejects = n
		}
	}
}

// PatchesDense yields the patches of size×size pixels anchored on a grid
// with the given stride over the polygon bound, row by row. Only patches
// accepted by the containment rule are extracted. The polygon is in
// reference-space pixels. Errors end the sequence.
func (c *Container) PatchesDense(size, stride int, polygon orb.Polygon, opts ...PatchOption) iter.Seq2[Patch, error] {
	return func(yield func(Patch, error) bool) {
		o, poly, err := c.preparePatches(size, polygon, opts)
		if err == nil && stride <= 0 {
			err = invalidArgf("stride %d", stride)
		}
		if err != nil {
			yield(Patch{}, err)
			return
		}

		b := poly.Bound()
		x0, y0 := int(math.Floor(b.Min.X())), int(math.Floor(b.Min.Y()))
		x1, y1 := int(math.Ceil(b.Max.X())), int(math.Ceil(b.Max.Y()))
		for y := y0; y < y1; y += stride {
			for x := x0; x < x1; x += stride {
				if !c.acceptPatch(poly, x, y, size, o.containment) {
					continue
				}
				p, err := c.extractPatch(x, y, size)
				if !yield(p, err) || err != nil {
					return
				}
			}
		}
	}
}

// PatchesRandom yields patches centred on points drawn uniformly from the
// polygon by rejection sampling. n caps the number of patches; with n <= 0
// the sequence is unbounded and ends when the caller stops ranging.
func (c *Container) PatchesRandom(size int, polygon orb.Polygon, n int, opts ...PatchOption) iter.Seq2[Patch, error] {
	return func(yield func(Patch, error) bool) {
		o, poly, err := c.preparePatches(size, polygon, opts)
		if err != nil {
			yield(Patch{}, err)
			return
		}

		b := poly.Bound()
		half := float64(size) / 2
		rejects := 0
		for produced := 0; n <= 0 || produced < n; {
			pt := orb.Point{
				b.Min.X() + o.rng.Float64()*(b.Max.X()-b.Min.X()),
				b.Min.Y() + o.rng.Float64()*(b.Max.Y()-b.Min.Y()),
			}
			x := int(math.Round(pt.X() - half))
			y := int(math.Round(pt.Y() - half))
			if !planar.PolygonContains(poly, pt) || !c.acceptPatch(poly, x, y, size, o.containment) {
				rejects++
				if rejects >= o.maxRejects {
					yield(Patch{}, invalidArgf("no patch accepted inside the polygon after %d samples", rejects))
					return
				}
				continue
			}
			rejects = 0
			p, err := c.extractPatch(x, y, size)
			if !yield(p, err) || err != nil {
				return
			}
			produced++
		}
	}
}

// preparePatches validates the sampling arguments before any I/O.
func (c *Container) preparePatches(size int, polygon orb.Polygon, opts []PatchOption) (*patchOptions, orb.Polygon, error) {
	o := &patchOptions{
		containment: CenterInside,
		maxRejects:  100000,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if size <= 0 {
		return nil, nil, invalidArgf("patch size %d", size)
	}
	poly := closePolygon(polygon)
	if len(poly) == 0 || len(poly[0]) < 4 {
		return nil, nil, invalidArgf("polygon needs at least three vertices")
	}
	if math.Abs(planar.Area(poly)) == 0 {
		return nil, nil, invalidArgf("polygon has zero area")
	}
	if !boundRect(poly.Bound()).Overlaps(c.Bounds()) {
		return nil, nil, fmt.Errorf("%w: polygon bound %v outside %v", ErrOutOfBounds, poly.Bound(), c.Bounds())
	}
	return o, poly, nil
}

// acceptPatch applies the containment rule and rejects patches that would
// not read a single image pixel.
func (c *Container) acceptPatch(poly orb.Polygon, x, y, size int, rule Containment) bool {
	r := image.Rect(x, y, x+size, y+size)
	if !r.Overlaps(c.Bounds()) {
		return false
	}
	switch rule {
	case CornersInside:
		for _, pt := range []orb.Point{
			{float64(r.Min.X), float64(r.Min.Y)},
			{float64(r.Max.X), float64(r.Min.Y)},
			{float64(r.Min.X), float64(r.Max.Y)},
			{float64(r.Max.X), float64(r.Max.Y)},
		} {
			if !planar.PolygonContains(poly, pt) {
				return false
			}
		}
		return true
	default:
		half := float64(size) / 2
		return planar.PolygonContains(poly, orb.Point{float64(x) + half, float64(y) + half})
	}
}

// extractPatch reads a patch from the reference layer. Patches crossing the
// image edge keep their size and are padded with the fill colour.
func (c *Container) extractPatch(x, y, size int) (Patch, error) {
	data, err := c.stitch(c.layout.ReferenceLayer(), image.Rect(x, y, x+size, y+size))
	if err != nil {
		return Patch{}, err
	}
	return Patch{X: x, Y: y, Size: size, Data: data}, nil
}

// closePolygon returns a copy of p whose rings repeat their first vertex at
// the end.
func closePolygon(p orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, 0, len(p))
	for _, ring := range p {
		if len(ring) == 0 {
			continue
		}
		r := append(orb.Ring(nil), ring...)
		if !r.Closed() {
			r = append(r, r[0])
		}
		out = append(out, r)
	}
	return out
}

func boundRect(b orb.Bound) image.Rectangle {
	return image.Rect(
		int(math.Floor(b.Min.X())), int(math.Floor(b.Min.Y())),
		int(math.Ceil(b.Max.X())), int(math.Ceil(b.Max.Y())),
	)
}
