package psi

import (
	"image"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/require"
)

func square(x0, y0, x1, y1 float64) orb.Polygon {
	return orb.Polygon{orb.Ring{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}}}
}

func collect(t *testing.T, seq func(func(Patch, error) bool)) []Patch {
	t.Helper()
	var out []Patch
	for p, err := range seq {
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestPatchesDenseGrid(t *testing.T) {
	c, img := exampleContainer(t)
	ref := RasterFromImage(img)

	patches := collect(t, c.PatchesDense(256, 256, square(0, 0, 1024, 1024)))
	require.Len(t, patches, 16)

	i := 0
	for y := 0; y < 1024; y += 256 {
		for x := 0; x < 1024; x += 256 {
			p := patches[i]
			require.Equal(t, image.Pt(x, y), image.Pt(p.X, p.Y), "patches come row by row")
			require.Equal(t, 256, p.Size)
			require.Zero(t, maxDiff(t, ref.Crop(p.Bounds()), p.Data))
			i++
		}
	}
}

func TestPatchesDenseStride(t *testing.T) {
	c, _ := exampleContainer(t)

	poly := square(100, 200, 600, 500)

	patches := collect(t, c.PatchesDense(64, 100, poly))
	require.Len(t, patches, 15)
	for _, p := range patches {
		require.Zero(t, (p.X-100)%100)
		require.Zero(t, (p.Y-200)%100)
		require.True(t, planar.PolygonContains(closePolygon(poly), p.Center()))
		require.Equal(t, image.Pt(64, 64), p.Data.Size())
	}
}

func TestPatchesAcrossImageEdge(t *testing.T) {
	c, img := exampleContainer(t)
	ref := RasterFromImage(img)

	// The only anchor is (950, 950); the patch runs 26 pixels past the
	// right and bottom edges.
	patches := collect(t, c.PatchesDense(100, 100, square(950, 950, 1040, 1040)))
	require.Len(t, patches, 1)
	p := patches[0]
	require.Equal(t, image.Pt(950, 950), image.Pt(p.X, p.Y))
	require.Equal(t, image.Pt(100, 100), p.Data.Size())

	r, g, b := p.Data.RGB(0, 0)
	wr, wg, wb := ref.RGB(950, 950)
	require.Equal(t, []uint8{wr, wg, wb}, []uint8{r, g, b})
	r, g, b = p.Data.RGB(99, 99)
	require.Equal(t, []uint8{0xff, 0xff, 0xff}, []uint8{r, g, b})
}

func TestPatchesContainment(t *testing.T) {
	c, _ := exampleContainer(t)
	// No anchor of the 128 grid puts a corner or centre on an edge.
	triangle := orb.Polygon{orb.Ring{{3, 1010}, {511, 7}, {1017, 1013}}}

	centers := collect(t, c.PatchesDense(128, 128, triangle))
	corners := collect(t, c.PatchesDense(128, 128, triangle, WithContainment(CornersInside)))

	require.NotEmpty(t, corners)
	require.Less(t, len(corners), len(centers))

	closed := closePolygon(triangle)
	for _, p := range corners {
		b := p.Bounds()
		for _, pt := range []orb.Point{
			{float64(b.Min.X), float64(b.Min.Y)},
			{float64(b.Max.X), float64(b.Min.Y)},
			{float64(b.Min.X), float64(b.Max.Y)},
			{float64(b.Max.X), float64(b.Max.Y)},
		} {
			require.True(t, planar.PolygonContains(closed, pt), "patch at %d,%d", p.X, p.Y)
		}
	}
}

func TestPatchesRandom(t *testing.T) {
	c, _ := exampleContainer(t)
	diamond := orb.Polygon{orb.Ring{{512, 100}, {900, 512}, {512, 900}, {100, 512}}}

	patches := collect(t, c.PatchesRandom(64, diamond, 25, WithSeed(42)))
	require.Len(t, patches, 25)
	for _, p := range patches {
		require.True(t, planar.PolygonContains(closePolygon(diamond), p.Center()))
		require.Equal(t, image.Pt(64, 64), p.Data.Size())
	}

	again := collect(t, c.PatchesRandom(64, diamond, 25, WithSeed(42)))
	for i := range patches {
		require.Equal(t, patches[i].Bounds(), again[i].Bounds(), "same seed, same patches")
	}
}

func TestPatchesRandomUnbounded(t *testing.T) {
	c, _ := exampleContainer(t)

	n := 0
	for p, err := range c.PatchesRandom(32, square(0, 0, 1024, 1024), 0, WithSeed(7)) {
		require.NoError(t, err)
		require.NotNil(t, p.Data)
		n++
		if n == 5 {
			break
		}
	}
	require.Equal(t, 5, n)
}

func TestPatchesEarlyBreak(t *testing.T) {
	c, _ := exampleContainer(t)

	n := 0
	for _, err := range c.PatchesDense(64, 64, square(0, 0, 1024, 1024)) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	require.Equal(t, 3, n)
}

func TestPatchesRejectsExhausted(t *testing.T) {
	c, _ := exampleContainer(t)
	thin := square(100, 100, 110, 110)

	var errs []error
	for _, err := range c.PatchesRandom(256, thin, 3, WithContainment(CornersInside), WithMaxRejects(50), WithSeed(1)) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrInvalidArgument)
}

func TestPatchesInvalid(t *testing.T) {
	c, _ := exampleContainer(t)

	testCases := []struct {
		name    string
		seq     func(func(Patch, error) bool)
		wantErr error
	}{
		{
			name:    "zero area polygon",
			seq:     c.PatchesDense(64, 64, orb.Polygon{orb.Ring{{0, 0}, {10, 10}, {20, 20}}}),
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "two vertices",
			seq:     c.PatchesRandom(64, orb.Polygon{orb.Ring{{0, 0}, {10, 10}}}, 1),
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "empty polygon",
			seq:     c.PatchesRandom(64, nil, 1),
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "zero size",
			seq:     c.PatchesDense(0, 64, square(0, 0, 100, 100)),
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "zero stride",
			seq:     c.PatchesDense(64, 0, square(0, 0, 100, 100)),
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "polygon outside the image",
			seq:     c.PatchesDense(64, 64, square(2000, 2000, 3000, 3000)),
			wantErr: ErrOutOfBounds,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var (
				n   int
				err error
			)
			for _, e := range tc.seq {
				n++
				err = e
			}
			require.Equal(t, 1, n)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}
