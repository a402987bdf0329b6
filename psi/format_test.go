package psi

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClipRead(t *testing.T) {
	testCases := []struct {
		name    string
		want    int
		off     int64
		wantN   int64
		wantErr error
	}{
		{"inside", 10, 0, 10, nil},
		{"up to the end", 10, 90, 10, nil},
		{"short", 10, 95, 5, io.EOF},
		{"at the end", 10, 100, 0, io.EOF},
		{"empty", 0, 50, 0, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := clipRead(tc.want, tc.off, 100)
			require.Equal(t, tc.wantN, n)
			require.Equal(t, tc.wantErr, err)
		})
	}
	_, err := clipRead(10, -1, 100)
	require.Error(t, err)
}

func TestCountTiles(t *testing.T) {
	testCases := []struct {
		name   string
		h      fileHeader
		want   uint64
		wantOK bool
	}{
		{"example pyramid", fileHeader{Width: 1024, Height: 1024, TileSize: 256, LayerCount: 2}, 20, true},
		{"partial tiles", fileHeader{Width: 300, Height: 200, TileSize: 128, LayerCount: 3}, 1 + 2 + 6, true},
		{"single pixel tiles", fileHeader{Width: 4096, Height: 4096, TileSize: 1, LayerCount: 1}, 4096 * 4096, true},
		{"wide grid", fileHeader{Width: 0xFFFFFFFF, Height: 1, TileSize: 1, LayerCount: 1}, 0, false},
		{"wrapping product", fileHeader{Width: 0xFFFFFFFF, Height: 0xFFFFFFFF, TileSize: 1, LayerCount: 1}, 0, false},
		{"just over the cap", fileHeader{Width: 1 << 14, Height: 1<<14 + 1, TileSize: 1, LayerCount: 1}, 0, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := countTiles(tc.h)
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.want, got)
		})
	}
}
