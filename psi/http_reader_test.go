package psi

import (
	"bytes"
	"context"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPRangeReader(t *testing.T) {
	data := exampleBytes(t)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.ServeContent(w, r, "slide.psi", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	ctx := context.Background()
	r, err := NewHTTPRangeReader(ctx, srv.URL, srv.Client())
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), r.Size())

	buf := make([]byte, 16)
	n, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, data[:16], buf)

	n, err = r.ReadAt(buf, int64(len(data)-4))
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 4, n)
	require.Equal(t, data[len(data)-4:], buf[:4])

	_, err = r.ReadAt(buf, int64(len(data)))
	require.ErrorIs(t, err, io.EOF)
	_, err = r.ReadAt(buf, -1)
	require.ErrorContains(t, err, "negative offset")

	c, err := Open(r, WithWorkers(4))
	require.NoError(t, err)
	defer c.Close()

	local, err := Open(bytes.NewReader(data))
	require.NoError(t, err)
	defer local.Close()

	rect := image.Rect(100, 300, 900, 700)
	want, err := local.Region(rect, image.Pt(400, 200))
	require.NoError(t, err)
	got, err := c.Region(rect, image.Pt(400, 200))
	require.NoError(t, err)
	require.Zero(t, maxDiff(t, want, got))
	require.Greater(t, requests.Load(), int32(4))
}

func TestHTTPRangeReaderWithoutRanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("no ranges here"))
	}))
	defer srv.Close()

	_, err := NewHTTPRangeReader(context.Background(), srv.URL, nil)
	require.Error(t, err)
}

func TestHTTPRangeReaderNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewHTTPRangeReader(context.Background(), srv.URL, nil)
	require.Error(t, err)
}
