package psi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// HTTPRangeReader serves a container published over HTTP by a server that
// honours byte ranges. Every ReadAt is an independent range request, so tile
// fetches run in parallel without shared state.
type HTTPRangeReader struct {
	ctx    context.Context
	url    string
	client *http.Client
	size   int64
}

// NewHTTPRangeReader checks with a HEAD request that url supports ranges and
// has a length. Later requests are bound to ctx.
func NewHTTPRangeReader(ctx context.Context, url string, client *http.Client) (*HTTPRangeReader, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("http source: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http source: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("http source %s: %s", url, resp.Status)
	case resp.Header.Get("Accept-Ranges") != "bytes":
		return nil, errors.New("http source: server does not accept byte ranges")
	case resp.ContentLength <= 0:
		return nil, errors.New("http source: unknown or empty content length")
	}
	return &HTTPRangeReader{
		ctx:    ctx,
		url:    url,
		client: client,
		size:   resp.ContentLength,
	}, nil
}

// Size is the length of the remote container.
func (h *HTTPRangeReader) Size() int64 { return h.size }

func (h *HTTPRangeReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := clipRead(len(p), off, h.size)
	if n == 0 {
		return 0, err
	}
	req, rerr := http.NewRequestWithContext(h.ctx, http.MethodGet, h.url, nil)
	if rerr != nil {
		return 0, fmt.Errorf("http source: %w", rerr)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+n-1))
	resp, rerr := h.client.Do(req)
	if rerr != nil {
		return 0, fmt.Errorf("http source: range [%d, +%d): %w", off, n, rerr)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("http source: range [%d, +%d): %s", off, n, resp.Status)
	}
	read, rerr := io.ReadFull(resp.Body, p[:n])
	if rerr != nil {
		return read, fmt.Errorf("http source: %w", rerr)
	}
	return read, err
}
