package psi

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
)

// BlobReader serves a container stored as an object of a gocloud.dev/blob
// bucket (S3, GCS, Azure, a local directory, ...). Tile fetches map to one
// ranged object read each.
type BlobReader struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	size   int64
}

// NewBlobReader returns a source for the container object key. The bucket
// stays owned by the caller.
func NewBlobReader(ctx context.Context, bucket *blob.Bucket, key string) (*BlobReader, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("blob source %s: %w", key, err)
	}
	return &BlobReader{
		ctx:    ctx,
		bucket: bucket,
		key:    key,
		size:   attrs.Size,
	}, nil
}

func (r *BlobReader) Size() int64 { return r.size }

func (r *BlobReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := clipRead(len(p), off, r.size)
	if n == 0 {
		return 0, err
	}
	rd, rerr := r.bucket.NewRangeReader(r.ctx, r.key, off, n, nil)
	if rerr != nil {
		return 0, fmt.Errorf("blob source %s: range [%d, +%d): %w", r.key, off, n, rerr)
	}
	defer rd.Close()
	read, rerr := io.ReadFull(rd, p[:n])
	if rerr != nil {
		return read, fmt.Errorf("blob source %s: %w", r.key, rerr)
	}
	return read, err
}
