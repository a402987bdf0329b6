// psi/codec.go

package psi

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/webp"
)

// Codec identifies the compression used for every tile and preview payload
// of a container.
type Codec uint8

const (
	CodecRaw Codec = iota
	CodecJPEG
	CodecPNG
	CodecWebP
	CodecDeflate
	CodecZstd
	CodecSnappy
)

var codecToLabel = map[Codec]string{
	CodecRaw:     "raw",
	CodecJPEG:    "jpeg",
	CodecPNG:     "png",
	CodecWebP:    "webp",
	CodecDeflate: "deflate",
	CodecZstd:    "zstd",
	CodecSnappy:  "snappy",
}

func (c Codec) String() string {
	v, ok := codecToLabel[c]
	if !ok {
		return fmt.Sprintf("unrecognized codec %d", c)
	}
	return v
}

// Valid reports whether the codec id is known.
func (c Codec) Valid() bool {
	_, ok := codecToLabel[c]
	return ok
}

// ParseCodec returns the codec with the given name.
func ParseCodec(name string) (Codec, error) {
	for c, label := range codecToLabel {
		if label == name {
			return c, nil
		}
	}
	return 0, invalidArgf("unknown codec %q", name)
}

// zstd decoders and encoders are safe for concurrent DecodeAll/EncodeAll
// calls, so one of each is shared.
var (
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil)
	})
)

// Decode turns a compressed payload into a raster of exactly width×height
// pixels. The quality is the value recorded in the container header; it is
// informational for every supported codec. A payload that decodes to the
// padded size is accepted when padded is the full tile size, and cropped.
// On any failure no raster is returned.
func Decode(payload []byte, codec Codec, quality int, width, height int) (*Raster, error) {
	return decodePadded(payload, codec, width, height, image.Pt(width, height))
}

func decodePadded(payload []byte, codec Codec, width, height int, padded image.Point) (*Raster, error) {
	if width <= 0 || height <= 0 {
		return nil, invalidArgf("tile size %dx%d", width, height)
	}
	var (
		r   *Raster
		err error
	)
	switch codec {
	case CodecRaw:
		r, err = rawRaster(payload, width, height, padded)
	case CodecJPEG:
		r, err = imageRaster(jpeg.Decode(bytes.NewReader(payload)))
	case CodecPNG:
		r, err = imageRaster(png.Decode(bytes.NewReader(payload)))
	case CodecWebP:
		r, err = imageRaster(webp.Decode(bytes.NewReader(payload)))
	case CodecDeflate:
		var z io.ReadCloser
		z, err = zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			break
		}
		var raw []byte
		raw, err = io.ReadAll(z)
		z.Close()
		if err == nil {
			r, err = rawRaster(raw, width, height, padded)
		}
	case CodecZstd:
		var dec *zstd.Decoder
		if dec, err = zstdDecoder(); err != nil {
			break
		}
		var raw []byte
		if raw, err = dec.DecodeAll(payload, nil); err == nil {
			r, err = rawRaster(raw, width, height, padded)
		}
	case CodecSnappy:
		var raw []byte
		if raw, err = snappy.Decode(nil, payload); err == nil {
			r, err = rawRaster(raw, width, height, padded)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrCodec, codec)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCodec, codec, err)
	}

	switch r.Size() {
	case image.Pt(width, height):
		return r, nil
	case padded:
		return r.Crop(image.Rect(0, 0, width, height)), nil
	}
	return nil, fmt.Errorf("%w: %s: decoded %dx%d, want %dx%d", ErrCodec, codec, r.Width, r.Height, width, height)
}

func imageRaster(img image.Image, err error) (*Raster, error) {
	if err != nil {
		return nil, err
	}
	return RasterFromImage(img), nil
}

// rawRaster interprets raw interleaved RGB bytes. The byte count decides
// whether the buffer holds the valid pixels only or the padded tile.
func rawRaster(raw []byte, width, height int, padded image.Point) (*Raster, error) {
	r := &Raster{Channels: Channels, Pix: raw}
	switch len(raw) {
	case width * height * Channels:
		r.Width, r.Height = width, height
	case padded.X * padded.Y * Channels:
		r.Width, r.Height = padded.X, padded.Y
	default:
		return nil, fmt.Errorf("raw payload of %d bytes does not match a %dx%d tile", len(raw), width, height)
	}
	return r, nil
}

// Encode compresses a raster with codec. quality is used by JPEG only.
func Encode(r *Raster, codec Codec, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch codec {
	case CodecRaw:
		return append([]byte(nil), r.Pix...), nil
	case CodecJPEG:
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		if err := jpeg.Encode(&buf, r.RGBA(), &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("%w: jpeg: %w", ErrCodec, err)
		}
	case CodecPNG:
		if err := png.Encode(&buf, r.RGBA()); err != nil {
			return nil, fmt.Errorf("%w: png: %w", ErrCodec, err)
		}
	case CodecDeflate:
		z := zlib.NewWriter(&buf)
		if _, err := z.Write(r.Pix); err != nil {
			return nil, fmt.Errorf("%w: deflate: %w", ErrCodec, err)
		}
		if err := z.Close(); err != nil {
			return nil, fmt.Errorf("%w: deflate: %w", ErrCodec, err)
		}
	case CodecZstd:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %w", ErrCodec, err)
		}
		return enc.EncodeAll(r.Pix, nil), nil
	case CodecSnappy:
		return snappy.Encode(nil, r.Pix), nil
	default:
		return nil, fmt.Errorf("%w: encoding %s is not supported", ErrCodec, codec)
	}
	return buf.Bytes(), nil
}
