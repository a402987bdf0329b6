package psi

import (
	"image"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	src := RasterFromImage(gradientImage(96, 64))

	testCases := []struct {
		codec     Codec
		quality   int
		tolerance int
	}{
		{CodecRaw, 0, 0},
		{CodecPNG, 0, 0},
		{CodecDeflate, 0, 0},
		{CodecZstd, 0, 0},
		{CodecSnappy, 0, 0},
		{CodecJPEG, 95, 32},
	}
	for _, tc := range testCases {
		t.Run(tc.codec.String(), func(t *testing.T) {
			payload, err := Encode(src, tc.codec, tc.quality)
			require.NoError(t, err)
			require.NotEmpty(t, payload)

			got, err := Decode(payload, tc.codec, tc.quality, src.Width, src.Height)
			require.NoError(t, err)
			require.Equal(t, Channels, got.Channels)
			require.LessOrEqual(t, maxDiff(t, src, got), tc.tolerance)
		})
	}
}

func TestDecodePaddedTile(t *testing.T) {
	full := RasterFromImage(gradientImage(64, 64))
	payload, err := Encode(full, CodecZstd, 0)
	require.NoError(t, err)

	got, err := decodePadded(payload, CodecZstd, 40, 24, image.Pt(64, 64))
	require.NoError(t, err)
	require.Equal(t, image.Pt(40, 24), got.Size())
	require.Zero(t, maxDiff(t, full.Crop(image.Rect(0, 0, 40, 24)), got))

	_, err = Decode(payload, CodecZstd, 0, 40, 24)
	require.ErrorIs(t, err, ErrCodec, "padding is only accepted up to the tile size")
}

func TestDecodeErrors(t *testing.T) {
	small := RasterFromImage(gradientImage(10, 10))
	pngPayload, err := Encode(small, CodecPNG, 0)
	require.NoError(t, err)

	testCases := []struct {
		name    string
		payload []byte
		codec   Codec
		width   int
		height  int
		wantErr error
	}{
		{"garbage png", []byte("not a png"), CodecPNG, 10, 10, ErrCodec},
		{"garbage jpeg", []byte{0xff, 0xd8, 0x00}, CodecJPEG, 10, 10, ErrCodec},
		{"garbage webp", []byte("RIFF...."), CodecWebP, 10, 10, ErrCodec},
		{"garbage deflate", []byte{0xff, 0xff, 0xff}, CodecDeflate, 10, 10, ErrCodec},
		{"garbage zstd", []byte{1, 2, 3, 4}, CodecZstd, 10, 10, ErrCodec},
		{"short raw", make([]byte, 10), CodecRaw, 10, 10, ErrCodec},
		{"wrong size", pngPayload, CodecPNG, 20, 20, ErrCodec},
		{"unknown codec", pngPayload, Codec(42), 10, 10, ErrCodec},
		{"zero size", pngPayload, CodecPNG, 0, 10, ErrInvalidArgument},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := Decode(tc.payload, tc.codec, 0, tc.width, tc.height)
			require.ErrorIs(t, err, tc.wantErr)
			require.Nil(t, r)
		})
	}
}

func TestEncodeWebPUnsupported(t *testing.T) {
	_, err := Encode(NewRaster(4, 4), CodecWebP, 80)
	require.ErrorIs(t, err, ErrCodec)
}

func TestParseCodec(t *testing.T) {
	for c, label := range codecToLabel {
		got, err := ParseCodec(label)
		require.NoError(t, err)
		require.Equal(t, c, got)
		require.True(t, got.Valid())
	}

	_, err := ParseCodec("bmp")
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.False(t, Codec(42).Valid())
	require.Equal(t, "unrecognized codec 42", Codec(42).String())
}
