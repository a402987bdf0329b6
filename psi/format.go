// psi/format.go

package psi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	formatVersion = 1

	headerSize     = 64
	layerEntrySize = 8
	tileEntrySize  = 12

	maxLayers   = 32
	maxTileSize = 1 << 16
	maxPreviews = 64
	maxNameLen  = 1 << 10

	// maxTiles caps the tile table, 3 GiB of entries.
	maxTiles        = 1 << 28
	maxPreviewBytes = 1 << 28
)

var magic = [4]byte{'P', 'S', 'I', 'M'}

// byteOrder is the byte order of every multi-byte field in a container.
var byteOrder = binary.LittleEndian

// fileHeader is the fixed-size block at offset 0.
type fileHeader struct {
	Magic         [4]byte
	Version       uint16
	Codec         uint8
	Quality       uint8
	Width         uint32
	Height        uint32
	Magnification float64
	TileSize      uint32
	LayerCount    uint32
	TableOffset   uint64
	PreviewOffset uint64
	TileCount     uint64
	Reserved      [8]byte
}

// layerEntry is one record of the layer table that follows the header.
type layerEntry struct {
	GridWidth  uint32
	GridHeight uint32
}

// tileEntry locates the compressed payload of one tile. The table is indexed
// by tile code.
type tileEntry struct {
	Offset uint64
	Length uint32
}

// previewHead precedes every preview payload, after its name.
type previewHead struct {
	Width  uint32
	Height uint32
	Length uint32
}

// sizer is implemented by sources that know their length, such as
// *bytes.Reader, HTTPRangeReader and BlobReader.
type sizer interface {
	Size() int64
}

func sourceSize(r io.ReaderAt) int64 {
	if s, ok := r.(sizer); ok {
		return s.Size()
	}
	return -1
}

// clipRead bounds a positioned read of want bytes at off to a source of
// size bytes. The error is io.EOF when the read comes up short, as
// io.ReaderAt requires.
func clipRead(want int, off, size int64) (int64, error) {
	switch {
	case off < 0:
		return 0, fmt.Errorf("read at negative offset %d", off)
	case want == 0:
		return 0, nil
	case off >= size:
		return 0, io.EOF
	case int64(want) > size-off:
		return size - off, io.EOF
	}
	return int64(want), nil
}

// readHeader parses and validates the fixed header.
func readHeader(r io.ReaderAt) (fileHeader, error) {
	var h fileHeader
	if err := binary.Read(io.NewSectionReader(r, 0, headerSize), byteOrder, &h); err != nil {
		return h, formatErrorf("reading header: %v", err)
	}
	if h.Magic != magic {
		return h, formatErrorf("bad magic %q", h.Magic[:])
	}
	if h.Version != formatVersion {
		return h, formatErrorf("unsupported version %d", h.Version)
	}
	if !Codec(h.Codec).Valid() {
		return h, formatErrorf("unknown codec id %d", h.Codec)
	}
	if h.Width == 0 || h.Height == 0 {
		return h, formatErrorf("empty image %dx%d", h.Width, h.Height)
	}
	if h.TileSize == 0 || h.TileSize > maxTileSize {
		return h, formatErrorf("invalid tile size %d", h.TileSize)
	}
	if h.LayerCount == 0 || h.LayerCount > maxLayers {
		return h, formatErrorf("invalid layer count %d", h.LayerCount)
	}
	if math.IsNaN(h.Magnification) || math.IsInf(h.Magnification, 0) || h.Magnification < 0 {
		return h, formatErrorf("invalid magnification %v", h.Magnification)
	}
	return h, nil
}

// countTiles sums the tile grids of every layer described by h. It reports
// false when the count exceeds maxTiles, before any product can overflow.
func countTiles(h fileHeader) (uint64, bool) {
	var total uint64
	for z := range uint64(h.LayerCount) {
		f := uint64(1) << (uint64(h.LayerCount) - 1 - z)
		gw := ceilDivU(ceilDivU(uint64(h.Width), f), uint64(h.TileSize))
		gh := ceilDivU(ceilDivU(uint64(h.Height), f), uint64(h.TileSize))
		if gw > maxTiles || gh > maxTiles || gw*gh > maxTiles-total {
			return 0, false
		}
		total += gw * gh
	}
	return total, true
}

func ceilDivU(a, b uint64) uint64 { return (a + b - 1) / b }

// readLayout parses the layer and tile tables that follow the header and
// builds the Layout.
func readLayout(r io.ReaderAt, h fileHeader) (*Layout, error) {
	entries := make([]layerEntry, h.LayerCount)
	sr := io.NewSectionReader(r, headerSize, int64(h.LayerCount)*layerEntrySize)
	if err := binary.Read(sr, byteOrder, entries); err != nil {
		return nil, formatErrorf("reading layer table: %v", err)
	}

	if n, ok := countTiles(h); !ok || n != h.TileCount {
		return nil, formatErrorf("tile count %d does not match a %dx%d image in %d layers of %d pixel tiles",
			h.TileCount, h.Width, h.Height, h.LayerCount, h.TileSize)
	}
	size := sourceSize(r)
	if size >= 0 {
		if h.TableOffset < headerSize || h.TableOffset > uint64(size) ||
			h.TileCount > (uint64(size)-h.TableOffset)/tileEntrySize {
			return nil, formatErrorf("tile table of %d entries at %d outside source of %d bytes", h.TileCount, h.TableOffset, size)
		}
	} else if h.TableOffset < headerSize || h.TableOffset > math.MaxInt64/2 {
		return nil, formatErrorf("tile table offset %d", h.TableOffset)
	}

	l := newLayout(int(h.Width), int(h.Height), int(h.TileSize), int(h.LayerCount))
	for z, e := range entries {
		want := l.layers[z]
		if int(e.GridWidth) != want.GridWidth || int(e.GridHeight) != want.GridHeight {
			return nil, formatErrorf("layer %d grid %dx%d, want %dx%d",
				z, e.GridWidth, e.GridHeight, want.GridWidth, want.GridHeight)
		}
	}
	tableLen := int64(h.TileCount) * tileEntrySize
	l.entries = make([]tileEntry, h.TileCount)
	if err := binary.Read(io.NewSectionReader(r, int64(h.TableOffset), tableLen), byteOrder, l.entries); err != nil {
		return nil, formatErrorf("reading tile table: %v", err)
	}
	if size >= 0 {
		for code, e := range l.entries {
			if e.Offset+uint64(e.Length) > uint64(size) {
				return nil, formatErrorf("tile %d payload [%d, +%d) outside source of %d bytes", code, e.Offset, e.Length, size)
			}
		}
	}
	return l, nil
}

// rawPreview is a preview whose payload has not been decoded yet.
type rawPreview struct {
	name    string
	width   int
	height  int
	payload []byte
}

// readPreviews parses the preview section, if any. Every length is checked
// against the bytes left in the section before anything is allocated.
func readPreviews(r io.ReaderAt, h fileHeader) ([]rawPreview, error) {
	if h.PreviewOffset == 0 {
		return nil, nil
	}
	size := sourceSize(r)
	if size < 0 {
		size = math.MaxInt64
	}
	if h.PreviewOffset >= uint64(size) {
		return nil, formatErrorf("preview section offset %d outside source", h.PreviewOffset)
	}
	sr := io.NewSectionReader(r, int64(h.PreviewOffset), size-int64(h.PreviewOffset))
	remaining := func() int64 {
		pos, _ := sr.Seek(0, io.SeekCurrent)
		return sr.Size() - pos
	}

	var count uint32
	if err := binary.Read(sr, byteOrder, &count); err != nil {
		return nil, formatErrorf("reading preview count: %v", err)
	}
	if count > maxPreviews {
		return nil, formatErrorf("too many previews: %d", count)
	}
	previews := make([]rawPreview, 0, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(sr, byteOrder, &nameLen); err != nil {
			return nil, formatErrorf("reading preview %d: %v", i, err)
		}
		if nameLen == 0 || nameLen > maxNameLen || int64(nameLen) > remaining() {
			return nil, formatErrorf("preview %d has invalid name length %d", i, nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(sr, name); err != nil {
			return nil, formatErrorf("reading preview %d name: %v", i, err)
		}
		var ph previewHead
		if err := binary.Read(sr, byteOrder, &ph); err != nil {
			return nil, formatErrorf("reading preview %q: %v", name, err)
		}
		if ph.Width == 0 || ph.Height == 0 {
			return nil, formatErrorf("preview %q is empty", name)
		}
		if ph.Length > maxPreviewBytes || int64(ph.Length) > remaining() {
			return nil, formatErrorf("preview %q payload of %d bytes exceeds the %d bytes left", name, ph.Length, remaining())
		}
		payload := make([]byte, ph.Length)
		if _, err := io.ReadFull(sr, payload); err != nil {
			return nil, formatErrorf("reading preview %q payload: %v", name, err)
		}
		previews = append(previews, rawPreview{
			name:    string(name),
			width:   int(ph.Width),
			height:  int(ph.Height),
			payload: payload,
		})
	}
	return previews, nil
}

// encodedPreview is a preview ready to be written.
type encodedPreview struct {
	name    string
	width   int
	height  int
	payload []byte
}

// writeContainer serialises a complete container. payloads is indexed by
// tile code.
func writeContainer(w io.Writer, h fileHeader, l *Layout, payloads [][]byte, previews []encodedPreview) error {
	if len(payloads) != l.tileCount {
		return fmt.Errorf("have %d tile payloads for %d tiles", len(payloads), l.tileCount)
	}
	offset := uint64(headerSize + layerEntrySize*len(l.layers))
	entries := make([]tileEntry, len(payloads))
	for code, p := range payloads {
		if uint64(len(p)) > math.MaxUint32 {
			return fmt.Errorf("tile %d payload too large: %d bytes", code, len(p))
		}
		entries[code] = tileEntry{Offset: offset, Length: uint32(len(p))}
		offset += uint64(len(p))
	}
	h.Magic = magic
	h.Version = formatVersion
	h.LayerCount = uint32(len(l.layers))
	h.TileCount = uint64(len(payloads))
	h.TableOffset = offset
	if len(previews) > 0 {
		h.PreviewOffset = offset + uint64(len(entries))*tileEntrySize
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, byteOrder, &h); err != nil {
		return err
	}
	for _, layer := range l.layers {
		e := layerEntry{GridWidth: uint32(layer.GridWidth), GridHeight: uint32(layer.GridHeight)}
		if err := binary.Write(&buf, byteOrder, e); err != nil {
			return err
		}
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for code, p := range payloads {
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("writing tile %d: %w", code, err)
		}
	}
	if err := binary.Write(w, byteOrder, entries); err != nil {
		return fmt.Errorf("writing tile table: %w", err)
	}
	if len(previews) == 0 {
		return nil
	}

	buf.Reset()
	if err := binary.Write(&buf, byteOrder, uint32(len(previews))); err != nil {
		return err
	}
	for _, p := range previews {
		if len(p.name) == 0 || len(p.name) > maxNameLen {
			return errors.New("preview name must be 1..1024 bytes")
		}
		if len(p.payload) > maxPreviewBytes {
			return fmt.Errorf("preview %q payload too large: %d bytes", p.name, len(p.payload))
		}
		if err := binary.Write(&buf, byteOrder, uint16(len(p.name))); err != nil {
			return err
		}
		buf.WriteString(p.name)
		ph := previewHead{Width: uint32(p.width), Height: uint32(p.height), Length: uint32(len(p.payload))}
		if err := binary.Write(&buf, byteOrder, ph); err != nil {
			return err
		}
		buf.Write(p.payload)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing previews: %w", err)
	}
	return nil
}
