// Package container provides bounded-memory access to tiled image
// containers. A container holds one or more pages, each divided into a
// rectangular grid of tiles; tiles are the atomic unit of I/O, so peak
// memory for a read or write is one tile buffer, never the whole image.
//
// The package defines the Reader/Writer contracts used by the extraction
// engine and validator, and implements the module's own streaming tiled
// container format used for intermediate and output files.
package container

import (
	"encoding/json"
	"fmt"
)

// PixelType identifies the storage type of one sample.
type PixelType uint8

const (
	Uint8  PixelType = 1
	Uint16 PixelType = 2
)

// Size returns the number of bytes one sample occupies.
func (p PixelType) Size() int {
	switch p {
	case Uint8:
		return 1
	case Uint16:
		return 2
	}
	return 0
}

func (p PixelType) String() string {
	switch p {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	}
	return fmt.Sprintf("pixeltype(%d)", uint8(p))
}

// GridGeometry describes the tile grid of a container. Channels are
// interleaved within each tile buffer (sample order per pixel).
type GridGeometry struct {
	Width      int // total image width in pixels
	Height     int // total image height in pixels
	TileWidth  int // nominal tile width
	TileHeight int // nominal tile height
	Channels   int
	PixelType  PixelType
	Pages      int
}

// TileCols returns the number of tile columns, counting the ragged right
// column if the width is not an exact multiple of the tile width.
func (g GridGeometry) TileCols() int {
	return (g.Width + g.TileWidth - 1) / g.TileWidth
}

// TileRows returns the number of tile rows, counting the ragged bottom row.
func (g GridGeometry) TileRows() int {
	return (g.Height + g.TileHeight - 1) / g.TileHeight
}

// TilesPerPage returns the tile count of one page.
func (g GridGeometry) TilesPerPage() int {
	return g.TileRows() * g.TileCols()
}

// TileDims returns the true pixel dimensions of the tile at (row, col).
// Edge tiles may be smaller than the nominal tile size.
func (g GridGeometry) TileDims(row, col int) (h, w int) {
	h = g.TileHeight
	if y := row * g.TileHeight; y+h > g.Height {
		h = g.Height - y
	}
	w = g.TileWidth
	if x := col * g.TileWidth; x+w > g.Width {
		w = g.Width - x
	}
	return h, w
}

// BytesPerPixel returns the byte size of one full pixel across all channels.
func (g GridGeometry) BytesPerPixel() int {
	return g.Channels * g.PixelType.Size()
}

// RawPixelBytes returns the uncompressed pixel payload size of the whole
// container across all pages.
func (g GridGeometry) RawPixelBytes() int64 {
	return int64(g.Width) * int64(g.Height) * int64(g.BytesPerPixel()) * int64(g.Pages)
}

// Check reports whether the geometry describes a usable container.
func (g GridGeometry) Check() error {
	switch {
	case g.Width <= 0 || g.Height <= 0:
		return fmt.Errorf("%w: image dimensions %dx%d", ErrBadGeometry, g.Width, g.Height)
	case g.TileWidth <= 0 || g.TileHeight <= 0:
		return fmt.Errorf("%w: tile size %dx%d", ErrBadGeometry, g.TileWidth, g.TileHeight)
	case g.Channels <= 0:
		return fmt.Errorf("%w: %d channels", ErrBadGeometry, g.Channels)
	case g.PixelType.Size() == 0:
		return fmt.Errorf("%w: pixel type %d", ErrBadGeometry, g.PixelType)
	case g.Pages < 1:
		return fmt.Errorf("%w: %d pages", ErrBadGeometry, g.Pages)
	}
	return nil
}

// Tile is one decoded pixel block. Pix holds samples in row-major order
// with channels interleaved; len(Pix) == Height*Width*channels*sampleSize.
type Tile struct {
	Page   int
	Row    int
	Col    int
	Y      int // pixel row offset of the tile origin
	X      int // pixel column offset of the tile origin
	Height int // true height (ragged tiles are smaller than nominal)
	Width  int // true width
	Pix    []byte
}

// Metadata carries the OME-style acquisition metadata of a container.
// Fields absent from the source are zero; Acquisition is passed through
// verbatim and never interpreted.
type Metadata struct {
	PhysicalSizeX    float64           `json:"physicalSizeX,omitempty"`
	PhysicalSizeY    float64           `json:"physicalSizeY,omitempty"`
	PhysicalSizeUnit string            `json:"physicalSizeUnit,omitempty"`
	ChannelLabels    []string          `json:"channelLabels,omitempty"`
	ObjectiveModel   string            `json:"objectiveModel,omitempty"`
	Magnification    string            `json:"magnification,omitempty"`
	Acquisition      map[string]string `json:"acquisition,omitempty"`
}

// Reduce returns a copy of the metadata narrowed to a single channel. The
// multi-channel label list collapses to the one selected label; when the
// source carries no label for the channel, fallback is used instead.
func (m Metadata) Reduce(channel int, fallback string) Metadata {
	out := m
	label := fallback
	if channel >= 0 && channel < len(m.ChannelLabels) && m.ChannelLabels[channel] != "" {
		label = m.ChannelLabels[channel]
	}
	if label != "" {
		out.ChannelLabels = []string{label}
	} else {
		out.ChannelLabels = nil
	}
	return out
}

func (m Metadata) marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Reader is the read side of a tiled container. Implementations hold at
// most one tile buffer at a time; callers own the returned tiles.
type Reader interface {
	// Geometry returns the grid geometry parsed at open time.
	Geometry() GridGeometry

	// Metadata returns the container metadata and whether any was present.
	Metadata() (Metadata, bool)

	// ReadTile reads and decodes one tile. Storage-level faults surface as
	// *ReadError with the attempted byte offset and extent; payloads that
	// were read but fail decoding surface as *DecodeError.
	ReadTile(page, row, col int) (*Tile, error)

	Close() error
}

// Writer is the write side of a tiled container. Tiles are typically
// written in raster order but any order is accepted; every grid position
// must be written exactly once before Finalize.
type Writer interface {
	// WriteTile encodes and appends one tile. pix must be exactly the true
	// (possibly ragged) tile size for the grid position.
	WriteTile(page, row, col int, pix []byte) error

	// Finalize flushes all buffered state and closes the file. After a
	// successful Finalize the file is independently openable. Finalize
	// must be called exactly once; further calls, and any WriteTile after
	// it, fail with ErrFinalized.
	Finalize() error

	// Close releases the file without finalizing. The partial file stays
	// on disk identifiably unfinalized. Safe to call after Finalize; a
	// closed writer rejects further use with ErrFinalized.
	Close() error
}
