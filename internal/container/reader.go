package container

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

type fileReader struct {
	path    string
	f       *os.File
	geom    GridGeometry
	comp    Compression
	meta    Metadata
	hasMeta bool
	entries []indexEntry
}

// Open parses a container file's header and tile index. The index is the
// only state held in memory; tile payloads are read lazily by ReadTile.
// Any parse failure is returned as *OpenError.
func Open(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}

	r, err := parseContainer(path, f)
	if err != nil {
		f.Close()
		return nil, &OpenError{Path: path, Err: err}
	}
	return r, nil
}

func parseContainer(path string, f *os.File) (*fileReader, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrTruncated, err)
	}
	if [4]byte(hdr[0:4]) != fileMagic {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != formatVersion {
		return nil, fmt.Errorf("unsupported container version %d", v)
	}

	geom := GridGeometry{
		Width:      int(binary.LittleEndian.Uint32(hdr[8:12])),
		Height:     int(binary.LittleEndian.Uint32(hdr[12:16])),
		TileWidth:  int(binary.LittleEndian.Uint32(hdr[16:20])),
		TileHeight: int(binary.LittleEndian.Uint32(hdr[20:24])),
		Channels:   int(binary.LittleEndian.Uint16(hdr[24:26])),
		PixelType:  PixelType(hdr[6]),
		Pages:      int(binary.LittleEndian.Uint16(hdr[26:28])),
	}
	if err := geom.Check(); err != nil {
		return nil, err
	}
	comp := Compression(hdr[7])
	indexOffset := binary.LittleEndian.Uint64(hdr[28:36])
	metaLen := binary.LittleEndian.Uint32(hdr[36:40])

	if indexOffset == 0 {
		return nil, fmt.Errorf("%w: container was never finalized", ErrTruncated)
	}

	var meta Metadata
	hasMeta := metaLen > 0
	if hasMeta {
		metaBytes := make([]byte, metaLen)
		if _, err := io.ReadFull(f, metaBytes); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrTruncated, err)
		}
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}

	total := geom.TilesPerPage() * geom.Pages
	indexBytes := make([]byte, total*indexEntrySz+len(endMagic))
	if _, err := f.ReadAt(indexBytes, int64(indexOffset)); err != nil {
		return nil, fmt.Errorf("%w: index: %v", ErrTruncated, err)
	}
	if [4]byte(indexBytes[total*indexEntrySz:]) != endMagic {
		return nil, fmt.Errorf("%w: end marker missing", ErrTruncated)
	}

	entries := make([]indexEntry, total)
	for i := range entries {
		b := indexBytes[i*indexEntrySz:]
		entries[i] = indexEntry{
			offset:    binary.LittleEndian.Uint64(b[0:8]),
			storedLen: binary.LittleEndian.Uint32(b[8:12]),
			rawLen:    binary.LittleEndian.Uint32(b[12:16]),
		}
		if entries[i].offset+uint64(entries[i].storedLen) > indexOffset {
			return nil, fmt.Errorf("%w: tile %d extends past index", ErrTruncated, i)
		}
	}

	return &fileReader{
		path:    path,
		f:       f,
		geom:    geom,
		comp:    comp,
		meta:    meta,
		hasMeta: hasMeta,
		entries: entries,
	}, nil
}

func (r *fileReader) Geometry() GridGeometry { return r.geom }

func (r *fileReader) Metadata() (Metadata, bool) { return r.meta, r.hasMeta }

func (r *fileReader) ReadTile(page, row, col int) (*Tile, error) {
	g := r.geom
	if page < 0 || page >= g.Pages || row < 0 || row >= g.TileRows() || col < 0 || col >= g.TileCols() {
		return nil, fmt.Errorf("tile p%d(%d,%d) outside grid %dx%dx%d",
			page, row, col, g.Pages, g.TileRows(), g.TileCols())
	}
	e := r.entries[page*g.TilesPerPage()+row*g.TileCols()+col]

	stored := make([]byte, e.storedLen)
	if _, err := r.f.ReadAt(stored, int64(e.offset)); err != nil {
		return nil, &ReadError{
			Path: r.path, Page: page, Row: row, Col: col,
			Offset: int64(e.offset), Length: int(e.storedLen), Err: err,
		}
	}

	h, w := g.TileDims(row, col)
	if want := h * w * g.BytesPerPixel(); int(e.rawLen) != want {
		return nil, &DecodeError{
			Path: r.path, Page: page, Row: row, Col: col,
			Err: fmt.Errorf("index claims %d raw bytes, geometry wants %d", e.rawLen, want),
		}
	}
	pix, err := decompressTile(r.comp, stored, int(e.rawLen))
	if err != nil {
		return nil, &DecodeError{Path: r.path, Page: page, Row: row, Col: col, Err: err}
	}

	return &Tile{
		Page: page, Row: row, Col: col,
		Y: row * g.TileHeight, X: col * g.TileWidth,
		Height: h, Width: w,
		Pix: pix,
	}, nil
}

func (r *fileReader) Close() error { return r.f.Close() }
