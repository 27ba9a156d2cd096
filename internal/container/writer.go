package container

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
)

// On-disk layout, little-endian throughout:
//
//	header (40 bytes) | metadata JSON | tile payloads | tile index | end marker
//
// The index offset in the header is zero until Finalize patches it, so a
// half-written file is detectable as unfinalized.
const (
	formatVersion = 1
	headerSize    = 40
	indexEntrySz  = 16 // offset u64, stored length u32, raw length u32
)

var (
	fileMagic = [4]byte{'S', 'T', 'C', '1'}
	endMagic  = [4]byte{'S', 'T', 'C', 'E'}
)

type indexEntry struct {
	offset    uint64
	storedLen uint32
	rawLen    uint32
}

type fileWriter struct {
	path      string
	f         *os.File
	bw        *bufio.Writer
	geom      GridGeometry
	comp      Compression
	offset    uint64
	entries   []indexEntry
	written   []bool
	remaining int
	finalized bool
}

// Create opens a new container file for writing. The geometry is fixed at
// creation; metadata may be the zero value for sources that carried none.
func Create(path string, geom GridGeometry, meta Metadata, comp Compression) (Writer, error) {
	if err := geom.Check(); err != nil {
		return nil, err
	}
	metaBytes, err := meta.marshal()
	if err != nil {
		return nil, fmt.Errorf("encode metadata for %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)

	var hdr [headerSize]byte
	copy(hdr[0:4], fileMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], formatVersion)
	hdr[6] = byte(geom.PixelType)
	hdr[7] = byte(comp)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(geom.Width))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(geom.Height))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(geom.TileWidth))
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(geom.TileHeight))
	binary.LittleEndian.PutUint16(hdr[24:26], uint16(geom.Channels))
	binary.LittleEndian.PutUint16(hdr[26:28], uint16(geom.Pages))
	// hdr[28:36] index offset: zero until finalize.
	binary.LittleEndian.PutUint32(hdr[36:40], uint32(len(metaBytes)))

	if _, err := bw.Write(hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header %s: %w", path, err)
	}
	if _, err := bw.Write(metaBytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("write metadata %s: %w", path, err)
	}

	total := geom.TilesPerPage() * geom.Pages
	return &fileWriter{
		path:      path,
		f:         f,
		bw:        bw,
		geom:      geom,
		comp:      comp,
		offset:    uint64(headerSize + len(metaBytes)),
		entries:   make([]indexEntry, total),
		written:   make([]bool, total),
		remaining: total,
	}, nil
}

func (w *fileWriter) tileIndex(page, row, col int) (int, error) {
	g := w.geom
	if page < 0 || page >= g.Pages || row < 0 || row >= g.TileRows() || col < 0 || col >= g.TileCols() {
		return 0, fmt.Errorf("tile p%d(%d,%d) outside grid %dx%dx%d",
			page, row, col, g.Pages, g.TileRows(), g.TileCols())
	}
	return page*g.TilesPerPage() + row*g.TileCols() + col, nil
}

func (w *fileWriter) WriteTile(page, row, col int, pix []byte) error {
	if w.finalized {
		return ErrFinalized
	}
	i, err := w.tileIndex(page, row, col)
	if err != nil {
		return err
	}
	h, wd := w.geom.TileDims(row, col)
	if want := h * wd * w.geom.BytesPerPixel(); len(pix) != want {
		return fmt.Errorf("tile p%d(%d,%d): payload is %d bytes, want %d for %dx%d",
			page, row, col, len(pix), want, h, wd)
	}
	if w.written[i] {
		return fmt.Errorf("tile p%d(%d,%d) written twice", page, row, col)
	}

	stored, err := compressTile(w.comp, pix)
	if err != nil {
		return fmt.Errorf("compress tile p%d(%d,%d): %w", page, row, col, err)
	}
	if _, err := w.bw.Write(stored); err != nil {
		return fmt.Errorf("write tile p%d(%d,%d) to %s: %w", page, row, col, w.path, err)
	}

	w.entries[i] = indexEntry{offset: w.offset, storedLen: uint32(len(stored)), rawLen: uint32(len(pix))}
	w.written[i] = true
	w.remaining--
	w.offset += uint64(len(stored))
	return nil
}

func (w *fileWriter) Finalize() error {
	if w.finalized {
		return ErrFinalized
	}
	w.finalized = true

	if w.remaining > 0 {
		w.f.Close()
		return fmt.Errorf("%w: %d of %d tiles unwritten in %s",
			ErrMissingTiles, w.remaining, len(w.entries), w.path)
	}

	indexOffset := w.offset
	var entry [indexEntrySz]byte
	for _, e := range w.entries {
		binary.LittleEndian.PutUint64(entry[0:8], e.offset)
		binary.LittleEndian.PutUint32(entry[8:12], e.storedLen)
		binary.LittleEndian.PutUint32(entry[12:16], e.rawLen)
		if _, err := w.bw.Write(entry[:]); err != nil {
			w.f.Close()
			return fmt.Errorf("write index %s: %w", w.path, err)
		}
	}
	if _, err := w.bw.Write(endMagic[:]); err != nil {
		w.f.Close()
		return fmt.Errorf("write end marker %s: %w", w.path, err)
	}
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush %s: %w", w.path, err)
	}

	// Patch the index offset; a crash before this point leaves the file
	// identifiably unfinalized.
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], indexOffset)
	if _, err := w.f.WriteAt(off[:], 28); err != nil {
		w.f.Close()
		return fmt.Errorf("patch index offset %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("sync %s: %w", w.path, err)
	}
	return w.f.Close()
}

func (w *fileWriter) Close() error {
	if w.finalized {
		return nil
	}
	w.finalized = true
	return w.f.Close()
}
