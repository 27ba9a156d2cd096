package extract

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jakeelamb/cellprofiler/internal/container"
)

// makeSource writes a multi-channel container whose tile buffers hold
// byte(i) at index i, so channel c of in-tile pixel p carries
// byte(p*channels*sampleSize + c*sampleSize + ...) and a correct
// extraction is checkable pixel by pixel.
func makeSource(t *testing.T, geom container.GridGeometry, meta container.Metadata) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.stc")
	w, err := container.Create(path, geom, meta, container.CompressionDeflate)
	require.NoError(t, err)
	for page := 0; page < geom.Pages; page++ {
		for row := 0; row < geom.TileRows(); row++ {
			for col := 0; col < geom.TileCols(); col++ {
				h, wd := geom.TileDims(row, col)
				pix := make([]byte, h*wd*geom.BytesPerPixel())
				for i := range pix {
					pix[i] = byte(i)
				}
				require.NoError(t, w.WriteTile(page, row, col, pix))
			}
		}
	}
	require.NoError(t, w.Finalize())
	return path
}

func TestEngine_Run_ExtractsGreenChannel(t *testing.T) {
	geom := container.GridGeometry{
		Width: 600, Height: 500,
		TileWidth: 256, TileHeight: 256,
		Channels: 3, PixelType: container.Uint8, Pages: 1,
	}
	srcPath := makeSource(t, geom, container.Metadata{ChannelLabels: []string{"red", "green", "blue"}})

	src, err := container.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()

	outPath := filepath.Join(t.TempDir(), "out.stc")
	meta, _ := src.Metadata()
	dst, err := container.Create(outPath, OutputGeometry(geom), meta.Reduce(1, "green"), container.CompressionDeflate)
	require.NoError(t, err)

	var tilesSeen int
	eng := &Engine{OnTile: func(page, row, col int) { tilesSeen++ }}
	counts, err := eng.Run(context.Background(), src, dst, 1)
	require.NoError(t, err)

	wantTiles := geom.TilesPerPage()
	assert.Equal(t, wantTiles, counts.Tiles)
	assert.Equal(t, wantTiles, tilesSeen)
	assert.Equal(t, 1, counts.Pages)
	assert.Equal(t, int64(600*500*3), counts.BytesIn)
	assert.Equal(t, int64(600*500), counts.BytesOut)

	out, err := container.Open(outPath)
	require.NoError(t, err)
	defer out.Close()

	outGeom := out.Geometry()
	assert.Equal(t, 1, outGeom.Channels)
	assert.Equal(t, geom.Width, outGeom.Width)
	assert.Equal(t, geom.Height, outGeom.Height)

	outMeta, ok := out.Metadata()
	require.True(t, ok)
	assert.Equal(t, []string{"green"}, outMeta.ChannelLabels)

	// Every output sample must be the source's channel-1 sample of the
	// same pixel: source pattern byte(i), so pixel p carries byte(3p+1).
	for row := 0; row < outGeom.TileRows(); row++ {
		for col := 0; col < outGeom.TileCols(); col++ {
			tile, err := out.ReadTile(0, row, col)
			require.NoError(t, err)
			for p, v := range tile.Pix {
				require.Equal(t, byte(p*3+1), v, "tile (%d,%d) pixel %d", row, col, p)
			}
		}
	}
}

func TestEngine_Run_CheckerboardReconstruction(t *testing.T) {
	// 5x2 grid of 64-pixel tiles, two channels. Channel 1 carries a
	// per-pixel checkerboard; channel 0 is flat. After extraction the
	// stitched output must reproduce the checkerboard exactly.
	geom := container.GridGeometry{
		Width: 320, Height: 128,
		TileWidth: 64, TileHeight: 64,
		Channels: 2, PixelType: container.Uint8, Pages: 1,
	}
	board := func(y, x int) byte {
		if (y+x)%2 == 0 {
			return 255
		}
		return 0
	}

	srcPath := filepath.Join(t.TempDir(), "checker.stc")
	w, err := container.Create(srcPath, geom, container.Metadata{}, container.CompressionDeflate)
	require.NoError(t, err)
	for row := 0; row < geom.TileRows(); row++ {
		for col := 0; col < geom.TileCols(); col++ {
			h, wd := geom.TileDims(row, col)
			pix := make([]byte, h*wd*2)
			for ty := 0; ty < h; ty++ {
				for tx := 0; tx < wd; tx++ {
					pix[(ty*wd+tx)*2+1] = board(row*64+ty, col*64+tx)
				}
			}
			require.NoError(t, w.WriteTile(0, row, col, pix))
		}
	}
	require.NoError(t, w.Finalize())

	src, err := container.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()

	outPath := filepath.Join(t.TempDir(), "out.stc")
	dst, err := container.Create(outPath, OutputGeometry(geom), container.Metadata{}, container.CompressionDeflate)
	require.NoError(t, err)

	counts, err := (&Engine{}).Run(context.Background(), src, dst, 1)
	require.NoError(t, err)
	require.Equal(t, 10, counts.Tiles)

	out, err := container.Open(outPath)
	require.NoError(t, err)
	defer out.Close()

	// Stitch the output tiles back into a full image. Every pixel must be
	// covered exactly once, so a sentinel marks gaps or overlaps.
	full := make([]int16, geom.Height*geom.Width)
	for i := range full {
		full[i] = -1
	}
	for row := 0; row < 2; row++ {
		for col := 0; col < 5; col++ {
			tile, err := out.ReadTile(0, row, col)
			require.NoError(t, err)
			for ty := 0; ty < tile.Height; ty++ {
				for tx := 0; tx < tile.Width; tx++ {
					pos := (tile.Y+ty)*geom.Width + tile.X + tx
					require.Equal(t, int16(-1), full[pos], "pixel (%d,%d) written twice", tile.Y+ty, tile.X+tx)
					full[pos] = int16(tile.Pix[ty*tile.Width+tx])
				}
			}
		}
	}
	for y := 0; y < geom.Height; y++ {
		for x := 0; x < geom.Width; x++ {
			require.Equal(t, int16(board(y, x)), full[y*geom.Width+x], "pixel (%d,%d)", y, x)
		}
	}
}

func TestEngine_Run_Uint16MultiPage(t *testing.T) {
	geom := container.GridGeometry{
		Width: 300, Height: 260,
		TileWidth: 256, TileHeight: 256,
		Channels: 2, PixelType: container.Uint16, Pages: 2,
	}
	srcPath := makeSource(t, geom, container.Metadata{})

	src, err := container.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()

	outPath := filepath.Join(t.TempDir(), "out.stc")
	dst, err := container.Create(outPath, OutputGeometry(geom), container.Metadata{}, container.CompressionZstd)
	require.NoError(t, err)

	counts, err := (&Engine{}).Run(context.Background(), src, dst, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pages)
	assert.Equal(t, 2*geom.TilesPerPage(), counts.Tiles)
	assert.Equal(t, int64(300*260*2*2*2), counts.BytesIn)
	assert.Equal(t, int64(300*260*2*2), counts.BytesOut)

	out, err := container.Open(outPath)
	require.NoError(t, err)
	defer out.Close()

	// Channel 0 of a uint16 pair: bytes 0,1 of every 4-byte pixel.
	tile, err := out.ReadTile(1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, tile.Height)
	assert.Equal(t, 44, tile.Width)
	for p := 0; p < 4; p++ {
		assert.Equal(t, byte(p*4), tile.Pix[p*2])
		assert.Equal(t, byte(p*4+1), tile.Pix[p*2+1])
	}
}

func TestEngine_Run_ChannelOutOfRange(t *testing.T) {
	geom := container.GridGeometry{
		Width: 64, Height: 64, TileWidth: 64, TileHeight: 64,
		Channels: 3, PixelType: container.Uint8, Pages: 1,
	}
	srcPath := makeSource(t, geom, container.Metadata{})
	src, err := container.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()

	outPath := filepath.Join(t.TempDir(), "out.stc")
	dst, err := container.Create(outPath, OutputGeometry(geom), container.Metadata{}, container.CompressionNone)
	require.NoError(t, err)

	_, err = (&Engine{}).Run(context.Background(), src, dst, 3)
	assert.ErrorIs(t, err, ErrChannelOutOfRange)

	_, err = (&Engine{}).Run(context.Background(), src, dst, -1)
	assert.ErrorIs(t, err, ErrChannelOutOfRange)
}

func TestEngine_Run_CanceledContext(t *testing.T) {
	geom := container.GridGeometry{
		Width: 64, Height: 64, TileWidth: 64, TileHeight: 64,
		Channels: 1, PixelType: container.Uint8, Pages: 1,
	}
	srcPath := makeSource(t, geom, container.Metadata{})
	src, err := container.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()

	outPath := filepath.Join(t.TempDir(), "out.stc")
	dst, err := container.Create(outPath, OutputGeometry(geom), container.Metadata{}, container.CompressionNone)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&Engine{}).Run(ctx, src, dst, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

// faultyReader fails a single tile with a storage-level read error.
type faultyReader struct {
	container.Reader
	failRow, failCol int
}

func (f *faultyReader) ReadTile(page, row, col int) (*container.Tile, error) {
	if row == f.failRow && col == f.failCol {
		return nil, &container.ReadError{
			Path: "fake.stc", Page: page, Row: row, Col: col,
			Offset: 4096, Length: 512, Err: errors.New("input/output error"),
		}
	}
	return f.Reader.ReadTile(page, row, col)
}

func TestEngine_Run_ReadFaultAbortsWithCoordinates(t *testing.T) {
	geom := container.GridGeometry{
		Width: 600, Height: 300,
		TileWidth: 256, TileHeight: 256,
		Channels: 1, PixelType: container.Uint8, Pages: 1,
	}
	srcPath := makeSource(t, geom, container.Metadata{})
	inner, err := container.Open(srcPath)
	require.NoError(t, err)
	defer inner.Close()

	outPath := filepath.Join(t.TempDir(), "out.stc")
	dst, err := container.Create(outPath, OutputGeometry(geom), container.Metadata{}, container.CompressionNone)
	require.NoError(t, err)

	src := &faultyReader{Reader: inner, failRow: 1, failCol: 2}
	counts, err := (&Engine{}).Run(context.Background(), src, dst, 0)
	require.Error(t, err)

	var readErr *container.ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, 1, readErr.Row)
	assert.Equal(t, 2, readErr.Col)
	assert.Equal(t, int64(4096), readErr.Offset)
	assert.Contains(t, err.Error(), "tile p0(1,2)")

	// Tiles before the fault were counted; the run stopped there.
	assert.Equal(t, 5, counts.Tiles)
}

// stalledReader blocks one tile read until unblocked, like a hung
// network mount.
type stalledReader struct {
	container.Reader
	stallRow, stallCol int
	unblock            chan struct{}
}

func (s *stalledReader) ReadTile(page, row, col int) (*container.Tile, error) {
	if row == s.stallRow && col == s.stallCol {
		<-s.unblock
	}
	return s.Reader.ReadTile(page, row, col)
}

func TestEngine_Run_AbandonsStalledReadAtDeadline(t *testing.T) {
	geom := container.GridGeometry{
		Width: 600, Height: 300,
		TileWidth: 256, TileHeight: 256,
		Channels: 1, PixelType: container.Uint8, Pages: 1,
	}
	srcPath := makeSource(t, geom, container.Metadata{})
	inner, err := container.Open(srcPath)
	require.NoError(t, err)
	defer inner.Close()

	unblock := make(chan struct{})
	t.Cleanup(func() { close(unblock) })
	src := &stalledReader{Reader: inner, stallRow: 0, stallCol: 1, unblock: unblock}

	outPath := filepath.Join(t.TempDir(), "out.stc")
	dst, err := container.Create(outPath, OutputGeometry(geom), container.Metadata{}, container.CompressionNone)
	require.NoError(t, err)
	defer dst.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The second tile read never returns on its own. The engine must
	// abandon it at the deadline instead of blocking the worker.
	start := time.Now()
	counts, err := (&Engine{}).Run(ctx, src, dst, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 1, counts.Tiles)
}

func TestSliceChannel(t *testing.T) {
	t.Run("middle channel uint8", func(t *testing.T) {
		pix := []byte{10, 11, 12, 20, 21, 22}
		assert.Equal(t, []byte{11, 21}, sliceChannel(pix, 1, 3, 1))
	})
	t.Run("uint16 samples stay intact", func(t *testing.T) {
		pix := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0x11, 0x22, 0x33, 0x44}
		assert.Equal(t, []byte{0xcc, 0xdd, 0x33, 0x44}, sliceChannel(pix, 1, 2, 2))
	})
	t.Run("single channel copies", func(t *testing.T) {
		pix := []byte{1, 2, 3}
		got := sliceChannel(pix, 0, 1, 1)
		assert.Equal(t, pix, got)
		got[0] = 9
		assert.Equal(t, byte(1), pix[0])
	})
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "red", ChannelName(0))
	assert.Equal(t, "green", ChannelName(1))
	assert.Equal(t, "blue", ChannelName(2))
	assert.Equal(t, "ch5", ChannelName(5))
}
