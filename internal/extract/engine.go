// Package extract drives the single-channel tile transcoding of one
// container: read tiles in raster order, slice out the selected channel,
// write the reduced tiles to an output container at the same grid
// positions. Memory stays bounded at one tile regardless of image size.
package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/Jakeelamb/cellprofiler/internal/container"
)

// ErrChannelOutOfRange reports a requested channel index at or beyond the
// source channel count. This is a configuration error, not a per-file
// fault: every item in a batch fails the same way, so callers abort the
// whole run.
var ErrChannelOutOfRange = errors.New("extract: channel index out of range")

// TileCounts summarizes one engine run.
type TileCounts struct {
	Pages    int
	Tiles    int
	BytesIn  int64 // raw pixel bytes read (all channels)
	BytesOut int64 // raw pixel bytes written (one channel)
}

// Engine transcodes one source container into a single-channel output.
type Engine struct {
	// OnTile, when non-nil, is called after each tile is written. Used for
	// progress reporting; must not block.
	OnTile func(page, row, col int)
}

// OutputGeometry returns the grid geometry of the single-channel output
// for a given source geometry.
func OutputGeometry(src container.GridGeometry) container.GridGeometry {
	out := src
	out.Channels = 1
	return out
}

// Run iterates every page of src in raster order, extracts channel from
// each tile and writes it to dst at the same position, then finalizes dst.
//
// On any read fault the current file is abandoned: no salvage of partial
// output is attempted, and the returned error carries the tile coordinates
// of the failure. A tile call still blocked when ctx expires is abandoned
// mid-flight, so a stalled mount cannot hold the worker past its budget.
// The caller owns the partial output file on disk and must treat it as
// invalid until it passes validation.
func (e *Engine) Run(ctx context.Context, src container.Reader, dst container.Writer, channel int) (TileCounts, error) {
	var counts TileCounts

	geom := src.Geometry()
	if channel < 0 || channel >= geom.Channels {
		return counts, fmt.Errorf("%w: channel %d, source has %d", ErrChannelOutOfRange, channel, geom.Channels)
	}
	sampleSize := geom.PixelType.Size()

	for page := 0; page < geom.Pages; page++ {
		for row := 0; row < geom.TileRows(); row++ {
			for col := 0; col < geom.TileCols(); col++ {
				if err := ctx.Err(); err != nil {
					return counts, err
				}

				tile, err := readTile(ctx, src, page, row, col)
				if err != nil {
					return counts, fmt.Errorf("tile p%d(%d,%d): %w", page, row, col, err)
				}

				mono := sliceChannel(tile.Pix, channel, geom.Channels, sampleSize)
				if err := writeTile(ctx, dst, page, row, col, mono); err != nil {
					return counts, fmt.Errorf("tile p%d(%d,%d): %w", page, row, col, err)
				}

				counts.Tiles++
				counts.BytesIn += int64(len(tile.Pix))
				counts.BytesOut += int64(len(mono))
				if e.OnTile != nil {
					e.OnTile(page, row, col)
				}
			}
		}
		counts.Pages++
	}

	if err := dst.Finalize(); err != nil {
		return counts, fmt.Errorf("finalize output: %w", err)
	}
	return counts, nil
}

// readTile runs one ReadTile on its own goroutine so a call blocked on a
// stalled mount is abandoned at the context deadline instead of holding
// the worker past its budget. The abandoned call finishes (or errors when
// the caller closes the reader) into a buffered channel and is discarded.
func readTile(ctx context.Context, src container.Reader, page, row, col int) (*container.Tile, error) {
	type result struct {
		tile *container.Tile
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		tile, err := src.ReadTile(page, row, col)
		ch <- result{tile, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.tile, r.err
	}
}

// writeTile is the write-side counterpart of readTile.
func writeTile(ctx context.Context, dst container.Writer, page, row, col int, pix []byte) error {
	ch := make(chan error, 1)
	go func() {
		ch <- dst.WriteTile(page, row, col, pix)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

// sliceChannel copies one interleaved channel out of a tile buffer.
func sliceChannel(pix []byte, channel, channels, sampleSize int) []byte {
	if channels == 1 && channel == 0 {
		out := make([]byte, len(pix))
		copy(out, pix)
		return out
	}
	pixels := len(pix) / (channels * sampleSize)
	out := make([]byte, pixels*sampleSize)
	for i := 0; i < pixels; i++ {
		src := (i*channels + channel) * sampleSize
		copy(out[i*sampleSize:(i+1)*sampleSize], pix[src:src+sampleSize])
	}
	return out
}

// ChannelName maps a channel index to its conventional label for RGB
// sources; other indices fall back to a numbered label.
func ChannelName(channel int) string {
	switch channel {
	case 0:
		return "red"
	case 1:
		return "green"
	case 2:
		return "blue"
	}
	return fmt.Sprintf("ch%d", channel)
}
