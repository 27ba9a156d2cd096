package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Jakeelamb/cellprofiler/internal/container"
)

// TileRecord is one entry of a per-sample tile manifest.
type TileRecord struct {
	Index  int    `json:"index"`
	Y      int    `json:"y"`
	X      int    `json:"x"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
	File   string `json:"file"`
}

// Manifest describes a completed per-tile export of one sample.
type Manifest struct {
	SampleID   string              `json:"sampleId"`
	Channel    string              `json:"channel"`
	Width      int                 `json:"width"`
	Height     int                 `json:"height"`
	TileWidth  int                 `json:"tileWidth"`
	TileHeight int                 `json:"tileHeight"`
	TotalTiles int                 `json:"totalTiles"`
	Metadata   *container.Metadata `json:"metadata,omitempty"`
	Tiles      []TileRecord        `json:"tiles"`
	WrittenAt  time.Time           `json:"writtenAt"`
}

// ExportTiles writes each tile of page 0 as its own single-tile container
// under outDir, plus a {sample-id}_tiles.json manifest. Tile files follow
// the standard naming scheme so downstream analysis can reconstruct the
// grid from names alone.
func ExportTiles(ctx context.Context, src container.Reader, outDir, sampleID string, channel int, comp container.Compression) (*Manifest, error) {
	geom := src.Geometry()
	if channel < 0 || channel >= geom.Channels {
		return nil, fmt.Errorf("%w: channel %d, source has %d", ErrChannelOutOfRange, channel, geom.Channels)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", outDir, err)
	}

	label := ChannelName(channel)
	meta, hasMeta := src.Metadata()
	reduced := meta.Reduce(channel, label)
	sampleSize := geom.PixelType.Size()

	man := &Manifest{
		SampleID:   sampleID,
		Channel:    label,
		Width:      geom.Width,
		Height:     geom.Height,
		TileWidth:  geom.TileWidth,
		TileHeight: geom.TileHeight,
		WrittenAt:  time.Now().UTC(),
	}
	if hasMeta {
		man.Metadata = &reduced
	}

	index := 0
	for row := 0; row < geom.TileRows(); row++ {
		for col := 0; col < geom.TileCols(); col++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			tile, err := src.ReadTile(0, row, col)
			if err != nil {
				return nil, fmt.Errorf("tile (%d,%d): %w", row, col, err)
			}

			name := TileName{
				SampleID: sampleID,
				Channel:  label,
				Index:    index,
				Y:        tile.Y,
				X:        tile.X,
				Height:   tile.Height,
				Width:    tile.Width,
			}
			path := filepath.Join(outDir, name.String())

			tileGeom := container.GridGeometry{
				Width:      tile.Width,
				Height:     tile.Height,
				TileWidth:  tile.Width,
				TileHeight: tile.Height,
				Channels:   1,
				PixelType:  geom.PixelType,
				Pages:      1,
			}
			w, err := container.Create(path, tileGeom, reduced, comp)
			if err != nil {
				return nil, fmt.Errorf("tile (%d,%d): %w", row, col, err)
			}
			mono := sliceChannel(tile.Pix, channel, geom.Channels, sampleSize)
			if err := w.WriteTile(0, 0, 0, mono); err != nil {
				w.Close()
				return nil, fmt.Errorf("tile (%d,%d): %w", row, col, err)
			}
			if err := w.Finalize(); err != nil {
				return nil, fmt.Errorf("tile (%d,%d): %w", row, col, err)
			}

			man.Tiles = append(man.Tiles, TileRecord{
				Index: index, Y: tile.Y, X: tile.X,
				Height: tile.Height, Width: tile.Width,
				File: name.String(),
			})
			index++
		}
	}
	man.TotalTiles = index

	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	manPath := filepath.Join(outDir, sampleID+"_tiles.json")
	if err := os.WriteFile(manPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return man, nil
}
