package extract

import (
	"fmt"
	"strconv"
	"strings"
)

// TileFileExt is the extension of per-tile output containers.
const TileFileExt = ".stc"

// TileName is the parsed form of a per-tile output file name:
//
//	{sample-id}_{channel-name}_tile_{index:04d}_{y}_{x}_{height}x{width}.stc
type TileName struct {
	SampleID string
	Channel  string
	Index    int
	Y        int
	X        int
	Height   int
	Width    int
}

func (n TileName) String() string {
	return fmt.Sprintf("%s_%s_tile_%04d_%d_%d_%dx%d%s",
		n.SampleID, n.Channel, n.Index, n.Y, n.X, n.Height, n.Width, TileFileExt)
}

// ParseTileName parses a per-tile file name. Sample IDs may themselves
// contain underscores, so fields are taken from the right.
func ParseTileName(name string) (TileName, error) {
	var tn TileName

	base := strings.TrimSuffix(name, TileFileExt)
	if base == name {
		return tn, fmt.Errorf("tile name %q: missing %s extension", name, TileFileExt)
	}
	parts := strings.Split(base, "_")
	if len(parts) < 7 {
		return tn, fmt.Errorf("tile name %q: want at least 7 underscore fields, got %d", name, len(parts))
	}

	dims := strings.Split(parts[len(parts)-1], "x")
	if len(dims) != 2 {
		return tn, fmt.Errorf("tile name %q: bad dimensions field %q", name, parts[len(parts)-1])
	}
	if parts[len(parts)-5] != "tile" {
		return tn, fmt.Errorf("tile name %q: missing tile marker", name)
	}

	var err error
	if tn.Height, err = strconv.Atoi(dims[0]); err != nil {
		return tn, fmt.Errorf("tile name %q: height: %w", name, err)
	}
	if tn.Width, err = strconv.Atoi(dims[1]); err != nil {
		return tn, fmt.Errorf("tile name %q: width: %w", name, err)
	}
	if tn.X, err = strconv.Atoi(parts[len(parts)-2]); err != nil {
		return tn, fmt.Errorf("tile name %q: x offset: %w", name, err)
	}
	if tn.Y, err = strconv.Atoi(parts[len(parts)-3]); err != nil {
		return tn, fmt.Errorf("tile name %q: y offset: %w", name, err)
	}
	if tn.Index, err = strconv.Atoi(parts[len(parts)-4]); err != nil {
		return tn, fmt.Errorf("tile name %q: index: %w", name, err)
	}

	tn.Channel = parts[len(parts)-6]
	tn.SampleID = strings.Join(parts[:len(parts)-6], "_")
	if tn.SampleID == "" {
		return tn, fmt.Errorf("tile name %q: empty sample id", name)
	}
	return tn, nil
}
