// Package validate performs structural checks on tiled containers without
// decoding whole images. A check opens the container, inspects geometry and
// file size against expectations, and spot-decodes a bounded number of
// tiles; it never reads every pixel.
package validate

import (
	"fmt"
	"os"

	"github.com/Jakeelamb/cellprofiler/internal/container"
)

// Verdict is the outcome of a structural check.
type Verdict string

const (
	// Valid means the container opened, geometry and size are plausible,
	// and the spot-checked tiles decoded.
	Valid Verdict = "valid"

	// SuspiciouslySmall means the container is structurally sound but far
	// smaller than its geometry implies, suggesting a truncated or
	// degenerate write. The threshold is a heuristic, never a hard
	// invariant.
	SuspiciouslySmall Verdict = "suspiciously-small"

	// StructurallyCorrupt means the container cannot be opened, has no
	// usable pages, or its spot-checked tiles fail to decode.
	StructurallyCorrupt Verdict = "structurally-corrupt"
)

// Expectation carries what the caller knows about the container ahead of
// time. Zero fields are not checked.
type Expectation struct {
	// MinWidth/MinHeight bound the declared dimensions from below.
	MinWidth  int
	MinHeight int

	// Channels is the expected channel count.
	Channels int

	// MaxReductionRatio is the largest plausible ratio of raw pixel bytes
	// to file size. Files smaller than rawBytes/MaxReductionRatio are
	// reported SuspiciouslySmall. Zero applies DefaultMaxReductionRatio.
	MaxReductionRatio float64

	// MinFileBytes is an absolute floor on file size.
	MinFileBytes int64
}

// DefaultMaxReductionRatio is deliberately conservative: observed lossless
// reductions on microscopy data sit well under this.
const DefaultMaxReductionRatio = 50

// SpotCheckTiles is how many tiles a check decodes (first, middle, last of
// page zero).
const SpotCheckTiles = 3

// Report is the result of one structural check.
type Report struct {
	Path         string
	Verdict      Verdict
	Geometry     container.GridGeometry
	FileBytes    int64
	TilesChecked int
	Detail       string
}

// Validate structurally checks the container at path. The error return is
// reserved for checks that could not run at all (for example, the file
// cannot be stat'ed); a container that fails the check comes back with a
// non-Valid verdict and a nil error.
func Validate(path string, exp Expectation) (Report, error) {
	rep := Report{Path: path}

	fi, err := os.Stat(path)
	if err != nil {
		return rep, fmt.Errorf("stat %s: %w", path, err)
	}
	rep.FileBytes = fi.Size()

	r, err := container.Open(path)
	if err != nil {
		rep.Verdict = StructurallyCorrupt
		rep.Detail = err.Error()
		return rep, nil
	}
	defer r.Close()

	geom := r.Geometry()
	rep.Geometry = geom

	if bad := checkGeometry(geom, exp); bad != "" {
		rep.Verdict = StructurallyCorrupt
		rep.Detail = bad
		return rep, nil
	}

	// Spot-decode a bounded number of tiles on page zero. Decoding the
	// whole image is too expensive for multi-gigabyte outputs.
	for _, i := range spotIndices(geom.TilesPerPage()) {
		row, col := i/geom.TileCols(), i%geom.TileCols()
		if _, err := r.ReadTile(0, row, col); err != nil {
			rep.Verdict = StructurallyCorrupt
			rep.Detail = fmt.Sprintf("spot check: %v", err)
			return rep, nil
		}
		rep.TilesChecked++
	}

	if small := checkSize(fi.Size(), geom, exp); small != "" {
		rep.Verdict = SuspiciouslySmall
		rep.Detail = small
		return rep, nil
	}

	rep.Verdict = Valid
	return rep, nil
}

func checkGeometry(geom container.GridGeometry, exp Expectation) string {
	if geom.Pages < 1 {
		return fmt.Sprintf("%d pages", geom.Pages)
	}
	if exp.MinWidth > 0 && geom.Width < exp.MinWidth {
		return fmt.Sprintf("width %d below expected minimum %d", geom.Width, exp.MinWidth)
	}
	if exp.MinHeight > 0 && geom.Height < exp.MinHeight {
		return fmt.Sprintf("height %d below expected minimum %d", geom.Height, exp.MinHeight)
	}
	if exp.Channels > 0 && geom.Channels != exp.Channels {
		return fmt.Sprintf("%d channels, expected %d", geom.Channels, exp.Channels)
	}
	return ""
}

func checkSize(fileBytes int64, geom container.GridGeometry, exp Expectation) string {
	ratio := exp.MaxReductionRatio
	if ratio <= 0 {
		ratio = DefaultMaxReductionRatio
	}
	minPlausible := int64(float64(geom.RawPixelBytes()) / ratio)
	if exp.MinFileBytes > minPlausible {
		minPlausible = exp.MinFileBytes
	}
	if fileBytes < minPlausible {
		return fmt.Sprintf("file is %d bytes, below plausible minimum %d (raw %d, max reduction %.0fx)",
			fileBytes, minPlausible, geom.RawPixelBytes(), ratio)
	}
	return ""
}

// spotIndices picks first, middle and last tile indices without repeats.
func spotIndices(total int) []int {
	switch {
	case total <= 0:
		return nil
	case total == 1:
		return []int{0}
	case total == 2:
		return []int{0, 1}
	}
	return []int{0, total / 2, total - 1}
}
