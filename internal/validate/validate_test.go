package validate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jakeelamb/cellprofiler/internal/container"
)

func writeValid(t *testing.T, path string, geom container.GridGeometry, comp container.Compression) {
	t.Helper()
	w, err := container.Create(path, geom, container.Metadata{}, comp)
	require.NoError(t, err)
	for page := 0; page < geom.Pages; page++ {
		for row := 0; row < geom.TileRows(); row++ {
			for col := 0; col < geom.TileCols(); col++ {
				h, wd := geom.TileDims(row, col)
				pix := make([]byte, h*wd*geom.BytesPerPixel())
				for i := range pix {
					pix[i] = byte(i * 13)
				}
				require.NoError(t, w.WriteTile(page, row, col, pix))
			}
		}
	}
	require.NoError(t, w.Finalize())
}

func TestValidate_ValidContainer(t *testing.T) {
	geom := container.GridGeometry{
		Width: 600, Height: 300,
		TileWidth: 256, TileHeight: 256,
		Channels: 1, PixelType: container.Uint8, Pages: 1,
	}
	path := filepath.Join(t.TempDir(), "good.stc")
	writeValid(t, path, geom, container.CompressionNone)

	rep, err := Validate(path, Expectation{
		MinWidth: 600, MinHeight: 300, Channels: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, Valid, rep.Verdict)
	assert.Equal(t, geom, rep.Geometry)
	assert.Equal(t, SpotCheckTiles, rep.TilesChecked)
	assert.Positive(t, rep.FileBytes)
}

func TestValidate_MissingFile(t *testing.T) {
	_, err := Validate(filepath.Join(t.TempDir(), "absent.stc"), Expectation{})
	require.Error(t, err)
}

func TestValidate_GarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.stc")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	rep, err := Validate(path, Expectation{})
	require.NoError(t, err)
	assert.Equal(t, StructurallyCorrupt, rep.Verdict)
	assert.NotEmpty(t, rep.Detail)
}

func TestValidate_GeometryExpectations(t *testing.T) {
	geom := container.GridGeometry{
		Width: 600, Height: 300,
		TileWidth: 256, TileHeight: 256,
		Channels: 3, PixelType: container.Uint8, Pages: 1,
	}
	path := filepath.Join(t.TempDir(), "rgb.stc")
	writeValid(t, path, geom, container.CompressionNone)

	tests := []struct {
		name   string
		exp    Expectation
		detail string
	}{
		{"width too small", Expectation{MinWidth: 1000}, "width 600 below expected minimum 1000"},
		{"height too small", Expectation{MinHeight: 400}, "height 300 below expected minimum 400"},
		{"wrong channel count", Expectation{Channels: 1}, "3 channels, expected 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := Validate(path, tt.exp)
			require.NoError(t, err)
			assert.Equal(t, StructurallyCorrupt, rep.Verdict)
			assert.Equal(t, tt.detail, rep.Detail)
		})
	}
}

func TestValidate_SuspiciouslySmall(t *testing.T) {
	// Constant-value tiles deflate to almost nothing; with a reduction
	// ceiling of 2x the file must be flagged.
	geom := container.GridGeometry{
		Width: 512, Height: 512,
		TileWidth: 256, TileHeight: 256,
		Channels: 1, PixelType: container.Uint8, Pages: 1,
	}
	path := filepath.Join(t.TempDir(), "flat.stc")
	w, err := container.Create(path, geom, container.Metadata{}, container.CompressionDeflate)
	require.NoError(t, err)
	for row := 0; row < 2; row++ {
		for col := 0; col < 2; col++ {
			require.NoError(t, w.WriteTile(0, row, col, make([]byte, 256*256)))
		}
	}
	require.NoError(t, w.Finalize())

	rep, err := Validate(path, Expectation{MaxReductionRatio: 2})
	require.NoError(t, err)
	assert.Equal(t, SuspiciouslySmall, rep.Verdict)
	assert.Contains(t, rep.Detail, "below plausible minimum")

	// An uncompressed file of the same geometry clears the same ceiling.
	full := filepath.Join(t.TempDir(), "full.stc")
	writeValid(t, full, geom, container.CompressionNone)
	rep, err = Validate(full, Expectation{MaxReductionRatio: 2})
	require.NoError(t, err)
	assert.Equal(t, Valid, rep.Verdict)
}

func TestValidate_MinFileBytesFloor(t *testing.T) {
	geom := container.GridGeometry{
		Width: 16, Height: 16, TileWidth: 16, TileHeight: 16,
		Channels: 1, PixelType: container.Uint8, Pages: 1,
	}
	path := filepath.Join(t.TempDir(), "tiny.stc")
	writeValid(t, path, geom, container.CompressionNone)

	rep, err := Validate(path, Expectation{MinFileBytes: 1 << 20})
	require.NoError(t, err)
	assert.Equal(t, SuspiciouslySmall, rep.Verdict)
}

func TestSpotIndices(t *testing.T) {
	assert.Nil(t, spotIndices(0))
	assert.Equal(t, []int{0}, spotIndices(1))
	assert.Equal(t, []int{0, 1}, spotIndices(2))
	assert.Equal(t, []int{0, 3, 5}, spotIndices(6))
}
