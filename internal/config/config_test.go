package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jakeelamb/cellprofiler/internal/container"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1, cfg.Channel)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Timeout())
	assert.True(t, cfg.Resume)
	assert.Equal(t, "deflate", cfg.Compression)
	assert.Equal(t, container.CompressionDeflate, cfg.CompressionKind())
	assert.Equal(t, float64(50), cfg.MaxReductionRatio)
	require.NoError(t, cfg.Check())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
channel: 2
concurrency: 8
timeoutSeconds: 600
compression: zstd
resume: false
converterPath: /opt/bftools/bfconvert
converterArgs: ["-overwrite", "{src}", "{dst}"]
tiledExts: [".stc", ".tif"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Channel)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 10*time.Minute, cfg.Timeout())
	assert.Equal(t, container.CompressionZstd, cfg.CompressionKind())
	assert.False(t, cfg.Resume)
	assert.Equal(t, "/opt/bftools/bfconvert", cfg.ConverterPath)
	assert.Equal(t, []string{"-overwrite", "{src}", "{dst}"}, cfg.ConverterArgs)
	assert.Equal(t, []string{".stc", ".tif"}, cfg.TiledExts)

	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, float64(50), cfg.MaxReductionRatio)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "concurency: 8\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurency")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"negative channel", "channel: -1\n"},
		{"zero concurrency", "concurrency: 0\n"},
		{"zero timeout", "timeoutSeconds: 0\n"},
		{"zero attempts", "maxAttempts: 0\n"},
		{"bad compression", "compression: lzw\n"},
		{"zero reduction ratio", "maxReductionRatio: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := Default()
	cfg.ConverterTimeoutSeconds = 90
	cfg.MemSampleSeconds = 15
	assert.Equal(t, 90*time.Second, cfg.ConverterTimeout())
	assert.Equal(t, 15*time.Second, cfg.MemSampleInterval())
}
