package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EnumerateOptions controls source discovery.
type EnumerateOptions struct {
	// TiledExts are extensions of directly readable containers (ranked as
	// primaries). ProprietaryExts need external conversion and rank after
	// every directly readable candidate for the same sample.
	TiledExts       []string
	ProprietaryExts []string
}

// DefaultTiledExts and DefaultProprietaryExts mirror the production intake:
// re-tiled containers first, vendor files as fallback.
var (
	DefaultTiledExts       = []string{".stc"}
	DefaultProprietaryExts = []string{".vsi"}
)

// EnumerateSources scans inputDir (non-recursive) and groups candidate
// files by normalized sample stem into ranked SourceDescriptors, sorted by
// sample id for deterministic processing order. The alternate-source
// relationship is resolved here, once, rather than inferred during failure
// handling.
func EnumerateSources(inputDir string, opts EnumerateOptions) ([]SourceDescriptor, error) {
	if len(opts.TiledExts) == 0 {
		opts.TiledExts = DefaultTiledExts
	}
	if len(opts.ProprietaryExts) == 0 {
		opts.ProprietaryExts = DefaultProprietaryExts
	}

	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", inputDir, err)
	}

	groups := make(map[string][]Source)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		var kind FormatKind
		switch {
		case containsExt(opts.TiledExts, ext):
			kind = FormatTiled
		case containsExt(opts.ProprietaryExts, ext):
			kind = FormatProprietary
		default:
			continue
		}
		id := NormalizeStem(strings.TrimSuffix(name, filepath.Ext(name)))
		groups[id] = append(groups[id], Source{Path: filepath.Join(inputDir, name), Kind: kind})
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("enumerate %s: no source files found", inputDir)
	}

	samples := make([]SourceDescriptor, 0, len(groups))
	for id, sources := range groups {
		// Directly readable candidates rank before proprietary ones;
		// within a kind, lexicographic path order keeps runs deterministic.
		sort.SliceStable(sources, func(i, j int) bool {
			if sources[i].Kind != sources[j].Kind {
				return sources[i].Kind == FormatTiled
			}
			return sources[i].Path < sources[j].Path
		})
		samples = append(samples, SourceDescriptor{SampleID: id, Sources: sources})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].SampleID < samples[j].SampleID })
	return samples, nil
}

// NormalizeStem reduces a file stem to its logical sample id so that a
// primary and its same-named alternates group together regardless of
// acquisition-suffix noise.
func NormalizeStem(stem string) string {
	stem = strings.TrimSuffix(stem, ".ome")
	stem = strings.TrimSuffix(stem, "_raw")
	return stem
}

func containsExt(exts []string, ext string) bool {
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// OutputPath returns the whole-file output container path for a sample:
// {outputDir}/{sample-id}_{channel-name}.stc
func OutputPath(outputDir, sampleID, channelName string) string {
	return filepath.Join(outputDir, fmt.Sprintf("%s_%s.stc", sampleID, channelName))
}
