package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jakeelamb/cellprofiler/internal/extract"
)

// FileResult records the check of one file found during a scan.
type FileResult struct {
	Path    string  `json:"path"`
	Verdict Verdict `json:"verdict"`
	Detail  string  `json:"detail,omitempty"`
}

// ScanResults aggregates a whole-tree validation pass. ValidFiles counts
// only files that pass both the naming and the structural check.
type ScanResults struct {
	Root         string       `json:"root"`
	Containers   int          `json:"containers"`
	ValidFiles   int          `json:"validFiles"`
	NamingErrors int          `json:"namingErrors"`
	FileErrors   int          `json:"fileErrors"`
	Failures     []FileResult `json:"failures,omitempty"`
	CheckedAt    time.Time    `json:"checkedAt"`
}

// OK reports whether every scanned file passed both checks.
func (s *ScanResults) OK() bool {
	return s.NamingErrors == 0 && s.FileErrors == 0
}

// ScanDir walks an output tree, structurally validating every container
// and checking per-tile files against the naming convention. Whole-file
// outputs (no _tile_ infix) skip the naming check. Files are checked in
// parallel up to workers; results are deterministic regardless of
// interleaving.
func ScanDir(ctx context.Context, root string, exp Expectation, workers int) (*ScanResults, error) {
	if workers <= 0 {
		workers = 4
	}
	results := &ScanResults{Root: root, CheckedAt: time.Now().UTC()}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), extract.TileFileExt) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	results.Containers = len(paths)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			var failures []FileResult
			namingBad := false
			if name := filepath.Base(path); strings.Contains(name, "_tile_") {
				if _, nerr := extract.ParseTileName(name); nerr != nil {
					namingBad = true
					failures = append(failures, FileResult{
						Path: path, Verdict: StructurallyCorrupt, Detail: nerr.Error(),
					})
				}
			}

			rep, verr := Validate(path, exp)
			if verr != nil {
				return verr
			}
			fileBad := rep.Verdict != Valid
			if fileBad {
				failures = append(failures, FileResult{
					Path: path, Verdict: rep.Verdict, Detail: rep.Detail,
				})
			}

			mu.Lock()
			defer mu.Unlock()
			if namingBad {
				results.NamingErrors++
			}
			if fileBad {
				results.FileErrors++
			}
			if !namingBad && !fileBad {
				results.ValidFiles++
			}
			results.Failures = append(results.Failures, failures...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	sort.Slice(results.Failures, func(i, j int) bool {
		return results.Failures[i].Path < results.Failures[j].Path
	})
	return results, nil
}

// WriteResults writes the scan results artifact as indented JSON.
func (s *ScanResults) WriteResults(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode scan results: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write scan results: %w", err)
	}
	return nil
}
