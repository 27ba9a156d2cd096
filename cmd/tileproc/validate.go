package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Jakeelamb/cellprofiler/internal/validate"
)

const scanResultsFileName = "validation_results.json"

func runValidate(args []string) int {
	fs := flag.NewFlagSet("tileproc validate", flag.ContinueOnError)
	workers := fs.Int("workers", 4, "files checked in parallel")
	minWidth := fs.Int("min-width", 0, "minimum expected image width")
	minHeight := fs.Int("min-height", 0, "minimum expected image height")
	channels := fs.Int("channels", 0, "expected channel count, 0 to skip the check")
	maxRatio := fs.Float64("max-reduction-ratio", validate.DefaultMaxReductionRatio,
		"compressed outputs smaller than raw/ratio are flagged as suspicious")
	resultsOut := fs.String("results", "", "write the results artifact here instead of <output-dir>/"+scanResultsFileName)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tileproc validate <output-dir> [flags]")
		return 2
	}
	root := fs.Arg(0)

	exp := validate.Expectation{
		MinWidth:          *minWidth,
		MinHeight:         *minHeight,
		Channels:          *channels,
		MaxReductionRatio: *maxRatio,
	}
	results, err := validate.ScanDir(context.Background(), root, exp, *workers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	out := *resultsOut
	if out == "" {
		out = filepath.Join(root, scanResultsFileName)
	}
	if err := results.WriteResults(out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Printf("checked %d containers: %d valid, %d naming errors, %d file errors\n",
		results.Containers, results.ValidFiles, results.NamingErrors, results.FileErrors)
	for _, f := range results.Failures {
		fmt.Printf("  %s: %s (%s)\n", f.Path, f.Verdict, f.Detail)
	}
	fmt.Printf("results written to %s\n", out)

	if !results.OK() {
		return 1
	}
	return 0
}
