package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Jakeelamb/cellprofiler/internal/container"
	"github.com/Jakeelamb/cellprofiler/internal/extract"
)

func runExport(args []string) int {
	fs := flag.NewFlagSet("tileproc export", flag.ContinueOnError)
	channel := fs.Int("channel", 1, "source channel index to extract")
	sampleID := fs.String("sample-id", "", "sample id for tile file names (default: container file stem)")
	compression := fs.String("compression", "deflate", "tile compression: none, deflate or zstd")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: tileproc export <container> <out-dir> [flags]")
		return 2
	}
	srcPath, outDir := fs.Arg(0), fs.Arg(1)

	comp, err := container.ParseCompression(*compression)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	id := *sampleID
	if id == "" {
		base := filepath.Base(srcPath)
		id = strings.TrimSuffix(base, filepath.Ext(base))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := container.Open(srcPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer src.Close()

	man, err := extract.ExportTiles(ctx, src, outDir, id, *channel, comp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Printf("exported %d tiles for %s to %s\n", man.TotalTiles, id, outDir)
	return 0
}
