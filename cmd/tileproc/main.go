package main

import (
	"fmt"
	"os"
)

// version is set by goreleaser at build time.
var version = "dev"

const usage = `tileproc converts tiled microscopy containers into single-channel
compressed outputs suitable for segmentation pipelines.

Usage:
  tileproc run <input-dir> <output-dir> [flags]   process every sample found in input-dir
  tileproc export <container> <out-dir> [flags]   write one file per tile plus a manifest
  tileproc validate <output-dir> [flags]          structurally check an output tree
  tileproc version                                print version and exit

Run 'tileproc <command> -h' for command flags.`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "run":
		return runBatch(rest)
	case "export":
		return runExport(rest)
	case "validate":
		return runValidate(rest)
	case "version":
		fmt.Println(version)
		return 0
	case "-h", "--help", "help":
		fmt.Println(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		return 2
	}
}
