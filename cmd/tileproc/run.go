package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/Jakeelamb/cellprofiler/internal/batch"
	"github.com/Jakeelamb/cellprofiler/internal/config"
	"github.com/Jakeelamb/cellprofiler/internal/convert"
	"github.com/Jakeelamb/cellprofiler/internal/extract"
	"github.com/Jakeelamb/cellprofiler/internal/logging"
)

// summaryFileName is written into the output directory after every run,
// successful or not, so a resume always has the previous run's record.
const summaryFileName = "processing_summary.json"

func runBatch(args []string) int {
	cfg := config.Default()

	fs := flag.NewFlagSet("tileproc run", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file; flags override its values")
	fs.IntVar(&cfg.Channel, "channel", cfg.Channel, "source channel index to extract")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "number of samples processed in parallel")
	fs.IntVar(&cfg.TimeoutSeconds, "timeout-seconds", cfg.TimeoutSeconds, "per-sample processing budget")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "attempts per source before falling back")
	fs.BoolVar(&cfg.Resume, "resume", cfg.Resume, "skip samples with an existing plausible output")
	noResume := fs.Bool("no-resume", false, "reprocess every sample even when an output exists")
	fs.BoolVar(&cfg.RevalidateOnResume, "revalidate", cfg.RevalidateOnResume, "structurally validate existing outputs before skipping")
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "output tile compression: none, deflate or zstd")
	fs.StringVar(&cfg.ConverterPath, "converter", cfg.ConverterPath, "external converter binary for proprietary inputs")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also write logs to this rotating file")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "log every state transition, not just terminal ones")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: tileproc run <input-dir> <output-dir> [flags]")
		return 2
	}

	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}
		cfg = loaded
		// Re-parse so flags set on the command line win over the file.
		if err := fs.Parse(args); err != nil {
			return 2
		}
	}
	if *noResume {
		cfg.Resume = false
	}
	cfg.InputDir = fs.Arg(0)
	cfg.OutputDir = fs.Arg(1)
	if err := cfg.Check(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	closer := logging.Setup(cfg.LogFile)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := doRun(ctx, cfg); err != nil {
		log.Printf("run failed: %v", err)
		return 1
	}
	return 0
}

func doRun(ctx context.Context, cfg config.Config) error {
	samples, err := batch.EnumerateSources(cfg.InputDir, batch.EnumerateOptions{
		TiledExts:       cfg.TiledExts,
		ProprietaryExts: cfg.ProprietaryExts,
	})
	if err != nil {
		return err
	}
	log.Printf("found %d samples in %s", len(samples), cfg.InputDir)

	var conv convert.Converter
	if cfg.ConverterPath != "" {
		conv = &convert.ExecConverter{
			Binary:  cfg.ConverterPath,
			Args:    cfg.ConverterArgs,
			Timeout: cfg.ConverterTimeout(),
		}
	}

	proc := &batch.EngineProcessor{
		Channel:           cfg.Channel,
		Compression:       cfg.CompressionKind(),
		Converter:         conv,
		TempDir:           filepath.Join(cfg.OutputDir, ".tmp"),
		MaxReductionRatio: cfg.MaxReductionRatio,
		MinOutputBytes:    cfg.MinOutputBytes,
	}
	if err := os.MkdirAll(proc.TempDir, 0o755); err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}

	orch := batch.New(batch.Options{
		OutputDir:          cfg.OutputDir,
		ChannelName:        extract.ChannelName(cfg.Channel),
		Concurrency:        cfg.Concurrency,
		Timeout:            cfg.Timeout(),
		MaxAttempts:        cfg.MaxAttempts,
		Resume:             cfg.Resume,
		RevalidateOnResume: cfg.RevalidateOnResume,
		MinOutputBytes:     cfg.MinOutputBytes,
		MemSampleInterval:  cfg.MemSampleInterval(),
	}, proc)

	events := orch.Progress()
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		for ev := range events {
			if !cfg.Verbose && ev.State == batch.Running {
				continue
			}
			log.Print(batch.FormatEvent(ev))
		}
	}()

	summary, runErr := orch.Run(ctx, samples)
	<-logDone

	summaryPath := filepath.Join(cfg.OutputDir, summaryFileName)
	if err := summary.WriteFile(summaryPath); err != nil {
		log.Printf("write summary: %v", err)
	}

	var in, out int64
	for _, rec := range summary.Items {
		in += rec.BytesIn
		out += rec.BytesOut
	}
	log.Printf("done: %d ok, %d skipped, %d failed, %d corrupt, %d unrecoverable",
		summary.Counts[batch.Done], summary.Counts[batch.Skipped], summary.Counts[batch.Failed],
		summary.Counts[batch.Corrupt], summary.Counts[batch.Unrecoverable])
	if out > 0 {
		log.Printf("read %s, wrote %s (%.1fx reduction)",
			humanize.IBytes(uint64(in)), humanize.IBytes(uint64(out)), float64(in)/float64(out))
	}
	log.Printf("summary written to %s", summaryPath)

	if runErr != nil {
		return runErr
	}
	if !summary.ExitOK() {
		return fmt.Errorf("%d samples could not be processed", summary.Counts[batch.Corrupt]+summary.Counts[batch.Unrecoverable])
	}
	return nil
}
