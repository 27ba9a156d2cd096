package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Jakeelamb/cellprofiler/internal/container"
	"github.com/Jakeelamb/cellprofiler/internal/convert"
	"github.com/Jakeelamb/cellprofiler/internal/extract"
	"github.com/Jakeelamb/cellprofiler/internal/validate"
)

// ItemProcessor processes one work item end-to-end. The orchestrator
// classifies the returned error to drive the state machine.
type ItemProcessor interface {
	Process(ctx context.Context, item *WorkItem) error
}

// EngineProcessor is the production processor: convert the source if it is
// proprietary, stream-extract the configured channel into the output
// container, then structurally validate the fresh output. Each call owns
// its reader and writer exclusively; nothing is shared across workers.
type EngineProcessor struct {
	Channel           int
	Compression       container.Compression
	Converter         convert.Converter // required when proprietary sources exist
	TempDir           string            // scratch space for converted intermediates
	MaxReductionRatio float64
	MinOutputBytes    int64
}

// Process implements ItemProcessor.
func (p *EngineProcessor) Process(ctx context.Context, item *WorkItem) error {
	src := item.Source()

	path := src.Path
	if src.Kind == FormatProprietary {
		converted, err := p.convertSource(ctx, item, src.Path)
		if err != nil {
			// A failed conversion behaves like an unopenable container:
			// non-retryable for this source, fall through to alternates.
			return &container.OpenError{Path: src.Path, Err: err}
		}
		defer os.Remove(converted)
		path = converted
	}

	r, err := container.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	geom := r.Geometry()
	meta, _ := r.Metadata()
	label := extract.ChannelName(p.Channel)

	w, err := container.Create(item.OutputPath, extract.OutputGeometry(geom), meta.Reduce(p.Channel, label), p.Compression)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	// Release the handle on every failure path; a no-op after the engine
	// finalizes. Long runs with retries must not accumulate descriptors.
	defer w.Close()

	eng := &extract.Engine{}
	counts, err := eng.Run(ctx, r, w, p.Channel)
	if err != nil {
		// No salvage of partial output: remove it so a later resume does
		// not mistake it for a finished artifact.
		os.Remove(item.OutputPath)
		return err
	}
	item.BytesIn = counts.BytesIn
	item.BytesOut = counts.BytesOut

	rep, err := validate.Validate(item.OutputPath, validate.Expectation{
		MinWidth:          geom.Width,
		MinHeight:         geom.Height,
		Channels:          1,
		MaxReductionRatio: p.MaxReductionRatio,
		MinFileBytes:      p.MinOutputBytes,
	})
	if err != nil {
		return fmt.Errorf("validate output: %w", err)
	}
	if rep.Verdict != validate.Valid {
		os.Remove(item.OutputPath)
		return &ValidationError{Path: item.OutputPath, Verdict: string(rep.Verdict), Detail: rep.Detail}
	}
	return nil
}

func (p *EngineProcessor) convertSource(ctx context.Context, item *WorkItem, srcPath string) (string, error) {
	if p.Converter == nil {
		return "", fmt.Errorf("no converter configured for proprietary source %s", srcPath)
	}
	dir := p.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	dst := filepath.Join(dir, fmt.Sprintf("%s_r%d_converted.stc", item.Sample.SampleID, item.SourceRank))
	if err := p.Converter.Convert(ctx, srcPath, dst); err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, nil
}
