package batch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Jakeelamb/cellprofiler/internal/validate"
)

// Options holds the orchestrator tunables. Zero fields take the defaults
// below.
type Options struct {
	OutputDir   string
	ChannelName string

	// Concurrency is the worker pool size. Each worker processes one item
	// end-to-end before taking the next; parallelism is across files,
	// never within one file's tile stream.
	Concurrency int

	// Timeout is the per-item wall-clock budget. Exceeding it cancels the
	// item's in-flight I/O and counts as a retryable failure.
	Timeout time.Duration

	// MaxAttempts bounds attempts per source (first try included).
	MaxAttempts int

	// Resume skips items whose output already exists and passes a
	// lightweight existence+size check. RevalidateOnResume upgrades that
	// check to a full structural validation.
	Resume             bool
	RevalidateOnResume bool
	MinOutputBytes     int64

	// MemSampleInterval enables free-memory diagnostics when positive.
	MemSampleInterval time.Duration
}

const (
	defaultConcurrency    = 4
	defaultMaxAttempts    = 3
	defaultTimeout        = time.Hour
	defaultMinOutputBytes = 1024
)

// Orchestrator owns the work item lifecycle for one batch run. The
// scheduling goroutine is the only writer of item states and the summary;
// workers communicate outcomes back over a channel.
type Orchestrator struct {
	opts     Options
	proc     ItemProcessor
	progress *ProgressReporter
}

// New creates an Orchestrator around the given processor.
func New(opts Options, proc ItemProcessor) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MinOutputBytes <= 0 {
		opts.MinOutputBytes = defaultMinOutputBytes
	}
	return &Orchestrator{
		opts:     opts,
		proc:     proc,
		progress: NewProgressReporter(),
	}
}

// Progress returns the live event stream. Events mirror state transitions;
// the summary remains authoritative.
func (o *Orchestrator) Progress() <-chan Event {
	return o.progress.Subscribe()
}

// Run processes every sample and returns the summary. The returned error
// is non-nil only for run-level problems (unusable output directory,
// channel misconfiguration); per-item failures are isolated in the
// summary and never abort the batch. The summary is valid either way.
func (o *Orchestrator) Run(ctx context.Context, samples []SourceDescriptor) (*Summary, error) {
	summary := NewSummary(uuid.NewString())
	defer func() {
		summary.FinishedAt = time.Now().UTC()
		o.progress.Close()
	}()

	if err := os.MkdirAll(o.opts.OutputDir, 0o755); err != nil {
		return summary, fmt.Errorf("output dir: %w", err)
	}

	if o.opts.MemSampleInterval > 0 {
		sampler := startMemSampler(o.opts.MemSampleInterval)
		defer func() { summary.Memory = sampler.Stats() }()
	}

	// Build one item per logical sample; resolve resume skips before any
	// item is claimed so skipped sources are never opened.
	now := time.Now().UTC()
	var pending []*WorkItem
	for _, s := range samples {
		it := &WorkItem{
			Sample:     s,
			State:      Pending,
			Enqueued:   now,
			OutputPath: OutputPath(o.opts.OutputDir, s.SampleID, o.opts.ChannelName),
		}
		if o.opts.Resume && o.outputLooksDone(it.OutputPath) {
			it.State = Skipped
			it.Finished = time.Now().UTC()
			summary.Record(it)
			o.progress.Emit(eventFor(it))
			continue
		}
		pending = append(pending, it)
	}

	queue := make(chan *WorkItem)
	results := make(chan *WorkItem)
	var wg sync.WaitGroup
	for i := 0; i < o.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range queue {
				o.processItem(ctx, it)
				results <- it
			}
		}()
	}

	inflight := 0
	var abortErr error
	for len(pending)+inflight > 0 {
		var sendCh chan *WorkItem
		var next *WorkItem
		if len(pending) > 0 && abortErr == nil && ctx.Err() == nil {
			sendCh = queue
			next = pending[0]
		}
		if sendCh == nil && inflight == 0 {
			break // dispatch stopped and nothing left in flight
		}

		select {
		case sendCh <- next:
			pending = pending[1:]
			inflight++
		case it := <-results:
			inflight--
			requeue, abort := o.resolve(it)
			if requeue {
				pending = append(pending, it)
				continue
			}
			summary.Record(it)
			o.progress.Emit(eventFor(it))
			if abort && abortErr == nil {
				abortErr = fmt.Errorf("batch aborted: %s", it.LastErr)
			}
		}
	}
	close(queue)
	wg.Wait()

	// Items never dispatched because the run stopped early.
	for _, it := range pending {
		it.LastErr = "not started (run stopped)"
		summary.Record(it)
	}

	return summary, abortErr
}

// processItem runs one attempt of one item under the per-item timeout.
// Runs on a worker goroutine; only this item is touched.
func (o *Orchestrator) processItem(ctx context.Context, it *WorkItem) {
	it.State = Running
	it.Started = time.Now().UTC()
	it.Attempts++
	o.progress.Emit(Event{
		SampleID: it.Sample.SampleID,
		State:    Running,
		Attempt:  it.Attempts,
		Source:   it.Source().Path,
	})

	pctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	err := o.proc.Process(pctx, it)
	it.Finished = time.Now().UTC()
	it.ErrKind = Classify(err)
	if err != nil {
		it.LastErr = err.Error()
		it.History = append(it.History, fmt.Sprintf("attempt %d on %s [%s]: %v",
			it.Attempts, it.Source().Path, it.ErrKind, err))
	} else {
		it.LastErr = ""
	}
}

// resolve applies the state machine to a finished attempt. Returns whether
// the item goes back to the queue, and whether the whole batch must abort.
// Runs only on the scheduling goroutine.
func (o *Orchestrator) resolve(it *WorkItem) (requeue, abort bool) {
	switch kind := it.ErrKind; {
	case kind == KindNone:
		it.State = Done
		return false, false

	case kind == KindChannel:
		// Misconfiguration affects every item identically; failing the
		// batch beats producing a directory of wrong-channel outputs.
		it.State = Failed
		return false, true

	case kind == KindCanceled:
		it.State = Failed
		return false, false

	case kind.Retryable():
		if it.Attempts < o.opts.MaxAttempts {
			it.State = Pending
			return true, false
		}
		if it.HasAlternate() {
			o.advanceToAlternate(it)
			return true, false
		}
		it.State = Unrecoverable
		return false, false

	case kind.CorruptSource():
		if it.HasAlternate() {
			o.advanceToAlternate(it)
			return true, false
		}
		it.State = Corrupt
		return false, false
	}

	// Internal faults get no retry: the failure is in our own code, not
	// the storage.
	it.State = Unrecoverable
	return false, false
}

func (o *Orchestrator) advanceToAlternate(it *WorkItem) {
	it.History = append(it.History, fmt.Sprintf("falling back to alternate source %s",
		it.Sample.Sources[it.SourceRank+1].Path))
	it.SourceRank++
	it.Attempts = 0
	it.State = Pending
}

// outputLooksDone is the lightweight resume check: the output exists and
// clears the minimum size. Full revalidation is optional so a resume over
// thousands of finished items does not re-decode everything.
func (o *Orchestrator) outputLooksDone(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.Size() < o.opts.MinOutputBytes {
		return false
	}
	if !o.opts.RevalidateOnResume {
		return true
	}
	rep, err := validate.Validate(path, validate.Expectation{MinFileBytes: o.opts.MinOutputBytes})
	return err == nil && rep.Verdict == validate.Valid
}

func eventFor(it *WorkItem) Event {
	return Event{
		SampleID: it.Sample.SampleID,
		State:    it.State,
		Attempt:  it.Attempts,
		Source:   it.Source().Path,
		Message:  it.LastErr,
		BytesOut: it.BytesOut,
	}
}
