// Package batch turns a directory of source containers into work items and
// drives them through a bounded worker pool with per-item failure
// isolation: retry with attempt budgets for transient storage faults,
// alternate-source fallback for corrupt primaries, and a single summary
// artifact recording every item exactly once.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/Jakeelamb/cellprofiler/internal/container"
	"github.com/Jakeelamb/cellprofiler/internal/extract"
)

// State is the lifecycle state of a WorkItem.
type State string

const (
	Pending State = "pending"
	Running State = "running"

	// Done: the engine completed and the fresh output validated.
	Done State = "done"

	// Skipped: a valid-looking output already existed before the item was
	// claimed; the source was never opened.
	Skipped State = "skipped"

	// Failed: a retryable fault (storage read error or timeout) on the
	// last attempt. Non-terminal until the attempt budget is spent.
	Failed State = "failed"

	// Corrupt: the source is unreadable or the fresh output failed
	// validation. Never retried against the same path.
	Corrupt State = "corrupt"

	// Unrecoverable: every known source exhausted its attempt budget.
	Unrecoverable State = "unrecoverable"
)

// Terminal reports whether the state is final for a work item.
func (s State) Terminal() bool {
	switch s {
	case Done, Skipped, Corrupt, Unrecoverable:
		return true
	}
	return false
}

// FormatKind distinguishes directly readable containers from proprietary
// sources that need external conversion first.
type FormatKind string

const (
	FormatTiled       FormatKind = "tiled"
	FormatProprietary FormatKind = "proprietary"
)

// Source is one candidate file for a logical sample.
type Source struct {
	Path string
	Kind FormatKind
}

// SourceDescriptor identifies one logical sample and its ranked candidate
// sources (primary first, alternates after). Immutable once built.
type SourceDescriptor struct {
	SampleID string
	Sources  []Source
}

// WorkItem is the unit of work for one logical sample. The orchestrator
// exclusively owns its lifecycle; workers only read it while processing.
type WorkItem struct {
	Sample     SourceDescriptor
	SourceRank int // index into Sample.Sources currently being tried
	OutputPath string

	State    State
	Attempts int // attempts against the current source
	LastErr  string
	ErrKind  ErrorKind
	History  []string // error history across all attempts and sources

	Enqueued time.Time
	Started  time.Time
	Finished time.Time

	BytesIn  int64
	BytesOut int64
}

// Source returns the candidate currently being tried.
func (it *WorkItem) Source() Source {
	return it.Sample.Sources[it.SourceRank]
}

// HasAlternate reports whether an untried lower-ranked source remains.
func (it *WorkItem) HasAlternate() bool {
	return it.SourceRank+1 < len(it.Sample.Sources)
}

// ErrorKind is the batch-level classification of a processing error.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindOpen       ErrorKind = "open"       // container unparseable: corrupt
	KindIO         ErrorKind = "io"         // storage fault mid-read: retryable
	KindDecode     ErrorKind = "decode"     // bytes present, codec failure: corrupt
	KindTimeout    ErrorKind = "timeout"    // per-item budget exceeded: retryable
	KindValidation ErrorKind = "validation" // fresh output failed validation: corrupt
	KindChannel    ErrorKind = "channel"    // channel index misconfiguration: aborts the batch
	KindCanceled   ErrorKind = "canceled"   // global shutdown
	KindInternal   ErrorKind = "internal"
)

// Retryable reports whether the same source may be attempted again.
func (k ErrorKind) Retryable() bool {
	return k == KindIO || k == KindTimeout
}

// CorruptSource reports whether the current source should be abandoned in
// favor of the next-ranked alternate.
func (k ErrorKind) CorruptSource() bool {
	return k == KindOpen || k == KindDecode || k == KindValidation
}

// ValidationError marks a freshly written output that failed its
// post-write structural check.
type ValidationError struct {
	Path    string
	Verdict string
	Detail  string
}

func (e *ValidationError) Error() string {
	return "output " + e.Path + " failed validation (" + e.Verdict + "): " + e.Detail
}

// Classify maps a processing error onto the batch error taxonomy.
func Classify(err error) ErrorKind {
	var (
		openErr *container.OpenError
		readErr *container.ReadError
		decErr  *container.DecodeError
		valErr  *ValidationError
	)
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, extract.ErrChannelOutOfRange):
		return KindChannel
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &openErr):
		return KindOpen
	case errors.As(err, &decErr):
		return KindDecode
	case errors.As(err, &readErr):
		return KindIO
	case errors.As(err, &valErr):
		return KindValidation
	}
	return KindInternal
}
