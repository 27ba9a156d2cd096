package batch

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Event mirrors a work item state transition in real time. The summary
// artifact stays authoritative; events only feed the console/log stream.
type Event struct {
	SampleID string
	State    State
	Attempt  int
	Source   string
	Message  string
	BytesOut int64
}

// ProgressReporter emits events through a buffered channel.
type ProgressReporter struct {
	ch chan Event
}

// NewProgressReporter creates a ProgressReporter with a buffered channel of size 256.
func NewProgressReporter() *ProgressReporter {
	return &ProgressReporter{ch: make(chan Event, 256)}
}

// Emit sends an event in a non-blocking fashion. If the channel is full,
// the event is silently dropped; the summary still records every outcome.
func (pr *ProgressReporter) Emit(ev Event) {
	select {
	case pr.ch <- ev:
	default:
	}
}

// Subscribe returns a read-only channel for consuming events.
func (pr *ProgressReporter) Subscribe() <-chan Event {
	return pr.ch
}

// Close closes the event channel.
func (pr *ProgressReporter) Close() {
	close(pr.ch)
}

// FormatEvent renders an event as a status line.
func FormatEvent(ev Event) string {
	switch ev.State {
	case Running:
		return fmt.Sprintf("  ● %s (attempt %d, %s)", ev.SampleID, ev.Attempt, ev.Source)
	case Done:
		return fmt.Sprintf("  ✓ %s done (%s written)", ev.SampleID, humanize.IBytes(uint64(ev.BytesOut)))
	case Skipped:
		return fmt.Sprintf("  ↷ %s skipped (output exists)", ev.SampleID)
	case Failed:
		return fmt.Sprintf("  ✗ %s failed: %s", ev.SampleID, ev.Message)
	case Corrupt:
		return fmt.Sprintf("  ✗ %s corrupt: %s", ev.SampleID, ev.Message)
	case Unrecoverable:
		return fmt.Sprintf("  ✗ %s unrecoverable: %s", ev.SampleID, ev.Message)
	}
	return fmt.Sprintf("  ? %s (%s)", ev.SampleID, ev.State)
}
