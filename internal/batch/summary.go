package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

// ItemRecord is the final, immutable record of one work item. Written into
// the summary exactly once, when the item reaches a terminal state (or
// when a shutdown leaves it pending).
type ItemRecord struct {
	SampleID       string    `json:"sampleId"`
	State          State     `json:"state"`
	Attempts       int       `json:"attempts"`
	SourcePath     string    `json:"sourcePath"`
	SourceRank     int       `json:"sourceRank"`
	OutputPath     string    `json:"outputPath,omitempty"`
	ErrorKind      ErrorKind `json:"errorKind,omitempty"`
	Error          string    `json:"error,omitempty"`
	History        []string  `json:"history,omitempty"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
	StartedAt      time.Time `json:"startedAt,omitzero"`
	FinishedAt     time.Time `json:"finishedAt,omitzero"`
	Seconds        float64   `json:"seconds"`
	BytesIn        int64     `json:"bytesIn,omitempty"`
	BytesOut       int64     `json:"bytesOut,omitempty"`
	ReductionRatio float64   `json:"reductionRatio,omitempty"`
}

// MemoryStats summarizes free-memory samples taken during the run.
// Diagnostics only; absent when sampling was unavailable.
type MemoryStats struct {
	Samples   int     `json:"samples"`
	MeanFree  uint64  `json:"meanFreeBytes"`
	StdDev    float64 `json:"stddevFreeBytes"`
	MinFree   uint64  `json:"minFreeBytes"`
	Interval  string  `json:"interval"`
}

// Summary is the authoritative processing record of one batch run. It is
// mutated only by the orchestrator's scheduling goroutine.
type Summary struct {
	RunID      string        `json:"runId"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Counts     map[State]int `json:"counts"`
	Items      []ItemRecord  `json:"items"`
	Memory     *MemoryStats  `json:"memory,omitempty"`
}

// NewSummary creates an empty summary for a run.
func NewSummary(runID string) *Summary {
	return &Summary{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Counts:    make(map[State]int),
	}
}

// Record appends the final record for one work item.
func (s *Summary) Record(it *WorkItem) {
	rec := ItemRecord{
		SampleID:   it.Sample.SampleID,
		State:      it.State,
		Attempts:   it.Attempts,
		SourcePath: it.Source().Path,
		SourceRank: it.SourceRank,
		OutputPath: it.OutputPath,
		ErrorKind:  it.ErrKind,
		Error:      it.LastErr,
		History:    it.History,
		EnqueuedAt: it.Enqueued,
		StartedAt:  it.Started,
		FinishedAt: it.Finished,
		BytesIn:    it.BytesIn,
		BytesOut:   it.BytesOut,
	}
	if !it.Started.IsZero() && !it.Finished.IsZero() {
		rec.Seconds = it.Finished.Sub(it.Started).Seconds()
	}
	if it.BytesOut > 0 && it.BytesIn > 0 {
		rec.ReductionRatio = float64(it.BytesIn) / float64(it.BytesOut)
	}
	s.Items = append(s.Items, rec)
	s.Counts[it.State]++
}

// ExitOK reports whether the run needs human attention: false when any
// item ended Unrecoverable, or Corrupt with no alternate left to try.
func (s *Summary) ExitOK() bool {
	return s.Counts[Unrecoverable] == 0 && s.Counts[Corrupt] == 0
}

// WriteFile writes the summary artifact as indented JSON. It is written
// regardless of how the run ended.
func (s *Summary) WriteFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// memSampler polls available system memory on an interval for the
// summary's diagnostics block. Long storage-bound runs on shared cluster
// nodes have failed on memory pressure before; the samples make that
// visible after the fact.
type memSampler struct {
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	samples  []float64
}

func startMemSampler(interval time.Duration) *memSampler {
	m := &memSampler{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *memSampler) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if free, ok := readAvailableMemory(); ok {
				m.samples = append(m.samples, float64(free))
			}
		}
	}
}

// Stats stops sampling and reduces the samples. Returns nil when nothing
// was collected.
func (m *memSampler) Stats() *MemoryStats {
	close(m.stop)
	<-m.done
	if len(m.samples) == 0 {
		return nil
	}
	min := m.samples[0]
	for _, v := range m.samples[1:] {
		if v < min {
			min = v
		}
	}
	return &MemoryStats{
		Samples:  len(m.samples),
		MeanFree: uint64(stat.Mean(m.samples, nil)),
		StdDev:   stat.StdDev(m.samples, nil),
		MinFree:  uint64(min),
		Interval: m.interval.String(),
	}
}

// readAvailableMemory reads MemAvailable from /proc/meminfo. Returns ok
// false on non-Linux hosts or parse failures; diagnostics are best-effort.
func readAvailableMemory() (uint64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
