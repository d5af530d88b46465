// Package buffer implements the Message Buffer of spec.md §4.1: a single
// ordered log of tagged records (Stdout, Stderr, Status) with a per-tag
// retention bound. It is grounded on the teacher's fixed-size circular
// logBuffer (internal/infrastructure/processmgr/log_buffer.go), generalized
// from one untagged 500-entry ring to a tagged, growable sequence with
// independent per-stream eviction, since spec.md requires interleaving
// across tags to survive stream-filter toggles (§4.1 "Rationale").
package buffer

import (
	"fmt"
	"sync"
	"time"
)

// Tag identifies the origin of a record.
type Tag int

const (
	Stdout Tag = iota
	Stderr
	Status
)

func (t Tag) String() string {
	switch t {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case Status:
		return "status"
	default:
		return "unknown"
	}
}

// MaxLines is the per-tag retention bound for Stdout and Stderr (spec.md §3).
const MaxLines = 5000

// maxStatusLines bounds the otherwise-uncapped Status tag so a pathological
// run cannot grow it without limit; spec.md leaves this to the implementation.
const maxStatusLines = 5000

// Record is one entry in the buffer.
type Record struct {
	Tag       Tag
	Line      string
	Timestamp *time.Time
}

// Rendered returns the line as it should appear in a panel: optionally
// prefixed with "HH:MM:SS " in local 24-hour time (spec.md §6).
func (r Record) Rendered() string {
	if r.Timestamp == nil {
		return r.Line
	}
	return r.Timestamp.Format("15:04:05") + " " + r.Line
}

// Filter selects which tags Lines()/Count() consider.
type Filter struct {
	Stdout bool
	Stderr bool
	Status bool
}

// FilterBoth passes stdout, stderr, and status (the default panel view).
var FilterBoth = Filter{Stdout: true, Stderr: true, Status: true}

func (f Filter) allows(t Tag) bool {
	switch t {
	case Stdout:
		return f.Stdout
	case Stderr:
		return f.Stderr
	case Status:
		return f.Status
	default:
		return false
	}
}

// Buffer is a thread-safe, ordered sequence of tagged records with
// per-tag retention. Zero value is ready to use.
type Buffer struct {
	mu      sync.RWMutex
	records []Record
}

// Push appends one record, tagged and optionally timestamped, then evicts
// the oldest record of that tag if the tag's count now exceeds its cap.
// Push never fails (spec.md §4.1 "Failure: none").
func (b *Buffer) Push(tag Tag, line string, timestamp *time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(b.records, Record{Tag: tag, Line: line, Timestamp: timestamp})

	limit := b.capFor(tag)
	if limit <= 0 {
		return
	}
	count := 0
	for _, r := range b.records {
		if r.Tag == tag {
			count++
		}
	}
	for count > limit {
		// Drop the oldest record bearing this tag, not the oldest overall,
		// so a runaway stream never starves the other's history.
		for i, r := range b.records {
			if r.Tag == tag {
				b.records = append(b.records[:i], b.records[i+1:]...)
				break
			}
		}
		count--
	}
}

// Statusf appends a formatted Status record with no timestamp. Convenience
// used throughout the scheduler/event loop for human-readable annotations.
func (b *Buffer) Statusf(format string, args ...any) {
	b.Push(Status, fmt.Sprintf(format, args...), nil)
}

func (b *Buffer) capFor(tag Tag) int {
	switch tag {
	case Stdout, Stderr:
		return MaxLines
	case Status:
		return maxStatusLines
	default:
		return 0
	}
}

// Lines yields rendered lines whose tag passes filter, in insertion order.
func (b *Buffer) Lines(filter Filter) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.records))
	for _, r := range b.records {
		if filter.allows(r.Tag) {
			out = append(out, r.Rendered())
		}
	}
	return out
}

// Count returns the number of records whose tag passes filter; used for
// scroll/scrollbar geometry (spec.md §4.1).
func (b *Buffer) Count(filter Filter) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, r := range b.records {
		if filter.allows(r.Tag) {
			n++
		}
	}
	return n
}
