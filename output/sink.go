// Package output provides the ordered, append-only transcript a playground run
// writes into, and the cursors a view uses to follow it.
package output

import (
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
)

// Stream tags where a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
	System
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case System:
		return "system"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// Line is a single immutable transcript entry.
type Line struct {
	Text   string `json:"text"`
	Stream Stream `json:"stream"`
}

// Sink accumulates lines in emission order. Lines are only ever removed by Clear.
//
// Snapshots share the backing array with the sink: appends never touch elements
// below the current length and Clear drops the array instead of reusing it.
type Sink struct {
	mu        sync.Mutex
	lines     []Line
	gen       uint64
	limit     int
	truncated bool
	dropped   int
	changed   chan struct{}
}

// Option configures a Sink.
type Option func(*Sink)

// WithLimit caps the transcript at n lines per run. Once the cap is reached a
// single System marker is appended and further lines are counted as dropped
// until the next Clear. n <= 0 means unbounded, which is the default.
func WithLimit(n int) Option {
	return func(s *Sink) {
		s.limit = n
	}
}

// NewSink returns an empty sink.
func NewSink(opts ...Option) *Sink {
	s := &Sink{changed: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds line at the end of the transcript.
func (s *Sink) Append(line Line) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limit > 0 && len(s.lines) >= s.limit {
		s.dropped++
		if s.truncated {
			return
		}
		s.truncated = true
		line = Line{
			Text:   fmt.Sprintf("… output truncated (limit %d lines)", s.limit),
			Stream: System,
		}
	}

	s.lines = append(s.lines, line)
	s.notifyLocked()
}

// Clear empties the transcript and starts a new generation.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lines = nil
	s.truncated = false
	s.dropped = 0
	s.gen++
	s.notifyLocked()
}

func (s *Sink) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Changed returns a channel that is closed on the next mutation.
func (s *Sink) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Lines returns a copy of the current transcript.
func (s *Sink) Lines() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lines)
}

// All yields the transcript as it is when iteration starts. The sequence is
// finite and can be ranged over again to observe later appends.
func (s *Sink) All() iter.Seq[Line] {
	return func(yield func(Line) bool) {
		s.mu.Lock()
		snapshot := s.lines
		s.mu.Unlock()

		for _, line := range snapshot {
			if !yield(line) {
				return
			}
		}
	}
}

func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

// Generation counts Clear calls.
func (s *Sink) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Dropped reports how many lines the limit discarded since the last Clear.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// String joins the transcript with newlines.
func (s *Sink) String() string {
	var b strings.Builder
	for line := range s.All() {
		b.WriteString(line.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
