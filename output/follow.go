package output

import (
	"context"
	"slices"
)

// Batch is what a Follower delivers: the lines appended since the previous
// batch. Reset is set when the sink was cleared in between, in which case
// Lines starts from the beginning of the new transcript.
type Batch struct {
	Lines []Line
	Reset bool
}

// Follower is a read cursor that keeps a view scrolled to the newest line.
type Follower struct {
	sink *Sink
	gen  uint64
	next int
}

// Follow returns a cursor positioned at the start of the current transcript.
func (s *Sink) Follow() *Follower {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Follower{sink: s, gen: s.gen}
}

// Next blocks until there is something new to show.
func (f *Follower) Next(ctx context.Context) (Batch, error) {
	s := f.sink
	for {
		s.mu.Lock()
		var batch Batch
		if f.gen != s.gen {
			f.gen = s.gen
			f.next = 0
			batch.Reset = true
		}
		if batch.Reset || f.next < len(s.lines) {
			batch.Lines = slices.Clip(s.lines[f.next:])
			f.next = len(s.lines)
			s.mu.Unlock()
			return batch, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case <-changed:
		}
	}
}
