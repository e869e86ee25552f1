// Package editor holds the source text a playground runs.
package editor

import "sync"

// State is the editable source with its built-in default. Only user edits and
// Reset change it.
type State struct {
	mu     sync.RWMutex
	def    string
	source string
}

// New returns a State initialised from def.
func New(def string) *State {
	return &State{def: def, source: def}
}

func (s *State) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// Set replaces the source with an edit.
func (s *State) Set(source string) {
	s.mu.Lock()
	s.source = source
	s.mu.Unlock()
}

// Reset restores the default and returns it.
func (s *State) Reset() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = s.def
	return s.source
}

func (s *State) Default() string {
	return s.def
}

// Modified reports whether the source differs from the default.
func (s *State) Modified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source != s.def
}
