// Package datastore holds the append-only, task-id-keyed result map that
// the Runner consults for readiness and the Binding Resolver consults for
// upstream values.
package datastore

import (
	"sync"
	"time"
)

// TaskResult is the terminal outcome of one task execution.
type TaskResult struct {
	TaskID     string
	Success    bool
	Output     any
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	DurationMs int64
	Provider   string
	Model      string
	TokensIn   int
	TokensOut  int
}

// Store is a concurrent, insert-only mapping from task id to TaskResult.
// Entries are frozen once written: Put on an existing id is rejected, since
// Data Store entries are read-only once a task has terminated.
type Store struct {
	mu      sync.RWMutex
	results map[string]TaskResult
}

// New creates an empty Store.
func New() *Store {
	return &Store{results: make(map[string]TaskResult)}
}

// Put records a task's terminal result. Calling it twice for the same task
// id is a programmer error (the Runner never executes a task twice) and the
// second call is a no-op rather than corrupting the first result.
func (s *Store) Put(result TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[result.TaskID]; exists {
		return
	}
	s.results[result.TaskID] = result
}

// Get returns a task's result and whether it has terminated.
func (s *Store) Get(taskID string) (TaskResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[taskID]
	return r, ok
}

// Done reports whether taskID has a terminal result.
func (s *Store) Done(taskID string) bool {
	_, ok := s.Get(taskID)
	return ok
}

// DoneSet returns a snapshot of task ids that have terminated, suitable for
// passing to the Flow Graph's ReadySet query.
func (s *Store) DoneSet() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	done := make(map[string]bool, len(s.results))
	for id := range s.results {
		done[id] = true
	}
	return done
}

// SucceededSet returns a snapshot of task ids that terminated successfully,
// suitable for passing to the Flow Graph's ReadySet/SkippedSet queries. A
// task present in DoneSet but absent here failed or was skipped.
func (s *Store) SucceededSet() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	succeeded := make(map[string]bool, len(s.results))
	for id, r := range s.results {
		if r.Success {
			succeeded[id] = true
		}
	}
	return succeeded
}

// All returns a snapshot of every recorded result, keyed by task id.
func (s *Store) All() map[string]TaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]TaskResult, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// Len returns the number of recorded results.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}
