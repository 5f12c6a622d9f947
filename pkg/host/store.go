// Package host is the reference host integration for the HogTrace VM:
// a frame-backed dispatcher, the per-request store, capture events, the
// builtin function table, and the probe-firing engine.
//
// The embedding runtime is expected to own the pieces the core declares
// out of scope — installing probes on running code, delivering capture
// events, and the request lifecycle — and to use this package as the glue
// between those and the executor.
package host

import (
	"sync"

	"github.com/PostHog/hogtrace/pkg/value"
)

// RequestStore is the per-request key/value scratchpad addressed by
// $req.name / $request.name. Its lifetime is controlled by the host: one
// store per request, created at request arrival and dropped at teardown.
//
// The store is safe for concurrent firings within the same request.
type RequestStore struct {
	mu     sync.RWMutex
	values map[string]value.Value
}

// NewRequestStore creates an empty store.
func NewRequestStore() *RequestStore {
	return &RequestStore{values: make(map[string]value.Value)}
}

// Get returns the stored value for name, or None when unset.
func (s *RequestStore) Get(name string) value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[name]; ok {
		return v
	}
	return value.None
}

// Set stores a value under name, replacing any previous value.
func (s *RequestStore) Set(name string, v value.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = v
}

// Len reports the number of stored entries.
func (s *RequestStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Snapshot copies the current contents, for inspection and tests.
func (s *RequestStore) Snapshot() map[string]value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]value.Value, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
