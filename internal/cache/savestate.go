package cache

import "fmt"

// SaveStatus is the lifecycle of one in-flight mutation.
type SaveStatus string

const (
	SaveSaving SaveStatus = "saving"
	SaveSaved  SaveStatus = "saved"
	SaveError  SaveStatus = "error"
)

// SaveState is what consumers read to render progress and error
// affordances for a mutation. States are never deleted; the next operation
// with the same key overwrites them.
type SaveState struct {
	Status  SaveStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// SetSaveState records the state of the mutation identified by key and
// notifies, so consumers tracking a spinner or error banner re-check.
func (s *Store) SetSaveState(key string, state SaveState) {
	s.mu.Lock()
	s.saves[key] = state
	s.revision++
	s.mu.Unlock()

	s.bus.Notify()
}

// GetSaveState returns the state for key; ok is false if no mutation with
// that key has ever run.
func (s *Store) GetSaveState(key string) (SaveState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.saves[key]
	return state, ok
}

// SaveKey builds the operation identifier for a mutation, e.g.
// "panel-p1", "view-v2", "column-p1-c3".
func SaveKey(kind string, parts ...string) string {
	key := kind
	for _, p := range parts {
		key += fmt.Sprintf("-%s", p)
	}
	return key
}
