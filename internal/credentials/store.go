package credentials

import "sync"

// State is the externally observable session state: Absent or
// Present(Credential). The zero value is Absent.
type State struct {
	cred *Credential
}

// Absent is the unauthenticated state.
func Absent() State {
	return State{}
}

// Present wraps a credential. The credential is copied.
func Present(c Credential) State {
	cp := c.Clone()
	return State{cred: &cp}
}

// Credential returns a copy of the held credential.
func (s State) Credential() (Credential, bool) {
	if s.cred == nil {
		return Credential{}, false
	}
	return s.cred.Clone(), true
}

// IsPresent reports whether a credential is held.
func (s State) IsPresent() bool {
	return s.cred != nil
}

func (s State) String() string {
	if s.cred == nil {
		return "absent"
	}
	return "present"
}

// Store is a guarded cell holding the current session state. It does no
// validation.
type Store struct {
	mu    sync.RWMutex
	state State
}

// NewStore creates a store holding Absent.
func NewStore() *Store {
	return &Store{}
}

// Get returns the latest committed state.
func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Set swaps in next and returns what it replaced.
func (s *Store) Set(next State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = next
	return prev
}
