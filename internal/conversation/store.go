package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultSessionID is used when callers do not name a session. All such
// callers share one history.
const DefaultSessionID = "default"

// Store keys conversation states by session id. Sessions are evicted when
// the store is full or when they have been idle longer than the TTL.
type Store struct {
	mu       sync.Mutex
	sessions *expirable.LRU[string, *State]
}

// NewStore creates a store holding at most size sessions. A zero size means
// unbounded and a zero ttl disables idle expiry.
func NewStore(size int, ttl time.Duration) *Store {
	return &Store{sessions: expirable.NewLRU[string, *State](size, nil, ttl)}
}

// Get returns the state for id, creating it on first use. Every access
// refreshes the idle timer.
func (s *Store) Get(id string) *State {
	id = NormalizeSessionID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sessions.Get(id)
	if !ok {
		state = &State{}
	}
	s.sessions.Add(id, state)
	return state
}

// Peek returns the state for id without creating or refreshing it.
func (s *Store) Peek(id string) (*State, bool) {
	return s.sessions.Peek(NormalizeSessionID(id))
}

func (s *Store) Delete(id string) bool {
	return s.sessions.Remove(NormalizeSessionID(id))
}

func (s *Store) Len() int {
	return s.sessions.Len()
}

// NormalizeSessionID maps blank ids to DefaultSessionID.
func NormalizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultSessionID
	}
	return id
}
