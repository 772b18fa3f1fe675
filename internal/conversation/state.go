// Package conversation holds multi-turn chat history and the engine that
// extends it with provider completions.
package conversation

import "sync"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is immutable once appended.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// State is an ordered, append-only history. Alternation of roles is not
// enforced. The zero value is ready to use.
type State struct {
	mu    sync.Mutex
	turns []Turn
	seqs  []uint64
	next  uint64
}

// Append adds turn to the end of the history and returns a sequence id
// that stays valid for Remove however the history shifts afterwards.
func (s *State) Append(turn Turn) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.turns = append(s.turns, turn)
	s.seqs = append(s.seqs, s.next)
	return s.next
}

// Snapshot returns a copy of the full history.
func (s *State) Snapshot() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Remove deletes the turn appended under seq. The order of the remaining
// turns is preserved. It reports whether a turn was removed.
func (s *State) Remove(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.seqs) - 1; i >= 0; i-- {
		if s.seqs[i] != seq {
			continue
		}
		s.turns = append(s.turns[:i], s.turns[i+1:]...)
		s.seqs = append(s.seqs[:i], s.seqs[i+1:]...)
		return true
	}
	return false
}
