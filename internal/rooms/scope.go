package rooms

import (
	"sync"

	"github.com/npezzotti/go-worksync/internal/types"
)

// Scope tracks the rooms joined by one consumer so they can all be released
// together when the consumer goes away.
type Scope struct {
	r *Registry

	mu     sync.Mutex
	joined map[types.RoomRef]int
	closed bool
}

func (r *Registry) NewScope() *Scope {
	return &Scope{r: r, joined: make(map[types.RoomRef]int)}
}

func (s *Scope) Join(ref types.RoomRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrScopeClosed
	}
	if err := s.r.Join(ref); err != nil {
		return err
	}
	s.joined[ref]++
	return nil
}

// Leave releases one reference this scope holds on ref. References the scope
// never took are not released.
func (s *Scope) Leave(ref types.RoomRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.joined[ref] == 0 {
		return
	}
	s.joined[ref]--
	if s.joined[ref] == 0 {
		delete(s.joined, ref)
	}
	s.r.Leave(ref)
}

// Close releases every reference held by the scope. It is idempotent.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for ref, n := range s.joined {
		for range n {
			s.r.Leave(ref)
		}
	}
	s.joined = nil
}
