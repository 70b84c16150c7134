package notify

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/events"
	"github.com/npezzotti/go-worksync/internal/types"
)

// Synchronizer merges REST pages and pushed notifications into one
// deduplicated newest-first list, with an unread counter kept in lockstep.
type Synchronizer struct {
	log *log.Logger

	mu     sync.RWMutex
	items  []types.Notification
	ids    map[string]struct{}
	unread int
	// deleted keeps ids removed locally so a stale page cannot bring them back.
	deleted map[string]struct{}
	unsub   func()
}

func NewSynchronizer(b *bus.Bus, l *log.Logger) *Synchronizer {
	s := &Synchronizer{
		log:     l,
		ids:     make(map[string]struct{}),
		deleted: make(map[string]struct{}),
		unsub:   func() {},
	}
	if b != nil {
		s.unsub = bus.Subscribe(b, func(ev events.NotificationNew) {
			s.Pushed(ev.Notification)
		})
	}
	return s
}

// Close detaches the synchronizer from the bus.
func (s *Synchronizer) Close() {
	s.unsub()
}

// LoadPage merges a REST page. Entries already held are left alone, except
// that a page may move an entry from unread to read. It returns the number
// of entries added.
func (s *Synchronizer) LoadPage(page []types.Notification) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.check()

	added := 0
	for _, n := range page {
		if n.Id == "" {
			continue
		}
		if _, gone := s.deleted[n.Id]; gone {
			continue
		}
		if i := s.find(n.Id); i >= 0 {
			cur := &s.items[i]
			if !cur.Status.IsRead && n.Status.IsRead {
				cur.Status = n.Clone().Status
				s.unread--
			}
			continue
		}
		s.insert(n.Clone())
		added++
	}
	return added
}

// Pushed inserts n unless an entry with the same id is already held.
func (s *Synchronizer) Pushed(n types.Notification) bool {
	if n.Id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.check()

	if _, gone := s.deleted[n.Id]; gone {
		return false
	}
	if _, ok := s.ids[n.Id]; ok {
		s.log.Printf("notification %s already held, push ignored", n.Id)
		return false
	}
	s.insert(n.Clone())
	return true
}

// MarkRead marks id read at the given time and returns the entry as it was
// before. ok is false when no such entry is held.
func (s *Synchronizer) MarkRead(id string, at time.Time) (prev types.Notification, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.check()

	i := s.find(id)
	if i < 0 {
		return types.Notification{}, false
	}
	prev = s.items[i].Clone()
	s.markRead(i, at)
	return prev, true
}

// MarkAllRead marks every unread entry read and returns their prior state.
func (s *Synchronizer) MarkAllRead(at time.Time) []types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.check()

	var prev []types.Notification
	for i := range s.items {
		if !s.items[i].Status.IsRead {
			prev = append(prev, s.items[i].Clone())
			s.markRead(i, at)
		}
	}
	return prev
}

func (s *Synchronizer) markRead(i int, at time.Time) {
	if s.items[i].Status.IsRead {
		return
	}
	readAt := at
	s.items[i].Status = types.NotificationStatus{IsRead: true, ReadAt: &readAt}
	s.unread--
}

// RevertRead puts a held entry back to the read state in prev. It only
// serves to undo a local mark that the server rejected.
func (s *Synchronizer) RevertRead(prev types.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.check()

	i := s.find(prev.Id)
	if i < 0 {
		return false
	}
	was := s.items[i].Status.IsRead
	s.items[i].Status = prev.Clone().Status
	switch {
	case was && !prev.Status.IsRead:
		s.unread++
	case !was && prev.Status.IsRead:
		s.unread--
	}
	return true
}

// Delete removes id and returns the removed entry.
func (s *Synchronizer) Delete(id string) (types.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.check()

	i := s.find(id)
	if i < 0 {
		return types.Notification{}, false
	}
	n := s.items[i]
	s.items = append(s.items[:i], s.items[i+1:]...)
	delete(s.ids, id)
	s.deleted[id] = struct{}{}
	if !n.Status.IsRead {
		s.unread--
	}
	return n, true
}

// Restore puts n back into the list, replacing any entry with the same id.
func (s *Synchronizer) Restore(n types.Notification) {
	if n.Id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.check()

	delete(s.deleted, n.Id)
	if i := s.find(n.Id); i >= 0 {
		if !s.items[i].Status.IsRead {
			s.unread--
		}
		s.items = append(s.items[:i], s.items[i+1:]...)
		delete(s.ids, n.Id)
	}
	s.insert(n.Clone())
}

func (s *Synchronizer) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

func (s *Synchronizer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// List returns a copy of the entries, newest first.
func (s *Synchronizer) List() []types.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Notification, len(s.items))
	for i, n := range s.items {
		out[i] = n.Clone()
	}
	return out
}

func (s *Synchronizer) Get(id string) (types.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.find(id); i >= 0 {
		return s.items[i].Clone(), true
	}
	return types.Notification{}, false
}

func (s *Synchronizer) find(id string) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := range s.items {
		if s.items[i].Id == id {
			return i
		}
	}
	return -1
}

// insert places n after every entry at least as new, so a fresh push lands
// at the head and equal timestamps keep arrival order.
func (s *Synchronizer) insert(n types.Notification) {
	i := sort.Search(len(s.items), func(i int) bool {
		return s.items[i].CreatedAt.Before(n.CreatedAt)
	})
	s.items = append(s.items, types.Notification{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = n
	s.ids[n.Id] = struct{}{}
	if !n.Status.IsRead {
		s.unread++
	}
}

// check panics when the counter and the list disagree. Only a defect in this
// file can trigger it.
func (s *Synchronizer) check() {
	unread := 0
	for _, n := range s.items {
		if !n.Status.IsRead {
			unread++
		}
	}
	if unread != s.unread || len(s.ids) != len(s.items) {
		panic(fmt.Sprintf("notify: counter %d, %d unread entries, %d ids for %d entries",
			s.unread, unread, len(s.ids), len(s.items)))
	}
}
