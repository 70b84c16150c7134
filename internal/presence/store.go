package presence

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/conn"
	"github.com/npezzotti/go-worksync/internal/events"
	"github.com/npezzotti/go-worksync/internal/types"
)

type Source int

const (
	SourceSnapshot Source = iota
	SourceDelta
)

func (s Source) String() string {
	if s == SourceDelta {
		return "delta"
	}
	return "snapshot"
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(text []byte) error {
	switch string(text) {
	case "snapshot":
		*s = SourceSnapshot
	case "delta":
		*s = SourceDelta
	default:
		return fmt.Errorf("unknown presence source %q", text)
	}
	return nil
}

type Entry struct {
	User   types.User `json:"user"`
	Online bool       `json:"online"`
	Source Source     `json:"source"`
	// Epoch is the connection the entry was last updated on.
	Epoch uint64 `json:"epoch"`
}

// Store keeps a global online set driven by user:online/user:offline deltas
// and advisory per-room member lists driven by presence:list snapshots.
//
// A snapshot received on connection E refreshes users whose entry dates from
// an earlier connection, since deltas sent across the reconnect may have been
// lost. It never overrides a delta already seen on connection E.
type Store struct {
	log *log.Logger

	mu     sync.RWMutex
	epoch  uint64
	users  map[string]*Entry
	rooms  map[types.RoomRef]map[string]types.User
	unsubs []func()
}

func NewStore(b *bus.Bus, l *log.Logger) *Store {
	s := &Store{
		log:   l,
		users: make(map[string]*Entry),
		rooms: make(map[types.RoomRef]map[string]types.User),
	}
	if b != nil {
		s.unsubs = []func(){
			bus.Subscribe(b, s.onConnected),
			bus.Subscribe(b, s.onPresenceList),
			bus.Subscribe(b, s.onUserOnline),
			bus.Subscribe(b, s.onUserOffline),
			bus.Subscribe(b, s.onUserJoined),
			bus.Subscribe(b, s.onUserLeft),
		}
	}
	return s
}

// Close detaches the store from the bus.
func (s *Store) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
}

func (s *Store) onConnected(ev conn.ConnectedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch = ev.Epoch
}

func (s *Store) onPresenceList(ev events.PresenceList) {
	ref, err := types.ParseRoom(ev.Room)
	if err != nil {
		s.log.Printf("presence list: %v", err)
		return
	}
	s.ApplySnapshot(ref, ev.Users)
}

func (s *Store) onUserOnline(ev events.UserOnline) {
	u := ev.User
	if u.Id == "" {
		u.Id = ev.UserId
	}
	s.SetOnline(u)
}

func (s *Store) onUserOffline(ev events.UserOffline) {
	s.SetOffline(ev.UserId)
}

func (s *Store) onUserJoined(ev events.UserJoined) {
	ref, err := types.ParseRoom(ev.Room)
	if err != nil {
		s.log.Printf("user joined: %v", err)
		return
	}
	s.AddMember(ref, ev.User)
}

func (s *Store) onUserLeft(ev events.UserLeft) {
	ref, err := types.ParseRoom(ev.Room)
	if err != nil {
		s.log.Printf("user left: %v", err)
		return
	}
	s.RemoveMember(ref, ev.UserId)
}

// ApplySnapshot replaces the member list of room and seeds the global set
// with the listed users.
func (s *Store) ApplySnapshot(room types.RoomRef, users []types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make(map[string]types.User, len(users))
	for _, u := range users {
		if u.Id == "" {
			continue
		}
		members[u.Id] = u

		e, ok := s.users[u.Id]
		switch {
		case !ok:
			s.users[u.Id] = &Entry{User: u, Online: true, Source: SourceSnapshot, Epoch: s.epoch}
		case e.Epoch < s.epoch || e.Source == SourceSnapshot:
			e.User = u
			e.Online = true
			e.Source = SourceSnapshot
			e.Epoch = s.epoch
		}
	}
	s.rooms[room] = members
}

// SetOnline records an online delta. The most recent delta always wins.
func (s *Store) SetOnline(u types.User) {
	if u.Id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[u.Id]
	if !ok {
		e = &Entry{}
		s.users[u.Id] = e
	}
	e.User = u
	e.Online = true
	e.Source = SourceDelta
	e.Epoch = s.epoch
}

// SetOffline records an offline delta, accepted even for an unknown user.
func (s *Store) SetOffline(userId string) {
	if userId == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userId]
	if !ok {
		e = &Entry{User: types.User{Id: userId}}
		s.users[userId] = e
	}
	e.Online = false
	e.Source = SourceDelta
	e.Epoch = s.epoch
}

func (s *Store) AddMember(room types.RoomRef, u types.User) {
	if u.Id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[room]
	if !ok {
		members = make(map[string]types.User)
		s.rooms[room] = members
	}
	members[u.Id] = u
}

func (s *Store) RemoveMember(room types.RoomRef, userId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms[room], userId)
}

// Forget drops the member list of a room the session no longer watches.
func (s *Store) Forget(room types.RoomRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
}

func (s *Store) IsOnline(userId string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.users[userId]
	return ok && e.Online
}

func (s *Store) Get(userId string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.users[userId]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// OnlineIn returns the members of room that are online, ordered by user id.
func (s *Store) OnlineIn(room types.RoomRef) []types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.User{}
	for id := range s.rooms[room] {
		if e, ok := s.users[id]; ok && e.Online {
			out = append(out, e.User)
		}
	}
	sortUsers(out)
	return out
}

// Online returns every online user, ordered by user id.
func (s *Store) Online() []types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.User{}
	for _, e := range s.users {
		if e.Online {
			out = append(out, e.User)
		}
	}
	sortUsers(out)
	return out
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.users {
		if e.Online {
			n++
		}
	}
	return n
}

func sortUsers(users []types.User) {
	sort.Slice(users, func(i, j int) bool { return users[i].Id < users[j].Id })
}
