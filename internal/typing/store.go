package typing

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/events"
	"github.com/npezzotti/go-worksync/internal/types"
)

const (
	// DefaultTTL outlives the 3s interval at which typing clients resend start.
	DefaultTTL           = 5 * time.Second
	DefaultSweepInterval = time.Second
)

type Entry struct {
	Room      types.RoomRef `json:"room"`
	User      types.User    `json:"user"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        *log.Logger
	Now           func() time.Time
}

func DefaultConfig() *Config {
	return &Config{
		TTL:           DefaultTTL,
		SweepInterval: DefaultSweepInterval,
		Logger:        log.New(os.Stderr, "[typing] ", log.LstdFlags),
		Now:           time.Now,
	}
}

// Store tracks who is typing in each room. Entries expire TTL after the last
// start so a peer that vanishes without sending stop is eventually dropped.
type Store struct {
	cfg *Config
	log *log.Logger

	mu     sync.Mutex
	rooms  map[types.RoomRef]map[string]*Entry
	unsubs []func()
}

func NewStore(b *bus.Bus, cfg *Config) *Store {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}

	s := &Store{
		cfg:   cfg,
		log:   cfg.Logger,
		rooms: make(map[types.RoomRef]map[string]*Entry),
	}
	if b != nil {
		s.unsubs = []func(){
			bus.Subscribe(b, s.onStarted),
			bus.Subscribe(b, s.onStopped),
			bus.Subscribe(b, s.onUserOffline),
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

func (s *Store) onStarted(ev events.TypingStarted) {
	ref, err := types.ParseRoom(ev.Room)
	if err != nil {
		s.log.Printf("typing started: %v", err)
		return
	}
	u := ev.User
	if u.Id == "" {
		u.Id = ev.UserId
	}
	s.Started(ref, u)
}

func (s *Store) onStopped(ev events.TypingStopped) {
	ref, err := types.ParseRoom(ev.Room)
	if err != nil {
		s.log.Printf("typing stopped: %v", err)
		return
	}
	s.Stopped(ref, ev.UserId)
}

func (s *Store) onUserOffline(ev events.UserOffline) {
	s.RemoveUser(ev.UserId)
}

// Started inserts or refreshes the entry for u in room.
func (s *Store) Started(room types.RoomRef, u types.User) {
	if u.Id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.rooms[room]
	if !ok {
		entries = make(map[string]*Entry)
		s.rooms[room] = entries
	}
	entries[u.Id] = &Entry{Room: room, User: u, ExpiresAt: s.cfg.Now().Add(s.cfg.TTL)}
}

func (s *Store) Stopped(room types.RoomRef, userId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(room, userId)
}

// RemoveUser clears userId from every room.
func (s *Store) RemoveUser(userId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for room := range s.rooms {
		s.remove(room, userId)
	}
}

func (s *Store) remove(room types.RoomRef, userId string) {
	entries, ok := s.rooms[room]
	if !ok {
		return
	}
	delete(entries, userId)
	if len(entries) == 0 {
		delete(s.rooms, room)
	}
}

// Typing returns the live entries for room ordered by user id, purging the
// expired ones.
func (s *Store) Typing(room types.RoomRef) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeRoom(room, s.cfg.Now())
	out := []Entry{}
	for _, e := range s.rooms[room] {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.Id < out[j].User.Id })
	return out
}

func (s *Store) Count(room types.RoomRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeRoom(room, s.cfg.Now())
	return len(s.rooms[room])
}

// Rooms returns the names of rooms with someone typing.
func (s *Store) Rooms() []types.RoomRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	out := make([]types.RoomRef, 0, len(s.rooms))
	for room := range s.rooms {
		s.purgeRoom(room, now)
		if _, ok := s.rooms[room]; ok {
			out = append(out, room)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *Store) purgeRoom(room types.RoomRef, now time.Time) int {
	n := 0
	for id, e := range s.rooms[room] {
		if !now.Before(e.ExpiresAt) {
			s.remove(room, id)
			n++
		}
	}
	return n
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	n := 0
	for room := range s.rooms {
		n += s.purgeRoom(room, now)
	}
	return n
}

// Run sweeps on every interval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.Printf("expired %d typing indicator(s)", n)
			}
		}
	}
}
