package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/restapi"
	"github.com/npezzotti/go-worksync/internal/stats"
	"github.com/npezzotti/go-worksync/internal/types"
)

var ErrNotFound = errors.New("notification not found")

// MutationFailed is published when the server rejects a local change and
// the change has been rolled back.
type MutationFailed struct {
	Op  string
	Ids []string
	Err error
}

type ServiceConfig struct {
	PageSize int
	Logger   *log.Logger
	Stats    stats.StatsProvider
	Now      func() time.Time
}

// Service applies notification changes locally first, then sends them to
// the backend, undoing the local change when the call fails.
type Service struct {
	store *Synchronizer
	api   restapi.Client
	bus   *bus.Bus
	log   *log.Logger
	stats stats.StatsProvider
	now   func() time.Time
	limit int

	mu           sync.Mutex
	remoteUnread int
}

func NewService(s *Synchronizer, api restapi.Client, b *bus.Bus, cfg ServiceConfig) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.Discard
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Service{
		store: s,
		api:   api,
		bus:   b,
		log:   cfg.Logger,
		stats: cfg.Stats,
		now:   cfg.Now,
		limit: cfg.PageSize,
	}
}

func (s *Service) Synchronizer() *Synchronizer {
	return s.store
}

// Refresh fetches a page and the server's unread count and merges the page.
func (s *Service) Refresh(ctx context.Context, unreadOnly bool) error {
	page, err := s.api.ListNotifications(ctx, restapi.ListOptions{Limit: s.limit, UnreadOnly: unreadOnly})
	if err != nil {
		return fmt.Errorf("refresh notifications: %w", err)
	}
	added := s.store.LoadPage(page)

	count, err := s.api.UnreadCount(ctx)
	if err != nil {
		return fmt.Errorf("refresh notifications: %w", err)
	}
	s.mu.Lock()
	s.remoteUnread = count
	s.mu.Unlock()

	s.log.Printf("loaded %d notification(s), %d new, server reports %d unread", len(page), added, count)
	return nil
}

// RemoteUnread is the last unread count reported by the server. It is
// advisory; the local counter is derived from the held entries.
func (s *Service) RemoteUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteUnread
}

func (s *Service) MarkRead(ctx context.Context, id string) error {
	prev, ok := s.store.MarkRead(id, s.now())
	if !ok {
		return fmt.Errorf("mark %s read: %w", id, ErrNotFound)
	}
	if prev.Status.IsRead {
		return nil
	}

	if err := s.api.MarkRead(ctx, id); err != nil {
		s.store.RevertRead(prev)
		return s.failed("markRead", []string{id}, err)
	}
	return nil
}

func (s *Service) MarkAllRead(ctx context.Context) error {
	prev := s.store.MarkAllRead(s.now())

	if err := s.api.MarkAllRead(ctx); err != nil {
		ids := make([]string, len(prev))
		for i, n := range prev {
			s.store.RevertRead(n)
			ids[i] = n.Id
		}
		return s.failed("markAllRead", ids, err)
	}
	return nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	prev, ok := s.store.Delete(id)
	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}

	if err := s.api.DeleteNotification(ctx, id); err != nil {
		if errors.Is(err, restapi.ErrNotFound) {
			// already gone on the server
			return nil
		}
		s.store.Restore(prev)
		return s.failed("delete", []string{id}, err)
	}
	return nil
}

func (s *Service) failed(op string, ids []string, err error) error {
	s.stats.Incr(stats.NumRollbacks)
	s.log.Printf("%s %v rolled back: %v", op, ids, err)
	if s.bus != nil {
		bus.Publish(s.bus, MutationFailed{Op: op, Ids: ids, Err: err})
	}
	return err
}

// List is a convenience for the held entries.
func (s *Service) List() []types.Notification {
	return s.store.List()
}
