package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/config"
	"github.com/npezzotti/go-worksync/internal/conn"
	"github.com/npezzotti/go-worksync/internal/events"
	"github.com/npezzotti/go-worksync/internal/notify"
	"github.com/npezzotti/go-worksync/internal/optimistic"
	"github.com/npezzotti/go-worksync/internal/presence"
	"github.com/npezzotti/go-worksync/internal/restapi"
	"github.com/npezzotti/go-worksync/internal/rooms"
	"github.com/npezzotti/go-worksync/internal/stats"
	"github.com/npezzotti/go-worksync/internal/transport"
	"github.com/npezzotti/go-worksync/internal/typing"
	"github.com/npezzotti/go-worksync/internal/types"
)

// Deps are the collaborators a session talks to. Nil fields are built from
// the config.
type Deps struct {
	Dialer transport.Dialer
	API    restapi.Client
	Stats  stats.StatsProvider
	Logger *log.Logger
}

// Session wires the synchronization stores to one connection for the
// lifetime of an authenticated user.
type Session struct {
	cfg *config.Config
	log *log.Logger
	bus *bus.Bus

	Conn          *conn.Manager
	Rooms         *rooms.Registry
	Presence      *presence.Store
	Typing        *typing.Store
	Notifications *notify.Service
	Tasks         *optimistic.TaskBoard

	messages *messageLog
	scope    *rooms.Scope
	unsubs   []func()
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg *config.Config, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Stats == nil {
		deps.Stats = stats.Discard
	}
	if deps.Dialer == nil {
		deps.Dialer = transport.NewWSDialer(cfg.ServerURL, deps.Logger)
	}
	if deps.API == nil {
		deps.API = restapi.NewHTTPClient(cfg.APIURL, cfg.Token, nil, deps.Logger)
	}

	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		log:    deps.Logger,
		bus:    b,
		ctx:    ctx,
		cancel: cancel,
	}

	s.Conn = conn.NewManager(deps.Dialer, b, &conn.Config{
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Logger:      deps.Logger,
		Stats:       deps.Stats,
	})
	s.Rooms = rooms.NewRegistry(s.Conn, b, deps.Logger, deps.Stats)
	s.Presence = presence.NewStore(b, deps.Logger)
	s.messages = newMessageLog(deps.Stats)
	s.Rooms.OnRelease(s.release)
	s.Typing = typing.NewStore(b, &typing.Config{
		TTL:           cfg.TypingTTL,
		SweepInterval: cfg.TypingSweepInterval,
		Logger:        deps.Logger,
	})
	s.Notifications = notify.NewService(notify.NewSynchronizer(b, deps.Logger), deps.API, b, notify.ServiceConfig{
		PageSize: cfg.NotificationPageSize,
		Logger:   deps.Logger,
		Stats:    deps.Stats,
	})
	s.Tasks = optimistic.NewTaskBoard(deps.API, b, &optimistic.Config{
		Logger: deps.Logger,
		Stats:  deps.Stats,
	})
	s.scope = s.Rooms.NewScope()

	s.unsubs = []func(){
		bus.Subscribe(b, s.onConnected),
		bus.Subscribe(b, s.onStateChanged),
		bus.Subscribe(b, s.onFailed),
		bus.Subscribe(b, s.messages.onMessage),
	}
	return s
}

// Bus is the event bus of the session, for consumers that want to observe
// events directly.
func (s *Session) Bus() *bus.Bus {
	return s.bus
}

// Start connects, joins the configured rooms and loads the first page of
// notifications. A failed notification load is logged, not returned.
func (s *Session) Start(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Typing.Run(s.ctx)
	}()

	for _, ref := range s.cfg.Rooms {
		if err := s.scope.Join(ref); err != nil {
			return fmt.Errorf("join %s: %w", ref, err)
		}
	}

	if err := s.Conn.Connect(ctx, s.cfg.Token); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if err := s.Notifications.Refresh(ctx, false); err != nil {
		s.log.Printf("initial notification load: %v", err)
	}
	return nil
}

// Join takes a reference on room for the caller.
func (s *Session) Join(ref types.RoomRef) error {
	return s.Rooms.Join(ref)
}

// Leave drops a reference taken by Join. The room's presence snapshot is
// forgotten once nobody holds it.
func (s *Session) Leave(ref types.RoomRef) {
	s.Rooms.Leave(ref)
}

// Messages returns the latest chat messages pushed to room, oldest first.
func (s *Session) Messages(ref types.RoomRef) []types.Message {
	return s.messages.recent(ref)
}

// release drops the per-room state once nobody holds the room.
func (s *Session) release(ref types.RoomRef) {
	s.Presence.Forget(ref)
	s.messages.forget(ref)
}

// StartTyping tells the room the user is typing. Callers resend it while
// typing continues, more often than the typing TTL.
func (s *Session) StartTyping(ref types.RoomRef) error {
	f, err := events.TypingStartFrame(ref)
	if err != nil {
		return err
	}
	return s.Conn.Send(f)
}

func (s *Session) StopTyping(ref types.RoomRef) error {
	f, err := events.TypingStopFrame(ref)
	if err != nil {
		return err
	}
	return s.Conn.Send(f)
}

// onConnected reloads notifications after a reconnect, since pushes sent
// while the connection was down are lost.
func (s *Session) onConnected(ev conn.ConnectedEvent) {
	if !ev.Reconnect {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Notifications.Refresh(s.ctx, false); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Printf("notification reload after reconnect: %v", err)
		}
	}()
}

func (s *Session) onStateChanged(ev conn.StateChanged) {
	if ev.Degraded() {
		s.log.Printf("connection degraded, state %s", ev.To)
	}
}

func (s *Session) onFailed(ev conn.Failed) {
	s.log.Printf("connection failed after %d attempt(s): %v", ev.Attempts, ev.Err)
}

// Shutdown releases the session's rooms, closes the connection and waits for
// background work, including in-flight optimistic calls.
func (s *Session) Shutdown(ctx context.Context) error {
	s.scope.Close()

	var errs []error
	if err := s.Conn.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("connection: %w", err))
	}
	if err := s.Tasks.Coordinator().Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pending operations: %w", err))
	}

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	for _, unsub := range s.unsubs {
		unsub()
	}
	s.Tasks.Close()
	s.Notifications.Synchronizer().Close()
	s.Typing.Close()
	s.Presence.Close()
	s.Rooms.Close()
	return errors.Join(errs...)
}
