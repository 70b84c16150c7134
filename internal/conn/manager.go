package conn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/npezzotti/go-worksync/internal/auth"
	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/events"
	"github.com/npezzotti/go-worksync/internal/stats"
	"github.com/npezzotti/go-worksync/internal/transport"
	"github.com/npezzotti/go-worksync/internal/types"
)

type Config struct {
	// BaseDelay is the wait before the first retry; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// MaxAttempts bounds the dials made to (re)establish one connection.
	MaxAttempts int

	Logger *log.Logger
	Stats  stats.StatsProvider
	Now    func() time.Time
}

func DefaultConfig() *Config {
	return &Config{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 5,
		Logger:      log.New(os.Stderr, "[conn] ", log.LstdFlags),
		Stats:       stats.Discard,
		Now:         time.Now,
	}
}

// session is one Connect..Disconnect span. A session outlives the
// individual connections made during it.
type session struct {
	token    string
	ctx      context.Context
	cancel   context.CancelFunc
	connects int
}

// Manager owns the single push connection of an authenticated session.
type Manager struct {
	dialer transport.Dialer
	bus    *bus.Bus
	cfg    *Config
	log    *log.Logger
	stats  stats.StatsProvider

	// pubMu orders state changes and their events; mu guards the fields.
	pubMu sync.Mutex
	mu    sync.Mutex
	state State
	sess  *session
	conn  transport.Conn
	epoch uint64

	wg sync.WaitGroup
}

func NewManager(d transport.Dialer, b *bus.Bus, cfg *Config) *Manager {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Stats == nil {
		cfg.Stats = def.Stats
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}

	return &Manager{
		dialer: d,
		bus:    b,
		cfg:    cfg,
		log:    cfg.Logger,
		stats:  cfg.Stats,
		state:  Disconnected,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch returns the epoch of the current connection and whether it is live.
func (m *Manager) Epoch() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, m.state == Connected
}

// Connect establishes the connection, retrying with backoff. It blocks until
// the first connection is up or the manager has given up.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if m.State() != Disconnected {
		return ErrAlreadyConnected
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if _, err := auth.Validate(token, m.cfg.Now()); err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{token: token, ctx: sessCtx, cancel: cancel}

	started := m.transition(Connecting, func(from State) bool { return from == Disconnected },
		func() { m.sess = sess })
	if !started {
		cancel()
		return ErrAlreadyConnected
	}

	// the caller's ctx bounds the initial attempts only
	dialCtx, dialCancel := context.WithCancel(sessCtx)
	defer dialCancel()
	stop := context.AfterFunc(ctx, dialCancel)
	defer stop()

	err := m.dialLoop(dialCtx, sess, false)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrDisconnected) {
		return fmt.Errorf("connect: %w", ctx.Err())
	}
	return err
}

// Disconnect tears down the connection and any pending reconnect. It is
// safe to call in any state.
func (m *Manager) Disconnect() {
	var conn transport.Conn
	m.transition(Disconnected, nil, func() {
		if m.sess != nil {
			m.sess.cancel()
			m.sess = nil
		}
		conn, m.conn = m.conn, nil
	})

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Printf("close connection: %v", err)
		}
	}
}

// Shutdown disconnects and waits for the connection goroutines to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Disconnect()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes a frame on the live connection.
func (m *Manager) Send(f types.Frame) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == Connected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteFrame(f); err != nil {
		return fmt.Errorf("send %s: %w", f.Event, err)
	}
	return nil
}

// transition moves to state `to` when guard accepts the current state,
// running apply under the lock. The StateChanged event and any extra events
// are published before another transition can start.
func (m *Manager) transition(to State, guard func(from State) bool, apply func(), extra ...func()) bool {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	from := m.state
	if guard != nil && !guard(from) {
		m.mu.Unlock()
		return false
	}
	if apply != nil {
		apply()
	}
	m.state = to
	m.mu.Unlock()

	if from != to {
		m.log.Printf("state %s -> %s", from, to)
		bus.Publish(m.bus, StateChanged{From: from, To: to})
	}
	for _, fn := range extra {
		fn()
	}
	return true
}

func (m *Manager) owns(sess *session) func(State) bool {
	return func(State) bool { return m.sess == sess }
}

func (m *Manager) dialLoop(ctx context.Context, sess *session, reconnect bool) error {
	for attempt := 1; ; attempt++ {
		if reconnect || attempt > 1 {
			if err := wait(ctx, m.retryDelay(attempt)); err != nil {
				return m.giveUp(sess, attempt-1, err)
			}
		}

		if !m.transition(Connecting, m.owns(sess), nil) {
			return ErrDisconnected
		}

		c, err := m.dialer.Dial(ctx, sess.token)
		if err == nil {
			if !m.established(sess, c) {
				c.Close()
				return ErrDisconnected
			}
			return nil
		}

		m.log.Printf("dial attempt %d/%d failed: %v", attempt, m.cfg.MaxAttempts, err)

		var hsErr *transport.HandshakeError
		if errors.As(err, &hsErr) && hsErr.Unauthorized() {
			return m.giveUp(sess, attempt, fmt.Errorf("%w: %w", ErrUnauthorized, err))
		}
		if attempt >= m.cfg.MaxAttempts || ctx.Err() != nil {
			return m.giveUp(sess, attempt, err)
		}

		if !m.transition(Reconnecting, m.owns(sess), nil) {
			return ErrDisconnected
		}
	}
}

func (m *Manager) established(sess *session, c transport.Conn) bool {
	var ev ConnectedEvent
	ok := m.transition(Connected, m.owns(sess), func() {
		m.conn = c
		m.epoch++
		sess.connects++
		ev = ConnectedEvent{Epoch: m.epoch, Reconnect: sess.connects > 1}
	}, func() {
		if ev.Reconnect {
			m.stats.Incr(stats.NumReconnects)
		}
		bus.Publish(m.bus, ev)
	})
	if !ok {
		return false
	}

	m.wg.Add(1)
	go m.readLoop(sess, c)
	return true
}

// giveUp settles in Disconnected after the last attempt. A session that was
// already torn down by Disconnect ends quietly.
func (m *Manager) giveUp(sess *session, attempts int, cause error) error {
	failure := &FailureError{Attempts: attempts, Err: cause}
	ok := m.transition(Disconnected, m.owns(sess), func() {
		m.sess = nil
		sess.cancel()
	}, func() {
		bus.Publish(m.bus, Failed{Attempts: attempts, Err: cause})
	})
	if !ok {
		return ErrDisconnected
	}

	m.log.Printf("giving up: %v", failure)
	return failure
}

func (m *Manager) readLoop(sess *session, c transport.Conn) {
	defer m.wg.Done()

	for {
		f, err := c.ReadFrame()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			m.log.Printf("connection lost: %v", err)
			c.Close()

			lost := m.transition(Reconnecting, func(State) bool {
				return m.sess == sess && m.conn == c
			}, func() { m.conn = nil })
			if lost {
				m.dialLoop(sess.ctx, sess, true)
			}
			return
		}

		m.stats.Incr(stats.NumFramesReceived)
		if err := events.Dispatch(m.bus, f); err != nil {
			m.log.Printf("dropping frame: %v", err)
		}
	}
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	delay := m.cfg.BaseDelay
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.MaxDelay {
			return m.cfg.MaxDelay
		}
	}
	if delay > m.cfg.MaxDelay {
		return m.cfg.MaxDelay
	}
	return delay
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
