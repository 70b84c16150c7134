package typing

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/events"
	"github.com/npezzotti/go-worksync/internal/testutil"
	"github.com/npezzotti/go-worksync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = types.User{Id: "u1", Name: "Alice"}
	bob   = types.User{Id: "u2", Name: "Bob"}

	chan1 = types.RoomRef{Scope: types.ScopeChannel, Id: "c1"}
	task1 = types.RoomRef{Scope: types.ScopeTask, Id: "t1"}
)

func newTestStore(t *testing.T) (*Store, *bus.Bus, *testutil.Clock) {
	clock := testutil.NewClock()
	b := bus.New()
	s := NewStore(b, &Config{
		TTL:           5 * time.Second,
		SweepInterval: time.Millisecond,
		Logger:        testutil.TestLogger(t),
		Now:           clock.Now,
	})
	t.Cleanup(s.Close)
	return s, b, clock
}

func users(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.User.Id
	}
	return out
}

func TestStartedAndStopped(t *testing.T) {
	s, b, clock := newTestStore(t)

	bus.Publish(b, events.TypingStarted{UserId: "u2", User: bob, Room: "channel:c1"})
	bus.Publish(b, events.TypingStarted{UserId: "u1", User: alice, Room: "channel:c1"})

	entries := s.Typing(chan1)
	assert.Equal(t, []string{"u1", "u2"}, users(entries))
	assert.Equal(t, clock.Now().Add(5*time.Second), entries[0].ExpiresAt)
	assert.Equal(t, 0, s.Count(task1))

	bus.Publish(b, events.TypingStopped{UserId: "u1", Room: "channel:c1"})
	assert.Equal(t, []string{"u2"}, users(s.Typing(chan1)))
}

func TestExpiresAfterTTL(t *testing.T) {
	tcases := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{"fresh", 0, 1},
		{"just before", 5*time.Second - time.Millisecond, 1},
		{"at ttl", 5 * time.Second, 0},
		{"long after", time.Minute, 0},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, clock := newTestStore(t)
			s.Started(chan1, alice)
			clock.Advance(tc.elapsed)
			assert.Equal(t, tc.want, s.Count(chan1))
		})
	}
}

func TestRestartRefreshesExpiry(t *testing.T) {
	s, _, clock := newTestStore(t)

	s.Started(chan1, alice)
	clock.Advance(3 * time.Second)
	s.Started(chan1, alice)
	clock.Advance(3 * time.Second)

	assert.Equal(t, 1, s.Count(chan1), "expected the resend to extend the entry")

	clock.Advance(2 * time.Second)
	assert.Equal(t, 0, s.Count(chan1))
}

func TestUserOfflineClearsEveryRoom(t *testing.T) {
	s, b, _ := newTestStore(t)

	s.Started(chan1, alice)
	s.Started(task1, alice)
	s.Started(task1, bob)

	bus.Publish(b, events.UserOffline{UserId: "u1"})

	assert.Equal(t, 0, s.Count(chan1))
	assert.Equal(t, []string{"u2"}, users(s.Typing(task1)))
	assert.Equal(t, []types.RoomRef{task1}, s.Rooms())
}

func TestInvalidRoomIgnored(t *testing.T) {
	s, b, _ := newTestStore(t)

	bus.Publish(b, events.TypingStarted{UserId: "u1", User: alice, Room: "nope"})
	assert.Empty(t, s.Rooms())
}

func TestSweep(t *testing.T) {
	s, _, clock := newTestStore(t)

	s.Started(chan1, alice)
	clock.Advance(2 * time.Second)
	s.Started(task1, bob)
	clock.Advance(4 * time.Second)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, []types.RoomRef{task1}, s.Rooms())
}

func TestRun(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Started(chan1, alice)
	clock.Advance(10 * time.Second)

	testutil.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.rooms) == 0
	}, "expected sweep to drop the expired entry")

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("timeout: sweep loop did not stop")
	}
}
