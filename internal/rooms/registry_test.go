package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/conn"
	"github.com/npezzotti/go-worksync/internal/stats"
	"github.com/npezzotti/go-worksync/internal/testutil"
	"github.com/npezzotti/go-worksync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender also models the server's view of membership for the live
// connection, counting joins for rooms the server already had.
type fakeSender struct {
	mu      sync.Mutex
	epoch   uint64
	live    bool
	frames  []types.Frame
	err     error
	members map[string]bool
	dupes   int
}

func (s *fakeSender) Send(f types.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)

	if s.members == nil {
		s.members = map[string]bool{}
	}
	var p struct {
		Id string `json:"id"`
	}
	json.Unmarshal(f.Data, &p)
	action, scope, _ := strings.Cut(f.Event, ":")
	key := scope + ":" + p.Id
	switch action {
	case "join":
		if s.members[key] {
			s.dupes++
		}
		s.members[key] = true
	case "leave":
		delete(s.members, key)
	}
	return nil
}

func (s *fakeSender) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSender) isMember(ref types.RoomRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[ref.String()]
}

func (s *fakeSender) Epoch() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch, s.live
}

func (s *fakeSender) connect(b *bus.Bus) {
	s.mu.Lock()
	s.epoch++
	s.live = true
	ev := conn.ConnectedEvent{Epoch: s.epoch, Reconnect: s.epoch > 1}
	s.mu.Unlock()
	bus.Publish(b, ev)
}

// drop loses the connection; the server forgets all membership.
func (s *fakeSender) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = false
	s.members = nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Event + " " + string(f.Data)
	}
	return out
}

var (
	list1 = types.RoomRef{Scope: types.ScopeList, Id: "l1"}
	task1 = types.RoomRef{Scope: types.ScopeTask, Id: "t1"}
	ws1   = types.RoomRef{Scope: types.ScopeWorkspace, Id: "w1"}
)

func newTestRegistry(t *testing.T, live bool) (*Registry, *fakeSender, *bus.Bus) {
	b := bus.New()
	s := &fakeSender{}
	r := NewRegistry(s, b, testutil.TestLogger(t), stats.Discard)
	t.Cleanup(r.Close)
	if live {
		s.connect(b)
	}
	return r, s, b
}

func TestJoin_RefCounted(t *testing.T) {
	r, s, _ := newTestRegistry(t, true)

	require.NoError(t, r.Join(list1))
	require.NoError(t, r.Join(list1))
	assert.Equal(t, 2, r.RefCount(list1))
	assert.Equal(t, []string{`join:list {"id":"l1"}`}, s.sent(), "expected a single join frame")

	r.Leave(list1)
	assert.Equal(t, 1, r.RefCount(list1))
	assert.Len(t, s.sent(), 1, "expected no leave frame while references remain")

	r.Leave(list1)
	assert.Equal(t, 0, r.RefCount(list1))
	assert.Equal(t, []string{`join:list {"id":"l1"}`, `leave:list {"id":"l1"}`}, s.sent())
	assert.Empty(t, r.Active(), "expected record to be discarded")
}

func TestLeave_AtZeroIsNoop(t *testing.T) {
	r, s, _ := newTestRegistry(t, true)

	r.Leave(list1)
	require.NoError(t, r.Join(list1))
	r.Leave(list1)
	r.Leave(list1)
	r.Leave(list1)

	assert.Equal(t, 0, r.RefCount(list1))
	assert.Len(t, s.sent(), 2, "expected exactly one join and one leave")
}

func TestJoin_Validation(t *testing.T) {
	r, _, _ := newTestRegistry(t, true)

	err := r.Join(types.RoomRef{Scope: "galaxy", Id: "x"})
	assert.ErrorIs(t, err, ErrInvalidScope)

	err = r.Join(types.RoomRef{Scope: types.ScopeTask})
	assert.ErrorIs(t, err, ErrInvalidRoom)
	assert.Empty(t, r.Active())
}

func TestJoin_QueuedUntilConnected(t *testing.T) {
	r, s, b := newTestRegistry(t, false)

	require.NoError(t, r.Join(task1))
	require.NoError(t, r.Join(list1))
	assert.Empty(t, s.sent(), "expected no frames before connected")

	active := r.Active()
	require.Len(t, active, 2)
	assert.False(t, active[0].Joined)

	s.connect(b)
	assert.Equal(t, []string{`join:list {"id":"l1"}`, `join:task {"id":"t1"}`}, s.sent())
	for _, sub := range r.Active() {
		assert.True(t, sub.Joined, "expected %s to be joined", sub.Room)
	}
}

func TestLeave_BeforeFlushSendsNothing(t *testing.T) {
	r, s, b := newTestRegistry(t, false)

	require.NoError(t, r.Join(task1))
	r.Leave(task1)
	s.connect(b)

	assert.Empty(t, s.sent(), "expected a room released before connect never to be joined")
}

func TestReplayOnReconnect(t *testing.T) {
	r, s, b := newTestRegistry(t, true)

	require.NoError(t, r.Join(ws1))
	require.NoError(t, r.Join(list1))
	require.NoError(t, r.Join(list1))
	require.NoError(t, r.Join(task1))
	r.Leave(task1)

	s.drop()
	r.Leave(list1) // still one reference left
	s.connect(b)

	assert.Equal(t, []string{
		`join:workspace {"id":"w1"}`,
		`join:list {"id":"l1"}`,
		`join:task {"id":"t1"}`,
		`leave:task {"id":"t1"}`,
		`join:list {"id":"l1"}`,
		`join:workspace {"id":"w1"}`,
	}, s.sent())

	// a duplicate connected event for the same connection must not rejoin
	bus.Publish(b, conn.ConnectedEvent{Epoch: 2, Reconnect: true})
	assert.Len(t, s.sent(), 6)
}

func TestLeave_AfterDropSendsNothing(t *testing.T) {
	r, s, _ := newTestRegistry(t, true)

	require.NoError(t, r.Join(list1))
	s.drop()
	r.Leave(list1)

	assert.Equal(t, []string{`join:list {"id":"l1"}`}, s.sent())
}

func TestJoin_SendFailureRetriedOnConnect(t *testing.T) {
	r, s, b := newTestRegistry(t, true)

	r.retryDelay = time.Hour
	s.fail(errors.New("buffer full"))
	require.NoError(t, r.Join(list1))
	assert.Empty(t, s.sent())

	s.fail(nil)
	s.connect(b)
	assert.Equal(t, []string{`join:list {"id":"l1"}`}, s.sent())
}

func TestJoin_SendFailureRetriedOnSameConnection(t *testing.T) {
	r, s, _ := newTestRegistry(t, true)
	r.retryDelay = 10 * time.Millisecond

	s.fail(errors.New("buffer full"))
	require.NoError(t, r.Join(list1))
	assert.Empty(t, s.sent())
	assert.False(t, r.Active()[0].Joined)

	s.fail(nil)
	assert.Eventually(t, func() bool { return s.isMember(list1) }, time.Second, 5*time.Millisecond,
		"expected the join to be retried without a reconnect")
	assert.True(t, r.Active()[0].Joined)
	assert.Equal(t, []string{`join:list {"id":"l1"}`}, s.sent())
}

func TestJoin_RetryLapsesAfterLeave(t *testing.T) {
	r, s, _ := newTestRegistry(t, true)
	r.retryDelay = 10 * time.Millisecond

	s.fail(errors.New("buffer full"))
	require.NoError(t, r.Join(list1))
	assert.True(t, r.Leave(list1))
	s.fail(nil)

	time.Sleep(5 * r.retryDelay)
	assert.Empty(t, s.sent(), "expected no join for a room nobody wants")
}

func TestLeave_ReportsLastReference(t *testing.T) {
	r, _, _ := newTestRegistry(t, true)
	var released []types.RoomRef
	r.OnRelease(func(ref types.RoomRef) {
		assert.False(t, r.mu.TryLock(), "expected the hook to run under the registry lock")
		released = append(released, ref)
	})

	require.NoError(t, r.Join(list1))
	require.NoError(t, r.Join(list1))

	assert.False(t, r.Leave(list1), "expected a reference to remain")
	assert.True(t, r.Leave(list1), "expected the last reference to go")
	assert.False(t, r.Leave(list1), "expected leaving an unjoined room to report false")
	assert.Equal(t, []types.RoomRef{list1}, released)
}

func TestScopeClose_ReleasesRooms(t *testing.T) {
	r, _, _ := newTestRegistry(t, true)
	var released []types.RoomRef
	r.OnRelease(func(ref types.RoomRef) { released = append(released, ref) })

	require.NoError(t, r.Join(list1))
	sc := r.NewScope()
	require.NoError(t, sc.Join(list1))
	require.NoError(t, sc.Join(task1))

	sc.Close()
	assert.Equal(t, []types.RoomRef{task1}, released, "expected list1 to stay held outside the scope")
}

func TestActiveRoomsMetric(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveRooms).Twice()
	su.On("Decr", stats.NumActiveRooms).Once()
	defer su.AssertExpectations(t)

	b := bus.New()
	r := NewRegistry(&fakeSender{}, b, testutil.TestLogger(t), su)
	defer r.Close()

	require.NoError(t, r.Join(list1))
	require.NoError(t, r.Join(list1))
	require.NoError(t, r.Join(task1))
	r.Leave(list1)
	r.Leave(list1)
	r.Leave(list1)
}

// For any sequence of joins and leaves the room is joined on the transport
// exactly when the net refcount is positive.
func TestJoinLeave_RandomSequences(t *testing.T) {
	rooms := []types.RoomRef{list1, task1, ws1}
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 50; run++ {
		r, s, b := newTestRegistry(t, true)
		want := map[types.RoomRef]int{}

		for step := 0; step < 100; step++ {
			ref := rooms[rng.Intn(len(rooms))]
			switch rng.Intn(5) {
			case 0, 1:
				require.NoError(t, r.Join(ref))
				want[ref]++
			case 2, 3:
				r.Leave(ref)
				if want[ref] > 0 {
					want[ref]--
				}
			case 4:
				s.drop()
				s.connect(b)
			}

			for _, ref := range rooms {
				assert.Equal(t, want[ref], r.RefCount(ref), "run %d step %d room %s", run, step, ref)
				assert.Equal(t, want[ref] > 0, s.isMember(ref), "run %d step %d room %s membership", run, step, ref)
			}
		}
		assert.Zero(t, s.dupes, "run %d: expected no duplicate joins", run)
	}
}

// Exercises the registry against the real connection manager across a
// dropped connection.
func TestReplayWithManager(t *testing.T) {
	d := testutil.NewFakeDialer()
	b := bus.New()
	m := conn.NewManager(d, b, &conn.Config{
		BaseDelay:   time.Millisecond,
		MaxAttempts: 3,
		Logger:      testutil.TestLogger(t),
	})
	r := NewRegistry(m, b, testutil.TestLogger(t), stats.Discard)
	defer r.Close()
	defer m.Disconnect()

	require.NoError(t, r.Join(list1), "expected join before connect to queue")
	require.NoError(t, m.Connect(context.Background(), testutil.Token(t, "u1")))
	require.NoError(t, r.Join(task1))

	first := d.Last()
	assert.Equal(t, []string{"join:list", "join:task"}, first.WrittenEvents())

	first.Drop()
	testutil.Eventually(t, func() bool {
		return len(d.Conns()) == 2 && len(d.Last().WrittenEvents()) == 2
	}, "expected rooms to be rejoined on the new connection")

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []string{"join:list", "join:task"}, d.Last().WrittenEvents(),
		"expected each room rejoined exactly once")
}
