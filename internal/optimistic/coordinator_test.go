package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/stats"
	"github.com/npezzotti/go-worksync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Id   string
	Val  int
	Tags []string
}

func cloneItem(it item) item {
	c := it
	if it.Tags != nil {
		c.Tags = append([]string(nil), it.Tags...)
	}
	return c
}

func itemKey(it item) string { return it.Id }

type response struct {
	result []item
	err    error
}

// gate returns a send func that blocks until the test answers on the channel.
func gate() (SendFunc[item], chan<- response) {
	ch := make(chan response, 1)
	return func(ctx context.Context) ([]item, error) {
		select {
		case r := <-ch:
			return r.result, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, ch
}

func set(id string, val int) MutateFunc[item] {
	return func(items []item) ([]item, error) {
		for i := range items {
			if items[i].Id == id {
				items[i].Val = val
				items[i].Tags = append(items[i].Tags, "edited")
				return items, nil
			}
		}
		return nil, ErrUnknownKey
	}
}

func seed() []item {
	return []item{{Id: "a", Val: 1}, {Id: "b", Val: 2, Tags: []string{"x"}}, {Id: "c", Val: 3}}
}

func newTestCoordinator(t *testing.T, su stats.StatsProvider) (*Coordinator[item], *bus.Bus) {
	b := bus.New()
	c := NewCoordinator(itemKey, cloneItem, b, &Config{
		SendTimeout: time.Second,
		Logger:      testutil.TestLogger(t),
		Stats:       su,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Wait(ctx)
	})
	c.Load("l", seed())
	return c, b
}

func wait(t *testing.T, op *Operation) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := op.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "operation did not settle")
	return err
}

func TestApply_Commit(t *testing.T) {
	c, b := newTestCoordinator(t, stats.Discard)
	committed := make(chan Committed, 1)
	bus.Subscribe(b, func(e Committed) { committed <- e })

	send, reply := gate()
	op, err := c.Apply(context.Background(), "l", set("a", 10), send)
	require.NoError(t, err)
	assert.NotEmpty(t, op.Id)

	assert.Equal(t, 10, c.Get("l")[0].Val, "expected the change to be visible before the server answers")
	assert.Equal(t, StatusPending, op.Status())
	assert.Equal(t, 1, c.Pending("l"))

	reply <- response{}
	require.NoError(t, wait(t, op))

	assert.Equal(t, StatusCommitted, op.Status())
	assert.Equal(t, 10, c.Get("l")[0].Val)
	assert.Zero(t, c.Retained("l"), "expected no snapshot left after commit")
	assert.Equal(t, op.Id, (<-committed).OpId)
}

func TestApply_FailureRestoresSnapshot(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumRollbacks).Once()
	defer su.AssertExpectations(t)

	c, b := newTestCoordinator(t, su)
	rolled := make(chan RolledBack, 1)
	bus.Subscribe(b, func(e RolledBack) { rolled <- e })

	before := c.Get("l")
	send, reply := gate()
	op, err := c.Apply(context.Background(), "l", set("b", 20), send)
	require.NoError(t, err)

	cause := errors.New("network error")
	reply <- response{err: cause}
	err = wait(t, op)

	assert.ErrorIs(t, err, ErrRolledBack)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StatusRolledBack, op.Status())
	assert.Equal(t, before, c.Get("l"), "expected the exact pre-change collection")
	assert.Zero(t, c.Retained("l"))

	ev := <-rolled
	assert.Equal(t, op.Id, ev.OpId)
	assert.Equal(t, "l", ev.Target)
	assert.ErrorIs(t, ev.Err, cause)
}

func TestApply_MutateError(t *testing.T) {
	c, _ := newTestCoordinator(t, stats.Discard)

	op, err := c.Apply(context.Background(), "l", set("zz", 1), func(context.Context) ([]item, error) {
		t.Error("send must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.Nil(t, op)
	assert.Equal(t, seed(), c.Get("l"))
	assert.Zero(t, c.Retained("l"))
}

func TestApply_EarlierFailureKeepsLaterChange(t *testing.T) {
	c, _ := newTestCoordinator(t, stats.Discard)

	send1, reply1 := gate()
	send2, reply2 := gate()
	op1, _ := c.Apply(context.Background(), "l", set("a", 10), send1)
	op2, _ := c.Apply(context.Background(), "l", set("a", 20), send2)
	assert.Equal(t, 20, c.Get("l")[0].Val, "expected the second change to stack on the first")

	reply1 <- response{err: errors.New("rejected")}
	require.Error(t, wait(t, op1))
	assert.Equal(t, 20, c.Get("l")[0].Val, "expected only the first change to be unwound")
	assert.Equal(t, []string{"edited"}, c.Get("l")[0].Tags, "expected the second change replayed on the original")

	reply2 <- response{}
	require.NoError(t, wait(t, op2))
	assert.Zero(t, c.Retained("l"))
}

func TestApply_LaterFailureKeepsEarlierChange(t *testing.T) {
	c, _ := newTestCoordinator(t, stats.Discard)

	send1, reply1 := gate()
	send2, reply2 := gate()
	op1, _ := c.Apply(context.Background(), "l", set("a", 10), send1)
	op2, _ := c.Apply(context.Background(), "l", set("c", 30), send2)

	reply2 <- response{err: errors.New("rejected")}
	require.Error(t, wait(t, op2))
	got := c.Get("l")
	assert.Equal(t, 10, got[0].Val)
	assert.Equal(t, 3, got[2].Val)

	reply1 <- response{err: errors.New("rejected")}
	require.Error(t, wait(t, op1))
	assert.Equal(t, seed(), c.Get("l"))
}

func TestCommit_ServerVersionReplacesLocal(t *testing.T) {
	c, _ := newTestCoordinator(t, stats.Discard)

	send1, reply1 := gate()
	send2, reply2 := gate()
	op1, _ := c.Apply(context.Background(), "l", set("a", 10), send1)
	op2, _ := c.Apply(context.Background(), "l", set("b", 20), send2)

	server := item{Id: "a", Val: 11, Tags: []string{"server"}}
	reply1 <- response{result: []item{server}}
	require.NoError(t, wait(t, op1))
	assert.Equal(t, server, c.Get("l")[0])
	assert.Equal(t, 1, c.Retained("l"))

	reply2 <- response{err: errors.New("rejected")}
	require.Error(t, wait(t, op2))

	got := c.Get("l")
	assert.Equal(t, server, got[0], "expected server truth to survive the later rollback")
	assert.Equal(t, seed()[1], got[1])
}

func TestCommitBehindPendingIsReplayed(t *testing.T) {
	c, _ := newTestCoordinator(t, stats.Discard)

	send1, reply1 := gate()
	send2, reply2 := gate()
	op1, _ := c.Apply(context.Background(), "l", set("a", 10), send1)
	op2, _ := c.Apply(context.Background(), "l", set("b", 20), send2)

	reply2 <- response{result: []item{{Id: "b", Val: 21}}}
	require.NoError(t, wait(t, op2))
	assert.Equal(t, 2, c.Retained("l"), "expected the commit to be kept behind the pending change")

	reply1 <- response{err: errors.New("rejected")}
	require.Error(t, wait(t, op1))

	got := c.Get("l")
	assert.Equal(t, 1, got[0].Val)
	assert.Equal(t, item{Id: "b", Val: 21}, got[1])
	assert.Zero(t, c.Retained("l"))
}

func TestUpsertDuringPendingSurvivesRollback(t *testing.T) {
	c, _ := newTestCoordinator(t, stats.Discard)

	send, reply := gate()
	op, _ := c.Apply(context.Background(), "l", set("a", 10), send)

	c.Upsert("l", item{Id: "c", Val: 33})
	c.Upsert("l", item{Id: "d", Val: 4})
	assert.Equal(t, 10, c.Get("l")[0].Val, "expected the pending change to stay visible")

	reply <- response{err: errors.New("rejected")}
	require.Error(t, wait(t, op))

	assert.Equal(t, []item{{Id: "a", Val: 1}, seed()[1], {Id: "c", Val: 33}, {Id: "d", Val: 4}}, c.Get("l"))
}

func TestRemoveDuringPending(t *testing.T) {
	c, _ := newTestCoordinator(t, stats.Discard)

	send, reply := gate()
	op, _ := c.Apply(context.Background(), "l", set("a", 10), send)
	c.Remove("l", "b")

	reply <- response{err: errors.New("rejected")}
	require.Error(t, wait(t, op))
	assert.Equal(t, []item{{Id: "a", Val: 1}, {Id: "c", Val: 3}}, c.Get("l"))
}

func TestApply_CallerCancelDoesNotAbortSend(t *testing.T) {
	c, _ := newTestCoordinator(t, stats.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	send, reply := gate()
	op, err := c.Apply(ctx, "l", set("a", 10), send)
	require.NoError(t, err)
	cancel()

	reply <- response{}
	require.NoError(t, wait(t, op), "expected bookkeeping to complete without the caller")
	assert.Zero(t, c.Retained("l"))
}

func TestGetReturnsCopy(t *testing.T) {
	c, _ := newTestCoordinator(t, stats.Discard)

	got := c.Get("l")
	got[1].Tags[0] = "changed"
	assert.Equal(t, "x", c.Get("l")[1].Tags[0])
	assert.Equal(t, []string{"l"}, c.Targets())
}

// Whatever order the server answers in, the settled collection equals the
// accepted changes applied in the order they were made.
func TestRandomSettlementOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ids := []string{"a", "b", "c"}

	for run := 0; run < 30; run++ {
		c, _ := newTestCoordinator(t, stats.Discard)

		n := 2 + rng.Intn(5)
		ops := make([]*Operation, n)
		replies := make([]chan<- response, n)
		muts := make([]MutateFunc[item], n)
		accept := make([]bool, n)
		for i := range n {
			muts[i] = set(ids[rng.Intn(len(ids))], rng.Intn(100))
			send, r := gate()
			op, err := c.Apply(context.Background(), "l", muts[i], send)
			require.NoError(t, err)
			ops[i], replies[i] = op, r
			accept[i] = rng.Intn(2) == 0
		}

		for _, i := range rng.Perm(n) {
			if accept[i] {
				replies[i] <- response{}
			} else {
				replies[i] <- response{err: errors.New("rejected")}
			}
			wait(t, ops[i])
		}

		want := seed()
		for i := range n {
			if accept[i] {
				want, _ = muts[i](want)
			}
		}
		assert.Equal(t, want, c.Get("l"), "run %d", run)
		assert.Zero(t, c.Retained("l"), "run %d", run)
	}
}

func TestStatusText(t *testing.T) {
	for _, want := range []Status{StatusPending, StatusCommitted, StatusRolledBack} {
		t.Run(want.String(), func(t *testing.T) {
			data, err := json.Marshal(want)
			require.NoError(t, err)

			var got Status
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, want, got)
		})
	}

	var s Status
	assert.Error(t, s.UnmarshalText([]byte("unknown")))
}
