package rooms

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/conn"
	"github.com/npezzotti/go-worksync/internal/events"
	"github.com/npezzotti/go-worksync/internal/stats"
	"github.com/npezzotti/go-worksync/internal/types"
)

var (
	ErrInvalidScope = errors.New("invalid room scope")
	ErrInvalidRoom  = errors.New("invalid room id")
	ErrScopeClosed  = errors.New("scope closed")
)

const defaultJoinRetryDelay = time.Second

// Sender is the part of the connection manager the registry writes through.
type Sender interface {
	Send(f types.Frame) error
	Epoch() (uint64, bool)
}

type Subscription struct {
	Room     types.RoomRef `json:"room"`
	RefCount int           `json:"refCount"`
	// Joined reports whether a join frame went out on the live connection.
	Joined bool `json:"joined"`

	joinedEpoch uint64
	retry       *time.Timer
}

// Registry reference-counts room membership across consumers and replays
// it after every (re)connect.
type Registry struct {
	sender Sender
	log    *log.Logger
	stats  stats.StatsProvider

	// retryDelay spaces join attempts that failed on a live connection.
	retryDelay time.Duration

	mu     sync.Mutex
	subs   map[types.RoomRef]*Subscription
	closed bool
	unsub  func()
	// onRelease runs under mu, so a Join racing the release waits for it.
	onRelease func(types.RoomRef)
}

func NewRegistry(s Sender, b *bus.Bus, l *log.Logger, su stats.StatsProvider) *Registry {
	if su == nil {
		su = stats.Discard
	}
	r := &Registry{
		sender:     s,
		log:        l,
		stats:      su,
		retryDelay: defaultJoinRetryDelay,
		subs:       make(map[types.RoomRef]*Subscription),
	}
	r.unsub = bus.Subscribe(b, r.onConnected)
	return r
}

// Close detaches the registry from the bus and cancels pending join retries.
func (r *Registry) Close() {
	r.unsub()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, sub := range r.subs {
		sub.stopRetry()
	}
}

// OnRelease registers fn to run when the last reference to a room is
// dropped. fn must not call back into the registry.
func (r *Registry) OnRelease(fn func(types.RoomRef)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRelease = fn
}

func validate(ref types.RoomRef) error {
	if !ref.Scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, ref.Scope)
	}
	if ref.Id == "" {
		return ErrInvalidRoom
	}
	return nil
}

func (r *Registry) Join(ref types.RoomRef) error {
	if err := validate(ref); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[ref]
	if !ok {
		sub = &Subscription{Room: ref}
		r.subs[ref] = sub
	}
	sub.RefCount++

	if sub.RefCount == 1 {
		r.stats.Incr(stats.NumActiveRooms)
		epoch, live := r.sender.Epoch()
		if !live {
			r.log.Printf("room %q queued until connected", ref)
			return nil
		}
		r.sendJoin(sub, epoch)
	}
	return nil
}

// Leave drops one reference and reports whether it was the last one, in
// which case the room is no longer tracked. Leaving a room with no
// references is a no-op and reports false.
func (r *Registry) Leave(ref types.RoomRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[ref]
	if !ok || sub.RefCount == 0 {
		r.log.Printf("leave %q ignored, room not joined", ref)
		return false
	}

	sub.RefCount--
	if sub.RefCount > 0 {
		return false
	}
	if sub.RefCount < 0 {
		panic(fmt.Sprintf("rooms: refcount underflow for %q", ref))
	}

	delete(r.subs, ref)
	sub.stopRetry()
	r.stats.Decr(stats.NumActiveRooms)
	if r.onRelease != nil {
		r.onRelease(ref)
	}

	epoch, live := r.sender.Epoch()
	if !live || sub.joinedEpoch != epoch {
		// the server holds no membership for this connection
		return true
	}

	f, err := events.LeaveFrame(ref)
	if err == nil {
		err = r.sender.Send(f)
	}
	if err != nil {
		r.log.Printf("leave %q: %v", ref, err)
	}
	return true
}

func (r *Registry) RefCount(ref types.RoomRef) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[ref]; ok {
		return sub.RefCount
	}
	return 0
}

// Active lists the rooms with a positive refcount, ordered by room name.
func (r *Registry) Active() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	epoch, live := r.sender.Epoch()
	out := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		s := *sub
		s.Joined = live && sub.joinedEpoch == epoch
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room.String() < out[j].Room.String() })
	return out
}

func (r *Registry) onConnected(ev conn.ConnectedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.RefCount > 0 && sub.joinedEpoch != ev.Epoch {
			pending = append(pending, sub)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Room.String() < pending[j].Room.String() })

	if len(pending) > 0 {
		r.log.Printf("replaying %d room subscription(s) on connection %d", len(pending), ev.Epoch)
	}
	for _, sub := range pending {
		sub.stopRetry()
		r.sendJoin(sub, ev.Epoch)
	}
}

func (r *Registry) sendJoin(sub *Subscription, epoch uint64) {
	f, err := events.JoinFrame(sub.Room)
	if err == nil {
		err = r.sender.Send(f)
	}
	if err != nil {
		r.log.Printf("join %q on connection %d: %v", sub.Room, epoch, err)
		r.scheduleRetry(sub, epoch)
		return
	}
	sub.joinedEpoch = epoch
}

// scheduleRetry tries the join again on the same connection. A new
// connection replays the room anyway, so the retry lapses once epoch is
// gone. Callers hold r.mu.
func (r *Registry) scheduleRetry(sub *Subscription, epoch uint64) {
	if r.closed || sub.retry != nil {
		return
	}
	sub.retry = time.AfterFunc(r.retryDelay, func() {
		r.retryJoin(sub, epoch)
	})
}

func (r *Registry) retryJoin(sub *Subscription, epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub.retry = nil
	if r.closed || r.subs[sub.Room] != sub || sub.RefCount == 0 || sub.joinedEpoch == epoch {
		return
	}
	if cur, live := r.sender.Epoch(); !live || cur != epoch {
		return
	}
	r.sendJoin(sub, epoch)
}

func (sub *Subscription) stopRetry() {
	if sub.retry != nil {
		sub.retry.Stop()
		sub.retry = nil
	}
}
