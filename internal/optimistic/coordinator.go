package optimistic

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/stats"
	"github.com/teris-io/shortid"
)

// MutateFunc changes a private copy of a collection and returns the result.
type MutateFunc[T any] func(items []T) ([]T, error)

// SendFunc performs the server call for a change. Items it returns are the
// server's version of the touched entities and replace the local ones by key.
type SendFunc[T any] func(ctx context.Context) ([]T, error)

type Config struct {
	// SendTimeout bounds a server call. Calls are detached from the caller's
	// cancellation so bookkeeping always completes.
	SendTimeout time.Duration
	Logger      *log.Logger
	Stats       stats.StatsProvider
	Now         func() time.Time
}

func DefaultConfig() *Config {
	return &Config{
		SendTimeout: 30 * time.Second,
		Logger:      log.New(os.Stderr, "[optimistic] ", log.LstdFlags),
		Stats:       stats.Discard,
		Now:         time.Now,
	}
}

// entry is one change in the log of a target. snapshot is the collection as
// it stood just before the change.
type entry[T any] struct {
	op       *Operation
	snapshot []T
	mutate   MutateFunc[T]
	result   []T
}

// Coordinator applies changes to named collections before the server
// confirms them. Each target keeps a log of changes that are not yet
// settled behind an older pending one; a failed change is undone by
// restoring its snapshot and replaying every later change on top.
type Coordinator[T any] struct {
	key   func(T) string
	clone func(T) T
	bus   *bus.Bus
	cfg   *Config
	log   *log.Logger
	stats stats.StatsProvider

	mu    sync.Mutex
	state map[string][]T
	ops   map[string][]*entry[T]

	wg sync.WaitGroup
}

func NewCoordinator[T any](key func(T) string, clone func(T) T, b *bus.Bus, cfg *Config) *Coordinator[T] {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
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

	return &Coordinator[T]{
		key:   key,
		clone: clone,
		bus:   b,
		cfg:   cfg,
		log:   cfg.Logger,
		stats: cfg.Stats,
		state: make(map[string][]T),
		ops:   make(map[string][]*entry[T]),
	}
}

// Apply runs mutate against target immediately and sends the change in the
// background. It returns without waiting for the server. An error from
// mutate leaves the collection untouched and starts no operation.
func (c *Coordinator[T]) Apply(ctx context.Context, target string, mutate MutateFunc[T], send SendFunc[T]) (*Operation, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate operation id: %w", err)
	}

	c.mu.Lock()
	cur := c.state[target]
	next, err := mutate(c.cloneAll(cur))
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	e := &entry[T]{
		op:       newOperation(id, target, c.cfg.Now()),
		snapshot: c.cloneAll(cur),
		mutate:   mutate,
	}
	c.ops[target] = append(c.ops[target], e)
	c.state[target] = next
	c.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SendTimeout)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		result, err := send(sendCtx)
		c.settle(e, result, err)
	}()

	return e.op, nil
}

func (c *Coordinator[T]) settle(e *entry[T], result []T, sendErr error) {
	target := e.op.Target

	c.mu.Lock()
	entries := c.ops[target]
	idx := -1
	for i, other := range entries {
		if other == e {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		panic(fmt.Sprintf("optimistic: operation %s missing from the %q log", e.op.Id, target))
	}

	if sendErr == nil {
		e.result = c.cloneAll(result)
		c.state[target] = c.overlay(c.state[target], e.result)
		for _, later := range entries[idx+1:] {
			later.snapshot = c.overlay(later.snapshot, e.result)
		}
		e.op.settle(StatusCommitted, nil)
	} else {
		base := e.snapshot
		c.ops[target] = append(entries[:idx], entries[idx+1:]...)
		c.replay(target, idx, base)
		e.op.settle(StatusRolledBack, fmt.Errorf("%w: %w", ErrRolledBack, sendErr))
	}
	c.trim(target)
	c.mu.Unlock()

	if sendErr == nil {
		if c.bus != nil {
			bus.Publish(c.bus, Committed{OpId: e.op.Id, Target: target})
		}
		return
	}

	c.stats.Incr(stats.NumRollbacks)
	c.log.Printf("operation %s on %q rolled back: %v", e.op.Id, target, sendErr)
	if c.bus != nil {
		bus.Publish(c.bus, RolledBack{OpId: e.op.Id, Target: target, Err: sendErr})
	}
}

// replay rebuilds target from base by reapplying every logged change from
// index from onwards, refreshing their snapshots on the way.
func (c *Coordinator[T]) replay(target string, from int, base []T) {
	cur := base
	for _, e := range c.ops[target][from:] {
		e.snapshot = c.cloneAll(cur)
		next, err := e.mutate(c.cloneAll(cur))
		if err != nil {
			c.log.Printf("replay of operation %s on %q skipped: %v", e.op.Id, target, err)
			next = cur
		}
		if e.result != nil {
			next = c.overlay(next, e.result)
		}
		cur = next
	}
	c.state[target] = cur
}

// trim drops committed changes no longer needed for a rollback.
func (c *Coordinator[T]) trim(target string) {
	entries := c.ops[target]
	for len(entries) > 0 && entries[0].op.Status() == StatusCommitted {
		entries = entries[1:]
	}
	if len(entries) == 0 {
		delete(c.ops, target)
		return
	}
	c.ops[target] = entries
}

// overlay replaces items whose key matches one in authoritative.
func (c *Coordinator[T]) overlay(items []T, authoritative []T) []T {
	if len(authoritative) == 0 {
		return items
	}
	byKey := make(map[string]T, len(authoritative))
	for _, a := range authoritative {
		byKey[c.key(a)] = a
	}
	for i, it := range items {
		if a, ok := byKey[c.key(it)]; ok {
			items[i] = c.clone(a)
		}
	}
	return items
}

func (c *Coordinator[T]) cloneAll(items []T) []T {
	if items == nil {
		return nil
	}
	out := make([]T, len(items))
	for i, it := range items {
		out[i] = c.clone(it)
	}
	return out
}

// Load replaces the server state of target. Pending changes are replayed on
// top of it.
func (c *Coordinator[T]) Load(target string, items []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replay(target, 0, c.cloneAll(items))
}

// Upsert applies a server-side change to one item. With changes pending it
// lands in the base the pending changes are replayed on, so a later
// rollback keeps it. A new item is appended.
func (c *Coordinator[T]) Upsert(target string, item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebase(target, func(items []T) []T { return c.upsert(items, item) })
}

func (c *Coordinator[T]) upsert(items []T, item T) []T {
	k := c.key(item)
	for i, it := range items {
		if c.key(it) == k {
			items[i] = c.clone(item)
			return items
		}
	}
	return append(items, c.clone(item))
}

// Remove deletes the item with key from target and from the base of any
// pending changes.
func (c *Coordinator[T]) Remove(target, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebase(target, func(items []T) []T { return c.remove(items, key) })
}

func (c *Coordinator[T]) rebase(target string, fn func([]T) []T) {
	entries := c.ops[target]
	if len(entries) == 0 {
		c.state[target] = fn(c.state[target])
		return
	}
	c.replay(target, 0, fn(c.cloneAll(entries[0].snapshot)))
}

func (c *Coordinator[T]) remove(items []T, key string) []T {
	out := items[:0]
	for _, it := range items {
		if c.key(it) != key {
			out = append(out, it)
		}
	}
	return out
}

// Get returns a copy of the visible collection.
func (c *Coordinator[T]) Get(target string) []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cloneAll(c.state[target])
}

// Pending counts unsettled operations on target.
func (c *Coordinator[T]) Pending(target string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.ops[target] {
		if e.op.Status() == StatusPending {
			n++
		}
	}
	return n
}

// Retained counts the snapshots held for target.
func (c *Coordinator[T]) Retained(target string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops[target])
}

func (c *Coordinator[T]) Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.state))
	for t := range c.state {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until every in-flight server call has settled.
func (c *Coordinator[T]) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
