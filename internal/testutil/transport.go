package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/npezzotti/go-worksync/internal/transport"
	"github.com/npezzotti/go-worksync/internal/types"
)

var ErrDropped = errors.New("connection dropped")

// FakeConn is an in-memory transport.Conn.
type FakeConn struct {
	incoming chan types.Frame
	drop     chan error
	closed   chan struct{}

	mu        sync.Mutex
	written   []types.Frame
	closeOnce sync.Once
}

func NewFakeConn() *FakeConn {
	return &FakeConn{
		incoming: make(chan types.Frame, 64),
		drop:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (c *FakeConn) ReadFrame() (types.Frame, error) {
	select {
	case f := <-c.incoming:
		return f, nil
	case err := <-c.drop:
		return types.Frame{}, err
	case <-c.closed:
		return types.Frame{}, transport.ErrClosed
	}
}

func (c *FakeConn) WriteFrame(f types.Frame) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, f)
	return nil
}

func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *FakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push delivers a server event to the reader.
func (c *FakeConn) Push(event string, v any) {
	raw, _ := json.Marshal(v)
	c.incoming <- types.Frame{Event: event, Data: raw}
}

// Drop makes the pending or next read fail as if the network went away.
func (c *FakeConn) Drop() {
	c.drop <- ErrDropped
}

func (c *FakeConn) Written() []types.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Frame, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenEvents returns the event names written so far, in order.
func (c *FakeConn) WrittenEvents() []string {
	frames := c.Written()
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Event
	}
	return names
}

// FakeDialer hands out FakeConns. Errors queued with FailNext are returned
// by the following dials in order.
type FakeDialer struct {
	mu     sync.Mutex
	errs   []error
	conns  []*FakeConn
	tokens []string
	dialed chan *FakeConn
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{dialed: make(chan *FakeConn, 64)}
}

func (d *FakeDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

func (d *FakeDialer) Dial(ctx context.Context, token string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.tokens = append(d.tokens, token)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}

	c := NewFakeConn()
	d.conns = append(d.conns, c)
	d.dialed <- c
	return c, nil
}

func (d *FakeDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeConn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Last returns the most recently dialed connection or nil.
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Dialed yields each connection as it is created.
func (d *FakeDialer) Dialed() <-chan *FakeConn {
	return d.dialed
}
