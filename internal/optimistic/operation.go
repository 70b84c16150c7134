package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrRolledBack = errors.New("mutation rolled back")
	ErrUnknownKey = errors.New("unknown item")
)

type Status int

const (
	StatusPending Status = iota
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = StatusPending
	case "committed":
		*s = StatusCommitted
	case "rolled_back":
		*s = StatusRolledBack
	default:
		return fmt.Errorf("unknown operation status %q", text)
	}
	return nil
}

// RolledBack is published when a server call fails and its local change has
// been undone.
type RolledBack struct {
	OpId   string
	Target string
	Err    error
}

// Committed is published when the server accepts a local change.
type Committed struct {
	OpId   string
	Target string
}

// Operation is the handle for one optimistic change.
type Operation struct {
	Id        string    `json:"id"`
	Target    string    `json:"target"`
	AppliedAt time.Time `json:"appliedAt"`

	mu     sync.Mutex
	status Status
	err    error
	done   chan struct{}
}

func newOperation(id, target string, at time.Time) *Operation {
	return &Operation{
		Id:        id,
		Target:    target,
		AppliedAt: at,
		done:      make(chan struct{}),
	}
}

func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Done is closed once the operation is committed or rolled back.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Err returns nil while pending or once committed. After a rollback it
// wraps ErrRolledBack and the server error.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Wait blocks until the operation settles or ctx is done.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Operation) settle(status Status, err error) {
	o.mu.Lock()
	o.status = status
	o.err = err
	o.mu.Unlock()
	close(o.done)
}
