package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type User struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

type Scope string

const (
	ScopeWorkspace Scope = "workspace"
	ScopeSpace     Scope = "space"
	ScopeList      Scope = "list"
	ScopeTask      Scope = "task"
	ScopeChannel   Scope = "channel"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeWorkspace, ScopeSpace, ScopeList, ScopeTask, ScopeChannel:
		return true
	}
	return false
}

// RoomRef identifies a server-side room. Its wire name is "<scope>:<id>".
type RoomRef struct {
	Scope Scope  `json:"scope"`
	Id    string `json:"id"`
}

func (r RoomRef) String() string {
	return string(r.Scope) + ":" + r.Id
}

func ParseRoom(name string) (RoomRef, error) {
	scope, id, ok := strings.Cut(name, ":")
	if !ok || id == "" || !Scope(scope).Valid() {
		return RoomRef{}, fmt.Errorf("invalid room name %q", name)
	}
	return RoomRef{Scope: Scope(scope), Id: id}, nil
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type RelatedRef struct {
	Type string `json:"type"`
	Id   string `json:"id"`
}

type NotificationStatus struct {
	IsRead bool       `json:"isRead"`
	ReadAt *time.Time `json:"readAt,omitempty"`
}

type Notification struct {
	Id        string             `json:"id"`
	Type      string             `json:"type"`
	Title     string             `json:"title"`
	Message   string             `json:"message"`
	Priority  Priority           `json:"priority,omitempty"`
	RelatedTo *RelatedRef        `json:"relatedTo,omitempty"`
	Status    NotificationStatus `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
}

// Clone returns a copy that shares no pointers with n.
func (n Notification) Clone() Notification {
	c := n
	if n.RelatedTo != nil {
		r := *n.RelatedTo
		c.RelatedTo = &r
	}
	if n.Status.ReadAt != nil {
		t := *n.Status.ReadAt
		c.Status.ReadAt = &t
	}
	return c
}

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
)

type Task struct {
	Id        string     `json:"id"`
	ListId    string     `json:"listId"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	Position  int        `json:"position"`
	Assignees []User     `json:"assignees,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (t Task) Clone() Task {
	c := t
	if t.Assignees != nil {
		c.Assignees = make([]User, len(t.Assignees))
		copy(c.Assignees, t.Assignees)
	}
	return c
}

type Message struct {
	Id        string    `json:"id"`
	Room      string    `json:"room"`
	UserId    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Frame is a single push event as it travels over the transport.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewFrame(event string, v any) (Frame, error) {
	if v == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}
