package events

import (
	"github.com/npezzotti/go-worksync/internal/types"
)

const (
	NotificationNewEvent = "notification:new"
	PresenceListEvent    = "presence:list"
	UserOnlineEvent      = "user:online"
	UserOfflineEvent     = "user:offline"
	TypingStartedEvent   = "typing:started"
	TypingStoppedEvent   = "typing:stopped"
	TaskCreatedEvent     = "task:created"
	TaskUpdatedEvent     = "task:updated"
	TaskDeletedEvent     = "task:deleted"
	MessageNewEvent      = "message:new"
	UserJoinedEvent      = "user:joined"
	UserLeftEvent        = "user:left"

	TypingStartEvent = "typing:start"
	TypingStopEvent  = "typing:stop"
)

type NotificationNew struct {
	Notification types.Notification `json:"notification"`
}

type PresenceList struct {
	Room  string       `json:"room"`
	Users []types.User `json:"users"`
}

type UserOnline struct {
	UserId string     `json:"userId"`
	User   types.User `json:"user"`
}

type UserOffline struct {
	UserId string `json:"userId"`
}

type TypingStarted struct {
	UserId string     `json:"userId"`
	User   types.User `json:"user"`
	Room   string     `json:"room"`
}

type TypingStopped struct {
	UserId string `json:"userId"`
	Room   string `json:"room"`
}

type TaskCreated struct {
	Task types.Task `json:"task"`
}

type TaskUpdated struct {
	Task types.Task `json:"task"`
}

type TaskDeleted struct {
	TaskId string `json:"taskId"`
	ListId string `json:"listId"`
}

type MessageNew struct {
	Message types.Message `json:"message"`
}

type UserJoined struct {
	User types.User `json:"user"`
	Room string     `json:"room"`
}

type UserLeft struct {
	UserId string `json:"userId"`
	Room   string `json:"room"`
}

type roomPayload struct {
	Id string `json:"id"`
}

type typingPayload struct {
	Room string `json:"room"`
}

func JoinFrame(ref types.RoomRef) (types.Frame, error) {
	return types.NewFrame("join:"+string(ref.Scope), roomPayload{Id: ref.Id})
}

func LeaveFrame(ref types.RoomRef) (types.Frame, error) {
	return types.NewFrame("leave:"+string(ref.Scope), roomPayload{Id: ref.Id})
}

func TypingStartFrame(ref types.RoomRef) (types.Frame, error) {
	return types.NewFrame(TypingStartEvent, typingPayload{Room: ref.String()})
}

func TypingStopFrame(ref types.RoomRef) (types.Frame, error) {
	return types.NewFrame(TypingStopEvent, typingPayload{Room: ref.String()})
}
