package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/types"
)

var ErrUnknownEvent = errors.New("unknown event")

// Dispatch decodes f into its typed payload and publishes it on b.
func Dispatch(b *bus.Bus, f types.Frame) error {
	switch f.Event {
	case NotificationNewEvent:
		return decodeAndPublish[NotificationNew](b, f)
	case PresenceListEvent:
		return decodeAndPublish[PresenceList](b, f)
	case UserOnlineEvent:
		return decodeAndPublish[UserOnline](b, f)
	case UserOfflineEvent:
		return decodeAndPublish[UserOffline](b, f)
	case TypingStartedEvent:
		return decodeAndPublish[TypingStarted](b, f)
	case TypingStoppedEvent:
		return decodeAndPublish[TypingStopped](b, f)
	case TaskCreatedEvent:
		return decodeAndPublish[TaskCreated](b, f)
	case TaskUpdatedEvent:
		return decodeAndPublish[TaskUpdated](b, f)
	case TaskDeletedEvent:
		return decodeAndPublish[TaskDeleted](b, f)
	case MessageNewEvent:
		return decodeAndPublish[MessageNew](b, f)
	case UserJoinedEvent:
		return decodeAndPublish[UserJoined](b, f)
	case UserLeftEvent:
		return decodeAndPublish[UserLeft](b, f)
	}

	return fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
}

func decodeAndPublish[E any](b *bus.Bus, f types.Frame) error {
	var e E
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &e); err != nil {
			return fmt.Errorf("decode %s: %w", f.Event, err)
		}
	}

	bus.Publish(b, e)
	return nil
}
