package session

import (
	"sync"

	"github.com/npezzotti/go-worksync/internal/events"
	"github.com/npezzotti/go-worksync/internal/stats"
	"github.com/npezzotti/go-worksync/internal/types"
)

const recentMessages = 50

// messageLog keeps the latest chat messages pushed to each joined room.
// Pushes are at-least-once, so repeats of a known id are dropped.
type messageLog struct {
	stats stats.StatsProvider

	mu    sync.Mutex
	rooms map[string][]types.Message
}

func newMessageLog(su stats.StatsProvider) *messageLog {
	return &messageLog{stats: su, rooms: make(map[string][]types.Message)}
}

func (l *messageLog) onMessage(ev events.MessageNew) {
	m := ev.Message
	if m.Id == "" || m.Room == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := l.rooms[m.Room]
	for _, have := range msgs {
		if have.Id == m.Id {
			return
		}
	}
	msgs = append(msgs, m)
	if len(msgs) > recentMessages {
		msgs = msgs[len(msgs)-recentMessages:]
	}
	l.rooms[m.Room] = msgs
	l.stats.Incr(stats.NumMessagesReceived)
}

func (l *messageLog) recent(room types.RoomRef) []types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.rooms[room.String()]
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	return out
}

func (l *messageLog) forget(room types.RoomRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms, room.String())
}
