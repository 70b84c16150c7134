package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-worksync/internal/types"
)

// PushServer is a websocket endpoint that records client frames and lets a
// test push server frames.
type PushServer struct {
	*httptest.Server

	Token string

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []types.Frame
	recvCh   chan types.Frame
	connCh   chan struct{}
}

func NewPushServer(t *testing.T, token string) *PushServer {
	ps := &PushServer{
		Token:  token,
		recvCh: make(chan types.Frame, 256),
		connCh: make(chan struct{}, 16),
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ps.Token != "" && r.Header.Get("Authorization") != "Bearer "+ps.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}

		ps.mu.Lock()
		ps.conns = append(ps.conns, conn)
		ps.mu.Unlock()
		ps.connCh <- struct{}{}

		go ps.read(conn)
	}))
	t.Cleanup(ps.Close)

	return ps
}

// URL returns the ws:// address of the server.
func (ps *PushServer) URL() string {
	return "ws" + strings.TrimPrefix(ps.Server.URL, "http")
}

func (ps *PushServer) read(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f types.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		ps.mu.Lock()
		ps.received = append(ps.received, f)
		ps.mu.Unlock()
		ps.recvCh <- f
	}
}

// Push sends a frame to every connected client.
func (ps *PushServer) Push(event string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(types.Frame{Event: event, Data: raw})
	if err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, c := range ps.conns {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			return err
		}
	}
	return nil
}

// KillAll closes every server side connection without a close handshake.
func (ps *PushServer) KillAll() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, c := range ps.conns {
		c.Close()
	}
	ps.conns = nil
}

func (ps *PushServer) Received() <-chan types.Frame {
	return ps.recvCh
}

func (ps *PushServer) Connected() <-chan struct{} {
	return ps.connCh
}
