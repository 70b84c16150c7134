package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-worksync/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var (
	ErrClosed     = errors.New("transport closed")
	ErrSendBuffer = errors.New("send buffer full")
)

// Conn is a bidirectional frame channel to the push server.
type Conn interface {
	ReadFrame() (types.Frame, error)
	WriteFrame(f types.Frame) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// HandshakeError reports a websocket upgrade the server refused with an HTTP status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the server rejected the credentials.
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

type WSDialer struct {
	URL    string
	Log    *log.Logger
	Dialer *websocket.Dialer
}

func NewWSDialer(url string, l *log.Logger) *WSDialer {
	return &WSDialer{
		URL: url,
		Log: l,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (d *WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := d.Dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	c := newWSConn(ws, d.Log)
	go c.writePump()
	return c, nil
}

type WSConn struct {
	conn      *websocket.Conn
	log       *log.Logger
	send      chan types.Frame
	stop      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, l *log.Logger) *WSConn {
	c := &WSConn{
		conn: ws,
		log:  l,
		send: make(chan types.Frame, sendBufferSize),
		stop: make(chan struct{}),
	}

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })
	return c
}

// ReadFrame blocks until the next text frame arrives. It must be called from
// a single goroutine.
func (c *WSConn) ReadFrame() (types.Frame, error) {
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
				return types.Frame{}, ErrClosed
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return types.Frame{}, err
		}

		if msgType != websocket.TextMessage {
			continue
		}

		var f types.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Println("error parsing frame:", err)
			continue
		}
		return f, nil
	}
}

func (c *WSConn) WriteFrame(f types.Frame) error {
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}

	select {
	case c.send <- f:
		return nil
	default:
		return ErrSendBuffer
	}
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			raw, err := json.Marshal(f)
			if err != nil {
				c.log.Println("failed to serialize frame:", err)
				continue
			}
			if !c.write(websocket.TextMessage, raw) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *WSConn) write(msgType int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(msgType, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		// unblock the reader so the manager notices the broken connection
		c.conn.Close()
		return false
	}
	return true
}
