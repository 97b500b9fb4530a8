package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrSessionClosed = errors.New("ws session closed")

const writeWait = 10 * time.Second

// WSSession wraps a websocket connection. gorilla connections allow one
// concurrent writer, so every write goes through mu.
type WSSession struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func NewWSSession(id string, conn *websocket.Conn) *WSSession {
	return &WSSession{id: id, conn: conn}
}

func (s *WSSession) ID() string { return s.id }

func (s *WSSession) Send(ev Event) error {
	return s.WriteJSON(ev)
}

// WriteJSON writes any frame, including acknowledgments that are not room events.
func (s *WSSession) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *WSSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *WSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
