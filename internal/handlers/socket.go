package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = socketPongWait * 9 / 10
	socketReadLimit  = 64 << 10
)

// newUpgrader accepts any origin when allowedOrigins is empty.
func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := map[string]struct{}{}
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[strings.ToLower(o)] = struct{}{}
		}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[strings.ToLower(r.Header.Get("Origin"))]
			return ok
		},
	}
}

// socket wraps a websocket connection with serialized writes and keepalive.
type socket struct {
	id   string
	conn *websocket.Conn

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(conn *websocket.Conn) *socket {
	return &socket{id: uuid.NewString(), conn: conn, done: make(chan struct{})}
}

func (s *socket) ID() string { return s.id }

func (s *socket) writeJSON(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(socketWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(v)
}

func (s *socket) keepAlive() {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait))
			s.mu.Unlock()
			if err != nil {
				s.close()
				return
			}
		}
	}
}

// readLoop hands every text frame to fn until the peer goes away.
func (s *socket) readLoop(fn func(data []byte)) {
	s.conn.SetReadLimit(socketReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(socketPongWait))
		if kind == websocket.TextMessage && fn != nil {
			fn(data)
		}
	}
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
