// Package notify fans store changes and activity entries out to connected
// UI clients over websockets.
package notify

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/fleet-sync/internal/activity"
	"github.com/example/fleet-sync/internal/observability"
	"github.com/example/fleet-sync/internal/store"
)

var ErrNoSession = errors.New("no ws session")

const (
	TypeChange   = "change"
	TypeActivity = "activity"

	sendBuffer = 64
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Message is the frame written to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// session is one connected client. Frames are queued and written by the
// session's own goroutine so a slow client never blocks the publisher.
type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Hub holds the connected sessions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub returns an empty hub. Browsers may connect from the serving host
// or from one of allowedOrigins.
func NewHub(logger *slog.Logger, allowedOrigins ...string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)},
		logger:   logger,
	}
}

// originChecker returns nil for an empty allowlist, which leaves gorilla's
// same-origin check in place.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// Attach subscribes the hub to store changes and activity entries.
func (h *Hub) Attach(s *store.Store, feed *activity.Feed) func() {
	cancelStore := s.Subscribe(func(ch store.Change) { h.Broadcast(Message{Type: TypeChange, Data: ch}) })
	cancelFeed := feed.Subscribe(func(e activity.Entry) { h.Broadcast(Message{Type: TypeActivity, Data: e}) })
	return func() {
		cancelStore()
		cancelFeed()
	}
}

// ServeHTTP upgrades the request and registers the session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	id := h.Add(conn)
	h.logger.Debug("ws session opened", "session_id", id)
}

// Add registers conn and starts its writer and reader.
func (h *Hub) Add(conn *websocket.Conn) string {
	s := &session{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	observability.NotifySessions.Set(float64(n))

	go h.writeLoop(s)
	go h.readLoop(s)
	return s.id
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; ok {
		delete(h.sessions, s.id)
	}
	n := len(h.sessions)
	h.mu.Unlock()
	observability.NotifySessions.Set(float64(n))
	s.close()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast queues m for every session. Sessions whose buffer is full are
// dropped; the client reconnects and reloads.
func (h *Hub) Broadcast(m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		h.logger.Error("ws encode failed", "type", m.Type, "error", err)
		return
	}
	h.mu.RLock()
	var slow []*session
	for _, s := range h.sessions {
		select {
		case s.send <- b:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range slow {
		h.logger.Warn("ws session too slow, closing", "session_id", s.id)
		h.remove(s)
	}
}

// Send queues m for one session.
func (h *Hub) Send(id string, m Message) error {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case s.send <- b:
		return nil
	case <-s.done:
		return ErrNoSession
	}
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*session, 0, len(h.sessions))
	for id, s := range h.sessions {
		all = append(all, s)
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	observability.NotifySessions.Set(0)
	for _, s := range all {
		s.close()
	}
}

func (h *Hub) writeLoop(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.logger.Debug("ws send error", "session_id", s.id, "error", err)
				h.remove(s)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(s)
				return
			}
		}
	}
}

// readLoop discards client frames; it exists to notice disconnects.
func (h *Hub) readLoop(s *session) {
	defer h.remove(s)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
