package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alexxvedo/TFG-RealTime/internal/auth"
)

// Handler processes one inbound event for a session. Handlers for a single
// session are invoked sequentially from its read loop.
type Handler func(s *Session, data json.RawMessage)

// Observer receives transport lifecycle signals. Implemented by the metrics
// registry; a nil observer is valid.
type Observer interface {
	ConnectionOpened(userAgent, country string)
	ConnectionClosed(reason string, duration time.Duration)
	MessageProcessed(event string, latency time.Duration)
	ErrorOccurred(kind, details string)
}

// Options configures a Hub.
type Options struct {
	// Admit authenticates a handshake. Returning an error rejects the
	// upgrade with 401/429 depending on the error kind.
	Admit func(r *http.Request) (*auth.Claims, error)

	// AllowedOrigin is the CORS origin permitted to open sessions.
	AllowedOrigin string

	MaxConnections int
	Observer       Observer
	Logger         zerolog.Logger
}

// Hub owns all live sessions and the room index, and multiplexes inbound
// events onto registered handlers.
//
// Rooms are opaque strings. Join, Leave and BroadcastRoom are O(members);
// room membership is a nested map guarded by one RWMutex, which stays cheap
// because broadcasts only hold the read lock while snapshotting members.
type Hub struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[*Session]struct{}

	handlers     map[string]Handler
	onConnect    []func(*Session)
	onDisconnect []func(*Session, string)
	relay        func(room, event string, data []byte)

	bytesSent    atomic.Int64
	messagesSent atomic.Int64

	upgrader websocket.Upgrader
	logger   zerolog.Logger

	shuttingDown atomic.Bool
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		opts:     opts,
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[*Session]struct{}),
		handlers: make(map[string]Handler),
		logger:   opts.Logger.With().Str("component", "transport").Logger(),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin header.
			return origin == "" || origin == opts.AllowedOrigin
		},
	}

	return h
}

// On registers a handler for a named event. Must be called before ServeWS
// accepts sessions (composition time); the handler map is read-only afterward.
func (h *Hub) On(event string, handler Handler) {
	h.handlers[event] = handler
}

// OnConnect registers a callback invoked for every admitted session.
func (h *Hub) OnConnect(fn func(*Session)) {
	h.onConnect = append(h.onConnect, fn)
}

// OnDisconnect registers a callback invoked once per session teardown with
// the disconnect reason.
func (h *Hub) OnDisconnect(fn func(*Session, string)) {
	h.onDisconnect = append(h.onDisconnect, fn)
}

// ServeWS upgrades an HTTP request into a session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	h.mu.RLock()
	count := len(h.sessions)
	h.mu.RUnlock()
	if h.opts.MaxConnections > 0 && count >= h.opts.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	claims, err := h.opts.Admit(r)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		if h.opts.Observer != nil {
			h.opts.Observer.ErrorOccurred("auth_rejected", err.Error())
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	s := &Session{
		ID:          uuid.NewString(),
		User:        claims,
		IP:          auth.ClientIP(r),
		UserAgent:   r.UserAgent(),
		ConnectedAt: time.Now(),
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		rooms:       make(map[string]struct{}),
		closed:      make(chan struct{}),
		logger:      h.logger,
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	total := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info().
		Str("session_id", s.ID).
		Str("email", claims.Email).
		Str("ip", s.IP).
		Int("total_sessions", total).
		Msg("Session connected")

	if h.opts.Observer != nil {
		// Country comes from the edge proxy when present.
		country := r.Header.Get("CF-IPCountry")
		h.opts.Observer.ConnectionOpened(s.UserAgent, country)
	}
	for _, fn := range h.onConnect {
		fn(s)
	}

	go s.writePump()
	go s.readPump()
}

// dispatch routes one inbound event to its handler, measuring latency.
func (h *Hub) dispatch(s *Session, frame envelope) {
	handler, ok := h.handlers[frame.Event]
	if !ok {
		h.logger.Warn().
			Str("session_id", s.ID).
			Str("event", frame.Event).
			Msg("Unknown event")
		s.EmitError("unknown event", frame.Event)
		return
	}

	start := time.Now()
	handler(s, frame.Data)
	if h.opts.Observer != nil {
		h.opts.Observer.MessageProcessed(frame.Event, time.Since(start))
	}
}

// unregister removes a session from every room and fires disconnect
// callbacks exactly once (called from the read pump on teardown).
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	for room := range s.rooms {
		h.removeFromRoomLocked(room, s)
	}
	total := len(h.sessions)
	h.mu.Unlock()

	reason := s.reason
	if reason == "" {
		reason = ReasonTransportError
	}

	h.logger.Info().
		Str("session_id", s.ID).
		Str("reason", reason).
		Int("total_sessions", total).
		Msg("Session disconnected")

	if h.opts.Observer != nil {
		h.opts.Observer.ConnectionClosed(reason, time.Since(s.ConnectedAt))
	}
	for _, fn := range h.onDisconnect {
		fn(s, reason)
	}
}

// Join adds a session to a room, materializing the room on first join.
func (h *Hub) Join(s *Session, room string) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	h.mu.Unlock()

	s.trackRoom(room)
}

// Leave removes a session from a room; empty rooms are reclaimed.
func (h *Hub) Leave(s *Session, room string) {
	h.mu.Lock()
	h.removeFromRoomLocked(room, s)
	h.mu.Unlock()

	s.untrackRoom(room)
}

func (h *Hub) removeFromRoomLocked(room string, s *Session) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// SetRelay registers the cross-instance publisher. Every BroadcastRoom call
// is mirrored to it so peer instances can deliver to their own members.
// Must be set before the hub accepts sessions.
func (h *Hub) SetRelay(fn func(room, event string, data []byte)) {
	h.relay = fn
}

// BroadcastRoom sends an event to every local session in a room and mirrors
// it to peer instances through the relay. A non-nil except session is
// skipped (the usual "everyone but the sender" fan-out).
func (h *Hub) BroadcastRoom(room, event string, data any, except *Session) {
	h.BroadcastRoomLocal(room, event, data, except)

	if h.relay != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			h.logger.Error().Err(err).Str("event", event).Msg("Failed to encode relay payload")
			return
		}
		h.relay(room, event, payload)
	}
}

// BroadcastRoomLocal delivers only to this instance's sessions. Used by the
// relay when replaying a peer's broadcast, where mirroring again would loop.
func (h *Hub) BroadcastRoomLocal(room, event string, data any, except *Session) {
	for _, member := range h.roomSnapshot(room) {
		if member == except {
			continue
		}
		member.Emit(event, data)
	}
}

// roomSnapshot copies the member set so emits happen outside the lock.
func (h *Hub) roomSnapshot(room string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members, ok := h.rooms[room]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(members))
	for member := range members {
		out = append(out, member)
	}
	return out
}

// RoomSize returns the number of sessions in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Stats exposes transport counters for the metrics registry.
func (h *Hub) Stats() (sessions, rooms int, messagesSent, bytesSent int64) {
	h.mu.RLock()
	sessions = len(h.sessions)
	rooms = len(h.rooms)
	h.mu.RUnlock()
	return sessions, rooms, h.messagesSent.Load(), h.bytesSent.Load()
}

func (h *Hub) recordSent(bytes int) {
	h.messagesSent.Add(1)
	h.bytesSent.Add(int64(bytes))
}

// Shutdown stops accepting sessions and drains the existing ones, forcing
// closure after the grace period.
func (h *Hub) Shutdown(grace time.Duration) {
	h.shuttingDown.Store(true)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if h.SessionCount() == 0 {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}

	h.mu.RLock()
	remaining := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		remaining = append(remaining, s)
	}
	h.mu.RUnlock()

	if len(remaining) > 0 {
		h.logger.Warn().
			Int("remaining_sessions", len(remaining)).
			Msg("Grace period expired, force closing remaining sessions")
	}
	for _, s := range remaining {
		s.Disconnect(ReasonServerShutdown)
	}
}
