package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alexxvedo/TFG-RealTime/internal/auth"
	"github.com/alexxvedo/TFG-RealTime/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Payloads above this size are compressed on the wire.
	compressionThreshold = 1024

	// Per-session outbound buffer. A session that falls this far behind is
	// disconnected as slow.
	sendBufferSize = 256

	maxMessageSize = 1 << 20
)

// Disconnect reasons reported to handlers and carried on the close frame.
const (
	ReasonClientClose    = "client_close"
	ReasonTransportError = "transport_error"
	ReasonSlowConsumer   = "slow_consumer"
	ReasonServerShutdown = "server_shutdown"
	ReasonReplaced       = "session_replaced"
)

// envelope is the wire frame for multiplexed events.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Session is one authenticated client connection. It is exclusively owned by
// its read loop: events from one session are dispatched in order and never
// concurrently. Sessions of different users run their handlers concurrently.
type Session struct {
	ID          string
	User        *auth.Claims
	IP          string
	UserAgent   string
	ConnectedAt time.Time

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu    sync.Mutex
	rooms map[string]struct{}

	closeOnce sync.Once
	closed    chan struct{}
	reason    string

	logger zerolog.Logger
}

// Emit queues an event for delivery to this session. Returns false when the
// session buffer is full; the session is then torn down as a slow consumer.
func (s *Session) Emit(event string, data any) bool {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to encode event payload")
		return false
	}
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return false
	}

	select {
	case s.send <- frame:
		return true
	case <-s.closed:
		return false
	default:
		s.logger.Warn().
			Str("session_id", s.ID).
			Str("event", event).
			Msg("Session send buffer full, disconnecting slow consumer")
		s.Disconnect(ReasonSlowConsumer)
		return false
	}
}

// EmitError sends a structured error event to this session only.
func (s *Session) EmitError(message string, details any) {
	s.Emit("error", map[string]any{
		"message": message,
		"details": details,
	})
}

// Rooms returns a snapshot of the rooms this session has joined.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	return out
}

// InRoom reports whether the session is currently in room.
func (s *Session) InRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *Session) trackRoom(room string) {
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) untrackRoom(room string) {
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

// Disconnect closes the session with a machine-readable reason. Safe to call
// multiple times; only the first reason wins.
func (s *Session) Disconnect(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.closed)

		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()
	})
}

// readPump reads frames and dispatches events in order. It owns the session:
// when it returns, the session is unregistered and handlers get the
// disconnect callback.
func (s *Session) readPump() {
	defer logging.RecoverPanic(s.logger, "transport.readPump", map[string]any{"session_id": s.ID})
	defer func() {
		s.Disconnect(ReasonTransportError)
		s.hub.unregister(s)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Disconnect(ReasonClientClose)
			}
			return
		}

		var frame envelope
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn().
				Str("session_id", s.ID).
				Err(err).
				Msg("Session sent invalid JSON frame")
			s.EmitError("invalid message frame", nil)
			continue
		}

		s.hub.dispatch(s, frame)
	}
}

// writePump drains the send buffer onto the wire and keeps the connection
// alive with pings. Compression is enabled per message above the threshold.
func (s *Session) writePump() {
	defer logging.RecoverPanic(s.logger, "transport.writePump", map[string]any{"session_id": s.ID})

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Disconnect(ReasonTransportError)
	}()

	for {
		select {
		case <-s.closed:
			return

		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.EnableWriteCompression(len(frame) > compressionThreshold)
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug().
					Str("session_id", s.ID).
					Err(err).
					Msg("Failed to write frame")
				return
			}
			s.hub.recordSent(len(frame))

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
