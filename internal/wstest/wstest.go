// Package wstest provides an in-process gateway harness for handler tests:
// a real Hub behind httptest with actual WebSocket clients dialing in.
package wstest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alexxvedo/TFG-RealTime/internal/auth"
	"github.com/alexxvedo/TFG-RealTime/internal/transport"
)

// Server wraps a Hub listening on an httptest server. Admission is
// permissive: identity comes from the user query parameter as id|email|name.
type Server struct {
	Hub  *transport.Hub
	HTTP *httptest.Server
}

func NewServer(t *testing.T) *Server {
	t.Helper()

	hub := transport.NewHub(transport.Options{
		Admit: func(r *http.Request) (*auth.Claims, error) {
			parts := strings.SplitN(r.URL.Query().Get("user"), "|", 3)
			claims := &auth.Claims{ID: "anon", Email: "anon@test", Name: "Anon"}
			if len(parts) == 3 {
				claims.ID, claims.Email, claims.Name = parts[0], parts[1], parts[2]
			}
			return claims, nil
		},
		Logger: zerolog.Nop(),
	})

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	return &Server{Hub: hub, HTTP: srv}
}

// Event is one received wire frame.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client is a connected WebSocket peer. Received events queue up until a
// test consumes them with Expect.
type Client struct {
	t    *testing.T
	conn *websocket.Conn

	mu     sync.Mutex
	events chan Event
	buf    []Event

	closeOnce sync.Once
}

// Dial connects a client identified by id, email and name.
func (s *Server) Dial(t *testing.T, id, email, name string) *Client {
	t.Helper()

	url := "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "?user=" + id + "%7C" + email + "%7C" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	c := &Client{t: t, conn: conn, events: make(chan Event, 256)}
	go c.readLoop()
	t.Cleanup(c.Close)
	return c
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			close(c.events)
			return
		}
		var ev Event
		if json.Unmarshal(data, &ev) == nil {
			c.events <- ev
		}
	}
}

// Send emits an event frame to the server.
func (c *Client) Send(event string, data any) {
	c.t.Helper()

	payload, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("marshal %s: %v", event, err)
	}
	frame, _ := json.Marshal(Event{Event: event, Data: payload})
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("send %s: %v", event, err)
	}
}

// Expect returns the payload of the next occurrence of the named event,
// failing the test after three seconds. Other events received in the
// meantime stay buffered for later Expect calls.
func (c *Client) Expect(event string) json.RawMessage {
	c.t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, ev := range c.buf {
		if ev.Event == event {
			c.buf = append(c.buf[:i], c.buf[i+1:]...)
			return ev.Data
		}
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %q", event)
				return nil
			}
			if ev.Event == event {
				return ev.Data
			}
			c.buf = append(c.buf, ev)
		case <-deadline:
			c.t.Fatalf("timed out waiting for %q (buffered: %v)", event, c.bufferedNames())
			return nil
		}
	}
}

// ExpectJSON decodes the next occurrence of event into dst.
func (c *Client) ExpectJSON(event string, dst any) {
	c.t.Helper()

	data := c.Expect(event)
	if err := json.Unmarshal(data, dst); err != nil {
		c.t.Fatalf("decode %s: %v", event, err)
	}
}

// ExpectNone fails the test if the named event arrives within the window.
func (c *Client) ExpectNone(event string, within time.Duration) {
	c.t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ev := range c.buf {
		if ev.Event == event {
			c.t.Fatalf("unexpected event %q", event)
		}
	}

	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if ev.Event == event {
				c.t.Fatalf("unexpected event %q", event)
			}
			c.buf = append(c.buf, ev)
		case <-deadline:
			return
		}
	}
}

// Drain discards everything received so far.
func (c *Client) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = c.buf[:0]
	for {
		select {
		case _, ok := <-c.events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) bufferedNames() []string {
	names := make([]string, 0, len(c.buf))
	for _, ev := range c.buf {
		names = append(names, ev.Event)
	}
	return names
}

// Close tears the connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
