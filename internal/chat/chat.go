// Package chat implements workspace chat: message fan-out with a bounded
// history and ephemeral typing indicators.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexxvedo/TFG-RealTime/internal/logging"
	"github.com/alexxvedo/TFG-RealTime/internal/store"
	"github.com/alexxvedo/TFG-RealTime/internal/transport"
)

const (
	// Messages kept per workspace, newest last.
	historyLimit = 100

	// A typing indicator not refreshed within this window is cleared with a
	// synthetic stop event.
	typingTimeout = 5 * time.Second

	// TTL on the shared typing keys so crashed instances leave nothing behind.
	typingStoreTTL = 10 * time.Second

	typingSweepInterval = 5 * time.Second

	// Avatar URLs above this size are dropped from broadcasts to keep chat
	// frames small; clients fall back to the roster image.
	maxInlineImage = 200

	opTimeout = 5 * time.Second
)

// Message is one chat message. Key names are compact on purpose: chat is the
// chattiest event stream and the history rides inside presence snapshots.
type Message struct {
	ID          string `json:"i"`
	WorkspaceID string `json:"w"`
	SenderEmail string `json:"e"`
	SenderName  string `json:"n"`
	SenderImage string `json:"img,omitempty"`
	Content     string `json:"c"`
	Timestamp   int64  `json:"t"`
}

type typingState struct {
	name    string
	ts      int64 // unix millis of the last typing event
	expires time.Time
}

// typingMarker is the shared-store form of one typing entry. The whole
// workspace map lives under a single key so peer instances and external
// consumers read one structure.
type typingMarker struct {
	Name string `json:"name"`
	Ts   int64  `json:"ts"`
}

// Engine handles chat events for all workspaces.
type Engine struct {
	hub    *transport.Hub
	store  *store.Client
	logger zerolog.Logger

	idCounter atomic.Int64

	mu      sync.Mutex
	history map[string][]Message              // workspace → bounded history mirror
	typing  map[string]map[string]typingState // workspace → email → state
}

func New(hub *transport.Hub, st *store.Client, logger zerolog.Logger) *Engine {
	return &Engine{
		hub:     hub,
		store:   st,
		logger:  logger.With().Str("component", "chat").Logger(),
		history: make(map[string][]Message),
		typing:  make(map[string]map[string]typingState),
	}
}

// Register wires the chat events onto the hub.
func (e *Engine) Register() {
	e.hub.On("new_message", e.handleNewMessage)
	e.hub.On("user_typing", e.handleTyping)
	e.hub.On("user_stop_typing", e.handleStopTyping)
	e.hub.On("get_chat_history", e.handleGetHistory)
}

// Start runs the typing sweeper until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		defer logging.RecoverPanic(e.logger, "chat.typingSweep", nil)

		ticker := time.NewTicker(typingSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweepTyping()
			}
		}
	}()
}

func historyKey(workspace string) string { return "chat:" + workspace + ":messages" }

func typingKey(workspace string) string { return "chat:" + workspace + ":typing" }

type newMessageReq struct {
	WorkspaceID string `json:"workspaceId"`
	SenderEmail string `json:"senderEmail"`
	SenderName  string `json:"senderName"`
	SenderImage string `json:"senderImage"`
	Content     string `json:"content"`
}

func (e *Engine) handleNewMessage(s *transport.Session, data json.RawMessage) {
	var req newMessageReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" || req.SenderEmail == "" || req.Content == "" {
		s.EmitError("invalid new_message payload", nil)
		return
	}

	msg := Message{
		ID:          e.nextID(),
		WorkspaceID: req.WorkspaceID,
		SenderEmail: req.SenderEmail,
		SenderName:  req.SenderName,
		Content:     req.Content,
		Timestamp:   time.Now().UnixMilli(),
	}
	if len(req.SenderImage) < maxInlineImage {
		msg.SenderImage = req.SenderImage
	}

	e.appendHistory(msg)
	e.hub.BroadcastRoom(req.WorkspaceID, "new_message", msg, nil)

	// Sending a message implies the sender stopped typing.
	e.clearTyping(s, req.WorkspaceID, req.SenderEmail, false)

	e.logger.Debug().
		Str("workspace", req.WorkspaceID).
		Str("email", req.SenderEmail).
		Str("message_id", msg.ID).
		Msg("Chat message delivered")
}

// nextID builds a monotonic message id: millisecond timestamp plus a
// process-wide counter to break ties inside one millisecond.
func (e *Engine) nextID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), e.idCounter.Add(1))
}

// appendHistory pushes a message onto the local mirror and the shared
// history, trimming both to the last historyLimit entries.
func (e *Engine) appendHistory(msg Message) {
	e.mu.Lock()
	list := append(e.history[msg.WorkspaceID], msg)
	if len(list) > historyLimit {
		list = list[len(list)-historyLimit:]
	}
	e.history[msg.WorkspaceID] = list
	snapshot := make([]Message, len(list))
	copy(snapshot, list)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := e.store.Set(ctx, historyKey(msg.WorkspaceID), snapshot, 0); err != nil {
		e.logger.Warn().
			Err(err).
			Str("workspace", msg.WorkspaceID).
			Msg("Failed to persist chat history")
	}
}

type historyReq struct {
	WorkspaceID string `json:"workspaceId"`
}

// handleGetHistory replays the bounded history to the caller. The shared
// store is authoritative; the local mirror serves during store outages.
func (e *Engine) handleGetHistory(s *transport.Session, data json.RawMessage) {
	var req historyReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" {
		s.EmitError("invalid get_chat_history payload", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var messages []Message
	found, err := e.store.GetJSON(ctx, historyKey(req.WorkspaceID), &messages)
	if err != nil || !found {
		e.mu.Lock()
		messages = append([]Message(nil), e.history[req.WorkspaceID]...)
		e.mu.Unlock()
	}
	if messages == nil {
		messages = []Message{}
	}

	s.Emit("chat_history", map[string]any{
		"workspaceId": req.WorkspaceID,
		"messages":    messages,
	})
}

type typingReq struct {
	WorkspaceID string `json:"workspaceId"`
	Email       string `json:"email"`
	Name        string `json:"name"`
}

func (e *Engine) handleTyping(s *transport.Session, data json.RawMessage) {
	var req typingReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" || req.Email == "" {
		s.EmitError("invalid user_typing payload", nil)
		return
	}

	now := time.Now()
	e.mu.Lock()
	byEmail, ok := e.typing[req.WorkspaceID]
	if !ok {
		byEmail = make(map[string]typingState)
		e.typing[req.WorkspaceID] = byEmail
	}
	byEmail[req.Email] = typingState{name: req.Name, ts: now.UnixMilli(), expires: now.Add(typingTimeout)}
	snapshot := typingSnapshot(byEmail)
	e.mu.Unlock()

	e.persistTyping(req.WorkspaceID, snapshot)

	e.hub.BroadcastRoom(req.WorkspaceID, "user_typing", map[string]string{
		"email": req.Email,
		"name":  req.Name,
	}, nil)
}

func (e *Engine) handleStopTyping(s *transport.Session, data json.RawMessage) {
	var req typingReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" || req.Email == "" {
		s.EmitError("invalid user_stop_typing payload", nil)
		return
	}

	e.clearTyping(s, req.WorkspaceID, req.Email, false)
}

// clearTyping removes a typing marker and broadcasts the stop event if the
// user was marked as typing. When synthetic is set the event goes to the
// whole room (sweeper path, no sender to exclude).
func (e *Engine) clearTyping(s *transport.Session, workspace, email string, synthetic bool) {
	e.mu.Lock()
	byEmail := e.typing[workspace]
	state, was := byEmail[email]
	var snapshot map[string]typingMarker
	if was {
		delete(byEmail, email)
		if len(byEmail) == 0 {
			delete(e.typing, workspace)
		}
		snapshot = typingSnapshot(byEmail)
	}
	e.mu.Unlock()

	if !was {
		return
	}
	e.persistTyping(workspace, snapshot)

	var except *transport.Session
	if !synthetic {
		except = s
	}
	e.hub.BroadcastRoom(workspace, "user_stop_typing", map[string]string{
		"email": email,
		"name":  state.name,
	}, except)
}

// typingSnapshot builds the store form of a workspace's typing map. Caller
// holds e.mu.
func typingSnapshot(byEmail map[string]typingState) map[string]typingMarker {
	out := make(map[string]typingMarker, len(byEmail))
	for email, state := range byEmail {
		out[email] = typingMarker{Name: state.name, Ts: state.ts}
	}
	return out
}

// persistTyping writes the workspace typing map under its shared key with a
// short TTL; an empty map removes the key. Crashed instances leave at most
// TTL-stale markers behind.
func (e *Engine) persistTyping(workspace string, snapshot map[string]typingMarker) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	if len(snapshot) == 0 {
		err = e.store.Delete(ctx, typingKey(workspace))
	} else {
		err = e.store.Set(ctx, typingKey(workspace), snapshot, typingStoreTTL)
	}
	if err != nil {
		e.logger.Debug().Err(err).Str("workspace", workspace).Msg("Failed to persist typing state")
	}
}

// sweepTyping clears markers whose owners went quiet without sending
// user_stop_typing (closed tab, dropped connection).
func (e *Engine) sweepTyping() {
	now := time.Now()

	type expired struct {
		workspace string
		email     string
	}
	var stale []expired

	e.mu.Lock()
	for workspace, byEmail := range e.typing {
		for email, state := range byEmail {
			if now.After(state.expires) {
				stale = append(stale, expired{workspace: workspace, email: email})
			}
		}
	}
	e.mu.Unlock()

	for _, s := range stale {
		e.clearTyping(nil, s.workspace, s.email, true)
	}
	if len(stale) > 0 {
		e.logger.Debug().Int("cleared", len(stale)).Msg("Swept stale typing markers")
	}
}

// TypingUsers returns who is currently typing in a workspace.
func (e *Engine) TypingUsers(workspace string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.typing[workspace]))
	for email := range e.typing[workspace] {
		out = append(out, email)
	}
	return out
}
