// Package notes implements collaborative note editing: per-note rosters,
// live cursor positions and content synchronization.
package notes

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexxvedo/TFG-RealTime/internal/store"
	"github.com/alexxvedo/TFG-RealTime/internal/transport"
	"github.com/alexxvedo/TFG-RealTime/internal/types"
)

const (
	// Note bodies expire from the shared store after a week of inactivity;
	// the database of record holds the durable copy.
	contentTTL = 7 * 24 * time.Hour

	opTimeout = 5 * time.Second
)

// member is one editor in a note roster. Rosters are ordered by join time
// and keyed by user id: the same user opening the note again replaces their
// previous entry in place.
type member struct {
	SessionID string     `json:"sessionId"`
	User      types.User `json:"user"`
}

// Engine handles note editing events. Rosters live in the shared store so
// peer instances broadcast the full editor list; the local map mirrors them
// for membership checks and store outages.
type Engine struct {
	hub    *transport.Hub
	store  *store.Client
	logger zerolog.Logger

	// Serializes roster read-modify-write cycles against the store.
	rmw sync.Mutex

	mu      sync.Mutex
	rosters map[string][]member // workspace + "|" + note → ordered editors
	content map[string]string   // workspace + "|" + note → latest body mirror
}

func New(hub *transport.Hub, st *store.Client, logger zerolog.Logger) *Engine {
	return &Engine{
		hub:     hub,
		store:   st,
		logger:  logger.With().Str("component", "notes").Logger(),
		rosters: make(map[string][]member),
		content: make(map[string]string),
	}
}

// Register wires the note events onto the hub.
func (e *Engine) Register() {
	e.hub.On("join_note", e.handleJoin)
	e.hub.On("leave_note", e.handleLeave)
	e.hub.On("cursor_update", e.handleCursor)
	e.hub.On("note_content_update", e.handleContentUpdate)
	e.hub.OnDisconnect(e.handleDisconnect)
}

func noteRoom(workspace, note string) string { return "note:" + workspace + ":" + note }

func noteScope(workspace, note string) string { return workspace + "|" + note }

func contentKey(workspace, note string) string {
	return "note:" + workspace + ":" + note + ":content"
}

func rosterKey(workspace, note string) string {
	return "note:" + workspace + ":" + note + ":users"
}

type joinNoteReq struct {
	WorkspaceID string     `json:"workspaceId"`
	NoteID      string     `json:"noteId"`
	User        types.User `json:"user"`
}

func (e *Engine) handleJoin(s *transport.Session, data json.RawMessage) {
	var req joinNoteReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" || req.NoteID == "" || !req.User.Valid() {
		s.EmitError("invalid join_note payload", nil)
		return
	}

	scope := noteScope(req.WorkspaceID, req.NoteID)

	e.rmw.Lock()
	roster, fromStore := e.loadRoster(req.WorkspaceID, req.NoteID)
	replaced := false
	for i, m := range roster {
		if m.User.ID == req.User.ID {
			roster[i] = member{SessionID: s.ID, User: req.User}
			replaced = true
			break
		}
	}
	if !replaced {
		roster = append(roster, member{SessionID: s.ID, User: req.User})
	}
	if fromStore {
		e.saveRoster(req.WorkspaceID, req.NoteID, roster)
	}
	e.rmw.Unlock()

	e.mu.Lock()
	e.rosters[scope] = roster
	body, haveLocal := e.content[scope]
	e.mu.Unlock()

	e.hub.Join(s, noteRoom(req.WorkspaceID, req.NoteID))

	if !haveLocal {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		raw, found, err := e.store.Get(ctx, contentKey(req.WorkspaceID, req.NoteID))
		cancel()
		if err == nil && found {
			body = raw
			e.mu.Lock()
			e.content[scope] = body
			e.mu.Unlock()
		}
	}

	s.Emit("note_content_loaded", map[string]any{
		"noteId":  req.NoteID,
		"content": body,
	})
	e.broadcastRoster(req.WorkspaceID, req.NoteID)

	e.logger.Debug().
		Str("workspace", req.WorkspaceID).
		Str("note", req.NoteID).
		Str("user", req.User.ID).
		Msg("User joined note")
}

type leaveNoteReq struct {
	WorkspaceID string `json:"workspaceId"`
	NoteID      string `json:"noteId"`
}

func (e *Engine) handleLeave(s *transport.Session, data json.RawMessage) {
	var req leaveNoteReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" || req.NoteID == "" {
		s.EmitError("invalid leave_note payload", nil)
		return
	}

	e.removeSession(req.WorkspaceID, req.NoteID, s.ID)
	e.hub.Leave(s, noteRoom(req.WorkspaceID, req.NoteID))
}

type cursorReq struct {
	WorkspaceID string          `json:"workspaceId"`
	NoteID      string          `json:"noteId"`
	Cursor      json.RawMessage `json:"cursor"`
}

// handleCursor relays a cursor position to every editor, the sender
// included: the echo lets clients confirm their own position survived the
// round trip. Updates from sessions not in the roster are dropped. The
// broadcast identifies the cursor by session id so two tabs of the same
// user render as two carets.
func (e *Engine) handleCursor(s *transport.Session, data json.RawMessage) {
	var req cursorReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" || req.NoteID == "" {
		s.EmitError("invalid cursor_update payload", nil)
		return
	}

	user, ok := e.memberUser(req.WorkspaceID, req.NoteID, s.ID)
	if !ok {
		return
	}

	e.hub.BroadcastRoom(noteRoom(req.WorkspaceID, req.NoteID), "cursor_updated", map[string]any{
		"noteId":   req.NoteID,
		"userId":   s.ID,
		"userData": user,
		"cursor":   req.Cursor,
	}, nil)
}

type contentUpdateReq struct {
	WorkspaceID string `json:"workspaceId"`
	NoteID      string `json:"noteId"`
	Content     string `json:"content"`
}

// handleContentUpdate accepts a new note body from a roster member, mirrors
// it locally and in the shared store, and fans it out to the other editors.
func (e *Engine) handleContentUpdate(s *transport.Session, data json.RawMessage) {
	var req contentUpdateReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" || req.NoteID == "" {
		s.EmitError("invalid note_content_update payload", nil)
		return
	}

	if !e.isMember(req.WorkspaceID, req.NoteID, s.ID) {
		return
	}

	scope := noteScope(req.WorkspaceID, req.NoteID)
	e.mu.Lock()
	e.content[scope] = req.Content
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := e.store.Set(ctx, contentKey(req.WorkspaceID, req.NoteID), req.Content, contentTTL); err != nil {
		e.logger.Warn().
			Err(err).
			Str("note", req.NoteID).
			Msg("Failed to persist note content")
	}

	e.hub.BroadcastRoom(noteRoom(req.WorkspaceID, req.NoteID), "note_content_updated", map[string]any{
		"noteId":    req.NoteID,
		"content":   req.Content,
		"updatedBy": s.ID,
	}, s)
}

// handleDisconnect removes the session from every note it was editing.
func (e *Engine) handleDisconnect(s *transport.Session, reason string) {
	e.mu.Lock()
	var scopes []string
	for scope, roster := range e.rosters {
		for _, m := range roster {
			if m.SessionID == s.ID {
				scopes = append(scopes, scope)
				break
			}
		}
	}
	e.mu.Unlock()

	for _, scope := range scopes {
		workspace, note, ok := strings.Cut(scope, "|")
		if !ok {
			continue
		}
		e.removeSession(workspace, note, s.ID)
	}
}

// removeSession drops a session from a note roster, withdraws its cursor and
// broadcasts the new roster. The content mirror is released with the last
// editor.
func (e *Engine) removeSession(workspace, note, sessionID string) {
	scope := noteScope(workspace, note)

	e.rmw.Lock()
	roster, fromStore := e.loadRoster(workspace, note)
	idx := -1
	for i, m := range roster {
		if m.SessionID == sessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.rmw.Unlock()
		return
	}
	user := roster[idx].User
	roster = append(roster[:idx], roster[idx+1:]...)
	if fromStore {
		e.saveRoster(workspace, note, roster)
	}
	e.rmw.Unlock()

	e.mu.Lock()
	if len(roster) == 0 {
		delete(e.rosters, scope)
		delete(e.content, scope)
	} else {
		e.rosters[scope] = roster
	}
	e.mu.Unlock()

	room := noteRoom(workspace, note)
	e.hub.BroadcastRoom(room, "cursor_updated", map[string]any{
		"noteId":   note,
		"userId":   sessionID,
		"userData": user,
		"cursor":   nil,
	}, nil)
	e.broadcastRoster(workspace, note)

	e.logger.Debug().
		Str("workspace", workspace).
		Str("note", note).
		Str("user", user.ID).
		Msg("User left note")
}

// loadRoster fetches the shared editor list, bypassing the read cache so
// instances see each other's joins. During store outages the local mirror
// serves instead and fromStore is false, suppressing the writeback.
func (e *Engine) loadRoster(workspace, note string) (roster []member, fromStore bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	raw, found, err := e.store.GetBypass(ctx, rosterKey(workspace, note))
	if err != nil {
		e.mu.Lock()
		roster = append([]member(nil), e.rosters[noteScope(workspace, note)]...)
		e.mu.Unlock()
		return roster, false
	}
	if found {
		if err := json.Unmarshal([]byte(raw), &roster); err != nil {
			e.logger.Error().
				Err(err).
				Str("workspace", workspace).
				Str("note", note).
				Msg("Corrupt note roster, resetting")
			roster = nil
		}
	}
	return roster, true
}

func (e *Engine) saveRoster(workspace, note string, roster []member) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	if len(roster) == 0 {
		err = e.store.Delete(ctx, rosterKey(workspace, note))
	} else {
		err = e.store.Set(ctx, rosterKey(workspace, note), roster, 0)
	}
	if err != nil {
		e.logger.Warn().
			Err(err).
			Str("workspace", workspace).
			Str("note", note).
			Msg("Failed to persist note roster")
	}
}

func (e *Engine) isMember(workspace, note, sessionID string) bool {
	_, ok := e.memberUser(workspace, note, sessionID)
	return ok
}

func (e *Engine) memberUser(workspace, note, sessionID string) (types.User, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.rosters[noteScope(workspace, note)] {
		if m.SessionID == sessionID {
			return m.User, true
		}
	}
	return types.User{}, false
}

func (e *Engine) broadcastRoster(workspace, note string) {
	e.mu.Lock()
	roster := e.rosters[noteScope(workspace, note)]
	users := make([]types.User, 0, len(roster))
	for _, m := range roster {
		users = append(users, m.User)
	}
	e.mu.Unlock()

	e.hub.BroadcastRoom(noteRoom(workspace, note), "note_users_updated", map[string]any{
		"noteId": note,
		"users":  users,
	}, nil)
}

// Editors returns the ordered list of users currently editing a note.
func (e *Engine) Editors(workspace, note string) []types.User {
	e.mu.Lock()
	defer e.mu.Unlock()

	roster := e.rosters[noteScope(workspace, note)]
	users := make([]types.User, 0, len(roster))
	for _, m := range roster {
		users = append(users, m.User)
	}
	return users
}
