// Package tasks implements the agenda board: who has it open and the relay
// of task lifecycle events to agenda viewers and workspace members.
package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexxvedo/TFG-RealTime/internal/presence"
	"github.com/alexxvedo/TFG-RealTime/internal/store"
	"github.com/alexxvedo/TFG-RealTime/internal/transport"
	"github.com/alexxvedo/TFG-RealTime/internal/types"
)

const opTimeout = 5 * time.Second

// taskEvents are relayed verbatim to the agenda room; each one has a twin
// prefixed with workspace_ fanned out to the whole workspace so task lists
// outside the agenda stay fresh.
var taskEvents = []string{"task_created", "task_updated", "task_deleted", "task_moved"}

// Engine handles agenda presence and task event relay.
type Engine struct {
	hub    *transport.Hub
	store  *store.Client
	logger zerolog.Logger

	mu    sync.Mutex
	local map[string]presence.Record // workspace → agenda roster mirror
}

func New(hub *transport.Hub, st *store.Client, logger zerolog.Logger) *Engine {
	return &Engine{
		hub:    hub,
		store:  st,
		logger: logger.With().Str("component", "tasks").Logger(),
		local:  make(map[string]presence.Record),
	}
}

// Register wires the agenda events onto the hub.
func (e *Engine) Register() {
	e.hub.On("join_agenda", e.handleJoin)
	e.hub.On("leave_agenda", e.handleLeave)
	e.hub.On("get_agenda_users", e.handleGetUsers)
	for _, event := range taskEvents {
		event := event
		e.hub.On(event, func(s *transport.Session, data json.RawMessage) {
			e.relayTask(s, event, data)
		})
	}
	e.hub.OnDisconnect(e.handleDisconnect)
}

func agendaKey(workspace string) string { return "task:" + workspace + ":agenda_users" }

func agendaRoom(workspace string) string { return "agenda:" + workspace }

type joinAgendaReq struct {
	WorkspaceID string     `json:"workspaceId"`
	User        types.User `json:"user"`
}

func (e *Engine) handleJoin(s *transport.Session, data json.RawMessage) {
	var req joinAgendaReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" || !req.User.Valid() {
		s.EmitError("invalid join_agenda payload", nil)
		return
	}

	rec, fromStore := e.loadRoster(req.WorkspaceID)
	for _, sid := range rec.SessionsFor(req.User.Email) {
		if sid != s.ID {
			delete(rec, sid)
		}
	}
	rec[s.ID] = presence.NewEntry(req.User)
	if fromStore {
		e.saveRoster(req.WorkspaceID, rec)
	}
	e.updateLocal(req.WorkspaceID, rec)

	e.hub.Join(s, agendaRoom(req.WorkspaceID))

	e.hub.BroadcastRoom(req.WorkspaceID, "agenda_user_joined", req.User, s)
	e.broadcastRoster(req.WorkspaceID, rec)

	e.logger.Debug().
		Str("workspace", req.WorkspaceID).
		Str("email", req.User.Email).
		Msg("User joined agenda")
}

type leaveAgendaReq struct {
	WorkspaceID string `json:"workspaceId"`
}

func (e *Engine) handleLeave(s *transport.Session, data json.RawMessage) {
	var req leaveAgendaReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" {
		s.EmitError("invalid leave_agenda payload", nil)
		return
	}

	e.hub.Leave(s, agendaRoom(req.WorkspaceID))
	e.removeSession(req.WorkspaceID, s.ID)
}

type getAgendaUsersReq struct {
	WorkspaceID string `json:"workspaceId"`
}

func (e *Engine) handleGetUsers(s *transport.Session, data json.RawMessage) {
	var req getAgendaUsersReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" {
		s.EmitError("invalid get_agenda_users payload", nil)
		return
	}

	rec, _ := e.loadRoster(req.WorkspaceID)
	s.Emit("agenda_users_updated", map[string]any{
		"workspaceId": req.WorkspaceID,
		"users":       rec.Dedupe(),
	})
}

// relayTask forwards a task lifecycle event, stamped with the server time,
// to the agenda room and as a workspace_ twin to the whole workspace. The
// sender is excluded from both: it already applied the change optimistically.
func (e *Engine) relayTask(s *transport.Session, event string, data json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil || payload["workspaceId"] == nil {
		s.EmitError("invalid "+event+" payload", nil)
		return
	}
	workspace, ok := payload["workspaceId"].(string)
	if !ok || workspace == "" {
		s.EmitError("invalid "+event+" payload", nil)
		return
	}

	payload["timestamp"] = time.Now().UnixMilli()

	e.hub.BroadcastRoom(agendaRoom(workspace), event, payload, s)
	e.hub.BroadcastRoom(workspace, "workspace_"+event, payload, s)
}

// handleDisconnect removes the session from the agenda immediately; agenda
// presence has no reconnect grace.
func (e *Engine) handleDisconnect(s *transport.Session, reason string) {
	e.mu.Lock()
	var workspaces []string
	for workspace, rec := range e.local {
		if _, ok := rec[s.ID]; ok {
			workspaces = append(workspaces, workspace)
		}
	}
	e.mu.Unlock()

	for _, workspace := range workspaces {
		e.removeSession(workspace, s.ID)
	}
}

func (e *Engine) removeSession(workspace, sessionID string) {
	rec, fromStore := e.loadRoster(workspace)
	entry, ok := rec[sessionID]
	if !ok {
		return
	}
	delete(rec, sessionID)

	if fromStore {
		e.saveRoster(workspace, rec)
	}
	e.updateLocal(workspace, rec)

	if len(rec.SessionsFor(entry.User.Email)) == 0 {
		e.hub.BroadcastRoom(workspace, "agenda_user_left", entry.User, nil)
	}
	e.broadcastRoster(workspace, rec)

	e.logger.Debug().
		Str("workspace", workspace).
		Str("email", entry.User.Email).
		Msg("User left agenda")
}

func (e *Engine) broadcastRoster(workspace string, rec presence.Record) {
	e.hub.BroadcastRoom(workspace, "agenda_users_updated", map[string]any{
		"workspaceId": workspace,
		"users":       rec.Dedupe(),
	}, nil)
}

func (e *Engine) loadRoster(workspace string) (rec presence.Record, fromStore bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	raw, found, err := e.store.GetBypass(ctx, agendaKey(workspace))
	if err != nil {
		e.mu.Lock()
		rec = make(presence.Record, len(e.local[workspace]))
		for sid, entry := range e.local[workspace] {
			rec[sid] = entry
		}
		e.mu.Unlock()
		return rec, false
	}
	rec = make(presence.Record)
	if found {
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			e.logger.Error().
				Err(err).
				Str("workspace", workspace).
				Msg("Corrupt agenda roster, resetting")
			rec = make(presence.Record)
		}
	}
	return rec, true
}

func (e *Engine) saveRoster(workspace string, rec presence.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	if len(rec) == 0 {
		err = e.store.Delete(ctx, agendaKey(workspace))
	} else {
		err = e.store.Set(ctx, agendaKey(workspace), rec, 0)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("workspace", workspace).Msg("Failed to persist agenda roster")
	}
}

func (e *Engine) updateLocal(workspace string, rec presence.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(rec) == 0 {
		delete(e.local, workspace)
		return
	}
	clone := make(presence.Record, len(rec))
	for sid, entry := range rec {
		clone[sid] = entry
	}
	e.local[workspace] = clone
}
