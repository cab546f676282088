package presence

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/alexxvedo/TFG-RealTime/internal/store"
	"github.com/alexxvedo/TFG-RealTime/internal/transport"
	"github.com/alexxvedo/TFG-RealTime/internal/types"
)

// Collections tracks which users have a collection open inside a workspace.
// Unlike workspace presence there is no reconnect grace: a dropped session
// leaves its collections immediately. Roster changes are announced to the
// whole workspace room so sidebars update for everyone, not only the members
// of the collection.
type Collections struct {
	hub    *transport.Hub
	store  *store.Client
	logger zerolog.Logger

	scopes keyedMutex

	mu    sync.Mutex
	local map[string]Record // workspace + "|" + collection → record mirror
}

func NewCollections(hub *transport.Hub, st *store.Client, logger zerolog.Logger) *Collections {
	return &Collections{
		hub:    hub,
		store:  st,
		logger: logger.With().Str("component", "collections").Logger(),
		local:  make(map[string]Record),
	}
}

// Register wires the collection events onto the hub.
func (c *Collections) Register() {
	c.hub.On("join_collection", c.handleJoin)
	c.hub.On("leave_collection", c.handleLeave)
	c.hub.On("get_collections_users", c.handleGetAll)
	c.hub.OnDisconnect(c.handleDisconnect)
}

func collectionKey(workspace, collection string) string {
	return "collection:" + workspace + ":" + collection + ":users"
}

func collectionRoom(workspace, collection string) string {
	return workspace + ":" + collection
}

func collectionScope(workspace, collection string) string {
	return workspace + "|" + collection
}

type collectionReq struct {
	WorkspaceID  string     `json:"workspaceId"`
	CollectionID string     `json:"collectionId"`
	User         types.User `json:"user"`
}

func (c *Collections) handleJoin(s *transport.Session, data json.RawMessage) {
	var req collectionReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" || req.CollectionID == "" || !req.User.Valid() {
		s.EmitError("invalid join_collection payload", nil)
		return
	}

	scope := collectionScope(req.WorkspaceID, req.CollectionID)
	unlock := c.scopes.lock(scope)
	defer unlock()

	rec, fromStore := c.loadRecord(req.WorkspaceID, req.CollectionID)
	for _, sid := range rec.SessionsFor(req.User.Email) {
		if sid != s.ID {
			delete(rec, sid)
		}
	}
	rec[s.ID] = NewEntry(req.User)

	if fromStore {
		c.saveRecord(req.WorkspaceID, req.CollectionID, rec)
	}
	c.updateLocal(scope, rec)

	c.hub.Join(s, collectionRoom(req.WorkspaceID, req.CollectionID))

	c.hub.BroadcastRoom(req.WorkspaceID, "collection_user_joined", map[string]any{
		"collectionId": req.CollectionID,
		"user":         req.User,
	}, s)
	c.broadcastRoster(req.WorkspaceID, req.CollectionID, rec)

	c.logger.Debug().
		Str("workspace", req.WorkspaceID).
		Str("collection", req.CollectionID).
		Str("email", req.User.Email).
		Msg("User joined collection")
}

func (c *Collections) handleLeave(s *transport.Session, data json.RawMessage) {
	var req collectionReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" || req.CollectionID == "" {
		s.EmitError("invalid leave_collection payload", nil)
		return
	}

	c.hub.Leave(s, collectionRoom(req.WorkspaceID, req.CollectionID))
	c.removeSession(req.WorkspaceID, req.CollectionID, s.ID)
}

type getCollectionsReq struct {
	WorkspaceID string `json:"workspaceId"`
}

// handleGetAll replays the roster of every active collection in the
// workspace to the requesting session, one event per collection.
func (c *Collections) handleGetAll(s *transport.Session, data json.RawMessage) {
	var req getCollectionsReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" {
		s.EmitError("invalid get_collections_users payload", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	keys, err := c.store.Keys(ctx, "collection:"+req.WorkspaceID+":*:users")
	if err != nil {
		// Fall back to the collections this instance knows about.
		c.mu.Lock()
		for scope, rec := range c.local {
			workspace, collection, ok := strings.Cut(scope, "|")
			if !ok || workspace != req.WorkspaceID || len(rec) == 0 {
				continue
			}
			s.Emit("collection_users_updated", map[string]any{
				"collectionId": collection,
				"users":        rec.Dedupe(),
			})
		}
		c.mu.Unlock()
		return
	}

	if len(keys) == 0 {
		return
	}
	values, err := c.store.MGet(ctx, keys...)
	if err != nil {
		return
	}

	for key, raw := range values {
		// collection:{workspace}:{collection}:users
		parts := strings.Split(key, ":")
		if len(parts) != 4 {
			continue
		}
		collection := parts[2]

		rec := make(Record)
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || len(rec) == 0 {
			continue
		}
		s.Emit("collection_users_updated", map[string]any{
			"collectionId": collection,
			"users":        rec.Dedupe(),
		})
	}
}

// handleDisconnect removes the session from every collection it had open.
func (c *Collections) handleDisconnect(s *transport.Session, reason string) {
	c.mu.Lock()
	var scopes []string
	for scope, rec := range c.local {
		if _, ok := rec[s.ID]; ok {
			scopes = append(scopes, scope)
		}
	}
	c.mu.Unlock()

	for _, scope := range scopes {
		workspace, collection, ok := strings.Cut(scope, "|")
		if !ok {
			continue
		}
		c.removeSession(workspace, collection, s.ID)
	}
}

func (c *Collections) removeSession(workspace, collection, sessionID string) {
	scope := collectionScope(workspace, collection)
	unlock := c.scopes.lock(scope)
	defer unlock()

	rec, fromStore := c.loadRecord(workspace, collection)
	entry, ok := rec[sessionID]
	if !ok {
		return
	}
	delete(rec, sessionID)

	if fromStore {
		c.saveRecord(workspace, collection, rec)
	}
	c.updateLocal(scope, rec)

	if len(rec.SessionsFor(entry.User.Email)) == 0 {
		c.hub.BroadcastRoom(workspace, "collection_user_left", map[string]any{
			"collectionId": collection,
			"user":         entry.User,
		}, nil)
	}
	c.broadcastRoster(workspace, collection, rec)

	c.logger.Debug().
		Str("workspace", workspace).
		Str("collection", collection).
		Str("email", entry.User.Email).
		Msg("User left collection")
}

func (c *Collections) broadcastRoster(workspace, collection string, rec Record) {
	c.hub.BroadcastRoom(workspace, "collection_users_updated", map[string]any{
		"collectionId": collection,
		"users":        rec.Dedupe(),
	}, nil)
}

func (c *Collections) loadRecord(workspace, collection string) (rec Record, fromStore bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	raw, found, err := c.store.GetBypass(ctx, collectionKey(workspace, collection))
	if err != nil {
		c.mu.Lock()
		rec = make(Record)
		for sid, entry := range c.local[collectionScope(workspace, collection)] {
			rec[sid] = entry
		}
		c.mu.Unlock()
		return rec, false
	}
	rec = make(Record)
	if found {
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			c.logger.Error().
				Err(err).
				Str("workspace", workspace).
				Str("collection", collection).
				Msg("Corrupt collection record, resetting")
			rec = make(Record)
		}
	}
	return rec, true
}

func (c *Collections) saveRecord(workspace, collection string, rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	if len(rec) == 0 {
		err = c.store.Delete(ctx, collectionKey(workspace, collection))
	} else {
		err = c.store.Set(ctx, collectionKey(workspace, collection), rec, 0)
	}
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("workspace", workspace).
			Str("collection", collection).
			Msg("Failed to persist collection record")
	}
}

func (c *Collections) updateLocal(scope string, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(rec) == 0 {
		delete(c.local, scope)
		return
	}
	clone := make(Record, len(rec))
	for sid, entry := range rec {
		clone[sid] = entry
	}
	c.local[scope] = clone
}
