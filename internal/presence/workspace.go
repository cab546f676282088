// Package presence tracks who is connected to each workspace and collection.
//
// Membership lives in two places: the shared store (authoritative across
// instances, key per scope) and a local in-process mirror used for fast reads
// and as a fallback when the store is unreachable. Clients are identified by
// email; the same person connected from several tabs collapses to one entry
// in every broadcast.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexxvedo/TFG-RealTime/internal/logging"
	"github.com/alexxvedo/TFG-RealTime/internal/store"
	"github.com/alexxvedo/TFG-RealTime/internal/transport"
	"github.com/alexxvedo/TFG-RealTime/internal/types"
)

const (
	// How long a dropped session may reconnect before its departure is
	// announced to the workspace.
	defaultReconnectGrace = 5 * time.Second

	// Interval of the duplicate sweeper reconciling shared records.
	defaultSweepInterval = 30 * time.Second

	opTimeout = 5 * time.Second
)

// WorkspaceOptions tunes the engine. Zero values pick production defaults;
// tests shorten the timers.
type WorkspaceOptions struct {
	ReconnectGrace time.Duration
	SweepInterval  time.Duration
}

// pendingLeave is a departure waiting out the reconnect grace period.
type pendingLeave struct {
	workspace string
	sessionID string
	user      types.User
	timer     *time.Timer
}

// Workspaces is the workspace presence engine.
type Workspaces struct {
	hub    *transport.Hub
	store  *store.Client
	logger zerolog.Logger

	grace         time.Duration
	sweepInterval time.Duration

	scopes keyedMutex

	mu       sync.Mutex
	local    map[string]Record           // workspace → record mirror
	lastSeen map[string]map[string]int64 // workspace → email → unix millis
	pending  map[string]*pendingLeave    // sessionID + "|" + workspace
}

func NewWorkspaces(hub *transport.Hub, st *store.Client, logger zerolog.Logger, opts WorkspaceOptions) *Workspaces {
	if opts.ReconnectGrace == 0 {
		opts.ReconnectGrace = defaultReconnectGrace
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	return &Workspaces{
		hub:           hub,
		store:         st,
		logger:        logger.With().Str("component", "presence").Logger(),
		grace:         opts.ReconnectGrace,
		sweepInterval: opts.SweepInterval,
		local:         make(map[string]Record),
		lastSeen:      make(map[string]map[string]int64),
		pending:       make(map[string]*pendingLeave),
	}
}

// Register wires the workspace events onto the hub.
func (w *Workspaces) Register() {
	w.hub.On("join_workspace", w.handleJoin)
	w.hub.On("leave_workspace", w.handleLeave)
	w.hub.On("get_workspace_users", w.handleGetUsers)
	w.hub.OnDisconnect(w.handleDisconnect)
}

// Start runs the duplicate sweeper until ctx is cancelled.
func (w *Workspaces) Start(ctx context.Context) {
	go func() {
		defer logging.RecoverPanic(w.logger, "presence.duplicateSweep", nil)

		ticker := time.NewTicker(w.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweepDuplicates()
			}
		}
	}()
}

// WorkspaceCount returns the number of workspaces with at least one member.
// Feeds the metrics registry.
func (w *Workspaces) WorkspaceCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, rec := range w.local {
		if len(rec) > 0 {
			n++
		}
	}
	return n
}

func workspaceKey(id string) string { return "workspace:" + id + ":users" }

type joinWorkspaceReq struct {
	WorkspaceID string     `json:"workspaceId"`
	User        types.User `json:"user"`
}

func (w *Workspaces) handleJoin(s *transport.Session, data json.RawMessage) {
	var req joinWorkspaceReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" || !req.User.Valid() {
		s.EmitError("invalid join_workspace payload", nil)
		return
	}

	unlock := w.scopes.lock(req.WorkspaceID)
	defer unlock()

	reconnect := w.cancelPending(req.WorkspaceID, req.User.Email)

	rec, fromStore := w.loadRecord(req.WorkspaceID)

	// A user rejoining from a new session replaces their previous one.
	hadPrior := false
	for _, sid := range rec.SessionsFor(req.User.Email) {
		if sid != s.ID {
			delete(rec, sid)
			hadPrior = true
		}
	}
	rec[s.ID] = NewEntry(req.User)

	if fromStore {
		w.saveRecord(req.WorkspaceID, rec)
	}
	w.updateLocal(req.WorkspaceID, rec)
	w.touch(req.WorkspaceID, req.User.Email)

	w.hub.Join(s, req.WorkspaceID)

	users := rec.Dedupe()
	w.hub.BroadcastRoom(req.WorkspaceID, "users_connected", users, nil)
	if !reconnect && !hadPrior {
		w.hub.BroadcastRoom(req.WorkspaceID, "user_joined", req.User, s)
	}

	w.logger.Info().
		Str("workspace", req.WorkspaceID).
		Str("email", req.User.Email).
		Bool("reconnect", reconnect).
		Int("users", len(users)).
		Msg("User joined workspace")
}

type leaveWorkspaceReq struct {
	WorkspaceID string `json:"workspaceId"`
}

func (w *Workspaces) handleLeave(s *transport.Session, data json.RawMessage) {
	var req leaveWorkspaceReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" {
		s.EmitError("invalid leave_workspace payload", nil)
		return
	}

	w.hub.Leave(s, req.WorkspaceID)
	w.removeSession(req.WorkspaceID, s.ID, true)
}

type getWorkspaceUsersReq struct {
	WorkspaceID string `json:"workspaceId"`
}

func (w *Workspaces) handleGetUsers(s *transport.Session, data json.RawMessage) {
	var req getWorkspaceUsersReq
	if err := json.Unmarshal(data, &req); err != nil || req.WorkspaceID == "" {
		s.EmitError("invalid get_workspace_users payload", nil)
		return
	}

	rec, _ := w.loadRecord(req.WorkspaceID)
	s.Emit("users_connected", rec.Dedupe())
}

// handleDisconnect schedules a grace-period departure for every workspace the
// session was present in. If the user reconnects before the timer fires, the
// departure never happens and no user_left is broadcast.
func (w *Workspaces) handleDisconnect(s *transport.Session, reason string) {
	// The timer is armed under w.mu: cancelPending reads p.timer holding
	// the same lock. The AfterFunc callback runs in its own goroutine.
	w.mu.Lock()
	scheduled := 0
	for workspace, rec := range w.local {
		entry, ok := rec[s.ID]
		if !ok {
			continue
		}
		p := &pendingLeave{workspace: workspace, sessionID: s.ID, user: entry.User}
		p.timer = time.AfterFunc(w.grace, func() {
			w.finalizeDeparture(p)
		})
		w.pending[pendingKey(s.ID, workspace)] = p
		scheduled++
	}
	w.mu.Unlock()

	if scheduled > 0 {
		w.logger.Debug().
			Str("session_id", s.ID).
			Str("reason", reason).
			Int("workspaces", scheduled).
			Dur("grace", w.grace).
			Msg("Departure pending reconnect grace")
	}
}

func pendingKey(sessionID, workspace string) string { return sessionID + "|" + workspace }

// cancelPending drops every pending departure for email in workspace,
// returning true when at least one existed (the join is a reconnect).
func (w *Workspaces) cancelPending(workspace, email string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	found := false
	for key, p := range w.pending {
		if p.workspace != workspace || p.user.Email != email {
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(w.pending, key)
		found = true
	}
	return found
}

// finalizeDeparture runs when the grace timer fires without a reconnect.
func (w *Workspaces) finalizeDeparture(p *pendingLeave) {
	w.mu.Lock()
	key := pendingKey(p.sessionID, p.workspace)
	if _, ok := w.pending[key]; !ok {
		w.mu.Unlock()
		return
	}
	delete(w.pending, key)
	w.mu.Unlock()

	w.removeSession(p.workspace, p.sessionID, false)
}

// removeSession drops a session's entry from a workspace record and
// broadcasts the updated roster. user_left fires only when no other session
// holds the same email. cancelPendingForSession is set on explicit leaves.
func (w *Workspaces) removeSession(workspace, sessionID string, cancelPendingForSession bool) {
	unlock := w.scopes.lock(workspace)
	defer unlock()

	if cancelPendingForSession {
		w.mu.Lock()
		if p, ok := w.pending[pendingKey(sessionID, workspace)]; ok {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(w.pending, pendingKey(sessionID, workspace))
		}
		w.mu.Unlock()
	}

	rec, fromStore := w.loadRecord(workspace)
	entry, ok := rec[sessionID]
	if !ok {
		return
	}
	delete(rec, sessionID)

	if fromStore {
		w.saveRecord(workspace, rec)
	}
	w.touch(workspace, entry.User.Email)
	w.updateLocal(workspace, rec)

	w.hub.BroadcastRoom(workspace, "users_connected", rec.Dedupe(), nil)
	if len(rec.SessionsFor(entry.User.Email)) == 0 {
		w.hub.BroadcastRoom(workspace, "user_left", map[string]string{
			"email": entry.User.Email,
			"name":  entry.User.Name,
		}, nil)
	}

	w.logger.Info().
		Str("workspace", workspace).
		Str("email", entry.User.Email).
		Int("users", len(rec)).
		Msg("User left workspace")
}

// sweepDuplicates reconciles every known workspace record, collapsing stale
// duplicate sessions left behind by crashed instances.
func (w *Workspaces) sweepDuplicates() {
	w.mu.Lock()
	workspaces := make([]string, 0, len(w.local))
	for workspace := range w.local {
		workspaces = append(workspaces, workspace)
	}
	w.mu.Unlock()

	for _, workspace := range workspaces {
		unlock := w.scopes.lock(workspace)

		rec, fromStore := w.loadRecord(workspace)
		evicted := rec.EvictDuplicates()
		if len(evicted) > 0 {
			if fromStore {
				w.saveRecord(workspace, rec)
			}
			w.updateLocal(workspace, rec)
			w.hub.BroadcastRoom(workspace, "users_connected", rec.Dedupe(), nil)
			w.logger.Info().
				Str("workspace", workspace).
				Int("evicted", len(evicted)).
				Msg("Swept duplicate presence entries")
		} else {
			w.updateLocal(workspace, rec)
		}

		unlock()
	}
}

// loadRecord fetches the shared record for a workspace, bypassing the read
// cache so concurrent instances observe each other's writes. When the store
// is unreachable the local mirror serves instead and fromStore is false,
// which suppresses the writeback.
func (w *Workspaces) loadRecord(workspace string) (rec Record, fromStore bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	raw, found, err := w.store.GetBypass(ctx, workspaceKey(workspace))
	if err != nil {
		w.logger.Warn().
			Err(err).
			Str("workspace", workspace).
			Msg("Store unavailable, serving presence from local mirror")
		return w.localCopy(workspace), false
	}
	rec = make(Record)
	if found {
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			w.logger.Error().
				Err(err).
				Str("workspace", workspace).
				Msg("Corrupt presence record, resetting")
			rec = make(Record)
		}
	}
	return rec, true
}

func (w *Workspaces) saveRecord(workspace string, rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	if len(rec) == 0 {
		err = w.store.Delete(ctx, workspaceKey(workspace))
	} else {
		err = w.store.Set(ctx, workspaceKey(workspace), rec, 0)
	}
	if err != nil {
		w.logger.Warn().Err(err).Str("workspace", workspace).Msg("Failed to persist presence record")
	}
}

func (w *Workspaces) updateLocal(workspace string, rec Record) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(rec) == 0 {
		delete(w.local, workspace)
		delete(w.lastSeen, workspace)
		return
	}
	clone := make(Record, len(rec))
	for sid, entry := range rec {
		clone[sid] = entry
	}
	w.local[workspace] = clone
}

func (w *Workspaces) localCopy(workspace string) Record {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := make(Record, len(w.local[workspace]))
	for sid, entry := range w.local[workspace] {
		rec[sid] = entry
	}
	return rec
}

func (w *Workspaces) touch(workspace, email string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seen, ok := w.lastSeen[workspace]
	if !ok {
		seen = make(map[string]int64)
		w.lastSeen[workspace] = seen
	}
	seen[email] = time.Now().UnixMilli()
}

// LastSeen returns the most recent activity timestamp for email in workspace
// (unix millis), or zero when unknown.
func (w *Workspaces) LastSeen(workspace, email string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen[workspace][email]
}
