package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexxvedo/TFG-RealTime/internal/presence"
	"github.com/alexxvedo/TFG-RealTime/internal/store"
	"github.com/alexxvedo/TFG-RealTime/internal/types"
	"github.com/alexxvedo/TFG-RealTime/internal/wstest"
)

func newFixture(t *testing.T) (*wstest.Server, *store.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	st := store.NewClient(store.Options{Addr: mr.Addr(), Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = st.Close() })

	srv := wstest.NewServer(t)

	engine := presence.NewWorkspaces(srv.Hub, st, zerolog.Nop(), presence.WorkspaceOptions{
		ReconnectGrace: 150 * time.Millisecond,
		SweepInterval:  time.Hour,
	})
	engine.Register()

	return srv, st
}

func joinPayload(ws string, user types.User) map[string]any {
	return map[string]any{"workspaceId": ws, "user": user}
}

func TestJoinWorkspaceBroadcastsRoster(t *testing.T) {
	srv, st := newFixture(t)

	alice := srv.Dial(t, "u1", "alice@test", "Alice")
	alice.Send("join_workspace", joinPayload("ws1", types.User{ID: "u1", Email: "alice@test", Name: "Alice"}))

	var users []types.User
	alice.ExpectJSON("users_connected", &users)
	require.Len(t, users, 1)
	assert.Equal(t, "alice@test", users[0].Email)

	bob := srv.Dial(t, "u2", "bob@test", "Bob")
	bob.Send("join_workspace", joinPayload("ws1", types.User{ID: "u2", Email: "bob@test", Name: "Bob"}))

	alice.ExpectJSON("users_connected", &users)
	require.Len(t, users, 2)

	var joined types.User
	alice.ExpectJSON("user_joined", &joined)
	assert.Equal(t, "bob@test", joined.Email)

	// The shared record holds both sessions.
	var rec presence.Record
	found, err := st.GetJSON(context.Background(), "workspace:ws1:users", &rec)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, rec, 2)
}

func TestDuplicateEmailCollapsesToOneUser(t *testing.T) {
	srv, _ := newFixture(t)

	alice := srv.Dial(t, "u1", "alice@test", "Alice")
	alice.Send("join_workspace", joinPayload("ws1", types.User{ID: "u1", Email: "alice@test", Name: "Alice"}))
	alice.Expect("users_connected")

	// Same person, second tab.
	tab2 := srv.Dial(t, "u1", "alice@test", "Alice")
	tab2.Send("join_workspace", joinPayload("ws1", types.User{ID: "u1", Email: "alice@test", Name: "Alice"}))

	var users []types.User
	tab2.ExpectJSON("users_connected", &users)
	require.Len(t, users, 1)

	// No user_joined for a user already present.
	alice.ExpectNone("user_joined", 200*time.Millisecond)
}

func TestLeaveWorkspaceAnnouncesDeparture(t *testing.T) {
	srv, st := newFixture(t)

	alice := srv.Dial(t, "u1", "alice@test", "Alice")
	bob := srv.Dial(t, "u2", "bob@test", "Bob")
	alice.Send("join_workspace", joinPayload("ws1", types.User{ID: "u1", Email: "alice@test", Name: "Alice"}))
	alice.Expect("users_connected")
	bob.Send("join_workspace", joinPayload("ws1", types.User{ID: "u2", Email: "bob@test", Name: "Bob"}))
	bob.Expect("users_connected")
	alice.Drain()

	bob.Send("leave_workspace", map[string]any{"workspaceId": "ws1"})

	var left struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	alice.ExpectJSON("user_left", &left)
	assert.Equal(t, "bob@test", left.Email)

	var users []types.User
	alice.ExpectJSON("users_connected", &users)
	require.Len(t, users, 1)
	assert.Equal(t, "alice@test", users[0].Email)

	var rec presence.Record
	found, err := st.GetJSON(context.Background(), "workspace:ws1:users", &rec)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, rec, 1)
}

func TestDisconnectAnnouncedAfterGrace(t *testing.T) {
	srv, _ := newFixture(t)

	alice := srv.Dial(t, "u1", "alice@test", "Alice")
	bob := srv.Dial(t, "u2", "bob@test", "Bob")
	alice.Send("join_workspace", joinPayload("ws1", types.User{ID: "u1", Email: "alice@test", Name: "Alice"}))
	alice.Expect("users_connected")
	bob.Send("join_workspace", joinPayload("ws1", types.User{ID: "u2", Email: "bob@test", Name: "Bob"}))
	bob.Expect("users_connected")
	alice.Drain()

	bob.Close()

	// Nothing before the grace period elapses.
	alice.ExpectNone("user_left", 50*time.Millisecond)

	var left struct {
		Email string `json:"email"`
	}
	alice.ExpectJSON("user_left", &left)
	assert.Equal(t, "bob@test", left.Email)
}

func TestReconnectWithinGraceSuppressesDeparture(t *testing.T) {
	srv, _ := newFixture(t)

	alice := srv.Dial(t, "u1", "alice@test", "Alice")
	bob := srv.Dial(t, "u2", "bob@test", "Bob")
	alice.Send("join_workspace", joinPayload("ws1", types.User{ID: "u1", Email: "alice@test", Name: "Alice"}))
	alice.Expect("users_connected")
	bob.Send("join_workspace", joinPayload("ws1", types.User{ID: "u2", Email: "bob@test", Name: "Bob"}))
	bob.Expect("users_connected")
	alice.Drain()

	bob.Close()

	// Bob reconnects from a fresh session before the grace timer fires.
	bob2 := srv.Dial(t, "u2", "bob@test", "Bob")
	bob2.Send("join_workspace", joinPayload("ws1", types.User{ID: "u2", Email: "bob@test", Name: "Bob"}))
	bob2.Expect("users_connected")

	alice.ExpectNone("user_left", 400*time.Millisecond)
	alice.ExpectNone("user_joined", 50*time.Millisecond)
}

func TestGetWorkspaceUsers(t *testing.T) {
	srv, _ := newFixture(t)

	alice := srv.Dial(t, "u1", "alice@test", "Alice")
	alice.Send("join_workspace", joinPayload("ws1", types.User{ID: "u1", Email: "alice@test", Name: "Alice"}))
	alice.Expect("users_connected")

	// A session that never joined can still ask for the roster.
	viewer := srv.Dial(t, "u9", "viewer@test", "Viewer")
	viewer.Send("get_workspace_users", map[string]any{"workspaceId": "ws1"})

	var users []types.User
	viewer.ExpectJSON("users_connected", &users)
	require.Len(t, users, 1)
	assert.Equal(t, "alice@test", users[0].Email)
}

func TestJoinWorkspaceRejectsBadPayload(t *testing.T) {
	srv, _ := newFixture(t)

	c := srv.Dial(t, "u1", "alice@test", "Alice")
	c.Send("join_workspace", map[string]any{"workspaceId": ""})
	c.Expect("error")
}

func TestRecordDedupe(t *testing.T) {
	rec := presence.Record{
		"s1": {User: types.User{Email: "a@test", Name: "Old"}, JoinedAt: 100},
		"s2": {User: types.User{Email: "a@test", Name: "New"}, JoinedAt: 200},
		"s3": {User: types.User{Email: "b@test", Name: "B"}, JoinedAt: 150},
	}

	users := rec.Dedupe()
	require.Len(t, users, 2)
	// Ordered by join time of the winning entry.
	assert.Equal(t, "b@test", users[0].Email)
	assert.Equal(t, "a@test", users[1].Email)
	assert.Equal(t, "New", users[1].Name)
}

func TestRecordEvictDuplicates(t *testing.T) {
	rec := presence.Record{
		"s1": {User: types.User{Email: "a@test"}, JoinedAt: 100},
		"s2": {User: types.User{Email: "a@test"}, JoinedAt: 200},
		"s3": {User: types.User{Email: "b@test"}, JoinedAt: 150},
	}

	evicted := rec.EvictDuplicates()
	require.Equal(t, []string{"s1"}, evicted)
	assert.Len(t, rec, 2)
}
