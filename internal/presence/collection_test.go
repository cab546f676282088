package presence_test

import (
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

// newCollectionFixture wires both engines: collection roster changes are
// announced to the workspace room, so workspace presence has to be live.
func newCollectionFixture(t *testing.T) *wstest.Server {
	t.Helper()

	mr := miniredis.RunT(t)
	st := store.NewClient(store.Options{Addr: mr.Addr(), Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = st.Close() })

	srv := wstest.NewServer(t)

	workspaces := presence.NewWorkspaces(srv.Hub, st, zerolog.Nop(), presence.WorkspaceOptions{
		ReconnectGrace: 150 * time.Millisecond,
		SweepInterval:  time.Hour,
	})
	workspaces.Register()

	collections := presence.NewCollections(srv.Hub, st, zerolog.Nop())
	collections.Register()

	return srv
}

func joinWorkspace(c *wstest.Client, ws, id, email, name string) {
	c.Send("join_workspace", map[string]any{
		"workspaceId": ws,
		"user":        types.User{ID: id, Email: email, Name: name},
	})
	c.Expect("users_connected")
}

func TestJoinCollectionNotifiesWorkspace(t *testing.T) {
	srv := newCollectionFixture(t)

	alice := srv.Dial(t, "u1", "alice@test", "Alice")
	bob := srv.Dial(t, "u2", "bob@test", "Bob")
	joinWorkspace(alice, "ws1", "u1", "alice@test", "Alice")
	joinWorkspace(bob, "ws1", "u2", "bob@test", "Bob")
	alice.Drain()

	bob.Send("join_collection", map[string]any{
		"workspaceId":  "ws1",
		"collectionId": "c1",
		"user":         types.User{ID: "u2", Email: "bob@test", Name: "Bob"},
	})

	var joined struct {
		CollectionID string     `json:"collectionId"`
		User         types.User `json:"user"`
	}
	alice.ExpectJSON("collection_user_joined", &joined)
	assert.Equal(t, "c1", joined.CollectionID)
	assert.Equal(t, "bob@test", joined.User.Email)

	var roster struct {
		CollectionID string       `json:"collectionId"`
		Users        []types.User `json:"users"`
	}
	alice.ExpectJSON("collection_users_updated", &roster)
	assert.Equal(t, "c1", roster.CollectionID)
	require.Len(t, roster.Users, 1)
}

func TestLeaveCollectionNotifiesWorkspace(t *testing.T) {
	srv := newCollectionFixture(t)

	alice := srv.Dial(t, "u1", "alice@test", "Alice")
	bob := srv.Dial(t, "u2", "bob@test", "Bob")
	joinWorkspace(alice, "ws1", "u1", "alice@test", "Alice")
	joinWorkspace(bob, "ws1", "u2", "bob@test", "Bob")

	bob.Send("join_collection", map[string]any{
		"workspaceId":  "ws1",
		"collectionId": "c1",
		"user":         types.User{ID: "u2", Email: "bob@test", Name: "Bob"},
	})
	alice.Expect("collection_users_updated")
	alice.Drain()

	bob.Send("leave_collection", map[string]any{
		"workspaceId":  "ws1",
		"collectionId": "c1",
	})

	var left struct {
		CollectionID string     `json:"collectionId"`
		User         types.User `json:"user"`
	}
	alice.ExpectJSON("collection_user_left", &left)
	assert.Equal(t, "bob@test", left.User.Email)

	var roster struct {
		Users []types.User `json:"users"`
	}
	alice.ExpectJSON("collection_users_updated", &roster)
	assert.Empty(t, roster.Users)
}

func TestGetCollectionsUsersReplaysRosters(t *testing.T) {
	srv := newCollectionFixture(t)

	alice := srv.Dial(t, "u1", "alice@test", "Alice")
	joinWorkspace(alice, "ws1", "u1", "alice@test", "Alice")
	alice.Send("join_collection", map[string]any{
		"workspaceId":  "ws1",
		"collectionId": "c1",
		"user":         types.User{ID: "u1", Email: "alice@test", Name: "Alice"},
	})
	alice.Expect("collection_users_updated")

	viewer := srv.Dial(t, "u9", "viewer@test", "Viewer")
	viewer.Send("get_collections_users", map[string]any{"workspaceId": "ws1"})

	var roster struct {
		CollectionID string       `json:"collectionId"`
		Users        []types.User `json:"users"`
	}
	viewer.ExpectJSON("collection_users_updated", &roster)
	assert.Equal(t, "c1", roster.CollectionID)
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "alice@test", roster.Users[0].Email)
}

func TestDisconnectLeavesCollectionsImmediately(t *testing.T) {
	srv := newCollectionFixture(t)

	alice := srv.Dial(t, "u1", "alice@test", "Alice")
	bob := srv.Dial(t, "u2", "bob@test", "Bob")
	joinWorkspace(alice, "ws1", "u1", "alice@test", "Alice")
	joinWorkspace(bob, "ws1", "u2", "bob@test", "Bob")

	bob.Send("join_collection", map[string]any{
		"workspaceId":  "ws1",
		"collectionId": "c1",
		"user":         types.User{ID: "u2", Email: "bob@test", Name: "Bob"},
	})
	alice.Expect("collection_users_updated")
	alice.Drain()

	bob.Close()

	// Collection departure is immediate, no reconnect grace.
	var left struct {
		CollectionID string `json:"collectionId"`
	}
	alice.ExpectJSON("collection_user_left", &left)
	assert.Equal(t, "c1", left.CollectionID)
}
