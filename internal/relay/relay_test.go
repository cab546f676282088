package relay_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/alexxvedo/TFG-RealTime/internal/relay"
	"github.com/alexxvedo/TFG-RealTime/internal/store"
	"github.com/alexxvedo/TFG-RealTime/internal/transport"
	"github.com/alexxvedo/TFG-RealTime/internal/wstest"
)

// newInstance builds one gateway instance (hub + store client + relay)
// against a shared miniredis, with a join/shout handler pair for the test.
func newInstance(t *testing.T, ctx context.Context, mr *miniredis.Miniredis) *wstest.Server {
	t.Helper()

	st := store.NewClient(store.Options{Addr: mr.Addr(), Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = st.Close() })

	srv := wstest.NewServer(t)
	srv.Hub.On("join", func(s *transport.Session, data json.RawMessage) {
		srv.Hub.Join(s, "room1")
		s.Emit("joined", nil)
	})
	srv.Hub.On("shout", func(s *transport.Session, data json.RawMessage) {
		srv.Hub.BroadcastRoom("room1", "heard", json.RawMessage(data), s)
	})

	relay.New(srv.Hub, st, zerolog.Nop()).Start(ctx)

	return srv
}

func TestBroadcastReachesPeerInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst1 := newInstance(t, ctx, mr)
	inst2 := newInstance(t, ctx, mr)

	a := inst1.Dial(t, "u1", "a@test", "A")
	b := inst2.Dial(t, "u2", "b@test", "B")
	a.Send("join", nil)
	a.Expect("joined")
	b.Send("join", nil)
	b.Expect("joined")

	// Subscriptions are asynchronous; give both relays a moment to attach.
	time.Sleep(100 * time.Millisecond)

	a.Send("shout", map[string]string{"msg": "cross-instance"})

	var heard struct {
		Msg string `json:"msg"`
	}
	b.ExpectJSON("heard", &heard)
	assert.Equal(t, "cross-instance", heard.Msg)
}

func TestOwnFramesNotRedelivered(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst := newInstance(t, ctx, mr)

	a := inst.Dial(t, "u1", "a@test", "A")
	b := inst.Dial(t, "u2", "b@test", "B")
	a.Send("join", nil)
	a.Expect("joined")
	b.Send("join", nil)
	b.Expect("joined")
	time.Sleep(100 * time.Millisecond)

	a.Send("shout", map[string]string{"msg": "once"})

	b.Expect("heard")
	// The frame comes back on the bus but the origin check drops it.
	b.ExpectNone("heard", 300*time.Millisecond)

	// The excluded sender hears neither the local nor the mirrored copy.
	a.ExpectNone("heard", 100*time.Millisecond)
}
