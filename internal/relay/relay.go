// Package relay mirrors room broadcasts across gateway instances through the
// shared store's pub/sub bus. Each instance publishes its broadcasts and
// replays the ones originated elsewhere to its own sessions; presence records
// in the shared store keep rosters consistent, the relay keeps deliveries
// consistent.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alexxvedo/TFG-RealTime/internal/logging"
	"github.com/alexxvedo/TFG-RealTime/internal/store"
	"github.com/alexxvedo/TFG-RealTime/internal/transport"
)

const (
	channel        = "gateway:fanout"
	publishTimeout = 2 * time.Second
)

// frame is one mirrored broadcast on the bus.
type frame struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Relay connects one hub to the fan-out bus.
type Relay struct {
	id     string
	hub    *transport.Hub
	store  *store.Client
	logger zerolog.Logger
}

func New(hub *transport.Hub, st *store.Client, logger zerolog.Logger) *Relay {
	return &Relay{
		id:     uuid.NewString(),
		hub:    hub,
		store:  st,
		logger: logger.With().Str("component", "relay").Logger(),
	}
}

// Start hooks the hub's broadcasts and begins replaying peer traffic. Runs
// until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	r.hub.SetRelay(r.publish)

	sub := r.store.Subscribe(ctx, channel)
	go func() {
		defer logging.RecoverPanic(r.logger, "relay.replay", nil)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				r.replay(msg.Payload)
			}
		}
	}()
}

// publish mirrors a local broadcast to the bus. Publish failures are not
// retried: the shared presence records converge on their own and the breaker
// already tracks store outages.
func (r *Relay) publish(room, event string, data []byte) {
	f := frame{Origin: r.id, Room: room, Event: event, Data: data}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.store.Publish(ctx, channel, f); err != nil {
		r.logger.Debug().Err(err).Str("event", event).Msg("Failed to mirror broadcast")
	}
}

// replay delivers a peer's broadcast to local room members. Frames this
// instance originated are dropped to avoid duplicate delivery.
func (r *Relay) replay(payload string) {
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		r.logger.Warn().Err(err).Msg("Malformed relay frame")
		return
	}
	if f.Origin == r.id {
		return
	}

	r.hub.BroadcastRoomLocal(f.Room, f.Event, f.Data, nil)
}
