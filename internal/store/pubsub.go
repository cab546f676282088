package store

import (
	"context"

	"github.com/alexxvedo/TFG-RealTime/internal/logging"
)

// Message is a pub/sub payload received from the shared store.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Close it to stop receiving.
type Subscription struct {
	C      <-chan Message
	cancel context.CancelFunc
}

func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe opens a pub/sub subscription on the given channels. Messages are
// delivered on Subscription.C; the channel closes when the subscription is
// closed or the client shuts down. The underlying driver reconnects the
// subscription transparently.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := c.rdb.Subscribe(subCtx, channels...)
	out := make(chan Message, 64)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer logging.RecoverPanic(c.logger, "store.subscription", map[string]any{"channels": channels})
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-c.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
				default:
					// Slow consumer; drop rather than block the pump.
					c.logger.Warn().
						Str("channel", msg.Channel).
						Msg("Dropping pub/sub message for slow subscriber")
				}
			}
		}
	}()

	return &Subscription{C: out, cancel: cancel}
}
