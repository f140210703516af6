// Package mirror republishes room deltas onto Redis, one channel per room, so
// other instances and dashboards can follow a room without joining it.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"collabtext/collabd/internal/event"
	"collabtext/collabd/internal/storage"
)

// LifecycleChannel receives room created and destroyed events.
const LifecycleChannel = "collab:rooms"

// Channel is the Redis channel carrying a room's deltas.
func Channel(roomID string) string {
	return "collab:room:" + roomID
}

// Publisher is the part of a Redis client the mirror needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type Mirror struct {
	pub Publisher
	log zerolog.Logger
}

func New(pub Publisher, logger zerolog.Logger) *Mirror {
	return &Mirror{pub: pub, log: logger.With().Str("component", "mirror").Logger()}
}

// Connect dials Redis and waits for it to answer a ping.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ping := func() error { return rdb.Ping(ctx).Err() }
	if err := backoff.Retry(ping, storage.NewRetry(ctx, 5)); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("mirror: connect redis %s: %w", addr, err)
	}
	return rdb, nil
}

// Run publishes events until the channel closes or ctx is done. Events are
// published one at a time so each room's channel sees its deltas in order.
func (m *Mirror) Run(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := m.publish(ctx, ev); err != nil {
				m.log.Warn().Err(err).Str("room", ev.RoomID).Str("kind", string(ev.Kind)).Msg("mirror publish failed")
			}
		}
	}
}

func (m *Mirror) publish(ctx context.Context, ev event.Event) error {
	if ev.Kind == event.RoomDelta {
		return m.pub.Publish(ctx, Channel(ev.RoomID), []byte(ev.Frame)).Err()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.pub.Publish(ctx, LifecycleChannel, payload).Err()
}

// Tail calls fn with every frame published for roomID until ctx is done.
func Tail(ctx context.Context, rdb *redis.Client, roomID string, fn func(payload string)) error {
	pubsub := rdb.Subscribe(ctx, Channel(roomID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("mirror: subscribe %s: %w", roomID, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}
