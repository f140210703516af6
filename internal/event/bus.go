// Package event carries room activity to observers over watermill's
// gochannel pub/sub. Every accepted delta is published in the order its room
// broadcast it.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic all room events are published on.
const Topic = "collab.rooms"

type Kind string

const (
	RoomCreated   Kind = "room.created"
	RoomDestroyed Kind = "room.destroyed"
	RoomDelta     Kind = "room.delta"
)

// Event is one room occurrence. Frame holds the encoded wire frame for
// deltas.
type Event struct {
	Kind   Kind            `json:"kind"`
	RoomID string          `json:"roomId"`
	Frame  json.RawMessage `json:"frame,omitempty"`
	Time   time.Time       `json:"time"`
}

var ErrClosed = errors.New("event: bus closed")

// Bus publishes room events. Publishing waits until every subscriber has
// taken the message, which keeps per-room order; subscribers only queue
// messages, so the wait is short.
type Bus struct {
	pubsub  *gochannel.GoChannel
	closed  atomic.Bool
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            100,
				BlockPublishUntilSubscriberAck: true,
			},
			watermill.NopLogger{},
		),
	}
}

func (b *Bus) Publish(ev Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("kind", string(ev.Kind))
	msg.Metadata.Set("room", ev.RoomID)
	return b.pubsub.Publish(Topic, msg)
}

// Subscribe returns a channel of events that stays open until ctx is done or
// the bus is closed. A subscriber that falls more than buffer events behind
// loses the overflow rather than stalling publishers.
func (b *Bus) Subscribe(ctx context.Context, buffer int) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	msgs, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = 256
	}
	out := make(chan Event, buffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err == nil {
				select {
				case out <- ev:
				default:
					b.dropped.Add(1)
				}
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Dropped counts events lost to slow subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.pubsub.Close()
}
