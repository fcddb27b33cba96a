package resources

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/petrijr/eventide/pkg/api"
)

// EventsTopic carries events emitted by workflows.
const EventsTopic = "eventide.events"

const eventNameMetadataKey = "event_name"

// MemoryEventClient records emitted events.
type MemoryEventClient struct {
	mu     sync.Mutex
	events []api.OutboundEvent
}

func NewMemoryEventClient() *MemoryEventClient { return &MemoryEventClient{} }

func (c *MemoryEventClient) EmitEvents(ctx context.Context, events ...api.OutboundEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
	return nil
}

// Events returns a copy of everything emitted so far.
func (c *MemoryEventClient) Events() []api.OutboundEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]api.OutboundEvent(nil), c.events...)
}

// WatermillEventClient publishes emitted events as JSON messages.
type WatermillEventClient struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillEventClient creates a client. topic defaults to EventsTopic.
func NewWatermillEventClient(pub message.Publisher, topic string) *WatermillEventClient {
	if topic == "" {
		topic = EventsTopic
	}
	return &WatermillEventClient{publisher: pub, topic: topic}
}

func (c *WatermillEventClient) EmitEvents(ctx context.Context, events ...api.OutboundEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msgs := make([]*message.Message, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		msg := message.NewMessage("msg-"+watermill.NewULID(), payload)
		msg.Metadata.Set(eventNameMetadataKey, e.Name)
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	return c.publisher.Publish(c.topic, msgs...)
}
