package transport

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/petrijr/eventide/internal/persistence"
	"github.com/petrijr/eventide/pkg/api"
)

const (
	// ExecutionsTopic carries execution events.
	ExecutionsTopic = "eventide.executions"
	// TasksTopic carries task requests.
	TasksTopic = "eventide.tasks"

	executionIDMetadataKey = "execution_id"
	producerMetadataKey    = "producer"
	sequenceMetadataKey    = "sequence"
)

// NewGoChannel creates an in-process watermill pub/sub suitable for both
// sides of the watermill transports.
func NewGoChannel(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)
}

// WatermillConfig configures the watermill transports.
type WatermillConfig struct {
	// Topic defaults to ExecutionsTopic or TasksTopic.
	Topic string

	// RedeliveryDelay postpones a Nack so that the subscriber does not
	// redeliver in a tight loop.
	RedeliveryDelay time.Duration

	Logger *slog.Logger
}

func (c WatermillConfig) withDefaults(topic string) WatermillConfig {
	if c.Topic == "" {
		c.Topic = topic
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = DefaultRedeliveryDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// subscription is a lazily started watermill subscription that outlives
// individual Receive calls.
type subscription struct {
	sub   message.Subscriber
	topic string

	once     sync.Once
	messages <-chan *message.Message
	err      error
	cancel   context.CancelFunc
}

func (s *subscription) start() (<-chan *message.Message, error) {
	s.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.messages, s.err = s.sub.Subscribe(ctx, s.topic)
	})
	return s.messages, s.err
}

func (s *subscription) close() {
	s.once.Do(func() { s.err = ErrClosed })
	if s.cancel != nil {
		s.cancel()
	}
}

// WatermillExecutionQueue is an execution queue over a watermill publisher
// and subscriber.
//
// Each SubmitExecutionEvents call becomes one message carrying the ordered
// batch and a sequence number per producer and execution. Subscribers may
// hand messages out in any order (gochannel does), so the consumer restores
// the sequence before events reach Receive. A message is acknowledged once
// its batch is in the consumer's ordered buffer; Nack redelivers from that
// buffer.
type WatermillExecutionQueue struct {
	pub message.Publisher
	sub *subscription
	cfg WatermillConfig

	producer string
	pubMu    sync.Mutex
	nextSeq  map[string]uint64

	pumpOnce sync.Once
	inbox    *MemoryExecutionQueue
	reorder  *reorderBuffer
}

var (
	_ ExecutionQueue    = (*WatermillExecutionQueue)(nil)
	_ ExecutionConsumer = (*WatermillExecutionQueue)(nil)
)

func NewWatermillExecutionQueue(pub message.Publisher, sub message.Subscriber, cfg WatermillConfig) *WatermillExecutionQueue {
	cfg = cfg.withDefaults(ExecutionsTopic)
	return &WatermillExecutionQueue{
		pub:      pub,
		sub:      &subscription{sub: sub, topic: cfg.Topic},
		cfg:      cfg,
		producer: watermill.NewULID(),
		nextSeq:  make(map[string]uint64),
		inbox:    NewMemoryExecutionQueue(cfg.RedeliveryDelay),
		reorder:  newReorderBuffer(),
	}
}

func (q *WatermillExecutionQueue) SubmitExecutionEvents(ctx context.Context, executionID string, events ...api.WorkflowEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	payload, err := encodeBatch(events)
	if err != nil {
		return err
	}

	// The sequence only advances on a successful publish, so a failed
	// submit leaves no hole for the consumer to wait on.
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	seq := q.nextSeq[executionID]
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(executionIDMetadataKey, executionID)
	msg.Metadata.Set(producerMetadataKey, q.producer)
	msg.Metadata.Set(sequenceMetadataKey, strconv.FormatUint(seq, 10))
	if err := q.pub.Publish(q.cfg.Topic, msg); err != nil {
		return err
	}
	q.nextSeq[executionID] = seq + 1
	return nil
}

// Subscribe starts consuming the topic. gochannel drops messages published
// before anyone subscribes, so call it before the first submit. Receive
// subscribes on its own otherwise.
func (q *WatermillExecutionQueue) Subscribe() error {
	messages, err := q.sub.start()
	if err != nil {
		return err
	}
	q.pumpOnce.Do(func() { go q.pump(messages) })
	return nil
}

func (q *WatermillExecutionQueue) Receive(ctx context.Context, max int) ([]*Delivery, error) {
	if err := q.Subscribe(); err != nil {
		return nil, err
	}
	return q.inbox.Receive(ctx, max)
}

// pump moves subscribed messages into the inbox in sequence order.
func (q *WatermillExecutionQueue) pump(messages <-chan *message.Message) {
	for msg := range messages {
		executionID := msg.Metadata.Get(executionIDMetadataKey)
		seq, err := strconv.ParseUint(msg.Metadata.Get(sequenceMetadataKey), 10, 64)
		if err != nil {
			q.cfg.Logger.Error("dropping execution message without sequence",
				"message_uuid", msg.UUID, "error", err)
			msg.Ack()
			continue
		}
		events, err := decodeBatch(msg.Payload)
		if err != nil {
			q.cfg.Logger.Error("dropping undecodable execution message",
				"message_uuid", msg.UUID, "error", err)
			msg.Ack()
			continue
		}

		key := msg.Metadata.Get(producerMetadataKey) + "|" + executionID
		for _, batch := range q.reorder.add(key, seq, events) {
			if err := q.inbox.SubmitExecutionEvents(context.Background(), executionID, batch...); err != nil {
				// Only fails once the queue is closed.
				msg.Nack()
				return
			}
		}
		msg.Ack()
	}
}

// Close stops the subscription and closes the publisher.
func (q *WatermillExecutionQueue) Close() error {
	q.sub.close()
	_ = q.inbox.Close()
	return q.pub.Close()
}

// reorderBuffer holds batches that arrived ahead of their sequence.
type reorderBuffer struct {
	mu       sync.Mutex
	expected map[string]uint64
	held     map[string]map[uint64][]api.WorkflowEvent
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{
		expected: make(map[string]uint64),
		held:     make(map[string]map[uint64][]api.WorkflowEvent),
	}
}

// add records the batch at seq and returns the batches that are now ready,
// in order. Sequences already released are duplicates and are dropped.
func (b *reorderBuffer) add(key string, seq uint64, events []api.WorkflowEvent) [][]api.WorkflowEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.expected[key]
	if seq < next {
		return nil
	}
	held := b.held[key]
	if held == nil {
		held = make(map[uint64][]api.WorkflowEvent)
		b.held[key] = held
	}
	held[seq] = events

	var ready [][]api.WorkflowEvent
	for {
		batch, ok := held[next]
		if !ok {
			break
		}
		delete(held, next)
		ready = append(ready, batch)
		next++
	}
	b.expected[key] = next
	if len(held) == 0 {
		delete(b.held, key)
	}
	return ready
}

func encodeBatch(events []api.WorkflowEvent) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(events); err != nil {
		return nil, fmt.Errorf("encode event batch: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBatch(data []byte) ([]api.WorkflowEvent, error) {
	var events []api.WorkflowEvent
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}
	return events, nil
}

func delayedNack(msg *message.Message, delay time.Duration) func() {
	return func() {
		time.AfterFunc(delay, func() { msg.Nack() })
	}
}

// WatermillTaskChannel is a task channel over a watermill publisher and
// subscriber.
type WatermillTaskChannel struct {
	pub message.Publisher
	sub *subscription
	cfg WatermillConfig
}

var (
	_ TaskChannel  = (*WatermillTaskChannel)(nil)
	_ TaskConsumer = (*WatermillTaskChannel)(nil)
)

func NewWatermillTaskChannel(pub message.Publisher, sub message.Subscriber, cfg WatermillConfig) *WatermillTaskChannel {
	cfg = cfg.withDefaults(TasksTopic)
	return &WatermillTaskChannel{
		pub: pub,
		sub: &subscription{sub: sub, topic: cfg.Topic},
		cfg: cfg,
	}
}

func (c *WatermillTaskChannel) StartTask(ctx context.Context, req api.TaskRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := persistence.EncodeValue(req)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(executionIDMetadataKey, req.ExecutionID)
	return c.pub.Publish(c.cfg.Topic, msg)
}

// Subscribe starts consuming the topic ahead of the first ReceiveTask.
func (c *WatermillTaskChannel) Subscribe() error {
	_, err := c.sub.start()
	return err
}

func (c *WatermillTaskChannel) ReceiveTask(ctx context.Context) (*TaskDelivery, error) {
	messages, err := c.sub.start()
	if err != nil {
		return nil, err
	}
	for {
		var msg *message.Message
		var ok bool
		select {
		case msg, ok = <-messages:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !ok {
			return nil, ErrClosed
		}

		req, err := persistence.DecodeValue[api.TaskRequest](msg.Payload)
		if err != nil {
			c.cfg.Logger.Error("dropping undecodable task message",
				"message_uuid", msg.UUID, "error", err)
			msg.Ack()
			continue
		}
		return &TaskDelivery{
			Request: req,
			ack:     func() { msg.Ack() },
			nack:    delayedNack(msg, c.cfg.RedeliveryDelay),
		}, nil
	}
}

// Close stops the subscription and closes the publisher.
func (c *WatermillTaskChannel) Close() error {
	c.sub.close()
	return c.pub.Close()
}
