package transport

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

// MemoryTaskChannel is an in-process TaskChannel and TaskConsumer. Nacked
// requests are re-sent after the redelivery delay.
type MemoryTaskChannel struct {
	ch              chan api.TaskRequest
	done            chan struct{}
	closeOnce       sync.Once
	redeliveryDelay time.Duration
}

var (
	_ TaskChannel  = (*MemoryTaskChannel)(nil)
	_ TaskConsumer = (*MemoryTaskChannel)(nil)
)

// NewMemoryTaskChannel creates a channel with the given buffer size.
func NewMemoryTaskChannel(buffer int, redeliveryDelay time.Duration) *MemoryTaskChannel {
	if buffer <= 0 {
		buffer = 1024
	}
	if redeliveryDelay <= 0 {
		redeliveryDelay = DefaultRedeliveryDelay
	}
	return &MemoryTaskChannel{
		ch:              make(chan api.TaskRequest, buffer),
		done:            make(chan struct{}),
		redeliveryDelay: redeliveryDelay,
	}
}

func (c *MemoryTaskChannel) StartTask(ctx context.Context, req api.TaskRequest) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.ch <- req:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MemoryTaskChannel) ReceiveTask(ctx context.Context) (*TaskDelivery, error) {
	select {
	case req := <-c.ch:
		var once sync.Once
		return &TaskDelivery{
			Request: req,
			ack:     func() {},
			nack: func() {
				once.Do(func() {
					time.AfterFunc(c.redeliveryDelay, func() {
						_ = c.StartTask(context.Background(), req)
					})
				})
			},
		}, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of buffered requests.
func (c *MemoryTaskChannel) Len() int { return len(c.ch) }

// Close stops the channel. Buffered requests are dropped.
func (c *MemoryTaskChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
