package worker

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/eventide/internal/timer"
	"github.com/petrijr/eventide/internal/timerqueue"
)

// TimerWorker drains the delayed timer queue.
type TimerWorker struct {
	queue   timerqueue.Queue
	handler *timer.Handler
	cfg     Config
}

func NewTimerWorker(queue timerqueue.Queue, handler *timer.Handler, cfg Config) *TimerWorker {
	return &TimerWorker{queue: queue, handler: handler, cfg: cfg.withDefaults()}
}

// fire runs the handler for one dequeued item. A timer whose event could
// not be submitted goes back on the queue.
func (w *TimerWorker) fire(ctx context.Context, item *timerqueue.Item) {
	req, err := timer.DecodeRequest(item)
	if err != nil {
		w.cfg.Logger.Error("dropping undecodable timer", "item", item.ID, "error", err)
		return
	}
	err = w.handler.Handle(ctx, req)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Shutting down mid-wait; put it back so another worker fires it.
		ctx = context.WithoutCancel(ctx)
	} else {
		w.cfg.Logger.Warn("timer delivery failed; requeueing", "execution_id", req.ExecutionID, "error", err)
	}
	retry := *item
	retry.NotBefore = time.Now().Add(w.cfg.ErrorBackoff)
	if err := w.queue.Enqueue(ctx, retry); err != nil {
		w.cfg.Logger.Error("requeue timer failed", "execution_id", req.ExecutionID, "error", err)
	}
}

// ProcessOne dequeues one due timer and fires it synchronously.
func (w *TimerWorker) ProcessOne(ctx context.Context) error {
	item, err := w.queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	w.fire(ctx, item)
	return nil
}

// Run fires timers until ctx is done, up to Config.Concurrency at once.
func (w *TimerWorker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			<-sem
			if isShutdown(ctx, err) {
				return nil
			}
			w.cfg.Logger.Error("dequeue timer failed", "error", err)
			if err := sleep(ctx, w.cfg.ErrorBackoff); err != nil {
				return nil
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.fire(ctx, item)
		}()
	}
}
