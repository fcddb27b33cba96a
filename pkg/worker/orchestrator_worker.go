package worker

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/eventide/internal/engine"
	"github.com/petrijr/eventide/internal/transport"
	"github.com/petrijr/eventide/pkg/api"
)

// TurnProcessor runs one turn of an execution.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, executionID string, incoming []api.WorkflowEvent) (engine.TurnOutcome, error)
}

// OrchestratorWorker feeds execution events to a TurnProcessor.
type OrchestratorWorker struct {
	consumer transport.ExecutionConsumer
	turns    TurnProcessor
	cfg      Config
	keys     *keyedMutex
}

func NewOrchestratorWorker(consumer transport.ExecutionConsumer, turns TurnProcessor, cfg Config) *OrchestratorWorker {
	return &OrchestratorWorker{
		consumer: consumer,
		turns:    turns,
		cfg:      cfg.withDefaults(),
		keys:     newKeyedMutex(),
	}
}

type turnGroup struct {
	executionID string
	deliveries  []*transport.Delivery
}

// groupByExecution splits deliveries per execution, keeping first-seen
// order between groups and delivery order within each.
func groupByExecution(deliveries []*transport.Delivery) []*turnGroup {
	index := make(map[string]*turnGroup)
	var groups []*turnGroup
	for _, d := range deliveries {
		g := index[d.ExecutionID]
		if g == nil {
			g = &turnGroup{executionID: d.ExecutionID}
			index[d.ExecutionID] = g
			groups = append(groups, g)
		}
		g.deliveries = append(g.deliveries, d)
	}
	return groups
}

// ProcessBatch receives one batch and processes a turn per execution in it.
// It returns the number of deliveries handled.
func (w *OrchestratorWorker) ProcessBatch(ctx context.Context) (int, error) {
	deliveries, err := w.consumer.Receive(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	for _, group := range groupByExecution(deliveries) {
		g.Go(func() error {
			w.processGroup(ctx, group)
			return nil
		})
	}
	_ = g.Wait()
	return len(deliveries), nil
}

func (w *OrchestratorWorker) processGroup(ctx context.Context, group *turnGroup) {
	w.keys.Lock(group.executionID)
	defer w.keys.Unlock(group.executionID)

	events := make([]api.WorkflowEvent, len(group.deliveries))
	for i, d := range group.deliveries {
		events[i] = d.Event
	}

	logger := w.cfg.Logger.With("execution_id", group.executionID)
	_, err := w.turns.ProcessTurn(ctx, group.executionID, events)
	switch {
	case err == nil:
		for _, d := range group.deliveries {
			d.Ack()
		}
	case engine.IsPermanent(err):
		logger.Error("turn failed permanently; dropping events", "events", len(events), "error", err)
		for _, d := range group.deliveries {
			d.Ack()
		}
	default:
		logger.Warn("turn failed; events will be redelivered", "events", len(events), "error", err)
		for _, d := range group.deliveries {
			d.Nack()
		}
	}
}

// Run processes batches until ctx is done.
func (w *OrchestratorWorker) Run(ctx context.Context) error {
	for {
		if _, err := w.ProcessBatch(ctx); err != nil {
			if isShutdown(ctx, err) || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			w.cfg.Logger.Error("receive execution events failed", "error", err)
			if err := sleep(ctx, w.cfg.ErrorBackoff); err != nil {
				return nil
			}
		}
	}
}
