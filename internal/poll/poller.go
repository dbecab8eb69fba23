// Package poll implements the credit-based pull loop: work is requested in
// exactly the quantity the permit pools can cover, and permits unused by a
// poll response return to their pools in the same iteration.
package poll

import (
	"context"
	"log/slog"
	"time"

	"github.com/unmeshed/go-sdk/internal/permit"
	"github.com/unmeshed/go-sdk/internal/transport"
	"github.com/unmeshed/go-sdk/model"
	"github.com/unmeshed/go-sdk/worker"
)

const (
	// pollInterval paces iterations so an idle host does not busy-loop.
	pollInterval = 100 * time.Millisecond
	// errorBackoff delays the next iteration after a failed poll.
	errorBackoff = 1 * time.Second
	// maxPollSize caps the item count requested for one handler per poll.
	maxPollSize = 5000
)

// Engine is the slice of the transport the poller uses.
type Engine interface {
	Poll(ctx context.Context, requests []transport.PollRequest) ([]*model.WorkItem, error)
}

// Dispatcher receives polled work items together with their permit slots.
type Dispatcher interface {
	Dispatch(ctx context.Context, item *model.WorkItem, slot *permit.Slot)
}

// Poller drives the pull loop for all registered workers.
type Poller struct {
	table      *worker.Table
	engine     Engine
	dispatcher Dispatcher
	batchSize  int
	logger     *slog.Logger

	// errLogged suppresses repeated poll failure logs until a successful
	// poll returns at least one item.
	errLogged bool
}

// New creates a poller. batchSize caps the per-handler request size below
// the absolute maxPollSize cap.
func New(table *worker.Table, engine Engine, dispatcher Dispatcher, batchSize int, logger *slog.Logger) *Poller {
	return &Poller{
		table:      table,
		engine:     engine,
		dispatcher: dispatcher,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Run loops until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	for {
		delay := p.iterate(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// iterate performs one poll cycle and returns the pacing delay before the
// next one.
func (p *Poller) iterate(ctx context.Context) time.Duration {
	entries := p.table.Entries()
	acquired := make(map[*worker.Entry]int64, len(entries))
	var requests []transport.PollRequest

	for _, entry := range entries {
		size := entry.Pool.Available()
		if int64(p.batchSize) < size {
			size = int64(p.batchSize)
		}
		if size > maxPollSize {
			size = maxPollSize
		}
		if size <= 0 {
			continue
		}
		got := entry.Pool.TryAcquire(size)
		if got <= 0 {
			continue
		}
		acquired[entry] = got
		requests = append(requests, transport.PollRequest{
			StepQueueNameData: transport.StepQueueNameData{
				OrgID:     1,
				Namespace: entry.Worker.Namespace,
				StepType:  model.StepTypeWorker,
				Name:      entry.Worker.Name,
			},
			Size: int(got),
		})
	}

	if len(requests) == 0 {
		return pollInterval
	}

	items, err := p.engine.Poll(ctx, requests)
	if err != nil {
		for entry, n := range acquired {
			entry.Pool.Release(n)
		}
		pollsTotal.WithLabelValues("error").Inc()
		if !p.errLogged {
			p.logger.Error("poll failed, suppressing further errors until recovery", "error", err)
			p.errLogged = true
		}
		return errorBackoff
	}
	pollsTotal.WithLabelValues("ok").Inc()

	// Count of items handed out per handler; the matching permits travel
	// with the items into dispatch.
	used := make(map[*worker.Entry]int64, len(acquired))
	dispatched := 0
	for _, item := range items {
		entry, ok := p.table.Lookup(item.StepNamespace, item.StepName)
		if !ok || acquired[entry] <= used[entry] {
			// The engine returned an item we hold no permit for. Take one
			// if the pool has room, otherwise drop; the engine requeues it.
			if entry == nil || entry.Pool.TryAcquire(1) == 0 {
				p.logger.Warn("dropping unexpected polled item",
					"namespace", item.StepNamespace,
					"name", item.StepName,
					"step_execution_id", item.StepExecutionID,
				)
				continue
			}
		} else {
			used[entry]++
		}
		dispatched++
		p.dispatcher.Dispatch(ctx, item, entry.Pool.Slot())
	}
	workItemsTotal.Add(float64(dispatched))

	for entry, n := range acquired {
		if unused := n - used[entry]; unused > 0 {
			entry.Pool.Release(unused)
		}
	}

	if p.errLogged && len(items) > 0 {
		p.logger.Info("poll recovered", "items", len(items))
		p.errLogged = false
	}

	return pollInterval
}
