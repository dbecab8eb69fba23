// Package dispatch runs polled work items through their registered handlers
// and turns whatever comes back into a work response for submission.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unmeshed/go-sdk/internal/permit"
	"github.com/unmeshed/go-sdk/model"
	"github.com/unmeshed/go-sdk/stepctx"
	"github.com/unmeshed/go-sdk/worker"
)

// maxErrorLength bounds the error message copied into a failed response.
const maxErrorLength = 1000

const truncationSuffix = "... (truncated)"

// Sink receives finished responses together with the permit slot that stays
// held until submission retires it.
type Sink interface {
	Enqueue(response *model.WorkResponse, slot *permit.Slot)
}

// Dispatcher executes work items under per-handler scheduling domains and a
// per-step deadline.
type Dispatcher struct {
	table       *worker.Table
	sink        Sink
	cpu         *cpuPool
	stepTimeout time.Duration
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// New creates a dispatcher. stepTimeout of zero means handlers run without a
// deadline; cpuPoolSize bounds concurrent CPU-domain executions.
func New(table *worker.Table, sink Sink, cpuPoolSize int, stepTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		table:       table,
		sink:        sink,
		cpu:         newCPUPool(cpuPoolSize),
		stepTimeout: stepTimeout,
		logger:      logger,
	}
}

// Dispatch routes one work item to its handler. The slot is released by the
// submitter on terminal outcome, or here when no handler is registered.
func (d *Dispatcher) Dispatch(ctx context.Context, item *model.WorkItem, slot *permit.Slot) {
	entry, ok := d.table.Lookup(item.StepNamespace, item.StepName)
	if !ok {
		d.logger.Warn("no worker registered for step, dropping",
			"namespace", item.StepNamespace,
			"name", item.StepName,
			"step_execution_id", item.StepExecutionID,
		)
		unknownStepsTotal.Inc()
		slot.Release()
		return
	}

	run := func() { d.execute(ctx, entry.Worker, item, slot) }

	d.wg.Add(1)
	if entry.Worker.Domain == worker.DomainCPU {
		d.cpu.Submit(func() {
			defer d.wg.Done()
			run()
		})
		return
	}
	go func() {
		defer d.wg.Done()
		run()
	}()
}

// Wait blocks until all in-flight executions have produced a response.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
	d.cpu.Wait()
}

// execute runs the handler and hands the normalized response to the sink.
func (d *Dispatcher) execute(ctx context.Context, w worker.Worker, item *model.WorkItem, slot *permit.Slot) {
	started := time.Now()

	execCtx := stepctx.With(ctx, item)
	cancel := context.CancelFunc(func() {})
	if d.stepTimeout > 0 {
		execCtx, cancel = context.WithTimeout(execCtx, d.stepTimeout)
	}
	defer cancel()

	value, err := d.invoke(execCtx, w, item)

	result := normalize(value, err)
	status := model.StatusCompleted
	switch {
	case err != nil:
		status = model.StatusFailed
	case result.KeepRunning():
		status = model.StatusRunning
	}
	result.Output[model.CompletedAtKey] = time.Now().UnixMilli()

	response := &model.WorkResponse{
		StepID:                 item.StepID,
		ProcessID:              item.ProcessID,
		StepExecutionID:        item.StepExecutionID,
		RunCount:               item.RunCount,
		Output:                 result.Output,
		Status:                 status,
		RescheduleAfterSeconds: result.RescheduleAfterSeconds,
		StartedAt:              started.UnixMilli(),
	}

	stepsTotal.WithLabelValues(status).Inc()
	stepDuration.WithLabelValues(item.StepNamespace, item.StepName).Observe(time.Since(started).Seconds())

	d.sink.Enqueue(response, slot)
}

// invoke calls the handler, converting panics to errors. With a deadline
// installed the call runs in its own goroutine so the deadline holds even
// against a handler that ignores its context; a timed-out handler goroutine
// is left to finish on its own.
func (d *Dispatcher) invoke(ctx context.Context, w worker.Worker, item *model.WorkItem) (any, error) {
	if d.stepTimeout <= 0 {
		return safeCall(ctx, w.Execute, item.InputParam)
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := safeCall(ctx, w.Execute, item.InputParam)
		done <- outcome{value: value, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("step timed out after %s: %w", d.stepTimeout, ctx.Err())
	}
}

// safeCall invokes fn, mapping a panic to an error.
func safeCall(ctx context.Context, fn worker.ExecuteFn, input map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, input)
}

// normalize maps a handler return value to a step result. An explicit
// *model.StepResult is adopted; a map becomes the output; anything else is
// wrapped as {"result": value}. Errors become {"error": message}, truncated.
func normalize(value any, err error) *model.StepResult {
	if err != nil {
		return &model.StepResult{
			Output: map[string]any{"error": truncateError(err.Error())},
		}
	}
	switch v := value.(type) {
	case *model.StepResult:
		if v == nil {
			return &model.StepResult{Output: map[string]any{}}
		}
		out := *v
		if out.Output == nil {
			out.Output = map[string]any{}
		}
		return &out
	case model.StepResult:
		if v.Output == nil {
			v.Output = map[string]any{}
		}
		return &v
	case map[string]any:
		if v == nil {
			v = map[string]any{}
		}
		return &model.StepResult{Output: v}
	case nil:
		return &model.StepResult{Output: map[string]any{}}
	default:
		return &model.StepResult{Output: map[string]any{"result": v}}
	}
}

// truncateError bounds msg to maxErrorLength bytes plus a marker.
func truncateError(msg string) string {
	if len(msg) <= maxErrorLength {
		return msg
	}
	return msg[:maxErrorLength] + truncationSuffix
}
