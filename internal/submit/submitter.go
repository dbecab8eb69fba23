// Package submit delivers work responses to the engine in batches and
// retires the permit held by each response on its terminal outcome.
//
// The bulk-results protocol reports no per-item status, so failure
// classification is batch-uniform: a permanent-error keyword match retires
// every tracker in the attempted batch, and any other failure re-queues every
// tracker that has attempts left (the rest are dropped). This is coarse but matches the engine contract; refine only if
// the engine starts returning per-item outcomes.
package submit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/unmeshed/go-sdk/internal/permit"
	"github.com/unmeshed/go-sdk/internal/transport"
	"github.com/unmeshed/go-sdk/model"
)

const drainInterval = 100 * time.Millisecond

// Terminal outcomes for a retired tracker.
const (
	OutcomeSubmitted = "submitted"
	OutcomeDropped   = "dropped"
)

// Engine is the slice of the transport the submitter uses.
type Engine interface {
	SubmitResults(ctx context.Context, responses []*model.WorkResponse) error
}

// Recorder receives retired responses. Implemented by the archive; optional.
type Recorder interface {
	Record(response *model.WorkResponse, outcome string, attempts int)
}

// tracker carries one response from dispatcher handoff to terminal outcome,
// holding exactly one permit slot the whole way.
type tracker struct {
	id         string
	response   *model.WorkResponse
	slot       *permit.Slot
	attempts   int
	enqueuedAt time.Time
}

// Submitter drains a FIFO of trackers in batches. A single background
// goroutine owns batch assembly, so only one bulk request is in flight at a
// time.
type Submitter struct {
	engine      Engine
	recorder    Recorder
	logger      *slog.Logger
	batchSize   int
	maxAttempts int
	keywords    []string

	mu    sync.Mutex
	queue []*tracker

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a submitter. Keywords are matched case-insensitively against
// error bodies; recorder may be nil.
func New(engine Engine, batchSize, maxAttempts int, keywords []string, recorder Recorder, logger *slog.Logger) *Submitter {
	lowered := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			lowered = append(lowered, strings.ToLower(kw))
		}
	}
	return &Submitter{
		engine:      engine,
		recorder:    recorder,
		logger:      logger,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		keywords:    lowered,
		stopCh:      make(chan struct{}),
	}
}

// Enqueue hands a response and its permit slot to the submitter. The permit
// stays held until the response departs, successfully or permanently.
func (s *Submitter) Enqueue(response *model.WorkResponse, slot *permit.Slot) {
	t := &tracker{
		id:         model.NewID(),
		response:   response,
		slot:       slot,
		enqueuedAt: time.Now(),
	}
	s.mu.Lock()
	s.queue = append(s.queue, t)
	depth := len(s.queue)
	s.mu.Unlock()
	queueDepth.Set(float64(depth))
}

// QueueDepth returns the number of responses awaiting submission.
func (s *Submitter) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Start launches the drain loop.
func (s *Submitter) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-time.After(drainInterval):
				s.drain(ctx)
			}
		}
	}()
}

// Stop ends the drain loop and waits for an in-flight batch to settle.
func (s *Submitter) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// drain takes one batch off the queue head and submits it.
func (s *Submitter) drain(ctx context.Context) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	n := s.batchSize
	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := s.queue[:n]
	s.queue = append([]*tracker(nil), s.queue[n:]...)
	s.mu.Unlock()

	responses := make([]*model.WorkResponse, len(batch))
	for i, t := range batch {
		responses[i] = t.response
	}

	err := s.engine.SubmitResults(ctx, responses)
	if err == nil {
		for _, t := range batch {
			s.retire(t, OutcomeSubmitted)
		}
		batchesTotal.WithLabelValues("ok").Inc()
		queueDepth.Set(float64(s.QueueDepth()))
		return
	}

	permanent := s.isPermanent(err)
	batchesTotal.WithLabelValues("error").Inc()

	var requeue []*tracker
	for _, t := range batch {
		t.attempts++
		if permanent || t.attempts >= s.maxAttempts {
			s.logger.Error("dropping work response",
				"step_execution_id", t.response.StepExecutionID,
				"attempts", t.attempts,
				"permanent", permanent,
				"error", err,
			)
			s.retire(t, OutcomeDropped)
			continue
		}
		requeue = append(requeue, t)
	}
	if len(requeue) > 0 {
		submissionsTotal.WithLabelValues("retried").Add(float64(len(requeue)))
		s.mu.Lock()
		s.queue = append(s.queue, requeue...)
		s.mu.Unlock()
	}
	queueDepth.Set(float64(s.QueueDepth()))
}

// retire releases the tracker's permit and records the terminal outcome.
func (s *Submitter) retire(t *tracker, outcome string) {
	t.slot.Release()
	submissionsTotal.WithLabelValues(outcome).Inc()
	if s.recorder != nil {
		s.recorder.Record(t.response, outcome, t.attempts)
	}
}

// isPermanent reports whether the error body matches a configured
// permanent-error keyword.
func (s *Submitter) isPermanent(err error) bool {
	var statusErr *transport.StatusError
	body := err.Error()
	if errors.As(err, &statusErr) {
		body = statusErr.Body
	}
	body = strings.ToLower(body)
	for _, kw := range s.keywords {
		if strings.Contains(body, kw) {
			return true
		}
	}
	return false
}
