package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/unmeshed/go-sdk/internal/transport"
	"github.com/unmeshed/go-sdk/model"
	"github.com/unmeshed/go-sdk/worker"
)

const (
	registerAttempts   = 10
	registerBackoffCap = 10 * time.Second
)

// Registrar is the slice of the transport used for registration.
type Registrar interface {
	Register(ctx context.Context, entries []transport.RegistrationEntry) error
}

// RegistrationEntries builds the announcement payload for every worker in
// the table.
func RegistrationEntries(table *worker.Table) []transport.RegistrationEntry {
	entries := table.Entries()
	out := make([]transport.RegistrationEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, transport.RegistrationEntry{
			ProcessID: 0,
			Namespace: e.Worker.Namespace,
			StepType:  model.StepTypeWorker,
			Name:      e.Worker.Name,
		})
	}
	return out
}

// RegisterWithRetry announces the worker table to the engine, retrying with
// a linear backoff (1 s, 3 s, 5 s, ...) capped at 10 s. After ten failed
// attempts the last error is returned and startup must fail.
func RegisterWithRetry(ctx context.Context, registrar Registrar, table *worker.Table, logger *slog.Logger) error {
	entries := RegistrationEntries(table)

	var lastErr error
	for attempt := 1; attempt <= registerAttempts; attempt++ {
		lastErr = registrar.Register(ctx, entries)
		if lastErr == nil {
			logger.Info("registered workers", "count", len(entries))
			return nil
		}
		if attempt == registerAttempts {
			break
		}
		backoff := time.Duration(2*attempt-1) * time.Second
		if backoff > registerBackoffCap {
			backoff = registerBackoffCap
		}
		logger.Warn("registration failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", lastErr,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("registration failed after %d attempts: %w", registerAttempts, lastErr)
}
