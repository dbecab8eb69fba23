// Package client is the SDK entry point: it owns the worker table, the
// engine transport, and the polling, dispatch, and submission loops.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unmeshed/go-sdk/config"
	"github.com/unmeshed/go-sdk/internal/admin"
	"github.com/unmeshed/go-sdk/internal/archive"
	"github.com/unmeshed/go-sdk/internal/dispatch"
	"github.com/unmeshed/go-sdk/internal/poll"
	"github.com/unmeshed/go-sdk/internal/submit"
	"github.com/unmeshed/go-sdk/internal/transport"
	"github.com/unmeshed/go-sdk/worker"
)

// statusInterval paces the periodic status log line.
const statusInterval = 30 * time.Second

// Client connects a worker host to the orchestration engine.
type Client struct {
	cfg        config.Config
	logger     *slog.Logger
	table      *worker.Table
	engine     *transport.Client
	submitter  *submit.Submitter
	dispatcher *dispatch.Dispatcher
	poller     *poll.Poller
	admin      *admin.Server
	archive    *archive.Archive

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the configuration and builds a client. Workers must be
// registered before Start. A nil logger gets the default JSON logger on
// stdout at the configured level.
func New(cfg config.Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = config.NewLogger(os.Stdout, cfg.LogLevel)
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		table:  worker.NewTable(),
		engine: transport.New(&cfg),
	}

	if cfg.ArchivePath != "" {
		arch, err := archive.Open(cfg.ArchivePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		c.archive = arch
	}

	var recorder submit.Recorder
	if c.archive != nil {
		recorder = c.archive
	}
	c.submitter = submit.New(
		c.engine,
		cfg.ResponseSubmitBatchSize,
		cfg.MaxSubmitAttempts,
		cfg.PermanentErrorKeywords,
		recorder,
		logger,
	)
	c.dispatcher = dispatch.New(c.table, c.submitter, cfg.FixedThreadPoolSize, cfg.StepTimeout(), logger)
	c.poller = poll.New(c.table, c.engine, c.dispatcher, cfg.WorkRequestBatchSize, logger)

	if cfg.AdminListenAddr != "" {
		c.admin = admin.NewServer(cfg.AdminListenAddr, c.table, c.status, c.archive, logger)
	}

	return c, nil
}

// RegisterWorker adds a step handler. All workers must be registered before
// Start.
func (c *Client) RegisterWorker(w worker.Worker) error {
	if c.started.Load() {
		return errors.New("cannot register workers after start")
	}
	return c.table.Register(w)
}

// Start registers the worker table with the engine and launches the polling
// and submission loops. When batch processing is disabled by configuration
// the client logs and starts nothing. Registration failure is fatal.
func (c *Client) Start(ctx context.Context) error {
	if !c.cfg.EnableBatchProcessing {
		c.logger.Info("batch processing disabled, not starting poller or submitter")
		return nil
	}
	if c.started.Swap(true) {
		return errors.New("client already started")
	}
	if c.table.Len() == 0 {
		c.started.Store(false)
		return errors.New("no workers registered")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.cfg.InitialDelay > 0 {
		select {
		case <-runCtx.Done():
			c.started.Store(false)
			return runCtx.Err()
		case <-time.After(c.cfg.InitialDelay):
		}
	}

	if err := poll.RegisterWithRetry(runCtx, c.engine, c.table, c.logger); err != nil {
		c.started.Store(false)
		cancel()
		return err
	}

	c.submitter.Start(runCtx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poller.Run(runCtx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.statusLoop(runCtx)
	}()

	if c.admin != nil {
		c.admin.Start()
	}

	c.logger.Info("client started",
		"workers", c.table.Len(),
		"server_url", c.cfg.ServerURL(),
	)
	return nil
}

// Stop cancels the loops, waits for in-flight executions to hand off, and
// closes the admin server and archive.
func (c *Client) Stop() {
	if !c.started.Swap(false) {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.dispatcher.Wait()
	c.submitter.Stop()
	if c.admin != nil {
		c.admin.Stop()
	}
	if c.archive != nil {
		if err := c.archive.Close(); err != nil {
			c.logger.Error("close archive", "error", err)
		}
	}
	c.logger.Info("client stopped")
}

// QueueDepth returns the number of responses awaiting submission.
func (c *Client) QueueDepth() int {
	return c.submitter.QueueDepth()
}

// status snapshots the client for the admin API.
func (c *Client) status() admin.Status {
	return admin.Status{
		Running:    c.started.Load(),
		QueueDepth: c.submitter.QueueDepth(),
	}
}

// statusLoop periodically logs queue depth and per-worker permit usage.
func (c *Client) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attrs := []any{"queued_submissions", c.submitter.QueueDepth()}
			for _, e := range c.table.Entries() {
				key := e.Worker.Namespace + "/" + e.Worker.Name
				attrs = append(attrs, key, fmt.Sprintf("%d/%d", e.Pool.InUse(), e.Pool.Capacity()))
			}
			c.logger.Info("worker status", attrs...)
		}
	}
}
