package client

import (
	"context"

	"github.com/unmeshed/go-sdk/model"
)

// Process-management wrappers. These are plain request/response calls on the
// engine transport; none of them touch the scheduling core.

// RunProcessSync starts a process and waits for the engine's terminal reply.
func (c *Client) RunProcessSync(ctx context.Context, req *model.ProcessRequest) (*model.ProcessData, error) {
	return c.engine.RunProcessSync(ctx, req)
}

// RunProcessAsync starts a process without waiting for completion.
func (c *Client) RunProcessAsync(ctx context.Context, req *model.ProcessRequest) (*model.ProcessData, error) {
	return c.engine.RunProcessAsync(ctx, req)
}

// GetProcessData fetches one process run by ID.
func (c *Client) GetProcessData(ctx context.Context, processID int64) (*model.ProcessData, error) {
	return c.engine.GetProcessData(ctx, processID)
}

// SearchProcesses lists process runs matching the filter.
func (c *Client) SearchProcesses(ctx context.Context, req *model.ProcessSearchRequest) ([]*model.ProcessData, error) {
	return c.engine.SearchProcesses(ctx, req)
}

// BulkTerminate requests termination of the given process runs.
func (c *Client) BulkTerminate(ctx context.Context, processIDs []int64, reason string) (int, error) {
	return c.engine.BulkTerminate(ctx, processIDs, reason)
}

// CreateProcessDefinition stores a new process definition.
func (c *Client) CreateProcessDefinition(ctx context.Context, def *model.ProcessDefinition) error {
	return c.engine.CreateProcessDefinition(ctx, def)
}

// UpdateProcessDefinition replaces an existing process definition.
func (c *Client) UpdateProcessDefinition(ctx context.Context, def *model.ProcessDefinition) error {
	return c.engine.UpdateProcessDefinition(ctx, def)
}

// DeleteProcessDefinition removes a process definition.
func (c *Client) DeleteProcessDefinition(ctx context.Context, namespace, name string) error {
	return c.engine.DeleteProcessDefinition(ctx, namespace, name)
}
