// Package transport is the HTTP surface to the orchestration engine:
// registration, polling, bulk result submission, and the process-management
// endpoints.
package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"

	"github.com/go-resty/resty/v2"

	"github.com/unmeshed/go-sdk/config"
	"github.com/unmeshed/go-sdk/model"
)

// HostNameHeader identifies the polling host to the engine.
const HostNameHeader = "UNMESHED_HOST_NAME"

const (
	registerPath    = "api/clients/register"
	pollPath        = "api/clients/poll"
	bulkResultsPath = "api/clients/bulkResults"
)

// StepQueueNameData names one step queue on the engine.
type StepQueueNameData struct {
	OrgID     int    `json:"orgId"`
	Namespace string `json:"namespace"`
	StepType  string `json:"stepType"`
	Name      string `json:"name"`
}

// RegistrationEntry announces one handler at registration.
type RegistrationEntry struct {
	ProcessID int    `json:"processId"`
	Namespace string `json:"namespace"`
	StepType  string `json:"stepType"`
	Name      string `json:"name"`
}

// PollRequest asks for up to Size work items from one step queue.
type PollRequest struct {
	StepQueueNameData StepQueueNameData `json:"stepQueueNameData"`
	Size              int               `json:"size"`
}

// StatusError is a non-2xx engine reply. The body is kept for permanent
// error classification.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the engine over HTTP.
type Client struct {
	http     *resty.Client
	hostName string
}

// New builds an engine client from the configuration: base URL composition,
// bearer token, timeouts, and host-name resolution.
func New(cfg *config.Config) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.ServerURL()).
		SetTimeout(cfg.ConnectionTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+AuthToken(cfg.ClientID, cfg.AuthToken))

	return &Client{
		http:     httpClient,
		hostName: HostName(),
	}
}

// AuthToken derives the engine bearer token from client credentials:
// client.sdk.{client-id}.{sha256-hex(auth-token)}.
func AuthToken(clientID, authToken string) string {
	sum := sha256.Sum256([]byte(authToken))
	return fmt.Sprintf("client.sdk.%s.%s", clientID, hex.EncodeToString(sum[:]))
}

// HostName resolves the host identifier sent with poll requests, preferring
// explicit environment overrides over the OS hostname.
func HostName() string {
	for _, env := range []string{HostNameHeader, "HOSTNAME", "COMPUTERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "-"
}

// Register announces the given handlers to the engine.
func (c *Client) Register(ctx context.Context, entries []RegistrationEntry) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(entries).
		Put(registerPath)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if !resp.IsSuccess() {
		return &StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// Poll requests work items for the given step queues.
func (c *Client) Poll(ctx context.Context, requests []PollRequest) ([]*model.WorkItem, error) {
	var items []*model.WorkItem
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(HostNameHeader, c.hostName).
		SetBody(requests).
		SetResult(&items).
		Post(pollPath)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return items, nil
}

// SubmitResults posts a batch of work responses. A non-2xx reply is returned
// as a *StatusError so the submitter can classify it.
func (c *Client) SubmitResults(ctx context.Context, responses []*model.WorkResponse) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(responses).
		Post(bulkResultsPath)
	if err != nil {
		return fmt.Errorf("submit results: %w", err)
	}
	if !resp.IsSuccess() {
		return &StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// do issues a request with an optional JSON body and decodes the reply into
// out when non-nil. Shared by the process-management wrappers.
func (c *Client) do(ctx context.Context, method, path string, body, out any, query map[string]string) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if !resp.IsSuccess() {
		return &StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// RunProcessSync starts a process and waits for the engine's terminal reply.
func (c *Client) RunProcessSync(ctx context.Context, req *model.ProcessRequest) (*model.ProcessData, error) {
	var out model.ProcessData
	if err := c.do(ctx, http.MethodPost, "api/process/runSync", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunProcessAsync starts a process without waiting for completion.
func (c *Client) RunProcessAsync(ctx context.Context, req *model.ProcessRequest) (*model.ProcessData, error) {
	var out model.ProcessData
	if err := c.do(ctx, http.MethodPost, "api/process/runAsync", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProcessData fetches one process run by ID.
func (c *Client) GetProcessData(ctx context.Context, processID int64) (*model.ProcessData, error) {
	var out model.ProcessData
	path := fmt.Sprintf("api/process/%d", processID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchProcesses lists process runs matching the filter.
func (c *Client) SearchProcesses(ctx context.Context, req *model.ProcessSearchRequest) ([]*model.ProcessData, error) {
	var out []*model.ProcessData
	if err := c.do(ctx, http.MethodPost, "api/process/search", req, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// BulkTerminate requests termination of the given process runs and returns
// how many the engine accepted.
func (c *Client) BulkTerminate(ctx context.Context, processIDs []int64, reason string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	query := map[string]string{}
	if reason != "" {
		query["reason"] = reason
	}
	if err := c.do(ctx, http.MethodPost, "api/process/bulkTerminate", processIDs, &out, query); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// CreateProcessDefinition stores a new process definition.
func (c *Client) CreateProcessDefinition(ctx context.Context, def *model.ProcessDefinition) error {
	return c.do(ctx, http.MethodPost, "api/process/definitions", def, nil, nil)
}

// UpdateProcessDefinition replaces an existing process definition.
func (c *Client) UpdateProcessDefinition(ctx context.Context, def *model.ProcessDefinition) error {
	path := fmt.Sprintf("api/process/definitions/%s/%s", def.Namespace, def.Name)
	return c.do(ctx, http.MethodPut, path, def, nil, nil)
}

// DeleteProcessDefinition removes a process definition.
func (c *Client) DeleteProcessDefinition(ctx context.Context, namespace, name string) error {
	path := fmt.Sprintf("api/process/definitions/%s/%s", namespace, name)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}
