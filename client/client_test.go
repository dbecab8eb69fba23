package client_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unmeshed/go-sdk/client"
	"github.com/unmeshed/go-sdk/config"
	"github.com/unmeshed/go-sdk/model"
	"github.com/unmeshed/go-sdk/stepctx"
	"github.com/unmeshed/go-sdk/worker"
)

// fakeEngine is an httptest-backed engine: it serves registration, hands out
// queued work items up to the requested sizes, and records bulk results.
type fakeEngine struct {
	mu            sync.Mutex
	registrations [][]map[string]any
	pollRequests  [][]pollRequest
	queue         map[string][]*model.WorkItem
	results       []*model.WorkResponse
	resultStatus  []int // scripted bulkResults replies; empty means 200
	resultBody    string
	server        *httptest.Server
}

type pollRequest struct {
	StepQueueNameData struct {
		OrgID     int    `json:"orgId"`
		Namespace string `json:"namespace"`
		StepType  string `json:"stepType"`
		Name      string `json:"name"`
	} `json:"stepQueueNameData"`
	Size int `json:"size"`
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	e := &fakeEngine{queue: make(map[string][]*model.WorkItem)}
	e.server = httptest.NewServer(http.HandlerFunc(e.handle))
	t.Cleanup(e.server.Close)
	return e
}

func (e *fakeEngine) handle(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case r.Method == http.MethodPut && r.URL.Path == "/api/clients/register":
		var body []map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		e.registrations = append(e.registrations, body)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && r.URL.Path == "/api/clients/poll":
		var requests []pollRequest
		json.NewDecoder(r.Body).Decode(&requests)
		e.pollRequests = append(e.pollRequests, requests)

		items := []*model.WorkItem{}
		for _, req := range requests {
			key := req.StepQueueNameData.Namespace + "/" + req.StepQueueNameData.Name
			n := req.Size
			if n > len(e.queue[key]) {
				n = len(e.queue[key])
			}
			items = append(items, e.queue[key][:n]...)
			e.queue[key] = e.queue[key][n:]
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(items)

	case r.Method == http.MethodPost && r.URL.Path == "/api/clients/bulkResults":
		if len(e.resultStatus) > 0 {
			status := e.resultStatus[0]
			e.resultStatus = e.resultStatus[1:]
			w.WriteHeader(status)
			io.WriteString(w, e.resultBody)
			return
		}
		var responses []*model.WorkResponse
		json.NewDecoder(r.Body).Decode(&responses)
		e.results = append(e.results, responses...)
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (e *fakeEngine) enqueue(item *model.WorkItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := item.StepNamespace + "/" + item.StepName
	e.queue[key] = append(e.queue[key], item)
}

func (e *fakeEngine) submittedResults() []*model.WorkResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*model.WorkResponse(nil), e.results...)
}

func (e *fakeEngine) maxRequestedSize(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	maxSize := 0
	for _, reqs := range e.pollRequests {
		for _, req := range reqs {
			if req.StepQueueNameData.Name == name && req.Size > maxSize {
				maxSize = req.Size
			}
		}
	}
	return maxSize
}

// waitForResults polls the fake engine until it holds at least n submitted
// responses.
func waitForResults(t *testing.T, e *fakeEngine, n int, timeout time.Duration) []*model.WorkResponse {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if results := e.submittedResults(); len(results) >= n {
			return results
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d results, have %d", n, len(e.submittedResults()))
	return nil
}

func testConfig(e *fakeEngine) config.Config {
	cfg := config.Default()
	cfg.ClientID = "test-client"
	cfg.AuthToken = "test-token"
	cfg.BaseURL = e.server.URL
	cfg.InitialDelay = 10 * time.Millisecond
	cfg.StepTimeoutMillis = 0
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func startClient(t *testing.T, c *client.Client) {
	t.Helper()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
}

func echoItem(execID int64) *model.WorkItem {
	return &model.WorkItem{
		StepID:          1,
		ProcessID:       2,
		StepExecutionID: execID,
		RunCount:        1,
		StepNamespace:   "default",
		StepName:        "echo",
		InputParam:      map[string]any{"message": "hi", "delayMs": float64(0)},
	}
}

func TestSuccessRoundTrip(t *testing.T) {
	engine := newFakeEngine(t)
	engine.enqueue(echoItem(7))

	c, err := client.New(testConfig(engine), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.RegisterWorker(worker.Worker{
		Name:          "echo",
		MaxInProgress: 1,
		Execute: func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{"echo": input["message"]}, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	startClient(t, c)

	results := waitForResults(t, engine, 1, 5*time.Second)
	resp := results[0]

	if resp.StepExecutionID != 7 {
		t.Errorf("StepExecutionID = %d, want 7", resp.StepExecutionID)
	}
	if resp.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want COMPLETED", resp.Status)
	}
	if resp.Output["echo"] != "hi" {
		t.Errorf("Output[echo] = %v, want hi", resp.Output["echo"])
	}
	if _, ok := resp.Output[model.CompletedAtKey]; !ok {
		t.Errorf("Output missing %s", model.CompletedAtKey)
	}

	// The engine received exactly one registration.
	engine.mu.Lock()
	registrations := len(engine.registrations)
	engine.mu.Unlock()
	if registrations != 1 {
		t.Errorf("registrations = %d, want 1", registrations)
	}

	// Permit returned: a second item must flow through the same single slot.
	engine.enqueue(echoItem(8))
	waitForResults(t, engine, 2, 5*time.Second)
}

func TestFailureTruncation(t *testing.T) {
	engine := newFakeEngine(t)
	engine.enqueue(echoItem(9))

	c, err := client.New(testConfig(engine), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.RegisterWorker(worker.Worker{
		Name:          "echo",
		MaxInProgress: 1,
		Execute: func(ctx context.Context, input map[string]any) (any, error) {
			return nil, fmt.Errorf("%s", strings.Repeat("a", 2000))
		},
	})
	startClient(t, c)

	resp := waitForResults(t, engine, 1, 5*time.Second)[0]
	if resp.Status != model.StatusFailed {
		t.Errorf("Status = %q, want FAILED", resp.Status)
	}
	errMsg, _ := resp.Output["error"].(string)
	if len(errMsg) != 1015 {
		t.Errorf("len(error) = %d, want 1015", len(errMsg))
	}
	if !strings.HasSuffix(errMsg, "... (truncated)") {
		t.Errorf("error message not truncated: %q", errMsg[len(errMsg)-30:])
	}
}

func TestRunningReschedule(t *testing.T) {
	engine := newFakeEngine(t)
	engine.enqueue(echoItem(10))

	c, err := client.New(testConfig(engine), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.RegisterWorker(worker.Worker{
		Name:          "echo",
		MaxInProgress: 1,
		Execute: func(ctx context.Context, input map[string]any) (any, error) {
			return &model.StepResult{
				Status:                 model.StatusRunning,
				RescheduleAfterSeconds: 5,
				Output:                 map[string]any{"attempt": 1},
			}, nil
		},
	})
	startClient(t, c)

	resp := waitForResults(t, engine, 1, 5*time.Second)[0]
	if resp.Status != model.StatusRunning {
		t.Errorf("Status = %q, want RUNNING", resp.Status)
	}
	if resp.RescheduleAfterSeconds != 5 {
		t.Errorf("RescheduleAfterSeconds = %d, want 5", resp.RescheduleAfterSeconds)
	}
}

func TestCreditBasedThrottling(t *testing.T) {
	engine := newFakeEngine(t)
	for i := int64(0); i < 10; i++ {
		engine.enqueue(echoItem(i))
	}

	var concurrent, peak atomic.Int32
	release := make(chan struct{})

	c, err := client.New(testConfig(engine), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.RegisterWorker(worker.Worker{
		Name:          "echo",
		MaxInProgress: 3,
		Execute: func(ctx context.Context, input map[string]any) (any, error) {
			n := concurrent.Add(1)
			defer concurrent.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			return map[string]any{}, nil
		},
	})
	startClient(t, c)

	// Let several poll cycles pass while all permits are blocked.
	time.Sleep(500 * time.Millisecond)
	close(release)
	waitForResults(t, engine, 10, 10*time.Second)

	if got := engine.maxRequestedSize("echo"); got > 3 {
		t.Errorf("max requested poll size = %d, want <= 3", got)
	}
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

func TestContextPropagationAcrossConcurrentExecutions(t *testing.T) {
	const n = 20
	engine := newFakeEngine(t)

	nestedRead := func(ctx context.Context) int64 {
		time.Sleep(time.Millisecond)
		return stepctx.MustFrom(ctx).StepExecutionID
	}

	c, err := client.New(testConfig(engine), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.RegisterWorker(worker.Worker{
		Name:          "echo",
		MaxInProgress: n,
		Execute: func(ctx context.Context, input map[string]any) (any, error) {
			direct := stepctx.MustFrom(ctx).StepExecutionID
			nested := nestedRead(ctx)
			if direct != nested {
				return nil, fmt.Errorf("context drift: %d vs %d", direct, nested)
			}
			return map[string]any{"observed": nested}, nil
		},
	})
	for i := int64(0); i < n; i++ {
		engine.enqueue(echoItem(i))
	}
	startClient(t, c)

	results := waitForResults(t, engine, n, 10*time.Second)
	for _, resp := range results {
		if resp.Status != model.StatusCompleted {
			t.Errorf("execution %d failed: %v", resp.StepExecutionID, resp.Output["error"])
			continue
		}
		observed, _ := resp.Output["observed"].(float64)
		if int64(observed) != resp.StepExecutionID {
			t.Errorf("execution %d observed %v", resp.StepExecutionID, resp.Output["observed"])
		}
	}
}

func TestDisabledBatchProcessingStartsNothing(t *testing.T) {
	engine := newFakeEngine(t)
	engine.enqueue(echoItem(1))

	cfg := testConfig(engine)
	cfg.EnableBatchProcessing = false

	c, err := client.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.RegisterWorker(worker.Worker{
		Name:          "echo",
		MaxInProgress: 1,
		Execute: func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{}, nil
		},
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.registrations) != 0 {
		t.Errorf("registrations = %d, want 0 when batch processing disabled", len(engine.registrations))
	}
	if len(engine.pollRequests) != 0 {
		t.Errorf("poll requests = %d, want 0 when batch processing disabled", len(engine.pollRequests))
	}
}

func TestStartWithoutWorkersFails(t *testing.T) {
	engine := newFakeEngine(t)
	c, err := client.New(testConfig(engine), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("Start with no workers: expected error")
	}
}

func TestRegisterAfterStartFails(t *testing.T) {
	engine := newFakeEngine(t)
	c, err := client.New(testConfig(engine), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.RegisterWorker(worker.Worker{
		Name:    "echo",
		Execute: func(ctx context.Context, input map[string]any) (any, error) { return nil, nil },
	})
	startClient(t, c)

	err = c.RegisterWorker(worker.Worker{
		Name:    "late",
		Execute: func(ctx context.Context, input map[string]any) (any, error) { return nil, nil },
	})
	if err == nil {
		t.Error("RegisterWorker after Start: expected error")
	}
}

func TestInvalidConfigFailsConstruction(t *testing.T) {
	cfg := config.Default()
	if _, err := client.New(cfg, testLogger()); err == nil {
		t.Error("New with missing credentials: expected error")
	}
}
