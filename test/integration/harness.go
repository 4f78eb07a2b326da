// Package integration provides a reusable harness for end-to-end testing of
// the workflow engine. It wires a full server instance: in-memory instance
// store, running scheduler, fan-out dispatcher with miniredis-backed stream
// and broadcast transports, and the HTTP API on an httptest server.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/statelinehq/stateline/internal/bus"
	"github.com/statelinehq/stateline/internal/config"
	"github.com/statelinehq/stateline/internal/engine"
	"github.com/statelinehq/stateline/internal/graph"
	"github.com/statelinehq/stateline/internal/idempotency"
	"github.com/statelinehq/stateline/internal/resilience"
	"github.com/statelinehq/stateline/internal/saga"
	"github.com/statelinehq/stateline/internal/scheduler"
	"github.com/statelinehq/stateline/internal/transport"
	"github.com/statelinehq/stateline/model"
)

// TestHarness encapsulates a fully wired engine instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Engine      *engine.Engine
	Store       *engine.MemStore
	Queue       *scheduler.MemQueue
	Scheduler   *scheduler.Scheduler
	Dispatcher  *bus.Dispatcher
	Compensator *saga.Coordinator
	Redis       *miniredis.Miniredis
	Client      *redis.Client

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	graphs   []*graph.Graph
	policies map[string]model.StatePolicy
}

// WithGraphs sets the workflow graphs to register. Defaults to OrderGraph.
func WithGraphs(graphs ...*graph.Graph) HarnessOption {
	return func(c *harnessConfig) {
		c.graphs = graphs
	}
}

// WithPolicies sets the per-state-name policy table.
func WithPolicies(p map[string]model.StatePolicy) HarnessOption {
	return func(c *harnessConfig) {
		c.policies = p
	}
}

// NewTestHarness creates and starts a full engine instance. Everything is
// cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.graphs) == 0 {
		hc.graphs = []*graph.Graph{OrderGraph(t)}
	}

	h := &TestHarness{t: t}
	log := zap.NewNop()

	reg := graph.NewRegistry()
	for _, g := range hc.graphs {
		reg.Register(g)
	}

	h.Store = engine.NewMemStore()
	runner := resilience.NewRunner(resilience.NewRegistry(resilience.BreakerSettings{
		FailureThreshold: 100,
		OpenDuration:     time.Minute,
	}))
	retry := resilience.Policy{Retries: 3, Backoff: resilience.Backoff{Base: time.Millisecond}}

	h.Engine = engine.NewEngine(h.Store, reg, runner, retry, log)
	h.Engine.SetPolicies(hc.policies)

	h.Compensator = saga.NewCoordinator(h.Store, reg, runner, retry, log)
	h.Engine.SetCompensator(h.Compensator)

	// Scheduler with a fast poll so delayed jobs fire within the test.
	h.Queue = scheduler.NewMemQueue()
	h.Scheduler = scheduler.New(h.Queue, scheduler.Settings{
		Workers:         2,
		PollInterval:    10 * time.Millisecond,
		AttemptTimeout:  5 * time.Second,
		DefaultAttempts: 3,
		RetryBackoff:    resilience.Backoff{Base: time.Millisecond},
	}, log)
	h.Engine.SetJobs(h.Scheduler)
	h.Scheduler.Handle(engine.JobMove, h.Engine.HandleMoveJob)
	h.Scheduler.Handle(engine.JobApplyEvent, h.Engine.HandleApplyEventJob)

	// Fan-out over a real (miniredis) stream and broadcast channel.
	h.Redis = miniredis.RunT(t)
	h.Client = redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { h.Client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h.Dispatcher = bus.NewDispatcher(64, h.Store, log)
	h.Dispatcher.AddTransport(bus.NewStreamTransport(h.Client, "stateline:events"))
	h.Dispatcher.AddTransport(bus.NewBroadcastTransport(h.Client, "stateline:broadcast"))
	h.Dispatcher.Start(ctx)
	h.Engine.SetAnnouncer(h.Dispatcher)
	h.Compensator.SetAnnouncer(h.Dispatcher)

	poller := bus.NewOutboxPoller(h.Store, h.Dispatcher, 100, log)
	h.Scheduler.Handle(bus.JobOutboxDrain, poller.Job)

	h.Scheduler.Start()
	t.Cleanup(h.Scheduler.Stop)
	t.Cleanup(h.Dispatcher.Stop)

	h.cfg = config.Defaults()
	router := transport.NewRouter(transport.Dependencies{
		Config:      h.cfg,
		Engine:      h.Engine,
		Scheduler:   h.Scheduler,
		Idempotency: idempotency.NewMemoryStore(),
		Policies:    hc.policies,
		Log:         log,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- HTTP client helpers ---

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertJSON checks the response status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// WaitFor polls cond until it returns true or the timeout elapses.
func (h *TestHarness) WaitFor(timeout time.Duration, cond func() bool) bool {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// --- Graph fixtures ---

func strPtr(s string) *string { return &s }

// OrderGraph is the CREATED→PAID→ASSIGNED→COMPLETED happy path with
// CANCELLED reachable from every non-terminal state.
func OrderGraph(t *testing.T) *graph.Graph {
	t.Helper()

	wf := model.Workflow{ID: "wf-orders", Name: "orders"}
	states := []model.State{
		{ID: "s-created", WorkflowID: wf.ID, Name: "CREATED", Type: model.StateTypeNormal},
		{ID: "s-paid", WorkflowID: wf.ID, Name: "PAID", Type: model.StateTypeNormal},
		{ID: "s-assigned", WorkflowID: wf.ID, Name: "ASSIGNED", Type: model.StateTypeNormal},
		{ID: "s-completed", WorkflowID: wf.ID, Name: "COMPLETED", Type: model.StateTypeNormal, IsFinal: true},
		{ID: "s-cancelled", WorkflowID: wf.ID, Name: "CANCELLED", Type: model.StateTypeNormal, IsFinal: true},
	}
	transitions := []model.Transition{
		{ID: "t-pay", WorkflowID: wf.ID, FromState: "s-created", ToState: "s-paid", TriggerEvent: strPtr("PAYMENT_RECEIVED")},
		{ID: "t-assign", WorkflowID: wf.ID, FromState: "s-paid", ToState: "s-assigned", TriggerEvent: strPtr("PROVIDER_ASSIGNED")},
		{ID: "t-complete", WorkflowID: wf.ID, FromState: "s-assigned", ToState: "s-completed", TriggerEvent: strPtr("JOB_COMPLETED")},
		{ID: "t-cancel-1", WorkflowID: wf.ID, FromState: "s-created", ToState: "s-cancelled", TriggerEvent: strPtr("ORDER_CANCELLED")},
		{ID: "t-cancel-2", WorkflowID: wf.ID, FromState: "s-paid", ToState: "s-cancelled", TriggerEvent: strPtr("ORDER_CANCELLED")},
		{ID: "t-cancel-3", WorkflowID: wf.ID, FromState: "s-assigned", ToState: "s-cancelled", TriggerEvent: strPtr("ORDER_CANCELLED")},
	}

	g, err := graph.New(wf, states, transitions)
	if err != nil {
		t.Fatalf("build order graph: %v", err)
	}
	return g
}

// ForkGraph forks two branches at a PARALLEL state; the event edge to the
// JOINED state is the join edge.
func ForkGraph(t *testing.T) *graph.Graph {
	t.Helper()

	wf := model.Workflow{ID: "wf-fork", Name: "fulfilment"}
	states := []model.State{
		{ID: "s-open", WorkflowID: wf.ID, Name: "OPEN", Type: model.StateTypeNormal},
		{ID: "s-par", WorkflowID: wf.ID, Name: "IN_PROGRESS", Type: model.StateTypeParallel},
		{ID: "s-docs", WorkflowID: wf.ID, Name: "DOCS_CHECK", Type: model.StateTypeNormal},
		{ID: "s-pay", WorkflowID: wf.ID, Name: "PAYMENT_CHECK", Type: model.StateTypeNormal},
		{ID: "s-docs-ok", WorkflowID: wf.ID, Name: "DOCS_OK", Type: model.StateTypeNormal, IsFinal: true},
		{ID: "s-pay-ok", WorkflowID: wf.ID, Name: "PAYMENT_OK", Type: model.StateTypeNormal, IsFinal: true},
		{ID: "s-joined", WorkflowID: wf.ID, Name: "JOINED", Type: model.StateTypeNormal, IsFinal: true},
	}
	transitions := []model.Transition{
		{ID: "t-split", WorkflowID: wf.ID, FromState: "s-open", ToState: "s-par", TriggerEvent: strPtr("SPLIT")},
		{ID: "t-fork-docs", WorkflowID: wf.ID, FromState: "s-par", ToState: "s-docs"},
		{ID: "t-fork-pay", WorkflowID: wf.ID, FromState: "s-par", ToState: "s-pay"},
		{ID: "t-join", WorkflowID: wf.ID, FromState: "s-par", ToState: "s-joined", TriggerEvent: strPtr("BRANCHES_DONE")},
		{ID: "t-docs-ok", WorkflowID: wf.ID, FromState: "s-docs", ToState: "s-docs-ok", TriggerEvent: strPtr("DOCS_APPROVED")},
		{ID: "t-pay-ok", WorkflowID: wf.ID, FromState: "s-pay", ToState: "s-pay-ok", TriggerEvent: strPtr("PAYMENT_CLEARED")},
	}

	g, err := graph.New(wf, states, transitions)
	if err != nil {
		t.Fatalf("build fork graph: %v", err)
	}
	return g
}
