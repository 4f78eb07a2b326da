package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/statelinehq/stateline/internal/config"
	"github.com/statelinehq/stateline/internal/engine"
	"github.com/statelinehq/stateline/internal/graph"
	"github.com/statelinehq/stateline/internal/idempotency"
	"github.com/statelinehq/stateline/internal/resilience"
	"github.com/statelinehq/stateline/internal/scheduler"
	"github.com/statelinehq/stateline/model"
)

func strPtr(s string) *string { return &s }

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()

	wf := model.Workflow{ID: "wf-orders", Name: "orders"}
	states := []model.State{
		{ID: "s-created", WorkflowID: wf.ID, Name: "CREATED", Type: model.StateTypeNormal},
		{ID: "s-paid", WorkflowID: wf.ID, Name: "PAID", Type: model.StateTypeNormal},
		{ID: "s-done", WorkflowID: wf.ID, Name: "COMPLETED", Type: model.StateTypeNormal, IsFinal: true},
	}
	transitions := []model.Transition{
		{ID: "t-pay", WorkflowID: wf.ID, FromState: "s-created", ToState: "s-paid", TriggerEvent: strPtr("PAYMENT_RECEIVED")},
		{ID: "t-done", WorkflowID: wf.ID, FromState: "s-paid", ToState: "s-done", TriggerEvent: strPtr("JOB_COMPLETED")},
	}

	g, err := graph.New(wf, states, transitions)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

type testEnv struct {
	router http.Handler
	engine *engine.Engine
	queue  *scheduler.MemQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := graph.NewRegistry()
	reg.Register(testGraph(t))

	store := engine.NewMemStore()
	runner := resilience.NewRunner(resilience.NewRegistry(resilience.BreakerSettings{
		FailureThreshold: 100,
		OpenDuration:     time.Minute,
	}))
	eng := engine.NewEngine(store, reg, runner, resilience.Policy{
		Retries: 3,
		Backoff: resilience.Backoff{Base: time.Millisecond},
	}, zap.NewNop())

	queue := scheduler.NewMemQueue()
	sched := scheduler.New(queue, scheduler.Settings{Workers: 1}, zap.NewNop())
	eng.SetJobs(sched)

	router := NewRouter(Dependencies{
		Config:      config.Defaults(),
		Engine:      eng,
		Scheduler:   sched,
		Idempotency: idempotency.NewMemoryStore(),
		Policies: map[string]model.StatePolicy{
			"PAID": {SLA: &model.SLAPolicy{BreachSeconds: 3600}},
		},
		Log: zap.NewNop(),
	})

	return &testEnv{router: router, engine: eng, queue: queue}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody[map[string]map[string]any](t, rec)
	code, _ := body["error"]["code"].(string)
	return code
}

func startInstance(t *testing.T, env *testEnv) model.WorkflowInstance {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/workflows/wf-orders/instances",
		map[string]string{"entityType": "order", "entityId": "ord-1"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[model.WorkflowInstance](t, rec)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestStartWorkflow(t *testing.T) {
	env := newTestEnv(t)

	inst := startInstance(t, env)
	if inst.ID == "" {
		t.Error("instance id is empty")
	}
	if inst.CurrentState != "s-created" {
		t.Errorf("current state = %s, want s-created", inst.CurrentState)
	}
	if inst.Version != 1 {
		t.Errorf("version = %d, want 1", inst.Version)
	}
}

func TestStartWorkflow_unknownWorkflow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/workflows/wf-missing/instances",
		map[string]string{"entityType": "order", "entityId": "ord-1"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != model.ErrNotFound {
		t.Errorf("error code = %s", code)
	}
}

func TestStartWorkflow_missingFields(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/workflows/wf-orders/instances",
		map[string]string{"entityType": "order"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStartWorkflow_invalidJSON(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/workflows/wf-orders/instances",
		strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStartWorkflow_idempotencyKeyReturnsSameInstance(t *testing.T) {
	env := newTestEnv(t)
	header := map[string]string{idempotencyKeyHeader: "req-42"}
	body := map[string]string{"entityType": "order", "entityId": "ord-1"}

	first := env.do(t, http.MethodPost, "/workflows/wf-orders/instances", body, header)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}
	second := env.do(t, http.MethodPost, "/workflows/wf-orders/instances", body, header)
	if second.Code != http.StatusCreated {
		t.Fatalf("second status = %d", second.Code)
	}

	a := decodeBody[model.WorkflowInstance](t, first)
	b := decodeBody[model.WorkflowInstance](t, second)
	if a.ID != b.ID {
		t.Errorf("repeated start created a new instance: %s vs %s", a.ID, b.ID)
	}

	// A different key creates a fresh instance.
	third := env.do(t, http.MethodPost, "/workflows/wf-orders/instances", body,
		map[string]string{idempotencyKeyHeader: "req-43"})
	c := decodeBody[model.WorkflowInstance](t, third)
	if c.ID == a.ID {
		t.Error("distinct keys returned the same instance")
	}
}

func TestWorkflowGraph(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/workflows/wf-orders/graph", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	view := decodeBody[model.GraphView](t, rec)
	if view.Workflow.ID != "wf-orders" {
		t.Errorf("workflow id = %s", view.Workflow.ID)
	}
	if len(view.States) != 3 || len(view.Transitions) != 2 {
		t.Errorf("states/transitions = %d/%d, want 3/2", len(view.States), len(view.Transitions))
	}
	if _, ok := view.Policies["PAID"]; !ok {
		t.Error("PAID policy missing from view")
	}
}

func TestWorkflowGraph_unknown(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/workflows/wf-missing/graph", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestInstanceEvent(t *testing.T) {
	env := newTestEnv(t)
	inst := startInstance(t, env)

	rec := env.do(t, http.MethodPost, "/instances/"+inst.ID+"/events",
		map[string]string{"event": "PAYMENT_RECEIVED", "actorId": "user-1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	moved := decodeBody[model.WorkflowInstance](t, rec)
	if moved.CurrentState != "s-paid" {
		t.Errorf("current state = %s, want s-paid", moved.CurrentState)
	}
	if moved.Version != 2 {
		t.Errorf("version = %d, want 2", moved.Version)
	}
}

func TestInstanceEvent_noMatchingTransition(t *testing.T) {
	env := newTestEnv(t)
	inst := startInstance(t, env)

	rec := env.do(t, http.MethodPost, "/instances/"+inst.ID+"/events",
		map[string]string{"event": "JOB_COMPLETED"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if code := errorCode(t, rec); code != model.ErrNoTransitionForEvent {
		t.Errorf("error code = %s", code)
	}
}

func TestInstanceMove(t *testing.T) {
	env := newTestEnv(t)
	inst := startInstance(t, env)

	rec := env.do(t, http.MethodPost, "/instances/"+inst.ID+"/move",
		map[string]any{"toState": "s-paid", "actorId": "admin-1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	moved := decodeBody[model.WorkflowInstance](t, rec)
	if moved.CurrentState != "s-paid" {
		t.Errorf("current state = %s, want s-paid", moved.CurrentState)
	}
}

func TestInstanceMove_illegalEdge(t *testing.T) {
	env := newTestEnv(t)
	inst := startInstance(t, env)

	rec := env.do(t, http.MethodPost, "/instances/"+inst.ID+"/move",
		map[string]any{"toState": "s-done"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if code := errorCode(t, rec); code != model.ErrIllegalTransition {
		t.Errorf("error code = %s", code)
	}
}

func TestInstanceMove_delayedReturnsAccepted(t *testing.T) {
	env := newTestEnv(t)
	inst := startInstance(t, env)

	rec := env.do(t, http.MethodPost, "/instances/"+inst.ID+"/move",
		map[string]any{"toState": "s-paid", "delay": "30s"}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	// The instance has not moved yet.
	deferred := decodeBody[model.WorkflowInstance](t, rec)
	if deferred.CurrentState != "s-created" {
		t.Errorf("current state = %s, want s-created", deferred.CurrentState)
	}

	stats, err := env.queue.Stats(context.Background())
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("pending jobs = %d, want 1", stats.Pending)
	}
}

func TestInstanceMove_badDelay(t *testing.T) {
	env := newTestEnv(t)
	inst := startInstance(t, env)

	rec := env.do(t, http.MethodPost, "/instances/"+inst.ID+"/move",
		map[string]any{"toState": "s-paid", "delay": "soon"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestInstanceList_filters(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/workflows/wf-orders/instances",
			map[string]string{"entityType": "order", "entityId": fmt.Sprintf("ord-%d", i)}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("start %d: status = %d", i, rec.Code)
		}
	}

	rec := env.do(t, http.MethodGet, "/instances?workflowId=wf-orders", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string][]model.WorkflowInstance](t, rec)
	if len(body["instances"]) != 3 {
		t.Errorf("instances = %d, want 3", len(body["instances"]))
	}

	rec = env.do(t, http.MethodGet, "/instances?entityId=ord-1", nil, nil)
	body = decodeBody[map[string][]model.WorkflowInstance](t, rec)
	if len(body["instances"]) != 1 {
		t.Errorf("filtered instances = %d, want 1", len(body["instances"]))
	}

	rec = env.do(t, http.MethodGet, "/instances?workflowId=wf-other", nil, nil)
	body = decodeBody[map[string][]model.WorkflowInstance](t, rec)
	if len(body["instances"]) != 0 {
		t.Errorf("instances for unknown workflow = %d, want 0", len(body["instances"]))
	}
}

func TestInstanceGet(t *testing.T) {
	env := newTestEnv(t)
	inst := startInstance(t, env)

	rec := env.do(t, http.MethodGet, "/instances/"+inst.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody[model.WorkflowInstance](t, rec)
	if got.ID != inst.ID {
		t.Errorf("id = %s, want %s", got.ID, inst.ID)
	}

	rec = env.do(t, http.MethodGet, "/instances/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown instance status = %d, want 404", rec.Code)
	}
}

func TestInstanceHistory(t *testing.T) {
	env := newTestEnv(t)
	inst := startInstance(t, env)
	env.do(t, http.MethodPost, "/instances/"+inst.ID+"/events",
		map[string]string{"event": "PAYMENT_RECEIVED"}, nil)

	rec := env.do(t, http.MethodGet, "/instances/"+inst.ID+"/history", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string][]model.WorkflowHistory](t, rec)
	if len(body["history"]) != 1 {
		t.Fatalf("history rows = %d, want 1", len(body["history"]))
	}
	if row := body["history"][0]; row.FromState != "s-created" || row.ToState != "s-paid" {
		t.Errorf("history row = %s -> %s", row.FromState, row.ToState)
	}
}

func TestInstanceHistory_unknownInstance(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/instances/missing/history", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestInstanceBranches_emptyForUnforkedInstance(t *testing.T) {
	env := newTestEnv(t)
	inst := startInstance(t, env)

	rec := env.do(t, http.MethodGet, "/instances/"+inst.ID+"/branches", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string][]model.WorkflowBranch](t, rec)
	if len(body["branches"]) != 0 {
		t.Errorf("branches = %d, want 0", len(body["branches"]))
	}
}

func TestQueueStats(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/queue/stats", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	stats := decodeBody[model.QueueStats](t, rec)
	if stats.Pending != 0 || stats.DeadLetters != 0 {
		t.Errorf("stats = %+v, want empty", stats)
	}
}

func TestDeadLetters_emptyList(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/queue/dead-letters", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string][]model.DeadLetter](t, rec)
	if len(body["deadLetters"]) != 0 {
		t.Errorf("dead letters = %d, want 0", len(body["deadLetters"]))
	}
}

func TestDeadLetterRequeue_unknownID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/queue/dead-letters/missing/requeue", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUnknownRoute_jsonError(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != model.ErrNotFound {
		t.Errorf("error code = %s", code)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/instances", nil,
		map[string]string{"X-Correlation-Id": "corr-1"})
	if got := rec.Header().Get("X-Correlation-Id"); got != "corr-1" {
		t.Errorf("correlation header = %q, want corr-1", got)
	}

	rec = env.do(t, http.MethodGet, "/instances", nil, nil)
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Error("correlation header not generated")
	}
}
