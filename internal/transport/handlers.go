package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/statelinehq/stateline/internal/engine"
	"github.com/statelinehq/stateline/internal/idempotency"
	"github.com/statelinehq/stateline/internal/scheduler"
	"github.com/statelinehq/stateline/model"
)

// idempotencyKeyHeader carries the caller's dedup key for start requests.
// A repeated start with the same key returns the originally created instance.
const idempotencyKeyHeader = "Idempotency-Key"

const defaultDeadLetterLimit = 50

func handleWorkflowStart(eng *engine.Engine, idem idempotency.Store, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")

		var body struct {
			EntityType string `json:"entityType"`
			EntityID   string `json:"entityId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.EntityType == "" || body.EntityID == "" {
			WriteError(w, model.NewBadRequestError("entityType and entityId are required"))
			return
		}

		start := func(ctx context.Context) (model.WorkflowInstance, error) {
			return eng.StartWorkflow(ctx, workflowID, body.EntityType, body.EntityID)
		}

		var (
			inst model.WorkflowInstance
			err  error
		)
		if key := r.Header.Get(idempotencyKeyHeader); key != "" && idem != nil {
			inst, err = idempotency.Execute(r.Context(), idem, "api.start", key, ttl, start)
		} else {
			inst, err = start(r.Context())
		}
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleWorkflowGraph(eng *engine.Engine, policies map[string]model.StatePolicy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := eng.Graphs().Graph(r.Context(), chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, g.View(policies))
	}
}

func handleInstanceList(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := engine.InstanceFilters{
			WorkflowID: q.Get("workflowId"),
			EntityType: q.Get("entityType"),
			EntityID:   q.Get("entityId"),
			Limit:      queryInt(q.Get("limit")),
			Offset:     queryInt(q.Get("offset")),
		}

		instances, err := eng.Store().ListInstances(r.Context(), f)
		if err != nil {
			WriteError(w, err)
			return
		}
		if instances == nil {
			instances = []model.WorkflowInstance{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"instances": instances})
	}
}

func handleInstanceGet(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := eng.Store().GetInstance(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceHistory(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")

		// A history request for an unknown instance is a 404, not an
		// empty list.
		if _, err := eng.Store().GetInstance(r.Context(), instanceID); err != nil {
			WriteError(w, err)
			return
		}

		history, err := eng.Store().GetHistory(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if history == nil {
			history = []model.WorkflowHistory{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"history": history})
	}
}

func handleInstanceBranches(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")

		if _, err := eng.Store().GetInstance(r.Context(), instanceID); err != nil {
			WriteError(w, err)
			return
		}

		branches, err := eng.Store().ListBranches(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if branches == nil {
			branches = []model.WorkflowBranch{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"branches": branches})
	}
}

func handleInstanceEvent(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Event   string `json:"event"`
			ActorID string `json:"actorId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.Event == "" {
			WriteError(w, model.NewBadRequestError("event is required"))
			return
		}

		inst, err := eng.ApplyEvent(r.Context(), chi.URLParam(r, "instanceId"), body.Event, body.ActorID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceMove(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ToState string         `json:"toState"`
			ActorID string         `json:"actorId"`
			Delay   string         `json:"delay,omitempty"`
			Meta    map[string]any `json:"meta,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.ToState == "" {
			WriteError(w, model.NewBadRequestError("toState is required"))
			return
		}

		opts := engine.MoveOptions{Meta: body.Meta}
		if body.Delay != "" {
			d, err := time.ParseDuration(body.Delay)
			if err != nil || d < 0 {
				WriteError(w, model.NewBadRequestError("delay must be a non-negative duration, e.g. \"30s\""))
				return
			}
			opts.Delay = d
		}

		inst, err := eng.MoveWorkflow(r.Context(), chi.URLParam(r, "instanceId"), body.ToState, body.ActorID, opts)
		if err != nil {
			WriteError(w, err)
			return
		}

		// A delayed move returns the unchanged instance; the transition
		// happens when the job fires.
		status := http.StatusOK
		if opts.Delay > 0 {
			status = http.StatusAccepted
		}
		WriteJSON(w, status, inst)
	}
}

func handleQueueStats(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := sched.Stats(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

func handleDeadLetterList(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = defaultDeadLetterLimit
		}

		letters, err := sched.DeadLetters(r.Context(), limit)
		if err != nil {
			WriteError(w, err)
			return
		}
		if letters == nil {
			letters = []model.DeadLetter{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"deadLetters": letters})
	}
}

func handleDeadLetterRequeue(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sched.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"requeued": true})
	}
}

func queryInt(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
