// Package engine owns workflow instances: it creates them at the graph's
// start state, applies transitions inside atomic units of work, records
// history, and forks/joins parallel branches.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/statelinehq/stateline/internal/graph"
	"github.com/statelinehq/stateline/internal/resilience"
	"github.com/statelinehq/stateline/model"
)

// BreakerKeyApply guards the transition write path.
const BreakerKeyApply = "workflow.applyTransition"

// Scheduler job names owned by the engine.
const (
	JobMove       = "workflow.move"
	JobApplyEvent = "workflow.apply_event"
)

// MoveJobPayload is the payload of a delayed move job.
type MoveJobPayload struct {
	InstanceID  string         `json:"instance_id"`
	NextStateID string         `json:"next_state_id"`
	ActorID     string         `json:"actor_id,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// ApplyEventJobPayload is the payload of a delayed auto-transition job.
type ApplyEventJobPayload struct {
	InstanceID string `json:"instance_id"`
	Event      string `json:"event"`
}

// GraphSource resolves a workflow id to its indexed transition graph.
type GraphSource interface {
	Graph(ctx context.Context, workflowID string) (*graph.Graph, error)
}

// Announcer hands a fact to the fan-out without blocking the caller.
// Announcements happen after the transaction that produced them commits.
type Announcer interface {
	Announce(env model.Envelope)
}

// JobQueue enqueues durable delayed jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job model.Job) error
}

// Compensator undoes an instance's applied side effects after an
// unrecoverable transition failure.
type Compensator interface {
	Compensate(ctx context.Context, inst model.WorkflowInstance) error
}

// MoveOptions tune a MoveWorkflow call.
type MoveOptions struct {
	// Delay defers the move through a durable job instead of transitioning
	// immediately.
	Delay time.Duration
	Meta  map[string]any
}

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	store    InstanceStore
	graphs   GraphSource
	runner   *resilience.Runner
	retry    resilience.Policy
	log      *zap.Logger
	nodeID   string
	policies map[string]model.StatePolicy

	announcer   Announcer
	jobs        JobQueue
	compensator Compensator
}

// NewEngine creates a new workflow engine. The retry policy wraps every
// mutating operation; its breaker key defaults to the transition write path.
func NewEngine(store InstanceStore, graphs GraphSource, runner *resilience.Runner, retry resilience.Policy, log *zap.Logger) *Engine {
	if retry.BreakerKey == "" {
		retry.BreakerKey = BreakerKeyApply
	}
	retry.Permanent = isPermanent
	return &Engine{
		store:  store,
		graphs: graphs,
		runner: runner,
		retry:  retry,
		log:    log,
		nodeID: uuid.New().String(),
	}
}

// SetAnnouncer wires the post-commit fact fan-out.
func (e *Engine) SetAnnouncer(a Announcer) { e.announcer = a }

// SetJobs wires the durable job queue used for delayed moves and
// auto-transitions.
func (e *Engine) SetJobs(q JobQueue) { e.jobs = q }

// SetCompensator wires the saga compensation hook.
func (e *Engine) SetCompensator(c Compensator) { e.compensator = c }

// SetPolicies installs the per-state-name policy table.
func (e *Engine) SetPolicies(p map[string]model.StatePolicy) { e.policies = p }

// Store exposes the instance store to collaborators (SLA monitor, saga).
func (e *Engine) Store() InstanceStore { return e.store }

// Graphs exposes the graph source.
func (e *Engine) Graphs() GraphSource { return e.graphs }

// StartWorkflow creates a new instance at the workflow's unique start state.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID, entityType, entityID string) (model.WorkflowInstance, error) {
	g, err := e.graphs.Graph(ctx, workflowID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	start, err := g.StartState()
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	inst := model.WorkflowInstance{
		ID:           uuid.New().String(),
		WorkflowID:   workflowID,
		EntityType:   entityType,
		EntityID:     entityID,
		CurrentState: start.ID,
		StartedAt:    time.Now().UTC(),
		Version:      1,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.log.Info("workflow started",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", workflowID),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("start_state", start.ID),
	)
	return inst, nil
}

// ApplyEvent resolves the transition triggered by event from the instance's
// current state and applies it.
func (e *Engine) ApplyEvent(ctx context.Context, instanceID, event, actorID string) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	g, err := e.graphs.Graph(ctx, inst.WorkflowID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	tr, err := g.FindByEvent(inst.CurrentState, event)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return e.ApplyTransition(ctx, instanceID, tr.ToState, actorID, map[string]any{"event": event})
}

// ApplyTransition moves an instance to nextStateID inside one atomic unit of
// work, retried under the engine's resilience policy. Exhausting the retry
// budget on a transient failure hands the instance to saga compensation
// before re-raising.
func (e *Engine) ApplyTransition(ctx context.Context, instanceID, nextStateID, actorID string, meta map[string]any) (model.WorkflowInstance, error) {
	var result model.WorkflowInstance
	err := e.runner.Do(ctx, e.retry, func(ctx context.Context) error {
		var applyErr error
		result, applyErr = e.applyOnce(ctx, instanceID, nextStateID, actorID, meta)
		return applyErr
	})
	if err == nil {
		return result, nil
	}
	if isPermanent(err) {
		return model.WorkflowInstance{}, err
	}

	e.log.Error("transition failed after retries, compensating",
		zap.String("instance_id", instanceID),
		zap.String("next_state", nextStateID),
		zap.Error(err),
	)
	e.markBranchFailed(ctx, instanceID)
	if e.compensator != nil {
		if inst, getErr := e.store.GetInstance(ctx, instanceID); getErr == nil {
			if compErr := e.compensator.Compensate(ctx, inst); compErr != nil {
				e.log.Error("saga compensation incomplete",
					zap.String("instance_id", instanceID),
					zap.Error(compErr),
				)
			}
		}
	}
	return model.WorkflowInstance{}, err
}

// MoveWorkflow moves an instance, optionally deferring the move through a
// durable delayed job.
func (e *Engine) MoveWorkflow(ctx context.Context, instanceID, nextStateID, actorID string, opts MoveOptions) (model.WorkflowInstance, error) {
	if opts.Delay <= 0 {
		return e.ApplyTransition(ctx, instanceID, nextStateID, actorID, opts.Meta)
	}
	if e.jobs == nil {
		return model.WorkflowInstance{}, model.NewBadRequestError("delayed moves require a job queue")
	}

	payload, err := json.Marshal(MoveJobPayload{
		InstanceID:  instanceID,
		NextStateID: nextStateID,
		ActorID:     actorID,
		Meta:        opts.Meta,
	})
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("marshal move payload: %w", err)
	}
	job := model.Job{
		ID:       uuid.New().String(),
		Name:     JobMove,
		Payload:  payload,
		DedupKey: fmt.Sprintf("move:%s:%s", instanceID, nextStateID),
		RunAt:    time.Now().UTC().Add(opts.Delay),
	}
	if err := e.jobs.Enqueue(ctx, job); err != nil {
		return model.WorkflowInstance{}, err
	}
	return e.store.GetInstance(ctx, instanceID)
}

// HandleMoveJob executes a previously scheduled delayed move.
func (e *Engine) HandleMoveJob(ctx context.Context, payload []byte) error {
	var p MoveJobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("unmarshal move payload: %w", err)
	}
	_, err := e.ApplyTransition(ctx, p.InstanceID, p.NextStateID, p.ActorID, p.Meta)
	if model.IsCode(err, model.ErrIllegalTransition) || model.IsCode(err, model.ErrNotFound) {
		// The instance moved on (or was removed) before the delayed move
		// fired; the job is stale, not poisoned.
		e.log.Info("delayed move is stale, dropping",
			zap.String("instance_id", p.InstanceID),
			zap.String("next_state", p.NextStateID),
			zap.Error(err),
		)
		return nil
	}
	return err
}

// HandleApplyEventJob executes a scheduled auto-transition event.
func (e *Engine) HandleApplyEventJob(ctx context.Context, payload []byte) error {
	var p ApplyEventJobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("unmarshal apply-event payload: %w", err)
	}
	_, err := e.ApplyEvent(ctx, p.InstanceID, p.Event, "system")
	if model.IsCode(err, model.ErrNoTransitionForEvent) || model.IsCode(err, model.ErrNotFound) {
		e.log.Info("auto-transition is stale, dropping",
			zap.String("instance_id", p.InstanceID),
			zap.String("event", p.Event),
			zap.Error(err),
		)
		return nil
	}
	return err
}

// ScanAutomatic advances every instance sitting on a state with exactly one
// automatic outgoing edge. States with zero or multiple automatic edges are
// skipped.
func (e *Engine) ScanAutomatic(ctx context.Context) error {
	instances, err := e.store.ListInstances(ctx, InstanceFilters{})
	if err != nil {
		return err
	}
	for _, inst := range instances {
		g, err := e.graphs.Graph(ctx, inst.WorkflowID)
		if err != nil {
			e.log.Warn("automation scan: graph unavailable",
				zap.String("workflow_id", inst.WorkflowID), zap.Error(err))
			continue
		}
		state, ok := g.State(inst.CurrentState)
		if !ok || state.IsFinal {
			continue
		}
		edge, ok := g.AutomaticEdge(inst.CurrentState)
		if !ok {
			continue
		}
		if _, err := e.ApplyTransition(ctx, inst.ID, edge.ToState, "system", map[string]any{"auto": true}); err != nil {
			e.log.Warn("automation scan: transition failed",
				zap.String("instance_id", inst.ID),
				zap.String("next_state", edge.ToState),
				zap.Error(err),
			)
		}
	}
	return nil
}

// applyOnce is one attempt of a transition: re-read the instance, validate
// against the graph, build the write set, commit, then announce.
func (e *Engine) applyOnce(ctx context.Context, instanceID, nextStateID, actorID string, meta map[string]any) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	g, err := e.graphs.Graph(ctx, inst.WorkflowID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	// Idempotent no-op: already there, nothing written.
	if inst.CurrentState == nextStateID {
		return inst, nil
	}

	target, ok := g.State(nextStateID)
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("state %s not found in workflow %s", nextStateID, inst.WorkflowID))
	}
	tr, err := g.FindEdge(inst.CurrentState, nextStateID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := time.Now().UTC()
	fromState := inst.CurrentState
	updated := inst
	updated.CurrentState = nextStateID
	updated.Version = inst.Version + 1

	ch := Change{
		Instance: updated,
		History: []model.WorkflowHistory{{
			ID:           uuid.New().String(),
			InstanceID:   inst.ID,
			TransitionID: &tr.ID,
			FromState:    fromState,
			ToState:      nextStateID,
			ActionBy:     optional(actorID),
			ChangedAt:    now,
		}},
	}

	var envelopes []model.Envelope
	envelopes = append(envelopes, e.newEnvelope(model.EventStateChanged,
		model.StateChangedPayload(updated, fromState, nextStateID, target.Name, meta)))

	if target.Type == model.StateTypeParallel {
		// Fork: one sibling branch instance per automatic outgoing
		// transition of the parallel state, signaled through the fan-out
		// rather than awaited. Event and action edges stay with the parent;
		// a single one of them is the join edge.
		for _, out := range g.Outgoing(nextStateID) {
			if !out.IsAutomatic() {
				continue
			}
			branchID := uuid.New().String()
			branch := model.WorkflowInstance{
				ID:           branchID,
				WorkflowID:   inst.WorkflowID,
				EntityType:   inst.EntityType,
				EntityID:     inst.EntityID,
				CurrentState: out.ToState,
				StartedAt:    now,
				Version:      1,
			}
			ch.NewInstances = append(ch.NewInstances, branch)
			ch.NewBranches = append(ch.NewBranches, model.WorkflowBranch{
				ParentInstanceID: inst.ID,
				BranchInstanceID: &branch.ID,
				StateID:          out.ToState,
				Status:           model.BranchStatusRunning,
			})

			branchStateName := ""
			if bs, ok := g.State(out.ToState); ok {
				branchStateName = bs.Name
			}
			envelopes = append(envelopes, e.newEnvelope(model.EventStateChanged,
				model.StateChangedPayload(branch, nextStateID, out.ToState, branchStateName,
					map[string]any{"parentInstanceId": inst.ID, "branch": true})))
		}
	}

	// A branch reaching a terminal state completes its bookkeeping row.
	var completedBranch *model.WorkflowBranch
	if target.IsFinal {
		if b, found, err := e.store.FindBranch(ctx, inst.ID); err == nil && found {
			b.Status = model.BranchStatusDone
			ch.BranchUpdate = &b
			completedBranch = &b
		}
	}

	// The outbox row shares the envelope id, so a successful post-commit
	// announcement can mark it published and the poller only replays what
	// never made it out.
	for _, env := range envelopes {
		ch.Outbox = append(ch.Outbox, model.OutboxEntry{
			ID:        env.ID,
			Envelope:  env,
			CreatedAt: now,
		})
	}

	if err := e.store.ApplyChange(ctx, ch); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.log.Info("transition applied",
		zap.String("instance_id", inst.ID),
		zap.String("from_state", fromState),
		zap.String("to_state", nextStateID),
		zap.String("to_state_name", target.Name),
		zap.Bool("fork", target.Type == model.StateTypeParallel),
	)

	// Post-commit work: announce, schedule any auto-transition, and run the
	// join check when a branch just finished.
	if e.announcer != nil {
		for _, env := range envelopes {
			e.announcer.Announce(env)
		}
	}
	e.scheduleAutoTransition(ctx, updated, target)
	if completedBranch != nil {
		e.checkJoin(ctx, completedBranch.ParentInstanceID)
	}

	return updated, nil
}

// scheduleAutoTransition enqueues the delayed event configured for the state
// the instance just entered. The dedup key keeps one scheduled job per
// (instance, state, event).
func (e *Engine) scheduleAutoTransition(ctx context.Context, inst model.WorkflowInstance, state model.State) {
	if e.jobs == nil || e.policies == nil {
		return
	}
	policy, ok := e.policies[state.Name]
	if !ok || policy.AutoTransition == nil {
		return
	}
	at := policy.AutoTransition

	payload, err := json.Marshal(ApplyEventJobPayload{InstanceID: inst.ID, Event: at.Event})
	if err != nil {
		e.log.Error("marshal auto-transition payload", zap.Error(err))
		return
	}
	job := model.Job{
		ID:       uuid.New().String(),
		Name:     JobApplyEvent,
		Payload:  payload,
		DedupKey: fmt.Sprintf("auto:%s:%s:%s", inst.ID, state.ID, at.Event),
		RunAt:    time.Now().UTC().Add(time.Duration(at.DelaySeconds) * time.Second),
	}
	if err := e.jobs.Enqueue(ctx, job); err != nil {
		e.log.Error("enqueue auto-transition",
			zap.String("instance_id", inst.ID),
			zap.String("event", at.Event),
			zap.Error(err),
		)
	}
}

// checkJoin fires the parent's single outgoing transition once every branch
// under it is DONE. Ambiguous parents (zero or multiple outgoing edges) are
// left alone.
func (e *Engine) checkJoin(ctx context.Context, parentInstanceID string) {
	branches, err := e.store.ListBranches(ctx, parentInstanceID)
	if err != nil {
		e.log.Error("join check: list branches",
			zap.String("parent_instance_id", parentInstanceID), zap.Error(err))
		return
	}
	if len(branches) == 0 {
		return
	}
	for _, b := range branches {
		if b.Status != model.BranchStatusDone {
			return
		}
	}

	parent, err := e.store.GetInstance(ctx, parentInstanceID)
	if err != nil {
		e.log.Error("join check: load parent",
			zap.String("parent_instance_id", parentInstanceID), zap.Error(err))
		return
	}
	g, err := e.graphs.Graph(ctx, parent.WorkflowID)
	if err != nil {
		e.log.Error("join check: graph unavailable",
			zap.String("workflow_id", parent.WorkflowID), zap.Error(err))
		return
	}
	tr, ok := joinEdge(g, parent.CurrentState, branches)
	if !ok {
		return
	}

	if _, err := e.ApplyTransition(ctx, parentInstanceID, tr.ToState, "system", map[string]any{"join": true}); err != nil {
		e.log.Error("join transition failed",
			zap.String("parent_instance_id", parentInstanceID),
			zap.String("next_state", tr.ToState),
			zap.Error(err),
		)
	}
}

// joinEdge resolves the transition a completed join follows: the single
// outgoing edge of the parallel state that did not fork a branch, or, for a
// state with exactly one outgoing edge, that edge. Anything else is
// ambiguous and the join is a no-op.
func joinEdge(g *graph.Graph, stateID string, branches []model.WorkflowBranch) (model.Transition, bool) {
	forked := make(map[string]bool, len(branches))
	for _, b := range branches {
		forked[b.StateID] = true
	}

	var candidate model.Transition
	count := 0
	for _, t := range g.Outgoing(stateID) {
		if forked[t.ToState] {
			continue
		}
		candidate = t
		count++
	}
	if count == 1 {
		return candidate, true
	}
	return g.SingleOutgoing(stateID)
}

// markBranchFailed flags the instance's branch row FAILED after an
// unrecoverable transition failure, so the parent never joins on it.
func (e *Engine) markBranchFailed(ctx context.Context, instanceID string) {
	b, found, err := e.store.FindBranch(ctx, instanceID)
	if err != nil || !found {
		return
	}
	b.Status = model.BranchStatusFailed
	if err := e.store.UpdateBranch(ctx, b); err != nil {
		e.log.Error("mark branch failed",
			zap.String("branch_instance_id", instanceID), zap.Error(err))
	}
}

func (e *Engine) newEnvelope(eventType string, payload map[string]any) model.Envelope {
	return model.Envelope{
		ID:                  uuid.New().String(),
		EventType:           eventType,
		Payload:             payload,
		PublishedAt:         time.Now().UTC(),
		PublisherInstanceID: e.nodeID,
		Origin:              model.OriginLocal,
	}
}

func isPermanent(err error) bool {
	for _, code := range []string{
		model.ErrGraph,
		model.ErrIllegalTransition,
		model.ErrNoTransitionForEvent,
		model.ErrNotFound,
		model.ErrBadRequest,
	} {
		if model.IsCode(err, code) {
			return true
		}
	}
	return false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
