// Package saga undoes a workflow instance's applied side effects after an
// unrecoverable transition failure, walking its history newest-first and
// invoking the compensating handler registered for each entered state.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/statelinehq/stateline/internal/engine"
	"github.com/statelinehq/stateline/internal/resilience"
	"github.com/statelinehq/stateline/model"
)

// Handler compensates the side effects of one entered state.
type Handler interface {
	Compensate(ctx context.Context, inst model.WorkflowInstance, entry model.WorkflowHistory) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, inst model.WorkflowInstance, entry model.WorkflowHistory) error

// Compensate implements Handler.
func (f HandlerFunc) Compensate(ctx context.Context, inst model.WorkflowInstance, entry model.WorkflowHistory) error {
	return f(ctx, inst, entry)
}

// Coordinator walks instance history and runs registered compensation
// handlers. Compensation is opt-in per state name; states without a handler
// are skipped. A handler failure is recorded but does not stop the walk, so
// older entries still get their chance at partial recovery.
type Coordinator struct {
	store     engine.InstanceStore
	graphs    engine.GraphSource
	runner    *resilience.Runner
	retry     resilience.Policy
	announcer engine.Announcer
	handlers  map[string]Handler
	log       *zap.Logger
	nodeID    string
}

// NewCoordinator creates a compensation coordinator. Handlers are registered
// before the coordinator is wired into the engine; registration of a state
// name the given graphs never produce is the caller's configuration bug and
// caught by Validate.
func NewCoordinator(store engine.InstanceStore, graphs engine.GraphSource, runner *resilience.Runner, retry resilience.Policy, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		graphs:   graphs,
		runner:   runner,
		retry:    retry,
		log:      log,
		handlers: make(map[string]Handler),
		nodeID:   uuid.New().String(),
	}
}

// SetAnnouncer wires the fact fan-out for SAGA.COMPENSATION announcements.
func (c *Coordinator) SetAnnouncer(a engine.Announcer) { c.announcer = a }

// Register installs the compensating handler for a state name.
func (c *Coordinator) Register(stateName string, h Handler) {
	c.handlers[stateName] = h
}

// Validate checks every registered state name against the given graphs, so a
// typo fails at startup instead of silently never compensating.
func (c *Coordinator) Validate(ctx context.Context, workflowIDs []string) error {
	known := make(map[string]bool)
	for _, id := range workflowIDs {
		g, err := c.graphs.Graph(ctx, id)
		if err != nil {
			return err
		}
		for _, s := range g.States() {
			known[s.Name] = true
		}
	}
	for name := range c.handlers {
		if !known[name] {
			return model.NewBadRequestError(
				fmt.Sprintf("compensation handler registered for unknown state %q", name))
		}
	}
	return nil
}

// Compensate walks the instance's history newest-first and invokes the
// handler registered for each state that was entered. Each handler runs
// under the retry policy with its own per-state breaker key. Handler
// failures are collected and returned together once the walk finishes.
func (c *Coordinator) Compensate(ctx context.Context, inst model.WorkflowInstance) error {
	history, err := c.store.GetHistory(ctx, inst.ID)
	if err != nil {
		return err
	}
	g, err := c.graphs.Graph(ctx, inst.WorkflowID)
	if err != nil {
		return err
	}

	var failures []error
	for _, entry := range history {
		state, ok := g.State(entry.ToState)
		if !ok {
			continue
		}
		handler, ok := c.handlers[state.Name]
		if !ok {
			continue
		}

		policy := c.retry
		policy.BreakerKey = "saga." + state.Name
		err := c.runner.Do(ctx, policy, func(ctx context.Context) error {
			return handler.Compensate(ctx, inst, entry)
		})
		if err != nil {
			c.log.Error("compensation handler failed",
				zap.String("instance_id", inst.ID),
				zap.String("state", state.Name),
				zap.Error(err),
			)
			failures = append(failures, fmt.Errorf("compensate %s: %w", state.Name, err))
			continue
		}

		c.log.Info("state compensated",
			zap.String("instance_id", inst.ID),
			zap.String("state", state.Name),
		)
		if c.announcer != nil {
			c.announcer.Announce(model.Envelope{
				ID:        uuid.New().String(),
				EventType: model.EventSagaCompensation,
				Payload: map[string]any{
					"instanceId": inst.ID,
					"workflowId": inst.WorkflowID,
					"entityType": inst.EntityType,
					"entityId":   inst.EntityID,
					"stateId":    state.ID,
					"stateName":  state.Name,
				},
				PublishedAt:         time.Now().UTC(),
				PublisherInstanceID: c.nodeID,
				Origin:              model.OriginLocal,
			})
		}
	}
	return errors.Join(failures...)
}
