// Package sla watches running instances for overstayed states: it forces the
// reserved SLA_BREACH transition where the graph declares one, raises graded
// escalation actions with de-duplication, and flags stuck instances.
package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/statelinehq/stateline/internal/engine"
	"github.com/statelinehq/stateline/internal/graph"
	"github.com/statelinehq/stateline/internal/idempotency"
	"github.com/statelinehq/stateline/internal/notify"
	"github.com/statelinehq/stateline/internal/resilience"
	"github.com/statelinehq/stateline/model"
)

// TriggerSLABreach is the reserved trigger event a graph uses to declare its
// forced breach transition.
const TriggerSLABreach = "SLA_BREACH"

// Settings tune the monitor's thresholds.
type Settings struct {
	// DedupWindow bounds how often an identical escalation or stuck flag
	// may be raised for the same instance.
	DedupWindow time.Duration
	// StuckThreshold is the age of the last activity beyond which an
	// instance is flagged stuck.
	StuckThreshold time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.DedupWindow <= 0 {
		s.DedupWindow = time.Hour
	}
	if s.StuckThreshold <= 0 {
		s.StuckThreshold = 6 * time.Hour
	}
	return s
}

// Monitor runs the periodic SLA and stuck-workflow scans.
type Monitor struct {
	engine    *engine.Engine
	policies  map[string]model.StatePolicy
	notifier  notify.Notifier
	runner    *resilience.Runner
	retry     resilience.Policy
	dedup     idempotency.Store
	announcer engine.Announcer
	settings  Settings
	log       *zap.Logger
	nodeID    string

	// now is swappable for tests.
	now func() time.Time
}

// NewMonitor creates an SLA monitor. The dedup store bounds escalation
// storms; its records expire after the dedup window.
func NewMonitor(eng *engine.Engine, policies map[string]model.StatePolicy, notifier notify.Notifier, runner *resilience.Runner, retry resilience.Policy, dedup idempotency.Store, settings Settings, log *zap.Logger) *Monitor {
	return &Monitor{
		engine:   eng,
		policies: policies,
		notifier: notifier,
		runner:   runner,
		retry:    retry,
		dedup:    dedup,
		settings: settings.withDefaults(),
		log:      log,
		nodeID:   uuid.New().String(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetAnnouncer wires the fact fan-out.
func (m *Monitor) SetAnnouncer(a engine.Announcer) { m.announcer = a }

// Scan walks every non-terminal instance, forcing breach transitions and
// raising escalations whose thresholds have been crossed. Age is measured
// from workflow start, not from entry into the current state.
func (m *Monitor) Scan(ctx context.Context) error {
	instances, err := m.engine.Store().ListInstances(ctx, engine.InstanceFilters{})
	if err != nil {
		return err
	}
	now := m.now()

	for _, inst := range instances {
		g, err := m.engine.Graphs().Graph(ctx, inst.WorkflowID)
		if err != nil {
			m.log.Warn("sla scan: graph unavailable",
				zap.String("workflow_id", inst.WorkflowID), zap.Error(err))
			continue
		}
		state, ok := g.State(inst.CurrentState)
		if !ok || state.IsFinal {
			continue
		}
		policy, ok := m.policies[state.Name]
		if !ok || policy.SLA == nil {
			continue
		}

		age := now.Sub(inst.StartedAt)
		ageSeconds := int(age / time.Second)

		if ageSeconds >= policy.SLA.BreachSeconds {
			m.forceBreach(ctx, inst, state, g, ageSeconds)
		}
		for i, step := range policy.SLA.Escalations {
			if ageSeconds >= step.AfterSeconds {
				m.escalate(ctx, inst, state, step, i)
			}
		}
	}
	return nil
}

// forceBreach announces the breach and applies the graph's reserved
// SLA_BREACH transition, when one leaves the current state.
func (m *Monitor) forceBreach(ctx context.Context, inst model.WorkflowInstance, state model.State, g *graph.Graph, ageSeconds int) {
	tr, err := g.FindByEvent(inst.CurrentState, TriggerSLABreach)
	if err != nil {
		return
	}

	m.announce(model.EventSLABreached, map[string]any{
		"instanceId": inst.ID,
		"workflowId": inst.WorkflowID,
		"entityType": inst.EntityType,
		"entityId":   inst.EntityID,
		"stateId":    state.ID,
		"stateName":  state.Name,
		"ageSeconds": ageSeconds,
	})

	if _, err := m.engine.ApplyTransition(ctx, inst.ID, tr.ToState, "system", map[string]any{"slaBreach": true}); err != nil {
		// A no-op or illegal move means the instance escaped the state
		// between the scan read and the force; nothing to do.
		m.log.Warn("sla breach transition failed",
			zap.String("instance_id", inst.ID),
			zap.String("state", state.Name),
			zap.Error(err),
		)
	}
}

// escalate raises one ladder step, at most once per (instance, state,
// action) within the dedup window. Delivery runs under retry with a breaker
// keyed per action; a failed delivery releases the dedup reservation so the
// next scan tries again.
func (m *Monitor) escalate(ctx context.Context, inst model.WorkflowInstance, state model.State, step model.EscalationStep, rung int) {
	key := fmt.Sprintf("%s:%s:%s", inst.ID, state.ID, step.Action)
	_, created, err := m.dedup.Reserve(ctx, "sla.escalation", key, m.settings.DedupWindow)
	if err != nil {
		m.log.Error("escalation dedup reserve", zap.String("key", key), zap.Error(err))
		return
	}
	if !created {
		return
	}

	policy := m.retry
	policy.BreakerKey = "sla.escalation." + step.Action
	err = m.runner.Do(ctx, policy, func(ctx context.Context) error {
		return m.notifier.Notify(ctx, notify.Notification{
			UserID:    inst.EntityID,
			EventType: model.EventSLAEscalation,
			Priority:  fmt.Sprintf("p%d", rung+1),
			Payload: map[string]any{
				"instanceId": inst.ID,
				"stateName":  state.Name,
				"action":     step.Action,
			},
		})
	})
	if err != nil {
		m.log.Error("escalation delivery failed",
			zap.String("instance_id", inst.ID),
			zap.String("action", step.Action),
			zap.Error(err),
		)
		_ = m.dedup.Forget(ctx, "sla.escalation", key)
		return
	}
	if err := m.dedup.Complete(ctx, "sla.escalation", key, true, m.settings.DedupWindow); err != nil {
		m.log.Error("escalation dedup complete", zap.String("key", key), zap.Error(err))
	}

	m.log.Info("sla escalation raised",
		zap.String("instance_id", inst.ID),
		zap.String("state", state.Name),
		zap.String("action", step.Action),
	)
	m.announce(model.EventSLAEscalation, map[string]any{
		"instanceId": inst.ID,
		"workflowId": inst.WorkflowID,
		"entityType": inst.EntityType,
		"entityId":   inst.EntityID,
		"stateId":    state.ID,
		"stateName":  state.Name,
		"action":     step.Action,
	})
}

// ScanStuck flags instances whose last activity is older than the stuck
// threshold. Observability only: no transition is forced.
func (m *Monitor) ScanStuck(ctx context.Context) error {
	instances, err := m.engine.Store().ListInstances(ctx, engine.InstanceFilters{})
	if err != nil {
		return err
	}
	now := m.now()

	for _, inst := range instances {
		g, err := m.engine.Graphs().Graph(ctx, inst.WorkflowID)
		if err != nil {
			continue
		}
		if state, ok := g.State(inst.CurrentState); !ok || state.IsFinal {
			continue
		}

		lastActivity := inst.StartedAt
		history, err := m.engine.Store().GetHistory(ctx, inst.ID)
		if err != nil {
			m.log.Error("stuck scan: history", zap.String("instance_id", inst.ID), zap.Error(err))
			continue
		}
		if len(history) > 0 {
			lastActivity = history[0].ChangedAt
		}
		if now.Sub(lastActivity) < m.settings.StuckThreshold {
			continue
		}

		_, created, err := m.dedup.Reserve(ctx, "sla.stuck", inst.ID, m.settings.DedupWindow)
		if err != nil || !created {
			continue
		}
		_ = m.dedup.Complete(ctx, "sla.stuck", inst.ID, true, m.settings.DedupWindow)

		m.log.Warn("stuck workflow detected",
			zap.String("instance_id", inst.ID),
			zap.String("current_state", inst.CurrentState),
			zap.Time("last_activity", lastActivity),
		)
		m.announce(model.EventStuckDetected, map[string]any{
			"instanceId":   inst.ID,
			"workflowId":   inst.WorkflowID,
			"entityType":   inst.EntityType,
			"entityId":     inst.EntityID,
			"currentState": inst.CurrentState,
			"lastActivity": lastActivity.Format(time.RFC3339),
		})
	}
	return nil
}

func (m *Monitor) announce(eventType string, payload map[string]any) {
	if m.announcer == nil {
		return
	}
	m.announcer.Announce(model.Envelope{
		ID:                  uuid.New().String(),
		EventType:           eventType,
		Payload:             payload,
		PublishedAt:         m.now(),
		PublisherInstanceID: m.nodeID,
		Origin:              model.OriginLocal,
	})
}
