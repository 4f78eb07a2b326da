package model

import "time"

// State type constants.
const (
	StateTypeNormal   = "NORMAL"
	StateTypeParallel = "PARALLEL"
)

// Branch status constants.
const (
	BranchStatusRunning = "RUNNING"
	BranchStatusDone    = "DONE"
	BranchStatusFailed  = "FAILED"
)

// Workflow is an immutable definition container. Created once by seeding or
// an admin surface, rarely mutated.
type Workflow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// State is a node in a workflow's transition graph.
type State struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	IsFinal    bool   `json:"is_final"`
}

// Transition is a directed edge between two states. A nil TriggerEvent with
// RequiresAction false marks an automatic transition, eligible for
// unconditional advancement during automation scans.
type Transition struct {
	ID             string  `json:"id"`
	WorkflowID     string  `json:"workflow_id"`
	FromState      string  `json:"from_state"`
	ToState        string  `json:"to_state"`
	TriggerEvent   *string `json:"trigger_event,omitempty"`
	RequiresAction bool    `json:"requires_action"`
}

// IsAutomatic reports whether the transition advances without an event or a
// human action.
func (t Transition) IsAutomatic() bool {
	return t.TriggerEvent == nil && !t.RequiresAction
}

// WorkflowInstance is one running execution of a workflow bound to exactly
// one external business record via EntityType+EntityID. CurrentState always
// references a state belonging to WorkflowID.
type WorkflowInstance struct {
	ID           string    `json:"id"`
	WorkflowID   string    `json:"workflow_id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	CurrentState string    `json:"current_state"`
	StartedAt    time.Time `json:"started_at"`
	Version      int       `json:"version"`
}

// WorkflowBranch is the join bookkeeping row for one parallel branch. The
// parent may resume only when every branch row for it is DONE.
type WorkflowBranch struct {
	ParentInstanceID string  `json:"parent_instance_id"`
	BranchInstanceID *string `json:"branch_instance_id,omitempty"`
	StateID          string  `json:"state_id"`
	Status           string  `json:"status"`
}

// WorkflowHistory is an append-only audit record, never updated or deleted.
// It doubles as the input to saga compensation, walked newest-first.
type WorkflowHistory struct {
	ID           string    `json:"id"`
	InstanceID   string    `json:"instance_id"`
	TransitionID *string   `json:"transition_id,omitempty"`
	FromState    string    `json:"from_state"`
	ToState      string    `json:"to_state"`
	ActionBy     *string   `json:"action_by,omitempty"`
	ChangedAt    time.Time `json:"changed_at"`
}

// EscalationStep is one rung of a state's escalation ladder.
type EscalationStep struct {
	AfterSeconds int    `yaml:"after_seconds" json:"after_seconds"`
	Action       string `yaml:"action" json:"action"`
}

// SLAPolicy describes the breach threshold and escalation ladder for a state.
type SLAPolicy struct {
	BreachSeconds int              `yaml:"breach_seconds" json:"breach_seconds"`
	Escalations   []EscalationStep `yaml:"escalations" json:"escalations,omitempty"`
}

// AutoTransitionPolicy schedules a delayed event against a state.
type AutoTransitionPolicy struct {
	Event        string `yaml:"event" json:"event"`
	DelaySeconds int    `yaml:"delay_seconds" json:"delay_seconds"`
}

// StatePolicy is per-state-name configuration, not persisted per instance.
type StatePolicy struct {
	SLA            *SLAPolicy            `yaml:"sla" json:"sla,omitempty"`
	AutoTransition *AutoTransitionPolicy `yaml:"auto_transition" json:"auto_transition,omitempty"`
}

// GraphView is the read-only graph query result for dashboards.
type GraphView struct {
	Workflow    Workflow               `json:"workflow"`
	States      []State                `json:"states"`
	Transitions []Transition           `json:"transitions"`
	Policies    map[string]StatePolicy `json:"policies,omitempty"`
}
