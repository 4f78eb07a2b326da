// Package graph holds the read-mostly transition graph of a workflow and the
// lookups the engine runs against it.
package graph

import (
	"fmt"

	"github.com/statelinehq/stateline/model"
)

// Graph is one workflow's states and transitions, indexed for lookup. Build
// once with New, share freely; a Graph is immutable after construction.
type Graph struct {
	Workflow model.Workflow

	states      map[string]model.State
	outgoing    map[string][]model.Transition
	incoming    map[string]int
	transitions []model.Transition
}

// New indexes the given definition. It fails with GRAPH_ERROR when a
// transition references a state that does not exist.
func New(wf model.Workflow, states []model.State, transitions []model.Transition) (*Graph, error) {
	g := &Graph{
		Workflow:    wf,
		states:      make(map[string]model.State, len(states)),
		outgoing:    make(map[string][]model.Transition),
		incoming:    make(map[string]int),
		transitions: transitions,
	}
	for _, s := range states {
		g.states[s.ID] = s
	}
	for _, t := range transitions {
		if _, ok := g.states[t.FromState]; !ok {
			return nil, model.NewGraphError(fmt.Sprintf("transition %s references unknown from_state %s", t.ID, t.FromState))
		}
		if _, ok := g.states[t.ToState]; !ok {
			return nil, model.NewGraphError(fmt.Sprintf("transition %s references unknown to_state %s", t.ID, t.ToState))
		}
		g.outgoing[t.FromState] = append(g.outgoing[t.FromState], t)
		g.incoming[t.ToState]++
	}
	return g, nil
}

// State returns the state with the given id.
func (g *Graph) State(id string) (model.State, bool) {
	s, ok := g.states[id]
	return s, ok
}

// States returns all states. The order is unspecified.
func (g *Graph) States() []model.State {
	out := make([]model.State, 0, len(g.states))
	for _, s := range g.states {
		out = append(out, s)
	}
	return out
}

// Transitions returns all transitions in definition order.
func (g *Graph) Transitions() []model.Transition {
	return g.transitions
}

// Outgoing returns the transitions leaving the given state, in definition
// order.
func (g *Graph) Outgoing(stateID string) []model.Transition {
	return g.outgoing[stateID]
}

// StartState locates the workflow's unique start state, the one state with
// zero incoming transitions. Zero or more than one candidate is a
// GRAPH_ERROR.
func (g *Graph) StartState() (model.State, error) {
	var start model.State
	found := false
	for _, s := range g.states {
		if g.incoming[s.ID] > 0 {
			continue
		}
		if found {
			return model.State{}, model.NewGraphError(fmt.Sprintf("workflow %s has more than one start state", g.Workflow.ID))
		}
		start = s
		found = true
	}
	if !found {
		return model.State{}, model.NewGraphError(fmt.Sprintf("workflow %s has no start state", g.Workflow.ID))
	}
	return start, nil
}

// FindByEvent returns the transition leaving stateID whose trigger matches
// event, or a NO_TRANSITION_FOR_EVENT error.
func (g *Graph) FindByEvent(stateID, event string) (model.Transition, error) {
	for _, t := range g.outgoing[stateID] {
		if t.TriggerEvent != nil && *t.TriggerEvent == event {
			return t, nil
		}
	}
	return model.Transition{}, model.NewNoTransitionForEventError(
		fmt.Sprintf("no transition from state %s for event %q", stateID, event))
}

// FindEdge returns the transition connecting fromState to toState, or an
// ILLEGAL_TRANSITION error when no such edge exists.
func (g *Graph) FindEdge(fromState, toState string) (model.Transition, error) {
	for _, t := range g.outgoing[fromState] {
		if t.ToState == toState {
			return t, nil
		}
	}
	return model.Transition{}, model.NewIllegalTransitionError(
		fmt.Sprintf("no transition from state %s to state %s", fromState, toState))
}

// AutomaticEdge returns the single automatic transition leaving stateID.
// With zero automatic edges, or more than one, it returns ok=false; ambiguous
// states are treated as manual-choice states and skipped by automation scans.
func (g *Graph) AutomaticEdge(stateID string) (model.Transition, bool) {
	var edge model.Transition
	count := 0
	for _, t := range g.outgoing[stateID] {
		if t.IsAutomatic() {
			edge = t
			count++
		}
	}
	if count != 1 {
		return model.Transition{}, false
	}
	return edge, true
}

// SingleOutgoing returns the only transition leaving stateID. Used at join
// points, where zero or multiple edges make the join a no-op.
func (g *Graph) SingleOutgoing(stateID string) (model.Transition, bool) {
	out := g.outgoing[stateID]
	if len(out) != 1 {
		return model.Transition{}, false
	}
	return out[0], true
}

// View assembles the read-only dashboard projection of the graph.
func (g *Graph) View(policies map[string]model.StatePolicy) model.GraphView {
	return model.GraphView{
		Workflow:    g.Workflow,
		States:      g.States(),
		Transitions: g.transitions,
		Policies:    policies,
	}
}
