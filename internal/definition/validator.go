package definition

import (
	"fmt"
)

// VError describes a single validation error in a definition document.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks definition documents structurally and referentially before
// graphs are built from them. Start-state uniqueness is left to the graph
// builder, which already enforces it.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all documents.
func (v *Validator) Validate(docs []Document) []VError {
	var errs []VError
	seen := make(map[string]string)

	for i, doc := range docs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if doc.SourceFile != "" {
			prefix = doc.SourceFile
		}
		errs = append(errs, v.validateDocument(prefix, doc)...)

		if doc.Workflow.ID != "" {
			if prev, ok := seen[doc.Workflow.ID]; ok {
				errs = append(errs, VError{
					Path:    prefix + ".workflow.id",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("workflow %q already defined in %s", doc.Workflow.ID, prev),
				})
			}
			seen[doc.Workflow.ID] = prefix
		}
	}

	return errs
}

var validStateTypes = map[string]bool{
	"NORMAL": true, "PARALLEL": true, "": true,
}

func (v *Validator) validateDocument(prefix string, doc Document) []VError {
	var errs []VError

	if doc.Workflow.ID == "" {
		errs = append(errs, VError{Path: prefix + ".workflow.id", Code: "REQUIRED", Message: "workflow id is required"})
	}
	if doc.Workflow.Name == "" {
		errs = append(errs, VError{Path: prefix + ".workflow.name", Code: "REQUIRED", Message: "workflow name is required"})
	}
	if len(doc.States) < 2 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED", Message: "at least two states required (start + terminal)"})
	}

	stateIDs := make(map[string]bool)
	stateNames := make(map[string]bool)
	finalStates := make(map[string]bool)
	for i, s := range doc.States {
		sp := fmt.Sprintf("%s.states[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "state id is required"})
		} else if stateIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("state id %q already defined", s.ID)})
		}
		stateIDs[s.ID] = true

		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "state name is required"})
		} else if stateNames[s.Name] {
			// Policies and compensation handlers key on the state name.
			errs = append(errs, VError{Path: sp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("state name %q already defined", s.Name)})
		}
		stateNames[s.Name] = true

		if !validStateTypes[s.Type] {
			errs = append(errs, VError{Path: sp + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid state type %q", s.Type)})
		}
		if s.IsFinal {
			finalStates[s.ID] = true
		}
	}

	transitionIDs := make(map[string]bool)
	eventsByState := make(map[string]map[string]bool)
	for i, t := range doc.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if t.ID == "" {
			errs = append(errs, VError{Path: tp + ".id", Code: "REQUIRED", Message: "transition id is required"})
		} else if transitionIDs[t.ID] {
			errs = append(errs, VError{Path: tp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("transition id %q already defined", t.ID)})
		}
		transitionIDs[t.ID] = true

		if t.FromState != "" && !stateIDs[t.FromState] {
			errs = append(errs, VError{Path: tp + ".from_state", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("state %q not found", t.FromState)})
		}
		if t.ToState != "" && !stateIDs[t.ToState] {
			errs = append(errs, VError{Path: tp + ".to_state", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("state %q not found", t.ToState)})
		}
		if finalStates[t.FromState] {
			errs = append(errs, VError{Path: tp + ".from_state", Code: "FINAL_STATE", Message: fmt.Sprintf("state %q is final and cannot have outgoing transitions", t.FromState)})
		}

		// Two edges from one state carrying the same event make event
		// routing ambiguous.
		if t.TriggerEvent != "" {
			if eventsByState[t.FromState] == nil {
				eventsByState[t.FromState] = make(map[string]bool)
			}
			if eventsByState[t.FromState][t.TriggerEvent] {
				errs = append(errs, VError{
					Path:    tp + ".trigger_event",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("event %q already routed from state %q", t.TriggerEvent, t.FromState),
				})
			}
			eventsByState[t.FromState][t.TriggerEvent] = true
		}
	}

	// A PARALLEL state forks one branch per automatic outgoing edge; fewer
	// than two branches is not a fork.
	for i, s := range doc.States {
		if s.Type != "PARALLEL" {
			continue
		}
		automatic := 0
		for _, t := range doc.Transitions {
			if t.FromState == s.ID && t.TriggerEvent == "" && !t.RequiresAction {
				automatic++
			}
		}
		if automatic < 2 {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.states[%d]", prefix, i),
				Code:    "PARALLEL_BRANCHES",
				Message: fmt.Sprintf("parallel state %q needs at least two automatic outgoing transitions, has %d", s.ID, automatic),
			})
		}
	}

	return errs
}
