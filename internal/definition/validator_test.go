package definition

import (
	"testing"
)

func validDoc() Document {
	return Document{
		Workflow: WorkflowDoc{ID: "wf-test", Name: "test"},
		States: []StateDoc{
			{ID: "s-a", Name: "A"},
			{ID: "s-b", Name: "B", IsFinal: true},
		},
		Transitions: []TransitionDoc{
			{ID: "t-1", FromState: "s-a", ToState: "s-b", TriggerEvent: "GO"},
		},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_validDocument(t *testing.T) {
	errs := NewValidator().Validate([]Document{validDoc()})
	if len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_requiredFields(t *testing.T) {
	doc := validDoc()
	doc.Workflow.ID = ""
	doc.Workflow.Name = ""
	doc.States[0].ID = ""
	doc.States[1].Name = ""
	doc.Transitions[0].ID = ""

	errs := NewValidator().Validate([]Document{doc})
	if !hasCode(errs, "REQUIRED") {
		t.Fatalf("Validate() = %v, want REQUIRED errors", errs)
	}
}

func TestValidator_tooFewStates(t *testing.T) {
	doc := validDoc()
	doc.States = doc.States[:1]
	doc.Transitions = nil

	errs := NewValidator().Validate([]Document{doc})
	if !hasCode(errs, "REQUIRED") {
		t.Fatalf("Validate() = %v, want states REQUIRED error", errs)
	}
}

func TestValidator_duplicateStateAndTransitionIDs(t *testing.T) {
	doc := validDoc()
	doc.States = append(doc.States, StateDoc{ID: "s-a", Name: "A2"})
	doc.Transitions = append(doc.Transitions, TransitionDoc{ID: "t-1", FromState: "s-a", ToState: "s-b", TriggerEvent: "AGAIN"})

	errs := NewValidator().Validate([]Document{doc})
	if !hasCode(errs, "DUPLICATE") {
		t.Fatalf("Validate() = %v, want DUPLICATE errors", errs)
	}
}

func TestValidator_duplicateStateName(t *testing.T) {
	doc := validDoc()
	doc.States = append(doc.States, StateDoc{ID: "s-c", Name: "A"})

	errs := NewValidator().Validate([]Document{doc})
	if !hasCode(errs, "DUPLICATE") {
		t.Fatalf("Validate() = %v, want DUPLICATE name error", errs)
	}
}

func TestValidator_unknownStateReference(t *testing.T) {
	doc := validDoc()
	doc.Transitions[0].ToState = "s-missing"

	errs := NewValidator().Validate([]Document{doc})
	if !hasCode(errs, "REF_NOT_FOUND") {
		t.Fatalf("Validate() = %v, want REF_NOT_FOUND", errs)
	}
}

func TestValidator_invalidStateType(t *testing.T) {
	doc := validDoc()
	doc.States[0].Type = "SEQUENTIAL"

	errs := NewValidator().Validate([]Document{doc})
	if !hasCode(errs, "INVALID_ENUM") {
		t.Fatalf("Validate() = %v, want INVALID_ENUM", errs)
	}
}

func TestValidator_transitionLeavingFinalState(t *testing.T) {
	doc := validDoc()
	doc.Transitions = append(doc.Transitions, TransitionDoc{ID: "t-2", FromState: "s-b", ToState: "s-a", TriggerEvent: "BACK"})

	errs := NewValidator().Validate([]Document{doc})
	if !hasCode(errs, "FINAL_STATE") {
		t.Fatalf("Validate() = %v, want FINAL_STATE", errs)
	}
}

func TestValidator_ambiguousEventRouting(t *testing.T) {
	doc := validDoc()
	doc.States = append(doc.States, StateDoc{ID: "s-c", Name: "C", IsFinal: true})
	doc.Transitions = append(doc.Transitions, TransitionDoc{ID: "t-2", FromState: "s-a", ToState: "s-c", TriggerEvent: "GO"})

	errs := NewValidator().Validate([]Document{doc})
	if !hasCode(errs, "DUPLICATE") {
		t.Fatalf("Validate() = %v, want DUPLICATE event error", errs)
	}
}

func TestValidator_parallelStateNeedsBranches(t *testing.T) {
	doc := Document{
		Workflow: WorkflowDoc{ID: "wf-fork", Name: "fork"},
		States: []StateDoc{
			{ID: "s-open", Name: "OPEN"},
			{ID: "s-par", Name: "IN_PROGRESS", Type: "PARALLEL"},
			{ID: "s-done", Name: "DONE", IsFinal: true},
		},
		Transitions: []TransitionDoc{
			{ID: "t-split", FromState: "s-open", ToState: "s-par", TriggerEvent: "SPLIT"},
			{ID: "t-only", FromState: "s-par", ToState: "s-done"},
		},
	}

	errs := NewValidator().Validate([]Document{doc})
	if !hasCode(errs, "PARALLEL_BRANCHES") {
		t.Fatalf("Validate() = %v, want PARALLEL_BRANCHES", errs)
	}
}

func TestValidator_duplicateWorkflowAcrossDocuments(t *testing.T) {
	a := validDoc()
	b := validDoc()
	b.SourceFile = "b.yaml"

	errs := NewValidator().Validate([]Document{a, b})
	if !hasCode(errs, "DUPLICATE") {
		t.Fatalf("Validate() = %v, want cross-document DUPLICATE", errs)
	}
}
