package definition

import (
	"testing"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	doc, err := l.LoadFile("testdata/orders.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if doc.Workflow.ID != "wf-orders" {
		t.Errorf("Workflow.ID = %q, want wf-orders", doc.Workflow.ID)
	}
	if doc.Workflow.Name != "orders" {
		t.Errorf("Workflow.Name = %q, want orders", doc.Workflow.Name)
	}
	if len(doc.States) != 4 {
		t.Fatalf("States = %d, want 4", len(doc.States))
	}
	if len(doc.Transitions) != 4 {
		t.Fatalf("Transitions = %d, want 4", len(doc.Transitions))
	}
	if doc.SourceFile != "testdata/orders.yaml" {
		t.Errorf("SourceFile = %q", doc.SourceFile)
	}
	if !doc.States[2].IsFinal {
		t.Error("COMPLETED should be final")
	}
	if doc.Transitions[0].TriggerEvent != "PAYMENT_RECEIVED" {
		t.Errorf("first trigger event = %q", doc.Transitions[0].TriggerEvent)
	}
	if !doc.Transitions[3].RequiresAction {
		t.Error("t-cancel-paid should require action")
	}
}

func TestLoader_LoadFile_notFound(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalidYAML(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/invalid/bad.yaml"); err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll_recursesIntoSubdirectories(t *testing.T) {
	l := NewLoader()
	// testdata holds one valid file plus the invalid fixture, so LoadAll
	// over the whole tree fails.
	if _, err := l.LoadAll("testdata"); err == nil {
		t.Fatal("LoadAll() should surface the invalid fixture")
	}
}

func TestDocument_Model(t *testing.T) {
	doc, err := NewLoader().LoadFile("testdata/orders.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	wf, states, transitions := doc.Model()
	if wf.ID != "wf-orders" {
		t.Errorf("workflow id = %q", wf.ID)
	}
	for _, s := range states {
		if s.WorkflowID != wf.ID {
			t.Errorf("state %s workflow id = %q", s.ID, s.WorkflowID)
		}
		if s.Type != "NORMAL" {
			t.Errorf("state %s type = %q, want NORMAL default", s.ID, s.Type)
		}
	}
	if transitions[0].TriggerEvent == nil || *transitions[0].TriggerEvent != "PAYMENT_RECEIVED" {
		t.Error("trigger event not mapped to pointer")
	}
	if transitions[1].TriggerEvent == nil {
		t.Error("t-complete should carry a trigger event")
	}
}
