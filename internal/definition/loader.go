// Package definition loads workflow definitions from YAML files, validates
// them, and builds the transition graphs the engine runs against.
package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/statelinehq/stateline/model"
)

// Document is the YAML shape of one workflow definition file.
type Document struct {
	Workflow    WorkflowDoc    `yaml:"workflow"`
	States      []StateDoc     `yaml:"states"`
	Transitions []TransitionDoc `yaml:"transitions"`

	// SourceFile records where the document was loaded from, for error
	// reporting. Not part of the YAML.
	SourceFile string `yaml:"-"`
}

// WorkflowDoc identifies the workflow a definition file describes.
type WorkflowDoc struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// StateDoc is one state row in a definition file.
type StateDoc struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	IsFinal bool   `yaml:"is_final"`
}

// TransitionDoc is one transition row in a definition file.
type TransitionDoc struct {
	ID             string `yaml:"id"`
	FromState      string `yaml:"from_state"`
	ToState        string `yaml:"to_state"`
	TriggerEvent   string `yaml:"trigger_event"`
	RequiresAction bool   `yaml:"requires_action"`
}

// Loader scans directories for YAML workflow definition files.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans a directory for *.yaml and *.yml files and parses
// each into a Document.
func (l *Loader) LoadAll(dir string) ([]Document, error) {
	var docs []Document

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		doc, err := l.LoadFile(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
	}

	return docs, nil
}

// LoadFile loads and parses a single YAML definition file.
func (l *Loader) LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	doc.SourceFile = path

	return doc, nil
}

// Model maps the document onto the shared model types. State types default to
// NORMAL when omitted.
func (d Document) Model() (model.Workflow, []model.State, []model.Transition) {
	wf := model.Workflow{
		ID:          d.Workflow.ID,
		Name:        d.Workflow.Name,
		Description: d.Workflow.Description,
	}

	states := make([]model.State, 0, len(d.States))
	for _, s := range d.States {
		st := model.State{
			ID:         s.ID,
			WorkflowID: wf.ID,
			Name:       s.Name,
			Type:       strings.ToUpper(s.Type),
			IsFinal:    s.IsFinal,
		}
		if st.Type == "" {
			st.Type = model.StateTypeNormal
		}
		states = append(states, st)
	}

	transitions := make([]model.Transition, 0, len(d.Transitions))
	for _, t := range d.Transitions {
		tr := model.Transition{
			ID:             t.ID,
			WorkflowID:     wf.ID,
			FromState:      t.FromState,
			ToState:        t.ToState,
			RequiresAction: t.RequiresAction,
		}
		if t.TriggerEvent != "" {
			ev := t.TriggerEvent
			tr.TriggerEvent = &ev
		}
		transitions = append(transitions, tr)
	}

	return wf, states, transitions
}
