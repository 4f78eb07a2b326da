package definition

import (
	"errors"
	"fmt"

	"github.com/statelinehq/stateline/internal/graph"
)

// BuildRegistry validates the documents, builds a graph per workflow, and
// verifies each graph has a unique start state. Any validation error fails
// the whole build; a bad definition must never load partially.
func BuildRegistry(docs []Document) (*graph.Registry, error) {
	if verrs := NewValidator().Validate(docs); len(verrs) > 0 {
		joined := make([]error, 0, len(verrs))
		for _, ve := range verrs {
			joined = append(joined, ve)
		}
		return nil, fmt.Errorf("definition: %w", errors.Join(joined...))
	}

	reg := graph.NewRegistry()
	for _, doc := range docs {
		wf, states, transitions := doc.Model()
		g, err := graph.New(wf, states, transitions)
		if err != nil {
			return nil, fmt.Errorf("definition: building graph for %s: %w", wf.ID, err)
		}
		if _, err := g.StartState(); err != nil {
			return nil, fmt.Errorf("definition: %s: %w", doc.SourceFile, err)
		}
		reg.Register(g)
	}
	return reg, nil
}

// LoadRegistry loads every definition under dir and builds the registry.
func LoadRegistry(dir string) (*graph.Registry, error) {
	docs, err := NewLoader().LoadAll(dir)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("definition: no workflow definitions found under %s", dir)
	}
	return BuildRegistry(docs)
}
