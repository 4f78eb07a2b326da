package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/statelinehq/stateline/model"
)

// Registry is an in-memory graph source keyed by workflow id. Definitions
// are registered at seed time and served read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewRegistry creates an empty graph registry.
func NewRegistry() *Registry {
	return &Registry{graphs: make(map[string]*Graph)}
}

// Register adds or replaces a workflow's graph.
func (r *Registry) Register(g *Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.Workflow.ID] = g
}

// Graph returns the graph for the given workflow id.
func (r *Registry) Graph(_ context.Context, workflowID string) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[workflowID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	return g, nil
}

// Workflows lists the registered workflow ids.
func (r *Registry) Workflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		out = append(out, id)
	}
	return out
}
