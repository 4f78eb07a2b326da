package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/statelinehq/stateline/model"
)

// MemStore is an in-memory InstanceStore. Suitable for testing and local
// development; ApplyChange takes the store lock for the whole write set,
// which stands in for the transactional guarantee of the SQL store.
type MemStore struct {
	mu        sync.Mutex
	instances map[string]model.WorkflowInstance
	history   map[string][]model.WorkflowHistory
	branches  map[string][]model.WorkflowBranch
	outbox    []model.OutboxEntry
}

// NewMemStore creates a new in-memory instance store.
func NewMemStore() *MemStore {
	return &MemStore{
		instances: make(map[string]model.WorkflowInstance),
		history:   make(map[string][]model.WorkflowHistory),
		branches:  make(map[string][]model.WorkflowBranch),
	}
}

// CreateInstance persists a new workflow instance.
func (s *MemStore) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return model.NewConflictError(fmt.Sprintf("instance %s already exists", inst.ID))
	}
	s.instances[inst.ID] = inst
	return nil
}

// GetInstance retrieves an instance by id.
func (s *MemStore) GetInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("instance %s not found", id))
	}
	return inst, nil
}

// ListInstances returns instances matching the filters, ordered by start
// time then id for stable pagination.
func (s *MemStore) ListInstances(_ context.Context, f InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.WorkflowInstance
	for _, inst := range s.instances {
		if f.WorkflowID != "" && inst.WorkflowID != f.WorkflowID {
			continue
		}
		if f.EntityType != "" && inst.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && inst.EntityID != f.EntityID {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ApplyChange commits one transition atomically.
func (s *MemStore) ApplyChange(_ context.Context, ch Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[ch.Instance.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("instance %s not found", ch.Instance.ID))
	}
	if current.Version != ch.Instance.Version-1 {
		return model.NewConflictError(fmt.Sprintf(
			"instance %s version changed (have %d, expected %d)",
			ch.Instance.ID, current.Version, ch.Instance.Version-1))
	}

	s.instances[ch.Instance.ID] = ch.Instance
	for _, h := range ch.History {
		s.history[h.InstanceID] = append(s.history[h.InstanceID], h)
	}
	for _, inst := range ch.NewInstances {
		s.instances[inst.ID] = inst
	}
	for _, b := range ch.NewBranches {
		s.branches[b.ParentInstanceID] = append(s.branches[b.ParentInstanceID], b)
	}
	if ch.BranchUpdate != nil {
		s.updateBranchLocked(*ch.BranchUpdate)
	}
	s.outbox = append(s.outbox, ch.Outbox...)
	return nil
}

func (s *MemStore) updateBranchLocked(upd model.WorkflowBranch) {
	rows := s.branches[upd.ParentInstanceID]
	for i, b := range rows {
		if b.BranchInstanceID != nil && upd.BranchInstanceID != nil &&
			*b.BranchInstanceID == *upd.BranchInstanceID {
			rows[i].Status = upd.Status
			return
		}
	}
}

// GetHistory returns an instance's history rows, newest first.
func (s *MemStore) GetHistory(_ context.Context, instanceID string) ([]model.WorkflowHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.history[instanceID]
	out := make([]model.WorkflowHistory, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ChangedAt.After(out[j].ChangedAt)
	})
	return out, nil
}

// ListBranches returns the branch rows under a parent instance.
func (s *MemStore) ListBranches(_ context.Context, parentInstanceID string) ([]model.WorkflowBranch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.branches[parentInstanceID]
	out := make([]model.WorkflowBranch, len(rows))
	copy(out, rows)
	return out, nil
}

// FindBranch returns the branch row owning the given branch instance.
func (s *MemStore) FindBranch(_ context.Context, branchInstanceID string) (model.WorkflowBranch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rows := range s.branches {
		for _, b := range rows {
			if b.BranchInstanceID != nil && *b.BranchInstanceID == branchInstanceID {
				return b, true, nil
			}
		}
	}
	return model.WorkflowBranch{}, false, nil
}

// UpdateBranch rewrites the status of an existing branch row.
func (s *MemStore) UpdateBranch(_ context.Context, b model.WorkflowBranch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateBranchLocked(b)
	return nil
}

// PendingOutbox returns up to limit unpublished outbox entries, oldest first.
func (s *MemStore) PendingOutbox(_ context.Context, limit int) ([]model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.OutboxEntry
	for _, e := range s.outbox {
		if e.PublishedAt != nil {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkOutboxPublished records that the given outbox entries were published.
func (s *MemStore) MarkOutboxPublished(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	marked := make(map[string]bool, len(ids))
	for _, id := range ids {
		marked[id] = true
	}
	for i := range s.outbox {
		if marked[s.outbox[i].ID] && s.outbox[i].PublishedAt == nil {
			t := now
			s.outbox[i].PublishedAt = &t
		}
	}
	return nil
}
