package engine

import (
	"context"

	"github.com/statelinehq/stateline/model"
)

// InstanceStore persists workflow instances, history, branch bookkeeping,
// and the transactional outbox.
type InstanceStore interface {
	// CreateInstance persists a new workflow instance.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// GetInstance retrieves an instance by id. Returns NOT_FOUND if it does
	// not exist.
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// ListInstances returns instances matching the filters.
	ListInstances(ctx context.Context, f InstanceFilters) ([]model.WorkflowInstance, error)

	// ApplyChange commits one transition atomically: the instance update
	// (guarded by optimistic version check), history rows, branch rows,
	// branch instances, and outbox entries all land in the same unit of
	// work. Returns CONFLICT if the stored version no longer matches
	// ch.Instance.Version-1.
	ApplyChange(ctx context.Context, ch Change) error

	// GetHistory returns an instance's history rows, newest first.
	GetHistory(ctx context.Context, instanceID string) ([]model.WorkflowHistory, error)

	// ListBranches returns the branch rows under a parent instance.
	ListBranches(ctx context.Context, parentInstanceID string) ([]model.WorkflowBranch, error)

	// FindBranch returns the branch row owning the given branch instance,
	// if any.
	FindBranch(ctx context.Context, branchInstanceID string) (model.WorkflowBranch, bool, error)

	// UpdateBranch rewrites the status of an existing branch row, keyed by
	// (ParentInstanceID, BranchInstanceID).
	UpdateBranch(ctx context.Context, b model.WorkflowBranch) error

	// PendingOutbox returns up to limit unpublished outbox entries, oldest
	// first.
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error)

	// MarkOutboxPublished records that the given outbox entries were
	// handed to the fan-out.
	MarkOutboxPublished(ctx context.Context, ids []string) error
}

// InstanceFilters are optional filters for listing workflow instances.
type InstanceFilters struct {
	WorkflowID string
	EntityType string
	EntityID   string
	Limit      int
	Offset     int
}

// Change is the write set of one transition. Instance carries the already
// incremented version; the store verifies the previous version still holds
// before writing anything.
type Change struct {
	Instance model.WorkflowInstance

	History []model.WorkflowHistory

	// NewInstances and NewBranches are populated by forks: one branch
	// instance and one RUNNING branch row per outgoing transition of the
	// parallel state.
	NewInstances []model.WorkflowInstance
	NewBranches  []model.WorkflowBranch

	// BranchUpdate marks the moved instance's own branch row, keyed by
	// (ParentInstanceID, BranchInstanceID).
	BranchUpdate *model.WorkflowBranch

	// Outbox entries are written in the same transaction so publication
	// survives a crash between commit and announcement.
	Outbox []model.OutboxEntry
}
