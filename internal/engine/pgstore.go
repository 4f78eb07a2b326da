package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statelinehq/stateline/internal/graph"
	"github.com/statelinehq/stateline/model"
)

// PgStore is a PostgreSQL-backed InstanceStore using pgx/v5. ApplyChange
// runs the whole write set inside one transaction; the optimistic version
// check on the instance row is the serialization point for concurrent
// transitions.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL instance store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// CreateInstance inserts a new workflow instance.
func (s *PgStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, workflow_id, entity_type, entity_id, current_state, started_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inst.ID, inst.WorkflowID, inst.EntityType, inst.EntityID,
		inst.CurrentState, inst.StartedAt, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// GetInstance retrieves a workflow instance by id.
func (s *PgStore) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, entity_type, entity_id, current_state, started_at, version
		FROM workflow_instances
		WHERE id = $1`,
		id,
	).Scan(
		&inst.ID, &inst.WorkflowID, &inst.EntityType, &inst.EntityID,
		&inst.CurrentState, &inst.StartedAt, &inst.Version,
	)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("instance %s not found", id),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns instances matching the filters.
func (s *PgStore) ListInstances(ctx context.Context, f InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT id, workflow_id, entity_type, entity_id, current_state, started_at, version
	          FROM workflow_instances
	          WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.WorkflowID != "" {
		query += fmt.Sprintf(" AND workflow_id = $%d", argIdx)
		args = append(args, f.WorkflowID)
		argIdx++
	}
	if f.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argIdx)
		args = append(args, f.EntityType)
		argIdx++
	}
	if f.EntityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argIdx)
		args = append(args, f.EntityID)
		argIdx++
	}

	query += " ORDER BY started_at ASC, id ASC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowInstance
	for rows.Next() {
		var inst model.WorkflowInstance
		if err := rows.Scan(
			&inst.ID, &inst.WorkflowID, &inst.EntityType, &inst.EntityID,
			&inst.CurrentState, &inst.StartedAt, &inst.Version,
		); err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ApplyChange commits one transition atomically.
func (s *PgStore) ApplyChange(ctx context.Context, ch Change) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_instances SET
			current_state = $1,
			version = $2
		WHERE id = $3 AND version = $4`,
		ch.Instance.CurrentState, ch.Instance.Version,
		ch.Instance.ID, ch.Instance.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf(
			"instance %s version conflict (expected %d)", ch.Instance.ID, ch.Instance.Version-1))
	}

	for _, h := range ch.History {
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_history (
				id, instance_id, transition_id, from_state, to_state, action_by, changed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			h.ID, h.InstanceID, h.TransitionID, h.FromState, h.ToState, h.ActionBy, h.ChangedAt,
		)
		if err != nil {
			return fmt.Errorf("insert history row: %w", err)
		}
	}

	for _, inst := range ch.NewInstances {
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_instances (
				id, workflow_id, entity_type, entity_id, current_state, started_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			inst.ID, inst.WorkflowID, inst.EntityType, inst.EntityID,
			inst.CurrentState, inst.StartedAt, inst.Version,
		)
		if err != nil {
			return fmt.Errorf("insert branch instance: %w", err)
		}
	}

	for _, b := range ch.NewBranches {
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_branches (
				parent_instance_id, branch_instance_id, state_id, status
			) VALUES ($1, $2, $3, $4)`,
			b.ParentInstanceID, b.BranchInstanceID, b.StateID, b.Status,
		)
		if err != nil {
			return fmt.Errorf("insert branch row: %w", err)
		}
	}

	if ch.BranchUpdate != nil {
		_, err = tx.Exec(ctx, `
			UPDATE workflow_branches SET status = $1
			WHERE parent_instance_id = $2 AND branch_instance_id = $3`,
			ch.BranchUpdate.Status, ch.BranchUpdate.ParentInstanceID, ch.BranchUpdate.BranchInstanceID,
		)
		if err != nil {
			return fmt.Errorf("update branch row: %w", err)
		}
	}

	for _, e := range ch.Outbox {
		envJSON, err := json.Marshal(e.Envelope)
		if err != nil {
			return fmt.Errorf("marshal outbox envelope: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_outbox (id, envelope, created_at)
			VALUES ($1, $2, $3)`,
			e.ID, envJSON, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// GetHistory returns an instance's history rows, newest first.
func (s *PgStore) GetHistory(ctx context.Context, instanceID string) ([]model.WorkflowHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, transition_id, from_state, to_state, action_by, changed_at
		FROM workflow_history
		WHERE instance_id = $1
		ORDER BY changed_at DESC, id DESC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowHistory
	for rows.Next() {
		var h model.WorkflowHistory
		if err := rows.Scan(
			&h.ID, &h.InstanceID, &h.TransitionID, &h.FromState, &h.ToState, &h.ActionBy, &h.ChangedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListBranches returns the branch rows under a parent instance.
func (s *PgStore) ListBranches(ctx context.Context, parentInstanceID string) ([]model.WorkflowBranch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT parent_instance_id, branch_instance_id, state_id, status
		FROM workflow_branches
		WHERE parent_instance_id = $1`,
		parentInstanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowBranch
	for rows.Next() {
		var b model.WorkflowBranch
		if err := rows.Scan(&b.ParentInstanceID, &b.BranchInstanceID, &b.StateID, &b.Status); err != nil {
			return nil, fmt.Errorf("scan branch row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FindBranch returns the branch row owning the given branch instance.
func (s *PgStore) FindBranch(ctx context.Context, branchInstanceID string) (model.WorkflowBranch, bool, error) {
	var b model.WorkflowBranch
	err := s.pool.QueryRow(ctx, `
		SELECT parent_instance_id, branch_instance_id, state_id, status
		FROM workflow_branches
		WHERE branch_instance_id = $1`,
		branchInstanceID,
	).Scan(&b.ParentInstanceID, &b.BranchInstanceID, &b.StateID, &b.Status)
	if err == pgx.ErrNoRows {
		return model.WorkflowBranch{}, false, nil
	}
	if err != nil {
		return model.WorkflowBranch{}, false, fmt.Errorf("query branch: %w", err)
	}
	return b, true, nil
}

// UpdateBranch rewrites the status of an existing branch row.
func (s *PgStore) UpdateBranch(ctx context.Context, b model.WorkflowBranch) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_branches SET status = $1
		WHERE parent_instance_id = $2 AND branch_instance_id = $3`,
		b.Status, b.ParentInstanceID, b.BranchInstanceID,
	)
	if err != nil {
		return fmt.Errorf("update branch row: %w", err)
	}
	return nil
}

// PendingOutbox returns up to limit unpublished outbox entries, oldest
// first. Concurrent pollers may hand out the same entry; consumers dedupe
// by entry id, so double delivery is tolerated rather than prevented here.
func (s *PgStore) PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, envelope, created_at
		FROM workflow_outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		var envJSON []byte
		if err := rows.Scan(&e.ID, &envJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		if err := json.Unmarshal(envJSON, &e.Envelope); err != nil {
			return nil, fmt.Errorf("unmarshal outbox envelope: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkOutboxPublished records that the given outbox entries were published.
func (s *PgStore) MarkOutboxPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_outbox SET published_at = $1
		WHERE id = ANY($2) AND published_at IS NULL`,
		time.Now().UTC(), ids,
	)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// WorkflowIDs lists the workflow definitions seeded in the database.
func (s *PgStore) WorkflowIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM workflows ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadGraph loads a workflow's definition rows and indexes them.
func (s *PgStore) LoadGraph(ctx context.Context, workflowID string) (*graph.Graph, error) {
	var wf model.Workflow
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description FROM workflows WHERE id = $1`,
		workflowID,
	).Scan(&wf.ID, &wf.Name, &wf.Description)
	if err == pgx.ErrNoRows {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}

	stateRows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, name, type, is_final
		FROM workflow_states
		WHERE workflow_id = $1`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer stateRows.Close()

	var states []model.State
	for stateRows.Next() {
		var st model.State
		if err := stateRows.Scan(&st.ID, &st.WorkflowID, &st.Name, &st.Type, &st.IsFinal); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		states = append(states, st)
	}
	if err := stateRows.Err(); err != nil {
		return nil, err
	}

	trRows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, from_state, to_state, trigger_event, requires_action
		FROM workflow_transitions
		WHERE workflow_id = $1
		ORDER BY id ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer trRows.Close()

	var transitions []model.Transition
	for trRows.Next() {
		var tr model.Transition
		if err := trRows.Scan(&tr.ID, &tr.WorkflowID, &tr.FromState, &tr.ToState, &tr.TriggerEvent, &tr.RequiresAction); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		transitions = append(transitions, tr)
	}
	if err := trRows.Err(); err != nil {
		return nil, err
	}

	return graph.New(wf, states, transitions)
}
