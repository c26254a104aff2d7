package store

import (
	"context"
	"database/sql"
	"time"

	"warroom/internal/domain"
)

// CreateExecution persists a new battle plan execution with its full phase
// table in one transaction. Phase rows are the source of truth for resume.
func (s *Store) CreateExecution(ctx context.Context, exec domain.BattlePlanExecution, phases []domain.PhaseState) (domain.BattlePlanExecution, error) {
	now := s.now().UTC().Format(time.RFC3339)
	if exec.Status == "" {
		exec.Status = domain.ExecNotStarted
	}
	exec.CreatedAt = now
	exec.UpdatedAt = now

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return exec, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO plan_executions(id,plan_name,request_id,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		exec.ID, exec.PlanName, exec.RequestID, exec.Status, exec.CreatedAt, exec.UpdatedAt); err != nil {
		return exec, err
	}
	for _, p := range phases {
		if p.Status == "" {
			p.Status = domain.PhasePending
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO plan_phase_states(execution_id,phase_index,name,role,phase_group,work_item_id,status,started_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
			exec.ID, p.Index, p.Name, p.Role, p.Group, nullableStringPtr(p.WorkItemID), p.Status, nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt)); err != nil {
			return exec, err
		}
	}
	return exec, tx.Commit()
}

// GetExecution returns the execution header or ErrNotFound.
func (s *Store) GetExecution(ctx context.Context, id string) (domain.BattlePlanExecution, error) {
	var exec domain.BattlePlanExecution
	err := s.DB.QueryRowContext(ctx, `SELECT id,plan_name,request_id,status,created_at,updated_at FROM plan_executions WHERE id=?`, id).
		Scan(&exec.ID, &exec.PlanName, &exec.RequestID, &exec.Status, &exec.CreatedAt, &exec.UpdatedAt)
	if err == sql.ErrNoRows {
		return exec, ErrNotFound
	}
	return exec, err
}

// SetExecutionStatus moves the execution header to a new status.
func (s *Store) SetExecutionStatus(ctx context.Context, id, status string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE plan_executions SET status=?, updated_at=? WHERE id=?`,
		status, s.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PhaseStates returns all phase rows for an execution ordered by index.
func (s *Store) PhaseStates(ctx context.Context, executionID string) ([]domain.PhaseState, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT execution_id,phase_index,name,role,phase_group,work_item_id,status,started_at,completed_at
FROM plan_phase_states WHERE execution_id=? ORDER BY phase_index ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseState
	for rows.Next() {
		var p domain.PhaseState
		var itemID, startedAt, completedAt sql.NullString
		if err := rows.Scan(&p.ExecutionID, &p.Index, &p.Name, &p.Role, &p.Group, &itemID, &p.Status, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if itemID.Valid {
			p.WorkItemID = &itemID.String
		}
		if startedAt.Valid {
			p.StartedAt = &startedAt.String
		}
		if completedAt.Valid {
			p.CompletedAt = &completedAt.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdatePhase writes back one phase row.
func (s *Store) UpdatePhase(ctx context.Context, p domain.PhaseState) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE plan_phase_states SET work_item_id=?, status=?, started_at=?, completed_at=? WHERE execution_id=? AND phase_index=?`,
		nullableStringPtr(p.WorkItemID), p.Status, nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt), p.ExecutionID, p.Index)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExecutions returns execution headers, newest first.
func (s *Store) ListExecutions(ctx context.Context, limit int) ([]domain.BattlePlanExecution, error) {
	query := `SELECT id,plan_name,request_id,status,created_at,updated_at FROM plan_executions ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BattlePlanExecution
	for rows.Next() {
		var exec domain.BattlePlanExecution
		if err := rows.Scan(&exec.ID, &exec.PlanName, &exec.RequestID, &exec.Status, &exec.CreatedAt, &exec.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, exec)
	}
	return res, rows.Err()
}

// Neighbors returns adjacent graph nodes for impact analysis: outgoing edges
// from the node plus incoming edges pointing at it. Both directions are
// index-backed for O(1)-per-neighbor lookup.
func (s *Store) Neighbors(ctx context.Context, nodeID string) ([]domain.GraphEdge, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT from_id,to_id,kind FROM graph_edges WHERE from_id=?
UNION ALL SELECT from_id,to_id,kind FROM graph_edges WHERE to_id=?`, nodeID, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GraphEdge
	for rows.Next() {
		var e domain.GraphEdge
		if err := rows.Scan(&e.From, &e.To, &e.Kind); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
