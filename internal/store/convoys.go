package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"warroom/internal/domain"
)

// CreateConvoy persists a convoy and its member list. Convoys are destroyed
// only by archival, never mid-flight.
func (s *Store) CreateConvoy(ctx context.Context, c domain.Convoy) (domain.Convoy, error) {
	if c.ID == "" {
		return c, errors.New("convoy id is required")
	}
	if len(c.MemberIDs) == 0 {
		return c, errors.New("convoy requires at least one member")
	}
	if c.Status == "" {
		c.Status = domain.ConvoyPending
	}
	c.CreatedAt = s.now().UTC().Format(time.RFC3339)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO convoys(id,name,status,created_at) VALUES (?,?,?,?)`,
		c.ID, nullable(c.Name), c.Status, c.CreatedAt); err != nil {
		return c, err
	}
	for i, member := range c.MemberIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO convoy_members(convoy_id,item_id,position) VALUES (?,?,?)`, c.ID, member, i); err != nil {
			return c, err
		}
	}
	return c, tx.Commit()
}

// GetConvoy returns the convoy with its aggregate status derived from member
// states: running while any member is in progress, partially failed when some
// but not all members failed, done when every member is terminal.
func (s *Store) GetConvoy(ctx context.Context, id string) (domain.Convoy, error) {
	var c domain.Convoy
	var name sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM convoys WHERE id=?`, id).
		Scan(&c.ID, &name, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if name.Valid {
		c.Name = name.String
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT m.item_id, i.status FROM convoy_members m
JOIN work_items i ON i.id=m.item_id WHERE m.convoy_id=? ORDER BY m.position`, id)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	var statuses []string
	for rows.Next() {
		var itemID, status string
		if err := rows.Scan(&itemID, &status); err != nil {
			return c, err
		}
		c.MemberIDs = append(c.MemberIDs, itemID)
		statuses = append(statuses, status)
	}
	if err := rows.Err(); err != nil {
		return c, err
	}
	c.Status = deriveConvoyStatus(statuses)
	return c, nil
}

// SetConvoyStatus persists the derived aggregate status after a run.
func (s *Store) SetConvoyStatus(ctx context.Context, id, status string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE convoys SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConvoys returns convoys ordered by creation time, newest first.
func (s *Store) ListConvoys(ctx context.Context, limit int) ([]domain.Convoy, error) {
	query := `SELECT id FROM convoys ORDER BY created_at DESC, id DESC`
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
	ids, err := collectStrings(rows)
	if err != nil {
		return nil, err
	}
	var res []domain.Convoy
	for _, id := range ids {
		c, err := s.GetConvoy(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

func deriveConvoyStatus(memberStatuses []string) string {
	if len(memberStatuses) == 0 {
		return domain.ConvoyPending
	}
	allTerminal := true
	anyRunning := false
	anyFailed := false
	anyDone := false
	for _, st := range memberStatuses {
		if !domain.TerminalStatus(st) {
			allTerminal = false
		}
		switch st {
		case domain.StatusDone:
			anyDone = true
		case domain.StatusFailed:
			anyFailed = true
		case domain.StatusInProgress:
			anyRunning = true
		}
	}
	switch {
	case anyRunning:
		return domain.ConvoyRunning
	case allTerminal && anyFailed && anyDone:
		return domain.ConvoyPartiallyFailed
	case allTerminal && anyFailed:
		return domain.ConvoyFailed
	case allTerminal:
		return domain.ConvoyDone
	default:
		return domain.ConvoyPending
	}
}
