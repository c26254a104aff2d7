package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warroom/internal/domain"
	"warroom/internal/events"
	"warroom/internal/store"
)

// ErrInvalidTransition is returned when a delegation is moved out of order.
// Not retryable; surfaces immediately to the caller.
var ErrInvalidTransition = errors.New("invalid transition")

// Ledger records explicit work transfer between roles. Handoff records are
// immutable after creation; delegation links transition monotonically
// pending -> accepted -> completed.
type Ledger struct {
	DB     *sql.DB
	Store  *store.Store
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB, s *store.Store) *Ledger {
	return &Ledger{DB: db, Store: s, Events: events.Writer{DB: db}, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// handoffRetries bounds optimistic-lock retries for the role reassignment.
const handoffRetries = 5

// Handoff reassigns the work item's role through the store's optimistic
// update, then appends an immutable HandoffRecord.
func (l *Ledger) Handoff(ctx context.Context, workItemID, fromRole, toRole, note string) (domain.HandoffRecord, error) {
	return l.handoff(ctx, workItemID, fromRole, toRole, note, nil)
}

// HandoffWithDelegation performs a handoff whose reason is an accountable
// assignment: the DelegationLink is created atomically with the
// HandoffRecord and each references the other, keeping the audit trail
// navigable from either record.
func (l *Ledger) HandoffWithDelegation(ctx context.Context, workItemID, fromRole, toRole, note, scope string) (domain.HandoffRecord, domain.DelegationLink, error) {
	link := domain.DelegationLink{
		ID:         uuid.New().String(),
		WorkItemID: workItemID,
		FromRole:   fromRole,
		ToRole:     toRole,
		Scope:      scope,
		Status:     domain.DelegationPending,
	}
	rec, err := l.handoff(ctx, workItemID, fromRole, toRole, note, &link)
	return rec, link, err
}

func (l *Ledger) handoff(ctx context.Context, workItemID, fromRole, toRole, note string, link *domain.DelegationLink) (domain.HandoffRecord, error) {
	var rec domain.HandoffRecord
	if toRole == "" {
		return rec, errors.New("to-role is required")
	}
	if err := l.reassignRole(ctx, workItemID, toRole); err != nil {
		return rec, err
	}

	now := l.now().UTC().Format(time.RFC3339)
	rec = domain.HandoffRecord{
		ID:         uuid.New().String(),
		WorkItemID: workItemID,
		FromRole:   fromRole,
		ToRole:     toRole,
		Note:       note,
		CreatedAt:  now,
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	if link != nil {
		link.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `INSERT INTO delegations(id,work_item_id,from_role,to_role,scope,status,created_at) VALUES (?,?,?,?,?,?,?)`,
			link.ID, link.WorkItemID, link.FromRole, link.ToRole, nullable(link.Scope), link.Status, link.CreatedAt); err != nil {
			return rec, err
		}
		rec.DelegationID = &link.ID
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO handoffs(id,work_item_id,from_role,to_role,note,delegation_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.WorkItemID, rec.FromRole, rec.ToRole, nullable(rec.Note), nullableStringPtr(rec.DelegationID), rec.CreatedAt); err != nil {
		return rec, err
	}
	payload := events.EventPayload{"from_role": fromRole, "to_role": toRole}
	if rec.DelegationID != nil {
		payload["delegation_id"] = *rec.DelegationID
	}
	if err := l.Events.Append(ctx, tx, "handoff.recorded", "work_item", workItemID, fromRole, payload); err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

// reassignRole retries the optimistic update on conflict; contention
// degrades to re-read and retry, never to a blind overwrite.
func (l *Ledger) reassignRole(ctx context.Context, workItemID, toRole string) error {
	for attempt := 0; attempt < handoffRetries; attempt++ {
		item, err := l.Store.Get(ctx, workItemID)
		if err != nil {
			return err
		}
		_, err = l.Store.Update(ctx, workItemID, item.Version, func(w *domain.WorkItem) error {
			w.AssignedRole = &toRole
			return nil
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("reassign role on %s: %w", workItemID, store.ErrVersionConflict)
}

// Delegate creates a pending accountable assignment without a handoff.
func (l *Ledger) Delegate(ctx context.Context, workItemID, fromRole, toRole, scope string) (domain.DelegationLink, error) {
	link := domain.DelegationLink{
		ID:         uuid.New().String(),
		WorkItemID: workItemID,
		FromRole:   fromRole,
		ToRole:     toRole,
		Scope:      scope,
		Status:     domain.DelegationPending,
		CreatedAt:  l.now().UTC().Format(time.RFC3339),
	}
	if _, err := l.Store.Get(ctx, workItemID); err != nil {
		return link, err
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return link, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO delegations(id,work_item_id,from_role,to_role,scope,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		link.ID, link.WorkItemID, link.FromRole, link.ToRole, nullable(link.Scope), link.Status, link.CreatedAt); err != nil {
		return link, err
	}
	if err := l.Events.Append(ctx, tx, "delegation.created", "work_item", workItemID, fromRole, events.EventPayload{
		"delegation_id": link.ID, "to_role": toRole,
	}); err != nil {
		return link, err
	}
	return link, tx.Commit()
}

// AcceptDelegation moves pending -> accepted.
func (l *Ledger) AcceptDelegation(ctx context.Context, linkID string) (domain.DelegationLink, error) {
	return l.transition(ctx, linkID, domain.DelegationPending, domain.DelegationAccepted)
}

// CompleteDelegation moves accepted -> completed.
func (l *Ledger) CompleteDelegation(ctx context.Context, linkID string) (domain.DelegationLink, error) {
	return l.transition(ctx, linkID, domain.DelegationAccepted, domain.DelegationCompleted)
}

// RevokeDelegation withdraws a link that has not completed.
func (l *Ledger) RevokeDelegation(ctx context.Context, linkID string) (domain.DelegationLink, error) {
	link, err := l.GetDelegation(ctx, linkID)
	if err != nil {
		return link, err
	}
	if link.Status != domain.DelegationPending && link.Status != domain.DelegationAccepted {
		return link, fmt.Errorf("revoke from %s: %w", link.Status, ErrInvalidTransition)
	}
	return l.apply(ctx, link, domain.DelegationRevoked)
}

func (l *Ledger) transition(ctx context.Context, linkID, from, to string) (domain.DelegationLink, error) {
	link, err := l.GetDelegation(ctx, linkID)
	if err != nil {
		return link, err
	}
	if link.Status != from {
		return link, fmt.Errorf("delegation %s is %s, cannot move to %s: %w", linkID, link.Status, to, ErrInvalidTransition)
	}
	return l.apply(ctx, link, to)
}

func (l *Ledger) apply(ctx context.Context, link domain.DelegationLink, to string) (domain.DelegationLink, error) {
	now := l.now().UTC().Format(time.RFC3339)
	switch to {
	case domain.DelegationAccepted:
		link.AcceptedAt = &now
	case domain.DelegationCompleted:
		link.CompletedAt = &now
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return link, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE delegations SET status=?, accepted_at=?, completed_at=? WHERE id=? AND status=?`,
		to, nullableStringPtr(link.AcceptedAt), nullableStringPtr(link.CompletedAt), link.ID, link.Status)
	if err != nil {
		return link, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return link, fmt.Errorf("delegation %s moved concurrently: %w", link.ID, ErrInvalidTransition)
	}
	if err := l.Events.Append(ctx, tx, "delegation."+to, "work_item", link.WorkItemID, link.ToRole, events.EventPayload{
		"delegation_id": link.ID,
	}); err != nil {
		return link, err
	}
	if err := tx.Commit(); err != nil {
		return link, err
	}
	link.Status = to
	return link, nil
}

// GetDelegation returns one link or store.ErrNotFound.
func (l *Ledger) GetDelegation(ctx context.Context, linkID string) (domain.DelegationLink, error) {
	var link domain.DelegationLink
	var scope, acceptedAt, completedAt sql.NullString
	err := l.DB.QueryRowContext(ctx, `SELECT id,work_item_id,from_role,to_role,scope,status,created_at,accepted_at,completed_at FROM delegations WHERE id=?`, linkID).
		Scan(&link.ID, &link.WorkItemID, &link.FromRole, &link.ToRole, &scope, &link.Status, &link.CreatedAt, &acceptedAt, &completedAt)
	if err == sql.ErrNoRows {
		return link, store.ErrNotFound
	}
	if err != nil {
		return link, err
	}
	if scope.Valid {
		link.Scope = scope.String
	}
	if acceptedAt.Valid {
		link.AcceptedAt = &acceptedAt.String
	}
	if completedAt.Valid {
		link.CompletedAt = &completedAt.String
	}
	return link, nil
}

// HandoffsFor returns all handoff records for a work item, oldest first.
func (l *Ledger) HandoffsFor(ctx context.Context, workItemID string) ([]domain.HandoffRecord, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id,work_item_id,from_role,to_role,note,delegation_id,created_at FROM handoffs WHERE work_item_id=? ORDER BY created_at ASC, id ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HandoffRecord
	for rows.Next() {
		var rec domain.HandoffRecord
		var note, delegationID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.WorkItemID, &rec.FromRole, &rec.ToRole, &note, &delegationID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if note.Valid {
			rec.Note = note.String
		}
		if delegationID.Valid {
			rec.DelegationID = &delegationID.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// DelegationsFor returns all delegation links for a work item, oldest first.
func (l *Ledger) DelegationsFor(ctx context.Context, workItemID string) ([]domain.DelegationLink, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id FROM delegations WHERE work_item_id=? ORDER BY created_at ASC, id ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []domain.DelegationLink
	for _, id := range ids {
		link, err := l.GetDelegation(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, link)
	}
	return res, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
