package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"warroom/internal/domain"
)

// Store owns every persisted work item. All cross-component access to item
// state goes through it; no component keeps a private copy across calls.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDependencyOpen  = errors.New("dependency not done")
)

func New(db *sql.DB) *Store {
	return &Store{DB: db, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Create inserts a new work item and its dependency edges. The initial
// version is 1; an empty ID gets generated.
func (s *Store) Create(ctx context.Context, item domain.WorkItem) (domain.WorkItem, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Title == "" {
		return item, errors.New("title is required")
	}
	if item.Status == "" {
		item.Status = domain.StatusBacklog
	}
	now := s.now().UTC().Format(time.RFC3339)
	item.Version = 1
	item.CreatedAt = now
	item.UpdatedAt = now

	metaJSON, err := marshalMetadata(item.Metadata)
	if err != nil {
		return item, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,issue_ref,title,status,assigned_role,metadata_json,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		item.ID, nullable(item.IssueRef), item.Title, item.Status, nullableStringPtr(item.AssignedRole), metaJSON, item.Version, item.CreatedAt, item.UpdatedAt); err != nil {
		return item, fmt.Errorf("insert work item: %w", err)
	}
	for _, dep := range item.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO work_item_deps(item_id,depends_on_item_id) VALUES (?,?)`, item.ID, dep); err != nil {
			return item, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO graph_edges(from_id,to_id,kind) VALUES (?,?,?)`, item.ID, dep, domain.EdgeDependsOn); err != nil {
			return item, err
		}
	}
	if err := s.appendLog(ctx, tx, item); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

// Get returns the work item or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	item, err := scanItem(s.DB.QueryRowContext(ctx, `SELECT id,issue_ref,title,status,assigned_role,metadata_json,version,created_at,updated_at FROM work_items WHERE id=?`, id))
	if err != nil {
		return item, err
	}
	item.DependsOn, err = s.listDeps(ctx, id)
	return item, err
}

// Update applies mutate to the stored item iff the stored version equals
// expectedVersion, then bumps the version by exactly one and appends to the
// change log. A stale expectedVersion fails with ErrVersionConflict and
// leaves the row untouched; callers re-read and retry rather than blind
// overwrite. A transition to done while any dependency is not done fails
// with ErrDependencyOpen.
func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, mutate func(*domain.WorkItem) error) (domain.WorkItem, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	item, err := scanItem(tx.QueryRowContext(ctx, `SELECT id,issue_ref,title,status,assigned_role,metadata_json,version,created_at,updated_at FROM work_items WHERE id=?`, id))
	if err != nil {
		return item, err
	}
	if item.Version != expectedVersion {
		return item, fmt.Errorf("item %s at version %d, expected %d: %w", id, item.Version, expectedVersion, ErrVersionConflict)
	}
	item.DependsOn, err = s.listDepsTx(ctx, tx, id)
	if err != nil {
		return item, err
	}
	prevStatus := item.Status
	if err := mutate(&item); err != nil {
		return item, err
	}
	if item.Status == domain.StatusDone && prevStatus != domain.StatusDone {
		if err := s.ensureDependenciesDone(ctx, tx, id); err != nil {
			return item, err
		}
	}
	item.Version = expectedVersion + 1
	item.UpdatedAt = s.now().UTC().Format(time.RFC3339)

	metaJSON, err := marshalMetadata(item.Metadata)
	if err != nil {
		return item, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET issue_ref=?, title=?, status=?, assigned_role=?, metadata_json=?, version=?, updated_at=? WHERE id=? AND version=?`,
		nullable(item.IssueRef), item.Title, item.Status, nullableStringPtr(item.AssignedRole), metaJSON, item.Version, item.UpdatedAt, id, expectedVersion)
	if err != nil {
		return item, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return item, ErrVersionConflict
	}
	if err := s.appendLog(ctx, tx, item); err != nil {
		return item, err
	}
	if item.AssignedRole != nil {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO graph_edges(from_id,to_id,kind) VALUES (?,?,?)`,
			"role:"+*item.AssignedRole, item.ID, domain.EdgeTouched); err != nil {
			return item, err
		}
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

// AddDependency records an item->dep edge after creation.
func (s *Store) AddDependency(ctx context.Context, itemID, dependsOn string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO work_item_deps(item_id,depends_on_item_id) VALUES (?,?)`, itemID, dependsOn); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO graph_edges(from_id,to_id,kind) VALUES (?,?,?)`, itemID, dependsOn, domain.EdgeDependsOn); err != nil {
		return err
	}
	return tx.Commit()
}

type Filters struct {
	Status    string
	Role      string
	DependsOn string
	Limit     int
}

// List returns work items ordered by creation time, oldest first.
func (s *Store) List(ctx context.Context, f Filters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Role != "" {
		clauses = append(clauses, "assigned_role=?")
		args = append(args, f.Role)
	}
	if f.DependsOn != "" {
		clauses = append(clauses, "id IN (SELECT item_id FROM work_item_deps WHERE depends_on_item_id=?)")
		args = append(args, f.DependsOn)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,issue_ref,title,status,assigned_role,metadata_json,version,created_at,updated_at FROM work_items ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		item, err := scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := s.listDeps(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

// ChangeLogEntry is one row of the append-only mutation log, usable for
// recovery and replay.
type ChangeLogEntry struct {
	ID           int64   `json:"id"`
	ItemID       string  `json:"item_id"`
	Version      int64   `json:"version"`
	Status       string  `json:"status"`
	AssignedRole *string `json:"assigned_role,omitempty"`
	TS           string  `json:"ts" format:"date-time"`
}

// ChangeLog returns the mutation history for one item, oldest first.
func (s *Store) ChangeLog(ctx context.Context, itemID string) ([]ChangeLogEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,item_id,version,status,assigned_role,ts FROM work_item_log WHERE item_id=? ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ChangeLogEntry
	for rows.Next() {
		var e ChangeLogEntry
		var role sql.NullString
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Version, &e.Status, &role, &e.TS); err != nil {
			return nil, err
		}
		if role.Valid {
			e.AssignedRole = &role.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *Store) appendLog(ctx context.Context, tx *sql.Tx, item domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_item_log(item_id,version,status,assigned_role,ts) VALUES (?,?,?,?,?)`,
		item.ID, item.Version, item.Status, nullableStringPtr(item.AssignedRole), item.UpdatedAt)
	return err
}

func (s *Store) ensureDependenciesDone(ctx context.Context, tx *sql.Tx, itemID string) error {
	row := tx.QueryRowContext(ctx, `SELECT dep.id FROM work_item_deps d
JOIN work_items dep ON dep.id=d.depends_on_item_id
WHERE d.item_id=? AND dep.status != ? LIMIT 1`, itemID, domain.StatusDone)
	var depID string
	err := row.Scan(&depID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("item %s: dependency %s: %w", itemID, depID, ErrDependencyOpen)
}

func (s *Store) listDeps(ctx context.Context, itemID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT depends_on_item_id FROM work_item_deps WHERE item_id=? ORDER BY depends_on_item_id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func (s *Store) listDepsTx(ctx context.Context, tx *sql.Tx, itemID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT depends_on_item_id FROM work_item_deps WHERE item_id=? ORDER BY depends_on_item_id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	var res []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row *sql.Row) (domain.WorkItem, error) {
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	return item, err
}

func scanItemRows(rows *sql.Rows) (domain.WorkItem, error) {
	return scanWorkItem(rows)
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var item domain.WorkItem
	var issueRef, role, metaJSON sql.NullString
	err := row.Scan(&item.ID, &issueRef, &item.Title, &item.Status, &role, &metaJSON, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return item, err
	}
	if issueRef.Valid {
		item.IssueRef = issueRef.String
	}
	if role.Valid {
		item.AssignedRole = &role.String
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &item.Metadata); err != nil {
			return item, fmt.Errorf("item %s metadata: %w", item.ID, err)
		}
	}
	return item, nil
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
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
