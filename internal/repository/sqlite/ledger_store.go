package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

// executor abstracts *sql.DB and *sql.Tx for shared query logic.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes fn within a SQL transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&ledgerTx{exec: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback tx after error %v: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type ledgerTx struct {
	exec executor
}

func (t *ledgerTx) GetOwner(ctx context.Context, id string) (*domain.Owner, error) {
	var (
		o        domain.Owner
		kind     string
		parentID sql.NullString
	)
	err := t.exec.QueryRowContext(ctx,
		`SELECT id, name, kind, parent_id, created_at FROM resource_owners WHERE id = ?`, id,
	).Scan(&o.ID, &o.Name, &kind, &parentID, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select owner: %w", err)
	}
	o.Kind = domain.OwnerKind(kind)
	o.ParentID = parentID.String
	return &o, nil
}

func (t *ledgerTx) CreateOwner(ctx context.Context, owner *domain.Owner) error {
	var parent any
	if owner.ParentID != "" {
		parent = owner.ParentID
	}
	_, err := t.exec.ExecContext(ctx,
		`INSERT INTO resource_owners (id, name, kind, parent_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		owner.ID, owner.Name, string(owner.Kind), parent, owner.CreatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert owner: %w", err)
	}
	return nil
}

func (t *ledgerTx) DeleteOwner(ctx context.Context, id string) error {
	children, err := t.ListChildren(ctx, id)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return domain.ErrConflict
	}

	res, err := t.exec.ExecContext(ctx, `DELETE FROM resource_owners WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete owner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) ListChildren(ctx context.Context, parentID string) ([]*domain.Owner, error) {
	rows, err := t.exec.QueryContext(ctx,
		`SELECT id, name, kind, parent_id, created_at FROM resource_owners WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var result []*domain.Owner
	for rows.Next() {
		var (
			o        domain.Owner
			kind     string
			parentID sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.Name, &kind, &parentID, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		o.Kind = domain.OwnerKind(kind)
		o.ParentID = parentID.String
		result = append(result, &o)
	}
	return result, rows.Err()
}

func (t *ledgerTx) GetCount(ctx context.Context, ownerID string, rt domain.ResourceType) (int64, error) {
	var count int64
	err := t.exec.QueryRowContext(ctx,
		`SELECT count FROM resource_counts WHERE owner_id = ? AND resource_type = ?`, ownerID, string(rt),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select count: %w", err)
	}
	return count, nil
}

func (t *ledgerTx) SetCount(ctx context.Context, ownerID string, rt domain.ResourceType, count int64) error {
	_, err := t.exec.ExecContext(ctx,
		`INSERT INTO resource_counts (owner_id, resource_type, count) VALUES (?, ?, ?)
         ON CONFLICT(owner_id, resource_type) DO UPDATE SET count = excluded.count`,
		ownerID, string(rt), count,
	)
	if err != nil {
		return fmt.Errorf("upsert count: %w", err)
	}
	return nil
}

func (t *ledgerTx) ListCounts(ctx context.Context, ownerID string) (map[domain.ResourceType]int64, error) {
	return t.listValues(ctx, `SELECT resource_type, count FROM resource_counts WHERE owner_id = ?`, ownerID)
}

func (t *ledgerTx) GetLimit(ctx context.Context, ownerID string, rt domain.ResourceType) (int64, bool, error) {
	var max int64
	err := t.exec.QueryRowContext(ctx,
		`SELECT max FROM resource_limits WHERE owner_id = ? AND resource_type = ?`, ownerID, string(rt),
	).Scan(&max)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select limit: %w", err)
	}
	return max, true, nil
}

func (t *ledgerTx) SetLimit(ctx context.Context, ownerID string, rt domain.ResourceType, max int64) error {
	_, err := t.exec.ExecContext(ctx,
		`INSERT INTO resource_limits (owner_id, resource_type, max) VALUES (?, ?, ?)
         ON CONFLICT(owner_id, resource_type) DO UPDATE SET max = excluded.max`,
		ownerID, string(rt), max,
	)
	if err != nil {
		return fmt.Errorf("upsert limit: %w", err)
	}
	return nil
}

func (t *ledgerTx) ListLimits(ctx context.Context, ownerID string) (map[domain.ResourceType]int64, error) {
	return t.listValues(ctx, `SELECT resource_type, max FROM resource_limits WHERE owner_id = ?`, ownerID)
}

func (t *ledgerTx) listValues(ctx context.Context, query, ownerID string) (map[domain.ResourceType]int64, error) {
	rows, err := t.exec.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list ledger rows: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ResourceType]int64)
	for rows.Next() {
		var (
			rt    string
			value int64
		)
		if err := rows.Scan(&rt, &value); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out[domain.ResourceType(rt)] = value
	}
	return out, rows.Err()
}
