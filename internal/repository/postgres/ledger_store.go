package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/ledger"
)

var _ ledger.Store = (*LedgerStore)(nil)

// LedgerStore persists owners, limits and counters. Counter rows are read
// with SELECT ... FOR UPDATE so concurrent control-plane replicas serialize
// on the same rows.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new ledger store.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// WithTx runs fn in a read-committed transaction.
func (s *LedgerStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) GetOwner(ctx context.Context, id string) (*domain.Owner, error) {
	query := `
		SELECT id, name, kind, COALESCE(parent_id, ''), created_at
		FROM resource_owners
		WHERE id = $1
	`

	var o domain.Owner
	var kind string
	err := t.tx.QueryRow(ctx, query, id).Scan(&o.ID, &o.Name, &kind, &o.ParentID, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get owner: %w", err)
	}
	o.Kind = domain.OwnerKind(kind)
	return &o, nil
}

func (t *ledgerTx) CreateOwner(ctx context.Context, owner *domain.Owner) error {
	query := `
		INSERT INTO resource_owners (id, name, kind, parent_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
	`

	_, err := t.tx.Exec(ctx, query, owner.ID, owner.Name, string(owner.Kind), owner.ParentID, owner.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert owner: %w", err)
	}
	return nil
}

func (t *ledgerTx) DeleteOwner(ctx context.Context, id string) error {
	var children int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM resource_owners WHERE parent_id = $1`, id).Scan(&children); err != nil {
		return fmt.Errorf("failed to count children: %w", err)
	}
	if children > 0 {
		return domain.ErrConflict
	}

	result, err := t.tx.Exec(ctx, `DELETE FROM resource_owners WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete owner: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) ListChildren(ctx context.Context, parentID string) ([]*domain.Owner, error) {
	query := `
		SELECT id, name, kind, COALESCE(parent_id, ''), created_at
		FROM resource_owners
		WHERE parent_id = $1
		ORDER BY id
	`

	rows, err := t.tx.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	var result []*domain.Owner
	for rows.Next() {
		var o domain.Owner
		var kind string
		if err := rows.Scan(&o.ID, &o.Name, &kind, &o.ParentID, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		o.Kind = domain.OwnerKind(kind)
		result = append(result, &o)
	}
	return result, rows.Err()
}

func (t *ledgerTx) GetCount(ctx context.Context, ownerID string, rt domain.ResourceType) (int64, error) {
	// Materialize the row first so FOR UPDATE always has something to lock.
	_, err := t.tx.Exec(ctx, `
		INSERT INTO resource_counts (owner_id, resource_type, count)
		VALUES ($1, $2, 0)
		ON CONFLICT (owner_id, resource_type) DO NOTHING
	`, ownerID, string(rt))
	if err != nil {
		return 0, fmt.Errorf("failed to ensure count row: %w", err)
	}

	var count int64
	err = t.tx.QueryRow(ctx, `
		SELECT count FROM resource_counts
		WHERE owner_id = $1 AND resource_type = $2
		FOR UPDATE
	`, ownerID, string(rt)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to lock count row: %w", err)
	}
	return count, nil
}

func (t *ledgerTx) SetCount(ctx context.Context, ownerID string, rt domain.ResourceType, count int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO resource_counts (owner_id, resource_type, count)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, resource_type) DO UPDATE SET count = EXCLUDED.count, updated_at = NOW()
	`, ownerID, string(rt), count)
	if err != nil {
		return fmt.Errorf("failed to update count: %w", err)
	}
	return nil
}

func (t *ledgerTx) ListCounts(ctx context.Context, ownerID string) (map[domain.ResourceType]int64, error) {
	return t.listValues(ctx, `SELECT resource_type, count FROM resource_counts WHERE owner_id = $1`, ownerID)
}

func (t *ledgerTx) GetLimit(ctx context.Context, ownerID string, rt domain.ResourceType) (int64, bool, error) {
	var max int64
	err := t.tx.QueryRow(ctx, `
		SELECT max FROM resource_limits WHERE owner_id = $1 AND resource_type = $2
	`, ownerID, string(rt)).Scan(&max)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get limit: %w", err)
	}
	return max, true, nil
}

func (t *ledgerTx) SetLimit(ctx context.Context, ownerID string, rt domain.ResourceType, max int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO resource_limits (owner_id, resource_type, max)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, resource_type) DO UPDATE SET max = EXCLUDED.max
	`, ownerID, string(rt), max)
	if err != nil {
		return fmt.Errorf("failed to set limit: %w", err)
	}
	return nil
}

func (t *ledgerTx) ListLimits(ctx context.Context, ownerID string) (map[domain.ResourceType]int64, error) {
	return t.listValues(ctx, `SELECT resource_type, max FROM resource_limits WHERE owner_id = $1`, ownerID)
}

func (t *ledgerTx) listValues(ctx context.Context, query, ownerID string) (map[domain.ResourceType]int64, error) {
	rows, err := t.tx.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger rows: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ResourceType]int64)
	for rows.Next() {
		var rt string
		var value int64
		if err := rows.Scan(&rt, &value); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		out[domain.ResourceType(rt)] = value
	}
	return out, rows.Err()
}
