package ledger

import (
	"context"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Store is the transactional backing store for owners, limits and counters.
// The owner tree is a flat table: every row names its parent by ID.
type Store interface {
	// WithTx runs fn inside a transaction. If fn returns an error every write
	// made through tx is discarded.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of row operations available inside a ledger transaction.
type Tx interface {
	GetOwner(ctx context.Context, id string) (*domain.Owner, error)
	CreateOwner(ctx context.Context, owner *domain.Owner) error
	DeleteOwner(ctx context.Context, id string) error
	ListChildren(ctx context.Context, parentID string) ([]*domain.Owner, error)

	// GetCount returns the counter for (owner, type), zero when no row exists.
	// SQL stores take a row lock that is held until the transaction ends.
	GetCount(ctx context.Context, ownerID string, rt domain.ResourceType) (int64, error)
	SetCount(ctx context.Context, ownerID string, rt domain.ResourceType, count int64) error
	ListCounts(ctx context.Context, ownerID string) (map[domain.ResourceType]int64, error)

	// GetLimit returns the explicit limit row; ok is false when none exists.
	GetLimit(ctx context.Context, ownerID string, rt domain.ResourceType) (max int64, ok bool, err error)
	SetLimit(ctx context.Context, ownerID string, rt domain.ResourceType, max int64) error
	ListLimits(ctx context.Context, ownerID string) (map[domain.ResourceType]int64, error)
}
