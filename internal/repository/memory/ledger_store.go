package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/ledger"
)

// Ensure LedgerStore implements ledger.Store
var _ ledger.Store = (*LedgerStore)(nil)

type rowKey struct {
	owner string
	rt    domain.ResourceType
}

// LedgerStore is an in-memory ledger store. Transactions are serialized and
// buffer their writes until fn returns without error.
type LedgerStore struct {
	mu     sync.Mutex
	owners map[string]*domain.Owner
	counts map[rowKey]int64
	limits map[rowKey]int64
}

// NewLedgerStore creates an empty in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		owners: make(map[string]*domain.Owner),
		counts: make(map[rowKey]int64),
		limits: make(map[rowKey]int64),
	}
}

// WithTx runs fn against a write buffer and applies it on success.
func (s *LedgerStore) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &ledgerTx{
		store:         s,
		owners:        make(map[string]*domain.Owner),
		deletedOwners: make(map[string]bool),
		counts:        make(map[rowKey]int64),
		limits:        make(map[rowKey]int64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type ledgerTx struct {
	store         *LedgerStore
	owners        map[string]*domain.Owner
	deletedOwners map[string]bool
	counts        map[rowKey]int64
	limits        map[rowKey]int64
}

func (t *ledgerTx) commit() {
	s := t.store
	for id := range t.deletedOwners {
		delete(s.owners, id)
		for k := range s.counts {
			if k.owner == id {
				delete(s.counts, k)
			}
		}
		for k := range s.limits {
			if k.owner == id {
				delete(s.limits, k)
			}
		}
	}
	for id, o := range t.owners {
		s.owners[id] = o
	}
	for k, v := range t.counts {
		if !t.deletedOwners[k.owner] {
			s.counts[k] = v
		}
	}
	for k, v := range t.limits {
		if !t.deletedOwners[k.owner] {
			s.limits[k] = v
		}
	}
}

func (t *ledgerTx) lookupOwner(id string) (*domain.Owner, bool) {
	if t.deletedOwners[id] {
		return nil, false
	}
	if o, ok := t.owners[id]; ok {
		return o, true
	}
	o, ok := t.store.owners[id]
	return o, ok
}

func (t *ledgerTx) GetOwner(ctx context.Context, id string) (*domain.Owner, error) {
	o, ok := t.lookupOwner(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *o
	return &clone, nil
}

func (t *ledgerTx) CreateOwner(ctx context.Context, owner *domain.Owner) error {
	if _, ok := t.lookupOwner(owner.ID); ok {
		return domain.ErrAlreadyExists
	}
	clone := *owner
	delete(t.deletedOwners, owner.ID)
	t.owners[owner.ID] = &clone
	return nil
}

func (t *ledgerTx) DeleteOwner(ctx context.Context, id string) error {
	if _, ok := t.lookupOwner(id); !ok {
		return domain.ErrNotFound
	}
	children, err := t.ListChildren(ctx, id)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return domain.ErrConflict
	}
	delete(t.owners, id)
	t.deletedOwners[id] = true
	return nil
}

func (t *ledgerTx) ListChildren(ctx context.Context, parentID string) ([]*domain.Owner, error) {
	seen := make(map[string]bool)
	var result []*domain.Owner
	collect := func(o *domain.Owner) {
		if seen[o.ID] || t.deletedOwners[o.ID] || o.ParentID != parentID {
			return
		}
		seen[o.ID] = true
		clone := *o
		result = append(result, &clone)
	}
	for _, o := range t.owners {
		collect(o)
	}
	for _, o := range t.store.owners {
		collect(o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (t *ledgerTx) GetCount(ctx context.Context, ownerID string, rt domain.ResourceType) (int64, error) {
	k := rowKey{ownerID, rt}
	if v, ok := t.counts[k]; ok {
		return v, nil
	}
	return t.store.counts[k], nil
}

func (t *ledgerTx) SetCount(ctx context.Context, ownerID string, rt domain.ResourceType, count int64) error {
	if _, ok := t.lookupOwner(ownerID); !ok {
		return domain.ErrNotFound
	}
	t.counts[rowKey{ownerID, rt}] = count
	return nil
}

func (t *ledgerTx) ListCounts(ctx context.Context, ownerID string) (map[domain.ResourceType]int64, error) {
	out := make(map[domain.ResourceType]int64)
	for k, v := range t.store.counts {
		if k.owner == ownerID {
			out[k.rt] = v
		}
	}
	for k, v := range t.counts {
		if k.owner == ownerID {
			out[k.rt] = v
		}
	}
	return out, nil
}

func (t *ledgerTx) GetLimit(ctx context.Context, ownerID string, rt domain.ResourceType) (int64, bool, error) {
	k := rowKey{ownerID, rt}
	if v, ok := t.limits[k]; ok {
		return v, true, nil
	}
	v, ok := t.store.limits[k]
	return v, ok, nil
}

func (t *ledgerTx) SetLimit(ctx context.Context, ownerID string, rt domain.ResourceType, max int64) error {
	if _, ok := t.lookupOwner(ownerID); !ok {
		return domain.ErrNotFound
	}
	t.limits[rowKey{ownerID, rt}] = max
	return nil
}

func (t *ledgerTx) ListLimits(ctx context.Context, ownerID string) (map[domain.ResourceType]int64, error) {
	out := make(map[domain.ResourceType]int64)
	for k, v := range t.store.limits {
		if k.owner == ownerID {
			out[k.rt] = v
		}
	}
	for k, v := range t.limits {
		if k.owner == ownerID {
			out[k.rt] = v
		}
	}
	return out, nil
}
