// Package ledger implements hierarchical resource accounting: per-account and
// per-domain usage counters checked against limits along the domain tree.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/lock"
	"github.com/limiquantix/orchestrator/internal/metrics"
)

// maxDepth bounds parent-chain walks so a corrupted table cannot loop forever.
const maxDepth = 64

// Ledger reserves and releases counted resources for accounts. Every
// mutation updates the account row and all ancestor domain rows in one
// transaction while holding the (owner, resource type) locks of the chain.
type Ledger struct {
	store   Store
	locker  lock.Locker
	metrics *metrics.Collector
	logger  *zap.Logger

	accountDefaults map[domain.ResourceType]int64
	domainDefaults  map[domain.ResourceType]int64
}

// New creates a ledger over store. Default limits come from cfg and apply to
// owners that have no explicit limit row.
func New(store Store, locker lock.Locker, cfg config.LedgerConfig, collector *metrics.Collector, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:           store,
		locker:          locker,
		metrics:         collector,
		logger:          logger.With(zap.String("component", "ledger")),
		accountDefaults: toTypedLimits(cfg.DefaultAccountLimits),
		domainDefaults:  toTypedLimits(cfg.DefaultDomainLimits),
	}
}

func toTypedLimits(in map[string]int64) map[domain.ResourceType]int64 {
	out := make(map[domain.ResourceType]int64, len(in))
	for k, v := range in {
		out[domain.ResourceType(k)] = v
	}
	return out
}

// =============================================================================
// Owner tree
// =============================================================================

// CreateDomain adds a domain under parentID. An empty parentID creates a root.
func (l *Ledger) CreateDomain(ctx context.Context, id, name, parentID string) (*domain.Owner, error) {
	return l.createOwner(ctx, &domain.Owner{ID: id, Name: name, Kind: domain.OwnerDomain, ParentID: parentID})
}

// CreateAccount adds an account under domainID.
func (l *Ledger) CreateAccount(ctx context.Context, id, name, domainID string) (*domain.Owner, error) {
	if domainID == "" {
		return nil, fmt.Errorf("%w: account requires a domain", domain.ErrInvalidArgument)
	}
	return l.createOwner(ctx, &domain.Owner{ID: id, Name: name, Kind: domain.OwnerAccount, ParentID: domainID})
}

func (l *Ledger) createOwner(ctx context.Context, owner *domain.Owner) (*domain.Owner, error) {
	if owner.ID == "" {
		return nil, fmt.Errorf("%w: owner id is required", domain.ErrInvalidArgument)
	}
	owner.CreatedAt = time.Now()

	err := l.store.WithTx(ctx, func(tx Tx) error {
		if owner.ParentID != "" {
			parent, err := tx.GetOwner(ctx, owner.ParentID)
			if err != nil {
				return fmt.Errorf("failed to get parent %s: %w", owner.ParentID, err)
			}
			if parent.Kind != domain.OwnerDomain {
				return fmt.Errorf("%w: parent %s is not a domain", domain.ErrInvalidArgument, parent.ID)
			}
		}
		return tx.CreateOwner(ctx, owner)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Owner created",
		zap.String("owner_id", owner.ID),
		zap.String("kind", string(owner.Kind)),
		zap.String("parent_id", owner.ParentID),
	)
	return owner, nil
}

// Chain returns the owner followed by each ancestor up to the root.
func (l *Ledger) Chain(ctx context.Context, ownerID string) ([]*domain.Owner, error) {
	var chain []*domain.Owner
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		chain, err = loadChain(ctx, tx, ownerID)
		return err
	})
	return chain, err
}

func loadChain(ctx context.Context, tx Tx, ownerID string) ([]*domain.Owner, error) {
	var chain []*domain.Owner
	seen := make(map[string]bool)

	for id := ownerID; id != ""; {
		if seen[id] || len(chain) >= maxDepth {
			return nil, fmt.Errorf("%w: owner chain of %s is cyclic or too deep", domain.ErrConflict, ownerID)
		}
		seen[id] = true

		owner, err := tx.GetOwner(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get owner %s: %w", id, err)
		}
		chain = append(chain, owner)
		id = owner.ParentID
	}
	return chain, nil
}

// DeleteAccount releases whatever the account still holds from its ancestors
// and removes the account row.
func (l *Ledger) DeleteAccount(ctx context.Context, accountID string) error {
	chain, err := l.accountChain(ctx, accountID)
	if err != nil {
		return err
	}

	release, err := l.locker.Lock(ctx, chainKeys(chain, domain.ResourceTypes)...)
	if err != nil {
		return fmt.Errorf("failed to lock ledger rows: %w", err)
	}
	defer release()

	err = l.store.WithTx(ctx, func(tx Tx) error {
		chain, err := reloadChain(ctx, tx, accountID, chain)
		if err != nil {
			return err
		}
		counts, err := tx.ListCounts(ctx, accountID)
		if err != nil {
			return err
		}
		for rt, count := range counts {
			if count == 0 {
				continue
			}
			if err := applyDelta(ctx, tx, chain, rt, -count); err != nil {
				return err
			}
		}
		return tx.DeleteOwner(ctx, accountID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", accountID, err)
	}

	l.logger.Info("Account removed from ledger", zap.String("account_id", accountID))
	return nil
}

// =============================================================================
// Reserve / Release
// =============================================================================

// Reserve increments the account's counter for rt by delta, and the counter
// of every ancestor domain, provided no limit along the chain is exceeded.
// On refusal nothing changes and a *domain.LimitExceededError names the
// tightest binding limit.
func (l *Ledger) Reserve(ctx context.Context, accountID string, rt domain.ResourceType, delta int64) error {
	return l.ReserveAll(ctx, accountID, []domain.ResourceDelta{{Type: rt, Delta: delta}})
}

// ReserveAll reserves every delta or none of them.
func (l *Ledger) ReserveAll(ctx context.Context, accountID string, deltas []domain.ResourceDelta) error {
	deltas, err := normalize(deltas)
	if err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}

	chain, err := l.accountChain(ctx, accountID)
	if err != nil {
		return err
	}

	release, err := l.locker.Lock(ctx, chainKeys(chain, typesOf(deltas))...)
	if err != nil {
		return fmt.Errorf("failed to lock ledger rows: %w", err)
	}
	defer release()

	err = l.store.WithTx(ctx, func(tx Tx) error {
		chain, err := reloadChain(ctx, tx, accountID, chain)
		if err != nil {
			return err
		}
		for _, d := range deltas {
			if err := l.check(ctx, tx, chain, d.Type, d.Delta); err != nil {
				return err
			}
		}
		for _, d := range deltas {
			if err := applyDelta(ctx, tx, chain, d.Type, d.Delta); err != nil {
				return err
			}
		}
		return nil
	})

	var limitErr *domain.LimitExceededError
	if errors.As(err, &limitErr) {
		l.metrics.LedgerRejected(string(limitErr.ResourceType), string(limitErr.OwnerKind))
		l.logger.Info("Reservation refused",
			zap.String("account_id", accountID),
			zap.String("resource_type", string(limitErr.ResourceType)),
			zap.String("binding_owner", limitErr.OwnerID),
			zap.Int64("limit", limitErr.Limit),
			zap.Int64("usage", limitErr.Usage),
			zap.Int64("requested", limitErr.Requested),
		)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to reserve resources: %w", err)
	}

	for _, d := range deltas {
		l.metrics.LedgerOp("reserve", string(d.Type))
	}
	l.logger.Debug("Resources reserved", zap.String("account_id", accountID), zap.Any("deltas", deltas))
	return nil
}

// Release decrements the account's counter for rt and every ancestor by the
// same amount, capped at what the account holds.
func (l *Ledger) Release(ctx context.Context, accountID string, rt domain.ResourceType, delta int64) error {
	return l.ReleaseAll(ctx, accountID, []domain.ResourceDelta{{Type: rt, Delta: delta}})
}

// ReleaseAll releases every delta in one transaction.
func (l *Ledger) ReleaseAll(ctx context.Context, accountID string, deltas []domain.ResourceDelta) error {
	deltas, err := normalize(deltas)
	if err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}

	chain, err := l.accountChain(ctx, accountID)
	if err != nil {
		return err
	}

	release, err := l.locker.Lock(ctx, chainKeys(chain, typesOf(deltas))...)
	if err != nil {
		return fmt.Errorf("failed to lock ledger rows: %w", err)
	}
	defer release()

	err = l.store.WithTx(ctx, func(tx Tx) error {
		chain, err := reloadChain(ctx, tx, accountID, chain)
		if err != nil {
			return err
		}
		for _, d := range deltas {
			if err := applyDelta(ctx, tx, chain, d.Type, -d.Delta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release resources: %w", err)
	}

	for _, d := range deltas {
		l.metrics.LedgerOp("release", string(d.Type))
	}
	l.logger.Debug("Resources released", zap.String("account_id", accountID), zap.Any("deltas", deltas))
	return nil
}

// CurrentUsage returns the account's counter for rt.
func (l *Ledger) CurrentUsage(ctx context.Context, accountID string, rt domain.ResourceType) (int64, error) {
	if !rt.Valid() {
		return 0, fmt.Errorf("%w: unknown resource type %q", domain.ErrInvalidArgument, rt)
	}
	var usage int64
	err := l.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetOwner(ctx, accountID); err != nil {
			return err
		}
		var err error
		usage, err = tx.GetCount(ctx, accountID, rt)
		return err
	})
	return usage, err
}

// Recalculate overwrites the account counter with an externally computed
// value and shifts every ancestor by the same difference.
func (l *Ledger) Recalculate(ctx context.Context, accountID string, rt domain.ResourceType, actual int64) error {
	if !rt.Valid() || actual < 0 {
		return fmt.Errorf("%w: invalid recalculation %s=%d", domain.ErrInvalidArgument, rt, actual)
	}

	chain, err := l.accountChain(ctx, accountID)
	if err != nil {
		return err
	}

	release, err := l.locker.Lock(ctx, chainKeys(chain, []domain.ResourceType{rt})...)
	if err != nil {
		return fmt.Errorf("failed to lock ledger rows: %w", err)
	}
	defer release()

	var before int64
	err = l.store.WithTx(ctx, func(tx Tx) error {
		chain, err := reloadChain(ctx, tx, accountID, chain)
		if err != nil {
			return err
		}
		before, err = tx.GetCount(ctx, accountID, rt)
		if err != nil {
			return err
		}
		return applyDelta(ctx, tx, chain, rt, actual-before)
	})
	if err != nil {
		return fmt.Errorf("failed to recalculate %s for %s: %w", rt, accountID, err)
	}

	if before != actual {
		l.logger.Warn("Resource count corrected",
			zap.String("account_id", accountID),
			zap.String("resource_type", string(rt)),
			zap.Int64("recorded", before),
			zap.Int64("actual", actual),
		)
	}
	return nil
}

// =============================================================================
// Limits
// =============================================================================

// SetLimit sets an explicit limit for an owner. A child may not be given a
// limit above a finite limit of its parent.
func (l *Ledger) SetLimit(ctx context.Context, ownerID string, rt domain.ResourceType, max int64) error {
	if !rt.Valid() {
		return fmt.Errorf("%w: unknown resource type %q", domain.ErrInvalidArgument, rt)
	}
	if max < domain.Unlimited {
		return fmt.Errorf("%w: limit must be -1 or non-negative, got %d", domain.ErrInvalidArgument, max)
	}

	err := l.store.WithTx(ctx, func(tx Tx) error {
		owner, err := tx.GetOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		if owner.ParentID != "" {
			parent, err := tx.GetOwner(ctx, owner.ParentID)
			if err != nil {
				return err
			}
			parentMax, err := l.limitFor(ctx, tx, parent, rt)
			if err != nil {
				return err
			}
			if parentMax != domain.Unlimited && (max == domain.Unlimited || max > parentMax) {
				return fmt.Errorf("%w: %s limit %d for %s exceeds parent %s limit %d",
					domain.ErrInvalidArgument, rt, max, ownerID, parent.ID, parentMax)
			}
		}
		return tx.SetLimit(ctx, ownerID, rt, max)
	})
	if err != nil {
		return err
	}

	l.logger.Info("Resource limit updated",
		zap.String("owner_id", ownerID),
		zap.String("resource_type", string(rt)),
		zap.Int64("max", max),
	)
	return nil
}

// GetLimit returns the limit that applies to an owner: its explicit row or
// the configured default.
func (l *Ledger) GetLimit(ctx context.Context, ownerID string, rt domain.ResourceType) (int64, error) {
	var max int64
	err := l.store.WithTx(ctx, func(tx Tx) error {
		owner, err := tx.GetOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		max, err = l.limitFor(ctx, tx, owner, rt)
		return err
	})
	return max, err
}

// EffectiveLimit returns the largest total the account may reach for rt given
// its own limit and the remaining headroom of every ancestor domain.
// Unlimited is returned when nothing along the chain caps rt.
func (l *Ledger) EffectiveLimit(ctx context.Context, accountID string, rt domain.ResourceType) (int64, error) {
	effective := domain.Unlimited
	err := l.store.WithTx(ctx, func(tx Tx) error {
		chain, err := loadChain(ctx, tx, accountID)
		if err != nil {
			return err
		}
		own, err := tx.GetCount(ctx, accountID, rt)
		if err != nil {
			return err
		}
		for _, node := range chain {
			max, err := l.limitFor(ctx, tx, node, rt)
			if err != nil {
				return err
			}
			if max == domain.Unlimited {
				continue
			}
			usage, err := tx.GetCount(ctx, node.ID, rt)
			if err != nil {
				return err
			}
			// usage includes the account's own usage; what remains for the
			// account is the node's headroom plus what it already holds.
			allowed := max - usage + own
			if allowed < own {
				allowed = own
			}
			if effective == domain.Unlimited || allowed < effective {
				effective = allowed
			}
		}
		return nil
	})
	return effective, err
}

// Usage reports usage and limit for every resource type of an owner.
func (l *Ledger) Usage(ctx context.Context, ownerID string) ([]domain.UsageEntry, error) {
	var entries []domain.UsageEntry
	err := l.store.WithTx(ctx, func(tx Tx) error {
		owner, err := tx.GetOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		counts, err := tx.ListCounts(ctx, ownerID)
		if err != nil {
			return err
		}
		for _, rt := range domain.ResourceTypes {
			max, err := l.limitFor(ctx, tx, owner, rt)
			if err != nil {
				return err
			}
			entries = append(entries, domain.UsageEntry{Type: rt, Usage: counts[rt], Limit: max})
		}
		return nil
	})
	return entries, err
}

// =============================================================================
// Helpers
// =============================================================================

func (l *Ledger) accountChain(ctx context.Context, accountID string) ([]*domain.Owner, error) {
	chain, err := l.Chain(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if chain[0].Kind != domain.OwnerAccount {
		return nil, fmt.Errorf("%w: %s is not an account", domain.ErrInvalidArgument, accountID)
	}
	return chain, nil
}

func (l *Ledger) limitFor(ctx context.Context, tx Tx, owner *domain.Owner, rt domain.ResourceType) (int64, error) {
	max, ok, err := tx.GetLimit(ctx, owner.ID, rt)
	if err != nil {
		return 0, err
	}
	if ok {
		return max, nil
	}

	defaults := l.domainDefaults
	if owner.Kind == domain.OwnerAccount {
		defaults = l.accountDefaults
	}
	if v, ok := defaults[rt]; ok {
		return v, nil
	}
	return domain.Unlimited, nil
}

// check verifies that adding delta keeps every node of the chain within its
// limit. When several nodes would overflow, the one with the least headroom
// is reported; ties go to the node closest to the account.
func (l *Ledger) check(ctx context.Context, tx Tx, chain []*domain.Owner, rt domain.ResourceType, delta int64) error {
	var tightest *domain.LimitExceededError

	for _, node := range chain {
		max, err := l.limitFor(ctx, tx, node, rt)
		if err != nil {
			return err
		}
		if max == domain.Unlimited {
			continue
		}
		usage, err := tx.GetCount(ctx, node.ID, rt)
		if err != nil {
			return err
		}
		if usage+delta <= max {
			continue
		}
		candidate := &domain.LimitExceededError{
			OwnerID:      node.ID,
			OwnerKind:    node.Kind,
			ResourceType: rt,
			Limit:        max,
			Usage:        usage,
			Requested:    delta,
		}
		if tightest == nil || candidate.Limit-candidate.Usage < tightest.Limit-tightest.Usage {
			tightest = candidate
		}
	}

	if tightest != nil {
		return tightest
	}
	return nil
}

// reloadChain reads the account's chain again inside tx and fails with
// ErrConflict when it no longer matches the chain whose rows were locked.
func reloadChain(ctx context.Context, tx Tx, accountID string, locked []*domain.Owner) ([]*domain.Owner, error) {
	chain, err := loadChain(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if len(chain) != len(locked) {
		return nil, fmt.Errorf("%w: owner chain of %s changed while locking", domain.ErrConflict, accountID)
	}
	for i := range chain {
		if chain[i].ID != locked[i].ID {
			return nil, fmt.Errorf("%w: owner chain of %s changed while locking", domain.ErrConflict, accountID)
		}
	}
	return chain, nil
}

// applyDelta shifts the counter of every node in chain by the same amount.
// A decrement is first capped at what the account (chain[0]) holds, so the
// ancestors never lose more than the account actually gives back.
func applyDelta(ctx context.Context, tx Tx, chain []*domain.Owner, rt domain.ResourceType, delta int64) error {
	if delta < 0 {
		held, err := tx.GetCount(ctx, chain[0].ID, rt)
		if err != nil {
			return err
		}
		if -delta > held {
			delta = -held
		}
		if delta == 0 {
			return nil
		}
	}
	for _, node := range chain {
		count, err := tx.GetCount(ctx, node.ID, rt)
		if err != nil {
			return err
		}
		count += delta
		if count < 0 {
			count = 0
		}
		if err := tx.SetCount(ctx, node.ID, rt, count); err != nil {
			return err
		}
	}
	return nil
}

// normalize validates deltas and merges duplicates of the same type.
func normalize(deltas []domain.ResourceDelta) ([]domain.ResourceDelta, error) {
	index := make(map[domain.ResourceType]int, len(deltas))
	out := make([]domain.ResourceDelta, 0, len(deltas))

	for _, d := range deltas {
		if !d.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown resource type %q", domain.ErrInvalidArgument, d.Type)
		}
		if d.Delta < 0 {
			return nil, fmt.Errorf("%w: negative delta %d for %s", domain.ErrInvalidArgument, d.Delta, d.Type)
		}
		if d.Delta == 0 {
			continue
		}
		if i, ok := index[d.Type]; ok {
			out[i].Delta += d.Delta
			continue
		}
		index[d.Type] = len(out)
		out = append(out, d)
	}
	return out, nil
}

func typesOf(deltas []domain.ResourceDelta) []domain.ResourceType {
	types := make([]domain.ResourceType, len(deltas))
	for i, d := range deltas {
		types[i] = d.Type
	}
	return types
}

func chainKeys(chain []*domain.Owner, types []domain.ResourceType) []string {
	keys := make([]string, 0, len(chain)*len(types))
	for _, node := range chain {
		for _, rt := range types {
			keys = append(keys, lock.LedgerKey(node.ID, string(rt)))
		}
	}
	return keys
}
