package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/ledger"
	"github.com/limiquantix/orchestrator/internal/lock"
	"github.com/limiquantix/orchestrator/internal/metrics"
	"github.com/limiquantix/orchestrator/internal/repository/memory"
)

func newTestLedger(t *testing.T, cfg config.LedgerConfig) *ledger.Ledger {
	t.Helper()
	return ledger.New(memory.NewLedgerStore(), lock.NewKeyedLocker(), cfg, metrics.NewCollector(), zap.NewNop())
}

// setupDomainD builds ROOT -> D (cpu=10) -> {A1, A2} (cpu=2 each).
func setupDomainD(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()

	mustDo(t, func() error { _, err := l.CreateDomain(ctx, "root", "ROOT", ""); return err })
	mustDo(t, func() error { _, err := l.CreateDomain(ctx, "d", "D", "root"); return err })
	mustDo(t, func() error { _, err := l.CreateAccount(ctx, "a1", "A1", "d"); return err })
	mustDo(t, func() error { _, err := l.CreateAccount(ctx, "a2", "A2", "d"); return err })
	mustDo(t, func() error { return l.SetLimit(ctx, "d", domain.ResourceCPU, 10) })
	mustDo(t, func() error { return l.SetLimit(ctx, "a1", domain.ResourceCPU, 2) })
	mustDo(t, func() error { return l.SetLimit(ctx, "a2", domain.ResourceCPU, 2) })
}

func mustDo(t *testing.T, fn func() error) {
	t.Helper()
	if err := fn(); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
}

func usage(t *testing.T, l *ledger.Ledger, ownerID string, rt domain.ResourceType) int64 {
	t.Helper()
	entries, err := l.Usage(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	for _, e := range entries {
		if e.Type == rt {
			return e.Usage
		}
	}
	return 0
}

// =============================================================================
// Reserve / Release Tests
// =============================================================================

func TestReserve_AccountLimitBindsBeforeDomain(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{})
	setupDomainD(t, l)
	ctx := context.Background()

	if err := l.Reserve(ctx, "a1", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	err := l.Reserve(ctx, "a1", domain.ResourceCPU, 2)
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}

	var limitErr *domain.LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *LimitExceededError, got %T", err)
	}
	if limitErr.OwnerID != "a1" || limitErr.OwnerKind != domain.OwnerAccount {
		t.Errorf("expected A1 to be the binding limit, got %s (%s)", limitErr.OwnerID, limitErr.OwnerKind)
	}
	if limitErr.Limit != 2 || limitErr.Usage != 2 {
		t.Errorf("unexpected limit details: %+v", limitErr)
	}

	// Nothing changed.
	if got := usage(t, l, "a1", domain.ResourceCPU); got != 2 {
		t.Errorf("expected A1 cpu 2, got %d", got)
	}
	if got := usage(t, l, "d", domain.ResourceCPU); got != 2 {
		t.Errorf("expected D cpu 2, got %d", got)
	}
	if got := usage(t, l, "root", domain.ResourceCPU); got != 2 {
		t.Errorf("expected ROOT cpu 2, got %d", got)
	}

	// A2 is independent of A1.
	if err := l.Reserve(ctx, "a2", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("A2 reserve failed: %v", err)
	}
	if got := usage(t, l, "d", domain.ResourceCPU); got != 4 {
		t.Errorf("expected D cpu 4, got %d", got)
	}
}

func TestReserve_DomainLimitBinds(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{})
	ctx := context.Background()

	mustDo(t, func() error { _, err := l.CreateDomain(ctx, "root", "ROOT", ""); return err })
	mustDo(t, func() error { _, err := l.CreateDomain(ctx, "d", "D", "root"); return err })
	mustDo(t, func() error { _, err := l.CreateAccount(ctx, "a1", "A1", "d"); return err })
	mustDo(t, func() error { _, err := l.CreateAccount(ctx, "a2", "A2", "d"); return err })
	mustDo(t, func() error { return l.SetLimit(ctx, "d", domain.ResourceMemory, 4096) })

	if err := l.Reserve(ctx, "a1", domain.ResourceMemory, 3072); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	err := l.Reserve(ctx, "a2", domain.ResourceMemory, 2048)
	var limitErr *domain.LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *LimitExceededError, got %v", err)
	}
	if limitErr.OwnerID != "d" {
		t.Errorf("expected domain D to bind, got %s", limitErr.OwnerID)
	}

	effective, err := l.EffectiveLimit(ctx, "a2", domain.ResourceMemory)
	if err != nil {
		t.Fatalf("EffectiveLimit failed: %v", err)
	}
	if effective != 1024 {
		t.Errorf("expected effective limit 1024 for A2, got %d", effective)
	}
}

func TestReserveAll_RollsBackGroup(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{})
	setupDomainD(t, l)
	ctx := context.Background()

	mustDo(t, func() error { return l.SetLimit(ctx, "a1", domain.ResourceMemory, 1024) })

	err := l.ReserveAll(ctx, "a1", []domain.ResourceDelta{
		{Type: domain.ResourceUserVM, Delta: 1},
		{Type: domain.ResourceCPU, Delta: 1},
		{Type: domain.ResourceMemory, Delta: 2048},
	})
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}

	for _, rt := range []domain.ResourceType{domain.ResourceUserVM, domain.ResourceCPU, domain.ResourceMemory} {
		if got := usage(t, l, "a1", rt); got != 0 {
			t.Errorf("expected %s usage 0 after rollback, got %d", rt, got)
		}
		if got := usage(t, l, "d", rt); got != 0 {
			t.Errorf("expected domain %s usage 0 after rollback, got %d", rt, got)
		}
	}
}

func TestRelease_ClampsAtZero(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{})
	setupDomainD(t, l)
	ctx := context.Background()

	if err := l.Reserve(ctx, "a1", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := l.Reserve(ctx, "a2", domain.ResourceCPU, 1); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := l.Release(ctx, "a1", domain.ResourceCPU, 2); err != nil {
			t.Fatalf("release %d failed: %v", i, err)
		}
	}

	got, err := l.CurrentUsage(ctx, "a1", domain.ResourceCPU)
	if err != nil {
		t.Fatalf("CurrentUsage failed: %v", err)
	}
	if got != 0 {
		t.Errorf("expected A1 cpu 0, got %d", got)
	}

	// The domain still holds exactly what its accounts hold.
	a2 := usage(t, l, "a2", domain.ResourceCPU)
	if d := usage(t, l, "d", domain.ResourceCPU); d != got+a2 {
		t.Errorf("domain usage %d != sum of children %d", d, got+a2)
	}
	if root := usage(t, l, "root", domain.ResourceCPU); root != got+a2 {
		t.Errorf("root usage %d != sum of children %d", root, got+a2)
	}
}

func TestRelease_OverReleaseKeepsDomainLimit(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{})
	setupDomainD(t, l)
	ctx := context.Background()

	mustDo(t, func() error { return l.SetLimit(ctx, "d", domain.ResourceCPU, 3) })
	if err := l.Reserve(ctx, "a1", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := l.Reserve(ctx, "a2", domain.ResourceCPU, 1); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := l.Release(ctx, "a1", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := l.Release(ctx, "a1", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("second release failed: %v", err)
	}

	if err := l.Reserve(ctx, "a1", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("reserve after release failed: %v", err)
	}
	// D now holds 3 of 3; A2 is under its own limit but D binds.
	err := l.Reserve(ctx, "a2", domain.ResourceCPU, 1)
	var limitErr *domain.LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *LimitExceededError, got %v", err)
	}
	if limitErr.OwnerID != "d" {
		t.Errorf("expected domain D to bind, got %s", limitErr.OwnerID)
	}
	if d := usage(t, l, "d", domain.ResourceCPU); d != 3 {
		t.Errorf("expected D cpu 3, got %d", d)
	}
}

func TestReserve_InvalidInput(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{})
	setupDomainD(t, l)
	ctx := context.Background()

	if err := l.Reserve(ctx, "a1", domain.ResourceCPU, -1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected invalid argument for negative delta, got %v", err)
	}
	if err := l.Reserve(ctx, "a1", "gpu", 1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected invalid argument for unknown type, got %v", err)
	}
	if err := l.Reserve(ctx, "d", domain.ResourceCPU, 1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected invalid argument for domain owner, got %v", err)
	}
	if err := l.Reserve(ctx, "missing", domain.ResourceCPU, 1); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestReserve_ConcurrentNeverExceedsLimit(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{})
	ctx := context.Background()

	mustDo(t, func() error { _, err := l.CreateDomain(ctx, "root", "ROOT", ""); return err })
	mustDo(t, func() error { _, err := l.CreateDomain(ctx, "d", "D", "root"); return err })
	mustDo(t, func() error { return l.SetLimit(ctx, "d", domain.ResourceSnapshot, 10) })
	for _, id := range []string{"a1", "a2", "a3"} {
		id := id
		mustDo(t, func() error { _, err := l.CreateAccount(ctx, id, id, "d"); return err })
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		account := []string{"a1", "a2", "a3"}[i%3]
		go func() {
			defer wg.Done()
			if err := l.Reserve(ctx, account, domain.ResourceSnapshot, 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrLimitExceeded) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("expected exactly 10 successful reservations, got %d", succeeded)
	}
	if got := usage(t, l, "d", domain.ResourceSnapshot); got != 10 {
		t.Errorf("expected domain snapshot usage 10, got %d", got)
	}
	sum := usage(t, l, "a1", domain.ResourceSnapshot) + usage(t, l, "a2", domain.ResourceSnapshot) + usage(t, l, "a3", domain.ResourceSnapshot)
	if sum != 10 {
		t.Errorf("expected sum of account usage 10, got %d", sum)
	}
}

// =============================================================================
// Limit Tests
// =============================================================================

func TestSetLimit_CannotExceedParent(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{})
	setupDomainD(t, l)
	ctx := context.Background()

	if err := l.SetLimit(ctx, "a1", domain.ResourceCPU, 11); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}
	if err := l.SetLimit(ctx, "a1", domain.ResourceCPU, domain.Unlimited); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected unlimited child under finite parent to be rejected, got %v", err)
	}
	if err := l.SetLimit(ctx, "a1", domain.ResourceCPU, 10); err != nil {
		t.Errorf("SetLimit failed: %v", err)
	}
}

func TestDefaultLimits(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{
		DefaultAccountLimits: map[string]int64{"user_vm": 1},
	})
	ctx := context.Background()

	mustDo(t, func() error { _, err := l.CreateDomain(ctx, "root", "ROOT", ""); return err })
	mustDo(t, func() error { _, err := l.CreateAccount(ctx, "a1", "A1", "root"); return err })

	if err := l.Reserve(ctx, "a1", domain.ResourceUserVM, 1); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := l.Reserve(ctx, "a1", domain.ResourceUserVM, 1); !errors.Is(err, domain.ErrLimitExceeded) {
		t.Errorf("expected default account limit to apply, got %v", err)
	}
	// Types without a default are unlimited.
	if err := l.Reserve(ctx, "a1", domain.ResourceCPU, 1000); err != nil {
		t.Errorf("expected unlimited cpu, got %v", err)
	}
}

// =============================================================================
// Maintenance Operations
// =============================================================================

func TestRecalculate(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{})
	setupDomainD(t, l)
	ctx := context.Background()

	if err := l.Reserve(ctx, "a1", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := l.Recalculate(ctx, "a1", domain.ResourceCPU, 1); err != nil {
		t.Fatalf("Recalculate failed: %v", err)
	}

	if got := usage(t, l, "a1", domain.ResourceCPU); got != 1 {
		t.Errorf("expected A1 cpu 1, got %d", got)
	}
	if got := usage(t, l, "d", domain.ResourceCPU); got != 1 {
		t.Errorf("expected D cpu 1, got %d", got)
	}
}

func TestRecalculate_ShiftsAncestorsBySameAmount(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{})
	setupDomainD(t, l)
	ctx := context.Background()

	if err := l.Reserve(ctx, "a1", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("reserve a1 failed: %v", err)
	}
	if err := l.Reserve(ctx, "a2", domain.ResourceCPU, 1); err != nil {
		t.Fatalf("reserve a2 failed: %v", err)
	}

	if err := l.Recalculate(ctx, "a1", domain.ResourceCPU, 0); err != nil {
		t.Fatalf("Recalculate down failed: %v", err)
	}
	for _, owner := range []string{"d", "root"} {
		if got := usage(t, l, owner, domain.ResourceCPU); got != 1 {
			t.Errorf("expected %s cpu to keep a2's 1, got %d", owner, got)
		}
	}

	if err := l.Recalculate(ctx, "a1", domain.ResourceCPU, 3); err != nil {
		t.Fatalf("Recalculate up failed: %v", err)
	}
	if got := usage(t, l, "a1", domain.ResourceCPU); got != 3 {
		t.Errorf("expected A1 cpu 3, got %d", got)
	}
	if got := usage(t, l, "d", domain.ResourceCPU); got != 4 {
		t.Errorf("expected D cpu 4, got %d", got)
	}
}

func TestDeleteAccount_ReleasesAncestors(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{})
	setupDomainD(t, l)
	ctx := context.Background()

	if err := l.ReserveAll(ctx, "a1", []domain.ResourceDelta{
		{Type: domain.ResourceCPU, Delta: 2},
		{Type: domain.ResourceNetwork, Delta: 1},
	}); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := l.DeleteAccount(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}

	if got := usage(t, l, "d", domain.ResourceCPU); got != 0 {
		t.Errorf("expected D cpu 0, got %d", got)
	}
	if got := usage(t, l, "root", domain.ResourceNetwork); got != 0 {
		t.Errorf("expected ROOT network 0, got %d", got)
	}
	if _, err := l.CurrentUsage(ctx, "a1", domain.ResourceCPU); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected deleted account to be gone, got %v", err)
	}
}

// reparentingStore moves account a1 under d2 right before the transaction
// that applies a mutation, after the ledger has already locked the old chain.
type reparentingStore struct {
	ledger.Store
	armed bool
	calls int
}

func (s *reparentingStore) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if s.armed {
		s.calls++
		if s.calls == 2 {
			s.armed = false
			err := s.Store.WithTx(ctx, func(tx ledger.Tx) error {
				if err := tx.DeleteOwner(ctx, "a1"); err != nil {
					return err
				}
				return tx.CreateOwner(ctx, &domain.Owner{ID: "a1", Name: "A1", Kind: domain.OwnerAccount, ParentID: "d2"})
			})
			if err != nil {
				return err
			}
		}
	}
	return s.Store.WithTx(ctx, fn)
}

func TestReserve_ChainChangedWhileLocking(t *testing.T) {
	store := &reparentingStore{Store: memory.NewLedgerStore()}
	l := ledger.New(store, lock.NewKeyedLocker(), config.LedgerConfig{}, metrics.NewCollector(), zap.NewNop())
	setupDomainD(t, l)
	ctx := context.Background()
	mustDo(t, func() error { _, err := l.CreateDomain(ctx, "d2", "D2", "root"); return err })

	store.armed = true
	err := l.Reserve(ctx, "a1", domain.ResourceCPU, 1)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := usage(t, l, "d", domain.ResourceCPU); got != 0 {
		t.Errorf("expected old domain cpu 0, got %d", got)
	}
	if got := usage(t, l, "d2", domain.ResourceCPU); got != 0 {
		t.Errorf("expected new domain cpu 0, got %d", got)
	}

	// A fresh attempt locks the new chain and succeeds.
	if err := l.Reserve(ctx, "a1", domain.ResourceCPU, 1); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := usage(t, l, "d2", domain.ResourceCPU); got != 1 {
		t.Errorf("expected new domain cpu 1, got %d", got)
	}
}

func TestChain(t *testing.T) {
	l := newTestLedger(t, config.LedgerConfig{})
	setupDomainD(t, l)

	chain, err := l.Chain(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Chain failed: %v", err)
	}
	want := []string{"a1", "d", "root"}
	if len(chain) != len(want) {
		t.Fatalf("expected chain of %d, got %d", len(want), len(chain))
	}
	for i, id := range want {
		if chain[i].ID != id {
			t.Errorf("chain[%d] = %s, want %s", i, chain[i].ID, id)
		}
	}
}
