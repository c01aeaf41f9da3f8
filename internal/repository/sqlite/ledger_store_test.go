package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/ledger"
	"github.com/limiquantix/orchestrator/internal/lock"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := Open(context.Background(), path, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLedgerStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.CreateOwner(ctx, &domain.Owner{ID: "root", Name: "ROOT", Kind: domain.OwnerDomain})
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}

	boom := errors.New("boom")
	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.SetCount(ctx, "root", domain.ResourceCPU, 5); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		count, err := tx.GetCount(ctx, "root", domain.ResourceCPU)
		if err != nil {
			return err
		}
		if count != 0 {
			t.Errorf("expected rolled back count 0, got %d", count)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read count: %v", err)
	}
}

func TestLedgerStore_OwnerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateOwner(ctx, &domain.Owner{ID: "root", Name: "ROOT", Kind: domain.OwnerDomain}); err != nil {
			return err
		}
		if err := tx.CreateOwner(ctx, &domain.Owner{ID: "a1", Name: "A1", Kind: domain.OwnerAccount, ParentID: "root"}); err != nil {
			return err
		}
		if err := tx.CreateOwner(ctx, &domain.Owner{ID: "a1", Name: "dup", Kind: domain.OwnerAccount, ParentID: "root"}); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Errorf("expected already exists, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create owners: %v", err)
	}

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		owner, err := tx.GetOwner(ctx, "a1")
		if err != nil {
			return err
		}
		if owner.ParentID != "root" || owner.Kind != domain.OwnerAccount {
			t.Errorf("unexpected owner: %+v", owner)
		}
		if err := tx.DeleteOwner(ctx, "root"); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("expected conflict deleting parent with children, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read owners: %v", err)
	}
}

func TestLedgerStore_WithLedger(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(openTestStore(t), lock.NewKeyedLocker(), config.LedgerConfig{}, nil, zap.NewNop())

	if _, err := l.CreateDomain(ctx, "root", "ROOT", ""); err != nil {
		t.Fatalf("CreateDomain failed: %v", err)
	}
	if _, err := l.CreateDomain(ctx, "d", "D", "root"); err != nil {
		t.Fatalf("CreateDomain failed: %v", err)
	}
	if _, err := l.CreateAccount(ctx, "a1", "A1", "d"); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := l.SetLimit(ctx, "d", domain.ResourceCPU, 10); err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}
	if err := l.SetLimit(ctx, "a1", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}

	if err := l.Reserve(ctx, "a1", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := l.Reserve(ctx, "a1", domain.ResourceCPU, 2); !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}

	if err := l.Release(ctx, "a1", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := l.Release(ctx, "a1", domain.ResourceCPU, 2); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}

	got, err := l.CurrentUsage(ctx, "a1", domain.ResourceCPU)
	if err != nil {
		t.Fatalf("CurrentUsage failed: %v", err)
	}
	if got != 0 {
		t.Errorf("expected cpu 0, got %d", got)
	}
}
