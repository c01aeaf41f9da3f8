package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
)

func TestSimulated_FailOn(t *testing.T) {
	d := NewSimulated(zap.NewNop())
	vm := &domain.VirtualMachine{ID: "vm-1", HostID: "h1"}
	boom := errors.New("boom")

	d.FailOn(OpMigrateVM, "vm-1", boom)
	if err := d.MigrateVM(context.Background(), vm, "h2"); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	d.FailOn(OpMigrateVM, "vm-1", nil)
	if err := d.MigrateVM(context.Background(), vm, "h2"); err != nil {
		t.Fatalf("MigrateVM failed after clearing failure: %v", err)
	}
	if got := d.Count(OpMigrateVM); got != 2 {
		t.Errorf("expected 2 migrate calls, got %d", got)
	}
}

func TestSimulated_DelayHonoursContext(t *testing.T) {
	d := NewSimulated(zap.NewNop())
	d.SetDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := d.DrainHost(ctx, "h1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSimulated_SecondaryIdempotent(t *testing.T) {
	ctx := context.Background()
	d := NewSimulated(zap.NewNop())

	first, err := d.CopyToSecondary(ctx, "s1")
	if err != nil {
		t.Fatalf("CopyToSecondary failed: %v", err)
	}
	second, err := d.CopyToSecondary(ctx, "s1")
	if err != nil {
		t.Fatalf("second CopyToSecondary failed: %v", err)
	}
	if first != second {
		t.Errorf("expected stable backup id, got %s and %s", first, second)
	}

	if err := d.PurgeFromSecondary(ctx, "s1"); err != nil {
		t.Fatalf("PurgeFromSecondary failed: %v", err)
	}
	if err := d.PurgeFromSecondary(ctx, "s1"); err != nil {
		t.Fatalf("second PurgeFromSecondary failed: %v", err)
	}
	if d.HasBackup("s1") {
		t.Error("expected backup to be gone")
	}
}
