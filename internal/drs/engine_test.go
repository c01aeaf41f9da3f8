package drs_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/drs"
	"github.com/limiquantix/orchestrator/internal/repository/memory"
	"github.com/limiquantix/orchestrator/internal/scheduler"
)

var haTags = []string{"ha"}

// repoMigrator moves the VM in the repository.
type repoMigrator struct {
	vms   *memory.VMRepository
	calls int
}

func (m *repoMigrator) MigrateVM(ctx context.Context, vmID, hostID string, force bool) (*domain.VirtualMachine, error) {
	m.calls++
	vm, err := m.vms.Get(ctx, vmID)
	if err != nil {
		return nil, err
	}
	vm.LastHostID = vm.HostID
	vm.HostID = hostID
	return m.vms.Update(ctx, vm)
}

type fixture struct {
	engine   *drs.Engine
	clusters *memory.ClusterRepository
	hosts    *memory.HostRepository
	vms      *memory.VMRepository
	migrator *repoMigrator
}

func newFixture(t *testing.T, mode domain.DRSMode) *fixture {
	t.Helper()
	f := &fixture{
		clusters: memory.NewClusterRepository(),
		hosts:    memory.NewHostRepository(),
		vms:      memory.NewVMRepository(),
	}
	f.migrator = &repoMigrator{vms: f.vms}
	if _, err := f.clusters.Create(context.Background(), &domain.Cluster{
		ID: "c1", Name: "c1", DRSEnabled: true, DRSMode: mode,
	}); err != nil {
		t.Fatalf("Create cluster failed: %v", err)
	}

	planner := scheduler.New(f.hosts, f.vms, scheduler.DefaultConfig(), nil, zap.NewNop())
	f.engine = drs.NewEngine(config.DRSConfig{
		Enabled:         true,
		AutomationLevel: "manual",
		ThresholdCPU:    80,
		ThresholdMemory: 85,
	}, f.clusters, f.hosts, f.vms, planner, f.migrator, nil, nil, haTags, zap.NewNop())
	return f
}

func (f *fixture) addHost(t *testing.T, id, tags string) {
	t.Helper()
	if _, err := f.hosts.Create(context.Background(), &domain.Host{
		ID: id, Name: id, ClusterID: "c1", Tags: tags, State: domain.HostStateUp,
		CPUCores: 10, MemoryMiB: 100000,
	}); err != nil {
		t.Fatalf("Create host failed: %v", err)
	}
}

func (f *fixture) addVM(t *testing.T, id, hostID string, cpu int32) {
	t.Helper()
	if _, err := f.vms.Create(context.Background(), &domain.VirtualMachine{
		ID: id, Name: id, AccountID: "a1", ClusterID: "c1",
		CPU: cpu, MemoryMiB: 1024, State: domain.VMStateRunning, HostID: hostID,
	}); err != nil {
		t.Fatalf("Create VM failed: %v", err)
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestAnalyze_RecommendsSmallestVMToLeastLoadedHost(t *testing.T) {
	f := newFixture(t, domain.DRSModeManual)
	f.addHost(t, "h-ha", "ha")
	f.addHost(t, "h1", "")
	f.addHost(t, "h2", "")
	f.addVM(t, "vm-4", "h1", 4)
	f.addVM(t, "vm-3", "h1", 3)
	f.addVM(t, "vm-2", "h1", 2)

	recs, err := f.engine.Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 recommendation, got %d", len(recs))
	}

	rec := recs[0]
	if rec.VMID != "vm-2" || rec.SourceHostID != "h1" || rec.TargetHostID != "h2" {
		t.Errorf("unexpected recommendation: %s %s -> %s", rec.VMID, rec.SourceHostID, rec.TargetHostID)
	}
	if rec.Priority != drs.PriorityHigh {
		t.Errorf("expected HIGH priority at 90%%, got %s", rec.Priority)
	}
	if f.migrator.calls != 0 {
		t.Error("expected no migration in manual mode")
	}
	if pending := f.engine.PendingRecommendations(0); len(pending) != 1 {
		t.Errorf("expected 1 pending recommendation, got %d", len(pending))
	}
}

func TestAnalyze_NeverTargetsHAHosts(t *testing.T) {
	f := newFixture(t, domain.DRSModeManual)
	f.addHost(t, "h-ha", "ha")
	f.addHost(t, "h1", "")
	f.addVM(t, "vm-9", "h1", 9)

	recs, err := f.engine.Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no recommendation when only an HA host is spare, got %+v", recs[0])
	}
}

func TestApplyRecommendation(t *testing.T) {
	f := newFixture(t, domain.DRSModeManual)
	f.addHost(t, "h1", "")
	f.addHost(t, "h2", "")
	f.addVM(t, "vm-9", "h1", 9)
	ctx := context.Background()

	recs, err := f.engine.Analyze(ctx)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Analyze failed: %v (%d recommendations)", err, len(recs))
	}

	if _, err := f.engine.ApproveRecommendation(recs[0].ID); err != nil {
		t.Fatalf("ApproveRecommendation failed: %v", err)
	}
	applied, err := f.engine.ApplyRecommendation(ctx, recs[0].ID, "admin")
	if err != nil {
		t.Fatalf("ApplyRecommendation failed: %v", err)
	}
	if applied.Status != drs.StatusApplied || applied.AppliedBy != "admin" {
		t.Errorf("expected APPLIED by admin, got %s by %s", applied.Status, applied.AppliedBy)
	}

	vm, _ := f.vms.Get(ctx, "vm-9")
	if vm.HostID != "h2" {
		t.Errorf("expected VM on h2, got %s", vm.HostID)
	}

	if _, err := f.engine.ApplyRecommendation(ctx, recs[0].ID, "admin"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict applying twice, got %v", err)
	}
	if _, err := f.engine.RejectRecommendation("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAnalyze_FullyAutomatedApplies(t *testing.T) {
	f := newFixture(t, domain.DRSModeFullyAutomated)
	f.addHost(t, "h1", "")
	f.addHost(t, "h2", "")
	f.addVM(t, "vm-9", "h1", 9)

	recs, err := f.engine.Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != drs.StatusApplied {
		t.Fatalf("expected one applied recommendation, got %+v", recs)
	}
	if f.migrator.calls != 1 {
		t.Errorf("expected one migration, got %d", f.migrator.calls)
	}
}
