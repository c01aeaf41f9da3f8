package ha_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/ha"
	"github.com/limiquantix/orchestrator/internal/repository/memory"
)

var base = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

// fakeController restarts VMs on a fixed host unless told to fail.
type fakeController struct {
	mu      sync.Mutex
	calls   []string
	target  string
	failErr error
}

func (c *fakeController) FailoverVM(ctx context.Context, vmID, failedHostID string) (*domain.VirtualMachine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, vmID)
	if c.failErr != nil {
		return nil, c.failErr
	}
	return &domain.VirtualMachine{ID: vmID, HostID: c.target, LastHostID: failedHostID, State: domain.VMStateRunning}, nil
}

type recordingAlerts struct {
	mu       sync.Mutex
	vmAlerts []domain.AlertSeverity
	hosts    []string
}

func (a *recordingAlerts) VMAlert(ctx context.Context, severity domain.AlertSeverity, vmID, title, message string) (*domain.Alert, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vmAlerts = append(a.vmAlerts, severity)
	return &domain.Alert{}, nil
}

func (a *recordingAlerts) HostAlert(ctx context.Context, severity domain.AlertSeverity, hostID, title, message string) (*domain.Alert, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hosts = append(a.hosts, hostID)
	return &domain.Alert{}, nil
}

type fixture struct {
	mgr        *ha.Manager
	hosts      *memory.HostRepository
	vms        *memory.VMRepository
	controller *fakeController
	alerts     *recordingAlerts
	now        time.Time
}

func newFixture(t *testing.T, threshold int) *fixture {
	t.Helper()
	f := &fixture{
		hosts:      memory.NewHostRepository(),
		vms:        memory.NewVMRepository(),
		controller: &fakeController{target: "h2"},
		alerts:     &recordingAlerts{},
		now:        base,
	}
	f.mgr = ha.NewManager(config.HAConfig{
		Enabled:          true,
		CheckInterval:    10 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		FailureThreshold: threshold,
	}, f.hosts, f.vms, f.controller, f.alerts, nil, zap.NewNop())
	f.mgr.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) addHost(t *testing.T, id string, state domain.HostState, heartbeat time.Time) {
	t.Helper()
	if _, err := f.hosts.Create(context.Background(), &domain.Host{
		ID: id, Name: id, ClusterID: "c1", State: state, LastHeartbeat: &heartbeat,
	}); err != nil {
		t.Fatalf("Create host failed: %v", err)
	}
}

func (f *fixture) addVM(t *testing.T, id, hostID string, haEnabled bool) {
	t.Helper()
	if _, err := f.vms.Create(context.Background(), &domain.VirtualMachine{
		ID: id, Name: id, AccountID: "a1", ClusterID: "c1",
		State: domain.VMStateRunning, HostID: hostID, HAEnabled: haEnabled,
	}); err != nil {
		t.Fatalf("Create VM failed: %v", err)
	}
}

func (f *fixture) hostState(t *testing.T, id string) domain.HostState {
	t.Helper()
	h, err := f.hosts.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get host failed: %v", err)
	}
	return h.State
}

// =============================================================================
// Tests
// =============================================================================

func TestCheckHosts_FailoverAfterThreshold(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.addHost(t, "h1", domain.HostStateUp, base.Add(-time.Minute))
	f.addHost(t, "h2", domain.HostStateUp, base)
	f.addVM(t, "vm-ha", "h1", true)
	f.addVM(t, "vm-plain", "h1", false)

	f.mgr.CheckHosts(ctx)
	if state, _ := f.mgr.GetHostState("h1"); state.Status != ha.HostHealthStatusUnknown {
		t.Fatalf("expected UNKNOWN after first miss, got %s", state.Status)
	}
	if len(f.controller.calls) != 0 {
		t.Fatalf("expected no failover before the threshold, got %v", f.controller.calls)
	}

	f.mgr.CheckHosts(ctx)
	if state, _ := f.mgr.GetHostState("h1"); state.Status != ha.HostHealthStatusFailed {
		t.Fatalf("expected FAILED, got %s", state.Status)
	}
	if got := f.hostState(t, "h1"); got != domain.HostStateDown {
		t.Errorf("expected h1 Down, got %s", got)
	}
	if len(f.controller.calls) != 1 || f.controller.calls[0] != "vm-ha" {
		t.Errorf("expected only vm-ha restarted, got %v", f.controller.calls)
	}
	if len(f.alerts.hosts) != 1 || f.alerts.hosts[0] != "h1" {
		t.Errorf("expected host alert for h1, got %v", f.alerts.hosts)
	}
	if state, _ := f.mgr.GetHostState("h2"); state.Status != ha.HostHealthStatusHealthy {
		t.Errorf("expected h2 HEALTHY, got %s", state.Status)
	}

	// A Down host is not failed over twice.
	f.mgr.CheckHosts(ctx)
	if len(f.controller.calls) != 1 {
		t.Errorf("expected a single failover, got %v", f.controller.calls)
	}
}

func TestCheckHosts_RecoveredHeartbeatResets(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.addHost(t, "h1", domain.HostStateUp, base.Add(-time.Minute))

	f.mgr.CheckHosts(ctx)

	h, _ := f.hosts.Get(ctx, "h1")
	fresh := base
	h.LastHeartbeat = &fresh
	if _, err := f.hosts.Update(ctx, h); err != nil {
		t.Fatalf("Update host failed: %v", err)
	}

	f.mgr.CheckHosts(ctx)
	state, ok := f.mgr.GetHostState("h1")
	if !ok || state.Status != ha.HostHealthStatusHealthy || state.FailedChecks != 0 {
		t.Errorf("expected HEALTHY with no failed checks, got %+v", state)
	}
}

func TestCheckHosts_MaintenanceHostsIgnored(t *testing.T) {
	f := newFixture(t, 1)
	f.addHost(t, "h1", domain.HostStateMaintenance, base.Add(-time.Hour))
	f.addVM(t, "vm-ha", "h1", true)

	f.mgr.CheckHosts(context.Background())

	if _, ok := f.mgr.GetHostState("h1"); ok {
		t.Error("expected maintenance host not to be tracked")
	}
	if got := f.hostState(t, "h1"); got != domain.HostStateMaintenance {
		t.Errorf("expected host to stay in Maintenance, got %s", got)
	}
}

func TestManualFailover_RestartFailureRaisesAlert(t *testing.T) {
	f := newFixture(t, 3)
	f.controller.failErr = domain.ErrNoSuitableHost
	f.addHost(t, "h1", domain.HostStateUp, base)
	f.addVM(t, "vm-ha", "h1", true)

	report, err := f.mgr.ManualFailover(context.Background(), "h1")
	if err != nil {
		t.Fatalf("ManualFailover failed: %v", err)
	}
	if len(report.Failed) != 1 || len(report.Restarted) != 0 {
		t.Errorf("expected one failed restart, got %+v", report)
	}
	if len(f.alerts.vmAlerts) != 1 || f.alerts.vmAlerts[0] != domain.AlertSeverityCritical {
		t.Errorf("expected a critical VM alert, got %v", f.alerts.vmAlerts)
	}
}

func TestManualFailover_RejectsMaintenanceHost(t *testing.T) {
	f := newFixture(t, 1)
	f.addHost(t, "h1", domain.HostStatePrepareForMaintenance, base)

	if _, err := f.mgr.ManualFailover(context.Background(), "h1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
