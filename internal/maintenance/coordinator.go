// Package maintenance drives hypervisor hosts through maintenance mode:
// Up -> PrepareForMaintenance -> Maintenance -> Up, evacuating resident VMs
// by live migration before the host is declared empty.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/lock"
	"github.com/limiquantix/orchestrator/internal/metrics"
)

// HostRepository defines the host data access needed for maintenance.
type HostRepository interface {
	Get(ctx context.Context, id string) (*domain.Host, error)
	Update(ctx context.Context, h *domain.Host) (*domain.Host, error)
}

// VMRepository lists the VMs on a host.
type VMRepository interface {
	ListByHost(ctx context.Context, hostID string) ([]*domain.VirtualMachine, error)
}

// Migrator live-migrates one VM, serialized with its other lifecycle operations.
// An empty hostID makes the migrator choose a non-HA host of the VM's cluster
// other than its current one, under the cluster's placement lock.
type Migrator interface {
	MigrateVM(ctx context.Context, vmID, hostID string, force bool) (*domain.VirtualMachine, error)
}

// Driver is the host side of the hypervisor driver.
type Driver interface {
	DrainHost(ctx context.Context, hostID string) error
	ReconnectHost(ctx context.Context, hostID string) error
}

// AlertService raises and resolves host alerts.
type AlertService interface {
	HostAlert(ctx context.Context, severity domain.AlertSeverity, hostID, title, message string) (*domain.Alert, error)
	ResolveBySource(ctx context.Context, sourceType domain.AlertSourceType, sourceID string) (int, error)
}

// AuditLogger records host maintenance events.
type AuditLogger interface {
	LogAction(ctx context.Context, accountID string, action domain.AuditAction, resourceType, resourceID string, details map[string]any)
}

// DrainReport tracks the evacuation of one host.
type DrainReport struct {
	HostID   string `json:"host_id"`
	TotalVMs int    `json:"total_vms"`
	Migrated int    `json:"migrated_vms"`
	// Failed maps VM ID to the reason its migration failed.
	Failed     map[string]string `json:"failed_vms,omitempty"`
	Remaining  []string          `json:"remaining_vms,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

func (r *DrainReport) clone() *DrainReport {
	c := *r
	c.Failed = make(map[string]string, len(r.Failed))
	for k, v := range r.Failed {
		c.Failed[k] = v
	}
	c.Remaining = append([]string(nil), r.Remaining...)
	return &c
}

// Coordinator runs host maintenance transitions.
type Coordinator struct {
	hosts    HostRepository
	vms      VMRepository
	migrator Migrator
	driver   Driver
	locker   lock.Locker
	config   config.MaintenanceConfig
	metrics  *metrics.Collector
	logger   *zap.Logger

	alerts AlertService
	audit  AuditLogger

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	reports map[string]*DrainReport
}

// NewCoordinator creates a maintenance coordinator. Evacuated VMs are placed
// by the migrator, which never lands them on HA hosts.
func NewCoordinator(
	hosts HostRepository,
	vms VMRepository,
	migrator Migrator,
	driver Driver,
	locker lock.Locker,
	cfg config.MaintenanceConfig,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Coordinator {
	if cfg.Fanout <= 0 {
		cfg.Fanout = 4
	}
	return &Coordinator{
		hosts:    hosts,
		vms:      vms,
		migrator: migrator,
		driver:   driver,
		locker:   locker,
		config:   cfg,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "maintenance")),
		active:   make(map[string]context.CancelFunc),
		reports:  make(map[string]*DrainReport),
	}
}

// SetAlerts sets the alert service.
func (c *Coordinator) SetAlerts(alerts AlertService) { c.alerts = alerts }

// SetAudit sets the audit logger.
func (c *Coordinator) SetAudit(audit AuditLogger) { c.audit = audit }

// EnterMaintenance moves the host to PrepareForMaintenance, migrates every
// resident VM away and then moves the host to Maintenance. If any VM fails to
// migrate the host stays in PrepareForMaintenance and a
// *domain.MaintenanceStuckError is returned; calling EnterMaintenance again
// retries the remaining VMs.
func (c *Coordinator) EnterMaintenance(ctx context.Context, hostID string) (*DrainReport, error) {
	host, drainCtx, report, err := c.begin(ctx, hostID)
	if err != nil {
		return nil, err
	}
	defer c.end(hostID)

	logger := c.logger.With(zap.String("host_id", hostID))

	if err := c.driver.DrainHost(drainCtx, hostID); err != nil {
		logger.Error("Failed to drain host", zap.Error(err))
		c.finishReport(hostID)
		if errors.Is(drainCtx.Err(), context.Canceled) {
			return c.snapshotReport(hostID), fmt.Errorf("maintenance of host %s was cancelled: %w", hostID, context.Canceled)
		}
		c.setState(ctx, host.ID, domain.HostStateErrorInMaintenance)
		c.raise(ctx, hostID, "Host drain failed", err.Error())
		c.metrics.Maintenance("error")
		return c.snapshotReport(hostID), fmt.Errorf("failed to drain host %s: %w", hostID, err)
	}

	vms, err := c.residentVMs(ctx, hostID)
	if err != nil {
		c.finishReport(hostID)
		return c.snapshotReport(hostID), err
	}

	c.mu.Lock()
	report.TotalVMs = len(vms)
	for _, vm := range vms {
		report.Remaining = append(report.Remaining, vm.ID)
	}
	c.mu.Unlock()

	logger.Info("Evacuating host", zap.Int("vms", len(vms)), zap.Int("fanout", c.config.Fanout))

	g := new(errgroup.Group)
	g.SetLimit(c.config.Fanout)
	for _, vm := range vms {
		vm := vm
		g.Go(func() error {
			err := c.evacuate(drainCtx, host, vm)
			c.record(hostID, vm.ID, err)
			if err != nil {
				logger.Warn("Failed to evacuate VM", zap.String("vm_id", vm.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	c.finishReport(hostID)
	final := c.snapshotReport(hostID)

	if errors.Is(drainCtx.Err(), context.Canceled) {
		logger.Info("Maintenance cancelled during evacuation", zap.Int("migrated", final.Migrated))
		return final, fmt.Errorf("maintenance of host %s was cancelled: %w", hostID, context.Canceled)
	}

	if len(final.Failed) > 0 {
		c.metrics.Maintenance("stuck")
		c.raise(ctx, hostID, "Host stuck in PrepareForMaintenance",
			fmt.Sprintf("%d of %d VM(s) could not be migrated", len(final.Failed), final.TotalVMs))
		return final, &domain.MaintenanceStuckError{HostID: hostID, FailedVMs: final.Failed}
	}

	current, err := c.hosts.Get(ctx, hostID)
	if err != nil {
		return final, fmt.Errorf("failed to get host: %w", err)
	}
	if current.State != domain.HostStatePrepareForMaintenance {
		// Cancelled between the last migration and now.
		return final, fmt.Errorf("maintenance of host %s was cancelled: %w", hostID, context.Canceled)
	}
	if err := c.transition(ctx, current, domain.HostStateMaintenance); err != nil {
		return final, err
	}

	c.metrics.Maintenance("completed")
	logger.Info("Host entered maintenance", zap.Int("migrated", final.Migrated))
	c.logAudit(ctx, domain.AuditHostMaintenance, hostID, map[string]any{"migrated_vms": final.Migrated})
	return final, nil
}

// CancelMaintenance returns a host in any maintenance state to Up. An
// in-flight evacuation is aborted; VMs already migrated stay where they are.
func (c *Coordinator) CancelMaintenance(ctx context.Context, hostID string) error {
	release, err := c.locker.Lock(ctx, lock.HostKey(hostID))
	if err != nil {
		return err
	}
	defer release()

	c.mu.Lock()
	if cancel, ok := c.active[hostID]; ok {
		cancel()
	}
	c.mu.Unlock()

	host, err := c.hosts.Get(ctx, hostID)
	if err != nil {
		return err
	}
	if !host.State.InMaintenance() {
		return fmt.Errorf("%w: host %s is %s, not in maintenance", domain.ErrInvalidTransition, hostID, host.State)
	}
	if err := c.transition(ctx, host, domain.HostStateUp); err != nil {
		return err
	}

	c.metrics.Maintenance("cancelled")
	c.logger.Info("Maintenance cancelled", zap.String("host_id", hostID))
	c.logAudit(ctx, domain.AuditHostCancel, hostID, nil)
	if c.alerts != nil {
		if _, err := c.alerts.ResolveBySource(ctx, domain.AlertSourceHost, hostID); err != nil {
			c.logger.Warn("Failed to resolve host alerts", zap.String("host_id", hostID), zap.Error(err))
		}
	}
	return nil
}

// Reconnect re-establishes control-plane connectivity with a host without
// moving VMs. It is a no-op for hosts that are Up. Disconnected and Down
// hosts return to Up; maintenance states are kept.
func (c *Coordinator) Reconnect(ctx context.Context, hostID string) error {
	release, err := c.locker.Lock(ctx, lock.HostKey(hostID))
	if err != nil {
		return err
	}
	defer release()

	host, err := c.hosts.Get(ctx, hostID)
	if err != nil {
		return err
	}
	if host.IsUp() {
		return nil
	}

	if err := c.driver.ReconnectHost(ctx, hostID); err != nil {
		c.logger.Warn("Failed to reconnect host", zap.String("host_id", hostID), zap.Error(err))
		return fmt.Errorf("failed to reconnect host %s: %w", hostID, err)
	}

	now := time.Now()
	host.LastHeartbeat = &now
	if host.State == domain.HostStateDisconnected || host.State == domain.HostStateDown {
		if err := c.transition(ctx, host, domain.HostStateUp); err != nil {
			return err
		}
	} else if _, err := c.hosts.Update(ctx, host); err != nil {
		return fmt.Errorf("failed to update host: %w", err)
	}

	c.logger.Info("Host reconnected", zap.String("host_id", hostID), zap.String("state", string(host.State)))
	c.logAudit(ctx, domain.AuditHostReconnect, hostID, nil)
	return nil
}

// Progress returns the drain report of the current or most recent
// evacuation of the host.
func (c *Coordinator) Progress(hostID string) (*DrainReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[hostID]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// begin validates and records the PrepareForMaintenance transition.
func (c *Coordinator) begin(ctx context.Context, hostID string) (*domain.Host, context.Context, *DrainReport, error) {
	release, err := c.locker.Lock(ctx, lock.HostKey(hostID))
	if err != nil {
		return nil, nil, nil, err
	}
	defer release()

	c.mu.Lock()
	_, running := c.active[hostID]
	c.mu.Unlock()
	if running {
		return nil, nil, nil, fmt.Errorf("%w: host %s is already being evacuated", domain.ErrConflict, hostID)
	}

	host, err := c.hosts.Get(ctx, hostID)
	if err != nil {
		return nil, nil, nil, err
	}

	switch host.State {
	case domain.HostStateUp, domain.HostStateErrorInMaintenance:
		if err := c.transition(ctx, host, domain.HostStatePrepareForMaintenance); err != nil {
			return nil, nil, nil, err
		}
	case domain.HostStatePrepareForMaintenance:
		// Retry of a stuck evacuation.
	default:
		return nil, nil, nil, fmt.Errorf("%w: host %s is %s", domain.ErrInvalidTransition, hostID, host.State)
	}

	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	report := &DrainReport{
		HostID:    hostID,
		Failed:    make(map[string]string),
		StartedAt: time.Now(),
	}
	c.mu.Lock()
	c.active[hostID] = cancel
	c.reports[hostID] = report
	c.mu.Unlock()

	c.metrics.Maintenance("started")
	c.logger.Info("Host preparing for maintenance", zap.String("host_id", hostID))
	c.logAudit(ctx, domain.AuditHostPrepare, hostID, nil)
	return host, drainCtx, report, nil
}

func (c *Coordinator) end(hostID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.active[hostID]; ok {
		cancel()
		delete(c.active, hostID)
	}
}

// residentVMs returns the VMs that must leave the host, ordered by ID.
func (c *Coordinator) residentVMs(ctx context.Context, hostID string) ([]*domain.VirtualMachine, error) {
	vms, err := c.vms.ListByHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs on host: %w", err)
	}
	resident := make([]*domain.VirtualMachine, 0, len(vms))
	for _, vm := range vms {
		if vm.IsResidentOn(hostID) {
			resident = append(resident, vm)
		}
	}
	sort.Slice(resident, func(i, j int) bool { return resident[i].ID < resident[j].ID })
	return resident, nil
}

// evacuate moves one VM off host; the migrator picks a non-HA target in the same cluster.
func (c *Coordinator) evacuate(ctx context.Context, host *domain.Host, vm *domain.VirtualMachine) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	migrateCtx := ctx
	if c.config.MigrateTimeout > 0 {
		var cancel context.CancelFunc
		migrateCtx, cancel = context.WithTimeout(ctx, c.config.MigrateTimeout)
		defer cancel()
	}
	moved, err := c.migrator.MigrateVM(migrateCtx, vm.ID, "", false)
	if err != nil {
		return err
	}

	c.logger.Info("VM evacuated",
		zap.String("vm_id", vm.ID),
		zap.String("source_host_id", host.ID),
		zap.String("target_host_id", moved.HostID),
	)
	return nil
}

func (c *Coordinator) record(hostID, vmID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.reports[hostID]
	if r == nil {
		return
	}
	if err != nil {
		r.Failed[vmID] = err.Error()
	} else {
		r.Migrated++
	}
	for i, id := range r.Remaining {
		if id == vmID {
			r.Remaining = append(r.Remaining[:i], r.Remaining[i+1:]...)
			break
		}
	}
}

func (c *Coordinator) finishReport(hostID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.reports[hostID]; r != nil && r.FinishedAt == nil {
		now := time.Now()
		r.FinishedAt = &now
	}
}

func (c *Coordinator) snapshotReport(hostID string) *DrainReport {
	r, _ := c.Progress(hostID)
	return r
}

func (c *Coordinator) transition(ctx context.Context, host *domain.Host, to domain.HostState) error {
	if !host.State.CanTransition(to) {
		return fmt.Errorf("%w: host %s cannot move from %s to %s", domain.ErrInvalidTransition, host.ID, host.State, to)
	}
	from := host.State
	host.State = to
	host.UpdatedAt = time.Now()
	if _, err := c.hosts.Update(ctx, host); err != nil {
		return fmt.Errorf("failed to update host state: %w", err)
	}
	c.logger.Debug("Host state changed",
		zap.String("host_id", host.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// setState is a best-effort transition used on failure paths.
func (c *Coordinator) setState(ctx context.Context, hostID string, to domain.HostState) {
	host, err := c.hosts.Get(ctx, hostID)
	if err != nil {
		c.logger.Error("Failed to get host", zap.String("host_id", hostID), zap.Error(err))
		return
	}
	if err := c.transition(ctx, host, to); err != nil {
		c.logger.Error("Failed to change host state", zap.String("host_id", hostID), zap.Error(err))
	}
}

func (c *Coordinator) raise(ctx context.Context, hostID, title, message string) {
	if c.alerts == nil {
		return
	}
	if _, err := c.alerts.HostAlert(ctx, domain.AlertSeverityCritical, hostID, title, message); err != nil {
		c.logger.Warn("Failed to raise host alert", zap.String("host_id", hostID), zap.Error(err))
	}
}

func (c *Coordinator) logAudit(ctx context.Context, action domain.AuditAction, hostID string, details map[string]any) {
	if c.audit != nil {
		c.audit.LogAction(ctx, "", action, "host", hostID, details)
	}
}
