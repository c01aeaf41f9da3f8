// Package ha implements High Availability management for VMs.
package ha

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
)

// HostRepository defines the interface for host data access.
type HostRepository interface {
	Get(ctx context.Context, id string) (*domain.Host, error)
	List(ctx context.Context) ([]*domain.Host, error)
	Update(ctx context.Context, h *domain.Host) (*domain.Host, error)
}

// VMRepository defines the interface for VM data access.
type VMRepository interface {
	ListByHost(ctx context.Context, hostID string) ([]*domain.VirtualMachine, error)
}

// VMController restarts a VM away from a failed host. Implementations may
// place the VM on HA-tagged hosts.
type VMController interface {
	FailoverVM(ctx context.Context, vmID, failedHostID string) (*domain.VirtualMachine, error)
}

// AlertService creates alerts for HA events.
type AlertService interface {
	VMAlert(ctx context.Context, severity domain.AlertSeverity, vmID, title, message string) (*domain.Alert, error)
	HostAlert(ctx context.Context, severity domain.AlertSeverity, hostID, title, message string) (*domain.Alert, error)
}

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

// HostState tracks the health state of a host.
type HostState struct {
	HostID        string
	Name          string
	LastHeartbeat time.Time
	FailedChecks  int
	Status        HostHealthStatus
}

// HostHealthStatus represents the health status of a host.
type HostHealthStatus string

const (
	HostHealthStatusHealthy HostHealthStatus = "HEALTHY"
	HostHealthStatusUnknown HostHealthStatus = "UNKNOWN"
	HostHealthStatusFailed  HostHealthStatus = "FAILED"
)

// FailoverReport summarizes one host failover.
type FailoverReport struct {
	HostID    string            `json:"host_id"`
	Restarted map[string]string `json:"restarted,omitempty"` // vm id -> new host id
	Failed    map[string]string `json:"failed,omitempty"`    // vm id -> error
	Skipped   []string          `json:"skipped,omitempty"`   // running VMs without HA
}

// Manager is the HA manager that monitors hosts and restarts failed VMs.
type Manager struct {
	config        config.HAConfig
	hostRepo      HostRepository
	vmRepo        VMRepository
	vmController  VMController
	alertService  AlertService
	leaderChecker LeaderChecker
	logger        *zap.Logger
	now           func() time.Time

	mu         sync.RWMutex
	hostStates map[string]*HostState
	isRunning  bool
}

// NewManager creates a new HA manager.
func NewManager(
	cfg config.HAConfig,
	hostRepo HostRepository,
	vmRepo VMRepository,
	vmController VMController,
	alertService AlertService,
	leaderChecker LeaderChecker,
	logger *zap.Logger,
) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * cfg.CheckInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	return &Manager{
		config:        cfg,
		hostRepo:      hostRepo,
		vmRepo:        vmRepo,
		vmController:  vmController,
		alertService:  alertService,
		leaderChecker: leaderChecker,
		logger:        logger.With(zap.String("component", "ha")),
		now:           time.Now,
		hostStates:    make(map[string]*HostState),
	}
}

// Start begins the HA monitoring loop.
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("HA manager disabled")
		return
	}

	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	m.logger.Info("Starting HA manager",
		zap.Duration("check_interval", m.config.CheckInterval),
		zap.Duration("heartbeat_timeout", m.config.HeartbeatTimeout),
		zap.Int("failure_threshold", m.config.FailureThreshold),
	)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("HA manager stopped")
			m.mu.Lock()
			m.isRunning = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.CheckHosts(ctx)
		}
	}
}

// CheckHosts runs one health pass over every monitored host.
func (m *Manager) CheckHosts(ctx context.Context) {
	// Only run on leader
	if m.leaderChecker != nil && !m.leaderChecker.IsLeader() {
		return
	}

	hosts, err := m.hostRepo.List(ctx)
	if err != nil {
		m.logger.Error("Failed to list hosts", zap.Error(err))
		return
	}

	for _, host := range hosts {
		// Hosts in maintenance are drained on purpose; Down hosts were already handled.
		if host.State != domain.HostStateUp && host.State != domain.HostStateDisconnected {
			continue
		}
		m.checkHost(ctx, host)
	}
}

// checkHost checks a single host's health.
func (m *Manager) checkHost(ctx context.Context, host *domain.Host) {
	m.mu.Lock()
	state, exists := m.hostStates[host.ID]
	if !exists {
		state = &HostState{
			HostID: host.ID,
			Name:   host.Name,
			Status: HostHealthStatusHealthy,
		}
		m.hostStates[host.ID] = state
	}
	m.mu.Unlock()

	// Check heartbeat age
	heartbeatAge := 24 * time.Hour // No heartbeat ever received
	if host.LastHeartbeat != nil {
		heartbeatAge = m.now().Sub(*host.LastHeartbeat)
	}

	if heartbeatAge < m.config.HeartbeatTimeout {
		if state.Status != HostHealthStatusHealthy {
			m.logger.Info("Host recovered",
				zap.String("host_id", host.ID),
				zap.String("host_name", host.Name),
			)
		}
		m.mu.Lock()
		if host.LastHeartbeat != nil {
			state.LastHeartbeat = *host.LastHeartbeat
		}
		state.FailedChecks = 0
		state.Status = HostHealthStatusHealthy
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	state.FailedChecks++
	failed := state.FailedChecks
	m.mu.Unlock()

	m.logger.Warn("Host heartbeat missing",
		zap.String("host_id", host.ID),
		zap.String("host_name", host.Name),
		zap.Duration("heartbeat_age", heartbeatAge),
		zap.Int("failed_checks", failed),
	)

	if failed < m.config.FailureThreshold {
		m.setStatus(state, HostHealthStatusUnknown)
		return
	}

	m.setStatus(state, HostHealthStatusFailed)
	m.logger.Error("Host declared failed",
		zap.String("host_id", host.ID),
		zap.String("host_name", host.Name),
	)

	if m.alertService != nil {
		m.alertService.HostAlert(ctx, domain.AlertSeverityCritical, host.ID,
			"Host Failed",
			fmt.Sprintf("Host %s has failed and is unreachable. HA failover initiated.", host.Name),
		)
	}

	m.failover(ctx, host)
}

func (m *Manager) setStatus(state *HostState, status HostHealthStatus) {
	m.mu.Lock()
	state.Status = status
	m.mu.Unlock()
}

// failover marks the host Down and restarts its HA-enabled VMs elsewhere.
func (m *Manager) failover(ctx context.Context, host *domain.Host) *FailoverReport {
	report := &FailoverReport{
		HostID:    host.ID,
		Restarted: make(map[string]string),
		Failed:    make(map[string]string),
	}

	m.logger.Info("Initiating HA failover",
		zap.String("failed_host_id", host.ID),
		zap.String("failed_host_name", host.Name),
	)

	// Mark the host down first so placement stops choosing it.
	if host.State.CanTransition(domain.HostStateDown) {
		host.State = domain.HostStateDown
		if _, err := m.hostRepo.Update(ctx, host); err != nil {
			m.logger.Error("Failed to mark host down", zap.Error(err))
		}
	}

	vms, err := m.vmRepo.ListByHost(ctx, host.ID)
	if err != nil {
		m.logger.Error("Failed to list VMs on failed host", zap.Error(err))
		return report
	}

	for _, vm := range vms {
		if !vm.IsResidentOn(host.ID) {
			continue
		}
		if !vm.HAEnabled {
			report.Skipped = append(report.Skipped, vm.ID)
			continue
		}
		m.failoverVM(ctx, vm, host.ID, report)
	}

	m.logger.Info("HA failover finished",
		zap.String("failed_host_id", host.ID),
		zap.Int("restarted", len(report.Restarted)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("skipped", len(report.Skipped)),
	)
	return report
}

// failoverVM restarts a single VM on another host.
func (m *Manager) failoverVM(ctx context.Context, vm *domain.VirtualMachine, failedHostID string, report *FailoverReport) {
	m.logger.Info("Failing over VM",
		zap.String("vm_id", vm.ID),
		zap.String("vm_name", vm.Name),
	)

	restarted, err := m.vmController.FailoverVM(ctx, vm.ID, failedHostID)
	if err != nil {
		m.logger.Error("Failed to restart VM on another host",
			zap.String("vm_id", vm.ID),
			zap.Error(err),
		)
		report.Failed[vm.ID] = err.Error()

		if m.alertService != nil {
			m.alertService.VMAlert(ctx, domain.AlertSeverityCritical, vm.ID,
				"VM Failover Failed",
				fmt.Sprintf("Failed to restart VM %s during HA failover: %v", vm.Name, err),
			)
		}
		return
	}

	report.Restarted[vm.ID] = restarted.HostID
	m.logger.Info("VM failed over",
		zap.String("vm_id", vm.ID),
		zap.String("vm_name", vm.Name),
		zap.String("target_host_id", restarted.HostID),
	)

	if m.alertService != nil {
		m.alertService.VMAlert(ctx, domain.AlertSeverityInfo, vm.ID,
			"VM Failed Over",
			fmt.Sprintf("VM %s has been restarted on host %s.", vm.Name, restarted.HostID),
		)
	}
}

// GetHostState returns the current health state of a host.
func (m *Manager) GetHostState(hostID string) (HostState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, exists := m.hostStates[hostID]
	if !exists {
		return HostState{}, false
	}
	return *state, true
}

// IsRunning returns true if the HA manager is running.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// ManualFailover manually triggers failover for a host.
func (m *Manager) ManualFailover(ctx context.Context, hostID string) (*FailoverReport, error) {
	host, err := m.hostRepo.Get(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to get host %s: %w", hostID, err)
	}
	if host.State.InMaintenance() {
		return nil, fmt.Errorf("%w: host %s is in %s", domain.ErrConflict, hostID, host.State)
	}

	m.logger.Info("Manual failover initiated", zap.String("host_id", hostID))

	m.mu.Lock()
	state, exists := m.hostStates[hostID]
	if !exists {
		state = &HostState{HostID: host.ID, Name: host.Name}
		m.hostStates[hostID] = state
	}
	state.Status = HostHealthStatusFailed
	state.FailedChecks = m.config.FailureThreshold
	m.mu.Unlock()

	return m.failover(ctx, host), nil
}
