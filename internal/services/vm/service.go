package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/driver"
	"github.com/limiquantix/orchestrator/internal/jobs"
	"github.com/limiquantix/orchestrator/internal/lock"
	"github.com/limiquantix/orchestrator/internal/metrics"
	"github.com/limiquantix/orchestrator/internal/scheduler"
)

// CreateRequest describes a VM deployment.
type CreateRequest struct {
	Name       string
	AccountID  string
	ClusterID  string
	OfferingID string
	// HostID pins the VM to a host. A pinned host may carry an HA tag.
	HostID      string
	RootDiskGiB int64
	DataDiskGiB int64
	NetworkIDs  []string
	// StartOnCreate places and starts the VM. When false the VM is left
	// Stopped without a host.
	StartOnCreate bool
}

// Service orchestrates the VM lifecycle. Every operation holds the VM's lock
// for its duration, so operations on one VM are serialized.
type Service struct {
	repo      Repository
	hosts     HostRepository
	offerings OfferingRepository
	volumes   VolumeRepository
	ledger    Ledger
	placement Placement
	driver    driver.Hypervisor
	locker    lock.Locker
	snapshots SnapshotHooks
	audit     AuditLogger
	haTags    []string
	expunge   config.ExpungeConfig
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a new VM service.
func NewService(
	repo Repository,
	hosts HostRepository,
	offerings OfferingRepository,
	volumes VolumeRepository,
	ledger Ledger,
	placement Placement,
	hypervisor driver.Hypervisor,
	locker lock.Locker,
	haTags []string,
	expunge config.ExpungeConfig,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Service {
	if expunge.Interval <= 0 {
		expunge.Interval = time.Minute
	}
	return &Service{
		repo:      repo,
		hosts:     hosts,
		offerings: offerings,
		volumes:   volumes,
		ledger:    ledger,
		placement: placement,
		driver:    hypervisor,
		locker:    locker,
		haTags:    haTags,
		expunge:   expunge,
		metrics:   collector,
		logger:    logger.Named("vm-service"),
		now:       time.Now,
	}
}

// SetSnapshotHooks connects the snapshot scheduler to the VM lifecycle.
func (s *Service) SetSnapshotHooks(hooks SnapshotHooks) {
	s.snapshots = hooks
}

// SetAudit sets the audit logger.
func (s *Service) SetAudit(audit AuditLogger) {
	s.audit = audit
}

// =============================================================================
// Create
// =============================================================================

// CreateVM reserves the VM's resources and, unless StartOnCreate is false,
// places and starts it. Any failure after the reservation releases it again.
func (s *Service) CreateVM(ctx context.Context, req *CreateRequest) (*domain.VirtualMachine, error) {
	// 1. Validate request
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	logger := s.logger.With(
		zap.String("method", "CreateVM"),
		zap.String("vm_name", req.Name),
		zap.String("account_id", req.AccountID),
	)
	logger.Info("Creating VM")

	// 2. Resolve the service offering
	offering, err := s.offerings.Get(ctx, req.OfferingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get service offering %s: %w", req.OfferingID, err)
	}

	// 3. Admission control
	reservation := reservationFor(offering, req.RootDiskGiB, req.DataDiskGiB)
	if err := s.ledger.ReserveAll(ctx, req.AccountID, reservation); err != nil {
		logger.Warn("Resource reservation refused", zap.Error(err))
		return nil, err
	}

	// 4. Persist the VM and its volumes
	vm := &domain.VirtualMachine{
		ID:          uuid.New().String(),
		Name:        req.Name,
		AccountID:   req.AccountID,
		ClusterID:   req.ClusterID,
		OfferingID:  offering.ID,
		CPU:         offering.CPU,
		MemoryMiB:   offering.MemoryMiB,
		HostTags:    offering.HostTags,
		HAEnabled:   offering.OfferHA,
		State:       domain.VMStateStopped,
		NICs:        buildNICs(req.NetworkIDs),
		Reservation: reservation,
	}

	created, err := s.repo.Create(ctx, vm)
	if err != nil {
		s.compensateCreate(ctx, vm, false, logger)
		return nil, fmt.Errorf("failed to create VM: %w", err)
	}
	vm = created

	if err := s.createVolumes(ctx, vm, req); err != nil {
		s.compensateCreate(ctx, vm, true, logger)
		return nil, err
	}
	if vm, err = s.repo.Update(ctx, vm); err != nil {
		s.compensateCreate(ctx, created, true, logger)
		return nil, fmt.Errorf("failed to update VM: %w", err)
	}

	// 5. Place and deploy
	if req.StartOnCreate {
		deployed, err := s.deploy(ctx, vm, req.HostID)
		if err != nil {
			logger.Error("VM deployment failed, releasing reservation", zap.Error(err))
			s.compensateCreate(ctx, vm, true, logger)
			return nil, err
		}
		vm = deployed
	}

	s.logAudit(ctx, vm, domain.AuditVMCreate, map[string]any{
		"offering_id": vm.OfferingID,
		"host_id":     vm.HostID,
	})
	logger.Info("VM created",
		zap.String("vm_id", vm.ID),
		zap.String("host_id", vm.HostID),
		zap.String("state", string(vm.State)),
	)
	return vm, nil
}

// deploy places a freshly created VM and creates it on the hypervisor.
func (s *Service) deploy(ctx context.Context, vm *domain.VirtualMachine, pinnedHostID string) (*domain.VirtualMachine, error) {
	vm, hostID, err := s.claimHost(ctx, vm,
		func() (string, error) {
			if pinnedHostID != "" {
				return pinnedHostID, s.checkPinnedHost(ctx, vm, pinnedHostID)
			}
			sel, err := s.selectHost(ctx, vm, nil)
			if err != nil {
				return "", err
			}
			return sel.HostID, nil
		},
		func(hostID string) error {
			vm.State = domain.VMStateStarting
			vm.HostID = hostID
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	if err := s.driver.CreateVM(ctx, vm, hostID); err != nil {
		return nil, fmt.Errorf("failed to create VM on host %s: %w", hostID, err)
	}

	vm.State = domain.VMStateRunning
	vm.LastHostID = hostID
	return s.repo.Update(ctx, vm)
}

// checkPinnedHost verifies an explicitly requested host. HA hosts are allowed.
func (s *Service) checkPinnedHost(ctx context.Context, vm *domain.VirtualMachine, hostID string) error {
	host, err := s.hosts.Get(ctx, hostID)
	if err != nil {
		return fmt.Errorf("failed to get host %s: %w", hostID, err)
	}

	reason := ""
	switch {
	case host.ClusterID != vm.ClusterID:
		reason = "host is in another cluster"
	case !host.IsUp():
		reason = fmt.Sprintf("host is %s", host.State)
	case !host.HasAllTags(vm.RequiredTags()):
		reason = "host lacks required tags"
	}
	if reason != "" {
		return &domain.IncompatibleTargetError{VMID: vm.ID, HostID: hostID, Reason: reason}
	}
	return nil
}

func (s *Service) createVolumes(ctx context.Context, vm *domain.VirtualMachine, req *CreateRequest) error {
	root, err := s.volumes.Create(ctx, &domain.Volume{
		ID:        uuid.New().String(),
		Name:      "ROOT-" + vm.Name,
		AccountID: vm.AccountID,
		VMID:      vm.ID,
		Type:      domain.VolumeTypeRoot,
		SizeGiB:   req.RootDiskGiB,
	})
	if err != nil {
		return fmt.Errorf("failed to create root volume: %w", err)
	}
	vm.RootVolumeID = root.ID

	if req.DataDiskGiB > 0 {
		data, err := s.volumes.Create(ctx, &domain.Volume{
			ID:        uuid.New().String(),
			Name:      "DATA-" + vm.Name,
			AccountID: vm.AccountID,
			VMID:      vm.ID,
			Type:      domain.VolumeTypeDataDisk,
			SizeGiB:   req.DataDiskGiB,
		})
		if err != nil {
			return fmt.Errorf("failed to create data volume: %w", err)
		}
		vm.DataVolumeIDs = append(vm.DataVolumeIDs, data.ID)
	}
	return nil
}

// compensateCreate undoes a partially created VM and returns its reservation.
func (s *Service) compensateCreate(ctx context.Context, vm *domain.VirtualMachine, persisted bool, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)

	if persisted {
		vols, err := s.volumes.ListByVM(ctx, vm.ID)
		if err != nil {
			logger.Warn("Failed to list volumes during rollback", zap.Error(err))
		}
		for _, v := range vols {
			if err := s.volumes.Delete(ctx, v.ID); err != nil {
				logger.Warn("Failed to delete volume during rollback", zap.String("volume_id", v.ID), zap.Error(err))
			}
		}
		if err := s.repo.Delete(ctx, vm.ID); err != nil {
			logger.Warn("Failed to delete VM during rollback", zap.Error(err))
		}
	}

	if err := s.ledger.ReleaseAll(ctx, vm.AccountID, vm.Reservation); err != nil {
		logger.Error("Failed to release reservation during rollback", zap.Error(err))
	}
}

// =============================================================================
// Power operations
// =============================================================================

// StartVM places a stopped VM and starts it.
func (s *Service) StartVM(ctx context.Context, vmID string) (*domain.VirtualMachine, error) {
	logger := s.logger.With(zap.String("method", "StartVM"), zap.String("vm_id", vmID))

	return s.withVM(ctx, vmID, func(vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
		if !vm.CanStart() {
			return nil, invalidTransition(vm, domain.VMStateStarting)
		}

		vm, hostID, err := s.claimHost(ctx, vm,
			func() (string, error) {
				sel, err := s.selectHost(ctx, vm, nil)
				if err != nil {
					return "", err
				}
				return sel.HostID, nil
			},
			func(hostID string) error {
				if err := jobs.Commit(ctx); err != nil {
					return err
				}
				vm.State = domain.VMStateStarting
				vm.HostID = hostID
				return nil
			},
		)
		if err != nil {
			return nil, err
		}

		if err := s.driver.StartVM(ctx, vm, hostID); err != nil {
			logger.Error("Failed to start VM", zap.String("host_id", hostID), zap.Error(err))
			vm.State = domain.VMStateStopped
			vm.HostID = ""
			s.persistBestEffort(ctx, vm, logger)
			return nil, fmt.Errorf("failed to start VM on host %s: %w", hostID, err)
		}

		vm.State = domain.VMStateRunning
		vm.LastHostID = hostID
		if vm, err = s.repo.Update(ctx, vm); err != nil {
			return nil, fmt.Errorf("failed to update VM: %w", err)
		}

		s.logAudit(ctx, vm, domain.AuditVMStart, map[string]any{"host_id": vm.HostID})
		logger.Info("VM started", zap.String("host_id", vm.HostID))
		return vm, nil
	})
}

// StopVM stops a running VM. Its reservation is kept.
func (s *Service) StopVM(ctx context.Context, vmID string, force bool) (*domain.VirtualMachine, error) {
	logger := s.logger.With(zap.String("method", "StopVM"), zap.String("vm_id", vmID), zap.Bool("force", force))

	return s.withVM(ctx, vmID, func(vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
		if !vm.CanStop() {
			return nil, invalidTransition(vm, domain.VMStateStopping)
		}
		if err := jobs.Commit(ctx); err != nil {
			return nil, err
		}

		var err error
		vm.State = domain.VMStateStopping
		if vm, err = s.repo.Update(ctx, vm); err != nil {
			return nil, fmt.Errorf("failed to update VM: %w", err)
		}

		if err := s.driver.StopVM(ctx, vm, force); err != nil {
			logger.Error("Failed to stop VM", zap.Error(err))
			vm.State = domain.VMStateRunning
			s.persistBestEffort(ctx, vm, logger)
			return nil, fmt.Errorf("failed to stop VM: %w", err)
		}

		vm.State = domain.VMStateStopped
		vm.LastHostID = vm.HostID
		vm.HostID = ""
		if vm, err = s.repo.Update(ctx, vm); err != nil {
			return nil, fmt.Errorf("failed to update VM: %w", err)
		}

		s.logAudit(ctx, vm, domain.AuditVMStop, map[string]any{"force": force})
		logger.Info("VM stopped")
		return vm, nil
	})
}

// RebootVM reboots a running VM in place.
func (s *Service) RebootVM(ctx context.Context, vmID string) (*domain.VirtualMachine, error) {
	logger := s.logger.With(zap.String("method", "RebootVM"), zap.String("vm_id", vmID))

	return s.withVM(ctx, vmID, func(vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
		if !vm.IsRunning() {
			return nil, invalidTransition(vm, domain.VMStateRunning)
		}
		if err := jobs.Commit(ctx); err != nil {
			return nil, err
		}
		if err := s.driver.RebootVM(ctx, vm); err != nil {
			logger.Error("Failed to reboot VM", zap.Error(err))
			return nil, fmt.Errorf("failed to reboot VM: %w", err)
		}

		s.logAudit(ctx, vm, domain.AuditVMReboot, nil)
		logger.Info("VM rebooted")
		return vm, nil
	})
}

// ResetVM restores the VM's root disk to its template state.
func (s *Service) ResetVM(ctx context.Context, vmID string) (*domain.VirtualMachine, error) {
	logger := s.logger.With(zap.String("method", "ResetVM"), zap.String("vm_id", vmID))

	return s.withVM(ctx, vmID, func(vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
		if vm.State != domain.VMStateRunning && vm.State != domain.VMStateStopped {
			return nil, fmt.Errorf("%w: cannot reset VM in state %s", domain.ErrInvalidTransition, vm.State)
		}
		if err := jobs.Commit(ctx); err != nil {
			return nil, err
		}
		if err := s.driver.ResetVM(ctx, vm); err != nil {
			logger.Error("Failed to reset VM", zap.Error(err))
			return nil, fmt.Errorf("failed to reset VM: %w", err)
		}

		s.logAudit(ctx, vm, domain.AuditVMReset, map[string]any{"root_volume_id": vm.RootVolumeID})
		logger.Info("VM root disk reset")
		return vm, nil
	})
}

// AddNIC attaches a NIC on networkID. Running VMs get the NIC hot-plugged.
func (s *Service) AddNIC(ctx context.Context, vmID, networkID string) (*domain.VirtualMachine, error) {
	logger := s.logger.With(
		zap.String("method", "AddNIC"),
		zap.String("vm_id", vmID),
		zap.String("network_id", networkID),
	)
	if networkID == "" {
		return nil, &ValidationError{Field: "network_id", Message: "network id is required"}
	}

	return s.withVM(ctx, vmID, func(vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
		if vm.State != domain.VMStateRunning && vm.State != domain.VMStateStopped {
			return nil, fmt.Errorf("%w: cannot add NIC to VM in state %s", domain.ErrInvalidTransition, vm.State)
		}
		for _, n := range vm.NICs {
			if n.NetworkID == networkID {
				return nil, fmt.Errorf("%w: VM already has a NIC on network %s", domain.ErrAlreadyExists, networkID)
			}
		}
		if len(vm.NICs) >= MaxNICs {
			return nil, &ValidationError{Field: "network_id", Message: fmt.Sprintf("maximum %d NICs allowed", MaxNICs)}
		}

		nic := newNIC(networkID, len(vm.NICs) == 0)
		if err := jobs.Commit(ctx); err != nil {
			return nil, err
		}
		if vm.IsRunning() {
			if err := s.driver.AttachNIC(ctx, vm, nic); err != nil {
				logger.Error("Failed to attach NIC", zap.Error(err))
				return nil, fmt.Errorf("failed to attach NIC: %w", err)
			}
		}

		vm.NICs = append(vm.NICs, nic)
		updated, err := s.repo.Update(ctx, vm)
		if err != nil {
			return nil, fmt.Errorf("failed to update VM: %w", err)
		}

		s.logAudit(ctx, updated, domain.AuditNICCreate, map[string]any{
			"nic_id":     nic.ID,
			"network_id": networkID,
		})
		logger.Info("NIC added", zap.String("nic_id", nic.ID), zap.String("mac_address", nic.MACAddress))
		return updated, nil
	})
}

// =============================================================================
// Destroy / Recover / Expunge
// =============================================================================

// DestroyVM soft-deletes a VM. Its reservation is held and its volumes'
// snapshot policies are suspended until it is recovered or expunged. With
// expunge set the VM is expunged immediately.
func (s *Service) DestroyVM(ctx context.Context, vmID string, expunge bool) (*domain.VirtualMachine, error) {
	logger := s.logger.With(zap.String("method", "DestroyVM"), zap.String("vm_id", vmID), zap.Bool("expunge", expunge))

	return s.withVM(ctx, vmID, func(vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
		if vm.State == domain.VMStateDestroyed && expunge {
			return vm, s.expungeLocked(ctx, vm, logger)
		}
		if !vm.State.CanTransition(domain.VMStateDestroyed) {
			return nil, invalidTransition(vm, domain.VMStateDestroyed)
		}
		if err := jobs.Commit(ctx); err != nil {
			return nil, err
		}

		if vm.IsResident() {
			if err := s.driver.StopVM(ctx, vm, true); err != nil {
				logger.Error("Failed to stop VM before destroy", zap.Error(err))
				return nil, fmt.Errorf("failed to stop VM: %w", err)
			}
			vm.LastHostID = vm.HostID
		}

		now := s.now()
		vm.State = domain.VMStateDestroyed
		vm.HostID = ""
		vm.DestroyedAt = &now
		updated, err := s.repo.Update(ctx, vm)
		if err != nil {
			return nil, fmt.Errorf("failed to update VM: %w", err)
		}
		vm = updated

		if s.snapshots != nil {
			if err := s.snapshots.SuspendVolumes(ctx, vm.VolumeIDs()); err != nil {
				logger.Warn("Failed to suspend snapshot policies", zap.Error(err))
			}
		}

		s.logAudit(ctx, vm, domain.AuditVMDestroy, map[string]any{"expunge": expunge})
		logger.Info("VM destroyed")

		if expunge {
			return vm, s.expungeLocked(ctx, vm, logger)
		}
		return vm, nil
	})
}

// RecoverVM brings a destroyed VM back to Stopped and resumes its snapshot policies.
func (s *Service) RecoverVM(ctx context.Context, vmID string) (*domain.VirtualMachine, error) {
	logger := s.logger.With(zap.String("method", "RecoverVM"), zap.String("vm_id", vmID))

	return s.withVM(ctx, vmID, func(vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
		if vm.State != domain.VMStateDestroyed {
			return nil, invalidTransition(vm, domain.VMStateStopped)
		}

		vm.State = domain.VMStateStopped
		vm.DestroyedAt = nil
		updated, err := s.repo.Update(ctx, vm)
		if err != nil {
			return nil, fmt.Errorf("failed to update VM: %w", err)
		}

		if s.snapshots != nil {
			if err := s.snapshots.ResumeVolumes(ctx, updated.VolumeIDs()); err != nil {
				logger.Warn("Failed to resume snapshot policies", zap.Error(err))
			}
		}

		s.logAudit(ctx, updated, domain.AuditVMRecover, nil)
		logger.Info("VM recovered")
		return updated, nil
	})
}

// ExpungeVM permanently removes a VM and releases its reservation.
func (s *Service) ExpungeVM(ctx context.Context, vmID string) error {
	logger := s.logger.With(zap.String("method", "ExpungeVM"), zap.String("vm_id", vmID))

	_, err := s.withVM(ctx, vmID, func(vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
		return nil, s.expungeLocked(ctx, vm, logger)
	})
	return err
}

// expungeLocked runs with the VM lock held.
func (s *Service) expungeLocked(ctx context.Context, vm *domain.VirtualMachine, logger *zap.Logger) error {
	if !vm.State.CanTransition(domain.VMStateExpunging) {
		return invalidTransition(vm, domain.VMStateExpunging)
	}
	if err := jobs.Commit(ctx); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	// 1. Mark the VM as expunging
	vm.State = domain.VMStateExpunging
	updated, err := s.repo.Update(ctx, vm)
	if err != nil {
		return fmt.Errorf("failed to update VM: %w", err)
	}
	vm = updated

	// 2. Remove it from the hypervisor
	if err := s.driver.DestroyVM(ctx, vm); err != nil {
		logger.Error("Failed to destroy VM on hypervisor", zap.Error(err))
		vm.State = domain.VMStateError
		vm.Message = err.Error()
		s.persistBestEffort(ctx, vm, logger)
		return fmt.Errorf("failed to destroy VM: %w", err)
	}

	// 3. Drop snapshot policies and volumes
	volumeIDs := vm.VolumeIDs()
	if s.snapshots != nil {
		if err := s.snapshots.DeletePoliciesForVolumes(ctx, volumeIDs); err != nil {
			logger.Warn("Failed to delete snapshot policies", zap.Error(err))
		}
	}
	for _, id := range volumeIDs {
		if err := s.volumes.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			logger.Warn("Failed to delete volume", zap.String("volume_id", id), zap.Error(err))
		}
	}

	// 4. Drop the record, then return the reservation. A record that
	// survives keeps its reservation so a retried expunge releases it once.
	if err := s.repo.Delete(ctx, vm.ID); err != nil {
		logger.Error("Failed to delete VM record", zap.Error(err))
		vm.State = domain.VMStateError
		vm.Message = err.Error()
		s.persistBestEffort(ctx, vm, logger)
		return fmt.Errorf("failed to delete VM: %w", err)
	}
	if err := s.ledger.ReleaseAll(ctx, vm.AccountID, vm.Reservation); err != nil {
		logger.Error("Failed to release reservation of expunged VM", zap.Error(err))
		return fmt.Errorf("failed to release reservation: %w", err)
	}

	s.logAudit(ctx, vm, domain.AuditVMExpunge, nil)
	logger.Info("VM expunged")
	return nil
}

// ExpungeDestroyed expunges every VM destroyed longer than the configured delay ago.
func (s *Service) ExpungeDestroyed(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.expunge.Delay)
	vms, err := s.repo.List(ctx, VMFilter{
		States:          []domain.VMState{domain.VMStateDestroyed},
		DestroyedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list destroyed VMs: %w", err)
	}

	var errs []error
	expunged := 0
	for _, vm := range vms {
		if err := s.ExpungeVM(ctx, vm.ID); err != nil {
			errs = append(errs, fmt.Errorf("vm %s: %w", vm.ID, err))
			continue
		}
		expunged++
	}
	return expunged, errors.Join(errs...)
}

// StartExpunger runs ExpungeDestroyed every expunge interval until ctx is done.
func (s *Service) StartExpunger(ctx context.Context) {
	ticker := time.NewTicker(s.expunge.Interval)
	defer ticker.Stop()

	s.logger.Info("Expunger started",
		zap.Duration("delay", s.expunge.Delay),
		zap.Duration("interval", s.expunge.Interval),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expunger stopped")
			return
		case <-ticker.C:
			n, err := s.ExpungeDestroyed(ctx)
			if err != nil {
				s.logger.Warn("Expunge pass had failures", zap.Int("expunged", n), zap.Error(err))
			} else if n > 0 {
				s.logger.Info("Expunged destroyed VMs", zap.Int("expunged", n))
			}
		}
	}
}

// =============================================================================
// Migration and HA
// =============================================================================

// MigrateVM live-migrates a running VM. An empty hostID lets the planner
// choose. Advisory incompatibilities (HA tag, host tags, capacity) are
// overridden when force is set. The ledger is not touched.
func (s *Service) MigrateVM(ctx context.Context, vmID, hostID string, force bool) (*domain.VirtualMachine, error) {
	logger := s.logger.With(
		zap.String("method", "MigrateVM"),
		zap.String("vm_id", vmID),
		zap.String("target_host_id", hostID),
		zap.Bool("force", force),
	)

	vm, err := s.withVM(ctx, vmID, func(vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
		if !vm.IsRunning() {
			return nil, invalidTransition(vm, domain.VMStateMigrating)
		}
		source := vm.HostID

		// 1. Pick or validate the target and claim its capacity
		vm, target, err := s.claimHost(ctx, vm,
			func() (string, error) {
				if hostID == "" {
					sel, err := s.selectHost(ctx, vm, []string{source})
					if err != nil {
						return "", err
					}
					return sel.HostID, nil
				}
				if hostID == source {
					return "", &domain.IncompatibleTargetError{VMID: vm.ID, HostID: hostID, Reason: "VM is already on this host"}
				}
				err := s.placement.ValidateMigrationTarget(ctx, vm.ID, hostID, scheduler.ValidateOptions{HATags: s.haTags})
				if err != nil {
					var ite *domain.IncompatibleTargetError
					if !force || !errors.As(err, &ite) || !ite.Advisory {
						return "", err
					}
					logger.Warn("Forcing migration to incompatible target", zap.String("reason", ite.Reason))
				}
				return hostID, nil
			},
			func(target string) error {
				if err := jobs.Commit(ctx); err != nil {
					return err
				}
				vm.State = domain.VMStateMigrating
				vm.PendingHostID = target
				return nil
			},
		)
		if err != nil {
			return nil, err
		}

		// 2. Migrate on the hypervisor
		if err := s.driver.MigrateVM(ctx, vm, target); err != nil {
			logger.Error("Migration failed", zap.String("source_host_id", source), zap.Error(err))
			vm.State = domain.VMStateRunning
			vm.PendingHostID = ""
			s.persistBestEffort(ctx, vm, logger)
			return nil, fmt.Errorf("failed to migrate VM to host %s: %w", target, err)
		}

		// 3. Record the new host
		vm.State = domain.VMStateRunning
		vm.HostID = target
		vm.LastHostID = source
		vm.PendingHostID = ""
		if vm, err = s.repo.Update(ctx, vm); err != nil {
			return nil, fmt.Errorf("failed to update VM: %w", err)
		}

		s.logAudit(ctx, vm, domain.AuditVMMigrate, map[string]any{
			"source_host_id": source,
			"target_host_id": target,
			"forced":         force,
		})
		logger.Info("VM migrated", zap.String("source_host_id", source), zap.String("host_id", target))
		return vm, nil
	})

	if err != nil {
		s.metrics.Migration("failed", force)
		return nil, err
	}
	s.metrics.Migration("success", force)
	return vm, nil
}

// FailoverVM restarts a VM whose host failed on another host of its cluster.
// This is the only placement path that may use HA-tagged hosts.
func (s *Service) FailoverVM(ctx context.Context, vmID, failedHostID string) (*domain.VirtualMachine, error) {
	logger := s.logger.With(
		zap.String("method", "FailoverVM"),
		zap.String("vm_id", vmID),
		zap.String("failed_host_id", failedHostID),
	)

	return s.withVM(ctx, vmID, func(vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
		if vm.HostID != failedHostID || !vm.IsResident() {
			return nil, fmt.Errorf("%w: VM is not resident on host %s", domain.ErrConflict, failedHostID)
		}

		vm, target, err := s.claimHost(ctx, vm,
			func() (string, error) {
				sel, err := s.placement.SelectHost(ctx, scheduler.SelectRequest{
					ClusterID:    vm.ClusterID,
					RequiredTags: vm.RequiredTags(),
					HATags:       s.haTags,
					AvoidHostIDs: []string{failedHostID},
					CPU:          vm.CPU,
					MemoryMiB:    vm.MemoryMiB,
				})
				if err != nil {
					return "", err
				}
				return sel.HostID, nil
			},
			func(target string) error {
				vm.PendingHostID = target
				return nil
			},
		)
		if err != nil {
			return nil, err
		}

		if err := s.driver.StartVM(ctx, vm, target); err != nil {
			logger.Error("Failover restart failed", zap.String("host_id", target), zap.Error(err))
			vm.State = domain.VMStateError
			vm.PendingHostID = ""
			vm.Message = err.Error()
			s.persistBestEffort(ctx, vm, logger)
			return nil, fmt.Errorf("failed to restart VM on host %s: %w", target, err)
		}

		vm.State = domain.VMStateRunning
		vm.HostID = target
		vm.LastHostID = failedHostID
		vm.PendingHostID = ""
		vm.Message = ""
		if vm, err = s.repo.Update(ctx, vm); err != nil {
			return nil, fmt.Errorf("failed to update VM: %w", err)
		}

		s.logAudit(ctx, vm, domain.AuditVMStart, map[string]any{
			"host_id":        target,
			"failed_host_id": failedHostID,
			"failover":       true,
		})
		logger.Info("VM restarted after host failure", zap.String("host_id", target))
		return vm, nil
	})
}

// =============================================================================
// Scale / Account
// =============================================================================

// ScaleVM moves a stopped VM to another service offering, adjusting the
// account's cpu and memory reservations by the difference.
func (s *Service) ScaleVM(ctx context.Context, vmID, offeringID string) (*domain.VirtualMachine, error) {
	logger := s.logger.With(
		zap.String("method", "ScaleVM"),
		zap.String("vm_id", vmID),
		zap.String("offering_id", offeringID),
	)

	return s.withVM(ctx, vmID, func(vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
		if vm.State != domain.VMStateStopped {
			return nil, fmt.Errorf("%w: VM must be stopped to scale, is %s", domain.ErrInvalidTransition, vm.State)
		}
		offering, err := s.offerings.Get(ctx, offeringID)
		if err != nil {
			return nil, fmt.Errorf("failed to get service offering %s: %w", offeringID, err)
		}

		grow, shrink := scaleDeltas(vm, offering)
		if err := s.ledger.ReserveAll(ctx, vm.AccountID, grow); err != nil {
			logger.Warn("Scale refused by resource limits", zap.Error(err))
			return nil, err
		}

		previous := vm.OfferingID
		vm.OfferingID = offering.ID
		vm.CPU = offering.CPU
		vm.MemoryMiB = offering.MemoryMiB
		vm.HostTags = offering.HostTags
		vm.HAEnabled = offering.OfferHA
		vm.Reservation = applyDeltas(vm.Reservation, grow, shrink)

		updated, err := s.repo.Update(ctx, vm)
		if err != nil {
			if rerr := s.ledger.ReleaseAll(context.WithoutCancel(ctx), vm.AccountID, grow); rerr != nil {
				logger.Error("Failed to release scale reservation", zap.Error(rerr))
			}
			return nil, fmt.Errorf("failed to update VM: %w", err)
		}
		if err := s.ledger.ReleaseAll(ctx, vm.AccountID, shrink); err != nil {
			logger.Error("Failed to release scaled-down resources", zap.Error(err))
		}

		s.logAudit(ctx, updated, domain.AuditVMScale, map[string]any{
			"from_offering_id": previous,
			"to_offering_id":   offering.ID,
		})
		logger.Info("VM scaled", zap.Int32("cpu", updated.CPU), zap.Int64("memory_mib", updated.MemoryMiB))
		return updated, nil
	})
}

// DeleteAccount expunges every VM of the account, purges its snapshots and
// removes the account from the ledger.
func (s *Service) DeleteAccount(ctx context.Context, accountID string) error {
	logger := s.logger.With(zap.String("method", "DeleteAccount"), zap.String("account_id", accountID))
	logger.Info("Deleting account")

	vms, err := s.repo.List(ctx, VMFilter{AccountID: accountID})
	if err != nil {
		return fmt.Errorf("failed to list VMs: %w", err)
	}

	var errs []error
	for _, vm := range vms {
		if err := s.ExpungeVM(ctx, vm.ID); err != nil {
			errs = append(errs, fmt.Errorf("vm %s: %w", vm.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to expunge account VMs: %w", errors.Join(errs...))
	}

	if s.snapshots != nil {
		if err := s.snapshots.PurgeAccount(ctx, accountID); err != nil {
			return fmt.Errorf("failed to purge account snapshots: %w", err)
		}
	}
	if err := s.ledger.DeleteAccount(ctx, accountID); err != nil {
		return fmt.Errorf("failed to delete ledger account: %w", err)
	}

	if s.audit != nil {
		s.audit.LogAction(ctx, accountID, domain.AuditAccountDelete, "account", accountID, map[string]any{
			"vms_expunged": len(vms),
		})
	}
	logger.Info("Account deleted", zap.Int("vms_expunged", len(vms)))
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// GetVM returns a VM by ID.
func (s *Service) GetVM(ctx context.Context, vmID string) (*domain.VirtualMachine, error) {
	return s.repo.Get(ctx, vmID)
}

// ListVMs returns the VMs matching filter.
func (s *Service) ListVMs(ctx context.Context, filter VMFilter) ([]*domain.VirtualMachine, error) {
	return s.repo.List(ctx, filter)
}

// =============================================================================
// Helpers
// =============================================================================

// withVM runs fn with the VM's lock held and a fresh copy of the VM.
func (s *Service) withVM(ctx context.Context, vmID string, fn func(vm *domain.VirtualMachine) (*domain.VirtualMachine, error)) (*domain.VirtualMachine, error) {
	release, err := s.locker.Lock(ctx, lock.VMKey(vmID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock VM %s: %w", vmID, err)
	}
	defer release()

	vm, err := s.repo.Get(ctx, vmID)
	if err != nil {
		return nil, fmt.Errorf("failed to get VM %s: %w", vmID, err)
	}
	return fn(vm)
}

// claimHost picks a host and records the claim on the VM row while holding
// the cluster's placement lock, so concurrent placements count each other's
// VMs. pick chooses the host and claim mutates vm before it is written.
func (s *Service) claimHost(
	ctx context.Context,
	vm *domain.VirtualMachine,
	pick func() (string, error),
	claim func(hostID string) error,
) (*domain.VirtualMachine, string, error) {
	release, err := s.locker.Lock(ctx, lock.PlacementKey(vm.ClusterID))
	if err != nil {
		return nil, "", fmt.Errorf("failed to lock placement for cluster %s: %w", vm.ClusterID, err)
	}
	defer release()

	hostID, err := pick()
	if err != nil {
		return nil, "", err
	}
	if err := claim(hostID); err != nil {
		return nil, "", err
	}
	updated, err := s.repo.Update(ctx, vm)
	if err != nil {
		return nil, "", fmt.Errorf("failed to update VM: %w", err)
	}
	return updated, hostID, nil
}

// selectHost runs normal placement, which never lands on an HA host.
func (s *Service) selectHost(ctx context.Context, vm *domain.VirtualMachine, avoid []string) (*scheduler.Selection, error) {
	return s.placement.SelectHost(ctx, scheduler.SelectRequest{
		ClusterID:       vm.ClusterID,
		RequiredTags:    vm.RequiredTags(),
		ExcludeHATagged: true,
		HATags:          s.haTags,
		AvoidHostIDs:    avoid,
		CPU:             vm.CPU,
		MemoryMiB:       vm.MemoryMiB,
	})
}

func (s *Service) persistBestEffort(ctx context.Context, vm *domain.VirtualMachine, logger *zap.Logger) {
	if _, err := s.repo.Update(context.WithoutCancel(ctx), vm); err != nil {
		logger.Error("Failed to persist VM state", zap.String("state", string(vm.State)), zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, vm *domain.VirtualMachine, action domain.AuditAction, details map[string]any) {
	if s.audit != nil {
		s.audit.LogAction(ctx, vm.AccountID, action, "vm", vm.ID, details)
	}
}

func invalidTransition(vm *domain.VirtualMachine, to domain.VMState) error {
	return fmt.Errorf("%w: VM %s is %s, cannot move to %s", domain.ErrInvalidTransition, vm.ID, vm.State, to)
}

// reservationFor returns the ledger deltas a VM holds for its lifetime.
func reservationFor(o *domain.ServiceOffering, rootGiB, dataGiB int64) []domain.ResourceDelta {
	volumes := int64(1)
	if dataGiB > 0 {
		volumes++
	}
	return []domain.ResourceDelta{
		{Type: domain.ResourceUserVM, Delta: 1},
		{Type: domain.ResourceCPU, Delta: int64(o.CPU)},
		{Type: domain.ResourceMemory, Delta: o.MemoryMiB},
		{Type: domain.ResourceVolume, Delta: volumes},
		{Type: domain.ResourcePrimaryStorage, Delta: rootGiB + dataGiB},
	}
}

// scaleDeltas splits the cpu and memory change into amounts to reserve and to release.
func scaleDeltas(vm *domain.VirtualMachine, o *domain.ServiceOffering) (grow, shrink []domain.ResourceDelta) {
	diff := func(rt domain.ResourceType, d int64) {
		switch {
		case d > 0:
			grow = append(grow, domain.ResourceDelta{Type: rt, Delta: d})
		case d < 0:
			shrink = append(shrink, domain.ResourceDelta{Type: rt, Delta: -d})
		}
	}
	diff(domain.ResourceCPU, int64(o.CPU)-int64(vm.CPU))
	diff(domain.ResourceMemory, o.MemoryMiB-vm.MemoryMiB)
	return grow, shrink
}

func applyDeltas(held, grow, shrink []domain.ResourceDelta) []domain.ResourceDelta {
	out := make([]domain.ResourceDelta, len(held))
	copy(out, held)
	adjust := func(d domain.ResourceDelta, sign int64) {
		for i := range out {
			if out[i].Type == d.Type {
				out[i].Delta += sign * d.Delta
				return
			}
		}
		out = append(out, domain.ResourceDelta{Type: d.Type, Delta: sign * d.Delta})
	}
	for _, d := range grow {
		adjust(d, 1)
	}
	for _, d := range shrink {
		adjust(d, -1)
	}
	return out
}

func buildNICs(networkIDs []string) []domain.NIC {
	nics := make([]domain.NIC, 0, len(networkIDs))
	for i, id := range networkIDs {
		nics = append(nics, newNIC(id, i == 0))
	}
	return nics
}

// newNIC builds a NIC with a locally administered MAC derived from its ID.
func newNIC(networkID string, isDefault bool) domain.NIC {
	id := uuid.New()
	return domain.NIC{
		ID:         id.String(),
		NetworkID:  networkID,
		MACAddress: fmt.Sprintf("02:%02x:%02x:%02x:%02x:%02x", id[0], id[1], id[2], id[3], id[4]),
		IsDefault:  isDefault,
	}
}
