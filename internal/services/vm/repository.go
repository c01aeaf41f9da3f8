// Package vm provides the virtual machine lifecycle orchestrator.
package vm

import (
	"context"
	"time"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/scheduler"
)

// Repository defines the data access interface for virtual machines.
// This interface allows swapping between different storage backends
// (PostgreSQL, in-memory, etc.) without changing the service logic.
type Repository interface {
	// Create stores a new virtual machine and returns the created entity.
	Create(ctx context.Context, vm *domain.VirtualMachine) (*domain.VirtualMachine, error)

	// Get retrieves a virtual machine by ID.
	Get(ctx context.Context, id string) (*domain.VirtualMachine, error)

	// List returns the virtual machines matching the filter, newest first.
	List(ctx context.Context, filter VMFilter) ([]*domain.VirtualMachine, error)

	// Update updates an existing virtual machine.
	Update(ctx context.Context, vm *domain.VirtualMachine) (*domain.VirtualMachine, error)

	// Delete removes a virtual machine by ID.
	Delete(ctx context.Context, id string) error

	// ListByHost returns all VMs whose current or pending host is hostID.
	ListByHost(ctx context.Context, hostID string) ([]*domain.VirtualMachine, error)
}

// VMFilter defines filtering options for listing VMs.
type VMFilter struct {
	// AccountID filters by owning account.
	AccountID string

	// HostID filters by current host.
	HostID string

	// ClusterID filters by cluster.
	ClusterID string

	// States filters by lifecycle states.
	States []domain.VMState

	// DestroyedBefore selects soft-deleted VMs destroyed before this time.
	DestroyedBefore *time.Time
}

// HostRepository is the host lookup used by the orchestrator.
type HostRepository interface {
	Get(ctx context.Context, id string) (*domain.Host, error)
}

// OfferingRepository is the service offering lookup used by the orchestrator.
type OfferingRepository interface {
	Get(ctx context.Context, id string) (*domain.ServiceOffering, error)
}

// VolumeRepository stores the volumes attached to VMs.
type VolumeRepository interface {
	Create(ctx context.Context, v *domain.Volume) (*domain.Volume, error)
	ListByVM(ctx context.Context, vmID string) ([]*domain.Volume, error)
	Delete(ctx context.Context, id string) error
}

// Ledger is the resource accounting used for admission control.
type Ledger interface {
	ReserveAll(ctx context.Context, accountID string, deltas []domain.ResourceDelta) error
	ReleaseAll(ctx context.Context, accountID string, deltas []domain.ResourceDelta) error
	DeleteAccount(ctx context.Context, accountID string) error
}

// Placement selects and validates hosts.
type Placement interface {
	SelectHost(ctx context.Context, req scheduler.SelectRequest) (*scheduler.Selection, error)
	ValidateMigrationTarget(ctx context.Context, vmID, targetHostID string, opts scheduler.ValidateOptions) error
}

// SnapshotHooks lets the orchestrator drive snapshot policies through the VM lifecycle.
type SnapshotHooks interface {
	SuspendVolumes(ctx context.Context, volumeIDs []string) error
	ResumeVolumes(ctx context.Context, volumeIDs []string) error
	DeletePoliciesForVolumes(ctx context.Context, volumeIDs []string) error
	PurgeAccount(ctx context.Context, accountID string) error
}

// AuditLogger records lifecycle events.
type AuditLogger interface {
	LogAction(ctx context.Context, accountID string, action domain.AuditAction, resourceType, resourceID string, details map[string]any)
}
