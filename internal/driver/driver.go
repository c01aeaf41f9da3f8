// Package driver defines the hypervisor and storage backends the orchestration
// core calls into, plus in-process simulated implementations used when no
// agents are attached (development mode and tests).
package driver

import (
	"context"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Hypervisor is the black-box driver layer for host and VM operations.
type Hypervisor interface {
	CreateVM(ctx context.Context, vm *domain.VirtualMachine, hostID string) error
	StartVM(ctx context.Context, vm *domain.VirtualMachine, hostID string) error
	StopVM(ctx context.Context, vm *domain.VirtualMachine, force bool) error
	RebootVM(ctx context.Context, vm *domain.VirtualMachine) error
	// ResetVM restores the root disk to its template state.
	ResetVM(ctx context.Context, vm *domain.VirtualMachine) error
	AttachNIC(ctx context.Context, vm *domain.VirtualMachine, nic domain.NIC) error
	MigrateVM(ctx context.Context, vm *domain.VirtualMachine, targetHostID string) error
	DestroyVM(ctx context.Context, vm *domain.VirtualMachine) error

	DrainHost(ctx context.Context, hostID string) error
	ReconnectHost(ctx context.Context, hostID string) error
}

// PrimaryStore creates snapshots on primary storage.
type PrimaryStore interface {
	CreateSnapshot(ctx context.Context, snap *domain.Snapshot) error
}

// SecondaryStore holds long-term snapshot backups. Both operations are idempotent.
type SecondaryStore interface {
	CopyToSecondary(ctx context.Context, snapshotID string) (backupID string, err error)
	PurgeFromSecondary(ctx context.Context, snapshotID string) error
}
