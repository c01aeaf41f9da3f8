package scheduler

import (
	"context"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// HostRepository defines the host data access needed by the planner.
type HostRepository interface {
	// Get retrieves a host by ID.
	Get(ctx context.Context, id string) (*domain.Host, error)

	// ListByCluster returns every host of a cluster regardless of state.
	ListByCluster(ctx context.Context, clusterID string) ([]*domain.Host, error)
}

// VMRepository defines the VM data access needed by the planner.
type VMRepository interface {
	// Get retrieves a VM by ID.
	Get(ctx context.Context, id string) (*domain.VirtualMachine, error)

	// ListByHost returns all VMs whose current or pending host is hostID.
	ListByHost(ctx context.Context, hostID string) ([]*domain.VirtualMachine, error)
}
