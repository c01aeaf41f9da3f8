package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/scheduler"
	"github.com/limiquantix/orchestrator/internal/services/vm"
)

// Ensure VMRepository implements the consumer interfaces
var (
	_ vm.Repository          = (*VMRepository)(nil)
	_ scheduler.VMRepository = (*VMRepository)(nil)
)

// VMRepository is an in-memory implementation of the VM repository.
// It's useful for development and testing without requiring a database.
type VMRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.VirtualMachine
}

// NewVMRepository creates a new in-memory VM repository.
func NewVMRepository() *VMRepository {
	return &VMRepository{
		data: make(map[string]*domain.VirtualMachine),
	}
}

// Create stores a new virtual machine.
func (r *VMRepository) Create(ctx context.Context, v *domain.VirtualMachine) (*domain.VirtualMachine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Generate ID if not set
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if _, ok := r.data[v.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}

	// Check for duplicate name within the account
	for _, existing := range r.data {
		if existing.AccountID == v.AccountID && existing.Name == v.Name {
			return nil, domain.ErrAlreadyExists
		}
	}

	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	// Clone to avoid external mutations
	stored := cloneVM(v)
	r.data[stored.ID] = stored

	return cloneVM(stored), nil
}

// Get retrieves a virtual machine by ID.
func (r *VMRepository) Get(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneVM(v), nil
}

// List returns the virtual machines matching the filter, newest first.
func (r *VMRepository) List(ctx context.Context, filter vm.VMFilter) ([]*domain.VirtualMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.VirtualMachine
	for _, v := range r.data {
		if matchesFilter(v, filter) {
			result = append(result, cloneVM(v))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Update updates an existing virtual machine.
func (r *VMRepository) Update(ctx context.Context, v *domain.VirtualMachine) (*domain.VirtualMachine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[v.ID]; !ok {
		return nil, domain.ErrNotFound
	}

	v.UpdatedAt = time.Now()
	stored := cloneVM(v)
	r.data[v.ID] = stored

	return cloneVM(stored), nil
}

// Delete removes a virtual machine by ID.
func (r *VMRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}

	delete(r.data, id)
	return nil
}

// ListByHost returns all VMs whose current or pending host is hostID.
func (r *VMRepository) ListByHost(ctx context.Context, hostID string) ([]*domain.VirtualMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.VirtualMachine
	for _, v := range r.data {
		if v.HostID == hostID || v.PendingHostID == hostID {
			result = append(result, cloneVM(v))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ============================================================================
// Helper Functions
// ============================================================================

// matchesFilter checks if a VM matches the given filter criteria.
func matchesFilter(v *domain.VirtualMachine, filter vm.VMFilter) bool {
	if filter.AccountID != "" && v.AccountID != filter.AccountID {
		return false
	}
	if filter.HostID != "" && v.HostID != filter.HostID {
		return false
	}
	if filter.ClusterID != "" && v.ClusterID != filter.ClusterID {
		return false
	}
	if len(filter.States) > 0 && !lo.Contains(filter.States, v.State) {
		return false
	}
	if filter.DestroyedBefore != nil {
		if v.DestroyedAt == nil || !v.DestroyedAt.Before(*filter.DestroyedBefore) {
			return false
		}
	}
	return true
}

// cloneVM creates a deep copy of a VirtualMachine to prevent external mutations.
func cloneVM(v *domain.VirtualMachine) *domain.VirtualMachine {
	if v == nil {
		return nil
	}

	clone := *v
	clone.DataVolumeIDs = append([]string(nil), v.DataVolumeIDs...)
	clone.NICs = append([]domain.NIC(nil), v.NICs...)
	clone.Reservation = append([]domain.ResourceDelta(nil), v.Reservation...)
	if v.DestroyedAt != nil {
		t := *v.DestroyedAt
		clone.DestroyedAt = &t
	}
	return &clone
}
