package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/services/vm"
	"github.com/limiquantix/orchestrator/internal/snapshot"
)

var (
	_ vm.VolumeRepository       = (*VolumeRepository)(nil)
	_ snapshot.VolumeRepository = (*VolumeRepository)(nil)
)

// VolumeRepository is an in-memory volume repository.
type VolumeRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Volume
}

// NewVolumeRepository creates a new in-memory volume repository.
func NewVolumeRepository() *VolumeRepository {
	return &VolumeRepository{
		data: make(map[string]*domain.Volume),
	}
}

// Create stores a new volume.
func (r *VolumeRepository) Create(ctx context.Context, v *domain.Volume) (*domain.Volume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if _, ok := r.data[v.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}

	stored := *v
	r.data[v.ID] = &stored
	result := stored
	return &result, nil
}

// Get retrieves a volume by ID.
func (r *VolumeRepository) Get(ctx context.Context, id string) (*domain.Volume, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	result := *v
	return &result, nil
}

// ListByVM returns the volumes attached to a VM, root volume first.
func (r *VolumeRepository) ListByVM(ctx context.Context, vmID string) ([]*domain.Volume, error) {
	return r.list(func(v *domain.Volume) bool { return v.VMID == vmID }), nil
}

// ListByAccount returns the volumes owned by an account.
func (r *VolumeRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Volume, error) {
	return r.list(func(v *domain.Volume) bool { return v.AccountID == accountID }), nil
}

// Delete removes a volume.
func (r *VolumeRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

func (r *VolumeRepository) list(keep func(*domain.Volume) bool) []*domain.Volume {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Volume
	for _, v := range r.data {
		if keep(v) {
			clone := *v
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Type != result[j].Type {
			return result[i].Type == domain.VolumeTypeRoot
		}
		return result[i].ID < result[j].ID
	})
	return result
}
