// Package memory provides in-memory repository implementations for development and testing.
// These repositories store data in memory and are not persistent across restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/ha"
	"github.com/limiquantix/orchestrator/internal/maintenance"
	"github.com/limiquantix/orchestrator/internal/scheduler"
)

var (
	_ scheduler.HostRepository   = (*HostRepository)(nil)
	_ maintenance.HostRepository = (*HostRepository)(nil)
	_ ha.HostRepository          = (*HostRepository)(nil)
)

// HostRepository is an in-memory implementation of the host repository.
type HostRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Host
}

// NewHostRepository creates a new in-memory host repository.
func NewHostRepository() *HostRepository {
	return &HostRepository{
		data: make(map[string]*domain.Host),
	}
}

// Create stores a new host.
func (r *HostRepository) Create(ctx context.Context, h *domain.Host) (*domain.Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if _, ok := r.data[h.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}

	// Host names are unique
	for _, existing := range r.data {
		if existing.Name == h.Name {
			return nil, domain.ErrAlreadyExists
		}
	}

	now := time.Now()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now
	if h.State == "" {
		h.State = domain.HostStateUp
	}

	stored := cloneHost(h)
	r.data[stored.ID] = stored
	return cloneHost(stored), nil
}

// Get retrieves a host by ID.
func (r *HostRepository) Get(ctx context.Context, id string) (*domain.Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneHost(h), nil
}

// List returns all hosts ordered by ID.
func (r *HostRepository) List(ctx context.Context) ([]*domain.Host, error) {
	return r.filter(func(*domain.Host) bool { return true }), nil
}

// ListByCluster returns the hosts of a cluster ordered by ID.
func (r *HostRepository) ListByCluster(ctx context.Context, clusterID string) ([]*domain.Host, error) {
	return r.filter(func(h *domain.Host) bool { return h.ClusterID == clusterID }), nil
}

// Update replaces an existing host.
func (r *HostRepository) Update(ctx context.Context, h *domain.Host) (*domain.Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[h.ID]; !ok {
		return nil, domain.ErrNotFound
	}

	h.UpdatedAt = time.Now()
	stored := cloneHost(h)
	r.data[h.ID] = stored
	return cloneHost(stored), nil
}

// UpdateHeartbeat records the last time the host checked in.
func (r *HostRepository) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}
	h.LastHeartbeat = &at
	return nil
}

// Delete removes a host by ID.
func (r *HostRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

func (r *HostRepository) filter(keep func(*domain.Host) bool) []*domain.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Host
	for _, h := range r.data {
		if keep(h) {
			result = append(result, cloneHost(h))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// cloneHost creates a copy of a Host to prevent external mutations.
func cloneHost(h *domain.Host) *domain.Host {
	if h == nil {
		return nil
	}
	clone := *h
	if h.LastHeartbeat != nil {
		t := *h.LastHeartbeat
		clone.LastHeartbeat = &t
	}
	return &clone
}
