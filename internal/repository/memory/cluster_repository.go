package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/drs"
	"github.com/limiquantix/orchestrator/internal/services/vm"
)

var (
	_ drs.ClusterRepository = (*ClusterRepository)(nil)
	_ vm.OfferingRepository = (*OfferingRepository)(nil)
)

// ClusterRepository is an in-memory cluster repository.
type ClusterRepository struct {
	mu       sync.RWMutex
	clusters map[string]*domain.Cluster
}

// NewClusterRepository creates a new in-memory cluster repository.
func NewClusterRepository() *ClusterRepository {
	return &ClusterRepository{
		clusters: make(map[string]*domain.Cluster),
	}
}

// Create creates a new cluster.
func (r *ClusterRepository) Create(ctx context.Context, cluster *domain.Cluster) (*domain.Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Generate ID if not provided
	if cluster.ID == "" {
		cluster.ID = uuid.New().String()
	}

	// Check for duplicate name
	for _, c := range r.clusters {
		if c.Name == cluster.Name || c.ID == cluster.ID {
			return nil, domain.ErrAlreadyExists
		}
	}

	now := time.Now()
	cluster.CreatedAt = now
	cluster.UpdatedAt = now
	if cluster.DRSMode == "" {
		cluster.DRSMode = domain.DRSModeManual
	}

	stored := *cluster
	r.clusters[cluster.ID] = &stored

	result := stored
	return &result, nil
}

// Get retrieves a cluster by ID.
func (r *ClusterRepository) Get(ctx context.Context, id string) (*domain.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cluster, ok := r.clusters[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	result := *cluster
	return &result, nil
}

// List returns all clusters ordered by name.
func (r *ClusterRepository) List(ctx context.Context) ([]*domain.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Cluster, 0, len(r.clusters))
	for _, c := range r.clusters {
		clone := *c
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Update updates a cluster.
func (r *ClusterRepository) Update(ctx context.Context, cluster *domain.Cluster) (*domain.Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clusters[cluster.ID]; !ok {
		return nil, domain.ErrNotFound
	}

	cluster.UpdatedAt = time.Now()
	stored := *cluster
	r.clusters[cluster.ID] = &stored

	result := stored
	return &result, nil
}

// Delete removes a cluster.
func (r *ClusterRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clusters[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.clusters, id)
	return nil
}

// OfferingRepository is an in-memory service offering repository.
type OfferingRepository struct {
	mu        sync.RWMutex
	offerings map[string]*domain.ServiceOffering
}

// NewOfferingRepository creates a new in-memory offering repository.
func NewOfferingRepository() *OfferingRepository {
	return &OfferingRepository{
		offerings: make(map[string]*domain.ServiceOffering),
	}
}

// Create stores a new service offering.
func (r *OfferingRepository) Create(ctx context.Context, o *domain.ServiceOffering) (*domain.ServiceOffering, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if _, ok := r.offerings[o.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}

	stored := *o
	r.offerings[o.ID] = &stored
	result := stored
	return &result, nil
}

// Get retrieves a service offering by ID.
func (r *OfferingRepository) Get(ctx context.Context, id string) (*domain.ServiceOffering, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.offerings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	result := *o
	return &result, nil
}

// List returns all service offerings ordered by ID.
func (r *OfferingRepository) List(ctx context.Context) ([]*domain.ServiceOffering, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.ServiceOffering, 0, len(r.offerings))
	for _, o := range r.offerings {
		clone := *o
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
