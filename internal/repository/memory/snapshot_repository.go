package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/snapshot"
)

var (
	_ snapshot.SnapshotRepository = (*SnapshotRepository)(nil)
	_ snapshot.PolicyRepository   = (*PolicyRepository)(nil)
)

// SnapshotRepository is an in-memory snapshot repository.
type SnapshotRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Snapshot
}

// NewSnapshotRepository creates a new in-memory snapshot repository.
func NewSnapshotRepository() *SnapshotRepository {
	return &SnapshotRepository{
		data: make(map[string]*domain.Snapshot),
	}
}

// Create stores a new snapshot.
func (r *SnapshotRepository) Create(ctx context.Context, s *domain.Snapshot) (*domain.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, ok := r.data[s.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	stored := cloneSnapshot(s)
	r.data[s.ID] = stored
	return cloneSnapshot(stored), nil
}

// Get retrieves a snapshot by ID.
func (r *SnapshotRepository) Get(ctx context.Context, id string) (*domain.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSnapshot(s), nil
}

// Update replaces an existing snapshot.
func (r *SnapshotRepository) Update(ctx context.Context, s *domain.Snapshot) (*domain.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[s.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	stored := cloneSnapshot(s)
	r.data[s.ID] = stored
	return cloneSnapshot(stored), nil
}

// ListByVolume returns the snapshots of a volume, oldest first.
func (r *SnapshotRepository) ListByVolume(ctx context.Context, volumeID string) ([]*domain.Snapshot, error) {
	return r.list(func(s *domain.Snapshot) bool { return s.VolumeID == volumeID }), nil
}

// ListByPolicy returns the snapshots taken by a policy, oldest first.
func (r *SnapshotRepository) ListByPolicy(ctx context.Context, policyID string) ([]*domain.Snapshot, error) {
	return r.list(func(s *domain.Snapshot) bool { return s.PolicyID == policyID }), nil
}

// ListByAccount returns the snapshots owned by an account, oldest first.
func (r *SnapshotRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Snapshot, error) {
	return r.list(func(s *domain.Snapshot) bool { return s.AccountID == accountID }), nil
}

func (r *SnapshotRepository) list(keep func(*domain.Snapshot) bool) []*domain.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Snapshot
	for _, s := range r.data {
		if keep(s) {
			result = append(result, cloneSnapshot(s))
		}
	}
	sortSnapshots(result)
	return result
}

// sortSnapshots orders snapshots oldest first, breaking ties by ID.
func sortSnapshots(snaps []*domain.Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
		}
		return snaps[i].ID < snaps[j].ID
	})
}

func cloneSnapshot(s *domain.Snapshot) *domain.Snapshot {
	clone := *s
	if s.DestroyedAt != nil {
		t := *s.DestroyedAt
		clone.DestroyedAt = &t
	}
	if s.PurgedAt != nil {
		t := *s.PurgedAt
		clone.PurgedAt = &t
	}
	return &clone
}

// PolicyRepository is an in-memory snapshot policy repository.
type PolicyRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.SnapshotPolicy
}

// NewPolicyRepository creates a new in-memory snapshot policy repository.
func NewPolicyRepository() *PolicyRepository {
	return &PolicyRepository{
		data: make(map[string]*domain.SnapshotPolicy),
	}
}

// Create stores a new policy. At most one policy may exist per volume and interval type.
func (r *PolicyRepository) Create(ctx context.Context, p *domain.SnapshotPolicy) (*domain.SnapshotPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for _, existing := range r.data {
		if existing.ID == p.ID || (existing.VolumeID == p.VolumeID && existing.IntervalType == p.IntervalType) {
			return nil, domain.ErrAlreadyExists
		}
	}

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	stored := *p
	r.data[p.ID] = &stored
	result := stored
	return &result, nil
}

// Get retrieves a policy by ID.
func (r *PolicyRepository) Get(ctx context.Context, id string) (*domain.SnapshotPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	result := *p
	return &result, nil
}

// Update replaces an existing policy.
func (r *PolicyRepository) Update(ctx context.Context, p *domain.SnapshotPolicy) (*domain.SnapshotPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[p.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	p.UpdatedAt = time.Now()
	stored := *p
	r.data[p.ID] = &stored
	result := stored
	return &result, nil
}

// Delete removes a policy.
func (r *PolicyRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

// ListByVolume returns the policies attached to a volume.
func (r *PolicyRepository) ListByVolume(ctx context.Context, volumeID string) ([]*domain.SnapshotPolicy, error) {
	return r.list(func(p *domain.SnapshotPolicy) bool { return p.VolumeID == volumeID }), nil
}

// ListActive returns every active policy.
func (r *PolicyRepository) ListActive(ctx context.Context) ([]*domain.SnapshotPolicy, error) {
	return r.list(func(p *domain.SnapshotPolicy) bool { return p.Active }), nil
}

func (r *PolicyRepository) list(keep func(*domain.SnapshotPolicy) bool) []*domain.SnapshotPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.SnapshotPolicy
	for _, p := range r.data {
		if keep(p) {
			clone := *p
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
