package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/jobs"
	"github.com/limiquantix/orchestrator/internal/services/alert"
	"github.com/limiquantix/orchestrator/internal/services/audit"
)

var (
	_ jobs.Repository  = (*JobRepository)(nil)
	_ audit.Repository = (*AuditRepository)(nil)
	_ alert.Repository = (*AlertRepository)(nil)
)

// =============================================================================
// Async jobs
// =============================================================================

// JobRepository is an in-memory async job repository.
type JobRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.AsyncJob
}

// NewJobRepository creates a new in-memory job repository.
func NewJobRepository() *JobRepository {
	return &JobRepository{data: make(map[string]*domain.AsyncJob)}
}

// Create stores a new job.
func (r *JobRepository) Create(ctx context.Context, job *domain.AsyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[job.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.data[job.ID] = cloneJob(job)
	return nil
}

// Get retrieves a job by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*domain.AsyncJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

// Update replaces an existing job.
func (r *JobRepository) Update(ctx context.Context, job *domain.AsyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[job.ID]; !ok {
		return domain.ErrNotFound
	}
	r.data[job.ID] = cloneJob(job)
	return nil
}

// DeleteFinishedBefore removes terminal jobs that finished before the cutoff.
func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, job := range r.data {
		if job.Status.IsTerminal() && job.FinishedAt != nil && job.FinishedAt.Before(before) {
			delete(r.data, id)
			deleted++
		}
	}
	return deleted, nil
}

func cloneJob(job *domain.AsyncJob) *domain.AsyncJob {
	clone := *job
	if job.StartedAt != nil {
		t := *job.StartedAt
		clone.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		clone.FinishedAt = &t
	}
	return &clone
}

// =============================================================================
// Audit log
// =============================================================================

// AuditRepository is an in-memory audit log.
type AuditRepository struct {
	mu      sync.RWMutex
	entries []*domain.AuditEntry
}

// NewAuditRepository creates a new in-memory audit repository.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Create appends an audit entry.
func (r *AuditRepository) Create(ctx context.Context, entry *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *entry
	r.entries = append(r.entries, &clone)
	return nil
}

// List returns the entries matching filter, newest first. A limit <= 0 returns all.
func (r *AuditRepository) List(ctx context.Context, filter audit.Filter, limit int) ([]*domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.AuditEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if filter.Matches(r.entries[i]) {
			clone := *r.entries[i]
			result = append(result, &clone)
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

// DeleteBefore removes entries created before the cutoff.
func (r *AuditRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]
	var deleted int64
	for _, e := range r.entries {
		if e.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return deleted, nil
}

// =============================================================================
// Alerts
// =============================================================================

// AlertRepository is an in-memory alert repository.
type AlertRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Alert
}

// NewAlertRepository creates a new in-memory alert repository.
func NewAlertRepository() *AlertRepository {
	return &AlertRepository{data: make(map[string]*domain.Alert)}
}

// Create stores a new alert.
func (r *AlertRepository) Create(ctx context.Context, a *domain.Alert) (*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[a.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}
	stored := *a
	r.data[a.ID] = &stored
	result := stored
	return &result, nil
}

// Get retrieves an alert by ID.
func (r *AlertRepository) Get(ctx context.Context, id string) (*domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	result := *a
	return &result, nil
}

// List returns the alerts matching filter, newest first.
func (r *AlertRepository) List(ctx context.Context, filter alert.AlertFilter) ([]*domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Alert
	for _, a := range r.data {
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.SourceType != "" && a.SourceType != filter.SourceType {
			continue
		}
		if filter.SourceID != "" && a.SourceID != filter.SourceID {
			continue
		}
		if filter.Resolved != nil && a.Resolved != *filter.Resolved {
			continue
		}
		clone := *a
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// Update replaces an existing alert.
func (r *AlertRepository) Update(ctx context.Context, a *domain.Alert) (*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[a.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	stored := *a
	r.data[a.ID] = &stored
	result := stored
	return &result, nil
}
