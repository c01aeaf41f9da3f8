// Package jobs runs long-running orchestration operations as asynchronous jobs
// that callers poll by ID and may cancel until the job commits its primary effect.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/metrics"
)

// Repository persists job records.
type Repository interface {
	Create(ctx context.Context, job *domain.AsyncJob) error
	Get(ctx context.Context, id string) (*domain.AsyncJob, error)
	Update(ctx context.Context, job *domain.AsyncJob) error
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// EventPublisher fans job status changes out to other processes.
type EventPublisher interface {
	PublishJob(ctx context.Context, eventType string, job *domain.AsyncJob) error
}

// RunFunc is the body of a job. The returned value becomes the job result.
type RunFunc func(ctx context.Context) (any, error)

// Spec describes a job to submit.
type Spec struct {
	Type         string
	ResourceType string
	ResourceID   string
	AccountID    string
	// Cancellable jobs may be cancelled until they call Commit.
	Cancellable bool
	// Retry re-runs the job on transient failures (see domain.IsRetryable).
	Retry bool
	Run   RunFunc
}

type task struct {
	mgr       *Manager
	job       *domain.AsyncJob
	spec      Spec
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
	committed bool
}

type taskKey struct{}

// Manager executes jobs on a bounded worker pool.
type Manager struct {
	repo      Repository
	publisher EventPublisher
	config    config.JobsConfig
	metrics   *metrics.Collector
	logger    *zap.Logger

	slots *semaphore.Weighted
	base  context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	mu      sync.Mutex
	running map[string]*task

	subMu  sync.Mutex
	subs   map[int]chan *domain.AsyncJob
	nextID int
}

// NewManager creates a job manager. publisher and collector may be nil.
func NewManager(repo Repository, publisher EventPublisher, cfg config.JobsConfig, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		repo:      repo,
		publisher: publisher,
		config:    cfg,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "jobs")),
		slots:     semaphore.NewWeighted(int64(cfg.Workers)),
		base:      base,
		stop:      stop,
		running:   make(map[string]*task),
		subs:      make(map[int]chan *domain.AsyncJob),
	}
}

// Submit records a new PENDING job and schedules it. Jobs beyond the worker
// limit wait for a free slot.
func (m *Manager) Submit(ctx context.Context, spec Spec) (*domain.AsyncJob, error) {
	if spec.Run == nil || spec.Type == "" {
		return nil, fmt.Errorf("%w: job type and body are required", domain.ErrInvalidArgument)
	}

	job := &domain.AsyncJob{
		ID:           uuid.NewString(),
		Type:         spec.Type,
		ResourceType: spec.ResourceType,
		ResourceID:   spec.ResourceID,
		AccountID:    spec.AccountID,
		Status:       domain.JobStatusPending,
		Cancellable:  spec.Cancellable,
		CreatedAt:    time.Now(),
	}
	if err := m.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	taskCtx, cancel := context.WithCancel(m.base)
	t := &task{
		mgr:    m,
		job:    job,
		spec:   spec,
		cancel: cancel,
	}
	t.ctx = context.WithValue(taskCtx, taskKey{}, t)

	m.mu.Lock()
	m.running[job.ID] = t
	snapshot := *job
	m.mu.Unlock()

	m.logger.Info("Job submitted",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.String("resource_id", job.ResourceID),
	)
	m.publish(&snapshot, "job.submitted")

	m.wg.Add(1)
	go m.run(t)

	return &snapshot, nil
}

// Query returns the current state of a job.
func (m *Manager) Query(ctx context.Context, jobID string) (*domain.AsyncJob, error) {
	m.mu.Lock()
	if t, ok := m.running[jobID]; ok {
		snapshot := *t.job
		m.mu.Unlock()
		return &snapshot, nil
	}
	m.mu.Unlock()

	return m.repo.Get(ctx, jobID)
}

// Cancel marks a job CANCELLED and cancels its context. Jobs that are not
// cancellable, have committed, or already finished return domain.ErrNotCancellable.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*domain.AsyncJob, error) {
	m.mu.Lock()
	t, ok := m.running[jobID]
	if !ok {
		m.mu.Unlock()
		job, err := m.repo.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return job, fmt.Errorf("%w: job %s is %s", domain.ErrNotCancellable, jobID, job.Status)
	}

	switch {
	case t.cancelled:
		snapshot := *t.job
		m.mu.Unlock()
		return &snapshot, nil
	case !t.spec.Cancellable:
		snapshot := *t.job
		m.mu.Unlock()
		return &snapshot, fmt.Errorf("%w: %s jobs cannot be cancelled", domain.ErrNotCancellable, t.job.Type)
	case t.committed:
		snapshot := *t.job
		m.mu.Unlock()
		return &snapshot, fmt.Errorf("%w: job %s already applied its changes", domain.ErrNotCancellable, jobID)
	}

	now := time.Now()
	t.cancelled = true
	t.job.Status = domain.JobStatusCancelled
	t.job.FinishedAt = &now
	m.persistLocked(t.job)
	snapshot := *t.job
	m.mu.Unlock()

	t.cancel()
	m.logger.Info("Job cancelled", zap.String("job_id", jobID), zap.String("type", snapshot.Type))
	m.publish(&snapshot, "job.cancelled")
	return &snapshot, nil
}

// Wait polls the job every interval until it reaches a terminal status or ctx is done.
func (m *Manager) Wait(ctx context.Context, jobID string, interval time.Duration) (*domain.AsyncJob, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := m.Query(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Commit marks the job running under ctx as past its point of no return.
// It fails when the job was cancelled first; outside a job it is a no-op.
func Commit(ctx context.Context) error {
	t, ok := ctx.Value(taskKey{}).(*task)
	if !ok {
		return nil
	}
	return t.mgr.commit(t)
}

func (m *Manager) commit(t *task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.cancelled {
		return fmt.Errorf("job %s was cancelled: %w", t.job.ID, context.Canceled)
	}
	if t.committed {
		return nil
	}
	t.committed = true
	t.job.Committed = true
	m.persistLocked(t.job)
	return nil
}

// Subscribe returns a channel of job updates and a function that ends the subscription.
func (m *Manager) Subscribe() (<-chan *domain.AsyncJob, func()) {
	ch := make(chan *domain.AsyncJob, 64)

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

// Start prunes finished jobs older than the retention window until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	if m.config.Retention <= 0 {
		return
	}
	interval := m.config.Retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Prune(ctx); err != nil {
				m.logger.Warn("Failed to prune jobs", zap.Error(err))
			}
		}
	}
}

// Prune deletes finished jobs older than the retention window.
func (m *Manager) Prune(ctx context.Context) (int64, error) {
	deleted, err := m.repo.DeleteFinishedBefore(ctx, time.Now().Add(-m.config.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	if deleted > 0 {
		m.logger.Debug("Pruned finished jobs", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// Stop cancels every running job and waits for the workers to return.
func (m *Manager) Stop() {
	m.stop()
	m.wg.Wait()
}

func (m *Manager) run(t *task) {
	defer m.wg.Done()
	defer t.cancel()

	if err := m.slots.Acquire(t.ctx, 1); err != nil {
		m.finish(t, nil, err)
		return
	}
	defer m.slots.Release(1)

	now := time.Now()
	m.mu.Lock()
	t.job.StartedAt = &now
	m.persistLocked(t.job)
	m.mu.Unlock()

	result, err := m.execute(t)
	m.finish(t, result, err)
}

func (m *Manager) execute(t *task) (any, error) {
	var result any
	attempt := func() error {
		m.mu.Lock()
		t.job.Attempts++
		m.mu.Unlock()

		res, err := t.spec.Run(t.ctx)
		if err != nil {
			if !t.spec.Retry || !domain.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			m.logger.Warn("Job attempt failed, retrying",
				zap.String("job_id", t.job.ID),
				zap.String("type", t.job.Type),
				zap.Error(err),
			)
			return err
		}
		result = res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.config.RetryInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, m.config.MaxRetries), t.ctx)

	if err := backoff.Retry(attempt, b); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) finish(t *task, result any, err error) {
	now := time.Now()

	m.mu.Lock()
	delete(m.running, t.job.ID)
	if !t.cancelled {
		if err != nil {
			t.job.Status = domain.JobStatusFailed
			t.job.Error = err.Error()
		} else {
			t.job.Status = domain.JobStatusSucceeded
			t.job.Result = result
		}
	} else if err != nil && !errors.Is(err, context.Canceled) {
		t.job.Error = err.Error()
	}
	if t.job.FinishedAt == nil {
		t.job.FinishedAt = &now
	}
	m.persistLocked(t.job)
	snapshot := *t.job
	m.mu.Unlock()

	started := snapshot.CreatedAt
	if snapshot.StartedAt != nil {
		started = *snapshot.StartedAt
	}
	m.metrics.JobFinished(snapshot.Type, string(snapshot.Status), now.Sub(started).Seconds())

	fields := []zap.Field{
		zap.String("job_id", snapshot.ID),
		zap.String("type", snapshot.Type),
		zap.String("status", string(snapshot.Status)),
		zap.Int("attempts", snapshot.Attempts),
	}
	if snapshot.Status == domain.JobStatusFailed {
		m.logger.Warn("Job failed", append(fields, zap.String("error", snapshot.Error))...)
	} else {
		m.logger.Info("Job finished", fields...)
	}
	m.publish(&snapshot, "job.finished")
}

// persistLocked writes the job record. m.mu must be held so that writes are
// applied in the order the in-memory state changed.
func (m *Manager) persistLocked(job *domain.AsyncJob) {
	snapshot := *job
	if err := m.repo.Update(context.Background(), &snapshot); err != nil {
		m.logger.Error("Failed to persist job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (m *Manager) publish(job *domain.AsyncJob, eventType string) {
	if m.publisher != nil {
		if err := m.publisher.PublishJob(context.Background(), eventType, job); err != nil {
			m.logger.Warn("Failed to publish job event", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		snapshot := *job
		select {
		case ch <- &snapshot:
		default:
			// Slow subscriber; drop the update.
		}
	}
}
