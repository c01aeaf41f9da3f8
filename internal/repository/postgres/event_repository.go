package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

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

// JobRepository persists async job records so QueryAsyncJobResult works
// from any replica.
type JobRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewJobRepository creates a new job repository.
func NewJobRepository(pool *pgxpool.Pool, logger *zap.Logger) *JobRepository {
	return &JobRepository{pool: pool, logger: logger.With(zap.String("repository", "job"))}
}

const jobColumns = `
	id, type, resource_type, resource_id, account_id, status, cancellable, committed,
	attempts, result, error, created_at, started_at, finished_at
`

// Create stores a new job.
func (r *JobRepository) Create(ctx context.Context, job *domain.AsyncJob) error {
	result, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}

	query := `
		INSERT INTO async_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.pool.Exec(ctx, query,
		job.ID, job.Type, job.ResourceType, job.ResourceID, job.AccountID, string(job.Status),
		job.Cancellable, job.Committed, job.Attempts, result, job.Error,
		job.CreatedAt, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*domain.AsyncJob, error) {
	job := &domain.AsyncJob{}
	var status string
	var result []byte

	err := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM async_jobs WHERE id = $1`, id).Scan(
		&job.ID, &job.Type, &job.ResourceType, &job.ResourceID, &job.AccountID, &status,
		&job.Cancellable, &job.Committed, &job.Attempts, &result, &job.Error,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, notFound(err))
	}

	job.Status = domain.JobStatus(status)
	if len(result) > 0 && string(result) != "null" {
		if err := json.Unmarshal(result, &job.Result); err != nil {
			r.logger.Warn("Failed to unmarshal job result", zap.String("job_id", id), zap.Error(err))
		}
	}
	return job, nil
}

// Update writes the job's progress.
func (r *JobRepository) Update(ctx context.Context, job *domain.AsyncJob) error {
	result, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}

	query := `
		UPDATE async_jobs
		SET status = $2, committed = $3, attempts = $4, result = $5, error = $6,
		    started_at = $7, finished_at = $8
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		job.ID, string(job.Status), job.Committed, job.Attempts, result, job.Error,
		job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteFinishedBefore removes terminal jobs that finished before the cutoff.
func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM async_jobs
		WHERE status <> $1 AND finished_at < $2
	`, string(domain.JobStatusPending), before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// Audit log
// =============================================================================

// AuditRepository persists audit entries.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Create appends an audit entry.
func (r *AuditRepository) Create(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_log (id, account_id, action, resource_type, resource_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.AccountID, string(entry.Action), entry.ResourceType, entry.ResourceID, details, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// List returns the entries matching filter, newest first. A limit <= 0 returns all.
func (r *AuditRepository) List(ctx context.Context, filter audit.Filter, limit int) ([]*domain.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.StartTime != nil {
		add("created_at >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add("created_at <= $%d", *filter.EndTime)
	}

	query := `SELECT id, account_id, action, resource_type, resource_id, details, created_at FROM audit_log`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		e := &domain.AuditEntry{}
		var action string
		var details []byte
		if err := rows.Scan(&e.ID, &e.AccountID, &action, &e.ResourceType, &e.ResourceID, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = domain.AuditAction(action)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteBefore removes entries created before the cutoff.
func (r *AuditRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// Alerts
// =============================================================================

// AlertRepository persists alerts.
type AlertRepository struct {
	pool *pgxpool.Pool
}

// NewAlertRepository creates a new alert repository.
func NewAlertRepository(pool *pgxpool.Pool) *AlertRepository {
	return &AlertRepository{pool: pool}
}

const alertColumns = `id, severity, title, message, source_type, source_id, resolved, resolved_at, created_at`

// Create stores a new alert.
func (r *AlertRepository) Create(ctx context.Context, a *domain.Alert) (*domain.Alert, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, string(a.Severity), a.Title, a.Message, string(a.SourceType), a.SourceID, a.Resolved, a.ResolvedAt, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert alert: %w", err)
	}
	return a, nil
}

// Get retrieves an alert by ID.
func (r *AlertRepository) Get(ctx context.Context, id string) (*domain.Alert, error) {
	a, err := scanAlert(r.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %s: %w", id, notFound(err))
	}
	return a, nil
}

// List returns the alerts matching filter, newest first.
func (r *AlertRepository) List(ctx context.Context, filter alert.AlertFilter) ([]*domain.Alert, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.SourceType != "" {
		add("source_type = $%d", string(filter.SourceType))
	}
	if filter.SourceID != "" {
		add("source_id = $%d", filter.SourceID)
	}
	if filter.Resolved != nil {
		add("resolved = $%d", *filter.Resolved)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Update replaces an existing alert.
func (r *AlertRepository) Update(ctx context.Context, a *domain.Alert) (*domain.Alert, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE alerts
		SET severity = $2, title = $3, message = $4, resolved = $5, resolved_at = $6
		WHERE id = $1
	`, a.ID, string(a.Severity), a.Title, a.Message, a.Resolved, a.ResolvedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	a := &domain.Alert{}
	var severity, sourceType string
	err := row.Scan(&a.ID, &severity, &a.Title, &a.Message, &sourceType, &a.SourceID, &a.Resolved, &a.ResolvedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Severity = domain.AlertSeverity(severity)
	a.SourceType = domain.AlertSourceType(sourceType)
	return a, nil
}
