package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/snapshot"
)

var (
	_ snapshot.SnapshotRepository = (*SnapshotRepository)(nil)
	_ snapshot.PolicyRepository   = (*PolicyRepository)(nil)
)

// SnapshotRepository provides database operations for volume snapshots.
type SnapshotRepository struct {
	pool *pgxpool.Pool
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{pool: pool}
}

const snapshotColumns = `
	id, name, volume_id, account_id, policy_id, interval_type, state, backup_snap_id,
	physically_present, size_gib, status_message, created_at, destroyed_at, purged_at
`

// Create persists a new snapshot.
func (r *SnapshotRepository) Create(ctx context.Context, s *domain.Snapshot) (*domain.Snapshot, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	query := `
		INSERT INTO snapshots (
			id, name, volume_id, account_id, policy_id, interval_type, state, backup_snap_id,
			physically_present, size_gib, status_message, created_at, destroyed_at, purged_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()), $13, $14)
		RETURNING created_at
	`
	err := r.pool.QueryRow(ctx, query,
		s.ID, s.Name, s.VolumeID, s.AccountID, nullString(s.PolicyID), string(s.IntervalType),
		string(s.State), s.BackupSnapID, s.PhysicallyPresent, s.SizeGiB, s.Message,
		nullTime(s.CreatedAt), s.DestroyedAt, s.PurgedAt,
	).Scan(&s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return s, nil
}

// Get retrieves a snapshot by ID.
func (r *SnapshotRepository) Get(ctx context.Context, id string) (*domain.Snapshot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, id)
	s, err := scanSnapshot(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", id, notFound(err))
	}
	return s, nil
}

// Update writes the mutable snapshot fields.
func (r *SnapshotRepository) Update(ctx context.Context, s *domain.Snapshot) (*domain.Snapshot, error) {
	query := `
		UPDATE snapshots
		SET state = $2, backup_snap_id = $3, physically_present = $4, size_gib = $5,
		    status_message = $6, destroyed_at = $7, purged_at = $8, policy_id = $9
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		s.ID, string(s.State), s.BackupSnapID, s.PhysicallyPresent, s.SizeGiB,
		s.Message, s.DestroyedAt, s.PurgedAt, nullString(s.PolicyID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update snapshot: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

// ListByVolume returns a volume's snapshots, oldest first.
func (r *SnapshotRepository) ListByVolume(ctx context.Context, volumeID string) ([]*domain.Snapshot, error) {
	return r.list(ctx, `WHERE volume_id = $1`, volumeID)
}

// ListByPolicy returns the snapshots a policy produced, oldest first.
func (r *SnapshotRepository) ListByPolicy(ctx context.Context, policyID string) ([]*domain.Snapshot, error) {
	return r.list(ctx, `WHERE policy_id = $1`, policyID)
}

// ListByAccount returns an account's snapshots, oldest first.
func (r *SnapshotRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Snapshot, error) {
	return r.list(ctx, `WHERE account_id = $1`, accountID)
}

func (r *SnapshotRepository) list(ctx context.Context, where string, args ...any) ([]*domain.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots ` + where + ` ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*domain.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

func scanSnapshot(row rowScanner) (*domain.Snapshot, error) {
	s := &domain.Snapshot{}
	var policyID *string
	var interval, state string
	err := row.Scan(
		&s.ID, &s.Name, &s.VolumeID, &s.AccountID, &policyID, &interval, &state, &s.BackupSnapID,
		&s.PhysicallyPresent, &s.SizeGiB, &s.Message, &s.CreatedAt, &s.DestroyedAt, &s.PurgedAt,
	)
	if err != nil {
		return nil, err
	}
	s.PolicyID = derefString(policyID)
	s.IntervalType = domain.IntervalType(interval)
	s.State = domain.SnapshotState(state)
	return s, nil
}

// =============================================================================
// Snapshot Policies
// =============================================================================

// PolicyRepository provides database operations for recurring snapshot policies.
type PolicyRepository struct {
	pool *pgxpool.Pool
}

// NewPolicyRepository creates a new snapshot policy repository.
func NewPolicyRepository(pool *pgxpool.Pool) *PolicyRepository {
	return &PolicyRepository{pool: pool}
}

const policyColumns = `
	id, volume_id, account_id, interval_type, schedule, timezone, max_snaps, active,
	next_fire_at, created_at, updated_at
`

// Create stores a new policy. The (volume_id, interval_type) unique index
// enforces one policy per volume and interval.
func (r *PolicyRepository) Create(ctx context.Context, p *domain.SnapshotPolicy) (*domain.SnapshotPolicy, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	query := `
		INSERT INTO snapshot_policies (
			id, volume_id, account_id, interval_type, schedule, timezone, max_snaps, active, next_fire_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		p.ID, p.VolumeID, p.AccountID, string(p.IntervalType), p.Schedule, p.Timezone,
		p.MaxSnaps, p.Active, p.NextFireAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert snapshot policy: %w", err)
	}
	return p, nil
}

// Get retrieves a policy by ID.
func (r *PolicyRepository) Get(ctx context.Context, id string) (*domain.SnapshotPolicy, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM snapshot_policies WHERE id = $1`, id)
	p, err := scanPolicy(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot policy %s: %w", id, notFound(err))
	}
	return p, nil
}

// Update replaces an existing policy.
func (r *PolicyRepository) Update(ctx context.Context, p *domain.SnapshotPolicy) (*domain.SnapshotPolicy, error) {
	query := `
		UPDATE snapshot_policies
		SET schedule = $2, timezone = $3, max_snaps = $4, active = $5, next_fire_at = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		p.ID, p.Schedule, p.Timezone, p.MaxSnaps, p.Active, p.NextFireAt,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update snapshot policy %s: %w", p.ID, notFound(err))
	}
	return p, nil
}

// Delete removes a policy. Its snapshots keep existing with policy_id cleared.
func (r *PolicyRepository) Delete(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM snapshot_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot policy: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByVolume returns the policies attached to a volume.
func (r *PolicyRepository) ListByVolume(ctx context.Context, volumeID string) ([]*domain.SnapshotPolicy, error) {
	return r.list(ctx, `WHERE volume_id = $1`, volumeID)
}

// ListActive returns every active policy.
func (r *PolicyRepository) ListActive(ctx context.Context) ([]*domain.SnapshotPolicy, error) {
	return r.list(ctx, `WHERE active`)
}

func (r *PolicyRepository) list(ctx context.Context, where string, args ...any) ([]*domain.SnapshotPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM snapshot_policies ` + where + ` ORDER BY id`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot policies: %w", err)
	}
	defer rows.Close()

	var policies []*domain.SnapshotPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func scanPolicy(row rowScanner) (*domain.SnapshotPolicy, error) {
	p := &domain.SnapshotPolicy{}
	var interval string
	err := row.Scan(
		&p.ID, &p.VolumeID, &p.AccountID, &interval, &p.Schedule, &p.Timezone, &p.MaxSnaps, &p.Active,
		&p.NextFireAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.IntervalType = domain.IntervalType(interval)
	return p, nil
}
