package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/services/vm"
	"github.com/limiquantix/orchestrator/internal/snapshot"
)

var (
	_ vm.VolumeRepository       = (*VolumeRepository)(nil)
	_ snapshot.VolumeRepository = (*VolumeRepository)(nil)
)

// VolumeRepository implements volume persistence using PostgreSQL.
type VolumeRepository struct {
	db *DB
}

// NewVolumeRepository creates a new PostgreSQL volume repository.
func NewVolumeRepository(db *DB) *VolumeRepository {
	return &VolumeRepository{db: db}
}

// Create stores a new volume.
func (r *VolumeRepository) Create(ctx context.Context, v *domain.Volume) (*domain.Volume, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}

	query := `
		INSERT INTO volumes (id, name, account_id, vm_id, type, size_gib)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err := r.db.pool.QueryRow(ctx, query,
		v.ID, v.Name, v.AccountID, nullString(v.VMID), string(v.Type), v.SizeGiB,
	).Scan(&v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert volume: %w", err)
	}
	return v, nil
}

// Get retrieves a volume by ID.
func (r *VolumeRepository) Get(ctx context.Context, id string) (*domain.Volume, error) {
	query := `
		SELECT id, name, account_id, vm_id, type, size_gib, created_at
		FROM volumes
		WHERE id = $1
	`
	v, err := scanVolume(r.db.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get volume %s: %w", id, notFound(err))
	}
	return v, nil
}

// ListByVM returns the volumes attached to a VM, root volume first.
func (r *VolumeRepository) ListByVM(ctx context.Context, vmID string) ([]*domain.Volume, error) {
	return r.list(ctx, `
		SELECT id, name, account_id, vm_id, type, size_gib, created_at
		FROM volumes
		WHERE vm_id = $1
		ORDER BY type DESC, created_at
	`, vmID)
}

// ListByAccount returns every volume owned by an account.
func (r *VolumeRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Volume, error) {
	return r.list(ctx, `
		SELECT id, name, account_id, vm_id, type, size_gib, created_at
		FROM volumes
		WHERE account_id = $1
		ORDER BY created_at
	`, accountID)
}

// Delete removes a volume.
func (r *VolumeRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM volumes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete volume: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *VolumeRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Volume, error) {
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	defer rows.Close()

	var volumes []*domain.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan volume: %w", err)
		}
		volumes = append(volumes, v)
	}
	return volumes, rows.Err()
}

func scanVolume(row rowScanner) (*domain.Volume, error) {
	v := &domain.Volume{}
	var vmID *string
	var volType string
	if err := row.Scan(&v.ID, &v.Name, &v.AccountID, &vmID, &volType, &v.SizeGiB, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.VMID = derefString(vmID)
	v.Type = domain.VolumeType(volType)
	return v, nil
}
