package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/drs"
	"github.com/limiquantix/orchestrator/internal/ha"
	"github.com/limiquantix/orchestrator/internal/maintenance"
	"github.com/limiquantix/orchestrator/internal/scheduler"
)

var (
	_ scheduler.HostRepository   = (*HostRepository)(nil)
	_ maintenance.HostRepository = (*HostRepository)(nil)
	_ ha.HostRepository          = (*HostRepository)(nil)
	_ drs.HostRepository         = (*HostRepository)(nil)
)

// HostRepository implements host persistence using PostgreSQL.
type HostRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewHostRepository creates a new PostgreSQL host repository.
func NewHostRepository(db *DB, logger *zap.Logger) *HostRepository {
	return &HostRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "host")),
	}
}

const hostColumns = `
	id, name, management_ip, cluster_id, state, tags, cpu_cores, memory_mib,
	created_at, updated_at, last_heartbeat
`

// Create registers a new host.
func (r *HostRepository) Create(ctx context.Context, h *domain.Host) (*domain.Host, error) {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.State == "" {
		h.State = domain.HostStateUp
	}

	query := `
		INSERT INTO hosts (id, name, management_ip, cluster_id, state, tags, cpu_cores, memory_mib, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := r.db.pool.QueryRow(ctx, query,
		h.ID, h.Name, h.ManagementIP, h.ClusterID, string(h.State), h.Tags,
		h.CPUCores, h.MemoryMiB, h.LastHeartbeat,
	).Scan(&h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert host: %w", err)
	}

	r.logger.Info("Registered host", zap.String("host_id", h.ID), zap.String("name", h.Name))
	return h, nil
}

// Get retrieves a host by ID.
func (r *HostRepository) Get(ctx context.Context, id string) (*domain.Host, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = $1`, id)
	h, err := scanHost(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get host %s: %w", id, notFound(err))
	}
	return h, nil
}

// List returns every host.
func (r *HostRepository) List(ctx context.Context) ([]*domain.Host, error) {
	return r.query(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY name`)
}

// ListByCluster returns every host of a cluster regardless of state.
func (r *HostRepository) ListByCluster(ctx context.Context, clusterID string) ([]*domain.Host, error) {
	return r.query(ctx, `SELECT `+hostColumns+` FROM hosts WHERE cluster_id = $1 ORDER BY name`, clusterID)
}

// Update writes the mutable host fields.
func (r *HostRepository) Update(ctx context.Context, h *domain.Host) (*domain.Host, error) {
	query := `
		UPDATE hosts
		SET name = $2, management_ip = $3, cluster_id = $4, state = $5, tags = $6,
		    cpu_cores = $7, memory_mib = $8, last_heartbeat = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.pool.QueryRow(ctx, query,
		h.ID, h.Name, h.ManagementIP, h.ClusterID, string(h.State), h.Tags,
		h.CPUCores, h.MemoryMiB, h.LastHeartbeat,
	).Scan(&h.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update host %s: %w", h.ID, notFound(err))
	}
	return h, nil
}

// UpdateHeartbeat records the time a host last reported in.
func (r *HostRepository) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.pool.Exec(ctx, `UPDATE hosts SET last_heartbeat = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a host.
func (r *HostRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM hosts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete host: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *HostRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Host, error) {
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*domain.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

func scanHost(row rowScanner) (*domain.Host, error) {
	h := &domain.Host{}
	var state string
	err := row.Scan(
		&h.ID, &h.Name, &h.ManagementIP, &h.ClusterID, &state, &h.Tags,
		&h.CPUCores, &h.MemoryMiB, &h.CreatedAt, &h.UpdatedAt, &h.LastHeartbeat,
	)
	if err != nil {
		return nil, err
	}
	h.State = domain.HostState(state)
	return h, nil
}
