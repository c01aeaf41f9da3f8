package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/drs"
	"github.com/limiquantix/orchestrator/internal/services/vm"
)

var (
	_ drs.ClusterRepository = (*ClusterRepository)(nil)
	_ vm.OfferingRepository = (*OfferingRepository)(nil)
)

// ClusterRepository implements cluster persistence using PostgreSQL.
type ClusterRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewClusterRepository creates a new PostgreSQL cluster repository.
func NewClusterRepository(db *DB, logger *zap.Logger) *ClusterRepository {
	return &ClusterRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "cluster")),
	}
}

// Create stores a new cluster.
func (r *ClusterRepository) Create(ctx context.Context, c *domain.Cluster) (*domain.Cluster, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.DRSMode == "" {
		c.DRSMode = domain.DRSModeManual
	}

	query := `
		INSERT INTO clusters (id, name, description, ha_enabled, drs_enabled, drs_mode)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.pool.QueryRow(ctx, query,
		c.ID, c.Name, c.Description, c.HAEnabled, c.DRSEnabled, string(c.DRSMode),
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert cluster: %w", err)
	}

	r.logger.Info("Created cluster", zap.String("cluster_id", c.ID), zap.String("name", c.Name))
	return c, nil
}

// Get retrieves a cluster by ID.
func (r *ClusterRepository) Get(ctx context.Context, id string) (*domain.Cluster, error) {
	query := `
		SELECT id, name, description, ha_enabled, drs_enabled, drs_mode, created_at, updated_at
		FROM clusters
		WHERE id = $1
	`
	c, err := scanCluster(r.db.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster %s: %w", id, notFound(err))
	}
	return c, nil
}

// List returns every cluster.
func (r *ClusterRepository) List(ctx context.Context) ([]*domain.Cluster, error) {
	query := `
		SELECT id, name, description, ha_enabled, drs_enabled, drs_mode, created_at, updated_at
		FROM clusters
		ORDER BY name
	`
	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	var clusters []*domain.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// Update writes the mutable cluster fields.
func (r *ClusterRepository) Update(ctx context.Context, c *domain.Cluster) (*domain.Cluster, error) {
	query := `
		UPDATE clusters
		SET name = $2, description = $3, ha_enabled = $4, drs_enabled = $5, drs_mode = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.db.pool.QueryRow(ctx, query,
		c.ID, c.Name, c.Description, c.HAEnabled, c.DRSEnabled, string(c.DRSMode),
	).Scan(&c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update cluster %s: %w", c.ID, notFound(err))
	}
	return c, nil
}

// Delete removes a cluster. Clusters that still have hosts are rejected by
// the foreign key.
func (r *ClusterRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM clusters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cluster: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanCluster(row rowScanner) (*domain.Cluster, error) {
	c := &domain.Cluster{}
	var mode string
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.HAEnabled, &c.DRSEnabled, &mode, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.DRSMode = domain.DRSMode(mode)
	return c, nil
}

// =============================================================================
// Service Offerings
// =============================================================================

// OfferingRepository implements service offering persistence using PostgreSQL.
type OfferingRepository struct {
	db *DB
}

// NewOfferingRepository creates a new PostgreSQL offering repository.
func NewOfferingRepository(db *DB) *OfferingRepository {
	return &OfferingRepository{db: db}
}

// Create stores a new service offering.
func (r *OfferingRepository) Create(ctx context.Context, o *domain.ServiceOffering) (*domain.ServiceOffering, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO service_offerings (id, name, cpu, memory_mib, host_tags, offer_ha)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, o.ID, o.Name, o.CPU, o.MemoryMiB, o.HostTags, o.OfferHA)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert offering: %w", err)
	}
	return o, nil
}

// Get retrieves a service offering by ID.
func (r *OfferingRepository) Get(ctx context.Context, id string) (*domain.ServiceOffering, error) {
	o := &domain.ServiceOffering{}
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, name, cpu, memory_mib, host_tags, offer_ha
		FROM service_offerings
		WHERE id = $1
	`, id).Scan(&o.ID, &o.Name, &o.CPU, &o.MemoryMiB, &o.HostTags, &o.OfferHA)
	if err != nil {
		return nil, fmt.Errorf("failed to get offering %s: %w", id, notFound(err))
	}
	return o, nil
}

// List returns every service offering.
func (r *OfferingRepository) List(ctx context.Context) ([]*domain.ServiceOffering, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, name, cpu, memory_mib, host_tags, offer_ha
		FROM service_offerings
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list offerings: %w", err)
	}
	defer rows.Close()

	var offerings []*domain.ServiceOffering
	for rows.Next() {
		o := &domain.ServiceOffering{}
		if err := rows.Scan(&o.ID, &o.Name, &o.CPU, &o.MemoryMiB, &o.HostTags, &o.OfferHA); err != nil {
			return nil, fmt.Errorf("failed to scan offering: %w", err)
		}
		offerings = append(offerings, o)
	}
	return offerings, rows.Err()
}
