// Package postgres provides PostgreSQL repository implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/scheduler"
	"github.com/limiquantix/orchestrator/internal/services/vm"
)

var (
	_ vm.Repository          = (*VMRepository)(nil)
	_ scheduler.VMRepository = (*VMRepository)(nil)
)

// VMRepository implements vm.Repository using PostgreSQL.
type VMRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewVMRepository creates a new PostgreSQL VM repository.
func NewVMRepository(db *DB, logger *zap.Logger) *VMRepository {
	return &VMRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "vm")),
	}
}

const vmColumns = `
	id, name, account_id, cluster_id, offering_id, cpu, memory_mib, host_tags, ha_enabled,
	state, host_id, last_host_id, pending_host_id, status_message, root_volume_id, data_volume_ids, nics,
	reservation, created_at, updated_at, destroyed_at
`

// vmJSON holds the JSONB columns of a VM row.
type vmJSON struct {
	dataVolumes []byte
	nics        []byte
	reservation []byte
}

func marshalVMJSON(v *domain.VirtualMachine) (*vmJSON, error) {
	var out vmJSON
	var err error
	if out.dataVolumes, err = json.Marshal(nonNil(v.DataVolumeIDs)); err != nil {
		return nil, fmt.Errorf("failed to marshal data_volume_ids: %w", err)
	}
	if out.nics, err = json.Marshal(nonNil(v.NICs)); err != nil {
		return nil, fmt.Errorf("failed to marshal nics: %w", err)
	}
	if out.reservation, err = json.Marshal(nonNil(v.Reservation)); err != nil {
		return nil, fmt.Errorf("failed to marshal reservation: %w", err)
	}
	return &out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Create stores a new virtual machine.
func (r *VMRepository) Create(ctx context.Context, v *domain.VirtualMachine) (*domain.VirtualMachine, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}

	js, err := marshalVMJSON(v)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO virtual_machines (
			id, name, account_id, cluster_id, offering_id, cpu, memory_mib, host_tags, ha_enabled,
			state, host_id, last_host_id, pending_host_id, status_message, root_volume_id, data_volume_ids, nics,
			reservation, destroyed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING created_at, updated_at
	`

	err = r.db.pool.QueryRow(ctx, query,
		v.ID, v.Name, v.AccountID, v.ClusterID, v.OfferingID, v.CPU, v.MemoryMiB, v.HostTags, v.HAEnabled,
		string(v.State), nullString(v.HostID), nullString(v.LastHostID), nullString(v.PendingHostID), v.Message,
		nullString(v.RootVolumeID), js.dataVolumes, js.nics, js.reservation, v.DestroyedAt,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to create VM", zap.Error(err), zap.String("name", v.Name))
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert VM: %w", err)
	}

	r.logger.Info("Created VM", zap.String("vm_id", v.ID), zap.String("name", v.Name))
	return v, nil
}

// Get retrieves a virtual machine by ID.
func (r *VMRepository) Get(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+vmColumns+` FROM virtual_machines WHERE id = $1`, id)
	v, err := r.scanVM(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get VM %s: %w", id, notFound(err))
	}
	return v, nil
}

// List returns the virtual machines matching the filter, newest first.
func (r *VMRepository) List(ctx context.Context, filter vm.VMFilter) ([]*domain.VirtualMachine, error) {
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
	if filter.HostID != "" {
		add("host_id = $%d", filter.HostID)
	}
	if filter.ClusterID != "" {
		add("cluster_id = $%d", filter.ClusterID)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		add("state = ANY($%d)", states)
	}
	if filter.DestroyedBefore != nil {
		add("destroyed_at < $%d", *filter.DestroyedBefore)
	}

	query := `SELECT ` + vmColumns + ` FROM virtual_machines`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs: %w", err)
	}
	defer rows.Close()

	var vms []*domain.VirtualMachine
	for rows.Next() {
		v, err := r.scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan VM: %w", err)
		}
		vms = append(vms, v)
	}
	return vms, rows.Err()
}

// Update updates an existing virtual machine.
func (r *VMRepository) Update(ctx context.Context, v *domain.VirtualMachine) (*domain.VirtualMachine, error) {
	js, err := marshalVMJSON(v)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE virtual_machines
		SET name = $2, offering_id = $3, cpu = $4, memory_mib = $5, host_tags = $6, ha_enabled = $7,
		    state = $8, host_id = $9, last_host_id = $10, pending_host_id = $11, status_message = $12,
		    root_volume_id = $13, data_volume_ids = $14, nics = $15, reservation = $16, destroyed_at = $17,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.pool.QueryRow(ctx, query,
		v.ID, v.Name, v.OfferingID, v.CPU, v.MemoryMiB, v.HostTags, v.HAEnabled,
		string(v.State), nullString(v.HostID), nullString(v.LastHostID), nullString(v.PendingHostID), v.Message,
		nullString(v.RootVolumeID), js.dataVolumes, js.nics, js.reservation, v.DestroyedAt,
	).Scan(&v.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update VM %s: %w", v.ID, notFound(err))
	}

	r.logger.Debug("Updated VM", zap.String("vm_id", v.ID), zap.String("state", string(v.State)))
	return v, nil
}

// Delete removes a virtual machine by ID.
func (r *VMRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM virtual_machines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete VM: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	r.logger.Info("Deleted VM", zap.String("vm_id", id))
	return nil
}

// ListByHost returns all VMs whose current or pending host is hostID.
func (r *VMRepository) ListByHost(ctx context.Context, hostID string) ([]*domain.VirtualMachine, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+vmColumns+` FROM virtual_machines WHERE host_id = $1 OR pending_host_id = $1 ORDER BY id`, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs on host %s: %w", hostID, err)
	}
	defer rows.Close()

	var vms []*domain.VirtualMachine
	for rows.Next() {
		v, err := r.scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan VM: %w", err)
		}
		vms = append(vms, v)
	}
	return vms, rows.Err()
}

func (r *VMRepository) scanVM(row rowScanner) (*domain.VirtualMachine, error) {
	v := &domain.VirtualMachine{}
	var (
		state                             string
		hostID, lastHostID, pendingHostID *string
		rootVolume                        *string
		dataVolumes, nics, reservation    []byte
		destroyedAt                       *time.Time
	)

	err := row.Scan(
		&v.ID, &v.Name, &v.AccountID, &v.ClusterID, &v.OfferingID, &v.CPU, &v.MemoryMiB, &v.HostTags, &v.HAEnabled,
		&state, &hostID, &lastHostID, &pendingHostID, &v.Message, &rootVolume, &dataVolumes, &nics,
		&reservation, &v.CreatedAt, &v.UpdatedAt, &destroyedAt,
	)
	if err != nil {
		return nil, err
	}

	v.State = domain.VMState(state)
	v.HostID = derefString(hostID)
	v.LastHostID = derefString(lastHostID)
	v.PendingHostID = derefString(pendingHostID)
	v.RootVolumeID = derefString(rootVolume)
	v.DestroyedAt = destroyedAt

	if len(dataVolumes) > 0 {
		if err := json.Unmarshal(dataVolumes, &v.DataVolumeIDs); err != nil {
			r.logger.Warn("Failed to unmarshal data_volume_ids", zap.String("vm_id", v.ID), zap.Error(err))
		}
	}
	if len(nics) > 0 {
		if err := json.Unmarshal(nics, &v.NICs); err != nil {
			r.logger.Warn("Failed to unmarshal nics", zap.String("vm_id", v.ID), zap.Error(err))
		}
	}
	if len(reservation) > 0 {
		if err := json.Unmarshal(reservation, &v.Reservation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reservation of VM %s: %w", v.ID, err)
		}
	}
	return v, nil
}
