package snapshot

import (
	"context"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// PolicyRepository stores snapshot policies.
type PolicyRepository interface {
	// Create fails with domain.ErrAlreadyExists when the volume already has a
	// policy of the same interval type.
	Create(ctx context.Context, p *domain.SnapshotPolicy) (*domain.SnapshotPolicy, error)
	Get(ctx context.Context, id string) (*domain.SnapshotPolicy, error)
	Update(ctx context.Context, p *domain.SnapshotPolicy) (*domain.SnapshotPolicy, error)
	Delete(ctx context.Context, id string) error
	ListByVolume(ctx context.Context, volumeID string) ([]*domain.SnapshotPolicy, error)
	ListActive(ctx context.Context) ([]*domain.SnapshotPolicy, error)
}

// SnapshotRepository stores snapshots. List methods return oldest first.
type SnapshotRepository interface {
	Create(ctx context.Context, s *domain.Snapshot) (*domain.Snapshot, error)
	Get(ctx context.Context, id string) (*domain.Snapshot, error)
	Update(ctx context.Context, s *domain.Snapshot) (*domain.Snapshot, error)
	ListByVolume(ctx context.Context, volumeID string) ([]*domain.Snapshot, error)
	ListByPolicy(ctx context.Context, policyID string) ([]*domain.Snapshot, error)
	ListByAccount(ctx context.Context, accountID string) ([]*domain.Snapshot, error)
}

// VolumeRepository resolves the volume being snapshotted.
type VolumeRepository interface {
	Get(ctx context.Context, id string) (*domain.Volume, error)
}

// VMRepository resolves the host a volume's VM lives on.
type VMRepository interface {
	Get(ctx context.Context, id string) (*domain.VirtualMachine, error)
}

// Ledger accounts snapshot units against the owning account.
type Ledger interface {
	Reserve(ctx context.Context, accountID string, rt domain.ResourceType, delta int64) error
	Release(ctx context.Context, accountID string, rt domain.ResourceType, delta int64) error
}

// AlertRaiser raises operator alerts for failed snapshots.
type AlertRaiser interface {
	SnapshotAlert(ctx context.Context, severity domain.AlertSeverity, snapshotID, title, message string) (*domain.Alert, error)
}

// AuditLogger records snapshot events.
type AuditLogger interface {
	LogAction(ctx context.Context, accountID string, action domain.AuditAction, resourceType, resourceID string, details map[string]any)
}

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}
