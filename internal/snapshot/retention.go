package snapshot

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// RetentionResult lists the snapshots affected by one retention pass.
type RetentionResult struct {
	// Destroyed snapshots were marked Destroyed to honour maxsnaps.
	Destroyed []string
	// Purged snapshots had their backup removed to honour delta_max.
	Purged []string
}

// EnforceRetention applies the logical limit of the policy (skipped when
// policyID is empty) and then the physical limit of the volume. The two
// limits are counted and triggered independently.
func (s *Scheduler) EnforceRetention(ctx context.Context, volumeID, policyID string) (*RetentionResult, error) {
	release, err := s.lockVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &RetentionResult{}

	if policyID != "" {
		destroyed, err := s.enforceLogical(ctx, policyID)
		if err != nil {
			return result, err
		}
		result.Destroyed = destroyed
	}

	purged, err := s.enforcePhysical(ctx, volumeID)
	result.Purged = purged
	return result, err
}

// enforceLogical destroys the oldest live snapshots of the policy while more
// than maxsnaps remain.
func (s *Scheduler) enforceLogical(ctx context.Context, policyID string) ([]string, error) {
	policy, err := s.policies.Get(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot policy %s: %w", policyID, err)
	}
	snaps, err := s.snapshots.ListByPolicy(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy snapshots: %w", err)
	}

	live := make([]*domain.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		if snap.IsLive() {
			live = append(live, snap)
		}
	}

	var destroyed []string
	for len(live) > policy.MaxSnaps {
		oldest := live[0]
		live = live[1:]
		if _, err := s.destroy(ctx, oldest); err != nil {
			return destroyed, err
		}
		destroyed = append(destroyed, oldest.ID)
	}
	return destroyed, nil
}

// enforcePhysical purges the oldest physically present Destroyed backups of
// the volume while more than delta_max are present. Live backups are never
// purged, so the count may stay above delta_max until more are destroyed.
func (s *Scheduler) enforcePhysical(ctx context.Context, volumeID string) ([]string, error) {
	snaps, err := s.snapshots.ListByVolume(ctx, volumeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list volume snapshots: %w", err)
	}

	present := 0
	var candidates []*domain.Snapshot
	for _, snap := range snaps {
		if !snap.PhysicallyPresent {
			continue
		}
		present++
		if !snap.IsLive() {
			candidates = append(candidates, snap)
		}
	}

	var purged []string
	for present > s.config.DeltaMax && len(candidates) > 0 {
		oldest := candidates[0]
		candidates = candidates[1:]
		if err := s.purge(ctx, oldest); err != nil {
			return purged, err
		}
		present--
		purged = append(purged, oldest.ID)
	}

	if present > s.config.DeltaMax {
		s.logger.Debug("Physical retention limited by live snapshots",
			zap.String("volume_id", volumeID),
			zap.Int("present", present),
			zap.Int("delta_max", s.config.DeltaMax),
		)
	}
	return purged, nil
}

// destroy marks a snapshot Destroyed and returns its ledger unit. Callers
// hold the volume lock and pass a snapshot read under it.
func (s *Scheduler) destroy(ctx context.Context, snap *domain.Snapshot) (*domain.Snapshot, error) {
	now := s.now()
	snap.State = domain.SnapshotStateDestroyed
	snap.DestroyedAt = &now
	updated, err := s.snapshots.Update(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("failed to destroy snapshot %s: %w", snap.ID, err)
	}
	if err := s.ledger.Release(ctx, snap.AccountID, domain.ResourceSnapshot, 1); err != nil {
		s.logger.Error("Failed to release snapshot unit", zap.String("snapshot_id", snap.ID), zap.Error(err))
	}
	s.metrics.Snapshot("destroy", "success")
	s.logger.Info("Snapshot destroyed",
		zap.String("snapshot_id", snap.ID),
		zap.String("volume_id", snap.VolumeID),
		zap.Bool("physically_present", snap.PhysicallyPresent),
	)
	return updated, nil
}

// purge removes the backup of a snapshot from secondary storage.
func (s *Scheduler) purge(ctx context.Context, snap *domain.Snapshot) error {
	if err := s.secondary.PurgeFromSecondary(ctx, snap.ID); err != nil {
		s.metrics.Snapshot("purge", "failure")
		return fmt.Errorf("failed to purge snapshot %s: %w", snap.ID, err)
	}

	now := s.now()
	snap.PhysicallyPresent = false
	snap.PurgedAt = &now
	if _, err := s.snapshots.Update(ctx, snap); err != nil {
		return fmt.Errorf("failed to update purged snapshot %s: %w", snap.ID, err)
	}

	s.metrics.SnapshotPurged()
	s.logger.Info("Snapshot purged from secondary storage",
		zap.String("snapshot_id", snap.ID),
		zap.String("volume_id", snap.VolumeID),
	)
	s.logAudit(ctx, snap.AccountID, domain.AuditSnapshotPurge, "snapshot", snap.ID, nil)
	return nil
}
