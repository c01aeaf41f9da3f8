// Package snapshot runs recurring volume snapshot policies and enforces their
// two retention limits: the per-policy count of live snapshots (maxsnaps) and
// the per-volume count of backups physically kept on secondary storage (delta_max).
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/driver"
	"github.com/limiquantix/orchestrator/internal/lock"
	"github.com/limiquantix/orchestrator/internal/metrics"
)

// Scheduler owns snapshot policies and the snapshots they produce.
type Scheduler struct {
	policies  PolicyRepository
	snapshots SnapshotRepository
	volumes   VolumeRepository
	vms       VMRepository
	ledger    Ledger
	locker    lock.Locker
	primary   driver.PrimaryStore
	secondary driver.SecondaryStore
	config    config.SnapshotConfig
	metrics   *metrics.Collector
	logger    *zap.Logger

	alerts   AlertRaiser
	audit    AuditLogger
	leader   LeaderChecker

	hostMu    sync.Mutex
	hostSlots map[string]*semaphore.Weighted

	now func() time.Time
}

// New creates a snapshot scheduler.
func New(
	policies PolicyRepository,
	snapshots SnapshotRepository,
	volumes VolumeRepository,
	vms VMRepository,
	ledger Ledger,
	locker lock.Locker,
	primary driver.PrimaryStore,
	secondary driver.SecondaryStore,
	cfg config.SnapshotConfig,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Scheduler {
	if cfg.DeltaMax <= 0 {
		cfg.DeltaMax = 16
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BackupRetryDelay <= 0 {
		cfg.BackupRetryDelay = time.Second
	}
	return &Scheduler{
		policies:  policies,
		snapshots: snapshots,
		volumes:   volumes,
		vms:       vms,
		ledger:    ledger,
		locker:    locker,
		primary:   primary,
		secondary: secondary,
		config:    cfg,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "snapshot-scheduler")),
		hostSlots: make(map[string]*semaphore.Weighted),
		now:       time.Now,
	}
}

// SetAlerts sets the alert sink for failed snapshots.
func (s *Scheduler) SetAlerts(alerts AlertRaiser) { s.alerts = alerts }

// SetAudit sets the audit logger.
func (s *Scheduler) SetAudit(audit AuditLogger) { s.audit = audit }

// SetLeaderChecker restricts Start to fire policies only on the leader.
func (s *Scheduler) SetLeaderChecker(leader LeaderChecker) { s.leader = leader }

// =============================================================================
// POLICIES
// =============================================================================

// PolicyUpdate holds the mutable fields of a policy. Nil fields are unchanged.
type PolicyUpdate struct {
	Schedule *string
	Timezone *string
	MaxSnaps *int
}

// CreatePolicy validates and stores a policy for a volume.
func (s *Scheduler) CreatePolicy(ctx context.Context, p *domain.SnapshotPolicy) (*domain.SnapshotPolicy, error) {
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if err := s.validatePolicy(p); err != nil {
		return nil, err
	}
	sched, err := parsePolicySchedule(p)
	if err != nil {
		return nil, err
	}

	vol, err := s.volumes.Get(ctx, p.VolumeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get volume %s: %w", p.VolumeID, err)
	}

	now := s.now()
	policy := &domain.SnapshotPolicy{
		ID:           uuid.NewString(),
		VolumeID:     vol.ID,
		AccountID:    vol.AccountID,
		IntervalType: p.IntervalType,
		Schedule:     p.Schedule,
		Timezone:     p.Timezone,
		MaxSnaps:     p.MaxSnaps,
		Active:       true,
		NextFireAt:   sched.Next(now),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := s.policies.Create(ctx, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot policy: %w", err)
	}

	s.logger.Info("Snapshot policy created",
		zap.String("policy_id", created.ID),
		zap.String("volume_id", created.VolumeID),
		zap.String("interval_type", string(created.IntervalType)),
		zap.String("cron", sched.String()),
		zap.Time("next_fire_at", created.NextFireAt),
	)
	s.logAudit(ctx, created.AccountID, domain.AuditPolicyCreate, "snapshot_policy", created.ID, map[string]any{
		"volume_id":     created.VolumeID,
		"interval_type": string(created.IntervalType),
		"schedule":      created.Schedule,
		"max_snaps":     created.MaxSnaps,
	})
	return created, nil
}

// UpdatePolicy changes a policy's schedule, timezone or maxsnaps. A lowered
// maxsnaps takes effect after the next snapshot of the policy.
func (s *Scheduler) UpdatePolicy(ctx context.Context, id string, upd PolicyUpdate) (*domain.SnapshotPolicy, error) {
	policy, err := s.policies.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Schedule != nil {
		policy.Schedule = *upd.Schedule
	}
	if upd.Timezone != nil {
		policy.Timezone = *upd.Timezone
	}
	if upd.MaxSnaps != nil {
		policy.MaxSnaps = *upd.MaxSnaps
	}
	if err := s.validatePolicy(policy); err != nil {
		return nil, err
	}
	sched, err := parsePolicySchedule(policy)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if upd.Schedule != nil || upd.Timezone != nil {
		policy.NextFireAt = sched.Next(now)
	}
	policy.UpdatedAt = now

	updated, err := s.policies.Update(ctx, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to update snapshot policy: %w", err)
	}
	s.logger.Info("Snapshot policy updated", zap.String("policy_id", id), zap.Time("next_fire_at", updated.NextFireAt))
	return updated, nil
}

// DeletePolicy removes a policy. Snapshots it produced are kept.
func (s *Scheduler) DeletePolicy(ctx context.Context, id string) error {
	policy, err := s.policies.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.policies.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete snapshot policy: %w", err)
	}
	s.logger.Info("Snapshot policy deleted", zap.String("policy_id", id), zap.String("volume_id", policy.VolumeID))
	s.logAudit(ctx, policy.AccountID, domain.AuditPolicyDelete, "snapshot_policy", id, nil)
	return nil
}

// ListPolicies returns the policies of a volume.
func (s *Scheduler) ListPolicies(ctx context.Context, volumeID string) ([]*domain.SnapshotPolicy, error) {
	return s.policies.ListByVolume(ctx, volumeID)
}

// ListSnapshots returns the snapshots of a volume, oldest first.
func (s *Scheduler) ListSnapshots(ctx context.Context, volumeID string) ([]*domain.Snapshot, error) {
	return s.snapshots.ListByVolume(ctx, volumeID)
}

func (s *Scheduler) validatePolicy(p *domain.SnapshotPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.MaxSnaps > s.config.DeltaMax {
		return fmt.Errorf("%w: maxsnaps %d exceeds snapshot.delta_max %d", domain.ErrInvalidArgument, p.MaxSnaps, s.config.DeltaMax)
	}
	return nil
}

// =============================================================================
// FIRING
// =============================================================================

// DueSnapshots returns the active policies whose next fire time is at or
// before now, earliest first.
func (s *Scheduler) DueSnapshots(ctx context.Context, now time.Time) ([]*domain.SnapshotPolicy, error) {
	active, err := s.policies.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active policies: %w", err)
	}

	due := make([]*domain.SnapshotPolicy, 0, len(active))
	for _, p := range active {
		if !now.Before(p.NextFireAt) {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextFireAt.Equal(due[j].NextFireAt) {
			return due[i].NextFireAt.Before(due[j].NextFireAt)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

// RunReport summarizes one scheduler pass.
type RunReport struct {
	Fired     int
	Succeeded []string
	// Failed maps policy ID to the failure.
	Failed map[string]string
}

// RunOnce fires every due policy once. Each policy's NextFireAt advances past
// now before its snapshot is taken, so a failed snapshot is not retried until
// the next interval.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (*RunReport, error) {
	due, err := s.DueSnapshots(ctx, now)
	if err != nil {
		return nil, err
	}

	report := &RunReport{Failed: make(map[string]string)}
	var mu sync.Mutex
	var g errgroup.Group

	for _, p := range due {
		sched, err := parsePolicySchedule(p)
		if err != nil {
			s.logger.Error("Skipping policy with invalid schedule", zap.String("policy_id", p.ID), zap.Error(err))
			report.Failed[p.ID] = err.Error()
			continue
		}
		missed := p.NextFireAt
		p.NextFireAt = sched.Next(now)
		p.UpdatedAt = now
		if _, err := s.policies.Update(ctx, p); err != nil {
			s.logger.Error("Failed to advance policy", zap.String("policy_id", p.ID), zap.Error(err))
			report.Failed[p.ID] = err.Error()
			continue
		}
		s.logger.Debug("Policy fired",
			zap.String("policy_id", p.ID),
			zap.Time("scheduled_at", missed),
			zap.Time("next_fire_at", p.NextFireAt),
		)
		report.Fired++

		policy := p
		g.Go(func() error {
			snap, err := s.TakeSnapshot(ctx, policy.VolumeID, policy.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[policy.ID] = err.Error()
				return nil
			}
			report.Succeeded = append(report.Succeeded, snap.ID)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Succeeded)
	return report, nil
}

// Start fires due policies every poll interval until ctx is done. When a
// leader checker is set, only the leader fires.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Snapshot scheduler started", zap.Duration("interval", s.config.PollInterval))

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Snapshot scheduler stopped")
			return
		case <-ticker.C:
			if s.leader != nil && !s.leader.IsLeader() {
				continue
			}
			report, err := s.RunOnce(ctx, s.now())
			if err != nil {
				s.logger.Error("Snapshot scheduler pass failed", zap.Error(err))
				continue
			}
			if report.Fired > 0 {
				s.logger.Info("Snapshot scheduler pass complete",
					zap.Int("fired", report.Fired),
					zap.Int("succeeded", len(report.Succeeded)),
					zap.Int("failed", len(report.Failed)),
				)
			}
		}
	}
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// TakeSnapshot snapshots a volume on primary storage and copies it to
// secondary storage. policyID is empty for manual snapshots. When the copy
// fails the snapshot stays CreatedOnPrimary and a *domain.SnapshotFailureError
// is returned. Requests beyond the per-host limit wait for a free slot.
func (s *Scheduler) TakeSnapshot(ctx context.Context, volumeID, policyID string) (*domain.Snapshot, error) {
	vol, err := s.volumes.Get(ctx, volumeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get volume %s: %w", volumeID, err)
	}

	interval := domain.IntervalManual
	if policyID != "" {
		policy, err := s.policies.Get(ctx, policyID)
		if err != nil {
			return nil, fmt.Errorf("failed to get snapshot policy %s: %w", policyID, err)
		}
		interval = policy.IntervalType
	}

	release, err := s.acquireHostSlot(ctx, vol)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.ledger.Reserve(ctx, vol.AccountID, domain.ResourceSnapshot, 1); err != nil {
		s.metrics.Snapshot("create", "limit_exceeded")
		return nil, err
	}

	now := s.now()
	snap := &domain.Snapshot{
		ID:           uuid.NewString(),
		Name:         fmt.Sprintf("%s_%s", vol.Name, now.UTC().Format("20060102150405")),
		VolumeID:     vol.ID,
		AccountID:    vol.AccountID,
		PolicyID:     policyID,
		IntervalType: interval,
		SizeGiB:      vol.SizeGiB,
		CreatedAt:    now,
	}
	logger := s.logger.With(
		zap.String("snapshot_id", snap.ID),
		zap.String("volume_id", vol.ID),
		zap.String("policy_id", policyID),
	)

	if err := s.primary.CreateSnapshot(ctx, snap); err != nil {
		if relErr := s.ledger.Release(ctx, vol.AccountID, domain.ResourceSnapshot, 1); relErr != nil {
			logger.Error("Failed to release snapshot reservation", zap.Error(relErr))
		}
		failure := &domain.SnapshotFailureError{SnapshotID: snap.ID, VolumeID: vol.ID, Err: err}
		s.fail(ctx, logger, snap, "Snapshot failed on primary storage", failure)
		return nil, failure
	}

	snap.State = domain.SnapshotStateCreatedOnPrimary
	snap, err = s.snapshots.Create(ctx, snap)
	if err != nil {
		if relErr := s.ledger.Release(ctx, vol.AccountID, domain.ResourceSnapshot, 1); relErr != nil {
			logger.Error("Failed to release snapshot reservation", zap.Error(relErr))
		}
		return nil, fmt.Errorf("failed to create snapshot record: %w", err)
	}

	backupID, err := s.copyToSecondary(ctx, snap.ID)
	if err != nil {
		snap.Message = err.Error()
		if _, uerr := s.snapshots.Update(ctx, snap); uerr != nil {
			logger.Error("Failed to record snapshot failure", zap.Error(uerr))
		}
		failure := &domain.SnapshotFailureError{SnapshotID: snap.ID, VolumeID: vol.ID, Err: err}
		s.fail(ctx, logger, snap, "Snapshot backup to secondary storage failed", failure)
		return snap, failure
	}

	snap.State = domain.SnapshotStateBackedUp
	snap.BackupSnapID = backupID
	snap.PhysicallyPresent = true
	snap.Message = ""
	snap, err = s.snapshots.Update(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("failed to update snapshot: %w", err)
	}

	s.metrics.Snapshot("create", "success")
	logger.Info("Snapshot backed up", zap.String("backup_snap_id", backupID))
	s.logAudit(ctx, snap.AccountID, domain.AuditSnapshotCreate, "snapshot", snap.ID, map[string]any{
		"volume_id":     snap.VolumeID,
		"policy_id":     policyID,
		"interval_type": string(interval),
	})

	if _, err := s.EnforceRetention(ctx, vol.ID, policyID); err != nil {
		logger.Warn("Failed to enforce snapshot retention", zap.Error(err))
	}
	return snap, nil
}

// DeleteSnapshot destroys a snapshot logically and releases its ledger unit.
// The backup is purged later once the volume exceeds delta_max.
func (s *Scheduler) DeleteSnapshot(ctx context.Context, snapshotID string) (*domain.Snapshot, error) {
	snap, err := s.snapshots.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	release, err := s.lockVolume(ctx, snap.VolumeID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Reload under the lock: a concurrent delete or retention pass may
	// already have destroyed it.
	snap, err = s.snapshots.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if !snap.IsLive() {
		return snap, nil
	}

	snap, err = s.destroy(ctx, snap)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, snap.AccountID, domain.AuditSnapshotDelete, "snapshot", snap.ID, nil)

	if _, err := s.enforcePhysical(ctx, snap.VolumeID); err != nil {
		s.logger.Warn("Failed to enforce physical retention", zap.String("volume_id", snap.VolumeID), zap.Error(err))
	}
	return snap, nil
}

// lockVolume serializes the state changes of a volume's snapshots.
func (s *Scheduler) lockVolume(ctx context.Context, volumeID string) (lock.Release, error) {
	release, err := s.locker.Lock(ctx, lock.VolumeKey(volumeID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock volume %s: %w", volumeID, err)
	}
	return release, nil
}

func (s *Scheduler) copyToSecondary(ctx context.Context, snapshotID string) (string, error) {
	var backupID string
	op := func() error {
		id, err := s.secondary.CopyToSecondary(ctx, snapshotID)
		if err != nil {
			s.logger.Debug("Secondary copy attempt failed", zap.String("snapshot_id", snapshotID), zap.Error(err))
			return err
		}
		backupID = id
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.config.BackupRetryDelay
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, s.config.BackupRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", err
	}
	return backupID, nil
}

func (s *Scheduler) fail(ctx context.Context, logger *zap.Logger, snap *domain.Snapshot, title string, err error) {
	s.metrics.Snapshot("create", "failure")
	logger.Error(title, zap.Error(err))
	if s.alerts == nil {
		return
	}
	if _, aerr := s.alerts.SnapshotAlert(ctx, domain.AlertSeverityWarning, snap.ID, title, err.Error()); aerr != nil {
		logger.Warn("Failed to raise snapshot alert", zap.Error(aerr))
	}
}

// acquireHostSlot bounds concurrent snapshots on the host running the
// volume's VM. Detached volumes share one queue.
func (s *Scheduler) acquireHostSlot(ctx context.Context, vol *domain.Volume) (func(), error) {
	if s.config.ConcurrentPerHost <= 0 {
		return func() {}, nil
	}

	hostID := ""
	if vol.VMID != "" && s.vms != nil {
		vm, err := s.vms.Get(ctx, vol.VMID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("failed to get VM %s: %w", vol.VMID, err)
		}
		if vm != nil {
			hostID = vm.HostID
			if hostID == "" {
				hostID = vm.LastHostID
			}
		}
	}

	s.hostMu.Lock()
	sem, ok := s.hostSlots[hostID]
	if !ok {
		sem = semaphore.NewWeighted(int64(s.config.ConcurrentPerHost))
		s.hostSlots[hostID] = sem
	}
	s.hostMu.Unlock()

	if !sem.TryAcquire(1) {
		s.metrics.SnapshotQueued(1)
		err := sem.Acquire(ctx, 1)
		s.metrics.SnapshotQueued(-1)
		if err != nil {
			return nil, err
		}
	}
	return func() { sem.Release(1) }, nil
}

// =============================================================================
// VM LIFECYCLE HOOKS
// =============================================================================

// SuspendVolumes deactivates the policies of volumes whose VM was soft-deleted.
func (s *Scheduler) SuspendVolumes(ctx context.Context, volumeIDs []string) error {
	return s.eachPolicy(ctx, volumeIDs, func(p *domain.SnapshotPolicy) error {
		if !p.Active {
			return nil
		}
		p.Active = false
		p.UpdatedAt = s.now()
		_, err := s.policies.Update(ctx, p)
		return err
	})
}

// ResumeVolumes reactivates the policies of recovered volumes. Fire times
// missed while suspended are skipped.
func (s *Scheduler) ResumeVolumes(ctx context.Context, volumeIDs []string) error {
	now := s.now()
	return s.eachPolicy(ctx, volumeIDs, func(p *domain.SnapshotPolicy) error {
		if p.Active {
			return nil
		}
		sched, err := parsePolicySchedule(p)
		if err != nil {
			return err
		}
		p.Active = true
		p.NextFireAt = sched.Next(now)
		p.UpdatedAt = now
		_, err = s.policies.Update(ctx, p)
		return err
	})
}

// DeletePoliciesForVolumes removes the policies of expunged volumes.
func (s *Scheduler) DeletePoliciesForVolumes(ctx context.Context, volumeIDs []string) error {
	return s.eachPolicy(ctx, volumeIDs, func(p *domain.SnapshotPolicy) error {
		return s.policies.Delete(ctx, p.ID)
	})
}

// PurgeAccount destroys every snapshot of a deleted account and purges all of
// its backups from secondary storage immediately.
func (s *Scheduler) PurgeAccount(ctx context.Context, accountID string) error {
	snaps, err := s.snapshots.ListByAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to list account snapshots: %w", err)
	}

	byVolume := lo.GroupBy(snaps, func(snap *domain.Snapshot) string { return snap.VolumeID })
	volumeIDs := lo.Keys(byVolume)
	sort.Strings(volumeIDs)

	var errs []error
	for _, volumeID := range volumeIDs {
		if err := s.purgeVolumeSnapshots(ctx, volumeID, byVolume[volumeID]); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("Purged account snapshots", zap.String("account_id", accountID), zap.Int("snapshots", len(snaps)))
	return errors.Join(errs...)
}

func (s *Scheduler) purgeVolumeSnapshots(ctx context.Context, volumeID string, snaps []*domain.Snapshot) error {
	release, err := s.lockVolume(ctx, volumeID)
	if err != nil {
		return err
	}
	defer release()

	var errs []error
	for _, listed := range snaps {
		snap, err := s.snapshots.Get(ctx, listed.ID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		if snap.IsLive() {
			if snap, err = s.destroy(ctx, snap); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if snap.PhysicallyPresent {
			if err := s.purge(ctx, snap); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) eachPolicy(ctx context.Context, volumeIDs []string, fn func(*domain.SnapshotPolicy) error) error {
	for _, volumeID := range volumeIDs {
		policies, err := s.policies.ListByVolume(ctx, volumeID)
		if err != nil {
			return fmt.Errorf("failed to list policies for volume %s: %w", volumeID, err)
		}
		for _, p := range policies {
			if err := fn(p); err != nil {
				return fmt.Errorf("failed to update policy %s: %w", p.ID, err)
			}
		}
	}
	return nil
}

func (s *Scheduler) logAudit(ctx context.Context, accountID string, action domain.AuditAction, resourceType, resourceID string, details map[string]any) {
	if s.audit != nil {
		s.audit.LogAction(ctx, accountID, action, resourceType, resourceID, details)
	}
}
