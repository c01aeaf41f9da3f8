package snapshot_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/driver"
	"github.com/limiquantix/orchestrator/internal/lock"
	"github.com/limiquantix/orchestrator/internal/repository/memory"
	"github.com/limiquantix/orchestrator/internal/snapshot"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeLedger struct {
	mu    sync.Mutex
	usage map[string]int64
	limit int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{usage: make(map[string]int64), limit: -1}
}

func (l *fakeLedger) Reserve(ctx context.Context, accountID string, rt domain.ResourceType, delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit >= 0 && l.usage[accountID]+delta > l.limit {
		return &domain.LimitExceededError{OwnerID: accountID, OwnerKind: domain.OwnerAccount, ResourceType: rt, Limit: l.limit, Usage: l.usage[accountID], Requested: delta}
	}
	l.usage[accountID] += delta
	return nil
}

func (l *fakeLedger) Release(ctx context.Context, accountID string, rt domain.ResourceType, delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage[accountID] -= delta
	if l.usage[accountID] < 0 {
		l.usage[accountID] = 0
	}
	return nil
}

func (l *fakeLedger) get(accountID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage[accountID]
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerts) SnapshotAlert(ctx context.Context, severity domain.AlertSeverity, snapshotID, title, message string) (*domain.Alert, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, snapshotID)
	return &domain.Alert{SourceID: snapshotID, Title: title}, nil
}

func (a *recordingAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

// countingPrimary tracks concurrent CreateSnapshot calls.
type countingPrimary struct {
	delay  time.Duration
	active int32
	peak   int32
}

func (p *countingPrimary) CreateSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	n := atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)
	for {
		peak := atomic.LoadInt32(&p.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&p.peak, peak, n) {
			break
		}
	}
	time.Sleep(p.delay)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fixture struct {
	sched     *snapshot.Scheduler
	policies  *memory.PolicyRepository
	snapshots *memory.SnapshotRepository
	volumes   *memory.VolumeRepository
	vms       *memory.VMRepository
	ledger    *fakeLedger
	driver    *driver.Simulated
	alerts    *recordingAlerts
	clock     *clock
}

func newFixture(t *testing.T, cfg config.SnapshotConfig) *fixture {
	t.Helper()
	f := &fixture{
		policies:  memory.NewPolicyRepository(),
		snapshots: memory.NewSnapshotRepository(),
		volumes:   memory.NewVolumeRepository(),
		vms:       memory.NewVMRepository(),
		ledger:    newFakeLedger(),
		driver:    driver.NewSimulated(zap.NewNop()),
		alerts:    &recordingAlerts{},
		clock:     &clock{now: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)},
	}
	if cfg.BackupRetryDelay == 0 {
		cfg.BackupRetryDelay = time.Millisecond
	}
	f.sched = snapshot.New(f.policies, f.snapshots, f.volumes, f.vms, f.ledger, lock.NewKeyedLocker(), f.driver, f.driver, cfg, nil, zap.NewNop())
	f.sched.SetAlerts(f.alerts)
	f.sched.SetClock(f.clock.Now)
	return f
}

func (f *fixture) addVolume(t *testing.T, id, vmID string) *domain.Volume {
	t.Helper()
	vol, err := f.volumes.Create(context.Background(), &domain.Volume{
		ID:        id,
		Name:      id,
		AccountID: "acct-1",
		VMID:      vmID,
		Type:      domain.VolumeTypeRoot,
		SizeGiB:   20,
	})
	if err != nil {
		t.Fatalf("Create volume failed: %v", err)
	}
	return vol
}

func (f *fixture) hourlyPolicy(t *testing.T, volumeID string, maxSnaps int) *domain.SnapshotPolicy {
	t.Helper()
	p, err := f.sched.CreatePolicy(context.Background(), &domain.SnapshotPolicy{
		VolumeID:     volumeID,
		IntervalType: domain.IntervalHourly,
		Schedule:     "00",
		Timezone:     "UTC",
		MaxSnaps:     maxSnaps,
	})
	if err != nil {
		t.Fatalf("CreatePolicy failed: %v", err)
	}
	return p
}

// fireHours runs the scheduler once per hour, n times.
func (f *fixture) fireHours(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		now := f.clock.Advance(time.Hour)
		report, err := f.sched.RunOnce(context.Background(), now)
		if err != nil {
			t.Fatalf("RunOnce failed: %v", err)
		}
		if len(report.Failed) > 0 {
			t.Fatalf("unexpected failures: %v", report.Failed)
		}
	}
}

func countStates(snaps []*domain.Snapshot) (live, present int) {
	for _, s := range snaps {
		if s.IsLive() {
			live++
		}
		if s.PhysicallyPresent {
			present++
		}
	}
	return live, present
}

// =============================================================================
// Policy Tests
// =============================================================================

func TestScheduler_CreatePolicy(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 4})
	f.addVolume(t, "vol-1", "")

	p := f.hourlyPolicy(t, "vol-1", 3)
	if !p.Active || p.AccountID != "acct-1" {
		t.Errorf("unexpected policy: %+v", p)
	}
	if want := time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC); !p.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %s, want %s", p.NextFireAt, want)
	}

	_, err := f.sched.CreatePolicy(context.Background(), &domain.SnapshotPolicy{
		VolumeID: "vol-1", IntervalType: domain.IntervalHourly, Schedule: "30", MaxSnaps: 1,
	})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists for second hourly policy, got %v", err)
	}
}

func TestScheduler_MaxSnapsAboveDeltaMaxRejected(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 4})
	f.addVolume(t, "vol-1", "")

	_, err := f.sched.CreatePolicy(context.Background(), &domain.SnapshotPolicy{
		VolumeID: "vol-1", IntervalType: domain.IntervalDaily, Schedule: "00:01", MaxSnaps: 5,
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	p := f.hourlyPolicy(t, "vol-1", 4)
	tooMany := 8
	if _, err := f.sched.UpdatePolicy(context.Background(), p.ID, snapshot.PolicyUpdate{MaxSnaps: &tooMany}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument on update, got %v", err)
	}
}

func TestScheduler_UpdatePolicyRecomputesNextFire(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 4})
	f.addVolume(t, "vol-1", "")
	p := f.hourlyPolicy(t, "vol-1", 2)

	schedule := "45"
	updated, err := f.sched.UpdatePolicy(context.Background(), p.ID, snapshot.PolicyUpdate{Schedule: &schedule})
	if err != nil {
		t.Fatalf("UpdatePolicy failed: %v", err)
	}
	if want := time.Date(2026, 10, 19, 10, 45, 0, 0, time.UTC); !updated.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %s, want %s", updated.NextFireAt, want)
	}
}

// =============================================================================
// Snapshot Tests
// =============================================================================

func TestScheduler_TakeSnapshot(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 4})
	f.addVolume(t, "vol-1", "")

	snap, err := f.sched.TakeSnapshot(context.Background(), "vol-1", "")
	if err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	if snap.State != domain.SnapshotStateBackedUp || !snap.PhysicallyPresent || snap.BackupSnapID == "" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.IntervalType != domain.IntervalManual {
		t.Errorf("expected manual interval, got %s", snap.IntervalType)
	}
	if got := f.ledger.get("acct-1"); got != 1 {
		t.Errorf("expected 1 snapshot unit reserved, got %d", got)
	}
}

func TestScheduler_CopyFailureLeavesCreatedOnPrimary(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 4})
	f.addVolume(t, "vol-1", "")

	copyErr := errors.New("secondary storage unreachable")
	primary := &countingPrimary{}
	secondary := &failingSecondary{err: copyErr}
	sched := snapshot.New(f.policies, f.snapshots, f.volumes, f.vms, f.ledger, lock.NewKeyedLocker(), primary, secondary,
		config.SnapshotConfig{DeltaMax: 4, BackupRetries: 2, BackupRetryDelay: time.Millisecond}, nil, zap.NewNop())
	sched.SetAlerts(f.alerts)

	snap, err := sched.TakeSnapshot(context.Background(), "vol-1", "")
	var failure *domain.SnapshotFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("expected SnapshotFailureError, got %v", err)
	}
	if !errors.Is(err, copyErr) || !domain.IsRetryable(err) {
		t.Errorf("expected wrapped retryable copy error, got %v", err)
	}
	if snap == nil || snap.State != domain.SnapshotStateCreatedOnPrimary || snap.PhysicallyPresent {
		t.Errorf("expected CreatedOnPrimary snapshot, got %+v", snap)
	}
	if got := atomic.LoadInt32(&secondary.calls); got != 3 {
		t.Errorf("expected 3 copy attempts, got %d", got)
	}
	if f.alerts.count() != 1 {
		t.Errorf("expected 1 alert, got %d", f.alerts.count())
	}
	if got := f.ledger.get("acct-1"); got != 1 {
		t.Errorf("expected the primary snapshot to keep its unit, got %d", got)
	}
}

type failingSecondary struct {
	err   error
	calls int32
}

func (s *failingSecondary) CopyToSecondary(ctx context.Context, snapshotID string) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	return "", s.err
}

func (s *failingSecondary) PurgeFromSecondary(ctx context.Context, snapshotID string) error {
	return nil
}

func TestScheduler_PrimaryFailureReleasesUnit(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 4})
	f.addVolume(t, "vol-1", "")

	sched := snapshot.New(f.policies, f.snapshots, f.volumes, f.vms, f.ledger, lock.NewKeyedLocker(),
		primaryFunc(func(ctx context.Context, snap *domain.Snapshot) error { return errors.New("disk busy") }),
		f.driver, config.SnapshotConfig{DeltaMax: 4}, nil, zap.NewNop())

	if _, err := sched.TakeSnapshot(context.Background(), "vol-1", ""); !errors.Is(err, domain.ErrSnapshotFailure) {
		t.Fatalf("expected ErrSnapshotFailure, got %v", err)
	}
	if got := f.ledger.get("acct-1"); got != 0 {
		t.Errorf("expected reservation released, got %d", got)
	}
	snaps, _ := f.snapshots.ListByVolume(context.Background(), "vol-1")
	if len(snaps) != 0 {
		t.Errorf("expected no snapshot record, got %d", len(snaps))
	}
}

type primaryFunc func(ctx context.Context, snap *domain.Snapshot) error

func (f primaryFunc) CreateSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	return f(ctx, snap)
}

func TestScheduler_LedgerLimitRefusesSnapshot(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 4})
	f.addVolume(t, "vol-1", "")
	f.ledger.limit = 0

	if _, err := f.sched.TakeSnapshot(context.Background(), "vol-1", ""); !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if got := f.driver.Count(driver.OpSnapshot); got != 0 {
		t.Errorf("expected no driver call, got %d", got)
	}
}

// =============================================================================
// Retention Tests
// =============================================================================

func TestScheduler_LogicalRetention(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 16})
	f.addVolume(t, "vol-1", "")
	p := f.hourlyPolicy(t, "vol-1", 2)

	f.fireHours(t, 4)

	snaps, _ := f.snapshots.ListByPolicy(context.Background(), p.ID)
	if len(snaps) != 4 {
		t.Fatalf("expected 4 snapshots, got %d", len(snaps))
	}
	live, present := countStates(snaps)
	if live != 2 || present != 4 {
		t.Errorf("expected 2 live and 4 present, got %d live and %d present", live, present)
	}
	if snaps[0].IsLive() || snaps[1].IsLive() {
		t.Error("expected the two oldest snapshots to be destroyed")
	}
	if got := f.ledger.get("acct-1"); got != 2 {
		t.Errorf("expected 2 units reserved, got %d", got)
	}
}

func TestScheduler_PhysicalRetention(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 3})
	f.addVolume(t, "vol-1", "")
	p := f.hourlyPolicy(t, "vol-1", 2)

	f.fireHours(t, 5)

	snaps, _ := f.snapshots.ListByPolicy(context.Background(), p.ID)
	live, present := countStates(snaps)
	if live != 2 || present != 3 {
		t.Fatalf("expected 2 live and 3 present, got %d live and %d present", live, present)
	}
	for i, s := range snaps {
		wantPresent := i >= 2
		if s.PhysicallyPresent != wantPresent {
			t.Errorf("snapshot %d: present = %v, want %v", i, s.PhysicallyPresent, wantPresent)
		}
		if !s.PhysicallyPresent && f.driver.HasBackup(s.ID) {
			t.Errorf("snapshot %d still has a backup", i)
		}
	}
}

func TestScheduler_PhysicalRetentionNeverPurgesLive(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 2})
	f.addVolume(t, "vol-1", "")

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		if _, err := f.sched.TakeSnapshot(context.Background(), "vol-1", ""); err != nil {
			t.Fatalf("TakeSnapshot failed: %v", err)
		}
	}
	snaps, _ := f.snapshots.ListByVolume(context.Background(), "vol-1")
	if _, present := countStates(snaps); present != 3 {
		t.Fatalf("expected all 3 live backups kept, got %d", present)
	}

	deleted, err := f.sched.DeleteSnapshot(context.Background(), snaps[1].ID)
	if err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}
	if deleted.IsLive() {
		t.Error("expected snapshot destroyed")
	}

	snaps, _ = f.snapshots.ListByVolume(context.Background(), "vol-1")
	if snaps[1].PhysicallyPresent {
		t.Error("expected the destroyed snapshot to be purged")
	}
	if !snaps[0].PhysicallyPresent || !snaps[2].PhysicallyPresent {
		t.Error("expected live snapshots to stay present")
	}
	if got := f.ledger.get("acct-1"); got != 2 {
		t.Errorf("expected 2 units reserved, got %d", got)
	}
}

// slowSnapshotGet delays Get so concurrent callers read the same state.
type slowSnapshotGet struct {
	*memory.SnapshotRepository
	delay time.Duration
}

func (r slowSnapshotGet) Get(ctx context.Context, id string) (*domain.Snapshot, error) {
	time.Sleep(r.delay)
	return r.SnapshotRepository.Get(ctx, id)
}

func TestScheduler_ConcurrentDeleteReleasesOnce(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 16})
	f.addVolume(t, "vol-1", "")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		snap, err := f.sched.TakeSnapshot(ctx, "vol-1", "")
		if err != nil {
			t.Fatalf("TakeSnapshot failed: %v", err)
		}
		ids = append(ids, snap.ID)
	}

	sched := snapshot.New(f.policies, slowSnapshotGet{SnapshotRepository: f.snapshots, delay: 5 * time.Millisecond},
		f.volumes, f.vms, f.ledger, lock.NewKeyedLocker(), f.driver, f.driver, config.SnapshotConfig{DeltaMax: 16}, nil, zap.NewNop())

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sched.DeleteSnapshot(ctx, ids[0]); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("DeleteSnapshot failed: %v", err)
	}
	if got := f.ledger.get("acct-1"); got != 2 {
		t.Errorf("expected 2 units held after deleting one snapshot twice, got %d", got)
	}
	got, err := f.snapshots.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.IsLive() {
		t.Error("expected snapshot destroyed")
	}
}

func TestScheduler_DeleteRacingPurgeReleasesOnce(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 16})
	f.addVolume(t, "vol-1", "")
	f.addVolume(t, "vol-2", "")
	ctx := context.Background()

	var ids []string
	for _, volumeID := range []string{"vol-1", "vol-1", "vol-2"} {
		f.clock.Advance(time.Minute)
		snap, err := f.sched.TakeSnapshot(ctx, volumeID, "")
		if err != nil {
			t.Fatalf("TakeSnapshot failed: %v", err)
		}
		ids = append(ids, snap.ID)
	}

	counting := &releaseCounter{fakeLedger: f.ledger}
	sched := snapshot.New(f.policies, slowSnapshotGet{SnapshotRepository: f.snapshots, delay: 5 * time.Millisecond},
		f.volumes, f.vms, counting, lock.NewKeyedLocker(), f.driver, f.driver, config.SnapshotConfig{DeltaMax: 16}, nil, zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := sched.DeleteSnapshot(ctx, ids[0]); err != nil {
			t.Errorf("DeleteSnapshot failed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := sched.PurgeAccount(ctx, "acct-1"); err != nil {
			t.Errorf("PurgeAccount failed: %v", err)
		}
	}()
	wg.Wait()

	if got := counting.count(); got != 3 {
		t.Errorf("expected one release per snapshot (3), got %d", got)
	}
	snaps, _ := f.snapshots.ListByAccount(ctx, "acct-1")
	if live, present := countStates(snaps); live != 0 || present != 0 {
		t.Errorf("expected nothing live or present, got %d live and %d present", live, present)
	}
}

// releaseCounter counts Release calls on top of fakeLedger.
type releaseCounter struct {
	*fakeLedger
	releases int32
}

func (c *releaseCounter) Release(ctx context.Context, accountID string, rt domain.ResourceType, delta int64) error {
	atomic.AddInt32(&c.releases, 1)
	return c.fakeLedger.Release(ctx, accountID, rt, delta)
}

func (c *releaseCounter) count() int32 { return atomic.LoadInt32(&c.releases) }

// =============================================================================
// Scheduling Tests
// =============================================================================

func TestScheduler_MissedFiresCoalesce(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 16})
	f.addVolume(t, "vol-1", "")
	p := f.hourlyPolicy(t, "vol-1", 10)

	now := f.clock.Advance(3*time.Hour + 30*time.Minute)
	report, err := f.sched.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if report.Fired != 1 || len(report.Succeeded) != 1 {
		t.Errorf("expected a single coalesced fire, got %+v", report)
	}

	updated, _ := f.policies.Get(context.Background(), p.ID)
	if want := time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC); !updated.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %s, want %s", updated.NextFireAt, want)
	}

	due, err := f.sched.DueSnapshots(context.Background(), now)
	if err != nil {
		t.Fatalf("DueSnapshots failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected nothing due, got %d", len(due))
	}
}

func TestScheduler_SuspendAndResume(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 16})
	f.addVolume(t, "vol-1", "vm-1")
	p := f.hourlyPolicy(t, "vol-1", 5)
	ctx := context.Background()

	if err := f.sched.SuspendVolumes(ctx, []string{"vol-1"}); err != nil {
		t.Fatalf("SuspendVolumes failed: %v", err)
	}
	f.fireHours(t, 2)
	if snaps, _ := f.snapshots.ListByVolume(ctx, "vol-1"); len(snaps) != 0 {
		t.Fatalf("expected no snapshots while suspended, got %d", len(snaps))
	}

	if err := f.sched.ResumeVolumes(ctx, []string{"vol-1"}); err != nil {
		t.Fatalf("ResumeVolumes failed: %v", err)
	}
	resumed, _ := f.policies.Get(ctx, p.ID)
	if !resumed.Active || !resumed.NextFireAt.After(f.clock.Now()) {
		t.Errorf("expected active policy firing in the future, got %+v", resumed)
	}

	f.fireHours(t, 1)
	if snaps, _ := f.snapshots.ListByVolume(ctx, "vol-1"); len(snaps) != 1 {
		t.Errorf("expected 1 snapshot after resume, got %d", len(snaps))
	}

	if err := f.sched.DeletePoliciesForVolumes(ctx, []string{"vol-1"}); err != nil {
		t.Fatalf("DeletePoliciesForVolumes failed: %v", err)
	}
	if policies, _ := f.sched.ListPolicies(ctx, "vol-1"); len(policies) != 0 {
		t.Errorf("expected policies deleted, got %d", len(policies))
	}
}

func TestScheduler_PurgeAccount(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 16})
	f.addVolume(t, "vol-1", "")
	f.hourlyPolicy(t, "vol-1", 2)
	f.fireHours(t, 3)

	if err := f.sched.PurgeAccount(context.Background(), "acct-1"); err != nil {
		t.Fatalf("PurgeAccount failed: %v", err)
	}

	snaps, _ := f.snapshots.ListByAccount(context.Background(), "acct-1")
	live, present := countStates(snaps)
	if live != 0 || present != 0 {
		t.Errorf("expected nothing live or present, got %d live and %d present", live, present)
	}
	if got := f.ledger.get("acct-1"); got != 0 {
		t.Errorf("expected all units released, got %d", got)
	}
}

func TestScheduler_PerHostConcurrency(t *testing.T) {
	f := newFixture(t, config.SnapshotConfig{DeltaMax: 16, ConcurrentPerHost: 1})
	ctx := context.Background()

	for _, id := range []string{"vm-a", "vm-b", "vm-c"} {
		if _, err := f.vms.Create(ctx, &domain.VirtualMachine{ID: id, Name: id, AccountID: "acct-1", HostID: "host-1", State: domain.VMStateRunning}); err != nil {
			t.Fatalf("Create VM failed: %v", err)
		}
		f.addVolume(t, "vol-"+id, id)
	}

	primary := &countingPrimary{delay: 20 * time.Millisecond}
	sched := snapshot.New(f.policies, f.snapshots, f.volumes, f.vms, f.ledger, lock.NewKeyedLocker(), primary, f.driver,
		config.SnapshotConfig{DeltaMax: 16, ConcurrentPerHost: 1}, nil, zap.NewNop())

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, id := range []string{"vm-a", "vm-b", "vm-c"} {
		wg.Add(1)
		go func(volumeID string) {
			defer wg.Done()
			if _, err := sched.TakeSnapshot(ctx, volumeID, ""); err != nil {
				errs <- err
			}
		}("vol-" + id)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("TakeSnapshot failed: %v", err)
	}
	if got := atomic.LoadInt32(&primary.peak); got != 1 {
		t.Errorf("expected snapshots on one host to queue, peak concurrency %d", got)
	}
}
