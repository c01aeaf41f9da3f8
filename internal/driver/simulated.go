package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Op names a driver operation.
type Op string

const (
	OpCreateVM      Op = "create_vm"
	OpStartVM       Op = "start_vm"
	OpStopVM        Op = "stop_vm"
	OpRebootVM      Op = "reboot_vm"
	OpResetVM       Op = "reset_vm"
	OpAttachNIC     Op = "attach_nic"
	OpMigrateVM     Op = "migrate_vm"
	OpDestroyVM     Op = "destroy_vm"
	OpDrainHost     Op = "drain_host"
	OpReconnectHost Op = "reconnect_host"
	OpSnapshot      Op = "create_snapshot"
	OpCopy          Op = "copy_to_secondary"
	OpPurge         Op = "purge_from_secondary"
)

// Call records one driver invocation.
type Call struct {
	Op     Op
	ID     string
	Target string
}

var (
	_ Hypervisor     = (*Simulated)(nil)
	_ PrimaryStore   = (*Simulated)(nil)
	_ SecondaryStore = (*Simulated)(nil)
)

// Simulated is an in-process driver. Operations succeed after an optional
// delay unless a failure was injected with FailOn.
type Simulated struct {
	mu       sync.Mutex
	delay    time.Duration
	failures map[string]error
	calls    []Call
	backups  map[string]string
	logger   *zap.Logger
}

// NewSimulated creates a simulated driver.
func NewSimulated(logger *zap.Logger) *Simulated {
	return &Simulated{
		failures: make(map[string]error),
		backups:  make(map[string]string),
		logger:   logger.With(zap.String("component", "simulated-driver")),
	}
}

// SetDelay makes every operation take d (or until its context is done).
func (s *Simulated) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// FailOn injects err for op on the given VM, host or snapshot ID. A nil err clears it.
func (s *Simulated) FailOn(op Op, id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(op) + ":" + id
	if err == nil {
		delete(s.failures, key)
		return
	}
	s.failures[key] = err
}

// Calls returns a copy of the recorded invocations.
func (s *Simulated) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many times op was invoked.
func (s *Simulated) Count(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// HasBackup reports whether the snapshot currently has a secondary copy.
func (s *Simulated) HasBackup(snapshotID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.backups[snapshotID]
	return ok
}

func (s *Simulated) do(ctx context.Context, op Op, id, target string) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: op, ID: id, Target: target})
	delay := s.delay
	err := s.failures[string(op)+":"+id]
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if err != nil {
		s.logger.Debug("Injected driver failure", zap.String("op", string(op)), zap.String("id", id), zap.Error(err))
		return err
	}
	return nil
}

func (s *Simulated) CreateVM(ctx context.Context, vm *domain.VirtualMachine, hostID string) error {
	return s.do(ctx, OpCreateVM, vm.ID, hostID)
}

func (s *Simulated) StartVM(ctx context.Context, vm *domain.VirtualMachine, hostID string) error {
	return s.do(ctx, OpStartVM, vm.ID, hostID)
}

func (s *Simulated) StopVM(ctx context.Context, vm *domain.VirtualMachine, force bool) error {
	return s.do(ctx, OpStopVM, vm.ID, vm.HostID)
}

func (s *Simulated) RebootVM(ctx context.Context, vm *domain.VirtualMachine) error {
	return s.do(ctx, OpRebootVM, vm.ID, vm.HostID)
}

func (s *Simulated) ResetVM(ctx context.Context, vm *domain.VirtualMachine) error {
	return s.do(ctx, OpResetVM, vm.ID, vm.HostID)
}

func (s *Simulated) AttachNIC(ctx context.Context, vm *domain.VirtualMachine, nic domain.NIC) error {
	return s.do(ctx, OpAttachNIC, vm.ID, nic.NetworkID)
}

func (s *Simulated) MigrateVM(ctx context.Context, vm *domain.VirtualMachine, targetHostID string) error {
	return s.do(ctx, OpMigrateVM, vm.ID, targetHostID)
}

func (s *Simulated) DestroyVM(ctx context.Context, vm *domain.VirtualMachine) error {
	return s.do(ctx, OpDestroyVM, vm.ID, vm.HostID)
}

func (s *Simulated) DrainHost(ctx context.Context, hostID string) error {
	return s.do(ctx, OpDrainHost, hostID, "")
}

func (s *Simulated) ReconnectHost(ctx context.Context, hostID string) error {
	return s.do(ctx, OpReconnectHost, hostID, "")
}

func (s *Simulated) CreateSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	return s.do(ctx, OpSnapshot, snap.ID, snap.VolumeID)
}

// CopyToSecondary returns the existing backup ID when the snapshot was already copied.
func (s *Simulated) CopyToSecondary(ctx context.Context, snapshotID string) (string, error) {
	if err := s.do(ctx, OpCopy, snapshotID, ""); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.backups[snapshotID]; ok {
		return id, nil
	}
	id := fmt.Sprintf("backup-%s", snapshotID)
	s.backups[snapshotID] = id
	return id, nil
}

// PurgeFromSecondary succeeds when the backup is already gone.
func (s *Simulated) PurgeFromSecondary(ctx context.Context, snapshotID string) error {
	if err := s.do(ctx, OpPurge, snapshotID, ""); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backups, snapshotID)
	return nil
}
