// Package domain contains domain models and business logic errors.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrResourceExhausted is returned when resources are not available.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrOperationFailed is returned when an operation fails.
	ErrOperationFailed = errors.New("operation failed")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrUnavailable is returned when a service or resource is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrInvalidTransition is returned when a state machine refuses a transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrLimitExceeded is returned when a reservation would push usage above a limit.
	ErrLimitExceeded = errors.New("resource limit exceeded")

	// ErrNoSuitableHost is returned when placement finds no eligible host.
	ErrNoSuitableHost = errors.New("no suitable host")

	// ErrIncompatibleTarget is returned when a migration target fails validation.
	ErrIncompatibleTarget = errors.New("incompatible migration target")

	// ErrSnapshotFailure is returned when a snapshot could not be created or backed up.
	ErrSnapshotFailure = errors.New("snapshot failure")

	// ErrMaintenanceStuck is returned when a host could not be fully evacuated.
	ErrMaintenanceStuck = errors.New("maintenance stuck")

	// ErrNotCancellable is returned when a job can no longer be cancelled.
	ErrNotCancellable = errors.New("job not cancellable")
)

// LimitExceededError reports the tightest limit that refused a reservation.
type LimitExceededError struct {
	OwnerID      string
	OwnerKind    OwnerKind
	ResourceType ResourceType
	Limit        int64
	Usage        int64
	Requested    int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded for %s %s: limit %d, usage %d, requested %d",
		e.ResourceType, e.OwnerKind, e.OwnerID, e.Limit, e.Usage, e.Requested)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// Headroom returns how many more units the binding owner could accept.
func (e *LimitExceededError) Headroom() int64 {
	if h := e.Limit - e.Usage; h > 0 {
		return h
	}
	return 0
}

// NoSuitableHostError carries the per-host rejection reasons gathered during placement.
type NoSuitableHostError struct {
	ClusterID string
	Checked   int
	Reasons   map[string]string
}

func (e *NoSuitableHostError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("no suitable host in cluster %s (%d checked)", e.ClusterID, e.Checked)
	}
	parts := make([]string, 0, len(e.Reasons))
	for id, reason := range e.Reasons {
		parts = append(parts, id+": "+reason)
	}
	return fmt.Sprintf("no suitable host in cluster %s (%d checked): %s",
		e.ClusterID, e.Checked, strings.Join(parts, "; "))
}

func (e *NoSuitableHostError) Unwrap() error { return ErrNoSuitableHost }

// IncompatibleTargetError explains why a host cannot receive a VM.
// Advisory reasons (HA tag, host tags, capacity) may be overridden by an
// administrator forcing the migration; the rest may not.
type IncompatibleTargetError struct {
	VMID     string
	HostID   string
	Reason   string
	Advisory bool
}

func (e *IncompatibleTargetError) Error() string {
	return fmt.Sprintf("host %s cannot receive VM %s: %s", e.HostID, e.VMID, e.Reason)
}

func (e *IncompatibleTargetError) Unwrap() error { return ErrIncompatibleTarget }

// SnapshotFailureError wraps the storage error that interrupted a snapshot.
type SnapshotFailureError struct {
	SnapshotID string
	VolumeID   string
	Err        error
}

func (e *SnapshotFailureError) Error() string {
	return fmt.Sprintf("snapshot %s of volume %s failed: %v", e.SnapshotID, e.VolumeID, e.Err)
}

func (e *SnapshotFailureError) Unwrap() []error { return []error{ErrSnapshotFailure, e.Err} }

// MaintenanceStuckError lists the VMs that could not be evacuated.
type MaintenanceStuckError struct {
	HostID    string
	FailedVMs map[string]string
}

func (e *MaintenanceStuckError) Error() string {
	return fmt.Sprintf("host %s stuck in PrepareForMaintenance: %d VM(s) failed to migrate",
		e.HostID, len(e.FailedVMs))
}

func (e *MaintenanceStuckError) Unwrap() error { return ErrMaintenanceStuck }

// IsRetryable reports whether err is transient and the operation may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSnapshotFailure) || errors.Is(err, ErrUnavailable)
}
