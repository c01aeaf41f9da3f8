package domain

import (
	"fmt"
	"time"
)

// VolumeType distinguishes boot disks from data disks.
type VolumeType string

const (
	VolumeTypeRoot     VolumeType = "ROOT"
	VolumeTypeDataDisk VolumeType = "DATADISK"
)

// Volume is a block device on primary storage.
type Volume struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	AccountID string     `json:"account_id"`
	VMID      string     `json:"vm_id,omitempty"`
	Type      VolumeType `json:"type"`
	SizeGiB   int64      `json:"size_gib"`
	CreatedAt time.Time  `json:"created_at"`
}

// SnapshotState represents the lifecycle state of a volume snapshot.
type SnapshotState string

const (
	SnapshotStateCreatedOnPrimary SnapshotState = "CreatedOnPrimary"
	SnapshotStateBackedUp         SnapshotState = "BackedUp"
	SnapshotStateDestroyed        SnapshotState = "Destroyed"
)

// IntervalType is the recurrence of a snapshot policy.
type IntervalType string

const (
	IntervalManual  IntervalType = "MANUAL"
	IntervalHourly  IntervalType = "HOURLY"
	IntervalDaily   IntervalType = "DAILY"
	IntervalWeekly  IntervalType = "WEEKLY"
	IntervalMonthly IntervalType = "MONTHLY"
)

// Snapshot references a volume at a point in time.
type Snapshot struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	VolumeID     string        `json:"volume_id"`
	AccountID    string        `json:"account_id"`
	PolicyID     string        `json:"policy_id,omitempty"`
	IntervalType IntervalType  `json:"interval_type"`
	State        SnapshotState `json:"state"`
	// BackupSnapID locates the replica on secondary storage once copied.
	BackupSnapID string `json:"backup_snap_id,omitempty"`
	// PhysicallyPresent is true while the secondary-storage replica exists.
	// A Destroyed snapshot may remain physically present.
	PhysicallyPresent bool   `json:"physically_present"`
	SizeGiB           int64  `json:"size_gib"`
	Message           string `json:"message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty"`
	PurgedAt    *time.Time `json:"purged_at,omitempty"`
}

// IsLive reports whether the snapshot counts toward a policy's maxsnaps.
func (s *Snapshot) IsLive() bool {
	return s.State != SnapshotStateDestroyed
}

// SnapshotPolicy schedules recurring snapshots of one volume.
//
// Schedule encoding by interval type:
//
//	HOURLY  "MM"        minute of the hour
//	DAILY   "MM:HH"     minute, hour
//	WEEKLY  "MM:HH:D"   minute, hour, day of week (1 = Sunday)
//	MONTHLY "MM:HH:DD"  minute, hour, day of month
type SnapshotPolicy struct {
	ID           string       `json:"id"`
	VolumeID     string       `json:"volume_id"`
	AccountID    string       `json:"account_id"`
	IntervalType IntervalType `json:"interval_type"`
	Schedule     string       `json:"schedule"`
	Timezone     string       `json:"timezone"`
	MaxSnaps     int          `json:"max_snaps"`
	// Active is false while the owning VM is soft-deleted.
	Active     bool      `json:"active"`
	NextFireAt time.Time `json:"next_fire_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks the static fields of a policy.
func (p *SnapshotPolicy) Validate() error {
	switch p.IntervalType {
	case IntervalHourly, IntervalDaily, IntervalWeekly, IntervalMonthly:
	default:
		return fmt.Errorf("%w: unsupported interval type %q", ErrInvalidArgument, p.IntervalType)
	}
	if p.VolumeID == "" {
		return fmt.Errorf("%w: volume id is required", ErrInvalidArgument)
	}
	if p.MaxSnaps < 1 {
		return fmt.Errorf("%w: maxsnaps must be at least 1", ErrInvalidArgument)
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidArgument, p.Timezone)
	}
	return nil
}
