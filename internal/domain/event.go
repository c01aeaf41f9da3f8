package domain

import (
	"time"
)

// =============================================================================
// AUDIT
// =============================================================================

// AuditAction is the verb recorded in the audit log.
type AuditAction string

const (
	AuditVMCreate        AuditAction = "VM.CREATE"
	AuditVMStart         AuditAction = "VM.START"
	AuditVMStop          AuditAction = "VM.STOP"
	AuditVMReboot        AuditAction = "VM.REBOOT"
	AuditVMReset         AuditAction = "VM.RESET"
	AuditVMDestroy       AuditAction = "VM.DESTROY"
	AuditVMRecover       AuditAction = "VM.RECOVER"
	AuditVMExpunge       AuditAction = "VM.EXPUNGE"
	AuditVMMigrate       AuditAction = "VM.MIGRATE"
	AuditVMScale         AuditAction = "VM.SCALE"
	AuditNICCreate       AuditAction = "NIC.CREATE"
	AuditHostPrepare     AuditAction = "HOST.MAINTENANCE.PREPARE"
	AuditHostMaintenance AuditAction = "HOST.MAINTENANCE"
	AuditHostCancel      AuditAction = "HOST.MAINTENANCE.CANCEL"
	AuditHostReconnect   AuditAction = "HOST.RECONNECT"
	AuditSnapshotCreate  AuditAction = "SNAPSHOT.CREATE"
	AuditSnapshotDelete  AuditAction = "SNAPSHOT.DELETE"
	AuditSnapshotPurge   AuditAction = "SNAPSHOT.PURGE"
	AuditPolicyCreate    AuditAction = "SNAPSHOTPOLICY.CREATE"
	AuditPolicyDelete    AuditAction = "SNAPSHOTPOLICY.DELETE"
	AuditAccountDelete   AuditAction = "ACCOUNT.DELETE"
	AuditLimitUpdate     AuditAction = "RESOURCE.LIMIT.UPDATE"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"account_id,omitempty"`
	Action       AuditAction    `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// =============================================================================
// ALERTS
// =============================================================================

// AlertSeverity represents the severity of an alert.
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "CRITICAL"
	AlertSeverityWarning  AlertSeverity = "WARNING"
	AlertSeverityInfo     AlertSeverity = "INFO"
)

// AlertSourceType represents the source of an alert.
type AlertSourceType string

const (
	AlertSourceVM       AlertSourceType = "VM"
	AlertSourceHost     AlertSourceType = "HOST"
	AlertSourceSnapshot AlertSourceType = "SNAPSHOT"
	AlertSourceCluster  AlertSourceType = "CLUSTER"
)

// Alert represents a system alert.
type Alert struct {
	ID         string          `json:"id"`
	Severity   AlertSeverity   `json:"severity"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	SourceType AlertSourceType `json:"source_type"`
	SourceID   string          `json:"source_id"`
	Resolved   bool            `json:"resolved"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
