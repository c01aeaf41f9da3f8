// Package domain contains the core business entities for the Quantix orchestration core.
package domain

import (
	"time"
)

// DRSMode defines the automation level for Distributed Resource Scheduler.
type DRSMode string

const (
	// DRSModeManual requires admin approval for all recommendations.
	DRSModeManual DRSMode = "manual"
	// DRSModePartiallyAutomated applies critical recommendations automatically.
	DRSModePartiallyAutomated DRSMode = "partially_automated"
	// DRSModeFullyAutomated applies all recommendations automatically.
	DRSModeFullyAutomated DRSMode = "fully_automated"
)

// Cluster represents a logical grouping of hypervisor hosts. VMs only move
// between hosts of the same cluster.
type Cluster struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// High Availability configuration
	HAEnabled bool `json:"ha_enabled"`

	// Distributed Resource Scheduler configuration
	DRSEnabled bool    `json:"drs_enabled"`
	DRSMode    DRSMode `json:"drs_mode"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServiceOffering describes the compute shape of a VM.
type ServiceOffering struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CPU       int32  `json:"cpu"`
	MemoryMiB int64  `json:"memory_mib"`
	// HostTags is a comma-separated list of tags a host must carry.
	HostTags string `json:"host_tags,omitempty"`
	OfferHA  bool   `json:"offer_ha"`
}

// RequiredTags returns the parsed host tags required by the offering.
func (o *ServiceOffering) RequiredTags() []string {
	return ParseTags(o.HostTags)
}
