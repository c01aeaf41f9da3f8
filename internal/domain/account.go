package domain

import (
	"time"
)

// ResourceType identifies a counted resource.
type ResourceType string

const (
	ResourceUserVM           ResourceType = "user_vm"
	ResourceCPU              ResourceType = "cpu"
	ResourceMemory           ResourceType = "memory" // MiB
	ResourceVolume           ResourceType = "volume"
	ResourceSnapshot         ResourceType = "snapshot"
	ResourceTemplate         ResourceType = "template"
	ResourcePublicIP         ResourceType = "public_ip"
	ResourceNetwork          ResourceType = "network"
	ResourceVPC              ResourceType = "vpc"
	ResourcePrimaryStorage   ResourceType = "primary_storage"   // GiB
	ResourceSecondaryStorage ResourceType = "secondary_storage" // GiB
)

// ResourceTypes lists every counted resource type.
var ResourceTypes = []ResourceType{
	ResourceUserVM, ResourceCPU, ResourceMemory, ResourceVolume, ResourceSnapshot,
	ResourceTemplate, ResourcePublicIP, ResourceNetwork, ResourceVPC,
	ResourcePrimaryStorage, ResourceSecondaryStorage,
}

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	for _, rt := range ResourceTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// Unlimited is the limit value meaning no cap.
const Unlimited int64 = -1

// OwnerKind distinguishes domains from accounts in the owner table.
type OwnerKind string

const (
	OwnerDomain  OwnerKind = "domain"
	OwnerAccount OwnerKind = "account"
)

// Owner is a node of the domain tree. Domains nest under domains; accounts
// are leaves under a domain. Nodes refer to their parent by ID only.
type Owner struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      OwnerKind `json:"kind"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsRoot reports whether the owner is the tree root.
func (o *Owner) IsRoot() bool {
	return o.ParentID == ""
}

// ResourceDelta is one entry of a grouped reservation.
type ResourceDelta struct {
	Type  ResourceType `json:"type"`
	Delta int64        `json:"delta"`
}

// ResourceCount is a usage counter row.
type ResourceCount struct {
	OwnerID string       `json:"owner_id"`
	Type    ResourceType `json:"type"`
	Count   int64        `json:"count"`
}

// ResourceLimit is a limit row. Max of Unlimited means no cap.
type ResourceLimit struct {
	OwnerID string       `json:"owner_id"`
	Type    ResourceType `json:"type"`
	Max     int64        `json:"max"`
}

// UsageEntry pairs usage and effective limit for reporting.
type UsageEntry struct {
	Type  ResourceType `json:"type"`
	Usage int64        `json:"usage"`
	Limit int64        `json:"limit"`
}
