package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// HostState represents the resource state of a hypervisor host.
type HostState string

const (
	HostStateUp                    HostState = "Up"
	HostStateDisconnected          HostState = "Disconnected"
	HostStateDown                  HostState = "Down"
	HostStatePrepareForMaintenance HostState = "PrepareForMaintenance"
	HostStateMaintenance           HostState = "Maintenance"
	HostStateErrorInMaintenance    HostState = "ErrorInMaintenance"
)

var hostTransitions = map[HostState][]HostState{
	HostStateUp:                    {HostStatePrepareForMaintenance, HostStateDisconnected, HostStateDown},
	HostStateDisconnected:          {HostStateUp, HostStateDown, HostStatePrepareForMaintenance},
	HostStateDown:                  {HostStateUp, HostStateDisconnected},
	HostStatePrepareForMaintenance: {HostStateMaintenance, HostStateErrorInMaintenance, HostStateUp},
	HostStateErrorInMaintenance:    {HostStatePrepareForMaintenance, HostStateUp},
	HostStateMaintenance:           {HostStateUp},
}

// CanTransition reports whether the host state machine allows from -> to.
func (s HostState) CanTransition(to HostState) bool {
	return lo.Contains(hostTransitions[s], to)
}

// InMaintenance reports whether the host is in any maintenance state.
func (s HostState) InMaintenance() bool {
	switch s {
	case HostStatePrepareForMaintenance, HostStateMaintenance, HostStateErrorInMaintenance:
		return true
	}
	return false
}

// Host represents a physical hypervisor host.
type Host struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ManagementIP string    `json:"management_ip"`
	ClusterID    string    `json:"cluster_id"`
	State        HostState `json:"state"`
	// Tags is the raw comma-separated host tag string.
	Tags string `json:"tags,omitempty"`

	CPUCores  int32 `json:"cpu_cores"`
	MemoryMiB int64 `json:"memory_mib"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// TagSet returns the parsed host tags.
func (h *Host) TagSet() []string {
	return ParseTags(h.Tags)
}

// HasAllTags reports whether the host carries every tag in required.
func (h *Host) HasAllTags(required []string) bool {
	return HasAllTags(h.TagSet(), required)
}

// IsHAHost reports whether the host carries any of the configured HA tags.
func (h *Host) IsHAHost(haTags []string) bool {
	if len(haTags) == 0 {
		return false
	}
	return len(lo.Intersect(h.TagSet(), haTags)) > 0
}

// IsUp reports whether the host can accept work.
func (h *Host) IsUp() bool {
	return h.State == HostStateUp
}

// ParseTags splits a comma-separated tag string into a sorted, de-duplicated slice.
func ParseTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	tags := lo.FilterMap(strings.Split(s, ","), func(t string, _ int) (string, bool) {
		t = strings.TrimSpace(t)
		return t, t != ""
	})
	tags = lo.Uniq(tags)
	sort.Strings(tags)
	return tags
}

// HasAllTags reports whether have is a superset of required.
func HasAllTags(have, required []string) bool {
	return lo.Every(have, required)
}
