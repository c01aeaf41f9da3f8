package domain

import (
	"time"

	"github.com/samber/lo"
)

// VMState represents the lifecycle state of a virtual machine.
type VMState string

const (
	VMStateStarting  VMState = "Starting"
	VMStateRunning   VMState = "Running"
	VMStateStopping  VMState = "Stopping"
	VMStateStopped   VMState = "Stopped"
	VMStateMigrating VMState = "Migrating"
	VMStateDestroyed VMState = "Destroyed"
	VMStateExpunging VMState = "Expunging"
	VMStateError     VMState = "Error"
)

var vmTransitions = map[VMState][]VMState{
	VMStateStarting:  {VMStateRunning, VMStateStopped, VMStateError},
	VMStateRunning:   {VMStateStopping, VMStateMigrating, VMStateRunning, VMStateDestroyed, VMStateExpunging, VMStateError},
	VMStateStopping:  {VMStateStopped, VMStateRunning, VMStateError},
	VMStateStopped:   {VMStateStarting, VMStateStopped, VMStateDestroyed, VMStateExpunging, VMStateError},
	VMStateMigrating: {VMStateRunning, VMStateError},
	VMStateDestroyed: {VMStateStopped, VMStateExpunging},
	VMStateExpunging: {VMStateError},
	VMStateError:     {VMStateStopped, VMStateDestroyed, VMStateExpunging},
}

// CanTransition reports whether the VM state machine allows from -> to.
func (s VMState) CanTransition(to VMState) bool {
	return lo.Contains(vmTransitions[s], to)
}

// VirtualMachine represents a virtual machine in the system.
type VirtualMachine struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	AccountID  string `json:"account_id"`
	ClusterID  string `json:"cluster_id"`
	OfferingID string `json:"offering_id"`

	CPU       int32  `json:"cpu"`
	MemoryMiB int64  `json:"memory_mib"`
	HostTags  string `json:"host_tags,omitempty"`
	HAEnabled bool   `json:"ha_enabled"`

	State      VMState `json:"state"`
	HostID     string  `json:"host_id,omitempty"`
	LastHostID string  `json:"last_host_id,omitempty"`
	// PendingHostID is the host a migration or failover restart is moving
	// the VM to. Capacity there is counted until the operation finishes.
	PendingHostID string `json:"pending_host_id,omitempty"`
	Message       string `json:"message,omitempty"`

	RootVolumeID  string          `json:"root_volume_id,omitempty"`
	DataVolumeIDs []string        `json:"data_volume_ids,omitempty"`
	NICs          []NIC           `json:"nics,omitempty"`
	Reservation   []ResourceDelta `json:"reservation,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty"`
}

// NIC is a virtual network interface attached to a VM.
type NIC struct {
	ID         string `json:"id"`
	NetworkID  string `json:"network_id"`
	MACAddress string `json:"mac_address"`
	IsDefault  bool   `json:"is_default"`
}

// IsRunning returns true if the VM is running.
func (vm *VirtualMachine) IsRunning() bool {
	return vm.State == VMStateRunning
}

// IsResident reports whether the VM currently occupies capacity on its host.
func (vm *VirtualMachine) IsResident() bool {
	switch vm.State {
	case VMStateStarting, VMStateRunning, VMStateStopping, VMStateMigrating:
		return vm.HostID != ""
	}
	return false
}

// IsResidentOn reports whether the VM currently occupies capacity on hostID.
func (vm *VirtualMachine) IsResidentOn(hostID string) bool {
	return vm.HostID == hostID && vm.IsResident()
}

// OccupiesHost reports whether placement must count the VM against hostID:
// it is resident there or an in-flight operation is moving it there.
func (vm *VirtualMachine) OccupiesHost(hostID string) bool {
	return vm.IsResidentOn(hostID) || (vm.PendingHostID != "" && vm.PendingHostID == hostID)
}

// CanStart returns true if the VM can be started.
func (vm *VirtualMachine) CanStart() bool {
	return vm.State == VMStateStopped
}

// CanStop returns true if the VM can be stopped.
func (vm *VirtualMachine) CanStop() bool {
	return vm.State == VMStateRunning
}

// RequiredTags returns the parsed host tags required by the VM's offering.
func (vm *VirtualMachine) RequiredTags() []string {
	return ParseTags(vm.HostTags)
}

// VolumeIDs returns the root and data volume IDs.
func (vm *VirtualMachine) VolumeIDs() []string {
	ids := make([]string, 0, 1+len(vm.DataVolumeIDs))
	if vm.RootVolumeID != "" {
		ids = append(ids, vm.RootVolumeID)
	}
	return append(ids, vm.DataVolumeIDs...)
}
