// Package scheduler implements VM placement logic for the Quantix orchestration core.
// It determines which host should run a VM based on cluster membership, host tags,
// HA-tag exclusion, host state and remaining capacity.
package scheduler

import (
	"github.com/limiquantix/orchestrator/internal/config"
)

// Config holds the capacity knobs of the planner.
type Config struct {
	// OvercommitCPU is the CPU overcommit ratio (e.g., 2.0 = 2x overcommit)
	OvercommitCPU float64

	// OvercommitMemory is the memory overcommit ratio (e.g., 1.5 = 1.5x overcommit)
	OvercommitMemory float64

	// ReservedCPUCores is the number of CPU cores reserved for the hypervisor
	ReservedCPUCores int32

	// ReservedMemoryMiB is the amount of memory in MiB reserved for the hypervisor
	ReservedMemoryMiB int64
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	return Config{
		OvercommitCPU:     1.0, // No overcommit by default
		OvercommitMemory:  1.0, // No overcommit by default
		ReservedCPUCores:  0,
		ReservedMemoryMiB: 0,
	}
}

// ConfigFromPlacement converts the placement section of the application config.
func ConfigFromPlacement(pc config.PlacementConfig) Config {
	cfg := DefaultConfig()
	if pc.OvercommitCPU > 0 {
		cfg.OvercommitCPU = pc.OvercommitCPU
	}
	if pc.OvercommitMemory > 0 {
		cfg.OvercommitMemory = pc.OvercommitMemory
	}
	cfg.ReservedCPUCores = pc.ReservedCPUCores
	cfg.ReservedMemoryMiB = pc.ReservedMemoryMiB
	return cfg
}
