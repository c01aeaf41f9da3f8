package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/metrics"
)

// Planner determines which host should run a VM.
type Planner struct {
	hostRepo HostRepository
	vmRepo   VMRepository
	config   Config
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New creates a new Planner instance.
func New(hostRepo HostRepository, vmRepo VMRepository, config Config, collector *metrics.Collector, logger *zap.Logger) *Planner {
	return &Planner{
		hostRepo: hostRepo,
		vmRepo:   vmRepo,
		config:   config,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

// SelectRequest describes the constraints of one placement decision.
type SelectRequest struct {
	ClusterID    string
	RequiredTags []string
	// ExcludeHATagged skips hosts carrying any of HATags.
	ExcludeHATagged bool
	// HATags is the HA tag configuration in effect for this call.
	HATags       []string
	AvoidHostIDs []string

	// Capacity filter; zero values skip the check.
	CPU       int32
	MemoryMiB int64
}

// Selection contains the placement decision.
type Selection struct {
	HostID      string
	HostName    string
	AllocCPU    int32
	AllocMemMiB int64
	Candidates  int
}

// Candidate is one possible migration target with its suitability.
type Candidate struct {
	Host        *domain.Host
	Suitable    bool
	Reason      string
	HAHost      bool
	AllocCPU    int32
	AllocMemMiB int64
}

// ValidateOptions carries per-call policy for migration validation.
type ValidateOptions struct {
	HATags []string
}

// allocation is the capacity currently claimed on a host by resident VMs.
type allocation struct {
	cpu int32
	mem int64
}

// SelectHost filters the cluster's hosts and returns the least allocated one.
// Ties are broken by lowest host ID.
func (p *Planner) SelectHost(ctx context.Context, req SelectRequest) (*Selection, error) {
	logger := p.logger.With(
		zap.String("cluster_id", req.ClusterID),
		zap.Strings("required_tags", req.RequiredTags),
		zap.Bool("exclude_ha", req.ExcludeHATagged),
	)

	hosts, err := p.hostRepo.ListByCluster(ctx, req.ClusterID)
	if err != nil {
		logger.Error("Failed to list cluster hosts", zap.Error(err))
		return nil, fmt.Errorf("failed to list hosts of cluster %s: %w", req.ClusterID, err)
	}

	reasons := make(map[string]string)
	type scoredHost struct {
		host  *domain.Host
		alloc allocation
	}
	var feasible []scoredHost

	for _, host := range hosts {
		if reason := p.checkPredicates(host, req); reason != "" {
			reasons[host.ID] = reason
			continue
		}

		alloc, err := p.hostAllocation(ctx, host.ID, "")
		if err != nil {
			return nil, err
		}
		if reason := p.checkCapacity(host, alloc, req.CPU, req.MemoryMiB); reason != "" {
			reasons[host.ID] = reason
			continue
		}
		feasible = append(feasible, scoredHost{host: host, alloc: alloc})
	}

	if len(feasible) == 0 {
		logger.Warn("No hosts satisfy placement requirements",
			zap.Int("total_hosts", len(hosts)),
		)
		p.metrics.Placement("no_host")
		return nil, &domain.NoSuitableHostError{
			ClusterID: req.ClusterID,
			Checked:   len(hosts),
			Reasons:   reasons,
		}
	}

	sort.Slice(feasible, func(i, j int) bool {
		a, b := feasible[i], feasible[j]
		if a.alloc.cpu != b.alloc.cpu {
			return a.alloc.cpu < b.alloc.cpu
		}
		if a.alloc.mem != b.alloc.mem {
			return a.alloc.mem < b.alloc.mem
		}
		return a.host.ID < b.host.ID
	})

	best := feasible[0]
	logger.Info("Selected host",
		zap.String("host_id", best.host.ID),
		zap.String("host_name", best.host.Name),
		zap.Int32("alloc_cpu", best.alloc.cpu),
		zap.Int64("alloc_mem_mib", best.alloc.mem),
		zap.Int("feasible_hosts", len(feasible)),
	)
	p.metrics.Placement("selected")

	return &Selection{
		HostID:      best.host.ID,
		HostName:    best.host.Name,
		AllocCPU:    best.alloc.cpu,
		AllocMemMiB: best.alloc.mem,
		Candidates:  len(feasible),
	}, nil
}

// ValidateMigrationTarget checks whether targetHostID may receive vmID.
// The returned *domain.IncompatibleTargetError is Advisory when only policy
// (HA tag, host tags, capacity) rules the target out.
func (p *Planner) ValidateMigrationTarget(ctx context.Context, vmID, targetHostID string, opts ValidateOptions) error {
	vm, err := p.vmRepo.Get(ctx, vmID)
	if err != nil {
		return fmt.Errorf("failed to get VM %s: %w", vmID, err)
	}
	target, err := p.hostRepo.Get(ctx, targetHostID)
	if err != nil {
		return fmt.Errorf("failed to get host %s: %w", targetHostID, err)
	}

	reason, advisory := p.targetReason(ctx, vm, target, opts.HATags)
	if reason == "" {
		return nil
	}

	p.logger.Debug("Migration target rejected",
		zap.String("vm_id", vmID),
		zap.String("host_id", targetHostID),
		zap.String("reason", reason),
		zap.Bool("advisory", advisory),
	)
	return &domain.IncompatibleTargetError{
		VMID:     vmID,
		HostID:   targetHostID,
		Reason:   reason,
		Advisory: advisory,
	}
}

// MigrationCandidates lists the Up hosts of the VM's cluster other than its
// current host, each flagged with its suitability.
func (p *Planner) MigrationCandidates(ctx context.Context, vmID string, haTags []string) ([]Candidate, error) {
	vm, err := p.vmRepo.Get(ctx, vmID)
	if err != nil {
		return nil, fmt.Errorf("failed to get VM %s: %w", vmID, err)
	}

	hosts, err := p.hostRepo.ListByCluster(ctx, vm.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts of cluster %s: %w", vm.ClusterID, err)
	}

	var candidates []Candidate
	for _, host := range hosts {
		if host.ID == vm.HostID || !host.IsUp() {
			continue
		}
		alloc, err := p.hostAllocation(ctx, host.ID, vm.ID)
		if err != nil {
			return nil, err
		}
		reason, _ := p.targetReason(ctx, vm, host, haTags)
		candidates = append(candidates, Candidate{
			Host:        host,
			Suitable:    reason == "",
			Reason:      reason,
			HAHost:      host.IsHAHost(haTags),
			AllocCPU:    alloc.cpu,
			AllocMemMiB: alloc.mem,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Suitable != candidates[j].Suitable {
			return candidates[i].Suitable
		}
		return candidates[i].Host.ID < candidates[j].Host.ID
	})
	return candidates, nil
}

// checkPredicates applies the hard placement filters and returns a rejection
// reason, or "" when the host passes.
func (p *Planner) checkPredicates(host *domain.Host, req SelectRequest) string {
	if host.ClusterID != req.ClusterID {
		return "different cluster"
	}
	if !host.IsUp() {
		return fmt.Sprintf("host state is %s", host.State)
	}
	if lo.Contains(req.AvoidHostIDs, host.ID) {
		return "excluded by request"
	}
	if req.ExcludeHATagged && host.IsHAHost(req.HATags) {
		return "host is reserved for HA"
	}
	if !host.HasAllTags(req.RequiredTags) {
		return fmt.Sprintf("missing host tags %v", lo.Without(req.RequiredTags, host.TagSet()...))
	}
	return ""
}

// targetReason returns why host cannot receive vm and whether the reason is advisory.
func (p *Planner) targetReason(ctx context.Context, vm *domain.VirtualMachine, host *domain.Host, haTags []string) (string, bool) {
	switch {
	case host.ID == vm.HostID:
		return "target is the current host", false
	case host.ClusterID != vm.ClusterID:
		return "target is in a different cluster", false
	case !host.IsUp():
		return fmt.Sprintf("host state is %s", host.State), false
	}

	if !vm.HAEnabled && host.IsHAHost(haTags) {
		return "host is reserved for HA and the VM is not HA-enabled", true
	}
	if required := vm.RequiredTags(); !host.HasAllTags(required) {
		return fmt.Sprintf("missing host tags %v", lo.Without(required, host.TagSet()...)), true
	}

	alloc, err := p.hostAllocation(ctx, host.ID, vm.ID)
	if err != nil {
		return fmt.Sprintf("capacity unknown: %v", err), true
	}
	if reason := p.checkCapacity(host, alloc, vm.CPU, vm.MemoryMiB); reason != "" {
		return reason, true
	}
	return "", false
}

// checkCapacity verifies the host can fit the requested CPU and memory.
func (p *Planner) checkCapacity(host *domain.Host, alloc allocation, cpu int32, memMiB int64) string {
	if cpu > 0 && host.CPUCores > 0 {
		if free := p.allocatableCPU(host) - float64(alloc.cpu); float64(cpu) > free {
			return fmt.Sprintf("insufficient CPU: requested %d, free %.1f", cpu, free)
		}
	}
	if memMiB > 0 && host.MemoryMiB > 0 {
		if free := p.allocatableMemory(host) - float64(alloc.mem); float64(memMiB) > free {
			return fmt.Sprintf("insufficient memory: requested %d MiB, free %.0f MiB", memMiB, free)
		}
	}
	return ""
}

// allocatableCPU returns the allocatable CPU cores for a host.
func (p *Planner) allocatableCPU(host *domain.Host) float64 {
	total := float64(host.CPUCores - p.config.ReservedCPUCores)
	if total < 0 {
		total = 0
	}
	return total * p.config.OvercommitCPU
}

// allocatableMemory returns the allocatable memory in MiB for a host.
func (p *Planner) allocatableMemory(host *domain.Host) float64 {
	total := float64(host.MemoryMiB - p.config.ReservedMemoryMiB)
	if total < 0 {
		total = 0
	}
	return total * p.config.OvercommitMemory
}

// hostAllocation sums the CPU and memory of VMs resident on the host or
// being moved onto it, ignoring skipVMID.
func (p *Planner) hostAllocation(ctx context.Context, hostID, skipVMID string) (allocation, error) {
	vms, err := p.vmRepo.ListByHost(ctx, hostID)
	if err != nil {
		p.logger.Warn("Failed to get VMs for host", zap.String("host_id", hostID), zap.Error(err))
		return allocation{}, fmt.Errorf("failed to list VMs on host %s: %w", hostID, err)
	}

	var alloc allocation
	for _, vm := range vms {
		if vm.ID == skipVMID || !vm.OccupiesHost(hostID) {
			continue
		}
		alloc.cpu += vm.CPU
		alloc.mem += vm.MemoryMiB
	}
	return alloc, nil
}
