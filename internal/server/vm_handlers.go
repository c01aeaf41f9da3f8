package server

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/jobs"
	"github.com/limiquantix/orchestrator/internal/services/vm"
)

const resourceVM = "VirtualMachine"

type createVMArgs struct {
	Name          string   `json:"name"`
	AccountID     string   `json:"account_id"`
	ClusterID     string   `json:"cluster_id"`
	OfferingID    string   `json:"offering_id"`
	HostID        string   `json:"host_id"`
	RootDiskGiB   int64    `json:"root_disk_gib"`
	DataDiskGiB   int64    `json:"data_disk_gib"`
	NetworkIDs    []string `json:"network_ids"`
	StartOnCreate *bool    `json:"start_on_create"`
}

type vmArgs struct {
	ID         string `json:"id"`
	Forced     bool   `json:"forced"`
	Expunge    bool   `json:"expunge"`
	HostID     string `json:"host_id"`
	OfferingID string `json:"offering_id"`
	NetworkID  string `json:"network_id"`
}

type listVMArgs struct {
	AccountID string   `json:"account_id"`
	HostID    string   `json:"host_id"`
	ClusterID string   `json:"cluster_id"`
	States    []string `json:"states"`
}

func (s *Server) registerVMService() {
	s.handle(vmServiceName, "CreateVM", s.createVM)
	s.handle(vmServiceName, "GetVM", s.getVM)
	s.handle(vmServiceName, "ListVMs", s.listVMs)

	s.handleVMJob("StartVM", "vm.start", true, func(ctx context.Context, a vmArgs) (any, error) {
		return s.vmService.StartVM(ctx, a.ID)
	})
	s.handleVMJob("StopVM", "vm.stop", true, func(ctx context.Context, a vmArgs) (any, error) {
		return s.vmService.StopVM(ctx, a.ID, a.Forced)
	})
	s.handleVMJob("RebootVM", "vm.reboot", true, func(ctx context.Context, a vmArgs) (any, error) {
		return s.vmService.RebootVM(ctx, a.ID)
	})
	// A reset cannot be taken back once queued.
	s.handleVMJob("ResetVM", "vm.reset", false, func(ctx context.Context, a vmArgs) (any, error) {
		return s.vmService.ResetVM(ctx, a.ID)
	})
	s.handleVMJob("DestroyVM", "vm.destroy", true, func(ctx context.Context, a vmArgs) (any, error) {
		return s.vmService.DestroyVM(ctx, a.ID, a.Expunge)
	})
	s.handleVMJob("RecoverVM", "vm.recover", true, func(ctx context.Context, a vmArgs) (any, error) {
		return s.vmService.RecoverVM(ctx, a.ID)
	})
	s.handleVMJob("ExpungeVM", "vm.expunge", true, func(ctx context.Context, a vmArgs) (any, error) {
		return nil, s.vmService.ExpungeVM(ctx, a.ID)
	})
	s.handleVMJob("MigrateVM", "vm.migrate", true, func(ctx context.Context, a vmArgs) (any, error) {
		return s.vmService.MigrateVM(ctx, a.ID, a.HostID, a.Forced)
	})
	s.handleVMJob("ScaleVM", "vm.scale", true, func(ctx context.Context, a vmArgs) (any, error) {
		return s.vmService.ScaleVM(ctx, a.ID, a.OfferingID)
	})
	s.handleVMJob("AddNIC", "vm.add_nic", true, func(ctx context.Context, a vmArgs) (any, error) {
		return s.vmService.AddNIC(ctx, a.ID, a.NetworkID)
	})

	s.handle(vmServiceName, "ListMigrationCandidates", s.listMigrationCandidates)
}

// handleVMJob registers a procedure that validates the VM synchronously and
// runs the operation as an async job.
func (s *Server) handleVMJob(method, jobType string, cancellable bool, run func(context.Context, vmArgs) (any, error)) {
	s.handle(vmServiceName, method, func(ctx context.Context, msg *structpb.Struct) (any, error) {
		var args vmArgs
		if err := decode(msg, &args); err != nil {
			return nil, err
		}
		if err := required("id", args.ID); err != nil {
			return nil, err
		}
		existing, err := s.vmService.GetVM(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		return s.submit(ctx, jobs.Spec{
			Type:         jobType,
			ResourceType: resourceVM,
			ResourceID:   existing.ID,
			AccountID:    existing.AccountID,
			Cancellable:  cancellable,
			Retry:        jobType == "vm.expunge",
			Run: func(ctx context.Context) (any, error) {
				return run(ctx, args)
			},
		})
	})
}

func (s *Server) createVM(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args createVMArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("account_id", args.AccountID); err != nil {
		return nil, err
	}

	req := &vm.CreateRequest{
		Name:          args.Name,
		AccountID:     args.AccountID,
		ClusterID:     args.ClusterID,
		OfferingID:    args.OfferingID,
		HostID:        args.HostID,
		RootDiskGiB:   args.RootDiskGiB,
		DataDiskGiB:   args.DataDiskGiB,
		NetworkIDs:    args.NetworkIDs,
		StartOnCreate: args.StartOnCreate == nil || *args.StartOnCreate,
	}
	return s.submit(ctx, jobs.Spec{
		Type:         "vm.create",
		ResourceType: resourceVM,
		AccountID:    args.AccountID,
		Cancellable:  true,
		Run: func(ctx context.Context) (any, error) {
			return s.vmService.CreateVM(ctx, req)
		},
	})
}

func (s *Server) getVM(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args vmArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	return s.vmService.GetVM(ctx, args.ID)
}

func (s *Server) listVMs(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args listVMArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	filter := vm.VMFilter{
		AccountID: args.AccountID,
		HostID:    args.HostID,
		ClusterID: args.ClusterID,
	}
	for _, st := range args.States {
		filter.States = append(filter.States, domain.VMState(st))
	}
	vms, err := s.vmService.ListVMs(ctx, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"vms": nonNilSlice(vms), "total": len(vms)}, nil
}

type migrationCandidate struct {
	Host        *domain.Host `json:"host"`
	Suitable    bool         `json:"suitable"`
	Reason      string       `json:"reason,omitempty"`
	HAHost      bool         `json:"ha_host"`
	AllocCPU    int32        `json:"allocated_cpu"`
	AllocMemMiB int64        `json:"allocated_memory_mib"`
}

func (s *Server) listMigrationCandidates(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args vmArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	candidates, err := s.planner.MigrationCandidates(ctx, args.ID, s.config.Placement.HATags())
	if err != nil {
		return nil, err
	}
	out := make([]migrationCandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, migrationCandidate{
			Host:        c.Host,
			Suitable:    c.Suitable,
			Reason:      c.Reason,
			HAHost:      c.HAHost,
			AllocCPU:    c.AllocCPU,
			AllocMemMiB: c.AllocMemMiB,
		})
	}
	return map[string]any{"candidates": out}, nil
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
