package server

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/jobs"
	"github.com/limiquantix/orchestrator/internal/snapshot"
)

type policyArgs struct {
	ID           string  `json:"id"`
	VolumeID     string  `json:"volume_id"`
	IntervalType string  `json:"interval_type"`
	Schedule     *string `json:"schedule"`
	Timezone     *string `json:"timezone"`
	MaxSnaps     *int    `json:"max_snaps"`
}

type snapshotArgs struct {
	ID       string `json:"id"`
	VolumeID string `json:"volume_id"`
}

func (s *Server) registerSnapshotService() {
	s.handle(snapshotServiceName, "CreateSnapshotPolicy", s.createPolicy)
	s.handle(snapshotServiceName, "UpdateSnapshotPolicy", s.updatePolicy)
	s.handle(snapshotServiceName, "DeleteSnapshotPolicy", s.deletePolicy)
	s.handle(snapshotServiceName, "ListSnapshotPolicies", s.listPolicies)

	s.handle(snapshotServiceName, "CreateSnapshot", s.createSnapshot)
	s.handle(snapshotServiceName, "DeleteSnapshot", s.deleteSnapshot)
	s.handle(snapshotServiceName, "ListSnapshots", s.listSnapshots)
	s.handle(snapshotServiceName, "ListVolumes", s.listVolumes)
}

func (s *Server) createPolicy(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args policyArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("volume_id", args.VolumeID); err != nil {
		return nil, err
	}
	p := &domain.SnapshotPolicy{
		VolumeID:     args.VolumeID,
		IntervalType: domain.IntervalType(args.IntervalType),
	}
	if args.Schedule != nil {
		p.Schedule = *args.Schedule
	}
	if args.Timezone != nil {
		p.Timezone = *args.Timezone
	}
	if args.MaxSnaps != nil {
		p.MaxSnaps = *args.MaxSnaps
	}
	return s.snapshots.CreatePolicy(ctx, p)
}

func (s *Server) updatePolicy(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args policyArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	return s.snapshots.UpdatePolicy(ctx, args.ID, snapshot.PolicyUpdate{
		Schedule: args.Schedule,
		Timezone: args.Timezone,
		MaxSnaps: args.MaxSnaps,
	})
}

func (s *Server) deletePolicy(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args policyArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	if err := s.snapshots.DeletePolicy(ctx, args.ID); err != nil {
		return nil, err
	}
	return map[string]string{"id": args.ID}, nil
}

func (s *Server) listPolicies(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args policyArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("volume_id", args.VolumeID); err != nil {
		return nil, err
	}
	policies, err := s.snapshots.ListPolicies(ctx, args.VolumeID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"policies": nonNilSlice(policies)}, nil
}

// createSnapshot takes a manual snapshot. The copy to secondary storage can
// take a while, so it runs as a job.
func (s *Server) createSnapshot(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args snapshotArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("volume_id", args.VolumeID); err != nil {
		return nil, err
	}
	vol, err := s.volumeRepo.Get(ctx, args.VolumeID)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, jobs.Spec{
		Type:         "snapshot.create",
		ResourceType: "Volume",
		ResourceID:   vol.ID,
		AccountID:    vol.AccountID,
		Cancellable:  true,
		Run: func(ctx context.Context) (any, error) {
			return s.snapshots.TakeSnapshot(ctx, vol.ID, "")
		},
	})
}

func (s *Server) deleteSnapshot(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args snapshotArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	return s.snapshots.DeleteSnapshot(ctx, args.ID)
}

func (s *Server) listSnapshots(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args snapshotArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("volume_id", args.VolumeID); err != nil {
		return nil, err
	}
	snaps, err := s.snapshots.ListSnapshots(ctx, args.VolumeID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"snapshots": nonNilSlice(snaps)}, nil
}

type volumeArgs struct {
	VMID      string `json:"vm_id"`
	AccountID string `json:"account_id"`
}

func (s *Server) listVolumes(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args volumeArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	var (
		vols []*domain.Volume
		err  error
	)
	switch {
	case args.VMID != "":
		vols, err = s.volumeRepo.ListByVM(ctx, args.VMID)
	case args.AccountID != "":
		vols, err = s.volumeRepo.ListByAccount(ctx, args.AccountID)
	default:
		return nil, required("vm_id or account_id", "")
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"volumes": nonNilSlice(vols)}, nil
}
