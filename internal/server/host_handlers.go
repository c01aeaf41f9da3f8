package server

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/jobs"
)

const resourceHost = "Host"

type hostArgs struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ManagementIP string `json:"management_ip"`
	ClusterID    string `json:"cluster_id"`
	Tags         string `json:"tags"`
	CPUCores     int32  `json:"cpu_cores"`
	MemoryMiB    int64  `json:"memory_mib"`
}

type clusterArgs struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	HAEnabled   bool   `json:"ha_enabled"`
	DRSEnabled  bool   `json:"drs_enabled"`
	DRSMode     string `json:"drs_mode"`
}

type offeringArgs struct {
	Name      string `json:"name"`
	CPU       int32  `json:"cpu"`
	MemoryMiB int64  `json:"memory_mib"`
	HostTags  string `json:"host_tags"`
	OfferHA   bool   `json:"offer_ha"`
}

func (s *Server) registerHostService() {
	s.handle(hostServiceName, "AddCluster", s.addCluster)
	s.handle(hostServiceName, "ListClusters", s.listClusters)
	s.handle(hostServiceName, "CreateServiceOffering", s.createOffering)
	s.handle(hostServiceName, "ListServiceOfferings", s.listOfferings)

	s.handle(hostServiceName, "AddHost", s.addHost)
	s.handle(hostServiceName, "GetHost", s.getHost)
	s.handle(hostServiceName, "ListHosts", s.listHosts)
	s.handle(hostServiceName, "Heartbeat", s.heartbeat)

	s.handle(hostServiceName, "PrepareHostForMaintenance", s.prepareForMaintenance)
	s.handle(hostServiceName, "CancelHostMaintenance", s.cancelMaintenance)
	s.handle(hostServiceName, "ReconnectHost", s.reconnectHost)
	s.handle(hostServiceName, "GetMaintenanceProgress", s.maintenanceProgress)
	s.handle(hostServiceName, "FailoverHost", s.failoverHost)
}

func (s *Server) addCluster(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args clusterArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("name", args.Name); err != nil {
		return nil, err
	}
	mode := domain.DRSMode(args.DRSMode)
	switch mode {
	case "":
		mode = domain.DRSModeManual
	case domain.DRSModeManual, domain.DRSModePartiallyAutomated, domain.DRSModeFullyAutomated:
	default:
		return nil, fmt.Errorf("%w: unknown drs_mode %q", domain.ErrInvalidArgument, args.DRSMode)
	}
	return s.clusterRepo.Create(ctx, &domain.Cluster{
		Name:        args.Name,
		Description: args.Description,
		HAEnabled:   args.HAEnabled,
		DRSEnabled:  args.DRSEnabled,
		DRSMode:     mode,
	})
}

func (s *Server) listClusters(ctx context.Context, _ *structpb.Struct) (any, error) {
	clusters, err := s.clusterRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"clusters": nonNilSlice(clusters)}, nil
}

func (s *Server) createOffering(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args offeringArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if args.Name == "" || args.CPU <= 0 || args.MemoryMiB <= 0 {
		return nil, fmt.Errorf("%w: name, cpu and memory_mib are required", domain.ErrInvalidArgument)
	}
	return s.offeringRepo.Create(ctx, &domain.ServiceOffering{
		Name:      args.Name,
		CPU:       args.CPU,
		MemoryMiB: args.MemoryMiB,
		HostTags:  args.HostTags,
		OfferHA:   args.OfferHA,
	})
}

func (s *Server) listOfferings(ctx context.Context, _ *structpb.Struct) (any, error) {
	offerings, err := s.offeringRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"offerings": nonNilSlice(offerings)}, nil
}

func (s *Server) addHost(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args hostArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("cluster_id", args.ClusterID); err != nil {
		return nil, err
	}
	if args.CPUCores <= 0 || args.MemoryMiB <= 0 {
		return nil, fmt.Errorf("%w: cpu_cores and memory_mib must be positive", domain.ErrInvalidArgument)
	}
	if _, err := s.clusterRepo.Get(ctx, args.ClusterID); err != nil {
		return nil, err
	}

	now := time.Now()
	return s.hostRepo.Create(ctx, &domain.Host{
		ID:            args.ID,
		Name:          args.Name,
		ManagementIP:  args.ManagementIP,
		ClusterID:     args.ClusterID,
		State:         domain.HostStateUp,
		Tags:          args.Tags,
		CPUCores:      args.CPUCores,
		MemoryMiB:     args.MemoryMiB,
		LastHeartbeat: &now,
	})
}

func (s *Server) getHost(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args hostArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	return s.hostRepo.Get(ctx, args.ID)
}

func (s *Server) listHosts(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args hostArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	var (
		hosts []*domain.Host
		err   error
	)
	if args.ClusterID != "" {
		hosts, err = s.hostRepo.ListByCluster(ctx, args.ClusterID)
	} else {
		hosts, err = s.hostRepo.List(ctx)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"hosts": nonNilSlice(hosts)}, nil
}

func (s *Server) heartbeat(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args hostArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	if err := s.hostRepo.UpdateHeartbeat(ctx, args.ID, time.Now()); err != nil {
		return nil, err
	}
	return map[string]string{"id": args.ID}, nil
}

func (s *Server) prepareForMaintenance(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args hostArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	if _, err := s.hostRepo.Get(ctx, args.ID); err != nil {
		return nil, err
	}
	return s.submit(ctx, jobs.Spec{
		Type:         "host.prepare_maintenance",
		ResourceType: resourceHost,
		ResourceID:   args.ID,
		Run: func(ctx context.Context) (any, error) {
			return s.maintenance.EnterMaintenance(ctx, args.ID)
		},
	})
}

func (s *Server) cancelMaintenance(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args hostArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	if err := s.maintenance.CancelMaintenance(ctx, args.ID); err != nil {
		return nil, err
	}
	return s.hostRepo.Get(ctx, args.ID)
}

func (s *Server) reconnectHost(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args hostArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	if err := s.maintenance.Reconnect(ctx, args.ID); err != nil {
		return nil, err
	}
	return s.hostRepo.Get(ctx, args.ID)
}

func (s *Server) maintenanceProgress(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args hostArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	report, ok := s.maintenance.Progress(args.ID)
	if !ok {
		return nil, fmt.Errorf("no maintenance drain recorded for host %s: %w", args.ID, domain.ErrNotFound)
	}
	return report, nil
}

func (s *Server) failoverHost(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args hostArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	return s.submit(ctx, jobs.Spec{
		Type:         "host.failover",
		ResourceType: resourceHost,
		ResourceID:   args.ID,
		Run: func(ctx context.Context) (any, error) {
			return s.ha.ManualFailover(ctx, args.ID)
		},
	})
}
