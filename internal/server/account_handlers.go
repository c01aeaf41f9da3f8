package server

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/jobs"
)

type ownerArgs struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
	DomainID string `json:"domain_id"`
}

type limitArgs struct {
	OwnerID      string `json:"owner_id"`
	ResourceType string `json:"resource_type"`
	Max          int64  `json:"max"`
}

type jobArgs struct {
	JobID string `json:"job_id"`
}

func (s *Server) registerAccountService() {
	s.handle(accountServiceName, "CreateDomain", s.createDomain)
	s.handle(accountServiceName, "CreateAccount", s.createAccount)
	s.handle(accountServiceName, "DeleteAccount", s.deleteAccount)
	s.handle(accountServiceName, "UpdateResourceLimit", s.updateResourceLimit)
	s.handle(accountServiceName, "GetResourceUsage", s.getResourceUsage)
}

func (s *Server) registerJobService() {
	s.handle(jobServiceName, "QueryAsyncJobResult", s.queryAsyncJobResult)
	s.handle(jobServiceName, "CancelAsyncJob", s.cancelAsyncJob)
}

func (s *Server) createDomain(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args ownerArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	return s.ledger.CreateDomain(ctx, args.ID, args.Name, args.ParentID)
}

func (s *Server) createAccount(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args ownerArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	return s.ledger.CreateAccount(ctx, args.ID, args.Name, args.DomainID)
}

// deleteAccount expunges every VM of the account before removing it from the
// ledger, so it runs as a job.
func (s *Server) deleteAccount(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args ownerArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	return s.submit(ctx, jobs.Spec{
		Type:         "account.delete",
		ResourceType: "Account",
		ResourceID:   args.ID,
		AccountID:    args.ID,
		Run: func(ctx context.Context) (any, error) {
			return nil, s.vmService.DeleteAccount(ctx, args.ID)
		},
	})
}

func (s *Server) updateResourceLimit(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args limitArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("owner_id", args.OwnerID); err != nil {
		return nil, err
	}
	rt := domain.ResourceType(args.ResourceType)
	if err := s.ledger.SetLimit(ctx, args.OwnerID, rt, args.Max); err != nil {
		return nil, err
	}
	return map[string]any{
		"owner_id":      args.OwnerID,
		"resource_type": rt,
		"max":           args.Max,
	}, nil
}

func (s *Server) getResourceUsage(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args limitArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("owner_id", args.OwnerID); err != nil {
		return nil, err
	}
	usage, err := s.ledger.Usage(ctx, args.OwnerID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"owner_id": args.OwnerID, "usage": nonNilSlice(usage)}, nil
}

func (s *Server) queryAsyncJobResult(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args jobArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("job_id", args.JobID); err != nil {
		return nil, err
	}
	return s.jobs.Query(ctx, args.JobID)
}

func (s *Server) cancelAsyncJob(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args jobArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("job_id", args.JobID); err != nil {
		return nil, err
	}
	return s.jobs.Cancel(ctx, args.JobID)
}
