package server

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/services/alert"
	"github.com/limiquantix/orchestrator/internal/services/audit"
)

const defaultListLimit = 100

type recommendationArgs struct {
	ID        string `json:"id"`
	AppliedBy string `json:"applied_by"`
	Limit     int    `json:"limit"`
}

type alertArgs struct {
	ID         string `json:"id"`
	Severity   string `json:"severity"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	Resolved   *bool  `json:"resolved"`
}

type auditArgs struct {
	AccountID    string `json:"account_id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Limit        int    `json:"limit"`
}

func (s *Server) registerOperationsService() {
	s.handle(operationsServiceName, "ListDRSRecommendations", s.listRecommendations)
	s.handle(operationsServiceName, "ApproveDRSRecommendation", s.approveRecommendation)
	s.handle(operationsServiceName, "RejectDRSRecommendation", s.rejectRecommendation)
	s.handle(operationsServiceName, "ApplyDRSRecommendation", s.applyRecommendation)

	s.handle(operationsServiceName, "ListAlerts", s.listAlerts)
	s.handle(operationsServiceName, "ResolveAlert", s.resolveAlert)
	s.handle(operationsServiceName, "GetAlertSummary", s.alertSummary)

	s.handle(operationsServiceName, "ListAuditEvents", s.listAuditEvents)
}

func (s *Server) listRecommendations(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args recommendationArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = defaultListLimit
	}
	return map[string]any{
		"recommendations": nonNilSlice(s.drs.PendingRecommendations(args.Limit)),
		"last_analysis":   s.drs.GetLastAnalysisTime(),
	}, nil
}

func (s *Server) approveRecommendation(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args recommendationArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	return s.drs.ApproveRecommendation(args.ID)
}

func (s *Server) rejectRecommendation(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args recommendationArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	return s.drs.RejectRecommendation(args.ID)
}

func (s *Server) applyRecommendation(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args recommendationArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	if args.AppliedBy == "" {
		args.AppliedBy = "api"
	}
	return s.drs.ApplyRecommendation(ctx, args.ID, args.AppliedBy)
}

func (s *Server) listAlerts(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args alertArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	alerts, err := s.alerts.ListAlerts(ctx, alert.AlertFilter{
		Severity:   domain.AlertSeverity(args.Severity),
		SourceType: domain.AlertSourceType(args.SourceType),
		SourceID:   args.SourceID,
		Resolved:   args.Resolved,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"alerts": nonNilSlice(alerts)}, nil
}

func (s *Server) resolveAlert(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args alertArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if err := required("id", args.ID); err != nil {
		return nil, err
	}
	return s.alerts.ResolveAlert(ctx, args.ID)
}

func (s *Server) alertSummary(ctx context.Context, _ *structpb.Struct) (any, error) {
	return s.alerts.GetAlertSummary(ctx)
}

func (s *Server) listAuditEvents(ctx context.Context, msg *structpb.Struct) (any, error) {
	var args auditArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = defaultListLimit
	}
	entries, err := s.audit.Query(ctx, audit.Filter{
		AccountID:    args.AccountID,
		Action:       domain.AuditAction(args.Action),
		ResourceType: args.ResourceType,
		ResourceID:   args.ResourceID,
	}, args.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": nonNilSlice(entries)}, nil
}
