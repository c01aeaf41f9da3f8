// Package alert provides operator alerting for conditions that need intervention,
// such as a host stuck in PrepareForMaintenance or a failed HA restart.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Repository defines the interface for alert data access.
type Repository interface {
	Create(ctx context.Context, alert *domain.Alert) (*domain.Alert, error)
	Get(ctx context.Context, id string) (*domain.Alert, error)
	List(ctx context.Context, filter AlertFilter) ([]*domain.Alert, error)
	Update(ctx context.Context, alert *domain.Alert) (*domain.Alert, error)
}

// AlertFilter defines filter criteria for listing alerts.
type AlertFilter struct {
	Severity   domain.AlertSeverity
	SourceType domain.AlertSourceType
	SourceID   string
	Resolved   *bool
}

// EventPublisher publishes alert events for real-time updates.
type EventPublisher interface {
	PublishAlert(ctx context.Context, eventType string, alert *domain.Alert) error
}

// Service provides alert management functionality.
type Service struct {
	repo      Repository
	publisher EventPublisher
	logger    *zap.Logger
}

// NewService creates a new alert service. publisher may be nil.
func NewService(repo Repository, publisher EventPublisher, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger.With(zap.String("service", "alert")),
	}
}

// CreateAlert creates a new alert.
func (s *Service) CreateAlert(ctx context.Context, severity domain.AlertSeverity, sourceType domain.AlertSourceType, sourceID, title, message string) (*domain.Alert, error) {
	alert := &domain.Alert{
		ID:         uuid.NewString(),
		Severity:   severity,
		Title:      title,
		Message:    message,
		SourceType: sourceType,
		SourceID:   sourceID,
		CreatedAt:  time.Now(),
	}

	created, err := s.repo.Create(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	s.logger.Info("Alert created",
		zap.String("id", created.ID),
		zap.String("severity", string(created.Severity)),
		zap.String("title", created.Title),
		zap.String("source_type", string(created.SourceType)),
		zap.String("source_id", created.SourceID),
	)

	s.publish(ctx, "alert.created", created)
	return created, nil
}

// GetAlert retrieves an alert by ID.
func (s *Service) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	return s.repo.Get(ctx, id)
}

// ListAlerts returns the alerts matching filter.
func (s *Service) ListAlerts(ctx context.Context, filter AlertFilter) ([]*domain.Alert, error) {
	return s.repo.List(ctx, filter)
}

// ResolveAlert marks an alert as resolved.
func (s *Service) ResolveAlert(ctx context.Context, id string) (*domain.Alert, error) {
	alert, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if alert.Resolved {
		return alert, nil // Already resolved
	}

	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now

	updated, err := s.repo.Update(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}

	s.logger.Info("Alert resolved", zap.String("id", id))
	s.publish(ctx, "alert.resolved", updated)
	return updated, nil
}

// ResolveBySource resolves every open alert raised for a source.
func (s *Service) ResolveBySource(ctx context.Context, sourceType domain.AlertSourceType, sourceID string) (int, error) {
	unresolved := false
	alerts, err := s.repo.List(ctx, AlertFilter{SourceType: sourceType, SourceID: sourceID, Resolved: &unresolved})
	if err != nil {
		return 0, fmt.Errorf("failed to list alerts: %w", err)
	}

	for _, a := range alerts {
		if _, err := s.ResolveAlert(ctx, a.ID); err != nil {
			return 0, err
		}
	}
	return len(alerts), nil
}

// GetAlertSummary returns a count of unresolved alerts by severity.
func (s *Service) GetAlertSummary(ctx context.Context) (*AlertSummary, error) {
	unresolved := false
	alerts, err := s.repo.List(ctx, AlertFilter{Resolved: &unresolved})
	if err != nil {
		return nil, err
	}

	summary := &AlertSummary{}
	for _, a := range alerts {
		switch a.Severity {
		case domain.AlertSeverityCritical:
			summary.Critical++
		case domain.AlertSeverityWarning:
			summary.Warning++
		case domain.AlertSeverityInfo:
			summary.Info++
		}
	}
	return summary, nil
}

// AlertSummary contains alert counts by severity.
type AlertSummary struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

func (s *Service) publish(ctx context.Context, eventType string, alert *domain.Alert) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishAlert(ctx, eventType, alert); err != nil {
		s.logger.Warn("Failed to publish alert event", zap.Error(err))
	}
}

// =============================================================================
// Alert Generators - Create alerts from system events
// =============================================================================

// VMAlert creates a VM-related alert.
func (s *Service) VMAlert(ctx context.Context, severity domain.AlertSeverity, vmID, title, message string) (*domain.Alert, error) {
	return s.CreateAlert(ctx, severity, domain.AlertSourceVM, vmID, title, message)
}

// HostAlert creates a host-related alert.
func (s *Service) HostAlert(ctx context.Context, severity domain.AlertSeverity, hostID, title, message string) (*domain.Alert, error) {
	return s.CreateAlert(ctx, severity, domain.AlertSourceHost, hostID, title, message)
}

// SnapshotAlert creates a snapshot-related alert.
func (s *Service) SnapshotAlert(ctx context.Context, severity domain.AlertSeverity, snapshotID, title, message string) (*domain.Alert, error) {
	return s.CreateAlert(ctx, severity, domain.AlertSourceSnapshot, snapshotID, title, message)
}

// ClusterAlert creates a cluster-related alert.
func (s *Service) ClusterAlert(ctx context.Context, severity domain.AlertSeverity, clusterID, title, message string) (*domain.Alert, error) {
	return s.CreateAlert(ctx, severity, domain.AlertSourceCluster, clusterID, title, message)
}
