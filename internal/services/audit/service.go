// Package audit records lifecycle events (VM.CREATE, HOST.MAINTENANCE, SNAPSHOT.CREATE, ...)
// and enforces the audit retention window.
package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Repository defines the interface for audit log data access.
type Repository interface {
	Create(ctx context.Context, entry *domain.AuditEntry) error
	List(ctx context.Context, filter Filter, limit int) ([]*domain.AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Filter selects audit entries. Empty fields match everything.
type Filter struct {
	AccountID    string
	Action       domain.AuditAction
	ResourceType string
	ResourceID   string
	StartTime    *time.Time
	EndTime      *time.Time
}

// Matches reports whether entry satisfies the filter.
func (f Filter) Matches(entry *domain.AuditEntry) bool {
	switch {
	case f.AccountID != "" && entry.AccountID != f.AccountID:
		return false
	case f.Action != "" && entry.Action != f.Action:
		return false
	case f.ResourceType != "" && entry.ResourceType != f.ResourceType:
		return false
	case f.ResourceID != "" && entry.ResourceID != f.ResourceID:
		return false
	case f.StartTime != nil && entry.CreatedAt.Before(*f.StartTime):
		return false
	case f.EndTime != nil && entry.CreatedAt.After(*f.EndTime):
		return false
	}
	return true
}

// Service provides audit log management functionality.
type Service struct {
	repo      Repository
	retention time.Duration
	logger    *zap.Logger
}

// NewService creates a new audit service.
func NewService(repo Repository, retention time.Duration, logger *zap.Logger) *Service {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour // Default 90 days
	}
	return &Service{
		repo:      repo,
		retention: retention,
		logger:    logger.With(zap.String("service", "audit")),
	}
}

// Log creates a new audit log entry.
func (s *Service) Log(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		s.logger.Error("Failed to create audit entry",
			zap.Error(err),
			zap.String("action", string(entry.Action)),
			zap.String("resource_type", entry.ResourceType),
		)
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

// LogAction records an action. Failures are logged and never block the caller.
func (s *Service) LogAction(ctx context.Context, accountID string, action domain.AuditAction, resourceType, resourceID string, details map[string]any) {
	_ = s.Log(ctx, &domain.AuditEntry{
		AccountID:    accountID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
	})
}

// Query returns audit log entries matching the filter, newest first.
func (s *Service) Query(ctx context.Context, filter Filter, limit int) ([]*domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	return s.repo.List(ctx, filter, limit)
}

// QueryByResource returns audit entries for a specific resource.
func (s *Service) QueryByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*domain.AuditEntry, error) {
	return s.Query(ctx, Filter{ResourceType: resourceType, ResourceID: resourceID}, limit)
}

// ExportToCSV writes the entries matching filter as CSV.
func (s *Service) ExportToCSV(ctx context.Context, filter Filter, writer io.Writer) error {
	entries, err := s.repo.List(ctx, filter, 0)
	if err != nil {
		return fmt.Errorf("failed to list audit entries: %w", err)
	}

	csvWriter := csv.NewWriter(writer)
	header := []string{"Timestamp", "Account ID", "Action", "Resource Type", "Resource ID", "Details"}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		detailsJSON := ""
		if entry.Details != nil {
			if b, err := json.Marshal(entry.Details); err == nil {
				detailsJSON = string(b)
			}
		}
		row := []string{
			entry.CreatedAt.Format(time.RFC3339),
			entry.AccountID,
			string(entry.Action),
			entry.ResourceType,
			entry.ResourceID,
			detailsJSON,
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

// ExportToJSON writes the entries matching filter as a JSON array.
func (s *Service) ExportToJSON(ctx context.Context, filter Filter, writer io.Writer) error {
	entries, err := s.repo.List(ctx, filter, 0)
	if err != nil {
		return fmt.Errorf("failed to list audit entries: %w", err)
	}
	if entries == nil {
		entries = []*domain.AuditEntry{}
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(entries); err != nil {
		return fmt.Errorf("failed to encode audit entries: %w", err)
	}
	s.logger.Debug("Audit export completed", zap.Int("entries", len(entries)))
	return nil
}

// Cleanup removes audit entries older than the retention window.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	before := time.Now().Add(-s.retention)
	s.logger.Debug("Running audit log cleanup", zap.Time("before", before))

	deleted, err := s.repo.DeleteBefore(ctx, before)
	if err != nil {
		s.logger.Error("Audit cleanup failed", zap.Error(err))
		return 0, fmt.Errorf("failed to cleanup old audit entries: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("Audit cleanup completed", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (s *Service) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.logger.Warn("Scheduled audit cleanup failed", zap.Error(err))
			}
		}
	}
}
