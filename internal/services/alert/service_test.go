package alert

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// MockRepository is a mock implementation of Repository.
type MockRepository struct {
	mu        sync.Mutex
	alerts    map[string]*domain.Alert
	updateErr error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{alerts: make(map[string]*domain.Alert)}
}

func (m *MockRepository) Create(ctx context.Context, a *domain.Alert) (*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *a
	m.alerts[a.ID] = &stored
	out := stored
	return &out, nil
}

func (m *MockRepository) Get(ctx context.Context, id string) (*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *a
	return &out, nil
}

func (m *MockRepository) List(ctx context.Context, filter AlertFilter) ([]*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.Alert
	for _, a := range m.alerts {
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.SourceType != "" && a.SourceType != filter.SourceType {
			continue
		}
		if filter.SourceID != "" && a.SourceID != filter.SourceID {
			continue
		}
		if filter.Resolved != nil && a.Resolved != *filter.Resolved {
			continue
		}
		out := *a
		result = append(result, &out)
	}
	return result, nil
}

func (m *MockRepository) Update(ctx context.Context, a *domain.Alert) (*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	if _, ok := m.alerts[a.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	stored := *a
	m.alerts[a.ID] = &stored
	out := stored
	return &out, nil
}

// recordingPublisher captures published event types.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (p *recordingPublisher) PublishAlert(ctx context.Context, eventType string, a *domain.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return p.err
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func newTestService() (*Service, *MockRepository, *recordingPublisher) {
	repo := NewMockRepository()
	pub := &recordingPublisher{}
	return NewService(repo, pub, zap.NewNop()), repo, pub
}

// =============================================================================
// Create / Resolve Tests
// =============================================================================

func TestCreateAlert(t *testing.T) {
	svc, _, pub := newTestService()
	ctx := context.Background()

	a, err := svc.HostAlert(ctx, domain.AlertSeverityCritical, "host-1", "Host stuck in maintenance", "3 VMs left")
	if err != nil {
		t.Fatalf("HostAlert failed: %v", err)
	}
	if a.ID == "" || a.SourceType != domain.AlertSourceHost || a.SourceID != "host-1" {
		t.Errorf("unexpected alert: %+v", a)
	}
	if a.Resolved || a.CreatedAt.IsZero() {
		t.Errorf("expected open alert with a timestamp, got %+v", a)
	}
	if pub.count("alert.created") != 1 {
		t.Error("expected alert.created event")
	}

	got, err := svc.GetAlert(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAlert failed: %v", err)
	}
	if got.Title != "Host stuck in maintenance" {
		t.Errorf("expected stored title, got %q", got.Title)
	}
}

func TestCreateAlert_PublishFailureIgnored(t *testing.T) {
	repo := NewMockRepository()
	svc := NewService(repo, &recordingPublisher{err: errors.New("redis down")}, zap.NewNop())

	if _, err := svc.VMAlert(context.Background(), domain.AlertSeverityWarning, "vm-1", "HA restart failed", ""); err != nil {
		t.Fatalf("VMAlert failed: %v", err)
	}
	if len(repo.alerts) != 1 {
		t.Errorf("expected alert stored, got %d", len(repo.alerts))
	}
}

func TestResolveAlert_Idempotent(t *testing.T) {
	svc, _, pub := newTestService()
	ctx := context.Background()

	a, _ := svc.SnapshotAlert(ctx, domain.AlertSeverityWarning, "snap-1", "Backup failed", "timeout")

	resolved, err := svc.ResolveAlert(ctx, a.ID)
	if err != nil {
		t.Fatalf("ResolveAlert failed: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedAt == nil {
		t.Fatalf("expected resolved alert, got %+v", resolved)
	}
	first := *resolved.ResolvedAt

	again, err := svc.ResolveAlert(ctx, a.ID)
	if err != nil {
		t.Fatalf("second ResolveAlert failed: %v", err)
	}
	if !again.ResolvedAt.Equal(first) {
		t.Error("expected resolution time unchanged")
	}
	if pub.count("alert.resolved") != 1 {
		t.Errorf("expected one alert.resolved event, got %d", pub.count("alert.resolved"))
	}
}

func TestResolveAlert_NotFound(t *testing.T) {
	svc, _, _ := newTestService()

	if _, err := svc.ResolveAlert(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveBySource(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	h1a, _ := svc.HostAlert(ctx, domain.AlertSeverityCritical, "host-1", "Maintenance stuck", "")
	h1b, _ := svc.HostAlert(ctx, domain.AlertSeverityWarning, "host-1", "Migration failed", "")
	h2, _ := svc.HostAlert(ctx, domain.AlertSeverityCritical, "host-2", "Maintenance stuck", "")
	vm, _ := svc.VMAlert(ctx, domain.AlertSeverityWarning, "host-1", "Same ID, other source", "")
	if _, err := svc.ResolveAlert(ctx, h1b.ID); err != nil {
		t.Fatalf("ResolveAlert failed: %v", err)
	}

	n, err := svc.ResolveBySource(ctx, domain.AlertSourceHost, "host-1")
	if err != nil {
		t.Fatalf("ResolveBySource failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 open alert resolved, got %d", n)
	}

	for _, tc := range []struct {
		id       string
		resolved bool
	}{
		{h1a.ID, true},
		{h1b.ID, true},
		{h2.ID, false},
		{vm.ID, false},
	} {
		got, _ := svc.GetAlert(ctx, tc.id)
		if got.Resolved != tc.resolved {
			t.Errorf("alert %s (%s/%s): resolved = %v, want %v", tc.id, got.SourceType, got.SourceID, got.Resolved, tc.resolved)
		}
	}
}

func TestResolveBySource_UpdateFailure(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.HostAlert(ctx, domain.AlertSeverityCritical, "host-1", "Maintenance stuck", ""); err != nil {
		t.Fatalf("HostAlert failed: %v", err)
	}
	repo.updateErr = errors.New("connection reset")

	if _, err := svc.ResolveBySource(ctx, domain.AlertSourceHost, "host-1"); err == nil {
		t.Fatal("expected error when the update fails")
	}
}

// =============================================================================
// Summary Tests
// =============================================================================

func TestGetAlertSummary(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	svc.HostAlert(ctx, domain.AlertSeverityCritical, "host-1", "a", "")
	svc.HostAlert(ctx, domain.AlertSeverityCritical, "host-2", "b", "")
	svc.VMAlert(ctx, domain.AlertSeverityWarning, "vm-1", "c", "")
	svc.ClusterAlert(ctx, domain.AlertSeverityInfo, "c1", "d", "")
	resolved, _ := svc.SnapshotAlert(ctx, domain.AlertSeverityWarning, "snap-1", "e", "")
	if _, err := svc.ResolveAlert(ctx, resolved.ID); err != nil {
		t.Fatalf("ResolveAlert failed: %v", err)
	}

	summary, err := svc.GetAlertSummary(ctx)
	if err != nil {
		t.Fatalf("GetAlertSummary failed: %v", err)
	}
	if summary.Critical != 2 || summary.Warning != 1 || summary.Info != 1 {
		t.Errorf("expected 2/1/1, got %+v", summary)
	}
}

func TestGetAlertSummary_Empty(t *testing.T) {
	svc, _, _ := newTestService()

	summary, err := svc.GetAlertSummary(context.Background())
	if err != nil {
		t.Fatalf("GetAlertSummary failed: %v", err)
	}
	if *summary != (AlertSummary{}) {
		t.Errorf("expected empty summary, got %+v", summary)
	}
}
