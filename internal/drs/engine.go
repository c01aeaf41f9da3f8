// Package drs implements the Distributed Resource Scheduler for VM load balancing.
package drs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/scheduler"
)

// ClusterRepository lists the clusters DRS balances.
type ClusterRepository interface {
	List(ctx context.Context) ([]*domain.Cluster, error)
}

// HostRepository defines the interface for host data access.
type HostRepository interface {
	ListByCluster(ctx context.Context, clusterID string) ([]*domain.Host, error)
}

// VMRepository defines the interface for VM data access.
type VMRepository interface {
	ListByHost(ctx context.Context, hostID string) ([]*domain.VirtualMachine, error)
}

// Placement validates recommendation targets.
type Placement interface {
	ValidateMigrationTarget(ctx context.Context, vmID, targetHostID string, opts scheduler.ValidateOptions) error
}

// Migrator performs the migrations DRS recommends.
type Migrator interface {
	MigrateVM(ctx context.Context, vmID, hostID string, force bool) (*domain.VirtualMachine, error)
}

// AlertService creates alerts for DRS events.
type AlertService interface {
	ClusterAlert(ctx context.Context, severity domain.AlertSeverity, clusterID, title, message string) (*domain.Alert, error)
}

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

// Priority ranks a recommendation by how overloaded its source host is.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Status is the lifecycle of a recommendation.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusApplied  Status = "APPLIED"
	StatusRejected Status = "REJECTED"
	StatusFailed   Status = "FAILED"
)

// Recommendation proposes moving one VM off an overloaded host.
type Recommendation struct {
	ID           string     `json:"id"`
	ClusterID    string     `json:"cluster_id"`
	Priority     Priority   `json:"priority"`
	Reason       string     `json:"reason"`
	VMID         string     `json:"vm_id"`
	VMName       string     `json:"vm_name"`
	SourceHostID string     `json:"source_host_id"`
	TargetHostID string     `json:"target_host_id"`
	ImpactCPU    int32      `json:"impact_cpu"`
	ImpactMemory int32      `json:"impact_memory"`
	Status       Status     `json:"status"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	AppliedAt    *time.Time `json:"applied_at,omitempty"`
	AppliedBy    string     `json:"applied_by,omitempty"`
}

// HostMetrics contains the allocation of a host.
type HostMetrics struct {
	HostID        string
	Name          string
	TotalCPU      int32
	UsedCPU       float64
	CPUPercent    float64
	TotalMemory   int64
	UsedMemory    float64
	MemoryPercent float64
	VMCount       int
}

// Engine is the DRS engine that analyzes cluster balance and generates recommendations.
type Engine struct {
	config        config.DRSConfig
	clusters      ClusterRepository
	hosts         HostRepository
	vms           VMRepository
	placement     Placement
	migrator      Migrator
	alertService  AlertService
	leaderChecker LeaderChecker
	haTags        []string
	logger        *zap.Logger

	mu              sync.RWMutex
	isRunning       bool
	lastAnalysis    time.Time
	recommendations map[string]*Recommendation
}

// NewEngine creates a new DRS engine.
func NewEngine(
	cfg config.DRSConfig,
	clusters ClusterRepository,
	hosts HostRepository,
	vms VMRepository,
	placement Placement,
	migrator Migrator,
	alertService AlertService,
	leaderChecker LeaderChecker,
	haTags []string,
	logger *zap.Logger,
) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Engine{
		config:          cfg,
		clusters:        clusters,
		hosts:           hosts,
		vms:             vms,
		placement:       placement,
		migrator:        migrator,
		alertService:    alertService,
		leaderChecker:   leaderChecker,
		haTags:          haTags,
		logger:          logger.With(zap.String("component", "drs")),
		recommendations: make(map[string]*Recommendation),
	}
}

// Start begins the DRS analysis loop.
func (e *Engine) Start(ctx context.Context) {
	if !e.config.Enabled {
		e.logger.Info("DRS engine disabled")
		return
	}

	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = true
	e.mu.Unlock()

	e.logger.Info("Starting DRS engine",
		zap.Duration("interval", e.config.Interval),
		zap.String("automation_level", e.config.AutomationLevel),
		zap.Int("cpu_threshold", e.config.ThresholdCPU),
		zap.Int("memory_threshold", e.config.ThresholdMemory),
	)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	// Run initial analysis
	e.runAnalysis(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("DRS engine stopped")
			e.mu.Lock()
			e.isRunning = false
			e.mu.Unlock()
			return
		case <-ticker.C:
			e.runAnalysis(ctx)
		}
	}
}

// runAnalysis performs a single DRS analysis cycle.
func (e *Engine) runAnalysis(ctx context.Context) {
	// Only run on leader
	if e.leaderChecker != nil && !e.leaderChecker.IsLeader() {
		e.logger.Debug("Not leader, skipping DRS analysis")
		return
	}

	start := time.Now()
	recs, err := e.Analyze(ctx)
	if err != nil {
		e.logger.Error("DRS analysis failed", zap.Error(err))
		return
	}

	e.cleanup(time.Now().Add(-24 * time.Hour))
	e.logger.Debug("DRS analysis complete",
		zap.Duration("duration", time.Since(start)),
		zap.Int("recommendations", len(recs)),
	)
}

// Analyze inspects every DRS-enabled cluster and records new recommendations.
// Clusters in an automated mode get eligible recommendations applied at once.
func (e *Engine) Analyze(ctx context.Context) ([]*Recommendation, error) {
	clusters, err := e.clusters.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}

	var all []*Recommendation
	for _, cluster := range clusters {
		if !cluster.DRSEnabled {
			continue
		}
		recs, err := e.analyzeCluster(ctx, cluster)
		if err != nil {
			e.logger.Warn("Failed to analyze cluster", zap.String("cluster_id", cluster.ID), zap.Error(err))
			continue
		}

		for _, rec := range recs {
			e.store(rec)
			e.logger.Info("DRS recommendation created",
				zap.String("id", rec.ID),
				zap.String("priority", string(rec.Priority)),
				zap.String("vm_id", rec.VMID),
				zap.String("source_host_id", rec.SourceHostID),
				zap.String("target_host_id", rec.TargetHostID),
				zap.String("reason", rec.Reason),
			)

			if e.autoApply(cluster, rec) {
				e.logger.Info("Auto-applying DRS recommendation", zap.String("id", rec.ID))
				if _, err := e.ApplyRecommendation(ctx, rec.ID, "drs"); err != nil {
					e.logger.Warn("Auto-apply failed", zap.String("id", rec.ID), zap.Error(err))
				}
			}
		}
		all = append(all, recs...)

		if len(recs) > 0 && e.alertService != nil {
			e.alertService.ClusterAlert(ctx, domain.AlertSeverityInfo, cluster.ID,
				"DRS Recommendations",
				fmt.Sprintf("DRS produced %d recommendation(s) for cluster %s.", len(recs), cluster.Name),
			)
		}
	}

	e.mu.Lock()
	e.lastAnalysis = time.Now()
	e.mu.Unlock()
	return all, nil
}

func (e *Engine) autoApply(cluster *domain.Cluster, rec *Recommendation) bool {
	switch cluster.DRSMode {
	case domain.DRSModeFullyAutomated:
		return true
	case domain.DRSModePartiallyAutomated:
		return rec.Priority == PriorityCritical
	}
	return e.config.AutomationLevel == "full" && rec.Priority == PriorityCritical
}

func (e *Engine) analyzeCluster(ctx context.Context, cluster *domain.Cluster) ([]*Recommendation, error) {
	hosts, err := e.hosts.ListByCluster(ctx, cluster.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	var metrics []HostMetrics
	residents := make(map[string][]*domain.VirtualMachine)
	haHosts := make(map[string]bool)
	for _, host := range hosts {
		if !host.IsUp() {
			continue
		}
		vms, err := e.vms.ListByHost(ctx, host.ID)
		if err != nil {
			e.logger.Warn("Failed to list VMs for host", zap.String("host_id", host.ID), zap.Error(err))
			continue
		}
		residents[host.ID] = vms
		if host.IsHAHost(e.haTags) {
			haHosts[host.ID] = true
		}
		metrics = append(metrics, calculateHostMetrics(host, vms))
	}

	if len(metrics) < 2 {
		e.logger.Debug("Not enough hosts for DRS", zap.String("cluster_id", cluster.ID), zap.Int("host_count", len(metrics)))
		return nil, nil
	}

	return e.analyzeBalance(ctx, cluster.ID, metrics, residents, haHosts), nil
}

// calculateHostMetrics computes the allocation of a host from its resident VMs.
func calculateHostMetrics(host *domain.Host, vms []*domain.VirtualMachine) HostMetrics {
	var usedCPU, usedMemory float64
	running := 0
	for _, vm := range vms {
		if vm.OccupiesHost(host.ID) {
			usedCPU += float64(vm.CPU)
			usedMemory += float64(vm.MemoryMiB)
			running++
		}
	}

	cpuPercent := 0.0
	if host.CPUCores > 0 {
		cpuPercent = usedCPU / float64(host.CPUCores) * 100
	}
	memPercent := 0.0
	if host.MemoryMiB > 0 {
		memPercent = usedMemory / float64(host.MemoryMiB) * 100
	}

	return HostMetrics{
		HostID:        host.ID,
		Name:          host.Name,
		TotalCPU:      host.CPUCores,
		UsedCPU:       usedCPU,
		CPUPercent:    cpuPercent,
		TotalMemory:   host.MemoryMiB,
		UsedMemory:    usedMemory,
		MemoryPercent: memPercent,
		VMCount:       running,
	}
}

// analyzeBalance pairs overloaded hosts with the least loaded valid target.
// HA hosts are reserved for failover and never receive balancing moves.
func (e *Engine) analyzeBalance(ctx context.Context, clusterID string, metrics []HostMetrics, residents map[string][]*domain.VirtualMachine, haHosts map[string]bool) []*Recommendation {
	cpuLimit := float64(e.config.ThresholdCPU)
	memLimit := float64(e.config.ThresholdMemory)

	var overloaded, underloaded []HostMetrics
	for _, m := range metrics {
		if len(residents[m.HostID]) > 0 && (m.CPUPercent > cpuLimit || m.MemoryPercent > memLimit) {
			overloaded = append(overloaded, m)
		} else if !haHosts[m.HostID] && m.CPUPercent < cpuLimit-20 && m.MemoryPercent < memLimit-20 {
			underloaded = append(underloaded, m)
		}
	}

	sort.Slice(overloaded, func(i, j int) bool { return overloaded[i].CPUPercent > overloaded[j].CPUPercent })
	sort.Slice(underloaded, func(i, j int) bool {
		if underloaded[i].CPUPercent != underloaded[j].CPUPercent {
			return underloaded[i].CPUPercent < underloaded[j].CPUPercent
		}
		return underloaded[i].HostID < underloaded[j].HostID
	})

	var recommendations []*Recommendation
	for _, source := range overloaded {
		// Prefer the smallest running VM.
		candidates := make([]*domain.VirtualMachine, 0, len(residents[source.HostID]))
		for _, vm := range residents[source.HostID] {
			if vm.IsRunning() && vm.HostID == source.HostID {
				candidates = append(candidates, vm)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].CPU != candidates[j].CPU {
				return candidates[i].CPU < candidates[j].CPU
			}
			return candidates[i].ID < candidates[j].ID
		})

		rec := e.pickMove(ctx, clusterID, source, candidates, underloaded)
		if rec != nil {
			recommendations = append(recommendations, rec)
		}
	}
	return recommendations
}

func (e *Engine) pickMove(ctx context.Context, clusterID string, source HostMetrics, vms []*domain.VirtualMachine, targets []HostMetrics) *Recommendation {
	for _, vm := range vms {
		for _, target := range targets {
			err := e.placement.ValidateMigrationTarget(ctx, vm.ID, target.HostID, scheduler.ValidateOptions{HATags: e.haTags})
			if err != nil {
				continue
			}
			return &Recommendation{
				ID:           uuid.NewString(),
				ClusterID:    clusterID,
				Priority:     calculatePriority(source.CPUPercent, source.MemoryPercent),
				Reason:       e.generateReason(source),
				VMID:         vm.ID,
				VMName:       vm.Name,
				SourceHostID: source.HostID,
				TargetHostID: target.HostID,
				ImpactCPU:    int32((source.CPUPercent - target.CPUPercent) / 2),
				ImpactMemory: int32((source.MemoryPercent - target.MemoryPercent) / 2),
				Status:       StatusPending,
				CreatedAt:    time.Now(),
			}
		}
	}
	return nil
}

// calculatePriority determines recommendation priority based on usage.
func calculatePriority(cpuPercent, memPercent float64) Priority {
	maxPercent := cpuPercent
	if memPercent > maxPercent {
		maxPercent = memPercent
	}

	switch {
	case maxPercent >= 95:
		return PriorityCritical
	case maxPercent >= 90:
		return PriorityHigh
	case maxPercent >= 85:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// generateReason creates a human-readable reason for the recommendation.
func (e *Engine) generateReason(source HostMetrics) string {
	cpuHigh := source.CPUPercent > float64(e.config.ThresholdCPU)
	memHigh := source.MemoryPercent > float64(e.config.ThresholdMemory)
	switch {
	case cpuHigh && memHigh:
		return fmt.Sprintf("Host %s is overloaded (CPU: %.1f%%, Memory: %.1f%%)", source.Name, source.CPUPercent, source.MemoryPercent)
	case cpuHigh:
		return fmt.Sprintf("Host %s has high CPU allocation (%.1f%%)", source.Name, source.CPUPercent)
	default:
		return fmt.Sprintf("Host %s has high memory allocation (%.1f%%)", source.Name, source.MemoryPercent)
	}
}

// PendingRecommendations returns pending recommendations, oldest first.
func (e *Engine) PendingRecommendations(limit int) []*Recommendation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*Recommendation
	for _, rec := range e.recommendations {
		if rec.Status == StatusPending || rec.Status == StatusApproved {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ApproveRecommendation marks a recommendation as approved.
func (e *Engine) ApproveRecommendation(id string) (*Recommendation, error) {
	return e.setStatus(id, StatusApproved)
}

// RejectRecommendation marks a recommendation as rejected.
func (e *Engine) RejectRecommendation(id string) (*Recommendation, error) {
	return e.setStatus(id, StatusRejected)
}

// ApplyRecommendation performs the recommended migration through the VM service,
// which re-validates the target. It is never forced.
func (e *Engine) ApplyRecommendation(ctx context.Context, id, appliedBy string) (*Recommendation, error) {
	e.mu.Lock()
	rec, ok := e.recommendations[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("recommendation %s: %w", id, domain.ErrNotFound)
	}
	if rec.Status != StatusPending && rec.Status != StatusApproved {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: recommendation %s is %s", domain.ErrConflict, id, rec.Status)
	}
	vmID, target := rec.VMID, rec.TargetHostID
	e.mu.Unlock()

	_, migrateErr := e.migrator.MigrateVM(ctx, vmID, target, false)

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	rec.AppliedAt = &now
	rec.AppliedBy = appliedBy
	if migrateErr != nil {
		rec.Status = StatusFailed
		rec.Error = migrateErr.Error()
		c := *rec
		return &c, fmt.Errorf("failed to apply recommendation %s: %w", id, migrateErr)
	}
	rec.Status = StatusApplied
	c := *rec
	return &c, nil
}

// GetLastAnalysisTime returns when the last analysis was performed.
func (e *Engine) GetLastAnalysisTime() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastAnalysis
}

// IsRunning returns true if the DRS engine is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

func (e *Engine) store(rec *Recommendation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recommendations[rec.ID] = rec
}

func (e *Engine) setStatus(id string, status Status) (*Recommendation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.recommendations[id]
	if !ok {
		return nil, fmt.Errorf("recommendation %s: %w", id, domain.ErrNotFound)
	}
	if rec.Status != StatusPending && rec.Status != StatusApproved {
		return nil, fmt.Errorf("%w: recommendation %s is %s", domain.ErrConflict, id, rec.Status)
	}
	rec.Status = status
	c := *rec
	return &c, nil
}

// cleanup drops recommendations created before cutoff.
func (e *Engine) cleanup(cutoff time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, rec := range e.recommendations {
		if rec.CreatedAt.Before(cutoff) {
			delete(e.recommendations, id)
		}
	}
}
