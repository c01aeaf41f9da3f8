// Package server provides the HTTP/Connect-RPC server for the orchestration core.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/drs"
	"github.com/limiquantix/orchestrator/internal/driver"
	"github.com/limiquantix/orchestrator/internal/ha"
	"github.com/limiquantix/orchestrator/internal/jobs"
	"github.com/limiquantix/orchestrator/internal/ledger"
	"github.com/limiquantix/orchestrator/internal/lock"
	"github.com/limiquantix/orchestrator/internal/maintenance"
	"github.com/limiquantix/orchestrator/internal/metrics"
	"github.com/limiquantix/orchestrator/internal/repository/etcd"
	"github.com/limiquantix/orchestrator/internal/repository/memory"
	"github.com/limiquantix/orchestrator/internal/repository/postgres"
	"github.com/limiquantix/orchestrator/internal/repository/redis"
	"github.com/limiquantix/orchestrator/internal/repository/sqlite"
	"github.com/limiquantix/orchestrator/internal/scheduler"
	"github.com/limiquantix/orchestrator/internal/services/alert"
	"github.com/limiquantix/orchestrator/internal/services/audit"
	"github.com/limiquantix/orchestrator/internal/services/vm"
	"github.com/limiquantix/orchestrator/internal/snapshot"
)

// Version is reported by /api/v1/info. It is overridden at link time.
var Version = "0.1.0"

// hostStore is the host persistence the server needs for inventory RPCs.
type hostStore interface {
	Create(ctx context.Context, h *domain.Host) (*domain.Host, error)
	Get(ctx context.Context, id string) (*domain.Host, error)
	List(ctx context.Context) ([]*domain.Host, error)
	ListByCluster(ctx context.Context, clusterID string) ([]*domain.Host, error)
	Update(ctx context.Context, h *domain.Host) (*domain.Host, error)
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error
}

type clusterStore interface {
	Create(ctx context.Context, c *domain.Cluster) (*domain.Cluster, error)
	Get(ctx context.Context, id string) (*domain.Cluster, error)
	List(ctx context.Context) ([]*domain.Cluster, error)
}

type offeringStore interface {
	Create(ctx context.Context, o *domain.ServiceOffering) (*domain.ServiceOffering, error)
	Get(ctx context.Context, id string) (*domain.ServiceOffering, error)
	List(ctx context.Context) ([]*domain.ServiceOffering, error)
}

type volumeStore interface {
	Create(ctx context.Context, v *domain.Volume) (*domain.Volume, error)
	Get(ctx context.Context, id string) (*domain.Volume, error)
	ListByVM(ctx context.Context, vmID string) ([]*domain.Volume, error)
	ListByAccount(ctx context.Context, accountID string) ([]*domain.Volume, error)
	Delete(ctx context.Context, id string) error
}

// Server represents the main HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	db     *postgres.DB
	cache  *redis.Cache
	etcd   *etcd.Client
	sqlite *sqlite.Store

	// Repositories (PostgreSQL or in-memory)
	hostRepo     hostStore
	clusterRepo  clusterStore
	offeringRepo offeringStore
	volumeRepo   volumeStore
	vmRepo       vm.Repository
	snapshotRepo snapshot.SnapshotRepository
	policyRepo   snapshot.PolicyRepository
	jobRepo      jobs.Repository
	auditRepo    audit.Repository
	alertRepo    alert.Repository
	ledgerStore  ledger.Store

	// Services
	metrics     *metrics.Collector
	locker      lock.Locker
	driver      *driver.Simulated
	planner     *scheduler.Planner
	ledger      *ledger.Ledger
	alerts      *alert.Service
	audit       *audit.Service
	jobs        *jobs.Manager
	snapshots   *snapshot.Scheduler
	vmService   *vm.Service
	maintenance *maintenance.Coordinator
	ha          *ha.Manager
	drs         *drs.Engine

	// Leader election (for HA)
	leader atomic.Pointer[etcd.Leader]

	wg sync.WaitGroup
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithPostgreSQL enables PostgreSQL as the data store.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables Redis event fan-out.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd for distributed locking and leader election.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// New creates a new server instance.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	mux := http.NewServeMux()

	s := &Server{
		config: cfg,
		logger: logger,
		mux:    mux,
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.initRepositories(ctx); err != nil {
		return nil, err
	}

	s.initServices()

	s.registerRoutes()

	handler := s.setupMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// initRepositories initializes data repositories.
func (s *Server) initRepositories(ctx context.Context) error {
	if s.db != nil {
		s.logger.Info("Initializing PostgreSQL repositories")
		pool := s.db.Pool()
		s.hostRepo = postgres.NewHostRepository(s.db, s.logger)
		s.clusterRepo = postgres.NewClusterRepository(s.db, s.logger)
		s.offeringRepo = postgres.NewOfferingRepository(s.db)
		s.volumeRepo = postgres.NewVolumeRepository(s.db)
		s.vmRepo = postgres.NewVMRepository(s.db, s.logger)
		s.snapshotRepo = postgres.NewSnapshotRepository(pool)
		s.policyRepo = postgres.NewPolicyRepository(pool)
		s.jobRepo = postgres.NewJobRepository(pool, s.logger)
		s.auditRepo = postgres.NewAuditRepository(pool)
		s.alertRepo = postgres.NewAlertRepository(pool)
	} else {
		// Development mode
		s.logger.Info("Initializing in-memory repositories")
		s.hostRepo = memory.NewHostRepository()
		s.clusterRepo = memory.NewClusterRepository()
		s.offeringRepo = memory.NewOfferingRepository()
		s.volumeRepo = memory.NewVolumeRepository()
		s.vmRepo = memory.NewVMRepository()
		s.snapshotRepo = memory.NewSnapshotRepository()
		s.policyRepo = memory.NewPolicyRepository()
		s.jobRepo = memory.NewJobRepository()
		s.auditRepo = memory.NewAuditRepository()
		s.alertRepo = memory.NewAlertRepository()
	}

	switch s.config.Ledger.Store {
	case "postgres":
		if s.db == nil {
			return fmt.Errorf("ledger store %q requires database.enabled", s.config.Ledger.Store)
		}
		s.ledgerStore = postgres.NewLedgerStore(s.db.Pool())
	case "sqlite":
		store, err := sqlite.Open(ctx, s.config.Ledger.SQLitePath, s.logger)
		if err != nil {
			return fmt.Errorf("failed to open ledger store: %w", err)
		}
		s.sqlite = store
		s.ledgerStore = store
	default:
		s.ledgerStore = memory.NewLedgerStore()
	}

	s.logger.Info("Repositories initialized",
		zap.Bool("postgres", s.db != nil),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("etcd", s.etcd != nil),
		zap.String("ledger_store", s.config.Ledger.Store),
	)
	return nil
}

// initServices initializes business logic services.
func (s *Server) initServices() {
	s.logger.Info("Initializing services")

	cfg := s.config
	haTags := cfg.Placement.HATags()

	s.metrics = metrics.NewCollector()

	if s.etcd != nil {
		s.locker = etcd.NewLocker(s.etcd)
	} else {
		s.locker = lock.NewKeyedLocker()
	}

	schedulerConfig := scheduler.ConfigFromPlacement(cfg.Placement)
	s.planner = scheduler.New(s.hostRepo, s.vmRepo, schedulerConfig, s.metrics, s.logger)

	s.ledger = ledger.New(s.ledgerStore, s.locker, cfg.Ledger, s.metrics, s.logger)
	s.driver = driver.NewSimulated(s.logger)

	var (
		alertPublisher alert.EventPublisher
		jobPublisher   jobs.EventPublisher
	)
	if s.cache != nil {
		alertPublisher = s.cache
		jobPublisher = s.cache
	}
	s.alerts = alert.NewService(s.alertRepo, alertPublisher, s.logger)
	s.audit = audit.NewService(s.auditRepo, cfg.Audit.Retention, s.logger)
	s.jobs = jobs.NewManager(s.jobRepo, jobPublisher, cfg.Jobs, s.metrics, s.logger)

	s.snapshots = snapshot.New(
		s.policyRepo,
		s.snapshotRepo,
		s.volumeRepo,
		s.vmRepo,
		s.ledger,
		s.locker,
		s.driver,
		s.driver,
		cfg.Snapshot,
		s.metrics,
		s.logger,
	)
	s.snapshots.SetAlerts(s.alerts)
	s.snapshots.SetAudit(s.audit)
	s.snapshots.SetLeaderChecker(s)

	s.vmService = vm.NewService(
		s.vmRepo,
		s.hostRepo,
		s.offeringRepo,
		s.volumeRepo,
		s.ledger,
		s.planner,
		s.driver,
		s.locker,
		haTags,
		cfg.Expunge,
		s.metrics,
		s.logger,
	)
	s.vmService.SetSnapshotHooks(s.snapshots)
	s.vmService.SetAudit(s.audit)

	s.maintenance = maintenance.NewCoordinator(
		s.hostRepo,
		s.vmRepo,
		s.vmService,
		s.driver,
		s.locker,
		cfg.Maintenance,
		s.metrics,
		s.logger,
	)
	s.maintenance.SetAlerts(s.alerts)
	s.maintenance.SetAudit(s.audit)

	s.ha = ha.NewManager(cfg.HA, s.hostRepo, s.vmRepo, s.vmService, s.alerts, s, s.logger)
	s.drs = drs.NewEngine(
		cfg.DRS,
		s.clusterRepo,
		s.hostRepo,
		s.vmRepo,
		s.planner,
		s.vmService,
		s.alerts,
		s,
		haTags,
		s.logger,
	)

	s.logger.Info("Services initialized",
		zap.Strings("ha_tags", haTags),
		zap.Float64("cpu_overcommit", schedulerConfig.OvercommitCPU),
		zap.Float64("memory_overcommit", schedulerConfig.OvercommitMemory),
		zap.Int("job_workers", cfg.Jobs.Workers),
	)
}

// registerRoutes registers all HTTP routes and Connect-RPC services.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	s.mux.HandleFunc("/api/v1/info", s.infoHandler)
	s.mux.HandleFunc("/api/v1/events", s.eventsHandler)
	s.mux.HandleFunc("/api/v1/audit/export", s.auditExportHandler)

	if s.config.Metrics.Enabled {
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.mux.Handle(path, s.metrics.Handler())
	}

	// =========================================================================
	// Connect-RPC Services
	// =========================================================================

	s.registerVMService()
	s.registerHostService()
	s.registerAccountService()
	s.registerJobService()
	s.registerSnapshotService()
	s.registerOperationsService()

	s.logger.Info("All routes registered")
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Skip logging for health checks
		if r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == "/live" {
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Flush forwards to the wrapped writer when it supports flushing.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "quantix-orchestrator",
	})
}

// readyHandler returns readiness status.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	check := func(name string, health func(context.Context) error) {
		if err := health(ctx); err != nil {
			ready = false
			details[name] = "unhealthy"
			return
		}
		details[name] = "healthy"
	}

	if s.db != nil {
		check("postgres", s.db.Health)
	}
	if s.cache != nil {
		check("redis", s.cache.Health)
	}
	if s.etcd != nil {
		check("etcd", s.etcd.Health)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":      ready,
		"leader":     s.IsLeader(),
		"components": details,
	})
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "Quantix Orchestrator",
		"version":     Version,
		"api_version": "v1",
		"services": []string{
			vmServiceName, hostServiceName, accountServiceName,
			jobServiceName, snapshotServiceName, operationsServiceName,
		},
		"infrastructure": map[string]any{
			"postgres":     s.db != nil,
			"redis":        s.cache != nil,
			"etcd":         s.etcd != nil,
			"ledger_store": s.config.Ledger.Store,
		},
	})
}

// auditExportHandler streams the audit log as CSV or JSON. Query parameters
// account_id, action, resource_type and resource_id narrow the export.
func (s *Server) auditExportHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		AccountID:    q.Get("account_id"),
		Action:       domain.AuditAction(q.Get("action")),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
	}

	var err error
	switch format := q.Get("format"); format {
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		err = s.audit.ExportToJSON(r.Context(), filter, w)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
		err = s.audit.ExportToCSV(r.Context(), filter, w)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported format " + format})
		return
	}
	if err != nil {
		s.logger.Error("Audit export failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// IsLeader reports whether this replica runs the leader-only loops. Without
// etcd the replica is always the leader.
func (s *Server) IsLeader() bool {
	if s.etcd == nil {
		return true
	}
	l := s.leader.Load()
	return l != nil && l.IsLeader()
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the background loops and the HTTP server and blocks until
// shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
	)

	if s.etcd != nil {
		candidate, _ := os.Hostname()
		candidate = fmt.Sprintf("%s:%d", candidate, s.config.Server.Port)
		leader := s.etcd.CampaignForLeader(ctx, "orchestrator", candidate, func(isLeader bool) {
			if isLeader {
				s.logger.Info("This instance is now the leader")
			} else {
				s.logger.Info("This instance is now a follower")
			}
		})
		s.leader.Store(leader)
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	s.startBackground(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		stopLoops()
		s.wg.Wait()
		return fmt.Errorf("server error: %w", err)
	}

	stopLoops()
	return s.Shutdown()
}

// startBackground launches the periodic loops. Loops that act on shared
// state check IsLeader on every pass.
func (s *Server) startBackground(ctx context.Context) {
	loops := map[string]func(context.Context){
		"jobs":     s.jobs.Start,
		"expunger": s.vmService.StartExpunger,
		"ha":       s.ha.Start,
		"drs":      s.drs.Start,
	}
	if s.config.Snapshot.Enabled {
		loops["snapshot"] = s.snapshots.Start
	}
	if s.config.Audit.Retention > 0 {
		loops["audit"] = func(ctx context.Context) {
			s.audit.StartCleanup(ctx, time.Hour)
		}
	}

	for name, loop := range loops {
		s.wg.Add(1)
		go func(name string, loop func(context.Context)) {
			defer s.wg.Done()
			s.logger.Debug("Background loop started", zap.String("loop", name))
			loop(ctx)
		}(name, loop)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	if leader := s.leader.Load(); leader != nil {
		if err := leader.Resign(shutdownCtx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	s.wg.Wait()
	s.jobs.Stop()

	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if s.sqlite != nil {
		if err := s.sqlite.Close(); err != nil {
			s.logger.Warn("Failed to close SQLite ledger store", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}
