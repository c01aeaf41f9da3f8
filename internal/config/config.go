// Package config provides configuration management for the Quantix orchestration core.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Etcd        EtcdConfig        `mapstructure:"etcd"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Placement   PlacementConfig   `mapstructure:"placement"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Expunge     ExpungeConfig     `mapstructure:"expunge"`
	Audit       AuditConfig       `mapstructure:"audit"`
	DRS         DRSConfig         `mapstructure:"drs"`
	HA          HAConfig          `mapstructure:"ha"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	CORS        CORSConfig        `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection string in URL form, as used by migrate.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LedgerConfig holds resource accounting configuration.
type LedgerConfig struct {
	// Store selects the backing store: memory, sqlite or postgres.
	Store      string `mapstructure:"store"`
	SQLitePath string `mapstructure:"sqlite_path"`
	// Default limits applied to owners without an explicit limit row.
	// A value of -1 means unlimited.
	DefaultAccountLimits map[string]int64 `mapstructure:"default_account_limits"`
	DefaultDomainLimits  map[string]int64 `mapstructure:"default_domain_limits"`
}

// PlacementConfig holds host selection configuration.
type PlacementConfig struct {
	// HATag is the host tag (or comma-separated tags) that marks hosts reserved for HA failover.
	HATag             string  `mapstructure:"ha_tag"`
	OvercommitCPU     float64 `mapstructure:"overcommit_cpu"`
	OvercommitMemory  float64 `mapstructure:"overcommit_memory"`
	ReservedCPUCores  int32   `mapstructure:"reserved_cpu_cores"`
	ReservedMemoryMiB int64   `mapstructure:"reserved_memory_mib"`
}

// HATags splits the configured HA tag into individual tags.
func (c PlacementConfig) HATags() []string {
	var tags []string
	for _, t := range strings.Split(c.HATag, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// MaintenanceConfig holds host maintenance configuration.
type MaintenanceConfig struct {
	// Fanout bounds the number of concurrent evacuation migrations per host.
	Fanout         int           `mapstructure:"fanout"`
	MigrateTimeout time.Duration `mapstructure:"migrate_timeout"`
}

// SnapshotConfig holds recurring snapshot configuration.
type SnapshotConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DeltaMax is the per-volume cap on physically present backups.
	DeltaMax int `mapstructure:"delta_max"`
	// ConcurrentPerHost bounds concurrent snapshot operations per host; 0 disables the limit.
	ConcurrentPerHost int           `mapstructure:"concurrent_per_host"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BackupRetries     uint64        `mapstructure:"backup_retries"`
	BackupRetryDelay  time.Duration `mapstructure:"backup_retry_delay"`
}

// JobsConfig holds async job configuration.
type JobsConfig struct {
	Workers       int           `mapstructure:"workers"`
	MaxRetries    uint64        `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	Retention     time.Duration `mapstructure:"retention"`
}

// ExpungeConfig holds deferred expunge configuration.
type ExpungeConfig struct {
	Delay    time.Duration `mapstructure:"delay"`
	Interval time.Duration `mapstructure:"interval"`
}

// AuditConfig holds audit log configuration.
type AuditConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// DRSConfig holds Distributed Resource Scheduler configuration.
type DRSConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	AutomationLevel string        `mapstructure:"automation_level"`
	Interval        time.Duration `mapstructure:"interval"`
	ThresholdCPU    int           `mapstructure:"threshold_cpu"`
	ThresholdMemory int           `mapstructure:"threshold_memory"`
}

// HAConfig holds High Availability configuration.
type HAConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("QUANTIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot express.
func (c *Config) Validate() error {
	switch c.Ledger.Store {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid ledger.store %q", c.Ledger.Store)
	}
	if c.Ledger.Store == "postgres" && !c.Database.Enabled {
		return fmt.Errorf("ledger.store postgres requires database.enabled")
	}
	if c.Maintenance.Fanout < 1 {
		return fmt.Errorf("maintenance.fanout must be at least 1, got %d", c.Maintenance.Fanout)
	}
	if c.Snapshot.DeltaMax < 1 {
		return fmt.Errorf("snapshot.delta_max must be at least 1, got %d", c.Snapshot.DeltaMax)
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1, got %d", c.Jobs.Workers)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "quantix")
	v.SetDefault("database.user", "quantix")
	v.SetDefault("database.password", "quantix")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// etcd
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Ledger
	v.SetDefault("ledger.store", "memory")
	v.SetDefault("ledger.sqlite_path", "quantix-ledger.db")
	v.SetDefault("ledger.default_account_limits", map[string]int64{
		"user_vm":           20,
		"public_ip":         20,
		"volume":            20,
		"snapshot":          20,
		"template":          20,
		"network":           20,
		"vpc":               20,
		"cpu":               40,
		"memory":            40960,
		"primary_storage":   200,
		"secondary_storage": 400,
	})
	v.SetDefault("ledger.default_domain_limits", map[string]int64{})

	// Placement
	v.SetDefault("placement.ha_tag", "")
	v.SetDefault("placement.overcommit_cpu", 2.0)
	v.SetDefault("placement.overcommit_memory", 1.0)
	v.SetDefault("placement.reserved_cpu_cores", 0)
	v.SetDefault("placement.reserved_memory_mib", 0)

	// Maintenance
	v.SetDefault("maintenance.fanout", 4)
	v.SetDefault("maintenance.migrate_timeout", "30m")

	// Snapshot
	v.SetDefault("snapshot.enabled", true)
	v.SetDefault("snapshot.delta_max", 16)
	v.SetDefault("snapshot.concurrent_per_host", 2)
	v.SetDefault("snapshot.poll_interval", "1m")
	v.SetDefault("snapshot.backup_retries", 3)
	v.SetDefault("snapshot.backup_retry_delay", "5s")

	// Jobs
	v.SetDefault("jobs.workers", 8)
	v.SetDefault("jobs.max_retries", 3)
	v.SetDefault("jobs.retry_interval", "1s")
	v.SetDefault("jobs.retention", "24h")

	// Expunge
	v.SetDefault("expunge.delay", "24h")
	v.SetDefault("expunge.interval", "5m")

	// Audit
	v.SetDefault("audit.retention", "720h")

	// DRS
	v.SetDefault("drs.enabled", false)
	v.SetDefault("drs.automation_level", "manual")
	v.SetDefault("drs.interval", "5m")
	v.SetDefault("drs.threshold_cpu", 80)
	v.SetDefault("drs.threshold_memory", 85)

	// HA
	v.SetDefault("ha.enabled", true)
	v.SetDefault("ha.check_interval", "30s")
	v.SetDefault("ha.heartbeat_timeout", "90s")
	v.SetDefault("ha.failure_threshold", 3)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
}
