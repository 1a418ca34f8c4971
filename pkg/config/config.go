// Package config loads and normalizes execution core configuration from
// defaults, an optional YAML file, and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/datacore/execution-core/infrastructure/utils"
)

// ServerConfig controls the thin HTTP edge (health, liveness, telemetry
// subscription, mapping validation) — full CRUD/auth routing is out of scope per spec §1.
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port            int           `json:"port" yaml:"port" env:"SERVER_PORT"`
	RequestTimeout  time.Duration `json:"request_timeout" yaml:"request_timeout" env:"SERVER_REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig controls the Persistence Gateway's Postgres connection.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
	// ListenChannel is the Postgres NOTIFY channel the gateway's pq.Listener
	// subscribes to for schedule-affecting mutations (jobs, schedules).
	ListenChannel string `json:"listen_channel" yaml:"listen_channel" env:"DATABASE_LISTEN_CHANNEL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// SecurityConfig controls connection-info envelope encryption (§1: the core
// calls Encrypt/Decrypt, key management itself stays out of scope).
type SecurityConfig struct {
	ConnectionInfoKey string `json:"connection_info_key" yaml:"connection_info_key" env:"CONNECTION_INFO_ENCRYPTION_KEY"`
}

// SchedulerConfig controls the Scheduler (component G).
type SchedulerConfig struct {
	TickPeriod      time.Duration `json:"tick_period" yaml:"tick_period" env:"SCHEDULER_TICK_PERIOD"`
	LookaheadWindow time.Duration `json:"lookahead_window" yaml:"lookahead_window" env:"SCHEDULER_LOOKAHEAD_WINDOW"`
	CatchUpLimit    int           `json:"catch_up_limit" yaml:"catch_up_limit" env:"SCHEDULER_CATCH_UP_LIMIT"`
}

// RunnerConfig controls the Execution Runner (component H).
type RunnerConfig struct {
	MaxConcurrency    int           `json:"max_concurrency" yaml:"max_concurrency" env:"RUNNER_MAX_CONCURRENCY"`
	QueueCapacity     int           `json:"queue_capacity" yaml:"queue_capacity" env:"RUNNER_QUEUE_CAPACITY"`
	DefaultTimeout    time.Duration `json:"default_timeout" yaml:"default_timeout" env:"RUNNER_DEFAULT_TIMEOUT"`
	MaxRetries        int           `json:"max_retries" yaml:"max_retries" env:"RUNNER_MAX_RETRIES"`
	RetryBaseDelay    time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" env:"RUNNER_RETRY_BASE_DELAY"`
	CheckpointMaxKept int           `json:"checkpoint_max_kept" yaml:"checkpoint_max_kept" env:"RUNNER_CHECKPOINT_MAX_KEPT"`
}

// SandboxConfig controls the Expression Sandbox (component C).
type SandboxConfig struct {
	MaxCPUTime     time.Duration `json:"max_cpu_time" yaml:"max_cpu_time" env:"SANDBOX_MAX_CPU_TIME"`
	MaxMemoryBytes int64         `json:"max_memory_bytes" yaml:"max_memory_bytes" env:"SANDBOX_MAX_MEMORY_BYTES"`
	MaxStatements  int           `json:"max_statements" yaml:"max_statements" env:"SANDBOX_MAX_STATEMENTS"`
}

// RateLimitConfig controls Rate & Admission Control (component I).
type RateLimitConfig struct {
	WindowSize     time.Duration `json:"window_size" yaml:"window_size" env:"RATELIMIT_WINDOW_SIZE"`
	BaseMaxTokens  int           `json:"base_max_tokens" yaml:"base_max_tokens" env:"RATELIMIT_BASE_MAX_TOKENS"`
	MinMultiplier  float64       `json:"min_multiplier" yaml:"min_multiplier" env:"RATELIMIT_MIN_MULTIPLIER"`
	MaxMultiplier  float64       `json:"max_multiplier" yaml:"max_multiplier" env:"RATELIMIT_MAX_MULTIPLIER"`
	LoadSampleRate time.Duration `json:"load_sample_rate" yaml:"load_sample_rate" env:"RATELIMIT_LOAD_SAMPLE_RATE"`
}

// AuditConfig controls the Audit & Alert Manager (component J).
type AuditConfig struct {
	BufferSize       int           `json:"buffer_size" yaml:"buffer_size" env:"AUDIT_BUFFER_SIZE"`
	FlushInterval    time.Duration `json:"flush_interval" yaml:"flush_interval" env:"AUDIT_FLUSH_INTERVAL"`
	AlertCooldown    time.Duration `json:"alert_cooldown" yaml:"alert_cooldown" env:"AUDIT_ALERT_COOLDOWN"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" env:"AUDIT_FAILURE_THRESHOLD"`
}

// TelemetryConfig controls the Telemetry Hub (component K).
type TelemetryConfig struct {
	RollupInterval    time.Duration `json:"rollup_interval" yaml:"rollup_interval" env:"TELEMETRY_ROLLUP_INTERVAL"`
	RetentionWindow   time.Duration `json:"retention_window" yaml:"retention_window" env:"TELEMETRY_RETENTION_WINDOW"`
	SubscriberBuffer  int           `json:"subscriber_buffer" yaml:"subscriber_buffer" env:"TELEMETRY_SUBSCRIBER_BUFFER"`
	AnomalyZThreshold float64       `json:"anomaly_z_threshold" yaml:"anomaly_z_threshold" env:"TELEMETRY_ANOMALY_Z_THRESHOLD"`
}

// Config is the top-level configuration structure for the execution core.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Runner    RunnerConfig    `json:"runner" yaml:"runner"`
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Audit     AuditConfig     `json:"audit" yaml:"audit"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// New returns a configuration populated with defaults matching the
// invariants and budgets named throughout spec §4 and §6.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
			ListenChannel:   "execution_core_events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Security: SecurityConfig{},
		Scheduler: SchedulerConfig{
			TickPeriod:      5 * time.Second,
			LookaheadWindow: time.Minute,
			CatchUpLimit:    1,
		},
		Runner: RunnerConfig{
			MaxConcurrency:    5,
			QueueCapacity:     1000,
			DefaultTimeout:    5 * time.Minute,
			MaxRetries:        3,
			RetryBaseDelay:    time.Second,
			CheckpointMaxKept: 200,
		},
		Sandbox: SandboxConfig{
			MaxCPUTime:     5 * time.Second,
			MaxMemoryBytes: 50 * 1024 * 1024,
			MaxStatements:  1_000_000,
		},
		RateLimit: RateLimitConfig{
			WindowSize:     time.Minute,
			BaseMaxTokens:  600,
			MinMultiplier:  0.25,
			MaxMultiplier:  2.0,
			LoadSampleRate: 5 * time.Second,
		},
		Audit: AuditConfig{
			BufferSize:       100,
			FlushInterval:    30 * time.Second,
			AlertCooldown:    60 * time.Second,
			FailureThreshold: 5,
		},
		Telemetry: TelemetryConfig{
			RollupInterval:    time.Minute,
			RetentionWindow:   24 * time.Hour,
			SubscriberBuffer:  256,
			AnomalyZThreshold: 3.0,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string from host parameters.
func (c DatabaseConfig) ConnectionString() string {
	if strings.TrimSpace(c.DSN) != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from an optional YAML file (configs/config.yaml,
// or CONFIG_FILE if set) and layers environment variable overrides on top.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := utils.GetEnvOptional("CONFIG_FILE"); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyDatabaseURLOverride lets DATABASE_URL override a file-based DSN to
// reduce local setup friction, matching the teacher platform's convention.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := utils.GetEnvOptional("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
