// ============================================================================
// Beaver-Query Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration with defaults and validation
//
// Loading:
//   1. Start from Default()
//   2. Decode the YAML file on top of it (unknown keys are rejected)
//   3. Validate() collects every problem and reports them together
//
// Durations are written as Go duration strings ("30s", "250ms", "1h").
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-query/internal/budget"
	"github.com/ChuLiYu/beaver-query/internal/cache"
	"github.com/ChuLiYu/beaver-query/internal/compiler"
	"github.com/ChuLiYu/beaver-query/internal/engine"
	"github.com/ChuLiYu/beaver-query/internal/executor"
	"github.com/ChuLiYu/beaver-query/internal/scheduler"
	"github.com/ChuLiYu/beaver-query/internal/worker"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// ErrInvalidConfig 配置檢查失敗
var ErrInvalidConfig = errors.New("invalid config")

// Storage backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Tracing exporters
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlphttp"
)

// Config represents the complete system configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Budget    BudgetConfig    `yaml:"budget"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Compiler  CompilerConfig  `yaml:"compiler"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type TracingConfig struct {
	Exporter    string  `yaml:"exporter"` // none | stdout | otlphttp
	Endpoint    string  `yaml:"endpoint"` // otlphttp: host:port
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type StorageConfig struct {
	Backend          string        `yaml:"backend"` // memory | sqlite
	SQLitePath       string        `yaml:"sqlite_path"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotBackups  int           `yaml:"snapshot_backups"`
	WALPath          string        `yaml:"wal_path"`
	WALSync          bool          `yaml:"wal_sync"`
}

// EventsConfig 合成事件來源（memory 後端使用）
type EventsConfig struct {
	Step      time.Duration `yaml:"step"`
	MaxPoints int           `yaml:"max_points"`
}

type SchedulerConfig struct {
	Queues                map[types.QueueName]scheduler.QueueConfig `yaml:"queues"`
	PollInterval          time.Duration                             `yaml:"poll_interval"`
	DeadlineCheckInterval time.Duration                             `yaml:"deadline_check_interval"`
}

type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type BudgetConfig struct {
	Window             time.Duration               `yaml:"window"`
	ResetCheckInterval time.Duration               `yaml:"reset_check_interval"`
	Tiers              map[types.Tier]budget.Limits `yaml:"tiers"`
}

type ExecutorConfig struct {
	Parallel    bool `yaml:"parallel"`
	MaxParallel int  `yaml:"max_parallel"`
}

type CompilerConfig struct {
	ParallelSiblings bool    `yaml:"parallel_siblings"`
	RowLimit         int     `yaml:"row_limit"`
	ConfidenceLevel  float64 `yaml:"confidence_level"`
}

// Default 預設配置：記憶體儲存、關閉 tracing
func Default() Config {
	queues := make(map[types.QueueName]scheduler.QueueConfig, len(types.AllQueues))
	for _, q := range types.AllQueues {
		queues[q] = scheduler.DefaultQueueConfig()
	}
	copts := compiler.DefaultOptions()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Tracing: TracingConfig{Exporter: ExporterNone, ServiceName: "beaver-query", SampleRatio: 1},
		Storage: StorageConfig{
			Backend:          BackendMemory,
			SnapshotInterval: 30 * time.Second,
			SnapshotBackups:  2,
		},
		Events: EventsConfig{Step: time.Minute, MaxPoints: 4096},
		Scheduler: SchedulerConfig{
			Queues:                queues,
			PollInterval:          worker.DefaultPollInterval,
			DeadlineCheckInterval: 250 * time.Millisecond,
		},
		Cache: CacheConfig{
			TTL:           cache.DefaultTTL,
			MaxEntries:    cache.DefaultMaxEntries,
			PurgeInterval: time.Minute,
		},
		Budget: BudgetConfig{
			Window:             budget.DefaultWindow,
			ResetCheckInterval: time.Minute,
			Tiers:              budget.DefaultTiers(),
		},
		Compiler: CompilerConfig{
			RowLimit:        copts.RowLimit,
			ConfidenceLevel: copts.ConfidenceLevel,
		},
	}
}

// Load 讀取 YAML 檔案並套用在預設值上
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 內容並驗證
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.fillQueueDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fillQueueDefaults YAML 只寫了部分欄位的佇列，其餘欄位用預設值
func (c *Config) fillQueueDefaults() {
	def := scheduler.DefaultQueueConfig()
	for name, q := range c.Scheduler.Queues {
		if q.MaxWorkers == 0 {
			q.MaxWorkers = def.MaxWorkers
		}
		if q.BackpressureThreshold == 0 {
			q.BackpressureThreshold = def.BackpressureThreshold
		}
		c.Scheduler.Queues[name] = q
	}
}

// Validate 回傳所有不合理的設定
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Server.Addr == "" {
		bad("server.addr is required")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		bad("metrics.addr is required when metrics are enabled")
	}

	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLPHTTP:
		if c.Tracing.Endpoint == "" {
			bad("tracing.endpoint is required for the otlphttp exporter")
		}
	default:
		bad("unknown tracing.exporter %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		bad("tracing.sample_ratio must be within [0, 1]")
	}

	switch c.Storage.Backend {
	case BackendMemory:
		if c.Storage.WALPath != "" && c.Storage.SnapshotPath == "" {
			bad("storage.wal_path requires storage.snapshot_path")
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			bad("storage.sqlite_path is required for the sqlite backend")
		}
	default:
		bad("unknown storage.backend %q", c.Storage.Backend)
	}

	for name, q := range c.Scheduler.Queues {
		if !knownQueue(name) {
			bad("unknown queue %q", name)
			continue
		}
		if q.MaxWorkers <= 0 {
			bad("scheduler.queues.%s.max_workers must be positive", name)
		}
		if q.BackpressureThreshold <= 0 {
			bad("scheduler.queues.%s.backpressure_threshold must be positive", name)
		}
	}
	if c.Scheduler.PollInterval <= 0 {
		bad("scheduler.poll_interval must be positive")
	}

	if c.Cache.TTL <= 0 {
		bad("cache.ttl must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		bad("cache.max_entries must be positive")
	}
	if c.Budget.Window <= 0 {
		bad("budget.window must be positive")
	}
	for tier, l := range c.Budget.Tiers {
		if l.MaxConcurrentQueries <= 0 || l.MaxQueueDepth <= 0 || l.MaxComputeUnits <= 0 {
			bad("budget.tiers.%s limits must be positive", tier)
		}
	}
	if c.Compiler.RowLimit < 0 {
		bad("compiler.row_limit must not be negative")
	}
	if c.Compiler.ConfidenceLevel <= 0 || c.Compiler.ConfidenceLevel >= 1 {
		bad("compiler.confidence_level must be within (0, 1)")
	}
	return errors.Join(errs...)
}

func knownQueue(name types.QueueName) bool {
	for _, q := range types.AllQueues {
		if q == name {
			return true
		}
	}
	return false
}

// EngineConfig 轉換成引擎配置
func (c Config) EngineConfig() engine.Config {
	copts := compiler.DefaultOptions()
	copts.ParallelSiblings = c.Compiler.ParallelSiblings
	copts.RowLimit = c.Compiler.RowLimit
	copts.ConfidenceLevel = c.Compiler.ConfidenceLevel

	ec := engine.Config{
		Queues:                c.Scheduler.Queues,
		Compiler:              copts,
		Executor:              executor.Options{Parallel: c.Executor.Parallel, MaxParallel: c.Executor.MaxParallel},
		Tiers:                 c.Budget.Tiers,
		CacheTTL:              c.Cache.TTL,
		CacheMaxEntries:       c.Cache.MaxEntries,
		BudgetWindow:          c.Budget.Window,
		PollInterval:          c.Scheduler.PollInterval,
		DeadlineCheckInterval: c.Scheduler.DeadlineCheckInterval,
		BudgetRollInterval:    c.Budget.ResetCheckInterval,
		CachePurgeInterval:    c.Cache.PurgeInterval,
	}
	if c.Storage.Backend == BackendMemory {
		ec.SnapshotPath = c.Storage.SnapshotPath
		ec.SnapshotInterval = c.Storage.SnapshotInterval
		ec.SnapshotBackups = c.Storage.SnapshotBackups
		ec.WALPath = c.Storage.WALPath
		ec.WALSync = c.Storage.WALSync
	}
	return ec
}
