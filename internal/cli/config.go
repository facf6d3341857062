package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/claimqueue/internal/engine"
	"github.com/ChuLiYu/claimqueue/internal/events"
	"github.com/ChuLiYu/claimqueue/internal/store/gormstore"
	"github.com/ChuLiYu/claimqueue/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Journal JournalConfig `yaml:"journal"`
	Store   StoreConfig   `yaml:"store"`
	GRPC    struct {
		Port int `yaml:"port"`
	} `yaml:"grpc"`
	HTTP struct {
		Port int `yaml:"port"`
	} `yaml:"http"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Events struct {
		Enabled bool               `yaml:"enabled"`
		Kafka   events.KafkaConfig `yaml:"kafka"`
	} `yaml:"events"`
	Log LogConfig `yaml:"log"`
}

// EngineConfig 領取引擎設定
type EngineConfig struct {
	WorkerCount    int           `yaml:"worker_count"`
	QueueBuffer    int           `yaml:"queue_buffer"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	Retention      time.Duration `yaml:"retention"`
	PurgeInterval  time.Duration `yaml:"purge_interval"`
	AwaitTimeout   time.Duration `yaml:"await_timeout"`
}

// JournalConfig 寫前日誌與快照
type JournalConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Path             string        `yaml:"path"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	BufferSize       int           `yaml:"buffer_size"`
	Sync             bool          `yaml:"sync"`
}

// StoreConfig 任務/訂單儲存
type StoreConfig struct {
	Driver      string           `yaml:"driver"` // memory | mysql
	SeedFile    string           `yaml:"seed_file"`
	AutoMigrate bool             `yaml:"auto_migrate"`
	MySQL       gormstore.Config `yaml:"mysql"`
}

// LogConfig slog 設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// applyDefaults 補上零值欄位
func (c *Config) applyDefaults() {
	d := engine.DefaultConfig()
	if c.Engine.WorkerCount <= 0 {
		c.Engine.WorkerCount = d.WorkerCount
	}
	if c.Engine.QueueBuffer <= 0 {
		c.Engine.QueueBuffer = d.QueueBuffer
	}
	if c.Engine.MaxAttempts <= 0 {
		c.Engine.MaxAttempts = d.MaxAttempts
	}
	if c.Engine.BackoffBase <= 0 {
		c.Engine.BackoffBase = d.BackoffBase
	}
	if c.Engine.BackoffMax <= 0 {
		c.Engine.BackoffMax = d.BackoffMax
	}
	if c.Engine.ProcessTimeout <= 0 {
		c.Engine.ProcessTimeout = d.ProcessTimeout
	}
	if c.Engine.Retention <= 0 {
		c.Engine.Retention = d.Retention
	}
	if c.Engine.PurgeInterval <= 0 {
		c.Engine.PurgeInterval = d.PurgeInterval
	}
	if c.Engine.AwaitTimeout <= 0 {
		c.Engine.AwaitTimeout = 10 * time.Second
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/claims.wal"
	}
	if c.Journal.SnapshotInterval <= 0 {
		c.Journal.SnapshotInterval = d.SnapshotInterval
	}
	if c.Journal.BufferSize <= 0 {
		c.Journal.BufferSize = d.JournalBufferSize
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.GRPC.Port == 0 {
		c.GRPC.Port = 50051
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Events.Kafka.Topic == "" {
		c.Events.Kafka.Topic = events.DefaultTopic
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "mysql":
		if c.Store.MySQL.DSN == "" {
			return fmt.Errorf("store.mysql.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Events.Enabled && len(c.Events.Kafka.Brokers) == 0 {
		return fmt.Errorf("events.kafka.brokers is required when events are enabled")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// engineConfig 轉成 engine.Config
func (c *Config) engineConfig() engine.Config {
	ec := engine.Config{
		WorkerCount:    c.Engine.WorkerCount,
		QueueBuffer:    c.Engine.QueueBuffer,
		MaxAttempts:    c.Engine.MaxAttempts,
		BackoffBase:    c.Engine.BackoffBase,
		BackoffMax:     c.Engine.BackoffMax,
		ProcessTimeout: c.Engine.ProcessTimeout,
		Retention:      c.Engine.Retention,
		PurgeInterval:  c.Engine.PurgeInterval,
	}
	if c.Journal.Enabled {
		ec.JournalPath = c.Journal.Path
		ec.SnapshotPath = c.Journal.SnapshotPath
		ec.SnapshotInterval = c.Journal.SnapshotInterval
		ec.JournalBufferSize = c.Journal.BufferSize
		ec.JournalSync = c.Journal.Sync
	}
	return ec
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// setupLogging 設定預設 slog handler
func setupLogging(cfg LogConfig) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetLogLoggerLevel(level)
	slog.SetDefault(slog.New(h))
}

// Seed 種子資料檔（YAML）
type Seed struct {
	Tasks         []types.Task         `yaml:"tasks"`
	Users         []types.User         `yaml:"users"`
	BuyerAccounts []types.BuyerAccount `yaml:"buyer_accounts"`
}

func loadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for _, t := range seed.Tasks {
		if t.ID == "" || t.TotalCount <= 0 {
			return nil, fmt.Errorf("seed task %q: id and positive total_count are required", t.ID)
		}
		if !t.Status.Valid() {
			return nil, fmt.Errorf("seed task %q: invalid status %q", t.ID, t.Status)
		}
	}
	return &seed, nil
}
